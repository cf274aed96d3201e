package mpegts

import "testing"

func FuzzParsePacket(f *testing.F) {
	pkt := make([]byte, PacketSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 // PUSI=1, PID=0
	pkt[3] = 0x10 // no adaptation, has payload
	f.Add(pkt)

	afPkt := make([]byte, PacketSize)
	afPkt[0] = syncByte
	afPkt[1] = 0x01
	afPkt[3] = 0x30 // adaptation + payload
	afPkt[4] = 0xFF // adaptation length past the packet end
	f.Add(afPkt)

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PacketSize {
			return
		}
		p, err := ParsePacket(data)
		if err != nil {
			return
		}
		// Feeding arbitrary packets into an assembler must not panic either.
		NewSectionAssembler(p.Header.PID).Add(p)
	})
}
