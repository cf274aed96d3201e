package mpegts

// Packetize splits a PSI section into 188-byte TS packets on pid. The
// first packet carries payload_unit_start_indicator and a zero pointer
// field; the tail of the last packet is stuffed with 0xFF. cc is the
// continuity counter of the first packet; the counter to use for the
// next packet on the same PID is returned.
func Packetize(pid uint16, section []byte, cc uint8) ([]byte, uint8) {
	payload := make([]byte, 0, 1+len(section))
	payload = append(payload, 0x00) // pointer field
	payload = append(payload, section...)

	var out []byte
	for first := true; len(payload) > 0; first = false {
		pkt := make([]byte, PacketSize)
		pkt[0] = syncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | (cc & 0x0F) // payload only
		if first {
			pkt[1] |= 0x40
		}

		n := copy(pkt[4:], payload)
		for i := 4 + n; i < PacketSize; i++ {
			pkt[i] = 0xFF
		}
		payload = payload[n:]

		out = append(out, pkt...)
		cc = (cc + 1) & 0x0F
	}
	return out, cc
}
