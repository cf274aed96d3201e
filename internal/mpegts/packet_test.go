package mpegts

import "testing"

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only
	if pusi {
		buf[1] |= 0x40
	}
	n := copy(buf[4:], payload)
	for i := 4 + n; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	return buf
}

func makePacketWithAF(pid uint16, cc uint8, afLen int, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	if len(payload) > 0 {
		buf[3] = 0x30 | (cc & 0x0F) // adaptation + payload
	} else {
		buf[3] = 0x20 | (cc & 0x0F) // adaptation only
	}
	buf[4] = byte(afLen)
	offset := 5 + afLen
	if offset < PacketSize {
		copy(buf[offset:], payload)
	}
	return buf
}

func TestParsePacket_Normal(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x100, 5, false, []byte{0x01, 0x02, 0x03})

	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.PID != 0x100 {
		t.Errorf("PID = 0x%X, want 0x100", p.Header.PID)
	}
	if p.Header.ContinuityCounter != 5 {
		t.Errorf("CC = %d, want 5", p.Header.ContinuityCounter)
	}
	if p.Header.PayloadUnitStartIndicator {
		t.Error("PUSI should be false")
	}
	if !p.Header.HasPayload || p.Header.HasAdaptationField {
		t.Errorf("flags payload=%v af=%v, want true/false", p.Header.HasPayload, p.Header.HasAdaptationField)
	}
	if len(p.Payload) != 184 {
		t.Errorf("payload length = %d, want 184", len(p.Payload))
	}
	if p.Payload[0] != 0x01 || p.Payload[2] != 0x03 {
		t.Error("payload content mismatch")
	}
}

func TestParsePacket_PayloadIsCopied(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x21, 0, true, []byte{0xAA})
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	buf[4] = 0x00
	if p.Payload[0] != 0xAA {
		t.Error("payload aliases the input buffer")
	}
}

func TestParsePacket_TEI(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x100, 0, false, nil)
	buf[1] |= 0x80
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Header.TransportErrorIndicator {
		t.Error("TEI should be true")
	}
}

func TestParsePacket_AdaptationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		afLen      int
		payload    []byte
		wantPayLen int
	}{
		{"af_1_byte", 1, []byte{0xAA}, 188 - 6},
		{"af_10_bytes", 10, []byte{0xBB}, 188 - 15},
		{"af_183_bytes_no_payload", 183, nil, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePacket(makePacketWithAF(0x100, 0, tc.afLen, tc.payload))
			if err != nil {
				t.Fatal(err)
			}
			if !p.Header.HasAdaptationField {
				t.Error("HasAdaptationField should be true")
			}
			if len(p.Payload) != tc.wantPayLen {
				t.Errorf("payload length = %d, want %d", len(p.Payload), tc.wantPayLen)
			}
		})
	}
}

func TestParsePacket_Rejects(t *testing.T) {
	t.Parallel()
	badSync := make([]byte, PacketSize)
	if _, err := ParsePacket(badSync); err == nil {
		t.Error("expected error for bad sync byte")
	}
	if _, err := ParsePacket([]byte{0x47, 0x00, 0x00}); err == nil {
		t.Error("expected error for wrong packet size")
	}
}

func TestParsePacket_MaxPID(t *testing.T) {
	t.Parallel()
	p, err := ParsePacket(makePacket(PIDNull, 0, false, nil))
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.PID != PIDNull {
		t.Errorf("PID = 0x%X, want 0x1FFF", p.Header.PID)
	}
}
