package mpegts

// maxSectionSize bounds a single private section (4096 including header).
const maxSectionSize = 4096

// SectionAssembler buffers the packets of a single PSI PID and returns
// complete sections as they close.
type SectionAssembler struct {
	pid     uint16
	packets []*Packet
}

// NewSectionAssembler creates an assembler for pid.
func NewSectionAssembler(pid uint16) *SectionAssembler {
	return &SectionAssembler{pid: pid}
}

// PID returns the PID this assembler accepts.
func (sa *SectionAssembler) PID() uint16 {
	return sa.pid
}

// Reset drops any partially assembled section.
func (sa *SectionAssembler) Reset() {
	sa.packets = nil
}

// Add feeds one packet and returns the sections it completed, if any.
// Each returned section is a fresh copy running from table_id through
// the CRC32.
func (sa *SectionAssembler) Add(p *Packet) [][]byte {
	if p.Header.PID != sa.pid {
		return nil
	}

	// Skip packets with transport errors.
	if p.Header.TransportErrorIndicator {
		sa.packets = nil
		return nil
	}

	// Skip adaptation-only packets (no payload).
	if !p.Header.HasPayload || len(p.Payload) == 0 {
		return nil
	}

	// Discontinuity check: compare CC against last buffered packet.
	// A signaled discontinuity indicator means the CC jump is expected.
	if len(sa.packets) > 0 && !p.Header.DiscontinuityIndicator {
		prev := sa.packets[len(sa.packets)-1].Header.ContinuityCounter
		expected := (prev + 1) & 0x0F
		if p.Header.ContinuityCounter != expected {
			if p.Header.ContinuityCounter == prev {
				return nil // duplicate packet, drop
			}
			// Unsignaled discontinuity: discard buffered packets.
			sa.packets = nil
		}
	}

	// A continuation with nothing buffered has no pointer field to anchor on.
	if len(sa.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return nil
	}

	var sections [][]byte

	if p.Header.PayloadUnitStartIndicator && len(sa.packets) > 0 {
		sections = splitSections(concatPayloads(sa.packets))
		sa.packets = nil
	}

	sa.packets = append(sa.packets, p)

	payload := concatPayloads(sa.packets)
	if isSectionComplete(payload) {
		sections = append(sections, splitSections(payload)...)
		sa.packets = nil
	} else if len(payload) > maxSectionSize+PacketSize {
		sa.packets = nil
	}

	return sections
}

func concatPayloads(packets []*Packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// isSectionComplete checks whether payload, starting at a pointer field,
// holds every section it announces.
func isSectionComplete(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return false
	}

	// Walk sections.
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true // stuffing bytes, section is complete
		}
		if offset+3 > len(payload) {
			return false
		}
		// section_syntax_indicator must be 1 for PAT/PMT.
		// Zero-padding bytes will have this bit clear.
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

// splitSections returns a copy of every complete section in payload.
func splitSections(payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}
	offset := 1 + int(payload[0])

	var sections [][]byte
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			break // stuffing bytes
		}
		if offset+3 > len(payload) {
			break
		}
		if payload[offset+1]&0x80 == 0 {
			break
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := make([]byte, sectionEnd-offset)
		copy(section, payload[offset:sectionEnd])
		sections = append(sections, section)
		offset = sectionEnd
	}
	return sections
}
