package psi

import (
	"fmt"

	"github.com/zsiec/psiwatch/internal/mpegts"
)

// Table IDs handled by this package.
const (
	TableIDPAT uint8 = 0x00
	TableIDPMT uint8 = 0x02
)

// HeaderSize is the length of the long-form section header.
const HeaderSize = 8

// crcSize is the trailing CRC32.
const crcSize = 4

// TableHeader is the fixed 8-byte header shared by PAT and PMT sections.
type TableHeader struct {
	TableID                uint8
	SectionSyntaxIndicator bool
	SectionLength          uint16
	StreamOrTransportID    uint16
	VersionNumber          uint8
	CurrentNextIndicator   bool
	SectionNumber          uint8
	LastSectionNumber      uint8
}

// DecodeHeader decodes the first 8 bytes of a section.
func DecodeHeader(data []byte) (TableHeader, error) {
	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id / program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	if len(data) < HeaderSize {
		return TableHeader{}, fmt.Errorf("%w: %d bytes", ErrShortSection, len(data))
	}
	return TableHeader{
		TableID:                data[0],
		SectionSyntaxIndicator: data[1]&0x80 != 0,
		SectionLength:          uint16(data[1]&0x0F)<<8 | uint16(data[2]),
		StreamOrTransportID:    uint16(data[3])<<8 | uint16(data[4]),
		VersionNumber:          (data[5] >> 1) & 0x1F,
		CurrentNextIndicator:   data[5]&0x01 != 0,
		SectionNumber:          data[6],
		LastSectionNumber:      data[7],
	}, nil
}

// TotalLength is the on-wire size of the section including the 3 bytes
// preceding section_length's coverage.
func (h TableHeader) TotalLength() int {
	return 3 + int(h.SectionLength)
}

// checkSection validates framing for a section expected to carry
// tableID and returns the header plus data trimmed to the declared
// length. Trailing bytes beyond section_length are ignored.
func checkSection(data []byte, tableID uint8) (TableHeader, []byte, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return h, nil, err
	}
	if h.TableID != tableID {
		return h, nil, fmt.Errorf("%w: 0x%02X, want 0x%02X", ErrWrongTable, h.TableID, tableID)
	}
	if !h.SectionSyntaxIndicator {
		return h, nil, ErrSyntax
	}
	total := h.TotalLength()
	if total < HeaderSize+crcSize || total > len(data) {
		return h, nil, fmt.Errorf("%w: section_length %d, have %d bytes", ErrShortSection, h.SectionLength, len(data))
	}
	data = data[:total]
	if err := mpegts.VerifyCRC32(data); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrCRC, err)
	}
	if !h.CurrentNextIndicator {
		return h, nil, ErrNotCurrent
	}
	return h, data, nil
}
