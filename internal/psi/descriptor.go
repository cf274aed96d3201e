package psi

import "fmt"

// Descriptor tags interpreted by the parser. Everything else is kept raw.
const (
	DescriptorTagCA             uint8 = 0x09
	DescriptorTagISO639Language uint8 = 0x0A
	DescriptorTagCASystem       uint8 = 0x65
	DescriptorTagCaptionService uint8 = 0x86
)

// Descriptor is one tag-length-value entry from a descriptor loop.
type Descriptor struct {
	Tag    uint8  `json:"tag"`
	Length uint8  `json:"length"`
	Data   []byte `json:"data"`
}

// IsCA reports whether d belongs to the conditional-access family that
// StripCA removes.
func (d Descriptor) IsCA() bool {
	return d.Tag == DescriptorTagCA || d.Tag == DescriptorTagCASystem
}

// CADescriptor identifies a conditional-access system attached to the
// program or to a single elementary stream.
type CADescriptor struct {
	Tag      uint8  `json:"tag"`
	SystemID uint16 `json:"systemId"`
	PID      uint16 `json:"pid,omitempty"`
	Private  []byte `json:"private,omitempty"`
}

// CaptionService is one entry of an ATSC caption_service_descriptor.
type CaptionService struct {
	Language        string `json:"language"`
	Digital         bool   `json:"digital"`
	ServiceNumber   uint8  `json:"serviceNumber,omitempty"`
	Line21Field     uint8  `json:"line21Field,omitempty"`
	EasyReader      bool   `json:"easyReader,omitempty"`
	WideAspectRatio bool   `json:"wideAspectRatio,omitempty"`
}

// parseDescriptorLoop walks a TLV loop that must fill data exactly.
func parseDescriptorLoop(data []byte) ([]Descriptor, error) {
	var ds []Descriptor
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated descriptor header at %d", ErrMalformed, offset)
		}
		tag := data[offset]
		length := int(data[offset+1])
		end := offset + 2 + length
		if end > len(data) {
			return nil, fmt.Errorf("%w: descriptor 0x%02X length %d overruns loop", ErrMalformed, tag, length)
		}
		payload := make([]byte, length)
		copy(payload, data[offset+2:end])
		ds = append(ds, Descriptor{Tag: tag, Length: uint8(length), Data: payload})
		offset = end
	}
	return ds, nil
}

func parseCADescriptor(d Descriptor) (CADescriptor, error) {
	ca := CADescriptor{Tag: d.Tag}
	switch d.Tag {
	case DescriptorTagCA:
		// CA_system_ID(16) + reserved(3) + CA_PID(13) + private bytes
		if len(d.Data) < 4 {
			return ca, fmt.Errorf("%w: CA descriptor length %d", ErrMalformed, len(d.Data))
		}
		ca.SystemID = uint16(d.Data[0])<<8 | uint16(d.Data[1])
		ca.PID = uint16(d.Data[2]&0x1F)<<8 | uint16(d.Data[3])
		if len(d.Data) > 4 {
			ca.Private = d.Data[4:]
		}
	case DescriptorTagCASystem:
		// Operator-defined layout; only the leading system ID is common.
		if len(d.Data) >= 2 {
			ca.SystemID = uint16(d.Data[0])<<8 | uint16(d.Data[1])
			ca.Private = d.Data[2:]
		}
	}
	return ca, nil
}

// parseLanguage returns the first ISO 639 code of a language descriptor.
func parseLanguage(d Descriptor) string {
	if len(d.Data) < 3 {
		return ""
	}
	return string(d.Data[:3])
}

func parseCaptionServices(d Descriptor) []CaptionService {
	// reserved(3) + number_of_services(5), then 6 bytes per service:
	// language(24) digital_cc(1) reserved(1) service_number(6) or
	// reserved(5)+line21_field(1), easy_reader(1) wide_aspect_ratio(1)
	// reserved(14)
	if len(d.Data) < 1 {
		return nil
	}
	n := int(d.Data[0] & 0x1F)
	if avail := (len(d.Data) - 1) / 6; n > avail {
		n = avail
	}
	services := make([]CaptionService, 0, n)
	for i := 0; i < n; i++ {
		b := d.Data[1+i*6 : 1+(i+1)*6]
		svc := CaptionService{
			Language:        string(b[:3]),
			Digital:         b[3]&0x80 != 0,
			EasyReader:      b[4]&0x80 != 0,
			WideAspectRatio: b[4]&0x40 != 0,
		}
		if svc.Digital {
			svc.ServiceNumber = b[3] & 0x3F
		} else {
			svc.Line21Field = b[3] & 0x01
		}
		services = append(services, svc)
	}
	return services
}
