package psi

import (
	"fmt"

	"github.com/zsiec/psiwatch/internal/mpegts"
)

// pmtFixedSize covers the header plus PCR_PID and program_info_length.
const pmtFixedSize = 12

// pmtLayout is the structural decode of a PMT section shared by the
// parser and the re-encoder.
type pmtLayout struct {
	header      TableHeader
	pcrPID      uint16
	descriptors []Descriptor
	streams     []esLayout
	payloadCRC  uint32
}

type esLayout struct {
	streamType  uint8
	pid         uint16
	descriptors []Descriptor
}

func decodePMTLayout(data []byte) (*pmtLayout, error) {
	h, data, err := checkSection(data, TableIDPMT)
	if err != nil {
		return nil, err
	}

	// data layout after the common header:
	// [8-9]   reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...]   program descriptors
	// [...]   elementary stream entries
	// [...]   CRC32
	if len(data) < pmtFixedSize+crcSize {
		return nil, fmt.Errorf("%w: PMT of %d bytes", ErrShortSection, len(data))
	}
	sectionEnd := len(data) - crcSize

	l := &pmtLayout{
		header:     h,
		pcrPID:     uint16(data[8]&0x1F)<<8 | uint16(data[9]),
		payloadCRC: mpegts.CRC32(data[HeaderSize:sectionEnd]),
	}

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := pmtFixedSize + programInfoLength
	if offset > sectionEnd {
		return nil, fmt.Errorf("%w: program_info_length %d overruns section", ErrMalformed, programInfoLength)
	}
	if l.descriptors, err = parseDescriptorLoop(data[pmtFixedSize:offset]); err != nil {
		return nil, fmt.Errorf("program info: %w", err)
	}

	for offset < sectionEnd {
		if offset+5 > sectionEnd {
			return nil, fmt.Errorf("%w: truncated elementary stream entry at %d", ErrMalformed, offset)
		}
		es := esLayout{
			streamType: data[offset],
			pid:        uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		end := offset + 5 + esInfoLength
		if end > sectionEnd {
			return nil, fmt.Errorf("%w: ES_info_length %d for PID 0x%X overruns section", ErrMalformed, esInfoLength, es.pid)
		}
		if es.descriptors, err = parseDescriptorLoop(data[offset+5 : end]); err != nil {
			return nil, fmt.Errorf("PID 0x%X: %w", es.pid, err)
		}
		l.streams = append(l.streams, es)
		offset = end
	}

	return l, nil
}

// ParsePMT decodes a PMT section into a fresh ProgramMap. PMTPID,
// TransportID and the raw PAT are left for the caller, which knows
// which PAT led here. A PMT without any audio or video stream fails
// with ErrNoAVStreams.
func ParsePMT(data []byte) (*ProgramMap, error) {
	l, err := decodePMTLayout(data)
	if err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}

	pm := &ProgramMap{
		ProgramNumber:      l.header.StreamOrTransportID,
		PCRPID:             l.pcrPID,
		Version:            l.header.VersionNumber,
		ProgramDescriptors: l.descriptors,
		PayloadCRC:         l.payloadCRC,
	}

	for _, d := range l.descriptors {
		if !d.IsCA() {
			continue
		}
		ca, err := parseCADescriptor(d)
		if err != nil {
			return nil, fmt.Errorf("PMT program info: %w", err)
		}
		pm.CA = append(pm.CA, ca)
	}

	var av int
	for _, es := range l.streams {
		stream := ElementaryStream{
			PID:         es.pid,
			StreamType:  es.streamType,
			Class:       Classify(es.streamType),
			Descriptors: es.descriptors,
		}
		for _, d := range es.descriptors {
			switch d.Tag {
			case DescriptorTagISO639Language:
				if stream.Language == "" {
					stream.Language = parseLanguage(d)
				}
			case DescriptorTagCaptionService:
				stream.CaptionServices = append(stream.CaptionServices, parseCaptionServices(d)...)
			case DescriptorTagCA, DescriptorTagCASystem:
				ca, err := parseCADescriptor(d)
				if err != nil {
					return nil, fmt.Errorf("PMT PID 0x%X: %w", es.pid, err)
				}
				stream.CA = append(stream.CA, ca)
			}
		}
		if stream.Class != ClassOther {
			av++
		}
		pm.Streams = append(pm.Streams, stream)
	}

	if av == 0 {
		return nil, fmt.Errorf("PMT program %d: %w", pm.ProgramNumber, ErrNoAVStreams)
	}

	pm.RawPMT = append([]byte(nil), data[:l.header.TotalLength()]...)
	return pm, nil
}
