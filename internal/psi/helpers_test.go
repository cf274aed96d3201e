package psi

import "github.com/zsiec/psiwatch/internal/mpegts"

type testProgram struct{ num, pid uint16 }

// buildPAT constructs a valid PAT section with CRC32.
func buildPAT(tsID uint16, version uint8, programs []testProgram) []byte {
	sectionLength := 5 + len(programs)*4 + 4

	data := []byte{
		TableIDPAT,
		0xB0 | byte(sectionLength>>8)&0x0F, // section_syntax_indicator=1
		byte(sectionLength),
		byte(tsID >> 8), byte(tsID),
		0xC1 | (version&0x1F)<<1, // reserved + version + current_next
		0x00,                     // section_number
		0x00,                     // last_section_number
	}
	for _, p := range programs {
		data = append(data,
			byte(p.num>>8), byte(p.num),
			0xE0|byte(p.pid>>8)&0x1F, byte(p.pid),
		)
	}
	return mpegts.AppendCRC32(data)
}

type testStream struct {
	streamType uint8
	pid        uint16
	descs      []Descriptor
}

// buildPMT constructs a valid PMT section with CRC32.
func buildPMT(programNum uint16, version uint8, pcrPID uint16, progDescs []Descriptor, streams []testStream) []byte {
	body := []byte{
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
	}
	pil := encodeDescriptors(progDescs)
	body = append(body, 0xF0|byte(len(pil)>>8)&0x0F, byte(len(pil)))
	body = append(body, pil...)
	for _, s := range streams {
		esInfo := encodeDescriptors(s.descs)
		body = append(body,
			s.streamType,
			0xE0|byte(s.pid>>8)&0x1F, byte(s.pid),
			0xF0|byte(len(esInfo)>>8)&0x0F, byte(len(esInfo)),
		)
		body = append(body, esInfo...)
	}

	sectionLength := 5 + len(body) + 4
	data := []byte{
		TableIDPMT,
		0xB0 | byte(sectionLength>>8)&0x0F,
		byte(sectionLength),
		byte(programNum >> 8), byte(programNum),
		0xC1 | (version&0x1F)<<1,
		0x00, 0x00,
	}
	data = append(data, body...)
	return mpegts.AppendCRC32(data)
}

func encodeDescriptors(ds []Descriptor) []byte {
	var out []byte
	for _, d := range ds {
		out = append(out, d.Tag, byte(len(d.Data)))
		out = append(out, d.Data...)
	}
	return out
}

// resign recomputes the CRC32 of a section edited in place.
func resign(section []byte) []byte {
	return mpegts.AppendCRC32(section[: len(section)-4 : len(section)-4])
}

func caDesc(systemID, pid uint16) Descriptor {
	return Descriptor{Tag: DescriptorTagCA, Data: []byte{
		byte(systemID >> 8), byte(systemID),
		0xE0 | byte(pid>>8)&0x1F, byte(pid),
	}}
}

func langDesc(code string) Descriptor {
	return Descriptor{Tag: DescriptorTagISO639Language, Data: append([]byte(code), 0x00)}
}

func captionDesc(lang string, service uint8) Descriptor {
	return Descriptor{Tag: DescriptorTagCaptionService, Data: []byte{
		0xC1, // reserved + number_of_services=1
		lang[0], lang[1], lang[2],
		0x80 | 0x40 | service&0x3F, // digital_cc + reserved + caption_service_number
		0x3F, 0xFF,
	}}
}

// exampleStreams is a program with MPEG-2 video and AC-3 audio.
var exampleStreams = []testStream{
	{streamType: StreamTypeMPEG2Video, pid: 0x31},
	{streamType: StreamTypeAC3, pid: 0x34, descs: []Descriptor{langDesc("eng")}},
}
