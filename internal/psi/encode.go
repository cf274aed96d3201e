package psi

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"

	"github.com/zsiec/psiwatch/internal/mpegts"
)

// EncodeSingleProgramPAT builds a PAT section announcing exactly one
// program. The result is byte-for-byte deterministic for equal input.
func EncodeSingleProgramPAT(transportID uint16, version uint8, programNumber, pmtPID uint16) ([]byte, error) {
	const sectionLength = 5 + 4 + crcSize

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	writeSectionHeader(w, TableIDPAT, sectionLength, TableHeader{
		StreamOrTransportID:  transportID,
		VersionNumber:        version,
		CurrentNextIndicator: true,
	})
	w.TryWriteBits(uint64(programNumber), 16)
	w.TryWriteBits(0x7, 3) // reserved
	w.TryWriteBits(uint64(pmtPID), 13)
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("psi: write PAT: %w", err)
	}
	return mpegts.AppendCRC32(buf.Bytes()), nil
}

// StripCA rewrites a PMT section without its CA (0x09) and CA-system
// (0x65) descriptors, at program and elementary-stream level. Lengths
// and the CRC32 are recomputed; every other field is preserved.
func StripCA(rawPMT []byte) ([]byte, error) {
	l, err := decodePMTLayout(rawPMT)
	if err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}

	progDescs := withoutCA(l.descriptors)
	programInfoLength := descriptorLoopLength(progDescs)

	sectionLength := 5 + 4 + programInfoLength + crcSize
	streams := make([][]Descriptor, len(l.streams))
	for i, es := range l.streams {
		streams[i] = withoutCA(es.descriptors)
		sectionLength += 5 + descriptorLoopLength(streams[i])
	}

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	writeSectionHeader(w, TableIDPMT, sectionLength, l.header)
	w.TryWriteBits(0x7, 3) // reserved
	w.TryWriteBits(uint64(l.pcrPID), 13)
	w.TryWriteBits(0xF, 4) // reserved
	w.TryWriteBits(uint64(programInfoLength), 12)
	writeDescriptors(w, progDescs)

	for i, es := range l.streams {
		w.TryWriteByte(es.streamType)
		w.TryWriteBits(0x7, 3)
		w.TryWriteBits(uint64(es.pid), 13)
		w.TryWriteBits(0xF, 4)
		w.TryWriteBits(uint64(descriptorLoopLength(streams[i])), 12)
		writeDescriptors(w, streams[i])
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("psi: write PMT: %w", err)
	}
	return mpegts.AppendCRC32(buf.Bytes()), nil
}

func writeSectionHeader(w *bitio.Writer, tableID uint8, sectionLength int, h TableHeader) {
	w.TryWriteByte(tableID)
	w.TryWriteBool(true)  // section_syntax_indicator
	w.TryWriteBool(false) // '0'
	w.TryWriteBits(0x3, 2)
	w.TryWriteBits(uint64(sectionLength), 12)
	w.TryWriteBits(uint64(h.StreamOrTransportID), 16)
	w.TryWriteBits(0x3, 2)
	w.TryWriteBits(uint64(h.VersionNumber), 5)
	w.TryWriteBool(h.CurrentNextIndicator)
	w.TryWriteByte(h.SectionNumber)
	w.TryWriteByte(h.LastSectionNumber)
}

func writeDescriptors(w *bitio.Writer, ds []Descriptor) {
	for _, d := range ds {
		w.TryWriteByte(d.Tag)
		w.TryWriteByte(uint8(len(d.Data)))
		for _, b := range d.Data {
			w.TryWriteByte(b)
		}
	}
}

func withoutCA(ds []Descriptor) []Descriptor {
	var out []Descriptor
	for _, d := range ds {
		if !d.IsCA() {
			out = append(out, d)
		}
	}
	return out
}

func descriptorLoopLength(ds []Descriptor) int {
	n := 0
	for _, d := range ds {
		n += 2 + len(d.Data)
	}
	return n
}
