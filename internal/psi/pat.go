package psi

import "fmt"

// ProgramAssociation maps a program number to the PID carrying its PMT.
type ProgramAssociation struct {
	ProgramNumber uint16
	PMTPID        uint16
}

// PAT is one decoded Program Association Table section.
type PAT struct {
	Header   TableHeader
	Programs []ProgramAssociation
}

// ParsePAT decodes a PAT section. Entries for program number 0 (the
// network PID) are skipped.
func ParsePAT(data []byte) (*PAT, error) {
	h, data, err := checkSection(data, TableIDPAT)
	if err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}

	// Entry data starts at byte 8, ends 4 bytes before the section end.
	entryEnd := len(data) - crcSize

	pat := &PAT{Header: h}
	for i := HeaderSize; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])

		if programNumber == 0 {
			continue // NIT PID, skip
		}

		pat.Programs = append(pat.Programs, ProgramAssociation{
			ProgramNumber: programNumber,
			PMTPID:        pmtPID,
		})
	}

	return pat, nil
}

// Find returns the PMT PID of the first entry for programNumber. The
// table does not guarantee ordering, so the scan is linear.
func (p *PAT) Find(programNumber uint16) (uint16, error) {
	for _, e := range p.Programs {
		if e.ProgramNumber == programNumber {
			return e.PMTPID, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrProgramNotFound, programNumber)
}
