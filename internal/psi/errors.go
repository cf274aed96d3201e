package psi

import "errors"

// Framing errors. A section failing with one of these is noise or a
// hardware artifact and carries no information about the program.
var (
	ErrShortSection = errors.New("psi: section too short")
	ErrSyntax       = errors.New("psi: section_syntax_indicator not set")
	ErrCRC          = errors.New("psi: CRC32 mismatch")
	ErrWrongTable   = errors.New("psi: unexpected table_id")
	ErrNotCurrent   = errors.New("psi: section not yet applicable")
)

// Content errors. The section was intact but does not describe a usable
// program.
var (
	ErrMalformed       = errors.New("psi: malformed section")
	ErrNoAVStreams     = errors.New("psi: no audio or video elementary stream")
	ErrProgramNotFound = errors.New("psi: program not found")
)

// IsTransient reports whether err is a framing error that should be
// discarded without counting against an acquisition attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrShortSection) ||
		errors.Is(err, ErrSyntax) ||
		errors.Is(err, ErrCRC) ||
		errors.Is(err, ErrWrongTable) ||
		errors.Is(err, ErrNotCurrent)
}
