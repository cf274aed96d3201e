// Package psi decodes and re-encodes the MPEG-2 Program Specific
// Information tables needed to acquire a single program: the Program
// Association Table (PAT) and the Program Map Table (PMT).
//
// Parsing is pure: [ParsePAT] and [ParsePMT] take one complete section,
// verify its framing and CRC32, and return plain values. Every length
// field is clamped against the declared section_length, so a corrupt
// section yields an error rather than an out-of-range read.
//
// [StripCA] and [EncodeSingleProgramPAT] rebuild tables for re-injection
// into a recorded stream.
package psi
