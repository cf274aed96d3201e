package psi

import (
	"errors"
	"testing"
)

func TestDecodeHeader(t *testing.T) {
	t.Parallel()
	data := buildPAT(0x1234, 7, []testProgram{{100, 0x21}})

	h, err := DecodeHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	want := TableHeader{
		TableID:                TableIDPAT,
		SectionSyntaxIndicator: true,
		SectionLength:          13,
		StreamOrTransportID:    0x1234,
		VersionNumber:          7,
		CurrentNextIndicator:   true,
	}
	if h != want {
		t.Errorf("header = %+v, want %+v", h, want)
	}
	if h.TotalLength() != len(data) {
		t.Errorf("TotalLength = %d, want %d", h.TotalLength(), len(data))
	}
}

func TestDecodeHeader_Short(t *testing.T) {
	t.Parallel()
	_, err := DecodeHeader([]byte{0x00, 0xB0, 0x0D})
	if !errors.Is(err, ErrShortSection) {
		t.Errorf("err = %v, want ErrShortSection", err)
	}
}

func TestCheckSection_Errors(t *testing.T) {
	t.Parallel()
	good := buildPAT(1, 0, []testProgram{{1, 0x100}})

	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	noSyntax := append([]byte(nil), good...)
	noSyntax[1] &^= 0x80

	notCurrent := append([]byte(nil), good...)
	notCurrent[5] &^= 0x01
	notCurrent = resign(notCurrent)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"crc", badCRC, ErrCRC},
		{"syntax", noSyntax, ErrSyntax},
		{"truncated", good[:len(good)-2], ErrShortSection},
		{"undersized", good[:6], ErrShortSection},
		{"not_current", notCurrent, ErrNotCurrent},
		{"wrong_table", buildPMT(1, 0, 0x30, nil, exampleStreams), ErrWrongTable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := checkSection(tc.data, TableIDPAT)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !IsTransient(err) {
				t.Errorf("%v should be transient", err)
			}
		})
	}
}

func TestCheckSection_IgnoresTrailingBytes(t *testing.T) {
	t.Parallel()
	data := append(buildPAT(1, 0, []testProgram{{1, 0x100}}), 0xFF, 0xFF, 0xFF)
	_, trimmed, err := checkSection(data, TableIDPAT)
	if err != nil {
		t.Fatal(err)
	}
	if len(trimmed) != len(data)-3 {
		t.Errorf("trimmed length = %d, want %d", len(trimmed), len(data)-3)
	}
}
