package psi

import "fmt"

// Stream types carried in the PMT elementary-stream loop.
const (
	StreamTypeMPEG1Video      uint8 = 0x01
	StreamTypeMPEG2Video      uint8 = 0x02
	StreamTypeMPEG1Audio      uint8 = 0x03
	StreamTypeMPEG2Audio      uint8 = 0x04
	StreamTypePrivateSections uint8 = 0x05
	StreamTypePrivatePES      uint8 = 0x06
	StreamTypeAACADTS         uint8 = 0x0F
	StreamTypeAACLATM         uint8 = 0x11 // AAC+ (HE-AAC in LATM)
	StreamTypeH264            uint8 = 0x1B
	StreamTypeHEVC            uint8 = 0x24
	StreamTypeDigiCipherVideo uint8 = 0x80
	StreamTypeAC3             uint8 = 0x81
	StreamTypeSCTE35          uint8 = 0x86
	StreamTypeEAC3            uint8 = 0x87 // DD+
	StreamTypeVC1             uint8 = 0xEA
)

// StreamClass groups stream types by what a decoder session needs.
type StreamClass uint8

// Stream classes.
const (
	ClassOther StreamClass = iota
	ClassVideo
	ClassAudio
)

func (c StreamClass) String() string {
	switch c {
	case ClassVideo:
		return "video"
	case ClassAudio:
		return "audio"
	default:
		return "other"
	}
}

// MarshalText renders the class name in JSON output.
func (c StreamClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

var streamClasses = map[uint8]StreamClass{
	StreamTypeMPEG1Video:      ClassVideo,
	StreamTypeMPEG2Video:      ClassVideo,
	StreamTypeH264:            ClassVideo,
	StreamTypeHEVC:            ClassVideo,
	StreamTypeDigiCipherVideo: ClassVideo,
	StreamTypeVC1:             ClassVideo,

	StreamTypeMPEG1Audio: ClassAudio,
	StreamTypeMPEG2Audio: ClassAudio,
	StreamTypeAACADTS:    ClassAudio,
	StreamTypeAACLATM:    ClassAudio,
	StreamTypeAC3:        ClassAudio,
	StreamTypeEAC3:       ClassAudio,
}

// Classify maps a stream_type to its class. Unlisted types are ClassOther.
func Classify(streamType uint8) StreamClass {
	return streamClasses[streamType]
}

var streamTypeNames = map[uint8]string{
	StreamTypeMPEG1Video:      "MPEG-1 Video",
	StreamTypeMPEG2Video:      "MPEG-2 Video",
	StreamTypeMPEG1Audio:      "MPEG-1 Audio",
	StreamTypeMPEG2Audio:      "MPEG-2 Audio",
	StreamTypePrivateSections: "Private Sections",
	StreamTypePrivatePES:      "Private PES",
	StreamTypeAACADTS:         "AAC",
	StreamTypeAACLATM:         "AAC+",
	StreamTypeH264:            "H.264",
	StreamTypeHEVC:            "H.265",
	StreamTypeDigiCipherVideo: "DigiCipher II Video",
	StreamTypeAC3:             "AC-3",
	StreamTypeSCTE35:          "SCTE-35",
	StreamTypeEAC3:            "E-AC-3",
	StreamTypeVC1:             "VC-1",
}

// StreamTypeName returns a human-readable name for a stream_type.
func StreamTypeName(streamType uint8) string {
	if name, ok := streamTypeNames[streamType]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", streamType)
}
