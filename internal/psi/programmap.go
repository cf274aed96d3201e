package psi

import "slices"

// ElementaryStream is one entry of the PMT elementary-stream loop.
type ElementaryStream struct {
	PID             uint16           `json:"pid"`
	StreamType      uint8            `json:"streamType"`
	Class           StreamClass      `json:"class"`
	Language        string           `json:"language,omitempty"`
	CaptionServices []CaptionService `json:"captionServices,omitempty"`
	CA              []CADescriptor   `json:"ca,omitempty"`
	Descriptors     []Descriptor     `json:"descriptors,omitempty"`
}

// ProgramMap holds the accepted PMT contents for one program, together
// with the raw tables it was built from. A ProgramMap is never modified
// after it is built; a revision produces a new one.
type ProgramMap struct {
	ProgramNumber      uint16             `json:"programNumber"`
	TransportID        uint16             `json:"transportId"`
	PMTPID             uint16             `json:"pmtPid"`
	PCRPID             uint16             `json:"pcrPid"`
	Version            uint8              `json:"version"`
	ProgramDescriptors []Descriptor       `json:"programDescriptors,omitempty"`
	CA                 []CADescriptor     `json:"ca,omitempty"`
	Streams            []ElementaryStream `json:"streams"`
	PayloadCRC         uint32             `json:"payloadCrc"`

	RawPAT []byte `json:"-"`
	RawPMT []byte `json:"-"`
}

// VideoPID returns the first video PID, or 0 when there is none.
func (pm *ProgramMap) VideoPID() uint16 {
	return pm.firstPID(ClassVideo)
}

// AudioPID returns the first audio PID, or 0 when there is none.
func (pm *ProgramMap) AudioPID() uint16 {
	return pm.firstPID(ClassAudio)
}

func (pm *ProgramMap) firstPID(c StreamClass) uint16 {
	for _, es := range pm.Streams {
		if es.Class == c {
			return es.PID
		}
	}
	return 0
}

// Scrambled reports whether any CA descriptor is present at program or
// stream level.
func (pm *ProgramMap) Scrambled() bool {
	if len(pm.CA) > 0 {
		return true
	}
	for _, es := range pm.Streams {
		if len(es.CA) > 0 {
			return true
		}
	}
	return false
}

// StreamKey identifies an elementary stream for revision comparison.
type StreamKey struct {
	PID   uint16
	Class StreamClass
}

// AVStreams returns the sorted set of audio and video streams.
func (pm *ProgramMap) AVStreams() []StreamKey {
	var keys []StreamKey
	for _, es := range pm.Streams {
		if es.Class == ClassOther {
			continue
		}
		k := StreamKey{PID: es.PID, Class: es.Class}
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b StreamKey) int {
		if a.PID != b.PID {
			return int(a.PID) - int(b.PID)
		}
		return int(a.Class) - int(b.Class)
	})
	return keys
}

// Clone returns a deep copy that shares no memory with pm.
func (pm *ProgramMap) Clone() *ProgramMap {
	if pm == nil {
		return nil
	}
	c := *pm
	c.ProgramDescriptors = cloneDescriptors(pm.ProgramDescriptors)
	c.CA = cloneCA(pm.CA)
	c.RawPAT = slices.Clone(pm.RawPAT)
	c.RawPMT = slices.Clone(pm.RawPMT)
	if pm.Streams != nil {
		c.Streams = make([]ElementaryStream, len(pm.Streams))
		for i, es := range pm.Streams {
			es.Descriptors = cloneDescriptors(es.Descriptors)
			es.CA = cloneCA(es.CA)
			es.CaptionServices = slices.Clone(es.CaptionServices)
			c.Streams[i] = es
		}
	}
	return &c
}

func cloneDescriptors(ds []Descriptor) []Descriptor {
	if ds == nil {
		return nil
	}
	out := make([]Descriptor, len(ds))
	for i, d := range ds {
		d.Data = slices.Clone(d.Data)
		out[i] = d
	}
	return out
}

func cloneCA(cas []CADescriptor) []CADescriptor {
	if cas == nil {
		return nil
	}
	out := make([]CADescriptor, len(cas))
	for i, ca := range cas {
		ca.Private = slices.Clone(ca.Private)
		out[i] = ca
	}
	return out
}

// Change classifies the difference between two revisions of a program.
type Change int

// Revision outcomes.
const (
	// ChangeNone: the program body is byte-identical.
	ChangeNone Change = iota
	// ChangeRevision: same audio/video PIDs, other content differs.
	ChangeRevision
	// ChangeAV: the audio/video PID set differs.
	ChangeAV
)

func (c Change) String() string {
	switch c {
	case ChangeRevision:
		return "revision"
	case ChangeAV:
		return "av"
	default:
		return "none"
	}
}

// Compare classifies next against prev. The audio/video set is compared
// by PID and class; everything else through the cached payload CRC.
func Compare(prev, next *ProgramMap) Change {
	if prev == nil {
		return ChangeAV
	}
	if !slices.Equal(prev.AVStreams(), next.AVStreams()) {
		return ChangeAV
	}
	if prev.PayloadCRC != next.PayloadCRC {
		return ChangeRevision
	}
	return ChangeNone
}
