package engine

// State is a position in the acquisition cycle.
type State int32

// Acquisition states.
const (
	StateIdle State = iota
	StateWaitForPat
	StateProcessingPat
	StateWaitForPmt
	StateProcessingPmt
	StateWaitForUpdate
	StateProcessingPmtUpdate
	StateStopped
	StateClosed
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateWaitForPat:          "wait-pat",
	StateProcessingPat:       "processing-pat",
	StateWaitForPmt:          "wait-pmt",
	StateProcessingPmt:       "processing-pmt",
	StateWaitForUpdate:       "wait-update",
	StateProcessingPmtUpdate: "processing-pmt-update",
	StateStopped:             "stopped",
	StateClosed:              "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// acceptsPAT reports whether a PAT section arriving in s belongs to the
// current cycle phase.
func (s State) acceptsPAT() bool {
	return s == StateWaitForPat || s == StateProcessingPat
}

// acceptsPMT reports whether a PMT section arriving in s belongs to the
// current cycle phase.
func (s State) acceptsPMT() bool {
	switch s {
	case StateWaitForPmt, StateProcessingPmt, StateWaitForUpdate, StateProcessingPmtUpdate:
		return true
	}
	return false
}

// acquiring reports whether s waits on the source with a bounded timeout.
func (s State) acquiring() bool {
	return s == StateWaitForPat || s == StateWaitForPmt
}

func (s State) waiting() bool {
	return s.acquiring() || s == StateWaitForUpdate
}
