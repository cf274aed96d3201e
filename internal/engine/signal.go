package engine

// Signal is a notification delivered to the engine's Handler.
type Signal int

// Signals.
const (
	// SignalReady: the first PMT of a cycle was accepted.
	SignalReady Signal = iota
	// SignalUpdate: a revision changed the audio/video PID set. Any
	// downstream decode session must be rebuilt.
	SignalUpdate
	// SignalRevisionUpdate: a revision kept the audio/video PID set but
	// changed other content such as caption or CA descriptors.
	SignalRevisionUpdate
	// SignalTimeout: nothing arrived while acquiring, or the PAT never
	// listed the requested program.
	SignalTimeout
	// SignalError: the source failed, or no usable PMT was found.
	SignalError
)

func (s Signal) String() string {
	switch s {
	case SignalReady:
		return "ready"
	case SignalUpdate:
		return "update"
	case SignalRevisionUpdate:
		return "revision-update"
	case SignalTimeout:
		return "timeout"
	case SignalError:
		return "error"
	default:
		return "unknown"
	}
}

// Handler receives signals on the engine's worker goroutine, with no
// engine lock held. It may call Stop, Start, ProgramMap or Stats, but
// must not call Close.
type Handler func(Signal)
