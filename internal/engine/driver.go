package engine

// FilterHandle identifies one section filter opened on a Driver.
type FilterHandle int

// CallbackKind selects which driver notification a Callback receives.
type CallbackKind uint8

// Callback kinds.
const (
	// CallbackSectionData delivers one complete section.
	CallbackSectionData CallbackKind = iota
	// CallbackTimeout fires when the filter saw no section for its
	// configured interval.
	CallbackTimeout
	// CallbackError reports a failure of the underlying source.
	CallbackError
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackSectionData:
		return "section"
	case CallbackTimeout:
		return "timeout"
	case CallbackError:
		return "error"
	default:
		return "unknown"
	}
}

// Callback receives driver notifications. data is only valid for the
// duration of the call; err is set for CallbackError. Callbacks run on
// a goroutine owned by the driver and must not block.
type Callback func(h FilterHandle, data []byte, err error)

// Driver is a section filter: it delivers complete PSI sections found
// on one PID to registered callbacks. Implementations may be backed by
// hardware or by a software demultiplexer. Drivers are not required to
// deduplicate sections.
type Driver interface {
	Open(pid uint16) (FilterHandle, error)
	SetPID(h FilterHandle, pid uint16) error
	EnableCRCCheck(h FilterHandle) error
	// SetGroupFilter rejects sections whose version_number equals
	// version.
	SetGroupFilter(h FilterHandle, version uint8) error
	RegisterCallback(h FilterHandle, kind CallbackKind, fn Callback) error
	Start(h FilterHandle) error
	Stop(h FilterHandle) error
	Close(h FilterHandle) error
}
