// Package engine acquires one program's PAT and PMT from a section
// filter and then watches the PMT for revisions.
//
// A single worker goroutine per Engine runs the acquisition state
// machine. Driver callbacks only decode the section header and queue a
// copy of the section; every parse and state transition happens on the
// worker. The accepted ProgramMap is guarded by a mutex that is never
// held while parsing or while the Handler runs.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/psiwatch/internal/eventq"
	"github.com/zsiec/psiwatch/internal/mpegts"
	"github.com/zsiec/psiwatch/internal/psi"
)

// Defaults applied to zero Options fields.
const (
	DefaultMaxAttempts    = 2000
	DefaultAcquireTimeout = 5 * time.Second
)

var (
	ErrNilDriver = errors.New("engine: nil driver")
	ErrBusy      = errors.New("engine: acquisition already running")
	ErrClosed    = errors.New("engine: closed")
	ErrNotReady  = errors.New("engine: no program map acquired")
)

// Options tunes an Engine.
type Options struct {
	// MaxAttempts bounds how many PAT sections without the requested
	// program, and how many unusable PMT sections, are tolerated per
	// acquisition cycle.
	MaxAttempts int
	// AcquireTimeout is how long the worker waits for a section while
	// acquiring the PAT or PMT before signalling a timeout.
	AcquireTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	return o
}

type eventKind uint8

const (
	evWake eventKind = iota
	evSection
	evTimeout
	evError
)

type event struct {
	kind   eventKind
	gen    uint64
	header psi.TableHeader
	data   []byte
	err    error
}

// Engine runs PSI acquisition for one program at a time.
type Engine struct {
	log   *slog.Logger
	opts  Options
	queue *eventq.Queue[event]

	state    atomic.Int32
	gen      atomic.Uint64 // bumped whenever a filter is released
	stopping atomic.Bool
	closed   atomic.Bool
	handler  atomic.Pointer[Handler]

	// ctl serializes state transitions and driver calls between the
	// worker and Start/Stop.
	ctl         sync.Mutex
	drv         Driver
	handle      FilterHandle
	filterOpen  bool
	program     uint16
	pmtPID      uint16
	transportID uint16
	rawPAT      []byte
	patAttempts int
	pmtAttempts int
	// rejected holds the version of the last unusable update plus one,
	// or zero when no update is being screened.
	rejected uint8

	mu sync.Mutex
	pm *psi.ProgramMap

	counters  counters
	closeOnce sync.Once
	done      chan struct{}
}

// NewEngine creates an idle Engine and starts its worker. If log is
// nil, slog.Default() is used.
func NewEngine(log *slog.Logger, opts Options) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:   log.With("component", "psi-engine"),
		opts:  opts.withDefaults(),
		queue: eventq.New[event](),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// SetHandler registers the function that receives signals, replacing
// any previous one. A nil handler discards signals.
func (e *Engine) SetHandler(h Handler) {
	if h == nil {
		e.handler.Store(nil)
		return
	}
	e.handler.Store(&h)
}

// State returns the current acquisition state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	if prev := State(e.state.Swap(int32(s))); prev != s {
		e.log.Debug("state", "from", prev, "to", s)
	}
}

// Start begins an acquisition cycle for program on drv. It is allowed
// from Idle and Stopped; any previous ProgramMap is discarded.
func (e *Engine) Start(program uint16, drv Driver) error {
	if drv == nil {
		return ErrNilDriver
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()

	switch st := e.State(); st {
	case StateClosed:
		return ErrClosed
	case StateIdle, StateStopped:
	default:
		return fmt.Errorf("%w: state %s", ErrBusy, st)
	}

	gen := e.gen.Add(1)
	e.queue.Flush()
	e.setMap(nil)
	e.stopping.Store(false)
	e.drv = drv
	e.program = program
	e.pmtPID = 0
	e.transportID = 0
	e.rawPAT = nil
	e.patAttempts = 0
	e.pmtAttempts = 0
	e.rejected = 0

	// Callbacks may fire as soon as the filter starts.
	e.setState(StateWaitForPat)
	if err := e.openFilter(gen); err != nil {
		if rerr := e.releaseFilter(); rerr != nil {
			e.log.Debug("release after failed start", "error", rerr)
		}
		e.setState(StateIdle)
		return err
	}

	// Wake the worker so it re-evaluates its pop timeout.
	e.queue.Push(event{kind: evWake, gen: gen})
	e.log.Info("acquisition started", "program", program)
	return nil
}

func (e *Engine) openFilter(gen uint64) error {
	h, err := e.drv.Open(mpegts.PIDPAT)
	if err != nil {
		return fmt.Errorf("engine: open PAT filter: %w", err)
	}
	e.handle, e.filterOpen = h, true

	if err := e.drv.EnableCRCCheck(h); err != nil {
		return fmt.Errorf("engine: enable CRC check: %w", err)
	}
	callbacks := []struct {
		kind CallbackKind
		fn   Callback
	}{
		{CallbackSectionData, e.onSection(gen)},
		{CallbackTimeout, e.onTimeout(gen)},
		{CallbackError, e.onError(gen)},
	}
	for _, cb := range callbacks {
		if err := e.drv.RegisterCallback(h, cb.kind, cb.fn); err != nil {
			return fmt.Errorf("engine: register %s callback: %w", cb.kind, err)
		}
	}
	if err := e.drv.Start(h); err != nil {
		return fmt.Errorf("engine: start filter: %w", err)
	}
	return nil
}

// releaseFilter stops and closes the open filter. Called with ctl held.
func (e *Engine) releaseFilter() error {
	if !e.filterOpen {
		return nil
	}
	e.filterOpen = false
	e.gen.Add(1)
	return errors.Join(e.drv.Stop(e.handle), e.drv.Close(e.handle))
}

// Stop ends the current cycle: the filter is stopped and closed, the
// ProgramMap discarded and pending events flushed. It is allowed from
// any state.
func (e *Engine) Stop() error {
	e.stopping.Store(true)

	e.ctl.Lock()
	defer e.ctl.Unlock()

	if e.State() == StateClosed {
		return nil
	}
	err := e.releaseFilter()
	e.gen.Add(1)
	e.setMap(nil)
	flushed := e.queue.Flush()
	e.setState(StateStopped)
	e.log.Info("acquisition stopped", "program", e.program, "flushed", flushed)
	if err != nil {
		return fmt.Errorf("engine: stop: %w", err)
	}
	return nil
}

// Close stops the engine and waits for its worker to exit. It must not
// be called from the Handler.
func (e *Engine) Close() error {
	err := e.Stop()
	e.closeOnce.Do(func() {
		e.ctl.Lock()
		e.closed.Store(true)
		e.setState(StateClosed)
		e.ctl.Unlock()

		e.queue.Close()
		<-e.done
	})
	return err
}

// ProgramMap returns a deep copy of the accepted program map, or nil
// before the first PMT of a cycle is accepted.
func (e *Engine) ProgramMap() *psi.ProgramMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pm.Clone()
}

// ReadProgramMap calls fn with the accepted program map while holding
// the map lock. fn must not retain pm or call back into the engine.
func (e *Engine) ReadProgramMap(fn func(pm *psi.ProgramMap)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.pm)
}

func (e *Engine) setMap(pm *psi.ProgramMap) {
	e.mu.Lock()
	e.pm = pm
	e.mu.Unlock()
}

func (e *Engine) currentMap() *psi.ProgramMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pm
}

// RecordingTables returns a single-program PAT and the accepted PMT with
// its CA descriptors removed, ready to be written alongside a recording.
func (e *Engine) RecordingTables() (pat, pmt []byte, err error) {
	pm := e.currentMap()
	if pm == nil {
		return nil, nil, ErrNotReady
	}

	var patVersion uint8
	if h, err := psi.DecodeHeader(pm.RawPAT); err == nil {
		patVersion = h.VersionNumber
	}
	if pat, err = psi.EncodeSingleProgramPAT(pm.TransportID, patVersion, pm.ProgramNumber, pm.PMTPID); err != nil {
		return nil, nil, err
	}
	if pmt, err = psi.StripCA(pm.RawPMT); err != nil {
		return nil, nil, err
	}
	return pat, pmt, nil
}

// Driver callbacks. These run on driver goroutines: they decode the
// header, drop sections that cannot belong to the current phase, and
// queue a copy of the rest.

func (e *Engine) onSection(gen uint64) Callback {
	return func(_ FilterHandle, data []byte, _ error) {
		if e.gen.Load() != gen {
			return
		}
		e.counters.sections.Add(1)

		h, err := psi.DecodeHeader(data)
		if err != nil {
			e.discard("undecodable section", "error", err)
			return
		}
		st := e.State()
		switch {
		case h.TableID == psi.TableIDPAT && st.acceptsPAT():
		case h.TableID == psi.TableIDPMT && st.acceptsPMT():
		default:
			e.discard("unexpected table", "table_id", h.TableID, "state", st)
			return
		}
		e.queue.Push(event{kind: evSection, gen: gen, header: h, data: bytes.Clone(data)})
	}
}

func (e *Engine) onTimeout(gen uint64) Callback {
	return func(FilterHandle, []byte, error) {
		if e.gen.Load() == gen {
			e.queue.Push(event{kind: evTimeout, gen: gen})
		}
	}
}

func (e *Engine) onError(gen uint64) Callback {
	return func(_ FilterHandle, _ []byte, err error) {
		if e.gen.Load() == gen {
			e.queue.Push(event{kind: evError, gen: gen, err: err})
		}
	}
}

func (e *Engine) discard(msg string, args ...any) {
	e.counters.discarded.Add(1)
	e.log.Debug(msg, args...)
}

// Worker.

func (e *Engine) run() {
	defer close(e.done)
	for {
		st := e.State()
		var timeout time.Duration
		if st.acquiring() {
			timeout = e.opts.AcquireTimeout
		}

		ev, ok := e.queue.Pop(timeout)
		if e.closed.Load() {
			return
		}
		if !ok {
			if timeout > 0 && e.State() == st && !e.stopping.Load() {
				e.counters.timeouts.Add(1)
				e.log.Info("no section received", "state", st, "waited", timeout)
				e.emit(SignalTimeout)
			}
			continue
		}

		var (
			sig  Signal
			emit bool
		)
		switch ev.kind {
		case evSection:
			sig, emit = e.handleSection(ev)
		case evTimeout:
			sig, emit = e.handleDriverTimeout(ev)
		case evError:
			sig, emit = e.handleDriverError(ev)
		}
		if emit {
			e.emit(sig)
		}
	}
}

func (e *Engine) emit(sig Signal) {
	if e.stopping.Load() {
		return
	}
	if h := e.handler.Load(); h != nil {
		(*h)(sig)
	}
}

// current reports whether an event from gen may still act on the
// engine. Called with ctl held.
func (e *Engine) current(gen uint64) bool {
	return gen == e.gen.Load() && !e.stopping.Load()
}

func (e *Engine) handleSection(ev event) (Signal, bool) {
	e.ctl.Lock()
	if !e.current(ev.gen) {
		e.ctl.Unlock()
		return 0, false
	}

	st, program := e.State(), e.program
	switch {
	case ev.header.TableID == psi.TableIDPMT && ev.header.StreamOrTransportID != program:
		e.ctl.Unlock()
		e.discard("PMT for another program", "program_number", ev.header.StreamOrTransportID, "state", st)
		return 0, false

	case st == StateWaitForPat && ev.header.TableID == psi.TableIDPAT:
		e.setState(StateProcessingPat)
		e.ctl.Unlock()
		return e.processPAT(ev, program)

	case st == StateWaitForPmt && ev.header.TableID == psi.TableIDPMT:
		e.setState(StateProcessingPmt)
		e.ctl.Unlock()
		return e.processPMT(ev, program)

	case st == StateWaitForUpdate && ev.header.TableID == psi.TableIDPMT:
		prev := e.currentMap()
		if prev == nil || ev.header.VersionNumber == prev.Version {
			e.ctl.Unlock()
			e.discard("PMT version unchanged", "version", ev.header.VersionNumber)
			return 0, false
		}
		if e.rejected == ev.header.VersionNumber+1 {
			e.ctl.Unlock()
			e.discard("PMT version already rejected", "version", ev.header.VersionNumber)
			return 0, false
		}
		e.setState(StateProcessingPmtUpdate)
		e.ctl.Unlock()
		return e.processUpdate(ev, program, prev)
	}

	e.ctl.Unlock()
	e.discard("section outside expected state", "table_id", ev.header.TableID, "state", st)
	return 0, false
}

func (e *Engine) processPAT(ev event, program uint16) (Signal, bool) {
	pat, err := psi.ParsePAT(ev.data)
	var pmtPID uint16
	if err == nil {
		pmtPID, err = pat.Find(program)
	}

	e.ctl.Lock()
	defer e.ctl.Unlock()
	if !e.current(ev.gen) {
		return 0, false
	}

	switch {
	case err == nil:
		e.pmtPID = pmtPID
		e.transportID = pat.Header.StreamOrTransportID
		e.rawPAT = ev.data
		e.log.Info("program found in PAT",
			"program", program,
			"pmt_pid", pmtPID,
			"transport_id", e.transportID,
			"attempts", e.patAttempts+1,
		)
		return e.rearm(StateWaitForPmt, func(h FilterHandle) error {
			return e.drv.SetPID(h, pmtPID)
		})
	case psi.IsTransient(err):
		e.setState(StateWaitForPat)
		e.discard("PAT discarded", "error", err)
		return 0, false
	}

	e.patAttempts++
	if e.patAttempts < e.opts.MaxAttempts {
		e.log.Debug("PAT retry", "attempt", e.patAttempts, "error", err)
		return e.rearm(StateWaitForPat, nil)
	}
	e.log.Warn("acquisition failed: program not in PAT",
		"program", program, "attempts", e.patAttempts, "error", err)
	e.fail()
	e.counters.timeouts.Add(1)
	return SignalTimeout, true
}

func (e *Engine) processPMT(ev event, program uint16) (Signal, bool) {
	pm, err := psi.ParsePMT(ev.data)

	e.ctl.Lock()
	defer e.ctl.Unlock()
	if !e.current(ev.gen) {
		return 0, false
	}

	switch {
	case err == nil:
		pm.PMTPID = e.pmtPID
		pm.TransportID = e.transportID
		pm.RawPAT = e.rawPAT
		e.setMap(pm)
		e.log.Info("program map acquired",
			"program", program,
			"version", pm.Version,
			"pcr_pid", pm.PCRPID,
			"video_pid", pm.VideoPID(),
			"audio_pid", pm.AudioPID(),
			"streams", len(pm.Streams),
			"scrambled", pm.Scrambled(),
		)
		if sig, failed := e.rearm(StateWaitForUpdate, e.groupFilter(pm.Version)); failed {
			return sig, true
		}
		return SignalReady, true
	case psi.IsTransient(err):
		e.setState(StateWaitForPmt)
		e.discard("PMT discarded", "error", err)
		return 0, false
	}

	e.pmtAttempts++
	if e.pmtAttempts < e.opts.MaxAttempts {
		e.log.Debug("PMT retry", "attempt", e.pmtAttempts, "error", err)
		return e.rearm(StateWaitForPmt, nil)
	}
	e.log.Warn("acquisition failed: no usable PMT",
		"program", program, "attempts", e.pmtAttempts, "error", err)
	e.fail()
	e.counters.errors.Add(1)
	return SignalError, true
}

func (e *Engine) processUpdate(ev event, program uint16, prev *psi.ProgramMap) (Signal, bool) {
	next, err := psi.ParsePMT(ev.data)

	e.ctl.Lock()
	defer e.ctl.Unlock()
	if !e.current(ev.gen) {
		return 0, false
	}

	if err != nil {
		e.setState(StateWaitForUpdate)
		if psi.IsTransient(err) {
			e.discard("PMT update discarded", "error", err)
		} else {
			e.counters.rejected.Add(1)
			e.rejected = ev.header.VersionNumber + 1
			e.log.Warn("PMT update rejected, keeping previous map",
				"version", ev.header.VersionNumber, "error", err)
		}
		return 0, false
	}

	e.rejected = 0
	next.PMTPID = prev.PMTPID
	next.TransportID = prev.TransportID
	next.RawPAT = prev.RawPAT
	change := psi.Compare(prev, next)
	e.setMap(next)
	e.log.Info("PMT revision",
		"program", program,
		"from_version", prev.Version,
		"to_version", next.Version,
		"change", change,
	)

	if sig, failed := e.rearm(StateWaitForUpdate, e.groupFilter(next.Version)); failed {
		return sig, true
	}
	switch change {
	case psi.ChangeAV:
		e.counters.updates.Add(1)
		return SignalUpdate, true
	case psi.ChangeRevision:
		e.counters.revisions.Add(1)
		return SignalRevisionUpdate, true
	}
	return 0, false
}

func (e *Engine) handleDriverTimeout(ev event) (Signal, bool) {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	if !e.current(ev.gen) || !e.State().waiting() {
		return 0, false
	}
	e.counters.timeouts.Add(1)
	e.log.Info("section filter timeout", "state", e.State())
	return SignalTimeout, true
}

func (e *Engine) handleDriverError(ev event) (Signal, bool) {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	if !e.current(ev.gen) {
		return 0, false
	}
	e.counters.errors.Add(1)
	e.log.Warn("section filter error", "state", e.State(), "error", ev.err)
	return SignalError, true
}

func (e *Engine) groupFilter(version uint8) func(FilterHandle) error {
	return func(h FilterHandle) error {
		return e.drv.SetGroupFilter(h, version)
	}
}

// rearm restarts the filter in state next, applying configure while it
// is stopped. A failure ends the cycle with SignalError. Called with ctl
// held.
func (e *Engine) rearm(next State, configure func(FilterHandle) error) (Signal, bool) {
	if e.stopping.Load() {
		return 0, false
	}

	h := e.handle
	err := e.drv.Stop(h)
	if err == nil {
		e.setState(next)
		if configure != nil {
			err = configure(h)
		}
	}
	if err == nil {
		err = e.drv.Start(h)
	}
	if err != nil {
		e.log.Warn("re-arm failed", "state", next, "error", err)
		e.fail()
		e.counters.errors.Add(1)
		return SignalError, true
	}
	return 0, false
}

// fail ends the cycle and returns to Idle. Called with ctl held.
func (e *Engine) fail() {
	if err := e.releaseFilter(); err != nil {
		e.log.Debug("release filter", "error", err)
	}
	e.setMap(nil)
	e.setState(StateIdle)
}
