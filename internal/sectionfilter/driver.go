// Package sectionfilter is a software section filter. It demultiplexes
// an MPEG-TS byte stream, reassembles PSI sections on the PIDs that
// filters are open for, and delivers them through engine.Driver
// callbacks.
package sectionfilter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/psiwatch/internal/engine"
	"github.com/zsiec/psiwatch/internal/mpegts"
)

var (
	ErrUnknownHandle = errors.New("sectionfilter: unknown filter handle")
	ErrBadCallback   = errors.New("sectionfilter: unsupported callback kind")
	ErrInvalidPID    = errors.New("sectionfilter: PID out of range")
)

const maxPID = 0x1FFF

const numCallbackKinds = int(engine.CallbackError) + 1

type filter struct {
	pid       uint16
	crc       bool
	group     int // version to reject, -1 for none
	callbacks [numCallbackKinds]engine.Callback
	running   bool
	asm       *mpegts.SectionAssembler
	timer     *time.Timer
	epoch     int // incremented by every Start; stale timers compare against it
}

type delivery struct {
	fn      engine.Callback
	handle  engine.FilterHandle
	section []byte
}

// Driver implements engine.Driver over an io.Reader carrying 188-byte
// transport packets. Callbacks run on the goroutine that calls Run.
type Driver struct {
	log            *slog.Logger
	r              io.Reader
	sectionTimeout time.Duration

	mu      sync.Mutex
	next    engine.FilterHandle
	filters map[engine.FilterHandle]*filter

	packets   atomic.Int64
	corrupt   atomic.Int64
	sections  atomic.Int64
	crcErrors atomic.Int64
	grouped   atomic.Int64
}

var _ engine.Driver = (*Driver)(nil)

// OptSectionTimeout makes running filters fire their Timeout callback
// when no section was delivered for d. Zero disables the timer.
func OptSectionTimeout(d time.Duration) func(*Driver) {
	return func(drv *Driver) {
		drv.sectionTimeout = d
	}
}

// New creates a Driver reading from r. If log is nil, slog.Default() is
// used.
func New(r io.Reader, log *slog.Logger, opts ...func(*Driver)) *Driver {
	if log == nil {
		log = slog.Default()
	}
	d := &Driver{
		log:     log.With("component", "section-filter"),
		r:       r,
		filters: make(map[engine.FilterHandle]*filter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// lookup returns the filter for h. Called with mu held.
func (d *Driver) lookup(h engine.FilterHandle) (*filter, error) {
	f, ok := d.filters[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return f, nil
}

// Open allocates a stopped filter on pid.
func (d *Driver) Open(pid uint16) (engine.FilterHandle, error) {
	if pid > maxPID {
		return 0, fmt.Errorf("%w: 0x%X", ErrInvalidPID, pid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.filters[d.next] = &filter{
		pid:   pid,
		group: -1,
		asm:   mpegts.NewSectionAssembler(pid),
	}
	d.log.Debug("filter opened", "handle", d.next, "pid", pid)
	return d.next, nil
}

// SetPID moves the filter to pid, dropping any partial section.
func (d *Driver) SetPID(h engine.FilterHandle, pid uint16) error {
	if pid > maxPID {
		return fmt.Errorf("%w: 0x%X", ErrInvalidPID, pid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.lookup(h)
	if err != nil {
		return err
	}
	f.pid = pid
	f.asm = mpegts.NewSectionAssembler(pid)
	return nil
}

// EnableCRCCheck drops sections whose CRC32 does not verify.
func (d *Driver) EnableCRCCheck(h engine.FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.lookup(h)
	if err != nil {
		return err
	}
	f.crc = true
	return nil
}

// SetGroupFilter drops sections carrying version.
func (d *Driver) SetGroupFilter(h engine.FilterHandle, version uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.lookup(h)
	if err != nil {
		return err
	}
	f.group = int(version & 0x1F)
	return nil
}

// RegisterCallback sets the callback for kind, replacing any previous one.
func (d *Driver) RegisterCallback(h engine.FilterHandle, kind engine.CallbackKind, fn engine.Callback) error {
	if int(kind) >= numCallbackKinds {
		return fmt.Errorf("%w: %d", ErrBadCallback, kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.lookup(h)
	if err != nil {
		return err
	}
	f.callbacks[kind] = fn
	return nil
}

// Start begins delivering sections for h.
func (d *Driver) Start(h engine.FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.lookup(h)
	if err != nil {
		return err
	}
	if f.running {
		return nil
	}
	f.running = true
	f.epoch++
	if d.sectionTimeout > 0 {
		epoch := f.epoch
		f.timer = time.AfterFunc(d.sectionTimeout, func() { d.timedOut(h, epoch) })
	}
	return nil
}

// Stop pauses delivery for h and drops any partial section.
func (d *Driver) Stop(h engine.FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.lookup(h)
	if err != nil {
		return err
	}
	f.stop()
	return nil
}

// Close stops h and releases it. Its callbacks are never called again.
func (d *Driver) Close(h engine.FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.lookup(h)
	if err != nil {
		return err
	}
	f.stop()
	delete(d.filters, h)
	d.log.Debug("filter closed", "handle", h)
	return nil
}

func (f *filter) stop() {
	f.running = false
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.asm.Reset()
}

func (d *Driver) timedOut(h engine.FilterHandle, epoch int) {
	d.mu.Lock()
	f, ok := d.filters[h]
	if !ok || !f.running || f.epoch != epoch || f.timer == nil {
		d.mu.Unlock()
		return
	}
	f.timer.Reset(d.sectionTimeout)
	fn, pid := f.callbacks[engine.CallbackTimeout], f.pid
	d.mu.Unlock()

	d.log.Debug("section timeout", "handle", h, "pid", pid)
	if fn != nil {
		fn(h, nil, nil)
	}
}

// Run reads packets until the reader is exhausted, ctx is cancelled, or
// a read fails. A read failure is reported to every running filter's
// Error callback before Run returns it. End of stream returns nil.
func (d *Driver) Run(ctx context.Context) error {
	buf := make([]byte, mpegts.PacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(d.r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.log.Info("end of stream", "packets", d.packets.Load())
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("sectionfilter: read: %w", err)
			d.fail(err)
			return err
		}
		d.packets.Add(1)

		pkt, err := mpegts.ParsePacket(buf)
		if err != nil {
			d.corrupt.Add(1)
			continue // skip corrupt packets
		}
		for _, dl := range d.route(pkt) {
			dl.fn(dl.handle, dl.section, nil)
		}
	}
}

// route feeds pkt to the running filters on its PID and collects the
// sections that pass their criteria.
func (d *Driver) route(pkt *mpegts.Packet) []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []delivery
	for h, f := range d.filters {
		if !f.running || f.pid != pkt.Header.PID {
			continue
		}
		for _, section := range f.asm.Add(pkt) {
			if f.crc && mpegts.VerifyCRC32(section) != nil {
				d.crcErrors.Add(1)
				continue
			}
			if f.group >= 0 && len(section) > 5 && int(section[5]>>1&0x1F) == f.group {
				d.grouped.Add(1)
				continue
			}
			d.sections.Add(1)
			if f.timer != nil {
				f.timer.Reset(d.sectionTimeout)
			}
			if fn := f.callbacks[engine.CallbackSectionData]; fn != nil {
				out = append(out, delivery{fn: fn, handle: h, section: section})
			}
		}
	}
	return out
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	var out []delivery
	for h, f := range d.filters {
		if fn := f.callbacks[engine.CallbackError]; f.running && fn != nil {
			out = append(out, delivery{fn: fn, handle: h})
		}
	}
	d.mu.Unlock()

	d.log.Warn("source failed", "error", err)
	for _, dl := range out {
		dl.fn(dl.handle, nil, err)
	}
}

// Stats counts what the driver has seen.
type Stats struct {
	Packets   int64 `json:"packets"`
	Corrupt   int64 `json:"corruptPackets"`
	Sections  int64 `json:"sections"`
	CRCErrors int64 `json:"crcErrors"`
	Grouped   int64 `json:"groupFiltered"`
}

// Stats returns the driver's counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Packets:   d.packets.Load(),
		Corrupt:   d.corrupt.Load(),
		Sections:  d.sections.Load(),
		CRCErrors: d.crcErrors.Load(),
		Grouped:   d.grouped.Load(),
	}
}
