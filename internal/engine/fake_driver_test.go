package engine

import (
	"errors"
	"fmt"
	"sync"
)

var errUnknownHandle = errors.New("fake: unknown handle")

type fakeFilter struct {
	pid       uint16
	crc       bool
	group     int // -1 when no group filter is set
	callbacks map[CallbackKind]Callback
	started   bool
	closed    bool
	starts    int
}

// fakeDriver is an in-memory Driver. Sections are delivered
// synchronously on the caller's goroutine, like a driver thread would.
type fakeDriver struct {
	mu      sync.Mutex
	next    FilterHandle
	filters map[FilterHandle]*fakeFilter
	latest  FilterHandle

	ignoreGroup bool
	openErr     error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{filters: make(map[FilterHandle]*fakeFilter)}
}

func (d *fakeDriver) filter(h FilterHandle) (*fakeFilter, error) {
	f, ok := d.filters[h]
	if !ok || f.closed {
		return nil, fmt.Errorf("%w: %d", errUnknownHandle, h)
	}
	return f, nil
}

func (d *fakeDriver) Open(pid uint16) (FilterHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return 0, d.openErr
	}
	d.next++
	d.filters[d.next] = &fakeFilter{pid: pid, group: -1, callbacks: make(map[CallbackKind]Callback)}
	d.latest = d.next
	return d.next, nil
}

func (d *fakeDriver) SetPID(h FilterHandle, pid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.filter(h)
	if err != nil {
		return err
	}
	f.pid = pid
	return nil
}

func (d *fakeDriver) EnableCRCCheck(h FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.filter(h)
	if err != nil {
		return err
	}
	f.crc = true
	return nil
}

func (d *fakeDriver) SetGroupFilter(h FilterHandle, version uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.filter(h)
	if err != nil {
		return err
	}
	f.group = int(version)
	return nil
}

func (d *fakeDriver) RegisterCallback(h FilterHandle, kind CallbackKind, fn Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.filter(h)
	if err != nil {
		return err
	}
	f.callbacks[kind] = fn
	return nil
}

func (d *fakeDriver) Start(h FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.filter(h)
	if err != nil {
		return err
	}
	f.started = true
	f.starts++
	return nil
}

func (d *fakeDriver) Stop(h FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.filter(h)
	if err != nil {
		return err
	}
	f.started = false
	return nil
}

func (d *fakeDriver) Close(h FilterHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.filter(h)
	if err != nil {
		return err
	}
	f.closed = true
	f.callbacks = nil
	return nil
}

// snapshot returns a copy of the most recently opened filter.
func (d *fakeDriver) snapshot() fakeFilter {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[d.latest]
	if !ok {
		return fakeFilter{group: -1}
	}
	c := *f
	c.callbacks = nil
	return c
}

// deliver hands section to the latest filter if it is running on pid,
// applying the group filter unless ignoreGroup is set. It reports
// whether a callback ran.
func (d *fakeDriver) deliver(pid uint16, section []byte) bool {
	d.mu.Lock()
	f, ok := d.filters[d.latest]
	if !ok || f.closed || !f.started || f.pid != pid {
		d.mu.Unlock()
		return false
	}
	if !d.ignoreGroup && f.group >= 0 && len(section) > 5 && int(section[5]>>1&0x1F) == f.group {
		d.mu.Unlock()
		return false
	}
	fn := f.callbacks[CallbackSectionData]
	h := d.latest
	d.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(h, section, nil)
	return true
}

// fire invokes the Timeout or Error callback of the latest filter.
func (d *fakeDriver) fire(kind CallbackKind, err error) {
	d.mu.Lock()
	f, ok := d.filters[d.latest]
	if !ok || f.closed {
		d.mu.Unlock()
		return
	}
	fn := f.callbacks[kind]
	h := d.latest
	d.mu.Unlock()

	if fn != nil {
		fn(h, nil, err)
	}
}
