package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/zsiec/psiwatch/internal/mpegts"
	"github.com/zsiec/psiwatch/internal/psi"
)

type testProgram struct{ num, pid uint16 }

func buildPAT(tsID uint16, version uint8, programs ...testProgram) []byte {
	sectionLength := 5 + len(programs)*4 + 4
	data := []byte{
		psi.TableIDPAT,
		0xB0 | byte(sectionLength>>8)&0x0F, byte(sectionLength),
		byte(tsID >> 8), byte(tsID),
		0xC1 | (version&0x1F)<<1,
		0x00, 0x00,
	}
	for _, p := range programs {
		data = append(data, byte(p.num>>8), byte(p.num), 0xE0|byte(p.pid>>8)&0x1F, byte(p.pid))
	}
	return mpegts.AppendCRC32(data)
}

type testStream struct {
	streamType uint8
	pid        uint16
	descs      []psi.Descriptor
}

func buildPMT(programNum uint16, version uint8, pcrPID uint16, progDescs []psi.Descriptor, streams ...testStream) []byte {
	body := []byte{0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID)}
	pil := encodeDescriptors(progDescs)
	body = append(body, 0xF0|byte(len(pil)>>8)&0x0F, byte(len(pil)))
	body = append(body, pil...)
	for _, s := range streams {
		esInfo := encodeDescriptors(s.descs)
		body = append(body,
			s.streamType,
			0xE0|byte(s.pid>>8)&0x1F, byte(s.pid),
			0xF0|byte(len(esInfo)>>8)&0x0F, byte(len(esInfo)),
		)
		body = append(body, esInfo...)
	}

	sectionLength := 5 + len(body) + 4
	data := []byte{
		psi.TableIDPMT,
		0xB0 | byte(sectionLength>>8)&0x0F, byte(sectionLength),
		byte(programNum >> 8), byte(programNum),
		0xC1 | (version&0x1F)<<1,
		0x00, 0x00,
	}
	return mpegts.AppendCRC32(append(data, body...))
}

func encodeDescriptors(ds []psi.Descriptor) []byte {
	var out []byte
	for _, d := range ds {
		out = append(out, d.Tag, byte(len(d.Data)))
		out = append(out, d.Data...)
	}
	return out
}

var (
	video    = testStream{streamType: psi.StreamTypeMPEG2Video, pid: 0x31}
	audio    = testStream{streamType: psi.StreamTypeAC3, pid: 0x34}
	captions = psi.Descriptor{Tag: psi.DescriptorTagCaptionService, Data: []byte{
		0xC1, 'e', 'n', 'g', 0xC1, 0x3F, 0xFF,
	}}
	caDescriptor = psi.Descriptor{Tag: psi.DescriptorTagCA, Data: []byte{0x0E, 0x00, 0xFF, 0xF0}}
)

// harness wires an engine to a fake driver and records signals.
type harness struct {
	t       *testing.T
	e       *Engine
	d       *fakeDriver
	signals chan Signal
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = time.Minute
	}
	h := &harness{
		t:       t,
		e:       NewEngine(nil, opts),
		d:       newFakeDriver(),
		signals: make(chan Signal, 64),
	}
	h.e.SetHandler(func(s Signal) { h.signals <- s })
	t.Cleanup(func() { h.e.Close() })
	return h
}

func (h *harness) start(program uint16) {
	h.t.Helper()
	if err := h.e.Start(program, h.d); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

func (h *harness) expectSignal(want Signal) {
	h.t.Helper()
	select {
	case got := <-h.signals:
		if got != want {
			h.t.Fatalf("signal = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no %v signal", want)
	}
}

func (h *harness) expectNoSignal() {
	h.t.Helper()
	select {
	case got := <-h.signals:
		h.t.Fatalf("unexpected signal %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitFor polls cond until it holds or two seconds pass.
func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s (state %v, stats %+v)", what, h.e.State(), h.e.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	h.waitFor(want.String(), func() bool { return h.e.State() == want })
}

// mustDeliver retries until the filter on pid is running and accepts
// the section.
func (h *harness) mustDeliver(pid uint16, section []byte) {
	h.t.Helper()
	h.waitFor(fmt.Sprintf("filter on PID 0x%X", pid), func() bool {
		return h.d.deliver(pid, section)
	})
}

// waitArmed waits until the engine is in want and the filter runs on pid.
func (h *harness) waitArmed(want State, pid uint16) {
	h.t.Helper()
	h.waitFor(fmt.Sprintf("%v on PID 0x%X", want, pid), func() bool {
		f := h.d.snapshot()
		return h.e.State() == want && f.pid == pid && f.started && !f.closed
	})
}

// acquire runs the cycle to Ready for program 100 on PMT PID 0x21.
func (h *harness) acquire(pmt []byte) {
	h.t.Helper()
	h.start(100)
	h.mustDeliver(0x0000, buildPAT(1, 0, testProgram{100, 0x21}))
	h.waitArmed(StateWaitForPmt, 0x21)
	h.mustDeliver(0x21, pmt)
	h.expectSignal(SignalReady)
	h.waitState(StateWaitForUpdate)
}
