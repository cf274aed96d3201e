package status

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/zsiec/psiwatch/internal/engine"
	"github.com/zsiec/psiwatch/internal/psi"
	"github.com/zsiec/psiwatch/internal/session"
)

type fakeSessions struct {
	snaps []session.Snapshot
	calls atomic.Int32
}

func (f *fakeSessions) Snapshots() []session.Snapshot {
	f.calls.Add(1)
	return f.snaps
}

func (f *fakeSessions) Snapshot(key string) (session.Snapshot, bool) {
	f.calls.Add(1)
	for _, s := range f.snaps {
		if s.Key == key {
			return s, true
		}
	}
	return session.Snapshot{}, false
}

func newFake() *fakeSessions {
	return &fakeSessions{snaps: []session.Snapshot{
		{
			Key:     "cam-1",
			Program: 100,
			Engine:  engine.Stats{State: engine.StateWaitForUpdate, PMTPID: 0x21},
			ProgramMap: &psi.ProgramMap{
				ProgramNumber: 100,
				PCRPID:        0x30,
				Streams: []psi.ElementaryStream{
					{PID: 0x31, StreamType: psi.StreamTypeMPEG2Video, Class: psi.ClassVideo},
				},
			},
		},
		{Key: "cam-2", Program: 7},
	}}
}

func do(s *Server, method, uri string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	s.Handler(&ctx)
	return &ctx
}

func TestHandler_Sessions(t *testing.T) {
	t.Parallel()
	src := newFake()
	s := NewServer(":0", src, 0, nil)

	ctx := do(s, fasthttp.MethodGet, "/api/sessions")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var got []struct {
		Key    string `json:"key"`
		Engine struct {
			State string `json:"state"`
		} `json:"engine"`
		ProgramMap *struct {
			PCRPID  uint16 `json:"pcrPid"`
			Streams []struct {
				Class string `json:"class"`
			} `json:"streams"`
		} `json:"programMap"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Key != "cam-1" || got[0].Engine.State != "wait-update" {
		t.Fatalf("sessions = %+v", got)
	}
	if got[0].ProgramMap == nil || got[0].ProgramMap.PCRPID != 0x30 || got[0].ProgramMap.Streams[0].Class != "video" {
		t.Errorf("program map = %+v", got[0].ProgramMap)
	}
	if got[1].ProgramMap != nil {
		t.Error("session without a map rendered one")
	}
}

func TestHandler_CachesRenderedJSON(t *testing.T) {
	t.Parallel()
	src := newFake()
	s := NewServer(":0", src, 0, nil)

	first := do(s, fasthttp.MethodGet, "/api/sessions/cam-1")
	second := do(s, fasthttp.MethodGet, "/api/sessions/cam-1")

	if string(first.Response.Header.Peek("X-Cache")) != "miss" || string(second.Response.Header.Peek("X-Cache")) != "hit" {
		t.Errorf("X-Cache = %q then %q", first.Response.Header.Peek("X-Cache"), second.Response.Header.Peek("X-Cache"))
	}
	if string(first.Response.Body()) != string(second.Response.Body()) {
		t.Error("cached body differs")
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("snapshot calls = %d, want 1", n)
	}
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()
	s := NewServer(":0", newFake(), 0, nil)

	tests := []struct {
		method, uri string
		want        int
	}{
		{fasthttp.MethodGet, "/api/sessions/missing", fasthttp.StatusNotFound},
		{fasthttp.MethodGet, "/nowhere", fasthttp.StatusNotFound},
		{fasthttp.MethodPost, "/api/sessions", fasthttp.StatusMethodNotAllowed},
		{fasthttp.MethodGet, "/healthz", fasthttp.StatusOK},
	}
	for _, tc := range tests {
		ctx := do(s, tc.method, tc.uri)
		if got := ctx.Response.StatusCode(); got != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.uri, got, tc.want)
		}
	}
}
