// Package status serves session snapshots as JSON over HTTP.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/valyala/fasthttp"

	"github.com/zsiec/psiwatch/internal/session"
)

// DefaultCacheTTL bounds how stale a served snapshot may be.
const DefaultCacheTTL = 500 * time.Millisecond

const sessionsPath = "/api/sessions"

// Snapshotter is the read side of the session manager.
type Snapshotter interface {
	Snapshots() []session.Snapshot
	Snapshot(key string) (session.Snapshot, bool)
}

// Server renders snapshots on request and caches the rendered JSON for
// a short TTL so polling clients do not contend on engine locks.
type Server struct {
	log   *slog.Logger
	addr  string
	src   Snapshotter
	cache *cache.Cache
	srv   *fasthttp.Server
}

// NewServer creates a status server for src listening on addr. A
// non-positive ttl uses DefaultCacheTTL. If log is nil, slog.Default()
// is used.
func NewServer(addr string, src Snapshotter, ttl time.Duration, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s := &Server{
		log:   log.With("component", "status"),
		addr:  addr,
		src:   src,
		cache: cache.New(ttl, 2*ttl),
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler,
		Name:         "psiwatch",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe(s.addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	case <-ctx.Done():
		if err := s.srv.Shutdown(); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return nil
	}
}

// Handler routes a request.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	path := string(ctx.Path())
	switch {
	case path == "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.WriteString("ok\n")
	case path == sessionsPath || path == sessionsPath+"/":
		s.serveJSON(ctx, sessionsPath, func() (any, bool) {
			return s.src.Snapshots(), true
		})
	case strings.HasPrefix(path, sessionsPath+"/"):
		key := strings.TrimPrefix(path, sessionsPath+"/")
		s.serveJSON(ctx, path, func() (any, bool) {
			snap, ok := s.src.Snapshot(key)
			return snap, ok
		})
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) serveJSON(ctx *fasthttp.RequestCtx, cacheKey string, load func() (any, bool)) {
	ctx.SetContentType("application/json")

	if body, ok := s.cache.Get(cacheKey); ok {
		ctx.Response.Header.Set("X-Cache", "hit")
		ctx.SetBody(body.([]byte))
		return
	}

	v, ok := load()
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString(`{"error":"session not found"}`)
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("render snapshot", "path", cacheKey, "error", err)
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	s.cache.Set(cacheKey, body, cache.DefaultExpiration)
	ctx.Response.Header.Set("X-Cache", "miss")
	ctx.SetBody(body)
}
