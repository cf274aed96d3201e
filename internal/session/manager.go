// Package session owns the running PSI engines. Each session couples a
// transport stream with a software section filter and the engine that
// acquires one program from it. Other components only see read-only
// snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/psiwatch/internal/engine"
	"github.com/zsiec/psiwatch/internal/psi"
	"github.com/zsiec/psiwatch/internal/sectionfilter"
	"github.com/zsiec/psiwatch/internal/source"
)

var (
	ErrExists   = errors.New("session: key already in use")
	ErrNotFound = errors.New("session: not found")
	ErrNoInput  = errors.New("session: input is required")
)

// Config describes a session to create.
type Config struct {
	Program uint16
	Input   io.Reader
	Engine  engine.Options
	// SectionTimeout fires the filter's timeout callback when no section
	// arrived for this long. Zero disables it.
	SectionTimeout time.Duration
	// Restart begins a new acquisition cycle after a cycle fails.
	Restart bool
	// OnSignal, if set, is called after the session recorded a signal.
	OnSignal func(s *Session, sig engine.Signal)
}

// Session is one program being acquired from one input.
type Session struct {
	Key       string
	Program   uint16
	StartedAt time.Time

	log      *slog.Logger
	engine   *engine.Engine
	driver   *sectionfilter.Driver
	input    io.Reader
	restart  bool
	onSignal func(*Session, engine.Signal)
	done     chan struct{}

	lastSignal atomic.Int32
	signals    [engine.SignalError + 1]atomic.Int64
	cycles     atomic.Int64
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	Key        string              `json:"key"`
	Program    uint16              `json:"program"`
	StartedAt  time.Time           `json:"startedAt"`
	LastSignal string              `json:"lastSignal,omitempty"`
	Signals    map[string]int64    `json:"signals"`
	Cycles     int64               `json:"cycles"`
	Engine     engine.Stats        `json:"engine"`
	Filter     sectionfilter.Stats `json:"filter"`
	Source     *source.Stats       `json:"source,omitempty"`
	ProgramMap *psi.ProgramMap     `json:"programMap,omitempty"`
}

// Engine returns the session's engine.
func (s *Session) Engine() *engine.Engine {
	return s.engine
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run feeds the input to the section filter until the input ends, ctx is
// cancelled, or a read fails.
func (s *Session) Run(ctx context.Context) error {
	err := s.driver.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) handle(sig engine.Signal) {
	s.lastSignal.Store(int32(sig) + 1)
	if int(sig) < len(s.signals) {
		s.signals[sig].Add(1)
	}
	s.log.Debug("signal", "signal", sig)

	if s.onSignal != nil {
		s.onSignal(s, sig)
	}

	if s.restart && (sig == engine.SignalTimeout || sig == engine.SignalError) &&
		s.engine.State() == engine.StateIdle {
		s.cycles.Add(1)
		if err := s.engine.Start(s.Program, s.driver); err != nil {
			s.log.Warn("restart failed", "error", err)
		}
	}
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Key:        s.Key,
		Program:    s.Program,
		StartedAt:  s.StartedAt,
		Signals:    make(map[string]int64, len(s.signals)),
		Cycles:     s.cycles.Load(),
		Engine:     s.engine.Stats(),
		Filter:     s.driver.Stats(),
		ProgramMap: s.engine.ProgramMap(),
	}
	if v := s.lastSignal.Load(); v > 0 {
		snap.LastSignal = engine.Signal(v - 1).String()
	}
	for i := range s.signals {
		if n := s.signals[i].Load(); n > 0 {
			snap.Signals[engine.Signal(i).String()] = n
		}
	}
	if src, ok := s.input.(interface{ Stats() source.Stats }); ok {
		st := src.Stats()
		snap.Source = &st
	}
	return snap
}

// Manager manages the lifecycle of sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a session under key and starts its acquisition
// cycle. The caller runs the session with Run.
func (m *Manager) Create(key string, cfg Config) (*Session, error) {
	if cfg.Input == nil {
		return nil, ErrNoInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("%w: %q", ErrExists, key)
	}

	log := m.log.With("session", key)
	s := &Session{
		Key:       key,
		Program:   cfg.Program,
		StartedAt: time.Now(),
		log:       log,
		engine:    engine.NewEngine(log, cfg.Engine),
		driver:    sectionfilter.New(cfg.Input, log, sectionfilter.OptSectionTimeout(cfg.SectionTimeout)),
		input:     cfg.Input,
		restart:   cfg.Restart,
		onSignal:  cfg.OnSignal,
		done:      make(chan struct{}),
	}
	s.engine.SetHandler(s.handle)
	s.cycles.Add(1)
	if err := s.engine.Start(cfg.Program, s.driver); err != nil {
		s.engine.Close()
		return nil, fmt.Errorf("session %q: %w", key, err)
	}

	m.sessions[key] = s
	m.log.Info("session created", "key", key, "program", cfg.Program)
	return s, nil
}

// Get returns the session registered under key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Remove closes the session's engine and forgets it.
func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	err := s.engine.Close()
	close(s.done)
	m.log.Info("session removed", "key", key)
	return err
}

// List returns all sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return strings.Compare(a.Key, b.Key)
	})
	return sessions
}

// Close removes every session.
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.List() {
		if err := m.Remove(s.Key); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshots returns a snapshot of every session ordered by key.
func (m *Manager) Snapshots() []Snapshot {
	sessions := m.List()
	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// Snapshot returns the snapshot of the session registered under key.
func (m *Manager) Snapshot(key string) (Snapshot, bool) {
	s, ok := m.Get(key)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}
