package engine

import "sync/atomic"

type counters struct {
	sections  atomic.Int64
	discarded atomic.Int64
	rejected  atomic.Int64
	revisions atomic.Int64
	updates   atomic.Int64
	timeouts  atomic.Int64
	errors    atomic.Int64
}

// Stats is a point-in-time view of an engine. Attempt counts cover the
// current cycle; the other counters accumulate over the engine's life.
type Stats struct {
	State       State  `json:"state"`
	Program     uint16 `json:"program"`
	PMTPID      uint16 `json:"pmtPid"`
	PATAttempts int    `json:"patAttempts"`
	PMTAttempts int    `json:"pmtAttempts"`
	Queued      int    `json:"queued"`

	Sections  int64 `json:"sections"`
	Discarded int64 `json:"discarded"`
	Rejected  int64 `json:"rejectedUpdates"`
	Revisions int64 `json:"revisions"`
	Updates   int64 `json:"updates"`
	Timeouts  int64 `json:"timeouts"`
	Errors    int64 `json:"errors"`
}

// Stats returns the engine's counters.
func (e *Engine) Stats() Stats {
	e.ctl.Lock()
	s := Stats{
		State:       e.State(),
		Program:     e.program,
		PMTPID:      e.pmtPID,
		PATAttempts: e.patAttempts,
		PMTAttempts: e.pmtAttempts,
	}
	e.ctl.Unlock()

	s.Queued = e.queue.Len()
	s.Sections = e.counters.sections.Load()
	s.Discarded = e.counters.discarded.Load()
	s.Rejected = e.counters.rejected.Load()
	s.Revisions = e.counters.revisions.Load()
	s.Updates = e.counters.updates.Load()
	s.Timeouts = e.counters.timeouts.Load()
	s.Errors = e.counters.errors.Load()
	return s
}
