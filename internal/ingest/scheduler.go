package ingest

import (
	"errors"
	"sync/atomic"
)

// ErrCycleInProgress is returned when a cycle is requested while another
// one is still running.
var ErrCycleInProgress = errors.New("ingestion cycle already running")

// Scheduler is the process-wide single-flight guard for ingestion cycles.
// Share one Scheduler between every Pipeline that works on the same store.
type Scheduler struct {
	running atomic.Bool
	cycles  atomic.Int64
	skipped atomic.Int64
}

// TryStart claims the guard. It returns false if a cycle is running.
func (s *Scheduler) TryStart() bool {
	if s.running.CompareAndSwap(false, true) {
		return true
	}
	s.skipped.Add(1)
	return false
}

// Done releases the guard.
func (s *Scheduler) Done() {
	s.cycles.Add(1)
	s.running.Store(false)
}

// Running reports whether a cycle holds the guard.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Cycles returns the number of completed cycles.
func (s *Scheduler) Cycles() int64 { return s.cycles.Load() }

// Skipped returns the number of cycles refused because one was running.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }
