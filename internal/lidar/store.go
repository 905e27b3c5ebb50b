package lidar

import (
	"sync/atomic"
	"time"
)

// emptyScan is handed out before the first publish so readers never see nil.
var emptyScan = &Scan{}

// Store holds the most recently completed Scan. It is a single-slot,
// overwrite-latest handoff between one writer (the acquisition task) and any
// number of readers (the control loop, the API). Publish is an atomic pointer
// swap, so readers see either the old scan or the new one and never block.
//
// Store also carries the cooperative stop flag the acquisition task checks
// between scans.
type Store struct {
	current atomic.Pointer[Scan]
	seq     atomic.Uint64
	stopped atomic.Bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the stored scan. The scan must not be modified afterwards.
// Publish assigns the scan's sequence number.
func (s *Store) Publish(scan *Scan) {
	if scan == nil {
		return
	}
	scan.Seq = s.seq.Add(1)
	s.current.Store(scan)
}

// Snapshot returns the current scan, or an empty scan before the first
// publish. The result is shared and read-only.
func (s *Store) Snapshot() *Scan {
	if sc := s.current.Load(); sc != nil {
		return sc
	}
	return emptyScan
}

// Published returns the number of scans published so far.
func (s *Store) Published() uint64 {
	return s.seq.Load()
}

// Age returns how old the current scan is at now, and false if nothing has
// been published yet.
func (s *Store) Age(now time.Time) (time.Duration, bool) {
	sc := s.current.Load()
	if sc == nil {
		return 0, false
	}
	return now.Sub(sc.AcquiredAt), true
}

// RequestStop asks the acquisition task to release the device and exit.
func (s *Store) RequestStop() {
	s.stopped.Store(true)
}

// Stopped reports whether RequestStop has been called.
func (s *Store) Stopped() bool {
	return s.stopped.Load()
}
