// Package liveness implements §4.G: detecting that a subscriber's owning
// process has died so its registry entries and SHM index mirrors can be
// swept without waiting for an explicit unsubscribe. Probing "is this pid
// still alive" is done with the classic POSIX idiom of sending signal 0 —
// it performs permission and existence checks without actually delivering
// a signal — via golang.org/x/sys/unix, which the pack already depends on
// for OS-level primitives standard library os does not expose directly.
package liveness

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sysrepo-go/subcore/xhealth"
)

// IsAlivePID reports whether pid refers to a running process owned by (or
// signalable by) the calling process.
func IsAlivePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but we lack permission to signal it —
	// still alive from the registry's point of view.
	return err == unix.EPERM
}

// Prober is satisfied by any CID-to-pid mapping; subcore.CID.PID() is the
// one this module uses, kept as a plain function type here to avoid
// liveness depending on the root package (which would create an import
// cycle, since the root package wires liveness in).
type Prober func(cid uint64) int

// Sweeper periodically scans a set of CID-keyed entries and invokes onDead
// for those whose owning process is no longer alive. It removes nothing
// itself; removal is up to onDead (e.g. RegistryCleanup, whose DelByCID
// uses subreg's swap-with-last removal).
type Sweeper struct {
	interval time.Duration
	pidOf    Prober
	list     func() []uint64
	onDead   func(cid uint64)

	mu       sync.Mutex
	stopCh   chan struct{}
	stopped  bool
	lastScan time.Time
	lastDead int
}

// NewSweeper creates a Sweeper. list returns the current set of CIDs to
// check each tick; onDead is invoked once per CID found dead.
func NewSweeper(interval time.Duration, pidOf Prober, list func() []uint64, onDead func(cid uint64)) *Sweeper {
	return &Sweeper{interval: interval, pidOf: pidOf, list: list, onDead: onDead, stopCh: make(chan struct{})}
}

// Run blocks, sweeping every interval until Stop is called.
func (s *Sweeper) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	dead := 0
	for _, cid := range s.list() {
		pid := s.pidOf(cid)
		if !IsAlivePID(pid) {
			s.onDead(cid)
			dead++
		}
	}
	s.mu.Lock()
	s.lastScan = time.Now()
	s.lastDead = dead
	s.mu.Unlock()
}

// Stop halts the sweeper's Run loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
}

// HealthCheck reports the last sweep time and how many dead entries it
// found.
func (s *Sweeper) HealthCheck() xhealth.HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := xhealth.Healthy
	if s.lastDead > 0 {
		status = xhealth.Degraded
	}
	return xhealth.HealthReport{
		Component: "liveness.sweeper",
		Status:    status,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"last_scan":      s.lastScan,
			"last_dead_count": s.lastDead,
		},
	}
}
