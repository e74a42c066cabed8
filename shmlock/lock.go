// Package shmlock implements the timed, multi-mode lock primitive used for
// both the in-process subscription-registry lock and the per-kind SHM
// sublocks described in §4.B. A State is 16 bytes of plain fields accessed
// only through sync/atomic, the same discipline the retrieval pack's
// seqlock ring buffer uses for its Seqlock field — so the exact same State
// value can live on the Go heap (subs_lock, process-local) or inside an
// mmap'd shm.Region (per-kind SHM sublocks, cross-process), whichever the
// caller places it in.
//
// There is no portable cross-process futex in Go, so waiters spin with
// bounded exponential backoff rather than blocking on a kernel primitive.
// Every entry point still honors an explicit timeout (§4.B: "all
// acquisitions carry an explicit timeout"), so the absence of a futex
// changes the wait strategy, not the contract.
package shmlock

import (
	"context"
	"sync/atomic"
	"time"
)

// Mode names the access mode a holder has asserted against a State, used
// by the debug acquisition-order stack in Tracker.
type Mode int

const (
	ModeNone Mode = iota
	ModeRead
	ModeReadUpgradable
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeReadUpgradable:
		return "read-upgradable"
	case ModeWrite:
		return "write"
	default:
		return "none"
	}
}

// State is the raw lock word set. Zero value is unlocked.
type State struct {
	readers uint32
	writer  uint32
	holder  uint64 // CID (as uint64) of the read-upgradable holder, 0 = free
}

// LivenessProbe reports whether the process owning cid is still alive, so a
// stuck read-upgradable holder can be recovered (§4.B, §4.G). A nil probe
// treats every holder as alive.
type LivenessProbe func(cid uint64) bool

// Lock arbitrates access to one State under a given backoff/timeout policy.
type Lock struct {
	state   *State
	probe   LivenessProbe
	minWait time.Duration
	maxWait time.Duration
}

// New wraps state with the lock API. probe may be nil.
func New(state *State, probe LivenessProbe) *Lock {
	return &Lock{
		state:   state,
		probe:   probe,
		minWait: 200 * time.Microsecond,
		maxWait: 10 * time.Millisecond,
	}
}

func (l *Lock) backoff(ctx context.Context, deadline time.Time, wait time.Duration) (time.Duration, error) {
	if time.Now().After(deadline) {
		return 0, ErrTimeout
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(wait):
	}
	wait *= 2
	if wait > l.maxWait {
		wait = l.maxWait
	}
	return wait, nil
}

// RLock acquires a read lock: any number of readers may hold it concurrently
// as long as no writer holds or is draining in.
func (l *Lock) RLock(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	wait := l.minWait
	for {
		if atomic.LoadUint32(&l.state.writer) == 0 {
			atomic.AddUint32(&l.state.readers, 1)
			if atomic.LoadUint32(&l.state.writer) == 0 {
				return nil
			}
			atomic.AddUint32(&l.state.readers, ^uint32(0))
		}
		var err error
		wait, err = l.backoff(ctx, deadline, wait)
		if err != nil {
			return err
		}
	}
}

// RUnlock releases one reader.
func (l *Lock) RUnlock() {
	atomic.AddUint32(&l.state.readers, ^uint32(0))
}

// UpgradableLock acquires the single read-upgradable slot for cid, allowing
// any number of concurrent plain readers. If the current holder's owning
// process is dead per the liveness probe, the slot is recovered and
// reassigned (§4.B: "on holder death, a recovery pass... clears the holder
// bit").
func (l *Lock) UpgradableLock(ctx context.Context, cid uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	wait := l.minWait
	for {
		if atomic.CompareAndSwapUint64(&l.state.holder, 0, cid) {
			return nil
		}
		current := atomic.LoadUint64(&l.state.holder)
		if current != 0 && l.probe != nil && !l.probe(current) {
			atomic.CompareAndSwapUint64(&l.state.holder, current, 0)
			continue
		}
		var err error
		wait, err = l.backoff(ctx, deadline, wait)
		if err != nil {
			return err
		}
	}
}

// UpgradableUnlock releases the read-upgradable slot held by cid.
func (l *Lock) UpgradableUnlock(cid uint64) {
	atomic.CompareAndSwapUint64(&l.state.holder, cid, 0)
}

// Upgrade promotes an already-held read-upgradable lock to write: it waits
// for every plain reader to drain, then takes the writer bit. On timeout
// the caller retains its read-upgradable lock unchanged (§9 Open Question:
// re-relock failure after a failed upgrade is surfaced, never silently
// dropped — callers must inspect the returned error).
func (l *Lock) Upgrade(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	wait := l.minWait
	for {
		if atomic.LoadUint32(&l.state.readers) == 0 && atomic.CompareAndSwapUint32(&l.state.writer, 0, 1) {
			return nil
		}
		var err error
		wait, err = l.backoff(ctx, deadline, wait)
		if err != nil {
			return err
		}
	}
}

// Downgrade releases the writer bit while the caller retains its
// read-upgradable lock.
func (l *Lock) Downgrade() {
	atomic.StoreUint32(&l.state.writer, 0)
}

// Lock acquires a full write lock without first holding read-upgradable,
// used for the per-kind SHM sublocks that guard a single table independent
// of the registry's read-upgradable subs_lock.
func (l *Lock) Lock(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	wait := l.minWait
	for {
		if atomic.CompareAndSwapUint32(&l.state.writer, 0, 1) {
			if atomic.LoadUint32(&l.state.readers) == 0 {
				return nil
			}
			atomic.StoreUint32(&l.state.writer, 0)
		}
		var err error
		wait, err = l.backoff(ctx, deadline, wait)
		if err != nil {
			return err
		}
	}
}

// Unlock releases a full write lock taken via Lock.
func (l *Lock) Unlock() {
	atomic.StoreUint32(&l.state.writer, 0)
}
