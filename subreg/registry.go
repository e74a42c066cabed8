// Package subreg implements the in-process subscription registry, §4.C:
// one SubscriptionContext per module, holding five parallel tables (change,
// oper-get, oper-poll, notif, RPC/action subscriptions) behind a single
// mode-guarded lock. Removal is swap-with-last, matching the teacher's
// registry/registry.go convention of an unordered backing slice for O(1)
// deregistration rather than a linked list or map-of-structs.
package subreg

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sysrepo-go/subcore/eventpipe"
	"github.com/sysrepo-go/subcore/shmlock"
)

// Kind names which of the five tables a Subscription belongs to.
type Kind int

const (
	KindChange Kind = iota
	KindOperGet
	KindOperPoll
	KindNotif
	KindRPC
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindOperGet:
		return "oper-get"
	case KindOperPoll:
		return "oper-poll"
	case KindNotif:
		return "notif"
	case KindRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// SubOpts are the per-subscription opt-in flags §4.F gates delivery on.
type SubOpts struct {
	// Update requests the synchronous UPDATE phase before CHANGE during a
	// commit wave. Subscribers that don't set this only see CHANGE/DONE.
	Update bool
	// Enabled requests a synchronous ENABLED delivery at subscribe time,
	// carrying the current data; failure there aborts the subscribe call.
	Enabled bool
}

// Subscription is one registry entry, common across all five kinds. Fields
// that only apply to some kinds (e.g. Priority for change/RPC waves) are
// simply left zero for kinds that ignore them.
type Subscription struct {
	SubID     uint32
	CID       uint64
	SessionID uint64
	Priority  int32
	Module    string
	Datastore string // change subscriptions are keyed by {module, datastore}; empty matches every datastore
	Path      string // xpath, empty for whole-module subscriptions
	Kind      Kind
	Opts      SubOpts

	// Callback is the application handler this entry dispatches to. A nil
	// Callback means delivery instead goes through the engine's
	// process-wide Deliverer (the cross-process transport, used when the
	// owning subscriber lives in another process and has no in-process
	// function to call directly).
	Callback CallbackFunc

	// Suspended entries are retained but skipped by the commit engine
	// (§4.G: "Suspended subscriptions ... are skipped by the engine but
	// retained").
	Suspended bool

	// EventPipeID identifies which eventpipe.Pipe wakes this subscriber's
	// process, mirrored into SHM so another process can find it.
	EventPipeID uint32

	// SinceMono/SinceReal record when the subscription was created, set by
	// Add and not meant to be supplied by the caller.
	SinceMono time.Time
	SinceReal time.Time

	// Stop is the deadline at which a notif subscription auto-unsubscribes
	// (§8 scenario 4); zero means no deadline.
	Stop time.Time
}

// TerminatedNotifier is invoked once per successful del_notif, carrying the
// synthetic NOTIF terminated event the spec promises a session whenever one
// of its notif subscriptions is removed (§4.C, §8: "Every successful
// del_notif causes exactly one synthetic TERMINATED delivery").
type TerminatedNotifier func(module string, sessionID uint64)

// selfHolderID stands in for "this process" as the subs_lock read-upgradable
// holder. All mutating registry calls from this process serialize behind
// the same holder id, which is exactly the single-writer discipline §4.B
// describes for subs_lock; a dead holder (this process having crashed
// mid-mutation) is recovered by the next caller's liveness probe the same
// way a stuck per-kind SHM sublock holder would be.
var selfHolderID = uint64(os.Getpid())

// SubscriptionContext is the registry for a single module.
type SubscriptionContext struct {
	module string

	lockState *shmlock.State
	lock      *shmlock.Lock
	tracker   *shmlock.Tracker

	mu sync.Mutex // guards the slices below once subs_lock is held

	nextSubID uint32

	change   []*Subscription
	operGet  []*Subscription
	operPoll []*Subscription
	notif    []*Subscription
	rpc      []*Subscription

	mirrors map[Kind]Mirror

	pipe *eventpipe.Pipe

	onLastNotifRemoved TerminatedNotifier
}

// New creates an empty SubscriptionContext for module, with a process-local
// (heap-allocated) subs_lock — grounded in shmlock's design, which allows
// the same State type to back either a heap lock or an SHM-mapped one.
func New(module string, probe shmlock.LivenessProbe, debug bool, onLastNotifRemoved TerminatedNotifier) *SubscriptionContext {
	state := &shmlock.State{}
	pipe, err := eventpipe.New()
	if err != nil {
		// A self-pipe is two fds; this only fails if the process is already
		// out of file descriptors, in which case nothing else works either.
		pipe = nil
	}
	return &SubscriptionContext{
		module:             module,
		lockState:          state,
		lock:               shmlock.New(state, probe),
		tracker:            shmlock.NewTracker(debug),
		mirrors:            make(map[Kind]Mirror),
		pipe:               pipe,
		onLastNotifRemoved: onLastNotifRemoved,
	}
}

// Module returns the module name this context is keyed by.
func (c *SubscriptionContext) Module() string { return c.module }

// SetMirror wires an external SHM mirror for kind's table; every
// subsequent Add/Del/Suspend/Resume against that table also updates mirror
// in the same critical section (§4.D). Pass a nil mirror to unwire it.
func (c *SubscriptionContext) SetMirror(kind Kind, mirror Mirror) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mirror == nil {
		delete(c.mirrors, kind)
		return
	}
	c.mirrors[kind] = mirror
}

// EventPipe returns the wake descriptor subscriber processes for this
// module select/poll on (§6's get_event_pipe).
func (c *SubscriptionContext) EventPipe() *eventpipe.Pipe { return c.pipe }

// ProcessEvents blocks until this context's event pipe is woken or timeout
// elapses, then drains the pending wake, matching §6's process_events: the
// caller is expected to re-poll its own subscriptions' channels afterward.
func (c *SubscriptionContext) ProcessEvents(ctx context.Context, timeout time.Duration) error {
	if c.pipe == nil {
		return ErrNoEventPipe
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.pipe.Wait(deadline); err != nil {
		if os.IsTimeout(err) {
			return context.DeadlineExceeded
		}
		return err
	}
	return c.pipe.Drain()
}

// withMutation runs mutate while subs_lock is held at write (reached by
// upgrading an already-acquired read-upgradable lock), then downgrades back
// to read-upgradable before running post — so a TerminatedNotifier callback
// invoked from post can re-enter the registry (e.g. to read subscription
// counts) without deadlocking against the write bit (§4.C: "Both steps
// happen while downgraded to read-upgradable so callbacks cannot re-enter
// and block").
func (c *SubscriptionContext) withMutation(ctx context.Context, timeout time.Duration, mutate func() error, post func()) error {
	if err := c.tracker.Enter(shmlock.OrderSubsLock); err != nil {
		return err
	}
	defer c.tracker.Exit(shmlock.OrderSubsLock)
	if err := c.lock.UpgradableLock(ctx, selfHolderID, timeout); err != nil {
		return err
	}
	defer c.lock.UpgradableUnlock(selfHolderID)
	if err := c.lock.Upgrade(ctx, timeout); err != nil {
		return err
	}
	c.mu.Lock()
	err := mutate()
	c.mu.Unlock()
	c.lock.Downgrade()
	if err != nil {
		return err
	}
	if post != nil {
		post()
	}
	return nil
}

// withRead runs fn holding subs_lock in plain read mode for up to timeout.
func (c *SubscriptionContext) withRead(ctx context.Context, timeout time.Duration, fn func()) error {
	if err := c.tracker.Enter(shmlock.OrderSubsLock); err != nil {
		return err
	}
	defer c.tracker.Exit(shmlock.OrderSubsLock)
	if err := c.lock.RLock(ctx, timeout); err != nil {
		return err
	}
	defer c.lock.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	return nil
}

func (c *SubscriptionContext) tableFor(k Kind) *[]*Subscription {
	switch k {
	case KindChange:
		return &c.change
	case KindOperGet:
		return &c.operGet
	case KindOperPoll:
		return &c.operPoll
	case KindNotif:
		return &c.notif
	case KindRPC:
		return &c.rpc
	default:
		panic("subreg: unknown kind")
	}
}

// insertSorted inserts sub into its table keeping descending-priority order
// (§4.F: "priority-wave delivery" requires iterating highest priority
// first); subscriptions sharing a priority preserve insertion order.
func insertSorted(table *[]*Subscription, sub *Subscription) {
	t := *table
	idx := sort.Search(len(t), func(i int) bool { return t[i].Priority < sub.Priority })
	t = append(t, nil)
	copy(t[idx+1:], t[idx:])
	t[idx] = sub
	*table = t
}

// Add registers sub in the table for its Kind. oper-get subscriptions must
// be unique per (Path, Priority) within the module — the §9 Open Question
// decision is to reject the second registration with ErrExists rather than
// silently accept a racing duplicate, so two identical operational-data
// providers never both think they own a path. If a Mirror is wired for
// sub.Kind, Add fails (and leaves the registry untouched) if the mirror
// write fails.
func (c *SubscriptionContext) Add(ctx context.Context, timeout time.Duration, sub *Subscription) (uint32, error) {
	var assigned uint32
	err := c.withMutation(ctx, timeout, func() error {
		if sub.Kind == KindOperGet {
			for _, existing := range c.operGet {
				if existing.Path == sub.Path && existing.Priority == sub.Priority {
					return ErrExists
				}
			}
		}
		now := time.Now()
		sub.SinceMono = now
		sub.SinceReal = now
		c.nextSubID++
		sub.SubID = c.nextSubID
		assigned = sub.SubID
		table := c.tableFor(sub.Kind)
		insertSorted(table, sub)

		if mirror := c.mirrors[sub.Kind]; mirror != nil {
			if err := mirror.Add(MirrorEntry{
				SubID: sub.SubID, CID: sub.CID, Priority: sub.Priority,
				Path: sub.Path, Suspended: sub.Suspended, EventPipeID: sub.EventPipeID,
			}); err != nil {
				// roll back the registry side — §3: "the two are
				// transitioned atomically."
				removeFromTable(table, sub.SubID)
				return err
			}
		}
		return nil
	}, nil)
	return assigned, err
}

func removeFromTable(table *[]*Subscription, subID uint32) *Subscription {
	t := *table
	for i, s := range t {
		if s.SubID != subID {
			continue
		}
		last := len(t) - 1
		t[i] = t[last]
		t[last] = nil
		*table = t[:last]
		return s
	}
	return nil
}

// Del removes subID from the given table, swap-with-last (§4.C: removal is
// O(1) and does not preserve the removed slot's position — priority order
// among the remaining entries is otherwise undisturbed since only the last
// slot moves). Removing a notif subscription always synthesizes exactly one
// TERMINATED delivery to its session (§4.C/§8: "Every successful del_notif
// causes exactly one synthetic TERMINATED delivery" — per subscription, not
// only when it was the session's last one), fired after downgrading back to
// read-upgradable so the callback can safely re-enter the registry.
func (c *SubscriptionContext) Del(ctx context.Context, timeout time.Duration, kind Kind, subID uint32) error {
	var notifySessionID uint64
	var shouldNotify bool
	err := c.withMutation(ctx, timeout, func() error {
		table := c.tableFor(kind)
		removed := removeFromTable(table, subID)
		if removed == nil {
			return ErrNotFound
		}
		if mirror := c.mirrors[kind]; mirror != nil {
			if err := mirror.Delete(subID); err != nil {
				// roll back: reinsert the removed entry.
				insertSorted(table, removed)
				return err
			}
		}
		if kind == KindNotif {
			notifySessionID = removed.SessionID
			shouldNotify = true
		}
		return nil
	}, func() {
		if shouldNotify && c.onLastNotifRemoved != nil {
			c.onLastNotifRemoved(c.module, notifySessionID)
		}
	})
	return err
}

// DelSession removes every subscription belonging to sessionID across all
// five tables, for use on session close. It does not fire
// TerminatedNotifier — the session is already going away and has no further
// interest in synthetic deliveries.
func (c *SubscriptionContext) DelSession(ctx context.Context, timeout time.Duration, sessionID uint64) error {
	return c.withMutation(ctx, timeout, func() error {
		for _, kind := range []Kind{KindChange, KindOperGet, KindOperPoll, KindNotif, KindRPC} {
			c.removeMatching(kind, func(s *Subscription) bool { return s.SessionID == sessionID })
		}
		return nil
	}, nil)
}

// DelByCID removes every subscription owned by cid across all five tables,
// the registry-side half of liveness recovery (§4.G/§8: "a subsequent
// publisher call ... removes the dead subscriber's SHM record").
func (c *SubscriptionContext) DelByCID(ctx context.Context, timeout time.Duration, cid uint64) error {
	return c.withMutation(ctx, timeout, func() error {
		for _, kind := range []Kind{KindChange, KindOperGet, KindOperPoll, KindNotif, KindRPC} {
			c.removeMatching(kind, func(s *Subscription) bool { return s.CID == cid })
		}
		return nil
	}, nil)
}

// removeMatching removes (and mirrors the removal of) every entry in kind's
// table for which match returns true. Caller must hold c.mu.
func (c *SubscriptionContext) removeMatching(kind Kind, match func(*Subscription) bool) {
	table := c.tableFor(kind)
	mirror := c.mirrors[kind]
	t := *table
	for i := 0; i < len(t); {
		if !match(t[i]) {
			i++
			continue
		}
		subID := t[i].SubID
		last := len(t) - 1
		t[i] = t[last]
		t[last] = nil
		t = t[:last]
		if mirror != nil {
			_ = mirror.Delete(subID)
		}
	}
	*table = t
}

// Find returns a copy of the table for kind, ordered highest-priority
// first, for read-only iteration by the commit engine.
func (c *SubscriptionContext) Find(ctx context.Context, timeout time.Duration, kind Kind) ([]*Subscription, error) {
	var out []*Subscription
	err := c.withRead(ctx, timeout, func() {
		src := *c.tableFor(kind)
		out = make([]*Subscription, len(src))
		copy(out, src)
	})
	return out, err
}

// FindByDatastore is Find filtered to subscriptions whose Datastore is
// either empty (matches every datastore) or equal to datastore, matching
// §3's "change subscriptions are keyed by {module, datastore}": a
// subscriber registered only for one datastore must never see another's
// commits.
func (c *SubscriptionContext) FindByDatastore(ctx context.Context, timeout time.Duration, kind Kind, datastore string) ([]*Subscription, error) {
	var out []*Subscription
	err := c.withRead(ctx, timeout, func() {
		for _, s := range *c.tableFor(kind) {
			if s.Datastore == "" || s.Datastore == datastore {
				out = append(out, s)
			}
		}
	})
	return out, err
}

// CountForSession reports how many subscriptions across all tables belong
// to sessionID.
func (c *SubscriptionContext) CountForSession(ctx context.Context, timeout time.Duration, sessionID uint64) (int, error) {
	var n int
	err := c.withRead(ctx, timeout, func() {
		for _, kind := range []Kind{KindChange, KindOperGet, KindOperPoll, KindNotif, KindRPC} {
			for _, s := range *c.tableFor(kind) {
				if s.SessionID == sessionID {
					n++
				}
			}
		}
	})
	return n, err
}

func (c *SubscriptionContext) findAnyLocked(subID uint32) (Kind, *Subscription, bool) {
	for _, kind := range []Kind{KindChange, KindOperGet, KindOperPoll, KindNotif, KindRPC} {
		for _, s := range *c.tableFor(kind) {
			if s.SubID == subID {
				return kind, s, true
			}
		}
	}
	return 0, nil, false
}

// Suspend marks subID retained but skipped by the commit engine (§4.G).
func (c *SubscriptionContext) Suspend(ctx context.Context, timeout time.Duration, subID uint32) error {
	return c.setSuspended(ctx, timeout, subID, true)
}

// Resume clears a subscription's Suspended flag.
func (c *SubscriptionContext) Resume(ctx context.Context, timeout time.Duration, subID uint32) error {
	return c.setSuspended(ctx, timeout, subID, false)
}

func (c *SubscriptionContext) setSuspended(ctx context.Context, timeout time.Duration, subID uint32, suspended bool) error {
	return c.withMutation(ctx, timeout, func() error {
		kind, sub, ok := c.findAnyLocked(subID)
		if !ok {
			return ErrNotFound
		}
		prev := sub.Suspended
		sub.Suspended = suspended
		if mirror := c.mirrors[kind]; mirror != nil {
			if err := mirror.SetSuspended(subID, suspended); err != nil {
				sub.Suspended = prev
				return err
			}
		}
		return nil
	}, nil)
}

// IsSuspended reports whether subID is currently suspended. Returns
// ErrNotFound if no subscription has that id in any table.
func (c *SubscriptionContext) IsSuspended(ctx context.Context, timeout time.Duration, subID uint32) (bool, error) {
	var suspended bool
	var found bool
	err := c.withRead(ctx, timeout, func() {
		_, sub, ok := c.findAnyLocked(subID)
		if ok {
			suspended = sub.Suspended
			found = true
		}
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrNotFound
	}
	return suspended, nil
}
