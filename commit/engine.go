// Package commit implements §4.F, the protocol engine that drives every
// subscriber state machine: priority-wave delivery for changes (UPDATE
// then CHANGE then DONE, with ABORT unwind on any failure), a single
// request/reply wave for oper-get, a priority wave with ABORT for RPCs,
// and a plain broadcast for notifications. It is grounded on the
// teacher's lifecycle dispatcher's concept of priority-ordered observer
// dispatch, generalized from a single dispatch list to the four distinct
// per-kind protocols the specification describes.
package commit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sysrepo-go/subcore/errcode"
	"github.com/sysrepo-go/subcore/subreg"
	"github.com/sysrepo-go/subcore/xhealth"
	"github.com/sysrepo-go/subcore/xlog"
	"github.com/sysrepo-go/subcore/xobserve"
)

// AliveCheck reports whether the process owning cid is still running. It is
// a plain func type (rather than importing package liveness) so commit
// never has to depend on liveness, which already depends on subreg — commit
// only needs the probe, not the sweeper that produces it.
type AliveCheck func(cid uint64) bool

// Engine runs the wave protocols against one module's registry. Its methods
// are safe for concurrent use by multiple sessions.
type Engine struct {
	reg          *subreg.Manager
	deliver      Deliverer
	lockTimeout  time.Duration
	applyTimeout time.Duration
	log          xlog.Logger
	observers    *xobserve.ObserverHub

	aliveCheck AliveCheck
	reqCounter uint32

	statsMu sync.Mutex
	stats   engineStats
}

type engineStats struct {
	commits  uint64
	aborts   uint64
	timeouts uint64
}

// NewEngine creates an Engine. observers may be nil.
func NewEngine(reg *subreg.Manager, deliver Deliverer, lockTimeout, applyTimeout time.Duration, log xlog.Logger, observers *xobserve.ObserverHub) *Engine {
	if log == nil {
		log = xlog.NopLogger{}
	}
	return &Engine{reg: reg, deliver: deliver, lockTimeout: lockTimeout, applyTimeout: applyTimeout, log: log, observers: observers}
}

func (e *Engine) bumpStat(f func(*engineStats)) {
	e.statsMu.Lock()
	f(&e.stats)
	e.statsMu.Unlock()
}

// SetAliveCheck wires a liveness probe the engine consults on every
// subscriber enumeration (§4.G: "On any enumeration, the enumerator calls
// the liveness probe"). Pass nil to disable the check.
func (e *Engine) SetAliveCheck(check AliveCheck) {
	e.aliveCheck = check
}

// nextRequestID assigns a fresh monotonic id to one engine operation,
// threaded through every Event it produces so a channel-backed Deliverer
// can detect a reply against a stale, already-superseded request (§4.E).
func (e *Engine) nextRequestID() uint32 {
	return atomic.AddUint32(&e.reqCounter, 1)
}

// filterLive drops (and removes from the registry) any subscription in
// subs whose owning CID has died, per §4.G: "a subsequent publisher call on
// the same module removes the dead subscriber's SHM record before
// attempting to wake it." With no aliveCheck configured, subs is returned
// unchanged.
func (e *Engine) filterLive(ctx context.Context, regCtx *subreg.SubscriptionContext, subs []*subreg.Subscription) []*subreg.Subscription {
	if e.aliveCheck == nil {
		return subs
	}
	live := subs[:0:0]
	deadCIDs := map[uint64]bool{}
	for _, s := range subs {
		if e.aliveCheck(s.CID) {
			live = append(live, s)
			continue
		}
		deadCIDs[s.CID] = true
	}
	for cid := range deadCIDs {
		if err := regCtx.DelByCID(ctx, e.lockTimeout, cid); err != nil {
			e.log.Warn("liveness cleanup failed", "cid", cid, "module", regCtx.Module(), "error", err)
		}
	}
	return live
}

// invoke dispatches one subscriber's callback for one phase: a suspended
// subscription is shelved without being called at all (§4.G: "Suspended
// subscriptions ... are skipped by the engine but retained"); a
// subscription with a stored Callback runs it directly, in-process — the
// actual per-subscriber dispatch the registry exists to drive; otherwise
// the engine falls back to its transport-agnostic Deliverer for
// subscribers with no local callback (cross-process subscribers reached
// over an evchan.Channel).
func (e *Engine) invoke(ctx context.Context, sub *subreg.Subscription, phase Phase, evt Event) (Result, error) {
	if sub.Suspended {
		return Result{Code: errcode.CallbackShelve}, nil
	}
	if sub.Callback != nil {
		return sub.Callback(ctx, int(phase), evt)
	}
	return e.deliver(ctx, sub, phase, evt)
}

// DeliverEnabled runs the synchronous ENABLED delivery a change subscriber
// with subreg.SubOpts.Enabled set must receive at subscribe time (§4.F);
// its caller aborts the subscribe call on a non-nil error or non-OK code.
func (e *Engine) DeliverEnabled(ctx context.Context, sub *subreg.Subscription, module, datastore, path string, payload []byte) (Result, error) {
	evt := Event{Module: module, Datastore: datastore, Path: path, Payload: payload, RequestID: e.nextRequestID()}
	return e.invoke(ctx, sub, PhaseEnabled, evt)
}

func (e *Engine) emit(ctx context.Context, eventType, module string, data map[string]any) {
	if e.observers == nil {
		return
	}
	evt := xobserve.NewCloudEvent(eventType, "subcore/"+module, data, nil)
	_ = e.observers.NotifyObservers(ctx, evt)
}

// deliverWave runs every subscriber in wave concurrently for phase,
// collecting results; it returns the first non-OK result encountered (by
// subscriber order within the wave, for deterministic abort target
// selection) and the set of subscribers that succeeded, which the caller
// may need to unwind. A CALLBACK_SHELVE result is neither a success nor a
// failure (§7: "permitted only for non-ENABLED callbacks and causes the
// engine to keep the event pending for that subscriber while proceeding
// with the rest of the wave; the subscriber must retry on its next
// event-pipe wake") — it is dropped from both sets and does not abort the
// wave.
func (e *Engine) deliverWave(ctx context.Context, wave []*subreg.Subscription, phase Phase, evt Event) (succeeded []*subreg.Subscription, failure *subreg.Subscription, failErr error) {
	type outcome struct {
		idx    int
		sub    *subreg.Subscription
		result Result
		err    error
	}
	outcomes := make(chan outcome, len(wave))
	for i, sub := range wave {
		i, sub := i, sub
		go func() {
			res, err := e.invoke(ctx, sub, phase, evt)
			outcomes <- outcome{idx: i, sub: sub, result: res, err: err}
		}()
	}

	failIdx := len(wave)
	for i := 0; i < len(wave); i++ {
		select {
		case <-ctx.Done():
			return succeeded, nil, ctx.Err()
		case o := <-outcomes:
			if o.err == nil && o.result.Code == errcode.CallbackShelve && phase != PhaseEnabled {
				continue
			}
			if o.err != nil || o.result.Code != errcode.OK {
				if o.idx < failIdx {
					failIdx = o.idx
					failure = o.sub
					failErr = o.err
				}
				continue
			}
			succeeded = append(succeeded, o.sub)
		}
	}
	return succeeded, failure, failErr
}

// unwind sends PhaseAbort to every subscriber that already succeeded in
// this operation, in reverse delivery order, implementing §8's "abort
// completeness" property: every subscriber that saw UPDATE or CHANGE for
// an aborted operation also sees ABORT.
func (e *Engine) unwind(ctx context.Context, processed []*subreg.Subscription, evt Event) {
	for i := len(processed) - 1; i >= 0; i-- {
		sub := processed[i]
		if _, err := e.invoke(ctx, sub, PhaseAbort, evt); err != nil {
			e.log.Warn("abort delivery failed", "sub_id", sub.SubID, "module", sub.Module, "error", err)
		}
	}
}

// CommitChange runs the full change protocol against module's datastore: an
// optional priority wave of UPDATE (only to subscribers that opted in via
// subreg.SubOpts.Update), followed (only if every subscriber accepted) by a
// priority wave of CHANGE against every subscriber, followed by a broadcast
// DONE. Any non-OK result at UPDATE or CHANGE aborts the whole operation
// and unwinds every subscriber already committed to it. Only subscribers
// registered for datastore (or for every datastore) participate — a
// subscriber registered for "startup" must never see a "running" commit
// (§3: change subscriptions are keyed by {module, datastore}).
func (e *Engine) CommitChange(ctx context.Context, module, datastore, path string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	regCtx := e.reg.Context(module)
	subs, err := regCtx.FindByDatastore(ctx, e.lockTimeout, subreg.KindChange, datastore)
	if err != nil {
		return err
	}
	subs = e.filterLive(ctx, regCtx, subs)
	if len(subs) == 0 {
		return nil
	}

	evt := Event{Module: module, Datastore: datastore, Path: path, Payload: payload, RequestID: e.nextRequestID()}
	e.emit(ctx, xobserve.EventTypeCommitWaveStarted, module, map[string]any{"path": path, "subscribers": len(subs)})

	var updateSubs []*subreg.Subscription
	for _, s := range subs {
		if s.Opts.Update {
			updateSubs = append(updateSubs, s)
		}
	}

	var allProcessed []*subreg.Subscription
	phaseSubs := map[Phase][]*subreg.Subscription{PhaseUpdate: updateSubs, PhaseChange: subs}
	for _, phase := range []Phase{PhaseUpdate, PhaseChange} {
		phaseSet := phaseSubs[phase]
		if len(phaseSet) == 0 {
			continue
		}
		for _, wave := range waves(phaseSet) {
			succeeded, failure, ferr := e.deliverWave(ctx, wave, phase, evt)
			allProcessed = append(allProcessed, succeeded...)
			if failure != nil || ferr != nil {
				e.bumpStat(func(s *engineStats) { s.aborts++ })
				e.unwind(ctx, allProcessed, evt)
				e.emit(ctx, xobserve.EventTypeCommitAborted, module, map[string]any{"path": path, "phase": phase.String()})
				if ferr != nil {
					if ferr == context.DeadlineExceeded {
						e.bumpStat(func(s *engineStats) { s.timeouts++ })
						e.emit(ctx, xobserve.EventTypeCommitTimedOut, module, map[string]any{"path": path})
						return errWrap(errcode.TimeOut, ErrTimedOut)
					}
					return ferr
				}
				return errWrap(errcode.CallbackFailed, ErrAborted)
			}
		}
	}

	e.bumpStat(func(s *engineStats) { s.commits++ })
	for _, wave := range waves(subs) {
		e.deliverWave(ctx, wave, PhaseDone, evt)
	}
	e.emit(ctx, xobserve.EventTypeCommitWaveDone, module, map[string]any{"path": path})
	return nil
}

// OperGet runs the single request/reply wave for operational data: it
// finds the subscriber covering path with the highest priority and
// returns its payload. It is a read-only operation; independent oper-get
// calls on different paths never block each other (§5).
func (e *Engine) OperGet(ctx context.Context, module, datastore, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	regCtx := e.reg.Context(module)
	subs, err := regCtx.Find(ctx, e.lockTimeout, subreg.KindOperGet)
	if err != nil {
		return nil, err
	}
	subs = e.filterLive(ctx, regCtx, subs)
	var best *subreg.Subscription
	for _, s := range subs {
		if coversPath(s.Path, path) {
			best = s
			break // already priority-sorted descending
		}
	}
	if best == nil {
		return nil, ErrNoSubscriber
	}
	res, err := e.invoke(ctx, best, PhaseUpdate, Event{Module: module, Datastore: datastore, Path: path, RequestID: e.nextRequestID()})
	if err != nil {
		return nil, err
	}
	if res.Code != errcode.OK {
		return nil, errWrap(res.Code, ErrNoSubscriber)
	}
	return res.Payload, nil
}

// RPC runs a priority wave over module's RPC subscribers at path, threading
// each subscriber's output payload into the next as input, aborting and
// unwinding on the first non-OK result.
func (e *Engine) RPC(ctx context.Context, module, datastore, path string, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	regCtx := e.reg.Context(module)
	subs, err := regCtx.Find(ctx, e.lockTimeout, subreg.KindRPC)
	if err != nil {
		return nil, err
	}
	subs = e.filterLive(ctx, regCtx, subs)
	var matching []*subreg.Subscription
	for _, s := range subs {
		if coversPath(s.Path, path) {
			matching = append(matching, s)
		}
	}
	if len(matching) == 0 {
		return nil, ErrNoSubscriber
	}

	requestID := e.nextRequestID()
	payload := input
	var processed []*subreg.Subscription
	for _, wave := range waves(matching) {
		for _, sub := range wave {
			res, err := e.invoke(ctx, sub, PhaseUpdate, Event{Module: module, Datastore: datastore, Path: path, Payload: payload, RequestID: requestID})
			if err != nil || res.Code != errcode.OK {
				e.unwind(ctx, processed, Event{Module: module, Datastore: datastore, Path: path})
				if err != nil {
					return nil, err
				}
				return nil, errWrap(res.Code, ErrAborted)
			}
			processed = append(processed, sub)
			payload = res.Payload
		}
	}
	return payload, nil
}

// Notify broadcasts a single DONE-phase delivery to every notif subscriber
// of module; notifications have no reply and cannot be aborted (§4.F:
// "broadcast NOTIF").
func (e *Engine) Notify(ctx context.Context, module, path string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	regCtx := e.reg.Context(module)
	subs, err := regCtx.Find(ctx, e.lockTimeout, subreg.KindNotif)
	if err != nil {
		return err
	}
	subs = e.filterLive(ctx, regCtx, subs)
	evt := Event{Module: module, Path: path, Payload: payload, RequestID: e.nextRequestID()}
	for _, wave := range waves(subs) {
		e.deliverWave(ctx, wave, PhaseDone, evt)
	}
	return nil
}

// NotifyTerminated emits the synthetic terminated notification for a
// session whose notif subscription on module was just removed (the registry
// calls it once per removed notif subscription); it is wired as a
// subreg.TerminatedNotifier.
func (e *Engine) NotifyTerminated(module string, sessionID uint64) {
	e.emit(context.Background(), xobserve.EventTypeNotifTerminated, module, map[string]any{"session_id": sessionID})
}

// HealthCheck reports accumulated commit/abort/timeout counters.
func (e *Engine) HealthCheck() xhealth.HealthReport {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()

	status := xhealth.Healthy
	if stats.timeouts > 0 {
		status = xhealth.Degraded
	}
	return xhealth.HealthReport{
		Component: "commit.engine",
		Status:    status,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"commits":  stats.commits,
			"aborts":   stats.aborts,
			"timeouts": stats.timeouts,
		},
	}
}

// coversPath reports whether sub, the xpath a subscriber registered under,
// covers requested path: an empty subscription path covers the whole
// module, otherwise the subscription path must be a prefix of the request.
func coversPath(subPath, reqPath string) bool {
	if subPath == "" {
		return true
	}
	if subPath == reqPath {
		return true
	}
	n := len(subPath)
	return len(reqPath) > n && reqPath[:n] == subPath && reqPath[n] == '/'
}

// errWrap builds an *errcode.Error carrying base as its cause, so
// errors.Is(err, base) still reaches the sentinel through Error.Unwrap.
func errWrap(code errcode.ErrorCode, base error) error {
	return errcode.NewError(code, base.Error(), base)
}
