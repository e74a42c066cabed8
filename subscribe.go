package subcore

import (
	"context"
	"time"

	"github.com/sysrepo-go/subcore/errcode"
	"github.com/sysrepo-go/subcore/subreg"
	"github.com/sysrepo-go/subcore/xobserve"
)

// SubscribeChange registers a change-notification subscription for module,
// restricted to path (empty means the whole module), at priority, against
// the session's current datastore (§3: change subscriptions are keyed by
// {module, datastore}). callback is the application handler the commit
// engine drives directly; opts.Update/opts.Enabled opt into the UPDATE and
// synchronous ENABLED phases respectively (§4.F). If opts.Enabled is set,
// SubscribeChange calls back synchronously before returning and, on a
// non-OK result, unwinds the registration and returns an error — the
// subscribe call never leaves a subscriber half-registered.
func (s *Session) SubscribeChange(ctx context.Context, module, path string, priority int32, opts subreg.SubOpts, callback subreg.CallbackFunc) (uint32, error) {
	return s.subscribe(ctx, subreg.KindChange, module, path, priority, opts, callback, 0)
}

// SubscribeOperGet registers a callback that serves operational data under
// path within module. Per the registry's uniqueness rule, two subscribers
// cannot register the same (path, priority) pair for the same module.
func (s *Session) SubscribeOperGet(ctx context.Context, module, path string, priority int32, callback subreg.CallbackFunc) (uint32, error) {
	return s.subscribe(ctx, subreg.KindOperGet, module, path, priority, subreg.SubOpts{}, callback, 0)
}

// SubscribeOperPoll registers periodic re-evaluation of operational data
// under path within module (driven by the liveness/scheduling sweep).
func (s *Session) SubscribeOperPoll(ctx context.Context, module, path string, priority int32, callback subreg.CallbackFunc) (uint32, error) {
	return s.subscribe(ctx, subreg.KindOperPoll, module, path, priority, subreg.SubOpts{}, callback, 0)
}

// SubscribeNotif registers interest in notifications emitted by module. A
// positive stop schedules automatic removal once stop has elapsed since
// registration (§8 scenario 4: a notif subscription with a stop deadline
// auto-unsubscribes and synthesizes its own terminated delivery exactly
// once, with no further action from the subscriber); stop == 0 means the
// subscription only ends when explicitly unsubscribed or the session
// closes.
func (s *Session) SubscribeNotif(ctx context.Context, module, path string, stop time.Duration, callback subreg.CallbackFunc) (uint32, error) {
	return s.subscribe(ctx, subreg.KindNotif, module, path, 0, subreg.SubOpts{}, callback, stop)
}

// SubscribeRPC registers a handler for RPCs/actions at path within module.
func (s *Session) SubscribeRPC(ctx context.Context, module, path string, priority int32, callback subreg.CallbackFunc) (uint32, error) {
	return s.subscribe(ctx, subreg.KindRPC, module, path, priority, subreg.SubOpts{}, callback, 0)
}

func (s *Session) subscribe(ctx context.Context, kind subreg.Kind, module, path string, priority int32, opts subreg.SubOpts, callback subreg.CallbackFunc, stop time.Duration) (uint32, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	conn := s.conn
	datastore := s.datastore
	s.mu.Unlock()

	if conn.reg == nil {
		return 0, ErrInvalidDatastore
	}
	regCtx := conn.reg.Context(module)
	sub := &subreg.Subscription{
		CID:       uint64(conn.cid),
		SessionID: s.id,
		Priority:  priority,
		Module:    module,
		Datastore: datastore.String(),
		Path:      path,
		Kind:      kind,
		Opts:      opts,
		Callback:  callback,
	}
	if stop > 0 {
		sub.Stop = time.Now().Add(stop)
	}
	subID, err := regCtx.Add(ctx, conn.cfg.LockTimeout, sub)
	if err != nil {
		return 0, err
	}

	if kind == subreg.KindChange && opts.Enabled {
		if err := s.deliverEnabled(ctx, conn, sub, module, datastore.String(), path); err != nil {
			_ = regCtx.Del(ctx, conn.cfg.LockTimeout, kind, subID)
			return 0, err
		}
	}

	s.noteSubscribedModule(module)

	if kind == subreg.KindNotif && stop > 0 {
		s.addNotifTimer(subID, time.AfterFunc(stop, func() {
			s.autoUnsubscribeNotif(module, subID)
		}))
	}

	conn.notifyAsync(ctx, xobserve.EventTypeSubscriptionCreated, module, map[string]any{
		"sub_id": subID, "kind": kind.String(), "path": path, "session_id": s.id,
	})
	return subID, nil
}

// deliverEnabled runs the synchronous ENABLED delivery §4.F requires at
// subscribe time for a change subscriber with opts.Enabled set. A
// Connection with no engine wired (e.g. in tests exercising the registry
// alone) treats ENABLED as never failing, since there is nothing to
// deliver to.
func (s *Session) deliverEnabled(ctx context.Context, conn *Connection, sub *subreg.Subscription, module, datastore, path string) error {
	conn.mu.RLock()
	engine := conn.engine
	conn.mu.RUnlock()
	if engine == nil {
		return nil
	}
	res, err := engine.DeliverEnabled(ctx, sub, module, datastore, path, nil)
	if err != nil {
		return err
	}
	if res.Code != errcode.OK {
		return errWrapCode(res.Code)
	}
	return nil
}

// autoUnsubscribeNotif fires on a notif subscription's stop timer: it
// removes the subscription (which, via TerminatedNotifier, synthesizes the
// one terminated delivery del_notif always produces) and forgets the
// timer bookkeeping.
func (s *Session) autoUnsubscribeNotif(module string, subID uint32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	if conn.reg != nil {
		regCtx := conn.reg.Context(module)
		_ = regCtx.Del(context.Background(), conn.cfg.LockTimeout, subreg.KindNotif, subID)
	}
	s.cancelNotifTimer(subID)
}

// Unsubscribe removes subID from module's kind table. Removing a notif
// subscription also cancels any outstanding stop timer so it cannot fire a
// redundant removal later.
func (s *Session) Unsubscribe(ctx context.Context, kind subreg.Kind, module string, subID uint32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn := s.conn
	s.mu.Unlock()

	if conn.reg == nil {
		return ErrInvalidDatastore
	}
	regCtx := conn.reg.Context(module)
	if err := regCtx.Del(ctx, conn.cfg.LockTimeout, kind, subID); err != nil {
		return err
	}
	if kind == subreg.KindNotif {
		s.cancelNotifTimer(subID)
	}
	conn.notifyAsync(ctx, xobserve.EventTypeSubscriptionRemoved, module, map[string]any{
		"sub_id": subID, "kind": kind.String(),
	})
	return nil
}

// errWrapCode turns a non-OK ENABLED result code into an error without
// pulling in a specific sentinel: the caller only needs to know the
// subscribe call failed and why.
func errWrapCode(code errcode.ErrorCode) error {
	return errcode.NewError(code, "enabled delivery rejected subscribe", nil)
}

// notifyAsync builds and emits a CloudEvent through the connection's
// ObserverHub, swallowing a nil Subject so callers never have to guard.
func (c *Connection) notifyAsync(ctx context.Context, eventType, module string, data map[string]any) {
	if c.ObserverHub == nil {
		return
	}
	event := xobserve.NewCloudEvent(eventType, "subcore/"+module, data, nil)
	_ = c.ObserverHub.NotifyObservers(ctx, event)
}
