package subcore

import (
	"sync"
	"time"
)

// edit is one accumulated change against a session's datastore: a single
// XPath target plus the value to set (or nil for a delete), collected
// until the session discards them. commit.Engine does not read them:
// CommitChange takes its path and payload as arguments.
type edit struct {
	path  string
	value any
	del   bool
}

// Session is a scoped handle created on a Connection: it carries a current
// datastore selector, an accumulated edit, and a back-list of the
// subscription contexts it originated subscriptions on (§3: "a scoped
// handle... carries a current datastore selector, an accumulated edit, and
// a back-list of subscription contexts it originated").
type Session struct {
	id        uint64
	conn      *Connection
	datastore Datastore

	mu      sync.Mutex
	closed  bool
	edits   []edit
	modules map[string]struct{} // modules this session has subscribed against

	// notifTimers holds the stop-deadline timer for every notif
	// subscription this session registered with a non-zero stop duration
	// (§8 scenario 4: a notif subscription auto-unsubscribes at its stop
	// deadline). Keyed by subscription id so Unsubscribe/close can cancel
	// the timer before it fires a redundant removal.
	notifTimers map[uint32]*time.Timer
}

// addNotifTimer registers t as the auto-unsubscribe timer for subID,
// replacing (and stopping) any previous timer for the same id.
func (s *Session) addNotifTimer(subID uint32, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifTimers == nil {
		s.notifTimers = make(map[uint32]*time.Timer)
	}
	if prev, ok := s.notifTimers[subID]; ok {
		prev.Stop()
	}
	s.notifTimers[subID] = t
}

// cancelNotifTimer stops and forgets subID's auto-unsubscribe timer, if
// any. Called once the subscription has already been removed, whether by
// the timer itself or by an explicit Unsubscribe.
func (s *Session) cancelNotifTimer(subID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.notifTimers[subID]; ok {
		t.Stop()
		delete(s.notifTimers, subID)
	}
}

// cancelAllNotifTimers stops every outstanding auto-unsubscribe timer, for
// use when the session closes out from under them.
func (s *Session) cancelAllNotifTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.notifTimers {
		t.Stop()
	}
	s.notifTimers = nil
}

// ID returns the session's connection-scoped identifier.
func (s *Session) ID() uint64 { return s.id }

// Connection returns the owning connection.
func (s *Session) Connection() *Connection { return s.conn }

// Datastore returns the session's current datastore selector.
func (s *Session) Datastore() Datastore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datastore
}

// SwitchDatastore changes which datastore subsequent edits and commits
// target. It does not affect subscriptions already registered under the
// previous datastore.
func (s *Session) SwitchDatastore(ds Datastore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.datastore = ds
	return nil
}

// SetItem accumulates a set-or-delete edit against path, without applying
// it. Edits are only visible to other sessions once committed through the
// commit engine.
func (s *Session) SetItem(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.edits = append(s.edits, edit{path: path, value: value})
	return nil
}

// DeleteItem accumulates a delete edit against path.
func (s *Session) DeleteItem(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.edits = append(s.edits, edit{path: path, del: true})
	return nil
}

// PendingEdits returns a snapshot of the session's accumulated edits.
func (s *Session) PendingEdits() []edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]edit, len(s.edits))
	copy(out, s.edits)
	return out
}

// DiscardEdits clears the accumulated edit without committing it.
func (s *Session) DiscardEdits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = nil
}

// noteSubscribedModule records that this session originated a subscription
// against module, as reported by SubscribedModules. Connection.CloseSession
// does not consult it; it sweeps every module the registry knows.
func (s *Session) noteSubscribedModule(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modules == nil {
		s.modules = make(map[string]struct{})
	}
	s.modules[module] = struct{}{}
}

// SubscribedModules lists the modules this session has originated at
// least one subscription against.
func (s *Session) SubscribedModules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.modules))
	for m := range s.modules {
		out = append(out, m)
	}
	return out
}
