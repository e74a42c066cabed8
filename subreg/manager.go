package subreg

import (
	"sync"
	"time"

	"github.com/sysrepo-go/subcore/shmlock"
	"github.com/sysrepo-go/subcore/xhealth"
)

// Manager owns one SubscriptionContext per module, creating them lazily on
// first use (§4.C is specified per module; a connection attaches to
// whichever modules its sessions touch).
type Manager struct {
	mu       sync.Mutex
	contexts map[string]*SubscriptionContext

	probe              shmlock.LivenessProbe
	debug              bool
	onLastNotifRemoved TerminatedNotifier
}

// NewManager creates an empty Manager. probe is threaded into every
// context's subs_lock for read-upgradable holder recovery.
func NewManager(probe shmlock.LivenessProbe, debug bool, onLastNotifRemoved TerminatedNotifier) *Manager {
	return &Manager{
		contexts:           make(map[string]*SubscriptionContext),
		probe:              probe,
		debug:              debug,
		onLastNotifRemoved: onLastNotifRemoved,
	}
}

// Context returns the SubscriptionContext for module, creating it if this
// is the first subscription ever seen for that module.
func (m *Manager) Context(module string) *SubscriptionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[module]
	if !ok {
		ctx = New(module, m.probe, m.debug, m.onLastNotifRemoved)
		m.contexts[module] = ctx
	}
	return ctx
}

// Modules lists every module with at least one registered context.
func (m *Manager) Modules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.contexts))
	for name := range m.contexts {
		out = append(out, name)
	}
	return out
}

// HealthCheck reports the number of tracked modules and total live
// subscriptions across all tables, approximated without blocking on any
// individual context's lock.
func (m *Manager) HealthCheck() xhealth.HealthReport {
	m.mu.Lock()
	modules := len(m.contexts)
	total := 0
	for _, c := range m.contexts {
		c.mu.Lock()
		total += len(c.change) + len(c.operGet) + len(c.operPoll) + len(c.notif) + len(c.rpc)
		c.mu.Unlock()
	}
	m.mu.Unlock()

	return xhealth.HealthReport{
		Component: "subreg.manager",
		Status:    xhealth.Healthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"modules":      modules,
			"subscriptions": total,
		},
	}
}
