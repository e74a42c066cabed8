package subcore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sysrepo-go/subcore/commit"
	"github.com/sysrepo-go/subcore/subreg"
	"github.com/sysrepo-go/subcore/xlog"
	"github.com/sysrepo-go/subcore/xobserve"
)

// Connection owns a connection identifier (CID, unique per host lifetime),
// the set of sessions created on it, the subscription registry those
// sessions' subscribe calls populate, and a small per-connection cache
// (§3: "Owns a connection identifier, a set of sessions, a set of
// subscription contexts, and a cache"). It embeds an ObserverHub so an
// embedding application can audit subscription/commit/liveness activity
// without reaching into the dispatch internals.
type Connection struct {
	*xobserve.ObserverHub

	cid     CID
	log     xlog.Logger
	reg     *subreg.Manager
	cfg     *Config
	engine  *commit.Engine

	mu       sync.RWMutex
	detached bool
	sessions map[uint64]*Session
	cache    map[string]any

	nextSessionID uint64
}

// Attach creates a Connection for the current process, bound to reg for
// subscription lookups. Lifecycle: created on attach; destroyed on Detach
// or when peers observe the CID is dead (§3, §4.G).
func Attach(cfg *Config, reg *subreg.Manager, log xlog.Logger) *Connection {
	if log == nil {
		log = xlog.NopLogger{}
	}
	c := &Connection{
		ObserverHub: xobserve.NewObserverHub(log),
		cid:         NewCID(),
		log:         log,
		reg:         reg,
		cfg:         cfg,
		sessions:    make(map[uint64]*Session),
		cache:       make(map[string]any),
	}
	return c
}

// CID returns the connection's identifier.
func (c *Connection) CID() CID { return c.cid }

// SetEngine wires the commit engine this connection's sessions use for the
// synchronous ENABLED subscribe-time delivery (§4.F). A Connection created
// without one simply never attempts that delivery.
func (c *Connection) SetEngine(e *commit.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = e
}

// IsDetached reports whether Detach has already run.
func (c *Connection) IsDetached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detached
}

// NewSession creates a Session scoped to this connection targeting ds.
func (c *Connection) NewSession(ds Datastore) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return nil, ErrConnectionDetached
	}
	id := atomic.AddUint64(&c.nextSessionID, 1)
	s := &Session{
		id:        id,
		conn:      c,
		datastore: ds,
	}
	c.sessions[id] = s
	return s, nil
}

// CloseSession removes a session from the connection and deregisters every
// subscription it originated, across every module the registry knows
// about.
func (c *Connection) CloseSession(s *Session) error {
	c.mu.Lock()
	if _, ok := c.sessions[s.id]; !ok {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	delete(c.sessions, s.id)
	c.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelAllNotifTimers()

	if c.reg == nil {
		return nil
	}
	for _, module := range c.reg.Modules() {
		ctx := c.reg.Context(module)
		if err := ctx.DelSession(context.Background(), c.cfg.LockTimeout, s.id); err != nil {
			c.log.Warn("failed clearing session subscriptions", "module", module, "session", s.id, "error", err)
		}
	}
	return nil
}

// Sessions returns the live sessions on this connection.
func (c *Connection) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// CacheGet reads a per-connection cache entry.
func (c *Connection) CacheGet(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

// CacheSet writes a per-connection cache entry.
func (c *Connection) CacheSet(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = value
}

// Detach tears down every session on the connection and marks it detached.
// A detached Connection must not be used again.
func (c *Connection) Detach() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return nil
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.detached = true
	c.mu.Unlock()

	for _, s := range sessions {
		_ = c.CloseSession(s)
	}
	return nil
}
