package subcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysrepo-go/subcore/subreg"
)

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	cfg := DefaultConfig()
	reg := subreg.NewManager(nil, false, nil)
	return Attach(cfg, reg, nil)
}

func TestAttachProducesLiveConnection(t *testing.T) {
	conn := newTestConnection(t)
	require.False(t, conn.IsDetached())
	require.NotZero(t, conn.CID())
}

func TestNewSessionFailsOnDetachedConnection(t *testing.T) {
	conn := newTestConnection(t)
	require.NoError(t, conn.Detach())
	_, err := conn.NewSession(DatastoreRunning)
	require.ErrorIs(t, err, ErrConnectionDetached)
}

func TestCloseSessionClearsItsSubscriptions(t *testing.T) {
	conn := newTestConnection(t)
	sess, err := conn.NewSession(DatastoreRunning)
	require.NoError(t, err)

	_, err = sess.SubscribeChange(context.Background(), "mod-a", "", 0, subreg.SubOpts{}, nil)
	require.NoError(t, err)

	n, err := conn.reg.Context("mod-a").CountForSession(context.Background(), conn.cfg.LockTimeout, sess.ID())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, conn.CloseSession(sess))

	n, err = conn.reg.Context("mod-a").CountForSession(context.Background(), conn.cfg.LockTimeout, sess.ID())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCacheSetAndGet(t *testing.T) {
	conn := newTestConnection(t)
	conn.CacheSet("key", 42)
	v, ok := conn.CacheGet("key")
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestDetachClosesAllSessions(t *testing.T) {
	conn := newTestConnection(t)
	sess, err := conn.NewSession(DatastoreRunning)
	require.NoError(t, err)

	require.NoError(t, conn.Detach())
	require.Empty(t, conn.Sessions())

	sess.mu.Lock()
	closed := sess.closed
	sess.mu.Unlock()
	require.True(t, closed)
}
