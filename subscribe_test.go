package subcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysrepo-go/subcore/commit"
	"github.com/sysrepo-go/subcore/errcode"
	"github.com/sysrepo-go/subcore/subreg"
)

func TestSubscribeChangeStoresDatastoreAndCallback(t *testing.T) {
	conn := newTestConnection(t)
	sess, err := conn.NewSession(DatastoreRunning)
	require.NoError(t, err)

	called := false
	callback := func(ctx context.Context, phase int, evt subreg.CallbackEvent) (subreg.CallbackResult, error) {
		called = true
		return subreg.CallbackResult{Code: errcode.OK}, nil
	}
	subID, err := sess.SubscribeChange(context.Background(), "mod-a", "", 0, subreg.SubOpts{Update: true}, callback)
	require.NoError(t, err)

	subs, err := conn.reg.Context("mod-a").Find(context.Background(), conn.cfg.LockTimeout, subreg.KindChange)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, subID, subs[0].SubID)
	require.Equal(t, "running", subs[0].Datastore)
	require.True(t, subs[0].Opts.Update)
	require.NotNil(t, subs[0].Callback)
	require.False(t, called)
}

func TestSubscribeChangeEnabledDeliversSynchronouslyAndAbortsOnFailure(t *testing.T) {
	conn := newTestConnection(t)
	deliver := func(ctx context.Context, sub *subreg.Subscription, phase commit.Phase, evt commit.Event) (commit.Result, error) {
		return commit.Result{}, nil
	}
	engine := commit.NewEngine(conn.reg, deliver, conn.cfg.LockTimeout, conn.cfg.ApplyTimeout, nil, nil)
	conn.SetEngine(engine)

	sess, err := conn.NewSession(DatastoreRunning)
	require.NoError(t, err)

	var seenPhase int
	ok := func(ctx context.Context, phase int, evt subreg.CallbackEvent) (subreg.CallbackResult, error) {
		seenPhase = phase
		return subreg.CallbackResult{Code: errcode.OK}, nil
	}
	subID, err := sess.SubscribeChange(context.Background(), "mod-a", "", 0, subreg.SubOpts{Enabled: true}, ok)
	require.NoError(t, err)
	require.Equal(t, int(commit.PhaseEnabled), seenPhase)

	n, err := conn.reg.Context("mod-a").CountForSession(context.Background(), conn.cfg.LockTimeout, sess.ID())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A second subscriber whose ENABLED delivery fails must not remain
	// registered.
	failing := func(ctx context.Context, phase int, evt subreg.CallbackEvent) (subreg.CallbackResult, error) {
		return subreg.CallbackResult{Code: errcode.OperationFailed}, nil
	}
	_, err = sess.SubscribeChange(context.Background(), "mod-a", "", 1, subreg.SubOpts{Enabled: true}, failing)
	require.Error(t, err)

	subs, err := conn.reg.Context("mod-a").Find(context.Background(), conn.cfg.LockTimeout, subreg.KindChange)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, subID, subs[0].SubID)
}

func TestSubscribeNotifStopTimerAutoUnsubscribes(t *testing.T) {
	conn := newTestConnection(t)
	sess, err := conn.NewSession(DatastoreRunning)
	require.NoError(t, err)

	subID, err := sess.SubscribeNotif(context.Background(), "mod-a", "", 20*time.Millisecond, nil)
	require.NoError(t, err)

	subs, err := conn.reg.Context("mod-a").Find(context.Background(), conn.cfg.LockTimeout, subreg.KindNotif)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, subID, subs[0].SubID)

	require.Eventually(t, func() bool {
		subs, err := conn.reg.Context("mod-a").Find(context.Background(), conn.cfg.LockTimeout, subreg.KindNotif)
		return err == nil && len(subs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeCancelsOutstandingNotifTimer(t *testing.T) {
	conn := newTestConnection(t)
	sess, err := conn.NewSession(DatastoreRunning)
	require.NoError(t, err)

	subID, err := sess.SubscribeNotif(context.Background(), "mod-a", "", time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Unsubscribe(context.Background(), subreg.KindNotif, "mod-a", subID))

	sess.mu.Lock()
	_, stillTracked := sess.notifTimers[subID]
	sess.mu.Unlock()
	require.False(t, stillTracked)
}
