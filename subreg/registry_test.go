package subreg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = time.Second

func newTestContext(t *testing.T, onLastNotifRemoved TerminatedNotifier) *SubscriptionContext {
	t.Helper()
	return New("test-module", nil, true, onLastNotifRemoved)
}

func TestAddAssignsUniqueIncreasingSubIDs(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	id1, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, SessionID: 1})
	require.NoError(t, err)
	id2, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, SessionID: 1})
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Greater(t, id2, id1)
}

func TestAddOperGetRejectsDuplicatePathPriority(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	_, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindOperGet, Path: "/a", Priority: 0})
	require.NoError(t, err)

	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindOperGet, Path: "/a", Priority: 0})
	require.ErrorIs(t, err, ErrExists)

	// A different priority for the same path is allowed.
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindOperGet, Path: "/a", Priority: 1})
	require.NoError(t, err)
}

func TestFindOrdersByDescendingPriority(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	_, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 1})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 5})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 3})
	require.NoError(t, err)

	subs, err := ctx.Find(background, testTimeout, KindChange)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	require.Equal(t, int32(5), subs[0].Priority)
	require.Equal(t, int32(3), subs[1].Priority)
	require.Equal(t, int32(1), subs[2].Priority)
}

func TestDelSwapWithLastRemovesExactlyOne(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	id1, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 1})
	require.NoError(t, err)
	id2, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 2})
	require.NoError(t, err)
	id3, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 3})
	require.NoError(t, err)

	require.NoError(t, ctx.Del(background, testTimeout, KindChange, id2))

	subs, err := ctx.Find(background, testTimeout, KindChange)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	remaining := map[uint32]bool{}
	for _, s := range subs {
		remaining[s.SubID] = true
	}
	require.True(t, remaining[id1])
	require.True(t, remaining[id3])
	require.False(t, remaining[id2])
}

func TestDelUnknownSubIDReturnsNotFound(t *testing.T) {
	ctx := newTestContext(t, nil)
	err := ctx.Del(context.Background(), testTimeout, KindChange, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelSessionRemovesAcrossAllTables(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	_, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, SessionID: 42})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindNotif, SessionID: 42})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, SessionID: 7})
	require.NoError(t, err)

	require.NoError(t, ctx.DelSession(background, testTimeout, 42))

	changeSubs, err := ctx.Find(background, testTimeout, KindChange)
	require.NoError(t, err)
	require.Len(t, changeSubs, 1)
	require.Equal(t, uint64(7), changeSubs[0].SessionID)

	notifSubs, err := ctx.Find(background, testTimeout, KindNotif)
	require.NoError(t, err)
	require.Len(t, notifSubs, 0)
}

func TestDelNotifFiresTerminatedOnEveryRemoval(t *testing.T) {
	var terminated []uint64
	ctx := newTestContext(t, func(module string, sessionID uint64) {
		terminated = append(terminated, sessionID)
	})
	background := context.Background()

	id1, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindNotif, SessionID: 1})
	require.NoError(t, err)
	id2, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindNotif, SessionID: 1})
	require.NoError(t, err)

	// Every successful del_notif fires its own synthetic TERMINATED
	// delivery, even though this session still has a second notif
	// subscription left after the first removal.
	require.NoError(t, ctx.Del(background, testTimeout, KindNotif, id1))
	require.Equal(t, []uint64{1}, terminated)

	require.NoError(t, ctx.Del(background, testTimeout, KindNotif, id2))
	require.Equal(t, []uint64{1, 1}, terminated)
}

// fakeMirror is a Mirror test double that can be told to fail on the next
// call, so tests can assert that Add/Del/Suspend roll back the registry side
// when the SHM mirror write fails.
type fakeMirror struct {
	failNext bool
	entries  map[uint32]MirrorEntry
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{entries: make(map[uint32]MirrorEntry)}
}

func (m *fakeMirror) Add(e MirrorEntry) error {
	if m.failNext {
		m.failNext = false
		return ErrExists
	}
	m.entries[e.SubID] = e
	return nil
}

func (m *fakeMirror) Delete(subID uint32) error {
	if m.failNext {
		m.failNext = false
		return ErrNotFound
	}
	delete(m.entries, subID)
	return nil
}

func (m *fakeMirror) SetSuspended(subID uint32, suspended bool) error {
	if m.failNext {
		m.failNext = false
		return ErrNotFound
	}
	e, ok := m.entries[subID]
	if !ok {
		return ErrNotFound
	}
	e.Suspended = suspended
	m.entries[subID] = e
	return nil
}

func TestAddRollsBackRegistryWhenMirrorAddFails(t *testing.T) {
	ctx := newTestContext(t, nil)
	mirror := newFakeMirror()
	ctx.SetMirror(KindChange, mirror)
	mirror.failNext = true
	background := context.Background()

	_, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 1})
	require.Error(t, err)

	subs, err := ctx.Find(background, testTimeout, KindChange)
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestDelRollsBackRegistryWhenMirrorDeleteFails(t *testing.T) {
	ctx := newTestContext(t, nil)
	mirror := newFakeMirror()
	ctx.SetMirror(KindChange, mirror)
	background := context.Background()

	id, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 1})
	require.NoError(t, err)

	mirror.failNext = true
	err = ctx.Del(background, testTimeout, KindChange, id)
	require.Error(t, err)

	subs, err := ctx.Find(background, testTimeout, KindChange)
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestSuspendResumeAndIsSuspended(t *testing.T) {
	ctx := newTestContext(t, nil)
	mirror := newFakeMirror()
	ctx.SetMirror(KindChange, mirror)
	background := context.Background()

	id, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 1})
	require.NoError(t, err)

	suspended, err := ctx.IsSuspended(background, testTimeout, id)
	require.NoError(t, err)
	require.False(t, suspended)

	require.NoError(t, ctx.Suspend(background, testTimeout, id))
	suspended, err = ctx.IsSuspended(background, testTimeout, id)
	require.NoError(t, err)
	require.True(t, suspended)
	require.True(t, mirror.entries[id].Suspended)

	require.NoError(t, ctx.Resume(background, testTimeout, id))
	suspended, err = ctx.IsSuspended(background, testTimeout, id)
	require.NoError(t, err)
	require.False(t, suspended)
	require.False(t, mirror.entries[id].Suspended)
}

func TestSuspendRollsBackOnMirrorFailure(t *testing.T) {
	ctx := newTestContext(t, nil)
	mirror := newFakeMirror()
	ctx.SetMirror(KindChange, mirror)
	background := context.Background()

	id, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Priority: 1})
	require.NoError(t, err)

	mirror.failNext = true
	err = ctx.Suspend(background, testTimeout, id)
	require.Error(t, err)

	suspended, err := ctx.IsSuspended(background, testTimeout, id)
	require.NoError(t, err)
	require.False(t, suspended)
}

func TestIsSuspendedUnknownSubIDReturnsNotFound(t *testing.T) {
	ctx := newTestContext(t, nil)
	_, err := ctx.IsSuspended(context.Background(), testTimeout, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelByCIDRemovesAcrossAllTables(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	_, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, CID: 5})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindNotif, CID: 5})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, CID: 6})
	require.NoError(t, err)

	require.NoError(t, ctx.DelByCID(background, testTimeout, 5))

	changeSubs, err := ctx.Find(background, testTimeout, KindChange)
	require.NoError(t, err)
	require.Len(t, changeSubs, 1)
	require.Equal(t, uint64(6), changeSubs[0].CID)

	notifSubs, err := ctx.Find(background, testTimeout, KindNotif)
	require.NoError(t, err)
	require.Empty(t, notifSubs)
}

func TestFindByDatastoreMatchesWildcardAndExact(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	_, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Datastore: "running"})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, Datastore: "startup"})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindChange}) // wildcard, empty Datastore
	require.NoError(t, err)

	subs, err := ctx.FindByDatastore(background, testTimeout, KindChange, "running")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, s := range subs {
		require.True(t, s.Datastore == "" || s.Datastore == "running")
	}
}

func TestEventPipeProcessEventsTimesOutWithoutAWake(t *testing.T) {
	ctx := newTestContext(t, nil)
	require.NotNil(t, ctx.EventPipe())

	err := ctx.ProcessEvents(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventPipeProcessEventsReturnsAfterWake(t *testing.T) {
	ctx := newTestContext(t, nil)
	require.NoError(t, ctx.EventPipe().Wake())

	err := ctx.ProcessEvents(context.Background(), testTimeout)
	require.NoError(t, err)
}

func TestCountForSessionSpansAllTables(t *testing.T) {
	ctx := newTestContext(t, nil)
	background := context.Background()

	_, err := ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, SessionID: 9})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindRPC, SessionID: 9})
	require.NoError(t, err)
	_, err = ctx.Add(background, testTimeout, &Subscription{Kind: KindChange, SessionID: 10})
	require.NoError(t, err)

	n, err := ctx.CountForSession(background, testTimeout, 9)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
