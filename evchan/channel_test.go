package evchan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysrepo-go/subcore/errcode"
)

func TestNameBuildsExpectedTopicString(t *testing.T) {
	require.Equal(t, "acme.running.change.sub", Name("acme", "running", "change"))
}

func TestPublishAndPayloadRoundTrip(t *testing.T) {
	ch, err := Open(t.TempDir(), "topic.sub", 64, 2)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish([]byte("hello"), []uint32{1, 2}, 7, 3, 100, 200))
	require.Equal(t, []byte("hello"), ch.Payload())
	require.Equal(t, stateDelivering, ch.State())
	require.Equal(t, uint32(7), ch.RequestID())
	require.Equal(t, uint32(3), ch.Priority())
	require.Equal(t, uint64(100), ch.OrigCID())
	require.Equal(t, uint64(200), ch.OrigSID())
}

func TestWriteReplyAndReplies(t *testing.T) {
	ch, err := Open(t.TempDir(), "topic.sub", 64, 2)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish([]byte("x"), []uint32{10, 20}, 1, 0, 0, 0))
	require.NoError(t, ch.WriteReply(10, 1, errcode.OK))
	require.NoError(t, ch.WriteReply(20, 1, errcode.OperationFailed))

	replies := ch.Replies()
	require.Len(t, replies, 2)
	byID := map[uint32]errcode.ErrorCode{}
	for _, r := range replies {
		byID[r.SubID] = r.Code
	}
	require.Equal(t, errcode.OK, byID[10])
	require.Equal(t, errcode.OperationFailed, byID[20])
}

func TestWriteReplyUnknownSubscriber(t *testing.T) {
	ch, err := Open(t.TempDir(), "topic.sub", 64, 1)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish([]byte("x"), []uint32{1}, 1, 0, 0, 0))
	err = ch.WriteReply(999, 1, errcode.OK)
	require.ErrorIs(t, err, ErrUnknownSubscriber)
}

func TestWriteReplyRejectsStaleRequest(t *testing.T) {
	ch, err := Open(t.TempDir(), "topic.sub", 64, 1)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish([]byte("x"), []uint32{1}, 1, 0, 0, 0))
	require.NoError(t, ch.Publish([]byte("y"), []uint32{1}, 2, 0, 0, 0))

	err = ch.WriteReply(1, 1, errcode.OK)
	require.ErrorIs(t, err, ErrStaleRequest)

	require.NoError(t, ch.WriteReply(1, 2, errcode.OK))
}

func TestMarkDoneTransitionsState(t *testing.T) {
	ch, err := Open(t.TempDir(), "topic.sub", 64, 1)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish([]byte("x"), []uint32{1}, 1, 0, 0, 0))
	ch.MarkDone()
	require.Equal(t, stateDone, ch.State())
}

func TestPublishGrowsWhenPayloadExceedsInitialSize(t *testing.T) {
	ch, err := Open(filepath.Join(t.TempDir()), "topic.sub", 8, 1)
	require.NoError(t, err)
	defer ch.Close()

	big := make([]byte, 1024)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, ch.Publish(big, []uint32{1}, 1, 0, 0, 0))
	require.Equal(t, big, ch.Payload())
}
