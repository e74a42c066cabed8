package commit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysrepo-go/subcore/errcode"
	"github.com/sysrepo-go/subcore/evchan"
	"github.com/sysrepo-go/subcore/eventpipe"
	"github.com/sysrepo-go/subcore/subreg"
)

type fakeChannelSet struct {
	ch *evchan.Channel
}

func (s *fakeChannelSet) Channel(module string, kind subreg.Kind) (*evchan.Channel, error) {
	return s.ch, nil
}

func TestChannelDelivererRoundTripsAReply(t *testing.T) {
	ch, err := evchan.Open(t.TempDir(), "acme.running.change.sub", 64, 1)
	require.NoError(t, err)
	defer ch.Close()

	pipe, err := eventpipe.New()
	require.NoError(t, err)
	defer pipe.Close()

	deliverer := &ChannelDeliverer{
		Channels: &fakeChannelSet{ch: ch},
		Wake:     pipe,
		PollTick: time.Millisecond,
	}

	sub := &subreg.Subscription{SubID: 7, Kind: subreg.KindChange}

	// Simulate the subscriber's own process writing its reply shortly
	// after the publish, the way a real subscriber would upon waking.
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = ch.WriteReply(7, 42, errcode.OK)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := deliverer.Deliver(ctx, sub, PhaseUpdate, Event{Module: "acme", Path: "/x", Payload: []byte("evt"), RequestID: 42})
	require.NoError(t, err)
	require.Equal(t, errcode.OK, res.Code)
	require.Equal(t, []byte("evt"), res.Payload)
}

func TestChannelDelivererTimesOutWithoutReply(t *testing.T) {
	ch, err := evchan.Open(t.TempDir(), "acme.running.change.sub", 64, 1)
	require.NoError(t, err)
	defer ch.Close()

	deliverer := &ChannelDeliverer{Channels: &fakeChannelSet{ch: ch}, PollTick: time.Millisecond}
	sub := &subreg.Subscription{SubID: 1, Kind: subreg.KindChange}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = deliverer.Deliver(ctx, sub, PhaseUpdate, Event{Module: "acme"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
