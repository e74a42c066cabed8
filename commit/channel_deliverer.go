package commit

import (
	"context"
	"time"

	"github.com/sysrepo-go/subcore/errcode"
	"github.com/sysrepo-go/subcore/evchan"
	"github.com/sysrepo-go/subcore/eventpipe"
	"github.com/sysrepo-go/subcore/subreg"
)

// ChannelSet resolves the evchan.Channel a given (module, kind) pair
// publishes on; callers wire it to however they manage channel lifetime
// (typically one Channel per module/datastore/kind, created on first
// subscription).
type ChannelSet interface {
	Channel(module string, kind subreg.Kind) (*evchan.Channel, error)
}

// ChannelDeliverer implements Deliverer over evchan: it publishes the event
// on the subscriber's channel, wakes it through an eventpipe.Pipe, then
// polls the reply slot for that subscriber's code until it appears or the
// context is done. This is the cross-process transport; a same-process
// subscriber can instead be invoked directly through a Deliverer that
// calls its callback function, bypassing SHM entirely — the Engine does
// not care which Deliverer it is given.
type ChannelDeliverer struct {
	Channels ChannelSet
	Wake     *eventpipe.Pipe
	PollTick time.Duration
}

// Deliver satisfies the Deliverer signature.
func (cd *ChannelDeliverer) Deliver(ctx context.Context, sub *subreg.Subscription, phase Phase, evt Event) (Result, error) {
	ch, err := cd.Channels.Channel(evt.Module, sub.Kind)
	if err != nil {
		return Result{}, err
	}

	if err := ch.Publish(evt.Payload, []uint32{sub.SubID}, evt.RequestID, uint32(sub.Priority), sub.CID, sub.SessionID); err != nil {
		return Result{}, err
	}
	if cd.Wake != nil {
		_ = cd.Wake.Wake()
	}

	tick := cd.PollTick
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
			// A channel whose stamped request_id has moved on from ours was
			// reused for a newer delivery before we observed a reply; our
			// own request is stale and will never be answered on this
			// channel (§4.E).
			if ch.RequestID() != evt.RequestID {
				return Result{}, ErrStaleChannel
			}
			for _, reply := range ch.Replies() {
				if reply.SubID != sub.SubID {
					continue
				}
				if reply.Code == errcode.CallbackShelve {
					continue // subscriber asked to be re-polled, not yet a final answer
				}
				return Result{Code: reply.Code, Payload: ch.Payload()}, nil
			}
		}
	}
}
