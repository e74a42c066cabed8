package commit

import "errors"

var (
	// ErrAborted is returned when a change or RPC wave was rolled back
	// because a subscriber reported a non-OK code during UPDATE/CHANGE.
	ErrAborted = errors.New("commit: operation aborted by subscriber")

	// ErrNoSubscriber is returned by OperGet when no oper-get subscriber
	// covers the requested path.
	ErrNoSubscriber = errors.New("commit: no subscriber for path")

	// ErrTimedOut is returned when a wave's deadline elapsed before every
	// subscriber in it replied.
	ErrTimedOut = errors.New("commit: wave timed out")

	// ErrStaleChannel is returned by ChannelDeliverer when the channel it is
	// polling was reused for a newer request before a reply for ours
	// arrived.
	ErrStaleChannel = errors.New("commit: channel reused for a newer request")
)
