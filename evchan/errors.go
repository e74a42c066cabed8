package evchan

import "errors"

// ErrUnknownSubscriber is returned by WriteReply when subID was not part
// of the current delivery's reply slots.
var ErrUnknownSubscriber = errors.New("evchan: subscriber not part of current delivery")

// ErrStaleRequest is returned by WriteReply when the channel has already
// been reused for a newer request than the one the caller is replying to.
var ErrStaleRequest = errors.New("evchan: reply targets a stale request")
