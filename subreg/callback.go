package subreg

import (
	"context"

	"github.com/sysrepo-go/subcore/errcode"
)

// CallbackEvent is what a subscription's callback receives for one phase of
// one operation (§4.C: every table entry is keyed on "{..., callback,
// session}", and the callback is what the commit engine actually drives).
type CallbackEvent struct {
	Module    string
	Datastore string
	Path      string
	Payload   []byte
	RequestID uint32
}

// CallbackResult is a callback's outcome for one phase.
type CallbackResult struct {
	Code    errcode.ErrorCode
	Payload []byte
}

// CallbackFunc is the application-supplied handler stored on a
// Subscription. phase matches package commit's Phase iota encoding
// (UPDATE=0, CHANGE=1, DONE=2, ABORT=3, ENABLED=4); it is passed as a plain
// int here so subreg never has to import commit, which already imports
// subreg to drive the registry. Without a stored callback, two
// subscriptions of the same kind could never run distinct application
// logic — this field is the actual per-subscription dispatch mechanism;
// commit.Engine only orchestrates the waves around it.
type CallbackFunc func(ctx context.Context, phase int, evt CallbackEvent) (CallbackResult, error)
