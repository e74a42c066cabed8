package commit

import (
	"context"

	"github.com/sysrepo-go/subcore/subreg"
)

// Phase names a step in a subscriber's state machine for one delivery
// (§4.F: "UPDATE/CHANGE/DONE/ABORT state machine"). Not every operation
// uses every phase: oper-get uses PhaseUpdate alone (single
// request/reply), RPC uses PhaseUpdate plus PhaseAbort to unwind on
// failure, notifications use PhaseDone alone (pure broadcast),
// changes use the full ENABLED (subscribe-time only) -> UPDATE (opt-in) ->
// CHANGE -> DONE sequence, with ABORT reachable from UPDATE or CHANGE on
// any subscriber's failure.
type Phase int

const (
	PhaseUpdate Phase = iota
	PhaseChange
	PhaseDone
	PhaseAbort
	// PhaseEnabled is the synchronous, subscribe-time-only delivery of
	// current data to a change subscriber that opted in via
	// subreg.SubOpts.Enabled (§4.F: "sent synchronously during subscribe
	// with the current data; failure there aborts the subscribe call").
	PhaseEnabled
)

func (p Phase) String() string {
	switch p {
	case PhaseUpdate:
		return "UPDATE"
	case PhaseChange:
		return "CHANGE"
	case PhaseDone:
		return "DONE"
	case PhaseAbort:
		return "ABORT"
	case PhaseEnabled:
		return "ENABLED"
	default:
		return "UNKNOWN"
	}
}

// Event is what gets delivered to a subscriber for one phase of one
// operation. It is a type alias for subreg.CallbackEvent: a
// subreg.Subscription stores a subreg.CallbackFunc directly, and that
// callback must accept exactly what Engine builds for its Deliverer
// fallback path, so the two packages share one vocabulary rather than
// converting between look-alike structs at every call site.
type Event = subreg.CallbackEvent

// Result is a subscriber's outcome for one phase, aliased for the same
// reason as Event.
type Result = subreg.CallbackResult

// Deliverer invokes a single subscriber's callback for one phase and
// reports its outcome. The engine is transport-agnostic: a Deliverer may
// call a same-process Go function directly, or publish to the
// subscriber's evchan.Channel and poll its reply slot — either satisfies
// the same contract, so the wave/abort state machine in Engine never
// needs to know which.
type Deliverer func(ctx context.Context, sub *subreg.Subscription, phase Phase, evt Event) (Result, error)

// wave groups same-priority subscriptions delivered concurrently, per
// §4.F's "priority-wave delivery": every subscriber in one wave runs
// before the next (lower-priority) wave begins.
func waves(subs []*subreg.Subscription) [][]*subreg.Subscription {
	var out [][]*subreg.Subscription
	for i := 0; i < len(subs); {
		j := i + 1
		for j < len(subs) && subs[j].Priority == subs[i].Priority {
			j++
		}
		out = append(out, subs[i:j])
		i = j
	}
	return out
}
