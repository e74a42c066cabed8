package liveness

import (
	"context"
	"time"

	"github.com/sysrepo-go/subcore/subreg"
)

// RegistryCleanup builds a Sweeper onDead callback that actually removes a
// dead connection's entries, rather than merely logging them (§4.G: "a
// subsequent publisher call ... removes the dead subscriber's SHM record
// before attempting to wake it" — the sweep path needs the same removal,
// not just a log line, or a dead CID's subscriptions linger in every
// module's registry and SHM mirror until some other caller happens to
// enumerate them). It walks every module mgr currently tracks and deletes
// cid's subscriptions from each, mirroring subreg.SubscriptionContext.DelByCID
// across the whole manager.
func RegistryCleanup(mgr *subreg.Manager, timeout time.Duration) func(cid uint64) {
	return func(cid uint64) {
		ctx := context.Background()
		for _, module := range mgr.Modules() {
			regCtx := mgr.Context(module)
			_ = regCtx.DelByCID(ctx, timeout, cid)
		}
	}
}
