package subreg

// MirrorEntry carries the subset of a Subscription's fields an external SHM
// mirror needs to reconstruct it for another process (§4.D).
type MirrorEntry struct {
	SubID       uint32
	CID         uint64
	Priority    int32
	Path        string
	Suspended   bool
	EventPipeID uint32
}

// Mirror keeps an external, SHM-resident copy of a module's subscription
// table in lockstep with the in-process registry, per §3's invariant "a
// subscription appears in SHM iff it appears in the registry; the two are
// transitioned atomically" and §4.D's "Add and delete always take the
// relevant per-kind write lock and update registry and SHM together;
// failure to update SHM rolls back the registry side." subreg owns no
// mirror implementation itself — shmindex.Table (adapted through
// shmindex.TableMirror) is the one real implementation — so this package
// never has to import shmindex.
type Mirror interface {
	Add(e MirrorEntry) error
	Delete(subID uint32) error
	SetSuspended(subID uint32, suspended bool) error
}
