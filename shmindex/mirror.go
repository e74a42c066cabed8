package shmindex

import "github.com/sysrepo-go/subcore/subreg"

// TableMirror adapts a Table to satisfy subreg.Mirror, letting
// subreg.SubscriptionContext.SetMirror wire a real SHM-resident mirror
// without subreg ever importing this package (§3: "a subscription appears
// in SHM iff it appears in the registry; the two are transitioned
// atomically" — this is the one real implementation of that invariant).
type TableMirror struct {
	Table *Table
}

func (m TableMirror) Add(e subreg.MirrorEntry) error {
	return m.Table.Add(Entry{
		SubID:       e.SubID,
		CID:         e.CID,
		Priority:    e.Priority,
		Path:        e.Path,
		Suspended:   e.Suspended,
		EventPipeID: e.EventPipeID,
	})
}

func (m TableMirror) Delete(subID uint32) error {
	return m.Table.Delete(subID)
}

func (m TableMirror) SetSuspended(subID uint32, suspended bool) error {
	return m.Table.SetSuspended(subID, suspended)
}
