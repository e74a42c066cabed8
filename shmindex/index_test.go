package shmindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysrepo-go/subcore/shm"
)

func newTestRegion(t *testing.T) *shm.Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ext.sr")
	r, err := shm.Create(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAddAndAllRoundTripsEntries(t *testing.T) {
	region := newTestRegion(t)
	table, err := Alloc(region, 8)
	require.NoError(t, err)

	require.NoError(t, table.Add(Entry{SubID: 1, CID: 100, Priority: 5, Path: "/a"}))
	require.NoError(t, table.Add(Entry{SubID: 2, CID: 200, Priority: 1, Path: "/b"}))

	entries, err := table.All()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[uint32]Entry{}
	for _, e := range entries {
		byID[e.SubID] = e
	}
	require.Equal(t, "/a", byID[1].Path)
	require.Equal(t, "/b", byID[2].Path)
}

func TestAddReturnsTableFullWhenExhausted(t *testing.T) {
	region := newTestRegion(t)
	table, err := Alloc(region, 1)
	require.NoError(t, err)

	require.NoError(t, table.Add(Entry{SubID: 1}))
	err = table.Add(Entry{SubID: 2})
	require.ErrorIs(t, err, ErrTableFull)
}

func TestDeleteSwapsWithLastAndUpdatesCount(t *testing.T) {
	region := newTestRegion(t)
	table, err := Alloc(region, 8)
	require.NoError(t, err)

	require.NoError(t, table.Add(Entry{SubID: 1, Path: "/a"}))
	require.NoError(t, table.Add(Entry{SubID: 2, Path: "/b"}))
	require.NoError(t, table.Add(Entry{SubID: 3, Path: "/c"}))

	require.NoError(t, table.Delete(2))

	count, err := table.Count()
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)

	entries, err := table.All()
	require.NoError(t, err)
	ids := map[uint32]bool{}
	for _, e := range entries {
		ids[e.SubID] = true
	}
	require.True(t, ids[1])
	require.True(t, ids[3])
	require.False(t, ids[2])
}

func TestDeleteUnknownReturnsNotFound(t *testing.T) {
	region := newTestRegion(t)
	table, err := Alloc(region, 4)
	require.NoError(t, err)
	err = table.Delete(999)
	require.ErrorIs(t, err, ErrNotFound)
}
