// Package shmindex implements §4.D: a mirror of the in-process
// subscription registry (package subreg) written into the ext SHM region so
// other processes attached to the same datastore can see subscriptions
// they did not themselves register, without talking to the registering
// process. One fixed-size table per (module, kind) holds the entries that
// matter to another process deciding where to deliver an event: sub id,
// owning CID, priority, and an offset into the same region's string heap
// for the subscribed path.
package shmindex

import (
	"encoding/binary"
	"fmt"

	"github.com/sysrepo-go/subcore/shm"
)

// entrySize is {sub_id:u32, cid:u64, priority:i32, path_off:u64,
// path_len:u32, tombstone:u32, suspended:u32, event_pipe_id:u32} (§4.D's
// record layout: suspended and event_pipe_id let another process skip a
// suspended subscriber and find its wake descriptor without asking the
// owning process).
const entrySize = 40

// Table is the SHM-resident mirror for one (module, kind) pair: a header
// recording the slot count, followed by entrySize-byte slots.
type Table struct {
	region   *shm.Region
	baseOff  shm.Offset
	capacity int
}

// header: {count:u32, capacity:u32}
const tableHeaderSize = 8

// Open attaches to an existing table of capacity slots at baseOff within
// region, without allocating or initializing anything; the caller keeps
// track of baseOff itself (e.g. in a small directory structure in the main
// SHM module record); shmindex only manages the slots once given a location.
func Open(region *shm.Region, baseOff shm.Offset, capacity int) *Table {
	return &Table{region: region, baseOff: baseOff, capacity: capacity}
}

// Alloc reserves fresh space for a new table of capacity slots from
// region's bump allocator and returns it ready to use.
func Alloc(region *shm.Region, capacity int) (*Table, error) {
	off, err := region.Alloc(tableHeaderSize + capacity*entrySize)
	if err != nil {
		return nil, err
	}
	t := &Table{region: region, baseOff: off, capacity: capacity}
	if err := t.writeHeader(0); err != nil {
		return nil, err
	}
	for i := 0; i < capacity; i++ {
		b, err := region.At(t.slotOffset(i), entrySize)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(b[28:32], 1) // tombstone = free
	}
	return t, nil
}

func (t *Table) slotOffset(i int) shm.Offset {
	return t.baseOff + tableHeaderSize + shm.Offset(i*entrySize)
}

func (t *Table) writeHeader(count uint32) error {
	b, err := t.region.At(t.baseOff, tableHeaderSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[0:4], count)
	binary.LittleEndian.PutUint32(b[4:8], uint32(t.capacity))
	return nil
}

func (t *Table) readCount() (uint32, error) {
	b, err := t.region.At(t.baseOff, tableHeaderSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[0:4]), nil
}

// Entry is one mirrored subscription.
type Entry struct {
	SubID       uint32
	CID         uint64
	Priority    int32
	Path        string
	Suspended   bool
	EventPipeID uint32
}

func (t *Table) writeEntry(i int, e Entry, pathOff shm.Offset) error {
	b, err := t.region.At(t.slotOffset(i), entrySize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[0:4], e.SubID)
	binary.LittleEndian.PutUint64(b[4:12], e.CID)
	binary.LittleEndian.PutUint32(b[12:16], uint32(int32(e.Priority)))
	binary.LittleEndian.PutUint64(b[16:24], uint64(pathOff))
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(e.Path)))
	binary.LittleEndian.PutUint32(b[28:32], 0) // tombstone = live
	var suspended uint32
	if e.Suspended {
		suspended = 1
	}
	binary.LittleEndian.PutUint32(b[32:36], suspended)
	binary.LittleEndian.PutUint32(b[36:40], e.EventPipeID)
	return nil
}

func (t *Table) readEntry(i int) (Entry, bool, error) {
	b, err := t.region.At(t.slotOffset(i), entrySize)
	if err != nil {
		return Entry{}, false, err
	}
	tombstone := binary.LittleEndian.Uint32(b[28:32])
	if tombstone != 0 {
		return Entry{}, false, nil
	}
	subID := binary.LittleEndian.Uint32(b[0:4])
	cid := binary.LittleEndian.Uint64(b[4:12])
	priority := int32(binary.LittleEndian.Uint32(b[12:16]))
	pathOff := shm.Offset(binary.LittleEndian.Uint64(b[16:24]))
	pathLen := binary.LittleEndian.Uint32(b[24:28])
	pathBytes, err := t.region.At(pathOff, int(pathLen))
	if err != nil {
		return Entry{}, false, err
	}
	path := string(pathBytes)
	suspended := binary.LittleEndian.Uint32(b[32:36]) != 0
	eventPipeID := binary.LittleEndian.Uint32(b[36:40])
	return Entry{SubID: subID, CID: cid, Priority: priority, Path: path, Suspended: suspended, EventPipeID: eventPipeID}, true, nil
}

// SetSuspended updates the suspended flag on the live slot holding subID,
// in place — the slot's position and tombstone state are unaffected.
func (t *Table) SetSuspended(subID uint32, suspended bool) error {
	for i := 0; i < t.capacity; i++ {
		entry, live, err := t.readEntry(i)
		if err != nil {
			return err
		}
		if !live || entry.SubID != subID {
			continue
		}
		b, err := t.region.At(t.slotOffset(i), entrySize)
		if err != nil {
			return err
		}
		var v uint32
		if suspended {
			v = 1
		}
		binary.LittleEndian.PutUint32(b[32:36], v)
		return nil
	}
	return ErrNotFound
}

// Add mirrors e into the first free slot, allocating string-heap space for
// its path. If the table is full, Add returns ErrTableFull before
// allocating anything, so no path bytes or partial slot are left behind.
func (t *Table) Add(e Entry) error {
	for i := 0; i < t.capacity; i++ {
		_, live, err := t.readEntry(i)
		if err != nil {
			return err
		}
		if live {
			continue
		}
		var pathOff shm.Offset
		if len(e.Path) > 0 {
			off, err := t.region.Alloc(len(e.Path))
			if err != nil {
				return fmt.Errorf("shmindex: alloc path: %w", err)
			}
			pathOff = off
			b, err := t.region.At(off, len(e.Path))
			if err != nil {
				return err
			}
			copy(b, e.Path)
		}
		if err := t.writeEntry(i, e, pathOff); err != nil {
			return err
		}
		count, err := t.readCount()
		if err != nil {
			return err
		}
		return t.writeHeader(count + 1)
	}
	return ErrTableFull
}

// Delete tombstones the slot holding subID, swap-with-last against the
// highest live slot so the table stays dense (§4.D mirrors §4.C's
// swap-with-last discipline).
func (t *Table) Delete(subID uint32) error {
	target := -1
	last := -1
	for i := 0; i < t.capacity; i++ {
		entry, live, err := t.readEntry(i)
		if err != nil {
			return err
		}
		if !live {
			continue
		}
		last = i
		if entry.SubID == subID {
			target = i
		}
	}
	if target < 0 {
		return ErrNotFound
	}
	if target != last {
		entry, _, err := t.readEntry(last)
		if err != nil {
			return err
		}
		b, err := t.region.At(t.slotOffset(last), entrySize)
		if err != nil {
			return err
		}
		pathOff := shm.Offset(binary.LittleEndian.Uint64(b[16:24]))
		if err := t.writeEntry(target, entry, pathOff); err != nil {
			return err
		}
	}
	lastBytes, err := t.region.At(t.slotOffset(last), entrySize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(lastBytes[28:32], 1) // tombstone

	count, err := t.readCount()
	if err != nil {
		return err
	}
	return t.writeHeader(count - 1)
}

// All returns every live entry in the table, for parity checks against the
// in-process registry.
func (t *Table) All() ([]Entry, error) {
	var out []Entry
	for i := 0; i < t.capacity; i++ {
		e, live, err := t.readEntry(i)
		if err != nil {
			return nil, err
		}
		if live {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns the number of live entries as recorded in the header.
func (t *Table) Count() (uint32, error) {
	return t.readCount()
}
