package shmindex

import "errors"

var (
	// ErrTableFull is returned by Add when every slot already holds a live
	// entry; callers should grow the backing region and Alloc a larger
	// table rather than retry in place.
	ErrTableFull = errors.New("shmindex: table is full")

	// ErrNotFound is returned by Delete when subID has no live entry.
	ErrNotFound = errors.New("shmindex: entry not found")
)
