package shmlock

import "errors"

// ErrTimeout is returned by any acquisition call that exceeds its timeout,
// mapped to errcode.TimeOut at the package boundary.
var ErrTimeout = errors.New("shmlock: timed out acquiring lock")

// ErrOrderViolation is returned by Tracker.Enter when the acquisition-order
// ladder would be violated.
var ErrOrderViolation = errors.New("shmlock: lock acquisition order violation")
