package subreg

import "errors"

var (
	// ErrExists is returned by Add when an oper-get subscription would
	// duplicate an existing (Path, Priority) pair within the module.
	ErrExists = errors.New("subreg: subscription already exists for path and priority")

	// ErrNotFound is returned by Del when subID is not present in the
	// requested table.
	ErrNotFound = errors.New("subreg: subscription not found")

	// ErrNoEventPipe is returned by ProcessEvents when the context's event
	// pipe failed to allocate at construction time.
	ErrNoEventPipe = errors.New("subreg: no event pipe available")
)
