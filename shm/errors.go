package shm

import (
	"errors"
	"unsafe"
)

var (
	// ErrUnsupportedMagic is returned when an existing region/channel file's
	// header does not match the format this build writes (§7: UNSUPPORTED).
	ErrUnsupportedMagic = errors.New("shm: unrecognized file header")

	// ErrOffsetOutOfRange is returned by At when off+n exceeds the current
	// mapping; callers should re-fetch Generation and retry after a remap.
	ErrOffsetOutOfRange = errors.New("shm: offset out of mapped range")
)

// ptrOf is the single unsafe.Pointer conversion point used to probe native
// byte order; isolated here so the package's one unsafe cast is easy to
// audit, matching the narrow, explicit unsafe usage shown in the retrieval
// pack's seqlock ring buffer.
func ptrOf(p *uint16) unsafe.Pointer {
	return unsafe.Pointer(p)
}
