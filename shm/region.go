// Package shm implements the process-shared memory layout described in
// §4.A: file-backed mmap regions addressed by offset rather than pointer,
// so a cached address stays meaningful after another process remaps the
// region following growth. The mmap recipe (open, truncate, syscall.Mmap,
// atomic access via unsafe.Pointer) is the one demonstrated for a seqlock
// ring buffer in the retrieval pack; subcore reuses it for every SHM-backed
// structure: the main/ext regions here and the per-topic event channels in
// package evchan.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// Offset addresses a location within a Region by byte offset, never by Go
// pointer, so the address survives a Remap after growth.
type Offset uint64

// magic is the 16-byte file header every region and channel file starts
// with: {"SRV1", version:u32, endian:u32, page_size:u32}.
const (
	magicString = "SRV1"
	magicSize   = 16
	formatVersion = 1
)

var nativeEndian = func() binary.ByteOrder {
	var x uint16 = 1
	b := (*[2]byte)(ptrOf(&x))
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// Region is one file-backed, process-shared mmap segment.
type Region struct {
	mu         sync.RWMutex
	file       *os.File
	path       string
	data       []byte
	generation uint32
	nextFree   uint64 // bump allocator cursor past the magic header
}

// Create opens (creating if necessary) the file at path, truncates it to at
// least size bytes, writes the magic header if the file is new, and mmaps
// it MAP_SHARED so the region is visible to any other process mapping the
// same path.
func Create(path string, size int) (*Region, error) {
	if size < magicSize {
		size = magicSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	isNew := info.Size() == 0
	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	r := &Region{file: f, path: path, data: data, nextFree: magicSize}
	if isNew {
		r.writeMagic()
	} else if err := r.checkMagic(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Region) writeMagic() {
	copy(r.data[0:4], magicString)
	nativeEndian.PutUint32(r.data[4:8], formatVersion)
	endianTag := uint32(0)
	if nativeEndian == binary.BigEndian {
		endianTag = 1
	}
	nativeEndian.PutUint32(r.data[8:12], endianTag)
	nativeEndian.PutUint32(r.data[12:16], uint32(os.Getpagesize()))
}

func (r *Region) checkMagic() error {
	if string(r.data[0:4]) != magicString {
		return fmt.Errorf("shm: %s: %w", r.path, ErrUnsupportedMagic)
	}
	return nil
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Size returns the current mapped size in bytes.
func (r *Region) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Generation returns the remap generation counter; callers cache it
// alongside any Offset they hold and compare on next access (§4.A).
func (r *Region) Generation() uint32 {
	return atomic.LoadUint32(&r.generation)
}

// Bytes returns the raw backing slice for offset-relative access. Callers
// must not retain it across a Grow.
func (r *Region) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data
}

// At returns a byte slice of length n starting at off, validated against
// the current mapping size.
func (r *Region) At(off Offset, n int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	end := uint64(off) + uint64(n)
	if end > uint64(len(r.data)) {
		return nil, ErrOffsetOutOfRange
	}
	return r.data[off : uint64(off)+uint64(n)], nil
}

// Alloc reserves n bytes from the ext-SHM bump allocator, growing the
// region (power-of-two) if it would overflow, and returns the offset of
// the reservation. Mirrors "ext SHM: variable-length arrays referenced by
// offsets stored in main SHM" (§4.A).
func (r *Region) Alloc(n int) (Offset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	need := r.nextFree + uint64(n)
	if need > uint64(len(r.data)) {
		if err := r.growLocked(need); err != nil {
			return 0, err
		}
	}
	off := Offset(r.nextFree)
	r.nextFree += uint64(n)
	return off, nil
}

// Grow grows the region to at least minSize bytes (next power of two),
// remapping under the region's write lock and bumping the generation
// counter so peers re-map lazily on next access (§4.A).
func (r *Region) Grow(minSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.growLocked(uint64(minSize))
}

func (r *Region) growLocked(minSize uint64) error {
	newSize := nextPowerOfTwo(minSize)
	if newSize <= uint64(len(r.data)) {
		return nil
	}
	if err := syscall.Munmap(r.data); err != nil {
		return fmt.Errorf("shm: munmap %s: %w", r.path, err)
	}
	if err := r.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("shm: truncate %s: %w", r.path, err)
	}
	data, err := syscall.Mmap(int(r.file.Fd()), 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: remap %s: %w", r.path, err)
	}
	r.data = data
	atomic.AddUint32(&r.generation, 1)
	return nil
}

// Close unmaps the region and closes the backing file.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := syscall.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}

// Unlink removes the backing file of a channel or region; a file that is
// already gone is not an error.
func Unlink(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func nextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}
