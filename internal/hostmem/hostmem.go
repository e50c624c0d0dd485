// Package hostmem manages host-backed memory regions that are mapped into a
// guest's physical address space. A Region may be shared between multiple
// guest mappings (the identity-mapped page tables and the loaded image both
// point at host allocations that outlive any single mapping), so lifetime is
// refcounted rather than owned by a single caller.
package hostmem

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const pageSize = 0x1000

// Region is a host memory allocation, backed either by an anonymous
// MAP_PRIVATE mapping (the page tables) or a MAP_SHARED file mapping (a
// loaded executable image). It is reference counted: Acquire/Release let
// several guest memory regions reference the same host allocation, with the
// host mapping only torn down once the last reference is released.
type Region struct {
	data     []byte
	refcount atomic.Int64
	readOnly bool
}

// NewAnonymous allocates zero-filled, read-write host memory of the given
// length, page-aligning the length up as needed. Used for the
// identity-mapped page tables built by the pagetable package.
func NewAnonymous(length uint64) (*Region, error) {
	if length == 0 {
		return nil, fmt.Errorf("hostmem: zero-length allocation")
	}

	aligned := alignUp(length, pageSize)

	data, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap anonymous: %w", err)
	}

	// Best-effort: KSM candidacy isn't load-bearing for correctness.
	_ = unix.Madvise(data, unix.MADV_MERGEABLE)

	r := &Region{data: data}
	r.refcount.Store(1)
	return r, nil
}

// NewFromFile maps an open, regular file read-only into host memory. It is
// used to back a loaded flat binary image: the guest never writes to its own
// text, so the mapping is host-read-only and backed by the page cache rather
// than a private copy.
func NewFromFile(fd int, length uint64) (*Region, error) {
	if length == 0 {
		return nil, fmt.Errorf("hostmem: zero-length file mapping")
	}

	aligned := alignUp(length, pageSize)

	data, err := unix.Mmap(fd, 0, int(aligned), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap file: %w", err)
	}

	r := &Region{data: data, readOnly: true}
	r.refcount.Store(1)
	return r, nil
}

// Acquire adds a reference to r, returning r itself so callers can chain
// acquisition into a store operation.
func (r *Region) Acquire() *Region {
	if r.refcount.Add(1) <= 1 {
		panic("hostmem: Acquire on a region with no remaining references")
	}
	return r
}

// Release drops a reference, unmapping the host allocation once the count
// reaches zero. Safe to call from any goroutine; callers must not use r
// after the reference they are releasing was their last one.
func (r *Region) Release() error {
	remaining := r.refcount.Add(-1)
	if remaining > 0 {
		return nil
	}
	if remaining < 0 {
		panic("hostmem: Release without a matching Acquire")
	}
	return unix.Munmap(r.data)
}

// Len returns the page-aligned length of the host mapping.
func (r *Region) Len() uint64 { return uint64(len(r.data)) }

// ReadOnly reports whether the mapping was established as host-read-only
// (true for file-backed image mappings).
func (r *Region) ReadOnly() bool { return r.readOnly }

// Bytes returns the backing slice. Callers must not retain it past a
// Release that drops the refcount to zero.
func (r *Region) Bytes() []byte { return r.data }

func alignUp(v, align uint64) uint64 {
	mask := align - 1
	return (v + mask) &^ mask
}
