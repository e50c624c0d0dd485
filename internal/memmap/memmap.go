// Package memmap tracks the set of guest-physical regions backed by host
// memory for a single environment: which ranges are mapped, to what host
// allocation, with what protection, and rejects anything that would overlap
// an existing mapping or run off the end of the guest address space.
package memmap

import (
	"fmt"
	"sync"

	"github.com/go-ivee/ivee/internal/hostmem"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift

	// LastGPA is the highest representable guest physical address
	// (2^64 - 1); a region's [gpa, gpa+length) must not wrap past it.
	LastGPA = ^uint64(0)
)

// GFN is a guest frame number: a guest physical address divided by the page
// size. Regions are tracked and compared by their GFN range rather than raw
// byte addresses so overlap checks are exact regardless of region length.
type GFN uint64

// Prot is the protection the guest observes for a region. It does not affect
// the host's own access to the backing memory (see hostmem.Region.ReadOnly).
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Region is one mapped, non-overlapping span of guest physical memory.
type Region struct {
	FirstGFN GFN
	LastGFN  GFN // inclusive
	Prot     Prot
	Host     *hostmem.Region

	// HostOffset is the byte offset into Host.Bytes() where this region's
	// backing memory begins. A single Host allocation may back exactly
	// one Region in this implementation, so HostOffset is always 0 today,
	// but is carried so a future shared-allocation mapping can reuse the
	// same Region shape.
	HostOffset uint64
}

// Length returns the region's length in bytes.
func (r *Region) Length() uint64 {
	return (uint64(r.LastGFN) - uint64(r.FirstGFN) + 1) << pageShift
}

// GPA returns the region's starting guest physical address.
func (r *Region) GPA() uint64 {
	return uint64(r.FirstGFN) << pageShift
}

// Map is the set of all guest memory regions for one environment.
type Map struct {
	mu      sync.Mutex
	regions []*Region
}

// New returns an empty memory map.
func New() *Map {
	return &Map{}
}

// Insert adds a host-backed region at guest physical address gpa spanning
// length bytes (rounded up to a page), returning an error if it overlaps an
// existing region or would overflow the guest address space. On success the
// Map takes ownership of one reference to host (the caller's Acquire, if any,
// is consumed by the eventual Close/Remove of the returned Region).
func (m *Map) Insert(gpa uint64, length uint64, host *hostmem.Region, prot Prot) (*Region, error) {
	if host == nil {
		return nil, fmt.Errorf("memmap: nil host region")
	}
	if length == 0 {
		return nil, fmt.Errorf("memmap: zero-length region")
	}

	aligned := alignUp(length, pageSize)

	if LastGPA-gpa < aligned-1 {
		return nil, fmt.Errorf("memmap: region [0x%x, +0x%x) overflows guest address space", gpa, length)
	}

	firstGFN := GFN(gpa >> pageShift)
	lastGFN := GFN((gpa + aligned - 1) >> pageShift)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if firstGFN <= r.LastGFN && lastGFN >= r.FirstGFN {
			return nil, fmt.Errorf("memmap: region [gfn 0x%x, 0x%x] overlaps existing region [0x%x, 0x%x]",
				firstGFN, lastGFN, r.FirstGFN, r.LastGFN)
		}
	}

	region := &Region{
		FirstGFN: firstGFN,
		LastGFN:  lastGFN,
		Prot:     prot,
		Host:     host,
	}
	m.regions = append(m.regions, region)
	return region, nil
}

// Remove unmaps a region previously returned by Insert, releasing its host
// reference. It is a no-op if the region is not present (double-Remove is
// tolerated the way ivee_unmap_host_memory tolerates a nil region).
func (m *Map) Remove(region *Region) error {
	if region == nil {
		return nil
	}

	m.mu.Lock()
	idx := -1
	for i, r := range m.regions {
		if r == region {
			idx = i
			break
		}
	}
	if idx >= 0 {
		m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	}
	m.mu.Unlock()

	if idx < 0 {
		return nil
	}
	return region.Host.Release()
}

// Regions returns a snapshot of the currently mapped regions in insertion
// order, which install_memory_map-style callers rely on as KVM memory slot
// assignment order.
func (m *Map) Regions() []*Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Close unmaps every region, releasing all host references. Errors from
// individual releases are collected but do not stop the sweep — every
// region must be attempted.
func (m *Map) Close() error {
	m.mu.Lock()
	regions := m.regions
	m.regions = nil
	m.mu.Unlock()

	var firstErr error
	for _, r := range regions {
		if err := r.Host.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func alignUp(v, align uint64) uint64 {
	mask := align - 1
	return (v + mask) &^ mask
}
