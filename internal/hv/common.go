// Package hv defines the abstract hypervisor backend contract the monitor
// drives: create a single-vCPU VM, install a guest memory map, load and
// store the vCPU's x86 architectural state, and run until the next exit the
// monitor cares about. internal/hv/kvm is the only production backend
// (Linux /dev/kvm); internal/hv/simbackend is a pure-Go stand-in used by
// tests that don't need real virtualization.
package hv

import (
	"errors"
	"fmt"

	"github.com/go-ivee/ivee/internal/x86boot"
)

var (
	// ErrUnsupported is returned by Probe when the host cannot satisfy the
	// minimum backend contract (one vCPU, 16 memory slots).
	ErrUnsupported = errors.New("hv: backend unsupported on this host")
)

// IODirection is the direction of a port I/O exit.
type IODirection int

const (
	IORead IODirection = iota
	IOWrite
)

func (d IODirection) String() string {
	if d == IOWrite {
		return "write"
	}
	return "read"
}

// IOExit carries the detail of an Exit whose Kind is ExitKindIO.
type IOExit struct {
	Port      uint16
	Size      int // 1, 2, or 4
	Direction IODirection
	Data      uint32 // zero-padded to 32 bits regardless of Size
}

// ExitKind tags the variant carried by an Exit.
type ExitKind int

const (
	ExitKindUnknown ExitKind = iota
	ExitKindIO
)

// Exit is the tagged union a backend's Run returns: either a decoded I/O
// port access, or Unknown for every other exit reason. The monitor never
// sees raw backend-specific exit codes above this abstraction.
type Exit struct {
	Kind ExitKind
	IO   IOExit
}

func (e Exit) String() string {
	switch e.Kind {
	case ExitKindIO:
		return fmt.Sprintf("IO{port=0x%x, size=%d, dir=%s, data=0x%x}", e.IO.Port, e.IO.Size, e.IO.Direction, e.IO.Data)
	default:
		return "Unknown"
	}
}

// MemorySlot is one entry a backend installs into its memory slot table:
// a contiguous guest-physical range backed by host memory.
type MemorySlot struct {
	GuestPhysAddr uint64
	Size          uint64
	HostMemory    []byte
	ReadOnly      bool
}

// VirtualCPU is the single vCPU owned by a VirtualMachine.
type VirtualCPU interface {
	// LoadState pushes the full x86 architectural snapshot into the vCPU.
	LoadState(state x86boot.State) error

	// StoreState reads the vCPU's current architectural snapshot. Flag
	// bits (Present/DB/S/L/G/AVL) are OR-merged into prev rather than
	// overwritten, per the §4.5 store contract.
	StoreState(prev x86boot.State) (x86boot.State, error)

	// Run resumes the vCPU until the next exit the monitor cares about.
	// It blocks the calling goroutine; cancellation is not supported.
	Run() (Exit, error)
}

// VirtualMachine is a single-vCPU VM created by a Hypervisor backend.
type VirtualMachine interface {
	// VCPU returns the VM's single vCPU.
	VCPU() VirtualCPU

	// InstallMemoryMap replaces the slot table wholesale: every
	// previously installed slot is cleared first, then slots are
	// assigned indices 0..len(slots)-1 in the given order. The kvm
	// backend rejects more than its slot limit with an error wrapping
	// ErrUnsupported; no caller translates that into a separate
	// no-space error.
	InstallMemoryMap(slots []MemorySlot) error

	// Close releases the run area, the vCPU, and the VM. Safe to call on
	// a partially-initialized VM.
	Close() error
}

// Hypervisor is a backend capability: probe for support, then create VMs.
type Hypervisor interface {
	// Probe performs a one-time capability check. It must succeed if the
	// backend can create at least one 1-vCPU VM with at least 16 memory
	// slots, and return ErrUnsupported otherwise.
	Probe() error

	// CreateVM returns a handle owning one vCPU with APIC id 0 and a
	// mapped shared run area used for exit data.
	CreateVM() (VirtualMachine, error)

	// Close releases the backend device handle.
	Close() error
}
