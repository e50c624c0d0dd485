// Package simbackend is a pure-Go hv.Hypervisor implementation for tests
// that don't have (or don't want to depend on) real /dev/kvm access. It
// never claims to execute guest code: LoadState/StoreState just hold onto
// whatever x86boot.State was last set, and Run replays a scripted sequence
// of hv.Exit values queued ahead of time with VCPU.Script.
package simbackend

import (
	"fmt"

	"github.com/go-ivee/ivee/internal/hv"
	"github.com/go-ivee/ivee/internal/x86boot"
)

// Backend is a no-op hv.Hypervisor. The zero value is ready to use.
type Backend struct{}

// New returns a ready-to-use simulated backend.
func New() *Backend { return &Backend{} }

var _ hv.Hypervisor = &Backend{}

// Probe always succeeds: there is no host resource to be unavailable.
func (b *Backend) Probe() error { return nil }

// CreateVM returns a new simulated VM with one scriptable vCPU.
func (b *Backend) CreateVM() (hv.VirtualMachine, error) {
	return &VM{vcpu: &VCPU{}}, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// VM is a simulated single-vCPU VM. It records the installed memory map for
// tests to inspect but never actually executes guest code against it.
type VM struct {
	vcpu  *VCPU
	slots []hv.MemorySlot
}

var _ hv.VirtualMachine = &VM{}

// VCPU returns the VM's single simulated vCPU.
func (vm *VM) VCPU() hv.VirtualCPU { return vm.vcpu }

// InstallMemoryMap replaces the recorded slot table wholesale, mirroring the
// production backend's delete-then-reassign contract.
func (vm *VM) InstallMemoryMap(slots []hv.MemorySlot) error {
	for i, slot := range slots {
		if len(slot.HostMemory) == 0 {
			return fmt.Errorf("simbackend: memory slot %d has no backing memory", i)
		}
	}
	cp := make([]hv.MemorySlot, len(slots))
	copy(cp, slots)
	vm.slots = cp
	return nil
}

// Slots returns the most recently installed memory map, for test assertions.
func (vm *VM) Slots() []hv.MemorySlot { return vm.slots }

// Close is a no-op.
func (vm *VM) Close() error { return nil }

// VCPU is a simulated vCPU: it remembers the last loaded state and replays
// a scripted sequence of exits rather than running any guest code.
type VCPU struct {
	state  x86boot.State
	script []hv.Exit
	pos    int
}

var _ hv.VirtualCPU = &VCPU{}

// Script queues the exits successive calls to Run will return, in order.
// Once exhausted, Run keeps returning hv.ExitKindUnknown.
func (c *VCPU) Script(exits ...hv.Exit) {
	c.script = exits
	c.pos = 0
}

// ScriptTerminate is a convenience for the common case: one exit that writes
// a single byte to the synchronous-call terminate port.
func ScriptTerminate() hv.Exit {
	return hv.Exit{
		Kind: hv.ExitKindIO,
		IO: hv.IOExit{
			Port:      x86boot.TerminatePort,
			Size:      1,
			Direction: hv.IOWrite,
			Data:      0,
		},
	}
}

// LoadState records the state that would be pushed into the vCPU.
func (c *VCPU) LoadState(state x86boot.State) error {
	c.state = state
	return nil
}

// State returns the last state passed to LoadState, for test assertions.
func (c *VCPU) State() x86boot.State { return c.state }

// StoreState returns the recorded state verbatim: the simulated backend
// never diverges from what was loaded, so there is nothing to merge.
func (c *VCPU) StoreState(prev x86boot.State) (x86boot.State, error) {
	return c.state, nil
}

// Run returns the next scripted exit, or ExitKindUnknown once the script is
// exhausted.
func (c *VCPU) Run() (hv.Exit, error) {
	if c.pos >= len(c.script) {
		return hv.Exit{Kind: hv.ExitKindUnknown}, nil
	}
	e := c.script[c.pos]
	c.pos++
	return e, nil
}
