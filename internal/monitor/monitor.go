// Package monitor implements the environment lifecycle and the synchronous
// call loop that drives a backend vCPU from entry to the guest's write on
// the well-known terminate port. It is the only package that understands
// both the hv backend contract and the x86boot/pagetable/memmap pieces that
// make up a guest's address space; ivee.go is a thin wrapper around it.
package monitor

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-ivee/ivee/internal/hostmem"
	"github.com/go-ivee/ivee/internal/hv"
	"github.com/go-ivee/ivee/internal/memmap"
	"github.com/go-ivee/ivee/internal/pagetable"
	"github.com/go-ivee/ivee/internal/x86boot"
)

// imageGPA is where a loaded flat binary's first byte lands in guest
// physical memory, and where RIP points at the start of a Call. The monitor
// maps no other memory below the page tables; a guest that needs a stack
// builds one itself from RSP=0 upward.
const imageGPA = 0

var (
	// ErrInvalidArgument classifies a monitor error as the guest-facing
	// InvalidArgument kind rather than an opaque backend failure.
	ErrInvalidArgument = errors.New("monitor: invalid argument")

	// ErrUnsupported classifies a monitor error as the guest-facing
	// Unsupported kind rather than an opaque backend failure.
	ErrUnsupported = errors.New("monitor: unsupported")
)

type lifecycleState int

const (
	stateReady lifecycleState = iota
	stateRunning
	stateTerminated
	stateFailed
)

// Environment is one isolated guest: a backend VM, its memory map, and the
// vCPU architectural state carried across successive Call invocations.
type Environment struct {
	mu sync.Mutex

	backend hv.Hypervisor
	vm      hv.VirtualMachine
	mem     *memmap.Map

	pageTables *hostmem.Region
	image      *hostmem.Region

	pml4GPA uint64
	state   x86boot.State
	loaded  bool

	lifecycle lifecycleState
}

// New creates an environment on the given backend: it probes the backend,
// creates its VM, and builds the fixed identity-mapped page table structure
// every guest boots against.
func New(backend hv.Hypervisor) (*Environment, error) {
	if err := backend.Probe(); err != nil {
		return nil, fmt.Errorf("monitor: probe backend: %w", err)
	}

	vm, err := backend.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("monitor: create VM: %w", err)
	}

	pt, err := pagetable.Build()
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("monitor: build page tables: %w", err)
	}

	env := &Environment{
		backend:    backend,
		vm:         vm,
		mem:        memmap.New(),
		pageTables: pt,
		pml4GPA:    pagetable.BaseGPA(),
	}

	if _, err := env.mem.Insert(pagetable.BaseGPA(), pt.Len(), pt, memmap.ProtRead); err != nil {
		env.Close()
		return nil, fmt.Errorf("monitor: map page tables: %w", err)
	}

	env.state = x86boot.Default(env.pml4GPA)

	return env, nil
}

// LoadExecutable maps a flat binary image read-only at imageGPA and installs
// the resulting memory map on the backend VM. It may be called at most once
// per environment; reloading a different image is not supported.
func (e *Environment) LoadExecutable(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lifecycle != stateReady {
		return fmt.Errorf("monitor: cannot load executable in lifecycle state %d", e.lifecycle)
	}
	if e.loaded {
		return fmt.Errorf("monitor: executable already loaded")
	}

	if err := unix.Access(path, unix.R_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%w: monitor: executable is not readable and executable: %v", ErrInvalidArgument, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: monitor: open executable: %v", ErrInvalidArgument, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("monitor: stat executable: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: monitor: executable is empty", ErrInvalidArgument)
	}

	image, err := hostmem.NewFromFile(int(f.Fd()), uint64(info.Size()))
	if err != nil {
		return fmt.Errorf("monitor: map executable: %w", err)
	}

	if _, err := e.mem.Insert(imageGPA, uint64(info.Size()), image, memmap.ProtRead|memmap.ProtExec); err != nil {
		image.Release()
		return fmt.Errorf("monitor: map executable image: %w", err)
	}
	e.image = image

	if err := e.installMemoryMap(); err != nil {
		return err
	}

	e.state.Rip = imageGPA
	e.loaded = true

	return nil
}

func (e *Environment) installMemoryMap() error {
	regions := e.mem.Regions()
	slots := make([]hv.MemorySlot, len(regions))
	for i, r := range regions {
		slots[i] = hv.MemorySlot{
			GuestPhysAddr: r.GPA(),
			Size:          r.Length(),
			HostMemory:    r.Host.Bytes(),
			ReadOnly:      r.Prot&memmap.ProtWrite == 0,
		}
	}
	if err := e.vm.InstallMemoryMap(slots); err != nil {
		return fmt.Errorf("monitor: install memory map: %w", err)
	}
	return nil
}

// Close releases the environment's VM, memory map, and backend handle. Safe
// to call more than once.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.vm != nil {
		record(e.vm.Close())
		e.vm = nil
	}
	if e.mem != nil {
		record(e.mem.Close())
		e.mem = nil
	}

	e.lifecycle = stateTerminated

	return firstErr
}
