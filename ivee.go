// Package ivee implements an isolated execution environment: a single-vCPU
// hardware-virtualized sandbox that loads a flat binary into guest physical
// memory, boots it directly into 64-bit long mode, and exposes a
// synchronous Call primitive that resumes the guest until it signals
// completion by writing to a well-known I/O port. There is no networking,
// no disk, and no interrupt support — a guest gets a CPU, flat identity
// mapped memory, and one way back out.
package ivee

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-ivee/ivee/internal/monitor"
	"github.com/go-ivee/ivee/internal/x86boot"
)

// wrapMonitorError classifies an error surfaced by the internal monitor
// package into the public error taxonomy, falling back to KindBackendError
// for anything the monitor didn't tag with one of its sentinels.
func wrapMonitorError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, monitor.ErrInvalidArgument):
		return newErr(KindInvalidArgument, op, err)
	case errors.Is(err, monitor.ErrUnsupported):
		return newErr(KindUnsupported, op, err)
	default:
		return backendError(op, err)
	}
}

func init() {
	if os.Getenv("IVEE_VERBOSE") != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}

// CapabilitySet is a bitmask of optional platform capabilities an
// environment may request. Every bit is informational today: no backend
// this module ships implements page fault handling or memory encryption,
// so Create rejects any non-zero set with ErrUnsupported.
type CapabilitySet uint64

const (
	// CapPageFaultHandling would let the guest take page faults against
	// unmapped regions instead of triple-faulting. Not implemented.
	CapPageFaultHandling CapabilitySet = 1 << 0
	// CapMemoryEncryption would back guest memory with an encrypted
	// region (e.g. AMD SEV). Not implemented.
	CapMemoryEncryption CapabilitySet = 1 << 1
)

func (c CapabilitySet) String() string {
	if c == 0 {
		return "none"
	}
	s := ""
	if c&CapPageFaultHandling != 0 {
		s += "page-fault-handling|"
	}
	if c&CapMemoryEncryption != 0 {
		s += "memory-encryption|"
	}
	if s == "" {
		return fmt.Sprintf("CapabilitySet(0x%x)", uint64(c))
	}
	return s[:len(s)-1]
}

// ListPlatformCapabilities reports the capabilities available on this host.
// It always returns 0: none of the platform backends this module ships
// implement page fault handling or memory encryption yet.
func ListPlatformCapabilities() CapabilitySet {
	return 0
}

// Format names a supported executable image format.
type Format int

const (
	// FormatFlatBinary is a raw binary image loaded verbatim at the
	// image base guest physical address, with no header or relocation.
	FormatFlatBinary Format = iota
)

// ArchState is the caller-visible general purpose register file exchanged
// across Call: the registers a guest can read on entry and leaves set on
// return. RSP, RIP, and RFLAGS are owned by the monitor and are not part of
// this surface.
type ArchState struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

func toCallerRegs(s ArchState) x86boot.CallerRegs {
	return x86boot.CallerRegs{
		Rax: s.Rax, Rbx: s.Rbx, Rcx: s.Rcx, Rdx: s.Rdx,
		Rsi: s.Rsi, Rdi: s.Rdi, Rbp: s.Rbp,
		R8: s.R8, R9: s.R9, R10: s.R10, R11: s.R11,
		R12: s.R12, R13: s.R13, R14: s.R14, R15: s.R15,
	}
}

func fromCallerRegs(r x86boot.CallerRegs) ArchState {
	return ArchState{
		Rax: r.Rax, Rbx: r.Rbx, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi, Rbp: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
	}
}

// Environment is one isolated guest. Create one with Create, load an
// executable into it with LoadExecutable, then drive it with Call. Close it
// when done; a nil *Environment is not usable.
type Environment struct {
	env *monitor.Environment
}

// Create opens the best available backend for this host and builds a fresh
// environment on it. caps must be 0: no shipped backend implements any
// optional capability yet.
func Create(caps CapabilitySet) (*Environment, error) {
	if caps != 0 {
		return nil, unsupported("Create", "capability set 0x%x requested, no backend implements any optional capability", uint64(caps))
	}

	backend, err := openPlatformBackend()
	if err != nil {
		return nil, err
	}

	env, err := monitor.New(backend)
	if err != nil {
		backend.Close()
		return nil, backendError("Create", err)
	}

	slog.Debug("ivee: environment created")

	return &Environment{env: env}, nil
}

// LoadExecutable maps path into the environment's guest physical memory and
// installs it on the backend VM. format must be FormatFlatBinary; it is
// accepted explicitly so a future image format doesn't silently change this
// call's meaning.
func (e *Environment) LoadExecutable(path string, format Format) error {
	if format != FormatFlatBinary {
		return unsupported("LoadExecutable", "unsupported executable format %d", format)
	}
	if err := e.env.LoadExecutable(path); err != nil {
		return wrapMonitorError("LoadExecutable", err)
	}
	slog.Debug("ivee: executable loaded", "path", path)
	return nil
}

// Call resumes the guest from state, blocking until it writes to the
// terminate port, then updates state in place with the registers observed
// at that point. A single Environment only ever has one Call in flight.
func (e *Environment) Call(state *ArchState) error {
	if state == nil {
		return invalidArgument("Call", "state must not be nil")
	}

	out, err := e.env.Call(toCallerRegs(*state))
	if err != nil {
		return wrapMonitorError("Call", err)
	}

	*state = fromCallerRegs(out)
	return nil
}

// Close releases every resource the environment holds. Safe to call more
// than once.
func (e *Environment) Close() error {
	if err := e.env.Close(); err != nil {
		return backendError("Close", err)
	}
	return nil
}
