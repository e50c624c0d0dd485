// Package x86boot builds the initial x86-64 CPU snapshot every ivee guest is
// entered with: a fixed set of long-mode segment and control register
// values plus the caller-supplied general-purpose registers, ready to be
// loaded directly into a vCPU without any real-mode-to-long-mode transition
// inside the guest.
package x86boot

// Segment descriptor type field values (x86-64 segment descriptor, the low
// nibble of the type/access byte). ACC is the "accessed" bit some descriptor
// types fold in; TSS32 and LDT already include the bits that matter for our
// fixed, zero-limit descriptors.
const (
	typeData = 0b0010
	typeCode = 0b1010
	typeTSS32 = 0b1011
	typeLDT   = 0b0010
	typeACC   = 0b0001
)

// Control register and EFER bits used by the fixed boot template.
const (
	cr0PE = 1 << 0
	cr0WP = 1 << 16
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// TerminatePort is the well-known I/O port a guest writes to in order to
// signal that a synchronous call has completed.
const TerminatePort uint16 = 0x78

// Segment is one of the eight x86-64 segment/system descriptors carried in
// an x86 CPU snapshot.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	DPL      uint8
	Present  bool
	DB       bool
	S        bool
	L        bool
	G        bool
	AVL      bool
}

// DescriptorTable is a GDT or IDT base/limit pair.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// State is the full architectural snapshot exchanged with the hypervisor
// backend: general-purpose registers, RIP/RFLAGS, segment state, descriptor
// tables, and control registers.
type State struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rbp, Rsp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip    uint64
	RFlags uint64

	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DescriptorTable

	CR0, CR2, CR3, CR4 uint64
	EFER               uint64
	APICBase           uint64
}

// CallerRegs is the subset of general-purpose registers exposed across the
// public Call API: everything except RSP, which the guest runtime owns.
type CallerRegs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Default returns the fixed long-mode boot template from the boot-state
// table: flat 64-bit code/data segments, zero-limit GDT/IDT (so any guest
// exception triple-faults until the guest installs its own tables), CR3
// pointed at pml4GPA, and all GPRs zero.
func Default(pml4GPA uint64) State {
	code := Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: 0x08,
		Type:     typeCode | typeACC,
		Present:  true,
		S:        true,
		G:        true,
		L:        true,
	}

	data := Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: 0x10,
		Type:     typeData | typeACC,
		Present:  true,
		S:        true,
		G:        true,
		DB:       true,
	}

	tr := Segment{
		Type:    typeTSS32,
		Present: true,
	}

	ldt := Segment{
		Type:    typeLDT,
		Present: true,
	}

	return State{
		Rip:    0,
		RFlags: 0x2,

		CS: code,
		DS: data, ES: data, FS: data, GS: data, SS: data,
		TR:  tr,
		LDT: ldt,

		GDT: DescriptorTable{Base: 0, Limit: 0},
		IDT: DescriptorTable{Base: 0, Limit: 0},

		CR0:  cr0PG | cr0PE | cr0WP,
		CR3:  pml4GPA,
		CR4:  cr4PAE,
		EFER: eferLMA | eferLME,
	}
}

// WithCallerRegs merges the caller-visible GPRs into state, forcing RSP,
// RIP, and RFLAGS to the fixed entry values a synchronous call always
// starts from. The guest runtime is responsible for establishing its own
// stack from RSP=0.
func WithCallerRegs(state State, regs CallerRegs) State {
	state.Rax, state.Rbx, state.Rcx, state.Rdx = regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx
	state.Rsi, state.Rdi, state.Rbp = regs.Rsi, regs.Rdi, regs.Rbp
	state.R8, state.R9, state.R10, state.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	state.R12, state.R13, state.R14, state.R15 = regs.R12, regs.R13, regs.R14, regs.R15

	state.Rsp = 0
	state.Rip = 0
	state.RFlags = 0x2

	return state
}

// CallerRegs extracts the caller-visible GPRs back out of a stored state.
func (s State) CallerRegs() CallerRegs {
	return CallerRegs{
		Rax: s.Rax, Rbx: s.Rbx, Rcx: s.Rcx, Rdx: s.Rdx,
		Rsi: s.Rsi, Rdi: s.Rdi, Rbp: s.Rbp,
		R8: s.R8, R9: s.R9, R10: s.R10, R11: s.R11,
		R12: s.R12, R13: s.R13, R14: s.R14, R15: s.R15,
	}
}

// MergeStoreFlags implements the §4.5 store contract: flag bits are
// OR-merged into dst rather than overwritten, so a backend's store_vcpu_state
// never clears a flag the caller had already set.
func MergeStoreFlags(dst *Segment, observed Segment) {
	dst.Present = dst.Present || observed.Present
	dst.DB = dst.DB || observed.DB
	dst.S = dst.S || observed.S
	dst.L = dst.L || observed.L
	dst.G = dst.G || observed.G
	dst.AVL = dst.AVL || observed.AVL

	dst.Base = observed.Base
	dst.Limit = observed.Limit
	dst.Selector = observed.Selector
	dst.Type = observed.Type
	dst.DPL = observed.DPL
}
