//go:build linux && amd64

package kvm

const kvmNrInterrupts = 256

// kvmRegs mirrors struct kvm_regs, the argument/result of KVM_GET_REGS and
// KVM_SET_REGS: the general-purpose registers plus RIP and RFLAGS.
type kvmRegs struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	Rbp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

// kvmDTable mirrors struct kvm_dtable (a GDT or IDT base/limit pair).
type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// kvmSRegs mirrors struct kvm_sregs, the argument/result of KVM_GET_SREGS
// and KVM_SET_SREGS: segment registers, descriptor tables, control
// registers, EFER, and the local APIC base and pending-interrupt bitmap.
// ivee never injects interrupts, so InterruptBitmap is always read back
// zero and never written non-zero.
type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss kvmSegment
	Tr, Ldt                kvmSegment
	Gdt, Idt               kvmDTable
	Cr0                    uint64
	Cr2                    uint64
	Cr3                    uint64
	Cr4                    uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}
