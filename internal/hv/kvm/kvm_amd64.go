//go:build linux && amd64

package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-ivee/ivee/internal/hv"
	"github.com/go-ivee/ivee/internal/x86boot"
)

func toKvmSegment(s x86boot.Segment) kvmSegment {
	b := func(v bool) uint8 {
		if v {
			return 1
		}
		return 0
	}
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  b(s.Present),
		Dpl:      s.DPL,
		Db:       b(s.DB),
		S:        b(s.S),
		L:        b(s.L),
		G:        b(s.G),
		Avl:      b(s.AVL),
	}
}

func fromKvmSegment(k kvmSegment) x86boot.Segment {
	return x86boot.Segment{
		Base:     k.Base,
		Limit:    k.Limit,
		Selector: k.Selector,
		Type:     k.Type,
		DPL:      k.Dpl,
		Present:  k.Present != 0,
		DB:       k.Db != 0,
		S:        k.S != 0,
		L:        k.L != 0,
		G:        k.G != 0,
		AVL:      k.Avl != 0,
	}
}

func toKvmDTable(d x86boot.DescriptorTable) kvmDTable {
	return kvmDTable{Base: d.Base, Limit: d.Limit}
}

func fromKvmDTable(k kvmDTable) x86boot.DescriptorTable {
	return x86boot.DescriptorTable{Base: k.Base, Limit: k.Limit}
}

// virtualCPU is the single vCPU of an ivee VM, backed by a per-vCPU file
// descriptor and its mmap'd kvm_run page. Every KVM ioctl on this vCPU must
// come from the same OS thread, so all access goes through runQueue.
type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	fd       int
	run      []byte
}

var _ hv.VirtualCPU = &virtualCPU{}

// LoadState implements hv.VirtualCPU, dispatching onto the vCPU's owning
// OS thread via runQueue.
func (v *virtualCPU) LoadState(state x86boot.State) error {
	errc := make(chan error, 1)
	v.runQueue <- func() { errc <- v.loadStateOnThread(state) }
	return <-errc
}

func (v *virtualCPU) loadStateOnThread(state x86boot.State) error {
	regs := kvmRegs{
		Rax: state.Rax, Rbx: state.Rbx, Rcx: state.Rcx, Rdx: state.Rdx,
		Rsi: state.Rsi, Rdi: state.Rdi, Rsp: state.Rsp, Rbp: state.Rbp,
		R8: state.R8, R9: state.R9, R10: state.R10, R11: state.R11,
		R12: state.R12, R13: state.R13, R14: state.R14, R15: state.R15,
		Rip: state.Rip, Rflags: state.RFlags,
	}
	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	sregs := kvmSRegs{
		Cs: toKvmSegment(state.CS), Ds: toKvmSegment(state.DS), Es: toKvmSegment(state.ES),
		Fs: toKvmSegment(state.FS), Gs: toKvmSegment(state.GS), Ss: toKvmSegment(state.SS),
		Tr: toKvmSegment(state.TR), Ldt: toKvmSegment(state.LDT),
		Gdt: toKvmDTable(state.GDT), Idt: toKvmDTable(state.IDT),
		Cr0: state.CR0, Cr2: state.CR2, Cr3: state.CR3, Cr4: state.CR4,
		Efer: state.EFER, ApicBase: state.APICBase,
	}
	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	return nil
}

// StoreState implements hv.VirtualCPU. Segment flag bits are OR-merged into
// prev via x86boot.MergeStoreFlags; every other field is overwritten with
// the observed value.
func (v *virtualCPU) StoreState(prev x86boot.State) (x86boot.State, error) {
	type result struct {
		state x86boot.State
		err   error
	}
	resc := make(chan result, 1)
	v.runQueue <- func() {
		s, err := v.storeStateOnThread(prev)
		resc <- result{s, err}
	}
	r := <-resc
	return r.state, r.err
}

func (v *virtualCPU) storeStateOnThread(prev x86boot.State) (x86boot.State, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return x86boot.State{}, fmt.Errorf("kvm: get registers: %w", err)
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return x86boot.State{}, fmt.Errorf("kvm: get special registers: %w", err)
	}

	out := prev
	out.Rax, out.Rbx, out.Rcx, out.Rdx = regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx
	out.Rsi, out.Rdi, out.Rsp, out.Rbp = regs.Rsi, regs.Rdi, regs.Rsp, regs.Rbp
	out.R8, out.R9, out.R10, out.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	out.R12, out.R13, out.R14, out.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	out.Rip, out.RFlags = regs.Rip, regs.Rflags

	x86boot.MergeStoreFlags(&out.CS, fromKvmSegment(sregs.Cs))
	x86boot.MergeStoreFlags(&out.DS, fromKvmSegment(sregs.Ds))
	x86boot.MergeStoreFlags(&out.ES, fromKvmSegment(sregs.Es))
	x86boot.MergeStoreFlags(&out.FS, fromKvmSegment(sregs.Fs))
	x86boot.MergeStoreFlags(&out.GS, fromKvmSegment(sregs.Gs))
	x86boot.MergeStoreFlags(&out.SS, fromKvmSegment(sregs.Ss))
	x86boot.MergeStoreFlags(&out.TR, fromKvmSegment(sregs.Tr))
	x86boot.MergeStoreFlags(&out.LDT, fromKvmSegment(sregs.Ldt))

	out.GDT = fromKvmDTable(sregs.Gdt)
	out.IDT = fromKvmDTable(sregs.Idt)
	out.CR0, out.CR2, out.CR3, out.CR4 = sregs.Cr0, sregs.Cr2, sregs.Cr3, sregs.Cr4
	out.EFER, out.APICBase = sregs.Efer, sregs.ApicBase

	return out, nil
}

// Run implements hv.VirtualCPU: resume the vCPU until KVM reports an exit,
// translating the raw exit reason down to the abstract hv.Exit contract.
// Only KVM_EXIT_IO is decoded; every other reason (HLT, SHUTDOWN,
// SYSTEM_EVENT, and anything not explicitly named) becomes hv.ExitKindUnknown
// so the monitor's call loop can treat it uniformly. A failure of the
// KVM_RUN ioctl itself is always a backend error, never folded into Unknown.
func (v *virtualCPU) Run() (hv.Exit, error) {
	type result struct {
		exit hv.Exit
		err  error
	}
	resc := make(chan result, 1)
	v.runQueue <- func() {
		e, err := v.runOnThread()
		resc <- result{e, err}
	}
	r := <-resc
	return r.exit, r.err
}

func (v *virtualCPU) runOnThread() (hv.Exit, error) {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))
	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return hv.Exit{}, fmt.Errorf("kvm: run vCPU: %w", err)
		}
		break
	}

	reason := kvmExitReason(run.exit_reason)

	if reason == kvmExitIo {
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		var data uint32
		raw := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)]
		for i, b := range raw {
			data |= uint32(b) << (8 * i)
		}

		dir := hv.IORead
		if ioData.direction != 0 {
			dir = hv.IOWrite
		}

		return hv.Exit{
			Kind: hv.ExitKindIO,
			IO: hv.IOExit{
				Port:      ioData.port,
				Size:      int(ioData.size),
				Direction: dir,
				Data:      data,
			},
		}, nil
	}

	return hv.Exit{Kind: hv.ExitKindUnknown}, nil
}
