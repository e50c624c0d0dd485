//go:build linux && amd64

package kvm

import (
	"testing"

	"github.com/go-ivee/ivee/internal/hv"
	"github.com/go-ivee/ivee/internal/pagetable"
	"github.com/go-ivee/ivee/internal/x86boot"
)

// outPort78Halt is `out 0x78, al` (E6 78) followed by `hlt` (F4): a guest
// that immediately signals synchronous-call completion.
var outPort78Halt = []byte{0xE6, 0x78, 0xF4}

func TestRunExitsOnTerminatePortWrite(t *testing.T) {
	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("open KVM device: %v", err)
	}
	defer h.Close()

	vm, err := h.CreateVM()
	if err != nil {
		t.Fatalf("create VM: %v", err)
	}
	defer vm.Close()

	ram := make([]byte, 0x2000)
	copy(ram, outPort78Halt)

	pt, err := pagetable.Build()
	if err != nil {
		t.Fatalf("build page tables: %v", err)
	}
	defer pt.Release()

	if err := vm.InstallMemoryMap([]hv.MemorySlot{
		{GuestPhysAddr: 0, Size: uint64(len(ram)), HostMemory: ram},
		{GuestPhysAddr: pagetable.BaseGPA(), Size: pt.Len(), HostMemory: pt.Bytes()},
	}); err != nil {
		t.Fatalf("install memory map: %v", err)
	}

	state := x86boot.Default(pagetable.BaseGPA())
	if err := vm.VCPU().LoadState(state); err != nil {
		t.Fatalf("load state: %v", err)
	}

	exit, err := vm.VCPU().Run()
	if err != nil {
		t.Fatalf("run vCPU: %v", err)
	}

	if exit.Kind != hv.ExitKindIO {
		t.Fatalf("exit kind = %v, want IO", exit.Kind)
	}
	if exit.IO.Port != x86boot.TerminatePort {
		t.Fatalf("exit port = 0x%x, want 0x%x", exit.IO.Port, x86boot.TerminatePort)
	}
	if exit.IO.Direction != hv.IOWrite {
		t.Fatalf("exit direction = %v, want write", exit.IO.Direction)
	}
}
