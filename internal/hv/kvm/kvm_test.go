//go:build linux

package kvm

import (
	"testing"

	"github.com/go-ivee/ivee/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := h.Probe(); err != nil {
		t.Skipf("KVM host does not meet backend requirements: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close KVM device: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("open KVM device: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close KVM device: %v", err)
	}
}

func TestCreateVM(t *testing.T) {
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
	if vm.VCPU() == nil {
		t.Fatalf("created VM has no vCPU")
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("close VM: %v", err)
	}
}

func TestInstallMemoryMapReplacesSlots(t *testing.T) {
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

	ram := make([]byte, 0x1000)
	if err := vm.InstallMemoryMap([]hv.MemorySlot{{GuestPhysAddr: 0, Size: uint64(len(ram)), HostMemory: ram}}); err != nil {
		t.Fatalf("install memory map: %v", err)
	}

	ram2 := make([]byte, 0x1000)
	if err := vm.InstallMemoryMap([]hv.MemorySlot{{GuestPhysAddr: 0x100000, Size: uint64(len(ram2)), HostMemory: ram2}}); err != nil {
		t.Fatalf("reinstall memory map: %v", err)
	}
}
