// Package kvm is the production ivee backend: it drives Linux /dev/kvm
// directly through the ioctls a single-vCPU, no-interrupt environment
// needs. It implements the internal/hv contract; the monitor package never
// touches a KVM ioctl or data structure directly.
package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-ivee/ivee/internal/hv"
)

// virtualMachine owns one vCPU and the memory slot table installed on it.
type virtualMachine struct {
	hv    *hypervisor
	vmFd  int
	vcpu  *virtualCPU
	slots int // number of slots currently installed, for Slot numbering
}

var _ hv.VirtualMachine = &virtualMachine{}

func (v *virtualMachine) VCPU() hv.VirtualCPU { return v.vcpu }

// InstallMemoryMap implements hv.VirtualMachine: it deletes every
// previously installed slot (MemorySize=0 tells KVM to remove the slot),
// then installs the given slots at indices 0..len(slots)-1 in order.
func (v *virtualMachine) InstallMemoryMap(slots []hv.MemorySlot) error {
	for i := 0; i < v.slots; i++ {
		if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
			Slot:       uint32(i),
			MemorySize: 0,
		}); err != nil {
			return fmt.Errorf("kvm: clear memory slot %d: %w", i, err)
		}
	}
	v.slots = 0

	if len(slots) > maxMemorySlots {
		return fmt.Errorf("kvm: %d memory slots requested, backend supports %d: %w", len(slots), maxMemorySlots, hv.ErrUnsupported)
	}

	for i, slot := range slots {
		if len(slot.HostMemory) == 0 {
			return fmt.Errorf("kvm: memory slot %d has no backing memory", i)
		}

		flags := uint32(0)
		if slot.ReadOnly {
			flags |= kvmMemReadonly
		}

		if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
			Slot:          uint32(i),
			Flags:         flags,
			GuestPhysAddr: slot.GuestPhysAddr,
			MemorySize:    slot.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&slot.HostMemory[0]))),
		}); err != nil {
			return fmt.Errorf("kvm: install memory slot %d at 0x%x: %w", i, slot.GuestPhysAddr, err)
		}
	}
	v.slots = len(slots)

	return nil
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpu := v.vcpu
	v.vcpu = nil

	if vcpu != nil {
		close(vcpu.runQueue)
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
	}

	vmFd := v.vmFd
	v.vmFd = -1
	if vmFd >= 0 {
		if err := unix.Close(vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
	}

	return nil
}

// maxMemorySlots is the number of memory slots ivee ever needs (the loaded
// image and the identity-mapped page tables) with headroom; probed
// against KVM_CAP_NR_MEMSLOTS in Probe.
const maxMemorySlots = 16

// kvmMemReadonly mirrors KVM_MEM_READONLY, the kvm_userspace_memory_region
// flag that makes a slot's guest writes fault instead of succeeding.
const kvmMemReadonly = 1 << 1

const kvmCheckExtension = 0xae03
const kvmCapNrMemslots = 10

func checkExtension(fd int, cap uint32) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), uint64(kvmCheckExtension), uintptr(cap))
	return int(v), err
}

// hypervisor is the /dev/kvm device handle.
type hypervisor struct {
	fd int
}

var _ hv.Hypervisor = &hypervisor{}

// Probe implements hv.Hypervisor.
func (h *hypervisor) Probe() error {
	nSlots, err := checkExtension(h.fd, kvmCapNrMemslots)
	if err != nil {
		return fmt.Errorf("kvm: check KVM_CAP_NR_MEMSLOTS: %w", err)
	}
	if nSlots != 0 && nSlots < maxMemorySlots {
		return fmt.Errorf("kvm: host supports only %d memory slots, need %d: %w", nSlots, maxMemorySlots, hv.ErrUnsupported)
	}
	return nil
}

// CreateVM implements hv.Hypervisor: creates a VM with a single vCPU at
// APIC id 0, a mapped run area, and the TSS address KVM's x86 real-mode
// emulation needs configured even though ivee never uses it.
func (h *hypervisor) CreateVM() (hv.VirtualMachine, error) {
	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set TSS addr: %w", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: get vCPU mmap size: %w", err)
	}

	vcpuFd, err := createVCPU(vmFd, 0)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create vCPU: %w", err)
	}

	run, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: mmap vCPU run area: %w", err)
	}

	vm := &virtualMachine{hv: h, vmFd: vmFd}
	vcpu := &virtualCPU{
		vm:       vm,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}
	vm.vcpu = vcpu

	go vcpu.start()

	return vm, nil
}

// start pins the vCPU's command goroutine to its OS thread: every KVM
// ioctl for this vCPU must be issued from the thread that created it.
func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

// Close implements hv.Hypervisor.
func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("kvm: close device: %w", err)
	}
	return nil
}

// Open opens /dev/kvm and validates the reported API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
