//go:build linux

package kvm

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, the
// argument to KVM_SET_USER_MEMORY_REGION. Setting MemorySize to 0 deletes
// the slot, which is how InstallMemoryMap clears the table before
// reassigning it.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const syncRegsSizeBytes = 2048

// kvmRunData mirrors the fixed-size prefix of struct kvm_run, the shared
// run area mapped once per vCPU. ivee never reads the kvm_valid_regs /
// sync-regs extension or the per-exit-reason union fields beyond IO, so
// anon0 stands in for the union and exit-specific payloads (kvmExitIoData)
// are read by reinterpreting the bytes at the union's offset.
type kvmRunData struct {
	request_interrupt_window      uint8
	immediate_exit                uint8
	padding1                      [6]uint8
	exit_reason                   uint32
	ready_for_interrupt_injection uint8
	if_flag                       uint8
	flags                         uint16
	cr8                           uint64
	apic_base                     uint64
	anon0                         [256]byte
	kvm_valid_regs                uint64
	kvm_dirty_regs                uint64
	s                             struct{ padding [syncRegsSizeBytes]byte }
}

// kvmExitIoData mirrors the io member of kvm_run's exit-reason union: the
// decoded port, direction, size, and offset of the data within the run page
// for a KVM_EXIT_IO exit.
type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}
