//go:build linux

package kvm

import "fmt"

// ioctl request numbers, as generated by the kernel's _IO/_IOR/_IOW/_IOWR
// macros for the KVM device and vCPU file descriptors. Only the subset ivee
// actually issues is kept; the full KVM ioctl surface (IRQ chip, PIT, MSRs,
// CPUID, FPU/Xsave, LAPIC, devices, ARM vGIC, snapshotting) has no caller in
// this backend and was dropped rather than carried as dead code.
const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
)

// kvmExitReason is the raw KVM_EXIT_* code reported in the shared run area.
// ivee only distinguishes KVM_EXIT_IO from everything else; the other named
// constants exist so String can name the raw reason.
type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitIo            kvmExitReason = 2
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
)

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}
