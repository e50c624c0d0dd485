package monitor

import (
	"fmt"

	"github.com/go-ivee/ivee/internal/hv"
	"github.com/go-ivee/ivee/internal/x86boot"
)

func isTerminate(exit hv.Exit) bool {
	return exit.Kind == hv.ExitKindIO && exit.IO.Direction == hv.IOWrite && exit.IO.Port == x86boot.TerminatePort
}


// Call drives the vCPU synchronously from the caller-supplied general
// purpose registers until the guest writes to the terminate port, returning
// the registers observed at that point. It implements the environment's
// 2-state (running/terminated) plus implicit failed-sink machine: a Call
// that fails while loading or running the vCPU leaves the environment
// unusable for further calls. A Call rejected before that (nothing loaded)
// leaves the environment as it was.
//
// Steps, matching the monitor's call contract: merge caller registers into
// the carried architectural state (forcing RSP/RIP/RFLAGS to their fixed
// entry values), load it into the vCPU, then loop on Run until an exit the
// call loop recognizes. A write to x86boot.TerminatePort ends the call
// successfully; any other I/O port, or an unrecognized exit, is an
// unsupported guest behavior and fails the call (and the environment).
func (e *Environment) Call(regs x86boot.CallerRegs) (x86boot.CallerRegs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return x86boot.CallerRegs{}, fmt.Errorf("monitor: no executable loaded")
	}
	switch e.lifecycle {
	case stateFailed:
		return x86boot.CallerRegs{}, fmt.Errorf("monitor: environment is in a failed state from a previous call")
	case stateTerminated:
		return x86boot.CallerRegs{}, fmt.Errorf("monitor: environment is closed")
	case stateRunning:
		return x86boot.CallerRegs{}, fmt.Errorf("monitor: a call is already running")
	}

	e.lifecycle = stateRunning

	entry := x86boot.WithCallerRegs(e.state, regs)
	entry.Rip = imageGPA

	vcpu := e.vm.VCPU()

	if err := vcpu.LoadState(entry); err != nil {
		e.lifecycle = stateFailed
		return x86boot.CallerRegs{}, fmt.Errorf("monitor: load vCPU state: %w", err)
	}

	for {
		exit, err := vcpu.Run()
		if err != nil {
			e.lifecycle = stateFailed
			return x86boot.CallerRegs{}, fmt.Errorf("monitor: run vCPU: %w", err)
		}

		switch {
		case isTerminate(exit):
			final, err := vcpu.StoreState(entry)
			if err != nil {
				e.lifecycle = stateFailed
				return x86boot.CallerRegs{}, fmt.Errorf("monitor: store vCPU state: %w", err)
			}
			e.state = final
			e.lifecycle = stateReady
			return final.CallerRegs(), nil

		case exit.Kind == hv.ExitKindIO:
			e.lifecycle = stateFailed
			return x86boot.CallerRegs{}, fmt.Errorf("%w: monitor: guest accessed unsupported I/O port 0x%x", ErrUnsupported, exit.IO.Port)

		default:
			e.lifecycle = stateFailed
			return x86boot.CallerRegs{}, fmt.Errorf("%w: monitor: guest produced an unrecognized exit", ErrUnsupported)
		}
	}
}
