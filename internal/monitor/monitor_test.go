package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-ivee/ivee/internal/hv"
	"github.com/go-ivee/ivee/internal/hv/simbackend"
	"github.com/go-ivee/ivee/internal/x86boot"
)

func writeExecutable(t *testing.T, contents []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guest.bin")
	if err := os.WriteFile(path, contents, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestNewInstallsPageTables(t *testing.T) {
	env, err := New(simbackend.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer env.Close()

	if env.state.CR3 != env.pml4GPA {
		t.Fatalf("CR3 = 0x%x, want pml4GPA 0x%x", env.state.CR3, env.pml4GPA)
	}
	if env.state.Rip != imageGPA {
		t.Fatalf("Rip = 0x%x, want imageGPA 0x%x", env.state.Rip, uint64(imageGPA))
	}
	if len(env.mem.Regions()) != 1 {
		t.Fatalf("Regions() has %d entries, want 1 (page tables only)", len(env.mem.Regions()))
	}
}

func TestLoadExecutableRejectsEmptyFile(t *testing.T) {
	env, err := New(simbackend.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer env.Close()

	path := writeExecutable(t, nil)
	if err := env.LoadExecutable(path); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("LoadExecutable(empty) = %v, want ErrInvalidArgument", err)
	}
}

func TestLoadExecutableRejectsNonExecutableFile(t *testing.T) {
	env, err := New(simbackend.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer env.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "guest.bin")
	if err := os.WriteFile(path, []byte{0xF4}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := env.LoadExecutable(path); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("LoadExecutable(non-executable) = %v, want ErrInvalidArgument", err)
	}
}

func TestLoadExecutableOnlyOnce(t *testing.T) {
	env, err := New(simbackend.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer env.Close()

	path := writeExecutable(t, []byte{0xF4})
	if err := env.LoadExecutable(path); err != nil {
		t.Fatalf("first LoadExecutable: %v", err)
	}
	if err := env.LoadExecutable(path); err == nil {
		t.Fatalf("expected an error on a second LoadExecutable")
	}
}

func TestCallRequiresLoadedExecutable(t *testing.T) {
	env, err := New(simbackend.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer env.Close()

	if _, err := env.Call(x86boot.CallerRegs{}); err == nil {
		t.Fatalf("expected an error calling into an environment with nothing loaded")
	}
}

func TestCallReturnsOnTerminateExit(t *testing.T) {
	env, err := New(simbackend.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer env.Close()

	path := writeExecutable(t, []byte{0xE6, 0x78, 0xF4})
	if err := env.LoadExecutable(path); err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}

	vcpu := env.vm.VCPU().(*simbackend.VCPU)
	vcpu.Script(simbackend.ScriptTerminate())

	out, err := env.Call(x86boot.CallerRegs{Rax: 42})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Rax != 42 {
		t.Fatalf("Rax = %d, want 42 (the simulated backend echoes loaded state back)", out.Rax)
	}
	if env.lifecycle != stateReady {
		t.Fatalf("lifecycle = %d, want stateReady after a successful call", env.lifecycle)
	}
}

func TestCallFailsEnvironmentOnUnsupportedIOPort(t *testing.T) {
	env, err := New(simbackend.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer env.Close()

	path := writeExecutable(t, []byte{0xF4})
	if err := env.LoadExecutable(path); err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}

	vcpu := env.vm.VCPU().(*simbackend.VCPU)
	vcpu.Script(hv.Exit{
		Kind: hv.ExitKindIO,
		IO:   hv.IOExit{Port: 0x3F8, Size: 1, Direction: hv.IOWrite, Data: 0},
	})

	if _, err := env.Call(x86boot.CallerRegs{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Call = %v, want ErrUnsupported for a write to an unsupported port", err)
	}
	if env.lifecycle != stateFailed {
		t.Fatalf("lifecycle = %d, want stateFailed", env.lifecycle)
	}

	if _, err := env.Call(x86boot.CallerRegs{}); err == nil {
		t.Fatalf("a failed environment must reject further calls")
	}
}
