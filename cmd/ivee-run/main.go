// Command ivee-run loads a flat binary into an ivee environment and drives
// it through a scripted sequence of calls described by a YAML scenario file.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/go-ivee/ivee"
)

// Scenario is the on-disk description of one ivee-run invocation: the
// executable to load and the sequence of synchronous calls to make into it.
type Scenario struct {
	Executable string     `yaml:"executable"`
	Calls      []CallSpec `yaml:"calls"`
}

// CallSpec is the caller-visible register file for a single Call, plus a
// human label used in progress output.
type CallSpec struct {
	Name string `yaml:"name"`

	Rax uint64 `yaml:"rax,omitempty"`
	Rbx uint64 `yaml:"rbx,omitempty"`
	Rcx uint64 `yaml:"rcx,omitempty"`
	Rdx uint64 `yaml:"rdx,omitempty"`
	Rsi uint64 `yaml:"rsi,omitempty"`
	Rdi uint64 `yaml:"rdi,omitempty"`
	Rbp uint64 `yaml:"rbp,omitempty"`
	R8  uint64 `yaml:"r8,omitempty"`
	R9  uint64 `yaml:"r9,omitempty"`
	R10 uint64 `yaml:"r10,omitempty"`
	R11 uint64 `yaml:"r11,omitempty"`
	R12 uint64 `yaml:"r12,omitempty"`
	R13 uint64 `yaml:"r13,omitempty"`
	R14 uint64 `yaml:"r14,omitempty"`
	R15 uint64 `yaml:"r15,omitempty"`
}

func (c CallSpec) toArchState() ivee.ArchState {
	return ivee.ArchState{
		Rax: c.Rax, Rbx: c.Rbx, Rcx: c.Rcx, Rdx: c.Rdx,
		Rsi: c.Rsi, Rdi: c.Rdi, Rbp: c.Rbp,
		R8: c.R8, R9: c.R9, R10: c.R10, R11: c.R11,
		R12: c.R12, R13: c.R13, R14: c.R14, R15: c.R15,
	}
}

// loadScenario reads and parses a scenario file.
func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}

	if scenario.Executable == "" {
		return nil, fmt.Errorf("scenario is missing an executable path")
	}

	return &scenario, nil
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	scenarioPath := fs.String("scenario", "", "Path to a YAML scenario file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *scenarioPath == "" {
		return fmt.Errorf("-scenario is required")
	}

	scenario, err := loadScenario(*scenarioPath)
	if err != nil {
		return fmt.Errorf("load scenario %q: %w", *scenarioPath, err)
	}

	caps := ivee.ListPlatformCapabilities()
	slog.Info("platform capabilities", "caps", caps)

	env, err := ivee.Create(0)
	if err != nil {
		return fmt.Errorf("create environment: %w", err)
	}
	defer env.Close()

	loadBar := progressbar.DefaultBytes(-1, fmt.Sprintf("loading %s", scenario.Executable))
	if err := env.LoadExecutable(scenario.Executable, ivee.FormatFlatBinary); err != nil {
		loadBar.Close()
		return fmt.Errorf("load executable %q: %w", scenario.Executable, err)
	}
	loadBar.Close()

	bar := progressbar.Default(int64(len(scenario.Calls)))
	defer bar.Close()

	for i, call := range scenario.Calls {
		state := call.toArchState()

		if err := env.Call(&state); err != nil {
			return fmt.Errorf("call %d (%q): %w", i, call.Name, err)
		}

		slog.Info("call returned",
			"index", i,
			"name", call.Name,
			"rax", state.Rax,
		)

		bar.Add(1)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("ivee-run: %v", err)
	}
}
