package toolchain

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

// ValidationParams lints a design without producing artifacts.
type ValidationParams struct {
	Sources   []string
	TopModule string
}

// ValidationCommands holds the two independent lint command sets.
type ValidationCommands struct {
	Lenient []string
	Strict  []string
}

// For selects one of the command sets.
func (v ValidationCommands) For(strict bool) []string {
	if strict {
		return v.Strict
	}
	return v.Lenient
}

// BuildValidation returns elaboration-only commands for iverilog (lenient)
// and verilator (strict).
func BuildValidation(p ValidationParams) (ValidationCommands, error) {
	if err := requireIdentifier("top module", p.TopModule); err != nil {
		return ValidationCommands{}, err
	}
	if len(p.Sources) == 0 {
		return ValidationCommands{}, apperrors.NewPrecondition("no verilog sources to validate")
	}

	lenient := append([]string{"iverilog", "-g2012", "-t", "null", "-s", p.TopModule}, p.Sources...)
	strict := append([]string{"verilator", "--lint-only", "-Wall", "--top-module", p.TopModule}, p.Sources...)
	return ValidationCommands{Lenient: lenient, Strict: strict}, nil
}

// SimulationParams configures an iverilog + vvp run. Defines are passed as
// -D flags, which gate-level cell models use to select functional views.
type SimulationParams struct {
	Sources   []string
	Testbench string
	TopModule string
	Defines   []string
	DumpName  string
}

// DefaultDumpName is the waveform file a testbench is expected to write.
const DefaultDumpName = "dump.vcd"

// BuildSimulation compiles the sources with the testbench and runs the
// result. The waveform dump is the only artifact.
func BuildSimulation(p SimulationParams) (*Script, error) {
	if p.Testbench == "" {
		return nil, apperrors.NewPrecondition("testbench is required")
	}
	if p.TopModule != "" && !ValidIdentifier(p.TopModule) {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid top module: %q", p.TopModule))
	}

	compile := []string{"iverilog", "-g2012", "-o", SimulationImage}
	for _, d := range p.Defines {
		compile = append(compile, "-D"+d)
	}
	if p.TopModule != "" {
		compile = append(compile, "-s", p.TopModule)
	}
	compile = append(compile, p.Sources...)
	compile = append(compile, p.Testbench)

	dump := DefaultDumpName
	if p.DumpName != "" {
		dump = replaceExt(p.DumpName, "dump", ".vcd")
	}

	return &Script{
		Files:     map[string]string{},
		Commands:  [][]string{compile, {"vvp", "-n", SimulationImage}},
		Artifacts: []string{dump},
		Runs:      1,
	}, nil
}

// Target is a cross-compilation toolchain.
type Target struct {
	Prefix string
	Flags  []string
}

// Targets are the supported software ISAs.
var Targets = map[string]Target{
	"riscv32": {Prefix: "riscv32-unknown-elf-", Flags: []string{"-march=rv32i", "-mabi=ilp32"}},
	"riscv64": {Prefix: "riscv64-unknown-elf-", Flags: []string{"-march=rv64imac", "-mabi=lp64"}},
	"arm":     {Prefix: "arm-none-eabi-", Flags: []string{"-mcpu=cortex-m0", "-mthumb"}},
}

// DefaultTarget is used when a compilation request names none.
const DefaultTarget = "riscv32"

// SoftwareParams configures a cross-compilation.
type SoftwareParams struct {
	Sources      []string
	Target       string
	OutputName   string
	LinkerScript string
	Startup      string
}

// BuildSoftware generates a Makefile producing a verilog hex image that can
// be loaded by a testbench's $readmemh.
func BuildSoftware(p SoftwareParams) (*Script, error) {
	name := p.Target
	if name == "" {
		name = DefaultTarget
	}
	target, ok := Targets[name]
	if !ok {
		supported := make([]string, 0, len(Targets))
		for t := range Targets {
			supported = append(supported, t)
		}
		sort.Strings(supported)
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unsupported target %q, expected one of %s", name, strings.Join(supported, ", ")))
	}
	if len(p.Sources) == 0 {
		return nil, apperrors.NewPrecondition("no software sources to compile")
	}

	hex := replaceExt(p.OutputName, "program", ".hex")
	elf := strings.TrimSuffix(hex, ".hex") + ".elf"

	sources := p.Sources
	if p.Startup != "" {
		sources = append([]string{p.Startup}, sources...)
	}

	flags := append([]string{"-O2", "-ffreestanding", "-nostdlib"}, target.Flags...)
	var ldflags []string
	if p.LinkerScript != "" {
		ldflags = []string{"-T", p.LinkerScript}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CC = %s\n", quote(target.Prefix+"gcc"))
	fmt.Fprintf(&b, "OBJCOPY = %s\n", quote(target.Prefix+"objcopy"))
	fmt.Fprintf(&b, "CFLAGS = %s\n", quote(flags...))
	fmt.Fprintf(&b, "LDFLAGS = %s\n", quote(ldflags...))
	fmt.Fprintf(&b, "SOURCES = %s\n\n", quote(sources...))
	fmt.Fprintf(&b, "all: %s\n\n", quote(hex))
	fmt.Fprintf(&b, "%s: $(SOURCES)\n\t$(CC) $(CFLAGS) $(LDFLAGS) -o %s $(SOURCES)\n\n", quote(elf), quote(elf))
	fmt.Fprintf(&b, "%s: %s\n\t$(OBJCOPY) -O verilog %s %s\n\n", quote(hex), quote(elf), quote(elf), quote(hex))
	b.WriteString(".PHONY: all\n")

	return &Script{
		Files:     map[string]string{Makefile: b.String()},
		Commands:  [][]string{{"make", "-f", Makefile, "all"}},
		Artifacts: []string{hex},
	}, nil
}
