package toolchain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

func lineIndex(t *testing.T, script, prefix string) int {
	t.Helper()
	for i, l := range strings.Split(script, "\n") {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	t.Fatalf("no line starting with %q in:\n%s", prefix, script)
	return -1
}

func TestBuildSynthesis_Order(t *testing.T) {
	s, err := BuildSynthesis(SynthesisParams{
		Sources:     []string{"top.v", "alu.v"},
		TopModule:   "top",
		Liberty:     "osu035.lib",
		Flatten:     true,
		Purge:       true,
		DrivingCell: "INVX1",
		Load:        "0.05",
		NetlistName: "top_syn.v",
	})
	require.NoError(t, err)

	assert.Equal(t, "set_driving_cell INVX1\nset_load 0.05\n", s.Files[ConstraintsFile])

	script := s.Files[SynthesisScript]
	order := []string{
		"read_verilog top.v alu.v",
		"hierarchy -check -top top",
		"synth -flatten -top top",
		"dfflibmap -liberty osu035.lib",
		"abc -D 10000 -constr synth.constr -liberty osu035.lib",
		"opt_clean -purge",
		"memory_collect",
		"memory_map",
		"tee -o synth_report.txt stat",
		"write_verilog -noattr -noexpr top_syn.v",
	}
	prev := -1
	for _, prefix := range order {
		i := lineIndex(t, script, prefix)
		assert.Greater(t, i, prev, prefix)
		prev = i
	}

	assert.Equal(t, [][]string{{"yosys", "-q", "-l", SynthesisLog, "-s", SynthesisScript}}, s.Commands)
	assert.Equal(t, []string{"top_syn.v", ReportFile}, s.Artifacts)
}

func TestBuildSynthesis_TimingNeedsBoth(t *testing.T) {
	for name, p := range map[string]SynthesisParams{
		"neither":      {},
		"driving only": {DrivingCell: "INVX1"},
		"load only":    {Load: "0.1"},
	} {
		t.Run(name, func(t *testing.T) {
			p.Sources = []string{"top.v"}
			p.TopModule = "top"
			p.Liberty = "lib.lib"

			s, err := BuildSynthesis(p)
			require.NoError(t, err)
			_, ok := s.Files[ConstraintsFile]
			assert.False(t, ok)
			assert.NotContains(t, s.Files[SynthesisScript], "-constr")
			assert.Contains(t, s.Files[SynthesisScript], "\nsynth -top top\n")
			assert.Contains(t, s.Files[SynthesisScript], "\nopt_clean\n")
			assert.Contains(t, s.Files[SynthesisScript], "memory_collect\nmemory_map\n")
			assert.Equal(t, []string{"top_netlist.v", ReportFile}, s.Artifacts)
		})
	}
}

func TestBuildSynthesis_Rejects(t *testing.T) {
	base := SynthesisParams{Sources: []string{"top.v"}, TopModule: "top", Liberty: "lib.lib"}

	tests := []struct {
		name   string
		mutate func(p *SynthesisParams)
		code   apperrors.ErrorCode
	}{
		{"no top", func(p *SynthesisParams) { p.TopModule = "" }, apperrors.ErrPrecondition},
		{"shell in top", func(p *SynthesisParams) { p.TopModule = "top; rm -rf /" }, apperrors.ErrInvalidRequest},
		{"no liberty", func(p *SynthesisParams) { p.Liberty = "" }, apperrors.ErrPrecondition},
		{"no sources", func(p *SynthesisParams) { p.Sources = nil }, apperrors.ErrPrecondition},
		{"bad cell", func(p *SynthesisParams) { p.DrivingCell, p.Load = "X\nabc", "1" }, apperrors.ErrInvalidRequest},
		{"bad load", func(p *SynthesisParams) { p.DrivingCell, p.Load = "INVX1", "1; x" }, apperrors.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := BuildSynthesis(p)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), err.Error())
		})
	}
}

func TestBuildSynthesis_QuotesNames(t *testing.T) {
	s, err := BuildSynthesis(SynthesisParams{
		Sources:   []string{"my top.v"},
		TopModule: "top",
		Liberty:   "lib.lib",
	})
	require.NoError(t, err)
	assert.Contains(t, s.Files[SynthesisScript], "read_verilog 'my top.v'\n")
}

func TestParsePinConstraints(t *testing.T) {
	pc, err := ParsePinConstraints([]byte(`{"assignedPins":{"led[1]":"B5","clk":"J3","led[0]":"B4"}}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultDevice, pc.BoardOpt)
	assert.Equal(t, DefaultPackage, pc.PnrOpt)
	assert.Equal(t, "set_io clk J3\nset_io led[0] B4\nset_io led[1] B5\n", pc.PCF())

	pc, err = ParsePinConstraints([]byte(`{"assignedPins":{"clk":"21"},"boardOpt":"hx1k","pnrOpt":"tq144"}`))
	require.NoError(t, err)
	assert.Equal(t, "hx1k", pc.BoardOpt)
	assert.Equal(t, "tq144", pc.PnrOpt)
}

func TestParsePinConstraints_Rejects(t *testing.T) {
	tests := map[string]string{
		"not json":   `{assignedPins`,
		"no pins":    `{"assignedPins":{}}`,
		"bad port":   `{"assignedPins":{"clk;ls":"J3"}}`,
		"bad pin":    `{"assignedPins":{"clk":"J 3"}}`,
		"bad board":  `{"assignedPins":{"clk":"J3"},"boardOpt":"xc7a35t"}`,
		"bad option": `{"assignedPins":{"clk":"J3"},"pnrOpt":"ct256 -x"}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePinConstraints([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestBuildBitstream(t *testing.T) {
	pins, err := ParsePinConstraints([]byte(`{"assignedPins":{"clk":"J3"}}`))
	require.NoError(t, err)

	s, err := BuildBitstream(BitstreamParams{
		Sources:       []string{"top.v", "my counter.v"},
		TopModule:     "top",
		Pins:          pins,
		BitstreamName: "blinky.bit",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"blinky.bin", "blinky.rpt"}, s.Artifacts)
	assert.Equal(t, "set_io clk J3\n", s.Files[PinsFile])

	mk := s.Files[Makefile]
	assert.Contains(t, mk, "SOURCES = top.v 'my counter.v'\n")
	assert.Contains(t, mk, "all: blinky.bin blinky.rpt\n")
	assert.Contains(t, mk, "blinky.blif: $(SOURCES)\n\tyosys -q -p 'synth_ice40 -top top -blif blinky.blif' $(SOURCES)\n")
	assert.Contains(t, mk, "blinky.asc: blinky.blif pins.pcf\n\tarachne-pnr -q -d 8k -P ct256 -o blinky.asc -p pins.pcf blinky.blif\n")
	assert.Contains(t, mk, "blinky.bin: blinky.asc\n\ticepack blinky.asc blinky.bin\n")
	assert.Contains(t, mk, "blinky.rpt: blinky.asc\n\ticetime -d hx8k -P ct256 -mtr blinky.rpt blinky.asc\n")
	assert.Equal(t, [][]string{{"make", "-f", Makefile, "all"}}, s.Commands)
}

func TestBuildBitstream_DefaultName(t *testing.T) {
	pins, err := ParsePinConstraints([]byte(`{"assignedPins":{"clk":"J3"}}`))
	require.NoError(t, err)

	s, err := BuildBitstream(BitstreamParams{Sources: []string{"top.v"}, TopModule: "top", Pins: pins})
	require.NoError(t, err)
	assert.Equal(t, []string{"top.bin", "top.rpt"}, s.Artifacts)
}

func TestBuildValidation(t *testing.T) {
	cmds, err := BuildValidation(ValidationParams{Sources: []string{"top.v", "alu.v"}, TopModule: "top"})
	require.NoError(t, err)

	assert.Equal(t, []string{"iverilog", "-g2012", "-t", "null", "-s", "top", "top.v", "alu.v"}, cmds.For(false))
	assert.Equal(t, []string{"verilator", "--lint-only", "-Wall", "--top-module", "top", "top.v", "alu.v"}, cmds.For(true))

	_, err = BuildValidation(ValidationParams{Sources: []string{"top.v"}, TopModule: "$top"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))
}

func TestBuildSimulation(t *testing.T) {
	s, err := BuildSimulation(SimulationParams{
		Sources:   []string{"netlist.v", "cells.v"},
		Testbench: "top_tb.v",
		Defines:   []string{"FUNCTIONAL", "UNIT_DELAY=#1"},
		DumpName:  "waves.dump",
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"iverilog", "-g2012", "-o", SimulationImage, "-DFUNCTIONAL", "-DUNIT_DELAY=#1", "netlist.v", "cells.v", "top_tb.v"},
		{"vvp", "-n", SimulationImage},
	}, s.Commands)
	assert.Equal(t, []string{"waves.vcd"}, s.Artifacts)
	assert.Equal(t, 1, s.Runs)

	_, err = BuildSimulation(SimulationParams{Sources: []string{"a.v"}})
	assert.True(t, apperrors.Is(err, apperrors.ErrPrecondition))
}

func TestBuildSoftware(t *testing.T) {
	s, err := BuildSoftware(SoftwareParams{
		Sources:      []string{"main.c", "util.c"},
		OutputName:   "firmware.mem",
		LinkerScript: "link.ld",
		Startup:      "start.s",
	})
	require.NoError(t, err)

	mk := s.Files[Makefile]
	assert.Contains(t, mk, "CC = riscv32-unknown-elf-gcc\n")
	assert.Contains(t, mk, "CFLAGS = -O2 -ffreestanding -nostdlib -march=rv32i -mabi=ilp32\n")
	assert.Contains(t, mk, "LDFLAGS = -T link.ld\n")
	assert.Contains(t, mk, "SOURCES = start.s main.c util.c\n")
	assert.Contains(t, mk, "firmware.hex: firmware.elf\n\t$(OBJCOPY) -O verilog firmware.elf firmware.hex\n")
	assert.Equal(t, []string{"firmware.hex"}, s.Artifacts)

	_, err = BuildSoftware(SoftwareParams{Sources: []string{"main.c"}, Target: "z80"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))
	assert.Contains(t, err.Error(), "arm, riscv32, riscv64")
}
