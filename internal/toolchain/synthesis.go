package toolchain

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

var loadValue = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// SynthesisParams configures a yosys run against a liberty library.
type SynthesisParams struct {
	Sources     []string
	TopModule   string
	Liberty     string
	Flatten     bool
	Purge       bool
	DrivingCell string
	Load        string
	NetlistName string
}

// BuildSynthesis generates synth.ys and, when both a driving cell and a load
// are given, the abc timing constraints.
func BuildSynthesis(p SynthesisParams) (*Script, error) {
	if err := requireIdentifier("top module", p.TopModule); err != nil {
		return nil, err
	}
	if p.Liberty == "" {
		return nil, apperrors.NewPrecondition("standard cell library is required")
	}
	if len(p.Sources) == 0 {
		return nil, apperrors.NewPrecondition("no verilog sources to synthesize")
	}

	netlist := replaceExt(p.NetlistName, p.TopModule+"_netlist", ".v")

	files := map[string]string{}
	constrained := p.DrivingCell != "" && p.Load != ""
	if constrained {
		if !ValidIdentifier(p.DrivingCell) {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid driving cell: %q", p.DrivingCell))
		}
		if !loadValue.MatchString(p.Load) {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid load: %q", p.Load))
		}
		files[ConstraintsFile] = fmt.Sprintf("set_driving_cell %s\nset_load %s\n", p.DrivingCell, p.Load)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "read_verilog %s\n", quote(p.Sources...))
	fmt.Fprintf(&b, "hierarchy -check -top %s\n", quote(p.TopModule))
	if p.Flatten {
		fmt.Fprintf(&b, "synth -flatten -top %s\n", quote(p.TopModule))
	} else {
		fmt.Fprintf(&b, "synth -top %s\n", quote(p.TopModule))
	}
	fmt.Fprintf(&b, "dfflibmap -liberty %s\n", quote(p.Liberty))
	if constrained {
		fmt.Fprintf(&b, "abc -D 10000 -constr %s -liberty %s\n", ConstraintsFile, quote(p.Liberty))
	} else {
		fmt.Fprintf(&b, "abc -liberty %s\n", quote(p.Liberty))
	}
	if p.Purge {
		b.WriteString("opt_clean -purge\n")
	} else {
		b.WriteString("opt_clean\n")
	}
	b.WriteString("memory_collect\n")
	b.WriteString("memory_map\n")
	fmt.Fprintf(&b, "tee -o %s stat -top %s -liberty %s\n", ReportFile, quote(p.TopModule), quote(p.Liberty))
	fmt.Fprintf(&b, "write_verilog -noattr -noexpr %s\n", quote(netlist))

	files[SynthesisScript] = b.String()

	return &Script{
		Files:     files,
		Commands:  [][]string{{"yosys", "-q", "-l", SynthesisLog, "-s", SynthesisScript}},
		Artifacts: []string{netlist, ReportFile},
	}, nil
}
