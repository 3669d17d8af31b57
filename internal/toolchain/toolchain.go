// Package toolchain builds the scripts and command vectors each job kind
// runs inside its sandbox. Everything here is a pure function of its
// parameters.
package toolchain

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

// Fixed names of generated files.
const (
	SynthesisScript = "synth.ys"
	ConstraintsFile = "synth.constr"
	ReportFile      = "synth_report.txt"
	SynthesisLog    = "synth.log"
	Makefile        = "Makefile"
	PinsFile        = "pins.pcf"
	SimulationImage = "sim.vvp"
)

// Script is what a job writes into the sandbox and runs, in order.
type Script struct {
	Files     map[string]string
	Commands  [][]string
	Artifacts []string
	// Runs counts the trailing commands that execute a compiled design.
	// Their stderr is program output unless they fail.
	Runs int
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is a plain Verilog identifier.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

func requireIdentifier(what, name string) error {
	if name == "" {
		return apperrors.NewPrecondition(fmt.Sprintf("%s is required", what))
	}
	if !ValidIdentifier(name) {
		return apperrors.NewInvalidRequest(fmt.Sprintf("invalid %s: %q", what, name))
	}
	return nil
}

// quote joins words for a shell or yosys command line.
func quote(words ...string) string {
	return shellquote.Join(words...)
}

// replaceExt swaps the extension of a sanitized output name.
func replaceExt(name, fallback, ext string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = safeStem.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, "-.")
	if base == "" {
		base = fallback
	}
	return base + ext
}

var safeStem = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
