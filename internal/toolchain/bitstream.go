package toolchain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

// Board defaults used when the constraint file does not name one.
const (
	DefaultDevice  = "hx8k"
	DefaultPackage = "ct256"
)

var (
	portName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\[[0-9]+\])?$`)
	pinName  = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	device   = regexp.MustCompile(`^(hx|lp|up)(1k|4k|8k|5k)$`)
	pkgName  = regexp.MustCompile(`^[a-z]{2,3}[0-9]{2,3}(:[0-9]+k)?$`)
)

// PinConstraints is the pin-constraint file a repository carries for FPGA
// builds. BoardOpt selects the device and PnrOpt the package.
type PinConstraints struct {
	AssignedPins map[string]string `json:"assignedPins"`
	BoardOpt     string            `json:"boardOpt,omitempty"`
	PnrOpt       string            `json:"pnrOpt,omitempty"`
}

// ParsePinConstraints decodes and validates a pin-constraint file, filling
// in the default board and package.
func ParsePinConstraints(data []byte) (*PinConstraints, error) {
	var pc PinConstraints
	if err := json.Unmarshal(data, &pc); err != nil {
		e := apperrors.NewPrecondition("pin constraint file is not valid JSON")
		e.Err = err
		return nil, e
	}
	if len(pc.AssignedPins) == 0 {
		return nil, apperrors.NewPrecondition("no pins are assigned")
	}
	for port, pin := range pc.AssignedPins {
		if !portName.MatchString(port) {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid port name: %q", port))
		}
		if !pinName.MatchString(pin) {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid pin for %s: %q", port, pin))
		}
	}

	if pc.BoardOpt == "" {
		pc.BoardOpt = DefaultDevice
	}
	if pc.PnrOpt == "" {
		pc.PnrOpt = DefaultPackage
	}
	if !device.MatchString(pc.BoardOpt) {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unsupported board: %q", pc.BoardOpt))
	}
	if !pkgName.MatchString(pc.PnrOpt) {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unsupported package: %q", pc.PnrOpt))
	}

	return &pc, nil
}

// PCF renders the constraints as set_io lines ordered by port.
func (pc *PinConstraints) PCF() string {
	ports := make([]string, 0, len(pc.AssignedPins))
	for port := range pc.AssignedPins {
		ports = append(ports, port)
	}
	sort.Strings(ports)

	var b strings.Builder
	for _, port := range ports {
		fmt.Fprintf(&b, "set_io %s %s\n", port, pc.AssignedPins[port])
	}
	return b.String()
}

// BitstreamParams configures an iCE40 build.
type BitstreamParams struct {
	Sources       []string
	TopModule     string
	Pins          *PinConstraints
	BitstreamName string
}

// BuildBitstream generates pins.pcf and a Makefile chaining
// .blif -> .asc -> .bin and .rpt. The artifact takes the requested name with
// its extension replaced.
func BuildBitstream(p BitstreamParams) (*Script, error) {
	if err := requireIdentifier("top module", p.TopModule); err != nil {
		return nil, err
	}
	if p.Pins == nil {
		return nil, apperrors.NewPrecondition("pin constraint file is required")
	}
	if len(p.Sources) == 0 {
		return nil, apperrors.NewPrecondition("no verilog sources to synthesize")
	}

	bin := replaceExt(p.BitstreamName, p.TopModule, ".bin")
	proj := strings.TrimSuffix(bin, ".bin")
	size := strings.TrimLeft(p.Pins.BoardOpt, "hlxpu")

	blif, asc, rpt := proj+".blif", proj+".asc", proj+".rpt"
	synth := fmt.Sprintf("synth_ice40 -top %s -blif %s", p.TopModule, blif)

	var b strings.Builder
	fmt.Fprintf(&b, "SOURCES = %s\n\n", quote(p.Sources...))
	fmt.Fprintf(&b, "all: %s %s\n\n", quote(bin), quote(rpt))
	fmt.Fprintf(&b, "%s: $(SOURCES)\n\t%s $(SOURCES)\n\n", quote(blif), quote("yosys", "-q", "-p", synth))
	fmt.Fprintf(&b, "%s: %s %s\n\t%s\n\n", quote(asc), quote(blif), PinsFile,
		quote("arachne-pnr", "-q", "-d", size, "-P", p.Pins.PnrOpt, "-o", asc, "-p", PinsFile, blif))
	fmt.Fprintf(&b, "%s: %s\n\t%s\n\n", quote(bin), quote(asc), quote("icepack", asc, bin))
	fmt.Fprintf(&b, "%s: %s\n\t%s\n\n", quote(rpt), quote(asc), quote("icetime", "-d", p.Pins.BoardOpt, "-P", p.Pins.PnrOpt, "-mtr", rpt, asc))
	b.WriteString(".PHONY: all\n")

	return &Script{
		Files: map[string]string{
			PinsFile: p.Pins.PCF(),
			Makefile: b.String(),
		},
		Commands:  [][]string{{"make", "-f", Makefile, "all"}},
		Artifacts: []string{bin, rpt},
	}, nil
}
