package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// jobTimeout bounds synchronous job requests; the server holds the
// connection until the sandbox finishes.
const jobTimeout = 20 * time.Minute

type jobCommand struct {
	kind    types.JobKind
	route   string
	stream  bool
	request func() any
}

// run sends the request built by jc over HTTP, or over the WebSocket
// stream with --stream.
func (jc *jobCommand) run(cmd *cobra.Command, repoID string) error {
	format, _ := cmd.Flags().GetString("output")
	verbose, _ := cmd.Flags().GetBool("verbose")
	req := jc.request()

	if jc.stream {
		baseURL, _ := cmd.Flags().GetString("url")
		resp, err := streamJob(cmd.Context(), cmd.OutOrStdout(), baseURL, userFor(cmd), jc.kind, repoID, req, verbose)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), resp, format, verbose)
	}

	var resp JobResponse
	if err := clientFor(cmd, jobTimeout).Do(http.MethodPost, repoPath(repoID, jc.route), req, &resp); err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), &resp, format, verbose)
}

func (jc *jobCommand) command(use string, aliases []string, short, long string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use + " <repo>",
		Aliases: aliases,
		Short:   short,
		Long:    long,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return jc.run(cmd, args[0])
		},
	}
	cmd.Flags().BoolVarP(&jc.stream, "stream", "s", false, "Stream stage events over WebSocket")
	return cmd
}

// NewSynthCommand creates the synth command.
func NewSynthCommand() *cobra.Command {
	var req types.SynthesisRequest
	jc := &jobCommand{kind: types.KindSynthesis, route: "synthesize", request: func() any { return req }}

	cmd := jc.command("synth", []string{"synthesize"}, "Synthesize a design into a gate-level netlist", `Synthesize the design rooted at a top module against a standard-cell library.

Examples:
  # Synthesize cpu from src/cpu.v
  cloudv synth r1 --top cpu --entry src/cpu.v --stdcell osu035

  # Flatten and submit to batch compute
  cloudv synth r1 --top cpu --entry src/cpu.v --stdcell osu035 --flatten --async`)

	cmd.Flags().StringVar(&req.TopModule, "top", "", "Top module name")
	cmd.Flags().StringVar(&req.TopEntry, "entry", "", "Entry containing the top module")
	cmd.Flags().StringVar(&req.Stdcell, "stdcell", "", "Standard-cell library")
	cmd.Flags().StringVar(&req.NetlistName, "netlist", "", "Netlist entry name")
	cmd.Flags().StringVar(&req.ReportName, "report", "", "Report entry name")
	cmd.Flags().BoolVar(&req.Options.Flatten, "flatten", false, "Flatten the hierarchy")
	cmd.Flags().BoolVar(&req.Options.Purge, "purge", false, "Purge unused buffers")
	cmd.Flags().StringVar(&req.Options.DrivingCell, "driving-cell", "", "ABC driving cell")
	cmd.Flags().StringVar(&req.Options.Load, "load", "", "ABC output load")
	cmd.Flags().BoolVar(&req.Async, "async", false, "Submit to batch compute")
	return cmd
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand() *cobra.Command {
	var req types.SimulationRequest
	jc := &jobCommand{kind: types.KindSimulation, route: "simulate", request: func() any { return req }}

	cmd := jc.command("simulate", []string{"sim"}, "Simulate a testbench", `Compile and run a testbench, writing its waveform dump next to it.

Examples:
  cloudv simulate r1 --testbench src/cpu_tb.v --dump cpu.vcd`)

	cmd.Flags().StringVar(&req.TestbenchEntry, "testbench", "", "Testbench entry")
	cmd.Flags().StringVar(&req.TopModule, "top", "", "Testbench module name")
	cmd.Flags().StringVar(&req.DumpName, "dump", "", "Waveform dump name")
	cmd.Flags().BoolVar(&req.Async, "async", false, "Submit to batch compute")
	return cmd
}

// NewSimulateNetlistCommand creates the simulate-netlist command.
func NewSimulateNetlistCommand() *cobra.Command {
	var req types.NetlistSimulationRequest
	jc := &jobCommand{kind: types.KindNetlistSimulation, route: "simulate-netlist", request: func() any { return req }}

	cmd := jc.command("simulate-netlist", []string{"gls"}, "Simulate a synthesized netlist", `Run a testbench against a gate-level netlist and its cell models.

Examples:
  cloudv simulate-netlist r1 --netlist cpu_netlist.v --testbench src/cpu_tb.v --stdcell osu035`)

	cmd.Flags().StringVar(&req.NetlistEntry, "netlist", "", "Netlist entry")
	cmd.Flags().StringVar(&req.TestbenchEntry, "testbench", "", "Testbench entry")
	cmd.Flags().StringVar(&req.Stdcell, "stdcell", "", "Standard-cell library")
	cmd.Flags().StringVar(&req.DumpName, "dump", "", "Waveform dump name")
	cmd.Flags().BoolVar(&req.Async, "async", false, "Submit to batch compute")
	return cmd
}

// NewBitstreamCommand creates the bitstream command.
func NewBitstreamCommand() *cobra.Command {
	var req types.BitstreamRequest
	jc := &jobCommand{kind: types.KindBitstream, route: "bitstream", request: func() any { return req }}

	cmd := jc.command("bitstream", nil, "Generate an FPGA bitstream", `Place, route and pack a design using a pin assignment entry.

Examples:
  cloudv bitstream r1 --top blinky --entry blinky.v --pins pins.json`)

	cmd.Flags().StringVar(&req.TopModule, "top", "", "Top module name")
	cmd.Flags().StringVar(&req.TopEntry, "entry", "", "Entry containing the top module")
	cmd.Flags().StringVar(&req.PinsEntry, "pins", "", "Pin assignment entry")
	cmd.Flags().StringVar(&req.BitstreamName, "name", "", "Bitstream entry name")
	return cmd
}

// NewCompileCommand creates the compile command.
func NewCompileCommand() *cobra.Command {
	var req types.CompilationRequest
	jc := &jobCommand{kind: types.KindCompilation, route: "compile", request: func() any { return req }}

	cmd := jc.command("compile", nil, "Cross-compile software sources", `Compile the repository's C and assembly sources into a memory image.

Examples:
  cloudv compile r1 --output-name fw/program.hex --linker link.ld --startup crt0.s`)

	cmd.Flags().StringVar(&req.Target, "target", "", "Target architecture")
	cmd.Flags().StringVar(&req.OutputName, "output-name", "", "Output image entry name")
	cmd.Flags().StringVar(&req.LinkerScript, "linker", "", "Linker script entry")
	cmd.Flags().StringVar(&req.StartupEntry, "startup", "", "Startup code entry")
	cmd.Flags().BoolVar(&req.Async, "async", false, "Submit to batch compute")
	return cmd
}

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	var req types.ValidationRequest
	jc := &jobCommand{kind: types.KindValidation, route: "validate", request: func() any { return req }}

	cmd := jc.command("validate", []string{"lint"}, "Validate the design rooted at a top module", `Check that a design elaborates. --strict also lints it.

Examples:
  cloudv validate r1 --top cpu --entry src/cpu.v --strict`)

	cmd.Flags().StringVar(&req.TopModule, "top", "", "Top module name")
	cmd.Flags().StringVar(&req.TopEntry, "entry", "", "Entry containing the top module")
	cmd.Flags().BoolVar(&req.Strict, "strict", false, "Lint with warnings")
	cmd.Flags().BoolVar(&req.Async, "async", false, "Submit to batch compute")
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var source, jobType string

	cmd := &cobra.Command{
		Use:   "status <repo>",
		Short: "Show the latest asynchronous job for a source entry",
		Long: `Show the callback token of the most recent batch job for a source entry.

Examples:
  cloudv status r1 --source src/cpu.v --type Synthesis`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("--source is required")
			}
			var status types.TokenStatus
			path := repoPath(args[0], "jobs/latest") + "?source=" + url.QueryEscape(source) + "&type=" + url.QueryEscape(jobType)
			if err := clientFor(cmd, 30*time.Second).Do(http.MethodGet, path, nil, &status); err != nil {
				return err
			}
			printToken(cmd.OutOrStdout(), status.ID, status.JobType, status.Status, status.JobName, status.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Source entry the job was run for")
	cmd.Flags().StringVar(&jobType, "type", "Synthesis", "Job type (Synthesis, Validation, Simulation, SimulationNetlist, Compilation)")
	return cmd
}
