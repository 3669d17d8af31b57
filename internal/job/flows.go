package job

import (
	"context"
	"fmt"
	"path"
	"strings"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/repository"
	"github.com/Cloud-V/Backend-sub002/internal/toolchain"
	"github.com/Cloud-V/Backend-sub002/internal/types"
	"github.com/Cloud-V/Backend-sub002/internal/workspace"
)

// Synthesize maps the design rooted at the top module onto a standard-cell
// library. The netlist and the statistics report are written next to the
// top module entry.
func (m *Manager) Synthesize(ctx context.Context, call Call, req types.SynthesisRequest) (*Result, error) {
	j := m.newJob(call, types.KindSynthesis)
	repo, err := m.open(call)
	if err != nil {
		return nil, j.fail(err)
	}

	top, err := requireTop(ctx, repo, req.TopEntry, req.TopModule)
	if err != nil {
		return nil, j.fail(err)
	}
	if req.Stdcell == "" {
		return nil, j.fail(apperrors.NewPrecondition("standard cell library is required"))
	}
	lib, err := m.deps.Libraries.Resolve(req.Stdcell)
	if err != nil {
		return nil, j.fail(err)
	}
	sources, err := entrySources(ctx, repo, workspace.RoleHDL, nil, repository.KindVerilog)
	if err != nil {
		return nil, j.fail(err)
	}

	report := req.ReportName
	if report == "" {
		report = req.TopModule + "_synth_report.txt"
	}

	p := &plan{
		kind:   types.KindSynthesis,
		source: top,
		stage: workspace.Request{
			Sources:   sources,
			Extras:    []workspace.Extra{{Name: path.Base(lib.Liberty), Path: lib.Liberty, Role: workspace.RoleSupport}},
			TopModule: req.TopModule,
			TopEntry:  top,
		},
		build: func(ws *workspace.Workspace) (*toolchain.Script, error) {
			return toolchain.BuildSynthesis(toolchain.SynthesisParams{
				Sources:     ws.Files[workspace.RoleHDL],
				TopModule:   req.TopModule,
				Liberty:     first(ws.Files[workspace.RoleSupport]),
				Flatten:     req.Options.Flatten,
				Purge:       req.Options.Purge,
				DrivingCell: req.Options.DrivingCell,
				Load:        req.Options.Load,
				NetlistName: base(req.NetlistName),
			})
		},
		outputDir: path.Dir(top),
		rename:    map[string]string{toolchain.ReportFile: path.Base(report)},
		report:    toolchain.ReportFile,
		async:     req.Async,
	}
	return m.execute(ctx, j, repo, p)
}

// SimulateTestbench compiles the repository's verilog with a testbench and
// runs it. The waveform dump is written next to the testbench.
func (m *Manager) SimulateTestbench(ctx context.Context, call Call, req types.SimulationRequest) (*Result, error) {
	j := m.newJob(call, types.KindSimulation)
	repo, err := m.open(call)
	if err != nil {
		return nil, j.fail(err)
	}

	tb, err := requireEntry(ctx, repo, req.TestbenchEntry, "testbench")
	if err != nil {
		return nil, j.fail(err)
	}
	sources, err := entrySources(ctx, repo, workspace.RoleHDL, skip(tb), repository.KindVerilog)
	if err != nil {
		return nil, j.fail(err)
	}
	sources = append(sources, workspace.Source{EntryID: tb, Title: path.Base(tb), Role: workspace.RoleTestbench})

	p := &plan{
		kind:   types.KindSimulation,
		source: tb,
		stage: workspace.Request{
			Sources:   sources,
			TopModule: req.TopModule,
			TopEntry:  tb,
		},
		build: func(ws *workspace.Workspace) (*toolchain.Script, error) {
			return toolchain.BuildSimulation(toolchain.SimulationParams{
				Sources:   ws.Files[workspace.RoleHDL],
				Testbench: first(ws.Files[workspace.RoleTestbench]),
				TopModule: req.TopModule,
				DumpName:  base(req.DumpName),
			})
		},
		outputDir: path.Dir(tb),
		async:     req.Async,
	}
	return m.execute(ctx, j, repo, p)
}

// Defines selecting the functional, unit-delay views of cell models.
var netlistDefines = []string{"FUNCTIONAL", "UNIT_DELAY=#1"}

// SimulateNetlist runs a testbench against a synthesized netlist using the
// cell models of its standard-cell library.
func (m *Manager) SimulateNetlist(ctx context.Context, call Call, req types.NetlistSimulationRequest) (*Result, error) {
	j := m.newJob(call, types.KindNetlistSimulation)
	repo, err := m.open(call)
	if err != nil {
		return nil, j.fail(err)
	}

	netlist, err := requireEntry(ctx, repo, req.NetlistEntry, "netlist")
	if err != nil {
		return nil, j.fail(err)
	}
	tb, err := requireEntry(ctx, repo, req.TestbenchEntry, "testbench")
	if err != nil {
		return nil, j.fail(err)
	}
	if req.Stdcell == "" {
		return nil, j.fail(apperrors.NewPrecondition("standard cell library is required"))
	}
	lib, err := m.deps.Libraries.Resolve(req.Stdcell)
	if err != nil {
		return nil, j.fail(err)
	}
	if len(lib.Models) == 0 {
		return nil, j.fail(apperrors.NewPrecondition(fmt.Sprintf("standard cell library %s has no cell models", req.Stdcell)))
	}

	extras := make([]workspace.Extra, 0, len(lib.Models))
	for _, model := range lib.Models {
		extras = append(extras, workspace.Extra{Name: path.Base(model), Path: model, Role: workspace.RoleSupport})
	}

	p := &plan{
		kind:   types.KindNetlistSimulation,
		source: netlist,
		stage: workspace.Request{
			Sources: []workspace.Source{
				{EntryID: netlist, Title: path.Base(netlist), Role: workspace.RoleNetlist},
				{EntryID: tb, Title: path.Base(tb), Role: workspace.RoleTestbench},
			},
			Extras:   extras,
			TopEntry: tb,
		},
		build: func(ws *workspace.Workspace) (*toolchain.Script, error) {
			sources := append([]string{}, ws.Files[workspace.RoleNetlist]...)
			sources = append(sources, ws.Files[workspace.RoleSupport]...)
			return toolchain.BuildSimulation(toolchain.SimulationParams{
				Sources:   sources,
				Testbench: first(ws.Files[workspace.RoleTestbench]),
				Defines:   netlistDefines,
				DumpName:  base(req.DumpName),
			})
		},
		outputDir: path.Dir(tb),
		async:     req.Async,
	}
	return m.execute(ctx, j, repo, p)
}

// GenerateBitstream builds an iCE40 bitstream from the design and the
// repository's pin-constraint file. It always runs synchronously.
func (m *Manager) GenerateBitstream(ctx context.Context, call Call, req types.BitstreamRequest) (*Result, error) {
	j := m.newJob(call, types.KindBitstream)
	repo, err := m.open(call)
	if err != nil {
		return nil, j.fail(err)
	}

	top, err := requireTop(ctx, repo, req.TopEntry, req.TopModule)
	if err != nil {
		return nil, j.fail(err)
	}
	pinsEntry, err := requireEntry(ctx, repo, req.PinsEntry, "pin constraint file")
	if err != nil {
		return nil, j.fail(err)
	}
	data, err := repo.Content(ctx, pinsEntry)
	if err != nil {
		return nil, j.fail(err)
	}
	pins, err := toolchain.ParsePinConstraints(data)
	if err != nil {
		return nil, j.fail(err)
	}
	sources, err := entrySources(ctx, repo, workspace.RoleHDL, nil, repository.KindVerilog)
	if err != nil {
		return nil, j.fail(err)
	}

	p := &plan{
		kind:   types.KindBitstream,
		source: top,
		stage: workspace.Request{
			Sources:   sources,
			TopModule: req.TopModule,
			TopEntry:  top,
		},
		outputDir: path.Dir(top),
	}
	p.build = func(ws *workspace.Workspace) (*toolchain.Script, error) {
		script, err := toolchain.BuildBitstream(toolchain.BitstreamParams{
			Sources:       ws.Files[workspace.RoleHDL],
			TopModule:     req.TopModule,
			Pins:          pins,
			BitstreamName: base(req.BitstreamName),
		})
		if err != nil {
			return nil, err
		}
		// The timing report is the last artifact.
		p.report = script.Artifacts[len(script.Artifacts)-1]
		return script, nil
	}
	return m.execute(ctx, j, repo, p)
}

// CompileSoftware cross-compiles the repository's C and assembly sources
// into a verilog hex image.
func (m *Manager) CompileSoftware(ctx context.Context, call Call, req types.CompilationRequest) (*Result, error) {
	j := m.newJob(call, types.KindCompilation)
	repo, err := m.open(call)
	if err != nil {
		return nil, j.fail(err)
	}

	var linker, startup string
	if req.LinkerScript != "" {
		if linker, err = requireEntry(ctx, repo, req.LinkerScript, "linker script"); err != nil {
			return nil, j.fail(err)
		}
	}
	if req.StartupEntry != "" {
		if startup, err = requireEntry(ctx, repo, req.StartupEntry, "startup file"); err != nil {
			return nil, j.fail(err)
		}
	}

	entries, err := repo.Entries(ctx, repository.KindC, repository.KindAssembly)
	if err != nil {
		return nil, j.fail(apperrors.NewInternal(err))
	}
	var sources []workspace.Source
	compiled := 0
	for _, e := range entries {
		if e.ID == startup {
			continue
		}
		role := workspace.RoleSoftware
		if strings.HasSuffix(e.ID, ".h") {
			role = workspace.RoleSupport
		} else {
			compiled++
		}
		sources = append(sources, workspace.Source{EntryID: e.ID, Title: e.Title, Role: role})
	}
	if compiled == 0 {
		return nil, j.fail(apperrors.NewPrecondition("no software sources to compile"))
	}
	if linker != "" {
		sources = append(sources, workspace.Source{EntryID: linker, Title: path.Base(linker), Role: workspace.RoleConstraints})
	}
	if startup != "" {
		sources = append(sources, workspace.Source{EntryID: startup, Title: path.Base(startup), Role: workspace.RoleConstraints})
	}

	outputDir := "."
	if req.OutputName != "" {
		outputDir = path.Dir(req.OutputName)
	}

	p := &plan{
		kind:   types.KindCompilation,
		source: first(sourceIDs(sources, workspace.RoleSoftware)),
		stage:  workspace.Request{Sources: sources},
		build: func(ws *workspace.Workspace) (*toolchain.Script, error) {
			params := toolchain.SoftwareParams{
				Sources:    ws.Files[workspace.RoleSoftware],
				Target:     req.Target,
				OutputName: base(req.OutputName),
			}
			if linker != "" {
				params.LinkerScript, _ = ws.Names.StagedName(linker)
			}
			if startup != "" {
				params.Startup, _ = ws.Names.StagedName(startup)
			}
			return toolchain.BuildSoftware(params)
		},
		outputDir: outputDir,
		async:     req.Async,
	}
	return m.execute(ctx, j, repo, p)
}

// ValidateTopModule elaborates the design without producing artifacts.
// Strict validation lints with verilator instead of iverilog.
func (m *Manager) ValidateTopModule(ctx context.Context, call Call, req types.ValidationRequest) (*Result, error) {
	j := m.newJob(call, types.KindValidation)
	repo, err := m.open(call)
	if err != nil {
		return nil, j.fail(err)
	}

	top, err := requireTop(ctx, repo, req.TopEntry, req.TopModule)
	if err != nil {
		return nil, j.fail(err)
	}
	sources, err := entrySources(ctx, repo, workspace.RoleHDL, nil, repository.KindVerilog)
	if err != nil {
		return nil, j.fail(err)
	}

	p := &plan{
		kind:   types.KindValidation,
		strict: req.Strict,
		source: top,
		stage: workspace.Request{
			Sources:   sources,
			TopModule: req.TopModule,
			TopEntry:  top,
		},
		build: func(ws *workspace.Workspace) (*toolchain.Script, error) {
			cmds, err := toolchain.BuildValidation(toolchain.ValidationParams{
				Sources:   ws.Files[workspace.RoleHDL],
				TopModule: req.TopModule,
			})
			if err != nil {
				return nil, err
			}
			return &toolchain.Script{
				Files:    map[string]string{},
				Commands: [][]string{cmds.For(req.Strict)},
			}, nil
		},
		outputDir: path.Dir(top),
		async:     req.Async,
	}
	return m.execute(ctx, j, repo, p)
}

// fail reports an error raised before the pipeline started.
func (j *job) fail(err error) error {
	j.logger.WithError(err).Debug("Job rejected")
	j.emit(StageFailed, err)
	return err
}

// requireTop checks that the top module is declared in the top entry and
// returns the entry's normalized id.
func requireTop(ctx context.Context, repo *repository.Repo, entryID, module string) (string, error) {
	if entryID == "" {
		return "", apperrors.NewPrecondition("top module entry is required")
	}
	if module == "" {
		return "", apperrors.NewPrecondition("top module is required")
	}
	entry, err := repo.Entry(ctx, entryID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return "", apperrors.NewPrecondition("top module entry not found")
		}
		return "", err
	}

	ok, err := repo.ModuleExistsInFile(ctx, entry.ID, module)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return "", apperrors.NewPrecondition("top module entry not found")
		}
		return "", apperrors.NewInternal(err)
	}
	if !ok {
		return "", apperrors.NewPrecondition(fmt.Sprintf("module %s not found in %s", module, entry.Title))
	}
	return entry.ID, nil
}

// requireEntry checks that an entry named by a request exists and returns
// its normalized id.
func requireEntry(ctx context.Context, repo *repository.Repo, entryID, what string) (string, error) {
	if entryID == "" {
		return "", apperrors.NewPrecondition(what + " is required")
	}
	entry, err := repo.Entry(ctx, entryID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return "", apperrors.NewPrecondition(what + " not found")
		}
		return "", err
	}
	return entry.ID, nil
}

// entrySources lists the repository's entries of the given kinds as staging
// sources, leaving out those rejected by exclude.
func entrySources(ctx context.Context, repo *repository.Repo, role workspace.Role, exclude func(string) bool, kinds ...repository.Kind) ([]workspace.Source, error) {
	entries, err := repo.Entries(ctx, kinds...)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	sources := make([]workspace.Source, 0, len(entries))
	for _, e := range entries {
		if exclude != nil && exclude(e.ID) {
			continue
		}
		sources = append(sources, workspace.Source{EntryID: e.ID, Title: e.Title, Role: role})
	}
	return sources, nil
}

func skip(entryID string) func(string) bool {
	return func(id string) bool { return id == entryID }
}

func sourceIDs(sources []workspace.Source, role workspace.Role) []string {
	var ids []string
	for _, s := range sources {
		if s.Role == role {
			ids = append(ids, s.EntryID)
		}
	}
	return ids
}

// base is path.Base without its "." for an empty name.
func base(name string) string {
	if name == "" {
		return ""
	}
	return path.Base(name)
}

func first(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
