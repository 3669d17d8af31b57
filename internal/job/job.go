package job

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/batch"
	"github.com/Cloud-V/Backend-sub002/internal/config"
	"github.com/Cloud-V/Backend-sub002/internal/diagnostics"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/repository"
	"github.com/Cloud-V/Backend-sub002/internal/runtime"
	"github.com/Cloud-V/Backend-sub002/internal/sandbox"
	"github.com/Cloud-V/Backend-sub002/internal/service"
	"github.com/Cloud-V/Backend-sub002/internal/storage"
	"github.com/Cloud-V/Backend-sub002/internal/token"
	"github.com/Cloud-V/Backend-sub002/internal/toolchain"
	"github.com/Cloud-V/Backend-sub002/internal/types"
	"github.com/Cloud-V/Backend-sub002/internal/workspace"
)

// Stages reported to observers.
const (
	StageStaging      = "staging"
	StageProvisioning = "provisioning"
	StageRunning      = "running"
	StageNormalizing  = "normalizing"
	StageUploading    = "uploading"
	StageSubmitting   = "submitting"
	StageDone         = "done"
	StageFailed       = "failed"
)

// Event is a progress notification for one job.
type Event struct {
	JobID string
	Kind  types.JobKind
	Stage string
	Err   error
}

// Observer receives job events. It is called synchronously from the job's
// goroutine.
type Observer func(Event)

// Call identifies who runs a job and where.
type Call struct {
	User     string
	RepoID   string
	Observer Observer
}

// Libraries resolves standard-cell libraries.
type Libraries interface {
	Resolve(name string) (*service.Library, error)
}

// Submitter hands job packages to the batch queue.
type Submitter interface {
	Submit(ctx context.Context, job batch.Job) (*batch.Handle, error)
}

// Artifact is an output written back to the repository.
type Artifact struct {
	Name  string `json:"name"`
	Entry string `json:"entry"`
	Size  int    `json:"size"`
}

// Result is the outcome of a job. Diagnostics with errors are still a
// successful result; only failures to run at all are returned as errors.
type Result struct {
	JobID       string                  `json:"job_id"`
	Kind        types.JobKind           `json:"kind"`
	Toolchain   string                  `json:"toolchain,omitempty"`
	Diagnostics diagnostics.Diagnostics `json:"diagnostics"`
	Stdout      string                  `json:"stdout,omitempty"`
	Artifacts   []Artifact              `json:"artifacts,omitempty"`
	Report      string                  `json:"report,omitempty"`
	Token       *types.TokenStatus      `json:"token,omitempty"`
}

// Deps are the collaborators of the Manager.
type Deps struct {
	Repos      *repository.Store
	Stager     *workspace.Stager
	Provider   *sandbox.Provider
	Toolchains *runtime.Manager
	Libraries  Libraries
	Tokens     *token.Store
	Storage    storage.ObjectStore
	Dispatcher Submitter
}

// Manager runs toolchain jobs, either inside a sandbox or on the batch queue.
type Manager struct {
	config *config.Config
	deps   Deps
	logger *logrus.Entry
	now    func() time.Time
}

// NewManager creates a new job manager
func NewManager(cfg *config.Config, deps Deps) *Manager {
	return &Manager{
		config: cfg,
		deps:   deps,
		logger: logrus.WithField("component", "job"),
		now:    time.Now,
	}
}

// plan is everything a kind-specific operation decides before the common
// pipeline takes over.
type plan struct {
	kind   types.JobKind
	strict bool
	// source is the entry the job is about; async tokens are keyed by it.
	source string
	stage  workspace.Request
	build  func(ws *workspace.Workspace) (*toolchain.Script, error)
	// outputDir is where artifacts are written back; rename maps an
	// artifact to a different entry name.
	outputDir string
	rename    map[string]string
	// report is the artifact returned inline as Result.Report.
	report string
	async  bool
}

func (p *plan) entryFor(artifact string) string {
	name := artifact
	if r, ok := p.rename[artifact]; ok && r != "" {
		name = r
	}
	return path.Join(p.outputDir, name)
}

// job is one running operation.
type job struct {
	id       string
	kind     types.JobKind
	call     Call
	logger   *logrus.Entry
	observer Observer
}

func (m *Manager) newJob(call Call, kind types.JobKind) *job {
	id := uuid.New().String()
	return &job{
		id:   id,
		kind: kind,
		call: call,
		logger: m.logger.WithFields(logrus.Fields{
			"job_id": id,
			"kind":   kind,
			"repo":   call.RepoID,
		}),
		observer: call.Observer,
	}
}

func (j *job) emit(stage string, err error) {
	if j.observer != nil {
		j.observer(Event{JobID: j.id, Kind: j.kind, Stage: stage, Err: err})
	}
}

// execute runs a plan. Every error leaving it has been reported to the
// observer.
func (m *Manager) execute(ctx context.Context, j *job, repo *repository.Repo, p *plan) (*Result, error) {
	var (
		result *Result
		err    error
	)
	if p.async {
		result, err = m.submit(ctx, j, repo, p)
	} else {
		result, err = m.run(ctx, j, repo, p)
	}
	if err != nil {
		j.logger.WithError(err).Warn("Job failed")
		j.emit(StageFailed, err)
		return nil, err
	}
	j.emit(StageDone, nil)
	return result, nil
}

// stage materializes the workspace and builds the script. On error nothing
// is left on disk.
func (m *Manager) stage(ctx context.Context, j *job, repo *repository.Repo, p *plan) (*workspace.Workspace, *toolchain.Script, error) {
	j.emit(StageStaging, nil)
	ws, err := m.deps.Stager.Stage(ctx, repo, p.stage)
	if err != nil {
		return nil, nil, err
	}

	script, err := p.build(ws)
	if err != nil {
		ws.Remove()
		return nil, nil, err
	}
	return ws, script, nil
}

// run executes a plan synchronously. The sandbox is destroyed on every path
// out of this function.
func (m *Manager) run(ctx context.Context, j *job, repo *repository.Repo, p *plan) (*Result, error) {
	ws, script, err := m.stage(ctx, j, repo, p)
	if err != nil {
		return nil, err
	}

	j.emit(StageProvisioning, nil)
	selection := m.deps.Toolchains.ForKind(p.kind)
	sb, err := m.deps.Stager.Provision(ctx, ws, m.deps.Provider, sandbox.Spec{
		Image:   selection.Image,
		Timeout: selection.Timeout,
		OnTimeout: func(err error) {
			j.logger.WithError(err).Warn("Sandbox timed out")
		},
		Labels: map[string]string{"io.cloudv.job": j.id},
	})
	if err != nil {
		return nil, err
	}
	defer sb.Destroy(context.WithoutCancel(ctx))

	for _, name := range sortedFiles(script.Files) {
		if _, err := sb.Write(ctx, name, script.Files[name], true); err != nil {
			return nil, timeoutOr(sb, err)
		}
	}

	j.emit(StageRunning, nil)
	var stdout, stderr strings.Builder
	failed := false
	runFrom := len(script.Commands) - script.Runs
	for i, cmd := range script.Commands {
		j.logger.WithField("command", cmd[0]).Debug("Running command")
		res, err := sb.Run(ctx, cmd, true)
		if err != nil {
			return nil, timeoutOr(sb, err)
		}
		stdout.WriteString(res.Stdout)
		if i >= runFrom && !res.Failed() {
			stdout.WriteString(res.Stderr)
		} else {
			stderr.WriteString(res.Stderr)
		}
		if res.Failed() {
			failed = true
			break
		}
	}
	if sb.TimedOut() {
		return nil, apperrors.NewTimeout()
	}

	j.emit(StageNormalizing, nil)
	result := &Result{
		JobID:       j.id,
		Kind:        p.kind,
		Toolchain:   selection.Toolchain,
		Diagnostics: diagnostics.ForJobKind(p.kind, p.strict).Parse(stderr.String(), ws.Names, failed),
		Stdout:      stdout.String(),
	}

	if failed {
		return result, nil
	}

	for _, artifact := range script.Artifacts {
		data, _, err := sb.ReadBinary(ctx, artifact, false)
		if err != nil {
			if sb.TimedOut() {
				return nil, apperrors.NewTimeout()
			}
			j.logger.WithError(err).Warnf("Artifact %s was not produced", artifact)
			result.Diagnostics.Warnings = append(result.Diagnostics.Warnings, diagnostics.Record{
				Message: fmt.Sprintf("%s was not produced", artifact),
				Type:    diagnostics.TypeWarning,
			})
			continue
		}

		entry, err := repo.Write(ctx, p.entryFor(artifact), data)
		if err != nil {
			return nil, apperrors.NewInternal(err)
		}
		result.Artifacts = append(result.Artifacts, Artifact{Name: artifact, Entry: entry.ID, Size: len(data)})
		if artifact == p.report {
			result.Report = string(data)
		}
	}

	j.logger.WithFields(logrus.Fields{
		"errors":    len(result.Diagnostics.Errors),
		"warnings":  len(result.Diagnostics.Warnings),
		"artifacts": len(result.Artifacts),
	}).Info("Job completed")

	return result, nil
}

// timeoutOr reports a timeout in place of the stream error it caused.
func timeoutOr(sb *sandbox.Sandbox, err error) error {
	if sb.TimedOut() {
		return apperrors.NewTimeout()
	}
	return err
}

func sortedFiles(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) open(call Call) (*repository.Repo, error) {
	if call.User == "" {
		return nil, apperrors.NewInvalidRequest("user is required")
	}
	return m.deps.Repos.Open(call.RepoID)
}
