// Package workspace stages repository files into a local directory and binds
// it into a fresh sandbox.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/sandbox"
)

// maxConcurrentReads bounds parallel entry reads during staging.
const maxConcurrentReads = 8

// Role classifies a staged file.
type Role string

const (
	RoleHDL         Role = "hdl"
	RoleTestbench   Role = "testbench"
	RoleNetlist     Role = "netlist"
	RoleConstraints Role = "constraints"
	RoleSoftware    Role = "software"
	RoleSupport     Role = "support"
)

// ContentReader reads repository entries.
type ContentReader interface {
	Content(ctx context.Context, entryID string) ([]byte, error)
}

// Source is a repository entry to stage.
type Source struct {
	EntryID string
	Title   string
	Role    Role
}

// Extra is a host file staged alongside the sources, such as a standard-cell
// library. It has no repository entry.
type Extra struct {
	Name string
	Path string
	Role Role
}

// Request describes what to stage. TopEntry, when set, must be one of the
// sources.
type Request struct {
	Sources   []Source
	Extras    []Extra
	TopModule string
	TopEntry  string
}

// Workspace is a staged directory and what was put in it.
type Workspace struct {
	ID    string
	Dir   string
	Names *NameMap
	Files map[Role][]string

	logger *logrus.Entry
}

// Stager materializes workspaces under the staging directory.
type Stager struct {
	config *config.Config
	logger *logrus.Entry
}

// NewStager creates a new stager
func NewStager(cfg *config.Config) *Stager {
	return &Stager{
		config: cfg,
		logger: logrus.WithField("component", "workspace"),
	}
}

type planned struct {
	name   string
	source *Source
	extra  *Extra
}

// Stage writes every source and extra into a new staging directory. All
// precondition failures are detected before anything is read, and a failed
// staging leaves no directory behind.
func (s *Stager) Stage(ctx context.Context, reader ContentReader, req Request) (*Workspace, error) {
	if req.TopEntry != "" && !hasEntry(req.Sources, req.TopEntry) {
		return nil, apperrors.NewPrecondition("top module entry not found")
	}
	for _, extra := range req.Extras {
		if _, err := os.Stat(extra.Path); err != nil {
			e := apperrors.NewPrecondition(fmt.Sprintf("%s is not available", extra.Name))
			e.Err = err
			return nil, e
		}
	}

	id := uuid.New().String()
	dir, err := securejoin.SecureJoin(s.config.StagingDirectory, "cloudv-"+id)
	if err != nil {
		return nil, apperrors.NewInternal(fmt.Errorf("staging path: %w", err))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewInternal(fmt.Errorf("create staging directory: %w", err))
	}

	ws := &Workspace{
		ID:     id,
		Dir:    dir,
		Names:  newNameMap(req.TopModule),
		Files:  make(map[Role][]string),
		logger: s.logger.WithField("workspace", id),
	}

	namer := newUniqueNamer()
	plan := make([]planned, 0, len(req.Sources)+len(req.Extras))
	for i := range req.Sources {
		src := &req.Sources[i]
		name := namer.next(src.Title)
		ws.Names.add(name, FileRef{EntryID: src.EntryID, Title: src.Title})
		ws.Files[src.Role] = append(ws.Files[src.Role], name)
		plan = append(plan, planned{name: name, source: src})
	}
	for i := range req.Extras {
		extra := &req.Extras[i]
		name := namer.next(extra.Name)
		ws.Names.add(name, FileRef{Title: extra.Name})
		ws.Files[extra.Role] = append(ws.Files[extra.Role], name)
		plan = append(plan, planned{name: name, extra: extra})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentReads)
	for _, p := range plan {
		eg.Go(func() error {
			return ws.materialize(egCtx, reader, p)
		})
	}
	if err := eg.Wait(); err != nil {
		ws.Remove()
		return nil, err
	}

	ws.logger.WithField("files", len(plan)).Debug("Workspace staged")
	return ws, nil
}

func (ws *Workspace) materialize(ctx context.Context, reader ContentReader, p planned) error {
	var (
		data  []byte
		err   error
		title string
	)
	if p.source != nil {
		title = p.source.Title
		data, err = reader.Content(ctx, p.source.EntryID)
	} else {
		title = p.extra.Name
		data, err = os.ReadFile(p.extra.Path)
	}
	if err != nil {
		e := apperrors.NewPrecondition(fmt.Sprintf("unable to read %s", title))
		e.Err = err
		return e
	}

	target, err := securejoin.SecureJoin(ws.Dir, p.name)
	if err != nil {
		return apperrors.NewInternal(fmt.Errorf("staged path for %s: %w", p.name, err))
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return apperrors.NewInternal(fmt.Errorf("write %s: %w", p.name, err))
	}
	return nil
}

// Remove deletes the staging directory, logging failures.
func (ws *Workspace) Remove() {
	if err := os.RemoveAll(ws.Dir); err != nil {
		ws.logger.WithError(err).Warn("Failed to remove staging directory")
	}
}

// Path returns the host path of a staged file.
func (ws *Workspace) Path(name string) (string, error) {
	return securejoin.SecureJoin(ws.Dir, name)
}

// Provision starts a sandbox with the workspace bound read-only, copies it
// into the writable working directory and removes the staging directory
// whatever the outcome.
func (s *Stager) Provision(ctx context.Context, ws *Workspace, provider *sandbox.Provider, spec sandbox.Spec) (*sandbox.Sandbox, error) {
	defer ws.Remove()

	spec.StagingDir = ws.Dir
	sb, err := provider.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := sb.Copy(ctx, provider.InputDir()+"/.", sb.Workdir(), true); err != nil {
		sb.Destroy(context.WithoutCancel(ctx))
		return nil, err
	}

	ws.logger.WithField("container_id", sb.ID()).Debug("Workspace copied into sandbox")
	return sb, nil
}

func hasEntry(sources []Source, entryID string) bool {
	for _, src := range sources {
		if src.EntryID == entryID {
			return true
		}
	}
	return false
}

// Cleanup removes staging directories left behind by a crashed process.
func (s *Stager) Cleanup() error {
	matches, err := filepath.Glob(filepath.Join(s.config.StagingDirectory, "cloudv-*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			s.logger.WithError(err).Warnf("Failed to remove stale staging directory: %s", m)
		}
	}
	return nil
}
