package job

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/batch"
	"github.com/Cloud-V/Backend-sub002/internal/diagnostics"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/repository"
	"github.com/Cloud-V/Backend-sub002/internal/storage"
	"github.com/Cloud-V/Backend-sub002/internal/token"
	"github.com/Cloud-V/Backend-sub002/internal/toolchain"
	"github.com/Cloud-V/Backend-sub002/internal/types"
	"github.com/Cloud-V/Backend-sub002/internal/workspace"
)

// Archive layout shared with the batch worker.
const (
	ManifestFile = "manifest.json"
	InputObject  = "input.zip"
	ResultObject = "result.zip"

	// Files the worker puts in its result archive besides the artifacts.
	ResultStdout   = "stdout.log"
	ResultStderr   = "stderr.log"
	ResultExitCode = "exit_code"

	// Environment handed to the worker.
	CallbackURLEnv = "CALLBACK_URL"
	ResultURLEnv   = "RESULT_S3_URL"
)

// Manifest tells the worker what to run.
type Manifest struct {
	JobID     string        `json:"job_id"`
	Kind      types.JobKind `json:"kind"`
	Commands  [][]string    `json:"commands"`
	Artifacts []string      `json:"artifacts"`
	// Strict selects the strict diagnostics dialect.
	Strict bool `json:"strict,omitempty"`
	// Names maps staged names back to repository entries.
	Names map[string]string `json:"names"`
	// Outputs maps each artifact to the entry it is written to.
	Outputs map[string]string `json:"outputs"`
	// Report is the artifact returned as the job's report.
	Report string `json:"report,omitempty"`
}

// submit archives the staged workspace, uploads it, issues a callback token
// and submits the batch job. The token exists before submission and only
// learns the job handle once submission succeeded.
func (m *Manager) submit(ctx context.Context, j *job, repo *repository.Repo, p *plan) (*Result, error) {
	ws, script, err := m.stage(ctx, j, repo, p)
	if err != nil {
		return nil, err
	}

	j.emit(StageUploading, nil)
	prefix := path.Join(repo.ID, string(p.kind), j.id)
	inputKey := path.Join(prefix, InputObject)
	resultKey := path.Join(prefix, ResultObject)

	archive, err := m.archive(ws, script, j, p)
	ws.Remove()
	if err != nil {
		return nil, apperrors.NewInternal(fmt.Errorf("archive workspace: %w", err))
	}
	defer os.Remove(archive)

	if err := m.deps.Storage.Upload(ctx, inputKey, archive); err != nil {
		return nil, apperrors.NewInternal(fmt.Errorf("upload %s: %w", inputKey, err))
	}

	tok, err := m.deps.Tokens.Create(ctx, &token.Token{
		User:         j.call.User,
		Repo:         repo.ID,
		SourceEntry:  p.source,
		ReportEntry:  path.Join(p.outputDir, reportName(p.kind)),
		JobType:      token.JobTypeFor(p.kind),
		ResultBucket: m.deps.Storage.Bucket(),
		ResultPath:   resultKey,
	})
	if err != nil {
		m.removeObject(ctx, j.logger, inputKey)
		return nil, err
	}

	j.emit(StageSubmitting, nil)
	webhook := m.webhookURL(tok.Value, repo.ID)
	handle, err := m.deps.Dispatcher.Submit(ctx, batch.Job{
		Name:       batch.JobName(string(p.kind), repo.ID, j.id),
		ArchiveURL: m.deps.Storage.URL(inputKey),
		Command:    []string{string(p.kind)},
		Env: map[string]string{
			CallbackURLEnv: webhook,
			ResultURLEnv:   m.deps.Storage.URL(resultKey),
		},
	})
	if err != nil {
		if _, uerr := m.deps.Tokens.Update(context.WithoutCancel(ctx), tok.ID, token.Patch{"expired": true}); uerr != nil {
			j.logger.WithError(uerr).Warn("Failed to expire token of unsubmitted job")
		}
		m.removeObject(ctx, j.logger, inputKey)
		return nil, err
	}

	tok, err = m.deps.Tokens.Update(ctx, tok.ID, token.Patch{
		"job_name":    handle.JobName,
		"job_id":      handle.JobID,
		"webhook_url": webhook,
	})
	if err != nil {
		return nil, err
	}

	j.logger.WithFields(logrus.Fields{
		"token_id":  tok.ID,
		"batch_job": handle.JobID,
	}).Info("Job submitted")

	view := tok.View(m.now())
	return &Result{
		JobID:       j.id,
		Kind:        p.kind,
		Diagnostics: diagnostics.Diagnostics{Errors: []diagnostics.Record{}, Warnings: []diagnostics.Record{}},
		Token:       &view,
	}, nil
}

// reportName is the entry the callback writes its summary to.
func reportName(kind types.JobKind) string {
	return string(kind) + "_report.json"
}

func (m *Manager) webhookURL(value, repoID string) string {
	q := url.Values{}
	q.Set("token", value)
	q.Set("repo", repoID)
	sep := "?"
	if strings.Contains(m.config.WebhookBaseURL, "?") {
		sep = "&"
	}
	return m.config.WebhookBaseURL + sep + q.Encode()
}

func (m *Manager) removeObject(ctx context.Context, logger *logrus.Entry, key string) {
	if err := m.deps.Storage.Remove(context.WithoutCancel(ctx), key); err != nil {
		logger.WithError(err).Warnf("Failed to remove object %s", key)
	}
}

// archive zips the staged files, the generated script files and the
// manifest into a temporary file next to the staging directory.
func (m *Manager) archive(ws *workspace.Workspace, script *toolchain.Script, j *job, p *plan) (string, error) {
	f, err := os.CreateTemp(m.config.StagingDirectory, "cloudv-"+j.id+"-*.zip")
	if err != nil {
		return "", err
	}
	name := f.Name()

	if err := writeArchive(f, ws, script, newManifest(ws, script, j, p)); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func newManifest(ws *workspace.Workspace, script *toolchain.Script, j *job, p *plan) Manifest {
	manifest := Manifest{
		JobID:     j.id,
		Kind:      j.kind,
		Commands:  script.Commands,
		Artifacts: script.Artifacts,
		Strict:    p.strict,
		Names:     make(map[string]string),
		Outputs:   make(map[string]string, len(script.Artifacts)),
		Report:    p.report,
	}
	for _, staged := range ws.Names.StagedNames() {
		if entry, ok := ws.Names.Lookup(staged); ok {
			manifest.Names[staged] = entry
		}
	}
	for _, artifact := range script.Artifacts {
		manifest.Outputs[artifact] = p.entryFor(artifact)
	}
	return manifest
}

func writeArchive(w io.Writer, ws *workspace.Workspace, script *toolchain.Script, manifest Manifest) error {
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(ws.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(ws.Dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return addFile(zw, filepath.ToSlash(rel), data)
	})
	if err != nil {
		return err
	}

	for _, name := range sortedFiles(script.Files) {
		if err := addFile(zw, name, []byte(script.Files[name])); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := addFile(zw, ManifestFile, data); err != nil {
		return err
	}

	return zw.Close()
}

func addFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// HandleCallback accepts a batch worker's completion webhook. The token is
// looked up without revealing whether it exists, the result is fetched, the
// token is consumed exactly once and the report entry is written.
func (m *Manager) HandleCallback(ctx context.Context, value, repoID string, body types.CallbackRequest) (*Result, error) {
	logger := m.logger.WithField("repo", repoID)

	tok, err := m.deps.Tokens.FindValid(ctx, token.Query{Value: value, Repo: repoID})
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("token_id", tok.ID)

	kind := tok.JobType.Kind()
	result := &Result{
		JobID: tok.JobID,
		Kind:  kind,
		Diagnostics: diagnostics.Diagnostics{
			Errors:   []diagnostics.Record{},
			Warnings: []diagnostics.Record{},
		},
	}

	var files map[string][]byte
	if body.Status == "failed" {
		result.Diagnostics.Errors = append(result.Diagnostics.Errors, diagnostics.Record{
			Message: callbackMessage(body.Message),
			Type:    diagnostics.TypeError,
		})
	} else {
		if tok.ResultBucket != m.deps.Storage.Bucket() {
			return nil, apperrors.NewInternal(fmt.Errorf("result bucket %s is not served by this store", tok.ResultBucket))
		}
		data, err := m.deps.Storage.Read(ctx, tok.ResultPath)
		if err != nil {
			if stderrors.Is(err, storage.ErrObjectNotExist) {
				return nil, apperrors.NewPrecondition("job result is not available")
			}
			return nil, apperrors.NewInternal(fmt.Errorf("read result %s: %w", tok.ResultPath, err))
		}
		files, err = readResult(data)
		if err != nil {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("malformed job result: %v", err))
		}
	}

	if err := m.deps.Tokens.Consume(ctx, tok.ID); err != nil {
		return nil, err
	}

	repo, err := m.deps.Repos.Open(repoID)
	if err != nil {
		return nil, err
	}

	if files != nil {
		manifest := readManifest(files[ManifestFile], logger)
		exit, _ := strconv.Atoi(strings.TrimSpace(string(files[ResultExitCode])))
		result.Stdout = string(files[ResultStdout])
		result.Diagnostics = diagnostics.ForJobKind(kind, manifest.Strict).Parse(string(files[ResultStderr]), manifestNames(manifest.Names), exit != 0)

		dir := path.Dir(tok.ReportEntry)
		for _, name := range artifactNames(files) {
			target, ok := manifest.Outputs[name]
			if !ok {
				target = path.Join(dir, name)
			}
			entry, err := repo.Write(ctx, target, files[name])
			if err != nil {
				return nil, apperrors.NewInternal(err)
			}
			result.Artifacts = append(result.Artifacts, Artifact{Name: name, Entry: entry.ID, Size: len(files[name])})
		}
		if manifest.Report != "" {
			result.Report = string(files[manifest.Report])
		}
	}

	if tok.ReportEntry != "" {
		summary, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, apperrors.NewInternal(err)
		}
		if _, err := repo.Write(ctx, tok.ReportEntry, summary); err != nil {
			return nil, apperrors.NewInternal(err)
		}
	}

	m.removeObject(ctx, logger, path.Join(path.Dir(tok.ResultPath), InputObject))

	logger.WithFields(logrus.Fields{
		"errors":    len(result.Diagnostics.Errors),
		"artifacts": len(result.Artifacts),
	}).Info("Callback handled")

	return result, nil
}

func callbackMessage(msg string) string {
	if msg == "" {
		return diagnostics.FatalMessage
	}
	return msg
}

// readResult unpacks a worker result archive into memory.
func readResult(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(strings.ReplaceAll(f.Name, `\`, "/"))
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("invalid path %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files[name] = content
	}
	return files, nil
}

func artifactNames(files map[string][]byte) []string {
	var names []string
	for name := range files {
		switch name {
		case ManifestFile, ResultStdout, ResultStderr, ResultExitCode:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// manifestNames resolves staged names through a manifest's name table.
type manifestNames map[string]string

func (n manifestNames) Lookup(staged string) (string, bool) {
	entry, ok := n[staged]
	return entry, ok
}

// readManifest decodes the manifest echoed back by the worker. A missing or
// malformed manifest yields an empty one.
func readManifest(data []byte, logger *logrus.Entry) Manifest {
	var manifest Manifest
	if len(data) == 0 {
		logger.Warn("Job result has no manifest")
		return manifest
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		logger.WithError(err).Warn("Failed to decode job manifest")
		return Manifest{}
	}
	return manifest
}

// LatestStatus returns the public status of the most recent token issued for
// source in a repository, or nil when there is none.
func (m *Manager) LatestStatus(ctx context.Context, call Call, source string, jobType token.JobType) (*types.TokenStatus, error) {
	if _, err := m.open(call); err != nil {
		return nil, err
	}
	tok, err := m.deps.Tokens.FindLatest(ctx, token.Query{Repo: call.RepoID, SourceEntry: source, JobType: jobType})
	if err != nil || tok == nil {
		return nil, err
	}
	view := tok.View(m.now())
	return &view, nil
}
