package sandbox

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

// teardownTimeout bounds the stop/remove calls issued by the timeout path,
// which has no caller context to inherit.
const teardownTimeout = 30 * time.Second

// ErrDestroyed is the cause attached to commands issued after teardown.
var ErrDestroyed = stderrors.New("sandbox already destroyed")

// ContainerAPI is the subset of the docker client used by sandboxes.
// *client.Client satisfies it.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// ExecResult is the demultiplexed output of one command.
type ExecResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"code"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Failed reports whether the command exited non-zero.
func (r *ExecResult) Failed() bool {
	return r.ExitCode != 0
}

// Sandbox is one ephemeral container owned by a single job. It is torn down
// on success, on a stream failure, or when its timer fires; once destroyed it
// refuses further commands.
type Sandbox struct {
	id          string
	api         ContainerAPI
	workdir     string
	outputLimit int
	logger      *logrus.Entry

	destroyed atomic.Bool
	timedOut  atomic.Bool

	teardown  sync.Mutex
	timer     *time.Timer
	onTimeout func(error)
}

func newSandbox(api ContainerAPI, id, workdir string, outputLimit int, timeout time.Duration, onTimeout func(error), logger *logrus.Entry) *Sandbox {
	s := &Sandbox{
		id:          id,
		api:         api,
		workdir:     workdir,
		outputLimit: outputLimit,
		logger:      logger.WithField("container_id", shortID(id)),
		onTimeout:   onTimeout,
	}

	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, s.expire)
	}

	return s
}

// ID returns the container id.
func (s *Sandbox) ID() string {
	return s.id
}

// Workdir returns the writable working directory inside the container.
func (s *Sandbox) Workdir() string {
	return s.workdir
}

// Destroyed reports whether teardown has started.
func (s *Sandbox) Destroyed() bool {
	return s.destroyed.Load()
}

// TimedOut reports whether the timer fired.
func (s *Sandbox) TimedOut() bool {
	return s.timedOut.Load()
}

// Run executes cmd inside the container and returns its demultiplexed output.
// A non-zero exit code is not an error; callers inspect ExecResult.ExitCode.
func (s *Sandbox) Run(ctx context.Context, cmd []string, destroyOnFailure bool) (*ExecResult, error) {
	return s.exec(ctx, cmd, nil, s.outputLimit, destroyOnFailure)
}

// Write streams content into path through the command's stdin.
func (s *Sandbox) Write(ctx context.Context, path, content string, destroyOnFailure bool) (*ExecResult, error) {
	cmd := []string{"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", path}
	res, err := s.exec(ctx, cmd, strings.NewReader(content), s.outputLimit, destroyOnFailure)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return res, apperrors.NewProcessing(fmt.Errorf("write %s: exit code %d: %s", path, res.ExitCode, res.Stderr))
	}
	return res, nil
}

// Read returns the text content of path.
func (s *Sandbox) Read(ctx context.Context, path string, destroyOnFailure bool) (*ExecResult, error) {
	res, err := s.exec(ctx, []string{"cat", "--", path}, nil, 0, destroyOnFailure)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return res, apperrors.NewProcessing(fmt.Errorf("read %s: exit code %d: %s", path, res.ExitCode, res.Stderr))
	}
	return res, nil
}

// ReadBinary returns the raw bytes of path and the command's stderr.
func (s *Sandbox) ReadBinary(ctx context.Context, path string, destroyOnFailure bool) ([]byte, string, error) {
	res, err := s.Read(ctx, path, destroyOnFailure)
	if err != nil {
		if res != nil {
			return nil, res.Stderr, err
		}
		return nil, "", err
	}
	return []byte(res.Stdout), res.Stderr, nil
}

// Copy recursively copies src to dst inside the container, preserving
// attributes.
func (s *Sandbox) Copy(ctx context.Context, src, dst string, destroyOnFailure bool) error {
	res, err := s.exec(ctx, []string{"cp", "-a", "--", src, dst}, nil, s.outputLimit, destroyOnFailure)
	if err != nil {
		return err
	}
	if res.Failed() {
		return apperrors.NewProcessing(fmt.Errorf("copy %s to %s: exit code %d: %s", src, dst, res.ExitCode, res.Stderr))
	}
	return nil
}

// Destroy stops and removes the container unconditionally. It is idempotent
// and only logs removal failures.
func (s *Sandbox) Destroy(ctx context.Context) {
	s.teardown.Lock()
	defer s.teardown.Unlock()

	s.stopTimer()
	if s.destroyed.Swap(true) {
		return
	}

	s.logger.Debug("Destroying sandbox")

	noWait := 0
	if err := s.api.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &noWait}); err != nil && !errdefs.IsNotFound(err) {
		s.logger.WithError(err).Warn("Failed to stop sandbox container")
	}
	if err := s.api.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		s.logger.WithError(err).Error("Failed to remove sandbox container")
	}
}

// CheckAndDestroy inspects the container first and only stops it if it is
// still running. A container that no longer exists counts as cleaned up.
func (s *Sandbox) CheckAndDestroy(ctx context.Context) error {
	s.teardown.Lock()
	defer s.teardown.Unlock()

	s.stopTimer()
	if s.destroyed.Swap(true) {
		return nil
	}

	info, err := s.api.ContainerInspect(ctx, s.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container: %w", err)
	}

	if info.ContainerJSONBase != nil && info.State != nil && info.State.Running {
		noWait := 0
		if err := s.api.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &noWait}); err != nil {
			if errdefs.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("stop container: %w", err)
		}
	}

	if err := s.api.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}

	return nil
}

// expire runs on the timer goroutine.
func (s *Sandbox) expire() {
	s.timedOut.Store(true)
	s.logger.Warn("Sandbox timed out, forcing teardown")

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	err := s.CheckAndDestroy(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to tear down timed out sandbox")
	}

	if s.onTimeout == nil {
		return
	}
	if err != nil {
		s.onTimeout(err)
		return
	}
	s.onTimeout(apperrors.NewTimeout())
}

func (s *Sandbox) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// exec runs one command. Setup failures are environment errors; a stream
// failure is a processing error and optionally tears the sandbox down. If the
// timer fired while the command was in flight the result is a timeout error.
func (s *Sandbox) exec(ctx context.Context, cmd []string, stdin io.Reader, limit int, destroyOnFailure bool) (*ExecResult, error) {
	if s.destroyed.Load() {
		if s.timedOut.Load() {
			return nil, apperrors.NewTimeout()
		}
		return nil, apperrors.NewEnvironment(ErrDestroyed)
	}

	created, err := s.api.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   s.workdir,
	})
	if err != nil {
		return nil, apperrors.NewEnvironment(fmt.Errorf("exec create: %w", err))
	}

	attached, err := s.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, apperrors.NewEnvironment(fmt.Errorf("exec attach: %w", err))
	}
	defer attached.Close()

	stdinErr := make(chan error, 1)
	if stdin != nil {
		go func() {
			_, err := io.Copy(attached.Conn, stdin)
			if cerr := attached.CloseWrite(); err == nil {
				err = cerr
			}
			stdinErr <- err
		}()
	} else {
		stdinErr <- nil
	}

	stdout := &limitedBuffer{limit: limit}
	stderr := &limitedBuffer{limit: limit}
	_, streamErr := stdcopy.StdCopy(stdout, stderr, attached.Reader)
	if err := <-stdinErr; err != nil && streamErr == nil {
		streamErr = fmt.Errorf("stdin: %w", err)
	}

	if s.timedOut.Load() {
		return nil, apperrors.NewTimeout()
	}

	if streamErr != nil {
		s.logger.WithError(streamErr).Error("Sandbox stream failed")
		if destroyOnFailure {
			if err := s.CheckAndDestroy(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithError(err).Error("Failed to tear down sandbox after stream failure")
			}
		}
		return nil, apperrors.NewProcessing(streamErr)
	}

	inspect, err := s.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		if s.timedOut.Load() {
			return nil, apperrors.NewTimeout()
		}
		return nil, apperrors.NewProcessing(fmt.Errorf("exec inspect: %w", err))
	}

	return &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  inspect.ExitCode,
		Truncated: stdout.truncated || stderr.truncated,
	}, nil
}

// limitedBuffer keeps at most limit bytes and silently drains the rest so the
// stream is never blocked. A limit of 0 disables the cap.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
