// Package sandboxtest provides an in-memory stand-in for the docker daemon
// used by sandbox, workspace and job tests.
package sandboxtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Outcome is what a fake command produces.
type Outcome struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Block     bool  // hold the stream open until the container is removed
	StreamErr error // break the stream mid-command
}

// Handler runs a command that is not one of the built-in file commands.
type Handler func(c *Container, cmd []string, stdin []byte) Outcome

// Container is a fake running container with an in-memory file system.
type Container struct {
	ID      string
	Config  *container.Config
	Host    *container.HostConfig
	Workdir string

	mu      sync.Mutex
	running bool
	removed bool
	files   map[string][]byte
	gone    chan struct{}
}

// ReadFile returns a file from the container file system.
func (c *Container) ReadFile(p string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[c.abs(p)]
	return data, ok
}

// WriteFile stores a file in the container file system.
func (c *Container) WriteFile(p string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[c.abs(p)] = data
}

// Files lists every path in the container file system.
func (c *Container) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.files))
	for p := range c.files {
		out = append(out, p)
	}
	return out
}

// Removed reports whether the container was removed.
func (c *Container) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

func (c *Container) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.Workdir, p)
}

type execState struct {
	container *Container
	opts      container.ExecOptions
	exitCode  int
	done      chan struct{}
}

// Docker is a fake ContainerAPI.
type Docker struct {
	mu         sync.Mutex
	containers map[string]*Container
	execs      map[string]*execState
	handlers   map[string]Handler

	CreateErr     error
	StartErr      error
	ExecCreateErr error
	InspectErr    error
}

// New creates an empty fake daemon.
func New() *Docker {
	return &Docker{
		containers: make(map[string]*Container),
		execs:      make(map[string]*execState),
		handlers:   make(map[string]Handler),
	}
}

// Handle registers a handler for a program name (cmd[0]).
func (d *Docker) Handle(program string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[program] = h
}

// Containers returns every container ever created.
func (d *Docker) Containers() []*Container {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Container, 0, len(d.containers))
	for _, c := range d.containers {
		out = append(out, c)
	}
	return out
}

// Live returns the number of containers that were created and not removed.
func (d *Docker) Live() int {
	n := 0
	for _, c := range d.Containers() {
		if !c.Removed() {
			n++
		}
	}
	return n
}

// Last returns the most recently created container.
func (d *Docker) Last() *Container {
	var last *Container
	for _, c := range d.Containers() {
		if last == nil || c.ID > last.ID {
			last = c
		}
	}
	return last
}

func (d *Docker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	if d.CreateErr != nil {
		return container.CreateResponse{}, d.CreateErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	id := fmt.Sprintf("%020d%s", time.Now().UnixNano(), strings.ReplaceAll(uuid.NewString(), "-", ""))
	d.containers[id] = &Container{
		ID:      id,
		Config:  cfg,
		Host:    host,
		Workdir: cfg.WorkingDir,
		files:   make(map[string][]byte),
		gone:    make(chan struct{}),
	}
	return container.CreateResponse{ID: id}, nil
}

func (d *Docker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	if d.StartErr != nil {
		return d.StartErr
	}
	c, err := d.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (d *Docker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	if d.InspectErr != nil {
		return container.InspectResponse{}, d.InspectErr
	}
	c, err := d.get(id)
	if err != nil {
		return container.InspectResponse{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Running: c.running},
		},
	}, nil
}

func (d *Docker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	c, err := d.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

func (d *Docker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	c, err := d.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.removed = true
	close(c.gone)
	return nil
}

func (d *Docker) ContainerExecCreate(_ context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	if d.ExecCreateErr != nil {
		return container.ExecCreateResponse{}, d.ExecCreateErr
	}
	c, err := d.get(id)
	if err != nil {
		return container.ExecCreateResponse{}, err
	}
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return container.ExecCreateResponse{}, errdefs.Conflict(fmt.Errorf("container %s is not running", id))
	}

	execID := uuid.NewString()
	d.mu.Lock()
	d.execs[execID] = &execState{container: c, opts: opts, done: make(chan struct{})}
	d.mu.Unlock()
	return container.ExecCreateResponse{ID: execID}, nil
}

func (d *Docker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	d.mu.Lock()
	st, ok := d.execs[execID]
	d.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, errdefs.NotFound(fmt.Errorf("no such exec: %s", execID))
	}

	stdinR, stdinW := io.Pipe()
	outR, outW := io.Pipe()
	conn := &pipeConn{stdin: stdinW, out: outR}

	go d.runExec(st, stdinR, outW)

	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(outR)}, nil
}

func (d *Docker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	d.mu.Lock()
	st, ok := d.execs[execID]
	d.mu.Unlock()
	if !ok {
		return container.ExecInspect{}, errdefs.NotFound(fmt.Errorf("no such exec: %s", execID))
	}
	<-st.done
	if st.container.Removed() {
		return container.ExecInspect{}, errdefs.NotFound(fmt.Errorf("no such container: %s", st.container.ID))
	}
	return container.ExecInspect{ExecID: execID, ExitCode: st.exitCode}, nil
}

func (d *Docker) runExec(st *execState, stdinR *io.PipeReader, outW *io.PipeWriter) {
	defer close(st.done)

	var stdin []byte
	if st.opts.AttachStdin {
		stdin, _ = io.ReadAll(stdinR)
	}

	c := st.container
	outcome := d.dispatch(c, st.opts.Cmd, stdin)
	st.exitCode = outcome.ExitCode

	if outcome.StreamErr != nil {
		outW.CloseWithError(outcome.StreamErr)
		return
	}

	if outcome.Stdout != "" {
		_, _ = stdcopy.NewStdWriter(outW, stdcopy.Stdout).Write([]byte(outcome.Stdout))
	}
	if outcome.Stderr != "" {
		_, _ = stdcopy.NewStdWriter(outW, stdcopy.Stderr).Write([]byte(outcome.Stderr))
	}

	if outcome.Block {
		<-c.gone
		st.exitCode = 137
	}
	outW.Close()
}

func (d *Docker) dispatch(c *Container, cmd []string, stdin []byte) Outcome {
	if len(cmd) == 0 {
		return Outcome{ExitCode: 127, Stderr: "empty command\n"}
	}

	switch {
	case cmd[0] == "sh" && len(cmd) == 5 && strings.Contains(cmd[2], "cat >"):
		c.WriteFile(cmd[4], stdin)
		return Outcome{}
	case cmd[0] == "cat" && len(cmd) == 3:
		data, ok := c.ReadFile(cmd[2])
		if !ok {
			return Outcome{ExitCode: 1, Stderr: fmt.Sprintf("cat: %s: No such file or directory\n", cmd[2])}
		}
		return Outcome{Stdout: string(data)}
	case cmd[0] == "cp" && len(cmd) == 5:
		return d.copy(c, cmd[3], cmd[4])
	case cmd[0] == "sleep":
		return Outcome{Block: true}
	}

	d.mu.Lock()
	h, ok := d.handlers[cmd[0]]
	d.mu.Unlock()
	if !ok {
		return Outcome{ExitCode: 127, Stderr: fmt.Sprintf("sh: %s: not found\n", cmd[0])}
	}
	return h(c, cmd, stdin)
}

// copy understands "cp -a <mount>/. <dst>" by reading the bound host
// directory, and plain in-container copies otherwise.
func (d *Docker) copy(c *Container, src, dst string) Outcome {
	for _, m := range c.Host.Mounts {
		if strings.TrimSuffix(src, "/.") != m.Target {
			continue
		}
		err := filepath.Walk(m.Source, func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(m.Source, p)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			c.WriteFile(path.Join(dst, filepath.ToSlash(rel)), data)
			return nil
		})
		if err != nil {
			return Outcome{ExitCode: 1, Stderr: err.Error() + "\n"}
		}
		return Outcome{}
	}

	data, ok := c.ReadFile(src)
	if !ok {
		return Outcome{ExitCode: 1, Stderr: fmt.Sprintf("cp: cannot stat '%s'\n", src)}
	}
	c.WriteFile(dst, data)
	return Outcome{}
}

func (d *Docker) get(id string) (*Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return nil, errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	c.mu.Lock()
	removed := c.removed
	c.mu.Unlock()
	if removed {
		return nil, errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	return c, nil
}

// pipeConn is the hijacked connection handed to the sandbox.
type pipeConn struct {
	stdin *io.PipeWriter
	out   *io.PipeReader
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *pipeConn) CloseWrite() error           { return p.stdin.Close() }
func (p *pipeConn) Close() error {
	p.stdin.Close()
	return p.out.Close()
}
func (p *pipeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (p *pipeConn) SetDeadline(_ time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(_ time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "pipe" }
func (fakeAddr) String() string  { return "fake" }
