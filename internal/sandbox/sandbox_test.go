package sandbox_test

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/sandbox"
	"github.com/Cloud-V/Backend-sub002/internal/sandbox/sandboxtest"
)

func testConfig() *config.Config {
	return &config.Config{
		SandboxImage:    "cloudv/toolchain:test",
		SandboxWorkdir:  "/workspace",
		SandboxInputDir: "/input",
		OutputMaxSize:   1 << 20,
	}
}

func newSandbox(t *testing.T, docker *sandboxtest.Docker, spec sandbox.Spec) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.NewProvider(docker, testConfig()).Create(context.Background(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { sb.Destroy(context.Background()) })
	return sb
}

func TestRun_DemultiplexesStreams(t *testing.T) {
	docker := sandboxtest.New()
	docker.Handle("iverilog", func(c *sandboxtest.Container, cmd []string, _ []byte) sandboxtest.Outcome {
		return sandboxtest.Outcome{Stdout: "compiled\n", Stderr: "foo.v:3: warning: implicit net\n", ExitCode: 2}
	})
	sb := newSandbox(t, docker, sandbox.Spec{})

	res, err := sb.Run(context.Background(), []string{"iverilog", "foo.v"}, true)
	require.NoError(t, err)
	assert.Equal(t, "compiled\n", res.Stdout)
	assert.Equal(t, "foo.v:3: warning: implicit net\n", res.Stderr)
	assert.Equal(t, 2, res.ExitCode)
	assert.True(t, res.Failed())
	assert.False(t, sb.Destroyed())
}

func TestWriteReadCopy(t *testing.T) {
	docker := sandboxtest.New()
	sb := newSandbox(t, docker, sandbox.Spec{})
	ctx := context.Background()

	_, err := sb.Write(ctx, "synth.ys", "read_verilog top.v\n", true)
	require.NoError(t, err)

	res, err := sb.Read(ctx, "synth.ys", true)
	require.NoError(t, err)
	assert.Equal(t, "read_verilog top.v\n", res.Stdout)

	require.NoError(t, sb.Copy(ctx, "synth.ys", "backup.ys", true))
	data, stderr, err := sb.ReadBinary(ctx, "/workspace/backup.ys", true)
	require.NoError(t, err)
	assert.Empty(t, stderr)
	assert.Equal(t, []byte("read_verilog top.v\n"), data)

	_, err = sb.Read(ctx, "missing.v", false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrProcessing))
}

func TestCopy_FromReadOnlyMount(t *testing.T) {
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "top.v"), []byte("module top; endmodule\n"), 0o644))

	docker := sandboxtest.New()
	sb := newSandbox(t, docker, sandbox.Spec{StagingDir: staging})

	require.NoError(t, sb.Copy(context.Background(), "/input/.", "/workspace/", true))
	data, ok := docker.Last().ReadFile("/workspace/top.v")
	require.True(t, ok)
	assert.Equal(t, "module top; endmodule\n", string(data))

	mounts := docker.Last().Host.Mounts
	require.Len(t, mounts, 1)
	assert.True(t, mounts[0].ReadOnly)
	assert.Equal(t, "/input", mounts[0].Target)
}

func TestRun_AfterDestroyFailsFast(t *testing.T) {
	docker := sandboxtest.New()
	sb := newSandbox(t, docker, sandbox.Spec{})

	sb.Destroy(context.Background())
	sb.Destroy(context.Background())
	assert.True(t, sb.Destroyed())
	assert.Equal(t, 0, docker.Live())

	_, err := sb.Run(context.Background(), []string{"true"}, false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrEnvironment))
	assert.True(t, stderrors.Is(err, sandbox.ErrDestroyed))
}

func TestRun_ExecSetupFailure(t *testing.T) {
	docker := sandboxtest.New()
	sb := newSandbox(t, docker, sandbox.Spec{})
	docker.ExecCreateErr = stderrors.New("daemon unavailable")

	_, err := sb.Run(context.Background(), []string{"yosys"}, true)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrEnvironment))
	assert.False(t, sb.Destroyed())
}

func TestRun_StreamFailureTearsDown(t *testing.T) {
	docker := sandboxtest.New()
	docker.Handle("vvp", func(*sandboxtest.Container, []string, []byte) sandboxtest.Outcome {
		return sandboxtest.Outcome{StreamErr: stderrors.New("connection reset")}
	})

	t.Run("destroy on failure", func(t *testing.T) {
		sb := newSandbox(t, docker, sandbox.Spec{})
		_, err := sb.Run(context.Background(), []string{"vvp", "sim.vvp"}, true)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrProcessing))
		assert.True(t, sb.Destroyed())
		assert.True(t, docker.Last().Removed())
	})

	t.Run("keep on failure", func(t *testing.T) {
		sb := newSandbox(t, docker, sandbox.Spec{})
		_, err := sb.Run(context.Background(), []string{"vvp", "sim.vvp"}, false)
		require.Error(t, err)
		assert.False(t, sb.Destroyed())
	})
}

func TestCheckAndDestroy_NotFoundIsSuccess(t *testing.T) {
	docker := sandboxtest.New()
	sb := newSandbox(t, docker, sandbox.Spec{})

	docker.InspectErr = errdefs.NotFound(stderrors.New("no such container"))
	assert.NoError(t, sb.CheckAndDestroy(context.Background()))
	assert.True(t, sb.Destroyed())
}

func TestCheckAndDestroy_InspectFailure(t *testing.T) {
	docker := sandboxtest.New()
	sb := newSandbox(t, docker, sandbox.Spec{})

	docker.InspectErr = stderrors.New("daemon unavailable")
	err := sb.CheckAndDestroy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inspect container")
}

func TestTimeout_ForcesTeardown(t *testing.T) {
	docker := sandboxtest.New()
	reported := make(chan error, 1)
	sb := newSandbox(t, docker, sandbox.Spec{
		Timeout:   time.Second,
		OnTimeout: func(err error) { reported <- err },
	})

	start := time.Now()
	_, err := sb.Run(context.Background(), []string{"sleep", "5"}, true)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTimeout))
	assert.Less(t, elapsed, 4*time.Second)
	assert.True(t, sb.TimedOut())
	assert.True(t, sb.Destroyed())
	assert.Equal(t, 0, docker.Live())

	select {
	case err := <-reported:
		assert.True(t, apperrors.Is(err, apperrors.ErrTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback was not invoked")
	}

	_, err = sb.Run(context.Background(), []string{"true"}, false)
	assert.True(t, apperrors.Is(err, apperrors.ErrTimeout))
}

func TestTimeout_DisabledWhenZero(t *testing.T) {
	docker := sandboxtest.New()
	sb := newSandbox(t, docker, sandbox.Spec{Timeout: 0})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, sb.TimedOut())
	assert.False(t, sb.Destroyed())
}

func TestProvider_StartFailureRemovesContainer(t *testing.T) {
	docker := sandboxtest.New()
	docker.StartErr = stderrors.New("image not found")

	_, err := sandbox.NewProvider(docker, testConfig()).Create(context.Background(), sandbox.Spec{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrEnvironment))
	assert.Equal(t, 0, docker.Live())
}

func TestRun_OutputIsCapped(t *testing.T) {
	docker := sandboxtest.New()
	docker.Handle("yes", func(*sandboxtest.Container, []string, []byte) sandboxtest.Outcome {
		return sandboxtest.Outcome{Stdout: string(make([]byte, 64))}
	})
	cfg := testConfig()
	cfg.OutputMaxSize = 16

	sb, err := sandbox.NewProvider(docker, cfg).Create(context.Background(), sandbox.Spec{})
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	res, err := sb.Run(context.Background(), []string{"yes"}, false)
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 16)
	assert.True(t, res.Truncated)
}
