package workspace

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/sandbox"
	"github.com/Cloud-V/Backend-sub002/internal/sandbox/sandboxtest"
)

type memRepo map[string]string

func (m memRepo) Content(_ context.Context, entryID string) ([]byte, error) {
	data, ok := m[entryID]
	if !ok {
		return nil, stderrors.New("entry missing")
	}
	return []byte(data), nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		StagingDirectory: t.TempDir(),
		SandboxImage:     "cloudv/toolchain:test",
		SandboxWorkdir:   "/workspace",
		SandboxInputDir:  "/input",
		OutputMaxSize:    1 << 20,
	}
}

func stagingDirs(t *testing.T, cfg *config.Config) []string {
	matches, err := filepath.Glob(filepath.Join(cfg.StagingDirectory, "cloudv-*"))
	require.NoError(t, err)
	return matches
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alu.v", "alu.v"},
		{"my file (1).v", "my_file__1_.v"},
		{"-rf.v", "rf.v"},
		{".hidden.v", "hidden.v"},
		{"../../etc/passwd", "passwd"},
		{"dir\\win.v", "win.v"},
		{"$(reboot).v", "__reboot_.v"},
		{"...", "file"},
		{"", "file"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestUniqueNames(t *testing.T) {
	u := newUniqueNamer()
	assert.Equal(t, "top.v", u.next("top.v"))
	assert.Equal(t, "top_1.v", u.next("top.v"))
	assert.Equal(t, "Top_2.v", u.next("Top.v"))
	assert.Equal(t, "top_v", u.next("top v"))
	assert.Equal(t, "top_v_1", u.next("top?v"))
}

func TestStage_NameMapRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	repo := memRepo{
		"e1": "module top; endmodule\n",
		"e2": "module alu; endmodule\n",
		"e3": "module alu2; endmodule\n",
		"e4": "module top_tb; endmodule\n",
	}

	ws, err := NewStager(cfg).Stage(context.Background(), repo, Request{
		Sources: []Source{
			{EntryID: "e1", Title: "top.v", Role: RoleHDL},
			{EntryID: "e2", Title: "alu.v", Role: RoleHDL},
			{EntryID: "e3", Title: "alu.v", Role: RoleHDL},
			{EntryID: "e4", Title: "top tb.v", Role: RoleTestbench},
		},
		TopModule: "top",
		TopEntry:  "e1",
	})
	require.NoError(t, err)
	defer ws.Remove()

	assert.Equal(t, "top", ws.Names.TopModule)
	assert.Equal(t, []string{"alu.v", "alu_1.v", "top.v", "top_tb.v"}, ws.Names.StagedNames())
	assert.Equal(t, []string{"top.v", "alu.v", "alu_1.v"}, ws.Files[RoleHDL])
	assert.Equal(t, []string{"top_tb.v"}, ws.Files[RoleTestbench])

	for _, staged := range ws.Names.StagedNames() {
		ref, ok := ws.Names.Resolve(staged)
		require.True(t, ok)
		back, ok := ws.Names.StagedName(ref.EntryID)
		require.True(t, ok)
		assert.Equal(t, staged, back)

		data, err := os.ReadFile(filepath.Join(ws.Dir, staged))
		require.NoError(t, err)
		assert.Equal(t, repo[ref.EntryID], string(data))
	}

	id, ok := ws.Names.Lookup("alu_1.v")
	require.True(t, ok)
	assert.Equal(t, "e3", id)

	_, ok = ws.Names.Resolve("ghost.v")
	assert.False(t, ok)
	_, ok = ws.Names.Lookup("ghost.v")
	assert.False(t, ok)
}

func TestStage_Extras(t *testing.T) {
	cfg := testConfig(t)
	lib := filepath.Join(t.TempDir(), "osu035.lib")
	require.NoError(t, os.WriteFile(lib, []byte("library(osu035) {}\n"), 0o644))

	ws, err := NewStager(cfg).Stage(context.Background(), memRepo{"e1": "module top; endmodule\n"}, Request{
		Sources: []Source{{EntryID: "e1", Title: "top.v", Role: RoleHDL}},
		Extras:  []Extra{{Name: "osu035.lib", Path: lib, Role: RoleSupport}},
	})
	require.NoError(t, err)
	defer ws.Remove()

	assert.Equal(t, []string{"osu035.lib"}, ws.Files[RoleSupport])
	_, ok := ws.Names.Lookup("osu035.lib")
	assert.False(t, ok)

	data, err := os.ReadFile(filepath.Join(ws.Dir, "osu035.lib"))
	require.NoError(t, err)
	assert.Equal(t, "library(osu035) {}\n", string(data))
}

func TestStage_Preconditions(t *testing.T) {
	repo := memRepo{"e1": "module top; endmodule\n"}

	t.Run("missing top entry", func(t *testing.T) {
		cfg := testConfig(t)
		_, err := NewStager(cfg).Stage(context.Background(), repo, Request{
			Sources:  []Source{{EntryID: "e1", Title: "top.v", Role: RoleHDL}},
			TopEntry: "e9",
		})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrPrecondition))
		assert.Empty(t, stagingDirs(t, cfg))
	})

	t.Run("missing stdcell library", func(t *testing.T) {
		cfg := testConfig(t)
		_, err := NewStager(cfg).Stage(context.Background(), repo, Request{
			Sources: []Source{{EntryID: "e1", Title: "top.v", Role: RoleHDL}},
			Extras:  []Extra{{Name: "osu035.lib", Path: filepath.Join(t.TempDir(), "nope.lib")}},
		})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrPrecondition))
		assert.Empty(t, stagingDirs(t, cfg))
	})

	t.Run("unreadable entry", func(t *testing.T) {
		cfg := testConfig(t)
		_, err := NewStager(cfg).Stage(context.Background(), repo, Request{
			Sources: []Source{
				{EntryID: "e1", Title: "top.v", Role: RoleHDL},
				{EntryID: "e2", Title: "gone.v", Role: RoleHDL},
			},
		})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrPrecondition))
		assert.Contains(t, err.Error(), "gone.v")
		assert.Empty(t, stagingDirs(t, cfg))
	})
}

func TestProvision(t *testing.T) {
	cfg := testConfig(t)
	docker := sandboxtest.New()
	provider := sandbox.NewProvider(docker, cfg)
	stager := NewStager(cfg)

	ws, err := stager.Stage(context.Background(), memRepo{"e1": "module top; endmodule\n"}, Request{
		Sources: []Source{{EntryID: "e1", Title: "top.v", Role: RoleHDL}},
	})
	require.NoError(t, err)

	sb, err := stager.Provision(context.Background(), ws, provider, sandbox.Spec{})
	require.NoError(t, err)
	defer sb.Destroy(context.Background())

	data, ok := docker.Last().ReadFile("/workspace/top.v")
	require.True(t, ok)
	assert.Equal(t, "module top; endmodule\n", string(data))

	require.Len(t, docker.Last().Host.Mounts, 1)
	assert.True(t, docker.Last().Host.Mounts[0].ReadOnly)

	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestProvision_FailureRemovesEverything(t *testing.T) {
	cfg := testConfig(t)
	docker := sandboxtest.New()
	docker.StartErr = stderrors.New("no such image")
	stager := NewStager(cfg)

	ws, err := stager.Stage(context.Background(), memRepo{"e1": "x"}, Request{
		Sources: []Source{{EntryID: "e1", Title: "top.v", Role: RoleHDL}},
	})
	require.NoError(t, err)

	_, err = stager.Provision(context.Background(), ws, sandbox.NewProvider(docker, cfg), sandbox.Spec{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrEnvironment))
	assert.Equal(t, 0, docker.Live())
	assert.Empty(t, stagingDirs(t, cfg))
}

func TestCleanup(t *testing.T) {
	cfg := testConfig(t)
	stale := filepath.Join(cfg.StagingDirectory, "cloudv-stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	keep := filepath.Join(cfg.StagingDirectory, "other")
	require.NoError(t, os.MkdirAll(keep, 0o755))

	require.NoError(t, NewStager(cfg).Cleanup())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(keep)
	assert.NoError(t, err)
}
