package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cloud-V/Backend-sub002/internal/diagnostics"
	"github.com/Cloud-V/Backend-sub002/internal/types"
)

func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand("test", "none", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--url", serverURL}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestSynth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/repos/r1/synthesize", r.URL.Path)
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req types.SynthesisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cpu", req.TopModule)
		assert.Equal(t, "src/cpu.v", req.TopEntry)
		assert.Equal(t, "osu035", req.Stdcell)
		assert.True(t, req.Options.Flatten)
		assert.False(t, req.Async)

		writeJSON(w, http.StatusOK, JobResponse{
			Kind: types.KindSynthesis,
			Diagnostics: diagnostics.Diagnostics{
				Warnings: []diagnostics.Record{{Message: "Replacing memory with list of registers", File: "src/cpu.v", Line: 7}},
			},
			Artifacts: []Artifact{{Name: "cpu_netlist.v", Entry: "src/cpu_netlist.v", Size: 120}},
			Report:    "src/synth_report.txt",
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "--user", "u1", "synth", "r1", "--top", "cpu", "--entry", "src/cpu.v", "--stdcell", "osu035", "--flatten")
	require.NoError(t, err)
	assert.Contains(t, out, "WARNINGS (1)")
	assert.Contains(t, out, "src/cpu.v:7: Replacing memory with list of registers")
	assert.Contains(t, out, "src/cpu_netlist.v")
	assert.Contains(t, out, "Report: src/synth_report.txt")
	assert.Contains(t, out, "OK")
}

func TestValidate_ErrorsFailCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, JobResponse{
			Kind: types.KindValidation,
			Diagnostics: diagnostics.Diagnostics{
				Errors: []diagnostics.Record{{Message: "Syntax error", File: "src/cpu.v", Line: 3}},
			},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "--user", "u1", "validate", "r1", "--top", "cpu", "--entry", "src/cpu.v")
	require.Error(t, err)
	assert.Equal(t, "validation reported 1 error(s)", err.Error())
	assert.Contains(t, out, "ERRORS (1)")
	assert.Contains(t, out, "src/cpu.v:3: Syntax error")
	assert.NotContains(t, out, "OK")
}

func TestJSONOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, JobResponse{JobID: "j1", Kind: types.KindCompilation})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "--user", "u1", "--output", "json", "compile", "r1")
	require.NoError(t, err)

	var resp JobResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "j1", resp.JobID)
}

func TestAsyncSubmission(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.SimulationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Async)
		writeJSON(w, http.StatusAccepted, JobResponse{
			Kind:  types.KindSimulation,
			Token: &types.TokenStatus{ID: "tok-1", JobType: "Simulation", Status: "pending", JobName: "simulation-r1-x", JobID: "batch-9"},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "--user", "u1", "simulate", "r1", "--testbench", "src/cpu_tb.v", "--async")
	require.NoError(t, err)
	assert.Contains(t, out, "Submitted simulation")
	assert.Contains(t, out, "tok-1")
	assert.Contains(t, out, "simulation-r1-x (batch-9)")
}

func TestAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Message: "top module is required", Code: 400})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "--user", "u1", "bitstream", "r1")
	require.Error(t, err)
	assert.Equal(t, "request failed with status 400: top module is required", err.Error())
}

func TestUserFromEnvironment(t *testing.T) {
	t.Setenv(UserEnv, "u2")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u2", r.Header.Get("X-User-ID"))
		writeJSON(w, http.StatusOK, JobResponse{Kind: types.KindValidation})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "validate", "r1", "--top", "cpu", "--entry", "cpu.v")
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/repos/r1/jobs/latest", r.URL.Path)
		assert.Equal(t, "src/cpu.v", r.URL.Query().Get("source"))
		assert.Equal(t, "Compilation", r.URL.Query().Get("type"))
		writeJSON(w, http.StatusOK, types.TokenStatus{ID: "tok-2", JobType: "Compilation", Status: "consumed"})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "--user", "u1", "status", "r1", "--source", "src/cpu.v", "--type", "Compilation")
	require.NoError(t, err)
	assert.Contains(t, out, "tok-2")
	assert.Contains(t, out, "consumed")

	_, err = execute(t, server.URL, "status", "r1")
	assert.EqualError(t, err, "--source is required")
}

func TestStdcellInstall(t *testing.T) {
	var got []stdcellRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stdcells", r.URL.Path)
		var req stdcellRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = append(got, req)
		if req.Name == "missing" {
			writeJSON(w, http.StatusNotFound, types.ErrorResponse{Message: "stdcell missing-* not found", Code: 404})
			return
		}
		writeJSON(w, http.StatusOK, types.StdcellInfo{Name: req.Name, Version: "1.2.0", Installed: true})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "stdcell", "install", "osu035")
	require.NoError(t, err)
	assert.Contains(t, out, "Installed osu035-1.2.0")

	list := filepath.Join(t.TempDir(), "stdcells.txt")
	require.NoError(t, os.WriteFile(list, []byte("# libraries\nosu018 ^1.0\n\nmissing\n"), 0o644))
	_, err = execute(t, server.URL, "stdcell", "apply", list)
	assert.EqualError(t, err, "1 librar(ies) failed")

	assert.Equal(t, []stdcellRequest{
		{Name: "osu035", Version: "*"},
		{Name: "osu018", Version: "^1.0"},
		{Name: "missing", Version: "*"},
	}, got)
}

func TestStdcellList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("installed"))
		writeJSON(w, http.StatusOK, []types.StdcellInfo{{Name: "osu035", Version: "1.0.0", Installed: true}})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "stdcell", "list", "--installed")
	require.NoError(t, err)
	assert.Contains(t, out, "osu035")
	assert.Contains(t, out, "yes")
}

func TestToolchains(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []types.ToolchainInfo{
			{Name: "yosys", Version: "0.40.0", Image: "cloudv/yosys:0.40", Kinds: []types.JobKind{types.KindSynthesis}},
			{Name: "icarus", Version: "12.0.0", Image: "cloudv/icarus:12", Kinds: []types.JobKind{types.KindSimulation, types.KindValidation}},
		})
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "toolchains")
	require.NoError(t, err)
	assert.Contains(t, out, "synthesis:")
	assert.Contains(t, out, "yosys-0.40.0")
	assert.Contains(t, out, "Total: 2 toolchains")
}

func TestStreamJob(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/connect", r.URL.Path)
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var initMsg types.WebSocketMessage
		require.NoError(t, conn.ReadJSON(&initMsg))
		assert.Equal(t, "init", initMsg.Type)
		assert.Equal(t, types.KindValidation, initMsg.Kind)
		assert.Equal(t, "r1", initMsg.RepoID)
		assert.JSONEq(t, `{"top_module":"cpu","top_entry":"cpu.v","strict":true}`, string(initMsg.Request))

		conn.WriteJSON(types.WebSocketMessage{Type: "stage", Kind: types.KindValidation, Stage: "staging"})
		conn.WriteJSON(types.WebSocketMessage{Type: "stage", Kind: types.KindValidation, Stage: "running"})
		conn.WriteJSON(types.WebSocketMessage{Type: "result", Kind: types.KindValidation, Payload: JobResponse{JobID: "j7", Kind: types.KindValidation}})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4999, "Job Completed"))
	}))
	defer server.Close()

	out, err := execute(t, server.URL, "--user", "u1", "validate", "r1", "--top", "cpu", "--entry", "cpu.v", "--strict", "--stream")
	require.NoError(t, err)
	assert.Contains(t, out, "== Staging ==")
	assert.Contains(t, out, "== Running ==")
	assert.Contains(t, out, "OK")
}

func TestStreamJob_Error(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var initMsg types.WebSocketMessage
		require.NoError(t, conn.ReadJSON(&initMsg))
		conn.WriteJSON(types.WebSocketMessage{Type: "error", Error: "top module entry not found"})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "validate", "r1", "--stream")
	assert.EqualError(t, err, "job error: top module entry not found")
}

func TestConvertToWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:3000", want: "ws://localhost:3000"},
		{in: "https://cloudv.example/engine", want: "wss://cloudv.example/engine"},
		{in: "ftp://cloudv.example", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := convertToWebSocketURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
