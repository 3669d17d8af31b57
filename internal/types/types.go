package types

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
)

// JobKind identifies which toolchain flow a job runs
type JobKind string

const (
	KindSynthesis         JobKind = "synthesis"
	KindSimulation        JobKind = "simulation"
	KindNetlistSimulation JobKind = "netlist_simulation"
	KindBitstream         JobKind = "bitstream"
	KindCompilation       JobKind = "compilation"
	KindValidation        JobKind = "validation"
)

// Kinds lists every job kind
var Kinds = []JobKind{
	KindSynthesis,
	KindSimulation,
	KindNetlistSimulation,
	KindBitstream,
	KindCompilation,
	KindValidation,
}

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// SynthesisOptions tunes the generated synthesis script
type SynthesisOptions struct {
	Flatten     bool   `json:"flatten"`
	Purge       bool   `json:"purge"`
	DrivingCell string `json:"driving_cell,omitempty"`
	Load        string `json:"load,omitempty"`
}

// SynthesisRequest synthesizes the repository HDL against a standard-cell library
type SynthesisRequest struct {
	TopModule   string           `json:"top_module"`
	TopEntry    string           `json:"top_entry"`
	Stdcell     string           `json:"stdcell"`
	Options     SynthesisOptions `json:"options"`
	NetlistName string           `json:"netlist_name,omitempty"`
	ReportName  string           `json:"report_name,omitempty"`
	Async       bool             `json:"async,omitempty"`
}

// SimulationRequest runs a behavioral testbench simulation
type SimulationRequest struct {
	TestbenchEntry string `json:"testbench_entry"`
	TopModule      string `json:"top_module,omitempty"`
	DumpName       string `json:"dump_name,omitempty"`
	Async          bool   `json:"async,omitempty"`
}

// NetlistSimulationRequest runs a testbench against a synthesized netlist
type NetlistSimulationRequest struct {
	NetlistEntry   string `json:"netlist_entry"`
	TestbenchEntry string `json:"testbench_entry"`
	Stdcell        string `json:"stdcell"`
	DumpName       string `json:"dump_name,omitempty"`
	Async          bool   `json:"async,omitempty"`
}

// BitstreamRequest generates an FPGA bitstream
type BitstreamRequest struct {
	TopModule     string `json:"top_module"`
	TopEntry      string `json:"top_entry"`
	PinsEntry     string `json:"pins_entry"`
	BitstreamName string `json:"bitstream_name,omitempty"`
}

// CompilationRequest cross-compiles the repository software sources
type CompilationRequest struct {
	Target       string `json:"target,omitempty"`
	OutputName   string `json:"output_name,omitempty"`
	LinkerScript string `json:"linker_script,omitempty"`
	StartupEntry string `json:"startup_entry,omitempty"`
	Async        bool   `json:"async,omitempty"`
}

// ValidationRequest lints the design rooted at a top module
type ValidationRequest struct {
	TopModule string `json:"top_module"`
	TopEntry  string `json:"top_entry"`
	Strict    bool   `json:"strict,omitempty"`
	Async     bool   `json:"async,omitempty"`
}

// CallbackRequest is the optional body posted by a batch worker
type CallbackRequest struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Toolchain describes an installed toolchain image
type Toolchain struct {
	Name     string                   `json:"name"`
	Version  *semver.Version          `json:"version"`
	Image    string                   `json:"image"`
	Kinds    []JobKind                `json:"kinds"`
	Timeouts map[JobKind]time.Duration `json:"-"`
	Dir      string                   `json:"-"`
}

// ToolchainInfo represents toolchain information for API responses
type ToolchainInfo struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Image   string    `json:"image"`
	Kinds   []JobKind `json:"kinds"`
}

// Stdcell represents a standard-cell library package
type Stdcell struct {
	Name     string          `json:"name"`
	Version  *semver.Version `json:"version"`
	Download string          `json:"download"`
	Checksum string          `json:"checksum"`
}

// StdcellInfo represents stdcell library information for API responses
type StdcellInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Installed bool   `json:"installed"`
}

// TokenStatus is the public view of a callback token
type TokenStatus struct {
	ID        string    `json:"id"`
	JobType   string    `json:"job_type"`
	Status    string    `json:"status"`
	JobName   string    `json:"job_name,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Created   time.Time `json:"created"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Kind    JobKind         `json:"kind,omitempty"`
	RepoID  string          `json:"repo_id,omitempty"`
	Stage   string          `json:"stage,omitempty"`
	Error   string          `json:"error,omitempty"`
	Request json.RawMessage `json:"request,omitempty"`
	Payload interface{}     `json:"payload,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
