package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/job"
	"github.com/Cloud-V/Backend-sub002/internal/runtime"
	"github.com/Cloud-V/Backend-sub002/internal/token"
	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// UserHeader carries the caller identity set by the authenticating proxy.
const UserHeader = "X-User-ID"

// Handler contains the dependencies for HTTP handlers
type Handler struct {
	jobManager     *job.Manager
	runtimeManager *runtime.Manager
	logger         *logrus.Logger
}

// NewHandler creates a new handler instance
func NewHandler(jobManager *job.Manager, runtimeManager *runtime.Manager, logger *logrus.Logger) *Handler {
	return &Handler{
		jobManager:     jobManager,
		runtimeManager: runtimeManager,
		logger:         logger,
	}
}

// GetVersion returns the API version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"message": "Cloud V toolchain engine v1"}, http.StatusOK)
}

// Synthesize runs or submits a synthesis job
func (h *Handler) Synthesize(w http.ResponseWriter, r *http.Request) {
	var req types.SynthesisRequest
	if h.decode(w, r, &req) {
		h.sendResult(w, r, func(ctx context.Context, call job.Call) (*job.Result, error) {
			return h.jobManager.Synthesize(ctx, call, req)
		})
	}
}

// Simulate runs or submits a testbench simulation
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req types.SimulationRequest
	if h.decode(w, r, &req) {
		h.sendResult(w, r, func(ctx context.Context, call job.Call) (*job.Result, error) {
			return h.jobManager.SimulateTestbench(ctx, call, req)
		})
	}
}

// SimulateNetlist runs or submits a gate-level simulation
func (h *Handler) SimulateNetlist(w http.ResponseWriter, r *http.Request) {
	var req types.NetlistSimulationRequest
	if h.decode(w, r, &req) {
		h.sendResult(w, r, func(ctx context.Context, call job.Call) (*job.Result, error) {
			return h.jobManager.SimulateNetlist(ctx, call, req)
		})
	}
}

// GenerateBitstream builds an FPGA bitstream
func (h *Handler) GenerateBitstream(w http.ResponseWriter, r *http.Request) {
	var req types.BitstreamRequest
	if h.decode(w, r, &req) {
		h.sendResult(w, r, func(ctx context.Context, call job.Call) (*job.Result, error) {
			return h.jobManager.GenerateBitstream(ctx, call, req)
		})
	}
}

// Compile cross-compiles software sources
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	var req types.CompilationRequest
	if h.decode(w, r, &req) {
		h.sendResult(w, r, func(ctx context.Context, call job.Call) (*job.Result, error) {
			return h.jobManager.CompileSoftware(ctx, call, req)
		})
	}
}

// Validate lints the design rooted at a top module
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req types.ValidationRequest
	if h.decode(w, r, &req) {
		h.sendResult(w, r, func(ctx context.Context, call job.Call) (*job.Result, error) {
			return h.jobManager.ValidateTopModule(ctx, call, req)
		})
	}
}

// LatestJob returns the status of the most recent asynchronous job for a
// source entry
func (h *Handler) LatestJob(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		h.sendError(w, apperrors.NewInvalidRequest("source is required"))
		return
	}
	jobType, err := token.ParseJobType(r.URL.Query().Get("type"))
	if err != nil || jobType == token.JobUnknown {
		h.sendError(w, apperrors.NewInvalidRequest("type must be one of Synthesis, Validation, Simulation, SimulationNetlist, Compilation"))
		return
	}

	status, err := h.jobManager.LatestStatus(r.Context(), callFor(r), source, jobType)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if status == nil {
		h.sendError(w, apperrors.NewNotFound("job"))
		return
	}
	h.sendJSON(w, status, http.StatusOK)
}

// Callback accepts completion webhooks from batch workers. The body is
// optional.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var req types.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.sendDecodeError(w, err)
		return
	}

	q := r.URL.Query()
	result, err := h.jobManager.HandleCallback(r.Context(), q.Get("token"), q.Get("repo"), req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, result, http.StatusOK)
}

// GetToolchains returns the installed toolchains
func (h *Handler) GetToolchains(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.runtimeManager.List(), http.StatusOK)
}

func callFor(r *http.Request) job.Call {
	return job.Call{
		User:   r.Header.Get(UserHeader),
		RepoID: chi.URLParam(r, "repoID"),
	}
}

// decode reads a strict JSON body, answering the request itself on failure
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.sendDecodeError(w, err)
		return false
	}
	return true
}

func (h *Handler) sendDecodeError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		h.sendJSON(w, types.ErrorResponse{Message: "Request body too large", Code: http.StatusRequestEntityTooLarge}, http.StatusRequestEntityTooLarge)
		return
	}
	h.sendError(w, apperrors.NewInvalidRequest("Invalid JSON request"))
}

// sendResult runs a job for the request's user and repository. Submitted
// jobs are answered with 202.
func (h *Handler) sendResult(w http.ResponseWriter, r *http.Request, run func(context.Context, job.Call) (*job.Result, error)) {
	result, err := run(r.Context(), callFor(r))
	if err != nil {
		h.sendError(w, err)
		return
	}
	status := http.StatusOK
	if result.Token != nil {
		status = http.StatusAccepted
	}
	h.sendJSON(w, result, status)
}

// sendError sends an error response. Only the public message of a coded
// error leaves the server.
func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status, message := apperrors.Public(err)
	entry := h.logger.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	h.sendJSON(w, types.ErrorResponse{Message: message, Code: status}, status)
}

// sendJSON sends a JSON response
func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
