package handler

import (
	"encoding/json"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/service"
	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// StdcellHandler handles standard-cell library management endpoints
type StdcellHandler struct {
	stdcellService *service.StdcellService
	logger         *logrus.Logger
	h              *Handler
}

// NewStdcellHandler creates a new stdcell handler
func NewStdcellHandler(stdcellService *service.StdcellService, logger *logrus.Logger) *StdcellHandler {
	return &StdcellHandler{
		stdcellService: stdcellService,
		logger:         logger,
		h:              &Handler{logger: logger},
	}
}

// RegisterRoutes registers stdcell management routes
func (sh *StdcellHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stdcells", sh.GetStdcells)
	r.Post("/stdcells", sh.InstallStdcell)
	r.Delete("/stdcells", sh.UninstallStdcell)
}

type stdcellRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// GetStdcells lists the libraries in the index with their install state.
// ?installed=true lists only what is installed locally, without fetching
// the index.
func (sh *StdcellHandler) GetStdcells(w http.ResponseWriter, r *http.Request) {
	sh.logger.Debug("Request to list stdcells")

	if r.URL.Query().Get("installed") == "true" {
		installed, err := sh.stdcellService.Installed()
		if err != nil {
			sh.h.sendError(w, err)
			return
		}
		sh.h.sendJSON(w, installed, http.StatusOK)
		return
	}

	libs, err := sh.stdcellService.GetStdcellList(r.Context())
	if err != nil {
		sh.logger.Errorf("Failed to get stdcell list: %v", err)
		sh.h.sendError(w, err)
		return
	}

	response := make([]types.StdcellInfo, 0, len(libs))
	for _, lib := range libs {
		response = append(response, types.StdcellInfo{
			Name:      lib.Name,
			Version:   lib.Version.String(),
			Installed: sh.stdcellService.IsInstalled(lib),
		})
	}
	sh.h.sendJSON(w, response, http.StatusOK)
}

// InstallStdcell installs the newest indexed library matching the request
func (sh *StdcellHandler) InstallStdcell(w http.ResponseWriter, r *http.Request) {
	sh.logger.Debug("Request to install stdcell")

	req, ok := sh.decode(w, r)
	if !ok {
		return
	}

	lib, err := sh.stdcellService.GetStdcell(r.Context(), req.Name, req.Version)
	if err != nil {
		sh.h.sendError(w, err)
		return
	}

	if err := sh.stdcellService.Install(r.Context(), lib); err != nil {
		sh.logger.Errorf("Error while installing stdcell %s-%s: %v", lib.Name, lib.Version, err)
		sh.h.sendError(w, err)
		return
	}

	sh.h.sendJSON(w, types.StdcellInfo{Name: lib.Name, Version: lib.Version.String(), Installed: true}, http.StatusOK)
}

// UninstallStdcell removes an installed library. An exact version is removed
// without consulting the index.
func (sh *StdcellHandler) UninstallStdcell(w http.ResponseWriter, r *http.Request) {
	sh.logger.Debug("Request to uninstall stdcell")

	req, ok := sh.decode(w, r)
	if !ok {
		return
	}

	var lib *types.Stdcell
	if v, err := semver.StrictNewVersion(req.Version); err == nil {
		lib = &types.Stdcell{Name: req.Name, Version: v}
	} else {
		lib, err = sh.stdcellService.GetStdcell(r.Context(), req.Name, req.Version)
		if err != nil {
			sh.h.sendError(w, err)
			return
		}
	}

	if err := sh.stdcellService.Uninstall(lib); err != nil {
		sh.logger.Errorf("Error while uninstalling stdcell %s-%s: %v", lib.Name, lib.Version, err)
		sh.h.sendError(w, err)
		return
	}

	sh.h.sendJSON(w, types.StdcellInfo{Name: lib.Name, Version: lib.Version.String()}, http.StatusOK)
}

func (sh *StdcellHandler) decode(w http.ResponseWriter, r *http.Request) (stdcellRequest, bool) {
	var req stdcellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sh.logger.Errorf("Invalid request body: %v", err)
		sh.h.sendDecodeError(w, err)
		return req, false
	}
	if req.Name == "" || req.Version == "" {
		sh.h.sendError(w, apperrors.NewInvalidRequest("Name and version are required"))
		return req, false
	}
	return req, true
}
