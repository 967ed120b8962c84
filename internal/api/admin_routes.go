package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openkiosk/fleetd/internal/command"
	"github.com/openkiosk/fleetd/internal/reaper"
	"github.com/openkiosk/fleetd/internal/registry"
)

// handleListDevices lists the fleet.
//
// GET /api/v1/devices?status=online&lastSeenBefore=2026-08-01T00:00:00Z
//
// Both query parameters are optional. Status filters on the derived
// status; archived devices only appear when status=archived is asked for.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var filter registry.ListFilter

	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = registry.Status(v)
	}
	if v := r.URL.Query().Get("lastSeenBefore"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "lastSeenBefore must be RFC 3339")
			return
		}
		filter.LastSeenBefore = t
	}

	devices, err := s.registry.List(r.Context(), filter)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleGetDevice returns one device with its derived status.
//
// GET /api/v1/devices/{id}
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// handleAdopt adopts a pending device with its initial config.
//
// POST /api/v1/devices/{id}/adopt
func (s *Server) handleAdopt(w http.ResponseWriter, r *http.Request) {
	var req registry.AdoptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	device, err := s.registry.Adopt(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// handleUpdateConfig applies a partial display config update.
//
// PUT /api/v1/devices/{id}
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var upd registry.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	device, err := s.registry.UpdateConfig(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// handleDeleteDevice removes a device and its command queue.
//
// DELETE /api/v1/devices/{id}
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleArchiveDevice retires a device while keeping its history.
//
// POST /api/v1/devices/{id}/archive
func (s *Server) handleArchiveDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// enqueueCommandRequest is the body for command enqueue.
type enqueueCommandRequest struct {
	Action  command.Action  `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleEnqueueCommand queues a command for a device.
//
// POST /api/v1/devices/{id}/commands
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req enqueueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cmd, err := s.registry.EnqueueCommand(r.Context(), chi.URLParam(r, "id"), req.Action, req.Payload)
	if err != nil {
		if errors.Is(err, command.ErrInvalidAction) {
			writeBadRequest(w, "unrecognised action")
			return
		}
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cmd)
}

// handleScreenshotDownload serves a device's latest stored capture.
//
// GET /api/v1/devices/{id}/screenshot
func (s *Server) handleScreenshotDownload(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	path := filepath.Join(s.screenshots.Dir, device.ID+".png")
	data, err := os.ReadFile(path)
	if err != nil {
		writeNotFound(w, "no screenshot stored for device")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response
	w.Write(data)
}

// handleCleanup runs a stale sweep on demand.
//
// POST /api/v1/devices/cleanup
//
// With an empty body the configured threshold sweep runs (destructive
// only if retention.confirm is set). With a body like
//
//	{"olderThan":"2026-08-01T00:00:00Z","status":["pending","stale"],"dryRun":true}
//
// a targeted cleanup runs instead: dryRun (the default) reports exactly
// which devices a confirmed run would delete.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "retention sweep not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "unreadable request body")
		return
	}

	var report *reaper.Report
	if len(body) == 0 {
		report, err = s.reaper.Sweep(r.Context())
	} else {
		var req reaper.CleanupRequest
		if jsonErr := json.Unmarshal(body, &req); jsonErr != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
		report, err = s.reaper.Cleanup(r.Context(), req)
	}
	if err != nil {
		s.logger.Error("on-demand sweep failed", "error", err)
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, report)
}
