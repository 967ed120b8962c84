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

	"github.com/openkiosk/fleetd/internal/identity"
	"github.com/openkiosk/fleetd/internal/registry"
)

// handleAnnounce registers a device (or refreshes a known one).
//
// POST /api/v1/devices/announce
//
// Announce is the one unauthenticated device endpoint: the server may not
// know the device yet, and the public key carried in the body is the
// identity anchor, so an unsigned announce is accepted. A client that does
// send signature headers gets them verified against that body key, which
// proves possession of the matching private key; a present-but-wrong
// signature is rejected rather than ignored.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "unreadable request body")
		return
	}

	var ann registry.Announcement
	if err := json.Unmarshal(body, &ann); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	pub, err := identity.DecodePublicKey(ann.PublicKey)
	if err != nil {
		writeBadRequest(w, "invalid public key")
		return
	}

	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	if timestamp != "" || signature != "" {
		if err := identity.VerifyRequest(pub, r.Method, r.URL.Path, timestamp, body, signature, time.Now()); err != nil {
			writeUnauthorized(w)
			return
		}
	}

	device, err := s.registry.Announce(r.Context(), ann)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// handlePoll returns a device's current config and pending commands.
//
// GET /api/v1/devices/{id}/poll
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())

	result, err := s.registry.Poll(r.Context(), device.ID)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleHeartbeat records device liveness and stats.
//
// POST /api/v1/devices/{id}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())

	var stats registry.DeviceStats
	if err := json.NewDecoder(r.Body).Decode(&stats); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.registry.Heartbeat(r.Context(), device.ID, stats); err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAck acknowledges a command with its execution result.
//
// POST /api/v1/devices/{id}/commands/{commandID}/ack
//
// The body is stored verbatim as the command result. Failed executions
// are acknowledged too (with a failure payload); a command that could not
// run should not be redelivered forever.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())
	commandID := chi.URLParam(r, "commandID")

	result, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "unreadable request body")
		return
	}
	if len(result) > 0 && !json.Valid(result) {
		writeBadRequest(w, "result must be valid JSON")
		return
	}

	if err := s.registry.Acknowledge(r.Context(), device.ID, commandID, result); err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleScreenshotUpload stores a device's screen capture.
//
// POST /api/v1/devices/{id}/screenshot
//
// The body is the raw PNG. One capture is kept per device; each upload
// replaces the previous one via temp-file-and-rename so a crashed upload
// never leaves a torn image.
func (s *Server) handleScreenshotUpload(w http.ResponseWriter, r *http.Request) {
	device := deviceFromContext(r.Context())

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "unreadable request body")
		return
	}
	if len(data) == 0 {
		writeBadRequest(w, "empty screenshot body")
		return
	}

	if err := os.MkdirAll(s.screenshots.Dir, 0750); err != nil {
		s.logger.Error("creating screenshots directory", "error", err)
		writeInternalError(w)
		return
	}

	final := filepath.Join(s.screenshots.Dir, device.ID+".png")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		s.logger.Error("writing screenshot", "device_id", device.ID, "error", err)
		writeInternalError(w)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		s.logger.Error("renaming screenshot", "device_id", device.ID, "error", err)
		writeInternalError(w)
		return
	}

	if err := s.registry.RecordScreenshot(r.Context(), device.ID); err != nil {
		s.respondRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondRegistryError maps registry errors onto the error envelope.
func (s *Server) respondRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, registry.ErrAlreadyAdopted):
		writeConflict(w, "device already adopted")
	case errors.Is(err, registry.ErrNotAdopted):
		writeForbidden(w, "device not adopted")
	case errors.Is(err, registry.ErrDeviceArchived):
		writeForbidden(w, "device archived")
	case errors.Is(err, registry.ErrInvalidAnnouncement):
		writeBadRequest(w, "invalid announcement")
	default:
		s.logger.Error("registry operation failed", "error", err)
		writeInternalError(w)
	}
}
