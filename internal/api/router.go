package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Announce carries its own proof: the request is signed with the
		// key it announces, verified inside the handler.
		r.Post("/devices/announce", s.handleAnnounce)

		// Device endpoints (request-signature auth). Registered flat so
		// the admin group can share the /devices prefix with its own
		// middleware stack.
		r.Group(func(r chi.Router) {
			r.Use(s.deviceAuthMiddleware)

			r.Get("/devices/{id}/poll", s.handlePoll)
			r.Post("/devices/{id}/heartbeat", s.handleHeartbeat)
			r.Post("/devices/{id}/commands/{commandID}/ack", s.handleAck)
			r.Post("/devices/{id}/screenshot", s.handleScreenshotUpload)
		})

		// Admin endpoints (JWT bearer auth)
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)

			r.Get("/devices", s.handleListDevices)
			r.Post("/devices/cleanup", s.handleCleanup)
			r.Get("/devices/{id}", s.handleGetDevice)
			r.Put("/devices/{id}", s.handleUpdateConfig)
			r.Delete("/devices/{id}", s.handleDeleteDevice)
			r.Post("/devices/{id}/adopt", s.handleAdopt)
			r.Post("/devices/{id}/archive", s.handleArchiveDevice)
			r.Post("/devices/{id}/commands", s.handleEnqueueCommand)
			r.Get("/devices/{id}/screenshot", s.handleScreenshotDownload)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
