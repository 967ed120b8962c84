package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openkiosk/fleetd/internal/auth"
	"github.com/openkiosk/fleetd/internal/identity"
	"github.com/openkiosk/fleetd/internal/registry"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// ctxKeyRequestID is the context key for the request ID.
	ctxKeyRequestID contextKey = "request_id"

	// ctxKeyDevice is the context key for the authenticated device.
	ctxKeyDevice contextKey = "device"
)

// Signature auth headers.
const (
	headerDeviceID  = "X-Device-Id"
	headerTimestamp = "X-Timestamp"
	headerSignature = "X-Signature"
)

// requestIDMiddleware generates a unique request ID for each request.
// If the client sends an X-Request-ID header, it is used; otherwise one is generated.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", r.Context().Value(ctxKeyRequestID),
				)
				writeInternalError(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxRequestBodySize is the maximum allowed request body size for ordinary
// JSON endpoints (1 MB). Screenshot uploads get their own configured limit.
const maxRequestBodySize = 1 << 20

// bodySizeLimitMiddleware limits the size of incoming request bodies to prevent
// denial-of-service via oversized payloads.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			limit := int64(maxRequestBodySize)
			if strings.HasSuffix(r.URL.Path, "/screenshot") && s.screenshots.MaxBytes > limit {
				limit = s.screenshots.MaxBytes
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// deviceAuthMiddleware authenticates device requests by signature.
//
// It reads the X-Device-Id, X-Timestamp and X-Signature headers, resolves
// the device's stored public key, and verifies the signature over the
// exact body bytes received. The body is buffered and restored so
// handlers can read it normally.
//
// Every failure path returns the same generic 401: whether the device id
// is unknown, the timestamp stale, or the signature wrong is invisible to
// the caller.
func (s *Server) deviceAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(headerDeviceID)
		timestamp := r.Header.Get(headerTimestamp)
		signature := r.Header.Get(headerSignature)
		if deviceID == "" || timestamp == "" || signature == "" {
			writeUnauthorized(w)
			return
		}

		// The signed device must be the device the URL addresses.
		if urlID := chi.URLParam(r, "id"); urlID != "" && urlID != deviceID {
			writeUnauthorized(w)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeUnauthorized(w)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		device, err := s.registry.Get(r.Context(), deviceID)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		pub, err := identity.DecodePublicKey(device.PublicKey)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		if err := identity.VerifyRequest(pub, r.Method, r.URL.Path, timestamp, body, signature, time.Now()); err != nil {
			s.logger.Warn("device signature rejected",
				"device_id", deviceID,
				"path", r.URL.Path,
			)
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyDevice, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminAuthMiddleware validates admin JWT bearer tokens.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeUnauthorized(w)
			return
		}

		if _, err := auth.ParseToken([]byte(s.secCfg.AdminJWTSecret), token); err != nil {
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// deviceFromContext returns the device authenticated by
// deviceAuthMiddleware. Panics if the middleware did not run; routes
// behind it always have a device.
func deviceFromContext(ctx context.Context) *registry.Device {
	return ctx.Value(ctxKeyDevice).(*registry.Device)
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// requestIDBytes is the number of random bytes used for request IDs.
const requestIDBytes = 8

// generateRequestID creates a random hex request ID.
func generateRequestID() string {
	b := make([]byte, requestIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
