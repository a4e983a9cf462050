// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/pressgate/internal/audit"
	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/guard"
	"github.com/opentrusty/pressgate/internal/observability/logger"
	"github.com/opentrusty/pressgate/internal/profile"
	"github.com/opentrusty/pressgate/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the document store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	verifier    *authn.Verifier
	profiles    *profile.Service
	content     *content.Service
	gateway     *storage.Gateway
	guard       *guard.Guard
	auditLogger audit.Logger
	pinger      Pinger
}

// NewHandler creates a new HTTP handler. pinger may be nil.
func NewHandler(
	verifier *authn.Verifier,
	profiles *profile.Service,
	contentService *content.Service,
	gateway *storage.Gateway,
	g *guard.Guard,
	auditLogger audit.Logger,
	pinger Pinger,
) *Handler {
	return &Handler{
		verifier:    verifier,
		profiles:    profiles,
		content:     contentService,
		gateway:     gateway,
		guard:       g,
		auditLogger: auditLogger,
		pinger:      pinger,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter, requestTimeout time.Duration) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		// Public reads; the storage tier decides with whatever principal is present.
		r.Get("/posts/{postID}", h.GetPost)
		r.Get("/posts/{postID}/affordances", h.GetAffordances)
		r.Get("/site-config", h.GetSiteConfig)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth)

			r.Get("/me", h.GetMe)

			r.Post("/posts", h.CreatePost)
			r.Put("/posts/{postID}", h.UpdatePost)
			r.Delete("/posts/{postID}", h.DeletePost)
			r.Post("/posts/{postID}/comments", h.CreateComment)
			r.Delete("/comments/{commentID}", h.DeleteComment)
			r.Put("/site-config", h.UpdateSiteConfig)
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			slog.ErrorContext(r.Context(), "health_check_failed", logger.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "pressgate",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "pressgate",
	})
}

// respondDomainError maps domain errors onto HTTP statuses. NotFound is
// checked first so a denied write on a missing resource reads as 404.
func respondDomainError(w http.ResponseWriter, r *http.Request, action authz.Action, err error) {
	switch {
	case errors.Is(err, content.ErrNotFound), errors.Is(err, profile.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrPermissionDenied):
		respondDenied(w, r, action)
	case errors.Is(err, content.ErrInvalidWrite):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, content.ErrConflict):
		respondError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, storage.ErrStoreUnavailable),
		errors.Is(err, profile.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
	default:
		slog.ErrorContext(r.Context(), "request_failed", logger.Path(r.URL.Path), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondDenied answers a storage denial with a user-facing message.
func respondDenied(w http.ResponseWriter, r *http.Request, action authz.Action) {
	status, reason := http.StatusForbidden, authz.ReasonRoleDenied
	if _, ok := GetPrincipal(r.Context()); !ok {
		status, reason = http.StatusUnauthorized, authz.ReasonUnauthenticated
	}
	d := authz.Decision{Action: action, Reason: reason}
	respondJSON(w, status, map[string]string{
		"error":   "permission denied",
		"message": d.Message(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
