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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/pressgate/internal/audit"
	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/observability/logger"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				level := slog.LevelInfo
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					level = slog.LevelError
				case ww.Status() >= http.StatusBadRequest:
					level = slog.LevelWarn
				}
				slog.Log(r.Context(), level, "http_request",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// AuthMiddleware verifies a bearer token when one is presented and resolves
// the principal's profile, creating it on first sign-in. Requests without a
// token continue as unauthenticated; a bad token is rejected.
//
// A profile resolution failure does not fail the request: the storage tier
// reads the stored profile itself and treats a missing one as
// unauthenticated.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := authn.BearerToken(r.Header.Get("Authorization"))
		if errors.Is(err, authn.ErrMissingToken) {
			next.ServeHTTP(w, r)
			return
		}

		var p authn.Principal
		if err == nil {
			p, err = h.verifier.Verify(raw)
		}
		if err != nil {
			slog.WarnContext(r.Context(), "token_rejected", logger.RemoteAddr(getIPAddress(r)), logger.Error(err))
			h.auditLogger.Log(r.Context(), audit.Event{
				Type:      audit.TypeTokenRejected,
				Resource:  "token",
				IPAddress: getIPAddress(r),
				UserAgent: r.UserAgent(),
				Metadata:  map[string]any{audit.AttrReason: err.Error()},
			})
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Failures are logged and audited by the profile service.
		rec, _ := h.profiles.ResolveOrCreate(r.Context(), p)
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p, rec)))
	})
}

// RequireAuth rejects requests without a verified principal.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetPrincipal(r.Context()); !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pressgate"`)
			respondError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}
