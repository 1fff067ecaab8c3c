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

// Package http serves the operational endpoints of the store and binds OAuth2
// state to in-flight browser responses.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/authzstore/internal/keypair"
	"github.com/opentrusty/authzstore/internal/observability/logger"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named readiness probe.
type Check struct {
	Name   string
	Pinger Pinger
}

// JWKSProvider publishes verification keys.
type JWKSProvider interface {
	JWKS(ctx context.Context) (keypair.JWKS, error)
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	service      string
	checks       []Check
	keys         JWKSProvider
	checkTimeout time.Duration
}

// NewHandler creates a new HTTP handler. keys may be nil, in which case the
// JWKS route is not mounted.
func NewHandler(service string, keys JWKSProvider, checks ...Check) *Handler {
	return &Handler{
		service:      service,
		checks:       checks,
		keys:         keys,
		checkTimeout: 2 * time.Second,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if rateLimiter != nil {
		r.Use(RateLimitMiddleware(rateLimiter))
	}
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	if h.keys != nil {
		r.Get("/jwks.json", h.JWKS)
	}

	return r
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
	})
}

// Ready pings every dependency and reports 503 if any is unreachable
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Pinger.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "readiness check failed",
				logger.Component("http"), logger.String("check", c.Name), logger.Error(err))
			results[c.Name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}

	overall := "ready"
	if status != http.StatusOK {
		overall = "not_ready"
	}
	respondJSON(w, status, map[string]any{
		"status": overall,
		"checks": results,
	})
}

// JWKS returns the public signing keys (RFC 7517)
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.JWKS(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to load jwks", logger.Component("http"), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load keys")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	respondJSON(w, http.StatusOK, set)
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
