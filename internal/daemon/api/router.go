// Copyright 2026 The Sandboxd Authors
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

// Package api provides the HTTP API for the daemon.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CA-git-com-co/ACGS-sub035/internal/daemon/httputil"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// HealthProvider reports controller liveness for the health endpoint.
type HealthProvider interface {
	Health(ctx context.Context) sandbox.Health
}

// Router wraps an http.ServeMux with the daemon's standard endpoints.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	health HealthProvider
}

// NewRouter creates a router with the version, health, and metrics endpoints
// registered.
func NewRouter(cfg RouterConfig, health HealthProvider) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		health: health,
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// Mux returns the underlying mux for handler registration.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// handleHealth reports daemon health and the active session count.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	h := r.health.Health(req.Context())
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, h)
}

// handleVersion reports build information.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

// handleRoot returns a minimal service identity for unmatched paths.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"service": "sandboxd",
		"version": r.config.Version,
	})
}
