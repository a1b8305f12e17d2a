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

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/CA-git-com-co/ACGS-sub035/internal/daemon/httputil"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox"
)

// maxRequestBody caps execution request bodies (code plus metadata).
const maxRequestBody = 2 << 20

// Executor runs one execution request to completion.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) sandbox.ExecuteResult
}

// Drainer is implemented by executors that refuse new work during shutdown.
type Drainer interface {
	Draining() bool
}

// ExecutionsHandler serves the execution API.
type ExecutionsHandler struct {
	executor Executor
	limiter  *rate.Limiter
}

// NewExecutionsHandler creates the handler. A nil limiter disables rate
// limiting.
func NewExecutionsHandler(executor Executor, limiter *rate.Limiter) *ExecutionsHandler {
	return &ExecutionsHandler{
		executor: executor,
		limiter:  limiter,
	}
}

// RegisterRoutes registers the execution routes on the mux.
func (h *ExecutionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/executions", h.handleExecute)
}

// handleExecute runs one submitted code snippet synchronously and returns
// the structured result. Failures inside the sandbox surface in the result
// body, not as transport errors; only malformed requests and rate limiting
// use HTTP error codes.
func (h *ExecutionsHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sandbox.ExecuteRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result := h.executor.Execute(r.Context(), req)

	status := http.StatusOK
	if !result.Success && result.ExecutionID == "" {
		// Rejected before a session existed: a validation/policy denial, or
		// a daemon already draining for shutdown.
		status = http.StatusUnprocessableEntity
		if d, ok := h.executor.(Drainer); ok && d.Draining() {
			status = http.StatusServiceUnavailable
		}
	}
	httputil.WriteJSON(w, status, result)
}
