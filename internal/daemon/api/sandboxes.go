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
	"net/http"
	"time"

	"github.com/CA-git-com-co/ACGS-sub035/internal/daemon/httputil"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox"
)

// SandboxLister exposes the active session set for the listing endpoint.
type SandboxLister interface {
	Sandboxes() []sandbox.Snapshot
}

// SandboxesHandler serves the active-sandbox listing.
type SandboxesHandler struct {
	lister SandboxLister
}

// NewSandboxesHandler creates the handler.
func NewSandboxesHandler(lister SandboxLister) *SandboxesHandler {
	return &SandboxesHandler{lister: lister}
}

// RegisterRoutes registers the sandbox routes on the mux.
func (h *SandboxesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sandboxes", h.handleList)
}

// sandboxSummary is the wire form of one active session.
type sandboxSummary struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	Violations int       `json:"violations"`
	Contained  bool      `json:"contained"`
}

// handleList returns summaries of all registered sessions.
func (h *SandboxesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.lister.Sandboxes()
	out := make([]sandboxSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, sandboxSummary{
			ID:         s.ID,
			AgentID:    s.AgentID,
			Status:     string(s.Status),
			CreatedAt:  s.CreatedAt,
			Deadline:   s.Deadline,
			Violations: len(s.Violations),
			Contained:  s.Contained,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
