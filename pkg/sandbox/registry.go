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

package sandbox

import (
	"errors"
	"sync"

	sberrors "github.com/CA-git-com-co/ACGS-sub035/pkg/errors"
)

// Registry is the single shared map of live sessions, keyed by session id.
// It is constructed explicitly at controller startup and injected into every
// component; there is no package-level instance. Insert and delete are atomic
// with respect to concurrent readers (API handlers, reaper, monitor loops).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add inserts a session. Inserting a duplicate id is a programming error and
// returns a SystemError rather than silently replacing the live session.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return &sberrors.SystemError{
			Op:        "register",
			SandboxID: s.ID,
			Cause:     errors.New("session id already registered"),
		}
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session for id, or a NotFoundError.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, &sberrors.NotFoundError{Resource: "session", ID: id}
	}
	return s, nil
}

// Remove deletes a session from the registry and reports whether it was
// present. Removing an unknown id is a no-op: cleanup paths race with the
// reaper and both must be safe, but only one observes the removal.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions copies the current session pointers for callers that need to
// mutate sessions (the reaper). The copy keeps iteration off the registry
// lock.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshots copies the current session set for iteration without holding the
// registry lock across per-session work.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
