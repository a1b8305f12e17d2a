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
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is an opaque reference to an isolated runtime instance
// (a container ID for the docker/podman runtime).
type Handle string

// Session tracks one execution of untrusted code from creation to terminal
// status. The registry owns insertion and removal; the session guards its own
// mutable state. Resource limits are immutable after creation.
type Session struct {
	ID        string
	AgentID   string
	Limits    ResourceLimits
	CreatedAt time.Time
	Deadline  time.Time

	// contained is the single atomic containment claim: exactly one
	// containment sequence may run per session.
	contained atomic.Bool

	mu              sync.Mutex
	handle          Handle
	status          Status
	violations      []ViolationRecord
	usage           ResourceUsage
	endedByDeadline bool
	cancelMonitor   context.CancelFunc
}

// NewSession creates a session in StatusCreated with its deadline derived
// from the limits' wall-clock budget.
func NewSession(id, agentID string, limits ResourceLimits, now time.Time) *Session {
	return &Session{
		ID:        id,
		AgentID:   agentID,
		Limits:    limits,
		CreatedAt: now,
		Deadline:  now.Add(limits.Timeout()),
		status:    StatusCreated,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Handle returns the environment handle, empty until the environment exists.
func (s *Session) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// SetHandle associates the environment handle. Only valid before a terminal
// status; at most one live handle exists while the session is non-terminal.
func (s *Session) SetHandle(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// MarkExecuting transitions Created -> Executing. Returns false if the
// session is not in StatusCreated.
func (s *Session) MarkExecuting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusCreated {
		return false
	}
	s.status = StatusExecuting
	return true
}

// Terminate moves the session to a terminal status. Exactly one terminal
// transition succeeds; later calls return false and leave the first result
// in place.
func (s *Session) Terminate(terminal Status) bool {
	if !terminal.Terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = terminal
	return true
}

// ClaimContainment atomically claims the containment sequence for this
// session. The first caller gets true; all later callers get false and must
// no-op.
func (s *Session) ClaimContainment() bool {
	return s.contained.CompareAndSwap(false, true)
}

// Contained reports whether containment has been claimed.
func (s *Session) Contained() bool {
	return s.contained.Load()
}

// AppendViolation appends a violation record. Appends are rejected once the
// session is terminal (the record is dropped and false returned).
func (s *Session) AppendViolation(v ViolationRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.violations = append(s.violations, v)
	return true
}

// Violations returns a copy of the recorded violations in detection order.
func (s *Session) Violations() []ViolationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ViolationRecord, len(s.violations))
	copy(out, s.violations)
	return out
}

// ObserveStats folds a monitor tick's stats into the session's usage.
// Memory is tracked as a high-water mark; CPU time is integrated from the
// instantaneous percentage over the tick interval.
func (s *Session) ObserveStats(st Stats, tick time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.MemoryBytes > s.usage.PeakMemoryBytes {
		s.usage.PeakMemoryBytes = st.MemoryBytes
	}
	s.usage.CPUSeconds += st.CPUPercent / 100 * tick.Seconds()
	s.usage.NetworkRxBytes = st.NetworkRxBytes
	s.usage.NetworkTxBytes = st.NetworkTxBytes
}

// Usage returns a copy of the observed resource usage.
func (s *Session) Usage() ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// MarkEndedByDeadline records that the deadline watch killed this session.
func (s *Session) MarkEndedByDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedByDeadline = true
}

// EndedByDeadline reports whether the deadline watch killed this session.
func (s *Session) EndedByDeadline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedByDeadline
}

// SetCancelMonitor stores the cancellation hook for the session's monitor
// loop so the containment path and deadline watch can force-cancel it.
func (s *Session) SetCancelMonitor(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelMonitor = cancel
}

// CancelMonitor cancels the monitor loop if one is running. Safe to call
// multiple times and before the loop starts.
func (s *Session) CancelMonitor() {
	s.mu.Lock()
	cancel := s.cancelMonitor
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot is a copy of the session fields needed for accounting and
// reporting, taken without holding the lock across blocking I/O.
type Snapshot struct {
	ID              string
	AgentID         string
	Handle          Handle
	Status          Status
	CreatedAt       time.Time
	Deadline        time.Time
	Limits          ResourceLimits
	Violations      []ViolationRecord
	Usage           ResourceUsage
	EndedByDeadline bool
	Contained       bool
}

// Snapshot copies the fields needed by readers that must not hold the
// session lock while doing blocking work.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	violations := make([]ViolationRecord, len(s.violations))
	copy(violations, s.violations)
	return Snapshot{
		ID:              s.ID,
		AgentID:         s.AgentID,
		Handle:          s.handle,
		Status:          s.status,
		CreatedAt:       s.CreatedAt,
		Deadline:        s.Deadline,
		Limits:          s.Limits,
		Violations:      violations,
		Usage:           s.usage,
		EndedByDeadline: s.endedByDeadline,
		Contained:       s.contained.Load(),
	}
}

// MaxSeverity returns the highest severity among the recorded violations,
// and false when there are none.
func (s Snapshot) MaxSeverity() (Severity, bool) {
	if len(s.Violations) == 0 {
		return "", false
	}
	max := s.Violations[0].Severity
	for _, v := range s.Violations[1:] {
		if v.Severity.AtLeast(max) {
			max = v.Severity
		}
	}
	return max, true
}
