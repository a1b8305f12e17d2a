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

// Package errors defines the structured error taxonomy for the sandbox
// controller. Every user-visible failure maps to exactly one of these types,
// which in turn maps to a termination outcome.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a rejected execution request.
// The request was denied by the policy engine (or the policy engine was
// unreachable, which is treated as a denial) before any sandbox resources
// were allocated.
type ValidationError struct {
	// AgentID identifies the requesting agent
	AgentID string

	// Violations holds the policy engine's denial reasons, verbatim
	Violations []string

	// Cause is the underlying error when the policy engine was unreachable
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("execution request denied for agent %s: %s",
			e.AgentID, strings.Join(e.Violations, "; "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("execution request denied for agent %s: policy engine unavailable: %v",
			e.AgentID, e.Cause)
	}
	return fmt.Sprintf("execution request denied for agent %s", e.AgentID)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a sandbox that exceeded its wall-clock budget.
// The environment was force-killed by the deadline watch.
type TimeoutError struct {
	// SandboxID identifies the session that timed out
	SandboxID string

	// Limit is the configured wall-clock budget
	Limit time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox %s exceeded execution timeout of %v", e.SandboxID, e.Limit)
}

// SecurityViolationError represents a High or Critical severity pattern
// match that triggered the containment sequence.
type SecurityViolationError struct {
	// SandboxID identifies the contained session
	SandboxID string

	// ViolationType is the matched violation type (e.g. "privilege_escalation")
	ViolationType string

	// Severity is "high" or "critical"
	Severity string

	// Description explains what was detected
	Description string
}

// Error implements the error interface.
func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation in sandbox %s: %s (%s): %s",
		e.SandboxID, e.ViolationType, e.Severity, e.Description)
}

// PolicyViolationError represents one or more Low/Medium severity pattern
// matches. Execution is allowed to continue; the violations surface in the
// final termination outcome.
type PolicyViolationError struct {
	// SandboxID identifies the session
	SandboxID string

	// Count is the number of violations recorded
	Count int
}

// Error implements the error interface.
func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("sandbox %s recorded %d policy violation(s)", e.SandboxID, e.Count)
}

// SystemError represents a runtime or I/O failure in a lifecycle operation:
// container creation, inspection API errors, snapshot export failures.
type SystemError struct {
	// Op describes the failing operation (e.g. "create", "stats", "export")
	Op string

	// SandboxID identifies the session, if one exists
	SandboxID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SystemError) Error() string {
	if e.SandboxID != "" {
		return fmt.Sprintf("sandbox runtime error during %s for %s: %v", e.Op, e.SandboxID, e.Cause)
	}
	return fmt.Sprintf("sandbox runtime error during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SystemError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a lookup of an unknown resource.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "session", "pattern")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
