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

// Package sandbox implements the sandbox controller: it executes untrusted,
// agent-submitted code inside isolated, resource-constrained container
// environments, monitors execution for policy and security violations, and
// reacts to high-severity violations with emergency containment and forensic
// capture.
//
// Detection is heuristic defense-in-depth, not a verified isolation boundary.
// The container runtime enforces the hard limits (memory, CPU, pids, network);
// the monitor loop observes and classifies what the limits cannot express.
package sandbox

import (
	"time"
)

// Status is the lifecycle state of a sandbox session.
type Status string

const (
	// StatusCreated means the environment exists but execution has not started.
	StatusCreated Status = "created"

	// StatusExecuting means the untrusted code is running.
	StatusExecuting Status = "executing"

	// StatusCompletedNormal is the terminal state for a clean exit.
	StatusCompletedNormal Status = "completed_normal"

	// StatusTerminatedTimeout is the terminal state for a deadline kill.
	StatusTerminatedTimeout Status = "terminated_timeout"

	// StatusTerminatedViolation is the terminal state for a containment kill.
	StatusTerminatedViolation Status = "terminated_violation"

	// StatusTerminatedError is the terminal state for runtime failures and
	// non-zero exits.
	StatusTerminatedError Status = "terminated_error"
)

// Terminal reports whether the status is one of the four terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompletedNormal, StatusTerminatedTimeout,
		StatusTerminatedViolation, StatusTerminatedError:
		return true
	}
	return false
}

// ViolationType classifies a detected violation.
type ViolationType string

const (
	ViolationProcessInjection    ViolationType = "process_injection"
	ViolationPrivilegeEscalation ViolationType = "privilege_escalation"
	ViolationNetworkAccess       ViolationType = "network_access"
	ViolationFileTraversal       ViolationType = "file_traversal"
	ViolationShellExecution      ViolationType = "shell_execution"
	ViolationMemoryLimitBreach   ViolationType = "memory_limit_breach"
	ViolationExecutionTimeout    ViolationType = "execution_timeout"
)

// Severity grades a violation. Ordering matters: High and Critical trigger
// containment.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities to a comparable order.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ViolationRecord is one detected violation, append-only per session.
type ViolationRecord struct {
	ID          string         `json:"id"`
	Type        ViolationType  `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	DetectedAt  time.Time      `json:"detected_at"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// Outcome is the single, mutually exclusive classification assigned to a
// session when it reaches a terminal status.
type Outcome string

const (
	OutcomeNormalCompletion  Outcome = "normal_completion"
	OutcomeTimeout           Outcome = "timeout"
	OutcomePolicyViolation   Outcome = "policy_violation"
	OutcomeSecurityViolation Outcome = "security_violation"
	OutcomeExecutionError    Outcome = "execution_error"
	OutcomeSystemError       Outcome = "system_error"
)

// FilesystemMode describes the root filesystem layout of an environment.
// The only supported mode mounts the root read-only with a single writable
// scoped workspace directory.
type FilesystemMode string

const (
	// FilesystemReadOnlyWorkspace is a read-only root plus one writable
	// workspace mount.
	FilesystemReadOnlyWorkspace FilesystemMode = "readonly_workspace"
)

// ResourceLimits is the immutable resource profile of a session.
type ResourceLimits struct {
	MemoryMB       int            `json:"memory_mb" yaml:"memory_mb"`
	CPUCores       float64        `json:"cpu_cores" yaml:"cpu_cores"`
	PIDLimit       int            `json:"pid_limit" yaml:"pid_limit"`
	TimeoutSeconds int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	NetworkAccess  bool           `json:"network_access" yaml:"network_access"`
	FilesystemMode FilesystemMode `json:"filesystem_mode" yaml:"filesystem_mode"`
}

// Timeout returns the wall-clock budget as a duration.
func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// ResourceUsage holds observed resource consumption for a session.
// Peak values are tracked by the monitor loop; final values are captured by
// the accountant after exit.
type ResourceUsage struct {
	PeakMemoryBytes int64   `json:"peak_memory_bytes"`
	CPUSeconds      float64 `json:"cpu_seconds"`
	NetworkRxBytes  int64   `json:"network_rx_bytes"`
	NetworkTxBytes  int64   `json:"network_tx_bytes"`
}

// ProcessInfo describes one process observed inside an environment.
type ProcessInfo struct {
	PID     int32  `json:"pid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline"`
}

// Stats is a point-in-time resource snapshot of a running environment.
// CPUPercent is instantaneous; the monitor integrates it over poll ticks to
// approximate consumed CPU time.
type Stats struct {
	MemoryBytes    int64   `json:"memory_bytes"`
	CPUPercent     float64 `json:"cpu_percent"`
	ProcessCount   int     `json:"process_count"`
	NetworkRxBytes int64   `json:"network_rx_bytes"`
	NetworkTxBytes int64   `json:"network_tx_bytes"`
}
