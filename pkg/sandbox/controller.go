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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	ilog "github.com/CA-git-com-co/ACGS-sub035/internal/log"
	sberrors "github.com/CA-git-com-co/ACGS-sub035/pkg/errors"
)

// entryFile is the code file written into the workspace and executed as the
// environment's main process.
const entryFile = "main.py"

// ExecuteRequest is one agent-submitted execution request.
type ExecuteRequest struct {
	AgentID         string            `json:"agent_id"`
	Code            string            `json:"code"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	MemoryLimitMB   int               `json:"memory_limit_mb,omitempty"`
	CPULimit        float64           `json:"cpu_limit,omitempty"`
	EnvironmentVars map[string]string `json:"environment_vars,omitempty"`
}

// ExecuteResult is the structured result of one execution. Failures are
// always reported here, never as bare transport errors.
type ExecuteResult struct {
	ExecutionID          string            `json:"execution_id"`
	Success              bool              `json:"success"`
	Output               string            `json:"output"`
	Error                string            `json:"error,omitempty"`
	Violations           []ViolationRecord `json:"violations"`
	ExecutionTimeSeconds float64           `json:"execution_time_seconds"`
	ResourceUsage        ResourceUsage     `json:"resource_usage"`
	// TerminationReason is empty for requests rejected before a session
	// existed.
	TerminationReason Outcome `json:"termination_reason,omitempty"`
}

// Health reports controller liveness for the health endpoint.
type Health struct {
	Status             string `json:"status"`
	ActiveSandboxCount int    `json:"active_sandbox_count"`
	RuntimeAvailable   bool   `json:"runtime_available"`
}

// Controller orchestrates the full lifecycle of sandbox sessions: validation,
// environment creation, monitoring, deadline enforcement, accounting, and
// guaranteed cleanup.
type Controller struct {
	runtime   Runtime
	registry  *Registry
	validator *RequestValidator
	monitor   *Monitor
	logger    *slog.Logger

	dataDir       string
	defaultLimits ResourceLimits
}

// ControllerConfig configures the controller.
type ControllerConfig struct {
	Runtime   Runtime
	Registry  *Registry
	Validator *RequestValidator
	Monitor   *Monitor
	Logger    *slog.Logger

	// DataDir holds per-session workspace directories.
	DataDir string

	// DefaultLimits fill unset request fields.
	DefaultLimits ResourceLimits
}

// NewController creates a controller.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		runtime:       cfg.Runtime,
		registry:      cfg.Registry,
		validator:     cfg.Validator,
		monitor:       cfg.Monitor,
		logger:        ilog.WithComponent(cfg.Logger, "controller"),
		dataDir:       cfg.DataDir,
		defaultLimits: cfg.DefaultLimits,
	}
}

// Health returns current liveness.
func (c *Controller) Health(ctx context.Context) Health {
	status := "healthy"
	available := c.runtime.Available(ctx)
	if !available {
		status = "degraded"
	}
	return Health{
		Status:             status,
		ActiveSandboxCount: c.registry.Len(),
		RuntimeAvailable:   available,
	}
}

// Sandboxes returns point-in-time snapshots of every registered session, for
// the listing endpoint.
func (c *Controller) Sandboxes() []Snapshot {
	return c.registry.Snapshots()
}

// limits merges request overrides onto the configured defaults.
func (c *Controller) limits(req ExecuteRequest) ResourceLimits {
	l := c.defaultLimits
	if req.TimeoutSeconds > 0 {
		l.TimeoutSeconds = req.TimeoutSeconds
	}
	if req.MemoryLimitMB > 0 {
		l.MemoryMB = req.MemoryLimitMB
	}
	if req.CPULimit > 0 {
		l.CPUCores = req.CPULimit
	}
	l.NetworkAccess = false
	l.FilesystemMode = FilesystemReadOnlyWorkspace
	return l
}

// Execute runs one agent-submitted code snippet to completion and returns its
// structured result. The environment is destroyed on every exit path.
func (c *Controller) Execute(ctx context.Context, req ExecuteRequest) ExecuteResult {
	limits := c.limits(req)

	if err := c.validator.Validate(ctx, req.AgentID, req.Code, limits); err != nil {
		c.logger.Warn("execution request rejected",
			slog.String(ilog.AgentIDKey, req.AgentID), ilog.Error(err))
		// No session was created: the request never executed, so it gets a
		// rejection counter instead of an execution outcome.
		recordRejection()
		return ExecuteResult{
			Success:    false,
			Error:      err.Error(),
			Violations: []ViolationRecord{},
		}
	}

	session := NewSession(uuid.New().String(), req.AgentID, limits, time.Now().UTC())
	logger := ilog.WithSession(c.logger, session.ID, session.AgentID)

	if err := c.registry.Add(session); err != nil {
		return c.systemFailure(session, err, time.Now())
	}
	activeSandboxes.Inc()

	started := time.Now()
	defer func() {
		if c.registry.Remove(session.ID) {
			activeSandboxes.Dec()
		}
	}()

	workspace, err := c.prepareWorkspace(session.ID, req.Code)
	if err != nil {
		return c.systemFailure(session, err, started)
	}
	defer os.RemoveAll(workspace)

	handle, err := c.runtime.Create(ctx, CreateSpec{
		SessionID:    session.ID,
		Limits:       limits,
		WorkspaceDir: workspace,
		Command:      []string{"python3", workspaceMount + "/" + entryFile},
		Env:          FilterEnv(req.EnvironmentVars),
	})
	if err != nil {
		return c.systemFailure(session, &sberrors.SystemError{
			Op: "create", SandboxID: session.ID, Cause: err,
		}, started)
	}
	session.SetHandle(handle)
	defer func() {
		// Destroy runs on every exit path and tolerates racing with the
		// reaper or a repeated call.
		destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.runtime.Destroy(destroyCtx, handle); err != nil {
			logger.Error("failed to destroy environment", ilog.Error(err))
		}
	}()

	if err := c.runtime.Start(ctx, handle); err != nil {
		return c.systemFailure(session, &sberrors.SystemError{
			Op: "start", SandboxID: session.ID, Cause: err,
		}, started)
	}
	session.MarkExecuting()
	logger.Info("execution started",
		slog.Int("timeout_seconds", limits.TimeoutSeconds),
		slog.Int("memory_mb", limits.MemoryMB),
	)

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	session.SetCancelMonitor(cancelMonitor)
	defer cancelMonitor()
	go c.monitor.Watch(monitorCtx, session)

	deadlineDone := make(chan struct{})
	go c.watchDeadline(session, deadlineDone)

	exitCode, waitErr := c.runtime.Wait(ctx, handle)
	close(deadlineDone)
	session.CancelMonitor()

	if waitErr != nil {
		if !session.Status().Terminal() {
			return c.systemFailure(session, &sberrors.SystemError{
				Op: "wait", SandboxID: session.ID, Cause: waitErr,
			}, started)
		}
		// The session was force-terminated and the runtime could not report
		// a real exit code; the zero value must not read as a clean exit.
		logger.Warn("wait failed after forced termination", ilog.Error(waitErr))
		exitCode = -1
	}

	c.finishSession(session, exitCode)
	return c.buildResult(ctx, session, handle, exitCode, started, logger)
}

// prepareWorkspace creates the per-session host workspace and writes the
// submitted code into it.
func (c *Controller) prepareWorkspace(sessionID, code string) (string, error) {
	dir := filepath.Join(c.dataDir, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", &sberrors.SystemError{
			Op: "workspace", SandboxID: sessionID,
			Cause: fmt.Errorf("failed to create workspace: %w", err),
		}
	}
	if err := os.WriteFile(filepath.Join(dir, entryFile), []byte(code), 0o640); err != nil {
		os.RemoveAll(dir)
		return "", &sberrors.SystemError{
			Op: "workspace", SandboxID: sessionID,
			Cause: fmt.Errorf("failed to write code file: %w", err),
		}
	}
	return dir, nil
}

// watchDeadline force-kills the environment when the wall-clock budget
// elapses, unless containment already claimed the session or execution ended
// first.
func (c *Controller) watchDeadline(session *Session, done <-chan struct{}) {
	timer := time.NewTimer(time.Until(session.Deadline))
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	if session.Contained() || session.Status().Terminal() {
		return
	}
	logger := ilog.WithSession(c.logger, session.ID, session.AgentID)
	logger.Warn("deadline exceeded, killing environment",
		slog.Int("timeout_seconds", session.Limits.TimeoutSeconds))

	session.MarkEndedByDeadline()
	session.Terminate(StatusTerminatedTimeout)
	session.CancelMonitor()

	killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.runtime.Kill(killCtx, session.Handle()); err != nil {
		logger.Error("deadline kill failed", ilog.Error(err))
	}
}

// finishSession applies the terminal transition for a natural exit. Sessions
// already terminated by containment or the deadline watch keep that status.
func (c *Controller) finishSession(session *Session, exitCode int) {
	if exitCode == 0 {
		session.Terminate(StatusCompletedNormal)
	} else {
		session.Terminate(StatusTerminatedError)
	}
}

// buildResult derives the outcome, collects output, and records metrics.
func (c *Controller) buildResult(ctx context.Context, session *Session, handle Handle, exitCode int, started time.Time, logger *slog.Logger) ExecuteResult {
	snap := session.Snapshot()
	outcome := DeriveOutcome(snap, exitCode)
	elapsed := time.Since(started).Seconds()

	output, err := c.runtime.Output(ctx, handle)
	if err != nil {
		logger.Warn("failed to collect output", ilog.Error(err))
	}

	success := outcome == OutcomeNormalCompletion
	result := ExecuteResult{
		ExecutionID:          snap.ID,
		Success:              success,
		Output:               output,
		Violations:           snap.Violations,
		ExecutionTimeSeconds: elapsed,
		ResourceUsage:        snap.Usage,
		TerminationReason:    outcome,
	}
	if result.Violations == nil {
		result.Violations = []ViolationRecord{}
	}
	if !success {
		result.Error = outcomeError(snap, outcome, exitCode).Error()
	}

	recordExecution(success, outcome, elapsed)
	logger.Info("execution finished",
		slog.String(ilog.StatusKey, string(snap.Status)),
		slog.String("termination_reason", string(outcome)),
		slog.Int("exit_code", exitCode),
		slog.Int("violations", len(snap.Violations)),
		ilog.Duration("duration", int64(elapsed*1000)),
	)
	return result
}

// outcomeError maps a non-success outcome to its structured error type.
func outcomeError(snap Snapshot, outcome Outcome, exitCode int) error {
	switch outcome {
	case OutcomeTimeout:
		return &sberrors.TimeoutError{SandboxID: snap.ID, Limit: snap.Limits.Timeout()}
	case OutcomeSecurityViolation:
		trigger := snap.Violations[0]
		for _, v := range snap.Violations {
			if v.Severity.AtLeast(SeverityHigh) {
				trigger = v
				break
			}
		}
		return &sberrors.SecurityViolationError{
			SandboxID:     snap.ID,
			ViolationType: string(trigger.Type),
			Severity:      string(trigger.Severity),
			Description:   trigger.Description,
		}
	case OutcomePolicyViolation:
		return &sberrors.PolicyViolationError{SandboxID: snap.ID, Count: len(snap.Violations)}
	default:
		return fmt.Errorf("execution failed with exit code %d", exitCode)
	}
}

// systemFailure finalizes a session that died to a runtime failure and
// returns the structured system_error result.
func (c *Controller) systemFailure(session *Session, err error, started time.Time) ExecuteResult {
	session.Terminate(StatusTerminatedError)
	session.CancelMonitor()
	elapsed := time.Since(started).Seconds()
	recordExecution(false, OutcomeSystemError, elapsed)
	ilog.WithSession(c.logger, session.ID, session.AgentID).Error("execution failed", ilog.Error(err))
	return ExecuteResult{
		ExecutionID:          session.ID,
		Success:              false,
		Error:                err.Error(),
		Violations:           []ViolationRecord{},
		ExecutionTimeSeconds: elapsed,
		TerminationReason:    OutcomeSystemError,
	}
}
