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
	"path/filepath"
	"time"

	ilog "github.com/CA-git-com-co/ACGS-sub035/internal/log"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox/audit"
)

// ContainmentController runs the emergency containment sequence when a
// High or Critical violation is detected: freeze the environment, capture a
// forensic filesystem snapshot, then kill. The freeze-before-snapshot order
// preserves in-flight state for investigation.
type ContainmentController struct {
	runtime      Runtime
	forensicsDir string
	auditLog     *audit.Logger
	logger       *slog.Logger

	// opTimeout bounds each individual runtime call so a wedged daemon
	// cannot hang the containment path.
	opTimeout time.Duration
}

// NewContainmentController creates a containment controller. auditLog may be
// nil when audit logging is disabled.
func NewContainmentController(rt Runtime, forensicsDir string, auditLog *audit.Logger, logger *slog.Logger) *ContainmentController {
	return &ContainmentController{
		runtime:      rt,
		forensicsDir: forensicsDir,
		auditLog:     auditLog,
		logger:       ilog.WithComponent(logger, "containment"),
		opTimeout:    30 * time.Second,
	}
}

// Contain executes the containment sequence for a session, triggered by the
// given violation. Exactly one sequence runs per session: the first caller
// wins the claim and later callers return immediately with false.
//
// A snapshot failure is logged and audited but never aborts the kill; the
// session always ends terminated_violation once containment is claimed.
func (c *ContainmentController) Contain(ctx context.Context, session *Session, trigger ViolationRecord) bool {
	if !session.ClaimContainment() {
		return false
	}

	logger := ilog.WithSession(c.logger, session.ID, session.AgentID)
	logger.Warn("containment triggered",
		slog.String(ilog.ViolationTypeKey, string(trigger.Type)),
		slog.String(ilog.SeverityKey, string(trigger.Severity)),
		slog.String("description", trigger.Description),
	)
	recordEscapeAttempt(trigger.Type)

	handle := session.Handle()

	pauseCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	err := c.runtime.Pause(pauseCtx, handle)
	cancel()
	if err != nil {
		// The environment may have already exited. Proceed: the snapshot
		// may still succeed and the kill below is idempotent enough.
		logger.Warn("failed to freeze environment", ilog.Error(err))
	}

	snapshotPath := c.snapshotPath(session.ID)
	exportCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	err = c.runtime.Export(exportCtx, handle, snapshotPath)
	cancel()
	if err != nil {
		logger.Error("forensic snapshot failed", ilog.Error(err))
		snapshotPath = ""
	} else {
		logger.Info("forensic snapshot captured", slog.String("path", snapshotPath))
	}

	killCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	err = c.runtime.Kill(killCtx, handle)
	cancel()
	if err != nil {
		logger.Error("failed to kill environment", ilog.Error(err))
	}

	session.Terminate(StatusTerminatedViolation)
	session.CancelMonitor()

	if c.auditLog != nil {
		c.auditLog.Log(audit.Event{
			EventType:     audit.EventContainment,
			ViolationID:   trigger.ID,
			SandboxID:     session.ID,
			AgentID:       session.AgentID,
			ViolationType: string(trigger.Type),
			Severity:      string(trigger.Severity),
			Description:   trigger.Description,
			Evidence:      trigger.Evidence,
			SnapshotPath:  snapshotPath,
		})
	}

	logger.Warn("containment complete")
	return true
}

// snapshotPath builds the timestamped forensic archive path for a session.
func (c *ContainmentController) snapshotPath(sessionID string) string {
	name := fmt.Sprintf("%s-%s.tar", sessionID, time.Now().UTC().Format("20060102T150405Z"))
	return filepath.Join(c.forensicsDir, name)
}
