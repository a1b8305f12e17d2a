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
	"log/slog"
	"time"

	ilog "github.com/CA-git-com-co/ACGS-sub035/internal/log"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox/audit"
)

const (
	// DefaultReapPeriod is the sweep interval when none is configured.
	DefaultReapPeriod = 30 * time.Second

	// DefaultReapGracePeriod is how far past its deadline a non-terminal
	// session may run before the reaper force-cleans it.
	DefaultReapGracePeriod = 60 * time.Second
)

// OrphanReaper is the backstop for monitor-loop or deadline-watch failures.
// On a fixed period it sweeps the registry and force-destroys any session
// that is still non-terminal well past its deadline. It is never the primary
// termination path.
type OrphanReaper struct {
	registry *Registry
	runtime  Runtime
	auditLog *audit.Logger
	logger   *slog.Logger
	period   time.Duration
	grace    time.Duration
	now      func() time.Time
}

// ReaperConfig configures the orphan reaper.
type ReaperConfig struct {
	Registry *Registry
	Runtime  Runtime
	AuditLog *audit.Logger
	Logger   *slog.Logger

	// Period is the sweep interval. Default 30s.
	Period time.Duration

	// GracePeriod is the post-deadline slack before a session counts as
	// orphaned. Default 60s.
	GracePeriod time.Duration
}

// NewOrphanReaper creates a reaper. AuditLog may be nil.
func NewOrphanReaper(cfg ReaperConfig) *OrphanReaper {
	period := cfg.Period
	if period <= 0 {
		period = DefaultReapPeriod
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultReapGracePeriod
	}
	return &OrphanReaper{
		registry: cfg.Registry,
		runtime:  cfg.Runtime,
		auditLog: cfg.AuditLog,
		logger:   ilog.WithComponent(cfg.Logger, "reaper"),
		period:   period,
		grace:    grace,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled. Meant to run in its own
// goroutine for the daemon's lifetime.
func (r *OrphanReaper) Run(ctx context.Context) {
	r.logger.Info("orphan reaper started",
		slog.Duration("period", r.period),
		slog.Duration("grace_period", r.grace),
	)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("orphan reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep force-cleans every orphaned session once and returns the number
// reaped. Exposed separately from Run for tests and for a final sweep at
// shutdown.
func (r *OrphanReaper) Sweep(ctx context.Context) int {
	now := r.now()
	reaped := 0
	for _, session := range r.registry.Sessions() {
		snap := session.Snapshot()
		if snap.Status.Terminal() {
			continue
		}
		if now.Before(snap.Deadline.Add(r.grace)) {
			continue
		}
		r.reap(ctx, session, snap)
		reaped++
	}
	return reaped
}

// reap force-cleans one stuck session: cancel its monitor, destroy the
// environment, mark it terminated, and drop it from the registry. Destroy is
// idempotent, so racing with a late-finishing normal path is harmless.
func (r *OrphanReaper) reap(ctx context.Context, session *Session, snap Snapshot) {
	logger := ilog.WithSession(r.logger, snap.ID, snap.AgentID)
	logger.Warn("reaping orphaned session",
		slog.String(ilog.StatusKey, string(snap.Status)),
		slog.Time("deadline", snap.Deadline),
	)

	session.CancelMonitor()
	if err := r.runtime.Destroy(ctx, snap.Handle); err != nil {
		logger.Error("failed to destroy orphaned environment", ilog.Error(err))
	}
	session.Terminate(StatusTerminatedError)
	if r.registry.Remove(snap.ID) {
		activeSandboxes.Dec()
	}
	orphansReaped.Inc()

	if r.auditLog != nil {
		r.auditLog.Log(audit.Event{
			EventType:   audit.EventReaped,
			SandboxID:   snap.ID,
			AgentID:     snap.AgentID,
			Description: "session exceeded deadline plus grace period with no terminal status",
		})
	}
}
