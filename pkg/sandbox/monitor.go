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

// DefaultPollInterval is the monitor tick period when none is configured.
const DefaultPollInterval = 2 * time.Second

// Monitor runs the per-session polling loop: each tick it inspects the
// environment's processes, resource usage, and (optionally) filesystem
// activity, classifies anomalies against the active pattern table, records
// violations, and hands High/Critical detections to containment.
//
// Inspection layers are failure-isolated: one failing check is logged and
// counted, and the remaining layers still run in the same tick.
type Monitor struct {
	classifier  *Classifier
	processes   ProcessInspector
	paths       PathInspector
	runtime     Runtime
	containment *ContainmentController
	auditLog    *audit.Logger
	logger      *slog.Logger
	interval    time.Duration
}

// MonitorConfig configures the monitor.
type MonitorConfig struct {
	Classifier  *Classifier
	Processes   ProcessInspector
	Paths       PathInspector
	Runtime     Runtime
	Containment *ContainmentController
	AuditLog    *audit.Logger
	Logger      *slog.Logger

	// PollInterval is the tick period. Default 2s.
	PollInterval time.Duration
}

// NewMonitor creates a monitor. Paths and AuditLog may be nil.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		classifier:  cfg.Classifier,
		processes:   cfg.Processes,
		paths:       cfg.Paths,
		runtime:     cfg.Runtime,
		containment: cfg.Containment,
		auditLog:    cfg.AuditLog,
		logger:      ilog.WithComponent(cfg.Logger, "monitor"),
		interval:    interval,
	}
}

// Watch polls the session until the context is cancelled or the session
// reaches a terminal status. It is meant to run in its own goroutine; the
// controller cancels it when the environment exits.
func (m *Monitor) Watch(ctx context.Context, session *Session) {
	logger := ilog.WithSession(m.logger, session.ID, session.AgentID)
	logger.Debug("monitor started", slog.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("monitor stopped")
			return
		case <-ticker.C:
			if session.Status().Terminal() {
				return
			}
			if m.tick(ctx, session, logger) {
				return
			}
		}
	}
}

// tick runs one inspection pass. Returns true when containment fired and the
// loop should stop.
func (m *Monitor) tick(ctx context.Context, session *Session, logger *slog.Logger) bool {
	now := time.Now().UTC()
	handle := session.Handle()

	var detections []Detection

	procs, err := m.processes.List(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		recordMonitorCheckFailure(LayerProcess)
		logger.Warn("process inspection failed", ilog.Error(err))
	} else {
		detections = append(detections, m.classifier.ClassifyProcesses(procs, now)...)
	}

	stats, err := m.runtime.Stats(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		recordMonitorCheckFailure(LayerResource)
		logger.Warn("resource inspection failed", ilog.Error(err))
	} else {
		session.ObserveStats(stats, m.interval)
		memLimit := int64(session.Limits.MemoryMB) * 1024 * 1024
		detections = append(detections, m.classifier.ClassifyMemory(stats.MemoryBytes, memLimit, now)...)
	}

	if m.paths != nil {
		observed, err := m.paths.List(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			recordMonitorCheckFailure(LayerFilesystem)
			logger.Warn("filesystem inspection failed", ilog.Error(err))
		} else {
			detections = append(detections, m.classifier.ClassifyPaths(observed, now)...)
		}
	}

	return m.record(ctx, session, detections, logger)
}

// record appends detections to the session and triggers containment on the
// first High or Critical one. Records are appended before containment runs so
// the triggering violation is always part of the session's history.
func (m *Monitor) record(ctx context.Context, session *Session, detections []Detection, logger *slog.Logger) bool {
	for _, d := range detections {
		if !session.AppendViolation(d.Record) {
			// Session went terminal mid-tick; drop the rest.
			return true
		}
		recordViolation(d.Record)
		logger.Warn("violation detected",
			slog.String(ilog.ViolationTypeKey, string(d.Record.Type)),
			slog.String(ilog.SeverityKey, string(d.Record.Severity)),
			slog.String("layer", string(d.Layer)),
			slog.String("violation_id", d.Record.ID),
		)
		if m.auditLog != nil {
			m.auditLog.Log(audit.Event{
				EventType:      audit.EventViolation,
				ViolationID:    d.Record.ID,
				SandboxID:      session.ID,
				AgentID:        session.AgentID,
				ViolationType:  string(d.Record.Type),
				Severity:       string(d.Record.Severity),
				Description:    d.Record.Description,
				DetectionLayer: string(d.Layer),
				Evidence:       d.Record.Evidence,
				Timestamp:      d.Record.DetectedAt,
			})
		}
		if d.Record.Severity.AtLeast(SeverityHigh) {
			m.containment.Contain(ctx, session, d.Record)
			return true
		}
	}
	return false
}
