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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// executionsTotal counts completed executions by result and outcome.
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_executions_total",
			Help: "Total sandbox executions by result and termination reason",
		},
		[]string{"result", "termination_reason"},
	)

	// violationsTotal counts recorded violations by type and severity.
	violationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_violations_total",
			Help: "Total violations recorded by type and severity",
		},
		[]string{"type", "severity"},
	)

	// escapeAttemptsTotal counts containment triggers by matched pattern.
	escapeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_escape_attempts_total",
			Help: "Total containment-triggering violations by pattern type",
		},
		[]string{"pattern"},
	)

	// activeSandboxes tracks currently registered sessions.
	activeSandboxes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_active_sandboxes",
			Help: "Number of currently active sandbox sessions",
		},
	)

	// executionDuration observes wall-clock execution time.
	executionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_execution_duration_seconds",
			Help:    "Sandbox execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// requestsRejected counts requests denied before a session was created
	// (structural validation failure or policy denial). These never reach
	// the execution counter.
	requestsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_requests_rejected_total",
			Help: "Total execution requests rejected before a session was created",
		},
	)

	// orphansReaped counts sessions force-cleaned by the reaper.
	orphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_orphans_reaped_total",
			Help: "Total stuck sessions force-cleaned by the orphan reaper",
		},
	)

	// monitorCheckFailures counts inspection steps that failed inside the
	// monitor loop (converted to warnings, never fatal to the loop).
	monitorCheckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_monitor_check_failures_total",
			Help: "Total failed monitor inspection steps by layer",
		},
		[]string{"layer"},
	)
)

// recordExecution increments the execution counter and duration histogram.
func recordExecution(success bool, outcome Outcome, seconds float64) {
	result := "failure"
	if success {
		result = "success"
	}
	executionsTotal.WithLabelValues(result, string(outcome)).Inc()
	executionDuration.Observe(seconds)
}

// recordRejection increments the pre-session rejection counter.
func recordRejection() {
	requestsRejected.Inc()
}

// recordViolation increments the violation counter.
func recordViolation(v ViolationRecord) {
	violationsTotal.WithLabelValues(string(v.Type), string(v.Severity)).Inc()
}

// recordEscapeAttempt increments the containment trigger counter.
func recordEscapeAttempt(pattern ViolationType) {
	escapeAttemptsTotal.WithLabelValues(string(pattern)).Inc()
}

// recordMonitorCheckFailure increments the inspection failure counter.
func recordMonitorCheckFailure(layer DetectionLayer) {
	monitorCheckFailures.WithLabelValues(string(layer)).Inc()
}
