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
	"strings"
	"time"

	"github.com/google/uuid"
)

// DetectionLayer names the inspection category that produced a violation.
type DetectionLayer string

const (
	LayerProcess    DetectionLayer = "process"
	LayerResource   DetectionLayer = "resource"
	LayerFilesystem DetectionLayer = "filesystem"
)

// Detection is one classified anomaly, carrying the layer that found it.
type Detection struct {
	Record ViolationRecord
	Layer  DetectionLayer
}

// Classifier matches inspection observations against the active pattern
// table. It is stateless; per-session state lives in the monitor.
type Classifier struct {
	table *PatternTable
}

// NewClassifier creates a classifier over the given pattern table.
func NewClassifier(table *PatternTable) *Classifier {
	return &Classifier{table: table}
}

// ClassifyProcesses matches observed processes against disallowed-process
// and disallowed-syscall patterns. One detection is produced per (pattern,
// process) match.
func (c *Classifier) ClassifyProcesses(procs []ProcessInfo, now time.Time) []Detection {
	var detections []Detection
	for _, p := range c.table.Patterns() {
		for _, proc := range procs {
			if match, evidence := matchProcess(p, proc); match {
				detections = append(detections, Detection{
					Layer: LayerProcess,
					Record: ViolationRecord{
						ID:          uuid.New().String(),
						Type:        p.Type,
						Severity:    p.Severity,
						Description: p.Description,
						DetectedAt:  now,
						Evidence:    evidence,
					},
				})
			}
		}
	}
	return detections
}

// matchProcess checks one process against one pattern's process/syscall
// signals and returns structured evidence on match.
func matchProcess(p Pattern, proc ProcessInfo) (bool, map[string]any) {
	for _, name := range p.Processes {
		if matchesProcessName(proc.Name, name) {
			return true, map[string]any{
				"pid":     proc.PID,
				"process": proc.Name,
				"matched": name,
			}
		}
	}
	for _, syscall := range p.Syscalls {
		if strings.Contains(strings.ToLower(proc.Cmdline), strings.ToLower(syscall)) {
			return true, map[string]any{
				"pid":     proc.PID,
				"cmdline": proc.Cmdline,
				"matched": syscall,
			}
		}
	}
	return false, nil
}

// ClassifyMemory evaluates threshold patterns against live memory usage.
// A breach is reported before the runtime's own OOM kill would fire.
func (c *Classifier) ClassifyMemory(memUsed, memLimit int64, now time.Time) []Detection {
	var detections []Detection
	for _, p := range c.table.Patterns() {
		if p.Threshold <= 0 {
			continue
		}
		if p.thresholdExceeded(memUsed, memLimit) {
			detections = append(detections, Detection{
				Layer: LayerResource,
				Record: ViolationRecord{
					ID:          uuid.New().String(),
					Type:        p.Type,
					Severity:    p.Severity,
					Description: p.Description,
					DetectedAt:  now,
					Evidence: map[string]any{
						"memory_used_bytes":  memUsed,
						"memory_limit_bytes": memLimit,
						"threshold":          p.Threshold,
					},
				},
			})
		}
	}
	return detections
}

// ClassifyPaths matches observed filesystem paths against disallowed path
// prefixes. Best-effort: the path detector is optional and not exhaustive.
func (c *Classifier) ClassifyPaths(paths []string, now time.Time) []Detection {
	var detections []Detection
	for _, p := range c.table.Patterns() {
		if len(p.Paths) == 0 {
			continue
		}
		for _, observed := range paths {
			for _, prefix := range p.Paths {
				if strings.HasPrefix(observed, prefix) {
					detections = append(detections, Detection{
						Layer: LayerFilesystem,
						Record: ViolationRecord{
							ID:          uuid.New().String(),
							Type:        p.Type,
							Severity:    p.Severity,
							Description: p.Description,
							DetectedAt:  now,
							Evidence: map[string]any{
								"path":    observed,
								"matched": prefix,
							},
						},
					})
				}
			}
		}
	}
	return detections
}
