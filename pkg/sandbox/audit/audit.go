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

// Package audit provides buffered, multi-destination audit logging for
// sandbox security events. Delivery is asynchronous and non-blocking: a full
// buffer drops the event and bumps a counter rather than stalling the
// monitor loop that produced it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes an audit event.
type EventType string

const (
	// EventViolation records one detected violation.
	EventViolation EventType = "violation"

	// EventContainment records a completed containment sequence.
	EventContainment EventType = "containment"

	// EventReaped records an orphan session force-cleaned by the reaper.
	EventReaped EventType = "reaped"
)

// Event is one well-formed audit record.
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	EventType      EventType      `json:"event_type"`
	ViolationID    string         `json:"violation_id,omitempty"`
	SandboxID      string         `json:"sandbox_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	ViolationType  string         `json:"violation_type,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Description    string         `json:"description,omitempty"`
	DetectionLayer string         `json:"detection_layer,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	SnapshotPath   string         `json:"snapshot_path,omitempty"`
}

// Destination receives audit events.
type Destination interface {
	// Write writes one event to the destination.
	Write(event Event) error

	// Close closes the destination.
	Close() error
}

// Config configures the audit logger.
type Config struct {
	Destinations []DestinationConfig `yaml:"destinations"`
	BufferSize   int                 `yaml:"buffer_size,omitempty"`
}

// DestinationConfig configures a single destination.
type DestinationConfig struct {
	// Type is "file" or "stdout".
	Type string `yaml:"type"`

	// Path is the output path for file destinations.
	Path string `yaml:"path,omitempty"`
}

// DefaultBufferSize is the default size of the event buffer.
const DefaultBufferSize = 1000

// Logger fans audit events out to its destinations from a background worker.
type Logger struct {
	mu           sync.Mutex
	destinations []Destination
	buffer       chan Event
	dropped      atomic.Int64
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewLogger creates an audit logger and starts its delivery worker.
func NewLogger(config Config) (*Logger, error) {
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := &Logger{
		destinations: make([]Destination, 0, len(config.Destinations)),
		buffer:       make(chan Event, config.BufferSize),
		cancel:       cancel,
	}

	for _, destConfig := range config.Destinations {
		dest, err := createDestination(destConfig)
		if err != nil {
			logger.Close()
			return nil, fmt.Errorf("failed to create %s destination: %w", destConfig.Type, err)
		}
		logger.destinations = append(logger.destinations, dest)
	}

	logger.wg.Add(1)
	go logger.deliver(ctx)

	return logger, nil
}

// createDestination builds one destination from config.
func createDestination(cfg DestinationConfig) (Destination, error) {
	switch cfg.Type {
	case "file":
		return newFileDestination(cfg.Path)
	case "stdout":
		return &writerDestination{w: os.Stdout}, nil
	default:
		return nil, fmt.Errorf("unknown destination type: %s", cfg.Type)
	}
}

// Log enqueues an event. Never blocks: a full buffer drops the event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case l.buffer <- event:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped due to a full buffer.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// deliver drains the buffer to all destinations until cancelled, then
// flushes any remaining events.
func (l *Logger) deliver(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-l.buffer:
					l.write(event)
				default:
					return
				}
			}
		case event := <-l.buffer:
			l.write(event)
		}
	}
}

// write fans one event out to every destination. Destination errors are
// swallowed; delivery is best-effort.
func (l *Logger) write(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, dest := range l.destinations {
		_ = dest.Write(event)
	}
}

// Close stops the worker, flushes the buffer, and closes all destinations.
func (l *Logger) Close() error {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, dest := range l.destinations {
		if err := dest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.destinations = nil
	return firstErr
}

// fileDestination appends JSON lines to a file.
type fileDestination struct {
	mu   sync.Mutex
	file *os.File
}

func newFileDestination(path string) (*fileDestination, error) {
	if path == "" {
		return nil, fmt.Errorf("file destination requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &fileDestination{file: f}, nil
}

// Write appends one JSON line.
func (d *fileDestination) Write(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.file.Write(append(data, '\n'))
	return err
}

// Close closes the file.
func (d *fileDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

// writerDestination writes JSON lines to a raw writer (stdout).
type writerDestination struct {
	mu sync.Mutex
	w  *os.File
}

// Write writes one JSON line.
func (d *writerDestination) Write(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = fmt.Fprintln(d.w, string(data))
	return err
}

// Close is a no-op for the stdout destination.
func (d *writerDestination) Close() error {
	return nil
}
