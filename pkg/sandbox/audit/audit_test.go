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

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDestinationWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Destinations: []DestinationConfig{{Type: "file", Path: path}},
	})
	require.NoError(t, err)

	logger.Log(Event{
		EventType:     EventViolation,
		SandboxID:     "s1",
		AgentID:       "agent-1",
		ViolationType: "shell_execution",
		Severity:      "medium",
		Description:   "prohibited process detected: bash",
		Evidence:      map[string]any{"pid": 5},
	})
	logger.Log(Event{
		EventType:    EventContainment,
		SandboxID:    "s1",
		SnapshotPath: "/var/lib/sandboxd/forensics/s1.tar",
	})
	require.NoError(t, logger.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)

	assert.Equal(t, EventViolation, events[0].EventType)
	assert.Equal(t, "s1", events[0].SandboxID)
	assert.Equal(t, "shell_execution", events[0].ViolationType)
	assert.False(t, events[0].Timestamp.IsZero(), "timestamp filled in at enqueue")
	assert.Equal(t, EventContainment, events[1].EventType)
	assert.Equal(t, "/var/lib/sandboxd/forensics/s1.tar", events[1].SnapshotPath)
}

func TestLoggerCreatesAuditDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.log")
	logger, err := NewLogger(Config{
		Destinations: []DestinationConfig{{Type: "file", Path: path}},
	})
	require.NoError(t, err)
	defer logger.Close()

	_, err = os.Stat(filepath.Dir(path))
	assert.NoError(t, err)
}

func TestFileDestinationRequiresPath(t *testing.T) {
	_, err := NewLogger(Config{
		Destinations: []DestinationConfig{{Type: "file"}},
	})
	assert.Error(t, err)
}

func TestUnknownDestinationType(t *testing.T) {
	_, err := NewLogger(Config{
		Destinations: []DestinationConfig{{Type: "syslog"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown destination type")
}

// blockingDestination holds delivery until released, so the buffer can fill.
type blockingDestination struct {
	release chan struct{}
	once    sync.Once
}

func (d *blockingDestination) Write(Event) error {
	<-d.release
	return nil
}

func (d *blockingDestination) Close() error {
	d.once.Do(func() { close(d.release) })
	return nil
}

func TestLogNeverBlocksWhenBufferFull(t *testing.T) {
	dest := &blockingDestination{release: make(chan struct{})}
	logger := &Logger{
		destinations: []Destination{dest},
		buffer:       make(chan Event, 2),
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger.cancel = cancel
	logger.wg.Add(1)
	go logger.deliver(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			logger.Log(Event{EventType: EventViolation, SandboxID: "s1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full buffer")
	}
	assert.Positive(t, logger.Dropped())

	dest.Close()
	require.NoError(t, logger.Close())
}

func TestCloseFlushesBufferedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Destinations: []DestinationConfig{{Type: "file", Path: path}},
		BufferSize:   100,
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		logger.Log(Event{EventType: EventReaped, SandboxID: "s1"})
	}
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 20, lines, "all enqueued events land before Close returns")
}
