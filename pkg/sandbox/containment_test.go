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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func criticalViolation() ViolationRecord {
	return ViolationRecord{
		ID:          "v-crit",
		Type:        ViolationPrivilegeEscalation,
		Severity:    SeverityCritical,
		Description: "privilege escalation operation",
		DetectedAt:  time.Now(),
	}
}

func TestContainSequence(t *testing.T) {
	rt := newFakeRuntime()
	forensics := t.TempDir()
	cc := NewContainmentController(rt, forensics, nil, testLogger())

	s := NewSession("s1", "agent-1", testLimits(), time.Now())
	s.SetHandle("fake-s1")
	s.MarkExecuting()

	require.True(t, cc.Contain(context.Background(), s, criticalViolation()))

	pause, kill, export, _ := rt.counts()
	assert.Equal(t, 1, pause)
	assert.Equal(t, 1, export)
	assert.Equal(t, 1, kill)
	assert.Equal(t, StatusTerminatedViolation, s.Status())

	require.Len(t, rt.exportPaths, 1)
	assert.True(t, strings.HasPrefix(rt.exportPaths[0], forensics), "snapshot lands in the forensics dir")
	assert.Contains(t, rt.exportPaths[0], "s1-")
	assert.True(t, strings.HasSuffix(rt.exportPaths[0], ".tar"))
}

func TestContainExactlyOnceConcurrent(t *testing.T) {
	rt := newFakeRuntime()
	cc := NewContainmentController(rt, t.TempDir(), nil, testLogger())

	s := NewSession("s1", "agent-1", testLimits(), time.Now())
	s.SetHandle("fake-s1")
	s.MarkExecuting()

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v := criticalViolation()
			v.ID = fmt.Sprintf("v-%d", n)
			results <- cc.Contain(context.Background(), s, v)
		}(i)
	}
	wg.Wait()
	close(results)

	won := 0
	for r := range results {
		if r {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one containment sequence may run")

	pause, kill, export, _ := rt.counts()
	assert.Equal(t, 1, pause, "single freeze")
	assert.Equal(t, 1, export, "single forensic snapshot")
	assert.Equal(t, 1, kill, "single kill")
}

func TestContainSnapshotFailureStillKills(t *testing.T) {
	rt := newFakeRuntime()
	rt.exportErr = fmt.Errorf("disk full")
	cc := NewContainmentController(rt, t.TempDir(), nil, testLogger())

	s := NewSession("s1", "agent-1", testLimits(), time.Now())
	s.SetHandle("fake-s1")
	s.MarkExecuting()

	require.True(t, cc.Contain(context.Background(), s, criticalViolation()))

	_, kill, _, _ := rt.counts()
	assert.Equal(t, 1, kill, "snapshot failure must not abort the kill")
	assert.Equal(t, StatusTerminatedViolation, s.Status())
}

func TestContainCancelsMonitor(t *testing.T) {
	rt := newFakeRuntime()
	cc := NewContainmentController(rt, t.TempDir(), nil, testLogger())

	s := NewSession("s1", "agent-1", testLimits(), time.Now())
	s.SetHandle("fake-s1")
	s.MarkExecuting()

	ctx, cancel := context.WithCancel(context.Background())
	s.SetCancelMonitor(cancel)

	require.True(t, cc.Contain(context.Background(), s, criticalViolation()))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("containment must cancel the monitor context")
	}
}
