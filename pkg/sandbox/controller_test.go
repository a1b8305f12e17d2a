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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// denyPolicy always denies, or errors when broken is set.
type denyPolicy struct {
	broken bool
}

func (p denyPolicy) Check(ctx context.Context, req PolicyRequest) (PolicyDecision, error) {
	if p.broken {
		return PolicyDecision{}, fmt.Errorf("connection refused")
	}
	return PolicyDecision{Allow: false, Violations: []string{"agent not allowed to execute code"}}, nil
}

func newTestController(t *testing.T, rt Runtime, policy PolicyClient, poll time.Duration) (*Controller, *Registry) {
	t.Helper()
	table, err := NewPatternTable(DefaultPatterns())
	require.NoError(t, err)

	registry := NewRegistry()
	monitor := NewMonitor(MonitorConfig{
		Classifier:   NewClassifier(table),
		Processes:    NewRuntimeProcessInspector(rt),
		Runtime:      rt,
		Containment:  NewContainmentController(rt, t.TempDir(), nil, testLogger()),
		Logger:       testLogger(),
		PollInterval: poll,
	})
	controller := NewController(ControllerConfig{
		Runtime:   rt,
		Registry:  registry,
		Validator: NewRequestValidator(ValidatorConfig{Policy: policy}),
		Monitor:   monitor,
		Logger:    testLogger(),
		DataDir:   t.TempDir(),
		DefaultLimits: ResourceLimits{
			MemoryMB:       128,
			CPUCores:       0.5,
			PIDLimit:       32,
			TimeoutSeconds: 30,
			FilesystemMode: FilesystemReadOnlyWorkspace,
		},
	})
	return controller, registry
}

func TestExecuteBenignScript(t *testing.T) {
	rt := newFakeRuntime()
	rt.output = "hello\n"
	controller, registry := newTestController(t, rt, nil, time.Minute)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "print('hello')",
	})

	assert.True(t, result.Success)
	assert.Equal(t, OutcomeNormalCompletion, result.TerminationReason)
	assert.Empty(t, result.Violations)
	assert.Equal(t, "hello\n", result.Output)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Empty(t, result.Error)

	assert.Equal(t, 0, registry.Len(), "session removed after completion")
	_, _, _, destroyed := rt.counts()
	assert.Equal(t, 1, destroyed, "environment destroyed on the success path")
}

func TestExecuteWritesCodeToWorkspace(t *testing.T) {
	rt := newFakeRuntime()
	controller, _ := newTestController(t, rt, nil, time.Minute)

	controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "print(42)",
	})

	spec := rt.lastSpec
	assert.Equal(t, []string{"python3", "/workspace/main.py"}, spec.Command)
	assert.NotEmpty(t, spec.WorkspaceDir)
	// The workspace itself is removed after execution.
	_, err := os.Stat(spec.WorkspaceDir)
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteStripsCredentialEnv(t *testing.T) {
	rt := newFakeRuntime()
	controller, _ := newTestController(t, rt, nil, time.Minute)

	controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "print(42)",
		EnvironmentVars: map[string]string{
			"AWS_SECRET_ACCESS_KEY": "leak",
			"MY_API_KEY":            "leak",
			"LANG":                  "C.UTF-8",
		},
	})

	env := rt.lastSpec.Env
	assert.NotContains(t, env, "AWS_SECRET_ACCESS_KEY")
	assert.NotContains(t, env, "MY_API_KEY")
	assert.Equal(t, "C.UTF-8", env["LANG"])
}

func TestExecuteNonZeroExit(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode = 2
	controller, _ := newTestController(t, rt, nil, time.Minute)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "import sys; sys.exit(2)",
	})

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeExecutionError, result.TerminationReason)
	assert.Contains(t, result.Error, "exit code 2")
}

func TestExecutePolicyDenied(t *testing.T) {
	rt := newFakeRuntime()
	controller, registry := newTestController(t, rt, denyPolicy{}, time.Minute)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "print(1)",
	})

	assert.False(t, result.Success)
	assert.Empty(t, result.ExecutionID, "no session created for a denied request")
	assert.Empty(t, result.TerminationReason, "a rejected request has no execution outcome")
	assert.Contains(t, result.Error, "denied")
	assert.Equal(t, 0, registry.Len())

	_, _, _, destroyed := rt.counts()
	assert.Equal(t, 0, destroyed, "no environment was ever created")
}

func TestExecutePolicyUnreachableFailsClosed(t *testing.T) {
	rt := newFakeRuntime()
	controller, registry := newTestController(t, rt, denyPolicy{broken: true}, time.Minute)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "print(1)",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "policy engine unavailable")
	assert.Equal(t, 0, registry.Len(), "fail-closed: nothing allocated")
}

func TestExecuteInvalidRequest(t *testing.T) {
	rt := newFakeRuntime()
	controller, _ := newTestController(t, rt, nil, time.Minute)

	result := controller.Execute(context.Background(), ExecuteRequest{AgentID: "agent-1"})

	assert.False(t, result.Success)
	assert.Empty(t, result.TerminationReason)
	assert.Contains(t, result.Error, "code is required")
}

func TestExecuteTimeout(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitDelay = time.Minute // "infinite loop" unless killed
	controller, registry := newTestController(t, rt, nil, time.Minute)

	start := time.Now()
	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID:        "agent-1",
		Code:           "while True: pass",
		TimeoutSeconds: 1,
	})
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeTimeout, result.TerminationReason)
	assert.Contains(t, result.Error, "timeout")
	assert.Less(t, elapsed, 10*time.Second, "deadline watch must kill promptly")

	_, kill, _, destroyed := rt.counts()
	assert.Equal(t, 1, kill)
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 0, registry.Len())
}

func TestExecuteTimeoutWithWedgedRuntime(t *testing.T) {
	// Kill is refused and Wait errors instead of reporting an exit code.
	// The timed-out session must not surface as a clean completion.
	rt := newWedgedRuntime()
	controller, _ := newTestController(t, rt, nil, time.Minute)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID:        "agent-1",
		Code:           "while True: pass",
		TimeoutSeconds: 1,
	})

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeTimeout, result.TerminationReason)
	assert.Contains(t, result.Error, "timeout")
}

func TestExecuteCriticalViolationContained(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitDelay = time.Minute // runs until containment kills it
	rt.procs = []ProcessInfo{
		{PID: 3, Name: "python3", Cmdline: "python3 -c 'import os; os.setuid(0)'"},
	}
	controller, registry := newTestController(t, rt, nil, 10*time.Millisecond)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "import os; os.setuid(0)",
	})

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeSecurityViolation, result.TerminationReason)
	require.NotEmpty(t, result.Violations)
	assert.Equal(t, ViolationPrivilegeEscalation, result.Violations[0].Type)

	pause, kill, export, destroyed := rt.counts()
	assert.Equal(t, 1, pause)
	assert.Equal(t, 1, export, "single forensic snapshot")
	assert.Equal(t, 1, kill)
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 0, registry.Len())
}

func TestExecuteMediumViolationCompletes(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitDelay = 100 * time.Millisecond
	rt.procs = []ProcessInfo{{PID: 5, Name: "bash", Cmdline: "bash -c id"}}
	controller, _ := newTestController(t, rt, nil, 10*time.Millisecond)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "import subprocess; subprocess.run(['bash', '-c', 'id'])",
	})

	assert.False(t, result.Success)
	assert.Equal(t, OutcomePolicyViolation, result.TerminationReason)
	require.NotEmpty(t, result.Violations)
	assert.Equal(t, ViolationShellExecution, result.Violations[0].Type)

	_, kill, _, _ := rt.counts()
	assert.Equal(t, 0, kill, "medium violations let execution finish")
}

func TestExecuteRuntimeCreateFailure(t *testing.T) {
	rt := &brokenRuntime{}
	controller, registry := newTestController(t, rt, nil, time.Minute)

	result := controller.Execute(context.Background(), ExecuteRequest{
		AgentID: "agent-1",
		Code:    "print(1)",
	})

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeSystemError, result.TerminationReason)
	assert.Contains(t, result.Error, "create")
	assert.Equal(t, 0, registry.Len())
}

func TestHealth(t *testing.T) {
	rt := newFakeRuntime()
	controller, registry := newTestController(t, rt, nil, time.Minute)

	h := controller.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 0, h.ActiveSandboxCount)
	assert.True(t, h.RuntimeAvailable)

	require.NoError(t, registry.Add(NewSession("s1", "a", testLimits(), time.Now())))
	assert.Equal(t, 1, controller.Health(context.Background()).ActiveSandboxCount)
}

func TestPrepareWorkspace(t *testing.T) {
	rt := newFakeRuntime()
	controller, _ := newTestController(t, rt, nil, time.Minute)

	dir, err := controller.prepareWorkspace("s1", "print(1)")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	data, err := os.ReadFile(filepath.Join(dir, entryFile))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))
}
