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
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPatternsCompile(t *testing.T) {
	table, err := NewPatternTable(DefaultPatterns())
	require.NoError(t, err)
	assert.NotEmpty(t, table.Patterns())
}

func TestLoadPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	content := `patterns:
  - type: shell_execution
    severity: medium
    description: shell spawned
    processes: ["sh", "bash"]
  - type: memory_limit_breach
    severity: high
    description: memory climbing
    threshold: 0.9
    when: "mem_used >= mem_limit * threshold"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	patterns, err := LoadPatterns(path)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, ViolationShellExecution, patterns[0].Type)
	assert.Equal(t, SeverityHigh, patterns[1].Severity)
	assert.NotNil(t, patterns[1].program, "when expression must be compiled")
}

func TestLoadPatternsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing type",
			content: "patterns:\n  - severity: high\n    processes: [\"sh\"]\n",
		},
		{
			name:    "bad severity",
			content: "patterns:\n  - type: shell_execution\n    severity: extreme\n    processes: [\"sh\"]\n",
		},
		{
			name:    "no signal class",
			content: "patterns:\n  - type: shell_execution\n    severity: low\n",
		},
		{
			name:    "two signal classes",
			content: "patterns:\n  - type: shell_execution\n    severity: low\n    processes: [\"sh\"]\n    paths: [\"/etc\"]\n",
		},
		{
			name:    "threshold out of range",
			content: "patterns:\n  - type: memory_limit_breach\n    severity: high\n    threshold: 1.5\n",
		},
		{
			name:    "when without threshold",
			content: "patterns:\n  - type: shell_execution\n    severity: low\n    processes: [\"sh\"]\n    when: \"mem_used > 0\"\n",
		},
		{
			name:    "bad expression",
			content: "patterns:\n  - type: memory_limit_breach\n    severity: high\n    threshold: 0.9\n    when: \"mem_used >>\"\n",
		},
		{
			name:    "empty file",
			content: "patterns: []\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "patterns.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadPatterns(path)
			assert.Error(t, err)
		})
	}
}

func TestThresholdExceeded(t *testing.T) {
	p := Pattern{Type: ViolationMemoryLimitBreach, Severity: SeverityHigh, Threshold: 0.95}
	compiled, err := compilePatterns([]Pattern{p})
	require.NoError(t, err)

	limit := int64(100 << 20)
	assert.False(t, compiled[0].thresholdExceeded(90<<20, limit))
	assert.True(t, compiled[0].thresholdExceeded(96<<20, limit))
	assert.False(t, compiled[0].thresholdExceeded(96<<20, 0), "zero limit never trips")
}

func TestThresholdExceededWithExpression(t *testing.T) {
	p := Pattern{
		Type:      ViolationMemoryLimitBreach,
		Severity:  SeverityHigh,
		Threshold: 0.5,
		When:      "mem_used > mem_limit * threshold && mem_used > 1048576",
	}
	compiled, err := compilePatterns([]Pattern{p})
	require.NoError(t, err)

	// Above the fraction but below the absolute floor in the expression.
	assert.False(t, compiled[0].thresholdExceeded(900_000, 1_000_000))
	assert.True(t, compiled[0].thresholdExceeded(2<<20, 3<<20))
}

func TestPatternWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	initial := "patterns:\n  - type: shell_execution\n    severity: medium\n    description: shell\n    processes: [\"sh\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))

	patterns, err := LoadPatterns(path)
	require.NoError(t, err)
	table, err := NewPatternTable(patterns)
	require.NoError(t, err)

	w, err := NewPatternWatcher(path, table, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	w.Start(t.Context())
	defer w.Stop()

	updated := initial + "  - type: network_access\n    severity: high\n    description: net\n    processes: [\"curl\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return len(table.Patterns()) == 2
	}, 2*time.Second, 20*time.Millisecond, "watcher should reload the table")

	// A broken update keeps the previous table.
	require.NoError(t, os.WriteFile(path, []byte("patterns:\n  - severity: nope\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, table.Patterns(), 2, "failed reload must keep the old table")
}
