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
	"fmt"
	"os"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// Pattern is one data-driven detection rule. A pattern matches on exactly one
// signal class: disallowed process-name substrings, disallowed syscall names
// (matched against command lines), disallowed path prefixes, or a resource
// threshold. Adding a pattern is a configuration change, not a code change.
type Pattern struct {
	// Type is the violation type this pattern reports.
	Type ViolationType `yaml:"type"`

	// Severity is the default severity assigned on match.
	Severity Severity `yaml:"severity"`

	// Description explains what the pattern detects.
	Description string `yaml:"description"`

	// Processes are disallowed process-name substrings.
	Processes []string `yaml:"processes,omitempty"`

	// Syscalls are disallowed syscall-class operation names, matched as
	// substrings of observed command lines.
	Syscalls []string `yaml:"syscalls,omitempty"`

	// Paths are disallowed path prefixes for the filesystem detector.
	Paths []string `yaml:"paths,omitempty"`

	// Threshold is a fraction of the session memory limit (0 < t <= 1) for
	// resource patterns.
	Threshold float64 `yaml:"threshold,omitempty"`

	// When is an optional expression evaluated for threshold patterns with
	// the environment {mem_used, mem_limit, threshold}. When empty, the
	// default rule mem_used >= mem_limit * threshold applies.
	When string `yaml:"when,omitempty"`

	program *vm.Program
}

// patternsFile is the on-disk shape of the pattern table.
type patternsFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// PatternTable holds the active set of violation patterns. It supports
// atomic replacement so the watcher can hot-reload the file without pausing
// monitor loops.
type PatternTable struct {
	mu       sync.RWMutex
	patterns []Pattern
}

// DefaultPatterns is the built-in table used when no patterns file is
// configured. It mirrors the minimum rule set the controller must ship with.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Type:        ViolationShellExecution,
			Severity:    SeverityMedium,
			Description: "disallowed shell binary spawned",
			Processes:   []string{"sh", "bash", "zsh", "dash", "ksh"},
		},
		{
			Type:        ViolationPrivilegeEscalation,
			Severity:    SeverityCritical,
			Description: "privilege escalation operation",
			Syscalls:    []string{"setuid", "setgid", "sudo", "su -", "capset"},
		},
		{
			Type:        ViolationProcessInjection,
			Severity:    SeverityCritical,
			Description: "process injection tooling",
			Syscalls:    []string{"ptrace", "process_vm_writev"},
		},
		{
			Type:        ViolationNetworkAccess,
			Severity:    SeverityHigh,
			Description: "network client spawned in a no-network sandbox",
			Processes:   []string{"curl", "wget", "nc", "ncat", "ssh"},
		},
		{
			Type:        ViolationFileTraversal,
			Severity:    SeverityHigh,
			Description: "access outside the writable workspace",
			Paths:       []string{"/etc", "/root", "/proc/1", "/var/run"},
		},
		{
			Type:        ViolationMemoryLimitBreach,
			Severity:    SeverityHigh,
			Description: "memory usage approaching the enforced limit",
			Threshold:   0.95,
		},
	}
}

// NewPatternTable creates a table from the given patterns, compiling any
// expressions. Invalid patterns reject the whole set.
func NewPatternTable(patterns []Pattern) (*PatternTable, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	return &PatternTable{patterns: compiled}, nil
}

// LoadPatterns reads and validates a patterns file.
func LoadPatterns(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patterns file: %w", err)
	}

	var file patternsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse patterns file: %w", err)
	}
	if len(file.Patterns) == 0 {
		return nil, fmt.Errorf("patterns file %s defines no patterns", path)
	}

	return compilePatterns(file.Patterns)
}

// compilePatterns validates every pattern and compiles When expressions.
func compilePatterns(patterns []Pattern) ([]Pattern, error) {
	out := make([]Pattern, len(patterns))
	for i, p := range patterns {
		if p.Type == "" {
			return nil, fmt.Errorf("pattern %d: missing type", i)
		}
		if !p.Severity.Valid() {
			return nil, fmt.Errorf("pattern %d (%s): invalid severity %q", i, p.Type, p.Severity)
		}
		signals := 0
		if len(p.Processes) > 0 {
			signals++
		}
		if len(p.Syscalls) > 0 {
			signals++
		}
		if len(p.Paths) > 0 {
			signals++
		}
		if p.Threshold > 0 {
			signals++
			if p.Threshold > 1 {
				return nil, fmt.Errorf("pattern %d (%s): threshold %v out of range (0, 1]", i, p.Type, p.Threshold)
			}
		}
		if signals != 1 {
			return nil, fmt.Errorf("pattern %d (%s): exactly one signal class required, got %d", i, p.Type, signals)
		}
		if p.When != "" {
			if p.Threshold == 0 {
				return nil, fmt.Errorf("pattern %d (%s): when expression requires a threshold signal", i, p.Type)
			}
			program, err := expr.Compile(p.When, expr.Env(thresholdEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("pattern %d (%s): invalid when expression: %w", i, p.Type, err)
			}
			p.program = program
		}
		out[i] = p
	}
	return out, nil
}

// thresholdEnv is the evaluation environment for When expressions.
type thresholdEnv struct {
	MemUsed   int64   `expr:"mem_used"`
	MemLimit  int64   `expr:"mem_limit"`
	Threshold float64 `expr:"threshold"`
}

// Patterns returns the active pattern set.
func (t *PatternTable) Patterns() []Pattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.patterns
}

// Replace swaps in a new pattern set atomically.
func (t *PatternTable) Replace(patterns []Pattern) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.patterns = patterns
}

// thresholdExceeded evaluates a threshold pattern against observed memory
// usage. Expression failures fall back to the default comparison.
func (p *Pattern) thresholdExceeded(memUsed, memLimit int64) bool {
	if memLimit <= 0 {
		return false
	}
	if p.program != nil {
		result, err := expr.Run(p.program, thresholdEnv{
			MemUsed:   memUsed,
			MemLimit:  memLimit,
			Threshold: p.Threshold,
		})
		if err == nil {
			exceeded, ok := result.(bool)
			if ok {
				return exceeded
			}
		}
	}
	return float64(memUsed) >= float64(memLimit)*p.Threshold
}
