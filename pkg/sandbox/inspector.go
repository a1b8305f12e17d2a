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
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInspector lists the processes running inside an environment. The
// concrete strategy (runtime top, host /proc walking) is pluggable and
// swappable without touching the controller logic.
type ProcessInspector interface {
	List(ctx context.Context, h Handle) ([]ProcessInfo, error)
}

// PathInspector lists filesystem paths touched inside an environment. It is
// an optional, best-effort detector; implementations are not guaranteed
// exhaustive and the monitor tolerates a nil inspector.
type PathInspector interface {
	List(ctx context.Context, h Handle) ([]string, error)
}

// RuntimeProcessInspector inspects via the runtime's own process listing
// (docker top). This is the default strategy.
type RuntimeProcessInspector struct {
	runtime Runtime
}

// NewRuntimeProcessInspector creates the runtime-backed inspector.
func NewRuntimeProcessInspector(rt Runtime) *RuntimeProcessInspector {
	return &RuntimeProcessInspector{runtime: rt}
}

// List returns the environment's processes via the runtime.
func (i *RuntimeProcessInspector) List(ctx context.Context, h Handle) ([]ProcessInfo, error) {
	return i.runtime.Processes(ctx, h)
}

// FallbackProcessInspector chains two inspection strategies: the primary is
// tried first, and the secondary answers when the primary fails. The daemon
// pairs the runtime's own listing with the host-side walker so a paused or
// misbehaving runtime daemon does not blind the monitor.
type FallbackProcessInspector struct {
	primary   ProcessInspector
	secondary ProcessInspector
}

// NewFallbackProcessInspector creates the chained inspector.
func NewFallbackProcessInspector(primary, secondary ProcessInspector) *FallbackProcessInspector {
	return &FallbackProcessInspector{primary: primary, secondary: secondary}
}

// List tries the primary strategy, then the secondary. A cancelled context is
// never retried against the secondary.
func (i *FallbackProcessInspector) List(ctx context.Context, h Handle) ([]ProcessInfo, error) {
	procs, err := i.primary.List(ctx, h)
	if err == nil {
		return procs, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	procs, ferr := i.secondary.List(ctx, h)
	if ferr != nil {
		return nil, fmt.Errorf("process inspection failed: %w (host fallback: %v)", err, ferr)
	}
	return procs, nil
}

// PIDResolver resolves an environment handle to the host PID of its init
// process. The docker runtime implements this via container inspection.
type PIDResolver interface {
	RootPID(ctx context.Context, h Handle) (int32, error)
}

// HostProcessInspector walks the host process tree under the environment's
// init process using gopsutil. It serves as a fallback when the runtime's
// own process listing is unavailable (e.g. a paused or misbehaving daemon).
type HostProcessInspector struct {
	resolver PIDResolver
}

// NewHostProcessInspector creates the host-side inspector.
func NewHostProcessInspector(resolver PIDResolver) *HostProcessInspector {
	return &HostProcessInspector{resolver: resolver}
}

// List enumerates the init process and all of its descendants.
func (i *HostProcessInspector) List(ctx context.Context, h Handle) ([]ProcessInfo, error) {
	rootPID, err := i.resolver.RootPID(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root pid: %w", err)
	}

	root, err := process.NewProcessWithContext(ctx, rootPID)
	if err != nil {
		return nil, fmt.Errorf("root process %d not found: %w", rootPID, err)
	}

	procs := []*process.Process{root}
	if children, err := root.ChildrenWithContext(ctx); err == nil {
		procs = append(procs, children...)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		info := ProcessInfo{PID: p.Pid}
		if name, err := p.NameWithContext(ctx); err == nil {
			info.Name = name
		}
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmdline = cmdline
		}
		out = append(out, info)
	}
	return out, nil
}

// matchesProcessName reports whether an observed process name matches a
// disallowed substring. Short patterns ("sh") match exactly or as a path
// basename to avoid flagging every process containing the two letters.
func matchesProcessName(name, pattern string) bool {
	name = strings.ToLower(name)
	pattern = strings.ToLower(pattern)
	if name == pattern {
		return true
	}
	if strings.HasSuffix(name, "/"+pattern) {
		return true
	}
	if len(pattern) > 3 && strings.Contains(name, pattern) {
		return true
	}
	return false
}
