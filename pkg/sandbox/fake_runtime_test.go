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
	"sync"
	"time"
)

// fakeRuntime is the in-memory Runtime used across the package tests.
type fakeRuntime struct {
	mu sync.Mutex

	createErr error
	startErr  error
	exportErr error
	statsErr  error
	procsErr  error

	exitCode int
	// waitDelay makes Wait take this long unless killed first.
	waitDelay time.Duration
	// killedExit is the exit code reported when Kill preempts Wait.
	killedExit int

	procs  []ProcessInfo
	stats  Stats
	output string

	lastSpec    CreateSpec
	pauseCalls  int
	killCalls   int
	exportCalls int
	destroyed   int
	exportPaths []string

	killCh   chan struct{}
	killOnce sync.Once
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		killedExit: 137,
		killCh:     make(chan struct{}),
	}
}

func (f *fakeRuntime) Available(ctx context.Context) bool { return true }

func (f *fakeRuntime) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.lastSpec = spec
	return Handle("fake-" + spec.SessionID), nil
}

func (f *fakeRuntime) Start(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr
}

func (f *fakeRuntime) Pause(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return nil
}

func (f *fakeRuntime) Kill(ctx context.Context, h Handle) error {
	f.mu.Lock()
	f.killCalls++
	f.mu.Unlock()
	f.killOnce.Do(func() { close(f.killCh) })
	return nil
}

func (f *fakeRuntime) Destroy(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, h Handle) (int, error) {
	f.mu.Lock()
	delay := f.waitDelay
	code := f.exitCode
	killed := f.killedExit
	f.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return code, nil
	case <-f.killCh:
		return killed, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeRuntime) Processes(ctx context.Context, h Handle) ([]ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.procsErr != nil {
		return nil, f.procsErr
	}
	out := make([]ProcessInfo, len(f.procs))
	copy(out, f.procs)
	return out, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, h Handle) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return Stats{}, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeRuntime) Export(ctx context.Context, h Handle, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportCalls++
	if f.exportErr != nil {
		return f.exportErr
	}
	f.exportPaths = append(f.exportPaths, path)
	return nil
}

func (f *fakeRuntime) Output(ctx context.Context, h Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output, nil
}

func (f *fakeRuntime) counts() (pause, kill, export, destroy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauseCalls, f.killCalls, f.exportCalls, f.destroyed
}

// brokenRuntime fails every operation, for system-error paths.
type brokenRuntime struct {
	fakeRuntime
}

func (b *brokenRuntime) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	return "", fmt.Errorf("runtime unavailable")
}

// wedgedRuntime models a daemon that stops responding mid-execution: Kill is
// refused, and Wait errors out once a kill has been attempted instead of
// reporting an exit code.
type wedgedRuntime struct {
	*fakeRuntime

	killTried chan struct{}
	tryOnce   sync.Once
}

func newWedgedRuntime() *wedgedRuntime {
	return &wedgedRuntime{
		fakeRuntime: newFakeRuntime(),
		killTried:   make(chan struct{}),
	}
}

func (r *wedgedRuntime) Kill(ctx context.Context, h Handle) error {
	r.tryOnce.Do(func() { close(r.killTried) })
	return fmt.Errorf("runtime wedged")
}

func (r *wedgedRuntime) Wait(ctx context.Context, h Handle) (int, error) {
	select {
	case <-r.killTried:
		return 0, fmt.Errorf("wait failed: runtime wedged")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var (
	_ Runtime = (*fakeRuntime)(nil)
	_ Runtime = (*brokenRuntime)(nil)
	_ Runtime = (*wedgedRuntime)(nil)
)
