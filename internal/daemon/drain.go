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

package daemon

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox"
)

// drainingController wraps the sandbox controller to track in-flight
// executions and reject new ones once shutdown has begun.
type drainingController struct {
	inner    *sandbox.Controller
	draining atomic.Bool
	inflight sync.WaitGroup
}

func newDrainingController(inner *sandbox.Controller) *drainingController {
	return &drainingController{inner: inner}
}

// Execute runs one request unless the daemon is draining. Drain-time
// rejections carry no termination reason: no session ever existed.
func (c *drainingController) Execute(ctx context.Context, req sandbox.ExecuteRequest) sandbox.ExecuteResult {
	if c.draining.Load() {
		return sandbox.ExecuteResult{
			Success:    false,
			Error:      "daemon is shutting down",
			Violations: []sandbox.ViolationRecord{},
		}
	}
	c.inflight.Add(1)
	defer c.inflight.Done()
	return c.inner.Execute(ctx, req)
}

// Health proxies to the controller.
func (c *drainingController) Health(ctx context.Context) sandbox.Health {
	return c.inner.Health(ctx)
}

// Sandboxes proxies to the controller.
func (c *drainingController) Sandboxes() []sandbox.Snapshot {
	return c.inner.Sandboxes()
}

// Draining reports whether shutdown has begun.
func (c *drainingController) Draining() bool {
	return c.draining.Load()
}

// StartDraining stops accepting new executions.
func (c *drainingController) StartDraining() {
	c.draining.Store(true)
}

// WaitForDrain blocks until in-flight executions finish or the context
// expires.
func (c *drainingController) WaitForDrain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
