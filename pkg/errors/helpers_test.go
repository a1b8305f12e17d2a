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

package errors_test

import (
	"errors"
	"testing"
	"time"

	sandboxerrors "github.com/CA-git-com-co/ACGS-sub035/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps non-nil error", func(t *testing.T) {
		cause := errors.New("boom")
		wrapped := sandboxerrors.Wrap(cause, "starting container")

		if wrapped == nil {
			t.Fatal("Wrap() returned nil for non-nil error")
		}
		if got := wrapped.Error(); got != "starting container: boom" {
			t.Errorf("Wrap() message = %q, want %q", got, "starting container: boom")
		}
		if !errors.Is(wrapped, cause) {
			t.Error("errors.Is should find the cause in the wrapped error")
		}
	})

	t.Run("nil passthrough", func(t *testing.T) {
		if got := sandboxerrors.Wrap(nil, "context"); got != nil {
			t.Errorf("Wrap(nil) = %v, want nil", got)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("formats context", func(t *testing.T) {
		cause := errors.New("boom")
		wrapped := sandboxerrors.Wrapf(cause, "killing sandbox %s after %d attempts", "exec-1", 3)

		want := "killing sandbox exec-1 after 3 attempts: boom"
		if got := wrapped.Error(); got != want {
			t.Errorf("Wrapf() message = %q, want %q", got, want)
		}
		if !errors.Is(wrapped, cause) {
			t.Error("errors.Is should find the cause in the wrapped error")
		}
	})

	t.Run("nil passthrough", func(t *testing.T) {
		if got := sandboxerrors.Wrapf(nil, "context %d", 1); got != nil {
			t.Errorf("Wrapf(nil) = %v, want nil", got)
		}
	})
}

func TestTypePredicates(t *testing.T) {
	validation := &sandboxerrors.ValidationError{AgentID: "agent-1"}
	timeout := &sandboxerrors.TimeoutError{SandboxID: "exec-1", Limit: time.Second}
	security := &sandboxerrors.SecurityViolationError{SandboxID: "exec-1"}
	system := &sandboxerrors.SystemError{Op: "create", Cause: errors.New("boom")}
	notFound := &sandboxerrors.NotFoundError{Resource: "session", ID: "exec-1"}
	plain := errors.New("plain error")

	tests := []struct {
		name string
		pred func(error) bool
		err  error
		want bool
	}{
		{"IsValidation matches", sandboxerrors.IsValidation, validation, true},
		{"IsValidation matches wrapped", sandboxerrors.IsValidation, sandboxerrors.Wrap(validation, "ctx"), true},
		{"IsValidation rejects other type", sandboxerrors.IsValidation, timeout, false},
		{"IsTimeout matches", sandboxerrors.IsTimeout, timeout, true},
		{"IsTimeout rejects plain error", sandboxerrors.IsTimeout, plain, false},
		{"IsSecurityViolation matches", sandboxerrors.IsSecurityViolation, security, true},
		{"IsSecurityViolation rejects other type", sandboxerrors.IsSecurityViolation, system, false},
		{"IsSystem matches", sandboxerrors.IsSystem, system, true},
		{"IsSystem matches wrapped", sandboxerrors.IsSystem, sandboxerrors.Wrapf(system, "op %s", "create"), true},
		{"IsSystem rejects nil", sandboxerrors.IsSystem, nil, false},
		{"IsNotFound matches", sandboxerrors.IsNotFound, notFound, true},
		{"IsNotFound rejects other type", sandboxerrors.IsNotFound, validation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.err); got != tt.want {
				t.Errorf("predicate(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
