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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	sberrors "github.com/CA-git-com-co/ACGS-sub035/pkg/errors"
)

// PolicyClient asks the external policy engine whether an execution request
// is allowed. Implementations must honor the context deadline.
type PolicyClient interface {
	Check(ctx context.Context, req PolicyRequest) (PolicyDecision, error)
}

// PolicyRequest is the decision request sent to the policy engine.
type PolicyRequest struct {
	Action          string         `json:"action"`
	AgentID         string         `json:"agent_id"`
	ResourceProfile ResourceLimits `json:"proposed_resource_profile"`
}

// PolicyDecision is the policy engine's answer.
type PolicyDecision struct {
	Allow      bool     `json:"allow"`
	Violations []string `json:"violations"`
}

// DefaultPolicyTimeout bounds the policy-decision call.
const DefaultPolicyTimeout = 5 * time.Second

// HTTPPolicyClient calls a policy engine over HTTP. A non-200 response, a
// transport error, or a timeout all surface as errors and the validator
// treats them as denials.
type HTTPPolicyClient struct {
	url    string
	client *http.Client
}

// NewHTTPPolicyClient creates a policy client for the given endpoint URL.
func NewHTTPPolicyClient(url string, timeout time.Duration) *HTTPPolicyClient {
	if timeout <= 0 {
		timeout = DefaultPolicyTimeout
	}
	return &HTTPPolicyClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Check posts the decision request and decodes the decision.
func (c *HTTPPolicyClient) Check(ctx context.Context, req PolicyRequest) (PolicyDecision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("failed to encode policy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("failed to build policy request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("policy engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PolicyDecision{}, fmt.Errorf("policy engine returned status %d", resp.StatusCode)
	}

	var decision PolicyDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return PolicyDecision{}, fmt.Errorf("failed to decode policy decision: %w", err)
	}
	return decision, nil
}

// AllowAllPolicy is the stand-in decision source when no policy engine is
// configured. Structural request validation still applies.
type AllowAllPolicy struct{}

// Check always allows.
func (AllowAllPolicy) Check(ctx context.Context, req PolicyRequest) (PolicyDecision, error) {
	return PolicyDecision{Allow: true}, nil
}

// RequestValidator gates execution requests before any sandbox resources are
// allocated. Validation is fail-closed: an unreachable or erroring policy
// engine denies the request.
type RequestValidator struct {
	policy  PolicyClient
	timeout time.Duration

	// maxCodeBytes caps submitted code size.
	maxCodeBytes int
}

// ValidatorConfig configures the request validator.
type ValidatorConfig struct {
	Policy PolicyClient

	// PolicyTimeout bounds the policy-decision call. Default 5s.
	PolicyTimeout time.Duration

	// MaxCodeBytes caps submitted code size. Default 1 MiB.
	MaxCodeBytes int
}

// NewRequestValidator creates a validator. A nil Policy means allow-all (the
// structural checks still run).
func NewRequestValidator(cfg ValidatorConfig) *RequestValidator {
	policy := cfg.Policy
	if policy == nil {
		policy = AllowAllPolicy{}
	}
	timeout := cfg.PolicyTimeout
	if timeout <= 0 {
		timeout = DefaultPolicyTimeout
	}
	maxCode := cfg.MaxCodeBytes
	if maxCode <= 0 {
		maxCode = 1 << 20
	}
	return &RequestValidator{
		policy:       policy,
		timeout:      timeout,
		maxCodeBytes: maxCode,
	}
}

// Validate checks an execution request structurally and against the policy
// engine. A non-nil error is always a *errors.ValidationError and means no
// session was (or will be) created for this request.
func (v *RequestValidator) Validate(ctx context.Context, agentID, code string, limits ResourceLimits) error {
	var violations []string
	if agentID == "" {
		violations = append(violations, "agent_id is required")
	}
	if code == "" {
		violations = append(violations, "code is required")
	}
	if len(code) > v.maxCodeBytes {
		violations = append(violations, fmt.Sprintf("code exceeds maximum size of %d bytes", v.maxCodeBytes))
	}
	if limits.TimeoutSeconds <= 0 {
		violations = append(violations, "timeout_seconds must be positive")
	}
	if limits.MemoryMB <= 0 {
		violations = append(violations, "memory_limit_mb must be positive")
	}
	if limits.CPUCores <= 0 {
		violations = append(violations, "cpu_limit must be positive")
	}
	if len(violations) > 0 {
		return &sberrors.ValidationError{AgentID: agentID, Violations: violations}
	}

	policyCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	decision, err := v.policy.Check(policyCtx, PolicyRequest{
		Action:          "execute_code",
		AgentID:         agentID,
		ResourceProfile: limits,
	})
	if err != nil {
		return &sberrors.ValidationError{AgentID: agentID, Cause: err}
	}
	if !decision.Allow {
		return &sberrors.ValidationError{AgentID: agentID, Violations: decision.Violations}
	}
	return nil
}
