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

// DeriveOutcome maps a terminal session to its single termination outcome.
// Classification is priority-ordered, most severe first, so a session that
// both violated policy and timed out reports the violation:
//
//  1. any High or Critical violation: security_violation
//  2. any violation at all: policy_violation
//  3. clean zero exit: normal_completion
//  4. killed by the deadline watch: timeout
//  5. everything else: execution_error
//
// system_error is never derived here; the controller assigns it directly when
// the runtime itself fails before or during execution.
func DeriveOutcome(snap Snapshot, exitCode int) Outcome {
	if max, ok := snap.MaxSeverity(); ok {
		if max.AtLeast(SeverityHigh) {
			return OutcomeSecurityViolation
		}
		return OutcomePolicyViolation
	}
	if exitCode == 0 {
		return OutcomeNormalCompletion
	}
	if snap.EndedByDeadline {
		return OutcomeTimeout
	}
	return OutcomeExecutionError
}
