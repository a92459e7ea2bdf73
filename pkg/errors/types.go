// Copyright 2025 Tom Barlow
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

// Package errors defines the error kinds used across the action server.
//
// Each kind maps to a well-defined HTTP status and retry policy:
// validation failures are never retried, rate limits are skipped rather
// than failed, worker errors mark the run FAILED with a synthetic message.
package errors

import (
	"fmt"
	"time"
)

// ValidationError reports an input or output value that does not match
// its declared JSON Schema. Surfaced as HTTP 422 for inputs; marks the
// run FAILED for outputs. Never retried.
type ValidationError struct {
	// Field is the schema location that failed (may be empty).
	Field string

	// Reason explains the mismatch.
	Reason string

	// Cause is the underlying schema library error.
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error at %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NotFoundError reports a missing entity or artifact. Surfaced as HTTP 404.
type NotFoundError struct {
	// Kind is the entity kind (e.g., "run", "action", "artifact").
	Kind string

	// ID identifies the missing entity.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Kind)
}

// AuthError reports a missing or invalid API key or webhook signature.
// Surfaced as HTTP 403, or a REJECTED trigger invocation.
type AuthError struct {
	// Reason explains the failure without echoing credentials.
	Reason string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// RateLimitError reports an exceeded schedule or trigger budget.
// The subject is skipped or rejected; it never causes a run failure.
type RateLimitError struct {
	// Subject identifies what was limited (e.g., "trigger trig-1").
	Subject string

	// Window is the budget window that was exhausted.
	Window time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (window %v)", e.Subject, e.Window)
}

// EnvironmentBuildError reports a failed environment materialization.
// Surfaced as HTTP 503 at the call site; schedules and triggers record
// a FAILED execution.
type EnvironmentBuildError struct {
	// Package is the action package whose environment failed to build.
	Package string

	// Output is the tail of the build tool output.
	Output string

	// Cause is the underlying process error.
	Cause error
}

// Error implements the error interface.
func (e *EnvironmentBuildError) Error() string {
	msg := fmt.Sprintf("environment build failed for package %s", e.Package)
	if e.Output != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Output)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *EnvironmentBuildError) Unwrap() error {
	return e.Cause
}

// WorkerError reports a crashed or timed-out worker subprocess.
// The run is marked FAILED with a synthetic error message.
type WorkerError struct {
	// Reason describes the failure (e.g., "worker exited unexpectedly").
	Reason string

	// Cause is the underlying process error.
	Cause error
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// TransportError reports a failed outbound notification. Recorded on the
// schedule execution but never affects its status.
type TransportError struct {
	// Target is the notification destination (URL or address).
	Target string

	// Cause is the underlying network error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("notification to %s failed: %v", e.Target, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}
