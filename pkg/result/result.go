// Copyright 2025 UMH Systems GmbH
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

// Package result models the outcome of a single sync attempt as a tagged value.
// Retry decisions are pure functions over these values, so the scheduler never
// has to inspect raw errors.
package result

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
)

// Kind tags an attempt outcome.
type Kind int

const (
	// Success means the attempt completed.
	Success Kind = iota
	// Retryable means the attempt failed but may succeed later (timeouts, transport errors).
	Retryable
	// Fatal means retrying cannot help (validation failure, revoked credentials).
	Fatal
)

// String returns the lowercase name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the outcome of one attempt.
type Result struct {
	Kind Kind
	Err  error
}

// OK returns a successful result.
func OK() Result {
	return Result{Kind: Success}
}

// FromError classifies err. nil is success, context deadlines are retryable,
// permanent categorized errors are fatal, ignored errors count as success and
// everything else is retryable.
func FromError(err error) Result {
	if err == nil {
		return OK()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Kind: Retryable, Err: err}
	}

	switch backoff.CategoryOf(err) {
	case backoff.CategoryIgnored:
		return OK()
	case backoff.CategoryPermanent:
		return Result{Kind: Fatal, Err: err}
	default:
		return Result{Kind: Retryable, Err: err}
	}
}

// IsSuccess reports whether the result is a success.
func (r Result) IsSuccess() bool {
	return r.Kind == Success
}

// ShouldRetry reports whether another attempt should be made after attempt
// number attempt (1-based) produced r, given a budget of maxAttempts.
func ShouldRetry(r Result, attempt, maxAttempts int) bool {
	return r.Kind == Retryable && attempt < maxAttempts
}
