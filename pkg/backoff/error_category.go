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

package backoff

import (
	"errors"
)

// ErrorCategory indicates how the replication engine should react to an error.
type ErrorCategory int

const (
	// CategoryIgnored indicates the error can be dropped without retrying
	// (for example a push for a row that the remote already reports as applied).
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient indicates an error that is unexpected but recoverable:
	// timeouts, refused connections, 5xx responses. The operation is retried
	// with exponential backoff until its retry budget is spent.
	CategoryTransient

	// CategoryPermanent indicates an error that retrying cannot fix:
	// validation failures or revoked credentials. Mutations that fail with
	// a permanent error go straight to the failed set.
	CategoryPermanent
)

// String returns the category name used in logs and metrics.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryIgnored:
		return "ignored"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

// Error returns the original error message.
func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying wrapped error.
func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// IsCategory checks if the CategorizedError has the specified category.
func (ce *CategorizedError) IsCategory(category ErrorCategory) bool {
	return ce.Category == category
}

// NewIgnoredError wraps err as CategoryIgnored.
func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

// NewTransientError wraps err as CategoryTransient.
func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

// NewPermanentError wraps err as CategoryPermanent.
func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// CategorizeError ensures that every error is at least Transient if not already a CategorizedError.
func CategorizeError(err error) error {
	if err == nil {
		return nil
	}

	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}

	return NewTransientError(err)
}

// CategoryOf returns the category of err. Uncategorized errors are transient.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	return CategoryTransient
}

// IsIgnoredError is a convenience checker for CategoryIgnored.
func IsIgnoredError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryIgnored)
}

// IsTransientError is a convenience checker for CategoryTransient.
func IsTransientError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryTransient)
}

// IsPermanentError is a convenience checker for CategoryPermanent.
func IsPermanentError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryPermanent)
}

// ExtractOriginalError unwraps err down to its root cause.
func ExtractOriginalError(err error) error {
	if err == nil {
		return nil
	}

	unwrapped := err
	for {
		next := errors.Unwrap(unwrapped)
		if next == nil {
			return unwrapped
		}

		unwrapped = next
	}
}
