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

package remote

import (
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
)

var (
	// ErrCursorExpired means the remote no longer keeps history back to the cursor.
	ErrCursorExpired = errors.New("cursor expired")

	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("version conflict")

	// ErrUnauthorized means the credentials were rejected. Retrying cannot help.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation means the payload was rejected by the remote schema.
	ErrValidation = errors.New("validation failed")

	// ErrOffline means the remote could not be reached.
	ErrOffline = errors.New("remote unreachable")

	// ErrNotFound is returned for updates of rows the remote does not know.
	ErrNotFound = errors.New("row not found")
)

// ConflictError carries the current remote row when an apply was based on a stale version.
type ConflictError struct {
	Current Row
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: remote is at version %d", ErrConflict, e.Current.Version)
}

// Is makes errors.Is(err, ErrConflict) work.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Unauthorized wraps err as a permanent authorization failure.
func Unauthorized(detail string) error {
	return backoff.NewPermanentError(fmt.Errorf("%w: %s", ErrUnauthorized, detail))
}

// Validation wraps a rejection reason as a permanent validation failure.
func Validation(detail string) error {
	return backoff.NewPermanentError(fmt.Errorf("%w: %s", ErrValidation, detail))
}

// Offline wraps a transport failure as transient.
func Offline(err error) error {
	return backoff.NewTransientError(fmt.Errorf("%w: %w", ErrOffline, err))
}
