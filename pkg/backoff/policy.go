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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// DefaultInitialInterval is the first retry delay.
	DefaultInitialInterval = 500 * time.Millisecond
	// DefaultMultiplier grows the delay between attempts.
	DefaultMultiplier = 2.0
	// DefaultMaxInterval caps a single delay.
	DefaultMaxInterval = 60 * time.Second
	// DefaultJitter is the randomization factor applied to each delay.
	DefaultJitter = 0.2
)

// ErrRetriesExhausted is returned by Policy.Retry when every attempt failed with a transient error.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// Policy describes an exponential backoff schedule.
// The zero value is not usable; use DefaultPolicy or fill every field.
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// Jitter is the randomization factor in [0,1). Zero gives a deterministic schedule.
	Jitter float64
}

// DefaultPolicy returns the schedule used for mutation retries and resubscription.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		Multiplier:      DefaultMultiplier,
		MaxInterval:     DefaultMaxInterval,
		Jitter:          DefaultJitter,
	}
}

// NewExponentialBackOff builds a cenkalti ExponentialBackOff that never stops on its own.
// Callers bound the number of attempts themselves.
func (p Policy) NewExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Delay returns the wait before retry number attempt (1-based).
// Attempt values below 1 return zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	b := p.NewExponentialBackOff()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return p.MaxInterval
		}
	}

	return d
}

// Retry runs op until it succeeds, returns a non-transient error, the context ends,
// or maxAttempts attempts have been made. The last transient error is wrapped in
// ErrRetriesExhausted. notify, if set, is called before every wait.
func (p Policy) Retry(ctx context.Context, maxAttempts int, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := p.NewExponentialBackOff()

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		if CategoryOf(err) != CategoryTransient {
			return err
		}

		if attempt == maxAttempts {
			break
		}

		wait := b.NextBackOff()
		if notify != nil {
			notify(err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}
