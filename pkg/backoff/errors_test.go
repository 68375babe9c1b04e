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

package backoff_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
)

var _ = Describe("Error categories", func() {
	It("treats uncategorized errors as transient", func() {
		err := errors.New("connection refused") //nolint:err113 // Test needs dynamic error
		Expect(backoff.CategoryOf(err)).To(Equal(backoff.CategoryTransient))
		Expect(backoff.IsTransientError(backoff.CategorizeError(err))).To(BeTrue())
	})

	It("keeps an existing category through wrapping", func() {
		base := backoff.NewPermanentError(errors.New("payload rejected")) //nolint:err113 // Test needs dynamic error
		wrapped := fmt.Errorf("push entries/42: %w", base)

		Expect(backoff.IsPermanentError(wrapped)).To(BeTrue())
		Expect(backoff.CategorizeError(wrapped)).To(Equal(wrapped))
		Expect(backoff.CategoryOf(wrapped)).To(Equal(backoff.CategoryPermanent))
	})

	It("returns nil for a nil error", func() {
		Expect(backoff.CategorizeError(nil)).ToNot(HaveOccurred())
	})

	It("extracts the root cause of nested errors", func() {
		level1 := errors.New("level 1 error") //nolint:err113 // Test needs dynamic error
		level2 := fmt.Errorf("level 2: %w", level1)
		level3 := backoff.NewTransientError(level2)

		Expect(backoff.ExtractOriginalError(level3)).To(Equal(level1))
		Expect(backoff.ExtractOriginalError(nil)).ToNot(HaveOccurred())
	})
})

var _ = Describe("Policy", func() {
	policy := backoff.Policy{
		InitialInterval: 10 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     50 * time.Millisecond,
	}

	DescribeTable("computes deterministic delays without jitter",
		func(attempt int, expected time.Duration) {
			Expect(policy.Delay(attempt)).To(Equal(expected))
		},
		Entry("no attempt", 0, time.Duration(0)),
		Entry("first retry", 1, 10*time.Millisecond),
		Entry("second retry", 2, 20*time.Millisecond),
		Entry("third retry", 3, 40*time.Millisecond),
		Entry("capped", 6, 50*time.Millisecond),
	)

	It("retries transient errors until the budget is spent", func() {
		calls := 0
		err := policy.Retry(context.Background(), 3, func(context.Context) error {
			calls++

			return errors.New("timeout") //nolint:err113 // Test needs dynamic error
		}, nil)

		Expect(calls).To(Equal(3))
		Expect(errors.Is(err, backoff.ErrRetriesExhausted)).To(BeTrue())
	})

	It("stops immediately on permanent errors", func() {
		calls := 0
		permanent := backoff.NewPermanentError(errors.New("unauthorized")) //nolint:err113 // Test needs dynamic error
		err := policy.Retry(context.Background(), 5, func(context.Context) error {
			calls++

			return permanent
		}, nil)

		Expect(calls).To(Equal(1))
		Expect(err).To(Equal(permanent))
	})

	It("succeeds after a transient failure and notifies before waiting", func() {
		calls := 0
		var waits []time.Duration
		err := policy.Retry(context.Background(), 5, func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("reset by peer") //nolint:err113 // Test needs dynamic error
			}

			return nil
		}, func(_ error, wait time.Duration) {
			waits = append(waits, wait)
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(waits).To(Equal([]time.Duration{10 * time.Millisecond}))
	})

	It("aborts when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		slow := backoff.Policy{InitialInterval: time.Hour, Multiplier: 2, MaxInterval: time.Hour}
		err := slow.Retry(ctx, 3, func(context.Context) error {
			return errors.New("offline") //nolint:err113 // Test needs dynamic error
		}, nil)

		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})
