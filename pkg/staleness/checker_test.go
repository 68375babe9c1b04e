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

package staleness_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/staleness"
)

func TestStaleness(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Staleness Suite")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

var _ = Describe("Checker", func() {
	var (
		clock   *fakeClock
		active  atomic.Bool
		checker *staleness.Checker
		reports []staleness.Stale
	)

	BeforeEach(func() {
		clock = &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
		active.Store(true)
		reports = nil

		checker = staleness.NewChecker(staleness.Config{
			Threshold: time.Minute,
			Now:       clock.Now,
			Logger:    zap.NewNop().Sugar(),
			Active:    func(string) bool { return active.Load() },
			OnStale:   func(s staleness.Stale) { reports = append(reports, s) },
		}, "scores", "entries")
	})

	AfterEach(func() {
		checker.Stop()
	})

	It("reports nothing within the threshold", func() {
		clock.Advance(59 * time.Second)
		Expect(checker.Check()).To(BeEmpty())
		Expect(reports).To(BeEmpty())
	})

	It("reports tables past the threshold sorted by name", func() {
		clock.Advance(2 * time.Minute)

		stale := checker.Check()
		Expect(stale).To(HaveLen(2))
		Expect(stale[0].Table).To(Equal("entries"))
		Expect(stale[1].Table).To(Equal("scores"))
		Expect(stale[1].Age).To(Equal(2 * time.Minute))
		Expect(reports).To(HaveLen(2))
	})

	It("restarts the clock of a table that synced", func() {
		clock.Advance(2 * time.Minute)
		checker.MarkSynced("scores")
		Expect(checker.LastSynced("scores")).To(Equal(clock.Now()))

		stale := checker.Check()
		Expect(stale).To(HaveLen(1))
		Expect(stale[0].Table).To(Equal("entries"))
	})

	It("does not count inactive periods", func() {
		active.Store(false)
		clock.Advance(10 * time.Minute)
		Expect(checker.Check()).To(BeEmpty())

		active.Store(true)
		clock.Advance(30 * time.Second)
		Expect(checker.Check()).To(BeEmpty())
	})

	It("runs in the background once started", func() {
		var seen atomic.Int32

		background := staleness.NewChecker(staleness.Config{
			Threshold: 20 * time.Millisecond,
			Interval:  5 * time.Millisecond,
			Logger:    zap.NewNop().Sugar(),
			OnStale:   func(staleness.Stale) { seen.Add(1) },
		}, "trials")

		background.Start(context.Background())
		defer background.Stop()

		Eventually(seen.Load).Should(BeNumerically(">", 0))
	})

	It("tolerates Stop without Start", func() {
		Expect(checker.Stop).NotTo(Panic())
	})
})
