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

package crosstab_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/trialsync/pkg/cache"
	"github.com/united-manufacturing-hub/trialsync/pkg/crosstab"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence/memory"
)

func TestCrossTab(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CrossTab Suite")
}

type inbox struct {
	mu      sync.Mutex
	changes []cache.Change
}

func (i *inbox) handle(c cache.Change) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.changes = append(i.changes, c)
}

func (i *inbox) Changes() []cache.Change {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]cache.Change(nil), i.changes...)
}

var _ = Describe("Coordinator", func() {
	var (
		hub            *crosstab.Hub
		judge, steward *crosstab.Coordinator
		judgeIn        *inbox
		stewardIn      *inbox
		enabled        atomic.Bool
	)

	BeforeEach(func() {
		enabled.Store(true)
		hub = crosstab.NewHub(8)
		cfg := crosstab.Config{
			Logger:  zaptest.NewLogger(GinkgoT()).Sugar(),
			Enabled: enabled.Load,
		}

		judge = crosstab.NewCoordinator(hub, cfg)
		steward = crosstab.NewCoordinator(hub, cfg)
		judgeIn, stewardIn = &inbox{}, &inbox{}

		judge.Listen(judgeIn.handle)
		steward.Listen(stewardIn.handle)

		DeferCleanup(judge.Close)
		DeferCleanup(steward.Close)
	})

	It("delivers changes to peers but not back to the sender", func() {
		Expect(judge.Publish(cache.Change{
			Table:   "scores",
			Key:     "run-7",
			Value:   map[string]interface{}{"points": 198.5},
			Version: 3,
		})).To(Succeed())

		Eventually(stewardIn.Changes).Should(HaveLen(1))
		got := stewardIn.Changes()[0]
		Expect(got.Table).To(Equal("scores"))
		Expect(got.Key).To(Equal("run-7"))
		Expect(got.Version).To(Equal(int64(3)))
		Expect(got.Value).To(HaveKeyWithValue("points", 198.5))

		Consistently(judgeIn.Changes, 50*time.Millisecond).Should(BeEmpty())
	})

	It("does not share memory with the sender", func() {
		value := map[string]interface{}{"points": 200.0}
		judge.Notify(cache.Change{Table: "scores", Key: "run-1", Value: value, Version: 1})
		value["points"] = 0.0

		Eventually(stewardIn.Changes).Should(HaveLen(1))
		Expect(stewardIn.Changes()[0].Value).To(HaveKeyWithValue("points", 200.0))
	})

	It("stays silent while cross-tab sync is switched off", func() {
		enabled.Store(false)
		Expect(judge.Publish(cache.Change{Table: "trials", Key: "t1", Version: 1})).To(Succeed())

		Consistently(stewardIn.Changes, 50*time.Millisecond).Should(BeEmpty())
	})

	It("feeds a peer cache view", func() {
		peerCache := cache.New(cache.Config{Storage: memory.NewInMemoryStore(), Logger: zaptest.NewLogger(GinkgoT()).Sugar()})

		viewer := crosstab.NewCoordinator(hub, crosstab.Config{Logger: zaptest.NewLogger(GinkgoT()).Sugar()})
		viewer.Listen(peerCache.ApplyPeer)
		DeferCleanup(viewer.Close)

		judge.Notify(cache.Change{Table: "entries", Key: "entry-4", Value: map[string]interface{}{"armband": 104.0}, Version: 2})

		Eventually(func() bool {
			_, ok := peerCache.Peek("entries", "entry-4")

			return ok
		}).Should(BeTrue())
	})

	It("rejects publishing after close", func() {
		judge.Close()
		judge.Close()

		Expect(judge.Publish(cache.Change{Table: "trials", Key: "t1"})).To(MatchError(crosstab.ErrClosed))
		Expect(hub.Members()).To(Equal(1))
	})
})
