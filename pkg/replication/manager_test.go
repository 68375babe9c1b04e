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

package replication_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
	"github.com/united-manufacturing-hub/trialsync/pkg/health"
	"github.com/united-manufacturing-hub/trialsync/pkg/killswitch"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote/memremote"
	"github.com/united-manufacturing-hub/trialsync/pkg/replication"
	"github.com/united-manufacturing-hub/trialsync/pkg/replicator"
)

func TestReplication(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Replication Suite")
}

var fastPolicy = backoff.Policy{
	InitialInterval: 5 * time.Millisecond,
	Multiplier:      1,
	MaxInterval:     5 * time.Millisecond,
}

type eventLog struct {
	mu     sync.Mutex
	events []replication.Event
}

func (l *eventLog) record(e replication.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)
}

func (l *eventLog) With(annotation replication.StateAnnotation) []replication.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []replication.Event

	for _, e := range l.events {
		if e.Annotation == annotation {
			out = append(out, e)
		}
	}

	return out
}

func (l *eventLog) From(source replication.Source) []replication.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []replication.Event

	for _, e := range l.events {
		if e.Source == source {
			out = append(out, e)
		}
	}

	return out
}

func baseConfig(backend *memremote.Backend, store persistence.Store) replication.Config {
	return replication.Config{
		Backend:              backend,
		Storage:              store,
		Logger:               zap.NewNop().Sugar(),
		MutationPolicy:       fastPolicy,
		CyclePolicy:          fastPolicy,
		ResubscribePolicy:    fastPolicy,
		MaxRetries:           20,
		SyncInterval:         time.Hour,
		FallbackPollInterval: time.Hour,
		RemoteTimeout:        time.Second,
		ProbeInterval:        10 * time.Millisecond,
		ProbeTimeout:         100 * time.Millisecond,
	}
}

// slowPinger answers after a short delay and counts calls still running.
type slowPinger struct {
	calls    atomic.Int64
	inFlight atomic.Int64
}

func (p *slowPinger) Ping(ctx context.Context) error {
	p.calls.Add(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil
	}
}

func pendingCount(m *replication.Manager) func() int {
	return func() int { return len(m.GetPendingMutations()) }
}

func remoteField(backend *memremote.Backend, table, key, field string) func() interface{} {
	return func() interface{} {
		row, ok := backend.Row(table, key)
		if !ok {
			return nil
		}

		return row.Value[field]
	}
}

var _ = Describe("Manager", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		backend *memremote.Backend
		store   *memory.InMemoryStore
		events  *eventLog
		started []*replication.Manager
	)

	start := func(cfg replication.Config) *replication.Manager {
		m, err := replication.New(cfg)
		Expect(err).NotTo(HaveOccurred())

		m.Subscribe("", events.record)
		Expect(m.Start(ctx)).To(Succeed())

		started = append(started, m)

		return m
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		backend = memremote.New()
		store = memory.NewInMemoryStore()
		events = &eventLog{}
		started = nil
	})

	AfterEach(func() {
		for _, m := range started {
			m.Stop()
		}

		cancel()
	})

	Describe("lifecycle", func() {
		It("requires a backend and storage", func() {
			_, err := replication.New(replication.Config{Storage: store})
			Expect(err).To(HaveOccurred())

			_, err = replication.New(replication.Config{Backend: backend})
			Expect(err).To(HaveOccurred())
		})

		It("refuses to sync before Start and a second Start", func() {
			m, err := replication.New(baseConfig(backend, store))
			Expect(err).NotTo(HaveOccurred())

			Expect(m.ManualSync(ctx)).To(MatchError(replication.ErrNotRunning))

			Expect(m.Start(ctx)).To(Succeed())
			started = append(started, m)

			Expect(m.Start(ctx)).To(MatchError(replication.ErrAlreadyStarted))
		})

		It("waits for the connectivity checks to end on Stop", func() {
			pinger := &slowPinger{}
			cfg := baseConfig(backend, store)
			cfg.Pinger = pinger

			m, err := replication.New(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Start(ctx)).To(Succeed())

			Eventually(pinger.calls.Load).Should(BeNumerically(">=", 3))

			m.Stop()

			Expect(pinger.inFlight.Load()).To(BeZero())
			calls := pinger.calls.Load()
			Consistently(pinger.calls.Load, 50*time.Millisecond).Should(Equal(calls))
		})

		It("fills the cache at startup", func() {
			backend.Seed(replicator.TableTrials, "t1", map[string]interface{}{"name": "Spring Agility", "startDate": "2026-04-01"})

			m := start(baseConfig(backend, store))

			Eventually(func() bool {
				_, found, _ := m.Read(ctx, replicator.TableTrials, "t1")

				return found
			}).Should(BeTrue())

			state, err := m.GetSyncState(replicator.TableTrials)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Cursor).NotTo(BeEmpty())
		})

		It("rejects unknown tables", func() {
			m := start(baseConfig(backend, store))

			Expect(m.ManualSync(ctx, "handlers")).To(MatchError(replication.ErrUnknownTable))

			_, _, err := m.Read(ctx, "handlers", "1")
			Expect(err).To(MatchError(replication.ErrUnknownTable))

			_, err = m.GetTableStatus("handlers")
			Expect(err).To(MatchError(replication.ErrUnknownTable))
		})
	})

	Describe("local writes", func() {
		It("shows a write at once and confirms it after the sync", func() {
			m := start(baseConfig(backend, store))

			id, err := m.Write(ctx, replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Ann"})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())

			value, found, err := m.Read(ctx, replicator.TableExhibitors, "x1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value).To(HaveKeyWithValue("name", "Ann"))

			Expect(events.With(replication.AnnotationPending)).NotTo(BeEmpty())

			Eventually(pendingCount(m)).Should(BeZero())
			Eventually(remoteField(backend, replicator.TableExhibitors, "x1", "name")).Should(Equal("Ann"))

			items, err := m.Query(ctx, replicator.TableExhibitors, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Annotation).To(Equal(replication.AnnotationSynced))
			Expect(items[0].Version).To(BeEquivalentTo(1))
		})

		It("rejects an insert without required fields before queuing it", func() {
			m := start(baseConfig(backend, store))

			_, err := m.Write(ctx, replicator.TableScores, "s1", map[string]interface{}{"points": 10})
			Expect(err).To(MatchError(replicator.ErrMissingField))
			Expect(backoff.IsPermanentError(err)).To(BeTrue())

			Expect(m.GetPendingMutations()).To(BeEmpty())

			_, found, _ := m.Read(ctx, replicator.TableScores, "s1")
			Expect(found).To(BeFalse())
		})

		It("deletes known rows and refuses unknown ones", func() {
			backend.Seed(replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Ann"})

			m := start(baseConfig(backend, store))
			Expect(m.ManualSync(ctx, replicator.TableExhibitors)).To(Succeed())

			_, err := m.Delete(ctx, replicator.TableExhibitors, "nobody")
			Expect(err).To(MatchError(replication.ErrNotFound))

			_, err = m.Delete(ctx, replicator.TableExhibitors, "x1")
			Expect(err).NotTo(HaveOccurred())

			_, found, _ := m.Read(ctx, replicator.TableExhibitors, "x1")
			Expect(found).To(BeFalse())

			Eventually(func() bool {
				row, _ := backend.Row(replicator.TableExhibitors, "x1")

				return row.Deleted
			}).Should(BeTrue())
			Eventually(pendingCount(m)).Should(BeZero())
		})

		It("filters queries on the local view", func() {
			backend.Seed(replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Ann"})
			backend.Seed(replicator.TableExhibitors, "x2", map[string]interface{}{"name": "Bob"})

			m := start(baseConfig(backend, store))
			Expect(m.ManualSync(ctx, replicator.TableExhibitors)).To(Succeed())

			items, err := m.Query(ctx, replicator.TableExhibitors, func(i replication.Item) bool {
				return strings.HasPrefix(i.Value["name"].(string), "B")
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].Key).To(Equal("x2"))
		})
	})

	Describe("offline operation", func() {
		It("collapses writes made offline into the last value once reconnected", func() {
			backend.Seed(replicator.TableScores, "42", map[string]interface{}{"trialId": "t1", "entryId": "e1", "points": 0})

			cfg := baseConfig(backend, store)
			cfg.Pinger = backend
			m := start(cfg)

			Expect(m.ManualSync(ctx, replicator.TableScores)).To(Succeed())

			backend.SetOffline(true)
			Eventually(m.IsOnline).Should(BeFalse())

			for _, points := range []int{10, 20, 30} {
				_, err := m.Write(ctx, replicator.TableScores, "42", map[string]interface{}{"points": points})
				Expect(err).NotTo(HaveOccurred())
			}

			value, found, err := m.Read(ctx, replicator.TableScores, "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value["points"]).To(BeEquivalentTo(30))
			Expect(m.GetPendingMutations()).To(HaveLen(3))

			backend.SetOffline(false)

			Eventually(pendingCount(m), 2*time.Second).Should(BeZero())
			Expect(remoteField(backend, replicator.TableScores, "42", "points")()).To(BeEquivalentTo(30))
			Expect(m.GetFailedMutations()).To(BeEmpty())
		})

		It("keeps queued mutations across a restart", func() {
			backend.SetOffline(true)

			cfg := baseConfig(backend, store)
			cfg.Pinger = backend
			cfg.StartOffline = true

			first := start(cfg)

			_, err := first.Write(ctx, replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Ann"})
			Expect(err).NotTo(HaveOccurred())
			_, err = first.Write(ctx, replicator.TableExhibitors, "x2", map[string]interface{}{"name": "Bob"})
			Expect(err).NotTo(HaveOccurred())

			first.Stop()

			second := start(cfg)
			Expect(second.GetPendingMutations()).To(HaveLen(2))

			value, found, err := second.Read(ctx, replicator.TableExhibitors, "x2")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value).To(HaveKeyWithValue("name", "Bob"))

			backend.SetOffline(false)

			Eventually(pendingCount(second), 2*time.Second).Should(BeZero())
			Expect(backend.Len(replicator.TableExhibitors)).To(Equal(2))
			Expect(backend.Writes()).To(Equal(2))
		})

		It("does not write twice a mutation that landed before a crash", func() {
			queue := mutation.New(mutation.Config{Storage: store, Logger: zap.NewNop().Sugar()})
			Expect(queue.Load(ctx)).To(Succeed())

			id, err := queue.Enqueue(ctx, mutation.Mutation{
				Table:     replicator.TableExhibitors,
				TargetKey: "x1",
				Operation: remote.OpInsert,
				Payload:   map[string]interface{}{"name": "Ann"},
			})
			Expect(err).NotTo(HaveOccurred())

			inFlight, ok, err := queue.DequeueNext(ctx, replicator.TableExhibitors)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(inFlight.Status).To(Equal(mutation.StatusSyncing))

			// the remote took the write but the process died before recording it
			_, err = backend.Apply(ctx, remote.ApplyRequest{
				Table:      replicator.TableExhibitors,
				Key:        "x1",
				Operation:  remote.OpInsert,
				Payload:    inFlight.Payload,
				MutationID: id,
			})
			Expect(err).NotTo(HaveOccurred())
			writes := backend.Writes()
			calls := backend.ApplyCalls()

			m := start(baseConfig(backend, store))
			Expect(m.ManualSync(ctx, replicator.TableExhibitors)).To(Succeed())

			Eventually(pendingCount(m), 2*time.Second).Should(BeZero())
			Expect(m.GetFailedMutations()).To(BeEmpty())
			Expect(backend.Writes()).To(Equal(writes))
			Expect(backend.ApplyCalls()).To(Equal(calls))
			Expect(m.ConflictLog()).To(BeEmpty())

			value, found, err := m.Read(ctx, replicator.TableExhibitors, "x1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value).To(HaveKeyWithValue("name", "Ann"))
		})

		It("reports a failed cycle and recovers on the next one", func() {
			m := start(baseConfig(backend, store))
			Expect(m.ManualSync(ctx, replicator.TableTrials)).To(Succeed())

			backend.SetOffline(true)

			err := m.ManualSync(ctx, replicator.TableTrials)
			Expect(err).To(MatchError(remote.ErrOffline))

			status, err := m.GetTableStatus(replicator.TableTrials)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal("error"))
			Expect(status.LastError).NotTo(BeEmpty())
			Expect(events.With(replication.AnnotationSyncError)).NotTo(BeEmpty())
			Expect(m.GetHealthMetrics().FailedSyncs).To(BeNumerically(">", 0))

			backend.SetOffline(false)

			Expect(m.ManualSync(ctx, replicator.TableTrials)).To(Succeed())

			status, err = m.GetTableStatus(replicator.TableTrials)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal("idle"))
			Expect(status.LastError).To(BeEmpty())
		})
	})

	Describe("conflicts", func() {
		It("merges concurrent edits of different fields from two devices", func() {
			backend.Seed(replicator.TableEntries, "e1", map[string]interface{}{
				"trialId": "t1", "classId": "c1", "exhibitorId": "x1", "handler": "Ann", "notes": "",
			})

			deviceA := start(baseConfig(backend, memory.NewInMemoryStore()))
			deviceB := start(baseConfig(backend, store))

			Expect(deviceA.ManualSync(ctx, replicator.TableEntries)).To(Succeed())
			Expect(deviceB.ManualSync(ctx, replicator.TableEntries)).To(Succeed())

			_, err := deviceA.Write(ctx, replicator.TableEntries, "e1", map[string]interface{}{"handler": "Bob"})
			Expect(err).NotTo(HaveOccurred())
			_, err = deviceB.Write(ctx, replicator.TableEntries, "e1", map[string]interface{}{"notes": "limping"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(pendingCount(deviceA), 2*time.Second).Should(BeZero())
			Eventually(pendingCount(deviceB), 2*time.Second).Should(BeZero())

			Expect(remoteField(backend, replicator.TableEntries, "e1", "handler")()).To(Equal("Bob"))
			Expect(remoteField(backend, replicator.TableEntries, "e1", "notes")()).To(Equal("limping"))

			merged := append(deviceA.ConflictLog(), deviceB.ConflictLog()...)
			Expect(merged).To(HaveLen(1))
			Expect(merged[0].Resolution).To(Equal(conflict.Merged))
		})

		It("parks a local edit of a row deleted remotely", func() {
			backend.Seed(replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Ann"})

			m := start(baseConfig(backend, store))
			Expect(m.ManualSync(ctx, replicator.TableExhibitors)).To(Succeed())

			backend.Remove(replicator.TableExhibitors, "x1")

			id, err := m.Write(ctx, replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Anna"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() []mutation.Mutation { return m.GetFailedMutations() }).Should(HaveLen(1))

			failed := m.GetFailedMutations()[0]
			Expect(failed.ID).To(Equal(id))
			Expect(failed.Status).To(Equal(mutation.StatusParked))
			Expect(events.With(replication.AnnotationConflict)).NotTo(BeEmpty())

			_, found, _ := m.Read(ctx, replicator.TableExhibitors, "x1")
			Expect(found).To(BeFalse())

			Expect(m.AcknowledgeMutation(ctx, id)).To(Succeed())
			Expect(m.GetFailedMutations()).To(BeEmpty())
		})
	})

	Describe("permanent failures", func() {
		It("fails a rejected mutation without retrying it", func() {
			backend.Seed(replicator.TableScores, "s1", map[string]interface{}{"trialId": "t1", "entryId": "e1", "points": 190})
			backend.SetValidator(func(req remote.ApplyRequest) error {
				if points, ok := req.Payload["points"].(int); ok && points > 200 {
					return remote.Validation("points above the maximum")
				}

				return nil
			})

			m := start(baseConfig(backend, store))
			Expect(m.ManualSync(ctx, replicator.TableScores)).To(Succeed())

			id, err := m.Write(ctx, replicator.TableScores, "s1", map[string]interface{}{"points": 250})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() []mutation.Mutation { return m.GetFailedMutations() }).Should(HaveLen(1))

			failed := m.GetFailedMutations()[0]
			Expect(failed.ID).To(Equal(id))
			Expect(failed.Status).To(Equal(mutation.StatusFailed))
			Expect(failed.RetryCount).To(BeZero())
			Consistently(backend.ApplyCalls, 100*time.Millisecond).Should(Equal(1))

			Expect(events.With(replication.AnnotationFailed)).NotTo(BeEmpty())

			items, err := m.Query(ctx, replicator.TableScores, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(items[0].Annotation).To(Equal(replication.AnnotationFailed))

			Expect(m.AcknowledgeMutation(ctx, id)).To(Succeed())

			value, _, err := m.Read(ctx, replicator.TableScores, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(value["points"]).To(BeEquivalentTo(190))
		})

		It("retries a failed mutation on request", func() {
			reject := true
			var mu sync.Mutex

			backend.SetValidator(func(remote.ApplyRequest) error {
				mu.Lock()
				defer mu.Unlock()

				if reject {
					return remote.Validation("club is closed")
				}

				return nil
			})

			m := start(baseConfig(backend, store))

			id, err := m.Write(ctx, replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Ann"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() []mutation.Mutation { return m.GetFailedMutations() }).Should(HaveLen(1))

			mu.Lock()
			reject = false
			mu.Unlock()

			Expect(m.RetryFailedMutation(ctx, id)).To(Succeed())

			Eventually(func() []mutation.Mutation { return m.GetFailedMutations() }).Should(BeEmpty())
			Eventually(pendingCount(m)).Should(BeZero())
			Expect(remoteField(backend, replicator.TableExhibitors, "x1", "name")()).To(Equal("Ann"))
		})
	})

	Describe("kill switch", func() {
		It("leaves queued mutations untouched and bypasses the cache while disabled", func() {
			backend.SetOffline(true)

			cfg := baseConfig(backend, store)
			cfg.Pinger = backend
			cfg.StartOffline = true
			m := start(cfg)

			ids := make([]string, 0, 5)

			for i := 0; i < 5; i++ {
				id, err := m.Write(ctx, replicator.TableExhibitors, fmt.Sprintf("x%d", i), map[string]interface{}{"name": fmt.Sprintf("Handler %d", i)})
				Expect(err).NotTo(HaveOccurred())

				ids = append(ids, id)
			}

			m.SetKillSwitch(killswitch.Disabled("incident 7"))
			backend.SetOffline(false)
			Eventually(m.IsOnline).Should(BeTrue())

			Consistently(pendingCount(m), 100*time.Millisecond).Should(Equal(5))
			Expect(backend.Writes()).To(BeZero())

			_, err := m.Write(ctx, replicator.TableExhibitors, "direct", map[string]interface{}{"name": "Direct"})
			Expect(err).NotTo(HaveOccurred())
			Expect(remoteField(backend, replicator.TableExhibitors, "direct", "name")()).To(Equal("Direct"))

			value, found, err := m.Read(ctx, replicator.TableExhibitors, "direct")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value).To(HaveKeyWithValue("name", "Direct"))

			_, found, _ = m.Read(ctx, replicator.TableExhibitors, "x0")
			Expect(found).To(BeFalse())

			Expect(m.ManualSync(ctx, replicator.TableExhibitors)).To(MatchError(replication.ErrReplicationDisabled))

			pending := m.GetPendingMutations()
			Expect(pending).To(HaveLen(5))

			for i, p := range pending {
				Expect(p.ID).To(Equal(ids[i]))
				Expect(p.Status).To(Equal(mutation.StatusPending))
			}

			m.SetKillSwitch(killswitch.Default())

			Eventually(pendingCount(m), 2*time.Second).Should(BeZero())
			Expect(backend.Writes()).To(Equal(6))
			Expect(backend.Len(replicator.TableExhibitors)).To(Equal(6))
		})

		It("writes through to the remote when offline mutations are disabled", func() {
			ks, err := killswitch.Parse([]byte("features:\n  offlineMutations: false\n"))
			Expect(err).NotTo(HaveOccurred())

			cfg := baseConfig(backend, store)
			cfg.KillSwitch = &ks
			m := start(cfg)

			_, err = m.Write(ctx, replicator.TableExhibitors, "x1", map[string]interface{}{"name": "Ann"})
			Expect(err).NotTo(HaveOccurred())

			Expect(m.GetPendingMutations()).To(BeEmpty())
			Expect(remoteField(backend, replicator.TableExhibitors, "x1", "name")()).To(Equal("Ann"))

			value, found, err := m.Read(ctx, replicator.TableExhibitors, "x1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value).To(HaveKeyWithValue("name", "Ann"))

			backend.SetOffline(true)

			_, err = m.Write(ctx, replicator.TableExhibitors, "x2", map[string]interface{}{"name": "Bob"})
			Expect(err).To(MatchError(remote.ErrOffline))
			Expect(m.GetPendingMutations()).To(BeEmpty())
		})
	})

	Describe("realtime", func() {
		It("applies pushed changes without a sync", func() {
			backend.Seed(replicator.TableTrials, "t1", map[string]interface{}{"name": "Spring Agility", "startDate": "2026-04-01"})

			cfg := baseConfig(backend, store)
			cfg.Feed = backend
			m := start(cfg)

			Expect(m.ManualSync(ctx, replicator.TableTrials)).To(Succeed())

			Eventually(func() bool {
				status, _ := m.GetTableStatus(replicator.TableTrials)

				return status.Realtime
			}).Should(BeTrue())

			backend.Patch(replicator.TableTrials, "t1", map[string]interface{}{"name": "Spring Agility II"})

			Eventually(func() interface{} {
				value, _, _ := m.Read(ctx, replicator.TableTrials, "t1")

				return value["name"]
			}).Should(Equal("Spring Agility II"))

			Expect(events.From(replication.SourceRemote)).NotTo(BeEmpty())
		})
	})

	Describe("storage quota", func() {
		It("stays within the quota and keeps rows with pending mutations", func() {
			padding := strings.Repeat("x", 900)

			for i := 0; i < 40; i++ {
				backend.Seed(replicator.TableExhibitors, fmt.Sprintf("x%02d", i), map[string]interface{}{"name": fmt.Sprintf("Handler %d", i), "bio": padding})
			}

			cfg := baseConfig(backend, store)
			cfg.QuotaBytes = 32 * 1024
			m := start(cfg)

			Expect(m.ManualSync(ctx, replicator.TableExhibitors)).To(Succeed())

			backend.SetOffline(true)

			_, err := m.Write(ctx, replicator.TableExhibitors, "big", map[string]interface{}{"name": "Big", "bio": strings.Repeat("y", 8*1024)})
			Expect(err).NotTo(HaveOccurred())

			metric := m.GetHealthMetrics()
			Expect(metric.StorageUsed).To(BeNumerically("<=", metric.StorageQuota))

			_, found, _ := m.Read(ctx, replicator.TableExhibitors, "big")
			Expect(found).To(BeTrue())
		})
	})

	Describe("diagnostics", func() {
		It("reports health and table status", func() {
			m := start(baseConfig(backend, store))
			Expect(m.ManualSync(ctx)).To(Succeed())

			report := m.LogHealthReport()
			Expect(report).To(ContainSubstring("status:"))

			metric := m.GetHealthMetrics()
			Expect(metric.SuccessfulSyncs).To(BeNumerically(">=", len(m.Tables())))

			for _, table := range m.Tables() {
				status, err := m.GetTableStatus(table)
				Expect(err).NotTo(HaveOccurred())
				Expect(status.Enabled).To(BeTrue())
				Expect(status.LastSuccessAt).NotTo(BeZero())
			}

			info, ok := m.GetDebugInfo().(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(info).To(HaveKey("tables"))
		})

		It("warns about a table that stopped syncing", func() {
			cfg := baseConfig(backend, store)
			cfg.StaleAfter = 50 * time.Millisecond

			backend.SetOffline(true)

			m := start(cfg)

			Eventually(func() bool {
				for _, alert := range m.Alerts(50) {
					if alert.Kind == health.KindStaleTable {
						return true
					}
				}

				return false
			}, 3*time.Second).Should(BeTrue())
		})
	})
})
