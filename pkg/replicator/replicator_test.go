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

package replicator_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/cache"
	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote/memremote"
	"github.com/united-manufacturing-hub/trialsync/pkg/replicator"
	"github.com/united-manufacturing-hub/trialsync/pkg/syncstate"
)

func TestReplicator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Replicator Suite")
}

type pendingFake map[string][]mutation.Mutation

func (p pendingFake) PendingFor(table, key string) []mutation.Mutation {
	return p[table+"/"+key]
}

var _ = Describe("Base", func() {
	var (
		ctx     context.Context
		backend *memremote.Backend
		store   *cache.Store
		pending pendingFake
		notices []replicator.ChangeNotice
		deps    replicator.Deps
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = memremote.New()
		store = cache.New(cache.Config{Storage: memory.NewInMemoryStore(), Logger: zaptest.NewLogger(GinkgoT()).Sugar()})
		pending = pendingFake{}
		notices = nil

		deps = replicator.Deps{
			Backend: backend,
			Cache:   store,
			Pending: pending,
			Notify:  func(n replicator.ChangeNotice) { notices = append(notices, n) },
			Logger:  zaptest.NewLogger(GinkgoT()).Sugar(),
		}
	})

	Describe("pulling", func() {
		var scores *replicator.Base

		BeforeEach(func() {
			scores = replicator.NewScores(deps, replicator.Scope{PageSizes: map[string]int{replicator.TableScores: 3}})

			for i := 0; i < 7; i++ {
				backend.Seed("scores", fmt.Sprintf("run-%d", i), map[string]interface{}{"trialId": "t1", "points": 200.0})
			}
		})

		It("does a paged full resync when there is no cursor", func() {
			res, err := scores.PullIncremental(ctx, syncstate.SyncState{Table: "scores"})
			Expect(err).ToNot(HaveOccurred())

			Expect(res.FullResync).To(BeTrue())
			Expect(res.Pages).To(Equal(3))
			Expect(res.Applied).To(Equal(7))
			Expect(res.NewCursor).ToNot(BeEmpty())
			Expect(store.Len("scores")).To(Equal(7))
			Expect(notices).To(HaveLen(7))
		})

		It("pulls only changes after the cursor", func() {
			full, err := scores.FullResync(ctx)
			Expect(err).ToNot(HaveOccurred())

			backend.Patch("scores", "run-2", map[string]interface{}{"points": 185.0})

			res, err := scores.PullIncremental(ctx, syncstate.SyncState{Table: "scores", Cursor: full.NewCursor})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.FullResync).To(BeFalse())
			Expect(res.Received).To(Equal(1))
			Expect(res.NewCursor).ToNot(Equal(full.NewCursor))

			entry, ok := store.Peek("scores", "run-2")
			Expect(ok).To(BeTrue())
			Expect(entry.Value["points"]).To(Equal(185.0))
			Expect(entry.Version).To(Equal(int64(2)))
		})

		It("falls back to a full resync when the cursor expired", func() {
			full, err := scores.FullResync(ctx)
			Expect(err).ToNot(HaveOccurred())

			backend.Patch("scores", "run-1", map[string]interface{}{"points": 190.0})
			backend.ExpireCursors("scores")

			res, err := scores.PullIncremental(ctx, syncstate.SyncState{Table: "scores", Cursor: full.NewCursor})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.FullResync).To(BeTrue())

			entry, _ := store.Peek("scores", "run-1")
			Expect(entry.Value["points"]).To(Equal(190.0))
		})

		It("drops rows that vanished remotely unless a mutation pins them", func() {
			_, err := scores.FullResync(ctx)
			Expect(err).ToNot(HaveOccurred())

			backend.Remove("scores", "run-5")
			backend.Remove("scores", "run-6")
			pending["scores/run-6"] = []mutation.Mutation{{ID: "m1", Table: "scores", TargetKey: "run-6", Operation: remote.OpUpdate}}

			res, err := scores.FullResync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Removed).To(Equal(1))

			_, ok := store.Peek("scores", "run-5")
			Expect(ok).To(BeFalse())
			_, ok = store.Peek("scores", "run-6")
			Expect(ok).To(BeTrue())
		})

		It("surfaces transport errors", func() {
			backend.SetOffline(true)

			_, err := scores.PullIncremental(ctx, syncstate.SyncState{Table: "scores", Cursor: "1"})
			Expect(err).To(MatchError(remote.ErrOffline))
			Expect(backoff.IsTransientError(err)).To(BeTrue())
		})
	})

	It("keeps only rows of the active trials", func() {
		entries := replicator.NewEntries(deps, replicator.Scope{TrialIDs: []string{"t1"}})
		backend.Seed("entries", "e1", map[string]interface{}{"trialId": "t1", "classId": "c1"})
		backend.Seed("entries", "e2", map[string]interface{}{"trialId": "t2", "classId": "c9"})

		_, err := entries.FullResync(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Keys("entries")).To(Equal([]string{"e1"}))

		applied, err := entries.ApplyRemoteChange(ctx, remote.ChangeEvent{Table: "entries", Key: "e1", NewValue: map[string]interface{}{"trialId": "t2"}, Version: 2})
		Expect(err).ToNot(HaveOccurred())
		Expect(applied).To(BeTrue())
		Expect(store.Keys("entries")).To(BeEmpty())
	})

	Describe("ApplyRemoteChange", func() {
		var trials *replicator.Base

		BeforeEach(func() {
			trials = replicator.NewTrials(deps, replicator.Scope{})
			Expect(store.PutSynced(ctx, "trials", "t1", map[string]interface{}{"name": "Spring Trial"}, 4)).To(Succeed())
		})

		It("discards stale versions", func() {
			applied, err := trials.ApplyRemoteChange(ctx, remote.ChangeEvent{Key: "t1", NewValue: map[string]interface{}{"name": "old"}, Version: 3})
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeFalse())

			entry, _ := store.Peek("trials", "t1")
			Expect(entry.Value["name"]).To(Equal("Spring Trial"))
		})

		It("keeps pending local edits on top of newer remote values", func() {
			pending["trials/t1"] = []mutation.Mutation{{
				ID: "m1", Table: "trials", TargetKey: "t1", Operation: remote.OpUpdate,
				Payload: map[string]interface{}{"name": "Spring Trial (rescheduled)"},
			}}

			applied, err := trials.ApplyRemoteChange(ctx, remote.ChangeEvent{
				Key: "t1", Version: 5,
				NewValue: map[string]interface{}{"name": "Spring Trial", "venue": "Hall B"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeTrue())

			entry, _ := store.Peek("trials", "t1")
			Expect(entry.Version).To(Equal(int64(5)))
			Expect(entry.Value).To(Equal(map[string]interface{}{"name": "Spring Trial (rescheduled)", "venue": "Hall B"}))
		})

		It("removes rows deleted remotely", func() {
			applied, err := trials.ApplyRemoteChange(ctx, remote.ChangeEvent{Key: "t1", Version: 5, Deleted: true})
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeTrue())
			Expect(store.Len("trials")).To(BeZero())
			Expect(notices[len(notices)-1].Deleted).To(BeTrue())
		})

		It("ignores events of other tables", func() {
			applied, err := trials.ApplyRemoteChange(ctx, remote.ChangeEvent{Table: "scores", Key: "t1", Version: 9})
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeFalse())
		})
	})

	Describe("PushMutation", func() {
		var (
			scores  *replicator.Base
			created time.Time
		)

		BeforeEach(func() {
			scores = replicator.NewScores(deps, replicator.Scope{})
			created = time.Date(2026, 4, 11, 10, 0, 0, 0, time.UTC)
			backend.SetClock(func() time.Time { return created.Add(-time.Hour) })
		})

		update := func(id string, base int64, baseValue, payload map[string]interface{}) mutation.Mutation {
			return mutation.Mutation{
				ID: id, Table: "scores", TargetKey: "run-1", Operation: remote.OpUpdate,
				Payload: payload, BaseVersion: base, BaseValue: baseValue, CreatedAt: created,
			}
		}

		It("writes a mutation based on the current version", func() {
			backend.Seed("scores", "run-1", map[string]interface{}{"trialId": "t1", "entryId": "e1", "points": 200.0})

			out := scores.PushMutation(ctx, update("m1", 1, nil, map[string]interface{}{"points": 190.0}), nil)
			Expect(out.Kind).To(Equal(replicator.OutcomeApplied))
			Expect(out.Conflict).To(BeNil())
			Expect(out.NewVersion).To(Equal(int64(2)))
			Expect(out.Value["points"]).To(Equal(190.0))
		})

		It("recognizes a mutation that already landed", func() {
			backend.Seed("scores", "run-1", map[string]interface{}{"points": 200.0})
			m := update("m1", 1, nil, map[string]interface{}{"points": 190.0})

			Expect(scores.PushMutation(ctx, m, nil).Kind).To(Equal(replicator.OutcomeApplied))
			writes := backend.Writes()

			again := scores.PushMutation(ctx, m, nil)
			Expect(again.Kind).To(Equal(replicator.OutcomeApplied))
			Expect(again.NewVersion).To(Equal(int64(2)))
			Expect(backend.Writes()).To(Equal(writes))
		})

		It("does not write again when an insert, update or delete is pushed twice", func() {
			pushTwice := func(m mutation.Mutation) replicator.PushOutcome {
				first := scores.PushMutation(ctx, m, nil)
				Expect(first.Kind).To(Equal(replicator.OutcomeApplied))
				writes := backend.Writes()

				again := scores.PushMutation(ctx, m, nil)
				Expect(again.Kind).To(Equal(replicator.OutcomeApplied))
				Expect(again.NewVersion).To(Equal(first.NewVersion))
				Expect(again.Deleted).To(Equal(first.Deleted))
				Expect(backend.Writes()).To(Equal(writes))

				return again
			}

			inserted := pushTwice(mutation.Mutation{
				ID: "i1", Table: "scores", TargetKey: "run-1", Operation: remote.OpInsert,
				Payload: map[string]interface{}{"trialId": "t1", "points": 200.0}, CreatedAt: created,
			})
			Expect(inserted.Value["points"]).To(Equal(200.0))

			updated := pushTwice(update("u1", inserted.NewVersion, inserted.Value, map[string]interface{}{"points": 190.0}))
			Expect(updated.Value["points"]).To(Equal(190.0))

			deleted := pushTwice(mutation.Mutation{
				ID: "d1", Table: "scores", TargetKey: "run-1", Operation: remote.OpDelete,
				BaseVersion: updated.NewVersion, CreatedAt: created,
			})
			Expect(deleted.Deleted).To(BeTrue())
			Expect(backend.Writes()).To(Equal(3))
		})

		It("merges with a concurrent edit of another field", func() {
			base := map[string]interface{}{"trialId": "t1", "points": 200.0, "time": 61.2}
			backend.Seed("scores", "run-1", base)
			backend.Patch("scores", "run-1", map[string]interface{}{"time": 59.8})

			out := scores.PushMutation(ctx, update("m1", 1, base, map[string]interface{}{"points": 195.0}), nil)
			Expect(out.Kind).To(Equal(replicator.OutcomeApplied))
			Expect(out.Conflict).ToNot(BeNil())
			Expect(out.Conflict.Resolution).To(Equal(conflict.Merged))

			row, _ := backend.Row("scores", "run-1")
			Expect(row.Value).To(Equal(map[string]interface{}{"trialId": "t1", "points": 195.0, "time": 59.8}))
			Expect(row.Version).To(Equal(int64(3)))
		})

		It("lets a newer remote edit of the same field win without writing", func() {
			base := map[string]interface{}{"points": 200.0}
			backend.Seed("scores", "run-1", base)
			backend.SetClock(func() time.Time { return created.Add(time.Minute) })
			backend.Patch("scores", "run-1", map[string]interface{}{"points": 180.0})
			writes := backend.Writes()

			out := scores.PushMutation(ctx, update("m1", 1, base, map[string]interface{}{"points": 190.0}), nil)
			Expect(out.Kind).To(Equal(replicator.OutcomeConflict))
			Expect(out.Conflict.Resolution).To(Equal(conflict.RemoteWins))
			Expect(out.Conflict.Discarded).To(HaveLen(1))
			Expect(out.Value["points"]).To(Equal(180.0))
			Expect(backend.Writes()).To(Equal(writes))
		})

		It("parks an update of a row deleted remotely", func() {
			backend.Seed("scores", "run-1", map[string]interface{}{"points": 200.0})
			backend.Remove("scores", "run-1")

			out := scores.PushMutation(ctx, update("m1", 1, nil, map[string]interface{}{"points": 190.0}), nil)
			Expect(out.Kind).To(Equal(replicator.OutcomeConflict))
			Expect(out.Conflict.Resolution).To(Equal(conflict.Parked))
			Expect(out.Deleted).To(BeTrue())
		})

		It("inserts new rows", func() {
			m := mutation.Mutation{
				ID: "m1", Table: "scores", TargetKey: "run-9", Operation: remote.OpInsert,
				Payload: map[string]interface{}{"trialId": "t1", "entryId": "e9", "points": 200.0},
			}

			out := scores.PushMutation(ctx, m, nil)
			Expect(out.Kind).To(Equal(replicator.OutcomeApplied))
			Expect(out.NewVersion).To(Equal(int64(1)))
		})

		It("reports rejected writes as permanent errors", func() {
			backend.Seed("scores", "run-1", map[string]interface{}{"points": 200.0})
			backend.SetValidator(func(remote.ApplyRequest) error { return remote.Validation("points out of range") })

			out := scores.PushMutation(ctx, update("m1", 1, nil, map[string]interface{}{"points": -5.0}), nil)
			Expect(out.Kind).To(Equal(replicator.OutcomeError))
			Expect(backoff.IsPermanentError(out.Err)).To(BeTrue())
		})

		It("reports an unreachable backend as transient", func() {
			backend.SetOffline(true)

			out := scores.PushMutation(ctx, update("m1", 1, nil, map[string]interface{}{"points": 190.0}), nil)
			Expect(out.Kind).To(Equal(replicator.OutcomeError))
			Expect(backoff.IsTransientError(out.Err)).To(BeTrue())
		})
	})

	It("validates required insert fields", func() {
		scores := replicator.NewScores(deps, replicator.Scope{})

		err := scores.Validate(mutation.Mutation{Table: "scores", Operation: remote.OpInsert, Payload: map[string]interface{}{"trialId": "t1"}})
		Expect(err).To(MatchError(replicator.ErrMissingField))
		Expect(backoff.IsPermanentError(err)).To(BeTrue())

		Expect(scores.Validate(mutation.Mutation{Table: "scores", Operation: remote.OpUpdate})).To(Succeed())
	})

	It("registers every table of the trial domain", func() {
		registry := replicator.DefaultRegistry(deps, replicator.Scope{})
		Expect(registry.Tables()).To(Equal([]string{"classes", "entries", "exhibitors", "scores", "trials"}))

		rep, ok := registry.Get("entries")
		Expect(ok).To(BeTrue())
		Expect(rep.StructuralFields()).To(ContainElement("armband"))
		Expect(registry.Register(rep)).ToNot(Succeed())
	})

	It("overlays pending mutations in order", func() {
		value, deleted := replicator.Overlay(map[string]interface{}{"points": 200.0}, []mutation.Mutation{
			{Operation: remote.OpUpdate, Payload: map[string]interface{}{"points": 190.0}},
			{Operation: remote.OpDelete},
		})
		Expect(deleted).To(BeTrue())
		Expect(value["points"]).To(Equal(190.0))
	})
})
