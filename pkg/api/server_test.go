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

package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/api"
	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote/memremote"
	"github.com/united-manufacturing-hub/trialsync/pkg/replication"
	"github.com/united-manufacturing-hub/trialsync/pkg/replicator"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "API Suite")
}

var fastPolicy = backoff.Policy{
	InitialInterval: 5 * time.Millisecond,
	Multiplier:      1,
	MaxInterval:     5 * time.Millisecond,
}

var _ = Describe("Server", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		backend *memremote.Backend
		manager *replication.Manager
		handler http.Handler
	)

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v interface{}) {
		ExpectWithOffset(1, safejson.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		backend = memremote.New()
		backend.Seed(replicator.TableScores, "s1", map[string]interface{}{"trialId": "t1", "entryId": "e1", "points": 190})
		backend.SetValidator(func(req remote.ApplyRequest) error {
			if points, ok := req.Payload["points"].(int); ok && points > 200 {
				return remote.Validation("points above the maximum")
			}

			return nil
		})

		var err error
		manager, err = replication.New(replication.Config{
			Backend:              backend,
			Storage:              memory.NewInMemoryStore(),
			Logger:               zap.NewNop().Sugar(),
			MutationPolicy:       fastPolicy,
			CyclePolicy:          fastPolicy,
			ResubscribePolicy:    fastPolicy,
			MaxRetries:           20,
			SyncInterval:         time.Hour,
			FallbackPollInterval: time.Hour,
			RemoteTimeout:        time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		handler = api.NewServer(manager, api.Config{Logger: zap.NewNop().Sugar(), SyncTimeout: 5 * time.Second}).Handler()
	})

	AfterEach(func() {
		manager.Stop()
		cancel()
	})

	It("answers 503 for a manual sync before the manager runs", func() {
		rec := do(http.MethodPost, "/sync")
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})

	Context("with a running manager", func() {
		BeforeEach(func() {
			Expect(manager.Start(ctx)).To(Succeed())
		})

		It("reports health", func() {
			rec := do(http.MethodGet, "/health")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			decode(rec, &body)
			Expect(body).To(HaveKey("metrics"))
			Expect(body).To(HaveKey("network"))
			Expect(body["killSwitch"]).NotTo(BeEmpty())
		})

		It("renders the text report", func() {
			rec := do(http.MethodGet, "/health/report")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).NotTo(BeEmpty())
		})

		It("runs a manual sync for one table", func() {
			rec := do(http.MethodPost, "/sync?table="+replicator.TableScores)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var statuses []replication.TableStatus
			decode(rec, &statuses)
			Expect(statuses).To(HaveLen(1))
			Expect(statuses[0].Table).To(Equal(replicator.TableScores))
			Expect(statuses[0].Cached).To(Equal(1))
		})

		It("maps an unknown table to 404", func() {
			Expect(do(http.MethodPost, "/sync?table=nope").Code).To(Equal(http.StatusNotFound))
			Expect(do(http.MethodGet, "/sync/nope").Code).To(Equal(http.StatusNotFound))
		})

		It("lists every table status", func() {
			rec := do(http.MethodGet, "/sync")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var statuses []replication.TableStatus
			decode(rec, &statuses)
			Expect(statuses).To(HaveLen(len(manager.Tables())))
		})

		It("lists, retries and acknowledges failed mutations", func() {
			Expect(manager.ManualSync(ctx, replicator.TableScores)).To(Succeed())

			id, err := manager.Write(ctx, replicator.TableScores, "s1", map[string]interface{}{"points": 250})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				var failed []mutation.Mutation
				decode(do(http.MethodGet, "/mutations/failed"), &failed)

				return len(failed)
			}).Should(Equal(1))

			var pending []mutation.Mutation
			decode(do(http.MethodGet, "/mutations/pending"), &pending)
			Expect(pending).To(BeEmpty())

			Expect(do(http.MethodPost, "/mutations/"+id+"/retry").Code).To(Equal(http.StatusAccepted))
			Eventually(func() int {
				failed := manager.GetFailedMutations()
				if len(failed) != 1 {
					return 0
				}

				return failed[0].ManualRetries
			}).Should(Equal(1))

			Expect(do(http.MethodDelete, "/mutations/"+id).Code).To(Equal(http.StatusNoContent))
			Expect(manager.GetFailedMutations()).To(BeEmpty())

			Expect(do(http.MethodDelete, "/mutations/"+id).Code).To(Equal(http.StatusNotFound))
		})

		It("rejects a retry of a mutation that is not failed", func() {
			backend.SetOffline(true)

			id, err := manager.Write(ctx, replicator.TableScores, "s2", map[string]interface{}{"trialId": "t1", "entryId": "e2", "points": 5})
			Expect(err).NotTo(HaveOccurred())

			Expect(do(http.MethodPost, "/mutations/"+id+"/retry").Code).To(Equal(http.StatusConflict))
			Expect(do(http.MethodPost, "/mutations/unknown/retry").Code).To(Equal(http.StatusNotFound))
		})

		It("serves an empty conflict log as a list", func() {
			rec := do(http.MethodGet, "/conflicts?key=s1")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("[]"))
		})
	})
})
