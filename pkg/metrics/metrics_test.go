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

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

type staticProvider struct{ info interface{} }

func (p staticProvider) GetDebugInfo() interface{} { return p.info }

var _ = Describe("Metrics", func() {
	It("counts sync cycles per table and outcome", func() {
		before := testutil.ToFloat64(syncCyclesTotal.WithLabelValues("scores", OutcomeSuccess))

		RecordSyncCycle("scores", OutcomeSuccess, 120*time.Millisecond)
		RecordSyncCycle("scores", OutcomeSuccess, 80*time.Millisecond)

		Expect(testutil.ToFloat64(syncCyclesTotal.WithLabelValues("scores", OutcomeSuccess))).To(Equal(before + 2))

		metric := &dto.Metric{}
		Expect(syncDuration.WithLabelValues("scores").(interface{ Write(*dto.Metric) error }).Write(metric)).To(Succeed())
		Expect(metric.GetSummary().GetSampleCount()).To(BeNumerically(">=", 2))
	})

	It("records gauges as absolute values", func() {
		SetQueueDepth(5, 1, 0)
		SetCacheUsage(4_000_000, 5_242_880)
		SetNetworkOnline(false)

		Expect(testutil.ToFloat64(queueDepth.WithLabelValues("pending"))).To(Equal(5.0))
		Expect(testutil.ToFloat64(queueDepth.WithLabelValues("failed"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(cacheUsageBytes)).To(Equal(4_000_000.0))
		Expect(testutil.ToFloat64(cacheQuotaBytes)).To(Equal(5_242_880.0))
		Expect(testutil.ToFloat64(networkOnline)).To(Equal(0.0))
	})

	DescribeTable("maps table states",
		func(state string, value float64) {
			UpdateTableState("trials", state)
			Expect(testutil.ToFloat64(tableState.WithLabelValues("trials"))).To(Equal(value))
		},
		Entry("idle", "idle", 0.0),
		Entry("syncing", "syncing", 1.0),
		Entry("error", "error", 2.0),
		Entry("disabled", "disabled", 3.0),
		Entry("unknown", "bogus", -1.0),
	)

	It("serves registered debug providers", func() {
		RegisterDebugProvider("test", staticProvider{info: map[string]int{"pending": 3}})
		DeferCleanup(UnregisterDebugProvider, "test")

		server := httptest.NewServer(Handler())
		DeferCleanup(server.Close)

		resp, err := http.Get(server.URL + "/debug/replication")
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`"pending": 3`))

		resp, err = http.Post(server.URL+"/debug/replication", "application/json", nil)
		Expect(err).ToNot(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
	})

	It("exposes the collectors on /metrics", func() {
		RecordAlert("warning", "storage")

		server := httptest.NewServer(Handler())
		DeferCleanup(server.Close)

		resp, err := http.Get(server.URL + "/metrics")
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("trialsync_replication_alerts_total"))
	})
})
