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
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/sentry"
)

const (
	// Outcome labels of a sync cycle.
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeAborted = "aborted"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "trialsync"
	subsystem = "replication"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)

	syncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	syncDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_duration_milliseconds",
			Help:      "Time taken by a sync cycle (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"table"},
	)

	tableState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "table_state",
			Help:      "Current state of the table replicator (0=Idle, 1=Syncing, 2=Error, 3=Disabled, -1=Unknown)",
		},
		[]string{"table"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutation_queue_depth",
			Help:      "Mutations in the local queue by status",
		},
		[]string{"status"},
	)

	cacheUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_usage_bytes",
			Help:      "Bytes used by cached entries",
		},
	)

	cacheQuotaBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_quota_bytes",
			Help:      "Storage quota of the local cache",
		},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_evictions_total",
			Help:      "Cache entries evicted to stay within quota",
		},
	)

	evictedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes freed by cache eviction",
		},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_total",
			Help:      "Resolved conflicts by table and resolution",
		},
		[]string{"table", "resolution"},
	)

	realtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_events_total",
			Help:      "Pushed change events by table and whether they were applied",
		},
		[]string{"table", "applied"},
	)

	networkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "network_online",
			Help:      "1 when the backend is reachable",
		},
	)

	probeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "network_probe_duration_seconds",
			Help:      "Duration of backend reachability probes in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2.5, 5},
		},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alerts_total",
			Help:      "Health alerts by severity and kind",
		},
		[]string{"severity", "kind"},
	)

	staleSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_seconds_total",
			Help:      "Seconds tables spent past the staleness threshold",
		},
		[]string{"table"},
	)
)

// DebugProvider exposes introspection data on /debug/replication.
type DebugProvider interface {
	GetDebugInfo() interface{}
}

var debugRegistry struct {
	providers map[string]DebugProvider
	mu        sync.RWMutex
}

// RegisterDebugProvider registers a provider under name.
func RegisterDebugProvider(name string, provider DebugProvider) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	if debugRegistry.providers == nil {
		debugRegistry.providers = make(map[string]DebugProvider)
	}

	debugRegistry.providers[name] = provider
}

// UnregisterDebugProvider removes a provider.
func UnregisterDebugProvider(name string) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	delete(debugRegistry.providers, name)
}

func handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	debugRegistry.mu.RLock()
	defer debugRegistry.mu.RUnlock()

	response := make(map[string]interface{}, len(debugRegistry.providers))
	for name, provider := range debugRegistry.providers {
		response[name] = provider.GetDebugInfo()
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(response); err != nil {
		http.Error(w, "Failed to encode debug info", http.StatusInternalServerError)
	}
}

// Handler serves /metrics and /debug/replication.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/replication", handleDebug)

	return mux
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	server := &http.Server{
		Addr:        addr,
		Handler:     Handler(),
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}

// RecordSyncCycle counts a finished cycle and its duration.
func RecordSyncCycle(table, outcome string, duration time.Duration) {
	syncCyclesTotal.WithLabelValues(table, outcome).Inc()
	syncDuration.WithLabelValues(table).Observe(float64(duration.Milliseconds()))
}

// AddStaleTime adds seconds a table has been stale since the last check.
func AddStaleTime(table string, seconds float64) {
	staleSeconds.WithLabelValues(table).Add(seconds)
}

// UpdateTableState records the current state of a table machine.
func UpdateTableState(table, state string) {
	tableState.WithLabelValues(table).Set(getStateValue(state))
}

func getStateValue(state string) float64 {
	switch state {
	case "idle":
		return 0
	case "syncing":
		return 1
	case "error":
		return 2
	case "disabled":
		return 3
	default:
		return -1
	}
}

// SetQueueDepth records queue sizes.
func SetQueueDepth(pending, failed, dead int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// SetCacheUsage records cache usage against its quota.
func SetCacheUsage(used, quota int64) {
	cacheUsageBytes.Set(float64(used))
	cacheQuotaBytes.Set(float64(quota))
}

// RecordEviction counts evicted entries and freed bytes.
func RecordEviction(entries int, freed int64) {
	evictionsTotal.Add(float64(entries))
	evictedBytesTotal.Add(float64(freed))
}

// RecordConflict counts a resolved conflict.
func RecordConflict(table, resolution string) {
	conflictsTotal.WithLabelValues(table, resolution).Inc()
}

// RecordRealtimeEvent counts a pushed change event.
func RecordRealtimeEvent(table string, applied bool) {
	realtimeEventsTotal.WithLabelValues(table, strconv.FormatBool(applied)).Inc()
}

// SetNetworkOnline records reachability.
func SetNetworkOnline(online bool) {
	if online {
		networkOnline.Set(1)

		return
	}

	networkOnline.Set(0)
}

// ObserveProbeLatency records a successful probe.
func ObserveProbeLatency(d time.Duration) {
	probeLatency.Observe(d.Seconds())
}

// RecordAlert counts a raised alert.
func RecordAlert(severity, kind string) {
	alertsTotal.WithLabelValues(severity, kind).Inc()
}
