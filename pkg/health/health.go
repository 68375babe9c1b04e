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

// Package health aggregates sync outcomes, storage and queue figures into a
// HealthMetric snapshot and raises threshold alerts.
//
// Alerts are events delivered to subscribers. Nothing in this package returns
// an error for an unhealthy system.
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
	"github.com/united-manufacturing-hub/trialsync/pkg/sentry"
)

type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

type AlertKind string

const (
	KindSuccessRate      AlertKind = "success-rate"
	KindSlowSync         AlertKind = "slow-sync"
	KindStorage          AlertKind = "storage"
	KindStorageExhausted AlertKind = "storage-exhausted"
	KindFailedMutations  AlertKind = "failed-mutations"
	KindDeadLetter       AlertKind = "dead-letter"
	KindSyncError        AlertKind = "sync-error"
	KindConflictParked   AlertKind = "conflict-parked"
	KindRealtimeFallback AlertKind = "realtime-fallback"
	KindStaleTable       AlertKind = "stale-table"
)

// Alert is a threshold crossing or an operational event worth surfacing.
type Alert struct {
	RaisedAt  time.Time `json:"raisedAt"`
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Kind      AlertKind `json:"kind"`
	Table     string    `json:"table,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

func (a Alert) dedupKey() string {
	return string(a.Severity) + "|" + string(a.Kind) + "|" + a.Table
}

// SyncResult is the outcome of one sync cycle of one table.
type SyncResult struct {
	At       time.Time
	Err      error
	Table    string
	Duration time.Duration
	Pulled   int
	Pushed   int
	Success  bool
	Aborted  bool
}

// ErrorRecord is an entry of the recent error window.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Table   string    `json:"table"`
	Message string    `json:"message"`
}

// HealthMetric is a snapshot of the aggregated counters.
type HealthMetric struct {
	LastSyncAt       time.Time     `json:"lastSyncAt"`
	Status           Severity      `json:"status"`
	RecentErrors     []ErrorRecord `json:"recentErrors"`
	TotalSyncs       int64         `json:"totalSyncs"`
	SuccessfulSyncs  int64         `json:"successfulSyncs"`
	FailedSyncs      int64         `json:"failedSyncs"`
	MinDuration      time.Duration `json:"minDuration"`
	MaxDuration      time.Duration `json:"maxDuration"`
	AvgDuration      time.Duration `json:"avgDuration"`
	SuccessRate      float64       `json:"successRate"`
	StorageUsed      int64         `json:"storageUsed"`
	StorageQuota     int64         `json:"storageQuota"`
	PendingMutations int           `json:"pendingMutations"`
	FailedMutations  int           `json:"failedMutations"`
	DeadLetters      int           `json:"deadLetters"`
}

// StorageRatio is the used share of the quota, zero without a quota.
func (h HealthMetric) StorageRatio() float64 {
	if h.StorageQuota <= 0 {
		return 0
	}

	return float64(h.StorageUsed) / float64(h.StorageQuota)
}

// Config tunes the monitor. Zero values take the package defaults.
type Config struct {
	Now                 func() time.Time
	ReportCritical      func(Alert)
	Logger              *zap.SugaredLogger
	Window              int
	MinSamples          int
	CriticalSuccessRate float64
	WarningSuccessRate  float64
	SlowSyncThreshold   time.Duration
	StorageWarningRatio float64
	AlertCooldown       time.Duration
	MaxAlerts           int
	MaxRecentErrors     int
}

func (c *Config) applyDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}

	c.Logger = logger.OrFor(c.Logger, logger.ComponentHealthMonitor)

	if c.ReportCritical == nil {
		log := c.Logger
		c.ReportCritical = func(a Alert) {
			sentry.ReportIssueWithContext(errors.New(a.Message), sentry.IssueTypeError, log, map[string]interface{}{
				"kind":  string(a.Kind),
				"table": a.Table,
				"value": a.Value,
			})
		}
	}

	if c.Window <= 0 {
		c.Window = constants.DefaultHealthWindow
	}

	if c.MinSamples <= 0 {
		c.MinSamples = constants.DefaultHealthMinSamples
	}

	if c.CriticalSuccessRate <= 0 {
		c.CriticalSuccessRate = constants.DefaultCriticalSuccessRate
	}

	if c.WarningSuccessRate <= 0 {
		c.WarningSuccessRate = constants.DefaultWarningSuccessRate
	}

	if c.SlowSyncThreshold <= 0 {
		c.SlowSyncThreshold = constants.DefaultSlowSyncThreshold
	}

	if c.StorageWarningRatio <= 0 {
		c.StorageWarningRatio = constants.DefaultStorageWarningRatio
	}

	if c.AlertCooldown <= 0 {
		c.AlertCooldown = constants.DefaultAlertCooldown
	}

	if c.MaxAlerts <= 0 {
		c.MaxAlerts = constants.DefaultMaxAlerts
	}

	if c.MaxRecentErrors <= 0 {
		c.MaxRecentErrors = constants.DefaultMaxRecentErrors
	}
}

// Monitor is safe for concurrent use.
type Monitor struct {
	lastRaised *expiremap.ExpireMap[string, time.Time]
	cfg        Config

	subscribers map[int]func(Alert)
	outcomes    []bool
	errors      []ErrorRecord
	alerts      []Alert
	metric      HealthMetric
	totalNanos  int64
	nextSubID   int

	mu    sync.Mutex
	subMu sync.RWMutex
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	cfg.applyDefaults()

	return &Monitor{
		cfg:         cfg,
		lastRaised:  expiremap.NewEx[string, time.Time](cfg.AlertCooldown, cfg.AlertCooldown),
		subscribers: make(map[int]func(Alert)),
	}
}

// RecordSync adds a cycle outcome and evaluates the sync thresholds.
func (m *Monitor) RecordSync(r SyncResult) {
	if r.At.IsZero() {
		r.At = m.cfg.Now()
	}

	outcome := metrics.OutcomeSuccess

	switch {
	case r.Aborted:
		outcome = metrics.OutcomeAborted
	case !r.Success:
		outcome = metrics.OutcomeFailure
	}

	metrics.RecordSyncCycle(r.Table, outcome, r.Duration)

	m.mu.Lock()

	m.metric.TotalSyncs++
	m.metric.LastSyncAt = r.At

	if r.Success {
		m.metric.SuccessfulSyncs++
	} else {
		m.metric.FailedSyncs++

		msg := "sync failed"
		if r.Err != nil {
			msg = r.Err.Error()
		}

		m.errors = append(m.errors, ErrorRecord{At: r.At, Table: r.Table, Message: msg})
		if over := len(m.errors) - m.cfg.MaxRecentErrors; over > 0 {
			m.errors = append([]ErrorRecord(nil), m.errors[over:]...)
		}
	}

	if m.metric.TotalSyncs == 1 || r.Duration < m.metric.MinDuration {
		m.metric.MinDuration = r.Duration
	}

	if r.Duration > m.metric.MaxDuration {
		m.metric.MaxDuration = r.Duration
	}

	m.totalNanos += r.Duration.Nanoseconds()
	m.metric.AvgDuration = time.Duration(m.totalNanos / m.metric.TotalSyncs)

	// aborted cycles say nothing about the remote
	if !r.Aborted {
		m.outcomes = append(m.outcomes, r.Success)
		if over := len(m.outcomes) - m.cfg.Window; over > 0 {
			m.outcomes = m.outcomes[over:]
		}
	}

	rate := m.successRateLocked()
	samples := len(m.outcomes)
	avg := m.metric.AvgDuration

	m.mu.Unlock()

	var pending []Alert

	if samples >= m.cfg.MinSamples {
		switch {
		case rate < m.cfg.CriticalSuccessRate:
			pending = append(pending, Alert{
				Severity:  SeverityCritical,
				Kind:      KindSuccessRate,
				Message:   fmt.Sprintf("sync success rate %.1f%% over the last %d cycles", rate*100, samples),
				Value:     rate,
				Threshold: m.cfg.CriticalSuccessRate,
			})
		case rate < m.cfg.WarningSuccessRate:
			pending = append(pending, Alert{
				Severity:  SeverityWarning,
				Kind:      KindSuccessRate,
				Message:   fmt.Sprintf("sync success rate %.1f%% over the last %d cycles", rate*100, samples),
				Value:     rate,
				Threshold: m.cfg.WarningSuccessRate,
			})
		}
	}

	if avg > m.cfg.SlowSyncThreshold {
		pending = append(pending, Alert{
			Severity:  SeverityWarning,
			Kind:      KindSlowSync,
			Message:   fmt.Sprintf("average sync duration %s exceeds %s", avg, m.cfg.SlowSyncThreshold),
			Value:     avg.Seconds(),
			Threshold: m.cfg.SlowSyncThreshold.Seconds(),
		})
	}

	for _, a := range pending {
		m.RaiseAlert(a)
	}
}

// RecordStorage updates storage figures and warns when usage is high.
func (m *Monitor) RecordStorage(used, quota int64) {
	metrics.SetCacheUsage(used, quota)

	m.mu.Lock()
	m.metric.StorageUsed = used
	m.metric.StorageQuota = quota
	ratio := m.metric.StorageRatio()
	m.mu.Unlock()

	if ratio >= m.cfg.StorageWarningRatio {
		m.RaiseAlert(Alert{
			Severity:  SeverityWarning,
			Kind:      KindStorage,
			Message:   fmt.Sprintf("local storage at %.1f%% of quota", ratio*100),
			Value:     ratio,
			Threshold: m.cfg.StorageWarningRatio,
		})
	}
}

// RecordQueue updates queue figures and warns while failed mutations exist.
func (m *Monitor) RecordQueue(pending, failed, dead int) {
	metrics.SetQueueDepth(pending, failed, dead)

	m.mu.Lock()
	m.metric.PendingMutations = pending
	m.metric.FailedMutations = failed
	m.metric.DeadLetters = dead
	m.mu.Unlock()

	if failed > 0 {
		m.RaiseAlert(Alert{
			Severity: SeverityWarning,
			Kind:     KindFailedMutations,
			Message:  fmt.Sprintf("%d mutations failed and wait for manual retry", failed),
			Value:    float64(failed),
		})
	}
}

// RaiseAlert records and publishes a. Identical alerts within the cool-down
// are dropped. It reports whether the alert was published.
func (m *Monitor) RaiseAlert(a Alert) bool {
	now := m.cfg.Now()
	key := a.dedupKey()

	m.mu.Lock()

	if last, ok := m.lastRaised.Load(key); ok && now.Sub(*last) < m.cfg.AlertCooldown {
		m.mu.Unlock()

		return false
	}

	m.lastRaised.Set(key, now)

	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	if a.RaisedAt.IsZero() {
		a.RaisedAt = now
	}

	m.alerts = append(m.alerts, a)
	if over := len(m.alerts) - m.cfg.MaxAlerts; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}

	m.mu.Unlock()

	metrics.RecordAlert(string(a.Severity), string(a.Kind))

	switch a.Severity {
	case SeverityCritical:
		m.cfg.Logger.Errorw("Health alert", "kind", a.Kind, "table", a.Table, "message", a.Message)
		m.cfg.ReportCritical(a)
	case SeverityWarning:
		m.cfg.Logger.Warnw("Health alert", "kind", a.Kind, "table", a.Table, "message", a.Message)
	default:
		m.cfg.Logger.Infow("Health alert", "kind", a.Kind, "table", a.Table, "message", a.Message)
	}

	m.subMu.RLock()
	callbacks := make([]func(Alert), 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		callbacks = append(callbacks, cb)
	}
	m.subMu.RUnlock()

	for _, cb := range callbacks {
		cb(a)
	}

	return true
}

// GetHealthMetrics returns a snapshot.
func (m *Monitor) GetHealthMetrics() HealthMetric {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.metric
	out.SuccessRate = m.successRateLocked()
	out.RecentErrors = append([]ErrorRecord(nil), m.errors...)
	out.Status = m.statusLocked()

	return out
}

// RecentAlerts returns up to n alerts, newest first.
func (m *Monitor) RecentAlerts(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.alerts) {
		n = len(m.alerts)
	}

	out := make([]Alert, 0, n)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.alerts[i])
	}

	return out
}

// SubscribeAlerts registers cb for every published alert.
func (m *Monitor) SubscribeAlerts(cb func(Alert)) int {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextSubID++
	m.subscribers[m.nextSubID] = cb

	return m.nextSubID
}

// UnsubscribeAlerts removes a subscription.
func (m *Monitor) UnsubscribeAlerts(id int) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	delete(m.subscribers, id)
}

// Reset clears counters, errors and alerts. Storage and queue figures are
// kept since they describe current state rather than history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metric = HealthMetric{
		StorageUsed:      m.metric.StorageUsed,
		StorageQuota:     m.metric.StorageQuota,
		PendingMutations: m.metric.PendingMutations,
		FailedMutations:  m.metric.FailedMutations,
		DeadLetters:      m.metric.DeadLetters,
	}
	m.outcomes = nil
	m.errors = nil
	m.alerts = nil
	m.totalNanos = 0
	m.lastRaised = expiremap.NewEx[string, time.Time](m.cfg.AlertCooldown, m.cfg.AlertCooldown)
}

func (m *Monitor) successRateLocked() float64 {
	if len(m.outcomes) == 0 {
		return 1
	}

	ok := 0

	for _, success := range m.outcomes {
		if success {
			ok++
		}
	}

	return float64(ok) / float64(len(m.outcomes))
}

// statusLocked is the worst severity among the current conditions.
func (m *Monitor) statusLocked() Severity {
	status := SeverityHealthy

	raise := func(s Severity) {
		if s.rank() > status.rank() {
			status = s
		}
	}

	if len(m.outcomes) >= m.cfg.MinSamples {
		rate := m.successRateLocked()

		switch {
		case rate < m.cfg.CriticalSuccessRate:
			raise(SeverityCritical)
		case rate < m.cfg.WarningSuccessRate:
			raise(SeverityWarning)
		}
	}

	if m.metric.AvgDuration > m.cfg.SlowSyncThreshold {
		raise(SeverityWarning)
	}

	if m.metric.StorageRatio() >= m.cfg.StorageWarningRatio {
		raise(SeverityWarning)
	}

	if m.metric.FailedMutations > 0 || m.metric.DeadLetters > 0 {
		raise(SeverityWarning)
	}

	return status
}
