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

// Package network tracks whether the backend is reachable and how fast.
//
// The monitor only detects. On an offline to online transition it calls
// OnReconnect and leaves draining the mutation queue to the replication
// manager.
package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/ctxutil"
	"github.com/united-manufacturing-hub/trialsync/pkg/latency"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
)

type Quality string

const (
	QualityFast    Quality = "fast"
	QualitySlow    Quality = "slow"
	QualityUnknown Quality = "unknown"
)

// Status is delivered to subscribers on every online/offline transition.
type Status struct {
	Online  bool    `json:"online"`
	Quality Quality `json:"quality"`
}

type Config struct {
	Pinger remote.Pinger

	// OnReconnect fires on every offline to online transition. It must not block.
	OnReconnect func()

	Logger *zap.SugaredLogger

	Interval      time.Duration
	Timeout       time.Duration
	SlowThreshold time.Duration
	LatencyWindow time.Duration

	// InitialOnline is the state assumed before the first probe.
	InitialOnline bool
}

type Monitor struct {
	cfg       Config
	latencies *latency.Window

	subscribers map[int]func(Status)
	nextSubID   int

	mu     sync.RWMutex
	online bool
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultProbeInterval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultProbeTimeout
	}

	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = constants.DefaultSlowThreshold
	}

	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = constants.DefaultLatencyWindow
	}

	cfg.Logger = logger.OrFor(cfg.Logger, logger.ComponentNetworkMonitor)

	metrics.SetNetworkOnline(cfg.InitialOnline)

	return &Monitor{
		cfg:         cfg,
		latencies:   latency.NewWindow(cfg.LatencyWindow),
		subscribers: make(map[int]func(Status)),
		online:      cfg.InitialOnline,
	}
}

// IsOnline reports the last known reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.online
}

// Quality classifies recent probe latency by its p95. Without samples, or
// while offline, quality is unknown.
func (m *Monitor) Quality() Quality {
	if !m.IsOnline() {
		return QualityUnknown
	}

	stats := m.latencies.Stats()
	if stats.Samples == 0 {
		return QualityUnknown
	}

	if stats.P95 > m.cfg.SlowThreshold {
		return QualitySlow
	}

	return QualityFast
}

// Latency returns the statistics of the probe window.
func (m *Monitor) Latency() latency.Stats {
	return m.latencies.Stats()
}

// Subscribe registers cb for online/offline transitions.
func (m *Monitor) Subscribe(cb func(Status)) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	m.subscribers[m.nextSubID] = cb

	return m.nextSubID
}

// Unsubscribe removes a subscription.
func (m *Monitor) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscribers, id)
}

// Start probes immediately and then on every interval until ctx is done.
// The returned channel is closed once the probe loop has exited.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		_ = m.ProbeNow(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.ProbeNow(ctx)
			}
		}
	}()

	return done
}

// ProbeNow pings the backend once and updates the state.
func (m *Monitor) ProbeNow(ctx context.Context) error {
	if m.cfg.Pinger == nil {
		return nil
	}

	start := time.Now()

	err := ctxutil.RunWithTimeout(ctx, m.cfg.Timeout, "probe", m.cfg.Pinger.Ping)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		m.cfg.Logger.Debugw("Probe failed", "error", err)
		m.Report(false)

		return err
	}

	elapsed := time.Since(start)
	m.latencies.Record(elapsed)
	metrics.ObserveProbeLatency(elapsed)
	m.Report(true)

	return nil
}

// Report records an externally observed transition, such as a remote call
// failing with a transport error.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()

	if m.online == online {
		m.mu.Unlock()

		return
	}

	m.online = online

	callbacks := make([]func(Status), 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		callbacks = append(callbacks, cb)
	}

	m.mu.Unlock()

	metrics.SetNetworkOnline(online)

	status := Status{Online: online, Quality: m.Quality()}

	if online {
		m.cfg.Logger.Infow("Backend reachable again", "quality", status.Quality)
	} else {
		m.cfg.Logger.Warnw("Backend unreachable, working offline")
	}

	for _, cb := range callbacks {
		cb(status)
	}

	if online && m.cfg.OnReconnect != nil {
		m.cfg.OnReconnect()
	}
}
