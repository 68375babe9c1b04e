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

// Package replication orchestrates the table replicators.
//
// The Manager owns the local cache, the mutation queue and one state machine
// per table. Reads are served from the cache and never wait for the network.
// Writes update the cache optimistically and are queued; the queue is the only
// path by which local writes reach the remote. Sync cycles drain the queue of a
// table and then pull remote changes. They are triggered at startup, by a
// periodic timer, on reconnect, while the realtime feed of a table is down,
// and on demand.
//
// While the kill switch disables replication for a table, reads and writes go
// straight to the remote and neither the cache nor the queue is touched.
// Queued mutations stay where they are and drain once the table is enabled again.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	internalfsm "github.com/united-manufacturing-hub/trialsync/internal/fsm"
	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/cache"
	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/crosstab"
	"github.com/united-manufacturing-hub/trialsync/pkg/health"
	"github.com/united-manufacturing-hub/trialsync/pkg/killswitch"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/network"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/realtime"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/replicator"
	"github.com/united-manufacturing-hub/trialsync/pkg/sentry"
	"github.com/united-manufacturing-hub/trialsync/pkg/staleness"
	"github.com/united-manufacturing-hub/trialsync/pkg/syncstate"
)

var (
	// ErrUnknownTable is returned for tables without a replicator.
	ErrUnknownTable = errors.New("unknown table")

	// ErrNotRunning is returned by operations that need a started manager.
	ErrNotRunning = errors.New("replication manager is not running")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("replication manager already started")

	// ErrReplicationDisabled is returned by ManualSync for tables the kill switch disabled.
	ErrReplicationDisabled = errors.New("replication disabled by kill switch")

	// ErrNotFound is returned by Delete for rows the device does not know.
	ErrNotFound = errors.New("row not found")

	errCycleAborted = errors.New("sync cycle aborted")
)

// DebugProviderName is the key of the manager on /debug/replication.
const DebugProviderName = "replication"

const keyLockStripes = 64

// Config configures a Manager. Backend and Storage are required; every
// other zero value falls back to the defaults in pkg/constants.
type Config struct {
	Backend remote.Backend
	// Feed enables the realtime bridge. nil means polling only.
	Feed remote.ChangeFeed
	// Pinger enables the network monitor. nil assumes the backend is always reachable.
	Pinger  remote.Pinger
	Storage persistence.Store

	// KillSwitch is the state at construction. nil enables everything.
	KillSwitch *killswitch.Config

	Scope replicator.Scope
	// Registry builds the replicators. nil registers every table of the trial domain.
	Registry func(deps replicator.Deps) *replicator.Registry

	// Hub connects the manager to the other tabs of the device. nil disables cross-tab sync.
	Hub *crosstab.Hub

	Health health.Config

	Now    func() time.Time
	Logger *zap.SugaredLogger

	// QuotaBytes is the cache budget. Negative disables the quota.
	QuotaBytes    int64
	SoftThreshold float64

	MutationPolicy   backoff.Policy
	MaxRetries       int
	MaxFailed        int
	MaxManualRetries int

	// CyclePolicy spaces the attempts of one sync cycle.
	CyclePolicy backoff.Policy
	// ResubscribePolicy spaces realtime resubscription attempts.
	ResubscribePolicy backoff.Policy

	SyncInterval         time.Duration
	FallbackPollInterval time.Duration
	RemoteTimeout        time.Duration
	PullTimeout          time.Duration
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	// StaleAfter raises a warning for a table without a successful sync for this long
	// while it should be syncing. Zero means three sync intervals, negative disables.
	StaleAfter       time.Duration
	CycleAttempts    int
	DrainConcurrency int
	ConflictLogSize  int

	// StartOffline assumes the backend is unreachable until the first probe succeeds.
	StartOffline bool
}

func (c *Config) applyDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}

	c.Logger = logger.OrFor(c.Logger, logger.ComponentReplicationManager)

	switch {
	case c.QuotaBytes == 0:
		c.QuotaBytes = constants.DefaultQuotaBytes
	case c.QuotaBytes < 0:
		c.QuotaBytes = 0
	}

	if c.SoftThreshold <= 0 {
		c.SoftThreshold = constants.DefaultSoftThreshold
	}

	if c.CyclePolicy.InitialInterval <= 0 {
		c.CyclePolicy = backoff.DefaultPolicy()
	}

	if c.SyncInterval <= 0 {
		c.SyncInterval = constants.DefaultSyncInterval
	}

	if c.FallbackPollInterval <= 0 {
		c.FallbackPollInterval = constants.DefaultFallbackPollInterval
	}

	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = constants.DefaultRemoteTimeout
	}

	if c.PullTimeout <= 0 {
		c.PullTimeout = constants.DefaultPullTimeout
	}

	if c.CycleAttempts <= 0 {
		c.CycleAttempts = constants.DefaultCycleAttempts
	}

	if c.DrainConcurrency <= 0 {
		c.DrainConcurrency = constants.DefaultDrainConcurrency
	}

	if c.StaleAfter == 0 {
		c.StaleAfter = 3 * c.SyncInterval
	}

	if c.Health.Now == nil {
		c.Health.Now = c.Now
	}
}

// tableRuntime is the per-table scheduling state.
type tableRuntime struct {
	rep     replicator.TableReplicator
	machine *internalfsm.TableMachine

	retryTimer *time.Timer

	// cycleMu serializes the cycles of the table.
	cycleMu sync.Mutex
	retryMu sync.Mutex

	// running is set while a background goroutine owns the table; rerun asks it for another cycle.
	running  atomic.Bool
	rerun    atomic.Bool
	fallback atomic.Bool
}

// Manager is the replication orchestrator. It is safe for concurrent use.
type Manager struct {
	cfg Config
	log *zap.SugaredLogger

	killSwitch atomic.Pointer[killswitch.Config]

	cache     *cache.Store
	queue     *mutation.Queue
	states    *syncstate.Store
	registry  *replicator.Registry
	tables    map[string]*tableRuntime
	health    *health.Monitor
	conflicts *conflict.Log
	subs      *subscribers

	network     *network.Monitor
	bridge      *realtime.Bridge
	coordinator *crosstab.Coordinator
	staleness   *staleness.Checker

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	keyLocks [keyLockStripes]sync.Mutex

	lastDead atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// New wires a Manager. Nothing touches storage or the network before Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("replication manager needs a remote backend")
	}

	if cfg.Storage == nil {
		return nil, errors.New("replication manager needs local storage")
	}

	cfg.applyDefaults()

	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		tables:    make(map[string]*tableRuntime),
		conflicts: conflict.NewLog(cfg.ConflictLogSize),
		subs:      newSubscribers(),
		states:    syncstate.NewStore(cfg.Storage),
	}

	ks := killswitch.Default()
	if cfg.KillSwitch != nil {
		ks = *cfg.KillSwitch
	}

	m.killSwitch.Store(&ks)

	healthCfg := cfg.Health
	if healthCfg.Logger == nil {
		healthCfg.Logger = cfg.Logger.Named(logger.ComponentHealthMonitor)
	}

	m.health = health.NewMonitor(healthCfg)

	m.queue = mutation.New(mutation.Config{
		Storage:          cfg.Storage,
		Policy:           cfg.MutationPolicy,
		MaxRetries:       cfg.MaxRetries,
		MaxFailed:        cfg.MaxFailed,
		MaxManualRetries: cfg.MaxManualRetries,
		OnFailed:         m.onMutationFailed,
		Now:              cfg.Now,
		Logger:           cfg.Logger.Named(logger.ComponentMutationQueue),
	})

	m.cache = cache.New(cache.Config{
		Storage:            cfg.Storage,
		QuotaBytes:         cfg.QuotaBytes,
		SoftThreshold:      cfg.SoftThreshold,
		Pins:               m.queue,
		EvictionEnabled:    func() bool { return m.currentKillSwitch().FeatureEnabled(killswitch.FeatureEviction) },
		OnStorageExhausted: m.onStorageExhausted,
		OnEvict:            m.onEvict,
		Now:                cfg.Now,
		Logger:             cfg.Logger.Named(logger.ComponentCacheStore),
	})

	deps := replicator.Deps{
		Backend: cfg.Backend,
		Cache:   m.cache,
		Pending: m.queue,
		Notify:  m.onReplicatorChange,
		KeyLock: m.lockKey,
		Logger:  cfg.Logger.Named(logger.ComponentReplicator),
	}

	if cfg.Registry != nil {
		m.registry = cfg.Registry(deps)
	} else {
		m.registry = replicator.DefaultRegistry(deps, cfg.Scope)
	}

	for _, table := range m.registry.Tables() {
		rep, _ := m.registry.Get(table)
		rt := &tableRuntime{
			rep:     rep,
			machine: internalfsm.NewTableMachine(table, cfg.Now, cfg.Logger.Named(logger.ComponentTableFSM)),
		}

		if !ks.ReplicationEnabled(table) {
			_ = rt.machine.Disable(context.Background())
		}

		m.tables[table] = rt
	}

	m.staleness = staleness.NewChecker(staleness.Config{
		Threshold: cfg.StaleAfter,
		Active:    m.expectsSync,
		OnStale:   m.onStale,
		Now:       cfg.Now,
		Logger:    cfg.Logger.Named(logger.ComponentStalenessChecker),
	}, m.registry.Tables()...)

	if cfg.Pinger != nil {
		m.network = network.NewMonitor(network.Config{
			Pinger:        cfg.Pinger,
			OnReconnect:   m.onReconnect,
			Logger:        cfg.Logger.Named(logger.ComponentNetworkMonitor),
			Interval:      cfg.ProbeInterval,
			Timeout:       cfg.ProbeTimeout,
			InitialOnline: !cfg.StartOffline,
		})
	}

	if cfg.Feed != nil {
		m.bridge = realtime.NewBridge(realtime.Config{
			Feed:        cfg.Feed,
			Apply:       m.applyPushed,
			OnFallback:  m.onRealtimeFallback,
			OnRecovered: m.onRealtimeRecovered,
			Logger:      cfg.Logger.Named(logger.ComponentRealtimeBridge),
			Policy:      cfg.ResubscribePolicy,
		})
	}

	if cfg.Hub != nil {
		m.coordinator = crosstab.NewCoordinator(cfg.Hub, crosstab.Config{
			Logger:  cfg.Logger.Named(logger.ComponentCrossTab),
			Enabled: func() bool { return m.currentKillSwitch().FeatureEnabled(killswitch.FeatureCrossTab) },
			Now:     cfg.Now,
		})
		m.cache.SetNotifier(m.coordinator.Notify)
	}

	return m, nil
}

// Start migrates the local layout, recovers the queue, the cache and the sync
// states, and starts the background machinery. A startup sync of every table
// is scheduled.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	tables := m.registry.Tables()

	from, to, err := m.states.Migrate(ctx, syncstate.Migrations(), tables)
	if err != nil {
		return fmt.Errorf("failed to migrate local storage: %w", err)
	}

	if from != to {
		m.log.Infow("Local storage migrated", "from", from, "to", to)
	}

	if err := m.queue.Load(ctx); err != nil {
		return err
	}

	if err := m.cache.Load(ctx, tables); err != nil {
		return err
	}

	for _, table := range tables {
		if _, err := m.states.Load(ctx, table); err != nil {
			return err
		}
	}

	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.lastDead.Store(int64(m.queue.DeadCount()))

	metrics.RegisterDebugProvider(DebugProviderName, m)
	m.refreshGauges()

	if m.coordinator != nil {
		m.coordinator.Listen(m.onPeerChange)
	}

	if m.network != nil {
		probing := m.network.Start(m.runCtx)

		m.wg.Add(1)

		go func() {
			defer m.wg.Done()
			<-probing
		}()
	}

	ks := m.currentKillSwitch()
	if m.bridge != nil && ks.FeatureEnabled(killswitch.FeatureRealtime) {
		for _, table := range tables {
			if ks.ReplicationEnabled(table) {
				m.bridge.Subscribe(m.runCtx, table)
			}
		}
	}

	if m.cfg.StaleAfter > 0 {
		m.staleness.Start(m.runCtx)
	}

	m.wg.Add(1)

	go m.loop(m.runCtx)

	m.log.Infow("Replication manager started", "tables", tables, "pending", m.queue.PendingCount(), "killSwitch", ks.String())

	m.kickLocked("startup", tables...)

	return nil
}

// Stop cancels running cycles and waits for every background goroutine.
// In-flight mutations go back to pending.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()

	if !m.started || m.stopped {
		m.lifecycleMu.Unlock()

		return
	}

	m.stopped = true
	m.cancel()
	m.lifecycleMu.Unlock()

	if m.bridge != nil {
		m.bridge.Close()
	}

	if m.coordinator != nil {
		m.coordinator.Close()
	}

	m.staleness.Stop()

	for _, rt := range m.tables {
		rt.retryMu.Lock()
		if rt.retryTimer != nil {
			rt.retryTimer.Stop()
		}
		rt.retryMu.Unlock()
	}

	m.wg.Wait()

	metrics.UnregisterDebugProvider(DebugProviderName)
	m.log.Infow("Replication manager stopped", "pending", m.queue.PendingCount())
}

// SetKillSwitch replaces the kill switch state. Disabling a table lets a
// running cycle abort between mutations; enabling it schedules a sync that
// drains what was queued.
func (m *Manager) SetKillSwitch(ks killswitch.Config) {
	prev := m.killSwitch.Swap(&ks)

	m.log.Infow("Kill switch updated", "state", ks.String())

	background := context.Background()

	for table, rt := range m.tables {
		was := prev.ReplicationEnabled(table)
		now := ks.ReplicationEnabled(table)

		switch {
		case was && !now:
			if err := rt.machine.Disable(background); err != nil {
				m.log.Warnw("Failed to disable table", "table", table, "error", err)
			}
		case !was && now:
			if err := rt.machine.Enable(background); err != nil {
				m.log.Warnw("Failed to enable table", "table", table, "error", err)
			}

			m.kick("kill switch released", table)
		}

		m.updateRealtime(table, now && ks.FeatureEnabled(killswitch.FeatureRealtime))
	}
}

// KillSwitch returns the current kill switch state.
func (m *Manager) KillSwitch() killswitch.Config {
	return *m.currentKillSwitch()
}

func (m *Manager) currentKillSwitch() *killswitch.Config {
	return m.killSwitch.Load()
}

func (m *Manager) updateRealtime(table string, live bool) {
	if m.bridge == nil {
		return
	}

	m.lifecycleMu.Lock()
	running := m.started && !m.stopped
	ctx := m.runCtx
	m.lifecycleMu.Unlock()

	if !running {
		return
	}

	if live {
		m.bridge.Subscribe(ctx, table)

		return
	}

	m.bridge.Unsubscribe(table)
	m.tables[table].fallback.Store(false)
}

// Tables returns the replicated tables, sorted.
func (m *Manager) Tables() []string {
	return m.registry.Tables()
}

// IsOnline reports the network monitor's view. Without a monitor the backend
// is assumed reachable.
func (m *Manager) IsOnline() bool {
	return m.network == nil || m.network.IsOnline()
}

// NetworkStatus returns reachability and link quality.
func (m *Manager) NetworkStatus() network.Status {
	if m.network == nil {
		return network.Status{Online: true, Quality: network.QualityUnknown}
	}

	return network.Status{Online: m.network.IsOnline(), Quality: m.network.Quality()}
}

// Health exposes the health monitor, e.g. to subscribe to alerts.
func (m *Manager) Health() *health.Monitor {
	return m.health
}

func (m *Manager) runtime(table string) (*tableRuntime, error) {
	rt, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	return rt, nil
}

// lockKey serializes writes to one row. Rows share a fixed set of stripes.
func (m *Manager) lockKey(table, key string) func() {
	mu := &m.keyLocks[xxhash.Sum64String(table+"/"+key)%keyLockStripes]
	mu.Lock()

	return mu.Unlock
}

// loop runs the periodic and fallback timers.
func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	periodic := time.NewTicker(m.cfg.SyncInterval)
	defer periodic.Stop()

	fallback := time.NewTicker(m.cfg.FallbackPollInterval)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-periodic.C:
			if m.currentKillSwitch().FeatureEnabled(killswitch.FeaturePeriodicSync) {
				m.kick("periodic", m.registry.Tables()...)
			}
		case <-fallback.C:
			for table, rt := range m.tables {
				if rt.fallback.Load() {
					m.kick("realtime fallback poll", table)
				}
			}
		}
	}
}

func (m *Manager) onReconnect() {
	m.kick("reconnect", m.registry.Tables()...)
}

// expectsSync reports whether table should be syncing right now.
func (m *Manager) expectsSync(table string) bool {
	return m.IsOnline() && m.currentKillSwitch().ReplicationEnabled(table)
}

func (m *Manager) onStale(s staleness.Stale) {
	m.health.RaiseAlert(health.Alert{
		Severity:  health.SeverityWarning,
		Kind:      health.KindStaleTable,
		Table:     s.Table,
		Message:   fmt.Sprintf("%s has not synced for %s", s.Table, s.Age.Round(time.Second)),
		Value:     s.Age.Seconds(),
		Threshold: m.cfg.StaleAfter.Seconds(),
	})
}

func (m *Manager) onRealtimeFallback(table string, err error) {
	rt, ok := m.tables[table]
	if !ok {
		return
	}

	rt.fallback.Store(true)

	m.health.RaiseAlert(health.Alert{
		Severity: health.SeverityWarning,
		Kind:     health.KindRealtimeFallback,
		Table:    table,
		Message:  fmt.Sprintf("realtime feed of %s failed, polling every %s: %v", table, m.cfg.FallbackPollInterval, err),
	})

	m.kick("realtime fallback", table)
}

func (m *Manager) onRealtimeRecovered(table string) {
	rt, ok := m.tables[table]
	if !ok {
		return
	}

	if rt.fallback.Swap(false) {
		m.log.Infow("Realtime feed recovered, polling stopped", "table", table)
	}

	m.kick("realtime recovered", table)
}

func (m *Manager) applyPushed(ctx context.Context, event remote.ChangeEvent) (bool, error) {
	rt, ok := m.tables[event.Table]
	if !ok || !m.currentKillSwitch().ReplicationEnabled(event.Table) {
		return false, nil
	}

	return rt.rep.ApplyRemoteChange(ctx, event)
}

func (m *Manager) onReplicatorChange(n replicator.ChangeNotice) {
	m.subs.emit(Event{
		Table:      n.Table,
		Key:        n.Key,
		Value:      n.Value,
		Version:    n.Version,
		Deleted:    n.Deleted,
		Annotation: m.annotationFor(n.Table, n.Key),
		Source:     SourceRemote,
	})
}

func (m *Manager) onPeerChange(change cache.Change) {
	if !m.currentKillSwitch().ReplicationEnabled(change.Table) {
		return
	}

	m.cache.ApplyPeer(change)

	m.subs.emit(Event{
		Table:      change.Table,
		Key:        change.Key,
		Value:      change.Value,
		Version:    change.Version,
		Deleted:    change.Deleted,
		Annotation: m.annotationFor(change.Table, change.Key),
		Source:     SourcePeer,
	})
}

// onMutationFailed runs under the queue lock and must not call back into the queue.
func (m *Manager) onMutationFailed(mut mutation.Mutation) {
	sentry.ReportIssueWithContext(errors.New(mut.LastError), sentry.IssueTypeWarning, m.log, map[string]interface{}{
		"mutation":  mut.ID,
		"table":     mut.Table,
		"operation": string(mut.Operation),
		"retries":   mut.RetryCount,
	})
}

func (m *Manager) onStorageExhausted(table, key string, err error) {
	m.health.RaiseAlert(health.Alert{
		Severity: health.SeverityWarning,
		Kind:     health.KindStorageExhausted,
		Table:    table,
		Message:  fmt.Sprintf("%s/%s kept in memory only: %v", table, key, err),
	})
}

func (m *Manager) onEvict(report cache.EvictionReport) {
	metrics.RecordEviction(len(report.Evicted), report.FreedBytes)

	if report.Blocked {
		m.log.Warnw("Eviction could not reach its target, remaining entries are pinned", "usage", report.UsageAfter, "quota", m.cache.Quota())
	}
}

// annotationFor derives the row annotation from the queue.
func (m *Manager) annotationFor(table, key string) StateAnnotation {
	if len(m.queue.PendingFor(table, key)) > 0 {
		return AnnotationPending
	}

	for _, f := range m.queue.FailedItems() {
		if f.Table != table || f.TargetKey != key {
			continue
		}

		if f.Status == mutation.StatusParked {
			return AnnotationConflict
		}

		return AnnotationFailed
	}

	return AnnotationSynced
}

// refreshGauges pushes queue and storage figures into health and metrics.
func (m *Manager) refreshGauges() {
	dead := m.queue.DeadCount()

	m.health.RecordQueue(m.queue.PendingCount(), m.queue.FailedCount(), dead)
	m.health.RecordStorage(m.cache.UsageBytes(), m.cache.Quota())

	if previous := m.lastDead.Swap(int64(dead)); int64(dead) > previous {
		m.health.RaiseAlert(health.Alert{
			Severity: health.SeverityWarning,
			Kind:     health.KindDeadLetter,
			Message:  fmt.Sprintf("%d mutations moved to the dead-letter set", int64(dead)-previous),
			Value:    float64(dead),
		})
	}
}

// GetDebugInfo implements metrics.DebugProvider.
func (m *Manager) GetDebugInfo() interface{} {
	tables := make(map[string]interface{}, len(m.tables))

	for table, rt := range m.tables {
		status := rt.machine.Status()
		state := m.states.Get(table)

		entry := map[string]interface{}{
			"state":         status.State,
			"attempts":      status.Attempts,
			"lastSuccessAt": status.LastSuccessAt,
			"cursor":        state.Cursor,
			"cached":        m.cache.Len(table),
			"fallback":      rt.fallback.Load(),
		}

		if status.LastError != nil {
			entry["lastError"] = status.LastError.Error()
		}

		if m.bridge != nil {
			entry["realtime"] = m.bridge.IsLive(table)
		}

		tables[table] = entry
	}

	return map[string]interface{}{
		"tables":     tables,
		"pending":    m.queue.PendingCount(),
		"failed":     m.queue.FailedCount(),
		"dead":       m.queue.DeadCount(),
		"usageBytes": m.cache.UsageBytes(),
		"quotaBytes": m.cache.Quota(),
		"online":     m.IsOnline(),
		"killSwitch": m.currentKillSwitch().String(),
		"conflicts":  m.conflicts.Len(),
	}
}
