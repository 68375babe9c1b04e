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

package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
	"github.com/united-manufacturing-hub/trialsync/pkg/ctxutil"
	"github.com/united-manufacturing-hub/trialsync/pkg/health"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/replicator"
	"github.com/united-manufacturing-hub/trialsync/pkg/result"
	"github.com/united-manufacturing-hub/trialsync/pkg/sentry"
)

type cycleStats struct {
	pushed atomic.Int64
	pulled atomic.Int64
}

// kick schedules a background cycle for every table. A table whose cycle is
// running gets one more cycle after it. kick never blocks.
func (m *Manager) kick(reason string, tables ...string) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.kickLocked(reason, tables...)
}

func (m *Manager) kickLocked(reason string, tables ...string) {
	if !m.started || m.stopped {
		return
	}

	for _, table := range tables {
		rt, ok := m.tables[table]
		if !ok {
			continue
		}

		rt.rerun.Store(true)

		if !rt.running.CompareAndSwap(false, true) {
			continue
		}

		m.wg.Add(1)

		go m.runBackground(m.runCtx, table, rt, reason)
	}
}

func (m *Manager) runBackground(ctx context.Context, table string, rt *tableRuntime, reason string) {
	defer m.wg.Done()

	for {
		for rt.rerun.Swap(false) {
			if ctx.Err() != nil {
				rt.running.Store(false)

				return
			}

			err := m.syncTable(ctx, table, reason)
			if err != nil && !errors.Is(err, ErrReplicationDisabled) && !errors.Is(err, remote.ErrOffline) {
				m.log.Debugw("Background sync ended with error", "table", table, "trigger", reason, "error", err)
			}
		}

		rt.running.Store(false)

		if !rt.rerun.Load() || !rt.running.CompareAndSwap(false, true) {
			return
		}
	}
}

// ManualSync runs a cycle for each table, or for every table when none is
// given, and returns when all of them finished. Tables sync in parallel; a
// cycle already running for a table is waited for first.
func (m *Manager) ManualSync(ctx context.Context, tables ...string) error {
	m.lifecycleMu.Lock()
	running := m.started && !m.stopped
	m.lifecycleMu.Unlock()

	if !running {
		return ErrNotRunning
	}

	if len(tables) == 0 {
		tables = m.registry.Tables()
	}

	errs := make([]error, len(tables))

	var g errgroup.Group

	for i, table := range tables {
		g.Go(func() error {
			errs[i] = m.syncTable(ctx, table, "manual")

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// syncTable runs one sync cycle: drain the queue of the table, then pull.
// Retryable failures are retried within the cycle's budget; only then does
// the table go to error. Every finished cycle is reported to health.
func (m *Manager) syncTable(ctx context.Context, table, trigger string) error {
	rt, err := m.runtime(table)
	if err != nil {
		return err
	}

	if !m.currentKillSwitch().ReplicationEnabled(table) {
		return fmt.Errorf("%w: %s", ErrReplicationDisabled, table)
	}

	if !m.IsOnline() {
		return remote.Offline(fmt.Errorf("sync of %s postponed until reconnect", table))
	}

	rt.cycleMu.Lock()
	defer rt.cycleMu.Unlock()

	if !m.currentKillSwitch().ReplicationEnabled(table) {
		return fmt.Errorf("%w: %s", ErrReplicationDisabled, table)
	}

	if err := rt.machine.Begin(ctx); err != nil {
		return err
	}

	log := m.log.With("table", table, "trigger", trigger)
	start := time.Now()

	var (
		stats    cycleStats
		cycleErr error
		outcome  result.Result
		aborted  bool
	)

	for attempt := 1; ; attempt++ {
		cycleErr = m.runCycle(ctx, rt, &stats)
		outcome = result.FromError(cycleErr)

		if outcome.IsSuccess() {
			cycleErr = nil

			break
		}

		if m.aborted(ctx, table, cycleErr) {
			aborted = true

			break
		}

		if !result.ShouldRetry(outcome, attempt, m.cfg.CycleAttempts) {
			break
		}

		wait := m.cfg.CyclePolicy.Delay(attempt)
		log.Debugw("Sync attempt failed, retrying", "attempt", attempt, "wait", wait, "error", cycleErr)

		if !sleep(ctx, wait) {
			aborted = true

			break
		}
	}

	duration := time.Since(start)
	end := context.WithoutCancel(ctx)
	report := health.SyncResult{
		At:       m.cfg.Now(),
		Table:    table,
		Duration: duration,
		Pulled:   int(stats.pulled.Load()),
		Pushed:   int(stats.pushed.Load()),
	}

	switch {
	case cycleErr == nil:
		report.Success = true

		m.staleness.MarkSynced(table)

		if err := rt.machine.Succeed(end); err != nil {
			log.Debugw("Table left syncing during the cycle", "error", err)
		}

		log.Debugw("Sync cycle finished", "pushed", report.Pushed, "pulled", report.Pulled, "duration", duration)
	case aborted:
		report.Aborted = true
		report.Err = cycleErr

		if err := rt.machine.Abort(end); err != nil {
			log.Debugw("Table left syncing during the cycle", "error", err)
		}

		log.Infow("Sync cycle aborted", "pushed", report.Pushed, "reason", cycleErr)
	default:
		report.Err = cycleErr

		if err := rt.machine.Fail(end, cycleErr); err != nil {
			log.Debugw("Table left syncing during the cycle", "error", err)
		}

		m.onCycleFailed(log, table, outcome, cycleErr)
	}

	m.health.RecordSync(report)
	m.refreshGauges()
	m.scheduleRetry(table, rt)

	return cycleErr
}

func (m *Manager) onCycleFailed(log *zap.SugaredLogger, table string, outcome result.Result, cause error) {
	log.Warnw("Sync cycle failed", "kind", outcome.Kind.String(), "error", cause)

	severity := health.SeverityWarning
	if outcome.Kind == result.Fatal {
		severity = health.SeverityCritical

		sentry.ReportSyncError(m.log, table, "sync", cause)
	}

	m.health.RaiseAlert(health.Alert{
		Severity: severity,
		Kind:     health.KindSyncError,
		Table:    table,
		Message:  fmt.Sprintf("sync of %s failed: %v", table, cause),
	})

	m.subs.emit(Event{
		Table:      table,
		Annotation: AnnotationSyncError,
		Source:     SourceLocal,
		Err:        cause,
	})
}

func (m *Manager) aborted(ctx context.Context, table string, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, errCycleAborted) ||
		errors.Is(err, context.Canceled) ||
		!m.currentKillSwitch().ReplicationEnabled(table)
}

func (m *Manager) runCycle(ctx context.Context, rt *tableRuntime, stats *cycleStats) error {
	if err := m.drain(ctx, rt, stats); err != nil {
		return err
	}

	if !m.currentKillSwitch().ReplicationEnabled(rt.rep.Table()) {
		return errCycleAborted
	}

	return m.pull(ctx, rt, stats)
}

// drain pushes every ready mutation of the table. Keys are pushed in
// parallel up to the concurrency cap; the mutations of one key go one after
// the other in creation order.
func (m *Manager) drain(ctx context.Context, rt *tableRuntime, stats *cycleStats) error {
	table := rt.rep.Table()

	for {
		keys := m.queue.ReadyKeys(table)
		if len(keys) == 0 {
			return nil
		}

		var (
			g          errgroup.Group
			mu         sync.Mutex
			firstErr   error
			progressed atomic.Bool
		)

		g.SetLimit(m.cfg.DrainConcurrency)

		for _, key := range keys {
			g.Go(func() error {
				n, err := m.drainKey(ctx, rt, key, stats)
				if n > 0 {
					progressed.Store(true)
				}

				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}

				return nil
			})
		}

		_ = g.Wait()

		if firstErr != nil {
			return firstErr
		}

		if !progressed.Load() {
			return nil
		}
	}
}

// drainKey pushes the ready mutations of one key in order and returns how
// many it handled.
func (m *Manager) drainKey(ctx context.Context, rt *tableRuntime, key string, stats *cycleStats) (int, error) {
	table := rt.rep.Table()
	handled := 0

	for {
		if !m.currentKillSwitch().ReplicationEnabled(table) {
			return handled, errCycleAborted
		}

		if err := ctx.Err(); err != nil {
			return handled, err
		}

		mut, ok, err := m.queue.DequeueKey(ctx, table, key)
		if err != nil {
			return handled, err
		}

		if !ok {
			return handled, nil
		}

		handled++

		if err := m.push(ctx, rt, mut, stats); err != nil {
			return handled, err
		}
	}
}

// push sends one mutation and settles it in the queue. Queue bookkeeping
// survives cancellation of ctx so a stopped cycle never leaves a mutation syncing.
func (m *Manager) push(ctx context.Context, rt *tableRuntime, mut mutation.Mutation, stats *cycleStats) error {
	bg := context.WithoutCancel(ctx)

	var local map[string]interface{}
	if entry, ok := m.cache.Peek(mut.Table, mut.TargetKey); ok {
		local = entry.Value
	}

	var out replicator.PushOutcome

	err := ctxutil.RunWithTimeout(ctx, m.cfg.RemoteTimeout, "push "+mut.ID, func(pctx context.Context) error {
		out = rt.rep.PushMutation(pctx, mut, local)

		return out.Err
	})
	if out.Kind == replicator.OutcomeError {
		out.Err = err
	}

	switch out.Kind {
	case replicator.OutcomeApplied:
		if out.Conflict != nil {
			m.recordConflict(*out.Conflict)
		}

		if err := m.queue.MarkApplied(bg, mut.ID, out.NewVersion, out.Value); err != nil {
			return err
		}

		stats.pushed.Add(1)
		m.settle(bg, rt, mut, out, nil)

		return nil

	case replicator.OutcomeConflict:
		rec := m.recordConflict(*out.Conflict)

		if rec.Resolution == conflict.Parked {
			if err := m.queue.Park(bg, mut.ID, rec.Reason); err != nil {
				return err
			}

			m.health.RaiseAlert(health.Alert{
				Severity: health.SeverityWarning,
				Kind:     health.KindConflictParked,
				Table:    mut.Table,
				Message:  fmt.Sprintf("mutation %s on %s/%s parked for review: %s", mut.ID, mut.Table, mut.TargetKey, rec.Reason),
			})

			m.settle(bg, rt, mut, out, &rec)

			return nil
		}

		// the remote value won; the discarded local values are in the conflict log
		if err := m.queue.MarkApplied(bg, mut.ID, out.NewVersion, out.Value); err != nil {
			return err
		}

		m.settle(bg, rt, mut, out, nil)

		return nil
	}

	if ctx.Err() != nil {
		if err := m.queue.Release(bg, mut.ID); err != nil {
			m.log.Warnw("Failed to release mutation", "id", mut.ID, "error", err)
		}

		return ctx.Err()
	}

	if errors.Is(out.Err, remote.ErrOffline) && m.network != nil {
		m.network.Report(false)
	}

	status, err := m.queue.MarkFailed(bg, mut.ID, out.Err)
	if err != nil {
		return err
	}

	if status != mutation.StatusFailed {
		return out.Err
	}

	m.subs.emit(Event{
		Table:      mut.Table,
		Key:        mut.TargetKey,
		MutationID: mut.ID,
		Annotation: AnnotationFailed,
		Source:     SourceLocal,
		Err:        out.Err,
	})
	m.refreshGauges()

	if errors.Is(out.Err, remote.ErrUnauthorized) {
		return out.Err
	}

	return nil
}

// settle brings the cached row to the remote state after a push and tells
// subscribers about the mutation.
func (m *Manager) settle(ctx context.Context, rt *tableRuntime, mut mutation.Mutation, out replicator.PushOutcome, parked *conflict.Record) {
	changed, err := rt.rep.ApplyRemoteChange(ctx, remote.ChangeEvent{
		Table:    mut.Table,
		Key:      mut.TargetKey,
		NewValue: out.Value,
		Version:  out.NewVersion,
		Deleted:  out.Deleted,
	})
	if err != nil {
		m.log.Warnw("Failed to update cache after push", "id", mut.ID, "table", mut.Table, "key", mut.TargetKey, "error", err)
	}

	if parked != nil {
		m.subs.emit(Event{
			Table:      mut.Table,
			Key:        mut.TargetKey,
			Value:      out.Value,
			Version:    out.NewVersion,
			Deleted:    out.Deleted,
			MutationID: mut.ID,
			Annotation: AnnotationConflict,
			Source:     SourceLocal,
			Conflict:   parked,
		})

		return
	}

	if changed {
		return
	}

	m.subs.emit(Event{
		Table:      mut.Table,
		Key:        mut.TargetKey,
		Value:      out.Value,
		Version:    out.NewVersion,
		Deleted:    out.Deleted,
		MutationID: mut.ID,
		Annotation: m.annotationFor(mut.Table, mut.TargetKey),
		Source:     SourceLocal,
	})
}

func (m *Manager) recordConflict(rec conflict.Record) conflict.Record {
	stored := m.conflicts.Append(rec)

	metrics.RecordConflict(rec.Table, string(rec.Resolution))
	m.log.Infow("Conflict resolved",
		"table", rec.Table,
		"key", rec.Key,
		"mutation", rec.MutationID,
		"resolution", rec.Resolution,
		"discarded", len(rec.Discarded),
	)

	return stored
}

// pull applies the remote changes of the table and stores the new cursor.
func (m *Manager) pull(ctx context.Context, rt *tableRuntime, stats *cycleStats) error {
	table := rt.rep.Table()
	state := m.states.Get(table)

	var res replicator.PullResult

	err := ctxutil.RunWithTimeout(ctx, m.cfg.PullTimeout, "pull "+table, func(pctx context.Context) error {
		var err error
		res, err = rt.rep.PullIncremental(pctx, state)

		return err
	})
	if err != nil {
		if errors.Is(err, remote.ErrOffline) && m.network != nil {
			m.network.Report(false)
		}

		return err
	}

	now := m.cfg.Now()
	state.Table = table
	state.Cursor = res.NewCursor

	if res.FullResync {
		state.LastFullSyncAt = now
	} else {
		state.LastIncrementalSyncAt = now
	}

	if err := m.states.Save(context.WithoutCancel(ctx), state); err != nil {
		return err
	}

	stats.pulled.Add(int64(res.Applied))

	return nil
}

// scheduleRetry wakes the table when its earliest backed-off mutation becomes ready.
func (m *Manager) scheduleRetry(table string, rt *tableRuntime) {
	at, ok := m.queue.NextAttemptAt(table)
	if !ok {
		return
	}

	delay := at.Sub(m.cfg.Now())
	if delay < m.cfg.CyclePolicy.InitialInterval {
		delay = m.cfg.CyclePolicy.InitialInterval
	}

	rt.retryMu.Lock()
	defer rt.retryMu.Unlock()

	if rt.retryTimer != nil {
		rt.retryTimer.Stop()
	}

	rt.retryTimer = time.AfterFunc(delay, func() { m.kick("mutation retry", table) })
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
