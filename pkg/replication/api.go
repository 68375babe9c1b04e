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
	"time"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/trialsync/pkg/cache"
	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/ctxutil"
	"github.com/united-manufacturing-hub/trialsync/pkg/health"
	"github.com/united-manufacturing-hub/trialsync/pkg/killswitch"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/replicator"
	"github.com/united-manufacturing-hub/trialsync/pkg/syncstate"
)

// TableStatus is the sync status of one table as shown to operators.
type TableStatus struct {
	LastErrorAt   time.Time           `json:"lastErrorAt,omitempty"`
	LastSuccessAt time.Time           `json:"lastSuccessAt,omitempty"`
	SyncState     syncstate.SyncState `json:"syncState"`
	Table         string              `json:"table"`
	State         string              `json:"state"`
	LastError     string              `json:"lastError,omitempty"`
	Attempts      int                 `json:"attempts"`
	Cached        int                 `json:"cached"`
	Enabled       bool                `json:"enabled"`
	Realtime      bool                `json:"realtime"`
	Fallback      bool                `json:"fallback"`
}

type filtered interface {
	Filter() map[string]interface{}
}

// Read returns the local view of a row. It never waits for the network
// unless the kill switch disabled replication for the table.
func (m *Manager) Read(ctx context.Context, table, key string) (map[string]interface{}, bool, error) {
	if _, err := m.runtime(table); err != nil {
		return nil, false, err
	}

	if !m.currentKillSwitch().ReplicationEnabled(table) {
		return m.readRemote(ctx, table, key)
	}

	entry, ok := m.cache.Get(table, key)
	if !ok {
		return nil, false, nil
	}

	return entry.Value, true, nil
}

// Query returns the rows of the local view accepted by predicate, ordered by
// key. A nil predicate returns every row.
func (m *Manager) Query(ctx context.Context, table string, predicate func(Item) bool) ([]Item, error) {
	rt, err := m.runtime(table)
	if err != nil {
		return nil, err
	}

	if !m.currentKillSwitch().ReplicationEnabled(table) {
		return m.queryRemote(ctx, rt, predicate)
	}

	entries := m.cache.Query(table, nil)
	out := make([]Item, 0, len(entries))

	for _, e := range entries {
		item := Item{
			Key:        e.Key,
			Value:      e.Value,
			Version:    e.Version,
			Annotation: m.annotationFor(table, e.Key),
		}

		if predicate == nil || predicate(item) {
			out = append(out, item)
		}
	}

	return out, nil
}

// Write merges patch into a row and queues the change. The local view is
// updated before Write returns; the remote catches up in the background.
// A row the device does not know yet is inserted with patch as its value.
func (m *Manager) Write(ctx context.Context, table, key string, patch map[string]interface{}) (string, error) {
	return m.mutate(ctx, table, key, remote.OpUpdate, patch)
}

// Delete queues the deletion of a row and removes it from the local view.
func (m *Manager) Delete(ctx context.Context, table, key string) (string, error) {
	return m.mutate(ctx, table, key, remote.OpDelete, nil)
}

func (m *Manager) mutate(ctx context.Context, table, key string, op remote.Operation, patch map[string]interface{}) (string, error) {
	rt, err := m.runtime(table)
	if err != nil {
		return "", err
	}

	if key == "" {
		return "", fmt.Errorf("%w: empty key", mutation.ErrInvalidMutation)
	}

	ks := m.currentKillSwitch()

	if !ks.ReplicationEnabled(table) {
		return m.writeRemote(ctx, rt, key, op, patch, false)
	}

	if !ks.FeatureEnabled(killswitch.FeatureOfflineMutations) && len(m.queue.PendingFor(table, key)) == 0 {
		return m.writeRemote(ctx, rt, key, op, patch, true)
	}

	id, err := m.enqueue(ctx, rt, key, op, patch)
	if err != nil {
		return "", err
	}

	m.subs.emit(m.localEvent(table, key, id))
	m.refreshGauges()
	m.kick("local write", table)

	return id, nil
}

// enqueue queues the mutation and updates the cached view under the key lock.
func (m *Manager) enqueue(ctx context.Context, rt *tableRuntime, key string, op remote.Operation, patch map[string]interface{}) (string, error) {
	table := rt.rep.Table()

	unlock := m.lockKey(table, key)
	defer unlock()

	entry, cached := m.cache.Peek(table, key)
	pending := m.queue.PendingFor(table, key)

	if op == remote.OpDelete && !cached {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}

	if op == remote.OpUpdate && !cached {
		op = remote.OpInsert
	}

	mut := mutation.Mutation{
		ID:        uuid.NewString(),
		Table:     table,
		TargetKey: key,
		Operation: op,
		Payload:   persistence.DeepCopyValue(patch),
		CreatedAt: m.cfg.Now(),
	}

	switch {
	case len(pending) > 0:
		mut.BaseVersion = pending[0].BaseVersion
		mut.BaseValue = pending[0].BaseValue
	case cached:
		mut.BaseVersion = entry.Version
		mut.BaseValue = entry.Value
	}

	if err := rt.rep.Validate(mut); err != nil {
		return "", err
	}

	id, err := m.queue.Enqueue(ctx, mut)
	if err != nil {
		return "", err
	}

	if op == remote.OpDelete {
		if err := m.cache.Delete(ctx, table, key); err != nil {
			m.log.Warnw("Mutation queued but cached row could not be removed", "id", id, "table", table, "key", key, "error", err)
		}

		return id, nil
	}

	view, _ := replicator.Overlay(entry.Value, []mutation.Mutation{mut})

	err = m.cache.Put(ctx, table, key, view, entry.Version)
	if err != nil && !errors.Is(err, cache.ErrStorageExhausted) {
		m.log.Warnw("Mutation queued but local view could not be updated", "id", id, "table", table, "key", key, "error", err)
	}

	return id, nil
}

func (m *Manager) localEvent(table, key, id string) Event {
	e := Event{
		Table:      table,
		Key:        key,
		MutationID: id,
		Annotation: AnnotationPending,
		Source:     SourceLocal,
	}

	if entry, ok := m.cache.Peek(table, key); ok {
		e.Value = entry.Value
		e.Version = entry.Version
	} else {
		e.Deleted = true
	}

	return e
}

func (m *Manager) readRemote(ctx context.Context, table, key string) (map[string]interface{}, bool, error) {
	var (
		row   remote.Row
		found bool
	)

	err := ctxutil.RunWithTimeout(ctx, m.cfg.RemoteTimeout, "read "+table+"/"+key, func(rctx context.Context) error {
		var err error
		row, found, err = m.cfg.Backend.Get(rctx, table, key)

		return err
	})
	if err != nil {
		return nil, false, err
	}

	if !found || row.Deleted {
		return nil, false, nil
	}

	return row.Value, true, nil
}

func (m *Manager) queryRemote(ctx context.Context, rt *tableRuntime, predicate func(Item) bool) ([]Item, error) {
	req := remote.FetchRequest{
		Table: rt.rep.Table(),
		Full:  true,
		Limit: constants.DefaultPageSize,
	}

	if f, ok := rt.rep.(filtered); ok {
		req.Filter = f.Filter()
	}

	var out []Item

	for {
		var page remote.FetchResponse

		err := ctxutil.RunWithTimeout(ctx, m.cfg.RemoteTimeout, "query "+req.Table, func(rctx context.Context) error {
			var err error
			page, err = m.cfg.Backend.Fetch(rctx, req)

			return err
		})
		if err != nil {
			return nil, err
		}

		for _, row := range page.Rows {
			if row.Deleted {
				continue
			}

			item := Item{Key: row.Key, Value: row.Value, Version: row.Version, Annotation: AnnotationSynced}
			if predicate == nil || predicate(item) {
				out = append(out, item)
			}
		}

		if !page.HasMore || page.NextPageToken == "" {
			return out, nil
		}

		req.PageToken = page.NextPageToken
	}
}

// writeRemote applies a write directly. With cached set the confirmed row is
// stored in the cache; otherwise the cache is not touched at all.
func (m *Manager) writeRemote(ctx context.Context, rt *tableRuntime, key string, op remote.Operation, patch map[string]interface{}, cached bool) (string, error) {
	table := rt.rep.Table()

	var (
		row   remote.Row
		found bool
	)

	err := ctxutil.RunWithTimeout(ctx, m.cfg.RemoteTimeout, "read "+table+"/"+key, func(rctx context.Context) error {
		var err error
		row, found, err = m.cfg.Backend.Get(rctx, table, key)

		return err
	})
	if err != nil {
		return "", err
	}

	live := found && !row.Deleted

	switch {
	case op == remote.OpDelete && !live:
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	case op == remote.OpUpdate && !live:
		op = remote.OpInsert
	}

	mut := mutation.Mutation{
		ID:          uuid.NewString(),
		Table:       table,
		TargetKey:   key,
		Operation:   op,
		Payload:     persistence.DeepCopyValue(patch),
		BaseVersion: row.Version,
		BaseValue:   row.Value,
		CreatedAt:   m.cfg.Now(),
	}

	if err := rt.rep.Validate(mut); err != nil {
		return "", err
	}

	var resp remote.ApplyResponse

	err = ctxutil.RunWithTimeout(ctx, m.cfg.RemoteTimeout, "write "+table+"/"+key, func(rctx context.Context) error {
		var err error
		resp, err = m.cfg.Backend.Apply(rctx, remote.ApplyRequest{
			Table:          table,
			Key:            key,
			Operation:      mut.Operation,
			Payload:        mut.Payload,
			BasedOnVersion: mut.BaseVersion,
			MutationID:     mut.ID,
		})

		return err
	})
	if err != nil {
		return "", err
	}

	if cached {
		if _, err := rt.rep.ApplyRemoteChange(ctx, remote.ChangeEvent{
			Table:     table,
			Key:       key,
			NewValue:  resp.Row.Value,
			Version:   resp.NewVersion,
			Deleted:   resp.Row.Deleted,
			UpdatedAt: resp.Row.UpdatedAt,
		}); err != nil {
			m.log.Warnw("Write applied remotely but cache update failed", "table", table, "key", key, "error", err)
		}
	}

	return mut.ID, nil
}

// Subscribe registers cb for changes of table. An empty table subscribes to every table.
func (m *Manager) Subscribe(table string, cb func(Event)) SubscriptionID {
	return m.subs.add(table, cb)
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(id SubscriptionID) {
	m.subs.remove(id)
}

// GetSyncState returns the persisted sync progress of table.
func (m *Manager) GetSyncState(table string) (syncstate.SyncState, error) {
	if _, err := m.runtime(table); err != nil {
		return syncstate.SyncState{}, err
	}

	return m.states.Get(table), nil
}

// GetTableStatus returns the state machine, sync progress and feed status of table.
func (m *Manager) GetTableStatus(table string) (TableStatus, error) {
	rt, err := m.runtime(table)
	if err != nil {
		return TableStatus{}, err
	}

	machine := rt.machine.Status()
	status := TableStatus{
		Table:         table,
		State:         machine.State,
		Attempts:      machine.Attempts,
		LastErrorAt:   machine.LastErrorAt,
		LastSuccessAt: machine.LastSuccessAt,
		SyncState:     m.states.Get(table),
		Cached:        m.cache.Len(table),
		Enabled:       m.currentKillSwitch().ReplicationEnabled(table),
		Fallback:      rt.fallback.Load(),
	}

	if machine.LastError != nil {
		status.LastError = machine.LastError.Error()
	}

	if m.bridge != nil {
		status.Realtime = m.bridge.IsLive(table)
	}

	return status, nil
}

// GetHealthMetrics refreshes the queue and storage figures and returns a snapshot.
func (m *Manager) GetHealthMetrics() health.HealthMetric {
	m.refreshGauges()

	return m.health.GetHealthMetrics()
}

// LogHealthReport logs the human-readable health report and returns it.
func (m *Manager) LogHealthReport() string {
	m.refreshGauges()

	report := m.health.Report()
	m.log.Infof("Replication health report:\n%s", report)

	return report
}

// GetPendingMutations returns the pending and syncing mutations in creation order.
func (m *Manager) GetPendingMutations() []mutation.Mutation {
	return m.queue.PendingItems()
}

// GetFailedMutations returns the failed and parked mutations.
func (m *Manager) GetFailedMutations() []mutation.Mutation {
	return m.queue.FailedItems()
}

// GetDeadLetters returns the dead-lettered mutations.
func (m *Manager) GetDeadLetters() []mutation.Mutation {
	return m.queue.DeadLetters()
}

// RetryFailedMutation requeues a failed or parked mutation and schedules a sync.
func (m *Manager) RetryFailedMutation(ctx context.Context, id string) error {
	mut, ok := m.queue.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", mutation.ErrUnknownMutation, id)
	}

	if err := m.queue.RetryFailed(ctx, id); err != nil {
		return err
	}

	m.log.Infow("Mutation retried on request", "id", id, "table", mut.Table, "key", mut.TargetKey)
	m.refreshGauges()
	m.kick("manual retry", mut.Table)

	return nil
}

// AcknowledgeMutation discards a failed, parked or dead-lettered mutation.
// The local view of the row is reloaded from the remote so the discarded
// change no longer shows.
func (m *Manager) AcknowledgeMutation(ctx context.Context, id string) error {
	mut, ok := m.queue.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", mutation.ErrUnknownMutation, id)
	}

	if err := m.queue.Acknowledge(ctx, id); err != nil {
		return err
	}

	m.refreshGauges()

	if err := m.refreshKey(ctx, mut.Table, mut.TargetKey); err != nil {
		m.log.Warnw("Mutation acknowledged but row could not be reloaded", "id", id, "table", mut.Table, "key", mut.TargetKey, "error", err)
	}

	return nil
}

// refreshKey replaces the cached row with the remote row plus the key's
// remaining pending mutations.
func (m *Manager) refreshKey(ctx context.Context, table, key string) error {
	if _, err := m.runtime(table); err != nil {
		return err
	}

	if !m.currentKillSwitch().ReplicationEnabled(table) {
		return nil
	}

	var (
		row   remote.Row
		found bool
	)

	err := ctxutil.RunWithTimeout(ctx, m.cfg.RemoteTimeout, "read "+table+"/"+key, func(rctx context.Context) error {
		var err error
		row, found, err = m.cfg.Backend.Get(rctx, table, key)

		return err
	})
	if err != nil {
		return err
	}

	unlock := m.lockKey(table, key)
	pending := m.queue.PendingFor(table, key)

	value, deleted := replicator.Overlay(row.Value, pending)
	if !found || (row.Deleted && len(pending) == 0) {
		deleted = true
	}

	if deleted {
		err = m.cache.Delete(ctx, table, key)
	} else {
		err = m.cache.PutSynced(ctx, table, key, value, row.Version)
		if errors.Is(err, cache.ErrStorageExhausted) {
			err = nil
		}
	}
	unlock()

	if err != nil {
		return err
	}

	m.subs.emit(Event{
		Table:      table,
		Key:        key,
		Value:      value,
		Version:    row.Version,
		Deleted:    deleted,
		Annotation: m.annotationFor(table, key),
		Source:     SourceRemote,
	})

	return nil
}

// ConflictLog returns the conflicts resolved during this session, oldest first.
func (m *Manager) ConflictLog() []conflict.Record {
	return m.conflicts.Records()
}

// Alerts returns the n most recent health alerts, newest first.
func (m *Manager) Alerts(n int) []health.Alert {
	return m.health.RecentAlerts(n)
}
