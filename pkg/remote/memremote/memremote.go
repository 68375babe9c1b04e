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

// Package memremote is an in-memory remote backend. It versions rows, keeps a
// per-table change sequence that serves as the incremental cursor, applies
// mutations idempotently by mutation id and publishes change events.
//
// Faults can be injected to exercise the engine: going offline, rejecting
// payloads, expiring cursors and failing or dropping subscriptions.
package memremote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
)

const subscriberBuffer = 256

var errSimulatedOutage = errors.New("simulated outage")

type entry struct {
	row remote.Row
	seq int64
}

type table struct {
	rows      map[string]*entry
	seq       int64
	minCursor int64
	applied   map[string]remote.ApplyResponse
}

type subscriber struct {
	events chan remote.ChangeEvent
	errs   chan error
}

// Backend implements remote.Client in memory.
type Backend struct {
	mu sync.Mutex

	tables      map[string]*table
	subscribers map[string]map[*subscriber]struct{}

	offline     bool
	subFailure  error
	validator   func(remote.ApplyRequest) error
	applyCalls  int
	writesTotal int

	now func() time.Time
}

var _ remote.Client = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		tables:      make(map[string]*table),
		subscribers: make(map[string]map[*subscriber]struct{}),
		now:         time.Now,
	}
}

// SetClock replaces the time source used for UpdatedAt.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.now = now
}

// SetOffline makes every call fail with a transient remote.ErrOffline.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.offline = offline
}

// SetValidator installs a hook that can reject applies.
func (b *Backend) SetValidator(v func(remote.ApplyRequest) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.validator = v
}

// FailSubscriptions makes new subscriptions fail with err. nil restores them.
func (b *Backend) FailSubscriptions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subFailure = err
}

// DropSubscriptions ends every open subscription with err.
func (b *Backend) DropSubscriptions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tableName, subs := range b.subscribers {
		for sub := range subs {
			sub.errs <- err

			close(sub.events)
		}

		delete(b.subscribers, tableName)
	}
}

// ExpireCursors drops the change history of table so older cursors become invalid.
func (b *Backend) ExpireCursors(tableName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.table(tableName)
	t.minCursor = t.seq
}

// ApplyCalls returns how many Apply calls reached the backend, including replays.
func (b *Backend) ApplyCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.applyCalls
}

// Writes returns how many writes changed state. Idempotent replays are not counted.
func (b *Backend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.writesTotal
}

// Seed writes a row as another client would, bumping its version and publishing the change.
func (b *Backend) Seed(tableName, key string, value map[string]interface{}) remote.Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.write(tableName, key, persistence.DeepCopyValue(value), false, "")
}

// Patch merges fields into a row as another client would.
func (b *Backend) Patch(tableName, key string, fields map[string]interface{}) remote.Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make(map[string]interface{})

	if e, ok := b.table(tableName).rows[key]; ok {
		merged = persistence.DeepCopyValue(e.row.Value)
	}

	for k, v := range fields {
		merged[k] = v
	}

	return b.write(tableName, key, merged, false, "")
}

// Remove tombstones a row as another client would.
func (b *Backend) Remove(tableName, key string) remote.Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	var value map[string]interface{}
	if e, ok := b.table(tableName).rows[key]; ok {
		value = e.row.Value
	}

	return b.write(tableName, key, value, true, "")
}

// Row returns a copy of the stored row.
func (b *Backend) Row(tableName, key string) (remote.Row, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.table(tableName).rows[key]
	if !ok {
		return remote.Row{}, false
	}

	return copyRow(e.row), true
}

// Len returns the number of live rows in table.
func (b *Backend) Len(tableName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, e := range b.table(tableName).rows {
		if !e.row.Deleted {
			n++
		}
	}

	return n
}

// Ping fails while the backend is offline.
func (b *Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return remote.Offline(errSimulatedOutage)
	}

	return nil
}

// Fetch returns an incremental page after req.Cursor or a snapshot page when req.Full is set.
func (b *Backend) Fetch(ctx context.Context, req remote.FetchRequest) (remote.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return remote.FetchResponse{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return remote.FetchResponse{}, remote.Offline(errSimulatedOutage)
	}

	t := b.table(req.Table)

	if req.Full {
		return b.fetchFull(t, req)
	}

	return b.fetchIncremental(t, req)
}

func (b *Backend) fetchFull(t *table, req remote.FetchRequest) (remote.FetchResponse, error) {
	keys := make([]string, 0, len(t.rows))

	for key, e := range t.rows {
		if e.row.Deleted || !remote.MatchesFilter(e.row.Value, req.Filter) {
			continue
		}

		keys = append(keys, key)
	}

	sort.Strings(keys)

	offset := 0

	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil || n < 0 {
			return remote.FetchResponse{}, remote.Validation(fmt.Sprintf("bad page token %q", req.PageToken))
		}

		offset = n
	}

	end := len(keys)
	if req.Limit > 0 && offset+req.Limit < end {
		end = offset + req.Limit
	}

	resp := remote.FetchResponse{NextCursor: formatCursor(t.seq)}

	for i := offset; i < end; i++ {
		resp.Rows = append(resp.Rows, copyRow(t.rows[keys[i]].row))
	}

	if end < len(keys) {
		resp.HasMore = true
		resp.NextPageToken = strconv.Itoa(end)
	}

	return resp, nil
}

func (b *Backend) fetchIncremental(t *table, req remote.FetchRequest) (remote.FetchResponse, error) {
	after, err := parseCursor(req.Cursor)
	if err != nil {
		return remote.FetchResponse{}, remote.Validation(err.Error())
	}

	if after < t.minCursor {
		return remote.FetchResponse{}, remote.ErrCursorExpired
	}

	changed := make([]*entry, 0)

	for _, e := range t.rows {
		if e.seq > after && remote.MatchesFilter(e.row.Value, req.Filter) {
			changed = append(changed, e)
		}
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	resp := remote.FetchResponse{NextCursor: formatCursor(t.seq)}

	if req.Limit > 0 && len(changed) > req.Limit {
		changed = changed[:req.Limit]
		resp.HasMore = true
		resp.NextCursor = formatCursor(changed[len(changed)-1].seq)
	}

	for _, e := range changed {
		resp.Rows = append(resp.Rows, copyRow(e.row))
	}

	return resp, nil
}

// Get returns the current row including tombstones.
func (b *Backend) Get(ctx context.Context, tableName, key string) (remote.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return remote.Row{}, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return remote.Row{}, false, remote.Offline(errSimulatedOutage)
	}

	e, ok := b.table(tableName).rows[key]
	if !ok {
		return remote.Row{}, false, nil
	}

	return copyRow(e.row), true, nil
}

// Apply writes one row. Repeating a mutation id returns the first result without writing again.
func (b *Backend) Apply(ctx context.Context, req remote.ApplyRequest) (remote.ApplyResponse, error) {
	if err := ctx.Err(); err != nil {
		return remote.ApplyResponse{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.applyCalls++

	if b.offline {
		return remote.ApplyResponse{}, remote.Offline(errSimulatedOutage)
	}

	t := b.table(req.Table)

	if req.MutationID != "" {
		if prev, ok := t.applied[req.MutationID]; ok {
			return prev, nil
		}
	}

	if !req.Operation.Valid() {
		return remote.ApplyResponse{}, remote.Validation(fmt.Sprintf("unknown operation %q", req.Operation))
	}

	if b.validator != nil {
		if err := b.validator(req); err != nil {
			return remote.ApplyResponse{}, err
		}
	}

	existing, exists := t.rows[req.Key]

	var current remote.Row
	if exists {
		current = existing.row
	}

	live := exists && !current.Deleted

	switch req.Operation {
	case remote.OpInsert:
		if live || current.Version != req.BasedOnVersion {
			return remote.ApplyResponse{}, &remote.ConflictError{Current: copyRow(current)}
		}
	case remote.OpUpdate:
		if !exists {
			return remote.ApplyResponse{}, remote.Validation(fmt.Sprintf("%s: %s/%s", remote.ErrNotFound, req.Table, req.Key))
		}

		if current.Version != req.BasedOnVersion {
			return remote.ApplyResponse{}, &remote.ConflictError{Current: copyRow(current)}
		}
	case remote.OpDelete:
		if exists && current.Version != req.BasedOnVersion {
			return remote.ApplyResponse{}, &remote.ConflictError{Current: copyRow(current)}
		}
	}

	var row remote.Row

	switch req.Operation {
	case remote.OpInsert:
		row = b.write(req.Table, req.Key, persistence.DeepCopyValue(req.Payload), false, req.MutationID)
	case remote.OpUpdate:
		merged := persistence.DeepCopyValue(current.Value)
		if merged == nil || current.Deleted {
			merged = make(map[string]interface{})
		}

		for k, v := range req.Payload {
			merged[k] = v
		}

		row = b.write(req.Table, req.Key, merged, false, req.MutationID)
	case remote.OpDelete:
		row = b.write(req.Table, req.Key, current.Value, true, req.MutationID)
	}

	resp := remote.ApplyResponse{NewVersion: row.Version, Row: row}

	if req.MutationID != "" {
		t.applied[req.MutationID] = resp
	}

	return resp, nil
}

// Subscribe opens a change feed for table.
func (b *Backend) Subscribe(ctx context.Context, tableName string) (<-chan remote.ChangeEvent, <-chan error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subFailure != nil {
		return nil, nil, b.subFailure
	}

	if b.offline {
		return nil, nil, remote.Offline(errSimulatedOutage)
	}

	sub := &subscriber{
		events: make(chan remote.ChangeEvent, subscriberBuffer),
		errs:   make(chan error, 1),
	}

	if b.subscribers[tableName] == nil {
		b.subscribers[tableName] = make(map[*subscriber]struct{})
	}

	b.subscribers[tableName][sub] = struct{}{}

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subscribers[tableName][sub]; ok {
			delete(b.subscribers[tableName], sub)
			close(sub.events)
		}
	}()

	return sub.events, sub.errs, nil
}

// table returns the named table, creating it. Callers hold b.mu.
func (b *Backend) table(name string) *table {
	t, ok := b.tables[name]
	if !ok {
		t = &table{
			rows:    make(map[string]*entry),
			applied: make(map[string]remote.ApplyResponse),
		}
		b.tables[name] = t
	}

	return t
}

// write stores a new version of a row and publishes it. Callers hold b.mu.
func (b *Backend) write(tableName, key string, value map[string]interface{}, deleted bool, mutationID string) remote.Row {
	t := b.table(tableName)

	var version int64
	if e, ok := t.rows[key]; ok {
		version = e.row.Version
	}

	t.seq++

	row := remote.Row{
		Key:            key,
		Value:          value,
		Version:        version + 1,
		UpdatedAt:      b.now(),
		Deleted:        deleted,
		LastMutationID: mutationID,
	}

	t.rows[key] = &entry{row: row, seq: t.seq}
	b.writesTotal++

	event := remote.ChangeEvent{
		Table:     tableName,
		Key:       key,
		NewValue:  persistence.DeepCopyValue(value),
		Version:   row.Version,
		Deleted:   deleted,
		UpdatedAt: row.UpdatedAt,
	}

	for sub := range b.subscribers[tableName] {
		select {
		case sub.events <- event:
		default:
		}
	}

	return copyRow(row)
}

func copyRow(r remote.Row) remote.Row {
	r.Value = persistence.DeepCopyValue(r.Value)

	return r
}

func formatCursor(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad cursor %q: %w", cursor, err)
	}

	return n, nil
}
