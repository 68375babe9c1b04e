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

// Package replicator moves rows of one table between the remote backend and
// the local cache.
//
// Every table is served by a TableReplicator. The shared algorithm lives in
// Base; the per-entity variants only declare their Definition: structural
// fields, required fields, page size and the scope filter.
//
// Remote rows never overwrite a newer cached version, and rows with pending
// local mutations keep showing the user's pending values on top of the
// remote value until the queue drains.
package replicator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/cache"
	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/syncstate"
)

// TableReplicator is what the replication manager needs from a table.
type TableReplicator interface {
	Table() string
	StructuralFields() []string

	// Validate rejects a local write before it is queued.
	Validate(m mutation.Mutation) error

	// PullIncremental applies remote changes after state.Cursor. An empty or
	// expired cursor turns into a full resync.
	PullIncremental(ctx context.Context, state syncstate.SyncState) (PullResult, error)

	// FullResync replaces the cached table with a paged snapshot.
	FullResync(ctx context.Context) (PullResult, error)

	// PushMutation writes m to the remote. local is the value the device shows.
	PushMutation(ctx context.Context, m mutation.Mutation, local map[string]interface{}) PushOutcome

	// ApplyRemoteChange applies one pushed change. Stale events return false.
	ApplyRemoteChange(ctx context.Context, event remote.ChangeEvent) (bool, error)
}

// PullResult summarizes one pull.
type PullResult struct {
	NewCursor  string
	Received   int
	Applied    int
	Removed    int
	Pages      int
	FullResync bool
}

// OutcomeKind classifies a push.
type OutcomeKind string

const (
	// OutcomeApplied means the remote holds the mutation's effect. Conflict
	// is set when the written value was resolved first.
	OutcomeApplied OutcomeKind = "applied"
	// OutcomeConflict means nothing was written: the remote value won or the
	// mutation was parked. Conflict is always set.
	OutcomeConflict OutcomeKind = "conflict"
	// OutcomeError means the push failed; Err carries the categorized cause.
	OutcomeError OutcomeKind = "error"
)

// PushOutcome is the tagged result of PushMutation.
type PushOutcome struct {
	Err      error
	Conflict *conflict.Record
	// Value and NewVersion describe the remote row after the push.
	Value      map[string]interface{}
	Kind       OutcomeKind
	NewVersion int64
	Deleted    bool
}

// PendingSource exposes the queued mutations of a key.
type PendingSource interface {
	PendingFor(table, key string) []mutation.Mutation
}

// ChangeNotice reports a cache change made by a replicator.
type ChangeNotice struct {
	Table   string
	Key     string
	Value   map[string]interface{}
	Version int64
	Deleted bool
}

// Deps are the collaborators shared by every replicator.
type Deps struct {
	Backend remote.Backend
	Cache   *cache.Store
	Pending PendingSource
	// Notify is called after every cache change, outside the key lock. It must not block.
	Notify func(ChangeNotice)
	// KeyLock serializes cache updates of one row with local writes to it.
	// nil means no locking.
	KeyLock func(table, key string) (unlock func())
	Logger  *zap.SugaredLogger
}

// ErrMissingField is returned by Validate for inserts without a required field.
var ErrMissingField = errors.New("required field missing")

// Definition declares a table.
type Definition struct {
	// Filter scopes the rows the device keeps, e.g. to its active trials.
	Filter   map[string]interface{}
	Table    string
	PageSize int
	// Structural fields are remote-authoritative in conflicts.
	Structural []string
	// Required fields must be present in an insert payload.
	Required []string
}

// Base implements TableReplicator for any Definition.
type Base struct {
	deps Deps
	log  *zap.SugaredLogger
	def  Definition
}

var _ TableReplicator = (*Base)(nil)

// NewBase creates a replicator for def.
func NewBase(def Definition, deps Deps) *Base {
	if def.PageSize <= 0 {
		def.PageSize = constants.DefaultPageSize
	}

	return &Base{
		def:  def,
		deps: deps,
		log:  logger.OrFor(deps.Logger, logger.ComponentReplicator).With("table", def.Table),
	}
}

func (b *Base) Table() string {
	return b.def.Table
}

func (b *Base) StructuralFields() []string {
	return append([]string(nil), b.def.Structural...)
}

// Filter returns the scope filter.
func (b *Base) Filter() map[string]interface{} {
	return b.def.Filter
}

func (b *Base) Validate(m mutation.Mutation) error {
	if m.Table != b.def.Table {
		return backoff.NewPermanentError(fmt.Errorf("mutation for %s routed to %s", m.Table, b.def.Table))
	}

	if m.Operation != remote.OpInsert {
		return nil
	}

	for _, field := range b.def.Required {
		if v, ok := m.Payload[field]; !ok || v == nil {
			return backoff.NewPermanentError(fmt.Errorf("%w: %s.%s", ErrMissingField, b.def.Table, field))
		}
	}

	return nil
}

func (b *Base) PullIncremental(ctx context.Context, state syncstate.SyncState) (PullResult, error) {
	if state.NeedsFullResync() {
		return b.FullResync(ctx)
	}

	result := PullResult{NewCursor: state.Cursor}

	for {
		resp, err := b.deps.Backend.Fetch(ctx, remote.FetchRequest{
			Table:  b.def.Table,
			Filter: b.def.Filter,
			Cursor: result.NewCursor,
			Limit:  b.def.PageSize,
		})
		if errors.Is(err, remote.ErrCursorExpired) {
			b.log.Infow("Cursor expired, falling back to full resync", "cursor", result.NewCursor)

			return b.FullResync(ctx)
		}

		if err != nil {
			return result, fmt.Errorf("failed to pull %s: %w", b.def.Table, err)
		}

		result.Pages++
		result.Received += len(resp.Rows)

		for _, row := range resp.Rows {
			applied, err := b.applyRow(ctx, row)
			if err != nil {
				return result, err
			}

			if applied {
				result.Applied++
			}
		}

		if resp.NextCursor != "" {
			result.NewCursor = resp.NextCursor
		}

		if !resp.HasMore {
			return result, nil
		}
	}
}

// FullResync streams the table page by page. The cursor of the first page
// is kept so changes made while paging are pulled again next time. Cached
// rows missing from the snapshot are dropped unless a mutation pins them.
func (b *Base) FullResync(ctx context.Context) (PullResult, error) {
	result := PullResult{FullResync: true}
	seen := make(map[string]struct{})
	pageToken := ""

	for {
		resp, err := b.deps.Backend.Fetch(ctx, remote.FetchRequest{
			Table:     b.def.Table,
			Filter:    b.def.Filter,
			Full:      true,
			PageToken: pageToken,
			Limit:     b.def.PageSize,
		})
		if err != nil {
			return result, fmt.Errorf("failed to fetch %s snapshot page %d: %w", b.def.Table, result.Pages+1, err)
		}

		if result.Pages == 0 {
			result.NewCursor = resp.NextCursor
		}

		result.Pages++
		result.Received += len(resp.Rows)

		for _, row := range resp.Rows {
			seen[row.Key] = struct{}{}

			applied, err := b.applyRow(ctx, row)
			if err != nil {
				return result, err
			}

			if applied {
				result.Applied++
			}
		}

		if !resp.HasMore || resp.NextPageToken == "" {
			break
		}

		pageToken = resp.NextPageToken
	}

	for _, key := range b.deps.Cache.Keys(b.def.Table) {
		if _, ok := seen[key]; ok {
			continue
		}

		removed, err := b.prune(ctx, key)
		if err != nil {
			return result, err
		}

		if removed {
			result.Removed++
			b.notify(ChangeNotice{Table: b.def.Table, Key: key, Deleted: true})
		}
	}

	b.log.Debugw("Full resync finished", "pages", result.Pages, "rows", result.Received, "applied", result.Applied, "removed", result.Removed)

	return result, nil
}

func (b *Base) PushMutation(ctx context.Context, m mutation.Mutation, local map[string]interface{}) PushOutcome {
	current, found, err := b.deps.Backend.Get(ctx, m.Table, m.TargetKey)
	if err != nil {
		return PushOutcome{Kind: OutcomeError, Err: fmt.Errorf("failed to read %s/%s before push: %w", m.Table, m.TargetKey, err)}
	}

	if found && current.LastMutationID == m.ID {
		return PushOutcome{Kind: OutcomeApplied, NewVersion: current.Version, Value: current.Value, Deleted: current.Deleted}
	}

	req := remote.ApplyRequest{
		Table:          m.Table,
		Key:            m.TargetKey,
		Operation:      m.Operation,
		Payload:        m.Payload,
		BasedOnVersion: m.BaseVersion,
		MutationID:     m.ID,
	}

	var record *conflict.Record

	if found && b.conflicts(current, m) {
		rec := conflict.Resolve(local, current, m, b.def.Structural)
		record = &rec

		if !rec.NeedsWrite() {
			return PushOutcome{
				Kind:       OutcomeConflict,
				Conflict:   record,
				NewVersion: current.Version,
				Value:      current.Value,
				Deleted:    current.Deleted,
			}
		}

		req.BasedOnVersion = current.Version

		if m.Operation != remote.OpDelete {
			req.Payload = rec.MergedValue

			if !current.Deleted {
				req.Operation = remote.OpUpdate
			}
		}
	}

	resp, err := b.deps.Backend.Apply(ctx, req)
	if err != nil {
		if errors.Is(err, remote.ErrConflict) {
			// the row moved between Get and Apply; the next attempt resolves against it
			return PushOutcome{Kind: OutcomeError, Err: backoff.NewTransientError(fmt.Errorf("push %s raced a remote write: %w", m.ID, err))}
		}

		return PushOutcome{Kind: OutcomeError, Err: fmt.Errorf("failed to push %s: %w", m.ID, err)}
	}

	return PushOutcome{
		Kind:       OutcomeApplied,
		Conflict:   record,
		NewVersion: resp.NewVersion,
		Value:      resp.Row.Value,
		Deleted:    resp.Row.Deleted,
	}
}

// conflicts reports whether the remote row moved past the mutation's base.
func (b *Base) conflicts(current remote.Row, m mutation.Mutation) bool {
	if current.Version > m.BaseVersion {
		return true
	}

	return m.Operation == remote.OpInsert && !current.Deleted && current.Version > 0
}

func (b *Base) ApplyRemoteChange(ctx context.Context, event remote.ChangeEvent) (bool, error) {
	if event.Table != "" && event.Table != b.def.Table {
		return false, nil
	}

	return b.applyRow(ctx, remote.Row{
		Key:       event.Key,
		Value:     event.NewValue,
		Version:   event.Version,
		UpdatedAt: event.UpdatedAt,
		Deleted:   event.Deleted,
	})
}

// ApplyRow writes a remote row into the cache. It is used after a push to
// store the confirmed row.
func (b *Base) ApplyRow(ctx context.Context, row remote.Row) (bool, error) {
	return b.applyRow(ctx, row)
}

func (b *Base) applyRow(ctx context.Context, row remote.Row) (bool, error) {
	unlock := b.lock(row.Key)
	notice, err := b.applyRowLocked(ctx, row)
	unlock()

	if err != nil || notice == nil {
		return false, err
	}

	b.notify(*notice)

	return true, nil
}

func (b *Base) applyRowLocked(ctx context.Context, row remote.Row) (*ChangeNotice, error) {
	entry, cached := b.deps.Cache.Peek(b.def.Table, row.Key)
	if cached && row.Version <= entry.Version {
		return nil, nil
	}

	pending := b.pending(row.Key)

	if row.Deleted || !remote.MatchesFilter(row.Value, b.def.Filter) {
		if !cached || len(pending) > 0 {
			return nil, nil
		}

		if err := b.deps.Cache.Delete(ctx, b.def.Table, row.Key); err != nil {
			return nil, err
		}

		return &ChangeNotice{Table: b.def.Table, Key: row.Key, Version: row.Version, Deleted: true}, nil
	}

	value, deleted := Overlay(row.Value, pending)
	if deleted {
		return nil, nil
	}

	err := b.deps.Cache.PutSynced(ctx, b.def.Table, row.Key, value, row.Version)
	if err != nil && !errors.Is(err, cache.ErrStorageExhausted) {
		return nil, err
	}

	return &ChangeNotice{Table: b.def.Table, Key: row.Key, Value: value, Version: row.Version}, nil
}

// prune drops a key the snapshot no longer contains unless a mutation pins it.
func (b *Base) prune(ctx context.Context, key string) (bool, error) {
	unlock := b.lock(key)
	defer unlock()

	if len(b.pending(key)) > 0 {
		return false, nil
	}

	if err := b.deps.Cache.Delete(ctx, b.def.Table, key); err != nil {
		return false, err
	}

	return true, nil
}

func (b *Base) lock(key string) func() {
	if b.deps.KeyLock == nil {
		return func() {}
	}

	return b.deps.KeyLock(b.def.Table, key)
}

func (b *Base) pending(key string) []mutation.Mutation {
	if b.deps.Pending == nil {
		return nil
	}

	return b.deps.Pending.PendingFor(b.def.Table, key)
}

func (b *Base) notify(n ChangeNotice) {
	if b.deps.Notify != nil {
		b.deps.Notify(n)
	}
}

// Overlay applies pending mutations, oldest first, on top of a remote value.
// deleted is true when the last pending mutation deletes the row.
func Overlay(value map[string]interface{}, pending []mutation.Mutation) (out map[string]interface{}, deleted bool) {
	out = persistence.DeepCopyValue(value)

	for _, m := range pending {
		switch m.Operation {
		case remote.OpDelete:
			deleted = true
		case remote.OpInsert:
			out = persistence.DeepCopyValue(m.Payload)
			deleted = false
		case remote.OpUpdate:
			if out == nil {
				out = make(map[string]interface{}, len(m.Payload))
			}

			for k, v := range persistence.DeepCopyValue(m.Payload) {
				out[k] = v
			}

			deleted = false
		}
	}

	return out, deleted
}
