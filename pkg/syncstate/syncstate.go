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

// Package syncstate persists how far each table has been synchronized and
// the version of the local storage layout.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
)

const (
	syncStatePrefix = "sync_"
	schemaDocID     = "schema"
)

// SyncState tracks incremental sync progress of one table.
// An empty Cursor forces a full resync.
type SyncState struct {
	Table                 string    `json:"table"`
	LastFullSyncAt        time.Time `json:"lastFullSyncAt"`
	LastIncrementalSyncAt time.Time `json:"lastIncrementalSyncAt"`
	Cursor                string    `json:"cursor,omitempty"`
}

// NeedsFullResync reports whether the table has no usable cursor.
func (s SyncState) NeedsFullResync() bool {
	return s.Cursor == ""
}

// Store reads and writes sync state in the metadata partition.
type Store struct {
	storage persistence.Store

	mu     sync.RWMutex
	states map[string]SyncState
}

// NewStore creates a Store.
func NewStore(storage persistence.Store) *Store {
	return &Store{storage: storage, states: make(map[string]SyncState)}
}

// Load returns the state of table, reading storage on first use.
// A table never synced returns a zero state with Table set.
func (s *Store) Load(ctx context.Context, table string) (SyncState, error) {
	s.mu.RLock()
	state, ok := s.states[table]
	s.mu.RUnlock()

	if ok {
		return state, nil
	}

	doc, err := s.storage.Get(ctx, constants.MetaCollection, syncStatePrefix+table)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return SyncState{}, fmt.Errorf("failed to load sync state of %s: %w", table, err)
	}

	state = SyncState{Table: table}
	if err == nil {
		state.LastFullSyncAt = persistence.Time(doc, "lastFullSyncAt")
		state.LastIncrementalSyncAt = persistence.Time(doc, "lastIncrementalSyncAt")
		state.Cursor = persistence.String(doc, "cursor")
	}

	s.mu.Lock()
	s.states[table] = state
	s.mu.Unlock()

	return state, nil
}

// Get returns the cached state without touching storage.
func (s *Store) Get(table string) SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[table]
	if !ok {
		return SyncState{Table: table}
	}

	return state
}

// Save persists state.
func (s *Store) Save(ctx context.Context, state SyncState) error {
	doc := persistence.Document{
		"table":                 state.Table,
		"lastFullSyncAt":        persistence.FormatTime(state.LastFullSyncAt),
		"lastIncrementalSyncAt": persistence.FormatTime(state.LastIncrementalSyncAt),
		"cursor":                state.Cursor,
	}

	if err := s.storage.Put(ctx, constants.MetaCollection, syncStatePrefix+state.Table, doc); err != nil {
		return fmt.Errorf("failed to save sync state of %s: %w", state.Table, err)
	}

	s.mu.Lock()
	s.states[state.Table] = state
	s.mu.Unlock()

	return nil
}

// Reset clears the cursor of table so the next cycle does a full resync.
func (s *Store) Reset(ctx context.Context, table string) error {
	state, err := s.Load(ctx, table)
	if err != nil {
		return err
	}

	state.Cursor = ""

	return s.Save(ctx, state)
}
