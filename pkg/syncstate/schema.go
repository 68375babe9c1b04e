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

package syncstate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
)

// ErrSchemaTooNew is returned when storage was written by a newer release.
var ErrSchemaTooNew = errors.New("local storage was written by a newer version")

// Migration upgrades the local layout to Version.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, storage persistence.Store, tables []string) error
}

// Migrations returns the migrations of the local layout in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial layout",
			Apply: func(ctx context.Context, storage persistence.Store, _ []string) error {
				for _, name := range []string{constants.MutationCollection, constants.DeadLetterCollection, constants.MetaCollection} {
					if err := storage.CreateCollection(ctx, name); err != nil {
						return err
					}
				}

				return nil
			},
		},
		{
			// cache entries gained size and access bookkeeping; rebuild them from the remote
			Version: 2,
			Name:    "rebuild caches with size accounting",
			Apply: func(ctx context.Context, storage persistence.Store, tables []string) error {
				for _, table := range tables {
					if err := storage.DropCollection(ctx, constants.CacheCollectionPrefix+table); err != nil {
						return err
					}

					if err := storage.Delete(ctx, constants.MetaCollection, syncStatePrefix+table); err != nil && !errors.Is(err, persistence.ErrNotFound) {
						return err
					}
				}

				return nil
			},
		},
	}
}

// SchemaVersion returns the stored layout version. Fresh storage reports zero.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	doc, err := s.storage.Get(ctx, constants.MetaCollection, schemaDocID)
	if errors.Is(err, persistence.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	return int(persistence.Int64(doc, "version")), nil
}

// Migrate runs every migration newer than the stored version, recording the
// version after each step. Queued mutations are never touched.
func (s *Store) Migrate(ctx context.Context, migrations []Migration, tables []string) (from, to int, err error) {
	from, err = s.SchemaVersion(ctx)
	if err != nil {
		return 0, 0, err
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	latest := 0
	if len(sorted) > 0 {
		latest = sorted[len(sorted)-1].Version
	}

	if from > latest {
		return from, from, fmt.Errorf("%w: stored %d, supported %d", ErrSchemaTooNew, from, latest)
	}

	to = from

	for _, m := range sorted {
		if m.Version <= from {
			continue
		}

		if err := m.Apply(ctx, s.storage, tables); err != nil {
			return from, to, fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}

		if err := s.storage.Put(ctx, constants.MetaCollection, schemaDocID, persistence.Document{"version": int64(m.Version)}); err != nil {
			return from, to, fmt.Errorf("failed to record schema version %d: %w", m.Version, err)
		}

		to = m.Version
	}

	if to != from {
		s.mu.Lock()
		s.states = make(map[string]SyncState)
		s.mu.Unlock()
	}

	return from, to, nil
}
