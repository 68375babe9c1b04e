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
	"sort"
	"sync"

	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
)

// StateAnnotation tells the UI how to render a row or table.
type StateAnnotation string

const (
	// AnnotationSynced means the row matches the last confirmed remote value.
	AnnotationSynced StateAnnotation = "synced"
	// AnnotationPending means local mutations for the row wait for the remote.
	AnnotationPending StateAnnotation = "pending"
	// AnnotationConflict means a mutation was parked for manual review.
	AnnotationConflict StateAnnotation = "conflict"
	// AnnotationFailed means a mutation of the row failed and waits for retry or acknowledgment.
	AnnotationFailed StateAnnotation = "failed"
	// AnnotationSyncError is a table-level event: the last sync cycle ended in error.
	AnnotationSyncError StateAnnotation = "sync-error"
)

// Source tells where a change came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	// SourcePeer marks changes received from another tab of the same device.
	SourcePeer Source = "peer"
)

// Event is delivered to subscribers on every change of a table's local view
// and on every mutation or sync state change that affects it.
type Event struct {
	Err      error
	Conflict *conflict.Record
	Value    map[string]interface{}
	Table    string
	// Key is empty for table-level events.
	Key        string
	MutationID string
	Annotation StateAnnotation
	Source     Source
	Version    int64
	Deleted    bool
}

// Item is a row of the local view.
type Item struct {
	Value      map[string]interface{}
	Key        string
	Annotation StateAnnotation
	Version    int64
}

// SubscriptionID identifies a subscription.
type SubscriptionID uint64

type subscriber struct {
	cb    func(Event)
	table string
}

// subscribers fans events out. Callbacks run on the goroutine that made the
// change, outside every lock of the manager.
type subscribers struct {
	entries map[SubscriptionID]subscriber
	next    SubscriptionID
	mu      sync.RWMutex
}

func newSubscribers() *subscribers {
	return &subscribers{entries: make(map[SubscriptionID]subscriber)}
}

func (s *subscribers) add(table string, cb func(Event)) SubscriptionID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.entries[s.next] = subscriber{table: table, cb: cb}

	return s.next
}

func (s *subscribers) remove(id SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
}

func (s *subscribers) emit(e Event) {
	s.mu.RLock()

	ids := make([]SubscriptionID, 0, len(s.entries))
	for id, sub := range s.entries {
		if sub.table == "" || sub.table == e.Table {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	callbacks := make([]func(Event), len(ids))
	for i, id := range ids {
		callbacks[i] = s.entries[id].cb
	}

	s.mu.RUnlock()

	for _, cb := range callbacks {
		cb(e)
	}
}
