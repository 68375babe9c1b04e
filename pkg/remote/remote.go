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

// Package remote describes what the replication engine assumes of the remote
// source of truth: a generic CRUD service with cursor-based incremental fetch
// and a push channel of change notifications.
//
// Two implementations live below this package:
//   - httpremote talks to the real service over HTTP and a websocket feed
//   - memremote keeps everything in memory and is used by tests and demos
package remote

import (
	"context"
	"time"
)

// Operation is the kind of write a mutation performs.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Row is one record as the remote stores it.
type Row struct {
	Key       string                 `json:"key"`
	Value     map[string]interface{} `json:"value,omitempty"`
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Deleted   bool                   `json:"deleted,omitempty"`
	// LastMutationID is the id of the mutation that produced this version.
	// It lets a retried push detect that its first attempt already landed.
	LastMutationID string `json:"lastMutationId,omitempty"`
}

// FetchRequest asks for rows of one table.
type FetchRequest struct {
	Table string `json:"table"`
	// Filter restricts rows by field equality or membership (slice values).
	Filter map[string]interface{} `json:"filter,omitempty"`
	// Cursor requests changes after a previous fetch. Empty with Full=false
	// starts a new incremental stream.
	Cursor string `json:"cursor,omitempty"`
	// Full requests a paged snapshot of all live rows.
	Full      bool   `json:"full,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// FetchResponse is one page of rows.
type FetchResponse struct {
	Rows []Row `json:"rows"`
	// NextCursor is the cursor to store after the caller has applied Rows.
	NextCursor    string `json:"nextCursor,omitempty"`
	NextPageToken string `json:"nextPageToken,omitempty"`
	HasMore       bool   `json:"hasMore,omitempty"`
}

// ApplyRequest writes one row.
type ApplyRequest struct {
	Table          string                 `json:"table"`
	Key            string                 `json:"key"`
	Operation      Operation              `json:"operation"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	BasedOnVersion int64                  `json:"basedOnVersion"`
	// MutationID makes the call idempotent. A repeated id returns the first result.
	MutationID string `json:"mutationId"`
}

// ApplyResponse reports the row after a successful write.
type ApplyResponse struct {
	NewVersion int64 `json:"newVersion"`
	Row        Row   `json:"row"`
}

// ChangeEvent is pushed by the remote whenever a row changes.
type ChangeEvent struct {
	Table     string                 `json:"table"`
	Key       string                 `json:"key"`
	NewValue  map[string]interface{} `json:"newValue,omitempty"`
	Version   int64                  `json:"version"`
	Deleted   bool                   `json:"deleted,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Backend is the query and mutate surface of the remote.
type Backend interface {
	// Fetch returns one page of rows. ErrCursorExpired means the caller must do a full fetch.
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)

	// Get returns the current row including tombstones. found is false if the key never existed.
	Get(ctx context.Context, table, key string) (row Row, found bool, err error)

	// Apply writes one row. A stale BasedOnVersion yields a *ConflictError.
	Apply(ctx context.Context, req ApplyRequest) (ApplyResponse, error)
}

// ChangeFeed is the push channel. The returned event channel is closed when
// the subscription ends; the error channel carries the reason if it ended abnormally.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, <-chan error, error)
}

// Pinger is used by the network monitor to probe reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Client bundles everything a complete remote implementation offers.
type Client interface {
	Backend
	ChangeFeed
	Pinger
}

// MatchesFilter reports whether value satisfies an equality/membership filter.
// A slice filter value matches if any element equals the field.
func MatchesFilter(value map[string]interface{}, filter map[string]interface{}) bool {
	for field, want := range filter {
		got, ok := value[field]
		if !ok {
			return false
		}

		switch w := want.(type) {
		case []string:
			if !containsString(w, got) {
				return false
			}
		case []interface{}:
			matched := false

			for _, candidate := range w {
				if candidate == got {
					matched = true

					break
				}
			}

			if !matched {
				return false
			}
		default:
			if got != want {
				return false
			}
		}
	}

	return true
}

func containsString(list []string, v interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}

	return false
}
