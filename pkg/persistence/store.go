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

// Package persistence defines the durable on-device document store used by the
// replication engine.
//
// All local state lives in one store, partitioned into collections:
//   - one collection per replicated table holding cache entries keyed by the
//     entity's natural key (see pkg/cache)
//   - the mutation queue and its dead-letter partition (see pkg/mutation)
//   - a small metadata partition with per-table sync state and the local
//     schema version (see pkg/syncstate)
//
// Rows are schemaless JSON documents, so the same cache and queue code runs on
// SQLite and on the in-memory backend. Queries are evaluated in process
// (Query.Apply).
package persistence

import (
	"context"
	"errors"
	"regexp"
)

// Document represents a JSON-serializable document stored in a collection.
// Every stored document carries its identifier under the "id" key.
type Document map[string]interface{}

// IDField is the document key holding the document identifier.
const IDField = "id"

// ID returns the document identifier, or "" if it has none.
func (d Document) ID() string {
	id, _ := d[IDField].(string)

	return id
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}

	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}

	return out
}

// Store provides CRUD operations on collections of documents.
//
// Concurrency: All methods are safe for concurrent use.
//
// Error Handling: Methods return errors for:
//   - context.Canceled / context.DeadlineExceeded: operation was cancelled
//   - ErrNotFound: document doesn't exist
//   - ErrConflict: Insert of an existing id
//   - ErrQuotaExceeded: the backend ran out of its storage budget
//   - ErrClosed: the store was closed
type Store interface {
	// CreateCollection creates a collection if it does not exist yet.
	CreateCollection(ctx context.Context, name string) error

	// DropCollection removes a collection and all its documents.
	DropCollection(ctx context.Context, name string) error

	// Insert adds a document. The document must carry a non-empty "id".
	Insert(ctx context.Context, collection string, doc Document) (id string, err error)

	// Get returns the document with the given id.
	Get(ctx context.Context, collection string, id string) (Document, error)

	// Update replaces an existing document.
	Update(ctx context.Context, collection string, id string, doc Document) error

	// Put inserts or replaces the document with the given id.
	Put(ctx context.Context, collection string, id string, doc Document) error

	// Delete removes a document.
	Delete(ctx context.Context, collection string, id string) error

	// Find returns the documents matching query. A missing collection yields no documents.
	Find(ctx context.Context, collection string, query Query) ([]Document, error)

	// Maintenance runs backend housekeeping (checkpoint, optimize).
	Maintenance(ctx context.Context) error

	// BeginTx starts a transaction.
	BeginTx(ctx context.Context) (Tx, error)

	// Close releases the backend.
	Close(ctx context.Context) error
}

// Tx is a Store whose writes become visible atomically on Commit.
type Tx interface {
	Store

	Commit() error

	Rollback() error
}

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = &storeError{msg: "document not found"}

	// ErrConflict is returned when inserting a document whose id already exists.
	ErrConflict = &storeError{msg: "document conflict"}

	// ErrQuotaExceeded is returned when the backend cannot store more data.
	ErrQuotaExceeded = &storeError{msg: "storage quota exceeded"}

	// ErrClosed is returned by operations on a closed store or finished transaction.
	ErrClosed = &storeError{msg: "store is closed"}

	// ErrMissingID is returned when a document has no "id".
	ErrMissingID = errors.New("document must have non-empty 'id' field")
)

type storeError struct {
	msg string
}

func (e *storeError) Error() string {
	return e.msg
}

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateCollectionName rejects names that are not safe to use as a SQL identifier.
func ValidateCollectionName(name string) error {
	if name == "" {
		return errors.New("invalid collection name: cannot be empty")
	}

	if !collectionNamePattern.MatchString(name) {
		return errors.New("invalid collection name: must contain only alphanumeric characters and underscores, and must start with a letter or underscore")
	}

	return nil
}
