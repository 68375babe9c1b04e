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

package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

// InMemoryStore is a thread-safe in-memory document store implementing persistence.Store.
//
// It stores documents in a nested map structure: collections → document IDs → documents.
// Documents are deep-copied on every read and write, so callers never share
// nested maps with the store.
//
// # Quota
//
// WithMaxBytes sets a budget on the encoded size of all documents. Writes that
// would exceed it fail with persistence.ErrQuotaExceeded, which lets tests drive
// the cache's storage-exhaustion path without a real disk.
//
// # Durability
//
// Nothing survives the process. Tests that simulate a restart share one
// InMemoryStore between the "before" and "after" component instances.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]persistence.Document
	sizes       map[string]map[string]int64
	usedBytes   int64
	maxBytes    int64
	closed      bool
}

// Option configures an InMemoryStore.
type Option func(*InMemoryStore)

// WithMaxBytes limits the total encoded size of stored documents. Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(s *InMemoryStore) {
		s.maxBytes = n
	}
}

// NewInMemoryStore creates a new empty in-memory document store.
//
// Example:
//
//	store := memory.NewInMemoryStore()
//	err := store.Put(ctx, "cache_scores", "run-7", persistence.Document{"id": "run-7"})
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		collections: make(map[string]map[string]persistence.Document),
		sizes:       make(map[string]map[string]int64),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func validateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	return ctx.Err()
}

// UsedBytes returns the encoded size of all stored documents.
func (s *InMemoryStore) UsedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usedBytes
}

// CreateCollection creates an empty collection. Existing collections are left untouched.
func (s *InMemoryStore) CreateCollection(ctx context.Context, name string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	if err := persistence.ValidateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	s.ensureLocked(name)

	return nil
}

// DropCollection deletes a collection and all its documents.
func (s *InMemoryStore) DropCollection(ctx context.Context, name string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	for _, size := range s.sizes[name] {
		s.usedBytes -= size
	}

	delete(s.collections, name)
	delete(s.sizes, name)

	return nil
}

// Insert adds a new document. Returns persistence.ErrConflict if the id exists.
func (s *InMemoryStore) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	if err := validateContext(ctx); err != nil {
		return "", err
	}

	id := doc.ID()
	if id == "" {
		return "", persistence.ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", persistence.ErrClosed
	}

	if _, exists := s.collections[collection][id]; exists {
		return "", persistence.ErrConflict
	}

	if err := s.writeLocked(collection, id, doc); err != nil {
		return "", err
	}

	return id, nil
}

// Get retrieves a copy of the document with the given id.
func (s *InMemoryStore) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	doc, exists := s.collections[collection][id]
	if !exists {
		return nil, persistence.ErrNotFound
	}

	return persistence.DeepCopy(doc), nil
}

// Update replaces an existing document. Returns persistence.ErrNotFound if it does not exist.
func (s *InMemoryStore) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	if _, exists := s.collections[collection][id]; !exists {
		return persistence.ErrNotFound
	}

	return s.writeLocked(collection, id, doc)
}

// Put inserts or replaces the document with the given id.
func (s *InMemoryStore) Put(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	if id == "" {
		return persistence.ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	return s.writeLocked(collection, id, doc)
}

// Delete removes a document. Returns persistence.ErrNotFound if it does not exist.
func (s *InMemoryStore) Delete(ctx context.Context, collection string, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	if _, exists := s.collections[collection][id]; !exists {
		return persistence.ErrNotFound
	}

	s.deleteLocked(collection, id)

	return nil
}

// Find returns copies of all documents matching query.
func (s *InMemoryStore) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	coll := s.collections[collection]
	all := make([]persistence.Document, 0, len(coll))

	for _, doc := range coll {
		all = append(all, doc)
	}

	matched := query.Apply(all)
	results := make([]persistence.Document, 0, len(matched))

	for _, doc := range matched {
		results = append(results, persistence.DeepCopy(doc))
	}

	return results, nil
}

// Maintenance is a no-op for the in-memory backend.
func (s *InMemoryStore) Maintenance(ctx context.Context) error {
	return validateContext(ctx)
}

// BeginTx starts a transaction that buffers writes until Commit.
// Reads inside the transaction see its own uncommitted writes.
func (s *InMemoryStore) BeginTx(ctx context.Context) (persistence.Tx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	return &inMemoryTx{
		store:   s,
		changes: make(map[string]map[string]*persistence.Document),
	}, nil
}

// Close marks the store closed. Data is kept so a test can reopen it with Reopen.
func (s *InMemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// Reopen makes a closed store usable again with its data intact, which is how
// tests model a process restart over the same durable storage.
func (s *InMemoryStore) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = false
}

func (s *InMemoryStore) ensureLocked(name string) {
	if _, exists := s.collections[name]; !exists {
		s.collections[name] = make(map[string]persistence.Document)
		s.sizes[name] = make(map[string]int64)
	}
}

func (s *InMemoryStore) writeLocked(collection, id string, doc persistence.Document) error {
	stored := persistence.DeepCopy(doc)
	if stored == nil {
		stored = persistence.Document{}
	}

	stored[persistence.IDField] = id

	size := safejson.Size(stored)
	old := s.sizes[collection][id]

	if s.maxBytes > 0 && s.usedBytes-old+size > s.maxBytes {
		return persistence.ErrQuotaExceeded
	}

	s.ensureLocked(collection)
	s.collections[collection][id] = stored
	s.sizes[collection][id] = size
	s.usedBytes += size - old

	return nil
}

func (s *InMemoryStore) deleteLocked(collection, id string) {
	s.usedBytes -= s.sizes[collection][id]
	delete(s.collections[collection], id)
	delete(s.sizes[collection], id)
}

// inMemoryTx buffers writes per collection. A nil pointer marks a delete.
type inMemoryTx struct {
	store   *InMemoryStore
	changes map[string]map[string]*persistence.Document
	done    bool
	mu      sync.Mutex
}

func (tx *inMemoryTx) CreateCollection(ctx context.Context, name string) error {
	return tx.store.CreateCollection(ctx, name)
}

func (tx *inMemoryTx) DropCollection(ctx context.Context, name string) error {
	return tx.store.DropCollection(ctx, name)
}

func (tx *inMemoryTx) lookup(ctx context.Context, collection, id string) (persistence.Document, bool, error) {
	if pending, ok := tx.changes[collection][id]; ok {
		if pending == nil {
			return nil, false, nil
		}

		return persistence.DeepCopy(*pending), true, nil
	}

	doc, err := tx.store.Get(ctx, collection, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return doc, true, nil
}

func (tx *inMemoryTx) stage(collection, id string, doc *persistence.Document) {
	if _, ok := tx.changes[collection]; !ok {
		tx.changes[collection] = make(map[string]*persistence.Document)
	}

	if doc != nil {
		copied := persistence.DeepCopy(*doc)
		if copied == nil {
			copied = persistence.Document{}
		}

		copied[persistence.IDField] = id
		doc = &copied
	}

	tx.changes[collection][id] = doc
}

func (tx *inMemoryTx) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return "", persistence.ErrClosed
	}

	id := doc.ID()
	if id == "" {
		return "", persistence.ErrMissingID
	}

	_, exists, err := tx.lookup(ctx, collection, id)
	if err != nil {
		return "", err
	}

	if exists {
		return "", persistence.ErrConflict
	}

	tx.stage(collection, id, &doc)

	return id, nil
}

func (tx *inMemoryTx) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return nil, persistence.ErrClosed
	}

	doc, exists, err := tx.lookup(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, persistence.ErrNotFound
	}

	return doc, nil
}

func (tx *inMemoryTx) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return persistence.ErrClosed
	}

	_, exists, err := tx.lookup(ctx, collection, id)
	if err != nil {
		return err
	}

	if !exists {
		return persistence.ErrNotFound
	}

	tx.stage(collection, id, &doc)

	return nil
}

func (tx *inMemoryTx) Put(ctx context.Context, collection string, id string, doc persistence.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return persistence.ErrClosed
	}

	if id == "" {
		return persistence.ErrMissingID
	}

	tx.stage(collection, id, &doc)

	return nil
}

func (tx *inMemoryTx) Delete(ctx context.Context, collection string, id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return persistence.ErrClosed
	}

	_, exists, err := tx.lookup(ctx, collection, id)
	if err != nil {
		return err
	}

	if !exists {
		return persistence.ErrNotFound
	}

	tx.stage(collection, id, nil)

	return nil
}

func (tx *inMemoryTx) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return nil, persistence.ErrClosed
	}

	committed, err := tx.store.Find(ctx, collection, *persistence.NewQuery())
	if err != nil {
		return nil, err
	}

	merged := make([]persistence.Document, 0, len(committed))
	pending := tx.changes[collection]

	for _, doc := range committed {
		if _, overridden := pending[doc.ID()]; overridden {
			continue
		}

		merged = append(merged, doc)
	}

	for _, doc := range pending {
		if doc != nil {
			merged = append(merged, persistence.DeepCopy(*doc))
		}
	}

	return query.Apply(merged), nil
}

func (tx *inMemoryTx) Maintenance(ctx context.Context) error {
	return errors.New("maintenance is not available inside a transaction")
}

func (tx *inMemoryTx) BeginTx(ctx context.Context) (persistence.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (tx *inMemoryTx) Close(ctx context.Context) error {
	return errors.New("cannot close transaction directly, use Commit or Rollback")
}

// Commit applies every buffered write under one store lock. If the quota would
// be exceeded, nothing is applied.
func (tx *inMemoryTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return persistence.ErrClosed
	}

	s := tx.store

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	if s.maxBytes > 0 {
		projected := s.usedBytes

		for collection, changes := range tx.changes {
			for id, doc := range changes {
				projected -= s.sizes[collection][id]
				if doc != nil {
					projected += safejson.Size(*doc)
				}
			}
		}

		if projected > s.maxBytes {
			return persistence.ErrQuotaExceeded
		}
	}

	for collection, changes := range tx.changes {
		for id, doc := range changes {
			if doc == nil {
				s.deleteLocked(collection, id)

				continue
			}

			if err := s.writeLocked(collection, id, *doc); err != nil {
				return err
			}
		}
	}

	tx.done = true

	return nil
}

// Rollback discards buffered writes. Calling it after Commit is a no-op.
func (tx *inMemoryTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.done = true
	tx.changes = make(map[string]map[string]*persistence.Document)

	return nil
}
