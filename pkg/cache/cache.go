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

// Package cache is the local cache store: one partition per replicated table,
// each holding the last known value of a row keyed by its natural key.
//
// The store keeps an in-memory view in front of the durable persistence.Store.
// Reads are served from the view only and never wait on storage; writes go to
// storage first and then to the view.
//
// Storage is bounded by a quota. Eviction uses a hybrid LRU/LFU score and
// never touches entries pinned by a pending mutation. When storage cannot take
// a write even after eviction, the entry is kept in memory only and
// ErrStorageExhausted is returned; callers treat that as a warning.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

// ErrStorageExhausted is returned by Put when neither eviction nor a retry made
// room for the entry. The value is still readable from memory.
var ErrStorageExhausted = errors.New("storage exhausted")

// Entry is one cached row.
type Entry struct {
	Table          string                 `json:"table"`
	Key            string                 `json:"key"`
	Value          map[string]interface{} `json:"value"`
	Version        int64                  `json:"version"`
	LastSyncedAt   time.Time              `json:"lastSyncedAt"`
	LastAccessedAt time.Time              `json:"lastAccessedAt"`
	AccessCount    int64                  `json:"accessCount"`
	SizeBytes      int64                  `json:"sizeBytes"`
	Fingerprint    uint64                 `json:"fingerprint"`
	// MemoryOnly marks an entry whose latest value could not be persisted.
	MemoryOnly bool `json:"memoryOnly,omitempty"`

	// durableBytes is what the entry's stored document occupies. A memory-only
	// entry keeps the size of the older document still in storage.
	durableBytes int64
}

func (e *Entry) clone() Entry {
	out := *e
	out.Value = persistence.DeepCopyValue(e.Value)

	return out
}

// Change describes a write to the cache. It is what the cross-tab coordinator broadcasts.
type Change struct {
	Table   string
	Key     string
	Value   map[string]interface{}
	Version int64
	Deleted bool
}

// PinChecker tells the cache which rows still have pending mutations.
type PinChecker interface {
	IsPinned(table, key string) bool
}

// EvictionReport describes one eviction run.
type EvictionReport struct {
	Evicted    []string
	FreedBytes int64
	UsageAfter int64
	// Blocked is set when the target could not be reached, for example because
	// every remaining entry is pinned.
	Blocked bool
}

// Config configures a Store.
type Config struct {
	Storage persistence.Store
	// QuotaBytes is the durable budget. Zero disables the quota.
	QuotaBytes int64
	// SoftThreshold is the fraction of the quota eviction brings usage back under.
	SoftThreshold   float64
	RecencyWeight   float64
	FrequencyWeight float64
	Pins            PinChecker
	// EvictionEnabled is consulted before every eviction. nil means enabled.
	EvictionEnabled func() bool
	// OnStorageExhausted fires when Put returns ErrStorageExhausted.
	OnStorageExhausted func(table, key string, err error)
	// OnEvict fires after every eviction run that removed something.
	OnEvict func(EvictionReport)
	Now     func() time.Time
	Logger  *zap.SugaredLogger
}

// Store is the local cache store.
type Store struct {
	cfg Config
	log *zap.SugaredLogger

	// writeMu serializes writes and evictions. mu guards the view.
	writeMu sync.Mutex
	mu      sync.RWMutex

	entries map[string]map[string]*Entry
	used    int64

	notifier func(Change)
}

// New creates a Store. Call Load to rebuild the view from storage.
func New(cfg Config) *Store {
	if cfg.SoftThreshold <= 0 || cfg.SoftThreshold > 1 {
		cfg.SoftThreshold = constants.DefaultSoftThreshold
	}

	if cfg.RecencyWeight == 0 && cfg.FrequencyWeight == 0 {
		cfg.RecencyWeight = constants.DefaultRecencyWeight
		cfg.FrequencyWeight = constants.DefaultFrequencyWeight
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		cfg:     cfg,
		log:     logger.OrFor(cfg.Logger, logger.ComponentCacheStore),
		entries: make(map[string]map[string]*Entry),
	}
}

// Collection returns the storage collection of a table.
func Collection(table string) string {
	return constants.CacheCollectionPrefix + table
}

// SetNotifier installs the callback fired after every local Put and Delete.
func (s *Store) SetNotifier(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifier = fn
}

// SetPinChecker replaces the pin checker.
func (s *Store) SetPinChecker(p PinChecker) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.cfg.Pins = p
}

// Quota returns the configured quota in bytes.
func (s *Store) Quota() int64 {
	return s.cfg.QuotaBytes
}

// UsageBytes returns the bytes of durable entries.
func (s *Store) UsageBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.used
}

// Len returns the number of cached entries of table.
func (s *Store) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries[table])
}

// Load rebuilds the view of tables from storage.
func (s *Store) Load(ctx context.Context, tables []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	loaded := make(map[string]map[string]*Entry, len(tables))

	var used int64

	for _, table := range tables {
		docs, err := s.cfg.Storage.Find(ctx, Collection(table), *persistence.NewQuery())
		if err != nil {
			return fmt.Errorf("failed to load cache for %s: %w", table, err)
		}

		partition := make(map[string]*Entry, len(docs))

		for _, doc := range docs {
			entry := decodeEntry(table, doc)
			partition[entry.Key] = entry
			used += entry.durableBytes
		}

		loaded[table] = partition
	}

	s.mu.Lock()
	for table, partition := range loaded {
		if previous, ok := s.entries[table]; ok {
			for _, e := range previous {
				s.used -= e.durableBytes
			}
		}

		s.entries[table] = partition
	}

	s.used += used
	s.mu.Unlock()

	s.log.Debugw("Cache loaded", "tables", len(tables), "usedBytes", used)

	return nil
}

// Get returns a copy of the cached entry and counts the access. It never touches storage.
func (s *Store) Get(table, key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[table][key]
	if !ok {
		return Entry{}, false
	}

	e.LastAccessedAt = s.cfg.Now()
	e.AccessCount++

	return e.clone(), true
}

// Peek returns the cached entry without counting an access.
func (s *Store) Peek(table, key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[table][key]
	if !ok {
		return Entry{}, false
	}

	return e.clone(), true
}

// Query returns the entries of table accepted by predicate, ordered by key.
// A nil predicate returns every entry.
func (s *Store) Query(table string, predicate func(Entry) bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries[table]))

	for _, e := range s.entries[table] {
		c := e.clone()
		if predicate == nil || predicate(c) {
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out
}

// Keys returns the keys cached for table.
func (s *Store) Keys(table string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries[table]))
	for key := range s.entries[table] {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// Put stores a locally written value. It does not change LastSyncedAt.
func (s *Store) Put(ctx context.Context, table, key string, value map[string]interface{}, version int64) error {
	return s.put(ctx, table, key, value, version, false, true)
}

// PutSynced stores a value confirmed by the remote and stamps LastSyncedAt.
func (s *Store) PutSynced(ctx context.Context, table, key string, value map[string]interface{}, version int64) error {
	return s.put(ctx, table, key, value, version, true, true)
}

func (s *Store) put(ctx context.Context, table, key string, value map[string]interface{}, version int64, synced, notify bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.cfg.Now()
	value = persistence.DeepCopyValue(value)
	fingerprint := Fingerprint(value)

	s.mu.RLock()
	existing, exists := s.entries[table][key]

	var previous Entry
	if exists {
		previous = *existing
	}
	s.mu.RUnlock()

	entry := &Entry{
		Table:          table,
		Key:            key,
		Value:          value,
		Version:        version,
		LastAccessedAt: now,
		AccessCount:    1,
		Fingerprint:    fingerprint,
	}

	if exists {
		entry.AccessCount = previous.AccessCount + 1
		entry.LastSyncedAt = previous.LastSyncedAt
	}

	if synced {
		entry.LastSyncedAt = now
	}

	if exists && !previous.MemoryOnly && previous.Fingerprint == fingerprint && previous.Version == version {
		s.mu.Lock()
		if current, ok := s.entries[table][key]; ok {
			current.LastAccessedAt = now
			current.AccessCount++

			if synced {
				current.LastSyncedAt = now
			}
		}
		s.mu.Unlock()

		return nil
	}

	doc := encodeEntry(entry)
	entry.SizeBytes = safejson.Size(doc)
	doc["sizeBytes"] = entry.SizeBytes

	err := s.persist(ctx, table, key, doc, entry.SizeBytes, previous, exists)
	if err != nil && !errors.Is(err, ErrStorageExhausted) {
		return err
	}

	if err != nil {
		entry.MemoryOnly = true

		if exists {
			entry.durableBytes = previous.durableBytes
		}
	} else {
		entry.durableBytes = entry.SizeBytes
	}

	s.mu.Lock()
	if s.entries[table] == nil {
		s.entries[table] = make(map[string]*Entry)
	}

	if current, ok := s.entries[table][key]; ok {
		s.used -= current.durableBytes
	}

	s.used += entry.durableBytes

	s.entries[table][key] = entry
	notifier := s.notifier
	s.mu.Unlock()

	if notify && notifier != nil {
		notifier(Change{Table: table, Key: key, Value: persistence.DeepCopyValue(value), Version: version})
	}

	if err != nil {
		s.log.Warnw("Storage exhausted, keeping entry in memory only", "table", table, "key", key, "sizeBytes", entry.SizeBytes)

		if s.cfg.OnStorageExhausted != nil {
			s.cfg.OnStorageExhausted(table, key, err)
		}
	}

	return err
}

// persist writes doc, evicting first when the write would cross the soft
// threshold and once more when storage or the quota rejects it. Callers hold writeMu.
func (s *Store) persist(ctx context.Context, table, key string, doc persistence.Document, size int64, previous Entry, exists bool) error {
	protect := map[string]struct{}{entryID(table, key): {}}

	replaced := int64(0)
	if exists {
		replaced = previous.durableBytes
	}

	projected := func() int64 { return s.UsageBytes() - replaced + size }

	if s.cfg.QuotaBytes > 0 && s.evictionEnabled() && float64(projected()) > s.softLimit() {
		s.evictLocked(ctx, int64(s.softLimit())-size+replaced, protect)
	}

	var writeErr error

	for attempt := 0; attempt < 2; attempt++ {
		if s.cfg.QuotaBytes > 0 && projected() > s.cfg.QuotaBytes {
			writeErr = persistence.ErrQuotaExceeded
		} else {
			writeErr = s.cfg.Storage.Put(ctx, Collection(table), key, doc)
			if writeErr == nil {
				return nil
			}
		}

		if !errors.Is(writeErr, persistence.ErrQuotaExceeded) {
			return fmt.Errorf("failed to persist %s/%s: %w", table, key, writeErr)
		}

		if attempt == 1 || !s.evictionEnabled() {
			break
		}

		target := int64(s.softLimit()) - size + replaced
		if s.cfg.QuotaBytes == 0 || target > s.UsageBytes()-size {
			// storage is full although the quota is not: free at least this entry's size
			target = s.UsageBytes() - size
		}

		s.evictLocked(ctx, target, protect)
	}

	return fmt.Errorf("%w: %s/%s needs %d bytes: %w", ErrStorageExhausted, table, key, size, writeErr)
}

// Delete removes an entry from storage and the view.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.cfg.Storage.Delete(ctx, Collection(table), key); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}

	s.mu.Lock()
	s.removeLocked(table, key)
	notifier := s.notifier
	s.mu.Unlock()

	if notifier != nil {
		notifier(Change{Table: table, Key: key, Deleted: true})
	}

	return nil
}

// Clear drops the partition of table.
func (s *Store) Clear(ctx context.Context, table string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.cfg.Storage.DropCollection(ctx, Collection(table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	s.mu.Lock()
	for key := range s.entries[table] {
		s.removeLocked(table, key)
	}

	delete(s.entries, table)
	s.mu.Unlock()

	return nil
}

// ApplyPeer updates the view with a change another tab already persisted.
// It neither writes storage nor fires the notifier.
func (s *Store) ApplyPeer(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Deleted {
		s.removeLocked(change.Table, change.Key)

		return
	}

	if current, ok := s.entries[change.Table][change.Key]; ok && current.Version > change.Version {
		return
	}

	value := persistence.DeepCopyValue(change.Value)
	entry := &Entry{
		Table:          change.Table,
		Key:            change.Key,
		Value:          value,
		Version:        change.Version,
		LastAccessedAt: s.cfg.Now(),
		AccessCount:    1,
		Fingerprint:    Fingerprint(value),
	}

	entry.SizeBytes = safejson.Size(encodeEntry(entry))
	entry.durableBytes = entry.SizeBytes

	if current, ok := s.entries[change.Table][change.Key]; ok {
		entry.AccessCount = current.AccessCount
		entry.LastSyncedAt = current.LastSyncedAt
		s.removeLocked(change.Table, change.Key)
	}

	if s.entries[change.Table] == nil {
		s.entries[change.Table] = make(map[string]*Entry)
	}

	s.entries[change.Table][change.Key] = entry
	s.used += entry.durableBytes
}

// Evict removes entries until durable usage is at most targetBytes.
func (s *Store) Evict(ctx context.Context, targetBytes int64) (EvictionReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	report := s.evictLocked(ctx, targetBytes, nil)
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	return report, nil
}

type candidate struct {
	entry    *Entry
	pressure float64
}

// evictLocked evicts the entries with the lowest retention score first: those
// least recently and least frequently used. Callers hold writeMu.
func (s *Store) evictLocked(ctx context.Context, targetBytes int64, protect map[string]struct{}) EvictionReport {
	if targetBytes < 0 {
		targetBytes = 0
	}

	report := EvictionReport{UsageAfter: s.UsageBytes()}
	if report.UsageAfter <= targetBytes {
		return report
	}

	candidates := s.candidates(protect)

	for _, c := range candidates {
		if report.UsageAfter <= targetBytes || ctx.Err() != nil {
			break
		}

		if err := s.cfg.Storage.Delete(ctx, Collection(c.entry.Table), c.entry.Key); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			s.log.Warnw("Failed to evict entry", "table", c.entry.Table, "key", c.entry.Key, "error", err)

			continue
		}

		s.mu.Lock()
		s.removeLocked(c.entry.Table, c.entry.Key)
		report.UsageAfter = s.used
		s.mu.Unlock()

		report.Evicted = append(report.Evicted, entryID(c.entry.Table, c.entry.Key))
		report.FreedBytes += c.entry.durableBytes
	}

	report.Blocked = report.UsageAfter > targetBytes

	if len(report.Evicted) > 0 {
		s.log.Infow("Evicted cache entries", "count", len(report.Evicted), "freedBytes", report.FreedBytes, "usageAfter", report.UsageAfter, "blocked", report.Blocked)

		if s.cfg.OnEvict != nil {
			s.cfg.OnEvict(report)
		}
	}

	return report
}

// candidates returns evictable entries ordered by descending eviction pressure.
func (s *Store) candidates(protect map[string]struct{}) []candidate {
	now := s.cfg.Now()

	s.mu.RLock()

	var (
		entries []*Entry
		maxAge  time.Duration
	)

	for table, partition := range s.entries {
		for key, e := range partition {
			if e.MemoryOnly {
				continue
			}

			if _, skip := protect[entryID(table, key)]; skip {
				continue
			}

			entries = append(entries, e)

			if age := now.Sub(e.LastAccessedAt); age > maxAge {
				maxAge = age
			}
		}
	}
	s.mu.RUnlock()

	out := make([]candidate, 0, len(entries))

	for _, e := range entries {
		if s.cfg.Pins != nil && s.cfg.Pins.IsPinned(e.Table, e.Key) {
			continue
		}

		out = append(out, candidate{entry: e, pressure: s.pressure(e, now, maxAge)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].pressure != out[j].pressure {
			return out[i].pressure > out[j].pressure
		}

		return entryID(out[i].entry.Table, out[i].entry.Key) < entryID(out[j].entry.Table, out[j].entry.Key)
	})

	return out
}

// pressure is the inverse of the retention score. Age is normalized over the
// candidate set; frequency contributes 1/accessCount.
func (s *Store) pressure(e *Entry, now time.Time, maxAge time.Duration) float64 {
	normalizedAge := 0.0
	if maxAge > 0 {
		normalizedAge = float64(now.Sub(e.LastAccessedAt)) / float64(maxAge)
	}

	count := e.AccessCount
	if count < 1 {
		count = 1
	}

	return s.cfg.RecencyWeight*normalizedAge + s.cfg.FrequencyWeight*(1/float64(count))
}

// removeLocked drops an entry from the view. Callers hold mu.
func (s *Store) removeLocked(table, key string) {
	e, ok := s.entries[table][key]
	if !ok {
		return
	}

	s.used -= e.durableBytes

	delete(s.entries[table], key)
}

func (s *Store) softLimit() float64 {
	return float64(s.cfg.QuotaBytes) * s.cfg.SoftThreshold
}

func (s *Store) evictionEnabled() bool {
	return s.cfg.EvictionEnabled == nil || s.cfg.EvictionEnabled()
}

func entryID(table, key string) string {
	return table + "/" + key
}

// SplitEntryID reverses the table/key identifiers of an EvictionReport.
func SplitEntryID(id string) (table, key string) {
	table, key, _ = strings.Cut(id, "/")

	return table, key
}

// Fingerprint hashes the canonical JSON encoding of value.
func Fingerprint(value map[string]interface{}) uint64 {
	encoded, err := safejson.Marshal(value)
	if err != nil {
		return 0
	}

	return xxhash.Sum64(encoded)
}

func encodeEntry(e *Entry) persistence.Document {
	return persistence.Document{
		persistence.IDField: e.Key,
		"value":             e.Value,
		"version":           e.Version,
		"lastSyncedAt":      persistence.FormatTime(e.LastSyncedAt),
		"lastAccessedAt":    persistence.FormatTime(e.LastAccessedAt),
		"accessCount":       e.AccessCount,
		"fingerprint":       fmt.Sprintf("%016x", e.Fingerprint),
	}
}

func decodeEntry(table string, doc persistence.Document) *Entry {
	e := &Entry{
		Table:          table,
		Key:            doc.ID(),
		Value:          persistence.DeepCopyValue(persistence.Map(doc, "value")),
		Version:        persistence.Int64(doc, "version"),
		LastSyncedAt:   persistence.Time(doc, "lastSyncedAt"),
		LastAccessedAt: persistence.Time(doc, "lastAccessedAt"),
		AccessCount:    persistence.Int64(doc, "accessCount"),
		SizeBytes:      persistence.Int64(doc, "sizeBytes"),
	}

	e.Fingerprint = Fingerprint(e.Value)

	if e.SizeBytes == 0 {
		e.SizeBytes = safejson.Size(doc)
	}

	e.durableBytes = e.SizeBytes

	return e
}
