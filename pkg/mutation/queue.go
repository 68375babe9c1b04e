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

// Package mutation implements the durable mutation queue, the only path by
// which local writes reach the remote.
//
// Ordering: mutations of the same (table, key) are handed out strictly in
// creation order and only one at a time; different keys are independent.
//
// Durability: every state change is written to storage before the call
// returns. A mutation leaves storage only when the remote applied it or an
// operator acknowledged it. Mutations that keep failing move to a dead-letter
// partition instead of being dropped.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
)

var (
	// ErrUnknownMutation is returned for ids the queue does not hold.
	ErrUnknownMutation = errors.New("unknown mutation")

	// ErrInvalidState is returned when an operation does not fit the mutation's status.
	ErrInvalidState = errors.New("mutation is not in a state that allows this operation")

	// ErrInvalidMutation is returned by Enqueue for incomplete mutations.
	ErrInvalidMutation = errors.New("invalid mutation")
)

// Config configures a Queue.
type Config struct {
	Storage persistence.Store
	Policy  backoff.Policy
	// MaxRetries is the number of transient failures after which a mutation is marked failed.
	MaxRetries int
	// MaxFailed bounds the failed set. The oldest failed mutations beyond it are dead-lettered.
	MaxFailed int
	// MaxManualRetries bounds RetryFailed per mutation.
	MaxManualRetries int
	// OnFailed fires when a mutation becomes failed.
	OnFailed func(Mutation)
	// OnDeadLetter fires when a mutation moves to the dead-letter partition.
	OnDeadLetter func(Mutation)
	Now          func() time.Time
	Logger       *zap.SugaredLogger
}

// Queue is the durable mutation queue.
type Queue struct {
	cfg Config
	log *zap.SugaredLogger

	mu sync.Mutex
	// items holds every mutation that is not dead-lettered.
	items map[string]*Mutation
	// active holds the pending and syncing mutations per table/key in Seq order.
	active map[string][]*Mutation
	dead   map[string]*Mutation
	// applied holds the remote state left by the last applied mutation of a
	// key whose queue ran empty, until a newer base supersedes it.
	applied map[string]appliedBase
	seq     int64
}

type appliedBase struct {
	version int64
	value   map[string]interface{}
}

// New creates an empty queue. Call Load to recover persisted mutations.
func New(cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}

	if cfg.MaxFailed <= 0 {
		cfg.MaxFailed = constants.DefaultMaxFailed
	}

	if cfg.MaxManualRetries <= 0 {
		cfg.MaxManualRetries = constants.DefaultMaxManualRetries
	}

	if cfg.Policy.InitialInterval <= 0 {
		cfg.Policy = backoff.DefaultPolicy()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Queue{
		cfg:     cfg,
		log:     logger.OrFor(cfg.Logger, logger.ComponentMutationQueue),
		items:   make(map[string]*Mutation),
		active:  make(map[string][]*Mutation),
		dead:    make(map[string]*Mutation),
		applied: make(map[string]appliedBase),
	}
}

func keyID(table, key string) string {
	return table + "/" + key
}

// Load recovers the queue from storage. Mutations that were syncing when the
// process stopped go back to pending; the remote deduplicates them by id.
func (q *Queue) Load(ctx context.Context) error {
	docs, err := q.cfg.Storage.Find(ctx, constants.MutationCollection, *persistence.NewQuery().Sort("seq", persistence.Asc))
	if err != nil {
		return fmt.Errorf("failed to load mutations: %w", err)
	}

	deadDocs, err := q.cfg.Storage.Find(ctx, constants.DeadLetterCollection, *persistence.NewQuery().Sort("seq", persistence.Asc))
	if err != nil {
		return fmt.Errorf("failed to load dead letters: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*Mutation, len(docs))
	q.active = make(map[string][]*Mutation)
	q.dead = make(map[string]*Mutation, len(deadDocs))
	q.applied = make(map[string]appliedBase)

	recovered := 0

	for _, doc := range docs {
		m := decode(doc)

		if m.Status == StatusSyncing {
			m.Status = StatusPending
			if err := q.cfg.Storage.Put(ctx, constants.MutationCollection, m.ID, encode(m)); err != nil {
				return fmt.Errorf("failed to recover mutation %s: %w", m.ID, err)
			}

			recovered++
		}

		q.items[m.ID] = m

		if m.Seq > q.seq {
			q.seq = m.Seq
		}

		if m.Status == StatusPending {
			id := keyID(m.Table, m.TargetKey)
			q.active[id] = append(q.active[id], m)
		}
	}

	for _, doc := range deadDocs {
		m := decode(doc)
		q.dead[m.ID] = m

		if m.Seq > q.seq {
			q.seq = m.Seq
		}
	}

	q.log.Infow("Mutation queue loaded", "mutations", len(q.items), "recovered", recovered, "deadLetters", len(q.dead))

	return nil
}

// Enqueue validates and stores m as pending and returns its id. A mutation
// queued behind others of the same key takes their base, and one queued right
// after the key's last push takes the pushed version when the caller's base is
// older.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (string, error) {
	if m.Table == "" || m.TargetKey == "" {
		return "", fmt.Errorf("%w: table and target key are required", ErrInvalidMutation)
	}

	if !m.Operation.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidMutation, m.Operation)
	}

	m = m.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.cfg.Now()
	}

	m.Status = StatusPending
	m.RetryCount = 0
	m.NextAttemptAt = time.Time{}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[m.ID]; exists {
		return "", fmt.Errorf("%w: duplicate id %s", ErrInvalidMutation, m.ID)
	}

	id := keyID(m.Table, m.TargetKey)
	q.inheritBase(id, &m)

	m.Seq = q.seq + 1

	if err := q.cfg.Storage.Put(ctx, constants.MutationCollection, m.ID, encode(&m)); err != nil {
		return "", fmt.Errorf("failed to persist mutation: %w", err)
	}

	q.seq = m.Seq
	q.items[m.ID] = &m
	q.active[id] = append(q.active[id], &m)

	q.log.Debugw("Mutation enqueued", "id", m.ID, "table", m.Table, "key", m.TargetKey, "operation", m.Operation, "seq", m.Seq)

	return m.ID, nil
}

// inheritBase aligns the base of a new mutation with the queue's view of the
// key. Callers hold q.mu.
func (q *Queue) inheritBase(id string, m *Mutation) {
	if list := q.active[id]; len(list) > 0 {
		m.BaseVersion = list[0].BaseVersion
		m.BaseValue = persistence.DeepCopyValue(list[0].BaseValue)

		return
	}

	base, ok := q.applied[id]
	if !ok {
		return
	}

	if base.version > m.BaseVersion {
		m.BaseVersion = base.version
		m.BaseValue = persistence.DeepCopyValue(base.value)

		return
	}

	delete(q.applied, id)
}

// readyHead returns the head of a key if it can be handed out now. Callers hold q.mu.
func (q *Queue) readyHead(id string, now time.Time) *Mutation {
	list := q.active[id]
	if len(list) == 0 {
		return nil
	}

	head := list[0]
	if head.Status != StatusPending || head.NextAttemptAt.After(now) {
		return nil
	}

	return head
}

// ReadyKeys returns the keys of table whose head mutation can be dequeued now,
// ordered by the head's creation order.
func (q *Queue) ReadyKeys(table string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()

	heads := make([]*Mutation, 0)

	for id := range q.active {
		if head := q.readyHead(id, now); head != nil && head.Table == table {
			heads = append(heads, head)
		}
	}

	sort.Slice(heads, func(i, j int) bool { return heads[i].Seq < heads[j].Seq })

	keys := make([]string, len(heads))
	for i, head := range heads {
		keys[i] = head.TargetKey
	}

	return keys
}

// NextAttemptAt returns the earliest time a backed-off mutation of table becomes ready.
func (q *Queue) NextAttemptAt(table string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)

	for _, list := range q.active {
		if len(list) == 0 || list[0].Table != table || list[0].Status != StatusPending {
			continue
		}

		if !found || list[0].NextAttemptAt.Before(earliest) {
			earliest = list[0].NextAttemptAt
			found = true
		}
	}

	return earliest, found
}

// DequeueNext hands out the oldest ready mutation of table and marks it syncing.
func (q *Queue) DequeueNext(ctx context.Context, table string) (Mutation, bool, error) {
	keys := q.ReadyKeys(table)
	for _, key := range keys {
		m, ok, err := q.DequeueKey(ctx, table, key)
		if err != nil || ok {
			return m, ok, err
		}
	}

	return Mutation{}, false, nil
}

// DequeueKey hands out the head mutation of one key if it is ready and marks it syncing.
func (q *Queue) DequeueKey(ctx context.Context, table, key string) (Mutation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head := q.readyHead(keyID(table, key), q.cfg.Now())
	if head == nil {
		return Mutation{}, false, nil
	}

	updated := *head
	updated.Status = StatusSyncing

	if err := q.persist(ctx, &updated); err != nil {
		return Mutation{}, false, err
	}

	*head = updated

	return head.Clone(), true, nil
}

// Release returns a syncing mutation to pending without counting a retry.
// It is used when a cycle is aborted, for example by the kill switch.
func (q *Queue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutation, id)
	}

	if m.Status != StatusSyncing {
		return nil
	}

	updated := *m
	updated.Status = StatusPending

	if err := q.persist(ctx, &updated); err != nil {
		return err
	}

	*m = updated

	return nil
}

// MarkApplied removes an applied mutation and rebases later mutations of the
// same key onto the version and value the remote now holds.
func (q *Queue) MarkApplied(ctx context.Context, id string, newVersion int64, appliedValue map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutation, id)
	}

	kid := keyID(m.Table, m.TargetKey)

	tx, err := q.cfg.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := tx.Delete(ctx, constants.MutationCollection, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		_ = tx.Rollback()

		return fmt.Errorf("failed to delete applied mutation %s: %w", id, err)
	}

	rebased := make([]Mutation, 0)

	for _, later := range q.active[kid] {
		if later.ID == id {
			continue
		}

		r := later.Clone()
		r.BaseVersion = newVersion
		r.BaseValue = persistence.DeepCopyValue(appliedValue)

		if err := tx.Put(ctx, constants.MutationCollection, r.ID, encode(&r)); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to rebase mutation %s: %w", r.ID, err)
		}

		rebased = append(rebased, r)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit applied mutation %s: %w", id, err)
	}

	delete(q.items, id)
	q.removeActive(kid, id)

	for i := range rebased {
		*q.items[rebased[i].ID] = rebased[i]
	}

	if len(q.active[kid]) == 0 {
		q.applied[kid] = appliedBase{version: newVersion, value: persistence.DeepCopyValue(appliedValue)}
	} else {
		delete(q.applied, kid)
	}

	q.log.Debugw("Mutation applied", "id", id, "table", m.Table, "key", m.TargetKey, "newVersion", newVersion, "rebased", len(rebased))

	return nil
}

// MarkFailed records a failed push attempt and returns the resulting status.
// Permanent errors fail the mutation at once; transient errors schedule a retry
// until the retry budget is used up.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMutation, id)
	}

	updated := *m
	if cause != nil {
		updated.LastError = cause.Error()
	}

	if backoff.IsPermanentError(cause) {
		updated.Status = StatusFailed
	} else {
		updated.RetryCount++
		if updated.RetryCount >= q.cfg.MaxRetries {
			updated.Status = StatusFailed
		} else {
			updated.Status = StatusPending
			updated.NextAttemptAt = q.cfg.Now().Add(q.cfg.Policy.Delay(updated.RetryCount))
		}
	}

	if err := q.persist(ctx, &updated); err != nil {
		return m.Status, err
	}

	*m = updated

	if m.Status == StatusFailed {
		q.removeActive(keyID(m.Table, m.TargetKey), m.ID)
		q.log.Warnw("Mutation failed", "id", m.ID, "table", m.Table, "key", m.TargetKey, "retries", m.RetryCount, "error", m.LastError)

		if q.cfg.OnFailed != nil {
			q.cfg.OnFailed(m.Clone())
		}

		if err := q.enforceFailedCap(ctx); err != nil {
			return m.Status, err
		}
	}

	return m.Status, nil
}

// Park moves a mutation into review because its conflict could not be merged safely.
func (q *Queue) Park(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutation, id)
	}

	updated := *m
	updated.Status = StatusParked
	updated.LastError = reason

	if err := q.persist(ctx, &updated); err != nil {
		return err
	}

	*m = updated
	q.removeActive(keyID(m.Table, m.TargetKey), m.ID)

	q.log.Warnw("Mutation parked for review", "id", m.ID, "table", m.Table, "key", m.TargetKey, "reason", reason)

	return nil
}

// RetryFailed puts a failed or parked mutation back at the tail of its key.
// Beyond MaxManualRetries the mutation is dead-lettered instead.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutation, id)
	}

	if m.Status != StatusFailed && m.Status != StatusParked {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, m.Status)
	}

	updated := *m
	updated.ManualRetries++

	if updated.ManualRetries > q.cfg.MaxManualRetries {
		*m = updated

		return q.deadLetter(ctx, m)
	}

	updated.Status = StatusPending
	updated.RetryCount = 0
	updated.NextAttemptAt = time.Time{}
	updated.Seq = q.seq + 1

	if err := q.persist(ctx, &updated); err != nil {
		return err
	}

	q.seq = updated.Seq
	*m = updated
	kid := keyID(m.Table, m.TargetKey)
	q.active[kid] = append(q.active[kid], m)

	return nil
}

// Acknowledge deletes a failed, parked or dead-lettered mutation on operator request.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if m, ok := q.dead[id]; ok {
		if err := q.cfg.Storage.Delete(ctx, constants.DeadLetterCollection, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("failed to acknowledge %s: %w", id, err)
		}

		delete(q.dead, id)
		q.log.Infow("Dead letter acknowledged", "id", id, "table", m.Table, "key", m.TargetKey)

		return nil
	}

	m, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMutation, id)
	}

	if m.Status != StatusFailed && m.Status != StatusParked {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, m.Status)
	}

	if err := q.cfg.Storage.Delete(ctx, constants.MutationCollection, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to acknowledge %s: %w", id, err)
	}

	delete(q.items, id)
	q.log.Infow("Mutation acknowledged", "id", id, "table", m.Table, "key", m.TargetKey, "status", m.Status)

	return nil
}

// Get returns a mutation by id, including dead letters.
func (q *Queue) Get(id string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if m, ok := q.items[id]; ok {
		return m.Clone(), true
	}

	if m, ok := q.dead[id]; ok {
		return m.Clone(), true
	}

	return Mutation{}, false
}

// PendingCount returns the number of pending and syncing mutations.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, list := range q.active {
		n += len(list)
	}

	return n
}

// FailedCount returns the number of failed and parked mutations.
func (q *Queue) FailedCount() int {
	return len(q.FailedItems())
}

// DeadCount returns the size of the dead-letter partition.
func (q *Queue) DeadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.dead)
}

// PendingItems returns pending and syncing mutations in creation order.
func (q *Queue) PendingItems() []Mutation {
	return q.collect(func(m *Mutation) bool {
		return m.Status == StatusPending || m.Status == StatusSyncing
	})
}

// FailedItems returns failed and parked mutations in creation order.
func (q *Queue) FailedItems() []Mutation {
	return q.collect(func(m *Mutation) bool {
		return m.Status == StatusFailed || m.Status == StatusParked
	})
}

// PendingFor returns the pending and syncing mutations of one key in order.
func (q *Queue) PendingFor(table, key string) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.active[keyID(table, key)]
	out := make([]Mutation, len(list))

	for i, m := range list {
		out[i] = m.Clone()
	}

	return out
}

// HasPending reports whether table has pending or syncing mutations.
func (q *Queue) HasPending(table string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, list := range q.active {
		if len(list) > 0 && list[0].Table == table {
			return true
		}
	}

	return false
}

// DeadLetters returns the dead-letter partition in creation order.
func (q *Queue) DeadLetters() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Mutation, 0, len(q.dead))
	for _, m := range q.dead {
		out = append(out, m.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out
}

// IsPinned reports whether the queue still holds a mutation for the key.
// The cache never evicts pinned entries.
func (q *Queue) IsPinned(table, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active[keyID(table, key)]) > 0 {
		return true
	}

	for _, m := range q.items {
		if m.Table == table && m.TargetKey == key {
			return true
		}
	}

	return false
}

func (q *Queue) collect(keep func(*Mutation) bool) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Mutation, 0)

	for _, m := range q.items {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out
}

// persist writes m. Callers hold q.mu.
func (q *Queue) persist(ctx context.Context, m *Mutation) error {
	if err := q.cfg.Storage.Put(ctx, constants.MutationCollection, m.ID, encode(m)); err != nil {
		return fmt.Errorf("failed to persist mutation %s: %w", m.ID, err)
	}

	return nil
}

// removeActive drops id from the active list of a key. Callers hold q.mu.
func (q *Queue) removeActive(kid, id string) {
	list := q.active[kid]
	for i, m := range list {
		if m.ID == id {
			list = append(list[:i], list[i+1:]...)

			break
		}
	}

	if len(list) == 0 {
		delete(q.active, kid)

		return
	}

	q.active[kid] = list
}

// enforceFailedCap dead-letters the oldest failed mutations beyond MaxFailed. Callers hold q.mu.
func (q *Queue) enforceFailedCap(ctx context.Context) error {
	failed := make([]*Mutation, 0)

	for _, m := range q.items {
		if m.Status == StatusFailed {
			failed = append(failed, m)
		}
	}

	if len(failed) <= q.cfg.MaxFailed {
		return nil
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].Seq < failed[j].Seq })

	for _, m := range failed[:len(failed)-q.cfg.MaxFailed] {
		if err := q.deadLetter(ctx, m); err != nil {
			return err
		}
	}

	return nil
}

// deadLetter moves m to the dead-letter partition atomically. Callers hold q.mu.
func (q *Queue) deadLetter(ctx context.Context, m *Mutation) error {
	moved := m.Clone()
	moved.Status = StatusDead

	tx, err := q.cfg.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := tx.Put(ctx, constants.DeadLetterCollection, moved.ID, encode(&moved)); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to dead-letter %s: %w", moved.ID, err)
	}

	if err := tx.Delete(ctx, constants.MutationCollection, moved.ID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		_ = tx.Rollback()

		return fmt.Errorf("failed to dead-letter %s: %w", moved.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", moved.ID, err)
	}

	delete(q.items, moved.ID)
	q.removeActive(keyID(moved.Table, moved.TargetKey), moved.ID)
	q.dead[moved.ID] = &moved

	q.log.Warnw("Mutation moved to dead letters", "id", moved.ID, "table", moved.Table, "key", moved.TargetKey, "error", moved.LastError)

	if q.cfg.OnDeadLetter != nil {
		q.cfg.OnDeadLetter(moved.Clone())
	}

	return nil
}
