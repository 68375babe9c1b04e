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

// Package sqlite implements persistence.Store on an on-device SQLite file.
//
// Every collection is a table (id TEXT PRIMARY KEY, data BLOB). The document
// shape is owned by the layers above.
//
// The database runs a WAL journal with synchronous=FULL: a write acknowledged
// by the mutation queue must survive power loss.
//
// MaxPageCount sets max_page_count. Once it is spent SQLite reports
// SQLITE_FULL, which surfaces as persistence.ErrQuotaExceeded.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

// zstdMagic prefixes every zstd frame. JSON documents always start with '{'.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Config configures the SQLite store.
type Config struct {
	// DBPath is the database file path.
	DBPath string
	// MaxPageCount caps the database size in pages. Zero means unlimited.
	MaxPageCount int64
	// Compress stores document blobs as zstd frames when they exceed CompressThreshold bytes.
	Compress bool
	// CompressThreshold is the minimum encoded size to compress. Defaults to 512.
	CompressThreshold int
}

// DefaultConfig returns a config for dbPath without a quota or compression.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:            dbPath,
		CompressThreshold: 512,
	}
}

// sqlRunner is the subset shared by *sql.DB and *sql.Tx.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a persistence.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	cfg    Config
	closed atomic.Bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	knownMu sync.Mutex
	known   map[string]bool
}

var _ persistence.Store = (*Store)(nil)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("sqlite: database path is required")
	}

	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 512
	}

	db, err := sql.Open("sqlite3", buildConnectionString(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer: SQLite serializes writes anyway, and one connection keeps
	// per-connection pragmas such as max_page_count in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.MaxPageCount > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", cfg.MaxPageCount)); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to set page budget: %w", err)
		}
	}

	s := &Store{db: db, cfg: cfg, known: make(map[string]bool)}

	if cfg.Compress {
		s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	// The decoder is always available so a store opened without compression
	// can still read blobs written by one that had it enabled.
	s.decoder, err = zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return s, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return "file:" + dbPath + baseParams
}

// CreateCollection creates the backing table if it does not exist.
func (s *Store) CreateCollection(ctx context.Context, name string) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	return s.ensure(ctx, s.db, name)
}

// DropCollection drops the backing table.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	if err := persistence.ValidateCollectionName(name); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", mapError(err))
	}

	s.knownMu.Lock()
	delete(s.known, name)
	s.knownMu.Unlock()

	return nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	if s.closed.Load() {
		return "", persistence.ErrClosed
	}

	return s.insert(ctx, s.db, collection, doc)
}

func (s *Store) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	return s.get(ctx, s.db, collection, id)
}

func (s *Store) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	return s.update(ctx, s.db, collection, id, doc)
}

func (s *Store) Put(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	return s.put(ctx, s.db, collection, id, doc)
}

func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	return s.delete(ctx, s.db, collection, id)
}

func (s *Store) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	return s.find(ctx, s.db, collection, query)
}

// Maintenance truncates the WAL and lets SQLite refresh its statistics.
// Run it after large evictions, never in the middle of a sync cycle.
func (s *Store) Maintenance(ctx context.Context) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	for _, stmt := range []string{"PRAGMA wal_checkpoint(TRUNCATE)", "PRAGMA optimize"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("maintenance %q failed: %w", stmt, mapError(err))
		}
	}

	return nil
}

// SizeBytes returns the current database size (page_count * page_size).
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}

	return pages * pageSize, nil
}

func (s *Store) BeginTx(ctx context.Context) (persistence.Tx, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTx{tx: tx, store: s}, nil
}

func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.New("store already closed")
	}

	if s.encoder != nil {
		_ = s.encoder.Close()
	}

	if s.decoder != nil {
		s.decoder.Close()
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func (s *Store) ensure(ctx context.Context, r sqlRunner, name string) error {
	s.knownMu.Lock()
	known := s.known[name]
	s.knownMu.Unlock()

	if known {
		return nil
	}

	if err := persistence.ValidateCollectionName(name); err != nil {
		return err
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`, name)

	if _, err := r.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create collection: %w", mapError(err))
	}

	// Tables created inside a rolled-back transaction disappear again, so only
	// remember names created outside of one.
	if _, isDB := r.(*sql.DB); isDB {
		s.knownMu.Lock()
		s.known[name] = true
		s.knownMu.Unlock()
	}

	return nil
}

func (s *Store) encode(doc persistence.Document) ([]byte, error) {
	data, err := safejson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	if s.encoder != nil && len(data) >= s.cfg.CompressThreshold {
		return s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}

	return data, nil
}

func (s *Store) decode(data []byte) (persistence.Document, error) {
	if len(data) >= len(zstdMagic) && string(data[:len(zstdMagic)]) == string(zstdMagic) {
		plain, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress document: %w", err)
		}

		data = plain
	}

	var doc persistence.Document
	if err := safejson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return doc, nil
}

func withID(doc persistence.Document, id string) persistence.Document {
	out := doc.Clone()
	if out == nil {
		out = persistence.Document{}
	}

	out[persistence.IDField] = id

	return out
}

func (s *Store) insert(ctx context.Context, r sqlRunner, collection string, doc persistence.Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", persistence.ErrMissingID
	}

	if err := s.ensure(ctx, r, collection); err != nil {
		return "", err
	}

	data, err := s.encode(withID(doc, id))
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, collection)
	if _, err := r.ExecContext(ctx, query, id, data); err != nil {
		return "", fmt.Errorf("failed to insert document: %w", mapError(err))
	}

	return id, nil
}

func (s *Store) get(ctx context.Context, r sqlRunner, collection, id string) (persistence.Document, error) {
	if err := persistence.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	var data []byte

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, collection)
	if err := r.QueryRowContext(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isNoSuchTable(err) {
			return nil, persistence.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get document: %w", mapError(err))
	}

	return s.decode(data)
}

func (s *Store) update(ctx context.Context, r sqlRunner, collection, id string, doc persistence.Document) error {
	if err := persistence.ValidateCollectionName(collection); err != nil {
		return err
	}

	data, err := s.encode(withID(doc, id))
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, collection)

	result, err := r.ExecContext(ctx, query, data, id)
	if err != nil {
		if isNoSuchTable(err) {
			return persistence.ErrNotFound
		}

		return fmt.Errorf("failed to update document: %w", mapError(err))
	}

	return requireRow(result)
}

func (s *Store) put(ctx context.Context, r sqlRunner, collection, id string, doc persistence.Document) error {
	if id == "" {
		return persistence.ErrMissingID
	}

	if err := s.ensure(ctx, r, collection); err != nil {
		return err
	}

	data, err := s.encode(withID(doc, id))
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, collection)
	if _, err := r.ExecContext(ctx, query, id, data); err != nil {
		return fmt.Errorf("failed to put document: %w", mapError(err))
	}

	return nil
}

func (s *Store) delete(ctx context.Context, r sqlRunner, collection, id string) error {
	if err := persistence.ValidateCollectionName(collection); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, collection)

	result, err := r.ExecContext(ctx, query, id)
	if err != nil {
		if isNoSuchTable(err) {
			return persistence.ErrNotFound
		}

		return fmt.Errorf("failed to delete document: %w", mapError(err))
	}

	return requireRow(result)
}

func (s *Store) find(ctx context.Context, r sqlRunner, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := persistence.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	rows, err := r.QueryContext(ctx, `SELECT data FROM `+collection)
	if err != nil {
		if isNoSuchTable(err) {
			return []persistence.Document{}, nil
		}

		return nil, fmt.Errorf("failed to find documents: %w", mapError(err))
	}

	defer func() { _ = rows.Close() }()

	var documents []persistence.Document

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		doc, err := s.decode(data)
		if err != nil {
			return nil, err
		}

		documents = append(documents, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return query.Apply(documents), nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrNotFound
	}

	return nil
}

// mapError translates SQLite result codes into persistence sentinels.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrFull:
			return fmt.Errorf("%w: %w", persistence.ErrQuotaExceeded, err)
		case sqliteErr.Code == sqlite3.ErrConstraint && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %w", persistence.ErrConflict, err)
		}
	}

	return err
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

type sqliteTx struct {
	tx     *sql.Tx
	store  *Store
	closed bool
	mu     sync.Mutex
}

func (t *sqliteTx) check() error {
	if t.closed {
		return persistence.ErrClosed
	}

	return nil
}

func (t *sqliteTx) CreateCollection(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return err
	}

	return t.store.ensure(ctx, t.tx, name)
}

func (t *sqliteTx) DropCollection(ctx context.Context, name string) error {
	return errors.New("dropping collections is not supported inside a transaction")
}

func (t *sqliteTx) Insert(ctx context.Context, collection string, doc persistence.Document) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return "", err
	}

	return t.store.insert(ctx, t.tx, collection, doc)
}

func (t *sqliteTx) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return nil, err
	}

	return t.store.get(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Update(ctx context.Context, collection string, id string, doc persistence.Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return err
	}

	return t.store.update(ctx, t.tx, collection, id, doc)
}

func (t *sqliteTx) Put(ctx context.Context, collection string, id string, doc persistence.Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return err
	}

	return t.store.put(ctx, t.tx, collection, id, doc)
}

func (t *sqliteTx) Delete(ctx context.Context, collection string, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return err
	}

	return t.store.delete(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return nil, err
	}

	return t.store.find(ctx, t.tx, collection, query)
}

func (t *sqliteTx) Maintenance(ctx context.Context) error {
	return errors.New("maintenance is not available inside a transaction")
}

func (t *sqliteTx) BeginTx(ctx context.Context) (persistence.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (t *sqliteTx) Close(ctx context.Context) error {
	return errors.New("cannot close transaction directly, use Commit or Rollback")
}

func (t *sqliteTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return persistence.ErrClosed
	}

	t.closed = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}

	return nil
}

func (t *sqliteTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}
