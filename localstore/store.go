// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the embedded on-device datastore of the sync
// engine. It keeps one SQLite table per synchronizable logical table
// (schema-driven, see schema.go) plus a small key/value cache, and owns
// all persisted records. Writes are transactional and serialized within
// the process; sensitive columns are encrypted at rest.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is a single persisted row of some table, carrying sync metadata.
// Timestamps are epoch milliseconds. Fields holds the table-specific
// payload keyed by camelCase field names.
type Record struct {
	ID         string
	UserID     string
	CreatedAt  int64
	UpdatedAt  int64
	SyncStatus Status
	RetryCount int
	Fields     map[string]any
}

// WriteGuard is the admission-control hook consulted before every write.
// The storage monitor implements it: AdmitWrite rejects when the hard
// capacity limit is reached, WriteCompleted lets the monitor recompute
// usage and fire threshold behavior after an admitted write.
type WriteGuard interface {
	AdmitWrite(ctx context.Context) error
	WriteCompleted(ctx context.Context)
}

// FieldCipher encrypts sensitive numeric fields at rest. Implemented by
// fieldcrypt.Cipher; nil disables at-rest encryption (tests only).
type FieldCipher interface {
	EncryptAmount(amount float64) (string, error)
	DecryptAmount(ciphertext string) (float64, error)
}

// Config holds construction options for the store.
type Config struct {
	Logger *slog.Logger
	Cipher FieldCipher
}

// Store is the single shared mutable resource of the engine. All access
// goes through its transactional API; concurrent writers within the
// process are serialized by writeMu.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cipher FieldCipher

	mu    sync.Mutex // guards guard pointer swap
	guard WriteGuard

	writeMu sync.Mutex
}

// dbtx abstracts *sql.DB and *sql.Tx so the same statement helpers serve
// both the autocommit and transactional paths.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a store over an open SQLite handle and initializes the
// schema for all registered tables.
func New(db *sql.DB, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger, cipher: cfg.Cipher}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return s, nil
}

// Open opens (or creates) the SQLite file at path and returns a store
// over it.
func Open(path string, cfg *Config) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := New(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetGuard installs the admission-control guard. Called by the
// composition root once the storage monitor exists (the monitor itself
// reads through this store, hence the two-phase wiring).
func (s *Store) SetGuard(g WriteGuard) {
	s.mu.Lock()
	s.guard = g
	s.mu.Unlock()
}

// DB exposes the underlying handle for sibling components (offline
// queue, storage monitor) that share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initialize() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	for _, spec := range Tables() {
		cols := []string{
			`id TEXT PRIMARY KEY`,
			`user_id TEXT NOT NULL`,
			`created_at INTEGER NOT NULL`,
			`updated_at INTEGER NOT NULL`,
			`sync_status TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('pending','synced','failed'))`,
			`retry_count INTEGER NOT NULL DEFAULT 0`,
		}
		for _, c := range spec.Columns {
			cols = append(cols, fmt.Sprintf("\"%s\" %s", c.SQL, c.Type))
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS \"%s\" (%s)", spec.Name, strings.Join(cols, ", "))
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", spec.Name, err)
		}
		idx := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS \"idx_%s_user_status\" ON \"%s\" (user_id, sync_status)",
			spec.Name, spec.Name)
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index for %s: %w", spec.Name, err)
		}
	}

	// Key/value cache with optional expiry (pruned by the storage monitor).
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv_cache (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at INTEGER
	)`)
	if err != nil {
		return fmt.Errorf("failed to create kv_cache: %w", err)
	}
	return nil
}

func (s *Store) admit(ctx context.Context) (WriteGuard, error) {
	s.mu.Lock()
	g := s.guard
	s.mu.Unlock()
	if g == nil {
		return nil, nil
	}
	if err := g.AdmitWrite(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// nowMillis is swappable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Create inserts a new record. A missing id is assigned (UUIDv4); zero
// timestamps default to now; sync status defaults to pending. A write
// that violates uniqueness or the table schema fails atomically.
func (s *Store) Create(ctx context.Context, table Table, rec Record) (Record, error) {
	g, err := s.admit(ctx)
	if err != nil {
		return Record{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	spec, err := Spec(table)
	if err != nil {
		return Record{}, storageErr(table, "create", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := nowMillis()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = StatusPending
	}
	if err := s.insert(ctx, s.db, spec, &rec); err != nil {
		return Record{}, storageErr(table, "create", err)
	}
	if g != nil {
		g.WriteCompleted(ctx)
	}
	return rec, nil
}

// Update applies a payload patch to an existing record. The id is
// immutable; updated_at strictly increases on every local mutation and
// the record returns to pending.
func (s *Store) Update(ctx context.Context, table Table, id string, patch map[string]any) (Record, error) {
	g, err := s.admit(ctx)
	if err != nil {
		return Record{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	spec, err := Spec(table)
	if err != nil {
		return Record{}, storageErr(table, "update", err)
	}

	current, err := s.getByID(ctx, s.db, spec, id)
	if err != nil {
		return Record{}, storageErr(table, "update", err)
	}

	sets := []string{`updated_at = ?`, `sync_status = ?`}
	next := current.UpdatedAt + 1
	if now := nowMillis(); now > next {
		next = now
	}
	args := []any{next, string(StatusPending)}
	for field, value := range patch {
		col, ok := spec.Column(field)
		if !ok {
			return Record{}, storageErr(table, "update", fmt.Errorf("unknown field %q", field))
		}
		encoded, err := s.encodeValue(col, value)
		if err != nil {
			return Record{}, storageErr(table, "update", err)
		}
		sets = append(sets, fmt.Sprintf("\"%s\" = ?", col.SQL))
		args = append(args, encoded)
	}
	args = append(args, id)

	q := fmt.Sprintf("UPDATE \"%s\" SET %s WHERE id = ?", spec.Name, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return Record{}, storageErr(table, "update", err)
	}
	if g != nil {
		g.WriteCompleted(ctx)
	}
	return s.Get1(ctx, table, id)
}

// Get returns all records of a table matching the query.
func (s *Store) Get(ctx context.Context, table Table, q Query) ([]Record, error) {
	spec, err := Spec(table)
	if err != nil {
		return nil, storageErr(table, "get", err)
	}
	return s.selectRecords(ctx, s.db, spec, q)
}

// Get1 returns a single record by id, or ErrNotFound.
func (s *Store) Get1(ctx context.Context, table Table, id string) (Record, error) {
	spec, err := Spec(table)
	if err != nil {
		return Record{}, storageErr(table, "get", err)
	}
	rec, err := s.getByID(ctx, s.db, spec, id)
	if err != nil {
		return Record{}, storageErr(table, "get", err)
	}
	return rec, nil
}

// NeedsSync returns the rows of a table still waiting to leave the device.
func (s *Store) NeedsSync(ctx context.Context, table Table, userID string) ([]Record, error) {
	return s.Get(ctx, table, NewQuery().Eq("userId", userID).Eq("syncStatus", string(StatusPending)))
}

// CountPending counts pending rows of a table for one user.
func (s *Store) CountPending(ctx context.Context, table Table, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM \"%s\" WHERE user_id = ? AND sync_status = 'pending'", table),
		userID).Scan(&n)
	if err != nil {
		return 0, storageErr(table, "count", err)
	}
	return n, nil
}

// MarkSynced transitions a record pending -> synced and clears its retry
// count.
func (s *Store) MarkSynced(ctx context.Context, table Table, id string) error {
	return s.markSynced(ctx, s.db, table, id)
}

// MarkFailed transitions a record to failed and increments its retry
// count. A later RequeueFailed resets it to pending.
func (s *Store) MarkFailed(ctx context.Context, table Table, id string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE \"%s\" SET sync_status = 'failed', retry_count = retry_count + 1 WHERE id = ?", table), id)
	if err != nil {
		return storageErr(table, "markFailed", err)
	}
	return s.requireRow(table, "markFailed", res)
}

// RequeueFailed resets all failed rows of a table back to pending (the
// retry reset of the status state machine), keeping retry counts.
func (s *Store) RequeueFailed(ctx context.Context, table Table, userID string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE \"%s\" SET sync_status = 'pending' WHERE user_id = ? AND sync_status = 'failed'", table), userID)
	return storageErr(table, "requeueFailed", err)
}

// Destroy removes a record by id.
func (s *Store) Destroy(ctx context.Context, table Table, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM \"%s\" WHERE id = ?", table), id)
	if err != nil {
		return storageErr(table, "destroy", err)
	}
	return s.requireRow(table, "destroy", res)
}

// DeleteOlderThan removes all rows of a table created before cutoff
// (epoch ms) and reports how many were removed. Used by retention
// pruning; deliberately not admission-guarded since it frees space.
func (s *Store) DeleteOlderThan(ctx context.Context, table Table, cutoff int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM \"%s\" WHERE created_at < ?", table), cutoff)
	if err != nil {
		return 0, storageErr(table, "prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DatabaseSize returns the current size of the database file in bytes,
// computed from SQLite page accounting.
func (s *Store) DatabaseSize(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

func (s *Store) requireRow(table Table, op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(table, op, err)
	}
	if n == 0 {
		return storageErr(table, op, ErrNotFound)
	}
	return nil
}

// ---- statement helpers shared by Store and Tx ----

func (s *Store) insert(ctx context.Context, db dbtx, spec *TableSpec, rec *Record) error {
	cols := []string{"id", "user_id", "created_at", "updated_at", "sync_status", "retry_count"}
	args := []any{rec.ID, rec.UserID, rec.CreatedAt, rec.UpdatedAt, string(rec.SyncStatus), rec.RetryCount}
	for field, value := range rec.Fields {
		col, ok := spec.Column(field)
		if !ok {
			return fmt.Errorf("unknown field %q", field)
		}
		encoded, err := s.encodeValue(col, value)
		if err != nil {
			return err
		}
		cols = append(cols, fmt.Sprintf("\"%s\"", col.SQL))
		args = append(args, encoded)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT INTO \"%s\" (%s) VALUES (%s)", spec.Name, strings.Join(cols, ", "), placeholders)
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

func (s *Store) apply(ctx context.Context, db dbtx, spec *TableSpec, rec *Record) error {
	cols := []string{"id", "user_id", "created_at", "updated_at", "sync_status", "retry_count"}
	args := []any{rec.ID, rec.UserID, rec.CreatedAt, rec.UpdatedAt, string(rec.SyncStatus), rec.RetryCount}
	var updates []string
	for _, c := range []string{"user_id", "created_at", "updated_at", "sync_status", "retry_count"} {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	for field, value := range rec.Fields {
		col, ok := spec.Column(field)
		if !ok {
			return fmt.Errorf("unknown field %q", field)
		}
		encoded, err := s.encodeValue(col, value)
		if err != nil {
			return err
		}
		cols = append(cols, fmt.Sprintf("\"%s\"", col.SQL))
		args = append(args, encoded)
		updates = append(updates, fmt.Sprintf("\"%s\" = excluded.\"%s\"", col.SQL, col.SQL))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT INTO \"%s\" (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		spec.Name, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

func (s *Store) markSynced(ctx context.Context, db dbtx, table Table, id string) error {
	res, err := db.ExecContext(ctx,
		fmt.Sprintf("UPDATE \"%s\" SET sync_status = 'synced', retry_count = 0 WHERE id = ?", table), id)
	if err != nil {
		return storageErr(table, "markSynced", err)
	}
	return s.requireRow(table, "markSynced", res)
}

func (s *Store) getByID(ctx context.Context, db dbtx, spec *TableSpec, id string) (Record, error) {
	recs, err := s.scanRecords(ctx, db, spec,
		fmt.Sprintf("%s WHERE id = ?", s.selectClause(spec)), id)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *Store) selectRecords(ctx context.Context, db dbtx, spec *TableSpec, q Query) ([]Record, error) {
	where, args, err := q.build(spec)
	if err != nil {
		return nil, storageErr(spec.Name, "get", err)
	}
	recs, err := s.scanRecords(ctx, db, spec, s.selectClause(spec)+where+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, storageErr(spec.Name, "get", err)
	}
	return recs, nil
}

func (s *Store) selectClause(spec *TableSpec) string {
	cols := []string{"id", "user_id", "created_at", "updated_at", "sync_status", "retry_count"}
	for _, c := range spec.Columns {
		cols = append(cols, fmt.Sprintf("\"%s\"", c.SQL))
	}
	return fmt.Sprintf("SELECT %s FROM \"%s\"", strings.Join(cols, ", "), spec.Name)
}

func (s *Store) scanRecords(ctx context.Context, db dbtx, spec *TableSpec, query string, args ...any) ([]Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", spec.Name, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		meta := make([]any, 6)
		var id, userID, syncStatus string
		var createdAt, updatedAt int64
		var retryCount int
		meta[0], meta[1], meta[2], meta[3], meta[4], meta[5] =
			&id, &userID, &createdAt, &updatedAt, &syncStatus, &retryCount

		payload := make([]any, len(spec.Columns))
		ptrs := make([]any, 0, 6+len(spec.Columns))
		ptrs = append(ptrs, meta...)
		for i := range payload {
			ptrs = append(ptrs, &payload[i])
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", spec.Name, err)
		}

		rec := Record{
			ID:         id,
			UserID:     userID,
			CreatedAt:  createdAt,
			UpdatedAt:  updatedAt,
			SyncStatus: Status(syncStatus),
			RetryCount: retryCount,
			Fields:     make(map[string]any, len(spec.Columns)),
		}
		skip := false
		for i, col := range spec.Columns {
			value, err := s.decodeValue(col, payload[i])
			if err != nil {
				// A row whose sensitive field no longer decrypts is skipped
				// rather than corrupting reads; it stays pending for the
				// next sync to repair.
				s.logger.Warn("skipping undecryptable row",
					"table", spec.Name, "id", rec.ID, "column", col.SQL, "error", err)
				skip = true
				break
			}
			rec.Fields[col.Local] = value
		}
		if skip {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", spec.Name, err)
	}
	return out, nil
}

// encodeValue converts an in-process field value to its stored form.
// Sensitive columns are encrypted; booleans become 0/1.
func (s *Store) encodeValue(col Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if col.Sensitive {
		amount, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("sensitive column %s: %w", col.SQL, err)
		}
		if s.cipher == nil {
			return strconv.FormatFloat(amount, 'f', -1, 64), nil
		}
		ct, err := s.cipher.EncryptAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt column %s: %w", col.SQL, err)
		}
		return ct, nil
	}
	if b, ok := value.(bool); ok {
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return value, nil
}

// decodeValue converts a stored value back to its in-process form.
func (s *Store) decodeValue(col Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if col.Sensitive {
		raw := ""
		switch v := value.(type) {
		case string:
			raw = v
		case []byte:
			raw = string(v)
		default:
			return nil, fmt.Errorf("sensitive column %s has non-text storage", col.SQL)
		}
		if s.cipher == nil {
			return strconv.ParseFloat(raw, 64)
		}
		return s.cipher.DecryptAmount(raw)
	}
	switch v := value.(type) {
	case []byte:
		return string(v), nil
	case float64:
		if col.Type == "INTEGER" {
			return int64(v), nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("value %T is not numeric", value)
	}
}

// ---- transactions ----

// Tx is a transactional view of the store. All local writes of one sync
// strategy run inside a single Tx so a mid-strategy crash cannot leave a
// table half-updated relative to its own batch.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// WithTx runs fn inside one SQLite transaction, serialized against other
// writers. fn returning an error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	g, err := s.admit(ctx)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if err := fn(&Tx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if g != nil {
		g.WriteCompleted(ctx)
	}
	return nil
}

// Apply upserts a record verbatim, preserving its timestamps and sync
// status. This is the replication write used when materializing remote
// state; it deliberately bypasses the updated_at bump of Update.
func (t *Tx) Apply(table Table, rec Record) error {
	spec, err := Spec(table)
	if err != nil {
		return storageErr(table, "apply", err)
	}
	if rec.ID == "" {
		return storageErr(table, "apply", errors.New("record id required"))
	}
	if err := t.s.apply(context.Background(), t.tx, spec, &rec); err != nil {
		return storageErr(table, "apply", err)
	}
	return nil
}

// MarkSynced transitions a record to synced within the transaction.
func (t *Tx) MarkSynced(table Table, id string) error {
	return t.s.markSynced(context.Background(), t.tx, table, id)
}

// Destroy removes a record within the transaction.
func (t *Tx) Destroy(table Table, id string) error {
	_, err := t.tx.Exec(fmt.Sprintf("DELETE FROM \"%s\" WHERE id = ?", table), id)
	return storageErr(table, "destroy", err)
}
