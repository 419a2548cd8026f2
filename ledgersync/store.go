// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// storeSchemaVersion is the schema this build writes. Opening a database with
// a higher version fails with ErrStorageReset; a lower version is migrated
// additively (missing index columns are added in place).
const storeSchemaVersion = 1

// Well-known collections used by the sync core.
const (
	CollectionSyncQueue      = "sync_queue"
	CollectionFarmerProducts = "farmer_products_cache"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DefaultCollections returns the collection set the sync core needs.
func DefaultCollections() []Collection {
	return []Collection{
		{Name: CollectionSyncQueue},
		{Name: CollectionFarmerProducts, Indexes: []string{"farmer_id"}},
	}
}

// Collection declares one key-indexed record set held by the store. Records
// are JSON objects carrying an "id" field; Indexes names record fields that
// must be queryable via GetByIndex.
type Collection struct {
	Name    string
	Indexes []string
}

// Store is the local durable store: a versioned, per-operation-transactional
// document store persisted in SQLite. If persistent storage cannot be opened
// it degrades to an in-memory table set so offline features keep working for
// the session.
//
// All operations are independently transactional; no multi-collection atomic
// transactions are offered because every queue entry and cache write is
// self-contained.
type Store struct {
	path        string
	collections []Collection
	logger      *slog.Logger

	initOnce sync.Once
	initErr  error
	ready    atomic.Bool

	db  *sql.DB    // nil when degraded
	mem *memTables // non-nil when degraded
}

// NewStore creates a store for the given SQLite path and collection set.
// Nothing is opened until Init.
func NewStore(path string, collections []Collection, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, c := range collections {
		if !identRe.MatchString(c.Name) {
			return nil, fmt.Errorf("invalid collection name %q", c.Name)
		}
		for _, ix := range c.Indexes {
			if !identRe.MatchString(ix) {
				return nil, fmt.Errorf("invalid index name %q on collection %q", ix, c.Name)
			}
		}
	}
	return &Store{
		path:        path,
		collections: collections,
		logger:      logger,
	}, nil
}

// Init opens (creating or upgrading the schema if needed) the store exactly
// once per process. Concurrent callers block on the same initialization and
// observe the same outcome.
//
// If the database cannot be opened, the store degrades to memory-only tables
// and Init returns an error wrapping ErrStorageUnavailable; the store is
// still usable afterwards. ErrStorageReset is fatal and leaves the store
// unusable.
func (s *Store) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.open(ctx)
	})
	return s.initErr
}

// Ready reports whether Init has completed and the store accepts operations.
func (s *Store) Ready() bool { return s.ready.Load() }

// Degraded reports whether the store fell back to memory-only operation.
func (s *Store) Degraded() bool { return s.mem != nil }

func (s *Store) open(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.path)
	if err == nil {
		// sql.Open is lazy; force the file open now.
		err = db.PingContext(ctx)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		s.logger.Warn("Persistent storage unavailable, degrading to memory-only",
			"path", s.path, "error", err)
		s.mem = newMemTables(s.collections)
		s.ready.Store(true)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.checkSchemaVersion(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	for _, c := range s.collections {
		if err := ensureCollection(ctx, db, c); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to prepare collection %s: %w", c.Name, err)
		}
	}

	s.db = db
	s.ready.Store(true)
	return nil
}

func (s *Store) checkSchemaVersion(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _store_meta (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	var stored int
	err = db.QueryRowContext(ctx,
		`SELECT value FROM _store_meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		stored = 0
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if stored > storeSchemaVersion {
		return fmt.Errorf("%w: found v%d, supported v%d", ErrStorageReset, stored, storeSchemaVersion)
	}
	if stored < storeSchemaVersion {
		// Additive migrations happen in ensureCollection; just record the
		// new version.
		_, err = db.ExecContext(ctx, `
			INSERT INTO _store_meta (key, value) VALUES ('schema_version', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			storeSchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to write schema version: %w", err)
		}
	}
	return nil
}

// ensureCollection creates the collection table and brings older tables up to
// date by adding any missing index columns.
func ensureCollection(ctx context.Context, db *sql.DB, c Collection) error {
	cols := ""
	for _, ix := range c.Indexes {
		cols += fmt.Sprintf(", ix_%s TEXT", ix)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			seq    INTEGER PRIMARY KEY AUTOINCREMENT,
			id     TEXT NOT NULL UNIQUE,
			record TEXT NOT NULL%s
		)`, c.Name, cols))
	if err != nil {
		return err
	}

	// Additive migration: older databases may predate an index column.
	existing := map[string]bool{}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, c.Name))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ix := range c.Indexes {
		col := "ix_" + ix
		if !existing[col] {
			if _, err := db.ExecContext(ctx,
				fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q TEXT`, c.Name, col)); err != nil {
				return err
			}
		}
		_, err := db.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %q ON %q (%q)`,
			"idx_"+c.Name+"_"+ix, c.Name, col))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) collection(name string) (*Collection, error) {
	for i := range s.collections {
		if s.collections[i].Name == name {
			return &s.collections[i], nil
		}
	}
	return nil, fmt.Errorf("unknown collection %q", name)
}

func (s *Store) checkReady() error {
	if !s.ready.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Put upserts a record by its "id" field, generating an id when absent, and
// returns the id. Re-putting an existing id keeps its original position in
// the collection order.
func (s *Store) Put(ctx context.Context, collection string, record json.RawMessage) (string, error) {
	if err := s.checkReady(); err != nil {
		return "", err
	}
	c, err := s.collection(collection)
	if err != nil {
		return "", err
	}

	var fields map[string]any
	if err := json.Unmarshal(record, &fields); err != nil {
		return "", fmt.Errorf("record is not a JSON object: %w", err)
	}
	id, _ := fields["id"].(string)
	if id == "" {
		id = uuid.New().String()
		fields["id"] = id
		if record, err = json.Marshal(fields); err != nil {
			return "", fmt.Errorf("failed to re-marshal record: %w", err)
		}
	}

	if s.mem != nil {
		s.mem.put(c, id, record, fields)
		return id, nil
	}

	colNames := "id, record"
	placeholders := "?, ?"
	args := []any{id, string(record)}
	updates := "record = excluded.record"
	for _, ix := range c.Indexes {
		colNames += fmt.Sprintf(", ix_%s", ix)
		placeholders += ", ?"
		args = append(args, indexValue(fields[ix]))
		updates += fmt.Sprintf(", ix_%s = excluded.ix_%s", ix, ix)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (%s) VALUES (%s)
		ON CONFLICT(id) DO UPDATE SET %s`,
		collection, colNames, placeholders, updates), args...)
	if err != nil {
		return "", fmt.Errorf("failed to put record into %s: %w", collection, err)
	}
	return id, nil
}

// GetAll returns every record in the collection in insertion order.
func (s *Store) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if s.mem != nil {
		return s.mem.getAll(c), nil
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT record FROM %q ORDER BY seq`, collection))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetByIndex returns the records whose indexed field equals value, in
// insertion order. Index values compare as strings.
func (s *Store) GetByIndex(ctx context.Context, collection, indexKey string, value any) ([]json.RawMessage, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	found := false
	for _, ix := range c.Indexes {
		if ix == indexKey {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("collection %q has no index %q", collection, indexKey)
	}
	if s.mem != nil {
		return s.mem.getByIndex(c, indexKey, indexValue(value)), nil
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT record FROM %q WHERE ix_%s = ? ORDER BY seq`, collection, indexKey),
		indexValue(value))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", collection, indexKey, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Delete removes a record by id. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if s.mem != nil {
		s.mem.delete(c, id)
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, collection), id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	if s.mem != nil {
		return s.mem.count(c), nil
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %q`, collection)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

// Close releases the underlying database. The store cannot be reused after
// Close.
func (s *Store) Close() error {
	s.ready.Store(false)
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

// indexValue normalizes a record field for the TEXT index columns.
func indexValue(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; keep integers clean.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// memTables is the memory-only fallback used when persistent storage is
// unavailable. Same semantics as the SQLite path minus durability.
type memTables struct {
	mu     sync.Mutex
	tables map[string]*memCollection
}

type memCollection struct {
	order   []string
	records map[string]memRecord
}

type memRecord struct {
	record json.RawMessage
	index  map[string]string
}

func newMemTables(collections []Collection) *memTables {
	m := &memTables{tables: make(map[string]*memCollection, len(collections))}
	for _, c := range collections {
		m.tables[c.Name] = &memCollection{records: make(map[string]memRecord)}
	}
	return m
}

func (m *memTables) put(c *Collection, id string, record json.RawMessage, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[c.Name]
	idx := make(map[string]string, len(c.Indexes))
	for _, ix := range c.Indexes {
		idx[ix] = indexValue(fields[ix])
	}
	if _, exists := t.records[id]; !exists {
		t.order = append(t.order, id)
	}
	// Copy so callers cannot mutate stored bytes.
	stored := make(json.RawMessage, len(record))
	copy(stored, record)
	t.records[id] = memRecord{record: stored, index: idx}
}

func (m *memTables) getAll(c *Collection) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[c.Name]
	out := make([]json.RawMessage, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.records[id].record)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (m *memTables) getByIndex(c *Collection, indexKey, value string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[c.Name]
	var out []json.RawMessage
	for _, id := range t.order {
		if rec := t.records[id]; rec.index[indexKey] == value {
			out = append(out, rec.record)
		}
	}
	return out
}

func (m *memTables) delete(c *Collection, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[c.Name]
	if _, exists := t.records[id]; !exists {
		return
	}
	delete(t.records, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (m *memTables) count(c *Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[c.Name].records)
}
