// Package store provides the durable local store for fieldsync collections.
//
// The store owns a single SQLite handle. Each collection is a table keyed by
// record key with the record serialized as JSON; declared secondary indices
// are materialized as extra columns written in the same statement as the
// record itself, so a record and its index entries are never observable in a
// partial state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fielderrors "github.com/agridesk/fieldsync/internal/errors"
	_ "modernc.org/sqlite"
)

const dbFileName = "fieldsync.db"

// IndexFilter restricts a GetAll to records whose indexed field equals Value.
type IndexFilter struct {
	Index string
	Value string
}

// Store is the durable local store. It is safe for concurrent use; SQLite is
// configured with a single writer connection and WAL journaling.
type Store struct {
	mu          sync.RWMutex
	db          *sql.DB
	schema      Schema
	collections map[string]Collection
	dataDir     string
}

// Open opens (or creates) the store under dataDir and idempotently applies
// the schema. An incompatible index redefinition fails with SCHEMA_ERROR and
// must be treated as fatal for the installation.
func Open(dataDir string, schema Schema) (*Store, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "failed to create data directory", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFileName))
	if err != nil {
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// WAL keeps readers unblocked while a write transaction commits
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "failed to enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "failed to enable foreign keys", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "failed to begin schema transaction", err)
	}
	if err := apply(tx, schema); err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, fielderrors.Wrap(fielderrors.ErrSchema, "failed to commit schema", err)
	}

	collections := make(map[string]Collection, len(schema.Collections))
	for _, c := range schema.Collections {
		collections[c.Name] = c
	}

	return &Store{
		db:          db,
		schema:      schema,
		collections: collections,
		dataDir:     dataDir,
	}, nil
}

// Close closes the underlying database. Subsequent operations fail with
// NOT_INITIALIZED.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DataDir returns the directory holding the store's files.
func (s *Store) DataDir() string {
	return s.dataDir
}

// handle returns the live database handle or NOT_INITIALIZED.
func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, fielderrors.New(fielderrors.ErrNotInitialized, "store is not open")
	}
	return s.db, nil
}

// DB exposes the shared handle for components that persist inside the store
// (the sync queue). Fails with NOT_INITIALIZED before Open completes.
func (s *Store) DB() (*sql.DB, error) {
	return s.handle()
}

func (s *Store) collection(name string) (Collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return Collection{}, fielderrors.New(fielderrors.ErrInvalid,
			fmt.Sprintf("unknown collection: %q", name))
	}
	return c, nil
}

// Put upserts a record by key. The record and all declared secondary indices
// are written in a single statement, so the write is all-or-nothing.
func (s *Store) Put(ctx context.Context, collection, key string, record interface{}) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if key == "" {
		return fielderrors.New(fielderrors.ErrInvalid, "record key must not be empty")
	}

	data, err := marshalRecord(record)
	if err != nil {
		return fielderrors.Wrap(fielderrors.ErrInvalid, "failed to encode record", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fielderrors.Wrap(fielderrors.ErrInvalid, "record must be a JSON object", err)
	}

	cols := []string{"key", "data", "updated_at"}
	args := []interface{}{key, string(data), time.Now().Unix()}
	updates := []string{"data = excluded.data", "updated_at = excluded.updated_at"}
	for _, idx := range c.Indices {
		col := indexColumn(idx.Name)
		cols = append(cols, col)
		args = append(args, indexValue(fields[idx.Field]))
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(key) DO UPDATE SET %s",
		tableName(collection), strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return storageError("put failed", err)
	}
	return nil
}

// Get retrieves a single record by key. Fails with NOT_FOUND if absent.
func (s *Store) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if _, err := s.collection(collection); err != nil {
		return nil, err
	}

	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE key = ?", tableName(collection))
	err = db.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fielderrors.New(fielderrors.ErrNotFound,
			fmt.Sprintf("record %q not found in %q", key, collection))
	}
	if err != nil {
		return nil, storageError("get failed", err)
	}
	return json.RawMessage(data), nil
}

// GetAll returns a snapshot of a collection, optionally restricted to records
// whose indexed field matches the filter. The snapshot is read under a single
// query and does not block writers.
func (s *Store) GetAll(ctx context.Context, collection string, filter *IndexFilter) ([]json.RawMessage, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT data FROM %s", tableName(collection))
	var args []interface{}

	if filter != nil {
		declared := false
		for _, idx := range c.Indices {
			if idx.Name == filter.Index {
				declared = true
				break
			}
		}
		if !declared {
			return nil, fielderrors.New(fielderrors.ErrInvalid,
				fmt.Sprintf("index %q not declared on collection %q", filter.Index, collection))
		}
		query += fmt.Sprintf(" WHERE %s = ?", indexColumn(filter.Index))
		args = append(args, filter.Value)
	}
	query += " ORDER BY key"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("getAll failed", err)
	}
	defer rows.Close()

	var records []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storageError("getAll scan failed", err)
		}
		records = append(records, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("getAll iteration failed", err)
	}
	return records, nil
}

// Delete removes a record by key. Deleting an absent key is a no-op so that
// refresh and rekey paths stay idempotent.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := s.collection(collection); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", tableName(collection))
	if _, err := db.ExecContext(ctx, query, key); err != nil {
		return storageError("delete failed", err)
	}
	return nil
}

// ReplaceAll overwrites a collection with the given keyed records in one
// transaction. Used by the refresh path, where server state wins wholesale.
func (s *Store) ReplaceAll(ctx context.Context, collection string, records map[string]json.RawMessage) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("replaceAll begin failed", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", tableName(collection))); err != nil {
		return storageError("replaceAll clear failed", err)
	}

	now := time.Now().Unix()
	for key, data := range records {
		var fields map[string]interface{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return fielderrors.Wrap(fielderrors.ErrInvalid,
				fmt.Sprintf("record %q is not a JSON object", key), err)
		}

		cols := []string{"key", "data", "updated_at"}
		args := []interface{}{key, string(data), now}
		for _, idx := range c.Indices {
			cols = append(cols, indexColumn(idx.Name))
			args = append(args, indexValue(fields[idx.Field]))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			tableName(collection), strings.Join(cols, ", "), placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return storageError("replaceAll insert failed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageError("replaceAll commit failed", err)
	}
	return nil
}

// marshalRecord accepts pre-encoded JSON or any marshalable value.
func marshalRecord(record interface{}) ([]byte, error) {
	switch v := record.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(record)
	}
}

// indexValue normalizes an extracted field value to a TEXT column value.
func indexValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return fmt.Sprintf("%v", v)
}

// storageError maps low-level SQLite failures to typed store errors. A full
// disk or exhausted quota surfaces as QUOTA_EXCEEDED so callers can evict
// cache entries and retry.
func storageError(message string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "SQLITE_FULL") {
		return fielderrors.Wrap(fielderrors.ErrQuotaExceeded, message, err)
	}
	return fielderrors.Wrap(fielderrors.ErrStorage, message, err)
}
