// Package store provides the durable local store for fieldsync collections.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	fielderrors "github.com/agridesk/fieldsync/internal/errors"
)

// CacheSet writes a TTL-scoped cache entry, overwriting any existing value.
func (s *Store) CacheSet(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if key == "" {
		return fielderrors.New(fielderrors.ErrInvalid, "cache key must not be empty")
	}

	query := `INSERT INTO cache_entries (key, value, written_at, ttl_millis) VALUES (?, ?, ?, ?)
			  ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			  written_at = excluded.written_at, ttl_millis = excluded.ttl_millis`
	_, err = db.ExecContext(ctx, query, key, string(value), time.Now().UnixMilli(), ttl.Milliseconds())
	if err != nil {
		return storageError("cacheSet failed", err)
	}
	return nil
}

// CacheGet returns the cached value for key, or ok=false if the key is
// missing or expired. Expiry is evaluated lazily at read time; an expired
// entry is evicted on the spot rather than by a background timer.
func (s *Store) CacheGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}

	var value string
	var writtenAt, ttlMillis int64
	query := `SELECT value, written_at, ttl_millis FROM cache_entries WHERE key = ?`
	err = db.QueryRowContext(ctx, query, key).Scan(&value, &writtenAt, &ttlMillis)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageError("cacheGet failed", err)
	}

	if time.Now().UnixMilli()-writtenAt > ttlMillis {
		if _, err := db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
			return nil, false, storageError("cacheGet eviction failed", err)
		}
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

// CacheInvalidate removes a cache entry regardless of its TTL.
func (s *Store) CacheInvalidate(ctx context.Context, key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return storageError("cacheInvalidate failed", err)
	}
	return nil
}

// CacheSweep evicts all expired entries in bulk and returns how many were
// removed. Callable on a schedule or on storage-pressure signals.
func (s *Store) CacheSweep(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE ? - written_at > ttl_millis", time.Now().UnixMilli())
	if err != nil {
		return 0, storageError("cacheSweep failed", err)
	}
	evicted, _ := result.RowsAffected()
	return evicted, nil
}

// CacheSize returns the number of entries currently stored, expired or not.
func (s *Store) CacheSize(ctx context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&n); err != nil {
		return 0, storageError("cacheSize failed", err)
	}
	return n, nil
}
