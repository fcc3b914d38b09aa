// Package syncqueue provides the durable log of pending mutations.
//
// Entries are persisted inside the local store's sync_queue table, so an
// enqueue is durable before it returns and the log survives process restart.
// Drain order is strictly FIFO by sequence number; entries are never
// reordered or coalesced.
package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	fielderrors "github.com/agridesk/fieldsync/internal/errors"
	"github.com/agridesk/fieldsync/internal/logging"
	"github.com/agridesk/fieldsync/internal/models"
	"github.com/agridesk/fieldsync/internal/store"
)

// Queue is the pending-mutation log. It owns no storage of its own; it is an
// explicit object over an injected store handle so tests can run against
// independent backends.
type Queue struct {
	st *store.Store
}

// New creates a Queue over the given store.
func New(st *store.Store) *Queue {
	return &Queue{st: st}
}

// Enqueue appends a mutation after assigning the next monotonic sequence
// number. The entry is durably committed before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, m models.Mutation) (int64, error) {
	if m.TargetCollection == "" {
		return 0, fielderrors.New(fielderrors.ErrInvalid, "mutation target collection must not be empty")
	}
	if m.Type == "" {
		return 0, fielderrors.New(fielderrors.ErrInvalid, "mutation type must not be empty")
	}

	db, err := q.st.DB()
	if err != nil {
		return 0, err
	}

	query := `INSERT INTO sync_queue (mutation_type, target_collection, record_key, payload, enqueued_at)
			  VALUES (?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		string(m.Type), m.TargetCollection, m.Key, string(m.Payload), time.Now().Unix())
	if err != nil {
		return 0, fielderrors.Wrap(fielderrors.ErrStorage, "enqueue failed", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fielderrors.Wrap(fielderrors.ErrStorage, "enqueue sequence lookup failed", err)
	}

	logging.Debug("Enqueued mutation", map[string]interface{}{
		"seq":        seq,
		"type":       string(m.Type),
		"collection": m.TargetCollection,
		"key":        m.Key,
	})
	return seq, nil
}

// PeekNext returns the entry with the lowest pending sequence number without
// removing it, or nil if the queue is empty.
func (q *Queue) PeekNext(ctx context.Context) (*models.SyncEntry, error) {
	db, err := q.st.DB()
	if err != nil {
		return nil, err
	}

	query := `SELECT seq, mutation_type, target_collection, record_key, payload, enqueued_at
			  FROM sync_queue ORDER BY seq ASC LIMIT 1`
	entry, err := scanEntry(db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "peek failed", err)
	}
	return entry, nil
}

// Ack removes an entry. Only valid once its effect has been confirmed applied
// remotely (or the controller has explicitly discarded it as unrecoverable).
func (q *Queue) Ack(ctx context.Context, seq int64) error {
	db, err := q.st.DB()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, "DELETE FROM sync_queue WHERE seq = ?", seq)
	if err != nil {
		return fielderrors.Wrap(fielderrors.ErrStorage, "ack failed", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fielderrors.New(fielderrors.ErrNotFound, fmt.Sprintf("queue entry %d not found", seq))
	}

	logging.Debug("Acked queue entry", map[string]interface{}{"seq": seq})
	return nil
}

// List returns all pending entries in ascending sequence order, for
// diagnostics and the pending-sync UI indicator.
func (q *Queue) List(ctx context.Context) ([]*models.SyncEntry, error) {
	db, err := q.st.DB()
	if err != nil {
		return nil, err
	}

	query := `SELECT seq, mutation_type, target_collection, record_key, payload, enqueued_at
			  FROM sync_queue ORDER BY seq ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "list failed", err)
	}
	defer rows.Close()

	var entries []*models.SyncEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fielderrors.Wrap(fielderrors.ErrStorage, "list scan failed", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fielderrors.Wrap(fielderrors.ErrStorage, "list iteration failed", err)
	}
	return entries, nil
}

// Size returns the number of pending entries.
func (q *Queue) Size(ctx context.Context) (int, error) {
	db, err := q.st.DB()
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, fielderrors.Wrap(fielderrors.ErrStorage, "size failed", err)
	}
	return n, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*models.SyncEntry, error) {
	var entry models.SyncEntry
	var mutationType string
	var payload sql.NullString
	err := s.Scan(&entry.SequenceID, &mutationType, &entry.TargetCollection,
		&entry.Key, &payload, &entry.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	entry.Type = models.MutationType(mutationType)
	if payload.Valid && payload.String != "" {
		entry.Payload = []byte(payload.String)
	}
	return &entry, nil
}
