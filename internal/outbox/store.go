// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ManuGH/clipd/internal/persistence/sqlite"
)

// Store persists outbox rows. Inserts run inside the caller's business
// transaction; claim and settle run in the relay's own transactions.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes an event in its own transaction. Most callers want InsertTx.
func (s *Store) Insert(ctx context.Context, eventType, aggregateType, aggregateID, idempotencyKey string, payload any) (int64, error) {
	return s.InsertTx(ctx, s.db, eventType, aggregateType, aggregateID, idempotencyKey, payload)
}

// InsertTx writes an event inside a caller-owned transaction. A collision
// on the idempotency key is a no-op returning the existing row id.
func (s *Store) InsertTx(ctx context.Context, q sqlite.DBTX, eventType, aggregateType, aggregateID, idempotencyKey string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO outbox_events (event_type, aggregate_type, aggregate_id, payload, idempotency_key, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventType, aggregateType, aggregateID, string(raw), idempotencyKey,
		string(StatusPending), time.Now().UnixMilli())
	if sqlite.IsUniqueViolation(err) {
		var existing int64
		if err := q.QueryRowContext(ctx,
			`SELECT id FROM outbox_events WHERE idempotency_key = ?`, idempotencyKey).Scan(&existing); err != nil {
			return 0, err
		}
		return existing, nil
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimBatch atomically moves up to limit ready rows to claimed, bound to
// claimant, and returns them in id order.
func (s *Store) ClaimBatch(ctx context.Context, claimant string, limit int) ([]Event, error) {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox_events
		 SET status = ?, claimed_by = ?, claimed_at = ?
		 WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY id ASC LIMIT ?
		 )
		 RETURNING id, event_type, aggregate_type, aggregate_id, payload, idempotency_key,
		           status, attempts, next_attempt_at, COALESCE(claimed_by, ''), COALESCE(claimed_at, 0), created_at`,
		string(StatusClaimed), claimant, now, string(StatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MarkPublished finalizes a delivered row. Published never regresses.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = ?, claimed_by = NULL, claimed_at = NULL
		 WHERE id = ? AND status = ?`,
		string(StatusPublished), id, string(StatusClaimed))
	return err
}

// MarkFailed records a delivery failure: the row returns to pending with a
// backoff, or parks as dead once maxAttempts is exhausted.
func (s *Store) MarkFailed(ctx context.Context, id int64, maxAttempts int, backoff func(attempts int) time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM outbox_events WHERE id = ?`, id).Scan(&attempts); err != nil {
		return err
	}
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox_events SET status = ?, attempts = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ?`,
			string(StatusDead), attempts, id)
	} else {
		next := time.Now().Add(backoff(attempts)).UnixMilli()
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox_events SET status = ?, attempts = ?, next_attempt_at = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ?`,
			string(StatusPending), attempts, next, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ReapStale returns rows stuck in claimed longer than ttl to pending.
// Crash recovery: a relay that died mid-batch loses its claims here.
func (s *Store) ReapStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = ?, claimed_by = NULL, claimed_at = NULL
		 WHERE status = ? AND claimed_at < ?`,
		string(StatusPending), string(StatusClaimed), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns a single event row by id.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, aggregate_type, aggregate_id, payload, idempotency_key,
		        status, attempts, next_attempt_at, COALESCE(claimed_by, ''), COALESCE(claimed_at, 0), created_at
		 FROM outbox_events WHERE id = ?`, id)
	return scanEvent(row.Scan)
}

func scanEvent(scan func(dest ...any) error) (*Event, error) {
	var e Event
	var status, payload string
	var nextMs, claimedMs, createdMs int64
	if err := scan(&e.ID, &e.EventType, &e.AggregateType, &e.AggregateID, &payload,
		&e.IdempotencyKey, &status, &e.Attempts, &nextMs, &e.ClaimedBy, &claimedMs, &createdMs); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Payload = json.RawMessage(payload)
	e.NextAttemptAt = time.UnixMilli(nextMs)
	if claimedMs > 0 {
		e.ClaimedAt = time.UnixMilli(claimedMs)
	}
	e.CreatedAt = time.UnixMilli(createdMs)
	return &e, nil
}
