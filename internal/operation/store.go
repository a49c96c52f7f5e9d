// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/clipd/internal/persistence/sqlite"
)

var (
	ErrNotFound          = errors.New("operation: not found")
	ErrIllegalTransition = errors.New("operation: illegal status transition")
)

// Store persists operation rows and enforces the status lifecycle at the
// storage boundary: UPDATEs are guarded on the expected current status so
// racing writers cannot regress a terminal state.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that open the business
// transaction spanning operations, ledger and outbox.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertTx writes a new pending operation inside a caller-owned transaction.
func (s *Store) InsertTx(ctx context.Context, q sqlite.DBTX, op *Operation) error {
	raw, err := json.Marshal(op.Params)
	if err != nil {
		return err
	}
	now := time.Now()
	op.Status = StatusPending
	op.CreatedAt = now
	op.UpdatedAt = now
	_, err = q.ExecContext(ctx,
		`INSERT INTO operations (id, asset_id, owner_id, kind, status, params, fingerprint, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.AssetID, op.OwnerID, string(op.Kind), string(op.Status), string(raw),
		op.Fingerprint, now.UnixMilli(), now.UnixMilli())
	return err
}

// Get returns the operation by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	return getOperation(ctx, s.db, id)
}

// GetTx is Get against a caller-owned transaction.
func (s *Store) GetTx(ctx context.Context, q sqlite.DBTX, id string) (*Operation, error) {
	return getOperation(ctx, q, id)
}

// FindEquivalent returns an existing operation with the same dedup identity
// whose status still makes a new request redundant, or nil.
func (s *Store) FindEquivalent(ctx context.Context, assetID string, kind Kind, fingerprint string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, asset_id, owner_id, kind, status, params, fingerprint,
		        COALESCE(result_path, ''), COALESCE(error_message, ''), created_at, updated_at
		 FROM operations
		 WHERE asset_id = ? AND kind = ? AND fingerprint = ? AND status IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		assetID, string(kind), fingerprint,
		string(StatusPending), string(StatusProcessing), string(StatusCompleted))
	op, err := scanOperation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// MarkProcessing transitions pending -> processing inside a caller-owned
// transaction. Returns ErrIllegalTransition when the row moved already.
func (s *Store) MarkProcessing(ctx context.Context, q sqlite.DBTX, id string) error {
	return s.transition(ctx, q, id, StatusPending, StatusProcessing, "", "")
}

// MarkCompleted settles the operation successfully with its result path.
func (s *Store) MarkCompleted(ctx context.Context, q sqlite.DBTX, id, resultPath string) error {
	return s.transition(ctx, q, id, StatusProcessing, StatusCompleted, resultPath, "")
}

// MarkFailed settles the operation as failed with a reason. Failing is
// legal from both pending (admin cancel, dead queue) and processing.
func (s *Store) MarkFailed(ctx context.Context, q sqlite.DBTX, id, errorMessage string) error {
	err := s.transition(ctx, q, id, StatusProcessing, StatusFailed, "", errorMessage)
	if errors.Is(err, ErrIllegalTransition) {
		return s.transition(ctx, q, id, StatusPending, StatusFailed, "", errorMessage)
	}
	return err
}

func (s *Store) transition(ctx context.Context, q sqlite.DBTX, id string, from, to Status, resultPath, errorMessage string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE operations
		 SET status = ?, result_path = NULLIF(?, ''), error_message = NULLIF(?, ''), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), resultPath, errorMessage, time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or not in the expected state.
		if _, err := getOperation(ctx, q, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ListRestorable returns operations whose jobs must be requeued on boot:
// pending rows never ran, processing rows were interrupted mid-flight.
func (s *Store) ListRestorable(ctx context.Context) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, owner_id, kind, status, params, fingerprint,
		        COALESCE(result_path, ''), COALESCE(error_message, ''), created_at, updated_at
		 FROM operations WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(StatusPending), string(StatusProcessing))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func getOperation(ctx context.Context, q sqlite.DBTX, id string) (*Operation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, asset_id, owner_id, kind, status, params, fingerprint,
		        COALESCE(result_path, ''), COALESCE(error_message, ''), created_at, updated_at
		 FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

func scanOperation(scan func(dest ...any) error) (*Operation, error) {
	var op Operation
	var kind, status, params string
	var createdMs, updatedMs int64
	if err := scan(&op.ID, &op.AssetID, &op.OwnerID, &kind, &status, &params,
		&op.Fingerprint, &op.ResultPath, &op.ErrorMessage, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	op.Kind = Kind(kind)
	op.Status = Status(status)
	op.CreatedAt = time.UnixMilli(createdMs)
	op.UpdatedAt = time.UnixMilli(updatedMs)
	if err := json.Unmarshal([]byte(params), &op.Params); err != nil {
		return nil, fmt.Errorf("operation %s: corrupt params: %w", op.ID, err)
	}
	return &op, nil
}
