// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ledger implements credit accounting as an append-only entry log
// with explicit reservation, capture and refund semantics.
//
// A single table removes the race window between "check balance" and
// "deduct": a reservation is a negative entry inserted under the same
// transaction that recomputed the balance, so the visible balance always
// reflects pending charges. Partial unique indexes (one reservation, one
// terminal settlement per operation) enforce the protocol in the storage
// layer instead of application checks.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/clipd/internal/log"
	"github.com/ManuGH/clipd/internal/persistence/sqlite"
)

// EntryType tags a ledger row.
type EntryType string

const (
	Reservation  EntryType = "reservation"
	DebitCapture EntryType = "debit_capture"
	Refund       EntryType = "refund"
	Addition     EntryType = "addition"
	Adjustment   EntryType = "adjustment"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAlreadyReserved   = errors.New("ledger: operation already reserved")
	ErrAlreadySettled    = errors.New("ledger: operation already settled")
	ErrNotFound          = errors.New("ledger: not found")
)

// Entry is one immutable ledger row.
type Entry struct {
	ID          int64
	UserID      string
	OperationID string
	Amount      int64
	Type        EntryType
	Description string
	CreatedAt   time.Time
}

// Ledger is the authoritative credit store. All methods are safe for
// concurrent use; the Tx variants run against a caller-owned transaction so
// settlement can share the business transaction with operation and outbox
// writes.
type Ledger struct {
	db *sql.DB
}

// New wraps the shared database handle.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Reserve places a hold of amount credits against userID for operationID.
// The reservation is stored as a negative entry so the derived balance
// already reflects the pending charge.
func (l *Ledger) Reserve(ctx context.Context, userID, operationID string, amount int64, description string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.ReserveTx(ctx, tx, userID, operationID, amount, description); err != nil {
		return err
	}
	return tx.Commit()
}

// ReserveTx is Reserve inside a caller-owned transaction.
func (l *Ledger) ReserveTx(ctx context.Context, q sqlite.DBTX, userID, operationID string, amount int64, description string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: reserve amount must be positive, got %d", amount)
	}

	balance, err := balanceOf(ctx, q, userID)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientFunds
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, operation_id, amount, type, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, operationID, -amount, string(Reservation), description, nowMillis())
	if sqlite.IsUniqueViolation(err) {
		return ErrAlreadyReserved
	}
	if err != nil {
		return err
	}

	reserveTotal.Inc()
	return nil
}

// Capture terminates a reservation successfully. The inserted row carries
// amount 0: the reservation already debited the credits, the capture is an
// audit marker. Idempotent via the settlement unique index.
func (l *Ledger) Capture(ctx context.Context, operationID string) error {
	return l.CaptureTx(ctx, l.db, operationID)
}

// CaptureTx is Capture inside a caller-owned transaction.
func (l *Ledger) CaptureTx(ctx context.Context, q sqlite.DBTX, operationID string) error {
	res, err := reservationOf(ctx, q, operationID)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, operation_id, amount, type, description, created_at)
		 VALUES (?, ?, 0, ?, ?, ?)`,
		res.UserID, operationID, string(DebitCapture), "capture: "+res.Description, nowMillis())
	if sqlite.IsUniqueViolation(err) {
		return ErrAlreadySettled
	}
	if err != nil {
		return err
	}

	settleTotal.WithLabelValues("capture").Inc()
	return nil
}

// Refund cancels a reservation. The inserted row is the positive mirror of
// the reservation so the net effect over both rows is zero. Idempotent.
func (l *Ledger) Refund(ctx context.Context, operationID, reason string) error {
	return l.RefundTx(ctx, l.db, operationID, reason)
}

// RefundTx is Refund inside a caller-owned transaction.
func (l *Ledger) RefundTx(ctx context.Context, q sqlite.DBTX, operationID, reason string) error {
	res, err := reservationOf(ctx, q, operationID)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, operation_id, amount, type, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.UserID, operationID, -res.Amount, string(Refund), reason, nowMillis())
	if sqlite.IsUniqueViolation(err) {
		return ErrAlreadySettled
	}
	if err != nil {
		return err
	}

	settleTotal.WithLabelValues("refund").Inc()
	return nil
}

// Credit adds amount credits to userID and returns the new entry id.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}
	return l.CreditTx(ctx, l.db, userID, amount, description)
}

// CreditTx is Credit inside a caller-owned transaction.
func (l *Ledger) CreditTx(ctx context.Context, q sqlite.DBTX, userID string, amount int64, description string) (int64, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, operation_id, amount, type, description, created_at)
		 VALUES (?, NULL, ?, ?, ?, ?)`,
		userID, amount, string(Addition), description, nowMillis())
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	logger := log.WithComponent("ledger")
	logger.Info().
		Str(log.FieldUserID, userID).
		Int64(log.FieldAmount, amount).
		Int64(log.FieldEventID, id).
		Msg("credits added")
	return id, nil
}

// Balance returns the derived balance: the sum of all entries for userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return balanceOf(ctx, l.db, userID)
}

// Reservation returns the reservation entry for operationID, or ErrNotFound.
func (l *Ledger) Reservation(ctx context.Context, operationID string) (*Entry, error) {
	return reservationOf(ctx, l.db, operationID)
}

// Settled reports whether operationID already has a terminal settlement row.
func (l *Ledger) Settled(ctx context.Context, operationID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE operation_id = ? AND type IN (?, ?)`,
		operationID, string(DebitCapture), string(Refund)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OrphanedReservations returns reservations created strictly before cutoff
// that have no matching capture or refund. This is the janitor's work list.
func (l *Ledger) OrphanedReservations(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT r.id, r.user_id, r.operation_id, r.amount, r.description, r.created_at
		 FROM ledger_entries r
		 WHERE r.type = ?
		   AND r.created_at < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM ledger_entries s
		     WHERE s.operation_id = r.operation_id AND s.type IN (?, ?)
		   )
		 ORDER BY r.id ASC`,
		string(Reservation), cutoff.UnixMilli(), string(DebitCapture), string(Refund))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.OperationID, &e.Amount, &e.Description, &createdMs); err != nil {
			return nil, err
		}
		e.Type = Reservation
		e.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Entries returns all entries for userID ordered by insertion.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(operation_id, ''), amount, type, description, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var typ string
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.OperationID, &e.Amount, &typ, &e.Description, &createdMs); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func balanceOf(ctx context.Context, q sqlite.DBTX, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func reservationOf(ctx context.Context, q sqlite.DBTX, operationID string) (*Entry, error) {
	var e Entry
	var createdMs int64
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, operation_id, amount, description, created_at
		 FROM ledger_entries WHERE operation_id = ? AND type = ?`,
		operationID, string(Reservation)).Scan(&e.ID, &e.UserID, &e.OperationID, &e.Amount, &e.Description, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Type = Reservation
	e.CreatedAt = time.UnixMilli(createdMs)
	return &e, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
