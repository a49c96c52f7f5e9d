// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrUserNotFound is returned for lookups of unknown users.
var ErrUserNotFound = errors.New("pipeline: user not found")

// User is an account row. Tier drives queue priority.
type User struct {
	ID        string    `json:"id"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserStore persists accounts in the shared database.
type UserStore struct {
	db *sql.DB
}

// NewUserStore wraps the shared database handle.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Ensure creates the user if missing; an existing tier is not changed.
func (s *UserStore) Ensure(ctx context.Context, id, tier string) error {
	if tier == "" {
		tier = "free"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, tier, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, tier, time.Now().UnixMilli())
	return err
}

// Get returns the user row.
func (s *UserStore) Get(ctx context.Context, id string) (*User, error) {
	var u User
	var createdMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tier, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Tier, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(createdMs)
	return &u, nil
}

// Tier returns the user's tier, defaulting to free for unknown users so
// admission never fails on a missing account row.
func (s *UserStore) Tier(ctx context.Context, id string) (string, error) {
	u, err := s.Get(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return "free", nil
	}
	if err != nil {
		return "", err
	}
	return u.Tier, nil
}
