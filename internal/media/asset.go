// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package media holds asset metadata and the storage path convention
// consumed by workers.
package media

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/ManuGH/clipd/internal/persistence/sqlite"
)

// Kind discriminates asset rows. Videos and images share one table.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

var ErrNotFound = errors.New("media: asset not found")

var safeAssetID = regexp.MustCompile(`^[a-f0-9]{12}$`)

// Asset is one user-owned piece of media.
type Asset struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"ownerId"`
	Kind      Kind              `json:"kind"`
	Ext       string            `json:"ext"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewAssetID returns a short random hex identifier.
func NewAssetID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// IsSafeAssetID guards filesystem paths built from asset IDs.
func IsSafeAssetID(id string) bool {
	return safeAssetID.MatchString(id)
}

// Store persists asset metadata.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts or replaces an asset row.
func (s *Store) Put(ctx context.Context, a *Asset) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assets (id, owner_id, kind, ext, width, height, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			ext = excluded.ext,
			width = excluded.width,
			height = excluded.height,
			metadata = excluded.metadata`,
		a.ID, a.OwnerID, string(a.Kind), a.Ext, a.Width, a.Height, string(meta), a.CreatedAt.UnixMilli())
	return err
}

// Get returns the asset by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Asset, error) {
	return getAsset(ctx, s.db, id)
}

// GetTx is Get against a caller-owned transaction.
func (s *Store) GetTx(ctx context.Context, q sqlite.DBTX, id string) (*Asset, error) {
	return getAsset(ctx, q, id)
}

// ListByOwner returns all assets owned by ownerID.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, kind, ext, width, height, metadata, created_at
		 FROM assets WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes the asset row. File cleanup is the retention sweeper's job.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	return err
}

func getAsset(ctx context.Context, q sqlite.DBTX, id string) (*Asset, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, owner_id, kind, ext, width, height, metadata, created_at
		 FROM assets WHERE id = ?`, id)
	a, err := scanAsset(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanAsset(scan func(dest ...any) error) (*Asset, error) {
	var a Asset
	var kind, meta string
	var createdMs int64
	if err := scan(&a.ID, &a.OwnerID, &kind, &a.Ext, &a.Width, &a.Height, &meta, &createdMs); err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.CreatedAt = time.UnixMilli(createdMs)
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
