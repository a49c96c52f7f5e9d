// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package sqlite

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 2

// Migrate applies the core schema, gated on PRAGMA user_version so reruns
// are no-ops. Every statement is idempotent, so bumping schemaVersion and
// extending the schema below upgrades older databases in place. All stores
// share one database file.
func Migrate(db *sql.DB) error {
	var currentVersion int
	if err := db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		tier       TEXT NOT NULL DEFAULT 'free',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assets (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		ext        TEXT NOT NULL,
		width      INTEGER NOT NULL DEFAULT 0,
		height     INTEGER NOT NULL DEFAULT 0,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets(owner_id);

	CREATE TABLE IF NOT EXISTS operations (
		id            TEXT PRIMARY KEY,
		asset_id      TEXT NOT NULL,
		owner_id      TEXT NOT NULL,
		kind          TEXT NOT NULL,
		status        TEXT NOT NULL,
		params        TEXT NOT NULL,
		fingerprint   TEXT NOT NULL,
		result_path   TEXT,
		error_message TEXT,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_operations_asset ON operations(asset_id, kind, fingerprint);
	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	-- One live operation per dedup identity. Failed attempts stay behind
	-- as history and never block a retry.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_operations_identity
		ON operations(asset_id, kind, fingerprint) WHERE status != 'failed';

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      TEXT NOT NULL,
		operation_id TEXT,
		amount       INTEGER NOT NULL,
		type         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id);
	-- At most one reservation per operation.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_reservation
		ON ledger_entries(operation_id) WHERE type = 'reservation';
	-- Terminal settlement is exclusive: one capture OR one refund.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_settle
		ON ledger_entries(operation_id) WHERE type IN ('debit_capture','refund');

	CREATE TABLE IF NOT EXISTS outbox_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type      TEXT NOT NULL,
		aggregate_type  TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		payload         TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		claimed_by      TEXT,
		claimed_at      INTEGER,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_ready ON outbox_events(status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		operation_id    TEXT NOT NULL UNIQUE,
		kind            TEXT NOT NULL,
		asset_id        TEXT NOT NULL,
		owner_id        TEXT NOT NULL,
		params          TEXT NOT NULL,
		priority        INTEGER NOT NULL DEFAULT 5,
		attempts        INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'ready',
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		claimed_by      TEXT,
		claimed_at      INTEGER,
		trace_context   TEXT NOT NULL DEFAULT '{}',
		enqueued_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, priority, enqueued_at);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
