// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package janitor is the reconciliation sweep for credit reservations.
// A reservation normally settles within seconds; one that is still open
// after its TTL means a settlement was lost to a crash. The janitor
// converges every such reservation to exactly one capture or refund.
package janitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/clipd/internal/ledger"
	"github.com/ManuGH/clipd/internal/log"
	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/outbox"
)

// Suspicious-reservation policies. A completed operation without a capture
// should not happen; the policy decides whether the user keeps the credits
// (release) or pays for the work that demonstrably finished (capture).
const (
	PolicyRelease = "release"
	PolicyCapture = "capture"
)

// Config controls sweep cadence and age thresholds.
type Config struct {
	Interval time.Duration
	// TTL is the age at which an unsettled reservation becomes a candidate.
	TTL time.Duration
	// Grace extends TTL for operations that are still pending or
	// processing; only beyond TTL+Grace are they forcibly expired.
	Grace        time.Duration
	OnSuspicious string
}

// Stats summarizes one sweep. Suspicious counts completed operations whose
// reservation was still open; those are also included in Released or
// Captured depending on policy.
type Stats struct {
	Examined   int
	Released   int
	Captured   int
	Skipped    int
	Suspicious int
}

// Janitor owns the sweep loop.
type Janitor struct {
	cfg    Config
	db     *sql.DB
	ledger *ledger.Ledger
	ops    *operation.Store
	outbox *outbox.Store
}

// New builds a janitor with defaults: 5m interval, 30m TTL, 2xTTL grace,
// release on suspicious.
func New(cfg Config, db *sql.DB, led *ledger.Ledger, ops *operation.Store, ob *outbox.Store) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * cfg.TTL
	}
	if cfg.OnSuspicious != PolicyCapture {
		cfg.OnSuspicious = PolicyRelease
	}
	return &Janitor{cfg: cfg, db: db, ledger: led, ops: ops, outbox: ob}
}

// Run blocks until ctx is done, sweeping every interval.
func (j *Janitor) Run(ctx context.Context) error {
	logger := log.WithComponent("janitor")
	logger.Info().
		Dur("interval", j.cfg.Interval).
		Dur("ttl", j.cfg.TTL).
		Str("on_suspicious", j.cfg.OnSuspicious).
		Msg("janitor starting")

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("janitor stopping")
			return ctx.Err()
		case <-ticker.C:
			stats, err := j.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if stats.Examined > 0 {
				logger.Info().
					Int("examined", stats.Examined).
					Int("released", stats.Released).
					Int("captured", stats.Captured).
					Int("skipped", stats.Skipped).
					Int("suspicious", stats.Suspicious).
					Msg("sweep done")
			}
		}
	}
}

// Sweep reconciles every reservation older than TTL exactly once.
// Individual failures are logged and skipped so one bad row cannot stall
// the rest of the sweep.
func (j *Janitor) Sweep(ctx context.Context) (Stats, error) {
	now := time.Now()
	orphans, err := j.ledger.OrphanedReservations(ctx, now.Add(-j.cfg.TTL))
	if err != nil {
		return Stats{}, fmt.Errorf("list orphaned reservations: %w", err)
	}

	var stats Stats
	stats.Examined = len(orphans)
	logger := log.WithComponent("janitor")

	for _, res := range orphans {
		outcome, err := j.reconcile(ctx, now, res)
		if err != nil {
			if errors.Is(err, ledger.ErrAlreadySettled) {
				// Settled between listing and reconciling. Not our problem.
				stats.Skipped++
				continue
			}
			logger.Error().
				Err(err).
				Str(log.FieldOperationID, res.OperationID).
				Msg("reconcile failed")
			continue
		}
		switch outcome {
		case "released", "expired":
			stats.Released++
			reconciledTotal.WithLabelValues(outcome).Inc()
		case "suspicious_released":
			stats.Released++
			stats.Suspicious++
			reconciledTotal.WithLabelValues(outcome).Inc()
		case "suspicious_captured":
			stats.Captured++
			stats.Suspicious++
			reconciledTotal.WithLabelValues(outcome).Inc()
		case "skipped":
			stats.Skipped++
		}
	}
	return stats, nil
}

func (j *Janitor) reconcile(ctx context.Context, now time.Time, res ledger.Entry) (string, error) {
	logger := log.WithComponent("janitor")

	op, err := j.ops.Get(ctx, res.OperationID)
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			// Reservation without an operation row: the insert was rolled
			// back but the reservation somehow survived. Give it back.
			logger.Warn().
				Str(log.FieldOperationID, res.OperationID).
				Msg("reservation without operation, releasing")
			return "released", j.ledger.Refund(ctx, res.OperationID, "orphaned reservation")
		}
		return "", err
	}

	switch op.Status {
	case operation.StatusCompleted:
		// Completed but never captured: the settlement transaction was
		// lost. Suspicious by definition.
		logger.Warn().
			Str(log.FieldOperationID, op.ID).
			Str("policy", j.cfg.OnSuspicious).
			Msg("completed operation with open reservation")
		if j.cfg.OnSuspicious == PolicyCapture {
			return "suspicious_captured", j.ledger.Capture(ctx, op.ID)
		}
		return "suspicious_released", j.ledger.Refund(ctx, op.ID, "unsettled completion")

	case operation.StatusFailed:
		// Failed terminally without a refund.
		return "released", j.ledger.Refund(ctx, op.ID, "unsettled failure")

	case operation.StatusPending, operation.StatusProcessing:
		if res.CreatedAt.After(now.Add(-(j.cfg.TTL + j.cfg.Grace))) {
			// Still inside the grace window: a long encode may be live.
			return "skipped", nil
		}
		// Past TTL+grace the work is presumed dead. Expire the operation
		// and release the hold in one transaction.
		return "expired", j.expire(ctx, op)
	}
	return "skipped", nil
}

func (j *Janitor) expire(ctx context.Context, op *operation.Operation) error {
	const reason = "expired by reconciliation"

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := j.ops.MarkFailed(ctx, tx, op.ID, reason); err != nil {
		return err
	}
	if err := j.ledger.RefundTx(ctx, tx, op.ID, reason); err != nil {
		return err
	}
	payload := outbox.JobEventPayload{
		OperationID: op.ID,
		AssetID:     op.AssetID,
		OwnerID:     op.OwnerID,
		Kind:        string(op.Kind),
		Error:       reason,
		ErrorCode:   "expired",
	}
	if _, err := j.outbox.InsertTx(ctx, tx,
		outbox.TypeJobFailed, outbox.AggregateOperation, op.ID,
		outbox.SettledKey(op.ID), payload); err != nil {
		return err
	}
	return tx.Commit()
}
