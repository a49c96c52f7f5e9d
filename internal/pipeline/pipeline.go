// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package pipeline is the request path: it authorizes, validates,
// deduplicates, reserves credits, persists the operation, records the
// job.queued event and enqueues the job — the write side all in one
// transaction, so no partial admission is ever visible.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/ManuGH/clipd/internal/dedupe"
	"github.com/ManuGH/clipd/internal/ledger"
	"github.com/ManuGH/clipd/internal/log"
	"github.com/ManuGH/clipd/internal/media"
	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/outbox"
	"github.com/ManuGH/clipd/internal/persistence/sqlite"
	"github.com/ManuGH/clipd/internal/queue"
	"github.com/ManuGH/clipd/internal/telemetry"
)

var (
	// ErrNotOwned means the asset exists but belongs to someone else.
	ErrNotOwned = errors.New("pipeline: asset not owned by user")
	// ErrAlreadySettled means a cancel arrived after the terminal state.
	ErrAlreadySettled = errors.New("pipeline: operation already settled")
)

// Canceller aborts a running job. Satisfied by the worker pool.
type Canceller interface {
	Cancel(operationID string) bool
}

// Config parameterizes admission.
type Config struct {
	// CostFor prices an operation kind in credits.
	CostFor func(kind string) int64
	// Paths locates asset files for validation.
	Paths media.Paths
}

// Service is the operation admission and query surface.
type Service struct {
	cfg    Config
	db     *sql.DB
	users  *UserStore
	assets *media.Store
	ops    *operation.Store
	ledger *ledger.Ledger
	outbox *outbox.Store
	queue  *queue.Queue

	// cache is the optional dedup fast path; nil falls through to the
	// indexed lookup.
	cache     *dedupe.Cache
	canceller Canceller
}

// New wires the service. cache and canceller may be nil.
func New(cfg Config, db *sql.DB, users *UserStore, assets *media.Store, ops *operation.Store,
	led *ledger.Ledger, ob *outbox.Store, q *queue.Queue, cache *dedupe.Cache, canceller Canceller) *Service {
	if cfg.CostFor == nil {
		cfg.CostFor = func(string) int64 { return 1 }
	}
	return &Service{
		cfg: cfg, db: db, users: users, assets: assets, ops: ops,
		ledger: led, outbox: ob, queue: q, cache: cache, canceller: canceller,
	}
}

// NewOperationID returns a fresh operation identifier.
func NewOperationID() string {
	return "op-" + uuid.New().String()
}

// StartOperation admits one transformation request. The returned bool is
// true when an equivalent in-flight or completed operation absorbed the
// request instead of creating a new one.
func (s *Service) StartOperation(ctx context.Context, userID, assetID string, kind operation.Kind, params operation.Params) (*operation.Operation, bool, error) {
	asset, err := s.assets.Get(ctx, assetID)
	if err != nil {
		return nil, false, err
	}
	if asset.OwnerID != userID {
		return nil, false, ErrNotOwned
	}

	params.Kind = kind
	vc := operation.ValidationContext{
		Asset:          asset,
		AudioExtracted: fileExists(s.cfg.Paths.Audio(assetID)),
	}
	if err := params.Validate(vc); err != nil {
		return nil, false, err
	}

	fingerprint := params.Fingerprint(assetID)

	if existing, err := s.findDuplicate(ctx, assetID, kind, fingerprint); err != nil {
		return nil, false, err
	} else if existing != nil {
		dedupTotal.Inc()
		return existing, true, nil
	}

	op := &operation.Operation{
		ID:          NewOperationID(),
		AssetID:     assetID,
		OwnerID:     userID,
		Kind:        kind,
		Params:      params,
		Fingerprint: fingerprint,
	}
	cost := s.cfg.CostFor(string(kind))
	tier, err := s.users.Tier(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	ctx = log.ContextWithOperationID(ctx, op.ID)
	logger := log.WithContext(ctx, log.WithComponent("pipeline"))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ledger.ReserveTx(ctx, tx, userID, op.ID, cost, string(kind)); err != nil {
		return nil, false, err
	}
	if err := s.ops.InsertTx(ctx, tx, op); err != nil {
		if sqlite.IsUniqueViolation(err) {
			// Lost the admission race: an equivalent operation landed
			// between the duplicate check and this insert. The identity
			// index guarantees a winner exists; hand that one back.
			_ = tx.Rollback()
			if existing, dupErr := s.findDuplicate(ctx, assetID, kind, fingerprint); dupErr == nil && existing != nil {
				dedupTotal.Inc()
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	payload := outbox.JobEventPayload{
		OperationID: op.ID, AssetID: assetID, OwnerID: userID, Kind: string(kind),
	}
	if _, err := s.outbox.InsertTx(ctx, tx,
		outbox.TypeJobQueued, outbox.AggregateOperation, op.ID,
		outbox.QueuedKey(op.ID), payload); err != nil {
		return nil, false, err
	}
	if _, err := s.queue.EnqueueTx(ctx, tx, &queue.Job{
		OperationID:  op.ID,
		Kind:         kind,
		AssetID:      assetID,
		OwnerID:      userID,
		Params:       params,
		Priority:     queue.PriorityForTier(tier),
		TraceContext: telemetry.InjectCarrier(ctx),
	}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		if err := s.cache.Remember(ctx, fingerprint, op.ID); err != nil {
			logger.Warn().Err(err).Msg("dedup cache write failed")
		}
	}

	admittedTotal.WithLabelValues(string(kind)).Inc()
	logger.Info().
		Str(log.FieldKind, string(kind)).
		Str(log.FieldAssetID, assetID).
		Int64(log.FieldAmount, cost).
		Msg("operation admitted")
	return op, false, nil
}

// findDuplicate resolves the dedup identity against the cache first, then
// the operations index. Failed operations never absorb new requests.
func (s *Service) findDuplicate(ctx context.Context, assetID string, kind operation.Kind, fingerprint string) (*operation.Operation, error) {
	if s.cache != nil {
		if opID, ok, err := s.cache.Lookup(ctx, fingerprint); err != nil {
			logger := log.WithComponent("pipeline")
			logger.Warn().Err(err).Msg("dedup cache read failed")
		} else if ok {
			op, err := s.ops.Get(ctx, opID)
			switch {
			case errors.Is(err, operation.ErrNotFound) || (err == nil && op.Status == operation.StatusFailed):
				_ = s.cache.Forget(ctx, fingerprint)
			case err != nil:
				return nil, err
			default:
				return op, nil
			}
		}
	}

	op, err := s.ops.FindEquivalent(ctx, assetID, kind, fingerprint)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, nil
	}
	if s.cache != nil {
		_ = s.cache.Remember(ctx, fingerprint, op.ID)
	}
	return op, nil
}

// GetOperation returns the operation row.
func (s *Service) GetOperation(ctx context.Context, operationID string) (*operation.Operation, error) {
	return s.ops.Get(ctx, operationID)
}

// Balance returns the user's derived balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// Credit adds funds and records the credit.added event atomically.
// Returns the new balance.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	entryID, err := s.ledger.CreditTx(ctx, tx, userID, amount, description)
	if err != nil {
		return 0, err
	}
	payload := outbox.CreditAddedPayload{UserID: userID, Amount: amount, EntryID: entryID}
	if _, err := s.outbox.InsertTx(ctx, tx,
		outbox.TypeCreditAdded, outbox.AggregateUser, userID,
		outbox.CreditKey(entryID), payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return s.ledger.Balance(ctx, userID)
}

// Cancel settles a non-terminal operation as failed, refunds its hold and
// aborts the running subprocess if one exists. Administrative surface.
func (s *Service) Cancel(ctx context.Context, operationID string) (*operation.Operation, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Status.IsTerminal() {
		return op, ErrAlreadySettled
	}

	const reason = "cancelled"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ops.MarkFailed(ctx, tx, op.ID, reason); err != nil {
		return nil, err
	}
	if err := s.ledger.RefundTx(ctx, tx, op.ID, reason); err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		return nil, err
	}
	payload := outbox.JobEventPayload{
		OperationID: op.ID, AssetID: op.AssetID, OwnerID: op.OwnerID,
		Kind: string(op.Kind), Error: reason, ErrorCode: "cancelled",
	}
	if _, err := s.outbox.InsertTx(ctx, tx,
		outbox.TypeJobFailed, outbox.AggregateOperation, op.ID,
		outbox.SettledKey(op.ID), payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if s.canceller != nil {
		s.canceller.Cancel(op.ID)
	}
	return s.ops.Get(ctx, op.ID)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
