// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/clipd/internal/dedupe"
	"github.com/ManuGH/clipd/internal/ledger"
	"github.com/ManuGH/clipd/internal/media"
	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/outbox"
	"github.com/ManuGH/clipd/internal/persistence/sqlite"
	"github.com/ManuGH/clipd/internal/queue"
)

const (
	freeUser  = "u-free"
	proUser   = "u-pro"
	testAsset = "abcdefabcdef"
)

type fixture struct {
	db      *sql.DB
	svc     *Service
	ledger  *ledger.Ledger
	queue   *queue.Queue
	ops     *operation.Store
	outbox  *outbox.Store
	users   *UserStore
	cancels []string
}

func (f *fixture) Cancel(operationID string) bool {
	f.cancels = append(f.cancels, operationID)
	return true
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "clipd.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	cache, err := dedupe.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	f := &fixture{
		db:     db,
		ledger: ledger.New(db),
		queue:  queue.New(db),
		ops:    operation.NewStore(db),
		outbox: outbox.NewStore(db),
		users:  NewUserStore(db),
	}
	assets := media.NewStore(db)
	f.svc = New(Config{
		CostFor: func(kind string) int64 {
			if kind == "convert" {
				return 2
			}
			return 1
		},
		Paths: media.Paths{Root: t.TempDir()},
	}, db, f.users, assets, f.ops, f.ledger, f.outbox, f.queue, cache, f)

	require.NoError(t, f.users.Ensure(ctx, freeUser, "free"))
	require.NoError(t, f.users.Ensure(ctx, proUser, "pro"))
	require.NoError(t, assets.Put(ctx, &media.Asset{
		ID: testAsset, OwnerID: freeUser, Kind: media.KindVideo, Ext: "mp4",
		Width: 1920, Height: 1080,
	}))
	_, err = f.ledger.Credit(ctx, freeUser, 10, "seed")
	require.NoError(t, err)
	return f
}

func trimParams() operation.Params {
	return operation.Params{Trim: &operation.TrimParams{StartSec: 0, EndSec: 2}}
}

func TestStartOperationAdmitsAtomically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	op, existing, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim, trimParams())
	require.NoError(t, err)
	require.False(t, existing)
	require.Equal(t, operation.StatusPending, op.Status)

	// reservation holds the cost
	balance, err := f.svc.Balance(ctx, freeUser)
	require.NoError(t, err)
	require.Equal(t, int64(9), balance)

	// job is claimable
	job, err := f.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, op.ID, job.OperationID)
	require.Equal(t, queue.PriorityNormal, job.Priority)

	// job.queued is in the outbox
	events, err := f.outbox.ClaimBatch(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, outbox.TypeJobQueued, events[0].EventType)
}

func TestStartOperationInsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// drain the account to below the cost
	for i := 0; i < 10; i++ {
		_, _, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim,
			operation.Params{Trim: &operation.TrimParams{StartSec: float64(i), EndSec: float64(i) + 1}})
		require.NoError(t, err)
	}

	_, _, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim,
		operation.Params{Trim: &operation.TrimParams{StartSec: 100, EndSec: 101}})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// rejection must be invisible: no operation row, no job, no event
	var ops, jobs, events int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&ops))
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&jobs))
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM outbox_events`).Scan(&events))
	require.Equal(t, 10, ops)
	require.Equal(t, 10, jobs)
	require.Equal(t, 10, events)

	balance, err := f.svc.Balance(ctx, freeUser)
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestStartOperationDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, existing, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim, trimParams())
	require.NoError(t, err)
	require.False(t, existing)

	second, existing, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim, trimParams())
	require.NoError(t, err)
	require.True(t, existing)
	require.Equal(t, first.ID, second.ID)

	// only one reservation was taken
	balance, err := f.svc.Balance(ctx, freeUser)
	require.NoError(t, err)
	require.Equal(t, int64(9), balance)

	// different parameters are a different identity
	third, existing, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim,
		operation.Params{Trim: &operation.TrimParams{StartSec: 0, EndSec: 3}})
	require.NoError(t, err)
	require.False(t, existing)
	require.NotEqual(t, first.ID, third.ID)
}

func TestConcurrentStartsAdmitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Several identical requests race through admission. The identity
	// index makes sure only one row is created; everyone else gets the
	// winner back, either from the duplicate check or from the insert
	// conflict fallback.
	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	fresh := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op, existing, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim, trimParams())
			errs[i] = err
			if op != nil {
				ids[i] = op.ID
				fresh[i] = !existing
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
		if fresh[i] {
			created++
		}
	}
	require.Equal(t, 1, created)

	// one reservation, one queue entry
	balance, err := f.ledger.Balance(ctx, freeUser)
	require.NoError(t, err)
	require.Equal(t, int64(9), balance)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestFailedOperationDoesNotAbsorbRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, _, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim, trimParams())
	require.NoError(t, err)

	// settle it failed, as the worker would
	tx, err := f.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.ops.MarkFailed(ctx, tx, first.ID, "boom"))
	require.NoError(t, f.ledger.RefundTx(ctx, tx, first.ID, "boom"))
	require.NoError(t, tx.Commit())

	second, existing, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim, trimParams())
	require.NoError(t, err)
	require.False(t, existing, "a failed operation must not dedup new requests")
	require.NotEqual(t, first.ID, second.ID)
}

func TestStartOperationValidationLeavesNoState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim,
		operation.Params{Trim: &operation.TrimParams{StartSec: 5, EndSec: 2}})
	var verr *operation.ValidationError
	require.ErrorAs(t, err, &verr)

	balance, err := f.svc.Balance(ctx, freeUser)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)

	var ops int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&ops))
	require.Zero(t, ops)
}

func TestStartOperationAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.svc.StartOperation(ctx, proUser, testAsset, operation.KindTrim, trimParams())
	require.ErrorIs(t, err, ErrNotOwned)

	_, _, err = f.svc.StartOperation(ctx, freeUser, "ffffffffffff", operation.KindTrim, trimParams())
	require.ErrorIs(t, err, media.ErrNotFound)
}

func TestProTierGetsHighPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assets := media.NewStore(f.db)
	require.NoError(t, assets.Put(ctx, &media.Asset{
		ID: "bbbbbbbbbbbb", OwnerID: proUser, Kind: media.KindVideo, Ext: "mp4",
		Width: 1280, Height: 720,
	}))
	_, err := f.ledger.Credit(ctx, proUser, 5, "seed")
	require.NoError(t, err)

	_, _, err = f.svc.StartOperation(ctx, proUser, "bbbbbbbbbbbb", operation.KindTrim, trimParams())
	require.NoError(t, err)

	job, err := f.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, queue.PriorityHigh, job.Priority)
}

func TestCreditRecordsEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	balance, err := f.svc.Credit(ctx, freeUser, 5, "top-up")
	require.NoError(t, err)
	require.Equal(t, int64(15), balance)

	events, err := f.outbox.ClaimBatch(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, outbox.TypeCreditAdded, events[0].EventType)

	_, err = f.svc.Credit(ctx, freeUser, 0, "nope")
	require.Error(t, err)
}

func TestCancelSettlesAndSignalsWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	op, _, err := f.svc.StartOperation(ctx, freeUser, testAsset, operation.KindTrim, trimParams())
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, operation.StatusFailed, cancelled.Status)
	require.Equal(t, []string{op.ID}, f.cancels)

	// refund restored the hold
	balance, err := f.svc.Balance(ctx, freeUser)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)

	// cancelling twice reports the settled state
	_, err = f.svc.Cancel(ctx, op.ID)
	require.ErrorIs(t, err, ErrAlreadySettled)
}
