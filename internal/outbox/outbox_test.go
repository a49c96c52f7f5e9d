// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/clipd/internal/persistence/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "clipd.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))
	return db
}

func TestInsertIdempotencyKeyCollisionReturnsExistingID(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newTestDB(t))

	payload := JobEventPayload{OperationID: "op-1", AssetID: "a1", OwnerID: "u1", Kind: "resize"}

	id1, err := s.Insert(ctx, TypeJobQueued, AggregateOperation, "op-1", QueuedKey("op-1"), payload)
	require.NoError(t, err)

	id2, err := s.Insert(ctx, TypeJobQueued, AggregateOperation, "op-1", QueuedKey("op-1"), payload)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "duplicate insert must return the existing row id")

	// exactly one row
	events, err := s.ClaimBatch(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestClaimBatchSkipsFutureAndForeignStates(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newTestDB(t))

	id1, err := s.Insert(ctx, TypeJobQueued, AggregateOperation, "op-1", "k1", nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, TypeJobStarted, AggregateOperation, "op-1", "k2", nil)
	require.NoError(t, err)

	// claim everything once
	events, err := s.ClaimBatch(ctx, "relay-a", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, id1, events[0].ID, "delivery must follow id order")

	// already claimed: nothing left
	events, err = s.ClaimBatch(ctx, "relay-b", 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMarkFailedBacksOffThenDies(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newTestDB(t))

	id, err := s.Insert(ctx, TypeJobFailed, AggregateOperation, "op-1", "k1", nil)
	require.NoError(t, err)

	_, err = s.ClaimBatch(ctx, "relay", 1)
	require.NoError(t, err)

	backoff := func(attempts int) time.Duration { return time.Hour }

	// first failure: back to pending with a future next_attempt_at
	require.NoError(t, s.MarkFailed(ctx, id, 2, backoff))
	evt, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, evt.Status)
	require.Equal(t, 1, evt.Attempts)
	require.True(t, evt.NextAttemptAt.After(time.Now()))

	// not claimable while backed off
	events, err := s.ClaimBatch(ctx, "relay", 10)
	require.NoError(t, err)
	require.Empty(t, events)

	// second failure exhausts attempts: dead is terminal
	require.NoError(t, s.MarkFailed(ctx, id, 2, backoff))
	evt, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusDead, evt.Status)
}

func TestReapStaleReturnsClaimsToPending(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newTestDB(t))

	id, err := s.Insert(ctx, TypeJobQueued, AggregateOperation, "op-1", "k1", nil)
	require.NoError(t, err)
	_, err = s.ClaimBatch(ctx, "dead-relay", 1)
	require.NoError(t, err)

	// fresh claims are not reaped
	n, err := s.ReapStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	// zero TTL reaps immediately (simulates a crashed relay)
	time.Sleep(2 * time.Millisecond)
	n, err = s.ReapStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	evt, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, evt.Status)
	require.Empty(t, evt.ClaimedBy)
}

func TestRelayRetriesFailedSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStore(newTestDB(t))
	relay := NewRelay(s, RelayConfig{
		Tick:        10 * time.Millisecond,
		BatchSize:   10,
		MaxAttempts: 5,
		BackoffBase: time.Millisecond,
	})

	calls := 0
	delivered := make(chan Event, 1)
	relay.Subscribe("job.*", func(ctx context.Context, evt Event) error {
		calls++
		if calls == 1 {
			return errors.New("transient subscriber failure")
		}
		delivered <- evt
		return nil
	})

	id, err := s.Insert(ctx, TypeJobCompleted, AggregateOperation, "op-1", "k1",
		JobEventPayload{OperationID: "op-1"})
	require.NoError(t, err)

	go func() { _ = relay.Run(ctx) }()

	select {
	case evt := <-delivered:
		require.Equal(t, TypeJobCompleted, evt.EventType)
	case <-time.After(5 * time.Second):
		t.Fatal("event never redelivered")
	}

	require.Eventually(t, func() bool {
		evt, err := s.Get(ctx, id)
		return err == nil && evt.Status == StatusPublished
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelayRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "clipd.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))

	relay := NewRelay(NewStore(db), RelayConfig{Tick: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	require.NoError(t, db.Close())
}

func TestMatchPattern(t *testing.T) {
	require.True(t, MatchPattern("*", TypeJobQueued))
	require.True(t, MatchPattern("job.*", TypeJobQueued))
	require.True(t, MatchPattern("job.queued", TypeJobQueued))
	require.False(t, MatchPattern("job.queued", TypeJobStarted))
	require.False(t, MatchPattern("job.*", TypeCreditAdded))
	require.False(t, MatchPattern("credit.*", TypeJobQueued))
}
