// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package queue is the durable job queue: priority-ordered FIFO rows that
// survive restarts. Claiming is a single atomic UPDATE so concurrent
// workers never double-claim; interrupted jobs are restored on boot from
// the operations table.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/persistence/sqlite"
)

// Priority orders ready jobs. Lower claims first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// PriorityForTier maps a user tier to its queue priority.
func PriorityForTier(tier string) Priority {
	switch tier {
	case "pro", "enterprise":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Job status values.
type Status string

const (
	StatusReady  Status = "ready"
	StatusActive Status = "active"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

var ErrNotFound = errors.New("queue: job not found")

// Job is one durable unit of work. Params carries every field needed to
// rerun the job, so a restored job is indistinguishable from a fresh one.
type Job struct {
	ID           string
	OperationID  string
	Kind         operation.Kind
	AssetID      string
	OwnerID      string
	Params       operation.Params
	Priority     Priority
	Attempts     int
	TraceContext map[string]string
	EnqueuedAt   time.Time
}

// RetryPolicy bounds worker retries.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Backoff computes min(base*2^attempts, cap) with up to 25% jitter.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	d := base << attempts
	if p.BackoffCap > 0 && (d > p.BackoffCap || d <= 0) {
		d = p.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Queue persists jobs in the shared database.
type Queue struct {
	db *sql.DB
}

// New wraps the shared database handle.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// NewJobID returns a monotonic job identifier. The random suffix breaks
// ties when two jobs land on the same clock reading.
func NewJobID() string {
	return fmt.Sprintf("j%020d-%04x", time.Now().UnixNano(), rand.Intn(1<<16))
}

// Enqueue inserts a ready job. The operation id is unique in the table, so
// enqueueing the same operation twice (restore racing a live enqueue) is a
// no-op returning the existing job id.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	return q.EnqueueTx(ctx, q.db, job)
}

// EnqueueTx is Enqueue against a caller-owned transaction.
func (q *Queue) EnqueueTx(ctx context.Context, dbtx sqlite.DBTX, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.Priority == 0 {
		job.Priority = PriorityNormal
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return "", err
	}
	carrier, err := json.Marshal(job.TraceContext)
	if err != nil {
		return "", err
	}

	res, err := dbtx.ExecContext(ctx,
		`INSERT INTO jobs (id, operation_id, kind, asset_id, owner_id, params, priority, attempts, status, trace_context, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(operation_id) DO NOTHING`,
		job.ID, job.OperationID, string(job.Kind), job.AssetID, job.OwnerID, string(params),
		int(job.Priority), job.Attempts, string(StatusReady), string(carrier), job.EnqueuedAt.UnixMilli())
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		var existing string
		if err := dbtx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE operation_id = ?`, job.OperationID).Scan(&existing); err != nil {
			return "", err
		}
		return existing, nil
	}

	enqueuedTotal.WithLabelValues(string(job.Kind)).Inc()
	return job.ID, nil
}

// Claim atomically moves the best ready job to active, bound to workerID.
// Priority beats FIFO; within a class, enqueue order wins. Returns
// (nil, nil) when nothing is ready.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now().UnixMilli()
	row := q.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, claimed_by = ?, claimed_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY priority ASC, enqueued_at ASC, id ASC
			LIMIT 1
		 )
		 RETURNING id, operation_id, kind, asset_id, owner_id, params, priority, attempts, trace_context, enqueued_at`,
		string(StatusActive), workerID, now, string(StatusReady), now)

	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	claimedTotal.WithLabelValues(string(job.Kind)).Inc()
	return job, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.setTerminal(ctx, jobID, StatusDone)
}

// Fail records a failed attempt. Retryable failures requeue with backoff
// until the policy's attempt budget is spent; everything else goes dead.
// Returns the attempts so far and whether the job will run again.
func (q *Queue) Fail(ctx context.Context, jobID string, retryable bool, policy RetryPolicy) (attempts int, requeued bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM jobs WHERE id = ?`, jobID).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	attempts++

	if retryable && attempts < policy.MaxAttempts {
		next := time.Now().Add(policy.Backoff(attempts)).UnixMilli()
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = ?, next_attempt_at = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ?`,
			string(StatusReady), attempts, next, jobID)
		requeued = true
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ?`,
			string(StatusDead), attempts, jobID)
	}
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	if requeued {
		retriedTotal.Inc()
	} else {
		deadTotal.Inc()
	}
	return attempts, requeued, nil
}

func (q *Queue) setTerminal(ctx context.Context, jobID string, status Status) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ?`,
		string(status), jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetActive returns claimed-but-unfinished jobs to ready. Run once on
// boot, before workers start: any active row belongs to a dead process.
func (q *Queue) ResetActive(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed_by = NULL, claimed_at = NULL WHERE status = ?`,
		string(StatusReady), string(StatusActive))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Restore rebuilds ready jobs for operations interrupted before a terminal
// state. Idempotent: the unique operation_id makes reruns no-ops, so the
// ready set after two consecutive restores is identical.
func (q *Queue) Restore(ctx context.Context, ops []*operation.Operation, priorityFor func(ownerID string) Priority) (int, error) {
	restored := 0
	for _, op := range ops {
		job := &Job{
			OperationID: op.ID,
			Kind:        op.Kind,
			AssetID:     op.AssetID,
			OwnerID:     op.OwnerID,
			Params:      op.Params,
			Priority:    priorityFor(op.OwnerID),
		}
		id, err := q.Enqueue(ctx, job)
		if err != nil {
			return restored, fmt.Errorf("restore operation %s: %w", op.ID, err)
		}
		if id == job.ID {
			restored++
		}
	}
	return restored, nil
}

// Depth returns the number of ready jobs, for the queue depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(StatusReady)).Scan(&n)
	return n, err
}

// Get returns a job row by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, operation_id, kind, asset_id, owner_id, params, priority, attempts, trace_context, enqueued_at
		 FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var kind, params, carrier string
	var prio int
	var enqueuedMs int64
	if err := scan(&j.ID, &j.OperationID, &kind, &j.AssetID, &j.OwnerID, &params,
		&prio, &j.Attempts, &carrier, &enqueuedMs); err != nil {
		return nil, err
	}
	j.Kind = operation.Kind(kind)
	j.Priority = Priority(prio)
	j.EnqueuedAt = time.UnixMilli(enqueuedMs)
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("job %s: corrupt params: %w", j.ID, err)
	}
	if carrier != "" && carrier != "null" {
		if err := json.Unmarshal([]byte(carrier), &j.TraceContext); err != nil {
			return nil, fmt.Errorf("job %s: corrupt trace context: %w", j.ID, err)
		}
	}
	return &j, nil
}
