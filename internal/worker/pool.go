// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker runs the processing pool: a fixed number of claim loops
// that take jobs off the durable queue, drive the media tool, and settle
// the operation and its credit reservation in a single transaction.
//
// The subprocess runs between transactions, never inside one, so a slow
// encode cannot pin a database connection.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/clipd/internal/bus"
	"github.com/ManuGH/clipd/internal/ffmpeg"
	"github.com/ManuGH/clipd/internal/ledger"
	"github.com/ManuGH/clipd/internal/log"
	"github.com/ManuGH/clipd/internal/media"
	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/outbox"
	"github.com/ManuGH/clipd/internal/progress"
	"github.com/ManuGH/clipd/internal/queue"
	"github.com/ManuGH/clipd/internal/telemetry"
)

// errNotRetryable marks failures that happen before the tool even runs
// (missing asset, unbuildable plan). Retrying cannot fix them.
var errNotRetryable = errors.New("not retryable")

// ToolRunner abstracts the media tool so tests can fake it.
type ToolRunner interface {
	RunPlan(ctx context.Context, plan ffmpeg.Plan, onProgress func(time.Duration)) error
}

// Config controls the pool.
type Config struct {
	Concurrency int
	Retry       queue.RetryPolicy
	PollEvery   time.Duration
	// TimeoutFor caps the wall clock per kind. Zero means no cap.
	TimeoutFor func(kind operation.Kind) time.Duration
}

// ProgressTopic is the in-process bus topic for live percent updates.
// Progress is ephemeral by design and never goes through the outbox.
const ProgressTopic = "job.progress"

// ProgressUpdate is the message published on ProgressTopic.
type ProgressUpdate struct {
	OperationID string  `json:"operationId"`
	Percent     float64 `json:"percent"`
}

// Deps are the collaborators a pool settles jobs against.
type Deps struct {
	Queue    *queue.Queue
	Ops      *operation.Store
	Assets   *media.Store
	Ledger   *ledger.Ledger
	Outbox   *outbox.Store
	Runner   ToolRunner
	Progress progress.Tracker
	// Events carries best-effort live progress fanout. Optional.
	Events bus.Bus
	Paths  media.Paths
}

// Pool is a fixed-size set of claim loops over the shared queue.
type Pool struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	active map[string]context.CancelFunc // operation id -> cancel
}

// New builds a pool. Concurrency defaults to 5, PollEvery to 250ms.
func New(cfg Config, deps Deps) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	return &Pool{cfg: cfg, deps: deps, active: make(map[string]context.CancelFunc)}
}

// Restore rebuilds the ready set after a restart: claimed-but-unfinished
// jobs go back to ready, and non-terminal operations missing a job row get
// one. Safe to run repeatedly.
func (p *Pool) Restore(ctx context.Context, priorityFor func(ownerID string) queue.Priority) error {
	logger := log.WithComponent("worker")

	reset, err := p.deps.Queue.ResetActive(ctx)
	if err != nil {
		return fmt.Errorf("reset active jobs: %w", err)
	}
	ops, err := p.deps.Ops.ListRestorable(ctx)
	if err != nil {
		return fmt.Errorf("list restorable operations: %w", err)
	}
	restored, err := p.deps.Queue.Restore(ctx, ops, priorityFor)
	if err != nil {
		return err
	}
	if reset > 0 || restored > 0 {
		logger.Info().
			Int64("reset", reset).
			Int("restored", restored).
			Msg("queue restored after restart")
	}
	return nil
}

// Run blocks until ctx is done, running Concurrency claim loops.
func (p *Pool) Run(ctx context.Context) error {
	logger := log.WithComponent("worker")
	logger.Info().Int("concurrency", p.cfg.Concurrency).Msg("worker pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error { return p.loop(ctx, workerID) })
	}
	err := g.Wait()
	logger.Info().Msg("worker pool stopped")
	return err
}

// Cancel aborts the running subprocess for an operation, if any. The
// caller is responsible for having settled the operation first.
func (p *Pool) Cancel(operationID string) bool {
	p.mu.Lock()
	cancel, ok := p.active[operationID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := p.deps.Queue.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger := log.WithComponent("worker")
			logger.Error().Err(err).Msg("claim failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollEvery):
			}
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	ctx = telemetry.ExtractCarrier(ctx, job.TraceContext)
	attempt := job.Attempts + 1

	ctx, span := telemetry.Tracer("worker").Start(ctx, "job.process",
		trace.WithAttributes(telemetry.JobAttributes(job.ID, string(job.Kind), int(job.Priority), attempt)...))
	defer span.End()

	ctx = log.ContextWithJobID(ctx, job.ID)
	ctx = log.ContextWithOperationID(ctx, job.OperationID)
	logger := log.WithContext(ctx, log.WithComponent("worker"))

	op, err := p.deps.Ops.Get(ctx, job.OperationID)
	if err != nil {
		logger.Error().Err(err).Msg("job references unknown operation, discarding")
		_ = p.deps.Queue.Complete(ctx, job.ID)
		return
	}
	if op.Status.IsTerminal() {
		// Settled elsewhere (cancel, janitor) while the job sat in the queue.
		logger.Info().Str(log.FieldOldStatus, string(op.Status)).Msg("operation already settled, discarding job")
		_ = p.deps.Queue.Complete(ctx, job.ID)
		return
	}

	if err := p.markStarted(ctx, op, attempt); err != nil {
		logger.Error().Err(err).Msg("could not mark operation processing")
		return // job stays active; restart recovery requeues it
	}
	logger.Info().
		Str(log.FieldKind, string(job.Kind)).
		Int(log.FieldAttempt, attempt).
		Msg("job started")
	startedTotal.WithLabelValues(string(job.Kind)).Inc()

	result, runErr := p.execute(ctx, job, op)

	switch {
	case runErr == nil:
		p.settleCompleted(ctx, job, op, result)

	case ctx.Err() != nil:
		// Pool shutdown mid-run. Leave the job active: boot-time restore
		// returns it to ready.
		logger.Warn().Msg("job interrupted by shutdown")

	case errors.Is(runErr, context.Canceled):
		// Cancelled via Cancel(); the canceller settled the operation.
		logger.Info().Msg("job cancelled")
		_ = p.deps.Queue.Complete(ctx, job.ID)

	default:
		p.settleFailed(ctx, job, op, runErr)
	}
}

// markStarted moves the operation to processing and records job.started,
// both in one transaction. A retry finds the operation already processing;
// that is not an error.
func (p *Pool) markStarted(ctx context.Context, op *operation.Operation, attempt int) error {
	payload := outbox.JobEventPayload{
		OperationID: op.ID,
		AssetID:     op.AssetID,
		OwnerID:     op.OwnerID,
		Kind:        string(op.Kind),
	}

	tx, err := p.deps.Ops.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.deps.Ops.MarkProcessing(ctx, tx, op.ID); err != nil {
		if errors.Is(err, operation.ErrIllegalTransition) && op.Status == operation.StatusProcessing {
			// Retry of a job whose earlier attempt already transitioned.
		} else {
			return err
		}
	}
	if _, err := p.deps.Outbox.InsertTx(ctx, tx,
		outbox.TypeJobStarted, outbox.AggregateOperation, op.ID,
		outbox.StartedKey(op.ID, attempt), payload); err != nil {
		return err
	}
	return tx.Commit()
}

// execute runs the tool plan and returns the result path.
func (p *Pool) execute(ctx context.Context, job *queue.Job, op *operation.Operation) (string, error) {
	asset, err := p.deps.Assets.Get(ctx, job.AssetID)
	if err != nil {
		return "", fmt.Errorf("asset %s: %w: %w", job.AssetID, errNotRetryable, err)
	}

	output, err := outputPath(p.deps.Paths, asset, job.Params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errNotRetryable, err)
	}
	// The asset directory exists only once an original has been ingested
	// through the API; restored or freshly seeded assets may not have one yet.
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	plan, err := ffmpeg.BuildPlan(job.Params, p.deps.Paths.Original(asset.ID, asset.Ext), output)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errNotRetryable, err)
	}

	var jobCtx context.Context
	var cancel context.CancelFunc
	if d := p.timeoutFor(job.Kind); d > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	p.mu.Lock()
	p.active[op.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, op.ID)
		p.mu.Unlock()
	}()

	onProgress := p.progressFunc(ctx, op.ID, job.Params)

	runErr := p.deps.Runner.RunPlan(jobCtx, plan, onProgress)
	for _, scratch := range plan.Scratch {
		_ = os.Remove(scratch)
	}
	if p.deps.Progress != nil {
		_ = p.deps.Progress.Clear(ctx, op.ID)
	}

	if runErr != nil && jobCtx.Err() != nil && ctx.Err() == nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return "", &ffmpeg.ExecError{Tool: ffmpeg.ToolFFmpeg, TimedOut: true, ExitCode: -1}
		}
		return "", context.Canceled
	}
	return output, runErr
}

// progressFunc reports percent complete when the output length is known
// up front (trim, gif); other kinds run without live progress.
func (p *Pool) progressFunc(ctx context.Context, operationID string, params operation.Params) func(time.Duration) {
	if p.deps.Progress == nil && p.deps.Events == nil {
		return nil
	}
	var total time.Duration
	switch {
	case params.Trim != nil:
		total = time.Duration((params.Trim.EndSec - params.Trim.StartSec) * float64(time.Second))
	case params.Gif != nil:
		total = time.Duration(params.Gif.DurationSec * float64(time.Second))
	}
	if total <= 0 {
		return nil
	}
	return func(pos time.Duration) {
		percent := float64(pos) / float64(total) * 100
		if p.deps.Progress != nil {
			_ = p.deps.Progress.Set(ctx, operationID, percent)
		}
		if p.deps.Events != nil {
			// live fanout is best effort; a slow subscriber must never
			// stall the encode
			pubCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			_ = p.deps.Events.Publish(pubCtx, ProgressTopic, ProgressUpdate{
				OperationID: operationID,
				Percent:     percent,
			})
			cancel()
		}
	}
}

func (p *Pool) timeoutFor(kind operation.Kind) time.Duration {
	if p.cfg.TimeoutFor == nil {
		return 0
	}
	return p.cfg.TimeoutFor(kind)
}

// settleCompleted commits the terminal success state: operation completed,
// reservation captured, job.completed recorded — one transaction.
func (p *Pool) settleCompleted(ctx context.Context, job *queue.Job, op *operation.Operation, resultPath string) {
	logger := log.WithContext(ctx, log.WithComponent("worker"))

	if err := p.writeMeta(op, resultPath); err != nil {
		logger.Warn().Err(err).Msg("result sidecar write failed")
	}

	payload := outbox.JobEventPayload{
		OperationID: op.ID,
		AssetID:     op.AssetID,
		OwnerID:     op.OwnerID,
		Kind:        string(op.Kind),
		ResultPath:  resultPath,
	}

	err := p.inTx(ctx, func(tx *sql.Tx) error {
		if err := p.deps.Ops.MarkCompleted(ctx, tx, op.ID, resultPath); err != nil {
			return err
		}
		if err := p.deps.Ledger.CaptureTx(ctx, tx, op.ID); err != nil {
			return err
		}
		_, err := p.deps.Outbox.InsertTx(ctx, tx,
			outbox.TypeJobCompleted, outbox.AggregateOperation, op.ID,
			outbox.SettledKey(op.ID), payload)
		return err
	})
	if err != nil {
		if errors.Is(err, operation.ErrIllegalTransition) || errors.Is(err, ledger.ErrAlreadySettled) {
			// Lost the settlement race (cancel or janitor got there first).
			logger.Info().Err(err).Msg("settlement already done elsewhere")
			_ = p.deps.Queue.Complete(ctx, job.ID)
			return
		}
		logger.Error().Err(err).Msg("completion settlement failed")
		return
	}

	_ = p.deps.Queue.Complete(ctx, job.ID)
	settledTotal.WithLabelValues(string(job.Kind), "completed").Inc()
	logger.Info().Str(log.FieldResultPath, resultPath).Msg("job completed")
}

// settleFailed applies the retry policy, and on exhaustion (or a permanent
// error) commits the terminal failure: operation failed, reservation
// refunded, job.failed recorded — one transaction.
func (p *Pool) settleFailed(ctx context.Context, job *queue.Job, op *operation.Operation, runErr error) {
	logger := log.WithContext(ctx, log.WithComponent("worker"))

	retryable := !errors.Is(runErr, errNotRetryable) && ffmpeg.IsTransient(runErr)
	attempts, requeued, err := p.deps.Queue.Fail(ctx, job.ID, retryable, p.cfg.Retry)
	if err != nil {
		logger.Error().Err(err).Msg("recording job failure failed")
		return
	}
	if requeued {
		logger.Warn().
			Err(runErr).
			Int(log.FieldAttempt, attempts).
			Msg("transient failure, job requeued")
		return
	}

	errorCode := "permanent"
	if retryable {
		errorCode = "retries_exhausted"
	}
	payload := outbox.JobEventPayload{
		OperationID: op.ID,
		AssetID:     op.AssetID,
		OwnerID:     op.OwnerID,
		Kind:        string(op.Kind),
		Error:       runErr.Error(),
		ErrorCode:   errorCode,
	}

	err = p.inTx(ctx, func(tx *sql.Tx) error {
		if err := p.deps.Ops.MarkFailed(ctx, tx, op.ID, runErr.Error()); err != nil {
			return err
		}
		if err := p.deps.Ledger.RefundTx(ctx, tx, op.ID, errorCode); err != nil {
			return err
		}
		_, err := p.deps.Outbox.InsertTx(ctx, tx,
			outbox.TypeJobFailed, outbox.AggregateOperation, op.ID,
			outbox.SettledKey(op.ID), payload)
		return err
	})
	if err != nil {
		if errors.Is(err, operation.ErrIllegalTransition) || errors.Is(err, ledger.ErrAlreadySettled) {
			logger.Info().Err(err).Msg("settlement already done elsewhere")
			return
		}
		logger.Error().Err(err).Msg("failure settlement failed")
		return
	}

	settledTotal.WithLabelValues(string(job.Kind), "failed").Inc()
	logger.Error().
		Err(runErr).
		Int(log.FieldAttempt, attempts).
		Str("error_code", errorCode).
		Msg("job failed terminally")
}

func (p *Pool) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.deps.Ops.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// outputPath maps validated parameters to the storage layout contract.
func outputPath(paths media.Paths, asset *media.Asset, params operation.Params) (string, error) {
	switch params.Kind {
	case operation.KindResize:
		return paths.Resize(asset.ID, params.Resize.Width, params.Resize.Height, asset.Ext), nil
	case operation.KindConvert:
		return paths.Convert(asset.ID, params.Convert.TargetFormat), nil
	case operation.KindExtractAudio:
		return paths.Audio(asset.ID), nil
	case operation.KindCrop:
		c := params.Crop
		return paths.Crop(asset.ID, c.Width, c.Height, c.X, c.Y, asset.Ext), nil
	case operation.KindTrim:
		return paths.Trim(asset.ID, params.Trim.StartSec, params.Trim.EndSec, asset.Ext), nil
	case operation.KindWatermark:
		return paths.Watermark(asset.ID, asset.Ext), nil
	case operation.KindGif:
		return paths.Gif(asset.ID), nil
	}
	return "", fmt.Errorf("no output path for kind %q", params.Kind)
}
