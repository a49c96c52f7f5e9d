// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// clipd is the media transformation daemon: one process that serves the
// HTTP API, runs the worker pool, relays outbox events and sweeps stale
// credit reservations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/clipd/internal/api"
	"github.com/ManuGH/clipd/internal/bus"
	"github.com/ManuGH/clipd/internal/config"
	"github.com/ManuGH/clipd/internal/dedupe"
	"github.com/ManuGH/clipd/internal/ffmpeg"
	"github.com/ManuGH/clipd/internal/janitor"
	"github.com/ManuGH/clipd/internal/ledger"
	clog "github.com/ManuGH/clipd/internal/log"
	"github.com/ManuGH/clipd/internal/media"
	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/outbox"
	"github.com/ManuGH/clipd/internal/persistence/sqlite"
	"github.com/ManuGH/clipd/internal/pipeline"
	"github.com/ManuGH/clipd/internal/progress"
	"github.com/ManuGH/clipd/internal/queue"
	"github.com/ManuGH/clipd/internal/telemetry"
	"github.com/ManuGH/clipd/internal/worker"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

const dedupeTTL = 24 * time.Hour

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clipd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clipd: %v\n", err)
		os.Exit(1)
	}

	clog.Configure(clog.Config{
		Level:   cfg.LogLevel,
		Service: "clipd",
	})
	// Configure is once-only and may have fired during init; make sure the
	// configured level wins.
	clog.SetLevel(cfg.LogLevel)
	logger := clog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("daemon exiting")
}

func run(ctx context.Context, cfg config.Config, configPath string) error {
	logger := clog.WithComponent("daemon")
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.Listen).
		Int("workers", cfg.Workers.Concurrency).
		Msg("starting clipd")

	for _, dir := range []string{cfg.DataDir, cfg.StorageRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "clipd",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	db, err := sqlite.Open(filepath.Join(cfg.DataDir, "clipd.db"), sqlite.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := sqlite.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	cache, err := dedupe.Open(filepath.Join(cfg.DataDir, "dedupe"), dedupeTTL)
	if err != nil {
		return fmt.Errorf("open dedupe cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	var tracker progress.Tracker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		tracker = progress.NewRedisTracker(client, 0)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("progress tracking via redis")
	} else {
		tracker = progress.NewMemoryTracker()
	}

	// mgr serves hot-reloadable knobs: costs, timeouts, janitor policy.
	mgr := config.NewManager(configPath, cfg)

	users := pipeline.NewUserStore(db)
	assets := media.NewStore(db)
	ops := operation.NewStore(db)
	led := ledger.New(db)
	obStore := outbox.NewStore(db)
	jobs := queue.New(db)
	paths := media.Paths{Root: cfg.StorageRoot}

	eventBus := bus.NewMemoryBus()
	relay := outbox.NewRelay(obStore, outbox.RelayConfig{
		Tick:        cfg.Relay.Tick,
		BatchSize:   cfg.Relay.BatchSize,
		MaxAttempts: cfg.Relay.MaxAttempts,
		ClaimTTL:    cfg.Relay.ClaimTTL,
		RateLimit:   cfg.Relay.RateLimit,
	})
	// Every delivered event goes onto the in-process firehose; SSE clients
	// filter it per connection.
	relay.Subscribe("*", func(ctx context.Context, evt outbox.Event) error {
		return eventBus.Publish(ctx, api.EventsTopic, &evt)
	})

	pool := worker.New(worker.Config{
		Concurrency: cfg.Workers.Concurrency,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Workers.MaxAttempts,
			BackoffBase: cfg.Workers.BackoffBase,
			BackoffCap:  cfg.Workers.BackoffCap,
		},
		PollEvery: cfg.Workers.PollEvery,
		TimeoutFor: func(kind operation.Kind) time.Duration {
			return mgr.Snapshot().Timeout(string(kind))
		},
	}, worker.Deps{
		Queue:    jobs,
		Ops:      ops,
		Assets:   assets,
		Ledger:   led,
		Outbox:   obStore,
		Runner:   ffmpeg.NewRunner(cfg.FFmpegPath, cfg.FFprobePath),
		Progress: tracker,
		Events:   eventBus,
		Paths:    paths,
	})

	priorityFor := func(ownerID string) queue.Priority {
		tier, err := users.Tier(ctx, ownerID)
		if err != nil {
			return queue.PriorityNormal
		}
		return queue.PriorityForTier(tier)
	}
	if err := pool.Restore(ctx, priorityFor); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	jan := janitor.New(janitor.Config{
		Interval:     cfg.Janitor.Interval,
		TTL:          cfg.Janitor.TTL,
		Grace:        cfg.Janitor.Grace,
		OnSuspicious: cfg.Janitor.OnSuspicious,
	}, db, led, ops, obStore)

	svc := pipeline.New(pipeline.Config{
		CostFor: func(kind string) int64 { return mgr.Snapshot().Cost(kind) },
		Paths:   paths,
	}, db, users, assets, ops, led, obStore, jobs, cache, pool)

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = "clipd"
	}
	server := api.NewServer(api.Config{
		RateLimitRPS:   cfg.RateLimitRPS,
		TracingService: tracingService,
	}, svc, users, tracker, eventBus)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })
	g.Go(func() error { return mgr.Watch(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
