// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ManuGH/clipd/internal/log"
)

// Handler receives a claimed event. Handlers must be idempotent: duplicate
// delivery is possible under crash recovery.
type Handler func(ctx context.Context, evt Event) error

// RelayConfig controls the polling loop.
type RelayConfig struct {
	Tick        time.Duration
	BatchSize   int
	MaxAttempts int
	ClaimTTL    time.Duration
	BackoffBase time.Duration
	// RateLimit bounds deliveries per second. Zero means unlimited.
	RateLimit float64
}

type subscription struct {
	pattern string
	handler Handler
}

// Relay drains the outbox into local subscribers. One instance per
// deployment; events are delivered in commit order per aggregate.
type Relay struct {
	store *Store
	cfg   RelayConfig
	id    string

	mu   sync.RWMutex
	subs []subscription

	limiter *rate.Limiter
}

// NewRelay builds a relay with sane defaults for unset config fields.
func NewRelay(store *Store, cfg RelayConfig) *Relay {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Relay{
		store:   store,
		cfg:     cfg,
		id:      fmt.Sprintf("relay-%s", uuid.New().String()),
		limiter: limiter,
	}
}

// Subscribe registers a handler for event types matching pattern.
// Patterns are exact types, a trailing wildcard segment ("job.*"),
// or "*" for everything.
func (r *Relay) Subscribe(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, subscription{pattern: pattern, handler: h})
}

// Run blocks until ctx is done, claiming and delivering ready rows every
// tick. Errors inside a tick are logged, not fatal: per-row backoff keeps
// a failing subscriber from hot-looping the relay.
func (r *Relay) Run(ctx context.Context) error {
	logger := log.WithComponent("relay")
	logger.Info().
		Dur("tick", r.cfg.Tick).
		Int("batch", r.cfg.BatchSize).
		Msg("outbox relay starting")

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("outbox relay stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("relay tick failed")
			}
		}
	}
}

func (r *Relay) tick(ctx context.Context) error {
	if reaped, err := r.store.ReapStale(ctx, r.cfg.ClaimTTL); err != nil {
		return fmt.Errorf("reap stale claims: %w", err)
	} else if reaped > 0 {
		reapedTotal.Add(float64(reaped))
		logger := log.WithComponent("relay")
		logger.Warn().Int64("reaped", reaped).Msg("returned stale claims to pending")
	}

	events, err := r.store.ClaimBatch(ctx, r.id, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}

	for _, evt := range events {
		if err := r.deliver(ctx, evt); err != nil {
			if markErr := r.store.MarkFailed(ctx, evt.ID, r.cfg.MaxAttempts, r.backoff); markErr != nil {
				return markErr
			}
			deliveredTotal.WithLabelValues(evt.EventType, "failed").Inc()
			continue
		}
		if err := r.store.MarkPublished(ctx, evt.ID); err != nil {
			return err
		}
		deliveredTotal.WithLabelValues(evt.EventType, "published").Inc()
	}
	return nil
}

func (r *Relay) deliver(ctx context.Context, evt Event) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	r.mu.RLock()
	subs := append([]subscription(nil), r.subs...)
	r.mu.RUnlock()

	for _, sub := range subs {
		if !MatchPattern(sub.pattern, evt.EventType) {
			continue
		}
		if err := sub.handler(ctx, evt); err != nil {
			logger := log.WithComponent("relay")
			logger.Warn().
				Err(err).
				Int64(log.FieldEventID, evt.ID).
				Str("event_type", evt.EventType).
				Int(log.FieldAttempt, evt.Attempts+1).
				Msg("subscriber rejected event")
			return err
		}
	}
	return nil
}

func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BackoffBase << (attempts - 1)
	if limit := 5 * time.Minute; d > limit || d <= 0 {
		d = limit
	}
	return d
}

// MatchPattern reports whether eventType matches the subscription pattern.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}
