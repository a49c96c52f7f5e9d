// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package progress tracks live completion percentages for running
// operations. Progress is advisory, read-your-writes state, not part of
// the durable record: a restart simply resets it.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound means no progress has been reported for the operation.
var ErrNotFound = errors.New("progress: not tracked")

// Tracker stores per-operation completion in percent [0, 100].
type Tracker interface {
	Set(ctx context.Context, operationID string, percent float64) error
	Get(ctx context.Context, operationID string) (float64, error)
	// Clear drops the entry once the operation settles.
	Clear(ctx context.Context, operationID string) error
}

// MemoryTracker is the single-process default.
type MemoryTracker struct {
	mu sync.RWMutex
	m  map[string]float64
}

// NewMemoryTracker returns an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{m: make(map[string]float64)}
}

func (t *MemoryTracker) Set(_ context.Context, operationID string, percent float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[operationID] = clamp(percent)
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, operationID string) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.m[operationID]
	if !ok {
		return 0, ErrNotFound
	}
	return p, nil
}

func (t *MemoryTracker) Clear(_ context.Context, operationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, operationID)
	return nil
}

// RedisTracker shares progress across processes. Entries expire on their
// own so a crashed worker cannot leave ghosts behind.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker wraps an existing client. ttl <= 0 defaults to an hour.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func key(operationID string) string {
	return "clipd:progress:" + operationID
}

func (t *RedisTracker) Set(ctx context.Context, operationID string, percent float64) error {
	return t.client.Set(ctx, key(operationID), clamp(percent), t.ttl).Err()
}

func (t *RedisTracker) Get(ctx context.Context, operationID string) (float64, error) {
	p, err := t.client.Get(ctx, key(operationID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return p, err
}

func (t *RedisTracker) Clear(ctx context.Context, operationID string) error {
	return t.client.Del(ctx, key(operationID)).Err()
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
