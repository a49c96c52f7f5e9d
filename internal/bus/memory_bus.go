// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/clipd/internal/log"
)

// subscriberBuffer bounds each subscriber channel. A consumer that falls
// further behind than this starts costing publishers their context budget.
const subscriberBuffer = 64

const dropLogEvery = 100

var dropCount atomic.Uint64

// MemoryBus is the in-process pub/sub behind SSE fanout and progress
// updates. Delivery blocks until the subscriber has buffer space or the
// publish context ends; undeliverable messages are counted and dropped.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Message)}
}

func (b *MemoryBus) snapshot(topic string) []chan Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]chan Message(nil), b.subs[topic]...)
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	for _, ch := range b.snapshot(topic) {
		select {
		case ch <- msg:
		case <-ctx.Done():
			reason := dropReason(ctx.Err())
			droppedTotal.WithLabelValues(topic, reason).Inc()
			if count := dropCount.Add(1); count%dropLogEvery == 0 {
				logger := log.L()
				logger.Warn().
					Str("topic", topic).
					Str("reason", reason).
					Uint64("dropped", count).
					Msg("memory bus dropping messages")
			}
			return fmt.Errorf("publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Message
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

// Close detaches the subscriber and closes its channel, signalling range
// loops over C() to stop.
func (s *memSub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	remaining := s.b.subs[s.topic][:0]
	for _, c := range s.b.subs[s.topic] {
		if c != s.ch {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = remaining
	}
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)
