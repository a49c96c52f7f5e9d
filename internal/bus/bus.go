// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package bus is the ephemeral in-process pub/sub. It carries progress
// updates and relay fanout to live subscribers; nothing on the bus is
// durable. Lifecycle events that must survive a crash go through the
// outbox instead.
package bus

import "context"

// Message is an opaque payload. Subscribers type-assert on topic contract.
type Message any

// Subscriber receives messages for one topic until closed.
type Subscriber interface {
	C() <-chan Message
	Close() error
}

// Bus is an at-most-once in-process fanout.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}
