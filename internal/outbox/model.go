// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package outbox implements the transactional outbox: lifecycle events are
// inserted in the same transaction as the business write and relayed to
// in-process subscribers with at-least-once delivery.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the dispatch state of an event row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusPublished Status = "published"
	StatusDead      Status = "dead"
)

// Event types emitted by the core.
const (
	TypeJobQueued    = "job.queued"
	TypeJobStarted   = "job.started"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeCreditAdded  = "credit.added"
)

// Aggregate types.
const (
	AggregateOperation = "operation"
	AggregateUser      = "user"
)

// Event is one durable outbox row.
type Event struct {
	ID             int64           `json:"id"`
	EventType      string          `json:"eventType"`
	AggregateType  string          `json:"aggregateType"`
	AggregateID    string          `json:"aggregateId"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	ClaimedBy      string          `json:"claimedBy,omitempty"`
	ClaimedAt      time.Time       `json:"claimedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// JobEventPayload is the payload for all job.* events.
type JobEventPayload struct {
	OperationID string `json:"operationId"`
	AssetID     string `json:"assetId"`
	OwnerID     string `json:"ownerId"`
	Kind        string `json:"kind"`
	ResultPath  string `json:"resultPath,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

// CreditAddedPayload is the payload for credit.added events.
type CreditAddedPayload struct {
	UserID  string `json:"userId"`
	Amount  int64  `json:"amount"`
	EntryID int64  `json:"entryId"`
}

// QueuedKey derives the idempotency key for a job.queued event.
func QueuedKey(operationID string) string {
	return fmt.Sprintf("op-%s-queued", operationID)
}

// StartedKey derives the idempotency key for a job.started event. Attempts
// are part of the key: a retried job legitimately starts more than once.
func StartedKey(operationID string, attempt int) string {
	return fmt.Sprintf("op-%s-started-%d", operationID, attempt)
}

// SettledKey derives the idempotency key for the terminal job event.
// Settlement is exclusive, so the key carries no attempt counter.
func SettledKey(operationID string) string {
	return fmt.Sprintf("op-%s-settled", operationID)
}

// CreditKey derives the idempotency key for a credit.added event.
func CreditKey(entryID int64) string {
	return fmt.Sprintf("credit-%d", entryID)
}
