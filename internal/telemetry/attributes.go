// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Job attributes
	JobIDKey       = "job.id"
	JobKindKey     = "job.kind"
	JobPriorityKey = "job.priority"
	JobAttemptKey  = "job.attempt"

	// Operation attributes
	OperationIDKey     = "operation.id"
	OperationStatusKey = "operation.status"
	AssetIDKey         = "asset.id"

	// Media tool attributes
	ToolCommandKey  = "tool.command"
	ToolDurationKey = "tool.duration_ms"
	ToolExitCodeKey = "tool.exit_code"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// JobAttributes creates job-related span attributes.
func JobAttributes(jobID, kind string, priority, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobKindKey, kind),
		attribute.Int(JobPriorityKey, priority),
		attribute.Int(JobAttemptKey, attempt),
	}
}

// OperationAttributes creates operation-related span attributes.
func OperationAttributes(operationID, assetID, status string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if operationID != "" {
		attrs = append(attrs, attribute.String(OperationIDKey, operationID))
	}
	if assetID != "" {
		attrs = append(attrs, attribute.String(AssetIDKey, assetID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(OperationStatusKey, status))
	}
	return attrs
}

// ToolAttributes creates media tool invocation attributes.
func ToolAttributes(command string, durationMs int64, exitCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ToolCommandKey, command),
		attribute.Int64(ToolDurationKey, durationMs),
		attribute.Int(ToolExitCodeKey, exitCode),
	}
}
