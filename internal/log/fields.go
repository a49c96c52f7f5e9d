// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID   = "request_id"
	FieldOperationID = "operation_id"
	FieldJobID       = "job_id"
	FieldAssetID     = "asset_id"
	FieldUserID      = "user_id"
	FieldEventID     = "event_id"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldKind      = "kind"
	FieldAttempt   = "attempt"
	FieldPriority  = "priority"

	// Ledger fields
	FieldAmount    = "amount"
	FieldEntryType = "entry_type"
	FieldBalance   = "balance"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldReason    = "reason"

	// Path fields
	FieldPath       = "path"
	FieldResultPath = "result_path"
)
