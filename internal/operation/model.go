// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package operation defines requested media transformations: their kinds,
// typed parameter records, status lifecycle and persistence.
package operation

import (
	"time"
)

// Kind identifies the transformation requested on an asset.
type Kind string

const (
	KindResize       Kind = "resize"
	KindConvert      Kind = "convert"
	KindExtractAudio Kind = "extract_audio"
	KindCrop         Kind = "crop"
	KindTrim         Kind = "trim"
	KindWatermark    Kind = "watermark"
	KindGif          Kind = "gif"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindResize, KindConvert, KindExtractAudio, KindCrop, KindTrim, KindWatermark, KindGif}
}

// Valid reports whether k names a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindResize, KindConvert, KindExtractAudio, KindCrop, KindTrim, KindWatermark, KindGif:
		return true
	}
	return false
}

// Status is the operation lifecycle. Terminal states are final.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s -> next is a legal lifecycle move.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Operation is one tracked transformation request.
type Operation struct {
	ID           string    `json:"id"`
	AssetID      string    `json:"assetId"`
	OwnerID      string    `json:"ownerId"`
	Kind         Kind      `json:"kind"`
	Status       Status    `json:"status"`
	Params       Params    `json:"params"`
	Fingerprint  string    `json:"-"`
	ResultPath   string    `json:"resultPath,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
