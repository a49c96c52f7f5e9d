// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/clipd/internal/operation"
)

// resultMeta is the sidecar written next to a finished output. Readers
// poll it to learn what the latest successful operation produced without
// touching the database.
type resultMeta struct {
	OperationID string    `json:"operationId"`
	Kind        string    `json:"kind"`
	ResultPath  string    `json:"resultPath"`
	CompletedAt time.Time `json:"completedAt"`
}

// writeMeta replaces the asset's meta.json atomically so a concurrent
// reader never sees a torn file.
func (p *Pool) writeMeta(op *operation.Operation, resultPath string) error {
	meta := resultMeta{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		ResultPath:  resultPath,
		CompletedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := p.deps.Paths.Meta(op.AssetID)
	// renameio stages the temp file in the target directory, so the
	// directory has to exist before the write.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, raw, 0o644)
}
