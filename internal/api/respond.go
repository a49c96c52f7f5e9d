// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/ManuGH/clipd/internal/log"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		logger := log.WithContext(r.Context(), log.WithComponent("api"))
		logger.Error().
			Str("code", code).
			Str("message", message).
			Msg("request failed")
	}
	writeJSON(w, status, errorBody{
		Error:     code,
		Message:   message,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}
