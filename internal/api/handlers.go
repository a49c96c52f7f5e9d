// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/clipd/internal/ledger"
	"github.com/ManuGH/clipd/internal/media"
	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/pipeline"
	"github.com/ManuGH/clipd/internal/progress"
)

type startOperationRequest struct {
	UserID  string           `json:"userId"`
	AssetID string           `json:"assetId"`
	Kind    operation.Kind   `json:"kind"`
	Params  operation.Params `json:"params"`
}

type operationResponse struct {
	*operation.Operation
	// Existing is true when an equivalent operation absorbed the request.
	Existing bool `json:"existing,omitempty"`
	// Progress is percent complete for running operations, when tracked.
	Progress *float64 `json:"progress,omitempty"`
}

func (s *Server) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	var req startOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.UserID == "" || req.AssetID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "userId and assetId are required")
		return
	}

	op, existing, err := s.svc.StartOperation(r.Context(), req.UserID, req.AssetID, req.Kind, req.Params)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, status, operationResponse{Operation: op, Existing: existing})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.svc.GetOperation(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	resp := operationResponse{Operation: op}
	if s.progress != nil && op.Status == operation.StatusProcessing {
		if p, err := s.progress.Get(r.Context(), op.ID); err == nil {
			resp.Progress = &p
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{Operation: op})
}

type balanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.svc.Balance(r.Context(), userID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

type addCreditsRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req addCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_amount", "amount must be positive")
		return
	}

	// top-ups auto-provision the account
	if err := s.users.Ensure(r.Context(), userID, ""); err != nil {
		writeMappedError(w, r, err)
		return
	}
	balance, err := s.svc.Credit(r.Context(), userID, req.Amount, req.Description)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// writeMappedError translates the domain error taxonomy to HTTP.
func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *operation.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, "invalid_params", verr.Error())
	case errors.Is(err, pipeline.ErrNotOwned):
		writeError(w, r, http.StatusForbidden, "not_owned", "asset does not belong to user")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, r, http.StatusPaymentRequired, "insufficient_funds", "not enough credits")
	case errors.Is(err, pipeline.ErrAlreadySettled):
		writeError(w, r, http.StatusConflict, "already_settled", "operation already reached a terminal state")
	case errors.Is(err, media.ErrNotFound),
		errors.Is(err, operation.ErrNotFound),
		errors.Is(err, pipeline.ErrUserNotFound),
		errors.Is(err, progress.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
