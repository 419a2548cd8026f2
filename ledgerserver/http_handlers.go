// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgerserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Markandayan1518/Malar-Market-Ledger-sub001/internal/auth"
)

// ReplayApplier is the service surface the HTTP layer needs. It is an
// interface so handler tests can run against a fake without Postgres.
type ReplayApplier interface {
	ApplyMutation(ctx context.Context, userID, deviceID string, req *MutationRequest) (*MutationResponse, error)
	ListSuggestions(ctx context.Context, userID, farmerID string, limit int) ([]SuggestionRow, error)
}

// HTTPHandlers provides the HTTP surface of the replay API.
type HTTPHandlers struct {
	service ReplayApplier
	logger  *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(service ReplayApplier, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, logger: logger}
}

// Register mounts the API routes on mux, wrapping the mutating and reading
// routes with the given auth middleware (pass nil to skip auth).
func (h *HTTPHandlers) Register(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		if authMiddleware == nil {
			return fn
		}
		return authMiddleware(fn)
	}

	mux.Handle("POST /api/{entity}", wrap(h.handleCreate))
	mux.Handle("PUT /api/{entity}/{id}", wrap(h.handleUpdate))
	mux.Handle("DELETE /api/{entity}/{id}", wrap(h.handleDelete))
	mux.Handle("GET /api/suggestions", wrap(h.handleSuggestions))
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

func (h *HTTPHandlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	h.applyMutation(w, r, "create", "")
}

func (h *HTTPHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h.applyMutation(w, r, "update", r.PathValue("id"))
}

func (h *HTTPHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.applyMutation(w, r, "delete", r.PathValue("id"))
}

func (h *HTTPHandlers) applyMutation(w http.ResponseWriter, r *http.Request, op, entityID string) {
	userID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	req := MutationRequest{
		MutationID: r.Header.Get("X-Mutation-ID"),
		EntityType: r.PathValue("entity"),
		Op:         op,
		EntityID:   entityID,
	}
	if op != "delete" {
		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
			return
		}
		req.Payload = payload
		if op == "create" && entityID == "" {
			// Allow the payload to carry the client-assigned id.
			var probe struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(payload, &probe)
			req.EntityID = probe.ID
		}
	}

	resp, err := h.service.ApplyMutation(r.Context(), userID, deviceID, &req)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			writeError(w, h.logger, http.StatusUnprocessableEntity, reqErr.Code, reqErr.Message)
			return
		}
		h.logger.Error("Failed to apply mutation", "error", err,
			"mutation_id", req.MutationID, "entity", req.EntityType, "op", op)
		writeError(w, h.logger, http.StatusInternalServerError, "apply_failed", "Failed to apply mutation")
		return
	}

	status := http.StatusOK
	if op == "create" && resp.Status == StatusApplied {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode mutation response", "error", err, "mutation_id", req.MutationID)
	}
}

func (h *HTTPHandlers) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	farmerID := r.URL.Query().Get("farmer_id")
	if farmerID == "" {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "farmer_id is required")
		return
	}
	limit := 0
	if ls := r.URL.Query().Get("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		limit = v
	}

	rows, err := h.service.ListSuggestions(r.Context(), userID, farmerID, limit)
	if err != nil {
		h.logger.Error("Failed to list suggestions", "error", err, "farmer_id", farmerID)
		writeError(w, h.logger, http.StatusInternalServerError, "suggestions_failed", "Failed to list suggestions")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(SuggestionsResponse{Suggestions: rows}); err != nil {
		h.logger.Error("Failed to encode suggestions response", "error", err)
	}
}

func (h *HTTPHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *HTTPHandlers) identity(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, ok = auth.GetUserID(r.Context())
	if !ok || userID == "" {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "Missing authenticated user")
		return "", "", false
	}
	deviceID, _ = auth.GetDeviceID(r.Context())
	return userID, deviceID, true
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})

	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
