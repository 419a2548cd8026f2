// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgerserver

import "encoding/json"

// Mutation statuses returned by the replay endpoints.
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
)

// MutationRequest is one write arriving over the replay API. MutationID is
// the client-generated id carried in the X-Mutation-ID header; the server
// uses it to deduplicate retries of writes that were applied but whose
// response never reached the client.
type MutationRequest struct {
	MutationID string          `json:"mutation_id"`
	EntityType string          `json:"entity_type"`
	Op         string          `json:"op"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MutationResponse reports how a mutation concluded. A duplicate is a
// success from the client's point of view: the write is durably applied.
type MutationResponse struct {
	MutationID string `json:"mutation_id"`
	Status     string `json:"status"`
	EntityID   string `json:"entity_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ErrorResponse is the standardized JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuggestionRow is one ranked farmer→product association.
type SuggestionRow struct {
	FarmerID    string `json:"farmer_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Count       int    `json:"count"`
}

// SuggestionsResponse is the body of GET /api/suggestions.
type SuggestionsResponse struct {
	Suggestions []SuggestionRow `json:"suggestions"`
}
