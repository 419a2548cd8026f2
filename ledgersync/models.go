// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of write a queued mutation replays.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Entity types known to the ledger. The sync core treats these as opaque
// tags; they select the remote endpoint during replay.
const (
	EntityDailyEntry  = "daily_entry"
	EntityCashAdvance = "cash_advance"
	EntityMarketRate  = "market_rate"
	EntitySettlement  = "settlement"
	EntityInvoice     = "invoice"
)

// MutationIntent describes a write the caller wants applied remotely. The
// payload is the full entity for create, id plus changed fields for update,
// and at minimum {"id": ...} for delete.
type MutationIntent struct {
	EntityType string          `json:"entity_type"`
	Op         Operation       `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the intent is replayable before it is accepted into the
// queue.
func (in *MutationIntent) Validate() error {
	if in.EntityType == "" {
		return fmt.Errorf("mutation intent missing entity type")
	}
	switch in.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", in.Op)
	}
	if in.Op != OpCreate {
		if _, err := entityIDFromPayload(in.Payload); err != nil {
			return fmt.Errorf("%s mutation: %w", in.Op, err)
		}
	}
	return nil
}

// QueuedMutation is one pending write that could not reach the remote
// service. It is immutable once created except for the attempt bookkeeping;
// it is removed from the store if and only if its replay succeeds.
type QueuedMutation struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entity_type"`
	Op           Operation       `json:"op"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
}

// entityIDFromPayload extracts the target entity id for update/delete
// replays.
func entityIDFromPayload(payload json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if probe.ID == "" {
		return "", fmt.Errorf("payload missing entity id")
	}
	return probe.ID, nil
}

// Suggestion is one candidate from the farmer→product suggestion cache,
// ranked by how often the farmer has submitted the product.
type Suggestion struct {
	FarmerID    string `json:"farmer_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Count       int    `json:"count"`
}

// SuggestionResult is what SuggestionCache.Get returns: the top-ranked
// candidate plus the full ranked list.
type SuggestionResult struct {
	Best          *Suggestion
	AllCandidates []Suggestion
	FromCache     bool
}

// Status is the read-only derived state that drives UI indicators.
type Status struct {
	Offline bool `json:"offline"`
	Pending int  `json:"pending"`
	Syncing bool `json:"syncing"`
}
