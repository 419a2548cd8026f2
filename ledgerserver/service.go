// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgerserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityHandler applies one entity type's mutations to its business tables.
// All methods run inside the replay transaction and must be idempotent:
// the dedup log protects against full replays, not against partial retries
// after a serialization failure.
type EntityHandler interface {
	ApplyCreate(ctx context.Context, tx pgx.Tx, userID, entityID string, payload []byte) error
	ApplyUpdate(ctx context.Context, tx pgx.Tx, userID, entityID string, payload []byte) error
	ApplyDelete(ctx context.Context, tx pgx.Tx, userID, entityID string) error
}

// RegisteredEntity binds an entity type name to its handler.
type RegisteredEntity struct {
	Name    string
	Handler EntityHandler
}

// ServiceConfig holds configuration for the replay service.
type ServiceConfig struct {
	AppName            string
	RegisteredEntities []RegisteredEntity
	// MaxPayloadBytes caps a single mutation payload (0 = unlimited).
	MaxPayloadBytes int
}

// ReplayService applies offline mutation replays exactly once. Each mutation
// runs in its own REPEATABLE READ transaction that first claims the mutation
// id in the dedup log; a replay whose id is already claimed short-circuits to
// a duplicate response without touching business tables.
type ReplayService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	handlers map[string]EntityHandler
}

// NewReplayService creates the service and initializes its schema.
func NewReplayService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*ReplayService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "ledger-replay"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &ReplayService{
		pool:     pool,
		logger:   logger,
		config:   config,
		handlers: make(map[string]EntityHandler),
	}
	for _, e := range config.RegisteredEntities {
		s.handlers[strings.ToLower(e.Name)] = e.Handler
		logger.Debug("Registered entity handler", "entity", e.Name)
	}

	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize replay service: %w", err)
	}
	return s, nil
}

func (s *ReplayService) initializeSchema(ctx context.Context) error {
	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS ledger`,

		// Idempotency log: one row per applied client mutation.
		`CREATE TABLE IF NOT EXISTS ledger.applied_mutations (
			mutation_id TEXT        PRIMARY KEY,
			user_id     TEXT        NOT NULL,
			device_id   TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			op          TEXT        NOT NULL CHECK (op IN ('create','update','delete')),
			entity_id   TEXT        NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applied_mutations_user
			ON ledger.applied_mutations (user_id, applied_at)`,

		// Ranked farmer→product counts backing the suggestion endpoint.
		`CREATE TABLE IF NOT EXISTS ledger.farmer_product_stats (
			user_id      TEXT NOT NULL,
			farmer_id    TEXT NOT NULL,
			product_id   TEXT NOT NULL,
			product_name TEXT NOT NULL DEFAULT '',
			entry_count  BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, farmer_id, product_id)
		)`,
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		return nil
	})
}

// ApplyMutation applies one replayed mutation for the authenticated user.
// Duplicates (same mutation id) are acknowledged without re-applying.
func (s *ReplayService) ApplyMutation(ctx context.Context, userID, deviceID string, req *MutationRequest) (*MutationResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	handler, ok := s.handlers[strings.ToLower(req.EntityType)]
	if !ok {
		return nil, &requestError{Code: "unknown_entity", Message: fmt.Sprintf("entity type %q is not registered", req.EntityType)}
	}

	var resp *MutationResponse
	err := s.withRetryableTx(ctx, func(tx pgx.Tx) error {
		claimed, err := claimMutation(ctx, tx, userID, deviceID, req)
		if err != nil {
			return err
		}
		if !claimed {
			s.logger.Info("Duplicate mutation replay acknowledged",
				"mutation_id", req.MutationID, "user_id", userID)
			resp = &MutationResponse{
				MutationID: req.MutationID,
				Status:     StatusDuplicate,
				EntityID:   req.EntityID,
			}
			return nil
		}

		switch req.Op {
		case "create":
			err = handler.ApplyCreate(ctx, tx, userID, req.EntityID, req.Payload)
		case "update":
			err = handler.ApplyUpdate(ctx, tx, userID, req.EntityID, req.Payload)
		case "delete":
			err = handler.ApplyDelete(ctx, tx, userID, req.EntityID)
		}
		if err != nil {
			return err
		}

		if err := s.bumpSuggestionStats(ctx, tx, userID, req); err != nil {
			return err
		}
		resp = &MutationResponse{
			MutationID: req.MutationID,
			Status:     StatusApplied,
			EntityID:   req.EntityID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *ReplayService) validateRequest(req *MutationRequest) error {
	if req.MutationID == "" {
		return &requestError{Code: "missing_mutation_id", Message: "X-Mutation-ID header (or mutation_id field) is required"}
	}
	if req.EntityType == "" {
		return &requestError{Code: "missing_entity_type", Message: "entity type is required"}
	}
	switch req.Op {
	case "create", "update", "delete":
	default:
		return &requestError{Code: "invalid_operation", Message: fmt.Sprintf("unknown operation %q", req.Op)}
	}
	if req.Op != "create" && req.EntityID == "" {
		return &requestError{Code: "missing_entity_id", Message: "entity id is required for update and delete"}
	}
	if s.config.MaxPayloadBytes > 0 && len(req.Payload) > s.config.MaxPayloadBytes {
		return &requestError{Code: "payload_too_large",
			Message: fmt.Sprintf("payload exceeds %d bytes", s.config.MaxPayloadBytes)}
	}
	return nil
}

// bumpSuggestionStats counts created daily entries per farmer/product so the
// suggestion endpoint can rank what each farmer usually brings.
func (s *ReplayService) bumpSuggestionStats(ctx context.Context, tx pgx.Tx, userID string, req *MutationRequest) error {
	if req.Op != "create" || strings.ToLower(req.EntityType) != "daily_entry" {
		return nil
	}
	var fields struct {
		FarmerID    string `json:"farmer_id"`
		ProductID   string `json:"product_id"`
		ProductName string `json:"product_name"`
	}
	if err := json.Unmarshal(req.Payload, &fields); err != nil || fields.FarmerID == "" || fields.ProductID == "" {
		// Entries without farmer/product attribution simply don't rank.
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger.farmer_product_stats (user_id, farmer_id, product_id, product_name, entry_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (user_id, farmer_id, product_id)
		DO UPDATE SET entry_count = ledger.farmer_product_stats.entry_count + 1,
		              product_name = CASE WHEN excluded.product_name <> '' THEN excluded.product_name
		                                  ELSE ledger.farmer_product_stats.product_name END`,
		userID, fields.FarmerID, fields.ProductID, fields.ProductName)
	if err != nil {
		return fmt.Errorf("failed to update suggestion stats: %w", err)
	}
	return nil
}

// ListSuggestions returns the ranked products for a farmer, most frequent
// first with product id as the stable tiebreaker.
func (s *ReplayService) ListSuggestions(ctx context.Context, userID, farmerID string, limit int) ([]SuggestionRow, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT farmer_id, product_id, product_name, entry_count
		FROM ledger.farmer_product_stats
		WHERE user_id = $1 AND farmer_id = $2
		ORDER BY entry_count DESC, product_id ASC
		LIMIT $3`,
		userID, farmerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}
	defer rows.Close()

	var out []SuggestionRow
	for rows.Next() {
		var r SuggestionRow
		if err := rows.Scan(&r.FarmerID, &r.ProductID, &r.ProductName, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// requestError is a client-caused failure; handlers map it to 4xx.
type requestError struct {
	Code    string
	Message string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
