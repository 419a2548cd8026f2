// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Queue owns the pending-mutation collection inside the durable store.
// Entries are removed only after a confirmed successful replay; a failed
// replay leaves the entry in place with its attempt count incremented.
type Queue struct {
	store  *Store
	logger *slog.Logger
}

// NewQueue creates a queue manager over the given store.
func NewQueue(store *Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger}
}

// Enqueue records a mutation for later replay and returns its id. It returns
// ErrStorageUnavailable when the store has not been initialized; callers must
// treat that as "mutation lost, inform the user" since there is no durable
// fallback.
func (q *Queue) Enqueue(ctx context.Context, intent MutationIntent) (string, error) {
	if !q.store.Ready() {
		return "", ErrStorageUnavailable
	}
	if err := intent.Validate(); err != nil {
		return "", err
	}

	m := QueuedMutation{
		ID:         uuid.New().String(),
		EntityType: intent.EntityType,
		Op:         intent.Op,
		Payload:    intent.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	record, err := json.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queued mutation: %w", err)
	}
	if _, err := q.store.Put(ctx, CollectionSyncQueue, record); err != nil {
		return "", fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	q.logger.Debug("Enqueued mutation",
		"id", m.ID, "entity", m.EntityType, "op", m.Op)
	return m.ID, nil
}

// Count returns the number of pending mutations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.Count(ctx, CollectionSyncQueue)
}

// ListPending returns all queued mutations in FIFO replay order. Later
// mutations may depend on earlier ones against the same entity
// (create-then-update), so drain order must match enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]QueuedMutation, error) {
	records, err := q.store.GetAll(ctx, CollectionSyncQueue)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedMutation, 0, len(records))
	for _, rec := range records {
		var m QueuedMutation
		if err := json.Unmarshal(rec, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued mutation: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Remove deletes a mutation after its replay has been confirmed successful.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, CollectionSyncQueue, id); err != nil {
		return fmt.Errorf("failed to remove mutation %s: %w", id, err)
	}
	q.logger.Debug("Removed mutation from queue", "id", id)
	return nil
}

// RecordFailure increments the attempt count and stores the last error for a
// mutation that could not be replayed. The mutation itself stays queued.
func (q *Queue) RecordFailure(ctx context.Context, id string, attemptErr error) error {
	records, err := q.store.GetAll(ctx, CollectionSyncQueue)
	if err != nil {
		return err
	}
	for _, rec := range records {
		var m QueuedMutation
		if err := json.Unmarshal(rec, &m); err != nil {
			return fmt.Errorf("failed to unmarshal queued mutation: %w", err)
		}
		if m.ID != id {
			continue
		}
		m.AttemptCount++
		m.LastError = attemptErr.Error()
		updated, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("failed to marshal queued mutation: %w", err)
		}
		// Upsert by id keeps the original queue position.
		if _, err := q.store.Put(ctx, CollectionSyncQueue, updated); err != nil {
			return fmt.Errorf("failed to record failure for %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("mutation %s not found in queue", id)
}
