// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgerserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// claimMutation inserts the mutation id into the dedup log. It returns false
// when the id was already claimed by an earlier replay, in which case the
// caller must skip business-table writes.
func claimMutation(ctx context.Context, tx pgx.Tx, userID, deviceID string, req *MutationRequest) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger.applied_mutations (mutation_id, user_id, device_id, entity_type, op, entity_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mutation_id) DO NOTHING`,
		req.MutationID, userID, deviceID, req.EntityType, req.Op, req.EntityID)
	if err != nil {
		return false, fmt.Errorf("failed to claim mutation %s: %w", req.MutationID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// withRetryableTx runs fn in a REPEATABLE READ transaction, retrying a small
// number of times on serialization failures and deadlocks.
func (s *ReplayService) withRetryableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); err != nil {
				return err
			}
			s.logger.Debug("Retrying replay transaction", "attempt", attempt+1)
		}
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
		if err == nil {
			return nil
		}
		if !isRetryablePGTxError(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("replay transaction failed after %d attempts: %w", maxAttempts, lastErr)
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
