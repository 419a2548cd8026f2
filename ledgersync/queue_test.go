// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(newTestStore(t), testLogger())
}

func TestQueueEnqueueListFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, MutationIntent{
			EntityType: EntityDailyEntry,
			Op:         OpCreate,
			Payload:    json.RawMessage(fmt.Sprintf(`{"weight_kg":%d}`, i+1)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, m := range pending {
		require.Equal(t, ids[i], m.ID)
		require.Equal(t, EntityDailyEntry, m.EntityType)
		require.Zero(t, m.AttemptCount)
		require.False(t, m.CreatedAt.IsZero())
	}

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestQueueEnqueueValidates(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, MutationIntent{Op: OpCreate})
	require.Error(t, err)

	_, err = q.Enqueue(ctx, MutationIntent{EntityType: EntityDailyEntry, Op: "replace"})
	require.Error(t, err)

	// Update without an entity id cannot be replayed.
	_, err = q.Enqueue(ctx, MutationIntent{
		EntityType: EntityDailyEntry,
		Op:         OpUpdate,
		Payload:    json.RawMessage(`{"weight_kg":5}`),
	})
	require.Error(t, err)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueueEnqueueWithoutStore(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "s.db"), DefaultCollections(), testLogger())
	require.NoError(t, err)
	q := NewQueue(store, testLogger())

	_, err = q.Enqueue(context.Background(), MutationIntent{
		EntityType: EntityDailyEntry,
		Op:         OpCreate,
		Payload:    json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestQueueRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, MutationIntent{
		EntityType: EntityCashAdvance,
		Op:         OpCreate,
		Payload:    json.RawMessage(`{"amount":200}`),
	})
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, id))
	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueueRecordFailureKeepsPosition(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.Enqueue(ctx, MutationIntent{
		EntityType: EntityDailyEntry, Op: OpCreate, Payload: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, MutationIntent{
		EntityType: EntityDailyEntry, Op: OpCreate, Payload: json.RawMessage(`{"n":2}`),
	})
	require.NoError(t, err)

	require.NoError(t, q.RecordFailure(ctx, first, errors.New("connection refused")))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first, pending[0].ID)
	require.Equal(t, 1, pending[0].AttemptCount)
	require.Equal(t, "connection refused", pending[0].LastError)
	require.Equal(t, second, pending[1].ID)
	require.Zero(t, pending[1].AttemptCount)
}

func TestQueueRecordFailureUnknownID(t *testing.T) {
	q := newTestQueue(t)
	err := q.RecordFailure(context.Background(), "missing", errors.New("boom"))
	require.Error(t, err)
}
