// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
	infos     []string
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) Info(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, msg)
}

func testIntent() MutationIntent {
	return MutationIntent{
		EntityType: EntityDailyEntry,
		Op:         OpCreate,
		Payload:    json.RawMessage(`{"farmer_id":"f1","weight_kg":12}`),
	}
}

func newTestGateway(t *testing.T) (*Gateway, *Queue, *Monitor, *recordingNotifier) {
	t.Helper()
	q := newTestQueue(t)
	m := NewMonitor(nil, 0, testLogger())
	n := &recordingNotifier{}
	g := NewGateway(m, q, n, testLogger())
	return g, q, m, n
}

func TestGatewayOnlineSuccess(t *testing.T) {
	ctx := context.Background()
	g, q, _, n := newTestGateway(t)

	res, err := g.Execute(ctx, testIntent(), func(ctx context.Context) ([]byte, error) {
		return []byte(`{"id":"e1"}`), nil
	}, "Entry saved", "")
	require.NoError(t, err)
	require.False(t, res.Queued)
	require.JSONEq(t, `{"id":"e1"}`, string(res.Body))
	require.Equal(t, []string{"Entry saved"}, n.successes)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestGatewayOfflineQueues(t *testing.T) {
	ctx := context.Background()
	g, q, m, n := newTestGateway(t)
	m.SetOnline(false)

	res, err := g.Execute(ctx, testIntent(), func(ctx context.Context) ([]byte, error) {
		t.Fatal("call must not run while offline")
		return nil, nil
	}, "", "")
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.NotEmpty(t, res.MutationID)
	require.Len(t, n.infos, 1)
	require.Empty(t, n.successes)
	require.Empty(t, n.errors)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestGatewayNetworkFailureFlipsOfflineAndQueues(t *testing.T) {
	ctx := context.Background()
	g, q, m, _ := newTestGateway(t)
	require.False(t, m.IsOffline())

	res, err := g.Execute(ctx, testIntent(), func(ctx context.Context) ([]byte, error) {
		return nil, &NetworkError{Err: errors.New("connection refused")}
	}, "", "")
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.True(t, m.IsOffline())

	count, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestGatewayValidationFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	g, q, m, n := newTestGateway(t)

	ve := &ValidationError{StatusCode: 422, Code: "invalid_weight", Message: "bad"}
	_, err := g.Execute(ctx, testIntent(), func(ctx context.Context) ([]byte, error) {
		return nil, ve
	}, "", "Could not save the entry")
	require.ErrorAs(t, err, new(*ValidationError))
	require.Equal(t, []string{"Could not save the entry"}, n.errors)

	// Never queued, never flips connectivity.
	count, countErr := q.Count(ctx)
	require.NoError(t, countErr)
	require.Zero(t, count)
	require.False(t, m.IsOffline())
}

func TestGatewayAuthFailureRetriesOnce(t *testing.T) {
	ctx := context.Background()
	g, q, _, n := newTestGateway(t)
	inv := &fakeInvalidator{}
	g.WithTokenInvalidator(inv)

	// Expired token: first call rejected, retry with a fresh token works.
	calls := 0
	res, err := g.Execute(ctx, testIntent(), func(ctx context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, &AuthError{StatusCode: 401, Message: "token expired"}
		}
		return []byte(`{"id":"e1"}`), nil
	}, "Entry saved", "")
	require.NoError(t, err)
	require.False(t, res.Queued)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, inv.calls)
	require.Equal(t, []string{"Entry saved"}, n.successes)

	count, countErr := q.Count(ctx)
	require.NoError(t, countErr)
	require.Zero(t, count)
}

func TestGatewayPersistentAuthFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	g, q, _, _ := newTestGateway(t)
	inv := &fakeInvalidator{}
	g.WithTokenInvalidator(inv)

	calls := 0
	_, err := g.Execute(ctx, testIntent(), func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, &AuthError{StatusCode: 403, Message: "account disabled"}
	}, "", "")
	require.True(t, IsAuthError(err))
	require.Equal(t, 2, calls)
	require.Equal(t, 1, inv.calls)

	count, countErr := q.Count(ctx)
	require.NoError(t, countErr)
	require.Zero(t, count)
}

func TestGatewayOfflineWithoutStorageWarnsUser(t *testing.T) {
	ctx := context.Background()
	// A store that was never initialized: nothing durable to fall back on.
	store, err := NewStore(filepath.Join(t.TempDir(), "s.db"), DefaultCollections(), testLogger())
	require.NoError(t, err)
	q := NewQueue(store, testLogger())
	m := NewMonitor(nil, 0, testLogger())
	m.SetOnline(false)
	n := &recordingNotifier{}
	g := NewGateway(m, q, n, testLogger())

	_, err = g.Execute(ctx, testIntent(), nil, "", "")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.Len(t, n.errors, 1)
}

func TestGatewayReadFailsFastOffline(t *testing.T) {
	ctx := context.Background()
	g, _, m, _ := newTestGateway(t)
	m.SetOnline(false)

	_, err := g.ExecuteRead(ctx, func(ctx context.Context) ([]byte, error) {
		t.Fatal("read must not run while offline")
		return nil, nil
	})
	require.True(t, IsNetworkError(err))
}

func TestGatewayQueuedWriteDrainsAfterReconnect(t *testing.T) {
	ctx := context.Background()
	g, q, m, _ := newTestGateway(t)
	r := newScriptedReplayer()
	o := NewOrchestrator(q, r, m, OrchestratorConfig{}, testLogger())

	m.SetOnline(false)
	res, err := g.Execute(ctx, testIntent(), nil, "", "")
	require.NoError(t, err)
	require.True(t, res.Queued)

	m.SetOnline(true)
	drained := o.DrainNow(ctx)
	require.Equal(t, 1, drained.Replayed)
	require.Equal(t, []string{res.MutationID}, r.order())

	count, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}
