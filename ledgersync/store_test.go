// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	store, err := NewStore(path, DefaultCollections(), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorePutGetAllPreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		rec := fmt.Sprintf(`{"id":"m%d","n":%d}`, i, i)
		id, err := store.Put(ctx, CollectionSyncQueue, json.RawMessage(rec))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("m%d", i), id)
	}

	records, err := store.GetAll(ctx, CollectionSyncQueue)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		var got struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec, &got))
		require.Equal(t, fmt.Sprintf("m%d", i), got.ID)
	}
}

func TestStorePutGeneratesID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	records, err := store.GetAll(ctx, CollectionSyncQueue)
	require.NoError(t, err)
	require.Len(t, records, 1)
	var got struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(records[0], &got))
	require.Equal(t, id, got.ID)
}

func TestStoreUpsertKeepsPosition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"id":"a","v":1}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"id":"b","v":1}`))
	require.NoError(t, err)

	// Updating "a" must not move it behind "b".
	_, err = store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"id":"a","v":2}`))
	require.NoError(t, err)

	records, err := store.GetAll(ctx, CollectionSyncQueue)
	require.NoError(t, err)
	require.Len(t, records, 2)
	var first struct {
		ID string `json:"id"`
		V  int    `json:"v"`
	}
	require.NoError(t, json.Unmarshal(records[0], &first))
	require.Equal(t, "a", first.ID)
	require.Equal(t, 2, first.V)
}

func TestStoreGetByIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, rec := range []string{
		`{"id":"f1/roses","farmer_id":"f1","product_id":"roses","count":3}`,
		`{"id":"f1/jasmine","farmer_id":"f1","product_id":"jasmine","count":9}`,
		`{"id":"f2/lotus","farmer_id":"f2","product_id":"lotus","count":1}`,
	} {
		_, err := store.Put(ctx, CollectionFarmerProducts, json.RawMessage(rec))
		require.NoError(t, err)
	}

	records, err := store.GetByIndex(ctx, CollectionFarmerProducts, "farmer_id", "f1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	_, err = store.GetByIndex(ctx, CollectionFarmerProducts, "product_id", "roses")
	require.Error(t, err)
}

func TestStoreDeleteAndCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"id":"b"}`))
	require.NoError(t, err)

	n, err := store.Count(ctx, CollectionSyncQueue)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, store.Delete(ctx, CollectionSyncQueue, "a"))
	// Absent id is not an error.
	require.NoError(t, store.Delete(ctx, CollectionSyncQueue, "nope"))

	n, err = store.Count(ctx, CollectionSyncQueue)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStoreInitConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	store, err := NewStore(path, DefaultCollections(), testLogger())
	require.NoError(t, err)
	defer store.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Init(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.True(t, store.Ready())
	require.False(t, store.Degraded())
}

func TestStoreRejectsFutureSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE _store_meta (key TEXT PRIMARY KEY, value INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO _store_meta (key, value) VALUES ('schema_version', ?)`,
		storeSchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := NewStore(path, DefaultCollections(), testLogger())
	require.NoError(t, err)
	err = store.Init(context.Background())
	require.ErrorIs(t, err, ErrStorageReset)
	require.False(t, store.Ready())
}

func TestStoreDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	// Parent directory does not exist, so the file cannot be created.
	path := filepath.Join(t.TempDir(), "missing", "dir", "store.db")
	store, err := NewStore(path, DefaultCollections(), testLogger())
	require.NoError(t, err)

	err = store.Init(ctx)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.True(t, store.Ready())
	require.True(t, store.Degraded())

	// Memory tables still honor the full API, including order and indexes.
	_, err = store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, CollectionSyncQueue, json.RawMessage(`{"id":"b"}`))
	require.NoError(t, err)

	records, err := store.GetAll(ctx, CollectionSyncQueue)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NoError(t, store.Delete(ctx, CollectionSyncQueue, "a"))
	n, err := store.Count(ctx, CollectionSyncQueue)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStoreUnknownCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, "no_such_collection", json.RawMessage(`{"id":"a"}`))
	require.Error(t, err)
}

func TestStoreNotReadyBeforeInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	store, err := NewStore(path, DefaultCollections(), testLogger())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), CollectionSyncQueue, json.RawMessage(`{"id":"a"}`))
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestStoreRejectsBadCollectionName(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "s.db"),
		[]Collection{{Name: "bad name; drop"}}, testLogger())
	require.Error(t, err)
}
