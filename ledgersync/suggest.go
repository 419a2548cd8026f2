// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// SuggestionCache answers "which product does this farmer usually bring"
// from the freshest source available: the server ranking while online, the
// durable local copy while offline. Every successful remote fetch is written
// through to the store so the offline answer tracks the online one.
type SuggestionCache struct {
	store   *Store
	fetcher SuggestionFetcher
	monitor *Monitor
	logger  *slog.Logger

	mu   sync.Mutex
	memo map[string]SuggestionResult
}

// NewSuggestionCache creates the cache. fetcher may be nil for a purely
// local cache.
func NewSuggestionCache(store *Store, fetcher SuggestionFetcher, monitor *Monitor, logger *slog.Logger) *SuggestionCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuggestionCache{
		store:   store,
		fetcher: fetcher,
		monitor: monitor,
		logger:  logger,
		memo:    make(map[string]SuggestionResult),
	}
}

// Get returns the ranked suggestions for a farmer: highest submission count
// first, product id as the tiebreaker so the order is stable. Both Best and
// AllCandidates are nil when nothing is known about the farmer; callers show
// an empty picker rather than a guess.
func (c *SuggestionCache) Get(ctx context.Context, farmerID string) (SuggestionResult, error) {
	c.mu.Lock()
	if res, ok := c.memo[farmerID]; ok {
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	if c.fetcher != nil && c.monitor != nil && !c.monitor.IsOffline() {
		remote, err := c.fetcher.FetchSuggestions(ctx, farmerID)
		if err == nil {
			res := rankSuggestions(remote, false)
			c.writeThrough(ctx, farmerID, remote)
			c.memoize(farmerID, res)
			return res, nil
		}
		if IsNetworkError(err) && c.monitor != nil {
			c.monitor.SetOnline(false)
		}
		c.logger.Debug("Remote suggestion fetch failed, falling back to cache",
			"farmer_id", farmerID, "error", err)
	}

	local, err := c.loadLocal(ctx, farmerID)
	if err != nil {
		return SuggestionResult{}, err
	}
	res := rankSuggestions(local, true)
	c.memoize(farmerID, res)
	return res, nil
}

// RecordUse bumps the local count for a farmer/product pair after a submitted
// entry, so offline rankings improve even before the server is consulted
// again.
func (c *SuggestionCache) RecordUse(ctx context.Context, farmerID, productID, productName string) error {
	if !c.store.Ready() {
		return ErrStorageUnavailable
	}
	local, err := c.loadLocal(ctx, farmerID)
	if err != nil {
		return err
	}
	found := false
	for i := range local {
		if local[i].ProductID == productID {
			local[i].Count++
			if productName != "" {
				local[i].ProductName = productName
			}
			found = true
			break
		}
	}
	if !found {
		local = append(local, Suggestion{
			FarmerID:    farmerID,
			ProductID:   productID,
			ProductName: productName,
			Count:       1,
		})
	}
	c.writeThrough(ctx, farmerID, local)
	c.Invalidate(farmerID)
	return nil
}

// Invalidate drops the in-memory answer for one farmer.
func (c *SuggestionCache) Invalidate(farmerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.memo, farmerID)
}

// InvalidateAll drops every memoized answer, e.g. after a drain pass applied
// queued entries that change the counts server-side.
func (c *SuggestionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memo = make(map[string]SuggestionResult)
}

func (c *SuggestionCache) memoize(farmerID string, res SuggestionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memo[farmerID] = res
}

func (c *SuggestionCache) loadLocal(ctx context.Context, farmerID string) ([]Suggestion, error) {
	records, err := c.store.GetByIndex(ctx, CollectionFarmerProducts, "farmer_id", farmerID)
	if err != nil {
		return nil, err
	}
	out := make([]Suggestion, 0, len(records))
	for _, rec := range records {
		var s Suggestion
		if err := json.Unmarshal(rec, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cached suggestion: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// writeThrough persists the latest candidate set. Failures degrade the
// offline answer but never the online one, so they are logged and swallowed.
func (c *SuggestionCache) writeThrough(ctx context.Context, farmerID string, suggestions []Suggestion) {
	if !c.store.Ready() {
		return
	}
	for _, s := range suggestions {
		s.FarmerID = farmerID
		rec, err := json.Marshal(map[string]any{
			"id":           farmerID + "/" + s.ProductID,
			"farmer_id":    s.FarmerID,
			"product_id":   s.ProductID,
			"product_name": s.ProductName,
			"count":        s.Count,
		})
		if err != nil {
			continue
		}
		if _, err := c.store.Put(ctx, CollectionFarmerProducts, rec); err != nil {
			c.logger.Debug("Suggestion write-through failed", "farmer_id", farmerID, "error", err)
			return
		}
	}
}

func rankSuggestions(in []Suggestion, fromCache bool) SuggestionResult {
	if len(in) == 0 {
		return SuggestionResult{FromCache: fromCache}
	}
	ranked := make([]Suggestion, len(in))
	copy(ranked, in)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})
	return SuggestionResult{
		Best:          &ranked[0],
		AllCandidates: ranked,
		FromCache:     fromCache,
	}
}
