package venue

import (
	"context"
	"sync"
	"time"
)

// MarketCache memoizes FetchMarket lookups for a short TTL: market metadata
// (tick size, neg_risk, liquidity, category) changes slowly relative to the
// fast poll loop, so re-fetching it on every fill would be wasted venue load.
type MarketCache struct {
	client Client
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	meta      MarketMeta
	fetchedAt time.Time
}

func NewMarketCache(client Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MarketCache{client: client, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns cached metadata if fresh, otherwise fetches and caches it.
func (c *MarketCache) Get(ctx context.Context, conditionID string) (MarketMeta, error) {
	c.mu.RLock()
	entry, ok := c.entries[conditionID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.meta, nil
	}

	meta, err := c.client.FetchMarket(ctx, conditionID)
	if err != nil {
		if ok {
			// Return the stale entry together with the refetch error; a
			// caller that checks the error (as the executor and
			// orchestrator do) still treats the lookup as failed.
			return entry.meta, err
		}
		return MarketMeta{}, err
	}

	c.mu.Lock()
	c.entries[conditionID] = cacheEntry{meta: meta, fetchedAt: time.Now()}
	c.mu.Unlock()
	return meta, nil
}

// Invalidate drops a cached entry so the next Get refetches it.
func (c *MarketCache) Invalidate(conditionID string) {
	c.mu.Lock()
	delete(c.entries, conditionID)
	c.mu.Unlock()
}
