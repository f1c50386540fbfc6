// Package cache holds the price feed's in-memory read cache: one mark price
// per tracked symbol, sharded so a burst of ticks on one symbol doesn't
// contend with reads of another.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedPriceCache is a concurrent map from symbol to its latest price,
// partitioned into numShards independently-locked shards.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewShardedPriceCache allocates an empty cache with all shards ready.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := range c.shards {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

// shardFor picks the shard owning key by FNV-1a hash.
func (c *ShardedPriceCache) shardFor(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set records symbol's latest price, stamped with the current time.
func (c *ShardedPriceCache) Set(symbol string, price float64) {
	shard := c.shardFor(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{price: price, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// Get returns symbol's last recorded price.
func (c *ShardedPriceCache) Get(symbol string) (float64, bool) {
	shard := c.shardFor(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetWithAge returns symbol's price along with how long ago it was recorded,
// so callers can reject a mark that has gone stale.
func (c *ShardedPriceCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	shard := c.shardFor(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Delete drops symbol from the cache.
func (c *ShardedPriceCache) Delete(symbol string) {
	shard := c.shardFor(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns the number of cached symbols across every shard.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup evicts any entry older than maxAge and reports how many it
// removed.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CleanupInvalid evicts every cached symbol not present in validSymbols,
// for when the tracked symbol universe shrinks at reconfiguration.
func (c *ShardedPriceCache) CleanupInvalid(validSymbols []string) int {
	valid := make(map[string]bool, len(validSymbols))
	for _, s := range validSymbols {
		valid[s] = true
	}

	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym := range shard.items {
			if !valid[sym] {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetAll snapshots every cached symbol's price, for Feed.Snapshot.
func (c *ShardedPriceCache) GetAll() map[string]float64 {
	result := make(map[string]float64)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats summarizes cache occupancy for admin/debug inspection.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats computes a point-in-time CacheStats snapshot.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
