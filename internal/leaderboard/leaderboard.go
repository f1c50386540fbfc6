// Package leaderboard is the Leaderboard Aggregator component: ranked
// monthly/all-time challenge standings, cached for 60s per (scope, limit).
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trading-core/pkg/db"
)

// Scope selects which ranking window to compute.
type Scope string

const (
	ScopeMonthly Scope = "monthly"
	ScopeAllTime Scope = "all_time"
)

const cacheTTL = 60 * time.Second

// Row is one ranked entry.
type Row struct {
	ChallengeID      string
	UserID           string
	DisplayName      string
	PnLPct           float64
	Status           string
	TradingDaysCount int
}

type cacheKey struct {
	scope Scope
	limit int
}

type cacheEntry struct {
	rows      []Row
	expiresAt time.Time
}

// Aggregator computes and caches leaderboard rankings. When a Redis client
// is configured the cache is shared across instances; otherwise it falls
// back to an in-process map, which is sufficient for a single-node
// deployment and for tests.
type Aggregator struct {
	q     *db.Queries
	redis *redis.Client

	mu sync.Mutex
	c  map[cacheKey]cacheEntry
}

// New builds an in-process-cached Aggregator.
func New(q *db.Queries) *Aggregator {
	return &Aggregator{q: q, c: make(map[cacheKey]cacheEntry)}
}

// NewWithRedis builds an Aggregator backed by a Redis cache, used when
// CACHE_URL is configured so multiple API instances share one cache.
func NewWithRedis(q *db.Queries, addr string) (*Aggregator, error) {
	if addr == "" {
		return New(q), nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &Aggregator{q: q, redis: client, c: make(map[cacheKey]cacheEntry)}, nil
}

func redisKey(key cacheKey) string {
	return fmt.Sprintf("leaderboard:%s:%d", key.scope, key.limit)
}

// Rank returns the top `limit` rows for scope, serving a cached result if
// one was computed within the last 60s.
func (a *Aggregator) Rank(ctx context.Context, scope Scope, limit int) ([]Row, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	key := cacheKey{scope: scope, limit: limit}

	if rows, ok := a.getCached(ctx, key); ok {
		return rows, nil
	}

	var dbRows []db.LeaderboardRow
	var err error
	switch scope {
	case ScopeMonthly:
		dbRows, err = a.q.LeaderboardMonthly(ctx, limit)
	default:
		dbRows, err = a.q.LeaderboardAllTime(ctx, limit)
	}
	if err != nil {
		return nil, err
	}

	rows := make([]Row, len(dbRows))
	for i, r := range dbRows {
		rows[i] = Row{
			ChallengeID: r.ChallengeID, UserID: r.UserID, DisplayName: r.DisplayName,
			PnLPct: r.PnLPct, Status: r.Status, TradingDaysCount: r.TradingDaysCount,
		}
	}

	a.setCached(ctx, key, rows)
	return rows, nil
}

func (a *Aggregator) getCached(ctx context.Context, key cacheKey) ([]Row, bool) {
	if a.redis != nil {
		payload, err := a.redis.Get(ctx, redisKey(key)).Bytes()
		if err != nil {
			return nil, false
		}
		var rows []Row
		if err := json.Unmarshal(payload, &rows); err != nil {
			return nil, false
		}
		return rows, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.c[key]
	if !ok || !time.Now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.rows, true
}

func (a *Aggregator) setCached(ctx context.Context, key cacheKey, rows []Row) {
	if a.redis != nil {
		if payload, err := json.Marshal(rows); err == nil {
			a.redis.Set(ctx, redisKey(key), payload, cacheTTL)
		}
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.c[key] = cacheEntry{rows: rows, expiresAt: time.Now().Add(cacheTTL)}
}

// Invalidate drops every cached entry, used in tests and after bulk data
// changes (e.g. seeding fixtures).
func (a *Aggregator) Invalidate() {
	if a.redis != nil {
		ctx := context.Background()
		iter := a.redis.Scan(ctx, 0, "leaderboard:*", 0).Iterator()
		for iter.Next(ctx) {
			a.redis.Del(ctx, iter.Val())
		}
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c = make(map[cacheKey]cacheEntry)
}
