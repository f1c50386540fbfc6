package leaderboard

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/domain"
	"trading-core/pkg/db"
)

func newTestAggregator(t *testing.T) (*Aggregator, *db.Queries) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	q := db.NewQueries(database.DB)
	return New(q), q
}

func seedLeaderboardChallenge(t *testing.T, q *db.Queries, extID string, balance, currentBalance float64) {
	t.Helper()
	ctx := context.Background()
	ct := domain.ChallengeType{ID: "lb-type", Name: "T", AccountSize: balance, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80}
	_ = q.UpsertChallengeType(ctx, ct)
	u, _, err := q.GetOrCreateUserByExternalID(ctx, extID, "Trader-"+extID)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	now := time.Now().UTC()
	chal := &domain.Challenge{
		ID: "chal-" + extID, UserID: u.ID, TypeID: ct.ID, Status: domain.StatusPhase1,
		AccountMode: domain.AccountModeDemo, InitialBalance: balance, CurrentBalance: currentBalance,
		PeakEquity: currentBalance, DailyAnchorEquity: currentBalance, AttemptNumber: 1,
		StartedAt: now, TransitionedAt: now,
	}
	if err := q.InsertChallenge(ctx, chal); err != nil {
		t.Fatalf("insert challenge: %v", err)
	}
}

func TestRankReturnsTopPerformerFirst(t *testing.T) {
	a, q := newTestAggregator(t)
	seedLeaderboardChallenge(t, q, "a", 10000, 10500) // +5%
	seedLeaderboardChallenge(t, q, "b", 10000, 11000) // +10%

	rows, err := a.Rank(context.Background(), ScopeAllTime, 10)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].DisplayName != "Trader-b" {
		t.Errorf("expected the +10%% challenge ranked first, got %+v", rows[0])
	}
}

func TestRankClampsOutOfRangeLimit(t *testing.T) {
	a, q := newTestAggregator(t)
	seedLeaderboardChallenge(t, q, "c", 10000, 10500)

	if _, err := a.Rank(context.Background(), ScopeAllTime, 0); err != nil {
		t.Fatalf("rank with limit 0: %v", err)
	}
	if _, err := a.Rank(context.Background(), ScopeAllTime, 10000); err != nil {
		t.Fatalf("rank with oversized limit: %v", err)
	}
	// Both calls should have landed on the same clamped cache key (100).
	a.mu.Lock()
	_, ok := a.c[cacheKey{scope: ScopeAllTime, limit: 100}]
	a.mu.Unlock()
	if !ok {
		t.Error("expected both out-of-range limits to clamp to the same cache key")
	}
}

func TestRankServesCachedResultWithinTTL(t *testing.T) {
	a, q := newTestAggregator(t)
	seedLeaderboardChallenge(t, q, "d", 10000, 10500)

	first, err := a.Rank(context.Background(), ScopeAllTime, 10)
	if err != nil {
		t.Fatalf("first rank: %v", err)
	}

	// Mutate underlying data directly; a cached read must not see it.
	seedLeaderboardChallenge(t, q, "e", 10000, 20000)

	second, err := a.Rank(context.Background(), ScopeAllTime, 10)
	if err != nil {
		t.Fatalf("second rank: %v", err)
	}
	if len(second) != len(first) {
		t.Errorf("expected cached result to ignore the new row, got %d rows (was %d)", len(second), len(first))
	}
}

func TestInvalidateClearsInProcessCache(t *testing.T) {
	a, q := newTestAggregator(t)
	seedLeaderboardChallenge(t, q, "f", 10000, 10500)

	if _, err := a.Rank(context.Background(), ScopeAllTime, 10); err != nil {
		t.Fatalf("rank: %v", err)
	}
	a.Invalidate()
	seedLeaderboardChallenge(t, q, "g", 10000, 30000)

	rows, err := a.Rank(context.Background(), ScopeAllTime, 10)
	if err != nil {
		t.Fatalf("rank after invalidate: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected invalidate to force a fresh read picking up the new row, got %d rows", len(rows))
	}
}

func TestRankMonthlyExcludesOldChallenges(t *testing.T) {
	a, q := newTestAggregator(t)
	ctx := context.Background()
	ct := domain.ChallengeType{ID: "lb-type-old", Name: "T", AccountSize: 10000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80}
	if err := q.UpsertChallengeType(ctx, ct); err != nil {
		t.Fatalf("upsert type: %v", err)
	}
	u, _, err := q.GetOrCreateUserByExternalID(ctx, "old-user", "Old")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -60)
	chal := &domain.Challenge{
		ID: "chal-old", UserID: u.ID, TypeID: ct.ID, Status: domain.StatusPhase1,
		AccountMode: domain.AccountModeDemo, InitialBalance: 10000, CurrentBalance: 12000,
		PeakEquity: 12000, DailyAnchorEquity: 12000, AttemptNumber: 1,
		StartedAt: old, TransitionedAt: old,
	}
	if err := q.InsertChallenge(ctx, chal); err != nil {
		t.Fatalf("insert challenge: %v", err)
	}

	rows, err := a.Rank(ctx, ScopeMonthly, 10)
	if err != nil {
		t.Fatalf("rank monthly: %v", err)
	}
	for _, r := range rows {
		if r.ChallengeID == "chal-old" {
			t.Error("expected a 60-day-old challenge to be excluded from the monthly leaderboard")
		}
	}
}
