package db

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/domain"
)

func newTestDB(t *testing.T) (*Database, *Queries) {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return database, NewQueries(database.DB)
}

func TestGetOrCreateUserIsIdempotent(t *testing.T) {
	_, q := newTestDB(t)
	ctx := context.Background()

	u1, created1, err := q.GetOrCreateUserByExternalID(ctx, "tg-1001", "Ann")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created1 {
		t.Errorf("expected first call to report created")
	}
	u2, created2, err := q.GetOrCreateUserByExternalID(ctx, "tg-1001", "Ann")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if created2 {
		t.Errorf("expected second call to report existing user")
	}
	if u1.ID != u2.ID {
		t.Errorf("expected same user id, got %s vs %s", u1.ID, u2.ID)
	}
}

func TestRefreshTokenSingleUse(t *testing.T) {
	_, q := newTestDB(t)
	ctx := context.Background()

	u, _, err := q.GetOrCreateUserByExternalID(ctx, "tg-2002", "Bo")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := q.SaveRefreshToken(ctx, "tok-1", u.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save token: %v", err)
	}

	got, err := q.ConsumeRefreshToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got != u.ID {
		t.Errorf("expected user %s, got %s", u.ID, got)
	}

	if _, err := q.ConsumeRefreshToken(ctx, "tok-1"); err == nil {
		t.Error("expected reuse of a consumed refresh token to fail")
	}
}

func TestUpdateChallengeOptimisticLock(t *testing.T) {
	_, q := newTestDB(t)
	ctx := context.Background()

	c := &domain.Challenge{
		ID: "chal-1", UserID: "user-1", TypeID: "type-1", Status: domain.StatusPhase1,
		AccountMode: domain.AccountModeDemo, InitialBalance: 10000, CurrentBalance: 10000,
		PeakEquity: 10000, DailyAnchorEquity: 10000, AttemptNumber: 1,
		StartedAt: time.Now(), TransitionedAt: time.Now(),
	}
	if err := q.InsertChallenge(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	c.CurrentBalance = 10500
	if err := q.UpdateChallenge(ctx, c, 0); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Stale version must be rejected.
	stale := *c
	stale.CurrentBalance = 11000
	if err := q.UpdateChallenge(ctx, &stale, 0); err == nil {
		t.Error("expected conflict on stale version")
	}
}

func TestListOpenPositionsExcludesClosed(t *testing.T) {
	_, q := newTestDB(t)
	ctx := context.Background()

	c := &domain.Challenge{
		ID: "chal-2", UserID: "user-1", TypeID: "type-1", Status: domain.StatusPhase1,
		AccountMode: domain.AccountModeDemo, InitialBalance: 10000, CurrentBalance: 10000,
		PeakEquity: 10000, DailyAnchorEquity: 10000, AttemptNumber: 1,
		StartedAt: time.Now(), TransitionedAt: time.Now(),
	}
	if err := q.InsertChallenge(ctx, c); err != nil {
		t.Fatalf("insert challenge: %v", err)
	}

	p := &domain.Position{
		ID: "pos-1", ChallengeID: c.ID, Symbol: "BTCUSDT", Side: domain.SideLong,
		Qty: 0.1, Leverage: 10, EntryPrice: 50000, MarginUsed: 500, OpenedAt: time.Now(),
	}
	if err := q.InsertPosition(ctx, p); err != nil {
		t.Fatalf("insert position: %v", err)
	}

	open, err := q.ListOpenPositions(ctx, c.ID)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(open))
	}

	closedAt := time.Now()
	closePrice := 51000.0
	reason := domain.CloseManual
	pnl := 100.0
	p.ClosedAt = &closedAt
	p.ClosePrice = &closePrice
	p.CloseReason = &reason
	p.RealizedPnL = &pnl
	c.CurrentBalance += pnl

	if err := q.ClosePosition(ctx, p, c, c.Version); err != nil {
		t.Fatalf("close position: %v", err)
	}

	open, err = q.ListOpenPositions(ctx, c.ID)
	if err != nil {
		t.Fatalf("list open after close: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected 0 open positions after close, got %d", len(open))
	}
}
