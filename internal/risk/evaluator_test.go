package risk

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/internal/feed"
	"trading-core/internal/ledger"
	"trading-core/internal/phase"
	"trading-core/pkg/db"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *db.Queries, *feed.Feed, *events.Bus) {
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
	bus := events.NewBus()
	f := feed.New(bus, feed.Config{Symbols: []string{"BTCUSDT"}})
	l := ledger.New(q, f, bus)
	ph := phase.New(q, bus)
	e := New(q, f, l, ph, bus, Config{})
	return e, q, f, bus
}

func seedRiskChallenge(t *testing.T, q *db.Queries, ct domain.ChallengeType, balance float64) *domain.Challenge {
	t.Helper()
	ctx := context.Background()
	if err := q.UpsertChallengeType(ctx, ct); err != nil {
		t.Fatalf("upsert challenge type: %v", err)
	}
	u, _, err := q.GetOrCreateUserByExternalID(ctx, "ext-risk", "Trader")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	now := time.Now().UTC()
	chal := &domain.Challenge{
		ID: "chal-risk-1", UserID: u.ID, TypeID: ct.ID, Status: domain.StatusPhase1,
		AccountMode: domain.AccountModeDemo, InitialBalance: balance, CurrentBalance: balance,
		PeakEquity: balance, DailyAnchorEquity: balance, AttemptNumber: 1,
		StartedAt: now, TransitionedAt: now,
	}
	if err := q.InsertChallenge(ctx, chal); err != nil {
		t.Fatalf("insert challenge: %v", err)
	}
	return chal
}

func defaultChallengeType(id string) domain.ChallengeType {
	return domain.ChallengeType{
		ID: id, Name: "Test", AccountSize: 10000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5,
		MaxDailyLossPct: 5, MaxTotalLossPct: 10, DrawdownType: domain.DrawdownTrailing, MaxLeverage: 100, ProfitSplitPct: 80,
	}
}

// TestTriggeredReasonPrefersStopLoss exercises the conservative tie-break
// when a single mark would hit both a position's SL and TP at once.
func TestTriggeredReasonPrefersStopLoss(t *testing.T) {
	sl, tp := 100.0, 90.0 // inverted on purpose to force both conditions true at mark 95
	pos := domain.Position{Side: domain.SideLong, StopLoss: &sl, TakeProfit: &tp}

	reason, hit := triggeredReason(pos, 95)
	if !hit {
		t.Fatal("expected a trigger")
	}
	if reason != domain.CloseStopLoss {
		t.Errorf("expected stop-loss to win the tie, got %s", reason)
	}
}

func TestTickClosesPositionOnStopLoss(t *testing.T) {
	e, q, f, _ := newTestEvaluator(t)
	ct := defaultChallengeType("t1")
	chal := seedRiskChallenge(t, q, ct, 10000)

	sl := 49000.0
	pos := &domain.Position{
		ID: "pos-1", ChallengeID: chal.ID, Symbol: "BTCUSDT", Side: domain.SideLong,
		Qty: 0.1, Leverage: 10, EntryPrice: 50000, StopLoss: &sl, MarginUsed: 500,
		OpenedAt: time.Now().UTC(),
	}
	if err := q.InsertPosition(context.Background(), pos); err != nil {
		t.Fatalf("insert position: %v", err)
	}
	f.Seed("BTCUSDT", 48500)

	marks := map[string]domain.PricePoint{"BTCUSDT": {Symbol: "BTCUSDT", Price: 48500, Timestamp: time.Now()}}
	stale := map[string]bool{"BTCUSDT": false}

	update, err := e.tick(context.Background(), chal.ID, marks, stale)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if update == nil {
		t.Fatal("expected a balance update")
	}
	if update.OpenPositions != 0 {
		t.Errorf("expected position closed by stop loss, got %d still open", update.OpenPositions)
	}

	got, err := q.GetPosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("reload position: %v", err)
	}
	if got.IsOpen() {
		t.Error("expected position to be closed")
	}
	if got.CloseReason == nil || *got.CloseReason != domain.CloseStopLoss {
		t.Errorf("expected close reason stop_loss, got %v", got.CloseReason)
	}
}

func TestTickForceClosesAndFailsOnDailyDrawdownBreach(t *testing.T) {
	e, q, _, bus := newTestEvaluator(t)
	ct := defaultChallengeType("t2")
	chal := seedRiskChallenge(t, q, ct, 10000)
	// Breach the daily loss limit without any open positions: equity == CurrentBalance.
	chal.CurrentBalance = 9400 // 6% down against a 5% daily limit
	if err := q.UpdateChallenge(context.Background(), chal, chal.Version); err != nil {
		t.Fatalf("seed balance drop: %v", err)
	}

	failed, unsub := bus.Subscribe(events.EventChallengeFailed, 4)
	defer unsub()

	update, err := e.tick(context.Background(), chal.ID, nil, nil)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if update == nil || update.Status != domain.StatusFailed {
		t.Fatalf("expected failed status in update, got %+v", update)
	}

	got, err := q.GetChallenge(context.Background(), chal.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected challenge persisted as failed, got %s", got.Status)
	}
	if got.FailedReason != domain.FailReasonDailyDrawdown {
		t.Errorf("expected daily drawdown fail reason, got %s", got.FailedReason)
	}

	select {
	case <-failed:
	default:
		t.Error("expected a challenge_failed event to be published")
	}
}

func TestMaybeAlertPublishesWarningBeforeHardBreach(t *testing.T) {
	e, _, _, bus := newTestEvaluator(t)
	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	// 85% of a 5% limit: past the 80% warning line, short of the breach itself.
	e.maybeAlert("chal-x", 4.25, 5.0, "daily")

	select {
	case ev := <-alerts:
		a := ev.(Alert)
		if a.Kind != "daily" || a.ChallengeID != "chal-x" {
			t.Errorf("unexpected alert payload: %+v", a)
		}
	default:
		t.Error("expected a risk alert to be published")
	}
}

func TestMaybeAlertSilentBelowThreshold(t *testing.T) {
	e, _, _, bus := newTestEvaluator(t)
	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	e.maybeAlert("chal-y", 2.0, 5.0, "daily")

	select {
	case ev := <-alerts:
		t.Errorf("expected no alert below threshold, got %+v", ev)
	default:
	}
}

func TestComputeEquityIncludesUnrealizedPnLAndFlagsStale(t *testing.T) {
	chal := &domain.Challenge{CurrentBalance: 10000}
	positions := []domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Qty: 0.1, EntryPrice: 50000},
		{Symbol: "ETHUSDT", Side: domain.SideShort, Qty: 1, EntryPrice: 3000},
	}
	marks := map[string]domain.PricePoint{
		"BTCUSDT": {Symbol: "BTCUSDT", Price: 51000},
	}
	stale := map[string]bool{"BTCUSDT": false}

	equity, anyStale := computeEquity(chal, positions, marks, stale)
	wantUnrealized := 0.1 * (51000 - 50000)
	if equity != 10000+wantUnrealized {
		t.Errorf("expected equity %v, got %v", 10000+wantUnrealized, equity)
	}
	if !anyStale {
		t.Error("expected anyStale true for the symbol with no mark")
	}
}

func TestForceCloseOrQuarantineQuarantinesAfterRetriesExhausted(t *testing.T) {
	e, q, _, _ := newTestEvaluator(t)
	ct := defaultChallengeType("t3")
	chal := seedRiskChallenge(t, q, ct, 10000)

	var sent []string
	e.alerts = alertRecorder(func(msg string) error {
		sent = append(sent, msg)
		return nil
	})

	// No positions exist for this challenge, so ForceCloseAllLocked succeeds
	// trivially (closing zero positions) — to exercise the quarantine path
	// we call quarantine directly instead of faking a ledger failure, since
	// the ledger has no injectable failure seam.
	e.quarantine(context.Background(), chal.ID, context.DeadlineExceeded)

	got, err := q.GetChallenge(context.Background(), chal.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Quarantined {
		t.Error("expected challenge to be marked quarantined")
	}
	if len(sent) != 1 {
		t.Fatalf("expected exactly one operator alert, got %d", len(sent))
	}
}

type alertRecorder func(string) error

func (f alertRecorder) Send(msg string) error { return f(msg) }
