package phase

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/pkg/db"
)

func newTestMachine(t *testing.T) (*Machine, *db.Queries, *events.Bus) {
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
	return New(q, bus), q, bus
}

func seedChallenge(t *testing.T, q *db.Queries, ct domain.ChallengeType, status domain.ChallengeStatus, balance float64) *domain.Challenge {
	t.Helper()
	ctx := context.Background()
	if err := q.UpsertChallengeType(ctx, ct); err != nil {
		t.Fatalf("upsert challenge type: %v", err)
	}
	u, _, err := q.GetOrCreateUserByExternalID(ctx, "ext-1", "Trader")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	now := time.Now().UTC()
	chal := &domain.Challenge{
		ID: "chal-1", UserID: u.ID, TypeID: ct.ID, Status: status,
		AccountMode: domain.AccountModeDemo, InitialBalance: balance, CurrentBalance: balance,
		PeakEquity: balance, DailyAnchorEquity: balance, AttemptNumber: 1,
		StartedAt: now, TransitionedAt: now,
	}
	if err := q.InsertChallenge(ctx, chal); err != nil {
		t.Fatalf("insert challenge: %v", err)
	}
	return chal
}

func TestEvaluateDoesNotAdvanceWithOpenPositions(t *testing.T) {
	m, q, _ := newTestMachine(t)
	ct := domain.ChallengeType{ID: "t1", Name: "T", AccountSize: 10000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80}
	chal := seedChallenge(t, q, ct, domain.StatusPhase1, 10000)

	if err := m.Evaluate(context.Background(), chal, &ct, 11000, 1); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if chal.Status != domain.StatusPhase1 {
		t.Errorf("expected status unchanged with open positions, got %s", chal.Status)
	}
}

func TestEvaluateAdvancesPhase1ToPhase2(t *testing.T) {
	m, q, bus := newTestMachine(t)
	ct := domain.ChallengeType{ID: "t2", Name: "T", AccountSize: 10000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80, MinTradingDays: 0}
	chal := seedChallenge(t, q, ct, domain.StatusPhase1, 10000)

	transitions, unsub := bus.Subscribe(events.EventPhaseTransition, 4)
	defer unsub()

	if err := m.Evaluate(context.Background(), chal, &ct, 10900, 0); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if chal.Status != domain.StatusPhase2 {
		t.Fatalf("expected phase2, got %s", chal.Status)
	}
	if chal.DailyPnLRealized != 0 || chal.TradingDaysCount != 0 {
		t.Errorf("expected counters reset on advance")
	}

	select {
	case ev := <-transitions:
		tr := ev.(Transition)
		if tr.From != domain.StatusPhase1 || tr.To != domain.StatusPhase2 {
			t.Errorf("unexpected transition payload: %+v", tr)
		}
	default:
		t.Error("expected a phase_transition event to be published")
	}
}

func TestEvaluateRequiresMinimumTradingDays(t *testing.T) {
	m, q, _ := newTestMachine(t)
	ct := domain.ChallengeType{ID: "t3", Name: "T", AccountSize: 10000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80, MinTradingDays: 4}
	chal := seedChallenge(t, q, ct, domain.StatusPhase1, 10000)
	chal.TradingDaysCount = 1

	if err := m.Evaluate(context.Background(), chal, &ct, 10900, 0); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if chal.Status != domain.StatusPhase1 {
		t.Errorf("expected no advance before min trading days met, got %s", chal.Status)
	}
}

func TestOnePhasePromotesDirectlyToFunded(t *testing.T) {
	m, q, _ := newTestMachine(t)
	ct := domain.ChallengeType{ID: "t4", Name: "T", AccountSize: 10000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 4, MaxTotalLossPct: 8, ProfitSplitPct: 70, IsOnePhase: true, IsInstant: true}
	chal := seedChallenge(t, q, ct, domain.StatusPhase1, 10000)

	if err := m.Evaluate(context.Background(), chal, &ct, 10900, 0); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if chal.Status != domain.StatusFunded {
		t.Fatalf("expected funded, got %s", chal.Status)
	}
	if chal.AccountMode != domain.AccountModeFunded {
		t.Errorf("expected account mode funded")
	}

	got, err := q.GetUser(context.Background(), chal.UserID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Role != domain.RoleFundedTrader {
		t.Errorf("expected role promoted to funded_trader, got %s", got.Role)
	}
}

func TestFailIsIdempotentOnTerminalChallenge(t *testing.T) {
	m, q, _ := newTestMachine(t)
	ct := domain.ChallengeType{ID: "t5", Name: "T", AccountSize: 10000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80}
	chal := seedChallenge(t, q, ct, domain.StatusFailed, 10000)
	chal.FailedReason = domain.FailReasonDailyDrawdown

	if err := m.Fail(context.Background(), chal, domain.FailReasonTrailingDrawdown); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if chal.FailedReason != domain.FailReasonDailyDrawdown {
		t.Errorf("expected already-terminal challenge to keep its original fail reason, got %s", chal.FailedReason)
	}
}

func TestScalingStepsUpAfterTenPercentProfit(t *testing.T) {
	m, q, _ := newTestMachine(t)
	ct := domain.ChallengeType{ID: "t6", Name: "T", AccountSize: 100000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80}
	chal := seedChallenge(t, q, ct, domain.StatusFunded, 100000)
	chal.TotalPnLRealized = 11000
	chal.CurrentBalance = 111000

	if err := m.Evaluate(context.Background(), chal, &ct, 111000, 0); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if chal.ScalingStep != 1 {
		t.Fatalf("expected scaling step 1, got %d", chal.ScalingStep)
	}
	if chal.InitialBalance != 125000 {
		t.Errorf("expected initial balance scaled to 125000, got %v", chal.InitialBalance)
	}
	if chal.ScalingBaselinePnL != 11000 {
		t.Errorf("expected scaling baseline carried forward to 11000, got %v", chal.ScalingBaselinePnL)
	}
}

// TestScalingGateUsesPnLSinceLastStepNotLifetime guards against re-triggering
// a second scaling step off profit that already funded the first one.
func TestScalingGateUsesPnLSinceLastStepNotLifetime(t *testing.T) {
	m, q, _ := newTestMachine(t)
	ct := domain.ChallengeType{ID: "t7", Name: "T", AccountSize: 100000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: 80}
	chal := seedChallenge(t, q, ct, domain.StatusFunded, 100000)
	chal.TotalPnLRealized = 11000
	chal.CurrentBalance = 111000

	if err := m.Evaluate(context.Background(), chal, &ct, 111000, 0); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if chal.ScalingStep != 1 || chal.InitialBalance != 125000 {
		t.Fatalf("expected first scaling step to fire, got step=%d size=%v", chal.ScalingStep, chal.InitialBalance)
	}

	// No further profit since the step: re-evaluating on the same lifetime
	// PnL must not scale again.
	if err := m.Evaluate(context.Background(), chal, &ct, 111000, 0); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if chal.ScalingStep != 1 {
		t.Fatalf("expected no second scaling step without fresh profit, got step %d", chal.ScalingStep)
	}

	// Another 10% of the new (125000) size earned since the last step
	// should trigger a second scaling step.
	chal.TotalPnLRealized += 12500
	chal.CurrentBalance += 12500
	if err := m.Evaluate(context.Background(), chal, &ct, chal.CurrentBalance, 0); err != nil {
		t.Fatalf("third evaluate: %v", err)
	}
	if chal.ScalingStep != 2 {
		t.Fatalf("expected second scaling step after fresh 10%% profit, got step %d", chal.ScalingStep)
	}
	if chal.InitialBalance != 156250 {
		t.Errorf("expected initial balance scaled to 156250, got %v", chal.InitialBalance)
	}
}
