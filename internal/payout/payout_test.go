package payout

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/pkg/crypto"
	"trading-core/pkg/db"
)

func newTestLedger(t *testing.T) (*Ledger, *db.Queries) {
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
	return New(q, events.NewBus(), nil), q
}

func seedFundedChallenge(t *testing.T, q *db.Queries, ctID string, minPayout, splitPct, realizedProfit float64) *domain.Challenge {
	t.Helper()
	ctx := context.Background()
	ct := domain.ChallengeType{
		ID: ctID, Name: "Test", AccountSize: 100000, ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5,
		MaxDailyLossPct: 5, MaxTotalLossPct: 10, ProfitSplitPct: splitPct, MinPayout: minPayout,
	}
	if err := q.UpsertChallengeType(ctx, ct); err != nil {
		t.Fatalf("upsert challenge type: %v", err)
	}
	u, _, err := q.GetOrCreateUserByExternalID(ctx, "ext-payout", "Trader")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	now := time.Now().UTC()
	chal := &domain.Challenge{
		ID: "chal-payout-1", UserID: u.ID, TypeID: ctID, Status: domain.StatusFunded,
		AccountMode: domain.AccountModeFunded, InitialBalance: 100000, CurrentBalance: 100000 + realizedProfit,
		TotalPnLRealized: realizedProfit, PeakEquity: 100000 + realizedProfit, DailyAnchorEquity: 100000 + realizedProfit,
		AttemptNumber: 1, StartedAt: now, TransitionedAt: now,
	}
	if err := q.InsertChallenge(ctx, chal); err != nil {
		t.Fatalf("insert challenge: %v", err)
	}
	return chal
}

func TestRequestRejectsNonFundedChallenge(t *testing.T) {
	l, q := newTestLedger(t)
	chal := seedFundedChallenge(t, q, "t1", 50, 80, 1000)
	chal.Status = domain.StatusPhase1
	if err := q.UpdateChallenge(context.Background(), chal, chal.Version); err != nil {
		t.Fatalf("demote: %v", err)
	}

	_, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 100, WalletAddress: "addr", Network: domain.NetworkTRC20})
	de, ok := domain.As(err)
	if !ok || de.Kind != domain.KindPreconditionFailed {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
}

func TestRequestRejectsBelowMinimum(t *testing.T) {
	l, q := newTestLedger(t)
	chal := seedFundedChallenge(t, q, "t2", 50, 80, 1000)

	_, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 10, WalletAddress: "addr", Network: domain.NetworkTRC20})
	de, ok := domain.As(err)
	if !ok || de.Kind != domain.KindInvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestRequestRejectsWhenAlreadyPending(t *testing.T) {
	l, q := newTestLedger(t)
	chal := seedFundedChallenge(t, q, "t3", 50, 80, 1000)

	if _, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 100, WalletAddress: "addr", Network: domain.NetworkTRC20}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 100, WalletAddress: "addr", Network: domain.NetworkTRC20})
	de, ok := domain.As(err)
	if !ok || de.Kind != domain.KindConflict {
		t.Fatalf("expected conflict on a second pending request, got %v", err)
	}
}

func TestRequestRejectsAmountExceedingAvailable(t *testing.T) {
	l, q := newTestLedger(t)
	chal := seedFundedChallenge(t, q, "t4", 50, 80, 1000) // available = 1000*0.8 = 800

	_, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 900, WalletAddress: "addr", Network: domain.NetworkTRC20})
	de, ok := domain.As(err)
	if !ok || de.Kind != domain.KindPreconditionFailed {
		t.Fatalf("expected precondition_failed for amount above available, got %v", err)
	}
}

// TestAvailableAmountNeverDriftsAcrossManySmallPayouts demonstrates why the
// committed-sum comparison is carried in decimal rather than float64: many
// float-prone increments of 0.1 must still sum to exactly the full 1.0 of
// consumed share, never leaving a sliver of falsely "available" balance.
func TestAvailableAmountNeverDriftsAcrossManySmallPayouts(t *testing.T) {
	ct := &domain.ChallengeType{ProfitSplitPct: 100}
	chal := &domain.Challenge{TotalPnLRealized: 1.0}

	var history []domain.PayoutRequest
	for i := 0; i < 10; i++ {
		history = append(history, domain.PayoutRequest{Amount: 0.1, Status: domain.PayoutSent})
	}

	got := availableAmount(chal, ct, history)
	if got != 0 {
		t.Errorf("expected exactly zero available after committing the full share in tenths, got %v", got)
	}
}

func TestApproveRejectsNonAdmin(t *testing.T) {
	l, q := newTestLedger(t)
	chal := seedFundedChallenge(t, q, "t5", 50, 80, 1000)
	req, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 100, WalletAddress: "addr", Network: domain.NetworkTRC20})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	err = l.Approve(context.Background(), req.ID, domain.RoleTrader)
	de, ok := domain.As(err)
	if !ok || de.Kind != domain.KindForbidden {
		t.Fatalf("expected forbidden for non-admin approval, got %v", err)
	}
}

func TestApproveThenMarkSentTransitionGuards(t *testing.T) {
	l, q := newTestLedger(t)
	chal := seedFundedChallenge(t, q, "t6", 50, 80, 1000)
	req, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 100, WalletAddress: "addr", Network: domain.NetworkTRC20})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// MarkSent before Approve must be rejected: wrong `from` state.
	if err := l.MarkSent(context.Background(), req.ID, domain.RoleAdmin, "0xabc"); err == nil {
		t.Fatal("expected MarkSent to fail before approval")
	}

	if err := l.Approve(context.Background(), req.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Approving twice must fail: already out of the pending state.
	if err := l.Approve(context.Background(), req.ID, domain.RoleAdmin); err == nil {
		t.Fatal("expected second approval to fail")
	}

	if err := l.MarkSent(context.Background(), req.ID, domain.RoleAdmin, ""); err == nil {
		t.Fatal("expected MarkSent to require a tx hash")
	}
	if err := l.MarkSent(context.Background(), req.ID, domain.RoleAdmin, "0xabc"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	got, err := q.GetPayoutRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.PayoutSent || got.TxHash != "0xabc" {
		t.Errorf("expected sent status with tx hash recorded, got %+v", got)
	}
}

func TestRejectReturnsFundsToAvailableBalance(t *testing.T) {
	l, q := newTestLedger(t)
	chal := seedFundedChallenge(t, q, "t7", 50, 80, 1000)
	req, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 100, WalletAddress: "addr", Network: domain.NetworkTRC20})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := l.Reject(context.Background(), req.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// A rejected payout is not committed, so the full share is available again.
	avail, err := l.Available(context.Background(), chal.ID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if avail != 800 {
		t.Errorf("expected available 800 after rejection released the hold, got %v", avail)
	}
}

func TestWalletAddressEncryptionRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	km, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	q := db.NewQueries(database.DB)
	l := New(q, events.NewBus(), km)
	chal := seedFundedChallenge(t, q, "t8", 50, 80, 1000)

	req, err := l.Request(context.Background(), RequestInput{ChallengeID: chal.ID, Amount: 100, WalletAddress: "plain-wallet-address", Network: domain.NetworkTRC20})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	raw, err := q.GetPayoutRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reload raw: %v", err)
	}
	if raw.WalletAddress == "plain-wallet-address" {
		t.Error("expected the stored wallet address to be encrypted, found plaintext")
	}

	rows, err := l.List(context.Background(), chal.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].WalletAddress != "plain-wallet-address" {
		t.Errorf("expected List to decrypt the wallet address, got %+v", rows)
	}
}
