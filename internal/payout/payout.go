// Package payout is the Payout Ledger component: it gates withdrawal
// requests against a funded challenge's available profit share and tracks
// their admin-driven approval state.
package payout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/pkg/crypto"
	"trading-core/pkg/db"
)

// Ledger manages payout requests.
type Ledger struct {
	q   *db.Queries
	bus *events.Bus
	enc *crypto.KeyManager // optional; nil disables wallet-address encryption
}

// New builds a Ledger. enc may be nil, in which case wallet addresses are
// stored as given (useful for tests and environments without a configured
// master key).
func New(q *db.Queries, bus *events.Bus, enc *crypto.KeyManager) *Ledger {
	return &Ledger{q: q, bus: bus, enc: enc}
}

// RequestInput carries the fields of a withdrawal request.
type RequestInput struct {
	ChallengeID   string
	Amount        float64
	WalletAddress string
	Network       domain.PayoutNetwork
}

// Request validates and persists a new pending payout.
func (l *Ledger) Request(ctx context.Context, in RequestInput) (*domain.PayoutRequest, error) {
	chal, err := l.q.GetChallenge(ctx, in.ChallengeID)
	if err != nil {
		return nil, domain.ErrChallengeNotFound
	}
	if chal.Status != domain.StatusFunded {
		return nil, domain.PreconditionFailed("challenge_not_funded", "payouts can only be requested from a funded challenge")
	}
	ct, err := l.q.GetChallengeType(ctx, chal.TypeID)
	if err != nil {
		return nil, err
	}
	if in.Amount < ct.MinPayout {
		return nil, domain.InvalidInput("amount_below_minimum", "amount is below the plan's minimum payout")
	}

	existing, err := l.q.ListPayoutsByChallenge(ctx, in.ChallengeID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Status == domain.PayoutPending {
			return nil, domain.Conflict("payout_pending", "challenge already has a pending payout request")
		}
	}

	available := availableAmount(chal, ct, existing)
	if in.Amount > available {
		return nil, domain.PreconditionFailed("amount_exceeds_available", "amount exceeds the available payout balance")
	}

	wallet := in.WalletAddress
	if l.enc != nil {
		enc, err := l.enc.Encrypt(wallet)
		if err != nil {
			return nil, domain.Internal("encrypt_wallet", err)
		}
		wallet = enc
	}

	now := time.Now().UTC()
	req := &domain.PayoutRequest{
		ID: uuid.NewString(), ChallengeID: in.ChallengeID, Amount: in.Amount,
		WalletAddress: wallet, Network: in.Network, Status: domain.PayoutPending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := l.q.InsertPayoutRequest(ctx, req); err != nil {
		return nil, err
	}
	if l.bus != nil {
		l.bus.Publish(events.EventPayoutStatusChanged, *req)
	}
	return req, nil
}

// availableAmount computes max(0, realized_profit*split - already_paid_or_pending).
// The sum-of-committed-payouts-against-a-share comparison is the one invariant
// in the engine that must never drift from repeated float addition (spec
// §4.5: sum of approved+sent payouts never exceeds the profit share), so it's
// carried in decimal rather than float64 and converted back at the edge.
func availableAmount(chal *domain.Challenge, ct *domain.ChallengeType, history []domain.PayoutRequest) float64 {
	committed := decimal.Zero
	for _, p := range history {
		if p.Status == domain.PayoutApproved || p.Status == domain.PayoutSent {
			committed = committed.Add(decimal.NewFromFloat(p.Amount))
		}
	}
	profit := chal.TotalPnLRealized
	if profit < 0 {
		profit = 0
	}
	share := decimal.NewFromFloat(profit).
		Mul(decimal.NewFromFloat(ct.ProfitSplitPct)).
		Div(decimal.NewFromInt(100))
	available := share.Sub(committed)
	if available.IsNegative() {
		return 0
	}
	f, _ := available.Float64()
	return f
}

// Available returns the currently claimable amount for a challenge.
func (l *Ledger) Available(ctx context.Context, challengeID string) (float64, error) {
	chal, err := l.q.GetChallenge(ctx, challengeID)
	if err != nil {
		return 0, domain.ErrChallengeNotFound
	}
	ct, err := l.q.GetChallengeType(ctx, chal.TypeID)
	if err != nil {
		return 0, err
	}
	history, err := l.q.ListPayoutsByChallenge(ctx, challengeID)
	if err != nil {
		return 0, err
	}
	return availableAmount(chal, ct, history), nil
}

// List returns a challenge's payout history, decrypting wallet addresses
// for an authorized caller.
func (l *Ledger) List(ctx context.Context, challengeID string) ([]domain.PayoutRequest, error) {
	rows, err := l.q.ListPayoutsByChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	l.decryptAll(rows)
	return rows, nil
}

// Pending lists every payout awaiting admin action, for the admin queue.
func (l *Ledger) Pending(ctx context.Context) ([]domain.PayoutRequest, error) {
	rows, err := l.q.ListPendingPayouts(ctx)
	if err != nil {
		return nil, err
	}
	l.decryptAll(rows)
	return rows, nil
}

func (l *Ledger) decryptAll(rows []domain.PayoutRequest) {
	if l.enc == nil {
		return
	}
	for i := range rows {
		if plain, err := l.enc.Decrypt(rows[i].WalletAddress); err == nil {
			rows[i].WalletAddress = plain
		}
	}
}

// Approve commits a pending payout as accounted-for paid-or-pending. Admin-only.
func (l *Ledger) Approve(ctx context.Context, id string, actor domain.Role) error {
	if !isAdmin(actor) {
		return domain.Forbidden("admin_required", "payout approval requires an admin role")
	}
	return l.transition(ctx, id, domain.PayoutPending, domain.PayoutApproved, "")
}

// Reject releases a pending payout back to the available balance. Admin-only.
func (l *Ledger) Reject(ctx context.Context, id string, actor domain.Role) error {
	if !isAdmin(actor) {
		return domain.Forbidden("admin_required", "payout rejection requires an admin role")
	}
	return l.transition(ctx, id, domain.PayoutPending, domain.PayoutRejected, "")
}

// MarkSent finalizes an approved payout with the on-chain transaction hash. Admin-only.
func (l *Ledger) MarkSent(ctx context.Context, id string, actor domain.Role, txHash string) error {
	if !isAdmin(actor) {
		return domain.Forbidden("admin_required", "marking a payout sent requires an admin role")
	}
	if txHash == "" {
		return domain.InvalidInput("tx_hash_required", "a transaction hash is required to mark a payout sent")
	}
	return l.transition(ctx, id, domain.PayoutApproved, domain.PayoutSent, txHash)
}

func (l *Ledger) transition(ctx context.Context, id string, from, to domain.PayoutStatus, txHash string) error {
	req, err := l.q.GetPayoutRequest(ctx, id)
	if err != nil {
		return domain.NotFound("payout_not_found", "payout request not found")
	}
	if req.Status != from {
		return domain.PreconditionFailed("invalid_payout_transition", "payout is not in the expected state for this transition")
	}
	if err := l.q.UpdatePayoutStatus(ctx, id, to, txHash); err != nil {
		return err
	}
	req.Status = to
	req.TxHash = txHash
	if l.bus != nil {
		l.bus.Publish(events.EventPayoutStatusChanged, *req)
	}
	return nil
}

func isAdmin(r domain.Role) bool {
	return r == domain.RoleAdmin || r == domain.RoleSuperAdmin
}
