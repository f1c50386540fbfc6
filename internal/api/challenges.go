package api

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"trading-core/internal/domain"
)

func timeNowUTC() time.Time { return time.Now().UTC() }

func (s *Server) listChallengeTypes(c *gin.Context) {
	types, err := s.q.ListChallengeTypes(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, types)
}

type purchaseRequest struct {
	ChallengeTypeID string `json:"challenge_type_id" binding:"required"`
	// ReferralCode is the referrer's user ID. Attribution is recorded
	// data-model-only, no reward or payout is attached to it.
	ReferralCode string `json:"referral_code"`
}

// purchaseChallenge creates a fresh Challenge in phase1 against a catalog
// entry. Only one active (non-terminal) challenge per user is allowed;
// the partial unique index on challenges(user_id) backstops this check
// against a race.
func (s *Server) purchaseChallenge(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "challenge_type_id is required")
		return
	}
	ctx := c.Request.Context()
	userID := CurrentUserID(c)

	ct, err := s.q.GetChallengeType(ctx, req.ChallengeTypeID)
	if err != nil {
		fail(c, domain.NotFound("challenge_type_not_found", "unknown challenge type"))
		return
	}

	existing, err := s.q.ListChallengesByUser(ctx, userID)
	if err != nil {
		fail(c, err)
		return
	}
	for _, ch := range existing {
		if !ch.Status.Terminal() {
			fail(c, domain.Conflict("active_challenge_exists", "an active challenge already exists for this account"))
			return
		}
	}

	now := timeNowUTC()
	chal := &domain.Challenge{
		ID: uuid.NewString(), UserID: userID, TypeID: ct.ID,
		Status: domain.StatusPhase1, AccountMode: domain.AccountModeDemo,
		InitialBalance: ct.AccountSize, CurrentBalance: ct.AccountSize,
		PeakEquity: ct.AccountSize, DailyAnchorEquity: ct.AccountSize,
		AttemptNumber: len(existing) + 1,
		StartedAt: now, TransitionedAt: now,
	}
	if err := s.q.InsertChallenge(ctx, chal); err != nil {
		fail(c, domain.Conflict("active_challenge_exists", "an active challenge already exists for this account"))
		return
	}
	s.recordReferral(ctx, req.ReferralCode, userID, chal.ID)
	created(c, chal)
}

func (s *Server) myChallenges(c *gin.Context) {
	challenges, err := s.q.ListChallengesByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := make([]domain.Challenge, 0, len(challenges))
		for _, ch := range challenges {
			if string(ch.Status) == status {
				filtered = append(filtered, ch)
			}
		}
		challenges = filtered
	}
	ok(c, challenges)
}

// loadOwnedChallenge fetches a challenge and verifies the caller owns it or
// holds an admin role; writes the HTTP response itself on failure.
func (s *Server) loadOwnedChallenge(c *gin.Context, id string) (*domain.Challenge, bool) {
	chal, err := s.q.GetChallenge(c.Request.Context(), id)
	if err != nil {
		fail(c, domain.ErrChallengeNotFound)
		return nil, false
	}
	if chal.UserID != CurrentUserID(c) && !isAdminRole(CurrentRole(c)) {
		fail(c, domain.ErrNotChallengeOwner)
		return nil, false
	}
	return chal, true
}

func isAdminRole(r domain.Role) bool {
	return r == domain.RoleAdmin || r == domain.RoleSuperAdmin
}

func (s *Server) challengeDetail(c *gin.Context) {
	chal, okLoad := s.loadOwnedChallenge(c, c.Param("id"))
	if !okLoad {
		return
	}
	ok(c, chal)
}

type rulesResponse struct {
	ProfitTargetPct  float64 `json:"profit_target_pct"`
	ProfitProgress   float64 `json:"profit_progress_pct"`
	MaxDailyLossPct  float64 `json:"max_daily_loss_pct"`
	DailyDrawdownPct float64 `json:"daily_drawdown_pct"`
	MaxTotalLossPct  float64 `json:"max_total_loss_pct"`
	TrailingDrawdownPct float64 `json:"trailing_drawdown_pct"`
	MinTradingDays   int     `json:"min_trading_days"`
	TradingDaysCount int     `json:"trading_days_count"`
}

func (s *Server) challengeRules(c *gin.Context) {
	chal, okLoad := s.loadOwnedChallenge(c, c.Param("id"))
	if !okLoad {
		return
	}
	ctx := c.Request.Context()
	ct, err := s.q.GetChallengeType(ctx, chal.TypeID)
	if err != nil {
		fail(c, err)
		return
	}

	target := ct.ProfitTargetP1Pct
	if chal.Status == domain.StatusPhase2 {
		target = ct.ProfitTargetP2Pct
	}
	equity := s.equityOf(ctx, chal)
	profitPct := (equity - chal.InitialBalance) / chal.InitialBalance * 100.0

	dailyDD := 0.0
	if chal.DailyAnchorEquity > 0 {
		dailyDD = (chal.DailyAnchorEquity - equity) / chal.DailyAnchorEquity * 100.0
	}
	basis := chal.PeakEquity
	if ct.DrawdownType == domain.DrawdownStatic {
		basis = chal.InitialBalance
	}
	trailingDD := 0.0
	if basis > 0 {
		trailingDD = (basis - equity) / basis * 100.0
	}

	ok(c, rulesResponse{
		ProfitTargetPct: target, ProfitProgress: profitPct,
		MaxDailyLossPct: ct.MaxDailyLossPct, DailyDrawdownPct: dailyDD,
		MaxTotalLossPct: ct.MaxTotalLossPct, TrailingDrawdownPct: trailingDD,
		MinTradingDays: ct.MinTradingDays, TradingDaysCount: chal.TradingDaysCount,
	})
}

// equityOf marks a challenge's open positions to the feed's current reads;
// positions whose symbol has no live mark are valued at zero unrealized PnL.
func (s *Server) equityOf(ctx context.Context, chal *domain.Challenge) float64 {
	open, err := s.ledger.ListOpen(ctx, chal.ID)
	if err != nil {
		return chal.CurrentBalance
	}
	equity := chal.CurrentBalance
	for _, pos := range open {
		pt, err := s.feed.Latest(pos.Symbol)
		if err != nil {
			continue
		}
		equity += (pt.Price - pos.EntryPrice) * pos.Qty * pos.Side.Sign()
	}
	return equity
}

// recordReferral attributes a purchase to a referrer, if the referral code
// names a real, distinct user. Failures are logged and otherwise ignored —
// referral attribution never blocks a purchase.
func (s *Server) recordReferral(ctx context.Context, referralCode, referredUserID, challengeID string) {
	if referralCode == "" || referralCode == referredUserID {
		return
	}
	if _, err := s.q.GetUser(ctx, referralCode); err != nil {
		return
	}
	if err := s.q.InsertReferral(ctx, uuid.NewString(), referralCode, referredUserID, challengeID); err != nil {
		log.Printf("referral attribution failed for challenge %s: %v", challengeID, err)
	}
}
