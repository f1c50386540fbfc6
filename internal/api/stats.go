package api

import (
	"github.com/gin-gonic/gin"
)

type dashboardResponse struct {
	ChallengeID       string  `json:"challenge_id"`
	Status            string  `json:"status"`
	Equity            float64 `json:"equity"`
	InitialBalance    float64 `json:"initial_balance"`
	TotalPnLRealized  float64 `json:"total_pnl_realized"`
	DailyPnLRealized  float64 `json:"daily_pnl_realized"`
	OpenPositionCount int     `json:"open_position_count"`
	TradingDaysCount  int     `json:"trading_days_count"`
}

func (s *Server) statsDashboard(c *gin.Context) {
	challengeID := c.Query("challenge_id")
	if challengeID == "" {
		badRequest(c, "challenge_id is required")
		return
	}
	chal, okLoad := s.loadOwnedChallenge(c, challengeID)
	if !okLoad {
		return
	}
	ctx := c.Request.Context()
	open, err := s.ledger.ListOpen(ctx, challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, dashboardResponse{
		ChallengeID: chal.ID, Status: string(chal.Status), Equity: s.equityOf(ctx, chal),
		InitialBalance: chal.InitialBalance, TotalPnLRealized: chal.TotalPnLRealized,
		DailyPnLRealized: chal.DailyPnLRealized, OpenPositionCount: len(open),
		TradingDaysCount: chal.TradingDaysCount,
	})
}

type equityCurvePoint struct {
	Date        string  `json:"date"`
	RealizedPnL float64 `json:"realized_pnl"`
	Equity      float64 `json:"equity"`
}

// statsEquityCurve reconstructs a daily equity series from the challenge's
// daily counters — the only persisted per-day figures kept by the engine
// (spec's persisted-state surface has no separate equity-snapshot table).
func (s *Server) statsEquityCurve(c *gin.Context) {
	challengeID := c.Query("challenge_id")
	if challengeID == "" {
		badRequest(c, "challenge_id is required")
		return
	}
	chal, okLoad := s.loadOwnedChallenge(c, challengeID)
	if !okLoad {
		return
	}
	counters, err := s.q.ListDailyCounters(c.Request.Context(), challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	curve := make([]equityCurvePoint, 0, len(counters))
	running := chal.InitialBalance
	for _, dc := range counters {
		running += dc.RealizedPnL
		curve = append(curve, equityCurvePoint{Date: dc.Date, RealizedPnL: dc.RealizedPnL, Equity: running})
	}
	ok(c, curve)
}
