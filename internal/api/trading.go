package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"trading-core/internal/domain"
	"trading-core/internal/ledger"
)

type openOrderRequest struct {
	ChallengeID string   `json:"challenge_id" binding:"required"`
	Symbol      string   `json:"symbol" binding:"required"`
	Side        string   `json:"side" binding:"required"`
	Qty         float64  `json:"qty" binding:"required"`
	Leverage    float64  `json:"leverage" binding:"required"`
	TakeProfit  *float64 `json:"take_profit"`
	StopLoss    *float64 `json:"stop_loss"`
}

func (s *Server) openOrder(c *gin.Context) {
	var req openOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "challenge_id, symbol, side, qty and leverage are required")
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, req.ChallengeID); !okLoad {
		return
	}
	side := domain.Side(req.Side)
	if side != domain.SideLong && side != domain.SideShort {
		badRequest(c, "side must be long or short")
		return
	}
	pos, err := s.ledger.OpenPosition(c.Request.Context(), ledger.OpenRequest{
		ChallengeID: req.ChallengeID, Symbol: req.Symbol, Side: side,
		Qty: req.Qty, Leverage: req.Leverage, TakeProfit: req.TakeProfit, StopLoss: req.StopLoss,
	})
	if err != nil {
		fail(c, err)
		return
	}
	created(c, pos)
}

func (s *Server) closeOrder(c *gin.Context) {
	ctx := c.Request.Context()
	positionID := c.Param("id")

	pos, err := s.q.GetPosition(ctx, positionID)
	if err != nil {
		fail(c, domain.ErrPositionNotFound)
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, pos.ChallengeID); !okLoad {
		return
	}
	pt, err := s.feed.Latest(pos.Symbol)
	if err != nil {
		fail(c, err)
		return
	}
	closed, err := s.ledger.ClosePosition(ctx, ledger.CloseRequest{
		PositionID: positionID, Reason: domain.CloseManual, Price: pt.Price,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, closed)
}

func (s *Server) listPositions(c *gin.Context) {
	challengeID := c.Query("challenge_id")
	if challengeID == "" {
		badRequest(c, "challenge_id is required")
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, challengeID); !okLoad {
		return
	}
	positions, err := s.ledger.ListOpen(c.Request.Context(), challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, positions)
}

func (s *Server) forceCloseAll(c *gin.Context) {
	challengeID := c.Query("challenge_id")
	if challengeID == "" {
		badRequest(c, "challenge_id is required")
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, challengeID); !okLoad {
		return
	}
	closed, err := s.ledger.ForceCloseAll(c.Request.Context(), challengeID, domain.CloseManual)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, closed)
}

func (s *Server) tradeHistory(c *gin.Context) {
	challengeID := c.Query("challenge_id")
	if challengeID == "" {
		badRequest(c, "challenge_id is required")
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, challengeID); !okLoad {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	filter := ledger.HistoryFilter{
		Side:   domain.Side(c.Query("side")),
		Symbol: c.Query("symbol"),
		Cursor: c.Query("cursor"),
		Limit:  limit,
	}
	page, err := s.ledger.History(c.Request.Context(), challengeID, filter)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, page)
}

func (s *Server) kline(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		badRequest(c, "symbol is required")
		return
	}
	interval := c.DefaultQuery("interval", "1m")
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	bars, err := s.feed.Klines(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, bars)
}
