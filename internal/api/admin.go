package api

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) adminPendingPayouts(c *gin.Context) {
	rows, err := s.payouts.Pending(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, rows)
}

func (s *Server) adminApprovePayout(c *gin.Context) {
	if err := s.payouts.Approve(c.Request.Context(), c.Param("id"), CurrentRole(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"status": "approved"})
}

func (s *Server) adminRejectPayout(c *gin.Context) {
	if err := s.payouts.Reject(c.Request.Context(), c.Param("id"), CurrentRole(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"status": "rejected"})
}

type markSentRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

func (s *Server) adminMarkPayoutSent(c *gin.Context) {
	var req markSentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "tx_hash is required")
		return
	}
	if err := s.payouts.MarkSent(c.Request.Context(), c.Param("id"), CurrentRole(c), req.TxHash); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"status": "sent"})
}

func (s *Server) adminListChallenges(c *gin.Context) {
	rows, err := s.q.ListAllChallenges(c.Request.Context(), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, rows)
}

// adminMetrics exposes the engine's live performance counters: API and
// evaluator tick latency histograms, DB latency, and request/error/position
// counters, for operator dashboards.
func (s *Server) adminMetrics(c *gin.Context) {
	if s.metrics == nil {
		ok(c, gin.H{})
		return
	}
	ok(c, s.metrics.GetSnapshot())
}
