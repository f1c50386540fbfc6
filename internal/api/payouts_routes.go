package api

import (
	"github.com/gin-gonic/gin"

	"trading-core/internal/domain"
	"trading-core/internal/payout"
)

func (s *Server) payoutsAvailable(c *gin.Context) {
	challengeID := c.Query("challenge_id")
	if challengeID == "" {
		badRequest(c, "challenge_id is required")
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, challengeID); !okLoad {
		return
	}
	amount, err := s.payouts.Available(c.Request.Context(), challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"available": amount})
}

type payoutRequestBody struct {
	ChallengeID   string `json:"challenge_id" binding:"required"`
	Amount        float64 `json:"amount" binding:"required"`
	WalletAddress string `json:"wallet_address" binding:"required"`
	Network       string `json:"network" binding:"required"`
}

func (s *Server) payoutsRequest(c *gin.Context) {
	var req payoutRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "challenge_id, amount, wallet_address and network are required")
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, req.ChallengeID); !okLoad {
		return
	}
	p, err := s.payouts.Request(c.Request.Context(), payout.RequestInput{
		ChallengeID: req.ChallengeID, Amount: req.Amount,
		WalletAddress: req.WalletAddress, Network: domain.PayoutNetwork(req.Network),
	})
	if err != nil {
		fail(c, err)
		return
	}
	created(c, p)
}

func (s *Server) payoutsList(c *gin.Context) {
	challengeID := c.Query("challenge_id")
	if challengeID == "" {
		badRequest(c, "challenge_id is required")
		return
	}
	if _, okLoad := s.loadOwnedChallenge(c, challengeID); !okLoad {
		return
	}
	list, err := s.payouts.List(c.Request.Context(), challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, list)
}
