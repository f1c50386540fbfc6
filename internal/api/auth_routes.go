package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

type telegramAuthRequest struct {
	InitData string `json:"init_data" binding:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	IsNew        bool   `json:"is_new"`
}

// authTelegram verifies host-signed init data and issues a token pair.
// Referral attribution happens later, at purchase time (see
// purchaseChallenge), not at login.
func (s *Server) authTelegram(c *gin.Context) {
	var req telegramAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "init_data is required")
		return
	}

	_, pair, isNew, err := s.session.Authenticate(c.Request.Context(), req.InitData)
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt.UTC().Format(time.RFC3339),
		IsNew:        isNew,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) authRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "refresh_token is required")
		return
	}
	pair, err := s.session.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
