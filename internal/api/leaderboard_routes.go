package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"trading-core/internal/leaderboard"
)

func (s *Server) rank(c *gin.Context, scope leaderboard.Scope) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	rows, err := s.leaderboard.Rank(c.Request.Context(), scope, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, rows)
}

func (s *Server) leaderboardMonthly(c *gin.Context) { s.rank(c, leaderboard.ScopeMonthly) }
func (s *Server) leaderboardAllTime(c *gin.Context)  { s.rank(c, leaderboard.ScopeAllTime) }
