package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-core/internal/events"
	"trading-core/internal/feed"
	"trading-core/internal/ledger"
	"trading-core/internal/leaderboard"
	"trading-core/internal/monitor"
	"trading-core/internal/payout"
	"trading-core/internal/push"
	"trading-core/internal/session"
	"trading-core/pkg/db"
)

// Server wires the HTTP surface around the engine's components. Every
// handler delegates validation and state mutation to its owning component;
// the server itself only adapts HTTP <-> Go calls.
type Server struct {
	Router *gin.Engine

	q           *db.Queries
	bus         *events.Bus
	feed        *feed.Feed
	ledger      *ledger.Ledger
	session     *session.Gateway
	payouts     *payout.Ledger
	leaderboard *leaderboard.Aggregator
	push        *push.Hub
	metrics     *monitor.SystemMetrics
}

// Deps collects the components the Server wires into handlers.
type Deps struct {
	Queries     *db.Queries
	Bus         *events.Bus
	Feed        *feed.Feed
	Ledger      *ledger.Ledger
	Session     *session.Gateway
	Payouts     *payout.Ledger
	Leaderboard *leaderboard.Aggregator
	Push        *push.Hub
	Metrics     *monitor.SystemMetrics

	AllowedOrigins []string
}

// NewServer builds the gin engine and registers every route the server exposes.
func NewServer(d Deps) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(d.Metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware(d.AllowedOrigins))

	s := &Server{
		Router:      r,
		q:           d.Queries,
		bus:         d.Bus,
		feed:        d.Feed,
		ledger:      d.Ledger,
		session:     d.Session,
		payouts:     d.Payouts,
		leaderboard: d.Leaderboard,
		push:        d.Push,
		metrics:     d.Metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/trading/ws/:challenge_id", s.pushChannel)

	api := s.Router.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/telegram", s.authTelegram)
			auth.POST("/refresh", s.authRefresh)
		}

		api.GET("/leaderboard/monthly", s.leaderboardMonthly)
		api.GET("/leaderboard/alltime", s.leaderboardAllTime)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.session))
		{
			protected.GET("/challenges", s.listChallengeTypes)
			protected.POST("/challenges/purchase", s.purchaseChallenge)
			protected.GET("/challenges/my", s.myChallenges)
			protected.GET("/challenges/:id", s.challengeDetail)
			protected.GET("/challenges/:id/rules", s.challengeRules)

			protected.POST("/trading/order", s.openOrder)
			protected.DELETE("/trading/order/:id", s.closeOrder)
			protected.GET("/trading/positions", s.listPositions)
			protected.DELETE("/trading/positions/all", s.forceCloseAll)
			protected.GET("/trading/history", s.tradeHistory)
			protected.GET("/trading/kline", s.kline)

			protected.GET("/stats/dashboard", s.statsDashboard)
			protected.GET("/stats/equity-curve", s.statsEquityCurve)

			protected.GET("/payouts/available", s.payoutsAvailable)
			protected.POST("/payouts/request", s.payoutsRequest)
			protected.GET("/payouts", s.payoutsList)

			admin := protected.Group("/admin")
			admin.Use(RequireAdmin())
			{
				admin.GET("/payouts/pending", s.adminPendingPayouts)
				admin.POST("/payouts/:id/approve", s.adminApprovePayout)
				admin.POST("/payouts/:id/reject", s.adminRejectPayout)
				admin.POST("/payouts/:id/sent", s.adminMarkPayoutSent)
				admin.GET("/challenges", s.adminListChallenges)
				admin.GET("/metrics", s.adminMetrics)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
