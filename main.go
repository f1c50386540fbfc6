package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/api"
	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/internal/feed"
	"trading-core/internal/leaderboard"
	"trading-core/internal/ledger"
	"trading-core/internal/monitor"
	"trading-core/internal/payout"
	"trading-core/internal/phase"
	"trading-core/internal/push"
	"trading-core/internal/risk"
	"trading-core/internal/session"
	"trading-core/pkg/config"
	"trading-core/pkg/crypto"
	"trading-core/pkg/db"
)

const lockCleanupInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	database, err := db.New(cfg.DBURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	q := db.NewQueries(database.DB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedCatalog(ctx, q, cfg.ChallengeCatalogPath)

	keyMgr, err := crypto.NewKeyManager()
	if err != nil {
		log.Printf("wallet encryption disabled: %v", err)
		keyMgr = nil
	}

	bus := events.NewBus()

	f := feed.New(bus, feed.Config{
		Symbols:     cfg.TrackedSymbols,
		StaleAfter:  time.Duration(cfg.PriceStaleMs) * time.Millisecond,
		SeedRetries: cfg.FeedSeedRetries,
	})
	f.Start(ctx)
	log.Printf("price feed tracking %v", f.TrackedSymbols())

	metrics := monitor.NewSystemMetrics()

	led := ledger.New(q, f, bus).WithMetrics(metrics)
	go lockCleanupLoop(ctx, led)

	phaseMachine := phase.New(q, bus)

	alerts := monitor.LogAlertSink{}
	evaluator := risk.New(q, f, led, phaseMachine, bus, risk.Config{
		TickInterval: time.Duration(cfg.EvalTickMs) * time.Millisecond,
		Concurrency:  cfg.MaxEvalConcurrency,
		Alerts:       alerts,
		Metrics:      metrics,
	})
	go evaluator.Start(ctx)

	payouts := payout.New(q, bus, keyMgr)

	board, err := buildLeaderboard(q, cfg)
	if err != nil {
		log.Printf("leaderboard cache: %v, falling back to in-process cache", err)
		board = leaderboard.New(q)
	}

	gw := session.New(q, session.Config{
		BotToken:   cfg.PlatformBotToken,
		JWTSecret:  cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})

	hub := push.NewHub(ctx, bus, cfg.PushBufferSize)

	mon := &monitor.Monitor{Bus: bus, Sink: alerts}
	mon.Start(ctx)

	server := api.NewServer(api.Deps{
		Queries:        q,
		Bus:            bus,
		Feed:           f,
		Ledger:         led,
		Session:        gw,
		Payouts:        payouts,
		Leaderboard:    board,
		Push:           hub,
		Metrics:        metrics,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}()
	log.Printf("trading engine listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	cancel()
}

// seedCatalog loads the purchasable challenge-type catalog from YAML and
// upserts it so a fresh database still has something to sell.
func seedCatalog(ctx context.Context, q *db.Queries, path string) {
	seeds, err := config.LoadChallengeCatalog(path)
	if err != nil {
		log.Printf("challenge catalog: %v", err)
		return
	}
	for _, s := range seeds {
		ct := domain.ChallengeType{
			ID: s.ID, Name: s.Name, AccountSize: s.AccountSize, Price: s.Price,
			ProfitTargetP1Pct: s.ProfitTargetP1Pct, ProfitTargetP2Pct: s.ProfitTargetP2Pct,
			MaxDailyLossPct: s.MaxDailyLossPct, MaxTotalLossPct: s.MaxTotalLossPct,
			MinTradingDays: s.MinTradingDays, DrawdownType: domain.DrawdownType(s.DrawdownType),
			MaxLeverage: s.MaxLeverage, ProfitSplitPct: s.ProfitSplitPct,
			IsOnePhase: s.IsOnePhase, IsInstant: s.IsInstant, MinPayout: s.MinPayout,
		}
		if ct.ID == "" {
			ct.ID = uuid.NewString()
		}
		if err := q.UpsertChallengeType(ctx, ct); err != nil {
			log.Printf("seed challenge type %s: %v", ct.ID, err)
		}
	}
	log.Printf("seeded %d challenge catalog entries from %s", len(seeds), path)
}

func buildLeaderboard(q *db.Queries, cfg *config.Config) (*leaderboard.Aggregator, error) {
	if cfg.CacheURL == "" {
		return leaderboard.New(q), nil
	}
	return leaderboard.NewWithRedis(q, cfg.CacheURL)
}

func lockCleanupLoop(ctx context.Context, led *ledger.Ledger) {
	ticker := time.NewTicker(lockCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			led.CleanupIdleLocks(lockCleanupInterval)
		}
	}
}
