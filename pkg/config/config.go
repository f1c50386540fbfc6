package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading engine.
type Config struct {
	Port string

	// Price feed
	TrackedSymbols  []string
	UseMockFeed     bool
	PriceStaleMs    int
	FeedStreamURL   string
	FeedRESTBaseURL string
	FeedSeedRetries int

	// Risk evaluator
	EvalTickMs         int
	MaxEvalConcurrency int

	// Push channel
	PushBufferSize     int
	PushIdleTimeoutSec int

	// Database and cache
	DBURL    string
	CacheURL string

	// Auth
	JWTSigningKey    string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	PlatformBotToken string

	// Encryption for sensitive fields at rest (wallet addresses)
	MasterEncryptionKey string

	// Leaderboard
	LeaderboardCacheTTLSec int

	// Payouts
	PayoutMinAmount float64

	// HTTP
	AllowedOrigins []string

	// Catalog
	ChallengeCatalogPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbURL := getEnv("DB_URL", "")
	if dbURL == "" {
		dbURL = getEnv("DB_PATH", "./data/trading.db")
	}

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		TrackedSymbols:         splitAndTrim(getEnv("TRACKED_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")),
		UseMockFeed:            getEnv("USE_MOCK_FEED", "false") == "true",
		PriceStaleMs:           getEnvInt("PRICE_STALE_MS", 5000),
		FeedStreamURL:          getEnv("EXCHANGE_STREAM_URL", "wss://stream.binance.com:9443"),
		FeedRESTBaseURL:        getEnv("EXCHANGE_REST_URL", "https://api.binance.com"),
		FeedSeedRetries:        getEnvInt("FEED_SEED_RETRIES", 5),
		EvalTickMs:             getEnvInt("EVAL_TICK_MS", 1000),
		MaxEvalConcurrency:     getEnvInt("MAX_EVAL_CONCURRENCY", 0),
		PushBufferSize:         getEnvInt("PUSH_BUFFER_SIZE", 64),
		PushIdleTimeoutSec:     getEnvInt("PUSH_IDLE_TIMEOUT_SEC", 30),
		DBURL:                  dbURL,
		CacheURL:               os.Getenv("CACHE_URL"),
		JWTSigningKey:          getEnv("JWT_SIGNING_KEY", "dev-secret"),
		AccessTTL:              time.Duration(getEnvInt("ACCESS_TTL_S", 900)) * time.Second,
		RefreshTTL:             time.Duration(getEnvInt("REFRESH_TTL_S", 30*24*3600)) * time.Second,
		PlatformBotToken:       os.Getenv("PLATFORM_BOT_TOKEN"),
		MasterEncryptionKey:    os.Getenv("MASTER_ENCRYPTION_KEY"),
		LeaderboardCacheTTLSec: getEnvInt("LEADERBOARD_CACHE_TTL_SEC", 60),
		PayoutMinAmount:        getEnvFloat("PAYOUT_MIN_AMOUNT", 50.0),
		AllowedOrigins:         splitAndTrim(getEnv("ALLOWED_ORIGINS", "*")),
		ChallengeCatalogPath:   getEnv("CHALLENGE_CATALOG_PATH", "configs/challenge_types.yaml"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
