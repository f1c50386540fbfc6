package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/internal/feed"
	"trading-core/internal/ledger"
	"trading-core/internal/leaderboard"
	"trading-core/internal/monitor"
	"trading-core/internal/payout"
	"trading-core/internal/push"
	"trading-core/internal/session"
	"trading-core/pkg/db"

	"github.com/gin-gonic/gin"
)

const testBotToken = "test-bot-token"

func newTestAPIServer(t *testing.T) (*httptest.Server, *db.Queries) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	q := db.NewQueries(database.DB)
	bus := events.NewBus()
	f := feed.New(bus, feed.Config{Symbols: []string{"BTCUSDT"}})
	f.Seed("BTCUSDT", 50000)
	l := ledger.New(q, f, bus)
	gw := session.New(q, session.Config{BotToken: testBotToken, JWTSecret: "test-jwt-secret"})
	payouts := payout.New(q, bus, nil)
	lb := leaderboard.New(q)
	hub := push.NewHub(context.Background(), bus, 16)
	metrics := monitor.NewSystemMetrics()

	srv := NewServer(Deps{
		Queries: q, Bus: bus, Feed: f, Ledger: l, Session: gw,
		Payouts: payouts, Leaderboard: lb, Push: hub, Metrics: metrics,
		AllowedOrigins: []string{"*"},
	})
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts, q
}

// signInitData replicates the Session Gateway's HMAC signing scheme to
// build a validly-signed init data payload for login in tests.
func signInitData(botToken string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}
	dataCheckString := strings.Join(pairs, "\n")

	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(botToken))
	derivedKey := secretKey.Sum(nil)

	mac := hmac.New(sha256.New, derivedKey)
	mac.Write([]byte(dataCheckString))
	sum := mac.Sum(nil)
	const hexDigits = "0123456789abcdef"
	hash := make([]byte, len(sum)*2)
	for i, b := range sum {
		hash[i*2] = hexDigits[b>>4]
		hash[i*2+1] = hexDigits[b&0x0f]
	}

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", string(hash))
	return values.Encode()
}

func doJSONRequest(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func registerAndLogin(t *testing.T, ts *httptest.Server, externalID string) string {
	t.Helper()
	raw := signInitData(testBotToken, map[string]string{
		"user_id":      externalID,
		"display_name": "Tester-" + externalID,
		"auth_date":    strconv.FormatInt(time.Now().Unix(), 10),
	})
	status, out := doJSONRequest(t, ts, http.MethodPost, "/api/v1/auth/telegram", "", map[string]string{"init_data": raw})
	if status != http.StatusOK {
		t.Fatalf("login failed: status=%d body=%+v", status, out)
	}
	data, ok := out["data"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected login response shape: %+v", out)
	}
	return data["access_token"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	status, _ := doJSONRequest(t, ts, http.MethodGet, "/api/v1/challenges/my", "", nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", status)
	}
}

func TestFullPurchaseTradeFlow(t *testing.T) {
	ts, q := newTestAPIServer(t)

	if err := q.UpsertChallengeType(context.Background(), testChallengeType()); err != nil {
		t.Fatalf("seed challenge type: %v", err)
	}

	token := registerAndLogin(t, ts, "10001")

	status, out := doJSONRequest(t, ts, http.MethodPost, "/api/v1/challenges/purchase", token, map[string]string{"challenge_type_id": "api-test-type"})
	if status != http.StatusCreated {
		t.Fatalf("purchase failed: status=%d body=%+v", status, out)
	}
	chal := out["data"].(map[string]any)
	challengeID := chal["ID"].(string)

	status, out = doJSONRequest(t, ts, http.MethodPost, "/api/v1/trading/order", token, map[string]any{
		"challenge_id": challengeID, "symbol": "BTCUSDT", "side": "long", "qty": 0.1, "leverage": 10,
	})
	if status != http.StatusCreated {
		t.Fatalf("open order failed: status=%d body=%+v", status, out)
	}

	status, out = doJSONRequest(t, ts, http.MethodGet, "/api/v1/trading/positions?challenge_id="+challengeID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("list positions failed: status=%d body=%+v", status, out)
	}
	positions := out["data"].([]any)
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}

	status, out = doJSONRequest(t, ts, http.MethodGet, "/api/v1/payouts/available?challenge_id="+challengeID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("payouts available failed: status=%d body=%+v", status, out)
	}
}

func TestPurchaseRejectsSecondActiveChallenge(t *testing.T) {
	ts, q := newTestAPIServer(t)
	if err := q.UpsertChallengeType(context.Background(), testChallengeType()); err != nil {
		t.Fatalf("seed challenge type: %v", err)
	}
	token := registerAndLogin(t, ts, "10002")

	status, _ := doJSONRequest(t, ts, http.MethodPost, "/api/v1/challenges/purchase", token, map[string]string{"challenge_type_id": "api-test-type"})
	if status != http.StatusCreated {
		t.Fatalf("first purchase failed: status=%d", status)
	}
	status, _ = doJSONRequest(t, ts, http.MethodPost, "/api/v1/challenges/purchase", token, map[string]string{"challenge_type_id": "api-test-type"})
	if status != http.StatusConflict {
		t.Errorf("expected 409 for a second active challenge, got %d", status)
	}
}

func TestAdminRouteRejectsNonAdmin(t *testing.T) {
	ts, _ := newTestAPIServer(t)
	token := registerAndLogin(t, ts, "10003")

	status, _ := doJSONRequest(t, ts, http.MethodGet, "/api/v1/admin/payouts/pending", token, nil)
	if status != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin on an admin route, got %d", status)
	}
}

func testChallengeType() domain.ChallengeType {
	return domain.ChallengeType{
		ID: "api-test-type", Name: "API Test", AccountSize: 10000,
		ProfitTargetP1Pct: 8, ProfitTargetP2Pct: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10,
		MaxLeverage: 100, ProfitSplitPct: 80, MinPayout: 50,
	}
}
