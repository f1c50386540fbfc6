package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"trading-core/pkg/db"
)

const testBotToken = "test-bot-token"

// signInitData replicates VerifyInitData's exact algorithm to build a
// validly-signed init data string for a given field set.
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()
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
	hash := hexEncode(mac.Sum(nil))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hash)
	return values.Encode()
}

func newTestGateway(t *testing.T) (*Gateway, *db.Queries) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	q := db.NewQueries(database.DB)
	g := New(q, Config{BotToken: testBotToken, JWTSecret: "test-jwt-secret"})
	return g, q
}

func TestVerifyInitDataRoundTrip(t *testing.T) {
	g, _ := newTestGateway(t)
	raw := signInitData(t, testBotToken, map[string]string{
		"user_id":      "12345",
		"display_name": "Ada",
		"auth_date":    strconv.FormatInt(time.Now().Unix(), 10),
	})

	externalID, displayName, err := g.VerifyInitData(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if externalID != "12345" || displayName != "Ada" {
		t.Errorf("unexpected identity: %s / %s", externalID, displayName)
	}
}

func TestVerifyInitDataFallsBackToIdAndUsername(t *testing.T) {
	g, _ := newTestGateway(t)
	raw := signInitData(t, testBotToken, map[string]string{
		"id":        "999",
		"username":  "grace",
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
	})

	externalID, displayName, err := g.VerifyInitData(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if externalID != "999" || displayName != "grace" {
		t.Errorf("unexpected identity: %s / %s", externalID, displayName)
	}
}

func TestVerifyInitDataRejectsBadSignature(t *testing.T) {
	g, _ := newTestGateway(t)
	raw := signInitData(t, "wrong-bot-token", map[string]string{
		"user_id":   "12345",
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
	})

	if _, _, err := g.VerifyInitData(raw); err != ErrInitDataBadSig {
		t.Fatalf("expected ErrInitDataBadSig, got %v", err)
	}
}

func TestVerifyInitDataRejectsMissingHash(t *testing.T) {
	g, _ := newTestGateway(t)
	if _, _, err := g.VerifyInitData("user_id=12345"); err != ErrInitDataMissingHash {
		t.Fatalf("expected ErrInitDataMissingHash, got %v", err)
	}
}

func TestVerifyInitDataRejectsStaleAuthDate(t *testing.T) {
	g, _ := newTestGateway(t)
	stale := time.Now().Add(-48 * time.Hour).Unix()
	raw := signInitData(t, testBotToken, map[string]string{
		"user_id":   "12345",
		"auth_date": strconv.FormatInt(stale, 10),
	})

	if _, _, err := g.VerifyInitData(raw); err != ErrInitDataStale {
		t.Fatalf("expected ErrInitDataStale, got %v", err)
	}
}

func TestAuthenticateCreatesUserOnFirstLogin(t *testing.T) {
	g, _ := newTestGateway(t)
	raw := signInitData(t, testBotToken, map[string]string{
		"user_id":      "55555",
		"display_name": "Ada",
		"auth_date":    strconv.FormatInt(time.Now().Unix(), 10),
	})

	user, pair, isNew, err := g.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !isNew {
		t.Error("expected isNew true on first login")
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("expected a non-empty token pair")
	}

	_, _, isNewAgain, err := g.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("second authenticate: %v", err)
	}
	if isNewAgain {
		t.Error("expected isNew false on second login for the same external id")
	}
	_ = user
}

func TestRefreshTokenIsSingleUse(t *testing.T) {
	g, _ := newTestGateway(t)
	raw := signInitData(t, testBotToken, map[string]string{
		"user_id":   "77777",
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
	})
	_, pair, _, err := g.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := g.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := g.Refresh(context.Background(), pair.RefreshToken); err == nil {
		t.Fatal("expected second use of the same refresh token to fail")
	}
}

func TestParseAccessTokenRoundTrip(t *testing.T) {
	g, _ := newTestGateway(t)
	raw := signInitData(t, testBotToken, map[string]string{
		"user_id":   "88888",
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
	})
	user, pair, _, err := g.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	principal, err := g.ParseAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if principal.UserID != user.ID {
		t.Errorf("expected principal user id %s, got %s", user.ID, principal.UserID)
	}
}
