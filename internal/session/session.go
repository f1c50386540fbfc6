// Package session is the Session Gateway component: it verifies host-signed
// init data, issues (access, refresh) token pairs, and validates access
// tokens for every other component. All other components accept an
// already-resolved (user_id, role) principal; this package is the only one
// that ever touches raw authentication material.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/pkg/db"
)

const maxAuthAge = 24 * time.Hour

var (
	ErrInitDataMissingHash = errors.New("init data missing hash field")
	ErrInitDataBadSig      = errors.New("init data signature mismatch")
	ErrInitDataStale       = errors.New("init data auth_date too old")
	ErrInitDataMissingUser = errors.New("init data missing user identity")
)

// Claims embeds the resolved principal in the access token.
type Claims struct {
	UserID string      `json:"uid"`
	Role   domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Gateway verifies init data and issues/validates token pairs.
type Gateway struct {
	q            *db.Queries
	botToken     string
	jwtSecret    []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

// Config tunes token lifetimes.
type Config struct {
	BotToken   string
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// New builds a Gateway.
func New(q *db.Queries, cfg Config) *Gateway {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Gateway{
		q: q, botToken: cfg.BotToken, jwtSecret: []byte(cfg.JWTSecret),
		accessTTL: cfg.AccessTTL, refreshTTL: cfg.RefreshTTL,
	}
}

// VerifyInitData parses query-string-formatted init data, verifies its
// HMAC-SHA-256 signature against a key derived from the bot token, and
// returns the external user identity encoded in it.
func (g *Gateway) VerifyInitData(raw string) (externalID, displayName string, err error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "", "", err
	}
	hash := values.Get("hash")
	if hash == "" {
		return "", "", ErrInitDataMissingHash
	}
	values.Del("hash")

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	dataCheckString := strings.Join(pairs, "\n")

	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(g.botToken))
	derivedKey := secretKey.Sum(nil)

	mac := hmac.New(sha256.New, derivedKey)
	mac.Write([]byte(dataCheckString))
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare([]byte(hexEncode(expected)), []byte(hash)) != 1 {
		return "", "", ErrInitDataBadSig
	}

	if authDateStr := values.Get("auth_date"); authDateStr != "" {
		secs, convErr := strconv.ParseInt(authDateStr, 10, 64)
		if convErr == nil {
			authDate := time.Unix(secs, 0)
			if time.Since(authDate) > maxAuthAge {
				return "", "", ErrInitDataStale
			}
		}
	}

	externalID = values.Get("user_id")
	if externalID == "" {
		externalID = values.Get("id")
	}
	if externalID == "" {
		return "", "", ErrInitDataMissingUser
	}
	displayName = values.Get("display_name")
	if displayName == "" {
		displayName = values.Get("username")
	}
	return externalID, displayName, nil
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// TokenPair is an issued (access, refresh) credential.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Authenticate verifies raw init data, resolves or creates the User, and
// issues a fresh token pair. isNew reports whether this call just created
// the user (surfaced to the client as is_new).
func (g *Gateway) Authenticate(ctx context.Context, rawInitData string) (user *domain.User, pair *TokenPair, isNew bool, err error) {
	externalID, displayName, err := g.VerifyInitData(rawInitData)
	if err != nil {
		return nil, nil, false, domain.Unauthenticated("invalid_init_data", err.Error())
	}

	user, isNew, err = g.q.GetOrCreateUserByExternalID(ctx, externalID, displayName)
	if err != nil {
		return nil, nil, false, err
	}
	if user.Blocked {
		return nil, nil, false, domain.Forbidden("user_blocked", "this account has been blocked")
	}

	pair, err = g.issue(ctx, user)
	if err != nil {
		return nil, nil, false, err
	}
	return user, pair, isNew, nil
}

func (g *Gateway) issue(ctx context.Context, user *domain.User) (*TokenPair, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(g.accessTTL)
	claims := Claims{
		UserID: user.ID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.jwtSecret)
	if err != nil {
		return nil, domain.Internal("sign_token", err)
	}

	refresh := uuid.NewString()
	if err := g.q.SaveRefreshToken(ctx, refresh, user.ID, now.Add(g.refreshTTL)); err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

// Refresh consumes a refresh token (single use) and issues a new pair.
func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := g.q.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := g.q.GetUser(ctx, userID)
	if err != nil {
		return nil, domain.Unauthenticated("user_not_found", "refresh token owner no longer exists")
	}
	if user.Blocked {
		return nil, domain.Forbidden("user_blocked", "this account has been blocked")
	}
	return g.issue(ctx, user)
}

// Principal is the resolved (user_id, role) pair every other component
// trusts once the Session Gateway has validated a bearer token.
type Principal struct {
	UserID string
	Role   domain.Role
}

// ParseAccessToken validates a bearer token and returns its principal.
func (g *Gateway) ParseAccessToken(tokenStr string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return g.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, domain.Unauthenticated("invalid_token", "invalid or expired access token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, domain.Unauthenticated("invalid_token", "invalid token claims")
	}
	return &Principal{UserID: claims.UserID, Role: claims.Role}, nil
}
