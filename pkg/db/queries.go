// Package db provides the SQLite-backed persistence layer: raw row structs
// and a Queries type exposing one method per access pattern the domain
// packages need. Conversion to/from internal/domain types happens at the
// edges (Queries methods), so callers never see sql.Null* types.
package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"trading-core/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Queries wraps the SQL handle with domain-typed accessors.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

const timeLayout = time.RFC3339Nano

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// SQLite CURRENT_TIMESTAMP columns land here in "YYYY-MM-DD HH:MM:SS" form.
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t.UTC()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// ----------------------------------------
// Users
// ----------------------------------------

// GetOrCreateUserByExternalID upserts a user row keyed by the session
// gateway's external identity and returns the domain user plus whether this
// call created it (the Session Gateway surfaces this as is_new).
func (q *Queries) GetOrCreateUserByExternalID(ctx context.Context, externalID, displayName string) (*domain.User, bool, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, external_id, display_name, role, blocked, created_at
		FROM users WHERE external_id = ?
	`, externalID).Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Role, &u.Blocked, &u.CreatedAt)
	if err == nil {
		return toDomainUser(u), false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("query user: %w", err)
	}

	id := newID()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, display_name, role, blocked)
		VALUES (?, ?, ?, 'trader', 0)
	`, id, externalID, displayName)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	user, err := q.GetUser(ctx, id)
	return user, true, err
}

// GetUser fetches a user by internal ID.
func (q *Queries) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, external_id, display_name, role, blocked, created_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Role, &u.Blocked, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return toDomainUser(u), nil
}

func toDomainUser(u User) *domain.User {
	return &domain.User{
		ID:          u.ID,
		ExternalID:  u.ExternalID,
		DisplayName: u.DisplayName,
		Role:        domain.Role(u.Role),
		Blocked:     u.Blocked,
		CreatedAt:   parseTime(u.CreatedAt),
	}
}

// PromoteUserRole upgrades a user from the default trader role once their
// challenge reaches funded status; admins and already-promoted users are
// left untouched.
func (q *Queries) PromoteUserRole(ctx context.Context, userID string, role domain.Role) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE users SET role = ? WHERE id = ? AND role = 'trader'
	`, string(role), userID)
	if err != nil {
		return fmt.Errorf("promote user role: %w", err)
	}
	return nil
}

// SaveRefreshToken persists an opaque refresh token.
func (q *Queries) SaveRefreshToken(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES (?, ?, ?)
	`, token, userID, expiresAt.UTC().Format(timeLayout))
	return err
}

// ConsumeRefreshToken validates and revokes a refresh token in one step,
// returning the owning user ID. Reuse of a revoked/expired token fails.
func (q *Queries) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	var userID, expiresAt string
	var revoked bool
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at, revoked FROM refresh_tokens WHERE token = ?
	`, token).Scan(&userID, &expiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query refresh token: %w", err)
	}
	if revoked || parseTime(expiresAt).Before(time.Now().UTC()) {
		return "", domain.Unauthenticated("refresh_token_invalid", "refresh token expired or already used")
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token = ?`, token); err != nil {
		return "", fmt.Errorf("revoke refresh token: %w", err)
	}
	return userID, nil
}

// ----------------------------------------
// Challenge types
// ----------------------------------------

// ListChallengeTypes returns the purchasable catalog.
func (q *Queries) ListChallengeTypes(ctx context.Context) ([]domain.ChallengeType, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, account_size, price, profit_target_p1_pct, profit_target_p2_pct,
		       max_daily_loss_pct, max_total_loss_pct, min_trading_days, drawdown_type,
		       max_leverage, profit_split_pct, is_one_phase, is_instant, min_payout
		FROM challenge_types ORDER BY account_size ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query challenge_types: %w", err)
	}
	defer rows.Close()

	var out []domain.ChallengeType
	for rows.Next() {
		var t ChallengeType
		if err := rows.Scan(&t.ID, &t.Name, &t.AccountSize, &t.Price, &t.ProfitTargetP1Pct, &t.ProfitTargetP2Pct,
			&t.MaxDailyLossPct, &t.MaxTotalLossPct, &t.MinTradingDays, &t.DrawdownType,
			&t.MaxLeverage, &t.ProfitSplitPct, &t.IsOnePhase, &t.IsInstant, &t.MinPayout); err != nil {
			return nil, fmt.Errorf("scan challenge_type: %w", err)
		}
		out = append(out, toDomainChallengeType(t))
	}
	return out, rows.Err()
}

// GetChallengeType fetches one catalog entry.
func (q *Queries) GetChallengeType(ctx context.Context, id string) (*domain.ChallengeType, error) {
	var t ChallengeType
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, account_size, price, profit_target_p1_pct, profit_target_p2_pct,
		       max_daily_loss_pct, max_total_loss_pct, min_trading_days, drawdown_type,
		       max_leverage, profit_split_pct, is_one_phase, is_instant, min_payout
		FROM challenge_types WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.AccountSize, &t.Price, &t.ProfitTargetP1Pct, &t.ProfitTargetP2Pct,
		&t.MaxDailyLossPct, &t.MaxTotalLossPct, &t.MinTradingDays, &t.DrawdownType,
		&t.MaxLeverage, &t.ProfitSplitPct, &t.IsOnePhase, &t.IsInstant, &t.MinPayout)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query challenge_type: %w", err)
	}
	ct := toDomainChallengeType(t)
	return &ct, nil
}

func toDomainChallengeType(t ChallengeType) domain.ChallengeType {
	return domain.ChallengeType{
		ID: t.ID, Name: t.Name, AccountSize: t.AccountSize, Price: t.Price,
		ProfitTargetP1Pct: t.ProfitTargetP1Pct, ProfitTargetP2Pct: t.ProfitTargetP2Pct,
		MaxDailyLossPct: t.MaxDailyLossPct, MaxTotalLossPct: t.MaxTotalLossPct,
		MinTradingDays: t.MinTradingDays, DrawdownType: domain.DrawdownType(t.DrawdownType),
		MaxLeverage: t.MaxLeverage, ProfitSplitPct: t.ProfitSplitPct,
		IsOnePhase: t.IsOnePhase, IsInstant: t.IsInstant, MinPayout: t.MinPayout,
	}
}

// UpsertChallengeType seeds or updates one catalog entry; called at startup
// against the challenge catalog YAML file so a fresh database still has a
// purchasable catalog.
func (q *Queries) UpsertChallengeType(ctx context.Context, t domain.ChallengeType) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO challenge_types (id, name, account_size, price, profit_target_p1_pct, profit_target_p2_pct,
			max_daily_loss_pct, max_total_loss_pct, min_trading_days, drawdown_type, max_leverage,
			profit_split_pct, is_one_phase, is_instant, min_payout)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, account_size=excluded.account_size, price=excluded.price,
			profit_target_p1_pct=excluded.profit_target_p1_pct, profit_target_p2_pct=excluded.profit_target_p2_pct,
			max_daily_loss_pct=excluded.max_daily_loss_pct, max_total_loss_pct=excluded.max_total_loss_pct,
			min_trading_days=excluded.min_trading_days, drawdown_type=excluded.drawdown_type,
			max_leverage=excluded.max_leverage, profit_split_pct=excluded.profit_split_pct,
			is_one_phase=excluded.is_one_phase, is_instant=excluded.is_instant, min_payout=excluded.min_payout
	`, t.ID, t.Name, t.AccountSize, t.Price, t.ProfitTargetP1Pct, t.ProfitTargetP2Pct,
		t.MaxDailyLossPct, t.MaxTotalLossPct, t.MinTradingDays, string(t.DrawdownType),
		t.MaxLeverage, t.ProfitSplitPct, t.IsOnePhase, t.IsInstant, t.MinPayout)
	if err != nil {
		return fmt.Errorf("upsert challenge_type: %w", err)
	}
	return nil
}

// ----------------------------------------
// Challenges
// ----------------------------------------

const challengeCols = `id, user_id, type_id, status, account_mode, initial_balance, current_balance,
	peak_equity, daily_anchor_equity, daily_pnl_realized, total_pnl_realized, scaling_baseline_pnl,
	trading_days_count, scaling_step, attempt_number, failed_reason, started_at, transitioned_at,
	failed_at, quarantined, version`

func scanChallenge(row interface{ Scan(...any) error }) (*domain.Challenge, error) {
	var c Challenge
	if err := row.Scan(&c.ID, &c.UserID, &c.TypeID, &c.Status, &c.AccountMode, &c.InitialBalance, &c.CurrentBalance,
		&c.PeakEquity, &c.DailyAnchorEquity, &c.DailyPnLRealized, &c.TotalPnLRealized, &c.ScalingBaselinePnL,
		&c.TradingDaysCount, &c.ScalingStep, &c.AttemptNumber, &c.FailedReason, &c.StartedAt, &c.TransitionedAt,
		&c.FailedAt, &c.Quarantined, &c.Version); err != nil {
		return nil, err
	}
	return toDomainChallenge(c), nil
}

func toDomainChallenge(c Challenge) *domain.Challenge {
	d := &domain.Challenge{
		ID: c.ID, UserID: c.UserID, TypeID: c.TypeID, Status: domain.ChallengeStatus(c.Status),
		AccountMode: domain.AccountMode(c.AccountMode), InitialBalance: c.InitialBalance,
		CurrentBalance: c.CurrentBalance, PeakEquity: c.PeakEquity, DailyAnchorEquity: c.DailyAnchorEquity,
		DailyPnLRealized: c.DailyPnLRealized, TotalPnLRealized: c.TotalPnLRealized,
		ScalingBaselinePnL: c.ScalingBaselinePnL,
		TradingDaysCount: c.TradingDaysCount, ScalingStep: c.ScalingStep, AttemptNumber: c.AttemptNumber,
		FailedReason: domain.FailReason(c.FailedReason), StartedAt: parseTime(c.StartedAt),
		TransitionedAt: parseTime(c.TransitionedAt), Quarantined: c.Quarantined, Version: c.Version,
	}
	if c.FailedAt.Valid {
		t := parseTime(c.FailedAt.String)
		d.FailedAt = &t
	}
	return d
}

// InsertChallenge creates a new challenge row.
func (q *Queries) InsertChallenge(ctx context.Context, c *domain.Challenge) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO challenges (`+challengeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.TypeID, string(c.Status), string(c.AccountMode), c.InitialBalance, c.CurrentBalance,
		c.PeakEquity, c.DailyAnchorEquity, c.DailyPnLRealized, c.TotalPnLRealized, c.ScalingBaselinePnL,
		c.TradingDaysCount, c.ScalingStep, c.AttemptNumber, string(c.FailedReason), c.StartedAt.UTC().Format(timeLayout),
		c.TransitionedAt.UTC().Format(timeLayout), nullTimePtr(c.FailedAt), c.Quarantined, c.Version)
	return err
}

// InsertReferral records a referral attribution at purchase time. It is
// data-model-only bookkeeping: no payout or reward is attached to a referral
// row anywhere in this engine.
func (q *Queries) InsertReferral(ctx context.Context, id, referrerUserID, referredUserID, challengeID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_user_id, referred_user_id, challenge_id)
		VALUES (?, ?, ?, ?)
	`, id, referrerUserID, referredUserID, challengeID)
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// GetChallenge fetches one challenge by ID.
func (q *Queries) GetChallenge(ctx context.Context, id string) (*domain.Challenge, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+challengeCols+` FROM challenges WHERE id = ?`, id)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query challenge: %w", err)
	}
	return c, nil
}

// ListChallengesByUser returns all challenges owned by a user.
func (q *Queries) ListChallengesByUser(ctx context.Context, userID string) ([]domain.Challenge, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+challengeCols+` FROM challenges WHERE user_id = ? ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query challenges: %w", err)
	}
	defer rows.Close()
	var out []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListActiveChallenges returns every non-terminal challenge; the risk
// evaluator reads it on every tick and at the daily rollover.
func (q *Queries) ListActiveChallenges(ctx context.Context) ([]domain.Challenge, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+challengeCols+` FROM challenges WHERE status NOT IN ('failed','completed')`)
	if err != nil {
		return nil, fmt.Errorf("query active challenges: %w", err)
	}
	defer rows.Close()
	var out []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListAllChallenges returns every challenge regardless of status, optionally
// filtered by status; used by the admin challenge listing.
func (q *Queries) ListAllChallenges(ctx context.Context, status string) ([]domain.Challenge, error) {
	query := `SELECT ` + challengeCols + ` FROM challenges`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC`
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query all challenges: %w", err)
	}
	defer rows.Close()
	var out []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateChallenge performs an optimistic-lock compare-and-swap on Version.
// Returns domain.ErrPositionConflict (reused as the generic CAS-miss error)
// if the row was modified concurrently.
func (q *Queries) UpdateChallenge(ctx context.Context, c *domain.Challenge, expectedVersion int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE challenges SET status=?, account_mode=?, current_balance=?, peak_equity=?,
			daily_anchor_equity=?, daily_pnl_realized=?, total_pnl_realized=?, scaling_baseline_pnl=?,
			trading_days_count=?, scaling_step=?, attempt_number=?, failed_reason=?, transitioned_at=?,
			failed_at=?, quarantined=?, version=version+1
		WHERE id = ? AND version = ?
	`, string(c.Status), string(c.AccountMode), c.CurrentBalance, c.PeakEquity, c.DailyAnchorEquity,
		c.DailyPnLRealized, c.TotalPnLRealized, c.ScalingBaselinePnL, c.TradingDaysCount, c.ScalingStep,
		c.AttemptNumber, string(c.FailedReason), c.TransitionedAt.UTC().Format(timeLayout), nullTimePtr(c.FailedAt),
		c.Quarantined, c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrPositionConflict
	}
	c.Version = expectedVersion + 1
	return nil
}

// ----------------------------------------
// Positions
// ----------------------------------------

const positionCols = `id, challenge_id, symbol, side, qty, leverage, entry_price, take_profit, stop_loss,
	margin_used, opened_at, closed_at, close_price, close_reason, realized_pnl`

func scanPosition(row interface{ Scan(...any) error }) (*domain.Position, error) {
	var p Position
	if err := row.Scan(&p.ID, &p.ChallengeID, &p.Symbol, &p.Side, &p.Qty, &p.Leverage, &p.EntryPrice,
		&p.TakeProfit, &p.StopLoss, &p.MarginUsed, &p.OpenedAt, &p.ClosedAt, &p.ClosePrice,
		&p.CloseReason, &p.RealizedPnL); err != nil {
		return nil, err
	}
	return toDomainPosition(p), nil
}

func toDomainPosition(p Position) *domain.Position {
	d := &domain.Position{
		ID: p.ID, ChallengeID: p.ChallengeID, Symbol: p.Symbol, Side: domain.Side(p.Side),
		Qty: p.Qty, Leverage: p.Leverage, EntryPrice: p.EntryPrice, TakeProfit: floatPtr(p.TakeProfit),
		StopLoss: floatPtr(p.StopLoss), MarginUsed: p.MarginUsed, OpenedAt: parseTime(p.OpenedAt),
		ClosePrice: floatPtr(p.ClosePrice), RealizedPnL: floatPtr(p.RealizedPnL),
	}
	if p.ClosedAt.Valid {
		t := parseTime(p.ClosedAt.String)
		d.ClosedAt = &t
	}
	if p.CloseReason.Valid {
		r := domain.CloseReason(p.CloseReason.String)
		d.CloseReason = &r
	}
	return d
}

// InsertPosition creates a new open position row.
func (q *Queries) InsertPosition(ctx context.Context, p *domain.Position) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL)
	`, p.ID, p.ChallengeID, p.Symbol, string(p.Side), p.Qty, p.Leverage, p.EntryPrice,
		nullFloat(p.TakeProfit), nullFloat(p.StopLoss), p.MarginUsed, p.OpenedAt.UTC().Format(timeLayout))
	return err
}

// GetPosition fetches one position by ID.
func (q *Queries) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// ListOpenPositions returns every open position for a challenge.
func (q *Queries) ListOpenPositions(ctx context.Context, challengeID string) ([]domain.Position, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+positionCols+` FROM positions WHERE challenge_id = ? AND closed_at IS NULL ORDER BY opened_at ASC
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListAllOpenPositions returns every open position across all challenges.
func (q *Queries) ListAllOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+positionCols+` FROM positions WHERE closed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query all open positions: %w", err)
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PositionHistory returns closed positions for a challenge, most recent first.
// PositionHistoryFilter narrows PositionHistory to one side and/or symbol
// and keyset-paginates through results ordered most-recently-closed first.
// Cursor is an opaque token from a previous page's returned cursor; leave it
// empty to read the first page.
type PositionHistoryFilter struct {
	Side   string
	Symbol string
	Cursor string
	Limit  int
}

func (q *Queries) PositionHistory(ctx context.Context, challengeID string, filter PositionHistoryFilter) ([]domain.Position, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	clauses := []string{"challenge_id = ?", "closed_at IS NOT NULL"}
	args := []any{challengeID}

	if filter.Side != "" {
		clauses = append(clauses, "side = ?")
		args = append(args, filter.Side)
	}
	if filter.Symbol != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Cursor != "" {
		if closedAt, id, ok := decodeHistoryCursor(filter.Cursor); ok {
			clauses = append(clauses, "(closed_at, id) < (?, ?)")
			args = append(args, closedAt, id)
		}
	}
	args = append(args, limit+1) // fetch one extra row to know whether a next page exists

	query := `SELECT ` + positionCols + ` FROM positions WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY closed_at DESC, id DESC LIMIT ?`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query position history: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = encodeHistoryCursor(last.ClosedAt.UTC().Format(timeLayout), last.ID)
		out = out[:limit]
	}
	return out, next, nil
}

func encodeHistoryCursor(closedAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(closedAt + "|" + id))
}

func decodeHistoryCursor(token string) (closedAt, id string, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ClosePosition marks a position closed and atomically persists the
// owning challenge's updated balances via a single transaction.
func (q *Queries) ClosePosition(ctx context.Context, p *domain.Position, c *domain.Challenge, expectedVersion int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET closed_at=?, close_price=?, close_reason=?, realized_pnl=?
		WHERE id = ? AND closed_at IS NULL
	`, p.ClosedAt.UTC().Format(timeLayout), *p.ClosePrice, string(*p.CloseReason), *p.RealizedPnL, p.ID)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPositionNotFound
	}

	cres, err := tx.ExecContext(ctx, `
		UPDATE challenges SET current_balance=?, peak_equity=?, daily_pnl_realized=?, total_pnl_realized=?,
			trading_days_count=?, version=version+1
		WHERE id = ? AND version = ?
	`, c.CurrentBalance, c.PeakEquity, c.DailyPnLRealized, c.TotalPnLRealized, c.TradingDaysCount, c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update challenge balances: %w", err)
	}
	if n, _ := cres.RowsAffected(); n == 0 {
		return domain.ErrPositionConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	c.Version = expectedVersion + 1
	return nil
}

// ----------------------------------------
// Daily counters
// ----------------------------------------

// GetOrInitDailyCounter fetches today's counter, creating a zeroed row if absent.
func (q *Queries) GetOrInitDailyCounter(ctx context.Context, challengeID, date string) (*domain.DailyCounter, error) {
	var dc DailyCounter
	err := q.db.QueryRowContext(ctx, `
		SELECT challenge_id, date, realized_pnl, worst_equity_drop, trades_opened
		FROM daily_counters WHERE challenge_id = ? AND date = ?
	`, challengeID, date).Scan(&dc.ChallengeID, &dc.Date, &dc.RealizedPnL, &dc.WorstEquityDrop, &dc.TradesOpened)
	if err == nil {
		return toDomainDailyCounter(dc), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query daily_counter: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO daily_counters (challenge_id, date) VALUES (?, ?)
		ON CONFLICT(challenge_id, date) DO NOTHING
	`, challengeID, date)
	if err != nil {
		return nil, fmt.Errorf("insert daily_counter: %w", err)
	}
	return &domain.DailyCounter{ChallengeID: challengeID, Date: date}, nil
}

func toDomainDailyCounter(dc DailyCounter) *domain.DailyCounter {
	return &domain.DailyCounter{
		ChallengeID: dc.ChallengeID, Date: dc.Date, RealizedPnL: dc.RealizedPnL,
		WorstEquityDrop: dc.WorstEquityDrop, TradesOpened: dc.TradesOpened,
	}
}

// UpsertDailyCounter writes back the day's accumulated figures.
func (q *Queries) UpsertDailyCounter(ctx context.Context, dc *domain.DailyCounter) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO daily_counters (challenge_id, date, realized_pnl, worst_equity_drop, trades_opened)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(challenge_id, date) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			worst_equity_drop = excluded.worst_equity_drop,
			trades_opened = excluded.trades_opened
	`, dc.ChallengeID, dc.Date, dc.RealizedPnL, dc.WorstEquityDrop, dc.TradesOpened)
	return err
}

// ListDailyCounters returns a challenge's daily counters ordered oldest
// first, the raw material for the equity curve endpoint.
func (q *Queries) ListDailyCounters(ctx context.Context, challengeID string) ([]domain.DailyCounter, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT challenge_id, date, realized_pnl, worst_equity_drop, trades_opened
		FROM daily_counters WHERE challenge_id = ? ORDER BY date ASC
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query daily counters: %w", err)
	}
	defer rows.Close()
	var out []domain.DailyCounter
	for rows.Next() {
		var dc DailyCounter
		if err := rows.Scan(&dc.ChallengeID, &dc.Date, &dc.RealizedPnL, &dc.WorstEquityDrop, &dc.TradesOpened); err != nil {
			return nil, fmt.Errorf("scan daily counter: %w", err)
		}
		out = append(out, *toDomainDailyCounter(dc))
	}
	return out, rows.Err()
}

// ----------------------------------------
// Payout requests
// ----------------------------------------

func scanPayout(row interface{ Scan(...any) error }) (*domain.PayoutRequest, error) {
	var p PayoutRequest
	if err := row.Scan(&p.ID, &p.ChallengeID, &p.Amount, &p.WalletAddress, &p.Network, &p.Status,
		&p.TxHash, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &domain.PayoutRequest{
		ID: p.ID, ChallengeID: p.ChallengeID, Amount: p.Amount, WalletAddress: p.WalletAddress,
		Network: domain.PayoutNetwork(p.Network), Status: domain.PayoutStatus(p.Status), TxHash: p.TxHash,
		CreatedAt: parseTime(p.CreatedAt), UpdatedAt: parseTime(p.UpdatedAt),
	}, nil
}

const payoutCols = `id, challenge_id, amount, wallet_address, network, status, tx_hash, created_at, updated_at`

// InsertPayoutRequest records a new withdrawal request.
func (q *Queries) InsertPayoutRequest(ctx context.Context, p *domain.PayoutRequest) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payout_requests (`+payoutCols+`)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
	`, p.ID, p.ChallengeID, p.Amount, p.WalletAddress, string(p.Network), string(p.Status),
		p.CreatedAt.UTC().Format(timeLayout), p.UpdatedAt.UTC().Format(timeLayout))
	return err
}

// GetPayoutRequest fetches one payout request.
func (q *Queries) GetPayoutRequest(ctx context.Context, id string) (*domain.PayoutRequest, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+payoutCols+` FROM payout_requests WHERE id = ?`, id)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payout_request: %w", err)
	}
	return p, nil
}

// ListPayoutsByChallenge returns a challenge's payout history.
func (q *Queries) ListPayoutsByChallenge(ctx context.Context, challengeID string) ([]domain.PayoutRequest, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+payoutCols+` FROM payout_requests WHERE challenge_id = ? ORDER BY created_at DESC`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()
	var out []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListPendingPayouts returns payouts awaiting admin action.
func (q *Queries) ListPendingPayouts(ctx context.Context) ([]domain.PayoutRequest, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+payoutCols+` FROM payout_requests WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending payouts: %w", err)
	}
	defer rows.Close()
	var out []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdatePayoutStatus transitions a payout's status (and tx hash, when sent).
func (q *Queries) UpdatePayoutStatus(ctx context.Context, id string, status domain.PayoutStatus, txHash string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE payout_requests SET status=?, tx_hash=?, updated_at=CURRENT_TIMESTAMP WHERE id = ?
	`, string(status), txHash, id)
	if err != nil {
		return fmt.Errorf("update payout status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SumSentPayouts returns the total amount ever sent for a challenge.
func (q *Queries) SumSentPayouts(ctx context.Context, challengeID string) (float64, error) {
	var sum sql.NullFloat64
	err := q.db.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM payout_requests WHERE challenge_id = ? AND status = 'sent'
	`, challengeID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum payouts: %w", err)
	}
	return sum.Float64, nil
}

// Leaderboard ranking row.
type LeaderboardRow struct {
	ChallengeID      string
	UserID           string
	DisplayName      string
	PnLPct           float64
	Status           string
	TradingDaysCount int
	StartedAt        string
}

// LeaderboardAllTime ranks challenges by total return against their initial
// balance, descending, tie-broken by fewer trading days then earlier start.
// Failed challenges are excluded unless they completed a funded payout (a
// 'sent' payout on record).
func (q *Queries) LeaderboardAllTime(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	return q.leaderboard(ctx, `
		SELECT c.id, c.user_id, u.display_name,
		       (c.current_balance - c.initial_balance) / c.initial_balance * 100.0, c.status,
		       c.trading_days_count, c.started_at
		FROM challenges c JOIN users u ON u.id = c.user_id
		WHERE c.status != 'failed'
		   OR EXISTS (SELECT 1 FROM payout_requests p WHERE p.challenge_id = c.id AND p.status = 'sent')
		ORDER BY (c.current_balance - c.initial_balance) / c.initial_balance DESC,
		         c.trading_days_count ASC, c.started_at ASC
		LIMIT ?
	`, limit)
}

// LeaderboardMonthly ranks challenges that started within the last 30 days
// by return against their initial balance, excluding failed challenges
// entirely.
func (q *Queries) LeaderboardMonthly(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	return q.leaderboard(ctx, `
		SELECT c.id, c.user_id, u.display_name,
		       (c.current_balance - c.initial_balance) / c.initial_balance * 100.0, c.status,
		       c.trading_days_count, c.started_at
		FROM challenges c JOIN users u ON u.id = c.user_id
		WHERE c.started_at >= datetime('now', '-30 days') AND c.status != 'failed'
		ORDER BY (c.current_balance - c.initial_balance) / c.initial_balance DESC,
		         c.trading_days_count ASC, c.started_at ASC
		LIMIT ?
	`, limit)
}

func (q *Queries) leaderboard(ctx context.Context, query string, limit int) ([]LeaderboardRow, error) {
	rows, err := q.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()
	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.ChallengeID, &r.UserID, &r.DisplayName, &r.PnLPct, &r.Status,
			&r.TradingDaysCount, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
