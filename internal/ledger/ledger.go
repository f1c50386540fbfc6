// Package ledger is the Trade Ledger component: the authoritative, durable
// record of positions per challenge, enforcing strict single-writer
// semantics so two concurrent requests against the same challenge never
// race on its balance.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/internal/monitor"
	"trading-core/pkg/db"
)

// PriceReader is the subset of the Price Feed the ledger depends on.
type PriceReader interface {
	Latest(symbol string) (domain.PricePoint, error)
}

// Ledger opens, closes and queries positions. All mutations for a given
// challenge acquire that challenge's writer lock first; reads never block
// on it.
type Ledger struct {
	q       *db.Queries
	prices  PriceReader
	bus     *events.Bus
	locks   *writerLocks
	metrics *monitor.SystemMetrics
}

// New builds a Ledger.
func New(q *db.Queries, prices PriceReader, bus *events.Bus) *Ledger {
	return &Ledger{q: q, prices: prices, bus: bus, locks: newWriterLocks()}
}

// WithMetrics attaches a metrics sink that OpenPosition instruments; passing
// nil (the New default) disables instrumentation.
func (l *Ledger) WithMetrics(m *monitor.SystemMetrics) *Ledger {
	l.metrics = m
	return l
}

// CleanupIdleLocks drops writer-lock entries untouched for longer than ttl;
// call periodically from a housekeeping goroutine.
func (l *Ledger) CleanupIdleLocks(ttl time.Duration) {
	l.locks.CleanupIdle(ttl)
}

// OpenRequest carries the validated fields of an OpenPosition call.
type OpenRequest struct {
	ChallengeID string
	Symbol      string
	Side        domain.Side
	Qty         float64
	Leverage    float64
	TakeProfit  *float64
	StopLoss    *float64
}

// OpenPosition validates preconditions under the challenge's writer lock
// and persists a new open position.
func (l *Ledger) OpenPosition(ctx context.Context, req OpenRequest) (*domain.Position, error) {
	unlock := l.locks.Acquire(req.ChallengeID)
	defer unlock()

	chal, err := l.q.GetChallenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	ct, err := l.q.GetChallengeType(ctx, chal.TypeID)
	if err != nil {
		return nil, err
	}

	if chal.Status.Terminal() || chal.Quarantined {
		return nil, domain.ErrChallengeTerminal
	}
	switch chal.Status {
	case domain.StatusPhase1, domain.StatusPhase2, domain.StatusFunded:
	default:
		return nil, domain.ErrChallengeTerminal
	}

	if req.Leverage < 1 || req.Leverage > ct.MaxLeverage {
		return nil, domain.ErrInvalidLeverage
	}

	pt, err := l.prices.Latest(req.Symbol)
	if err != nil {
		return nil, err
	}
	entryPrice := pt.Price

	if req.StopLoss != nil {
		if (req.Side == domain.SideLong && *req.StopLoss >= entryPrice) ||
			(req.Side == domain.SideShort && *req.StopLoss <= entryPrice) {
			return nil, domain.ErrInvalidTpSl
		}
	}
	if req.TakeProfit != nil {
		if (req.Side == domain.SideLong && *req.TakeProfit <= entryPrice) ||
			(req.Side == domain.SideShort && *req.TakeProfit >= entryPrice) {
			return nil, domain.ErrInvalidTpSl
		}
	}

	marginUsed := req.Qty * entryPrice / req.Leverage
	open, err := l.q.ListOpenPositions(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	usedMargin := 0.0
	for _, p := range open {
		usedMargin += p.MarginUsed
	}
	freeMargin := chal.CurrentBalance - usedMargin
	if freeMargin < marginUsed {
		return nil, domain.ErrInsufficientMargin
	}

	worstCaseLoss := marginUsed
	if req.StopLoss != nil {
		worstCaseLoss = req.Qty * math.Abs(entryPrice-*req.StopLoss)
	}
	if projectedDailyLossBreachesSoftLimit(chal, ct, open, worstCaseLoss) {
		return nil, domain.PreconditionFailed("daily_loss_projection", "projected loss would exceed daily drawdown limit")
	}

	pos := &domain.Position{
		ID: uuid.NewString(), ChallengeID: req.ChallengeID, Symbol: req.Symbol, Side: req.Side,
		Qty: req.Qty, Leverage: req.Leverage, EntryPrice: entryPrice, TakeProfit: req.TakeProfit,
		StopLoss: req.StopLoss, MarginUsed: marginUsed, OpenedAt: time.Now().UTC(),
	}
	dbStart := time.Now()
	insertErr := l.q.InsertPosition(ctx, pos)
	if l.metrics != nil {
		l.metrics.DBLatency.RecordDuration(time.Since(dbStart))
	}
	if insertErr != nil {
		return nil, fmt.Errorf("insert position: %w", insertErr)
	}

	today := time.Now().UTC().Format("2006-01-02")
	dc, err := l.q.GetOrInitDailyCounter(ctx, req.ChallengeID, today)
	if err == nil {
		dc.TradesOpened++
		_ = l.q.UpsertDailyCounter(ctx, dc)
	}

	if l.metrics != nil {
		l.metrics.IncrementPositionsOpened()
	}
	if l.bus != nil {
		l.bus.Publish(events.EventPositionOpened, *pos)
	}
	return pos, nil
}

// projectedDailyLossBreachesSoftLimit is a conservative pre-trade gate: it
// estimates worst-case loss if every open stop-loss and the new position's
// stop-loss all fired today, and rejects the trade if that would already
// exceed the daily drawdown limit. The Risk Evaluator is the authoritative
// enforcement point; this only prevents obviously doomed trades from being
// opened in the first place.
func projectedDailyLossBreachesSoftLimit(chal *domain.Challenge, ct *domain.ChallengeType, open []domain.Position, newWorstCase float64) bool {
	worstOpenUnrealized := 0.0
	for _, p := range open {
		if p.StopLoss != nil {
			worstOpenUnrealized += p.Qty * math.Abs(p.EntryPrice-*p.StopLoss)
		}
	}
	projectedLoss := -chal.DailyPnLRealized + worstOpenUnrealized + newWorstCase
	limit := chal.DailyAnchorEquity * ct.MaxDailyLossPct / 100.0
	return projectedLoss > limit
}

// CloseRequest carries the validated fields of a ClosePosition call.
type CloseRequest struct {
	PositionID string
	Reason     domain.CloseReason
	Price      float64
}

// ClosePosition closes an open position all-or-nothing and applies realized
// PnL to the owning challenge.
func (l *Ledger) ClosePosition(ctx context.Context, req CloseRequest) (*domain.Position, error) {
	pos, err := l.q.GetPosition(ctx, req.PositionID)
	if err != nil {
		return nil, domain.ErrPositionNotFound
	}
	if !pos.IsOpen() {
		return nil, domain.ErrPositionNotFound
	}

	unlock := l.locks.Acquire(pos.ChallengeID)
	defer unlock()

	return l.closePositionLocked(ctx, pos, req.Reason, req.Price)
}

// closePositionLocked assumes the caller already holds the challenge's
// writer lock (used by the Risk Evaluator, which batches several closes
// under one lock acquisition per tick).
func (l *Ledger) closePositionLocked(ctx context.Context, pos *domain.Position, reason domain.CloseReason, price float64) (*domain.Position, error) {
	chal, err := l.q.GetChallenge(ctx, pos.ChallengeID)
	if err != nil {
		return nil, err
	}
	if chal.Status == domain.StatusFailed && reason == domain.CloseManual {
		return nil, domain.ErrChallengeTerminal
	}

	pnl := realizedPnL(pos.Side, pos.Qty, pos.EntryPrice, price)
	now := time.Now().UTC()
	pos.ClosedAt = &now
	pos.ClosePrice = &price
	pos.CloseReason = &reason
	pos.RealizedPnL = &pnl

	chal.CurrentBalance += pnl
	chal.DailyPnLRealized += pnl
	chal.TotalPnLRealized += pnl

	if err := l.q.ClosePosition(ctx, pos, chal, chal.Version); err != nil {
		return nil, err
	}

	today := time.Now().UTC().Format("2006-01-02")
	if dc, derr := l.q.GetOrInitDailyCounter(ctx, pos.ChallengeID, today); derr == nil {
		dc.RealizedPnL += pnl
		_ = l.q.UpsertDailyCounter(ctx, dc)
	}

	if l.bus != nil {
		l.bus.Publish(events.EventPositionClosed, *pos)
	}
	return pos, nil
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

// realizedPnL is qty * (exit - entry) * side sign: positive sign for a long,
// negative for a short, so a short profits when price falls.
func realizedPnL(side domain.Side, qty, entry, exit float64) float64 {
	return qty * (exit - entry) * side.Sign()
}

// ListOpen returns every open position for a challenge (snapshot read, no
// writer lock required).
func (l *Ledger) ListOpen(ctx context.Context, challengeID string) ([]domain.Position, error) {
	return l.q.ListOpenPositions(ctx, challengeID)
}

// HistoryPage is a cursor-paginated slice of closed positions.
type HistoryPage struct {
	Positions  []domain.Position
	NextCursor string
}

// HistoryFilter narrows History to one side and/or symbol and resumes from
// a previous page's NextCursor.
type HistoryFilter struct {
	Side   domain.Side
	Symbol string
	Cursor string
	Limit  int
}

// History returns closed positions for a challenge, most recently closed
// first, keyset-paginated by (closed_at, id) so pages stay stable even as
// new positions close between reads.
func (l *Ledger) History(ctx context.Context, challengeID string, filter HistoryFilter) (HistoryPage, error) {
	positions, next, err := l.q.PositionHistory(ctx, challengeID, db.PositionHistoryFilter{
		Side:   string(filter.Side),
		Symbol: filter.Symbol,
		Cursor: filter.Cursor,
		Limit:  filter.Limit,
	})
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{Positions: positions, NextCursor: next}, nil
}

// ForceCloseAll closes every open position for a challenge at current mark
// under a single writer-lock acquisition — used for manual force-close and
// for drawdown-triggered closes.
func (l *Ledger) ForceCloseAll(ctx context.Context, challengeID string, reason domain.CloseReason) ([]domain.Position, error) {
	unlock := l.locks.Acquire(challengeID)
	defer unlock()
	return l.forceCloseAllLocked(ctx, challengeID, reason)
}

func (l *Ledger) forceCloseAllLocked(ctx context.Context, challengeID string, reason domain.CloseReason) ([]domain.Position, error) {
	open, err := l.q.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	closed := make([]domain.Position, 0, len(open))
	for i := range open {
		pos := open[i]
		price := pos.EntryPrice
		if pt, err := l.prices.Latest(pos.Symbol); err == nil {
			price = pt.Price
		}
		result, err := l.closePositionLocked(ctx, &pos, reason, price)
		if err != nil {
			return closed, fmt.Errorf("force close %s: %w", pos.ID, err)
		}
		closed = append(closed, *result)
	}
	return closed, nil
}

// WithChallengeLock runs fn while holding the challenge's writer lock. The
// Risk Evaluator uses this to serialize its per-tick close+transition
// sequence with any concurrent OpenPosition/ClosePosition call, since phase
// transitions share the ledger's per-challenge lock.
func (l *Ledger) WithChallengeLock(challengeID string, fn func()) {
	unlock := l.locks.Acquire(challengeID)
	defer unlock()
	fn()
}

// CloseLocked exposes closePositionLocked to callers that already hold the
// challenge's writer lock via WithChallengeLock (the Risk Evaluator).
func (l *Ledger) CloseLocked(ctx context.Context, pos *domain.Position, reason domain.CloseReason, price float64) (*domain.Position, error) {
	return l.closePositionLocked(ctx, pos, reason, price)
}

// ForceCloseAllLocked is ForceCloseAll for a caller that already holds the
// challenge's writer lock.
func (l *Ledger) ForceCloseAllLocked(ctx context.Context, challengeID string, reason domain.CloseReason) ([]domain.Position, error) {
	return l.forceCloseAllLocked(ctx, challengeID, reason)
}
