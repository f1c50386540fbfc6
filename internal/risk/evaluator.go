// Package risk is the Risk Evaluator component: it marks every challenge's
// open positions to market on a fixed cadence, recomputes equity and
// drawdown, and enforces an ordered trigger sequence (stop-loss, take-profit,
// daily drawdown, trailing drawdown, phase advancement) on every tick.
package risk

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/internal/feed"
	"trading-core/internal/ledger"
	"trading-core/internal/monitor"
	"trading-core/internal/phase"
	"trading-core/pkg/db"
)

// BalanceUpdate is the payload published on events.EventBalanceUpdate.
type BalanceUpdate struct {
	ChallengeID   string
	Equity        float64
	OpenPositions int
	Status        domain.ChallengeStatus
	At            time.Time
}

// Alert is the payload published on events.EventRiskAlert when a challenge
// crosses the warning threshold (80% of its daily or trailing drawdown
// limit) without having breached it outright yet.
type Alert struct {
	ChallengeID string
	DrawdownPct float64
	LimitPct    float64
	Kind        string // "daily" or "trailing"
	At          time.Time
}

// alertThreshold is the fraction of the hard limit that triggers a warning.
const alertThreshold = 0.8

// Config tunes the evaluator's cadence and concurrency.
type Config struct {
	TickInterval time.Duration
	Concurrency  int
	// Alerts escalates a challenge to operator attention once force-close
	// retries are exhausted. Optional.
	Alerts OperatorAlerter
	// Metrics records tick throughput and latency; nil disables instrumentation.
	Metrics *monitor.SystemMetrics
}

// OperatorAlerter escalates an unrecoverable failure for operator
// attention. monitor.AlertSink satisfies this structurally.
type OperatorAlerter interface {
	Send(message string) error
}

const forceCloseMaxRetries = 10

// DefaultConcurrency scales worker count with available CPUs, capped at 32.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 2
	if c > 32 {
		c = 32
	}
	if c < 1 {
		c = 1
	}
	return c
}

// Evaluator runs the coordinator tick loop.
type Evaluator struct {
	q       *db.Queries
	feed    *feed.Feed
	ledger  *ledger.Ledger
	phase   *phase.Machine
	bus     *events.Bus
	cfg     Config
	backlog chan string
	alerts  OperatorAlerter
	metrics *monitor.SystemMetrics
}

// New builds an Evaluator.
func New(q *db.Queries, f *feed.Feed, l *ledger.Ledger, ph *phase.Machine, bus *events.Bus, cfg Config) *Evaluator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency()
	}
	return &Evaluator{
		q: q, feed: f, ledger: l, phase: ph, bus: bus, cfg: cfg,
		backlog: make(chan string, 4096),
		alerts:  cfg.Alerts,
		metrics: cfg.Metrics,
	}
}

// Start runs the coordinator loop and a bounded worker pool until ctx is
// cancelled. A single slow task cannot block other challenges' ticks since
// the worker pool drains the backlog independently of the ticker.
func (e *Evaluator) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Concurrency; i++ {
		go e.worker(ctx)
	}
	go e.dayRolloverLoop(ctx)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dispatchTick(ctx)
		}
	}
}

func (e *Evaluator) dispatchTick(ctx context.Context) {
	challenges, err := e.q.ListActiveChallenges(ctx)
	if err != nil {
		log.Printf("risk: list active challenges: %v", err)
		return
	}
	for _, c := range challenges {
		select {
		case e.backlog <- c.ID:
		default:
			log.Printf("risk: backlog full, dropping tick for challenge %s", c.ID)
		}
	}
}

func (e *Evaluator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.backlog:
			if err := e.evaluateChallenge(ctx, id); err != nil {
				log.Printf("risk: evaluate %s: %v", id, err)
			}
		}
	}
}

// evaluateChallenge runs one tick's computation for a single challenge:
// mark positions, recompute equity and drawdown, and enforce the ordered
// trigger sequence.
func (e *Evaluator) evaluateChallenge(ctx context.Context, challengeID string) error {
	start := time.Now()
	if e.metrics != nil {
		defer func() { e.metrics.EvalLatency.RecordDuration(time.Since(start)) }()
		e.metrics.IncrementEvalTicks()
	}

	// Price reads happen before acquiring the writer lock.
	positions, err := e.ledger.ListOpen(ctx, challengeID)
	if err != nil {
		return err
	}
	marks := make(map[string]domain.PricePoint, len(positions))
	stale := make(map[string]bool, len(positions))
	for _, p := range positions {
		if _, ok := marks[p.Symbol]; ok {
			continue
		}
		pt, perr := e.feed.Latest(p.Symbol)
		marks[p.Symbol] = pt
		stale[p.Symbol] = perr != nil
	}

	var update *BalanceUpdate
	var evalErr error
	e.ledger.WithChallengeLock(challengeID, func() {
		update, evalErr = e.tick(ctx, challengeID, marks, stale)
	})
	if evalErr != nil {
		return evalErr
	}
	if update != nil && e.bus != nil {
		e.bus.Publish(events.EventBalanceUpdate, *update)
	}
	return nil
}

// tick performs the ordered per-challenge evaluation under the challenge's
// writer lock: mark-to-market, SL/TP triggers, drawdown checks, then phase
// advancement.
func (e *Evaluator) tick(ctx context.Context, challengeID string, marks map[string]domain.PricePoint, stale map[string]bool) (*BalanceUpdate, error) {
	chal, err := e.q.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if chal.Status.Terminal() || chal.Quarantined {
		return nil, nil
	}
	ct, err := e.q.GetChallengeType(ctx, chal.TypeID)
	if err != nil {
		return nil, err
	}
	positions, err := e.ledger.ListOpen(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	// Steps 1-2: per-position SL then TP, skipping stale prices.
	remaining := positions[:0:0]
	for i := range positions {
		p := positions[i]
		mark, haveMark := marks[p.Symbol]
		if !haveMark || stale[p.Symbol] {
			remaining = append(remaining, p)
			continue
		}
		if reason, hit := triggeredReason(p, mark.Price); hit {
			price := mark.Price
			if reason == domain.CloseStopLoss && p.StopLoss != nil {
				price = *p.StopLoss
			} else if reason == domain.CloseTakeProfit && p.TakeProfit != nil {
				price = *p.TakeProfit
			}
			if _, cerr := e.ledger.CloseLocked(ctx, &p, reason, price); cerr != nil {
				log.Printf("risk: close %s on %s trigger: %v", p.ID, reason, cerr)
				remaining = append(remaining, p)
			}
			continue
		}
		remaining = append(remaining, p)
	}
	positions = remaining

	// Re-fetch challenge: closes above mutated current_balance/version.
	chal, err = e.q.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	equity, worstStale := computeEquity(chal, positions, marks, stale)

	if equity > chal.PeakEquity {
		chal.PeakEquity = equity
		_ = e.q.UpdateChallenge(ctx, chal, chal.Version)
	}

	dailyDrawdownPct := 0.0
	if chal.DailyAnchorEquity > 0 {
		dailyDrawdownPct = (chal.DailyAnchorEquity - equity) / chal.DailyAnchorEquity * 100.0
	}
	trailingBasis := chal.PeakEquity
	if ct.DrawdownType == domain.DrawdownStatic {
		trailingBasis = chal.InitialBalance
	}
	trailingDrawdownPct := 0.0
	if trailingBasis > 0 {
		trailingDrawdownPct = (trailingBasis - equity) / trailingBasis * 100.0
	}

	e.maybeAlert(challengeID, dailyDrawdownPct, ct.MaxDailyLossPct, "daily")
	e.maybeAlert(challengeID, trailingDrawdownPct, ct.MaxTotalLossPct, "trailing")

	// Steps 3-4: daily drawdown takes precedence over trailing.
	if dailyDrawdownPct >= ct.MaxDailyLossPct {
		e.forceCloseOrQuarantine(ctx, challengeID, domain.CloseDailyDrawdown)
		chal, _ = e.q.GetChallenge(ctx, challengeID)
		if err := e.phase.Fail(ctx, chal, domain.FailReasonDailyDrawdown); err != nil {
			log.Printf("risk: fail challenge %s: %v", challengeID, err)
		}
		return finalUpdate(chal), nil
	}
	if trailingDrawdownPct >= ct.MaxTotalLossPct {
		e.forceCloseOrQuarantine(ctx, challengeID, domain.CloseTrailingDrawdown)
		chal, _ = e.q.GetChallenge(ctx, challengeID)
		if err := e.phase.Fail(ctx, chal, domain.FailReasonTrailingDrawdown); err != nil {
			log.Printf("risk: fail challenge %s: %v", challengeID, err)
		}
		return finalUpdate(chal), nil
	}

	// Step 5: phase advancement. Never advance to funded on a stale-price tick.
	if !worstStale {
		if err := e.phase.Evaluate(ctx, chal, ct, equity, len(positions)); err != nil {
			log.Printf("risk: phase evaluate %s: %v", challengeID, err)
		}
	}

	return &BalanceUpdate{ChallengeID: challengeID, Equity: equity, OpenPositions: len(positions), Status: chal.Status, At: time.Now().UTC()}, nil
}

// maybeAlert publishes a warning once a challenge crosses alertThreshold of
// its drawdown limit, ahead of the hard breach handled in the caller.
func (e *Evaluator) maybeAlert(challengeID string, drawdownPct, limitPct float64, kind string) {
	if e.bus == nil || limitPct <= 0 {
		return
	}
	if drawdownPct >= limitPct*alertThreshold && drawdownPct < limitPct {
		e.bus.Publish(events.EventRiskAlert, Alert{
			ChallengeID: challengeID, DrawdownPct: drawdownPct, LimitPct: limitPct, Kind: kind, At: time.Now().UTC(),
		})
	}
}

// forceCloseOrQuarantine retries a breach-triggered force-close with
// backoff; after forceCloseMaxRetries failures it quarantines the
// challenge and escalates to the operator alert sink rather than letting
// positions sit open past a confirmed breach.
func (e *Evaluator) forceCloseOrQuarantine(ctx context.Context, challengeID string, reason domain.CloseReason) {
	var lastErr error
	for attempt := 0; attempt < forceCloseMaxRetries; attempt++ {
		if _, err := e.ledger.ForceCloseAllLocked(ctx, challengeID, reason); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(forceCloseBackoff(attempt))
	}
	log.Printf("risk: force close %s failed after %d retries, quarantining: %v", challengeID, forceCloseMaxRetries, lastErr)
	e.quarantine(ctx, challengeID, lastErr)
}

func forceCloseBackoff(attempt int) time.Duration {
	d := time.Duration(50*(1<<attempt)) * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func (e *Evaluator) quarantine(ctx context.Context, challengeID string, cause error) {
	chal, err := e.q.GetChallenge(ctx, challengeID)
	if err != nil {
		log.Printf("risk: quarantine %s: reload failed: %v", challengeID, err)
		return
	}
	chal.Quarantined = true
	if err := e.q.UpdateChallenge(ctx, chal, chal.Version); err != nil {
		log.Printf("risk: quarantine %s: persist failed: %v", challengeID, err)
	}
	if e.alerts != nil {
		_ = e.alerts.Send(fmt.Sprintf("challenge %s quarantined: force-close failed after retries: %v", challengeID, cause))
	}
}

func finalUpdate(chal *domain.Challenge) *BalanceUpdate {
	if chal == nil {
		return nil
	}
	return &BalanceUpdate{ChallengeID: chal.ID, Equity: chal.CurrentBalance, OpenPositions: 0, Status: chal.Status, At: time.Now().UTC()}
}

// computeEquity returns equity and whether any open position's mark is stale.
func computeEquity(chal *domain.Challenge, positions []domain.Position, marks map[string]domain.PricePoint, stale map[string]bool) (float64, bool) {
	equity := chal.CurrentBalance
	anyStale := false
	for _, p := range positions {
		mark, ok := marks[p.Symbol]
		if !ok {
			anyStale = true
			continue
		}
		if stale[p.Symbol] {
			anyStale = true
		}
		unrealized := p.Qty * (mark.Price - p.EntryPrice) * p.Side.Sign()
		equity += unrealized
	}
	return equity, anyStale
}

// triggeredReason implements the strict tie-break: if both SL and TP would
// fire in the same tick, prefer SL (conservative).
func triggeredReason(p domain.Position, mark float64) (domain.CloseReason, bool) {
	slHit := p.StopLoss != nil && slTriggered(p.Side, mark, *p.StopLoss)
	tpHit := p.TakeProfit != nil && tpTriggered(p.Side, mark, *p.TakeProfit)
	switch {
	case slHit:
		return domain.CloseStopLoss, true
	case tpHit:
		return domain.CloseTakeProfit, true
	default:
		return "", false
	}
}

func slTriggered(side domain.Side, mark, sl float64) bool {
	if side == domain.SideLong {
		return mark <= sl
	}
	return mark >= sl
}

func tpTriggered(side domain.Side, mark, tp float64) bool {
	if side == domain.SideLong {
		return mark >= tp
	}
	return mark <= tp
}

// dayRolloverLoop resets each active challenge's daily anchor at every
// UTC-midnight boundary.
func (e *Evaluator) dayRolloverLoop(ctx context.Context) {
	for {
		next := nextUTCMidnight(time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			e.rollover(ctx)
		}
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func (e *Evaluator) rollover(ctx context.Context) {
	challenges, err := e.q.ListActiveChallenges(ctx)
	if err != nil {
		log.Printf("risk: rollover list challenges: %v", err)
		return
	}
	for _, c := range challenges {
		id := c.ID
		e.ledger.WithChallengeLock(id, func() {
			chal, err := e.q.GetChallenge(ctx, id)
			if err != nil || chal.Status.Terminal() {
				return
			}
			positions, _ := e.ledger.ListOpen(ctx, id)
			marks := make(map[string]domain.PricePoint)
			for _, p := range positions {
				if pt, err := e.feed.Latest(p.Symbol); err == nil {
					marks[p.Symbol] = pt
				}
			}
			equity, _ := computeEquity(chal, positions, marks, nil)
			chal.DailyAnchorEquity = equity
			chal.DailyPnLRealized = 0
			if hadActivity(ctx, e.q, id) {
				chal.TradingDaysCount++
			}
			if err := e.q.UpdateChallenge(ctx, chal, chal.Version); err != nil {
				log.Printf("risk: rollover update %s: %v", id, err)
			}
		})
	}
}

func hadActivity(ctx context.Context, q *db.Queries, challengeID string) bool {
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	dc, err := q.GetOrInitDailyCounter(ctx, challengeID, yesterday)
	if err != nil {
		return false
	}
	return dc.TradesOpened > 0 || math.Abs(dc.RealizedPnL) > 1e-9
}
