// Package phase is the Phase State Machine component: it owns every
// transition of a challenge's lifecycle status. Callers must already hold
// the challenge's writer lock (internal/ledger) before calling into this
// package, since transitions share that lock with the Risk Evaluator and
// Trade Ledger.
package phase

import (
	"context"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/pkg/db"
)

const maxAccountSize = 2_000_000.0

// Transition describes one state change, published on events.EventPhaseTransition.
type Transition struct {
	ChallengeID string
	From        domain.ChallengeStatus
	To          domain.ChallengeStatus
	Reason      domain.FailReason
	At          time.Time
}

// Machine evaluates and applies phase transitions.
type Machine struct {
	q   *db.Queries
	bus *events.Bus
}

// New builds a Machine.
func New(q *db.Queries, bus *events.Bus) *Machine {
	return &Machine{q: q, bus: bus}
}

// Fail transitions a challenge straight to failed, used by the Risk
// Evaluator after a drawdown breach. Caller holds the challenge's writer
// lock.
func (m *Machine) Fail(ctx context.Context, chal *domain.Challenge, reason domain.FailReason) error {
	if chal.Status.Terminal() {
		return nil
	}
	from := chal.Status
	now := time.Now().UTC()
	chal.Status = domain.StatusFailed
	chal.FailedReason = reason
	chal.FailedAt = &now
	chal.TransitionedAt = now
	if err := m.q.UpdateChallenge(ctx, chal, chal.Version); err != nil {
		return err
	}
	t := Transition{ChallengeID: chal.ID, From: from, To: domain.StatusFailed, Reason: reason, At: now}
	if m.bus != nil {
		m.bus.Publish(events.EventPhaseTransition, t)
		m.bus.Publish(events.EventChallengeFailed, t)
	}
	return nil
}

// Evaluate checks forward-progress guards and advances the challenge if
// they hold. Caller holds the challenge's writer lock. Evaluate returns
// without change while openPositionCount is above zero, per the boundary
// rule that phase advancement never happens while a winning position is
// still open.
func (m *Machine) Evaluate(ctx context.Context, chal *domain.Challenge, ct *domain.ChallengeType, equity float64, openPositionCount int) error {
	if chal.Status.Terminal() || openPositionCount > 0 {
		return nil
	}

	switch chal.Status {
	case domain.StatusPhase1:
		target := chal.InitialBalance * ct.ProfitTargetP1Pct / 100.0
		if !m.progressMet(chal, ct, equity, target) {
			return nil
		}
		next := domain.StatusPhase2
		if ct.IsOnePhase {
			return m.promoteToFunded(ctx, chal, equity)
		}
		return m.advance(ctx, chal, next, equity)

	case domain.StatusPhase2:
		target := chal.InitialBalance * ct.ProfitTargetP2Pct / 100.0
		if !m.progressMet(chal, ct, equity, target) {
			return nil
		}
		return m.promoteToFunded(ctx, chal, equity)

	case domain.StatusFunded:
		return m.evaluateScaling(ctx, chal, ct)
	}
	return nil
}

func (m *Machine) progressMet(chal *domain.Challenge, ct *domain.ChallengeType, equity, target float64) bool {
	profit := equity - chal.InitialBalance
	if profit < target {
		return false
	}
	if !ct.IsInstant && chal.TradingDaysCount < ct.MinTradingDays {
		return false
	}
	return true
}

func (m *Machine) advance(ctx context.Context, chal *domain.Challenge, next domain.ChallengeStatus, equity float64) error {
	from := chal.Status
	now := time.Now().UTC()
	chal.Status = next
	chal.DailyPnLRealized = 0
	chal.PeakEquity = equity
	chal.DailyAnchorEquity = equity
	chal.TradingDaysCount = 0
	chal.TransitionedAt = now
	if err := m.q.UpdateChallenge(ctx, chal, chal.Version); err != nil {
		return err
	}
	m.publish(chal.ID, from, next, domain.FailReasonNone, now)
	return nil
}

func (m *Machine) promoteToFunded(ctx context.Context, chal *domain.Challenge, equity float64) error {
	from := chal.Status
	now := time.Now().UTC()
	chal.Status = domain.StatusFunded
	chal.AccountMode = domain.AccountModeFunded
	chal.DailyPnLRealized = 0
	chal.PeakEquity = equity
	chal.DailyAnchorEquity = equity
	chal.TradingDaysCount = 0
	chal.ScalingBaselinePnL = chal.TotalPnLRealized
	chal.TransitionedAt = now
	if err := m.q.UpdateChallenge(ctx, chal, chal.Version); err != nil {
		return err
	}
	if err := m.q.PromoteUserRole(ctx, chal.UserID, domain.RoleFundedTrader); err != nil {
		return err
	}
	m.publish(chal.ID, from, domain.StatusFunded, domain.FailReasonNone, now)
	return nil
}

// evaluateScaling implements the funded +10% -> size x1.25 rule. The 10%
// gate is measured against profit earned since the last scaling step (or
// since funded promotion, for the first step), not lifetime PnL, so a step
// already paid for by an earlier scaling doesn't trigger a second one.
func (m *Machine) evaluateScaling(ctx context.Context, chal *domain.Challenge, ct *domain.ChallengeType) error {
	sinceScaling := chal.TotalPnLRealized - chal.ScalingBaselinePnL
	threshold := chal.InitialBalance * 0.10
	if sinceScaling < threshold {
		return nil
	}
	newSize := chal.InitialBalance * 1.25
	if newSize > maxAccountSize {
		newSize = maxAccountSize
	}
	if newSize <= chal.InitialBalance {
		return nil
	}
	now := time.Now().UTC()
	chal.InitialBalance = newSize
	chal.ScalingStep++
	chal.ScalingBaselinePnL = chal.TotalPnLRealized
	chal.PeakEquity = chal.CurrentBalance
	chal.DailyAnchorEquity = chal.CurrentBalance
	chal.TransitionedAt = now
	return m.q.UpdateChallenge(ctx, chal, chal.Version)
}

func (m *Machine) publish(challengeID string, from, to domain.ChallengeStatus, reason domain.FailReason, at time.Time) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventPhaseTransition, Transition{ChallengeID: challengeID, From: from, To: to, Reason: reason, At: at})
}
