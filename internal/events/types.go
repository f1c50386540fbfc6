package events

// Event enumerates high-level topics published on the Bus. Payloads are
// documented next to each constant; subscribers type-assert.
type Event string

const (
	// EventPriceTick carries feed.Tick — a fresh mark for one symbol.
	EventPriceTick Event = "price_tick"
	// EventPositionOpened carries domain.Position.
	EventPositionOpened Event = "position.opened"
	// EventPositionClosed carries domain.Position (closed fields set).
	EventPositionClosed Event = "position.closed"
	// EventBalanceUpdate carries risk.BalanceUpdate — cheap, lossy, dropped under backpressure.
	EventBalanceUpdate Event = "balance_update"
	// EventRiskAlert carries risk.Alert (approaching drawdown limit, etc). Never dropped.
	EventRiskAlert Event = "risk_alert"
	// EventPhaseTransition carries phase.Transition. Never dropped.
	EventPhaseTransition Event = "phase_transition"
	// EventChallengeFailed carries phase.Transition with a FailReason set. Never dropped.
	EventChallengeFailed Event = "challenge_failed"
	// EventPayoutStatusChanged carries domain.PayoutRequest.
	EventPayoutStatusChanged Event = "payout_status_changed"
)

// Terminal reports whether events of this kind must never be dropped by a
// backpressured subscriber (see push.Hub's drop policy).
func (e Event) Terminal() bool {
	switch e {
	case EventRiskAlert, EventPhaseTransition, EventChallengeFailed, EventPositionClosed, EventPayoutStatusChanged:
		return true
	default:
		return false
	}
}
