// Package domain holds the entities and tagged-variant enums shared across
// the trading engine: users, challenge catalog, challenges (accounts),
// positions, daily counters and payout requests.
package domain

import "time"

// Role is a principal's authorization level.
type Role string

const (
	RoleTrader       Role = "trader"
	RoleFundedTrader Role = "funded_trader"
	RoleAdmin        Role = "admin"
	RoleSuperAdmin   Role = "super_admin"
)

// User is an authenticated principal. Never deleted; block instead.
type User struct {
	ID          string
	ExternalID  string
	DisplayName string
	Role        Role
	Blocked     bool
	CreatedAt   time.Time
}

// DrawdownType selects how trailing/static drawdown is measured.
type DrawdownType string

const (
	DrawdownStatic   DrawdownType = "static"
	DrawdownTrailing DrawdownType = "trailing"
)

// ChallengeType is an immutable catalog entry describing a purchasable plan.
type ChallengeType struct {
	ID               string
	Name             string
	AccountSize      float64
	Price            float64
	ProfitTargetP1Pct float64
	ProfitTargetP2Pct float64
	MaxDailyLossPct  float64
	MaxTotalLossPct  float64
	MinTradingDays   int
	DrawdownType     DrawdownType
	MaxLeverage      float64
	ProfitSplitPct   float64
	IsOnePhase       bool
	IsInstant        bool
	MinPayout        float64
}

// ChallengeStatus is the phase-state-machine tag.
type ChallengeStatus string

const (
	StatusPhase1    ChallengeStatus = "phase1"
	StatusPhase2    ChallengeStatus = "phase2"
	StatusFunded    ChallengeStatus = "funded"
	StatusFailed    ChallengeStatus = "failed"
	StatusCompleted ChallengeStatus = "completed"
)

// Terminal reports whether the status can never transition again.
func (s ChallengeStatus) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// AccountMode distinguishes simulated evaluation accounts from funded ones.
type AccountMode string

const (
	AccountModeDemo   AccountMode = "demo"
	AccountModeFunded AccountMode = "funded"
)

// FailReason tags why a challenge was failed.
type FailReason string

const (
	FailReasonNone              FailReason = ""
	FailReasonDailyDrawdown     FailReason = "daily_drawdown"
	FailReasonTrailingDrawdown  FailReason = "trailing_drawdown"
	FailReasonAdmin             FailReason = "admin"
)

// Challenge is one evaluation instance (account) owned by a user.
type Challenge struct {
	ID                string
	UserID            string
	TypeID            string
	Status            ChallengeStatus
	AccountMode       AccountMode
	InitialBalance    float64
	CurrentBalance    float64
	PeakEquity        float64
	DailyAnchorEquity float64
	DailyPnLRealized  float64
	TotalPnLRealized  float64
	// ScalingBaselinePnL is the TotalPnLRealized value as of the last
	// scaling step (or funded promotion, before any step). evaluateScaling
	// compares the delta against this baseline rather than lifetime PnL, so
	// profit already spent on a previous size increase isn't counted twice.
	ScalingBaselinePnL float64
	TradingDaysCount  int
	ScalingStep       int
	AttemptNumber     int
	FailedReason      FailReason
	StartedAt         time.Time
	TransitionedAt    time.Time
	FailedAt          *time.Time
	Quarantined       bool
	Version           int64 // optimistic-lock version for Conflict detection
}

// Side is a position direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// CloseReason tags why a position was closed.
type CloseReason string

const (
	CloseManual            CloseReason = "manual"
	CloseTakeProfit        CloseReason = "take_profit"
	CloseStopLoss          CloseReason = "stop_loss"
	CloseDailyDrawdown     CloseReason = "daily_drawdown"
	CloseTrailingDrawdown  CloseReason = "trailing_drawdown"
	CloseAdmin             CloseReason = "admin"
)

// Position belongs to one challenge.
type Position struct {
	ID           string
	ChallengeID  string
	Symbol       string
	Side         Side
	Qty          float64
	Leverage     float64
	EntryPrice   float64
	TakeProfit   *float64
	StopLoss     *float64
	MarginUsed   float64
	OpenedAt     time.Time
	ClosedAt     *time.Time
	ClosePrice   *float64
	CloseReason  *CloseReason
	RealizedPnL  *float64
}

// IsOpen reports whether the position has not been closed yet.
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// DailyCounter rolls over at UTC midnight, one row per challenge x date.
type DailyCounter struct {
	ChallengeID      string
	Date             string // YYYY-MM-DD, UTC
	RealizedPnL      float64
	WorstEquityDrop  float64
	TradesOpened     int
}

// PayoutNetwork is the blockchain network a withdrawal is sent on.
type PayoutNetwork string

const (
	NetworkTRC20 PayoutNetwork = "TRC20"
	NetworkERC20 PayoutNetwork = "ERC20"
	NetworkBEP20 PayoutNetwork = "BEP20"
)

// PayoutStatus is the payout approval-lifecycle tag.
type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutApproved PayoutStatus = "approved"
	PayoutRejected PayoutStatus = "rejected"
	PayoutSent     PayoutStatus = "sent"
)

// PayoutRequest records a withdrawal request against a funded challenge.
type PayoutRequest struct {
	ID            string
	ChallengeID   string
	Amount        float64
	WalletAddress string
	Network       PayoutNetwork
	Status        PayoutStatus
	TxHash        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PricePoint is the latest known mark for a symbol.
type PricePoint struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
	Seeded    bool
}
