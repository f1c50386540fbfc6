package db

import "database/sql"

// User is the raw row shape for the users table.
type User struct {
	ID          string
	ExternalID  string
	DisplayName string
	Role        string
	Blocked     bool
	CreatedAt   string
}

// ChallengeType is the raw row shape for challenge_types.
type ChallengeType struct {
	ID                string
	Name              string
	AccountSize       float64
	Price             float64
	ProfitTargetP1Pct float64
	ProfitTargetP2Pct float64
	MaxDailyLossPct   float64
	MaxTotalLossPct   float64
	MinTradingDays    int
	DrawdownType      string
	MaxLeverage       float64
	ProfitSplitPct    float64
	IsOnePhase        bool
	IsInstant         bool
	MinPayout         float64
}

// Challenge is the raw row shape for challenges, including the optimistic
// lock Version column used to detect concurrent writer-lock bypasses.
type Challenge struct {
	ID                string
	UserID            string
	TypeID            string
	Status            string
	AccountMode       string
	InitialBalance    float64
	CurrentBalance    float64
	PeakEquity        float64
	DailyAnchorEquity float64
	DailyPnLRealized  float64
	TotalPnLRealized  float64
	ScalingBaselinePnL float64
	TradingDaysCount  int
	ScalingStep       int
	AttemptNumber     int
	FailedReason      string
	StartedAt         string
	TransitionedAt    string
	FailedAt          sql.NullString
	Quarantined       bool
	Version           int64
}

// Position is the raw row shape for positions.
type Position struct {
	ID          string
	ChallengeID string
	Symbol      string
	Side        string
	Qty         float64
	Leverage    float64
	EntryPrice  float64
	TakeProfit  sql.NullFloat64
	StopLoss    sql.NullFloat64
	MarginUsed  float64
	OpenedAt    string
	ClosedAt    sql.NullString
	ClosePrice  sql.NullFloat64
	CloseReason sql.NullString
	RealizedPnL sql.NullFloat64
}

// DailyCounter is the raw row shape for daily_counters.
type DailyCounter struct {
	ChallengeID     string
	Date            string
	RealizedPnL     float64
	WorstEquityDrop float64
	TradesOpened    int
}

// PayoutRequest is the raw row shape for payout_requests.
type PayoutRequest struct {
	ID            string
	ChallengeID   string
	Amount        float64
	WalletAddress string
	Network       string
	Status        string
	TxHash        string
	CreatedAt     string
	UpdatedAt     string
}
