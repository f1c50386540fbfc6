package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChallengeTypeSeed is one purchasable catalog entry as read from the
// challenge catalog YAML file.
type ChallengeTypeSeed struct {
	ID                string  `yaml:"id"`
	Name              string  `yaml:"name"`
	AccountSize       float64 `yaml:"account_size"`
	Price             float64 `yaml:"price"`
	ProfitTargetP1Pct float64 `yaml:"profit_target_p1_pct"`
	ProfitTargetP2Pct float64 `yaml:"profit_target_p2_pct"`
	MaxDailyLossPct   float64 `yaml:"max_daily_loss_pct"`
	MaxTotalLossPct   float64 `yaml:"max_total_loss_pct"`
	MinTradingDays    int     `yaml:"min_trading_days"`
	DrawdownType      string  `yaml:"drawdown_type"`
	MaxLeverage       float64 `yaml:"max_leverage"`
	ProfitSplitPct    float64 `yaml:"profit_split_pct"`
	IsOnePhase        bool    `yaml:"is_one_phase"`
	IsInstant         bool    `yaml:"is_instant"`
	MinPayout         float64 `yaml:"min_payout"`
}

// LoadChallengeCatalog reads the purchasable challenge-type catalog from a
// YAML file. A missing file is not an error: the caller falls back to its
// own built-in defaults so a fresh checkout still boots with a catalog.
func LoadChallengeCatalog(path string) ([]ChallengeTypeSeed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read challenge catalog: %w", err)
	}
	var out []ChallengeTypeSeed
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse challenge catalog: %w", err)
	}
	return out, nil
}
