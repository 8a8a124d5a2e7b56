package types

import "time"

// RiskBudget is the per-account loss and exposure budget. DailyRealizedLoss
// only grows through loss accrual and is reset only by the session rollover.
type RiskBudget struct {
	AccountID                 string     `gorm:"primaryKey;size:64" json:"account_id"`
	DailyLossLimit            float64    `json:"daily_loss_limit"`
	DailyRealizedLoss         float64    `json:"daily_realized_loss"`
	SessionStart              string     `gorm:"size:5" json:"session_start"`
	SessionEnd                string     `gorm:"size:5" json:"session_end"`
	Timezone                  string     `gorm:"size:64" json:"timezone"`
	MaxConcurrentPositions    int        `json:"max_concurrent_positions"`
	MaxPositionsPerInstrument int        `json:"max_positions_per_instrument"`
	PerInstrumentVolumeCap    float64    `json:"per_instrument_volume_cap"`
	RiskPerTradePct           float64    `json:"risk_per_trade_pct"`
	AccountEquity             float64    `json:"account_equity"`
	LastRolloverAt            *time.Time `json:"last_rollover_at,omitempty"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

// Position is an executed idea whose exposure still counts against the
// budget until it is closed.
type Position struct {
	IdeaID        string     `gorm:"primaryKey;size:36" json:"idea_id"`
	AccountID     string     `gorm:"size:64;index" json:"account_id"`
	Instrument    string     `gorm:"size:32;index" json:"instrument"`
	Direction     Direction  `gorm:"size:8" json:"direction"`
	Volume        float64    `json:"volume"`
	FillPrice     float64    `json:"fill_price"`
	WorstCaseLoss float64    `json:"worst_case_loss"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `gorm:"index" json:"closed_at,omitempty"`
	RealizedPL    float64    `gorm:"column:realized_pl" json:"realized_pl"`
}

func (Position) TableName() string {
	return "risk_positions"
}

// BudgetUpdate is a partial change to the budget limits. DailyRealizedLoss
// is absent because it only moves through loss accrual and rollover.
type BudgetUpdate struct {
	DailyLossLimit            *float64 `json:"daily_loss_limit,omitempty" yaml:"daily_loss_limit,omitempty"`
	SessionStart              *string  `json:"session_start,omitempty" yaml:"session_start,omitempty"`
	SessionEnd                *string  `json:"session_end,omitempty" yaml:"session_end,omitempty"`
	Timezone                  *string  `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	MaxConcurrentPositions    *int     `json:"max_concurrent_positions,omitempty" yaml:"max_concurrent_positions,omitempty"`
	MaxPositionsPerInstrument *int     `json:"max_positions_per_instrument,omitempty" yaml:"max_positions_per_instrument,omitempty"`
	PerInstrumentVolumeCap    *float64 `json:"per_instrument_volume_cap,omitempty" yaml:"per_instrument_volume_cap,omitempty"`
	RiskPerTradePct           *float64 `json:"risk_per_trade_pct,omitempty" yaml:"risk_per_trade_pct,omitempty"`
	AccountEquity             *float64 `json:"account_equity,omitempty" yaml:"account_equity,omitempty"`
}
