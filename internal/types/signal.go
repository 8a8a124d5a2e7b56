package types

import "time"

// Timeframe labels an analysis tier, e.g. "M15" or "D1".
type Timeframe string

// Snapshot is the indicator state of one instrument on one timeframe as
// supplied by the feature source.
type Snapshot struct {
	Instrument string    `json:"instrument" yaml:"instrument"`
	Timeframe  Timeframe `json:"timeframe" yaml:"timeframe"`
	Time       time.Time `json:"time" yaml:"time"`
	Close      float64   `json:"close" yaml:"close"`
	EMAFast    float64   `json:"ema_fast" yaml:"ema_fast"`
	EMASlow    float64   `json:"ema_slow" yaml:"ema_slow"`
	RSI        float64   `json:"rsi" yaml:"rsi"`
	MACDHist   float64   `json:"macd_hist" yaml:"macd_hist"`
	ATR        float64   `json:"atr" yaml:"atr"`
}

// Action is the trading posture implied by confidence and risk/reward.
type Action string

const (
	ActionObserve     Action = "OBSERVE"
	ActionPendingOnly Action = "PENDING_ONLY"
	ActionWaitRR      Action = "WAIT_RR"
	ActionOpenOrScale Action = "OPEN_OR_SCALE"
)

// Draft is a scored trade idea that has not been risk checked.
type Draft struct {
	Instrument      string
	Direction       Direction
	Score           float64
	Confidence      int
	Level           string
	Action          Action
	Entry           float64
	StopLoss        float64
	TakeProfit      float64
	Volume          float64
	RiskRewardRatio float64
	GeneratedAt     time.Time
	TimeframesUsed  []Timeframe
}

// Instrument carries the venue's contract metadata for a symbol.
type Instrument struct {
	Symbol       string  `json:"symbol" yaml:"symbol"`
	ContractSize float64 `json:"contract_size" yaml:"contract_size"`
	MinVolume    float64 `json:"min_volume" yaml:"min_volume"`
	VolumeStep   float64 `json:"volume_step" yaml:"volume_step"`
	MaxVolume    float64 `json:"max_volume" yaml:"max_volume"`
	Precision    int32   `json:"precision" yaml:"precision"`

	// Overrides of the global settings for this symbol. Zero means unset.
	MinRiskReward   float64 `json:"min_risk_reward,omitempty" yaml:"min_risk_reward,omitempty"`
	RiskPerTradePct float64 `json:"risk_per_trade_pct,omitempty" yaml:"risk_per_trade_pct,omitempty"`
}

// RiskPct is the fraction of equity risked per trade on this instrument.
func (i Instrument) RiskPct(global float64) float64 {
	if i.RiskPerTradePct > 0 {
		return i.RiskPerTradePct
	}
	return global
}

// MinRR is the minimum risk/reward accepted on this instrument.
func (i Instrument) MinRR(global float64) float64 {
	if i.MinRiskReward > 0 {
		return i.MinRiskReward
	}
	return global
}
