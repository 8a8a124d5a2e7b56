package signal

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-autopilot/internal/types"
)

var (
	ErrMissingTimeframe = errors.New("missing timeframe snapshot")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
)

// Tier is one analysed timeframe and the weight of its vote.
type Tier struct {
	Timeframe types.Timeframe
	Weight    float64
}

type Config struct {
	// Tiers are ordered shortest to longest. Entry and ATR come from the first.
	Tiers                 []Tier
	MinConfidence         int
	DisagreementTolerance float64
	StopATRMultiple       float64
	TakeProfitATRMultiple float64
	MinRiskReward         float64
	RSIOverbought         float64
	RSIOversold           float64
}

func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{Timeframe: "M15", Weight: 1},
			{Timeframe: "H1", Weight: 2},
			{Timeframe: "H4", Weight: 3},
			{Timeframe: "D1", Weight: 4},
		},
		MinConfidence:         60,
		DisagreementTolerance: 0.25,
		StopATRMultiple:       1.2,
		TakeProfitATRMultiple: 2.4,
		MinRiskReward:         2.0,
		RSIOverbought:         70,
		RSIOversold:           30,
	}
}

// Outcome is the result of one generation. Draft is nil when the signal was
// discarded; Reason then says why.
type Outcome struct {
	Draft  *types.Draft
	Score  float64
	Reason string
}

type Generator struct {
	cfg Config
}

func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg}
}

func (g *Generator) Config() Config {
	return g.cfg
}

// Timeframes returns the analysed timeframes, shortest first.
func (g *Generator) Timeframes() []types.Timeframe {
	out := make([]types.Timeframe, len(g.cfg.Tiers))
	for i, t := range g.cfg.Tiers {
		out[i] = t.Timeframe
	}
	return out
}

// Generate scores the snapshots and builds a draft. It performs no I/O and
// returns the same outcome for the same inputs.
func (g *Generator) Generate(inst types.Instrument, snapshots map[types.Timeframe]types.Snapshot) (Outcome, error) {
	if len(g.cfg.Tiers) == 0 {
		return Outcome{}, errors.New("signal generator has no timeframes configured")
	}

	votes := make([]float64, len(g.cfg.Tiers))
	var totalWeight, weighted float64
	for i, tier := range g.cfg.Tiers {
		snap, ok := snapshots[tier.Timeframe]
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s %s", ErrMissingTimeframe, inst.Symbol, tier.Timeframe)
		}
		if err := validate(snap); err != nil {
			return Outcome{}, fmt.Errorf("%w: %s %s: %v", ErrInvalidSnapshot, inst.Symbol, tier.Timeframe, err)
		}
		votes[i] = g.vote(snap)
		totalWeight += tier.Weight
		weighted += tier.Weight * votes[i]
	}

	score := weighted / totalWeight
	out := Outcome{Score: score}
	if score == 0 {
		out.Reason = "no dominant direction"
		return out, nil
	}

	dir := types.Long
	if score < 0 {
		dir = types.Short
	}

	var against float64
	var used []types.Timeframe
	for i, tier := range g.cfg.Tiers {
		switch {
		case votes[i]*dir.Sign() > 0:
			used = append(used, tier.Timeframe)
		case votes[i]*dir.Sign() < 0:
			against += tier.Weight
		}
	}
	if against/totalWeight > g.cfg.DisagreementTolerance {
		out.Reason = fmt.Sprintf("timeframes disagree: %.0f%% of weight against %s", 100*against/totalWeight, dir)
		return out, nil
	}

	confidence := int(math.Round(math.Abs(score) * 100))
	if confidence < g.cfg.MinConfidence {
		out.Reason = fmt.Sprintf("confidence %d below minimum %d", confidence, g.cfg.MinConfidence)
		return out, nil
	}

	base := snapshots[g.cfg.Tiers[0].Timeframe]
	entry := decimal.NewFromFloat(base.Close)
	atr := decimal.NewFromFloat(base.ATR)
	sign := decimal.NewFromFloat(dir.Sign())

	stop := entry.Sub(sign.Mul(atr).Mul(decimal.NewFromFloat(g.cfg.StopATRMultiple))).Round(inst.Precision)
	target := entry.Add(sign.Mul(atr).Mul(decimal.NewFromFloat(g.cfg.TakeProfitATRMultiple))).Round(inst.Precision)
	entry = entry.Round(inst.Precision)

	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		out.Reason = "stop distance rounds to zero"
		return out, nil
	}
	rr := target.Sub(entry).Abs().Div(risk).Round(2)

	minRR := inst.MinRR(g.cfg.MinRiskReward)
	action := g.action(confidence, rr.InexactFloat64(), minRR)
	if rr.LessThan(decimal.NewFromFloat(minRR)) {
		out.Reason = fmt.Sprintf("risk/reward %s below minimum %.2f (%s)", rr.StringFixed(2), minRR, action)
		return out, nil
	}

	out.Draft = &types.Draft{
		Instrument:      inst.Symbol,
		Direction:       dir,
		Score:           score,
		Confidence:      confidence,
		Level:           Level(confidence),
		Action:          action,
		Entry:           entry.InexactFloat64(),
		StopLoss:        stop.InexactFloat64(),
		TakeProfit:      target.InexactFloat64(),
		Volume:          inst.MaxVolume,
		RiskRewardRatio: rr.InexactFloat64(),
		GeneratedAt:     base.Time.UTC(),
		TimeframesUsed:  used,
	}
	return out, nil
}

// vote is the trend sign, halved when MACD disagrees and halved again when
// RSI is stretched against the trend.
func (g *Generator) vote(s types.Snapshot) float64 {
	var v float64
	switch {
	case s.EMAFast > s.EMASlow:
		v = 1
	case s.EMAFast < s.EMASlow:
		v = -1
	default:
		return 0
	}

	if s.MACDHist*v < 0 {
		v /= 2
	}
	if v > 0 && g.cfg.RSIOverbought > 0 && s.RSI > g.cfg.RSIOverbought {
		v /= 2
	}
	if v < 0 && g.cfg.RSIOversold > 0 && s.RSI < g.cfg.RSIOversold {
		v /= 2
	}
	return v
}

func (g *Generator) action(confidence int, rr, minRR float64) types.Action {
	switch {
	case confidence < 60:
		return types.ActionObserve
	case confidence < 75:
		return types.ActionPendingOnly
	case rr < minRR:
		return types.ActionWaitRR
	default:
		return types.ActionOpenOrScale
	}
}

// Level labels a confidence score.
func Level(confidence int) string {
	switch {
	case confidence >= 75:
		return "HIGH"
	case confidence >= 60:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func validate(s types.Snapshot) error {
	switch {
	case s.Time.IsZero():
		return errors.New("zero timestamp")
	case !(s.Close > 0) || math.IsInf(s.Close, 0):
		return fmt.Errorf("close %v must be positive", s.Close)
	case !(s.ATR > 0) || math.IsInf(s.ATR, 0):
		return fmt.Errorf("atr %v must be positive", s.ATR)
	case math.IsNaN(s.EMAFast) || math.IsNaN(s.EMASlow) || math.IsNaN(s.RSI) || math.IsNaN(s.MACDHist):
		return errors.New("indicator is NaN")
	}
	return nil
}
