package risk

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-autopilot/internal/types"
)

// SizeVolume returns the largest volume that satisfies the requested size,
// the per-instrument cap, the instrument maximum and the risk-per-trade
// budget, floored to the instrument's volume step. It never sizes upward.
func SizeVolume(b types.RiskBudget, inst types.Instrument, draft types.Draft) float64 {
	vol := decimal.NewFromFloat(draft.Volume)
	if !vol.IsPositive() {
		vol = decimal.NewFromFloat(inst.MaxVolume)
	}

	limit := func(v float64) {
		if v <= 0 {
			return
		}
		if c := decimal.NewFromFloat(v); c.LessThan(vol) {
			vol = c
		}
	}
	limit(b.PerInstrumentVolumeCap)
	limit(inst.MaxVolume)

	dist := stopDistance(draft)
	pct := inst.RiskPct(b.RiskPerTradePct)
	if pct > 0 && b.AccountEquity > 0 && inst.ContractSize > 0 && dist.IsPositive() {
		perLot := dist.Mul(decimal.NewFromFloat(inst.ContractSize))
		sized := decimal.NewFromFloat(b.AccountEquity).
			Mul(decimal.NewFromFloat(pct)).
			Div(perLot)
		if sized.LessThan(vol) {
			vol = sized
		}
	}

	if inst.VolumeStep > 0 {
		step := decimal.NewFromFloat(inst.VolumeStep)
		vol = vol.Div(step).Floor().Mul(step)
	}
	if vol.IsNegative() {
		return 0
	}
	return vol.InexactFloat64()
}

// WorstCaseLoss is the account-currency loss if the stop is hit, rounded to
// cents.
func WorstCaseLoss(inst types.Instrument, draft types.Draft, volume float64) float64 {
	return stopDistance(draft).
		Mul(decimal.NewFromFloat(volume)).
		Mul(decimal.NewFromFloat(inst.ContractSize)).
		Round(2).
		InexactFloat64()
}
