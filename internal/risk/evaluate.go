package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-autopilot/internal/types"
)

const (
	CodeDailyLossLimit         = "DAILY_LOSS_LIMIT"
	CodeOutsideSession         = "OUTSIDE_SESSION"
	CodeInstrumentPositionCap  = "INSTRUMENT_POSITION_CAP"
	CodeMaxConcurrentPositions = "MAX_CONCURRENT_POSITIONS"
	CodeVolumeBelowMinimum     = "VOLUME_BELOW_MINIMUM"
	CodeInvalidStop            = "INVALID_STOP"
)

type Violation struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Decision is the risk verdict on one draft. Volume and WorstCaseLoss are
// the sized values the idea must be persisted with.
type Decision struct {
	Allowed       bool        `json:"allowed"`
	Volume        float64     `json:"volume"`
	WorstCaseLoss float64     `json:"worst_case_loss"`
	RiskAmount    float64     `json:"risk_amount"`
	Violations    []Violation `json:"violations,omitempty"`
}

// Reason joins the violation messages for audit and logs.
func (d Decision) Reason() string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Msg)
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether the decision carries a violation with the given code.
func (d Decision) Has(code string) bool {
	for _, v := range d.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Exposure is the committed risk the draft is evaluated against: open
// positions plus ideas that passed risk but have not executed yet.
type Exposure struct {
	ReservedLoss float64
	OpenLoss     float64
	Positions    int
	ByInstrument map[string]int
}

// Evaluate checks a draft against the budget. It has no side effects.
func Evaluate(b types.RiskBudget, inst types.Instrument, draft types.Draft, exp Exposure, now time.Time) Decision {
	var d Decision
	add := func(code, format string, args ...interface{}) {
		d.Violations = append(d.Violations, Violation{Code: code, Msg: fmt.Sprintf(format, args...)})
	}

	if !InSession(b, now) {
		add(CodeOutsideSession, "outside trading session %s-%s %s", b.SessionStart, b.SessionEnd, b.Timezone)
	}

	dist := stopDistance(draft)
	if dist.IsZero() {
		add(CodeInvalidStop, "stop loss equals entry")
		return d
	}

	d.RiskAmount = riskAmount(b, inst)
	d.Volume = SizeVolume(b, inst, draft)
	d.WorstCaseLoss = WorstCaseLoss(inst, draft, d.Volume)

	if d.Volume < inst.MinVolume {
		add(CodeVolumeBelowMinimum, "sized volume %.4f below instrument minimum %.4f", d.Volume, inst.MinVolume)
	}

	committed := b.DailyRealizedLoss + exp.ReservedLoss + exp.OpenLoss
	if committed+d.WorstCaseLoss > b.DailyLossLimit {
		add(CodeDailyLossLimit, "daily loss limit %.2f would be exceeded: committed %.2f, trade worst case %.2f",
			b.DailyLossLimit, committed, d.WorstCaseLoss)
	}

	if b.MaxConcurrentPositions > 0 && exp.Positions+1 > b.MaxConcurrentPositions {
		add(CodeMaxConcurrentPositions, "max concurrent positions %d reached", b.MaxConcurrentPositions)
	}
	if b.MaxPositionsPerInstrument > 0 && exp.ByInstrument[draft.Instrument]+1 > b.MaxPositionsPerInstrument {
		add(CodeInstrumentPositionCap, "position cap %d reached for %s", b.MaxPositionsPerInstrument, draft.Instrument)
	}

	d.Allowed = len(d.Violations) == 0
	return d
}

func stopDistance(draft types.Draft) decimal.Decimal {
	return decimal.NewFromFloat(draft.Entry).Sub(decimal.NewFromFloat(draft.StopLoss)).Abs()
}

func riskAmount(b types.RiskBudget, inst types.Instrument) float64 {
	return decimal.NewFromFloat(b.AccountEquity).
		Mul(decimal.NewFromFloat(inst.RiskPct(b.RiskPerTradePct))).
		Round(2).
		InexactFloat64()
}
