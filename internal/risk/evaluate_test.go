package risk

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-autopilot/internal/types"
)

var eurusd = types.Instrument{
	Symbol:       "EUR_USD",
	ContractSize: 100000,
	MinVolume:    0.01,
	VolumeStep:   0.01,
	MaxVolume:    10,
	Precision:    5,
}

func testBudget() types.RiskBudget {
	return types.RiskBudget{
		AccountID:                 "ACC-TEST",
		DailyLossLimit:            1000,
		SessionStart:              "00:00",
		SessionEnd:                "00:00",
		Timezone:                  "UTC",
		MaxConcurrentPositions:    3,
		MaxPositionsPerInstrument: 1,
		PerInstrumentVolumeCap:    5,
		RiskPerTradePct:           0.01,
		AccountEquity:             100000,
	}
}

func longDraft(entry, stop float64, volume float64) types.Draft {
	return types.Draft{
		Instrument: "EUR_USD",
		Direction:  types.Long,
		Confidence: 85,
		Entry:      entry,
		StopLoss:   stop,
		TakeProfit: entry + 2*(entry-stop),
		Volume:     volume,
	}
}

var noon = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestEvaluateRejectsWhenDailyLossLimitWouldBeExceeded(t *testing.T) {
	t.Parallel()

	b := testBudget()
	b.DailyRealizedLoss = 950 // 95% of the limit

	// 0.001 stop distance on one standard lot is a 100 worst case, 10% of the limit.
	d := Evaluate(b, eurusd, longDraft(1.1000, 1.0990, 1), Exposure{}, noon)

	assert.False(t, d.Allowed)
	assert.True(t, d.Has(CodeDailyLossLimit))
	assert.Contains(t, d.Reason(), "daily loss limit")
	assert.InDelta(t, 100, d.WorstCaseLoss, 1e-9)
}

func TestEvaluateAcceptsWithinBudget(t *testing.T) {
	t.Parallel()

	b := testBudget()
	b.DailyRealizedLoss = 850

	d := Evaluate(b, eurusd, longDraft(1.1000, 1.0990, 1), Exposure{}, noon)
	require.True(t, d.Allowed, d.Reason())
	assert.InDelta(t, 1, d.Volume, 1e-9)
	assert.InDelta(t, 100, d.WorstCaseLoss, 1e-9)
	assert.InDelta(t, 1000, d.RiskAmount, 1e-9)
	assert.Empty(t, d.Violations)
}

func TestEvaluateCountsCommittedExposure(t *testing.T) {
	t.Parallel()

	b := testBudget()
	b.MaxPositionsPerInstrument = 5
	exp := Exposure{ReservedLoss: 600, OpenLoss: 350, Positions: 2, ByInstrument: map[string]int{}}

	d := Evaluate(b, eurusd, longDraft(1.1000, 1.0990, 1), exp, noon)
	assert.False(t, d.Allowed)
	assert.True(t, d.Has(CodeDailyLossLimit))
}

func TestEvaluatePositionCaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		exp  Exposure
		code string
	}{
		{
			name: "aggregate cap",
			exp:  Exposure{Positions: 3, ByInstrument: map[string]int{"GBP_USD": 3}},
			code: CodeMaxConcurrentPositions,
		},
		{
			name: "instrument cap",
			exp:  Exposure{Positions: 1, ByInstrument: map[string]int{"EUR_USD": 1}},
			code: CodeInstrumentPositionCap,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Evaluate(testBudget(), eurusd, longDraft(1.1000, 1.0990, 1), tt.exp, noon)
			assert.False(t, d.Allowed)
			assert.True(t, d.Has(tt.code), d.Reason())
		})
	}
}

func TestEvaluateOutsideSession(t *testing.T) {
	t.Parallel()

	b := testBudget()
	b.SessionStart = "08:00"
	b.SessionEnd = "17:00"

	d := Evaluate(b, eurusd, longDraft(1.1000, 1.0990, 1), Exposure{}, time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC))
	assert.False(t, d.Allowed)
	assert.True(t, d.Has(CodeOutsideSession))
}

func TestEvaluateRejectsUndersizedVolume(t *testing.T) {
	t.Parallel()

	b := testBudget()
	b.AccountEquity = 1000
	b.RiskPerTradePct = 0.001

	// 1 unit of risk against 1000 per lot sizes to 0.001 lots, below the 0.01 minimum.
	d := Evaluate(b, eurusd, longDraft(1.1000, 1.0900, 1), Exposure{}, noon)
	assert.False(t, d.Allowed)
	assert.True(t, d.Has(CodeVolumeBelowMinimum))
	assert.Zero(t, d.Volume)
}

func TestEvaluateRejectsZeroStopDistance(t *testing.T) {
	t.Parallel()

	d := Evaluate(testBudget(), eurusd, longDraft(1.1, 1.1, 1), Exposure{}, noon)
	assert.False(t, d.Allowed)
	assert.True(t, d.Has(CodeInvalidStop))
}

func TestSizeVolumeOnlyReduces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		requested float64
		cap       float64
		stop      float64
		want      float64
	}{
		{name: "requested is smallest", requested: 0.5, cap: 5, stop: 1.0970, want: 0.5},
		{name: "instrument cap", requested: 8, cap: 2, stop: 1.0990, want: 2},
		{name: "risk sized and floored to step", requested: 5, cap: 10, stop: 1.0970, want: 3.33},
		{name: "zero request uses instrument max", requested: 0, cap: 0, stop: 1.0900, want: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := testBudget()
			b.PerInstrumentVolumeCap = tt.cap
			got := SizeVolume(b, eurusd, longDraft(1.1000, tt.stop, tt.requested))
			assert.InDelta(t, tt.want, got, 1e-9)
			if tt.requested > 0 {
				assert.LessOrEqual(t, got, tt.requested)
			}
		})
	}
}

func TestInSession(t *testing.T) {
	t.Parallel()

	at := func(h, m int) time.Time { return time.Date(2024, 1, 15, h, m, 0, 0, time.UTC) }

	day := testBudget()
	day.SessionStart, day.SessionEnd = "08:00", "17:00"

	overnight := testBudget()
	overnight.SessionStart, overnight.SessionEnd = "22:00", "06:00"

	newYork := testBudget()
	newYork.SessionStart, newYork.SessionEnd, newYork.Timezone = "08:00", "17:00", "America/New_York"

	tests := []struct {
		name   string
		budget types.RiskBudget
		now    time.Time
		want   bool
	}{
		{"before open", day, at(7, 59), false},
		{"at open", day, at(8, 0), true},
		{"before close", day, at(16, 59), true},
		{"at close", day, at(17, 0), false},
		{"wrap evening", overnight, at(23, 0), true},
		{"wrap early morning", overnight, at(5, 59), true},
		{"wrap at close", overnight, at(6, 0), false},
		{"wrap midday", overnight, at(12, 0), false},
		{"always open", testBudget(), at(3, 0), true},
		{"timezone open", newYork, at(13, 0), true},
		{"timezone closed", newYork, at(12, 59), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, InSession(tt.budget, tt.now), tt.name)
	}
}

func TestLastSessionStart(t *testing.T) {
	t.Parallel()

	b := testBudget()
	b.SessionStart, b.SessionEnd = "22:00", "06:00"

	got := LastSessionStart(b, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	assert.True(t, got.Equal(time.Date(2024, 1, 14, 22, 0, 0, 0, time.UTC)), got.String())

	got = LastSessionStart(b, time.Date(2024, 1, 15, 23, 0, 0, 0, time.UTC))
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 22, 0, 0, 0, time.UTC)), got.String())
}

func TestInstrumentRiskPerTradeOverride(t *testing.T) {
	t.Parallel()

	b := testBudget()
	cautious := eurusd
	cautious.RiskPerTradePct = 0.005

	// 500 of risk against 300 per lot.
	assert.InDelta(t, 1.66, SizeVolume(b, cautious, longDraft(1.1000, 1.0970, 5)), 1e-12)
	assert.InDelta(t, 3.33, SizeVolume(b, eurusd, longDraft(1.1000, 1.0970, 5)), 1e-12)

	d := Evaluate(b, cautious, longDraft(1.1000, 1.0970, 5), Exposure{}, noon)
	assert.Equal(t, 500.0, d.RiskAmount)
	assert.InDelta(t, 498, d.WorstCaseLoss, 1e-9)
}
