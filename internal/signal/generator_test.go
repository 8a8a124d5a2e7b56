package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-autopilot/internal/types"
)

var eurusd = types.Instrument{
	Symbol:       "EUR_USD",
	ContractSize: 100000,
	MinVolume:    0.01,
	VolumeStep:   0.01,
	MaxVolume:    2,
	Precision:    5,
}

var barTime = time.Date(2024, 3, 4, 10, 15, 0, 0, time.UTC)

// trend builds one snapshot: dir > 0 is an up trend, dir < 0 down, 0 flat.
func trend(tf types.Timeframe, dir int) types.Snapshot {
	s := types.Snapshot{
		Instrument: "EUR_USD",
		Timeframe:  tf,
		Time:       barTime,
		Close:      1.085,
		EMAFast:    1.084,
		EMASlow:    1.084,
		RSI:        55,
		ATR:        0.001,
	}
	switch {
	case dir > 0:
		s.EMAFast, s.MACDHist = 1.0845, 0.0002
	case dir < 0:
		s.EMAFast, s.MACDHist, s.RSI = 1.0835, -0.0002, 45
	}
	return s
}

func snapshots(m15, h1, h4, d1 int) map[types.Timeframe]types.Snapshot {
	return map[types.Timeframe]types.Snapshot{
		"M15": trend("M15", m15),
		"H1":  trend("H1", h1),
		"H4":  trend("H4", h4),
		"D1":  trend("D1", d1),
	}
}

func TestGenerateAllTimeframesAgreeLong(t *testing.T) {
	t.Parallel()

	out, err := NewGenerator(DefaultConfig()).Generate(eurusd, snapshots(1, 1, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, out.Draft, out.Reason)

	d := out.Draft
	assert.Equal(t, types.Long, d.Direction)
	assert.GreaterOrEqual(t, d.Confidence, 80)
	assert.Equal(t, 100, d.Confidence)
	assert.Equal(t, "HIGH", d.Level)
	assert.Equal(t, types.ActionOpenOrScale, d.Action)
	assert.InDelta(t, 1.085, d.Entry, 1e-12)
	assert.InDelta(t, 1.0838, d.StopLoss, 1e-12, "stop is 1.2 ATR below entry")
	assert.InDelta(t, 1.0874, d.TakeProfit, 1e-12)
	assert.InDelta(t, 2.0, d.RiskRewardRatio, 1e-12)
	assert.InDelta(t, 2.0, d.Volume, 1e-12)
	assert.Equal(t, []types.Timeframe{"M15", "H1", "H4", "D1"}, d.TimeframesUsed)
	assert.True(t, d.GeneratedAt.Equal(barTime))
}

func TestGenerateShort(t *testing.T) {
	t.Parallel()

	out, err := NewGenerator(DefaultConfig()).Generate(eurusd, snapshots(-1, -1, -1, -1))
	require.NoError(t, err)
	require.NotNil(t, out.Draft, out.Reason)
	assert.Equal(t, types.Short, out.Draft.Direction)
	assert.Greater(t, out.Draft.StopLoss, out.Draft.Entry)
	assert.Less(t, out.Draft.TakeProfit, out.Draft.Entry)
}

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultConfig())
	in := snapshots(0, 1, 1, 1)

	first, err := g.Generate(eurusd, in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := g.Generate(eurusd, in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestGenerateDiscards(t *testing.T) {
	t.Parallel()

	lowRR := DefaultConfig()
	lowRR.TakeProfitATRMultiple = 1.8

	macdAgainst := snapshots(1, 1, 1, 1)
	for tf, s := range macdAgainst {
		s.MACDHist = -0.0001
		macdAgainst[tf] = s
	}

	tests := []struct {
		name   string
		cfg    Config
		in     map[types.Timeframe]types.Snapshot
		reason string
	}{
		{"flat market", DefaultConfig(), snapshots(0, 0, 0, 0), "no dominant direction"},
		{"short tiers against long tiers", DefaultConfig(), snapshots(-1, -1, 1, 1), "disagree"},
		{"weak confluence", DefaultConfig(), macdAgainst, "confidence 50 below minimum 60"},
		{"risk reward too low", lowRR, snapshots(1, 1, 1, 1), "risk/reward 1.50"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := NewGenerator(tt.cfg).Generate(eurusd, tt.in)
			require.NoError(t, err)
			assert.Nil(t, out.Draft)
			assert.Contains(t, out.Reason, tt.reason)
		})
	}
}

func TestGeneratePartialAgreement(t *testing.T) {
	t.Parallel()

	out, err := NewGenerator(DefaultConfig()).Generate(eurusd, snapshots(0, 1, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, out.Draft, out.Reason)
	assert.Equal(t, 90, out.Draft.Confidence)
	assert.Equal(t, []types.Timeframe{"H1", "H4", "D1"}, out.Draft.TimeframesUsed)
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultConfig())

	missing := snapshots(1, 1, 1, 1)
	delete(missing, "H4")
	_, err := g.Generate(eurusd, missing)
	assert.ErrorIs(t, err, ErrMissingTimeframe)

	bad := snapshots(1, 1, 1, 1)
	s := bad["M15"]
	s.Close = 0
	bad["M15"] = s
	_, err = g.Generate(eurusd, bad)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	noATR := snapshots(1, 1, 1, 1)
	s = noATR["D1"]
	s.ATR = -1
	noATR["D1"] = s
	_, err = g.Generate(eurusd, noATR)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestVote(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultConfig())

	up := trend("H1", 1)
	assert.Equal(t, 1.0, g.vote(up))

	up.MACDHist = -0.1
	assert.Equal(t, 0.5, g.vote(up))

	up.RSI = 80
	assert.Equal(t, 0.25, g.vote(up))

	down := trend("H1", -1)
	down.RSI = 20
	assert.Equal(t, -0.5, g.vote(down))

	assert.Equal(t, 0.0, g.vote(trend("H1", 0)))
}

func TestLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HIGH", Level(75))
	assert.Equal(t, "MEDIUM", Level(74))
	assert.Equal(t, "MEDIUM", Level(60))
	assert.Equal(t, "LOW", Level(59))
}

func TestGenerateUsesInstrumentMinRiskReward(t *testing.T) {
	t.Parallel()

	strict := eurusd
	strict.MinRiskReward = 2.5
	out, err := NewGenerator(DefaultConfig()).Generate(strict, snapshots(1, 1, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, out.Draft)
	assert.Contains(t, out.Reason, "below minimum 2.50")
	assert.Contains(t, out.Reason, string(types.ActionWaitRR))

	// A looser symbol override beats a stricter global minimum.
	cfg := DefaultConfig()
	cfg.MinRiskReward = 3
	loose := eurusd
	loose.MinRiskReward = 1.5
	out, err = NewGenerator(cfg).Generate(loose, snapshots(1, 1, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, out.Draft, out.Reason)
	assert.Equal(t, types.ActionOpenOrScale, out.Draft.Action)
}
