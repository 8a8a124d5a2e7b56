package features

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/ksred/klear-autopilot/internal/types"
)

var ErrNoData = errors.New("no feature data for instrument")

// Source supplies the latest indicator snapshot per timeframe. Indicator
// math lives behind it.
type Source interface {
	Fetch(ctx context.Context, instrument string, timeframes []types.Timeframe) (map[types.Timeframe]types.Snapshot, error)
}

// Static serves fixed snapshots. Tests and replays set them directly.
type Static struct {
	mu   sync.RWMutex
	data map[string]map[types.Timeframe]types.Snapshot
	errs map[string]error
}

func NewStatic() *Static {
	return &Static{
		data: make(map[string]map[types.Timeframe]types.Snapshot),
		errs: make(map[string]error),
	}
}

// Set replaces the snapshots for an instrument.
func (s *Static) Set(instrument string, snaps ...types.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[types.Timeframe]types.Snapshot, len(snaps))
	for _, snap := range snaps {
		m[snap.Timeframe] = snap
	}
	s.data[instrument] = m
	delete(s.errs, instrument)
}

// Fail makes Fetch return err for the instrument until Set is called again.
func (s *Static) Fail(instrument string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[instrument] = err
}

func (s *Static) Fetch(ctx context.Context, instrument string, timeframes []types.Timeframe) (map[types.Timeframe]types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.errs[instrument]; err != nil {
		return nil, err
	}
	m, ok := s.data[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoData, instrument)
	}

	out := make(map[types.Timeframe]types.Snapshot, len(timeframes))
	for _, tf := range timeframes {
		if snap, ok := m[tf]; ok {
			out[tf] = snap
		}
	}
	return out, nil
}

var timeframeDurations = map[types.Timeframe]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D1":  24 * time.Hour,
}

// Synthetic derives snapshots from a deterministic price path per
// instrument. Each timeframe looks back over its own horizon, so long tiers
// trend while short tiers chop. It stands in for a market data feed in local
// runs and the simulate command.
type Synthetic struct {
	base  map[string]float64
	clock func() time.Time
}

func NewSynthetic(basePrices map[string]float64, clock func() time.Time) *Synthetic {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Synthetic{base: basePrices, clock: clock}
}

func (s *Synthetic) Fetch(ctx context.Context, instrument string, timeframes []types.Timeframe) (map[types.Timeframe]types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, ok := s.base[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoData, instrument)
	}

	now := s.clock()
	seed := seedFor(instrument)
	out := make(map[types.Timeframe]types.Snapshot, len(timeframes))
	for _, tf := range timeframes {
		span, ok := timeframeDurations[tf]
		if !ok {
			return nil, fmt.Errorf("unsupported timeframe %s", tf)
		}
		bar := now.Truncate(span)
		price := s.price(base, seed, bar)
		fast := s.price(base, seed, bar.Add(-3*span))
		slow := s.price(base, seed, bar.Add(-12*span))
		prev := s.price(base, seed, bar.Add(-span))

		// Momentum proxies from the same path.
		change := (price - slow) / slow
		rsi := 50 + 50*math.Tanh(change*200)
		atr := math.Abs(price-prev) + base*0.0008*math.Sqrt(span.Hours()+0.25)

		out[tf] = types.Snapshot{
			Instrument: instrument,
			Timeframe:  tf,
			Time:       bar,
			Close:      price,
			EMAFast:    (price + fast) / 2,
			EMASlow:    (price + fast + slow) / 3,
			RSI:        rsi,
			MACDHist:   price - fast,
			ATR:        atr,
		}
	}
	return out, nil
}

// price is a sum of slow and fast waves around base. The slow wave has a
// period of about nine days so daily tiers keep a direction for a while.
func (s *Synthetic) price(base float64, seed uint32, at time.Time) float64 {
	hours := float64(at.Unix()) / 3600
	phase := float64(seed%360) * math.Pi / 180
	slow := math.Sin(hours/36+phase) * 0.012
	mid := math.Sin(hours/5+phase*2) * 0.003
	fast := math.Sin(hours*1.7+phase*3) * 0.0008
	return base * (1 + slow + mid + fast)
}

func seedFor(instrument string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(instrument))
	return h.Sum32()
}
