// Package simulation drives the autopilot over a stepped clock: it runs
// cycles, plays the operator for undecided ideas and closes positions at
// the source's later prices so realized losses accrue against the budget.
package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-autopilot/internal/app"
	"github.com/ksred/klear-autopilot/internal/features"
	"github.com/ksred/klear-autopilot/internal/types"
)

const Actor = "simulator"

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{t: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type Options struct {
	Cycles int
	Step   time.Duration
	// ApprovePending approves ideas left PENDING after a cycle; otherwise
	// they are rejected so the instrument frees up.
	ApprovePending bool
	// PriceTimeframe is the snapshot whose close marks open positions.
	PriceTimeframe types.Timeframe
}

type Summary struct {
	Cycles       int                  `json:"cycles"`
	Created      int                  `json:"created"`
	Discarded    int                  `json:"discarded"`
	RiskRejected int                  `json:"risk_rejected"`
	ScanErrors   int                  `json:"scan_errors"`
	Approved     int                  `json:"approved"`
	Rejected     int                  `json:"rejected"`
	Executed     int                  `json:"executed"`
	Failed       int                  `json:"failed"`
	Closed       int                  `json:"closed"`
	Wins         int                  `json:"wins"`
	Losses       int                  `json:"losses"`
	RealizedPnL  float64              `json:"realized_pnl"`
	ByInstrument map[string]int       `json:"by_instrument"`
	Budget       types.BudgetResponse `json:"budget"`
	Duration     time.Duration        `json:"duration"`
}

type Runner struct {
	app    *app.App
	source features.Source
	clock  *Clock
	opts   Options
	logger zerolog.Logger
}

// NewRunner builds a runner. source must be the one the app scans with, and
// the app must be built with app.WithClock(clock.Now) so sessions, rollover
// and expiry follow simulated time.
func NewRunner(a *app.App, source features.Source, clock *Clock, opts Options) *Runner {
	if opts.Cycles <= 0 {
		opts.Cycles = 1
	}
	if opts.Step <= 0 {
		opts.Step = time.Hour
	}
	if opts.PriceTimeframe == "" {
		opts.PriceTimeframe = "M15"
	}
	return &Runner{
		app:    a,
		source: source,
		clock:  clock,
		opts:   opts,
		logger: log.With().Str("component", "simulation").Logger(),
	}
}

func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{ByInstrument: make(map[string]int)}

	for i := 0; i < r.opts.Cycles; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		rep := r.app.Scheduler.RunCycle(ctx, "")
		sum.Cycles++
		sum.Created += rep.Created
		sum.Discarded += rep.Discarded
		sum.RiskRejected += rep.RiskRejected
		sum.ScanErrors += rep.ScanErrors
		sum.Executed += rep.Executed
		sum.Failed += rep.Failed

		if err := r.decidePending(ctx, &sum); err != nil {
			return sum, err
		}

		r.clock.Advance(r.opts.Step)

		if err := r.closePositions(ctx, &sum); err != nil {
			return sum, err
		}

		r.logger.Debug().
			Int("cycle", i+1).
			Time("sim_time", r.clock.Now()).
			Int("created", rep.Created).
			Int("executed", rep.Executed).
			Msg("simulated cycle")
	}

	executed, err := r.app.Ideas.ListByState(ctx, types.StateExecuted)
	if err != nil {
		return sum, fmt.Errorf("list executed ideas: %w", err)
	}
	for _, idea := range executed {
		sum.ByInstrument[idea.Instrument]++
	}

	sum.Budget = r.app.Service.GetRiskBudget()
	sum.Duration = time.Since(start)
	return sum, nil
}

func (r *Runner) decidePending(ctx context.Context, sum *Summary) error {
	pending, err := r.app.Queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending ideas: %w", err)
	}
	for _, idea := range pending {
		if r.opts.ApprovePending {
			if _, err := r.app.Service.ApproveIdea(ctx, idea.ID, Actor); err != nil {
				return fmt.Errorf("approve %s: %w", idea.ID, err)
			}
			sum.Approved++
			continue
		}
		if _, err := r.app.Service.RejectIdea(ctx, idea.ID, Actor, "not auto-approved"); err != nil {
			return fmt.Errorf("reject %s: %w", idea.ID, err)
		}
		sum.Rejected++
	}
	return nil
}

// closePositions exits every open position at the current mark, bounded by
// its stop loss and take profit.
func (r *Runner) closePositions(ctx context.Context, sum *Summary) error {
	executed, err := r.app.Ideas.ListByState(ctx, types.StateExecuted)
	if err != nil {
		return fmt.Errorf("list executed ideas: %w", err)
	}
	index := r.app.Config.InstrumentIndex()

	for _, idea := range executed {
		if !r.app.Risk.IsOpen(idea.ID) {
			continue
		}
		snaps, err := r.source.Fetch(ctx, idea.Instrument, []types.Timeframe{r.opts.PriceTimeframe})
		if err != nil {
			r.logger.Warn().Err(err).Str("instrument", idea.Instrument).Msg("no mark price, position stays open")
			continue
		}
		snap, ok := snaps[r.opts.PriceTimeframe]
		if !ok {
			continue
		}

		pnl := PnL(&idea, index[idea.Instrument], snap.Close)
		if _, err := r.app.Service.RecordPositionClosed(ctx, idea.ID, pnl); err != nil {
			return fmt.Errorf("close %s: %w", idea.ID, err)
		}
		sum.Closed++
		sum.RealizedPnL = decimal.NewFromFloat(sum.RealizedPnL).Add(decimal.NewFromFloat(pnl)).Round(2).InexactFloat64()
		switch {
		case pnl > 0:
			sum.Wins++
		case pnl < 0:
			sum.Losses++
		}
	}
	return nil
}

// ExitPrice clamps mark to the idea's protective levels.
func ExitPrice(idea *types.TradeIdea, mark float64) float64 {
	lo, hi := idea.StopLoss, idea.TakeProfit
	if idea.Direction == types.Short {
		lo, hi = idea.TakeProfit, idea.StopLoss
	}
	switch {
	case mark < lo:
		return lo
	case mark > hi:
		return hi
	}
	return mark
}

// PnL is the realized profit of closing the idea's fill at mark, rounded
// to cents.
func PnL(idea *types.TradeIdea, inst types.Instrument, mark float64) float64 {
	fill := idea.Execution.FillPrice
	if fill == 0 {
		fill = idea.Entry
	}
	move := decimal.NewFromFloat(ExitPrice(idea, mark)).Sub(decimal.NewFromFloat(fill))
	return move.
		Mul(decimal.NewFromFloat(idea.Direction.Sign())).
		Mul(decimal.NewFromFloat(idea.Volume)).
		Mul(decimal.NewFromFloat(inst.ContractSize)).
		Round(2).
		InexactFloat64()
}
