package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-autopilot/internal/types"
)

const (
	ReasonTimeout     = "execution timeout"
	ReasonInterrupted = "execution interrupted"
)

var errPacing = errors.New("venue pacing wait exceeded deadline")

// Result is the terminal answer for one claimed idea. Unknown is set when
// the venue may or may not have accepted the order.
type Result struct {
	Outcome   types.Outcome
	OrderID   string
	FillPrice float64
	Reason    string
	Unknown   bool
	Attempts  int
}

// Gateway executes one claimed idea and always returns a terminal result.
type Gateway interface {
	Execute(ctx context.Context, idea *types.TradeIdea) Result
}

type AdapterConfig struct {
	Timeout           time.Duration
	MaxRetryElapsed   time.Duration
	InitialBackoff    time.Duration
	RequestsPerSecond float64
	Burst             int
}

func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Timeout:           10 * time.Second,
		MaxRetryElapsed:   5 * time.Second,
		InitialBackoff:    50 * time.Millisecond,
		RequestsPerSecond: 5,
		Burst:             1,
	}
}

// Adapter turns a Venue into a Gateway: it paces calls, retries transient
// transport errors within the single attempt and bounds the whole call.
type Adapter struct {
	venue   Venue
	cfg     AdapterConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewAdapter(venue Venue, cfg AdapterConfig) *Adapter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 50 * time.Millisecond
	}
	return &Adapter{
		venue:   venue,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.With().Str("component", "execution_gateway").Logger(),
	}
}

func (a *Adapter) Execute(ctx context.Context, idea *types.TradeIdea) Result {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	order := Order{
		ClientOrderID: idea.ID,
		Instrument:    idea.Instrument,
		Direction:     idea.Direction,
		Volume:        idea.Volume,
		Price:         idea.Entry,
		StopLoss:      idea.StopLoss,
		TakeProfit:    idea.TakeProfit,
	}
	logger := a.logger.With().Str("idea_id", idea.ID).Str("instrument", idea.Instrument).Logger()

	var (
		fill     *Fill
		attempts int
		sent     bool
	)
	op := func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", errPacing, err))
		}
		attempts++
		sent = true
		f, err := a.venue.PlaceOrder(ctx, order)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				logger.Warn().Err(err).Int("attempt", attempts).Msg("transient venue error, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		fill = f
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	b.MaxElapsedTime = a.cfg.MaxRetryElapsed
	err := backoff.Retry(op, backoff.WithContext(b, ctx))

	res := classify(ctx, fill, err)
	res.Attempts = attempts
	if res.Outcome == types.OutcomeError && !sent {
		// Nothing reached the venue, so the outcome is known.
		res.Unknown = false
	}

	event := logger.Info()
	if res.Outcome != types.OutcomeFilled {
		event = logger.Warn()
	}
	event.
		Str("outcome", string(res.Outcome)).
		Str("order_id", res.OrderID).
		Float64("fill_price", res.FillPrice).
		Str("reason", res.Reason).
		Bool("unknown", res.Unknown).
		Int("attempts", attempts).
		Msg("execution finished")
	return res
}

func classify(ctx context.Context, fill *Fill, err error) Result {
	if err == nil && fill != nil {
		return Result{Outcome: types.OutcomeFilled, OrderID: fill.OrderID, FillPrice: fill.Price}
	}

	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return Result{Outcome: types.OutcomeRejected, Reason: rejected.Reason}
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded), errors.Is(err, errPacing):
		return Result{Outcome: types.OutcomeError, Reason: ReasonTimeout, Unknown: true}
	case errors.Is(err, context.Canceled):
		return Result{Outcome: types.OutcomeError, Reason: ReasonInterrupted, Unknown: true}
	case errors.Is(err, ErrTransient):
		// Every attempt failed before the venue accepted anything.
		return Result{Outcome: types.OutcomeError, Reason: err.Error()}
	case err == nil:
		return Result{Outcome: types.OutcomeError, Reason: "venue returned no fill"}
	default:
		return Result{Outcome: types.OutcomeError, Reason: err.Error()}
	}
}
