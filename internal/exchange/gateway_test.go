package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-autopilot/internal/types"
)

// scriptedVenue returns the scripted errors in order, then fills.
type scriptedVenue struct {
	mu     sync.Mutex
	errs   []error
	block  bool
	calls  int
	orders []Order
}

func (v *scriptedVenue) PlaceOrder(ctx context.Context, order Order) (*Fill, error) {
	v.mu.Lock()
	v.calls++
	v.orders = append(v.orders, order)
	var err error
	if len(v.errs) > 0 {
		err = v.errs[0]
		v.errs = v.errs[1:]
	}
	block := v.block
	v.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &Fill{OrderID: "ORD-1", VenueID: "TEST", Price: order.Price + 0.0001, Volume: order.Volume}, nil
}

func testIdea() *types.TradeIdea {
	return &types.TradeIdea{
		ID:         "idea-1",
		Instrument: "EUR_USD",
		Direction:  types.Long,
		Entry:      1.085,
		StopLoss:   1.0838,
		TakeProfit: 1.0874,
		Volume:     0.5,
		State:      types.StateExecuting,
	}
}

func fastConfig() AdapterConfig {
	return AdapterConfig{
		Timeout:         2 * time.Second,
		MaxRetryElapsed: time.Second,
		InitialBackoff:  time.Millisecond,
	}
}

func TestAdapterFill(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{}
	res := NewAdapter(venue, fastConfig()).Execute(context.Background(), testIdea())

	assert.Equal(t, types.OutcomeFilled, res.Outcome)
	assert.Equal(t, "ORD-1", res.OrderID)
	assert.InDelta(t, 1.0851, res.FillPrice, 1e-12)
	assert.False(t, res.Unknown)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, venue.orders, 1)
	assert.Equal(t, "idea-1", venue.orders[0].ClientOrderID)
	assert.InDelta(t, 0.5, venue.orders[0].Volume, 1e-12)
}

func TestAdapterRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{errs: []error{
		fmt.Errorf("%w: reset", ErrTransient),
		fmt.Errorf("%w: reset", ErrTransient),
	}}
	res := NewAdapter(venue, fastConfig()).Execute(context.Background(), testIdea())

	assert.Equal(t, types.OutcomeFilled, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, venue.calls)
}

func TestAdapterRejectionIsFinal(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{errs: []error{&RejectedError{Reason: "market closed"}}}
	res := NewAdapter(venue, fastConfig()).Execute(context.Background(), testIdea())

	assert.Equal(t, types.OutcomeRejected, res.Outcome)
	assert.Equal(t, "market closed", res.Reason)
	assert.Equal(t, 1, venue.calls)
	assert.False(t, res.Unknown)
}

func TestAdapterTimeout(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Timeout = 50 * time.Millisecond
	venue := &scriptedVenue{block: true}

	start := time.Now()
	res := NewAdapter(venue, cfg).Execute(context.Background(), testIdea())

	assert.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.True(t, res.Unknown)
	assert.Equal(t, 1, venue.calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdapterGivesUpOnPersistentTransientErrors(t *testing.T) {
	t.Parallel()

	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = fmt.Errorf("%w: refused", ErrTransient)
	}
	cfg := fastConfig()
	cfg.MaxRetryElapsed = 30 * time.Millisecond
	venue := &scriptedVenue{errs: errs}

	res := NewAdapter(venue, cfg).Execute(context.Background(), testIdea())
	assert.Equal(t, types.OutcomeError, res.Outcome)
	assert.Contains(t, res.Reason, "refused")
	assert.False(t, res.Unknown)
	assert.Greater(t, venue.calls, 1)
}

func TestAdapterInterruptedByShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	venue := &scriptedVenue{block: true}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := NewAdapter(venue, fastConfig()).Execute(ctx, testIdea())
	assert.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, ReasonInterrupted, res.Reason)
	assert.True(t, res.Unknown)
}

func TestAdapterOtherErrors(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{errs: []error{errors.New("invalid volume")}}
	res := NewAdapter(venue, fastConfig()).Execute(context.Background(), testIdea())
	assert.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, "invalid volume", res.Reason)
	assert.Equal(t, 1, venue.calls)
}

func TestSimulatedVenue(t *testing.T) {
	t.Parallel()

	order := Order{ClientOrderID: "idea-1", Instrument: "EUR_USD", Direction: types.Long, Volume: 1, Price: 1.1}

	always := NewSimulatedVenue("V", "Always", 0, 0, 1, 0, 0.0002, 0.00002, 7)
	fill, err := always.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, fill.Price, 1.1*0.0002+1e-12)
	assert.Equal(t, "V", fill.VenueID)
	assert.Contains(t, fill.OrderID, "V-")
	assert.Greater(t, fill.FeeAmount, 0.0)

	never := NewSimulatedVenue("N", "Never", 0, 0, 0, 0, 0, 0, 7)
	_, err = never.PlaceOrder(context.Background(), order)
	var rejected *RejectedError
	assert.ErrorAs(t, err, &rejected)

	flaky := NewSimulatedVenue("F", "Flaky", 0, 0, 1, 1, 0, 0, 7)
	_, err = flaky.PlaceOrder(context.Background(), order)
	assert.ErrorIs(t, err, ErrTransient)

	slow := NewSimulatedVenue("S", "Slow", time.Second, time.Second, 1, 0, 0, 0, 7)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.PlaceOrder(ctx, order)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouterWithAdapter(t *testing.T) {
	t.Parallel()

	router := NewRouter(1, DefaultVenues(1)...)
	cfg := fastConfig()
	cfg.MaxRetryElapsed = time.Second

	filled := 0
	for i := 0; i < 10; i++ {
		res := NewAdapter(router, cfg).Execute(context.Background(), testIdea())
		require.NotEmpty(t, res.Outcome)
		if res.Outcome == types.OutcomeFilled {
			filled++
			assert.NotEmpty(t, res.OrderID)
		}
	}
	assert.Greater(t, filled, 0)
}
