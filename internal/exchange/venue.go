package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-autopilot/internal/types"
	"github.com/ksred/klear-autopilot/pkg/id"
)

// ErrTransient marks a venue failure where the order was definitely not
// accepted, so placing it again is safe.
var ErrTransient = errors.New("transient venue error")

// RejectedError is a final refusal by the venue.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "order rejected: " + e.Reason
}

// Order is what the venue receives for one claimed idea. ClientOrderID is
// the idea id so the venue can deduplicate.
type Order struct {
	ClientOrderID string
	Instrument    string
	Direction     types.Direction
	Volume        float64
	Price         float64
	StopLoss      float64
	TakeProfit    float64
}

type Fill struct {
	OrderID   string
	VenueID   string
	Price     float64
	Volume    float64
	FeeAmount float64
	FilledAt  time.Time
}

// Venue is the broker connection.
type Venue interface {
	PlaceOrder(ctx context.Context, order Order) (*Fill, error)
}

// SimulatedVenue is a mock broker with random latency, failures and
// slippage.
type SimulatedVenue struct {
	ID            string
	Name          string
	MinLatency    time.Duration
	MaxLatency    time.Duration
	SuccessRate   float64 // 0-1, probability an order is not rejected
	TransientRate float64 // 0-1, probability of a retryable transport error
	Slippage      float64 // max relative price move, e.g. 0.0002
	FeeRate       float64 // fraction of notional

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultVenues mirror the profiles of a primary, secondary and regional
// venue.
func DefaultVenues(seed int64) []*SimulatedVenue {
	return []*SimulatedVenue{
		NewSimulatedVenue("VENUE1", "Primary Venue", 5*time.Millisecond, 30*time.Millisecond, 0.97, 0.02, 0.0001, 0.00002, seed),
		NewSimulatedVenue("VENUE2", "Secondary Venue", 10*time.Millisecond, 50*time.Millisecond, 0.93, 0.05, 0.0002, 0.000015, seed+1),
		NewSimulatedVenue("VENUE3", "Regional Venue", 15*time.Millisecond, 70*time.Millisecond, 0.88, 0.08, 0.0003, 0.00001, seed+2),
	}
}

func NewSimulatedVenue(venueID, name string, minLatency, maxLatency time.Duration, successRate, transientRate, slippage, feeRate float64, seed int64) *SimulatedVenue {
	return &SimulatedVenue{
		ID:            venueID,
		Name:          name,
		MinLatency:    minLatency,
		MaxLatency:    maxLatency,
		SuccessRate:   successRate,
		TransientRate: transientRate,
		Slippage:      slippage,
		FeeRate:       feeRate,
		rnd:           rand.New(rand.NewSource(seed)),
	}
}

func (v *SimulatedVenue) float() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rnd.Float64()
}

func (v *SimulatedVenue) latency() time.Duration {
	if v.MaxLatency <= v.MinLatency {
		return v.MinLatency
	}
	return v.MinLatency + time.Duration(v.float()*float64(v.MaxLatency-v.MinLatency))
}

func (v *SimulatedVenue) PlaceOrder(ctx context.Context, order Order) (*Fill, error) {
	logger := log.With().
		Str("venue_id", v.ID).
		Str("idea_id", order.ClientOrderID).
		Str("instrument", order.Instrument).
		Float64("volume", order.Volume).
		Float64("price", order.Price).
		Str("direction", string(order.Direction)).
		Logger()

	latency := v.latency()
	logger.Debug().Dur("latency", latency).Msg("simulated network latency")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(latency):
	}

	if v.float() < v.TransientRate {
		logger.Warn().Msg("simulated transport failure")
		return nil, fmt.Errorf("%w: %s connection reset", ErrTransient, v.ID)
	}
	if v.float() > v.SuccessRate {
		logger.Warn().Float64("success_rate", v.SuccessRate).Msg("order rejected by venue")
		return nil, &RejectedError{Reason: fmt.Sprintf("%s: insufficient liquidity", v.ID)}
	}

	// Symmetric slippage around the requested price.
	slip := order.Price * v.Slippage * (v.float()*2 - 1)
	price := order.Price + slip

	fill := &Fill{
		OrderID:   fmt.Sprintf("%s-%s", v.ID, id.New()),
		VenueID:   v.ID,
		Price:     price,
		Volume:    order.Volume,
		FeeAmount: price * order.Volume * v.FeeRate,
		FilledAt:  time.Now().UTC(),
	}

	logger.Info().
		Str("order_id", fill.OrderID).
		Float64("fill_price", fill.Price).
		Float64("fee_amount", fill.FeeAmount).
		Msg("order filled")
	return fill, nil
}

// Router sends each order to one venue picked at random, weighted by
// success rate.
type Router struct {
	venues []*SimulatedVenue
	mu     sync.Mutex
	rnd    *rand.Rand
}

func NewRouter(seed int64, venues ...*SimulatedVenue) *Router {
	return &Router{venues: venues, rnd: rand.New(rand.NewSource(seed))}
}

func (r *Router) pick() *SimulatedVenue {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0.0
	for _, v := range r.venues {
		total += v.SuccessRate * (1 - v.TransientRate)
	}
	choice := r.rnd.Float64() * total
	acc := 0.0
	for _, v := range r.venues {
		acc += v.SuccessRate * (1 - v.TransientRate)
		if acc >= choice {
			return v
		}
	}
	return r.venues[0]
}

func (r *Router) PlaceOrder(ctx context.Context, order Order) (*Fill, error) {
	if len(r.venues) == 0 {
		return nil, &RejectedError{Reason: "no venues configured"}
	}
	v := r.pick()
	log.Debug().Str("venue_id", v.ID).Str("idea_id", order.ClientOrderID).Msg("venue selected")
	return v.PlaceOrder(ctx, order)
}
