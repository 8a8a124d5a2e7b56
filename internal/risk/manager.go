package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-autopilot/internal/types"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrAlreadyReserved   = errors.New("risk already reserved for idea")
	ErrNoReservation     = errors.New("no risk reservation for idea")
	ErrPositionNotFound  = errors.New("open position not found")
	ErrInvalidBudget     = errors.New("invalid budget")
)

// BudgetStore persists the budget and open positions so a restart resumes
// with the same accrued loss and exposure.
type BudgetStore interface {
	LoadBudget(ctx context.Context, accountID string) (*types.RiskBudget, error)
	SaveBudget(ctx context.Context, b *types.RiskBudget) error
	OpenPosition(ctx context.Context, p *types.Position) error
	ClosePosition(ctx context.Context, ideaID string, closedAt time.Time, pnl float64) (*types.Position, error)
	OpenPositions(ctx context.Context, accountID string) ([]types.Position, error)
}

type reservation struct {
	instrument string
	direction  types.Direction
	volume     float64
	worstCase  float64
}

// Manager owns the account's risk budget. Every read-modify-write of the
// budget or the exposure set happens under mu.
type Manager struct {
	mu          sync.Mutex
	store       BudgetStore
	budget      types.RiskBudget
	instruments map[string]types.Instrument
	reserved    map[string]reservation
	positions   map[string]types.Position
	now         func() time.Time
	logger      zerolog.Logger
}

func NewManager(store BudgetStore, initial types.RiskBudget, instruments map[string]types.Instrument) *Manager {
	return &Manager{
		store:       store,
		budget:      initial,
		instruments: instruments,
		reserved:    make(map[string]reservation),
		positions:   make(map[string]types.Position),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.With().Str("component", "risk_manager").Logger(),
	}
}

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Load restores the persisted budget and open positions. A missing budget is
// seeded from the initial values given to NewManager.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.LoadBudget(ctx, m.budget.AccountID)
	if err != nil {
		return fmt.Errorf("load budget: %w", err)
	}
	if stored != nil {
		m.budget = *stored
	} else {
		now := m.now()
		m.budget.LastRolloverAt = &now
		m.budget.UpdatedAt = now
		if err := m.store.SaveBudget(ctx, &m.budget); err != nil {
			return fmt.Errorf("seed budget: %w", err)
		}
		m.logger.Info().Str("account_id", m.budget.AccountID).Msg("seeded risk budget from config")
	}

	open, err := m.store.OpenPositions(ctx, m.budget.AccountID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	m.positions = make(map[string]types.Position, len(open))
	for _, p := range open {
		m.positions[p.IdeaID] = p
	}

	m.logger.Info().
		Float64("daily_realized_loss", m.budget.DailyRealizedLoss).
		Int("open_positions", len(m.positions)).
		Msg("risk budget loaded")
	return nil
}

// Recover rebuilds reservations for ideas that passed risk but have not
// executed yet.
func (m *Manager) Recover(active []types.TradeIdea) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, idea := range active {
		if _, open := m.positions[idea.ID]; open {
			continue
		}
		m.reserved[idea.ID] = reservation{
			instrument: idea.Instrument,
			direction:  idea.Direction,
			volume:     idea.Volume,
			worstCase:  idea.WorstCaseLoss,
		}
	}
	if len(active) > 0 {
		m.logger.Info().Int("reservations", len(m.reserved)).Msg("recovered risk reservations")
	}
}

// Reserve evaluates the draft and, when it passes, holds its worst-case loss
// and a position slot under ideaID until Release or Executed.
func (m *Manager) Reserve(ctx context.Context, ideaID string, draft types.Draft) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.rolloverLocked(ctx, now); err != nil {
		return Decision{}, err
	}

	inst, ok := m.instruments[draft.Instrument]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, draft.Instrument)
	}
	if _, dup := m.reserved[ideaID]; dup {
		return Decision{}, fmt.Errorf("%w: %s", ErrAlreadyReserved, ideaID)
	}

	d := Evaluate(m.budget, inst, draft, m.exposureLocked(), now)
	if !d.Allowed {
		m.logger.Info().
			Str("instrument", draft.Instrument).
			Str("reason", d.Reason()).
			Msg("draft rejected by risk")
		return d, nil
	}

	m.reserved[ideaID] = reservation{
		instrument: draft.Instrument,
		direction:  draft.Direction,
		volume:     d.Volume,
		worstCase:  d.WorstCaseLoss,
	}
	m.logger.Debug().
		Str("idea_id", ideaID).
		Str("instrument", draft.Instrument).
		Float64("volume", d.Volume).
		Float64("worst_case_loss", d.WorstCaseLoss).
		Msg("risk reserved")
	return d, nil
}

// Release frees a reservation. It reports whether one existed.
func (m *Manager) Release(ideaID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reserved[ideaID]; !ok {
		return false
	}
	delete(m.reserved, ideaID)
	m.logger.Debug().Str("idea_id", ideaID).Msg("risk reservation released")
	return true
}

// Executed turns the idea's reservation into an open position.
func (m *Manager) Executed(ctx context.Context, ideaID string, fillPrice float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reserved[ideaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReservation, ideaID)
	}

	p := types.Position{
		IdeaID:        ideaID,
		AccountID:     m.budget.AccountID,
		Instrument:    r.instrument,
		Direction:     r.direction,
		Volume:        r.volume,
		FillPrice:     fillPrice,
		WorstCaseLoss: r.worstCase,
		OpenedAt:      at.UTC(),
	}
	if err := m.store.OpenPosition(ctx, &p); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}

	delete(m.reserved, ideaID)
	m.positions[ideaID] = p
	return nil
}

// PositionClosed frees the position's slot and accrues the loss when pnl is
// negative.
func (m *Manager) PositionClosed(ctx context.Context, ideaID string, pnl float64) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[ideaID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, ideaID)
	}

	now := m.now()
	if err := m.rolloverLocked(ctx, now); err != nil {
		return nil, err
	}

	closed, err := m.store.ClosePosition(ctx, ideaID, now, pnl)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}
	delete(m.positions, ideaID)

	if pnl < 0 {
		m.budget.DailyRealizedLoss += -pnl
		m.budget.UpdatedAt = now
		if err := m.store.SaveBudget(ctx, &m.budget); err != nil {
			return nil, fmt.Errorf("persist loss accrual: %w", err)
		}
	}

	m.logger.Info().
		Str("idea_id", ideaID).
		Float64("pnl", pnl).
		Float64("daily_realized_loss", m.budget.DailyRealizedLoss).
		Msg("position closed")
	return closed, nil
}

// Rollover resets the realized loss once a session start has passed.
func (m *Manager) Rollover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolloverLocked(ctx, m.now())
}

func (m *Manager) rolloverLocked(ctx context.Context, now time.Time) error {
	if !needsRollover(m.budget, now) {
		return nil
	}

	prev := m.budget.DailyRealizedLoss
	m.budget.DailyRealizedLoss = 0
	m.budget.LastRolloverAt = &now
	m.budget.UpdatedAt = now
	if err := m.store.SaveBudget(ctx, &m.budget); err != nil {
		return fmt.Errorf("persist rollover: %w", err)
	}

	m.logger.Info().Float64("previous_realized_loss", prev).Msg("risk session rolled over")
	return nil
}

// Update applies a partial change to the budget limits.
func (m *Manager) Update(ctx context.Context, u types.BudgetUpdate) (types.RiskBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.budget
	if u.DailyLossLimit != nil {
		next.DailyLossLimit = *u.DailyLossLimit
	}
	if u.SessionStart != nil {
		next.SessionStart = *u.SessionStart
	}
	if u.SessionEnd != nil {
		next.SessionEnd = *u.SessionEnd
	}
	if u.Timezone != nil {
		next.Timezone = *u.Timezone
	}
	if u.MaxConcurrentPositions != nil {
		next.MaxConcurrentPositions = *u.MaxConcurrentPositions
	}
	if u.MaxPositionsPerInstrument != nil {
		next.MaxPositionsPerInstrument = *u.MaxPositionsPerInstrument
	}
	if u.PerInstrumentVolumeCap != nil {
		next.PerInstrumentVolumeCap = *u.PerInstrumentVolumeCap
	}
	if u.RiskPerTradePct != nil {
		next.RiskPerTradePct = *u.RiskPerTradePct
	}
	if u.AccountEquity != nil {
		next.AccountEquity = *u.AccountEquity
	}

	if err := validateBudget(next); err != nil {
		return m.budget, err
	}

	next.UpdatedAt = m.now()
	if err := m.store.SaveBudget(ctx, &next); err != nil {
		return m.budget, fmt.Errorf("persist budget: %w", err)
	}
	m.budget = next

	m.logger.Info().Msg("risk budget limits updated")
	return m.budget, nil
}

func validateBudget(b types.RiskBudget) error {
	if b.DailyLossLimit <= 0 {
		return fmt.Errorf("%w: daily_loss_limit must be positive", ErrInvalidBudget)
	}
	if _, err := parseClock(b.SessionStart); err != nil {
		return fmt.Errorf("%w: session_start: %v", ErrInvalidBudget, err)
	}
	if _, err := parseClock(b.SessionEnd); err != nil {
		return fmt.Errorf("%w: session_end: %v", ErrInvalidBudget, err)
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		return fmt.Errorf("%w: timezone: %v", ErrInvalidBudget, err)
	}
	if b.MaxConcurrentPositions <= 0 || b.MaxPositionsPerInstrument <= 0 {
		return fmt.Errorf("%w: position caps must be positive", ErrInvalidBudget)
	}
	if b.PerInstrumentVolumeCap < 0 {
		return fmt.Errorf("%w: per_instrument_volume_cap must not be negative", ErrInvalidBudget)
	}
	if b.RiskPerTradePct < 0 || b.RiskPerTradePct > 0.05 {
		return fmt.Errorf("%w: risk_per_trade_pct must be between 0 and 0.05", ErrInvalidBudget)
	}
	if b.AccountEquity <= 0 {
		return fmt.Errorf("%w: account_equity must be positive", ErrInvalidBudget)
	}
	return nil
}

func (m *Manager) exposureLocked() Exposure {
	exp := Exposure{ByInstrument: make(map[string]int)}
	for _, r := range m.reserved {
		exp.ReservedLoss += r.worstCase
		exp.Positions++
		exp.ByInstrument[r.instrument]++
	}
	for _, p := range m.positions {
		exp.OpenLoss += p.WorstCaseLoss
		exp.Positions++
		exp.ByInstrument[p.Instrument]++
	}
	return exp
}

// Snapshot returns a consistent view of the budget and live exposure.
func (m *Manager) Snapshot() types.BudgetResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp := m.exposureLocked()
	headroom := m.budget.DailyLossLimit - m.budget.DailyRealizedLoss - exp.ReservedLoss - exp.OpenLoss
	if headroom < 0 {
		headroom = 0
	}
	return types.BudgetResponse{
		Budget:        m.budget,
		ReservedLoss:  exp.ReservedLoss,
		OpenLoss:      exp.OpenLoss,
		OpenPositions: len(m.positions),
		PendingIdeas:  len(m.reserved),
		ByInstrument:  exp.ByInstrument,
		Headroom:      headroom,
	}
}

// IsOpen reports whether the idea currently holds an open position.
func (m *Manager) IsOpen(ideaID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[ideaID]
	return ok
}
