package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-autopilot/internal/autonomy"
	"github.com/ksred/klear-autopilot/internal/ideas"
	"github.com/ksred/klear-autopilot/internal/lifecycle"
	"github.com/ksred/klear-autopilot/internal/types"
	"github.com/ksred/klear-autopilot/pkg/response"
)

const DefaultActor = "operator"

type IdeaStore interface {
	Get(ctx context.Context, ideaID string) (*types.TradeIdea, error)
	List(ctx context.Context, f ideas.Filter) ([]types.TradeIdea, error)
	CountByState(ctx context.Context) (map[types.IdeaState]int, error)
	History(ctx context.Context, ideaID string) ([]types.Transition, error)
	InstrumentHistory(ctx context.Context, instrument string, limit int) ([]types.Transition, error)
}

type Approver interface {
	Approve(ctx context.Context, ideaID, actor string) (*types.TradeIdea, error)
	Reject(ctx context.Context, ideaID, actor, reason string) (*types.TradeIdea, error)
}

type RiskBudget interface {
	Snapshot() types.BudgetResponse
	Update(ctx context.Context, u types.BudgetUpdate) (types.RiskBudget, error)
	PositionClosed(ctx context.Context, ideaID string, pnl float64) (*types.Position, error)
}

type Scanner interface {
	TriggerScan(instrument string) error
	RunCycle(ctx context.Context, only string) autonomy.CycleReport
	Status() types.SchedulerStatus
}

// ScanResponse reports a manual scan. A running scheduler queues the scan;
// otherwise it runs inline and Report is set.
type ScanResponse struct {
	Queued     bool                  `json:"queued"`
	Instrument string                `json:"instrument,omitempty"`
	Report     *autonomy.CycleReport `json:"report,omitempty"`
}

// Service is the operator surface over the autopilot.
type Service struct {
	store     IdeaStore
	approver  Approver
	risk      RiskBudget
	scheduler Scanner
	logger    zerolog.Logger
}

func NewService(store IdeaStore, approver Approver, risk RiskBudget, scheduler Scanner) *Service {
	return &Service{
		store:     store,
		approver:  approver,
		risk:      risk,
		scheduler: scheduler,
		logger:    log.With().Str("component", "control").Logger(),
	}
}

// ListIdeas returns ideas newest first, optionally narrowed to one state
// and instrument, with the per-state counts across all ideas.
func (s *Service) ListIdeas(ctx context.Context, state, instrument string, limit int) (*types.IdeaListResponse, error) {
	f := ideas.Filter{Instrument: instrument, Limit: limit}
	if state != "" {
		st, err := ParseState(state)
		if err != nil {
			return nil, err
		}
		f.States = []types.IdeaState{st}
	}

	list, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list ideas: %w", err)
	}
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count ideas: %w", err)
	}
	if list == nil {
		list = []types.TradeIdea{}
	}
	return &types.IdeaListResponse{Ideas: list, Counts: counts, Total: len(list)}, nil
}

func (s *Service) GetIdea(ctx context.Context, ideaID string) (*types.TradeIdea, error) {
	return s.store.Get(ctx, ideaID)
}

func (s *Service) ApproveIdea(ctx context.Context, ideaID, actor string) (*types.TradeIdea, error) {
	return s.approver.Approve(ctx, ideaID, actorOrDefault(actor))
}

func (s *Service) RejectIdea(ctx context.Context, ideaID, actor, reason string) (*types.TradeIdea, error) {
	return s.approver.Reject(ctx, ideaID, actorOrDefault(actor), strings.TrimSpace(reason))
}

// History returns the audit trail of an idea.
func (s *Service) History(ctx context.Context, ideaID string) ([]types.Transition, error) {
	if _, err := s.store.Get(ctx, ideaID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, ideaID)
}

// InstrumentHistory returns recent audit rows for an instrument, risk
// rejections included.
func (s *Service) InstrumentHistory(ctx context.Context, instrument string, limit int) ([]types.Transition, error) {
	if instrument == "" {
		return nil, &response.ValidationError{Field: "instrument", Message: "is required"}
	}
	return s.store.InstrumentHistory(ctx, instrument, limit)
}

// TriggerScanNow requests an immediate scan. When the scheduler loop is not
// running the cycle runs synchronously on the caller's context.
func (s *Service) TriggerScanNow(ctx context.Context, instrument string) (*ScanResponse, error) {
	err := s.scheduler.TriggerScan(instrument)
	switch {
	case err == nil:
		return &ScanResponse{Queued: true, Instrument: instrument}, nil
	case errors.Is(err, autonomy.ErrNotRunning):
		s.logger.Info().Str("instrument", instrument).Msg("scheduler idle, running cycle inline")
		rep := s.scheduler.RunCycle(ctx, instrument)
		return &ScanResponse{Instrument: instrument, Report: &rep}, nil
	default:
		return nil, err
	}
}

func (s *Service) GetRiskBudget() types.BudgetResponse {
	return s.risk.Snapshot()
}

// UpdateRiskBudget changes budget limits. The accrued loss is not editable.
func (s *Service) UpdateRiskBudget(ctx context.Context, u types.BudgetUpdate) (types.BudgetResponse, error) {
	if _, err := s.risk.Update(ctx, u); err != nil {
		return types.BudgetResponse{}, err
	}
	return s.risk.Snapshot(), nil
}

// RecordPositionClosed releases an executed idea's position and accrues its
// realized loss.
func (s *Service) RecordPositionClosed(ctx context.Context, ideaID string, pnl float64) (*types.Position, error) {
	idea, err := s.store.Get(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	if idea.State != types.StateExecuted {
		return nil, fmt.Errorf("%w: idea %s is %s, only EXECUTED ideas hold a position",
			lifecycle.ErrInvalidTransition, ideaID, idea.State)
	}

	pos, err := s.risk.PositionClosed(ctx, ideaID, pnl)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("idea_id", ideaID).Float64("pnl", pnl).Msg("position close recorded")
	return pos, nil
}

func (s *Service) SchedulerStatus() types.SchedulerStatus {
	return s.scheduler.Status()
}

// ParseState accepts a state name in any case.
func ParseState(s string) (types.IdeaState, error) {
	st := types.IdeaState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case types.StatePending, types.StateApproved, types.StateRejected, types.StateExecuting,
		types.StateExecuted, types.StateFailed, types.StateExpired:
		return st, nil
	}
	return "", &response.ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", s)}
}

func actorOrDefault(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return DefaultActor
}
