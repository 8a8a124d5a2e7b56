package autonomy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-autopilot/internal/approval"
	"github.com/ksred/klear-autopilot/internal/exchange"
	"github.com/ksred/klear-autopilot/internal/features"
	"github.com/ksred/klear-autopilot/internal/ideas"
	"github.com/ksred/klear-autopilot/internal/risk"
	"github.com/ksred/klear-autopilot/internal/signal"
	"github.com/ksred/klear-autopilot/internal/types"
)

const (
	ReasonOutcomeUnknown = "execution outcome unknown"
	queueSize            = 32
)

var (
	ErrAlreadyRunning    = errors.New("scheduler already running")
	ErrNotRunning        = errors.New("scheduler not running")
	ErrQueueFull         = errors.New("scheduler work queue full")
	ErrUnknownInstrument = errors.New("instrument not enabled for scanning")
)

// IdeaStore is the part of the idea store the scheduler drives.
type IdeaStore interface {
	ActiveInstruments(ctx context.Context) (map[string]types.IdeaState, error)
	ListByState(ctx context.Context, state types.IdeaState) ([]types.TradeIdea, error)
	ClaimedBefore(ctx context.Context, cutoff time.Time) ([]types.TradeIdea, error)
	CompareAndSwapState(ctx context.Context, ideaID string, ch ideas.Change) (*types.TradeIdea, error)
	RecordRiskRejection(ctx context.Context, instrument, actor, reason string) error
}

type Queue interface {
	Admit(ctx context.Context, idea *types.TradeIdea) error
	ExpireStale(ctx context.Context, ttl time.Duration) ([]types.TradeIdea, error)
}

type RiskManager interface {
	Rollover(ctx context.Context) error
	Reserve(ctx context.Context, ideaID string, draft types.Draft) (risk.Decision, error)
	Release(ideaID string) bool
	Executed(ctx context.Context, ideaID string, fillPrice float64, at time.Time) error
}

type Generator interface {
	Generate(inst types.Instrument, snapshots map[types.Timeframe]types.Snapshot) (signal.Outcome, error)
	Timeframes() []types.Timeframe
}

type Config struct {
	Interval         time.Duration
	MaxParallelScans int
	IdeaTTL          time.Duration
	ExecutionTimeout time.Duration
	ClaimGrace       time.Duration
	Instruments      []types.Instrument
}

type Deps struct {
	Store     IdeaStore
	Queue     Queue
	Risk      RiskManager
	Source    features.Source
	Generator Generator
	Gateway   exchange.Gateway
}

// CycleReport summarises one pass of the control loop.
type CycleReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Instrument    string        `json:"instrument,omitempty"`
	Expired       int           `json:"expired"`
	StaleClaims   int           `json:"stale_claims"`
	Scanned       int           `json:"scanned"`
	SkippedActive int           `json:"skipped_active"`
	Created       int           `json:"created"`
	Discarded     int           `json:"discarded"`
	Duplicates    int           `json:"duplicates"`
	RiskRejected  int           `json:"risk_rejected"`
	ScanErrors    int           `json:"scan_errors"`
	Executed      int           `json:"executed"`
	Failed        int           `json:"failed"`
}

type eventKind int

const (
	eventTick eventKind = iota
	eventScanNow
)

type event struct {
	kind       eventKind
	instrument string
}

type scanResult int

const (
	scanCreated scanResult = iota
	scanDiscarded
	scanDuplicate
	scanRiskRejected
	scanFailed
)

// Scheduler is the single control loop of one account. Ticks and manual
// scan requests arrive on one ordered queue; every cycle runs to completion
// before the next starts.
type Scheduler struct {
	cfg    Config
	deps   Deps
	events chan event
	now    func() time.Time
	logger zerolog.Logger

	running atomic.Bool
	cycleMu sync.Mutex

	inFlightMu sync.Mutex
	inFlight   map[string]bool

	statusMu sync.Mutex
	status   types.SchedulerStatus
}

func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxParallelScans <= 0 {
		cfg.MaxParallelScans = 1
	}
	symbols := make([]string, len(cfg.Instruments))
	for i, inst := range cfg.Instruments {
		symbols[i] = inst.Symbol
	}
	return &Scheduler{
		cfg:      cfg,
		deps:     deps,
		events:   make(chan event, queueSize),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.With().Str("component", "autonomy_scheduler").Logger(),
		inFlight: make(map[string]bool),
		status: types.SchedulerStatus{
			Interval:    cfg.Interval.String(),
			Instruments: symbols,
		},
	}
}

// SetClock replaces the time source used for cycle stamps, TTL cutoffs and
// stale claim detection. It must be called before Run.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run drives cycles until ctx is cancelled. The first cycle runs
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	s.setRunning(true)
	defer s.setRunning(false)

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("instruments", len(s.cfg.Instruments)).
		Msg("starting autonomy scheduler")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case s.events <- event{kind: eventTick}:
				default:
					s.logger.Warn().Msg("work queue full, tick dropped")
				}
			}
		}
	}()

	s.setNextRun(s.now().Add(s.cfg.Interval))
	s.RunCycle(ctx, "")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down autonomy scheduler")
			return nil
		case ev := <-s.events:
			switch ev.kind {
			case eventTick:
				s.setNextRun(s.now().Add(s.cfg.Interval))
				s.RunCycle(ctx, "")
			case eventScanNow:
				s.logger.Info().Str("instrument", ev.instrument).Msg("manual scan requested")
				s.RunCycle(ctx, ev.instrument)
			}
		}
	}
}

// TriggerScan queues a manual cycle. An empty instrument scans all enabled
// instruments.
func (s *Scheduler) TriggerScan(instrument string) error {
	if instrument != "" && !s.enabled(instrument) {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	if !s.running.Load() {
		return ErrNotRunning
	}
	select {
	case s.events <- event{kind: eventScanNow, instrument: instrument}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Scheduler) enabled(symbol string) bool {
	for _, inst := range s.cfg.Instruments {
		if inst.Symbol == symbol {
			return true
		}
	}
	return false
}

// RunCycle runs one full cycle, optionally restricting the scan step to one
// instrument. Concurrent callers are serialised.
func (s *Scheduler) RunCycle(ctx context.Context, only string) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	started := time.Now()
	rep := CycleReport{StartedAt: s.now(), Instrument: only}
	logger := s.logger.With().Time("cycle_start", rep.StartedAt).Logger()

	if err := s.deps.Risk.Rollover(ctx); err != nil {
		logger.Error().Err(err).Msg("risk rollover failed")
	}

	expired, err := s.deps.Queue.ExpireStale(ctx, s.cfg.IdeaTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to expire stale ideas")
	}
	rep.Expired = len(expired)

	rep.StaleClaims = s.failStaleClaims(ctx)
	s.scan(ctx, only, &rep)
	s.dispatch(ctx, &rep)

	rep.Duration = time.Since(started)
	s.record(rep)

	logger.Info().
		Int("expired", rep.Expired).
		Int("scanned", rep.Scanned).
		Int("created", rep.Created).
		Int("risk_rejected", rep.RiskRejected).
		Int("scan_errors", rep.ScanErrors).
		Int("executed", rep.Executed).
		Int("failed", rep.Failed).
		Dur("duration", rep.Duration).
		Msg("cycle complete")
	return rep
}

// failStaleClaims fails EXECUTING ideas whose claim outlived the execution
// timeout. Their venue outcome is unknown.
func (s *Scheduler) failStaleClaims(ctx context.Context) int {
	cutoff := s.now().Add(-(s.cfg.ExecutionTimeout + s.cfg.ClaimGrace))
	stale, err := s.deps.Store.ClaimedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list stale claims")
		return 0
	}

	n := 0
	for _, idea := range stale {
		_, err := s.deps.Store.CompareAndSwapState(ctx, idea.ID, ideas.Change{
			From:   types.StateExecuting,
			To:     types.StateFailed,
			Actor:  approval.ActorScheduler,
			Reason: ReasonOutcomeUnknown,
			Apply: func(i *types.TradeIdea, now time.Time) {
				i.Execution = types.ExecutionResult{
					Outcome:     types.OutcomeError,
					Error:       ReasonOutcomeUnknown,
					CompletedAt: &now,
				}
				i.NeedsReconciliation = true
			},
		})
		if err != nil {
			if !errors.Is(err, ideas.ErrStateConflict) {
				s.logger.Error().Err(err).Str("idea_id", idea.ID).Msg("failed to fail stale claim")
			}
			continue
		}
		s.deps.Risk.Release(idea.ID)
		n++
		s.logger.Warn().Str("idea_id", idea.ID).Str("instrument", idea.Instrument).Msg("stale claim failed, needs reconciliation")
	}
	return n
}

func (s *Scheduler) scan(ctx context.Context, only string, rep *CycleReport) {
	active, err := s.deps.Store.ActiveInstruments(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load active instruments")
		rep.ScanErrors++
		return
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.cfg.MaxParallelScans)

	for _, inst := range s.cfg.Instruments {
		if only != "" && inst.Symbol != only {
			continue
		}
		if _, busy := active[inst.Symbol]; busy {
			rep.SkippedActive++
			continue
		}
		if !s.markInFlight(inst.Symbol) {
			rep.SkippedActive++
			continue
		}

		inst := inst
		g.Go(func() error {
			defer s.clearInFlight(inst.Symbol)
			res := s.scanInstrument(ctx, inst)

			mu.Lock()
			defer mu.Unlock()
			rep.Scanned++
			switch res {
			case scanCreated:
				rep.Created++
			case scanDiscarded:
				rep.Discarded++
			case scanDuplicate:
				rep.Duplicates++
			case scanRiskRejected:
				rep.RiskRejected++
			case scanFailed:
				rep.ScanErrors++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) scanInstrument(ctx context.Context, inst types.Instrument) scanResult {
	logger := s.logger.With().Str("instrument", inst.Symbol).Logger()

	snaps, err := s.deps.Source.Fetch(ctx, inst.Symbol, s.deps.Generator.Timeframes())
	if err != nil {
		logger.Warn().Err(err).Msg("feature fetch failed, retrying next cycle")
		return scanFailed
	}

	out, err := s.deps.Generator.Generate(inst, snaps)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot validation failed, instrument skipped")
		return scanFailed
	}
	if out.Draft == nil {
		logger.Debug().Str("reason", out.Reason).Float64("score", out.Score).Msg("no signal")
		return scanDiscarded
	}
	draft := *out.Draft

	ideaID := uuid.NewString()
	decision, err := s.deps.Risk.Reserve(ctx, ideaID, draft)
	if err != nil {
		logger.Error().Err(err).Msg("risk evaluation failed")
		return scanFailed
	}
	if !decision.Allowed {
		if err := s.deps.Store.RecordRiskRejection(ctx, inst.Symbol, approval.ActorScheduler, decision.Reason()); err != nil {
			logger.Error().Err(err).Msg("failed to audit risk rejection")
		}
		return scanRiskRejected
	}

	idea := types.NewIdea(ideaID, draft, decision.Volume, decision.WorstCaseLoss)
	if err := s.deps.Queue.Admit(ctx, idea); err != nil {
		s.deps.Risk.Release(ideaID)
		if errors.Is(err, ideas.ErrDuplicateIdea) || errors.Is(err, ideas.ErrActiveIdeaExists) {
			logger.Debug().Err(err).Msg("signal already recorded")
			return scanDuplicate
		}
		logger.Error().Err(err).Msg("failed to persist idea")
		return scanFailed
	}
	return scanCreated
}

// dispatch claims and executes APPROVED ideas one at a time, oldest first.
func (s *Scheduler) dispatch(ctx context.Context, rep *CycleReport) {
	approved, err := s.deps.Store.ListByState(ctx, types.StateApproved)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list approved ideas")
		return
	}

	for _, idea := range approved {
		if ctx.Err() != nil {
			return
		}
		switch s.execute(ctx, idea.ID) {
		case types.OutcomeFilled:
			rep.Executed++
		case types.OutcomeRejected, types.OutcomeError:
			rep.Failed++
		}
	}
}

// execute claims one idea and runs it through the gateway. It returns an
// empty outcome when the claim was lost.
func (s *Scheduler) execute(ctx context.Context, ideaID string) types.Outcome {
	logger := s.logger.With().Str("idea_id", ideaID).Logger()

	claimed, err := s.deps.Store.CompareAndSwapState(ctx, ideaID, ideas.Change{
		From:  types.StateApproved,
		To:    types.StateExecuting,
		Actor: approval.ActorScheduler,
		Apply: func(i *types.TradeIdea, now time.Time) { i.ClaimedAt = &now },
	})
	if err != nil {
		if errors.Is(err, ideas.ErrStateConflict) {
			logger.Debug().Msg("idea already claimed")
		} else {
			logger.Error().Err(err).Msg("claim failed")
		}
		return ""
	}

	// Shutdown must not cut off an order that was already sent; the call is
	// bounded by the execution timeout instead.
	execCtx := context.WithoutCancel(ctx)
	if s.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, s.cfg.ExecutionTimeout)
		defer cancel()
	}
	res := s.deps.Gateway.Execute(execCtx, claimed)

	recordCtx := context.WithoutCancel(ctx)
	if res.Outcome == types.OutcomeFilled {
		_, err = s.deps.Store.CompareAndSwapState(recordCtx, ideaID, ideas.Change{
			From:  types.StateExecuting,
			To:    types.StateExecuted,
			Actor: approval.ActorScheduler,
			Apply: func(i *types.TradeIdea, now time.Time) {
				i.Execution = types.ExecutionResult{
					Outcome:     res.Outcome,
					OrderID:     res.OrderID,
					FillPrice:   res.FillPrice,
					CompletedAt: &now,
				}
			},
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to record fill")
			return res.Outcome
		}
		if err := s.deps.Risk.Executed(recordCtx, ideaID, res.FillPrice, s.now()); err != nil {
			logger.Error().Err(err).Msg("failed to open risk position")
		}
		logger.Info().Str("order_id", res.OrderID).Float64("fill_price", res.FillPrice).Msg("idea executed")
		return res.Outcome
	}

	_, err = s.deps.Store.CompareAndSwapState(recordCtx, ideaID, ideas.Change{
		From:   types.StateExecuting,
		To:     types.StateFailed,
		Actor:  approval.ActorScheduler,
		Reason: res.Reason,
		Apply: func(i *types.TradeIdea, now time.Time) {
			i.Execution = types.ExecutionResult{
				Outcome:     res.Outcome,
				OrderID:     res.OrderID,
				Error:       res.Reason,
				CompletedAt: &now,
			}
			i.NeedsReconciliation = res.Unknown
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record execution failure")
		return res.Outcome
	}
	s.deps.Risk.Release(ideaID)
	logger.Warn().Str("reason", res.Reason).Bool("needs_reconciliation", res.Unknown).Msg("idea failed")
	return res.Outcome
}

func (s *Scheduler) markInFlight(symbol string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight[symbol] {
		return false
	}
	s.inFlight[symbol] = true
	return true
}

func (s *Scheduler) clearInFlight(symbol string) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	delete(s.inFlight, symbol)
}

func (s *Scheduler) record(rep CycleReport) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.LastCycleAt = rep.StartedAt
	s.status.Cycles++
	s.status.ScanErrors += rep.ScanErrors
	s.status.IdeasCreated += rep.Created
	s.status.RiskRejections += rep.RiskRejected
	s.status.Executions += rep.Executed
	s.status.FailedExecution += rep.Failed
	s.status.Expired += rep.Expired
}

func (s *Scheduler) setRunning(running bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Running = running
	if !running {
		s.status.NextRunAt = time.Time{}
	}
}

func (s *Scheduler) setNextRun(at time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.NextRunAt = at
}

func (s *Scheduler) Status() types.SchedulerStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status
	st.Instruments = append([]string(nil), s.status.Instruments...)
	return st
}
