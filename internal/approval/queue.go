package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-autopilot/internal/ideas"
	"github.com/ksred/klear-autopilot/internal/lifecycle"
	"github.com/ksred/klear-autopilot/internal/types"
)

const (
	ActorPolicy    = "auto-policy"
	ActorScheduler = "scheduler"
)

// Store is the part of the idea store the queue needs.
type Store interface {
	Create(ctx context.Context, idea *types.TradeIdea, actor string, follow ...ideas.Change) error
	Get(ctx context.Context, ideaID string) (*types.TradeIdea, error)
	CompareAndSwapState(ctx context.Context, ideaID string, ch ideas.Change) (*types.TradeIdea, error)
	ListByState(ctx context.Context, state types.IdeaState) ([]types.TradeIdea, error)
	PendingGeneratedBefore(ctx context.Context, cutoff time.Time) ([]types.TradeIdea, error)
}

// Releaser frees the risk held by an idea that will never execute.
type Releaser interface {
	Release(ideaID string) bool
}

// Policy decides at creation time whether an idea skips the manual queue.
type Policy interface {
	Approves(idea *types.TradeIdea) bool
}

// ConfidencePolicy approves ideas at or above MinConfidence whose action is
// OPEN_OR_SCALE. With LeavePendingForAudit set it never approves, and every
// idea goes through the queue.
type ConfidencePolicy struct {
	Enabled              bool
	MinConfidence        int
	LeavePendingForAudit bool
	Instruments          map[string]bool // empty allows all
}

func (p ConfidencePolicy) Approves(idea *types.TradeIdea) bool {
	if !p.Enabled || p.LeavePendingForAudit {
		return false
	}
	if len(p.Instruments) > 0 && !p.Instruments[idea.Instrument] {
		return false
	}
	return idea.Confidence >= p.MinConfidence && idea.Action == types.ActionOpenOrScale
}

type Queue struct {
	store    Store
	policy   Policy
	releaser Releaser
	now      func() time.Time
	logger   zerolog.Logger
}

func NewQueue(store Store, policy Policy, releaser Releaser) *Queue {
	if policy == nil {
		policy = ConfidencePolicy{}
	}
	return &Queue{
		store:    store,
		policy:   policy,
		releaser: releaser,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.With().Str("component", "approval_queue").Logger(),
	}
}

// SetClock replaces the time source used for expiry cutoffs.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Admit persists a new idea. When the policy approves it, the approval is
// applied inside the creation transaction so the idea is never observed as
// PENDING.
func (q *Queue) Admit(ctx context.Context, idea *types.TradeIdea) error {
	var follow []ideas.Change
	if q.policy.Approves(idea) {
		follow = append(follow, approveChange(types.ApprovalAuto, ActorPolicy,
			fmt.Sprintf("auto-approved at confidence %d", idea.Confidence)))
	}

	if err := q.store.Create(ctx, idea, ActorScheduler, follow...); err != nil {
		return err
	}

	q.logger.Info().
		Str("idea_id", idea.ID).
		Str("instrument", idea.Instrument).
		Str("direction", string(idea.Direction)).
		Int("confidence", idea.Confidence).
		Str("state", string(idea.State)).
		Msg("idea admitted")
	return nil
}

// Pending is the approval queue view: PENDING ideas, oldest signal first.
func (q *Queue) Pending(ctx context.Context) ([]types.TradeIdea, error) {
	return q.store.ListByState(ctx, types.StatePending)
}

// Approve moves a PENDING idea to APPROVED. Approving an idea that is
// already APPROVED returns it unchanged.
func (q *Queue) Approve(ctx context.Context, ideaID, actor string) (*types.TradeIdea, error) {
	current, err := q.store.Get(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	if current.State == types.StateApproved {
		return current, nil
	}
	if err := lifecycle.Check(current.State, types.StateApproved); err != nil {
		return nil, err
	}

	idea, err := q.store.CompareAndSwapState(ctx, ideaID, approveChange(types.ApprovalManual, actor, ""))
	if err != nil {
		if errors.Is(err, ideas.ErrStateConflict) {
			// Lost a race; a concurrent approval counts as success.
			if latest, gerr := q.store.Get(ctx, ideaID); gerr == nil && latest.State == types.StateApproved {
				return latest, nil
			}
		}
		return nil, err
	}

	q.logger.Info().Str("idea_id", ideaID).Str("actor", actor).Msg("idea approved")
	return idea, nil
}

// Reject cancels a PENDING idea. Once approved an idea can no longer be
// rejected.
func (q *Queue) Reject(ctx context.Context, ideaID, actor, reason string) (*types.TradeIdea, error) {
	current, err := q.store.Get(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Check(current.State, types.StateRejected); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by " + actor
	}

	idea, err := q.store.CompareAndSwapState(ctx, ideaID, ideas.Change{
		From:   types.StatePending,
		To:     types.StateRejected,
		Actor:  actor,
		Reason: reason,
		Apply: func(i *types.TradeIdea, now time.Time) {
			i.ApprovalSource = types.ApprovalManual
			i.DecidedBy = actor
			i.DecidedAt = &now
		},
	})
	if err != nil {
		return nil, err
	}

	q.release(ideaID)
	q.logger.Info().Str("idea_id", ideaID).Str("actor", actor).Str("reason", reason).Msg("idea rejected")
	return idea, nil
}

// ExpireStale moves PENDING ideas whose signal is older than ttl to EXPIRED.
// Ideas that changed state concurrently are skipped.
func (q *Queue) ExpireStale(ctx context.Context, ttl time.Duration) ([]types.TradeIdea, error) {
	now := q.now()
	stale, err := q.store.PendingGeneratedBefore(ctx, now.Add(-ttl))
	if err != nil {
		return nil, fmt.Errorf("list stale ideas: %w", err)
	}

	var expired []types.TradeIdea
	for _, idea := range stale {
		reason := fmt.Sprintf("undecided for more than %s", ttl)
		updated, err := q.store.CompareAndSwapState(ctx, idea.ID, ideas.Change{
			From:   types.StatePending,
			To:     types.StateExpired,
			Actor:  ActorScheduler,
			Reason: reason,
		})
		if err != nil {
			if errors.Is(err, ideas.ErrStateConflict) {
				continue
			}
			return expired, fmt.Errorf("expire idea %s: %w", idea.ID, err)
		}
		q.release(idea.ID)
		expired = append(expired, *updated)
		q.logger.Info().Str("idea_id", idea.ID).Str("instrument", idea.Instrument).Msg("idea expired")
	}
	return expired, nil
}

func (q *Queue) release(ideaID string) {
	if q.releaser != nil {
		q.releaser.Release(ideaID)
	}
}

func approveChange(source types.ApprovalSource, actor, reason string) ideas.Change {
	return ideas.Change{
		From:   types.StatePending,
		To:     types.StateApproved,
		Actor:  actor,
		Reason: reason,
		Apply: func(i *types.TradeIdea, now time.Time) {
			i.ApprovalSource = source
			i.DecidedBy = actor
			i.DecidedAt = &now
		},
	}
}
