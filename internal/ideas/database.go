package ideas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-autopilot/internal/lifecycle"
	"github.com/ksred/klear-autopilot/internal/types"
	"github.com/ksred/klear-autopilot/pkg/id"
)

var (
	ErrNotFound         = errors.New("idea not found")
	ErrStateConflict    = errors.New("idea state changed concurrently")
	ErrActiveIdeaExists = errors.New("instrument already has an active idea")
	ErrDuplicateIdea    = errors.New("idea already recorded for this instrument and signal time")
)

// Change describes one state transition. Apply may set the mutable
// decision and execution fields on the idea; it must not touch identity or
// signal fields.
type Change struct {
	From   types.IdeaState
	To     types.IdeaState
	Actor  string
	Reason string
	Apply  func(idea *types.TradeIdea, now time.Time)
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	States     []types.IdeaState
	Instrument string
	Limit      int
}

type Database struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (d *Database) SetClock(now func() time.Time) {
	d.now = now
}

// Create inserts a PENDING idea with its creation audit row and then applies
// the follow-up changes inside the same transaction. Either everything is
// committed or nothing is.
func (d *Database) Create(ctx context.Context, idea *types.TradeIdea, actor string, follow ...Change) error {
	now := d.now()
	idea.State = types.StatePending
	idea.Version = 1
	idea.CreatedAt = now
	idea.UpdatedAt = now
	idea.GeneratedAt = idea.GeneratedAt.UTC()

	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.Create(idea).Error; err != nil {
		tx.Rollback()
		if isDuplicate(err) {
			return d.classifyDuplicate(ctx, idea)
		}
		return fmt.Errorf("insert idea: %w", err)
	}

	if err := tx.Create(newTransition(idea, "", types.StatePending, actor, "", now)).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("insert creation audit: %w", err)
	}

	for _, ch := range follow {
		if err := applyChange(tx, idea, ch, now); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}

func (d *Database) Get(ctx context.Context, ideaID string) (*types.TradeIdea, error) {
	var idea types.TradeIdea
	if err := d.db.WithContext(ctx).Where("id = ?", ideaID).First(&idea).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &idea, nil
}

// CompareAndSwapState moves an idea from ch.From to ch.To. The update only
// lands if the row is still in ch.From at the version that was read; a lost
// race returns ErrStateConflict and changes nothing.
func (d *Database) CompareAndSwapState(ctx context.Context, ideaID string, ch Change) (*types.TradeIdea, error) {
	if err := lifecycle.Check(ch.From, ch.To); err != nil {
		return nil, err
	}

	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var idea types.TradeIdea
	if err := tx.Where("id = ?", ideaID).First(&idea).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := applyChange(tx, &idea, ch, d.now()); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &idea, nil
}

func applyChange(tx *gorm.DB, idea *types.TradeIdea, ch Change, now time.Time) error {
	if err := lifecycle.Check(ch.From, ch.To); err != nil {
		return err
	}
	if idea.State != ch.From {
		return fmt.Errorf("%w: idea %s is %s, expected %s", ErrStateConflict, idea.ID, idea.State, ch.From)
	}

	next := *idea
	next.State = ch.To
	if ch.Reason != "" {
		next.Reason = ch.Reason
	}
	if ch.Apply != nil {
		ch.Apply(&next, now)
	}
	next.Version = idea.Version + 1
	next.UpdatedAt = now

	res := tx.Model(&types.TradeIdea{}).
		Where("id = ? AND state = ? AND version = ?", idea.ID, ch.From, idea.Version).
		Updates(mutableColumns(&next))
	if res.Error != nil {
		return fmt.Errorf("update idea state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: idea %s left %s", ErrStateConflict, idea.ID, ch.From)
	}

	if err := tx.Create(newTransition(&next, ch.From, ch.To, ch.Actor, ch.Reason, now)).Error; err != nil {
		return fmt.Errorf("insert transition audit: %w", err)
	}

	*idea = next
	return nil
}

// mutableColumns lists every column a transition may write. Identity and
// signal columns are never part of it.
func mutableColumns(i *types.TradeIdea) map[string]interface{} {
	return map[string]interface{}{
		"state":                  i.State,
		"approval_source":        i.ApprovalSource,
		"decided_by":             i.DecidedBy,
		"decided_at":             i.DecidedAt,
		"reason":                 i.Reason,
		"claimed_at":             i.ClaimedAt,
		"execution_outcome":      i.Execution.Outcome,
		"execution_order_id":     i.Execution.OrderID,
		"execution_fill_price":   i.Execution.FillPrice,
		"execution_error":        i.Execution.Error,
		"execution_completed_at": i.Execution.CompletedAt,
		"needs_reconciliation":   i.NeedsReconciliation,
		"version":                i.Version,
		"updated_at":             i.UpdatedAt,
	}
}

// List returns ideas newest first.
func (d *Database) List(ctx context.Context, f Filter) ([]types.TradeIdea, error) {
	q := d.db.WithContext(ctx).Model(&types.TradeIdea{})
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if f.Instrument != "" {
		q = q.Where("instrument = ?", f.Instrument)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []types.TradeIdea
	if err := q.Order("generated_at DESC").Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListByState returns ideas in one state, oldest signal first.
func (d *Database) ListByState(ctx context.Context, state types.IdeaState) ([]types.TradeIdea, error) {
	var out []types.TradeIdea
	err := d.db.WithContext(ctx).
		Where("state = ?", state).
		Order("generated_at ASC").
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Active returns every non-terminal idea.
func (d *Database) Active(ctx context.Context) ([]types.TradeIdea, error) {
	var out []types.TradeIdea
	err := d.db.WithContext(ctx).
		Where("state IN ?", types.ActiveStates).
		Order("generated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveInstruments maps each instrument holding a non-terminal idea to that
// idea's state.
func (d *Database) ActiveInstruments(ctx context.Context) (map[string]types.IdeaState, error) {
	active, err := d.Active(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.IdeaState, len(active))
	for _, idea := range active {
		out[idea.Instrument] = idea.State
	}
	return out, nil
}

// PendingGeneratedBefore returns PENDING ideas whose signal is older than cutoff.
func (d *Database) PendingGeneratedBefore(ctx context.Context, cutoff time.Time) ([]types.TradeIdea, error) {
	var out []types.TradeIdea
	err := d.db.WithContext(ctx).
		Where("state = ? AND generated_at < ?", types.StatePending, cutoff.UTC()).
		Order("generated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimedBefore returns EXECUTING ideas claimed before cutoff.
func (d *Database) ClaimedBefore(ctx context.Context, cutoff time.Time) ([]types.TradeIdea, error) {
	var out []types.TradeIdea
	err := d.db.WithContext(ctx).
		Where("state = ? AND claimed_at < ?", types.StateExecuting, cutoff.UTC()).
		Order("claimed_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) CountByState(ctx context.Context) (map[types.IdeaState]int, error) {
	var rows []struct {
		State types.IdeaState
		N     int
	}
	err := d.db.WithContext(ctx).
		Model(&types.TradeIdea{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.IdeaState]int, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// History returns the audit trail of one idea in the order it was written.
func (d *Database) History(ctx context.Context, ideaID string) ([]types.Transition, error) {
	var out []types.Transition
	err := d.db.WithContext(ctx).
		Where("idea_id = ?", ideaID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InstrumentHistory returns the newest audit rows for an instrument,
// including risk rejections that never produced an idea.
func (d *Database) InstrumentHistory(ctx context.Context, instrument string, limit int) ([]types.Transition, error) {
	q := d.db.WithContext(ctx).Where("instrument = ?", instrument).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []types.Transition
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordRiskRejection appends an audit row for a draft the risk manager
// refused. No idea row is written.
func (d *Database) RecordRiskRejection(ctx context.Context, instrument, actor, reason string) error {
	now := d.now()
	row := &types.Transition{
		ID:         id.NewAt(now),
		Instrument: instrument,
		ToState:    types.RiskRejected,
		Actor:      actor,
		Reason:     reason,
		At:         now,
	}
	return d.db.WithContext(ctx).Create(row).Error
}

func newTransition(idea *types.TradeIdea, from, to types.IdeaState, actor, reason string, at time.Time) *types.Transition {
	return &types.Transition{
		ID:         id.NewAt(at),
		IdeaID:     idea.ID,
		Instrument: idea.Instrument,
		FromState:  string(from),
		ToState:    string(to),
		Actor:      actor,
		Reason:     reason,
		At:         at,
	}
}

// classifyDuplicate runs outside the failed transaction, which postgres
// has already aborted.
func (d *Database) classifyDuplicate(ctx context.Context, idea *types.TradeIdea) error {
	var n int64
	err := d.db.WithContext(ctx).
		Model(&types.TradeIdea{}).
		Where("instrument = ? AND generated_at = ?", idea.Instrument, idea.GeneratedAt).
		Count(&n).Error
	if err == nil && n > 0 {
		return fmt.Errorf("%w: %s at %s", ErrDuplicateIdea, idea.Instrument, idea.GeneratedAt.Format(time.RFC3339))
	}
	return fmt.Errorf("%w: %s", ErrActiveIdeaExists, idea.Instrument)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
