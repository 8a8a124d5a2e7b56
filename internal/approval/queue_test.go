package approval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-autopilot/internal/config"
	"github.com/ksred/klear-autopilot/internal/database"
	"github.com/ksred/klear-autopilot/internal/ideas"
	"github.com/ksred/klear-autopilot/internal/lifecycle"
	"github.com/ksred/klear-autopilot/internal/types"
)

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *fakeReleaser) Release(ideaID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, ideaID)
	return true
}

func newTestQueue(t *testing.T, policy Policy) (*Queue, *ideas.Database, *fakeReleaser) {
	t.Helper()
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "approval.db"),
	})
	require.NoError(t, err)
	store := ideas.NewDatabase(db)
	rel := &fakeReleaser{}
	return NewQueue(store, policy, rel), store, rel
}

func newIdea(instrument string, confidence int, generatedAt time.Time) *types.TradeIdea {
	return types.NewIdea(uuid.NewString(), types.Draft{
		Instrument:      instrument,
		Direction:       types.Long,
		Confidence:      confidence,
		Level:           "HIGH",
		Action:          types.ActionOpenOrScale,
		Entry:           1.1,
		StopLoss:        1.099,
		TakeProfit:      1.102,
		RiskRewardRatio: 2,
		GeneratedAt:     generatedAt,
	}, 1, 100)
}

func TestAdmitWithoutPolicyQueuesIdea(t *testing.T) {
	q, _, _ := newTestQueue(t, ConfidencePolicy{})
	ctx := context.Background()

	idea := newIdea("EUR_USD", 90, time.Now().UTC())
	require.NoError(t, q.Admit(ctx, idea))
	assert.Equal(t, types.StatePending, idea.State)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, idea.ID, pending[0].ID)
}

func TestAutoApprovedIdeaNeverShowsAsPending(t *testing.T) {
	policy := ConfidencePolicy{Enabled: true, MinConfidence: 75}
	q, store, _ := newTestQueue(t, policy)
	ctx := context.Background()

	idea := newIdea("EUR_USD", 82, time.Now().UTC())
	require.NoError(t, q.Admit(ctx, idea))
	assert.Equal(t, types.StateApproved, idea.State)
	assert.Equal(t, types.ApprovalAuto, idea.ApprovalSource)
	assert.Equal(t, ActorPolicy, idea.DecidedBy)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := store.History(ctx, idea.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, string(types.StateApproved), history[1].ToState)

	low := newIdea("GBP_USD", 70, time.Now().UTC())
	require.NoError(t, q.Admit(ctx, low))
	assert.Equal(t, types.StatePending, low.State)
}

func TestConfidencePolicy(t *testing.T) {
	t.Parallel()

	idea := newIdea("EUR_USD", 80, time.Now())

	tests := []struct {
		name   string
		policy ConfidencePolicy
		mutate func(*types.TradeIdea)
		want   bool
	}{
		{"disabled", ConfidencePolicy{MinConfidence: 75}, nil, false},
		{"approves", ConfidencePolicy{Enabled: true, MinConfidence: 75}, nil, true},
		{"below threshold", ConfidencePolicy{Enabled: true, MinConfidence: 85}, nil, false},
		{"left pending for audit", ConfidencePolicy{Enabled: true, MinConfidence: 75, LeavePendingForAudit: true}, nil, false},
		{"wrong action band", ConfidencePolicy{Enabled: true, MinConfidence: 75}, func(i *types.TradeIdea) { i.Action = types.ActionPendingOnly }, false},
		{"instrument not allowed", ConfidencePolicy{Enabled: true, MinConfidence: 75, Instruments: map[string]bool{"XAU_USD": true}}, nil, false},
	}

	for _, tt := range tests {
		cp := *idea
		if tt.mutate != nil {
			tt.mutate(&cp)
		}
		assert.Equal(t, tt.want, tt.policy.Approves(&cp), tt.name)
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	q, store, _ := newTestQueue(t, nil)
	ctx := context.Background()

	idea := newIdea("EUR_USD", 90, time.Now().UTC())
	require.NoError(t, q.Admit(ctx, idea))

	first, err := q.Approve(ctx, idea.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateApproved, first.State)
	assert.Equal(t, types.ApprovalManual, first.ApprovalSource)

	second, err := q.Approve(ctx, idea.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", second.DecidedBy)
	assert.Equal(t, first.Version, second.Version)

	history, err := store.History(ctx, idea.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRejectOnlyBeforeApproval(t *testing.T) {
	q, _, rel := newTestQueue(t, nil)
	ctx := context.Background()

	pending := newIdea("EUR_USD", 90, time.Now().UTC())
	require.NoError(t, q.Admit(ctx, pending))
	rejected, err := q.Reject(ctx, pending.ID, "alice", "news risk")
	require.NoError(t, err)
	assert.Equal(t, types.StateRejected, rejected.State)
	assert.Equal(t, "news risk", rejected.Reason)
	assert.Equal(t, []string{pending.ID}, rel.released)

	approved := newIdea("GBP_USD", 90, time.Now().UTC())
	require.NoError(t, q.Admit(ctx, approved))
	_, err = q.Approve(ctx, approved.ID, "alice")
	require.NoError(t, err)
	_, err = q.Reject(ctx, approved.ID, "bob", "changed my mind")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = q.Reject(ctx, "missing", "bob", "")
	assert.ErrorIs(t, err, ideas.ErrNotFound)

	_, err = q.Approve(ctx, pending.ID, "bob")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestExpireStalePendingIdeas(t *testing.T) {
	q, store, rel := newTestQueue(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	old := newIdea("EUR_USD", 90, now.Add(-31*time.Minute))
	fresh := newIdea("GBP_USD", 90, now.Add(-5*time.Minute))
	approvedOld := newIdea("USD_JPY", 90, now.Add(-2*time.Hour))
	require.NoError(t, q.Admit(ctx, old))
	require.NoError(t, q.Admit(ctx, fresh))
	require.NoError(t, q.Admit(ctx, approvedOld))
	_, err := q.Approve(ctx, approvedOld.ID, "alice")
	require.NoError(t, err)

	expired, err := q.ExpireStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	assert.Equal(t, types.StateExpired, expired[0].State)
	assert.Equal(t, []string{old.ID}, rel.released)

	got, err := store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)

	got, err = store.Get(ctx, approvedOld.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateApproved, got.State)
}
