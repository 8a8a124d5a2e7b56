package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-autopilot/internal/approval"
	"github.com/ksred/klear-autopilot/internal/autonomy"
	"github.com/ksred/klear-autopilot/internal/config"
	"github.com/ksred/klear-autopilot/internal/database"
	"github.com/ksred/klear-autopilot/internal/ideas"
	"github.com/ksred/klear-autopilot/internal/risk"
	"github.com/ksred/klear-autopilot/internal/types"
	"github.com/ksred/klear-autopilot/pkg/response"
)

type fakeScanner struct {
	running  bool
	full     bool
	triggers []string
	cycles   []string
}

func (f *fakeScanner) TriggerScan(instrument string) error {
	if instrument == "BTC_USD" {
		return fmt.Errorf("%w: %s", autonomy.ErrUnknownInstrument, instrument)
	}
	if !f.running {
		return autonomy.ErrNotRunning
	}
	if f.full {
		return autonomy.ErrQueueFull
	}
	f.triggers = append(f.triggers, instrument)
	return nil
}

func (f *fakeScanner) RunCycle(_ context.Context, only string) autonomy.CycleReport {
	f.cycles = append(f.cycles, only)
	return autonomy.CycleReport{Instrument: only, Scanned: 1}
}

func (f *fakeScanner) Status() types.SchedulerStatus {
	return types.SchedulerStatus{Running: f.running, Interval: "15m0s", Instruments: []string{"EUR_USD"}}
}

type fixture struct {
	router  *gin.Engine
	store   *ideas.Database
	queue   *approval.Queue
	risk    *risk.Manager
	scanner *fakeScanner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "control.db"),
	})
	require.NoError(t, err)

	store := ideas.NewDatabase(db)
	rm := risk.NewManager(risk.NewDatabase(db), types.RiskBudget{
		AccountID:                 "ACC-TEST",
		DailyLossLimit:            1500,
		SessionStart:              "00:00",
		SessionEnd:                "00:00",
		Timezone:                  "UTC",
		MaxConcurrentPositions:    3,
		MaxPositionsPerInstrument: 1,
		PerInstrumentVolumeCap:    5,
		RiskPerTradePct:           0.01,
		AccountEquity:             100000,
	}, map[string]types.Instrument{
		"EUR_USD": {Symbol: "EUR_USD", ContractSize: 100000, MinVolume: 0.01, VolumeStep: 0.01, MaxVolume: 2, Precision: 5},
		"GBP_USD": {Symbol: "GBP_USD", ContractSize: 100000, MinVolume: 0.01, VolumeStep: 0.01, MaxVolume: 2, Precision: 5},
	})
	require.NoError(t, rm.Load(context.Background()))

	queue := approval.NewQueue(store, approval.ConfidencePolicy{}, rm)
	scanner := &fakeScanner{}

	router := gin.New()
	NewGinHandlers(NewService(store, queue, rm, scanner)).RegisterRoutes(router.Group("/api/v1"))

	return &fixture{router: router, store: store, queue: queue, risk: rm, scanner: scanner}
}

func draft(instrument string) types.Draft {
	return types.Draft{
		Instrument:      instrument,
		Direction:       types.Long,
		Confidence:      85,
		Level:           "HIGH",
		Action:          types.ActionOpenOrScale,
		Entry:           1.085,
		StopLoss:        1.0838,
		TakeProfit:      1.0874,
		Volume:          2,
		RiskRewardRatio: 2,
		GeneratedAt:     time.Now().UTC().Truncate(time.Minute),
	}
}

// pending admits a risk-checked PENDING idea.
func (f *fixture) pending(t *testing.T, instrument string) *types.TradeIdea {
	t.Helper()
	ctx := context.Background()
	d := draft(instrument)
	ideaID := uuid.NewString()
	dec, err := f.risk.Reserve(ctx, ideaID, d)
	require.NoError(t, err)
	require.True(t, dec.Allowed, dec.Reason())

	idea := types.NewIdea(ideaID, d, dec.Volume, dec.WorstCaseLoss)
	require.NoError(t, f.queue.Admit(ctx, idea))
	return idea
}

// executed drives an idea through approval and a recorded fill.
func (f *fixture) executed(t *testing.T, instrument string) *types.TradeIdea {
	t.Helper()
	ctx := context.Background()
	idea := f.pending(t, instrument)
	_, err := f.queue.Approve(ctx, idea.ID, "alice")
	require.NoError(t, err)
	_, err = f.store.CompareAndSwapState(ctx, idea.ID, ideas.Change{From: types.StateApproved, To: types.StateExecuting})
	require.NoError(t, err)
	done, err := f.store.CompareAndSwapState(ctx, idea.ID, ideas.Change{
		From: types.StateExecuting,
		To:   types.StateExecuted,
		Apply: func(i *types.TradeIdea, now time.Time) {
			i.Execution = types.ExecutionResult{Outcome: types.OutcomeFilled, OrderID: "ORD-1", FillPrice: 1.0851, CompletedAt: &now}
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.risk.Executed(ctx, idea.ID, 1.0851, time.Now()))
	return done
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *response.Error `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestListAndGetIdeas(t *testing.T) {
	f := newFixture(t)
	idea := f.pending(t, "EUR_USD")

	code, env := f.do(t, http.MethodGet, "/api/v1/ideas?state=pending", nil)
	require.Equal(t, http.StatusOK, code)
	var list types.IdeaListResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, idea.ID, list.Ideas[0].ID)
	assert.Equal(t, 1, list.Counts[types.StatePending])

	code, env = f.do(t, http.MethodGet, "/api/v1/ideas?state=EXECUTED", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Zero(t, list.Total)
	assert.NotNil(t, list.Ideas)

	code, env = f.do(t, http.MethodGet, "/api/v1/ideas/"+idea.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var got types.TradeIdea
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, types.StatePending, got.State)
	assert.InDelta(t, 240, got.WorstCaseLoss, 1e-9)

	code, env = f.do(t, http.MethodGet, "/api/v1/ideas/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, response.ErrCodeNotFound, env.Error.Code)

	code, env = f.do(t, http.MethodGet, "/api/v1/ideas?state=OPEN", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, response.ErrCodeValidationFailed, env.Error.Code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/ideas?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestApproveAndRejectEndpoints(t *testing.T) {
	f := newFixture(t)
	first := f.pending(t, "EUR_USD")
	second := f.pending(t, "GBP_USD")

	code, env := f.do(t, http.MethodPost, "/api/v1/ideas/"+first.ID+"/approve", nil, OperatorHeader, "alice")
	require.Equal(t, http.StatusOK, code)
	var approved types.TradeIdea
	require.NoError(t, json.Unmarshal(env.Data, &approved))
	assert.Equal(t, types.StateApproved, approved.State)
	assert.Equal(t, "alice", approved.DecidedBy)

	// Approving twice is a no-op.
	code, _ = f.do(t, http.MethodPost, "/api/v1/ideas/"+first.ID+"/approve", decisionRequest{Actor: "bob"})
	assert.Equal(t, http.StatusOK, code)

	// Once approved, an idea can no longer be rejected.
	code, env = f.do(t, http.MethodPost, "/api/v1/ideas/"+first.ID+"/reject", decisionRequest{Actor: "bob", Reason: "late"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, response.ErrCodeInvalidTransition, env.Error.Code)

	code, env = f.do(t, http.MethodPost, "/api/v1/ideas/"+second.ID+"/reject", decisionRequest{Reason: "news risk"})
	require.Equal(t, http.StatusOK, code)
	var rejected types.TradeIdea
	require.NoError(t, json.Unmarshal(env.Data, &rejected))
	assert.Equal(t, types.StateRejected, rejected.State)
	assert.Equal(t, DefaultActor, rejected.DecidedBy)
	assert.Equal(t, "news risk", rejected.Reason)

	// Rejection frees the idea's reserved risk.
	assert.InDelta(t, 240, f.risk.Snapshot().ReservedLoss, 1e-9)

	code, env = f.do(t, http.MethodGet, "/api/v1/ideas/"+second.ID+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	var history []types.Transition
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "REJECTED", history[1].ToState)

	code, _ = f.do(t, http.MethodGet, "/api/v1/ideas/missing/history", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = f.do(t, http.MethodGet, "/api/v1/instruments/GBP_USD/history?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Len(t, history, 1)
}

func TestClosePositionEndpoint(t *testing.T) {
	f := newFixture(t)
	idea := f.executed(t, "EUR_USD")
	open := f.pending(t, "GBP_USD")

	code, env := f.do(t, http.MethodPost, "/api/v1/ideas/"+open.ID+"/close", map[string]float64{"pnl": -10})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, response.ErrCodeInvalidTransition, env.Error.Code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/ideas/"+idea.ID+"/close", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, http.MethodPost, "/api/v1/ideas/"+idea.ID+"/close", map[string]float64{"pnl": -120.5})
	require.Equal(t, http.StatusOK, code)
	var pos types.Position
	require.NoError(t, json.Unmarshal(env.Data, &pos))
	assert.NotNil(t, pos.ClosedAt)
	assert.InDelta(t, -120.5, pos.RealizedPL, 1e-9)

	snap := f.risk.Snapshot()
	assert.InDelta(t, 120.5, snap.Budget.DailyRealizedLoss, 1e-9)
	assert.Zero(t, snap.OpenPositions)

	code, _ = f.do(t, http.MethodPost, "/api/v1/ideas/"+idea.ID+"/close", map[string]float64{"pnl": 5})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBudgetEndpoints(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodGet, "/api/v1/risk/budget", nil)
	require.Equal(t, http.StatusOK, code)
	var snap types.BudgetResponse
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, 1500.0, snap.Budget.DailyLossLimit)
	assert.Equal(t, 1500.0, snap.Headroom)

	code, env = f.do(t, http.MethodPatch, "/api/v1/risk/budget", map[string]interface{}{
		"daily_loss_limit": 900,
		"session_start":    "07:00",
		"session_end":      "21:00",
	})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, 900.0, snap.Budget.DailyLossLimit)
	assert.Equal(t, "07:00", snap.Budget.SessionStart)
	assert.Equal(t, 3, snap.Budget.MaxConcurrentPositions)

	code, env = f.do(t, http.MethodPatch, "/api/v1/risk/budget", map[string]interface{}{"timezone": "Nowhere/Land"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, response.ErrCodeValidationFailed, env.Error.Code)
	assert.Equal(t, "UTC", f.risk.Snapshot().Budget.Timezone)
}

func TestScanEndpoint(t *testing.T) {
	f := newFixture(t)

	// Idle scheduler: the cycle runs inline.
	code, env := f.do(t, http.MethodPost, "/api/v1/scan", scanRequest{Instrument: "EUR_USD"})
	require.Equal(t, http.StatusOK, code)
	var out ScanResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.False(t, out.Queued)
	require.NotNil(t, out.Report)
	assert.Equal(t, 1, out.Report.Scanned)
	assert.Equal(t, []string{"EUR_USD"}, f.scanner.cycles)

	f.scanner.running = true
	code, env = f.do(t, http.MethodPost, "/api/v1/scan", nil)
	require.Equal(t, http.StatusAccepted, code)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.Queued)
	assert.Equal(t, []string{""}, f.scanner.triggers)

	code, env = f.do(t, http.MethodPost, "/api/v1/scan?instrument=BTC_USD", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, response.ErrCodeValidationFailed, env.Error.Code)

	f.scanner.full = true
	code, _ = f.do(t, http.MethodPost, "/api/v1/scan", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, env = f.do(t, http.MethodGet, "/api/v1/autonomy/status", nil)
	require.Equal(t, http.StatusOK, code)
	var st types.SchedulerStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Running)
	assert.Equal(t, "15m0s", st.Interval)
}
