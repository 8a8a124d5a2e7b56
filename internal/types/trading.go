package types

import (
	"time"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

type IdeaState string

const (
	StatePending   IdeaState = "PENDING"
	StateApproved  IdeaState = "APPROVED"
	StateRejected  IdeaState = "REJECTED"
	StateExecuting IdeaState = "EXECUTING"
	StateExecuted  IdeaState = "EXECUTED"
	StateFailed    IdeaState = "FAILED"
	StateExpired   IdeaState = "EXPIRED"
)

// IsTerminal reports whether no further transition may leave the state.
func (s IdeaState) IsTerminal() bool {
	switch s {
	case StateRejected, StateExecuted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// ActiveStates are the non-terminal states. An instrument holds at most one
// idea in any of them.
var ActiveStates = []IdeaState{StatePending, StateApproved, StateExecuting}

type ApprovalSource string

const (
	ApprovalManual ApprovalSource = "MANUAL"
	ApprovalAuto   ApprovalSource = "AUTO"
)

type Outcome string

const (
	OutcomeFilled   Outcome = "FILLED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeError    Outcome = "ERROR"
)

// ExecutionResult is the venue's answer for a claimed idea. A zero Outcome
// means no terminal execution attempt has been recorded yet.
type ExecutionResult struct {
	Outcome     Outcome    `json:"outcome,omitempty"`
	OrderID     string     `json:"order_id,omitempty"`
	FillPrice   float64    `json:"fill_price,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type TradeIdea struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	Instrument      string          `gorm:"size:32;not null;uniqueIndex:idx_trade_ideas_instrument_generated,priority:1" json:"instrument"`
	Direction       Direction       `gorm:"size:8;not null" json:"direction"`
	Confidence      int             `json:"confidence"`
	ConfidenceLevel string          `gorm:"size:8" json:"confidence_level"`
	Action          Action          `gorm:"size:16" json:"action"`
	Entry           float64         `json:"entry"`
	StopLoss        float64         `json:"stop_loss"`
	TakeProfit      float64         `json:"take_profit"`
	Volume          float64         `json:"volume"`
	RiskRewardRatio float64         `json:"risk_reward_ratio"`
	WorstCaseLoss   float64         `json:"worst_case_loss"`
	GeneratedAt     time.Time       `gorm:"not null;uniqueIndex:idx_trade_ideas_instrument_generated,priority:2" json:"generated_at"`
	TimeframesUsed  []Timeframe     `gorm:"serializer:json" json:"timeframes_used"`
	State           IdeaState       `gorm:"size:16;not null;index" json:"state"`
	ApprovalSource  ApprovalSource  `gorm:"size:8" json:"approval_source,omitempty"`
	DecidedBy       string          `gorm:"size:64" json:"decided_by,omitempty"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	Execution       ExecutionResult `gorm:"embedded;embeddedPrefix:execution_" json:"execution"`
	// NeedsReconciliation marks a FAILED idea whose venue outcome is unknown.
	NeedsReconciliation bool      `json:"needs_reconciliation"`
	Version             int       `gorm:"not null;default:1" json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasExecutionResult reports whether a terminal execution attempt was recorded.
func (i *TradeIdea) HasExecutionResult() bool {
	return i.Execution.Outcome != ""
}

// NewIdea builds a PENDING idea from a risk-checked draft. Volume and worst
// case loss come from the risk decision, never from the draft.
func NewIdea(id string, d Draft, volume, worstCaseLoss float64) *TradeIdea {
	used := make([]Timeframe, len(d.TimeframesUsed))
	copy(used, d.TimeframesUsed)
	return &TradeIdea{
		ID:              id,
		Instrument:      d.Instrument,
		Direction:       d.Direction,
		Confidence:      d.Confidence,
		ConfidenceLevel: d.Level,
		Action:          d.Action,
		Entry:           d.Entry,
		StopLoss:        d.StopLoss,
		TakeProfit:      d.TakeProfit,
		Volume:          volume,
		RiskRewardRatio: d.RiskRewardRatio,
		WorstCaseLoss:   worstCaseLoss,
		GeneratedAt:     d.GeneratedAt,
		TimeframesUsed:  used,
		State:           StatePending,
	}
}

// Transition is one row of the append-only audit trail.
type Transition struct {
	ID         string    `gorm:"primaryKey;size:26" json:"id"`
	IdeaID     string    `gorm:"size:36;index" json:"idea_id,omitempty"`
	Instrument string    `gorm:"size:32;index" json:"instrument"`
	FromState  string    `gorm:"size:16" json:"from_state"`
	ToState    string    `gorm:"size:16;not null" json:"to_state"`
	Actor      string    `gorm:"size:64" json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `gorm:"not null;index" json:"at"`
}

func (Transition) TableName() string {
	return "idea_transitions"
}

// RiskRejected is the audit to-state for drafts refused by the risk manager.
// No idea row exists for them.
const RiskRejected = "RISK_REJECTED"
