package types

import "time"

// IdeaListResponse is returned by the idea listing endpoint.
type IdeaListResponse struct {
	Ideas  []TradeIdea       `json:"ideas"`
	Counts map[IdeaState]int `json:"counts"`
	Total  int               `json:"total"`
}

// BudgetResponse combines the persisted budget with live exposure.
type BudgetResponse struct {
	Budget        RiskBudget     `json:"budget"`
	ReservedLoss  float64        `json:"reserved_loss"`
	OpenLoss      float64        `json:"open_loss"`
	OpenPositions int            `json:"open_positions"`
	PendingIdeas  int            `json:"pending_ideas"`
	ByInstrument  map[string]int `json:"by_instrument"`
	Headroom      float64        `json:"headroom"`
}

// SchedulerStatus is the autonomy loop's self report.
type SchedulerStatus struct {
	Running         bool      `json:"running"`
	Interval        string    `json:"interval"`
	Instruments     []string  `json:"instruments"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitempty"`
	NextRunAt       time.Time `json:"next_run_at,omitempty"`
	Cycles          int       `json:"cycles"`
	ScanErrors      int       `json:"scan_errors"`
	IdeasCreated    int       `json:"ideas_created"`
	RiskRejections  int       `json:"risk_rejections"`
	Executions      int       `json:"executions"`
	FailedExecution int       `json:"failed_executions"`
	Expired         int       `json:"expired"`
}
