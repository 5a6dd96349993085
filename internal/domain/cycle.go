package domain

import "time"

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitTimeout      ExitReason = "TIMEOUT"
	ExitMaxHold      ExitReason = "MAX_HOLD"
	ExitEntryFailed  ExitReason = "ENTRY_FAILED"
	ExitShutdown     ExitReason = "SHUTDOWN"
)

// TradeCycleResult is the terminal record of one lifecycle cycle.
// Success means NetProfit reached the minimum net profit threshold, not merely > 0.
type TradeCycleResult struct {
	ID            string
	Lane          string
	Exchange      string
	Symbol        string
	Side          Side
	OpportunityID string
	PositionID    string
	EntryPrice    float64
	ExitPrice     float64
	Size          float64
	Fees          float64
	NetProfit     float64
	MinNetProfit  float64
	ExitReason    ExitReason
	Success       bool
	ProfitLocked  bool
	StartedAt     time.Time
	EnteredAt     time.Time
	ClosedAt      time.Time
}

// HoldDuration returns the time between entry and close.
func (r TradeCycleResult) HoldDuration() time.Duration {
	if r.EnteredAt.IsZero() || r.ClosedAt.IsZero() {
		return 0
	}
	return r.ClosedAt.Sub(r.EnteredAt)
}

// Tuning holds the adaptive parameters a lane and its scanner venue run with.
type Tuning struct {
	TargetNetProfit float64
	MinScore        float64
	StopLossPercent float64
	TrailingPercent float64
	Cooldown        time.Duration
}

// ParameterNudge is a partial Tuning recommended after a cycle. Nil fields are left unchanged.
type ParameterNudge struct {
	TargetNetProfit *float64 `json:"target_net_profit,omitempty"`
	MinScore        *float64 `json:"min_score,omitempty"`
	StopLossPercent *float64 `json:"stop_loss_percent,omitempty"`
	TrailingPercent *float64 `json:"trailing_percent,omitempty"`
	CooldownMs      *int64   `json:"cooldown_ms,omitempty"`
	Note            string   `json:"note,omitempty"`
}

// IsEmpty returns true if the nudge changes nothing.
func (n ParameterNudge) IsEmpty() bool {
	return n.TargetNetProfit == nil && n.MinScore == nil && n.StopLossPercent == nil &&
		n.TrailingPercent == nil && n.CooldownMs == nil
}

// Apply returns t with the non-nil fields of n applied.
func (t Tuning) Apply(n ParameterNudge) Tuning {
	if n.TargetNetProfit != nil && *n.TargetNetProfit > 0 {
		t.TargetNetProfit = *n.TargetNetProfit
	}
	if n.MinScore != nil && *n.MinScore >= 0 && *n.MinScore <= 100 {
		t.MinScore = *n.MinScore
	}
	if n.StopLossPercent != nil && *n.StopLossPercent > 0 {
		t.StopLossPercent = *n.StopLossPercent
	}
	if n.TrailingPercent != nil && *n.TrailingPercent > 0 {
		t.TrailingPercent = *n.TrailingPercent
	}
	if n.CooldownMs != nil && *n.CooldownMs > 0 {
		t.Cooldown = time.Duration(*n.CooldownMs) * time.Millisecond
	}
	return t
}

// TradeAnalysisSummary is what the advisory collaborator is asked to tune from.
type TradeAnalysisSummary struct {
	Lane            string             `json:"lane"`
	Exchange        string             `json:"exchange"`
	CompletedTrades int                `json:"completed_trades"`
	WindowTrades    int                `json:"window_trades"`
	Wins            int                `json:"wins"`
	WinRate         float64            `json:"win_rate"`
	NetProfit       float64            `json:"net_profit"`
	AvgNetProfit    float64            `json:"avg_net_profit"`
	Timeouts        int                `json:"timeouts"`
	StopLosses      int                `json:"stop_losses"`
	AvgHoldSeconds  float64            `json:"avg_hold_seconds"`
	LastExitReason  ExitReason         `json:"last_exit_reason"`
	Current         TuningSnapshot     `json:"current"`
	ExitReasons     map[ExitReason]int `json:"exit_reasons"`
}

// TuningSnapshot is the JSON form of Tuning.
type TuningSnapshot struct {
	TargetNetProfit float64 `json:"target_net_profit"`
	MinScore        float64 `json:"min_score"`
	StopLossPercent float64 `json:"stop_loss_percent"`
	TrailingPercent float64 `json:"trailing_percent"`
	CooldownMs      int64   `json:"cooldown_ms"`
}

// Snapshot converts t to its JSON form.
func (t Tuning) Snapshot() TuningSnapshot {
	return TuningSnapshot{
		TargetNetProfit: t.TargetNetProfit,
		MinScore:        t.MinScore,
		StopLossPercent: t.StopLossPercent,
		TrailingPercent: t.TrailingPercent,
		CooldownMs:      t.Cooldown.Milliseconds(),
	}
}

// AnalysisOutcome is the result of the post-trade analysis step.
type AnalysisOutcome struct {
	Source string // "advisor" or "rules"
	Nudge  ParameterNudge
	Err    error // advisor error that caused the fallback, if any
}

// AuditReport is produced every N completed cycles.
type AuditReport struct {
	Lane              string
	GeneratedAt       time.Time
	CompletedTrades   int
	WindowTrades      int
	Wins              int
	Losses            int
	WinRate           float64
	NetProfit         float64
	AvgNetProfit      float64
	Timeouts          int
	StopLosses        int
	ProfitLocks       int
	ForcedTransitions int
	AvgHold           time.Duration
	Findings          []string
}

// DashboardSnapshot is the state a lane publishes after an audit.
type DashboardSnapshot struct {
	Lane            string
	State           TradingState
	CompletedTrades int
	TotalNetProfit  float64
	LastResult      *TradeCycleResult
	Audit           *AuditReport
	Tuning          Tuning
	GeneratedAt     time.Time
}
