package domain

import "time"

// TradingState is the lifecycle state of one trading lane.
type TradingState string

const (
	StateIdle        TradingState = "IDLE"
	StateQualified   TradingState = "QUALIFIED"
	StateEntered     TradingState = "ENTERED"
	StateProfitLock  TradingState = "PROFIT_LOCK"
	StateExit        TradingState = "EXIT"
	StateSpeedAdjust TradingState = "SPEED_ADJUST"
	StateAIAnalysis  TradingState = "AI_ANALYSIS"
	StateSelfAudit   TradingState = "SELF_AUDIT"
	StateDashboard   TradingState = "DASHBOARD"
)

// legalTransitions is the adjacency table of the lifecycle.
var legalTransitions = map[TradingState][]TradingState{
	StateIdle:        {StateQualified},
	StateQualified:   {StateEntered, StateIdle},
	StateEntered:     {StateProfitLock, StateExit},
	StateProfitLock:  {StateExit},
	StateExit:        {StateSpeedAdjust},
	StateSpeedAdjust: {StateAIAnalysis},
	StateAIAnalysis:  {StateSelfAudit, StateIdle},
	StateSelfAudit:   {StateDashboard},
	StateDashboard:   {StateIdle},
}

// CanTransition reports whether from → to is in the adjacency table.
func CanTransition(from, to TradingState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HasOpenPosition returns true for states where capital is committed.
func (s TradingState) HasOpenPosition() bool {
	return s == StateEntered || s == StateProfitLock
}

// StateTransition is one append-only entry of a lane's transition log.
type StateTransition struct {
	Lane    string
	From    TradingState
	To      TradingState
	At      time.Time
	Reason  string
	Forced  bool
	Payload map[string]any
}
