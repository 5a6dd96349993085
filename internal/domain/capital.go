package domain

import "time"

// CapitalTolerance is the rounding tolerance of the ledger invariant deployed + idle == total.
const CapitalTolerance = 1e-6

// ExchangeCapital is the ledger entry of one exchange account.
type ExchangeCapital struct {
	Exchange    string
	Total       float64
	Deployed    float64
	Idle        float64
	Utilization float64 // percent, deployed / total × 100
	RealizedPnL float64
	OpenCount   int
	UpdatedAt   time.Time
}

// Position is a capital reservation tracked by the capital manager, independent of
// the lifecycle's own bookkeeping.
type Position struct {
	ID         string
	Exchange   string
	Symbol     string
	Side       Side
	EntryPrice float64
	Size       float64
	OpenedAt   time.Time
}

// CapitalStatus is the per-exchange ledger plus aggregate roll-ups.
type CapitalStatus struct {
	Exchanges   []ExchangeCapital
	Total       float64
	Deployed    float64
	Idle        float64
	Utilization float64 // percent
	RealizedPnL float64
	Positions   int
	At          time.Time
}

// IdleAction is what the capital manager recommends when funds sit unused.
type IdleAction string

const (
	IdleAlert      IdleAction = "alert"
	IdleAutoDeploy IdleAction = "auto_deploy"
)

// IdleDecision is emitted once per idle episode on an exchange.
type IdleDecision struct {
	Exchange    string
	IdleAmount  float64
	Utilization float64
	IdleFor     time.Duration
	Action      IdleAction
	At          time.Time
}
