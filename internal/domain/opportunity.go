package domain

import "time"

// Opportunity is a qualified trade emitted by the scanner and consumed at most once
// by a lifecycle lane. ProjectedNetProfit is at least the configured minimum when created.
type Opportunity struct {
	ID                 string
	Exchange           string
	Symbol             string
	Side               Side
	EntryPrice         float64
	ProjectedExitPrice float64
	ProjectedNetProfit float64
	Fees               float64 // round-trip fees at PositionSize
	SlippageBudget     float64 // USD
	PositionSize       float64 // quote notional
	TakeProfitPercent  float64
	Score              float64
	Confidence         float64
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// IsExpired returns true once now is past ExpiresAt.
func (o Opportunity) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// ProjectedExit returns the take-profit price for an entry at entry.
func ProjectedExit(side Side, entry, takeProfitPercent float64) float64 {
	move := takeProfitPercent / 100
	if side == SideShort {
		return entry * (1 - move)
	}
	return entry * (1 + move)
}

// StopPrice returns the stop-loss price for an entry at entry.
func StopPrice(side Side, entry, stopLossPercent float64) float64 {
	move := stopLossPercent / 100
	if side == SideShort {
		return entry * (1 + move)
	}
	return entry * (1 - move)
}
