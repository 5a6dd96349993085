package domain

import "time"

// CircuitBreaker tracks consecutive losing cycles and enforces trading pauses.
type CircuitBreaker struct {
	ConsecutiveLosses int
	MaxLosses         int
	CooldownUntil     time.Time
	CooldownDuration  time.Duration
	TotalPnL          float64
	MaxDrawdown       float64 // negative dollar amount threshold, 0 disables
	Triggered         bool
	TriggeredReason   string
}

// IsOpen returns true if trading is allowed (circuit not triggered) at now.
func (cb *CircuitBreaker) IsOpen(now time.Time) bool {
	if cb.Triggered {
		return false
	}
	return !now.Before(cb.CooldownUntil)
}

// Record folds one cycle's net profit into the breaker. Anything below the
// success threshold counts as a loss.
func (cb *CircuitBreaker) Record(netProfit float64, success bool, now time.Time) {
	if success {
		cb.RecordWin(netProfit)
		return
	}
	cb.RecordLoss(netProfit, now)
}

// RecordLoss records a losing cycle and may trip the breaker.
func (cb *CircuitBreaker) RecordLoss(loss float64, now time.Time) {
	cb.ConsecutiveLosses++
	cb.TotalPnL += loss
	if cb.MaxLosses > 0 && cb.ConsecutiveLosses >= cb.MaxLosses {
		cb.CooldownUntil = now.Add(cb.CooldownDuration)
		cb.ConsecutiveLosses = 0
		cb.TriggeredReason = "consecutive losses"
	}
	if cb.MaxDrawdown < 0 && cb.TotalPnL < cb.MaxDrawdown {
		cb.Triggered = true
		cb.TriggeredReason = "max drawdown exceeded"
	}
}

// RecordWin resets the consecutive loss counter.
func (cb *CircuitBreaker) RecordWin(profit float64) {
	cb.ConsecutiveLosses = 0
	cb.TotalPnL += profit
}
