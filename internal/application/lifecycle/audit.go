package lifecycle

import (
	"fmt"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// Summary aggregates the recent result window for the advisor.
func (s *StateMachine) Summary() domain.TradeAnalysisSummary {
	sum := domain.TradeAnalysisSummary{
		Lane:            s.cfg.Lane,
		Exchange:        s.cfg.Exchange,
		CompletedTrades: s.completed,
		WindowTrades:    len(s.results),
		Current:         s.tuning.Snapshot(),
		ExitReasons:     make(map[domain.ExitReason]int),
	}
	if len(s.results) == 0 {
		return sum
	}

	var hold time.Duration
	for _, r := range s.results {
		if r.Success {
			sum.Wins++
		}
		sum.NetProfit += r.NetProfit
		sum.ExitReasons[r.ExitReason]++
		hold += r.HoldDuration()
	}
	n := float64(len(s.results))
	sum.WinRate = float64(sum.Wins) / n
	sum.AvgNetProfit = sum.NetProfit / n
	sum.Timeouts = sum.ExitReasons[domain.ExitTimeout]
	sum.StopLosses = sum.ExitReasons[domain.ExitStopLoss]
	sum.AvgHoldSeconds = hold.Seconds() / n
	sum.LastExitReason = s.results[len(s.results)-1].ExitReason
	return sum
}

// GenerateAudit moves to SelfAudit and reports on the cycles since the last
// audit (at most the audit interval, bounded by the result window).
//
//	winRate   = wins / windowTrades
//	findings  = win rate < 50%, timeouts > 20%, stop losses > 30%, net < 0, forced transitions
func (s *StateMachine) GenerateAudit() (domain.AuditReport, error) {
	if err := s.Transition(domain.StateSelfAudit, "self-audit due", map[string]any{
		"completed_trades": s.completed,
	}); err != nil {
		return domain.AuditReport{}, err
	}

	window := s.results
	if len(window) > s.cfg.AuditInterval {
		window = window[len(window)-s.cfg.AuditInterval:]
	}

	report := domain.AuditReport{
		Lane:              s.cfg.Lane,
		GeneratedAt:       s.now(),
		CompletedTrades:   s.completed,
		WindowTrades:      len(window),
		ForcedTransitions: s.forced - s.forcedAtAudit,
	}
	var hold time.Duration
	for _, r := range window {
		if r.Success {
			report.Wins++
		} else {
			report.Losses++
		}
		report.NetProfit += r.NetProfit
		hold += r.HoldDuration()
		switch r.ExitReason {
		case domain.ExitTimeout:
			report.Timeouts++
		case domain.ExitStopLoss:
			report.StopLosses++
		}
		if r.ProfitLocked {
			report.ProfitLocks++
		}
	}
	if n := len(window); n > 0 {
		report.WinRate = float64(report.Wins) / float64(n)
		report.AvgNetProfit = report.NetProfit / float64(n)
		report.AvgHold = hold / time.Duration(n)

		if report.WinRate < 0.5 {
			report.Findings = append(report.Findings,
				fmt.Sprintf("win rate %.0f%% below 50%%", report.WinRate*100))
		}
		if float64(report.Timeouts)/float64(n) > 0.2 {
			report.Findings = append(report.Findings,
				fmt.Sprintf("%d of %d exits timed out; take-profit may be too far", report.Timeouts, n))
		}
		if float64(report.StopLosses)/float64(n) > 0.3 {
			report.Findings = append(report.Findings,
				fmt.Sprintf("%d of %d exits hit the stop loss", report.StopLosses, n))
		}
		if report.NetProfit < 0 {
			report.Findings = append(report.Findings,
				fmt.Sprintf("window net $%.2f is negative", report.NetProfit))
		}
	}
	if report.ForcedTransitions > 0 {
		report.Findings = append(report.Findings,
			fmt.Sprintf("%d forced transitions since last audit", report.ForcedTransitions))
	}

	s.forcedAtAudit = s.forced
	r := report
	s.lastAudit = &r
	return report, nil
}

// GenerateDashboard moves to Dashboard and returns the lane snapshot.
func (s *StateMachine) GenerateDashboard() (domain.DashboardSnapshot, error) {
	if err := s.Transition(domain.StateDashboard, "dashboard published", nil); err != nil {
		return domain.DashboardSnapshot{}, err
	}
	return s.Dashboard(), nil
}

// Dashboard returns the lane snapshot without changing state.
func (s *StateMachine) Dashboard() domain.DashboardSnapshot {
	snap := domain.DashboardSnapshot{
		Lane:            s.cfg.Lane,
		State:           s.state,
		CompletedTrades: s.completed,
		TotalNetProfit:  s.totalNet,
		Tuning:          s.tuning,
		GeneratedAt:     s.now(),
	}
	if s.lastResult != nil {
		r := *s.lastResult
		snap.LastResult = &r
	}
	if s.lastAudit != nil {
		a := *s.lastAudit
		a.Findings = append([]string(nil), s.lastAudit.Findings...)
		snap.Audit = &a
	}
	return snap
}
