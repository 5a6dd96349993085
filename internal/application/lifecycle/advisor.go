package lifecycle

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

const minTradesForTuning = 3

// RuleAdvisor is the deterministic parameter tuner. It is a complete tuner in its
// own right and the fallback whenever the remote advisor is absent or fails.
//
//	winRate < 40%          → MinScore +5, cooldown ×1.5
//	winRate > 70%, avg > 0 → MinScore −2, cooldown ×0.8
//	timeouts > 25%         → target ×0.9 (not below MinTarget)
//	stop losses > 30%      → stop loss ×1.2 (not above MaxStopLoss)
//	avg net < 0            → trailing ×0.8 (not below MinTrailing)
type RuleAdvisor struct {
	MinTarget     float64
	MinScoreFloor float64
	MinScoreCeil  float64
	MaxStopLoss   float64
	MinTrailing   float64
	MinCooldown   time.Duration
	MaxCooldown   time.Duration
}

// DefaultRuleAdvisor returns the tuner used by lanes, never lowering the target
// below minNetProfit.
func DefaultRuleAdvisor(minNetProfit float64) RuleAdvisor {
	return RuleAdvisor{
		MinTarget:     minNetProfit,
		MinScoreFloor: 20,
		MinScoreCeil:  90,
		MaxStopLoss:   2.0,
		MinTrailing:   0.05,
		MinCooldown:   defaultMinCooldown,
		MaxCooldown:   defaultMaxCooldown,
	}
}

// Recommend implements ports.Advisor. It never fails.
func (a RuleAdvisor) Recommend(_ context.Context, sum domain.TradeAnalysisSummary) (domain.ParameterNudge, error) {
	var n domain.ParameterNudge
	if sum.WindowTrades < minTradesForTuning {
		return n, nil
	}

	cur := sum.Current
	trades := float64(sum.WindowTrades)
	var notes []string

	switch {
	case sum.WinRate < 0.4:
		n.MinScore = ptr(math.Min(cur.MinScore+5, a.MinScoreCeil))
		n.CooldownMs = ptr(a.cooldownMs(float64(cur.CooldownMs) * 1.5))
		notes = append(notes, "low win rate: stricter gate, slower cadence")
	case sum.WinRate > 0.7 && sum.AvgNetProfit > 0:
		n.MinScore = ptr(math.Max(cur.MinScore-2, a.MinScoreFloor))
		n.CooldownMs = ptr(a.cooldownMs(float64(cur.CooldownMs) * 0.8))
		notes = append(notes, "high win rate: looser gate, faster cadence")
	}

	if float64(sum.Timeouts)/trades > 0.25 {
		n.TargetNetProfit = ptr(math.Max(cur.TargetNetProfit*0.9, a.MinTarget))
		notes = append(notes, "frequent timeouts: nearer target")
	}
	if float64(sum.StopLosses)/trades > 0.3 {
		n.StopLossPercent = ptr(math.Min(cur.StopLossPercent*1.2, a.MaxStopLoss))
		notes = append(notes, "frequent stop losses: wider stop")
	}
	if sum.AvgNetProfit < 0 && cur.TrailingPercent > 0 {
		n.TrailingPercent = ptr(math.Max(cur.TrailingPercent*0.8, a.MinTrailing))
		notes = append(notes, "negative average: tighter trailing")
	}

	n.Note = strings.Join(notes, "; ")
	return n, nil
}

func (a RuleAdvisor) cooldownMs(ms float64) int64 {
	d := clampDuration(time.Duration(ms)*time.Millisecond, a.MinCooldown, a.MaxCooldown)
	return d.Milliseconds()
}

func ptr[T any](v T) *T { return &v }
