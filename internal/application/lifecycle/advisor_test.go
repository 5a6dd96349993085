package lifecycle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arbengine/internal/application/lifecycle"
	"github.com/alejandrodnm/arbengine/internal/domain"
)

func summary(trades, wins, timeouts, stops int, avg float64) domain.TradeAnalysisSummary {
	return domain.TradeAnalysisSummary{
		WindowTrades: trades,
		Wins:         wins,
		WinRate:      float64(wins) / float64(trades),
		AvgNetProfit: avg,
		NetProfit:    avg * float64(trades),
		Timeouts:     timeouts,
		StopLosses:   stops,
		Current: domain.TuningSnapshot{
			TargetNetProfit: 1.0,
			MinScore:        40,
			StopLossPercent: 0.5,
			TrailingPercent: 0.15,
			CooldownMs:      1000,
		},
	}
}

func TestRuleAdvisor_Recommend(t *testing.T) {
	adv := lifecycle.DefaultRuleAdvisor(0.5)
	ctx := context.Background()

	t.Run("too few trades", func(t *testing.T) {
		n, err := adv.Recommend(ctx, summary(2, 0, 2, 0, -1))
		require.NoError(t, err)
		assert.True(t, n.IsEmpty())
	})

	t.Run("losing streak tightens gate", func(t *testing.T) {
		n, err := adv.Recommend(ctx, summary(10, 2, 0, 0, 0.1))
		require.NoError(t, err)
		require.NotNil(t, n.MinScore)
		assert.InDelta(t, 45.0, *n.MinScore, 1e-9)
		require.NotNil(t, n.CooldownMs)
		assert.Equal(t, int64(1500), *n.CooldownMs)
		assert.Nil(t, n.TargetNetProfit)
	})

	t.Run("winning streak loosens gate", func(t *testing.T) {
		n, err := adv.Recommend(ctx, summary(10, 8, 0, 0, 0.8))
		require.NoError(t, err)
		require.NotNil(t, n.MinScore)
		assert.InDelta(t, 38.0, *n.MinScore, 1e-9)
		assert.Equal(t, int64(800), *n.CooldownMs)
	})

	t.Run("timeouts bring target nearer", func(t *testing.T) {
		n, err := adv.Recommend(ctx, summary(8, 4, 3, 0, 0.4))
		require.NoError(t, err)
		require.NotNil(t, n.TargetNetProfit)
		assert.InDelta(t, 0.9, *n.TargetNetProfit, 1e-9)
	})

	t.Run("target never below minimum net", func(t *testing.T) {
		s := summary(8, 4, 3, 0, 0.4)
		s.Current.TargetNetProfit = 0.52
		n, err := adv.Recommend(ctx, s)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, *n.TargetNetProfit, 1e-9)
	})

	t.Run("stop losses widen stop and negative average tightens trailing", func(t *testing.T) {
		n, err := adv.Recommend(ctx, summary(10, 5, 0, 4, -0.2))
		require.NoError(t, err)
		require.NotNil(t, n.StopLossPercent)
		assert.InDelta(t, 0.6, *n.StopLossPercent, 1e-9)
		require.NotNil(t, n.TrailingPercent)
		assert.InDelta(t, 0.12, *n.TrailingPercent, 1e-9)
		assert.NotEmpty(t, n.Note)
	})
}
