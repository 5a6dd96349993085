package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func obs(change, volume, bid, ask float64) PriceObservation {
	return PriceObservation{
		Symbol:      "BTCUSDT",
		Price:       (bid + ask) / 2,
		Change24h:   change,
		Volume24h:   volume,
		Bid:         bid,
		Ask:         ask,
		LastUpdated: time.Now(),
	}
}

func TestScoreCandidate_StrongMover(t *testing.T) {
	c := ScoreCandidate(obs(6, 50_000_000, 99.99, 100.01), DefaultScoringConfig())

	assert.InDelta(t, 0.6, c.VolatilityScore, 1e-9)
	assert.InDelta(t, 1.0, c.VolumeScore, 1e-9)
	assert.InDelta(t, 1.0, c.MomentumScore, 1e-9)
	assert.InDelta(t, 0.9, c.SpreadScore, 1e-3) // spread 0.0002 of 0.002
	assert.Equal(t, SideLong, c.Direction)
	assert.Greater(t, c.Score, 80.0)
	assert.LessOrEqual(t, c.Score, 100.0)
	assert.LessOrEqual(t, c.Confidence, c.Score)
}

func TestScoreCandidate_NegativeMomentumIsShort(t *testing.T) {
	c := ScoreCandidate(obs(-3, 1_000_000, 50, 50.01), DefaultScoringConfig())
	assert.Equal(t, SideShort, c.Direction)
	assert.InDelta(t, -3.0, c.Momentum, 1e-9)
	assert.InDelta(t, 0.6, c.MomentumScore, 1e-9)
}

func TestScoreCandidate_FlatMarketHasNoMomentum(t *testing.T) {
	c := ScoreCandidate(obs(0.2, 1_000_000, 50, 50.01), DefaultScoringConfig())
	assert.Zero(t, c.MomentumScore)
	assert.Equal(t, RejectMomentum, c.WeakestComponent())
}

func TestScoreCandidate_NoBookIsNeutralSpread(t *testing.T) {
	o := obs(2, 1_000_000, 0, 0)
	o.Price = 100
	c := ScoreCandidate(o, DefaultScoringConfig())
	assert.InDelta(t, 0.5, c.SpreadScore, 1e-9)
}

func TestScoreCandidate_WideSpreadScoresZero(t *testing.T) {
	c := ScoreCandidate(obs(2, 1_000_000, 99, 101), DefaultScoringConfig())
	assert.Zero(t, c.SpreadScore)
	assert.Equal(t, RejectSpread, c.WeakestComponent())
}

func TestScoreCandidate_ScoresAreCapped(t *testing.T) {
	c := ScoreCandidate(obs(80, 1e12, 100, 100), DefaultScoringConfig())
	assert.InDelta(t, 1.0, c.VolatilityScore, 1e-9)
	assert.InDelta(t, 1.0, c.VolumeScore, 1e-9)
	assert.InDelta(t, 1.0, c.MomentumScore, 1e-9)
	assert.InDelta(t, 100.0, c.Score, 1e-9)
}

func TestPriceObservation_IsFresh(t *testing.T) {
	now := time.Now()
	o := PriceObservation{LastUpdated: now.Add(-4 * time.Second)}
	assert.True(t, o.IsFresh(now, 5*time.Second))
	o.LastUpdated = now.Add(-6 * time.Second)
	assert.False(t, o.IsFresh(now, 5*time.Second))
	assert.False(t, PriceObservation{}.IsFresh(now, time.Hour))
}

func TestProjectedExitAndStop(t *testing.T) {
	assert.InDelta(t, 100.6, ProjectedExit(SideLong, 100, 0.6), 1e-9)
	assert.InDelta(t, 99.4, ProjectedExit(SideShort, 100, 0.6), 1e-9)
	assert.InDelta(t, 99.5, StopPrice(SideLong, 100, 0.5), 1e-9)
	assert.InDelta(t, 100.5, StopPrice(SideShort, 100, 0.5), 1e-9)
}
