package domain

import "math"

// ScoringConfig holds the weights and normalisation caps of the composite score.
type ScoringConfig struct {
	VolatilityWeight float64
	VolumeWeight     float64
	SpreadWeight     float64
	MomentumWeight   float64

	VolatilityCap float64 // |24h change| in percent that scores 1.0
	VolumeCap     float64 // quote volume that scores 1.0 (log scale)
	MaxSpread     float64 // spread fraction that scores 0.0
	MinMomentum   float64 // |24h change| in percent below which momentum scores 0
	MomentumCap   float64 // |24h change| in percent that scores 1.0
}

// DefaultScoringConfig returns the weights used when the configuration leaves them empty.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		VolatilityWeight: 0.30,
		VolumeWeight:     0.30,
		SpreadWeight:     0.25,
		MomentumWeight:   0.15,
		VolatilityCap:    10,
		VolumeCap:        50_000_000,
		MaxSpread:        0.002,
		MinMomentum:      0.5,
		MomentumCap:      5,
	}
}

// ScanCandidate is a scored symbol on one scan tick.
type ScanCandidate struct {
	Symbol          string
	Exchange        string
	Observation     PriceObservation
	VolatilityScore float64 // 0–1
	MomentumScore   float64 // 0–1, presence of momentum regardless of sign
	Momentum        float64 // signed 24h change in percent
	SpreadScore     float64 // 0–1, 1 = tight spread
	VolumeScore     float64 // 0–1
	Score           float64 // composite 0–100
	Direction       Side
	Confidence      float64 // 0–100
}

// WeakestComponent returns the rejection category of the lowest sub-score.
func (c ScanCandidate) WeakestComponent() RejectionCategory {
	weakest := RejectVolatility
	low := c.VolatilityScore
	if c.VolumeScore < low {
		weakest, low = RejectVolume, c.VolumeScore
	}
	if c.SpreadScore < low {
		weakest, low = RejectSpread, c.SpreadScore
	}
	if c.MomentumScore < low {
		weakest = RejectMomentum
	}
	return weakest
}

// ScoreCandidate scores one observation.
//
//	volatility = min(|change| / VolatilityCap, 1)
//	volume     = min(log10(1+vol) / log10(1+VolumeCap), 1)
//	spread     = clamp(1 − spread / MaxSpread, 0, 1)   (0.5 without a book)
//	momentum   = 0 if |change| < MinMomentum, else min(|change| / MomentumCap, 1)
//	score      = 100 × Σ wᵢ·subᵢ / Σ wᵢ
func ScoreCandidate(obs PriceObservation, cfg ScoringConfig) ScanCandidate {
	absChange := math.Abs(obs.Change24h)

	c := ScanCandidate{
		Symbol:      obs.Symbol,
		Observation: obs,
		Momentum:    obs.Change24h,
		Direction:   SideLong,
	}
	if obs.Change24h < 0 {
		c.Direction = SideShort
	}

	c.VolatilityScore = capUnit(safeDiv(absChange, cfg.VolatilityCap))

	if obs.Volume24h > 0 && cfg.VolumeCap > 0 {
		c.VolumeScore = capUnit(math.Log10(1+obs.Volume24h) / math.Log10(1+cfg.VolumeCap))
	}

	switch {
	case !obs.HasBook():
		c.SpreadScore = 0.5
	case cfg.MaxSpread <= 0:
		c.SpreadScore = 1
	default:
		c.SpreadScore = capUnit(1 - obs.Spread()/cfg.MaxSpread)
	}

	if absChange >= cfg.MinMomentum {
		c.MomentumScore = capUnit(safeDiv(absChange, cfg.MomentumCap))
	}

	totalWeight := cfg.VolatilityWeight + cfg.VolumeWeight + cfg.SpreadWeight + cfg.MomentumWeight
	if totalWeight > 0 {
		weighted := cfg.VolatilityWeight*c.VolatilityScore +
			cfg.VolumeWeight*c.VolumeScore +
			cfg.SpreadWeight*c.SpreadScore +
			cfg.MomentumWeight*c.MomentumScore
		c.Score = 100 * weighted / totalWeight
	}

	// A direction call is only as good as the momentum behind it.
	c.Confidence = math.Min(100, c.Score*(0.5+c.MomentumScore/2))
	return c
}

func capUnit(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func safeDiv(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}
