package domain

import "time"

// RejectionCategory classifies why a candidate did not become an opportunity.
type RejectionCategory string

const (
	RejectVolume     RejectionCategory = "volume"
	RejectVolatility RejectionCategory = "volatility"
	RejectMomentum   RejectionCategory = "momentum"
	RejectSpread     RejectionCategory = "spread"
	RejectTiming     RejectionCategory = "timing"   // stale or missing observation
	RejectDuration   RejectionCategory = "duration" // expired before anyone took it
	RejectFees       RejectionCategory = "fees"
	RejectNotional   RejectionCategory = "notional"
	RejectCapital    RejectionCategory = "capital"
	RejectOther      RejectionCategory = "other"
)

// AllRejectionCategories lists every category in display order.
var AllRejectionCategories = []RejectionCategory{
	RejectVolume, RejectVolatility, RejectMomentum, RejectSpread, RejectTiming,
	RejectDuration, RejectFees, RejectNotional, RejectCapital, RejectOther,
}

// Rejection is one recorded rejection.
type Rejection struct {
	Exchange string
	Symbol   string
	Category RejectionCategory
	Reason   string
	Score    float64
	At       time.Time
}

// CategoryForSizing maps a sizer rejection onto the scanner taxonomy.
func CategoryForSizing(r SizingRejection) RejectionCategory {
	switch r {
	case RejectEdgeBelowFees:
		return RejectFees
	case RejectMinNotionalExceedsCap:
		return RejectNotional
	default:
		return RejectOther
	}
}
