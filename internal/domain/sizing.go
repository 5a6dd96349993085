package domain

import "fmt"

// SizingRejection is the reason code attached to a non-viable PositionSizeResult.
type SizingRejection string

const (
	RejectNone                  SizingRejection = ""
	RejectEdgeBelowFees         SizingRejection = "edge_below_fees"
	RejectMinNotionalExceedsCap SizingRejection = "min_notional_exceeds_cap"
	RejectInvalidInput          SizingRejection = "invalid_input"
)

// SizingInput groups the inputs of SizePosition.
type SizingInput struct {
	TargetNetProfit      float64 // USD the trade must net after fees
	FeeRate              float64 // per-side fee rate (0.001 = 0.1%)
	MinEdgePercent       float64 // expected edge in percent (0.6 = 0.6%)
	PortfolioBalance     float64 // total balance on the venue
	MaxAllocationPercent float64 // fraction of balance one position may use, (0, 1]
	ExchangeMinNotional  float64 // venue minimum order notional
}

// PositionSizeResult is the output of SizePosition. It is never mutated after creation.
type PositionSizeResult struct {
	RecommendedAmount   float64
	TakeProfitPercent   float64 // equal to RequiredMovePercent; the value downstream must target
	IsViable            bool
	FeeImpact           float64 // round-trip fees in USD at RecommendedAmount
	NetProfitAtTarget   float64 // net USD when price moves by TakeProfitPercent
	NetProfitAtEdge     float64 // net USD when price moves exactly by the input edge
	RequiredMovePercent float64
	Rejection           SizingRejection
	Reason              string
}

// SizePosition computes a fee-aware position size.
//
//	roundTripFee = feeRate × 2
//	netEdge      = minEdgePercent/100 − roundTripFee      (reject if ≤ 0)
//	size         = min(target / netEdge, balance × maxAllocation)
//	size         = max(size, minNotional)                 (reject if minNotional > cap)
//	requiredMove = (target / size + roundTripFee) × 100
//
// The required move is derived from the final size, so raising a small size up to
// the venue minimum lowers the take-profit target accordingly.
func SizePosition(in SizingInput) PositionSizeResult {
	if in.TargetNetProfit <= 0 || in.FeeRate < 0 || in.PortfolioBalance <= 0 ||
		in.MaxAllocationPercent <= 0 || in.MaxAllocationPercent > 1 || in.ExchangeMinNotional < 0 {
		return PositionSizeResult{
			Rejection: RejectInvalidInput,
			Reason: fmt.Sprintf("invalid sizing input: target=%.4f fee=%.5f balance=%.2f alloc=%.3f min_notional=%.2f",
				in.TargetNetProfit, in.FeeRate, in.PortfolioBalance, in.MaxAllocationPercent, in.ExchangeMinNotional),
		}
	}

	roundTripFee := in.FeeRate * 2
	edge := in.MinEdgePercent / 100
	if edge <= roundTripFee {
		return PositionSizeResult{
			Rejection: RejectEdgeBelowFees,
			Reason: fmt.Sprintf("edge %.4f%% cannot cover round-trip fees %.4f%%",
				in.MinEdgePercent, roundTripFee*100),
		}
	}

	netEdge := edge - roundTripFee
	requiredSize := in.TargetNetProfit / netEdge
	allocationCap := in.PortfolioBalance * in.MaxAllocationPercent

	size := min(requiredSize, allocationCap)
	if size < in.ExchangeMinNotional {
		if in.ExchangeMinNotional > allocationCap {
			return PositionSizeResult{
				Rejection: RejectMinNotionalExceedsCap,
				Reason: fmt.Sprintf("minimum notional $%.2f exceeds allocation cap $%.2f",
					in.ExchangeMinNotional, allocationCap),
			}
		}
		size = in.ExchangeMinNotional
	}

	feeImpact := size * roundTripFee
	requiredMove := in.TargetNetProfit/size + roundTripFee

	return PositionSizeResult{
		RecommendedAmount:   size,
		TakeProfitPercent:   requiredMove * 100,
		IsViable:            true,
		FeeImpact:           feeImpact,
		NetProfitAtTarget:   size*requiredMove - feeImpact,
		NetProfitAtEdge:     size * netEdge,
		RequiredMovePercent: requiredMove * 100,
	}
}

// NetProfit returns the realised net USD of a round trip of notional size,
// after paying feeRate on entry and exit.
func NetProfit(side Side, entry, exit, size, feeRate float64) float64 {
	if entry <= 0 || size <= 0 {
		return 0
	}
	move := (exit - entry) / entry
	if side == SideShort {
		move = -move
	}
	return size*move - size*feeRate*2
}

// UnrealizedProfit is the gross mark-to-market of an open position, before exit fees.
func UnrealizedProfit(side Side, entry, mark, size float64) float64 {
	if entry <= 0 {
		return 0
	}
	move := (mark - entry) / entry
	if side == SideShort {
		move = -move
	}
	return size * move
}
