package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// EntryOrderSide returns the order side that opens a position in this direction.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitOrderSide returns the order side that closes a position in this direction.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

// PriceObservation is one snapshot from the price feed. Bid and Ask are 0 when unknown.
type PriceObservation struct {
	Symbol      string
	Price       float64
	Change24h   float64 // percent, signed
	Volume24h   float64 // quote volume
	Bid         float64
	Ask         float64
	LastUpdated time.Time
}

// HasBook returns true if both sides of the book are known.
func (o PriceObservation) HasBook() bool {
	return o.Bid > 0 && o.Ask > 0 && o.Ask >= o.Bid
}

// Spread returns (ask − bid) / price, or 0 without a book.
func (o PriceObservation) Spread() float64 {
	if !o.HasBook() || o.Price <= 0 {
		return 0
	}
	return (o.Ask - o.Bid) / o.Price
}

// IsFresh returns true if the observation is no older than maxAge at now.
func (o PriceObservation) IsFresh(now time.Time, maxAge time.Duration) bool {
	if o.LastUpdated.IsZero() {
		return false
	}
	return now.Sub(o.LastUpdated) <= maxAge
}

// BookTicker is the best bid/ask for a symbol.
type BookTicker struct {
	Symbol string
	Bid    float64
	Ask    float64
	At     time.Time
}

// Mid returns the midpoint, falling back to whichever side is known.
func (b BookTicker) Mid() float64 {
	switch {
	case b.Bid > 0 && b.Ask > 0:
		return (b.Bid + b.Ask) / 2
	case b.Bid > 0:
		return b.Bid
	default:
		return b.Ask
	}
}

// ExitPrice is the price a position of the given side would close at: the bid for
// longs and the ask for shorts.
func (b BookTicker) ExitPrice(side Side) float64 {
	if side == SideShort {
		if b.Ask > 0 {
			return b.Ask
		}
		return b.Mid()
	}
	if b.Bid > 0 {
		return b.Bid
	}
	return b.Mid()
}

// OrderSide is the exchange order side.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// OrderRequest is sent to the order execution collaborator. Notional is in quote
// currency; a positive Quantity (base units) takes precedence and is used to close
// exactly what an entry bought.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Price    float64 // ignored for market orders
	Notional float64
	Quantity float64
}

// PlacedOrder is the acknowledgement of an accepted order.
type PlacedOrder struct {
	OrderID string
	Status  string
}

// OrderStatus is the state of a submitted order.
type OrderStatus struct {
	OrderID   string
	Status    string
	Filled    bool
	FilledQty float64
	AvgPrice  float64
}
