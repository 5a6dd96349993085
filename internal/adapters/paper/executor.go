// Package paper simulates order execution against live prices without touching
// an exchange account.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

// order is a simulated order. Qty is in base units.
type order struct {
	req      domain.OrderRequest
	id       string
	qty      float64
	status   string
	avgPrice float64
	placedAt time.Time
}

// Executor implements ports.OrderExecutor and ports.BalanceProvider.
//
// Fill model:
//
//	market buy  → fills at ask, market sell → fills at bid
//	limit buy   → fills at its price once ask ≤ price
//	limit sell  → fills at its price once bid ≥ price
//	fee         = notional × feeRate, charged on every fill
//
// The reported balance is cash plus open inventory marked at mid.
type Executor struct {
	feed    ports.PriceFeed
	feeRate float64

	mu        sync.Mutex
	cash      float64
	inventory map[string]float64 // symbol → signed base qty
	orders    map[string]*order
	fees      float64
}

// NewExecutor creates a paper executor with the given starting quote balance.
func NewExecutor(feed ports.PriceFeed, feeRate, balance float64) *Executor {
	return &Executor{
		feed:      feed,
		feeRate:   feeRate,
		cash:      balance,
		inventory: make(map[string]float64),
		orders:    make(map[string]*order),
	}
}

// PlaceOrder accepts an order; market orders fill immediately.
func (e *Executor) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	if req.Notional <= 0 && req.Quantity <= 0 {
		return domain.PlacedOrder{}, fmt.Errorf("paper.PlaceOrder: notional must be positive, got %.4f", req.Notional)
	}
	book, err := e.book(ctx, req.Symbol)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("paper.PlaceOrder: %w", err)
	}

	ref := req.Price
	if req.Type == domain.OrderMarket {
		ref = book.Ask
		if req.Side == domain.OrderSell {
			ref = book.Bid
		}
	}
	if ref <= 0 {
		return domain.PlacedOrder{}, fmt.Errorf("paper.PlaceOrder: no price for %s", req.Symbol)
	}

	o := &order{
		req:      req,
		id:       uuid.NewString(),
		qty:      req.Notional / ref,
		status:   "NEW",
		placedAt: time.Now(),
	}
	if req.Quantity > 0 {
		o.qty = req.Quantity
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[o.id] = o
	if req.Type == domain.OrderMarket {
		e.fill(o, ref)
	} else {
		e.tryFillLimit(o, book)
	}
	return domain.PlacedOrder{OrderID: o.id, Status: o.status}, nil
}

// GetOrderStatus re-evaluates open limit orders against the current book.
func (e *Executor) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	open := ok && o.status == "NEW"
	e.mu.Unlock()
	if !ok {
		return domain.OrderStatus{}, fmt.Errorf("paper.GetOrderStatus: unknown order %s", orderID)
	}

	if open {
		book, err := e.book(ctx, symbol)
		if err != nil {
			return domain.OrderStatus{}, fmt.Errorf("paper.GetOrderStatus: %w", err)
		}
		e.mu.Lock()
		e.tryFillLimit(o, book)
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.OrderStatus{
		OrderID:   o.id,
		Status:    o.status,
		Filled:    o.status == "FILLED",
		FilledQty: filledQty(o),
		AvgPrice:  o.avgPrice,
	}, nil
}

// CancelOrder cancels an open order. Filled or cancelled orders are left as is.
func (e *Executor) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper.CancelOrder: unknown order %s", orderID)
	}
	if o.status == "NEW" {
		o.status = "CANCELED"
	}
	return nil
}

// GetBookTicker returns the feed's best bid/ask.
func (e *Executor) GetBookTicker(ctx context.Context, symbol string) (domain.BookTicker, error) {
	return e.book(ctx, symbol)
}

// GetBalance returns cash plus inventory marked at mid. Symbols whose price
// cannot be fetched are marked at zero and logged.
func (e *Executor) GetBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	cash := e.cash
	inv := make(map[string]float64, len(e.inventory))
	for s, q := range e.inventory {
		inv[s] = q
	}
	e.mu.Unlock()

	equity := cash
	for symbol, qty := range inv {
		if qty == 0 {
			continue
		}
		book, err := e.book(ctx, symbol)
		if err != nil {
			slog.Warn("paper: cannot mark inventory", "symbol", symbol, "err", err)
			continue
		}
		equity += qty * book.Mid()
	}
	return equity, nil
}

// Fees returns the total fees charged so far.
func (e *Executor) Fees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees
}

func (e *Executor) book(ctx context.Context, symbol string) (domain.BookTicker, error) {
	obs, err := e.feed.GetObservation(ctx, symbol)
	if err != nil {
		return domain.BookTicker{}, fmt.Errorf("book %s: %w", symbol, err)
	}
	bid, ask := obs.Bid, obs.Ask
	if !obs.HasBook() {
		bid, ask = obs.Price, obs.Price
	}
	return domain.BookTicker{Symbol: symbol, Bid: bid, Ask: ask, At: obs.LastUpdated}, nil
}

// tryFillLimit fills o if the book crossed its price. Caller holds e.mu.
func (e *Executor) tryFillLimit(o *order, book domain.BookTicker) {
	if o.status != "NEW" {
		return
	}
	price := o.req.Price
	crossed := (o.req.Side == domain.OrderBuy && book.Ask > 0 && book.Ask <= price) ||
		(o.req.Side == domain.OrderSell && book.Bid >= price)
	if crossed {
		e.fill(o, price)
	}
}

// fill books a fill at price. Caller holds e.mu.
func (e *Executor) fill(o *order, price float64) {
	notional := o.qty * price
	fee := notional * e.feeRate
	switch o.req.Side {
	case domain.OrderBuy:
		e.cash -= notional
		e.inventory[o.req.Symbol] += o.qty
	case domain.OrderSell:
		e.cash += notional
		e.inventory[o.req.Symbol] -= o.qty
	}
	e.cash -= fee
	e.fees += fee
	o.status = "FILLED"
	o.avgPrice = price

	slog.Debug("paper: fill",
		"order", o.id,
		"symbol", o.req.Symbol,
		"side", o.req.Side,
		"type", o.req.Type,
		"price", price,
		"notional", fmt.Sprintf("$%.2f", notional),
		"fee", fmt.Sprintf("$%.4f", fee),
	)
}

func filledQty(o *order) float64 {
	if o.status == "FILLED" {
		return o.qty
	}
	return 0
}
