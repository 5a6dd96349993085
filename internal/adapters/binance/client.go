// Package binance adapts the Binance spot REST API to the engine's ports.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

const (
	testnetBaseURL = "https://testnet.binance.vision"

	// 60% of the documented 1200 weight/min, most calls weigh 1–4.
	defaultRatePerSec = 10
	rateBurst         = 20

	errCodeUnknownOrder = -2011
)

// Config configures a Client.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides Testnet, used by tests
	QuoteAsset string // default USDT
	RatePerSec float64
}

// symbolFilters holds the rounding rules of one symbol.
type symbolFilters struct {
	step decimal.Decimal
	tick decimal.Decimal
}

// Client implements ports.PriceFeed, ports.OrderExecutor and ports.BalanceProvider
// on the Binance spot API. Every call waits on a shared rate limiter.
type Client struct {
	api     *gobinance.Client
	quote   string
	limiter *rate.Limiter

	mu      sync.Mutex
	filters map[string]symbolFilters
}

// NewClient creates a Client. Credentials are only needed for order and account calls.
func NewClient(cfg Config) *Client {
	api := gobinance.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		api.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		api.BaseURL = testnetBaseURL
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	return &Client{
		api:     api,
		quote:   strings.ToUpper(cfg.QuoteAsset),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), rateBurst),
		filters: make(map[string]symbolFilters),
	}
}

// GetObservation returns the 24h statistics of symbol with its best bid/ask.
func (c *Client) GetObservation(ctx context.Context, symbol string) (domain.PriceObservation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("binance.GetObservation: rate limiter: %w", err)
	}
	stats, err := c.api.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("binance.GetObservation: %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return domain.PriceObservation{}, fmt.Errorf("binance.GetObservation: %s: empty response", symbol)
	}
	s := stats[0]

	price, err := parseFloat(s.LastPrice)
	if err != nil || price <= 0 {
		return domain.PriceObservation{}, fmt.Errorf("binance.GetObservation: %s: bad last price %q", symbol, s.LastPrice)
	}
	obs := domain.PriceObservation{
		Symbol:      symbol,
		Price:       price,
		LastUpdated: time.Now(),
	}
	obs.Change24h, _ = parseFloat(s.PriceChangePercent)
	obs.Volume24h, _ = parseFloat(s.QuoteVolume)
	obs.Bid, _ = parseFloat(s.BidPrice)
	obs.Ask, _ = parseFloat(s.AskPrice)
	return obs, nil
}

// GetBookTicker returns the best bid/ask of symbol.
func (c *Client) GetBookTicker(ctx context.Context, symbol string) (domain.BookTicker, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.BookTicker{}, fmt.Errorf("binance.GetBookTicker: rate limiter: %w", err)
	}
	tickers, err := c.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.BookTicker{}, fmt.Errorf("binance.GetBookTicker: %s: %w", symbol, err)
	}
	if len(tickers) == 0 {
		return domain.BookTicker{}, fmt.Errorf("binance.GetBookTicker: %s: empty response", symbol)
	}
	bid, err := parseFloat(tickers[0].BidPrice)
	if err != nil {
		return domain.BookTicker{}, fmt.Errorf("binance.GetBookTicker: %s: bid: %w", symbol, err)
	}
	ask, err := parseFloat(tickers[0].AskPrice)
	if err != nil {
		return domain.BookTicker{}, fmt.Errorf("binance.GetBookTicker: %s: ask: %w", symbol, err)
	}
	return domain.BookTicker{Symbol: symbol, Bid: bid, Ask: ask, At: time.Now()}, nil
}

// PlaceOrder submits an order. A positive Quantity is sent in base units rounded
// down to the lot step; otherwise market orders are sized in quote (quoteOrderQty)
// and limit orders convert notional to a base quantity.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(gobinance.SideType(req.Side))
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	switch req.Type {
	case domain.OrderMarket:
		svc = svc.Type(gobinance.OrderTypeMarket)
		if req.Quantity > 0 {
			f, err := c.symbolFilters(ctx, req.Symbol)
			if err != nil {
				return domain.PlacedOrder{}, fmt.Errorf("binance.PlaceOrder: %w", err)
			}
			qty, err := lotQuantity(decimal.NewFromFloat(req.Quantity), f)
			if err != nil {
				return domain.PlacedOrder{}, fmt.Errorf("binance.PlaceOrder: %s: %w", req.Symbol, err)
			}
			svc = svc.Quantity(qty.String())
		} else {
			svc = svc.QuoteOrderQty(decimal.NewFromFloat(req.Notional).Round(2).String())
		}
	case domain.OrderLimit:
		f, err := c.symbolFilters(ctx, req.Symbol)
		if err != nil {
			return domain.PlacedOrder{}, fmt.Errorf("binance.PlaceOrder: %w", err)
		}
		var qty, price decimal.Decimal
		if req.Quantity > 0 {
			if price, err = tickPrice(req.Price, f); err == nil {
				qty, err = lotQuantity(decimal.NewFromFloat(req.Quantity), f)
			}
		} else {
			qty, price, err = limitQuantity(req.Notional, req.Price, f)
		}
		if err != nil {
			return domain.PlacedOrder{}, fmt.Errorf("binance.PlaceOrder: %s: %w", req.Symbol, err)
		}
		svc = svc.Type(gobinance.OrderTypeLimit).
			TimeInForce(gobinance.TimeInForceTypeGTC).
			Quantity(qty.String()).
			Price(price.String())
	default:
		return domain.PlacedOrder{}, fmt.Errorf("binance.PlaceOrder: unsupported order type %q", req.Type)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("binance.PlaceOrder: rate limiter: %w", err)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("binance.PlaceOrder: %s %s %s: %w", req.Symbol, req.Side, req.Type, err)
	}

	slog.Debug("binance: order placed",
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"order_id", resp.OrderID,
		"status", resp.Status,
		"notional", fmt.Sprintf("$%.2f", req.Notional),
	)
	return domain.PlacedOrder{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  string(resp.Status),
	}, nil
}

// GetOrderStatus returns fill state and average fill price.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("binance.GetOrderStatus: bad order id %q: %w", orderID, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.OrderStatus{}, fmt.Errorf("binance.GetOrderStatus: rate limiter: %w", err)
	}
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("binance.GetOrderStatus: %s/%s: %w", symbol, orderID, err)
	}

	qty, _ := decimal.NewFromString(o.ExecutedQuantity)
	quote, _ := decimal.NewFromString(o.CummulativeQuoteQuantity)
	var avg float64
	if qty.IsPositive() {
		avg = quote.Div(qty).InexactFloat64()
	}
	return domain.OrderStatus{
		OrderID:   orderID,
		Status:    string(o.Status),
		Filled:    o.Status == gobinance.OrderStatusTypeFilled,
		FilledQty: qty.InexactFloat64(),
		AvgPrice:  avg,
	}, nil
}

// CancelOrder cancels an open order. An order that already filled or no longer
// exists is not an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance.CancelOrder: bad order id %q: %w", orderID, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("binance.CancelOrder: rate limiter: %w", err)
	}
	_, err = c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == errCodeUnknownOrder {
			slog.Debug("binance: cancel of closed order ignored", "symbol", symbol, "order_id", orderID)
			return nil
		}
		return fmt.Errorf("binance.CancelOrder: %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// GetBalance returns the quote balance (free + locked) plus every other asset
// held, marked at its book mid against the quote asset.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("binance.GetBalance: rate limiter: %w", err)
	}
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance.GetBalance: account: %w", err)
	}

	total := decimal.Zero
	for _, b := range acct.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		amount := free.Add(locked)
		if !amount.IsPositive() {
			continue
		}
		if strings.EqualFold(b.Asset, c.quote) {
			total = total.Add(amount)
			continue
		}
		book, err := c.GetBookTicker(ctx, strings.ToUpper(b.Asset)+c.quote)
		if err != nil {
			slog.Debug("binance: asset not marked", "asset", b.Asset, "err", err)
			continue
		}
		total = total.Add(amount.Mul(decimal.NewFromFloat(book.Mid())))
	}
	return total.InexactFloat64(), nil
}

// symbolFilters returns the cached lot and price filters of symbol.
func (c *Client) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	c.mu.Lock()
	f, ok := c.filters[symbol]
	c.mu.Unlock()
	if ok {
		return f, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return symbolFilters{}, fmt.Errorf("exchange info: rate limiter: %w", err)
	}
	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("exchange info %s: %w", symbol, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if lot := s.LotSizeFilter(); lot != nil {
			f.step, _ = decimal.NewFromString(lot.StepSize)
		}
		if pf := s.PriceFilter(); pf != nil {
			f.tick, _ = decimal.NewFromString(pf.TickSize)
		}
		c.mu.Lock()
		c.filters[symbol] = f
		c.mu.Unlock()
		return f, nil
	}
	return symbolFilters{}, fmt.Errorf("exchange info %s: %w", symbol, domain.ErrUnknownExchange)
}

// limitQuantity converts a quote notional at price into a base quantity rounded
// down to the lot step, and rounds price to the tick size.
func limitQuantity(notional, price float64, f symbolFilters) (qty, px decimal.Decimal, err error) {
	px, err = tickPrice(price, f)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	qty, err = lotQuantity(decimal.NewFromFloat(notional).Div(px), f)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("notional $%.2f below one lot at %s", notional, px)
	}
	return qty, px, nil
}

// tickPrice rounds price to the symbol's tick size.
func tickPrice(price float64, f symbolFilters) (decimal.Decimal, error) {
	if price <= 0 {
		return decimal.Zero, fmt.Errorf("limit price must be positive, got %v", price)
	}
	px := decimal.NewFromFloat(price)
	if f.tick.IsPositive() {
		px = px.Div(f.tick).Round(0).Mul(f.tick)
	}
	return px, nil
}

// lotQuantity rounds a base quantity down to the lot step so a sell never asks
// for more than is held.
func lotQuantity(qty decimal.Decimal, f symbolFilters) (decimal.Decimal, error) {
	if f.step.IsPositive() {
		qty = qty.Div(f.step).Floor().Mul(f.step)
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("quantity %s below one lot step %s", qty, f.step)
	}
	return qty, nil
}

func parseFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
