// Package stream keeps a per-symbol cache of 24h ticker updates received over a
// websocket and serves them as price observations.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

const (
	defaultURL        = "wss://stream.binance.com:9443/ws/!ticker@arr"
	defaultStaleAfter = 5 * time.Second
	readTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
	pingInterval      = 20 * time.Second
	readLimit         = 5 << 20
	maxReconnectWait  = 30 * time.Second
)

// Config configures a TickerFeed.
type Config struct {
	Name          string
	URL           string
	Symbols       []string // empty keeps every symbol
	StaleAfter    time.Duration
	ReconnectWait time.Duration
}

// tickerEvent is one element of a 24h ticker stream.
type tickerEvent struct {
	Event         string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	PercentChange string `json:"P"`
	LastPrice     string `json:"c"`
	BidPrice      string `json:"b"`
	AskPrice      string `json:"a"`
	QuoteVolume   string `json:"q"`
}

// combined is the envelope of a combined-stream message.
type combined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TickerFeed implements ports.PriceFeed from a websocket ticker stream.
type TickerFeed struct {
	cfg     Config
	symbols map[string]bool

	mu       sync.RWMutex
	cache    map[string]domain.PriceObservation
	conn     *websocket.Conn
	received int64

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTickerFeed creates a feed. Call Start to connect.
func NewTickerFeed(cfg Config) *TickerFeed {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[strings.ToUpper(s)] = true
	}
	return &TickerFeed{
		cfg:     cfg,
		symbols: symbols,
		cache:   make(map[string]domain.PriceObservation),
		now:     time.Now,
	}
}

// GetObservation returns the cached observation for symbol, or an error wrapping
// domain.ErrStaleObservation if none arrived within StaleAfter.
func (f *TickerFeed) GetObservation(_ context.Context, symbol string) (domain.PriceObservation, error) {
	f.mu.RLock()
	obs, ok := f.cache[strings.ToUpper(symbol)]
	f.mu.RUnlock()

	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("stream.GetObservation: %s: no update yet: %w", symbol, domain.ErrStaleObservation)
	}
	if !obs.IsFresh(f.now(), f.cfg.StaleAfter) {
		return obs, fmt.Errorf("stream.GetObservation: %s: last update %s ago: %w",
			symbol, f.now().Sub(obs.LastUpdated).Round(time.Millisecond), domain.ErrStaleObservation)
	}
	return obs, nil
}

// Received returns how many ticker updates were cached since start.
func (f *TickerFeed) Received() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.received
}

// Start connects in the background and keeps reconnecting until Stop.
func (f *TickerFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		f.Run(ctx)
	}()
}

// Stop closes the connection and waits for the reader to exit.
func (f *TickerFeed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.closeConn()
	<-f.done
}

// Run reads the stream until ctx is cancelled, reconnecting with exponential
// backoff after each failure.
func (f *TickerFeed) Run(ctx context.Context) {
	wait := f.cfg.ReconnectWait
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("stream: connection lost, reconnecting", "feed", f.cfg.Name, "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

// session dials once and reads until the connection fails.
func (f *TickerFeed) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer f.closeConn()

	slog.Info("stream: connected", "feed", f.cfg.Name, "url", f.cfg.URL)

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go f.pingLoop(conn, stopPing)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if n, err := f.handleMessage(msg); err != nil {
			slog.Debug("stream: undecodable message", "feed", f.cfg.Name, "err", err)
		} else if n > 0 {
			slog.Debug("stream: tickers cached", "feed", f.cfg.Name, "count", n)
		}
	}
}

func (f *TickerFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (f *TickerFeed) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// handleMessage decodes a single ticker, an array of tickers or a combined-stream
// envelope and updates the cache. It returns how many tickers were cached.
func (f *TickerFeed) handleMessage(msg []byte) (int, error) {
	trimmed := strings.TrimSpace(string(msg))
	if trimmed == "" {
		return 0, nil
	}

	var events []tickerEvent
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(msg, &events); err != nil {
			return 0, fmt.Errorf("decode ticker array: %w", err)
		}
	case '{':
		var env combined
		if err := json.Unmarshal(msg, &env); err == nil && len(env.Data) > 0 {
			return f.handleMessage(env.Data)
		}
		var ev tickerEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return 0, fmt.Errorf("decode ticker: %w", err)
		}
		events = []tickerEvent{ev}
	default:
		return 0, fmt.Errorf("unexpected message %.20q", trimmed)
	}

	now := f.now()
	cached := 0
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		if ev.Symbol == "" {
			continue
		}
		if len(f.symbols) > 0 && !f.symbols[ev.Symbol] {
			continue
		}
		obs, err := ev.observation(now)
		if err != nil {
			slog.Debug("stream: bad ticker", "symbol", ev.Symbol, "err", err)
			continue
		}
		f.cache[ev.Symbol] = obs
		f.received++
		cached++
	}
	return cached, nil
}

// observation converts the event. LastUpdated is the receive time so freshness
// does not depend on exchange clock skew.
func (ev tickerEvent) observation(received time.Time) (domain.PriceObservation, error) {
	price, err := parse(ev.LastPrice)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("last price: %w", err)
	}
	if price <= 0 {
		return domain.PriceObservation{}, fmt.Errorf("last price %q not positive", ev.LastPrice)
	}
	change, _ := parse(ev.PercentChange)
	volume, _ := parse(ev.QuoteVolume)
	bid, _ := parse(ev.BidPrice)
	ask, _ := parse(ev.AskPrice)
	return domain.PriceObservation{
		Symbol:      ev.Symbol,
		Price:       price,
		Change24h:   change,
		Volume24h:   volume,
		Bid:         bid,
		Ask:         ask,
		LastUpdated: received,
	}, nil
}

func parse(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
