package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

type fakeExec struct {
	mu            sync.Mutex
	bid, ask      float64
	fillLimits    bool
	failPlace     bool
	marketPending bool // market orders stay NEW until cancelled
	statusErrs    int  // next status calls that fail, negative fails all
	onLimit       func(e *fakeExec)
	seq           int
	orders        map[string]domain.OrderRequest
	placed        []domain.OrderRequest
	cancelled     []string
}

func newFakeExec(bid, ask float64) *fakeExec {
	return &fakeExec{bid: bid, ask: ask, orders: make(map[string]domain.OrderRequest)}
}

func (e *fakeExec) setBook(bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bid, e.ask = bid, ask
}

func (e *fakeExec) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	e.mu.Lock()
	if e.failPlace {
		e.mu.Unlock()
		return domain.PlacedOrder{}, errors.New("exchange rejected order")
	}
	e.seq++
	id := fmt.Sprintf("o-%d", e.seq)
	e.orders[id] = req
	e.placed = append(e.placed, req)
	hook := e.onLimit
	e.mu.Unlock()

	if req.Type == domain.OrderLimit && hook != nil {
		hook(e)
	}
	return domain.PlacedOrder{OrderID: id, Status: "NEW"}, nil
}

func (e *fakeExec) setStatusErrs(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusErrs = n
}

func (e *fakeExec) GetOrderStatus(_ context.Context, _ string, orderID string) (domain.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.statusErrs != 0 {
		if e.statusErrs > 0 {
			e.statusErrs--
		}
		return domain.OrderStatus{}, errors.New("order status: i/o timeout")
	}
	req, ok := e.orders[orderID]
	if !ok {
		return domain.OrderStatus{}, errors.New("unknown order")
	}
	if req.Type == domain.OrderLimit {
		if !e.fillLimits {
			return domain.OrderStatus{OrderID: orderID, Status: "NEW"}, nil
		}
		return domain.OrderStatus{
			OrderID: orderID, Status: "FILLED", Filled: true, AvgPrice: req.Price, FilledQty: quantity(req, req.Price),
		}, nil
	}
	if e.marketPending {
		if slices.Contains(e.cancelled, orderID) {
			return domain.OrderStatus{OrderID: orderID, Status: "CANCELED"}, nil
		}
		return domain.OrderStatus{OrderID: orderID, Status: "NEW"}, nil
	}
	price := e.bid
	if req.Side == domain.OrderBuy {
		price = e.ask
	}
	return domain.OrderStatus{
		OrderID: orderID, Status: "FILLED", Filled: true, AvgPrice: price, FilledQty: quantity(req, price),
	}, nil
}

func quantity(req domain.OrderRequest, price float64) float64 {
	if req.Quantity > 0 {
		return req.Quantity
	}
	return req.Notional / price
}

func (e *fakeExec) lastPlaced() domain.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed[len(e.placed)-1]
}

func (e *fakeExec) cancelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancelled)
}

func (e *fakeExec) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, orderID)
	return nil
}

func (e *fakeExec) GetBookTicker(_ context.Context, symbol string) (domain.BookTicker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.BookTicker{Symbol: symbol, Bid: e.bid, Ask: e.ask, At: time.Now()}, nil
}

func (e *fakeExec) placedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.placed)
}

type fakeSource struct {
	mu   sync.Mutex
	opps []domain.Opportunity
}

func (s *fakeSource) push(o domain.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = append(s.opps, o)
}

func (s *fakeSource) Take(exchange string, _ time.Time) (domain.Opportunity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.opps {
		if o.Exchange == exchange {
			s.opps = append(s.opps[:i], s.opps[i+1:]...)
			return o, true
		}
	}
	return domain.Opportunity{}, false
}

type fakeStore struct {
	mu          sync.Mutex
	results     []domain.TradeCycleResult
	transitions []domain.StateTransition
	audits      []domain.AuditReport
}

func (s *fakeStore) SaveCycleResult(_ context.Context, r domain.TradeCycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *fakeStore) SaveTransitions(_ context.Context, ts []domain.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, ts...)
	return nil
}

func (s *fakeStore) SaveAudit(_ context.Context, a domain.AuditReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, a)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) Results() []domain.TradeCycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TradeCycleResult(nil), s.results...)
}

type recordedRejections struct {
	mu   sync.Mutex
	list []domain.Rejection
}

func (r *recordedRejections) Record(rej domain.Rejection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, rej)
}

type advisorFunc func(ctx context.Context, s domain.TradeAnalysisSummary) (domain.ParameterNudge, error)

func (f advisorFunc) Recommend(ctx context.Context, s domain.TradeAnalysisSummary) (domain.ParameterNudge, error) {
	return f(ctx, s)
}

func testOpportunity(now time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID:                 fmt.Sprintf("opp-%d", now.UnixNano()),
		Exchange:           "binance",
		Symbol:             "BTCUSDT",
		Side:               domain.SideLong,
		EntryPrice:         100,
		ProjectedExitPrice: 100.6,
		ProjectedNetProfit: 0.75,
		Fees:               0.5,
		SlippageBudget:     0.25,
		PositionSize:       250,
		TakeProfitPercent:  0.6,
		Score:              85,
		CreatedAt:          now,
		ExpiresAt:          now.Add(30 * time.Second),
	}
}

func testTuning() domain.Tuning {
	return domain.Tuning{
		TargetNetProfit: 1.0,
		MinScore:        40,
		StopLossPercent: 0.5,
		TrailingPercent: 0.15,
		Cooldown:        time.Second,
	}
}
