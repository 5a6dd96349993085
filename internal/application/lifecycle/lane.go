package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

const (
	defaultTickInterval     = time.Second
	defaultExitPollInterval = 2 * time.Second
	defaultExitTimeout      = 30 * time.Second
	defaultCallTimeout      = 5 * time.Second
	defaultCircuitLosses    = 3
	defaultCircuitCooldown  = 30 * time.Minute
	entryStatusAttempts     = 3
)

// errEntryUnresolved means an entry order was sent but neither a fill nor its
// cancellation could be confirmed.
var errEntryUnresolved = errors.New("entry order outcome unknown")

// entryFill is the exchange's report of an entry order.
type entryFill struct {
	orderID string
	price   float64
	qty     float64
}

// OpportunitySource hands out opportunities for an exchange, each at most once.
type OpportunitySource interface {
	Take(exchange string, now time.Time) (domain.Opportunity, bool)
}

// TuningSink receives the target and score gate a lane settled on after analysis.
type TuningSink interface {
	SetVenueTuning(exchange string, targetNetProfit, minScore float64)
}

// RejectionRecorder counts candidates the lane refused after taking them.
type RejectionRecorder interface {
	Record(r domain.Rejection)
}

// LaneConfig configures one trading lane.
type LaneConfig struct {
	Machine          MachineConfig
	FeeRate          float64
	TickInterval     time.Duration
	ExitPollInterval time.Duration
	ExitTimeout      time.Duration
	MaxHold          time.Duration // 0 disables
	CallTimeout      time.Duration
	CircuitMaxLosses int
	CircuitCooldown  time.Duration
	MaxDrawdown      float64 // negative USD, 0 disables
}

// LaneDeps groups a lane's collaborators. Advisor, Store, Metrics, Notifier,
// Tuning and Rejections may be nil.
type LaneDeps struct {
	Source     OpportunitySource
	Ledger     Ledger
	Executor   ports.OrderExecutor
	Advisor    ports.Advisor
	Store      ports.RecordStore
	Metrics    ports.Metrics
	Notifier   ports.Notifier
	Tuning     TuningSink
	Rejections RejectionRecorder
}

// Lane owns one state machine and advances it on its own ticker: one open
// position at a time, independent of every other lane.
type Lane struct {
	cfg     LaneConfig
	deps    LaneDeps
	sm      *StateMachine
	breaker domain.CircuitBreaker
	now     func() time.Time

	mu        sync.Mutex
	nextEntry time.Time
	expedite  bool
	dashboard domain.DashboardSnapshot
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewLane creates a lane in Idle.
func NewLane(cfg LaneConfig, deps LaneDeps) *Lane {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.ExitPollInterval <= 0 {
		cfg.ExitPollInterval = defaultExitPollInterval
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = defaultExitTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.CircuitMaxLosses <= 0 {
		cfg.CircuitMaxLosses = defaultCircuitLosses
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = defaultCircuitCooldown
	}

	l := &Lane{
		cfg:  cfg,
		deps: deps,
		sm:   NewStateMachine(cfg.Machine, deps.Ledger),
		now:  time.Now,
		breaker: domain.CircuitBreaker{
			MaxLosses:        cfg.CircuitMaxLosses,
			CooldownDuration: cfg.CircuitCooldown,
			MaxDrawdown:      cfg.MaxDrawdown,
		},
	}
	l.dashboard = l.sm.Dashboard()
	return l
}

// Name returns the lane name.
func (l *Lane) Name() string { return l.sm.cfg.Lane }

// Exchange returns the exchange the lane trades on.
func (l *Lane) Exchange() string { return l.sm.cfg.Exchange }

// Dashboard returns the latest published snapshot. Safe to call from any goroutine.
func (l *Lane) Dashboard() domain.DashboardSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dashboard
}

// State returns the last published state. Safe to call from any goroutine.
func (l *Lane) State() domain.TradingState {
	return l.Dashboard().State
}

// Expedite lets the next Idle tick start a cycle without waiting out the cooldown.
func (l *Lane) Expedite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expedite = true
}

// Start launches the lane loop in its own goroutine. Stop ends it.
func (l *Lane) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		l.Run(ctx)
	}()
}

// Stop cancels the lane loop and waits for it to exit. An open position is
// closed at market with reason SHUTDOWN before Run returns.
func (l *Lane) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run steps the lane on its ticker until ctx is cancelled.
func (l *Lane) Run(ctx context.Context) {
	slog.Info("lane: starting",
		"lane", l.Name(),
		"exchange", l.Exchange(),
		"tick", l.cfg.TickInterval,
	)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown(ctx)
			slog.Info("lane: stopped", "lane", l.Name())
			return
		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step advances the lane by one tick.
func (l *Lane) Step(ctx context.Context) {
	switch st := l.sm.State(); st {
	case domain.StateIdle:
		l.tryEnter(ctx)
	case domain.StateEntered, domain.StateProfitLock:
		l.monitor(ctx)
	default:
		l.sm.ReturnToIdle("resuming from " + string(st))
		l.flush(ctx, nil)
	}
	l.publish()
}

// tryEnter takes the best opportunity for the lane's exchange, reserves capital
// and places the entry order.
func (l *Lane) tryEnter(ctx context.Context) {
	now := l.now()
	if !l.breaker.IsOpen(now) {
		slog.Debug("lane: circuit breaker active",
			"lane", l.Name(),
			"reason", l.breaker.TriggeredReason,
			"until", l.breaker.CooldownUntil.Format("15:04:05"),
		)
		return
	}
	if !l.ready(now) {
		return
	}

	opp, ok := l.deps.Source.Take(l.Exchange(), now)
	if !ok {
		return
	}

	if err := l.sm.StartQualification(opp, now); err != nil {
		slog.Warn("lane: opportunity refused", "lane", l.Name(), "id", opp.ID, "err", err)
		cat := domain.RejectOther
		if errors.Is(err, domain.ErrOpportunityExpired) {
			cat = domain.RejectDuration
		}
		l.reject(opp, cat, err.Error(), now)
		return
	}

	pos, err := l.sm.EnterPosition(opp.EntryPrice, opp.PositionSize, now)
	if err != nil {
		slog.Warn("lane: entry aborted",
			"lane", l.Name(),
			"symbol", opp.Symbol,
			"size", fmt.Sprintf("$%.2f", opp.PositionSize),
			"err", err,
		)
		cat := domain.RejectOther
		if errors.Is(err, domain.ErrInsufficientCapital) {
			cat = domain.RejectCapital
		}
		l.reject(opp, cat, err.Error(), now)
		l.flush(ctx, nil)
		return
	}

	fill, err := l.placeEntry(ctx, pos)
	switch {
	case errors.Is(err, errEntryUnresolved):
		slog.Error("lane: entry order outcome unknown, keeping reservation",
			"lane", l.Name(),
			"symbol", pos.Symbol,
			"order", fill.orderID,
			"err", err,
		)
		l.sm.MarkUnconfirmed(fill.orderID)
		return
	case err != nil:
		slog.Error("lane: entry order failed", "lane", l.Name(), "symbol", pos.Symbol, "err", err)
		l.finishCycle(ctx, pos.EntryPrice, domain.ExitEntryFailed)
		return
	}
	l.sm.ConfirmFill(fill.price, l.heldQuantity(pos, fill))

	slog.Info("lane: position entered",
		"lane", l.Name(),
		"symbol", pos.Symbol,
		"side", pos.Side,
		"entry", fill.price,
		"size", fmt.Sprintf("$%.2f", pos.Size),
		"take_profit", fmt.Sprintf("%.3f%%", opp.TakeProfitPercent),
	)
}

// placeEntry sends a market order for the reserved notional and waits for its
// fill. An order that does not report a fill is cancelled and checked again: it
// fails only once known dead, and returns errEntryUnresolved while its fate is unknown.
func (l *Lane) placeEntry(ctx context.Context, pos OpenPosition) (entryFill, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	placed, err := l.deps.Executor.PlaceOrder(callCtx, domain.OrderRequest{
		ClientID: pos.ID,
		Symbol:   pos.Symbol,
		Side:     pos.Side.EntryOrderSide(),
		Type:     domain.OrderMarket,
		Notional: pos.Size,
	})
	cancel()
	if err != nil {
		return entryFill{}, fmt.Errorf("lane.placeEntry: place: %w", err)
	}

	fill := entryFill{orderID: placed.OrderID}
	st, statusErr := l.orderStatus(ctx, pos.Symbol, placed.OrderID, entryStatusAttempts)
	if statusErr == nil && st.Filled {
		return fill.from(st, pos.EntryPrice), nil
	}

	st, err = l.settleEntry(ctx, pos.Symbol, placed.OrderID)
	switch {
	case err != nil:
		if statusErr != nil {
			err = errors.Join(statusErr, err)
		}
		return fill, fmt.Errorf("lane.placeEntry: order %s: %w: %w", placed.OrderID, errEntryUnresolved, err)
	case st.Filled || st.FilledQty > 0:
		return fill.from(st, pos.EntryPrice), nil
	default:
		return fill, fmt.Errorf("lane.placeEntry: order %s not filled (%s)", placed.OrderID, st.Status)
	}
}

// orderStatus polls an order up to attempts times, ExitPollInterval apart. It
// runs detached from ctx cancellation so shutdown cannot hide a fill.
func (l *Lane) orderStatus(ctx context.Context, symbol, orderID string, attempts int) (domain.OrderStatus, error) {
	ctx = context.WithoutCancel(ctx)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(l.cfg.ExitPollInterval)
		}
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		st, err := l.deps.Executor.GetOrderStatus(callCtx, symbol, orderID)
		cancel()
		if err == nil {
			return st, nil
		}
		lastErr = err
		slog.Warn("lane: order status check failed",
			"lane", l.Name(),
			"order", orderID,
			"attempt", i+1,
			"err", err,
		)
	}
	return domain.OrderStatus{}, fmt.Errorf("status %s: %w", orderID, lastErr)
}

// settleEntry cancels an entry order that has not reported a fill and returns
// its status afterwards. A cancel error is only logged; the status decides.
func (l *Lane) settleEntry(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
	err := l.deps.Executor.CancelOrder(callCtx, symbol, orderID)
	cancel()
	if err != nil {
		slog.Warn("lane: cancel entry order failed", "lane", l.Name(), "order", orderID, "err", err)
	}
	return l.orderStatus(ctx, symbol, orderID, entryStatusAttempts)
}

// resolveEntry retries an entry whose outcome was unknown. A fill confirms the
// position; a dead order closes the cycle as ENTRY_FAILED; anything else waits.
func (l *Lane) resolveEntry(ctx context.Context, pos OpenPosition) {
	st, err := l.orderStatus(ctx, pos.Symbol, pos.EntryOrderID, 1)
	if err != nil {
		slog.Warn("lane: entry still unresolved", "lane", l.Name(), "order", pos.EntryOrderID, "err", err)
		return
	}
	if !st.Filled {
		if st, err = l.settleEntry(ctx, pos.Symbol, pos.EntryOrderID); err != nil {
			slog.Warn("lane: entry still unresolved", "lane", l.Name(), "order", pos.EntryOrderID, "err", err)
			return
		}
	}
	if !st.Filled && st.FilledQty == 0 {
		slog.Warn("lane: unresolved entry never filled, releasing", "lane", l.Name(), "order", pos.EntryOrderID)
		l.finishCycle(ctx, pos.EntryPrice, domain.ExitEntryFailed)
		return
	}

	fill := entryFill{orderID: pos.EntryOrderID}.from(st, pos.EntryPrice)
	l.sm.ConfirmFill(fill.price, l.heldQuantity(pos, fill))
	slog.Info("lane: entry confirmed late",
		"lane", l.Name(),
		"symbol", pos.Symbol,
		"order", pos.EntryOrderID,
		"entry", fill.price,
	)
}

// heldQuantity is the base quantity a fill leaves to close. Spot buys pay the fee
// in the base asset, so a long holds the filled quantity net of fee.
func (l *Lane) heldQuantity(pos OpenPosition, fill entryFill) float64 {
	qty := fill.qty
	if qty <= 0 && fill.price > 0 {
		qty = pos.Size / fill.price
	}
	if pos.Side == domain.SideLong {
		qty *= 1 - l.cfg.FeeRate
	}
	return qty
}

func (f entryFill) from(st domain.OrderStatus, fallback float64) entryFill {
	f.price = fillPrice(st, fallback)
	f.qty = st.FilledQty
	return f
}

// monitor checks the open position against its stop, trailing stop, target and
// maximum hold, and arms the profit lock once it is warranted.
func (l *Lane) monitor(ctx context.Context) {
	pos, _ := l.sm.Position()
	if pos.Unconfirmed {
		l.resolveEntry(ctx, pos)
		return
	}
	opp, _ := l.sm.Opportunity()
	tuning := l.sm.Tuning()

	book, err := l.bookTicker(ctx, pos.Symbol)
	if err != nil {
		slog.Warn("lane: book ticker unavailable", "lane", l.Name(), "symbol", pos.Symbol, "err", err)
		if l.cfg.MaxHold > 0 && l.now().Sub(pos.EnteredAt) >= l.cfg.MaxHold {
			l.marketExit(ctx, domain.ExitMaxHold, pos.EntryPrice)
		}
		return
	}

	mark := book.ExitPrice(pos.Side)
	stop := domain.StopPrice(pos.Side, pos.EntryPrice, tuning.StopLossPercent)
	target := domain.ProjectedExit(pos.Side, pos.EntryPrice, opp.TakeProfitPercent)

	switch {
	case breached(pos.Side, mark, stop):
		l.marketExit(ctx, domain.ExitStopLoss, mark)
	case pos.ProfitLocked && breached(pos.Side, mark, pos.TrailingStop):
		l.marketExit(ctx, domain.ExitTrailingStop, mark)
	case reached(pos.Side, mark, target):
		l.boundedExit(ctx, target, stop)
	case l.cfg.MaxHold > 0 && l.now().Sub(pos.EnteredAt) >= l.cfg.MaxHold:
		l.marketExit(ctx, domain.ExitMaxHold, mark)
	case pos.ProfitLocked:
		l.sm.UpdateTrailingStop(mark)
	default:
		trail := TrailingStop(pos.Side, mark, tuning.TrailingPercent)
		err := l.sm.ActivateProfitLock(mark, trail)
		switch {
		case err == nil:
			slog.Info("lane: profit lock armed",
				"lane", l.Name(),
				"symbol", pos.Symbol,
				"mark", mark,
				"trailing_stop", trail,
			)
		case !errors.Is(err, ErrLockNotWarranted):
			slog.Warn("lane: profit lock failed", "lane", l.Name(), "err", err)
		}
	}
}

// boundedExit places a limit order at target and polls it. A stop-loss breach
// observed while waiting cancels the limit and exits at market; so does the
// exit timeout, with reason TIMEOUT.
func (l *Lane) boundedExit(ctx context.Context, target, stop float64) {
	pos, _ := l.sm.Position()

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	placed, err := l.deps.Executor.PlaceOrder(callCtx, domain.OrderRequest{
		ClientID: pos.ID + "-tp",
		Symbol:   pos.Symbol,
		Side:     pos.Side.ExitOrderSide(),
		Type:     domain.OrderLimit,
		Price:    target,
		Notional: exitNotional(pos, target),
		Quantity: pos.Quantity,
	})
	cancel()
	if err != nil {
		slog.Warn("lane: take-profit order failed, exiting at market", "lane", l.Name(), "err", err)
		l.marketExit(ctx, domain.ExitTakeProfit, target)
		return
	}

	deadline := time.NewTimer(l.cfg.ExitTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(l.cfg.ExitPollInterval)
	defer poll.Stop()

	last := target
	for {
		select {
		case <-ctx.Done():
			if l.cancelExit(ctx, pos, placed.OrderID, target) {
				return
			}
			l.marketExit(ctx, domain.ExitShutdown, last)
			return

		case <-deadline.C:
			slog.Warn("lane: exit order timed out",
				"lane", l.Name(),
				"order", placed.OrderID,
				"timeout", l.cfg.ExitTimeout,
			)
			if l.cancelExit(ctx, pos, placed.OrderID, target) {
				return
			}
			l.marketExit(ctx, domain.ExitTimeout, last)
			return

		case <-poll.C:
			callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
			st, err := l.deps.Executor.GetOrderStatus(callCtx, pos.Symbol, placed.OrderID)
			cancel()
			if err == nil && st.Filled {
				l.finishCycle(ctx, fillPrice(st, target), domain.ExitTakeProfit)
				return
			}
			if err != nil {
				slog.Debug("lane: exit status check failed", "order", placed.OrderID, "err", err)
			}

			book, err := l.bookTicker(ctx, pos.Symbol)
			if err != nil {
				continue
			}
			last = book.ExitPrice(pos.Side)
			if breached(pos.Side, last, stop) {
				slog.Warn("lane: stop loss breached during exit, preempting limit",
					"lane", l.Name(),
					"mark", last,
					"stop", stop,
				)
				if l.cancelExit(ctx, pos, placed.OrderID, target) {
					return
				}
				l.marketExit(ctx, domain.ExitStopLoss, last)
				return
			}
		}
	}
}

// cancelExit cancels the pending limit and reports whether it had already
// filled, in which case the cycle is closed as a take-profit.
func (l *Lane) cancelExit(ctx context.Context, pos OpenPosition, orderID string, limit float64) bool {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
	defer cancel()

	if err := l.deps.Executor.CancelOrder(callCtx, pos.Symbol, orderID); err != nil {
		slog.Warn("lane: cancel exit order failed", "order", orderID, "err", err)
	}
	st, err := l.deps.Executor.GetOrderStatus(callCtx, pos.Symbol, orderID)
	if err != nil || !st.Filled {
		return false
	}
	l.finishCycle(ctx, fillPrice(st, limit), domain.ExitTakeProfit)
	return true
}

// marketExit closes the position at market. If the order cannot be placed the
// cycle still closes at refPrice so the exposure never goes untracked.
func (l *Lane) marketExit(ctx context.Context, reason domain.ExitReason, refPrice float64) {
	pos, _ := l.sm.Position()
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
	defer cancel()

	price := refPrice
	placed, err := l.deps.Executor.PlaceOrder(callCtx, domain.OrderRequest{
		ClientID: pos.ID + "-x",
		Symbol:   pos.Symbol,
		Side:     pos.Side.ExitOrderSide(),
		Type:     domain.OrderMarket,
		Notional: exitNotional(pos, refPrice),
		Quantity: pos.Quantity,
	})
	if err != nil {
		slog.Error("lane: market exit failed, closing at reference price",
			"lane", l.Name(),
			"symbol", pos.Symbol,
			"reason", reason,
			"price", refPrice,
			"err", err,
		)
	} else if st, err := l.deps.Executor.GetOrderStatus(callCtx, pos.Symbol, placed.OrderID); err == nil {
		price = fillPrice(st, refPrice)
	}
	l.finishCycle(ctx, price, reason)
}

// finishCycle records the exit and runs post-trade bookkeeping back to Idle.
func (l *Lane) finishCycle(ctx context.Context, exitPrice float64, reason domain.ExitReason) {
	pos, _ := l.sm.Position()
	now := l.now()

	net := 0.0
	if reason != domain.ExitEntryFailed {
		net = domain.NetProfit(pos.Side, pos.EntryPrice, exitPrice, pos.Size, l.cfg.FeeRate)
	}

	result, err := l.sm.ExitPosition(exitPrice, reason, net, now)
	if err != nil {
		slog.Error("lane: exit rejected", "lane", l.Name(), "err", err)
		l.sm.ReturnToIdle("exit rejected")
		l.flush(ctx, nil)
		return
	}

	l.breaker.Record(result.NetProfit, result.Success, now)
	if l.deps.Metrics != nil {
		l.deps.Metrics.ObserveCycle(result)
	}
	slog.Info("lane: cycle closed",
		"lane", l.Name(),
		"symbol", result.Symbol,
		"reason", result.ExitReason,
		"net", fmt.Sprintf("$%.4f", result.NetProfit),
		"success", result.Success,
		"hold", result.HoldDuration().Round(time.Millisecond),
	)

	l.postCycle(ctx, result)
}

// postCycle runs SpeedAdjust → AIAnalysis → (SelfAudit → Dashboard) → Idle.
// Nothing here may keep the lane out of Idle.
func (l *Lane) postCycle(ctx context.Context, result domain.TradeCycleResult) {
	defer func() {
		l.sm.ReturnToIdle("cycle complete")
		l.flush(ctx, &result)
	}()

	cooldown, err := l.sm.AdjustSpeed()
	if err != nil {
		slog.Error("lane: speed adjust rejected", "lane", l.Name(), "err", err)
		return
	}
	l.mu.Lock()
	l.nextEntry = l.now().Add(cooldown)
	l.mu.Unlock()

	if _, err := l.sm.RunAIAnalysis(context.WithoutCancel(ctx), l.deps.Advisor); err != nil {
		slog.Error("lane: analysis rejected", "lane", l.Name(), "err", err)
		return
	}
	if l.deps.Tuning != nil {
		t := l.sm.Tuning()
		l.deps.Tuning.SetVenueTuning(l.Exchange(), t.TargetNetProfit, t.MinScore)
	}

	if !l.sm.ShouldAudit() {
		return
	}
	report, err := l.sm.GenerateAudit()
	if err != nil {
		slog.Error("lane: audit rejected", "lane", l.Name(), "err", err)
		return
	}
	l.publishAudit(ctx, report)

	dash, err := l.sm.GenerateDashboard()
	if err != nil {
		slog.Error("lane: dashboard rejected", "lane", l.Name(), "err", err)
		return
	}
	slog.Debug("lane: dashboard published",
		"lane", dash.Lane,
		"completed", dash.CompletedTrades,
		"net", fmt.Sprintf("$%.2f", dash.TotalNetProfit),
	)
}

func (l *Lane) publishAudit(ctx context.Context, report domain.AuditReport) {
	slog.Info("lane: self-audit",
		"lane", l.Name(),
		"trades", report.CompletedTrades,
		"win_rate", fmt.Sprintf("%.0f%%", report.WinRate*100),
		"net", fmt.Sprintf("$%.2f", report.NetProfit),
		"findings", len(report.Findings),
	)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
	defer cancel()
	if l.deps.Store != nil {
		if err := l.deps.Store.SaveAudit(ctx, report); err != nil {
			slog.Warn("lane: store audit failed", "err", err)
		}
	}
	if l.deps.Notifier != nil {
		if err := l.deps.Notifier.NotifyAudit(ctx, report); err != nil {
			slog.Warn("lane: notify audit failed", "err", err)
		}
	}
}

// flush writes pending transitions and the cycle result to the record store
// and metrics. Failures are logged and never abort the lane.
func (l *Lane) flush(ctx context.Context, result *domain.TradeCycleResult) {
	transitions := l.sm.TakePending()
	if l.deps.Metrics != nil {
		for _, t := range transitions {
			l.deps.Metrics.ObserveTransition(t.Lane, t.From, t.To, t.Forced)
		}
	}
	if l.deps.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
	defer cancel()
	if result != nil {
		if err := l.deps.Store.SaveCycleResult(ctx, *result); err != nil {
			slog.Warn("lane: store result failed", "lane", l.Name(), "err", err)
		}
	}
	if len(transitions) > 0 {
		if err := l.deps.Store.SaveTransitions(ctx, transitions); err != nil {
			slog.Warn("lane: store transitions failed", "lane", l.Name(), "err", err)
		}
	}
}

// shutdown closes any open position at market before the lane exits.
func (l *Lane) shutdown(ctx context.Context) {
	if !l.sm.State().HasOpenPosition() {
		return
	}
	pos, _ := l.sm.Position()
	if pos.Unconfirmed {
		l.resolveEntry(ctx, pos)
		if pos, _ = l.sm.Position(); pos.Unconfirmed {
			slog.Error("lane: stopping with unresolved entry, reservation kept",
				"lane", l.Name(),
				"symbol", pos.Symbol,
				"order", pos.EntryOrderID,
			)
			return
		}
		if !l.sm.State().HasOpenPosition() {
			l.publish()
			return
		}
	}
	ref := pos.EntryPrice
	if book, err := l.bookTicker(context.WithoutCancel(ctx), pos.Symbol); err == nil {
		ref = book.ExitPrice(pos.Side)
	}
	slog.Warn("lane: closing open position on shutdown", "lane", l.Name(), "symbol", pos.Symbol)
	l.marketExit(ctx, domain.ExitShutdown, ref)
	l.publish()
}

func (l *Lane) bookTicker(ctx context.Context, symbol string) (domain.BookTicker, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	return l.deps.Executor.GetBookTicker(callCtx, symbol)
}

func (l *Lane) ready(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expedite {
		l.expedite = false
		return true
	}
	return !now.Before(l.nextEntry)
}

func (l *Lane) publish() {
	dash := l.sm.Dashboard()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dashboard = dash
}

func (l *Lane) reject(opp domain.Opportunity, cat domain.RejectionCategory, reason string, at time.Time) {
	if l.deps.Rejections != nil {
		l.deps.Rejections.Record(domain.Rejection{
			Exchange: opp.Exchange,
			Symbol:   opp.Symbol,
			Category: cat,
			Reason:   reason,
			Score:    opp.Score,
			At:       at,
		})
	}
	if l.deps.Metrics != nil {
		l.deps.Metrics.ObserveRejection(l.Exchange(), cat)
	}
}

// breached reports whether mark is at or beyond level against the position.
func breached(side domain.Side, mark, level float64) bool {
	if level <= 0 {
		return false
	}
	if side == domain.SideShort {
		return mark >= level
	}
	return mark <= level
}

// reached reports whether mark is at or beyond target in the position's favour.
func reached(side domain.Side, mark, target float64) bool {
	if target <= 0 {
		return false
	}
	if side == domain.SideShort {
		return mark <= target
	}
	return mark >= target
}

// exitNotional is the quote value of the position's quantity at price.
func exitNotional(pos OpenPosition, price float64) float64 {
	if pos.EntryPrice <= 0 {
		return pos.Size
	}
	return pos.Size / pos.EntryPrice * price
}

func fillPrice(st domain.OrderStatus, fallback float64) float64 {
	if st.AvgPrice > 0 {
		return st.AvgPrice
	}
	return fallback
}
