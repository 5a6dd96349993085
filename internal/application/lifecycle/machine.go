package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

const (
	defaultAuditInterval  = 20
	defaultResultWindow   = 50
	defaultAdvisorTimeout = 5 * time.Second
	defaultMinCooldown    = 500 * time.Millisecond
	defaultMaxCooldown    = 2 * time.Minute
	maxTransitionLog      = 1024
)

// ErrLockNotWarranted is returned by ActivateProfitLock when unrealised profit
// does not yet cover fees plus the slippage budget.
var ErrLockNotWarranted = errors.New("unrealized profit does not cover fees and slippage")

// Ledger is the capital reservation the state machine performs inline on entry
// and releases on exit.
type Ledger interface {
	TrackPosition(exchange string, pos domain.Position) error
	ConfirmEntry(exchange, positionID string, entryPrice float64) error
	OnPositionExit(exchange, positionID string, exitPrice, profit float64) (domain.Position, error)
}

// MachineConfig configures one lane's state machine.
type MachineConfig struct {
	Lane           string
	Exchange       string
	MinNetProfit   float64 // a cycle succeeds only at or above this net
	AuditInterval  int     // completed cycles between self-audits
	ResultWindow   int     // recent results kept for analysis and audits
	AdvisorTimeout time.Duration
	MinCooldown    time.Duration
	MaxCooldown    time.Duration
	Tuning         domain.Tuning
}

// OpenPosition is the lane's view of the position it is holding.
type OpenPosition struct {
	ID           string
	Symbol       string
	Side         domain.Side
	EntryPrice   float64
	Size         float64
	Quantity     float64 // base units to close; 0 until the entry fill is known
	EnteredAt    time.Time
	ProfitLocked bool
	TrailingStop float64

	// EntryOrderID is set while the entry order's fate is unknown. The
	// reservation stays in place until the order is seen filled or dead.
	EntryOrderID string
	Unconfirmed  bool
}

// StateMachine drives one lane through the trading lifecycle. It is not safe
// for concurrent use: each lane owns its instance and touches it from one goroutine.
type StateMachine struct {
	cfg    MachineConfig
	ledger Ledger
	now    func() time.Time

	state   domain.TradingState
	log     []domain.StateTransition
	pending []domain.StateTransition

	opp        *domain.Opportunity
	position   *OpenPosition
	cycleStart time.Time

	results       []domain.TradeCycleResult
	lastResult    *domain.TradeCycleResult
	completed     int
	totalNet      float64
	forced        int
	forcedAtAudit int
	tuning        domain.Tuning
	cooldown      time.Duration
	lastAudit     *domain.AuditReport
	lastAnalysis  domain.AnalysisOutcome
}

// NewStateMachine creates a machine in Idle.
func NewStateMachine(cfg MachineConfig, ledger Ledger) *StateMachine {
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = defaultAuditInterval
	}
	if cfg.ResultWindow <= 0 {
		cfg.ResultWindow = defaultResultWindow
	}
	if cfg.AdvisorTimeout <= 0 {
		cfg.AdvisorTimeout = defaultAdvisorTimeout
	}
	if cfg.MinCooldown <= 0 {
		cfg.MinCooldown = defaultMinCooldown
	}
	if cfg.MaxCooldown < cfg.MinCooldown {
		cfg.MaxCooldown = defaultMaxCooldown
	}
	if cfg.Lane == "" {
		cfg.Lane = cfg.Exchange
	}
	return &StateMachine{
		cfg:      cfg,
		ledger:   ledger,
		now:      time.Now,
		state:    domain.StateIdle,
		tuning:   cfg.Tuning,
		cooldown: clampDuration(cfg.Tuning.Cooldown, cfg.MinCooldown, cfg.MaxCooldown),
	}
}

// State returns the current state.
func (s *StateMachine) State() domain.TradingState { return s.state }

// Opportunity returns the opportunity of the current cycle, if any.
func (s *StateMachine) Opportunity() (domain.Opportunity, bool) {
	if s.opp == nil {
		return domain.Opportunity{}, false
	}
	return *s.opp, true
}

// Position returns the open position, if any.
func (s *StateMachine) Position() (OpenPosition, bool) {
	if s.position == nil {
		return OpenPosition{}, false
	}
	return *s.position, true
}

// Tuning returns the parameters currently in force.
func (s *StateMachine) Tuning() domain.Tuning { return s.tuning }

// Cooldown returns the wait before the next cycle may start.
func (s *StateMachine) Cooldown() time.Duration { return s.cooldown }

// CompletedTrades returns how many cycles reached Exit.
func (s *StateMachine) CompletedTrades() int { return s.completed }

// LastResult returns the most recent cycle result, if any.
func (s *StateMachine) LastResult() (domain.TradeCycleResult, bool) {
	if s.lastResult == nil {
		return domain.TradeCycleResult{}, false
	}
	return *s.lastResult, true
}

// Transitions returns a copy of the retained transition log, oldest first.
func (s *StateMachine) Transitions() []domain.StateTransition {
	return append([]domain.StateTransition(nil), s.log...)
}

// TakePending returns transitions not yet handed out and clears the pending list.
func (s *StateMachine) TakePending() []domain.StateTransition {
	out := s.pending
	s.pending = nil
	return out
}

// Transition moves to `to` if the adjacency table allows it. An illegal
// transition returns domain.ErrIllegalTransition and leaves the state unchanged.
func (s *StateMachine) Transition(to domain.TradingState, reason string, payload map[string]any) error {
	if !domain.CanTransition(s.state, to) {
		return fmt.Errorf("lifecycle.Transition: %s → %s: %w", s.state, to, domain.ErrIllegalTransition)
	}
	s.record(to, reason, payload, false)
	return nil
}

// ForceTransition moves to `to` regardless of the adjacency table. It exists for
// fault recovery only and is logged as an anomaly.
func (s *StateMachine) ForceTransition(to domain.TradingState, reason string) {
	slog.Warn("lane: forced transition",
		"lane", s.cfg.Lane,
		"from", s.state,
		"to", to,
		"reason", reason,
	)
	s.forced++
	s.record(to, reason, nil, true)
}

func (s *StateMachine) record(to domain.TradingState, reason string, payload map[string]any, forced bool) {
	t := domain.StateTransition{
		Lane:    s.cfg.Lane,
		From:    s.state,
		To:      to,
		At:      s.now(),
		Reason:  reason,
		Forced:  forced,
		Payload: payload,
	}
	s.state = to
	s.log = append(s.log, t)
	if len(s.log) > maxTransitionLog {
		s.log = append([]domain.StateTransition(nil), s.log[len(s.log)-maxTransitionLog:]...)
	}
	s.pending = append(s.pending, t)
}

// StartQualification begins a cycle with opp. It is legal only from Idle and
// refuses opportunities that expired before now.
func (s *StateMachine) StartQualification(opp domain.Opportunity, now time.Time) error {
	if s.state != domain.StateIdle {
		return fmt.Errorf("lifecycle.StartQualification: lane in %s: %w", s.state, domain.ErrIllegalTransition)
	}
	if opp.IsExpired(now) {
		return fmt.Errorf("lifecycle.StartQualification: %s expired at %s: %w",
			opp.ID, opp.ExpiresAt.Format(time.RFC3339), domain.ErrOpportunityExpired)
	}
	if opp.Exchange != "" && opp.Exchange != s.cfg.Exchange {
		return fmt.Errorf("lifecycle.StartQualification: %s belongs to %q not %q: %w",
			opp.ID, opp.Exchange, s.cfg.Exchange, domain.ErrUnknownExchange)
	}

	if err := s.Transition(domain.StateQualified, "opportunity qualified", map[string]any{
		"opportunity_id": opp.ID,
		"symbol":         opp.Symbol,
		"score":          opp.Score,
	}); err != nil {
		return err
	}
	o := opp
	s.opp = &o
	s.cycleStart = now
	return nil
}

// EnterPosition reserves the notional with the capital ledger and moves to Entered.
// When the reservation fails the cycle aborts to Idle and the error is returned;
// the ledger is left untouched.
func (s *StateMachine) EnterPosition(entryPrice, size float64, now time.Time) (OpenPosition, error) {
	if s.state != domain.StateQualified || s.opp == nil {
		return OpenPosition{}, fmt.Errorf("lifecycle.EnterPosition: lane in %s: %w", s.state, domain.ErrIllegalTransition)
	}
	if entryPrice <= 0 || size <= 0 {
		s.abort(fmt.Sprintf("invalid entry price %.6f or size %.2f", entryPrice, size))
		return OpenPosition{}, fmt.Errorf("lifecycle.EnterPosition: invalid entry %.6f size %.2f", entryPrice, size)
	}

	pos := domain.Position{
		ID:         uuid.NewString(),
		Exchange:   s.cfg.Exchange,
		Symbol:     s.opp.Symbol,
		Side:       s.opp.Side,
		EntryPrice: entryPrice,
		Size:       size,
		OpenedAt:   now,
	}
	if err := s.ledger.TrackPosition(s.cfg.Exchange, pos); err != nil {
		s.abort("capital reservation failed: " + err.Error())
		return OpenPosition{}, fmt.Errorf("lifecycle.EnterPosition: reserve: %w", err)
	}

	if err := s.Transition(domain.StateEntered, "position entered", map[string]any{
		"position_id": pos.ID,
		"entry_price": entryPrice,
		"size":        size,
	}); err != nil {
		return OpenPosition{}, err
	}
	s.position = &OpenPosition{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: entryPrice,
		Size:       size,
		EnteredAt:  now,
	}
	return *s.position, nil
}

// ConfirmFill replaces the provisional entry price with the executed one, in the
// lane and in the capital ledger, and records the base quantity held.
func (s *StateMachine) ConfirmFill(price, quantity float64) {
	if s.position == nil {
		return
	}
	s.position.Unconfirmed = false
	s.position.EntryOrderID = ""
	if quantity > 0 {
		s.position.Quantity = quantity
	}
	if price <= 0 {
		return
	}
	s.position.EntryPrice = price
	if err := s.ledger.ConfirmEntry(s.cfg.Exchange, s.position.ID, price); err != nil {
		slog.Warn("lane: ledger entry price not updated",
			"lane", s.cfg.Lane,
			"position", s.position.ID,
			"err", err,
		)
	}
}

// MarkUnconfirmed flags the entry as placed but of unknown outcome.
func (s *StateMachine) MarkUnconfirmed(orderID string) {
	if s.position == nil {
		return
	}
	s.position.Unconfirmed = true
	s.position.EntryOrderID = orderID
}

// abort returns a Qualified cycle to Idle without a result.
func (s *StateMachine) abort(reason string) {
	if err := s.Transition(domain.StateIdle, reason, nil); err != nil {
		s.ForceTransition(domain.StateIdle, reason)
	}
	s.opp = nil
	s.position = nil
}

// ActivateProfitLock arms a trailing stop once unrealised profit at markPrice
// exceeds the fees plus slippage budget of the opportunity.
func (s *StateMachine) ActivateProfitLock(markPrice, trailingStop float64) error {
	if s.state != domain.StateEntered || s.position == nil || s.opp == nil {
		return fmt.Errorf("lifecycle.ActivateProfitLock: lane in %s: %w", s.state, domain.ErrIllegalTransition)
	}
	unrealized := domain.UnrealizedProfit(s.position.Side, s.position.EntryPrice, markPrice, s.position.Size)
	threshold := s.opp.Fees + s.opp.SlippageBudget
	if unrealized <= threshold {
		return fmt.Errorf("lifecycle.ActivateProfitLock: $%.4f ≤ $%.4f: %w", unrealized, threshold, ErrLockNotWarranted)
	}

	if err := s.Transition(domain.StateProfitLock, "profit lock armed", map[string]any{
		"mark_price":    markPrice,
		"trailing_stop": trailingStop,
		"unrealized":    unrealized,
	}); err != nil {
		return err
	}
	s.position.ProfitLocked = true
	s.position.TrailingStop = trailingStop
	return nil
}

// UpdateTrailingStop ratchets the trailing stop toward markPrice using the
// current trailing percent. The stop never moves against the position.
func (s *StateMachine) UpdateTrailingStop(markPrice float64) float64 {
	if s.position == nil || !s.position.ProfitLocked {
		return 0
	}
	candidate := TrailingStop(s.position.Side, markPrice, s.tuning.TrailingPercent)
	switch s.position.Side {
	case domain.SideShort:
		if s.position.TrailingStop == 0 || candidate < s.position.TrailingStop {
			s.position.TrailingStop = candidate
		}
	default:
		if candidate > s.position.TrailingStop {
			s.position.TrailingStop = candidate
		}
	}
	return s.position.TrailingStop
}

// ExitPosition closes the cycle: it releases the reservation, folds the realised
// profit into the ledger and records a TradeCycleResult. Success requires
// actualNetProfit to reach the configured minimum, not merely exceed zero.
func (s *StateMachine) ExitPosition(exitPrice float64, reason domain.ExitReason, actualNetProfit float64, now time.Time) (domain.TradeCycleResult, error) {
	if !s.state.HasOpenPosition() || s.position == nil || s.opp == nil {
		return domain.TradeCycleResult{}, fmt.Errorf("lifecycle.ExitPosition: lane in %s: %w", s.state, domain.ErrIllegalTransition)
	}
	if err := s.Transition(domain.StateExit, string(reason), map[string]any{
		"exit_price": exitPrice,
		"net_profit": actualNetProfit,
	}); err != nil {
		return domain.TradeCycleResult{}, err
	}

	if _, err := s.ledger.OnPositionExit(s.cfg.Exchange, s.position.ID, exitPrice, actualNetProfit); err != nil {
		slog.Warn("lane: capital release failed",
			"lane", s.cfg.Lane,
			"position", s.position.ID,
			"err", err,
		)
	}

	result := domain.TradeCycleResult{
		ID:            uuid.NewString(),
		Lane:          s.cfg.Lane,
		Exchange:      s.cfg.Exchange,
		Symbol:        s.position.Symbol,
		Side:          s.position.Side,
		OpportunityID: s.opp.ID,
		PositionID:    s.position.ID,
		EntryPrice:    s.position.EntryPrice,
		ExitPrice:     exitPrice,
		Size:          s.position.Size,
		Fees:          s.opp.Fees,
		NetProfit:     actualNetProfit,
		MinNetProfit:  s.cfg.MinNetProfit,
		ExitReason:    reason,
		Success:       actualNetProfit >= s.cfg.MinNetProfit,
		ProfitLocked:  s.position.ProfitLocked,
		StartedAt:     s.cycleStart,
		EnteredAt:     s.position.EnteredAt,
		ClosedAt:      now,
	}

	s.completed++
	s.totalNet += actualNetProfit
	s.results = append(s.results, result)
	if len(s.results) > s.cfg.ResultWindow {
		s.results = s.results[len(s.results)-s.cfg.ResultWindow:]
	}
	r := result
	s.lastResult = &r
	s.position = nil
	return result, nil
}

// AdjustSpeed computes the cooldown before the next cycle from the last result:
// winners halve it, timeouts and losses double it, everything else keeps the base.
//
//	next = clamp(base × factor, MinCooldown, MaxCooldown)
func (s *StateMachine) AdjustSpeed() (time.Duration, error) {
	base := s.tuning.Cooldown
	if base <= 0 {
		base = s.cooldown
	}
	factor := 1.0
	if s.lastResult != nil {
		switch {
		case s.lastResult.Success:
			factor = 0.5
		case s.lastResult.ExitReason == domain.ExitTimeout,
			s.lastResult.ExitReason == domain.ExitStopLoss,
			s.lastResult.ExitReason == domain.ExitEntryFailed,
			s.lastResult.NetProfit < 0:
			factor = 2
		}
	}
	next := clampDuration(time.Duration(float64(base)*factor), s.cfg.MinCooldown, s.cfg.MaxCooldown)

	if err := s.Transition(domain.StateSpeedAdjust, "cooldown adjusted", map[string]any{
		"cooldown_ms": next.Milliseconds(),
	}); err != nil {
		return s.cooldown, err
	}
	s.cooldown = next
	return next, nil
}

// RunAIAnalysis asks the advisor for parameter nudges within the configured
// timeout. A nil, failing or slow advisor falls back to the rule-based tuner;
// the analysis never blocks the cycle.
func (s *StateMachine) RunAIAnalysis(ctx context.Context, advisor ports.Advisor) (domain.AnalysisOutcome, error) {
	if err := s.Transition(domain.StateAIAnalysis, "post-trade analysis", nil); err != nil {
		return domain.AnalysisOutcome{}, err
	}

	summary := s.Summary()
	outcome := domain.AnalysisOutcome{Source: "rules"}

	if advisor != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.AdvisorTimeout)
		nudge, err := advisor.Recommend(callCtx, summary)
		cancel()
		if err == nil {
			outcome = domain.AnalysisOutcome{Source: "advisor", Nudge: nudge}
		} else {
			slog.Warn("lane: advisor unavailable, using rules",
				"lane", s.cfg.Lane,
				"err", err,
			)
			outcome.Err = err
		}
	}
	if outcome.Source == "rules" {
		nudge, _ := DefaultRuleAdvisor(s.cfg.MinNetProfit).Recommend(ctx, summary)
		outcome.Nudge = nudge
	}

	if !outcome.Nudge.IsEmpty() {
		before := s.tuning
		s.tuning = s.tuning.Apply(outcome.Nudge)
		slog.Info("lane: parameters tuned",
			"lane", s.cfg.Lane,
			"source", outcome.Source,
			"target", fmt.Sprintf("$%.2f→$%.2f", before.TargetNetProfit, s.tuning.TargetNetProfit),
			"min_score", fmt.Sprintf("%.1f→%.1f", before.MinScore, s.tuning.MinScore),
			"note", outcome.Nudge.Note,
		)
	}
	s.lastAnalysis = outcome
	return outcome, nil
}

// ShouldAudit is true iff the completed cycle count is a positive multiple of
// the audit interval.
func (s *StateMachine) ShouldAudit() bool {
	return s.completed > 0 && s.completed%s.cfg.AuditInterval == 0
}

// ReturnToIdle ends the cycle. It always succeeds: if the normal transition is
// illegal from the current state a forced transition is applied and logged.
func (s *StateMachine) ReturnToIdle(reason string) {
	if s.state == domain.StateIdle {
		return
	}
	if err := s.Transition(domain.StateIdle, reason, nil); err != nil {
		slog.Error("lane: illegal return to idle, forcing",
			"lane", s.cfg.Lane,
			"state", s.state,
			"err", err,
		)
		if s.position != nil {
			// The ledger keeps the reservation; the capital manager remains the
			// record of the exposure.
			slog.Error("lane: abandoning open position on forced idle",
				"lane", s.cfg.Lane,
				"position", s.position.ID,
				"symbol", s.position.Symbol,
			)
		}
		s.ForceTransition(domain.StateIdle, reason)
	}
	s.opp = nil
	s.position = nil
}

// TrailingStop returns the stop trailing markPrice by trailingPercent.
func TrailingStop(side domain.Side, markPrice, trailingPercent float64) float64 {
	move := trailingPercent / 100
	if side == domain.SideShort {
		return markPrice * (1 + move)
	}
	return markPrice * (1 - move)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
