package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

const (
	defaultInterval        = time.Second
	defaultStaleAfter      = 5 * time.Second
	defaultTTL             = 30 * time.Second
	defaultTopN            = 20
	defaultDegradedAfter   = 5
	defaultRejectionWindow = 15 * time.Minute
	defaultRejectionBuffer = 512
	defaultFetchTimeout    = 3 * time.Second
)

// Status is the health of the scan loop.
type Status string

const (
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

// SizingConfig holds the sizer inputs that do not come from the venue.
type SizingConfig struct {
	TargetNetProfit      float64
	MinEdgePercent       float64
	MaxAllocationPercent float64
	SlippageBps          float64 // per side, applied to the position notional
}

// Config contains the scanner configuration.
type Config struct {
	Interval           time.Duration
	Symbols            []string
	StaleAfter         time.Duration
	MinScore           float64
	MinNetProfit       float64 // projected net after slippage must reach this
	TopN               int
	OpportunityTTL     time.Duration
	Workers            int // goroutines for parallel fetch (0 = NumCPU*2)
	FetchTimeout       time.Duration
	DegradedAfterTicks int
	RejectionWindow    time.Duration
	RejectionBuffer    int
	Scoring            domain.ScoringConfig
	Sizing             SizingConfig
}

// Venue is one exchange the scanner watches.
type Venue struct {
	Name        string
	Feed        ports.PriceFeed
	FeeRate     float64
	MinNotional float64
	AllowShort  bool // venue can open shorts; spot accounts cannot
}

// CapitalSource answers how much capital an exchange holds and how much is free.
type CapitalSource interface {
	Idle(exchange string) float64
	Total(exchange string) float64
}

// venueTuning is the per-venue override of target profit and score gate set by
// the lifecycle's post-trade analysis.
type venueTuning struct {
	targetNetProfit float64
	minScore        float64
}

// TickStats summarises the last scan tick.
type TickStats struct {
	At            time.Time
	Fetched       int
	Failed        int
	Stale         int
	Candidates    int
	Opportunities int
	Duration      time.Duration
}

// Snapshot is a point-in-time view of the scanner for dashboards.
type Snapshot struct {
	Status             Status
	Window             []domain.Opportunity
	Rejections         map[domain.RejectionCategory]int
	RecentRejections   []domain.Rejection
	LastTick           TickStats
	Ticks              int
	ConsecutiveFailing int
}

// Scanner turns price observations for a fixed symbol universe into a ranked,
// expiring window of qualified opportunities.
type Scanner struct {
	cfg        Config
	venues     []*Venue
	capital    CapitalSource
	metrics    ports.Metrics
	notifier   ports.Notifier
	rejections *RejectionTracker
	now        func() time.Time

	mu       sync.Mutex
	window   *window
	tuning   map[string]venueTuning
	status   Status
	failing  int
	ticks    int
	lastTick TickStats
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scanner with every dependency injected. metrics and notifier may be nil.
func New(cfg Config, venues []Venue, capital CapitalSource, metrics ports.Metrics, notifier ports.Notifier) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.OpportunityTTL <= 0 {
		cfg.OpportunityTTL = defaultTTL
	}
	if cfg.TopN <= 0 {
		cfg.TopN = defaultTopN
	}
	if cfg.DegradedAfterTicks <= 0 {
		cfg.DegradedAfterTicks = defaultDegradedAfter
	}
	if cfg.RejectionWindow <= 0 {
		cfg.RejectionWindow = defaultRejectionWindow
	}
	if cfg.RejectionBuffer <= 0 {
		cfg.RejectionBuffer = defaultRejectionBuffer
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Scoring == (domain.ScoringConfig{}) {
		cfg.Scoring = domain.DefaultScoringConfig()
	}

	vs := make([]*Venue, 0, len(venues))
	for i := range venues {
		v := venues[i]
		vs = append(vs, &v)
	}

	return &Scanner{
		cfg:        cfg,
		venues:     vs,
		capital:    capital,
		metrics:    metrics,
		notifier:   notifier,
		rejections: NewRejectionTracker(cfg.RejectionBuffer, cfg.RejectionWindow),
		now:        time.Now,
		window:     newWindow(cfg.TopN),
		tuning:     make(map[string]venueTuning),
		status:     StatusStopped,
	}
}

// Start launches the scan loop in its own goroutine. Stop ends it.
func (s *Scanner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = StatusRunning
	done := s.done
	s.mu.Unlock()
	s.publishStatus(StatusRunning)

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop cancels the scan loop, waits for it to exit and marks the scanner stopped.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	s.publishStatus(StatusStopped)
}

// Run ejecuta el loop de escaneo hasta que se cancele el contexto.
func (s *Scanner) Run(ctx context.Context) {
	slog.Info("scanner: starting",
		"interval", s.cfg.Interval,
		"venues", len(s.venues),
		"symbols", len(s.cfg.Symbols),
		"workers", s.cfg.Workers,
	)

	// Primer tick inmediato, sin esperar al ticker.
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scanner: stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// RunOnce executes exactly one scan tick and returns the opportunities it emitted.
func (s *Scanner) RunOnce(ctx context.Context) []domain.Opportunity {
	return s.tick(ctx)
}

// Take removes and returns the best unexpired opportunity for exchange. Each
// opportunity is handed out at most once.
func (s *Scanner) Take(exchange string, now time.Time) (domain.Opportunity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.take(exchange, now)
}

// SetVenueTuning overrides the target net profit and minimum score for one
// exchange. Non-positive values keep the configured defaults.
func (s *Scanner) SetVenueTuning(exchange string, targetNetProfit, minScore float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuning[exchange] = venueTuning{targetNetProfit: targetNetProfit, minScore: minScore}
}

// Status returns the current scanner health.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Rejections exposes the rejection tracker for analytics.
func (s *Scanner) Rejections() *RejectionTracker {
	return s.rejections
}

// Snapshot returns the current window, status and rejection telemetry.
func (s *Scanner) Snapshot() Snapshot {
	s.rejections.Expire(s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:             s.status,
		Window:             s.window.snapshot(),
		Rejections:         s.rejections.Counts(),
		RecentRejections:   s.rejections.Recent(20),
		LastTick:           s.lastTick,
		Ticks:              s.ticks,
		ConsecutiveFailing: s.failing,
	}
}

// tick fetches → scores → gates → sizes → emits, then updates the window and status.
func (s *Scanner) tick(ctx context.Context) []domain.Opportunity {
	start := s.now()
	stats := TickStats{At: start}

	s.pruneExpired(start)

	results := fetchObservationsConcurrent(ctx, s.venues, s.cfg.Symbols, s.cfg.Workers, s.cfg.FetchTimeout)
	sort.Slice(results, func(i, j int) bool {
		if results[i].venue.Name == results[j].venue.Name {
			return results[i].symbol < results[j].symbol
		}
		return results[i].venue.Name < results[j].venue.Name
	})

	perVenue := make(map[string][2]int, len(s.venues))
	var emitted []domain.Opportunity
	for _, r := range results {
		counts := perVenue[r.venue.Name]
		if r.err != nil && !errors.Is(r.err, domain.ErrStaleObservation) {
			stats.Failed++
			counts[1]++
			perVenue[r.venue.Name] = counts
			continue
		}
		if r.err != nil || !r.obs.IsFresh(start, s.cfg.StaleAfter) {
			stats.Stale++
			counts[1]++
			perVenue[r.venue.Name] = counts
			s.reject(r.venue.Name, r.symbol, domain.RejectTiming, "stale or missing observation", 0, start)
			continue
		}
		stats.Fetched++
		counts[0]++
		perVenue[r.venue.Name] = counts

		stats.Candidates++
		if opp, ok := s.qualify(r.venue, r.obs, start); ok {
			emitted = append(emitted, opp)
		}
	}
	stats.Opportunities = len(emitted)
	stats.Duration = s.now().Sub(start)

	if s.metrics != nil {
		for name, c := range perVenue {
			s.metrics.ObserveScanTick(name, c[0], c[1])
		}
		for _, o := range emitted {
			s.metrics.ObserveOpportunity(o.Exchange)
		}
	}

	s.mu.Lock()
	evicted := s.window.add(emitted)
	s.ticks++
	s.lastTick = stats
	status := s.updateStatusLocked(stats)
	s.mu.Unlock()

	for _, o := range evicted {
		s.reject(o.Exchange, o.Symbol, domain.RejectOther, "outranked in opportunity window", o.Score, start)
	}
	s.publishStatus(status)

	if len(emitted) > 0 && s.notifier != nil {
		if err := s.notifier.NotifyOpportunities(ctx, emitted); err != nil {
			slog.Warn("scanner: notifier error", "err", err)
		}
	}

	slog.Debug("scanner: tick complete",
		"fetched", stats.Fetched,
		"failed", stats.Failed,
		"stale", stats.Stale,
		"opportunities", stats.Opportunities,
		"status", status,
		"duration", stats.Duration.Round(time.Millisecond),
	)
	return emitted
}

// qualify runs one fresh observation through scoring, sizing and the capital gate.
func (s *Scanner) qualify(v *Venue, obs domain.PriceObservation, now time.Time) (domain.Opportunity, bool) {
	target, minScore := s.venueParams(v.Name)

	c := domain.ScoreCandidate(obs, s.cfg.Scoring)
	c.Exchange = v.Name
	if c.Score < minScore {
		s.reject(v.Name, obs.Symbol, c.WeakestComponent(),
			fmt.Sprintf("score %.1f below %.1f", c.Score, minScore), c.Score, now)
		return domain.Opportunity{}, false
	}
	if c.Direction == domain.SideShort && !v.AllowShort {
		s.reject(v.Name, obs.Symbol, domain.RejectMomentum, "short side disabled on venue", c.Score, now)
		return domain.Opportunity{}, false
	}

	var total, idle float64
	if s.capital != nil {
		total = s.capital.Total(v.Name)
		idle = s.capital.Idle(v.Name)
	}

	sized := domain.SizePosition(domain.SizingInput{
		TargetNetProfit:      target,
		FeeRate:              v.FeeRate,
		MinEdgePercent:       s.cfg.Sizing.MinEdgePercent,
		PortfolioBalance:     total,
		MaxAllocationPercent: s.cfg.Sizing.MaxAllocationPercent,
		ExchangeMinNotional:  v.MinNotional,
	})
	if !sized.IsViable {
		cat := domain.CategoryForSizing(sized.Rejection)
		if sized.Rejection == domain.RejectInvalidInput && total <= 0 {
			cat = domain.RejectCapital
		}
		s.reject(v.Name, obs.Symbol, cat, sized.Reason, c.Score, now)
		return domain.Opportunity{}, false
	}

	if sized.RecommendedAmount > idle+domain.CapitalTolerance {
		s.reject(v.Name, obs.Symbol, domain.RejectCapital,
			fmt.Sprintf("size $%.2f exceeds idle $%.2f", sized.RecommendedAmount, idle), c.Score, now)
		return domain.Opportunity{}, false
	}

	slippage := sized.RecommendedAmount * s.cfg.Sizing.SlippageBps / 10_000 * 2
	projected := sized.NetProfitAtTarget - slippage
	if projected < s.cfg.MinNetProfit {
		s.reject(v.Name, obs.Symbol, domain.RejectFees,
			fmt.Sprintf("projected net $%.4f after slippage below $%.2f", projected, s.cfg.MinNetProfit), c.Score, now)
		return domain.Opportunity{}, false
	}

	entry := entryPrice(c.Direction, obs)
	opp := domain.Opportunity{
		ID:                 uuid.NewString(),
		Exchange:           v.Name,
		Symbol:             obs.Symbol,
		Side:               c.Direction,
		EntryPrice:         entry,
		ProjectedExitPrice: domain.ProjectedExit(c.Direction, entry, sized.TakeProfitPercent),
		ProjectedNetProfit: projected,
		Fees:               sized.FeeImpact,
		SlippageBudget:     slippage,
		PositionSize:       sized.RecommendedAmount,
		TakeProfitPercent:  sized.TakeProfitPercent,
		Score:              c.Score,
		Confidence:         c.Confidence,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.cfg.OpportunityTTL),
	}

	slog.Debug("scanner: opportunity qualified",
		"exchange", v.Name,
		"symbol", opp.Symbol,
		"side", opp.Side,
		"score", fmt.Sprintf("%.1f", opp.Score),
		"size", fmt.Sprintf("$%.2f", opp.PositionSize),
		"take_profit", fmt.Sprintf("%.3f%%", opp.TakeProfitPercent),
		"projected_net", fmt.Sprintf("$%.4f", opp.ProjectedNetProfit),
	)
	return opp, true
}

func (s *Scanner) venueParams(exchange string) (target, minScore float64) {
	target, minScore = s.cfg.Sizing.TargetNetProfit, s.cfg.MinScore
	s.mu.Lock()
	t, ok := s.tuning[exchange]
	s.mu.Unlock()
	if ok {
		if t.targetNetProfit > 0 {
			target = t.targetNetProfit
		}
		if t.minScore > 0 {
			minScore = t.minScore
		}
	}
	return target, minScore
}

// pruneExpired drops opportunities nobody took in time and records them as
// duration rejections.
func (s *Scanner) pruneExpired(now time.Time) {
	s.mu.Lock()
	expired := s.window.prune(now)
	s.mu.Unlock()
	for _, o := range expired {
		s.reject(o.Exchange, o.Symbol, domain.RejectDuration, "expired before entry", o.Score, now)
	}
}

// updateStatusLocked moves between Running and Degraded. A tick where nothing
// could be fetched counts toward degradation; any fresh observation recovers.
func (s *Scanner) updateStatusLocked(stats TickStats) Status {
	allFailed := stats.Fetched == 0 && (stats.Failed+stats.Stale) > 0
	if allFailed {
		s.failing++
	} else if stats.Fetched > 0 {
		s.failing = 0
	}

	prev := s.status
	switch {
	case s.failing >= s.cfg.DegradedAfterTicks:
		s.status = StatusDegraded
	case s.failing == 0:
		s.status = StatusRunning
	}

	if prev != s.status {
		if s.status == StatusDegraded {
			slog.Warn("scanner: degraded, no observations fetched", "consecutive_ticks", s.failing)
		} else {
			slog.Info("scanner: status changed", "from", prev, "to", s.status)
		}
	}
	return s.status
}

func (s *Scanner) reject(exchange, symbol string, cat domain.RejectionCategory, reason string, score float64, at time.Time) {
	s.rejections.Record(domain.Rejection{
		Exchange: exchange,
		Symbol:   symbol,
		Category: cat,
		Reason:   reason,
		Score:    score,
		At:       at,
	})
	if s.metrics != nil {
		s.metrics.ObserveRejection(exchange, cat)
	}
}

func (s *Scanner) publishStatus(st Status) {
	if s.metrics != nil {
		s.metrics.SetScannerStatus(string(st))
	}
}

// entryPrice is the price a market entry would pay: the ask for longs and the
// bid for shorts, falling back to last price without a book.
func entryPrice(side domain.Side, obs domain.PriceObservation) float64 {
	if !obs.HasBook() {
		return obs.Price
	}
	if side == domain.SideShort {
		return obs.Bid
	}
	return obs.Ask
}
