package capital

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

const (
	defaultRefreshInterval = 15 * time.Second
	defaultIdleAfter       = 10 * time.Minute
	defaultIdleUtilization = 10.0
	balanceFetchTimeout    = 5 * time.Second
	driftWarnPct           = 0.02
)

// Config holds configuration for the capital manager.
type Config struct {
	RefreshInterval time.Duration
	IdleAfter       time.Duration // how long utilisation must stay low before a decision
	IdleUtilization float64       // percent below which an exchange counts as idle
	AutoDeploy      bool
}

// IdleHandler receives idle-capital decisions.
type IdleHandler func(domain.IdleDecision)

// ledger is the mutable state of one exchange account.
type ledger struct {
	total       float64
	deployed    float64
	realizedPnL float64
	positions   map[string]domain.Position
	updatedAt   time.Time
	idleSince   time.Time
	idleFired   bool
}

func (l *ledger) idle() float64 {
	return l.total - l.deployed
}

// Manager is the ledger of truth for idle versus committed capital per exchange.
// It is safe for concurrent use.
type Manager struct {
	cfg      Config
	balances map[string]ports.BalanceProvider
	metrics  ports.Metrics

	mu       sync.Mutex
	ledgers  map[string]*ledger
	handlers []IdleHandler
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a capital manager for the given exchanges. balances may be nil or
// partial: exchanges without a provider are only updated through UpdateBalance.
func New(cfg Config, exchanges []string, balances map[string]ports.BalanceProvider, metrics ports.Metrics) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = defaultIdleAfter
	}
	if cfg.IdleUtilization <= 0 {
		cfg.IdleUtilization = defaultIdleUtilization
	}

	m := &Manager{
		cfg:      cfg,
		balances: balances,
		metrics:  metrics,
		ledgers:  make(map[string]*ledger, len(exchanges)),
		now:      time.Now,
	}
	for _, ex := range exchanges {
		m.ledgers[ex] = &ledger{positions: make(map[string]domain.Position)}
	}
	return m
}

// OnIdle registers a handler for idle-capital decisions.
func (m *Manager) OnIdle(h IdleHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// UpdateBalance refreshes an exchange's total from external truth. A total below
// the deployed notional is clamped up to it so idle never goes negative.
func (m *Manager) UpdateBalance(exchange string, total float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[exchange]
	if !ok {
		return fmt.Errorf("capital.UpdateBalance: %q: %w", exchange, domain.ErrUnknownExchange)
	}
	if total < 0 || math.IsNaN(total) {
		return fmt.Errorf("capital.UpdateBalance: %q: invalid total %.4f", exchange, total)
	}

	if l.total > 0 && relDiff(l.total, total) > driftWarnPct && len(l.positions) == 0 {
		slog.Warn("capital: balance drift on refresh",
			"exchange", exchange,
			"ledger", fmt.Sprintf("$%.2f", l.total),
			"reported", fmt.Sprintf("$%.2f", total),
		)
	}

	if total < l.deployed {
		slog.Warn("capital: reported balance below deployed notional, clamping",
			"exchange", exchange,
			"reported", fmt.Sprintf("$%.2f", total),
			"deployed", fmt.Sprintf("$%.2f", l.deployed),
		)
		total = l.deployed
	}
	l.total = total
	l.updatedAt = m.now()
	return nil
}

// TrackPosition reserves pos.Size of idle capital on exchange. It fails with
// domain.ErrInsufficientCapital without changing the ledger when idle is short.
func (m *Manager) TrackPosition(exchange string, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[exchange]
	if !ok {
		return fmt.Errorf("capital.TrackPosition: %q: %w", exchange, domain.ErrUnknownExchange)
	}
	if pos.Size <= 0 {
		return fmt.Errorf("capital.TrackPosition: %s: invalid size %.4f", pos.ID, pos.Size)
	}
	if _, dup := l.positions[pos.ID]; dup {
		return fmt.Errorf("capital.TrackPosition: %s: %w", pos.ID, domain.ErrDuplicatePosition)
	}
	if pos.Size > l.idle()+domain.CapitalTolerance {
		return fmt.Errorf("capital.TrackPosition: %s needs $%.2f, idle $%.2f on %s: %w",
			pos.ID, pos.Size, l.idle(), exchange, domain.ErrInsufficientCapital)
	}

	pos.Exchange = exchange
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = m.now()
	}
	l.positions[pos.ID] = pos
	l.deployed += pos.Size
	l.idleSince = time.Time{}
	l.idleFired = false

	slog.Debug("capital: position tracked",
		"exchange", exchange,
		"id", pos.ID,
		"symbol", pos.Symbol,
		"size", fmt.Sprintf("$%.2f", pos.Size),
		"idle", fmt.Sprintf("$%.2f", l.idle()),
	)
	return nil
}

// ConfirmEntry replaces a tracked position's provisional entry price with the
// executed one. The reserved notional is unchanged.
func (m *Manager) ConfirmEntry(exchange, positionID string, entryPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[exchange]
	if !ok {
		return fmt.Errorf("capital.ConfirmEntry: %q: %w", exchange, domain.ErrUnknownExchange)
	}
	pos, ok := l.positions[positionID]
	if !ok {
		return fmt.Errorf("capital.ConfirmEntry: %s: %w", positionID, domain.ErrUnknownPosition)
	}
	if entryPrice <= 0 {
		return fmt.Errorf("capital.ConfirmEntry: %s: invalid price %.6f", positionID, entryPrice)
	}
	pos.EntryPrice = entryPrice
	l.positions[positionID] = pos
	return nil
}

// OnPositionExit releases a position's notional and folds realised profit into total.
func (m *Manager) OnPositionExit(exchange, positionID string, exitPrice, profit float64) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[exchange]
	if !ok {
		return domain.Position{}, fmt.Errorf("capital.OnPositionExit: %q: %w", exchange, domain.ErrUnknownExchange)
	}
	pos, ok := l.positions[positionID]
	if !ok {
		return domain.Position{}, fmt.Errorf("capital.OnPositionExit: %s: %w", positionID, domain.ErrUnknownPosition)
	}

	delete(l.positions, positionID)
	l.deployed -= pos.Size
	if l.deployed < domain.CapitalTolerance {
		l.deployed = 0
	}
	l.total += profit
	l.realizedPnL += profit
	if l.total < l.deployed {
		slog.Warn("capital: loss exceeds idle funds, clamping total to deployed",
			"exchange", exchange,
			"position", positionID,
			"profit", fmt.Sprintf("$%.4f", profit),
		)
		l.total = l.deployed
	}

	slog.Debug("capital: position released",
		"exchange", exchange,
		"id", positionID,
		"exit_price", exitPrice,
		"profit", fmt.Sprintf("$%.4f", profit),
		"idle", fmt.Sprintf("$%.2f", l.idle()),
	)
	return pos, nil
}

// Idle returns free capital on exchange, 0 for unknown exchanges.
func (m *Manager) Idle(exchange string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.ledgers[exchange]; ok {
		return l.idle()
	}
	return 0
}

// Total returns the ledger total on exchange, 0 for unknown exchanges.
func (m *Manager) Total(exchange string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.ledgers[exchange]; ok {
		return l.total
	}
	return 0
}

// GetCapitalStatus returns per-exchange ledgers sorted by name plus aggregates.
func (m *Manager) GetCapitalStatus() domain.CapitalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() domain.CapitalStatus {
	status := domain.CapitalStatus{At: m.now()}
	for name, l := range m.ledgers {
		ec := domain.ExchangeCapital{
			Exchange:    name,
			Total:       l.total,
			Deployed:    l.deployed,
			Idle:        l.idle(),
			Utilization: utilization(l.deployed, l.total),
			RealizedPnL: l.realizedPnL,
			OpenCount:   len(l.positions),
			UpdatedAt:   l.updatedAt,
		}
		status.Exchanges = append(status.Exchanges, ec)
		status.Total += ec.Total
		status.Deployed += ec.Deployed
		status.Idle += ec.Idle
		status.RealizedPnL += ec.RealizedPnL
		status.Positions += ec.OpenCount
	}
	sort.Slice(status.Exchanges, func(i, j int) bool {
		return status.Exchanges[i].Exchange < status.Exchanges[j].Exchange
	})
	status.Utilization = utilization(status.Deployed, status.Total)
	return status
}

// GetPositions returns open positions on exchange, filtered by symbol when non-empty,
// oldest first.
func (m *Manager) GetPositions(exchange, symbol string) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[exchange]
	if !ok {
		return nil
	}
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func utilization(deployed, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return deployed / total * 100
}

func relDiff(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return math.Abs(b-a) / math.Abs(a)
}
