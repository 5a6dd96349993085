package capital

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// Start launches the refresh loop in its own goroutine. Stop ends it.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.Run(ctx)
	}()
}

// Stop cancels the refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run refreshes balances on a fixed interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("capital: refresh loop starting", "interval", m.cfg.RefreshInterval)

	m.Refresh(ctx)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("capital: refresh loop stopped")
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh polls every balance provider, then evaluates idle-capital episodes.
// A failing provider leaves that exchange's last known total in place.
func (m *Manager) Refresh(ctx context.Context) {
	names := make([]string, 0, len(m.balances))
	for name := range m.balances {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		provider := m.balances[name]
		if provider == nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, balanceFetchTimeout)
		total, err := provider.GetBalance(callCtx)
		cancel()
		if err != nil {
			slog.Warn("capital: balance refresh failed", "exchange", name, "err", err)
			continue
		}
		if err := m.UpdateBalance(name, total); err != nil {
			slog.Warn("capital: balance update rejected", "exchange", name, "err", err)
		}
	}

	decisions := m.evaluateIdle()

	m.mu.Lock()
	handlers := append([]IdleHandler(nil), m.handlers...)
	status := m.statusLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetCapital(status)
	}
	for _, d := range decisions {
		slog.Warn("capital: idle funds detected",
			"exchange", d.Exchange,
			"idle", fmt.Sprintf("$%.2f", d.IdleAmount),
			"utilization", fmt.Sprintf("%.1f%%", d.Utilization),
			"idle_for", d.IdleFor.Round(time.Second),
			"action", d.Action,
		)
		for _, h := range handlers {
			h(d)
		}
	}
}

// evaluateIdle tracks how long each exchange has stayed below the utilisation
// threshold and returns one decision per episode once IdleAfter is exceeded.
func (m *Manager) evaluateIdle() []domain.IdleDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	action := domain.IdleAlert
	if m.cfg.AutoDeploy {
		action = domain.IdleAutoDeploy
	}

	var out []domain.IdleDecision
	for name, l := range m.ledgers {
		util := utilization(l.deployed, l.total)
		if l.total <= 0 || util >= m.cfg.IdleUtilization {
			l.idleSince = time.Time{}
			l.idleFired = false
			continue
		}
		if l.idleSince.IsZero() {
			l.idleSince = now
			continue
		}
		idleFor := now.Sub(l.idleSince)
		if idleFor < m.cfg.IdleAfter || l.idleFired {
			continue
		}
		l.idleFired = true
		out = append(out, domain.IdleDecision{
			Exchange:    name,
			IdleAmount:  l.idle(),
			Utilization: util,
			IdleFor:     idleFor,
			Action:      action,
			At:          now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}
