package capital

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBalance struct {
	total float64
	err   error
}

func (f *fakeBalance) GetBalance(context.Context) (float64, error) {
	return f.total, f.err
}

func newTestManager(t *testing.T, exchanges ...string) *Manager {
	t.Helper()
	m := New(Config{}, exchanges, nil, nil)
	for _, ex := range exchanges {
		require.NoError(t, m.UpdateBalance(ex, 1000))
	}
	return m
}

func assertInvariant(t *testing.T, m *Manager) {
	t.Helper()
	for _, ec := range m.GetCapitalStatus().Exchanges {
		assert.InDelta(t, ec.Total, ec.Deployed+ec.Idle, domain.CapitalTolerance, ec.Exchange)
		assert.GreaterOrEqual(t, ec.Deployed, 0.0, ec.Exchange)
		assert.GreaterOrEqual(t, ec.Idle, -domain.CapitalTolerance, ec.Exchange)
	}
}

func TestManager_TrackAndExit(t *testing.T) {
	m := newTestManager(t, "binance")

	err := m.TrackPosition("binance", domain.Position{ID: "p1", Symbol: "BTCUSDT", Size: 250})
	require.NoError(t, err)

	status := m.GetCapitalStatus()
	require.Len(t, status.Exchanges, 1)
	assert.InDelta(t, 250.0, status.Exchanges[0].Deployed, 1e-9)
	assert.InDelta(t, 750.0, status.Exchanges[0].Idle, 1e-9)
	assert.InDelta(t, 25.0, status.Exchanges[0].Utilization, 1e-9)
	assertInvariant(t, m)

	pos, err := m.OnPositionExit("binance", "p1", 101, 1.5)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", pos.Symbol)

	status = m.GetCapitalStatus()
	assert.InDelta(t, 1001.5, status.Total, 1e-9)
	assert.Zero(t, status.Deployed)
	assert.InDelta(t, 1.5, status.RealizedPnL, 1e-9)
	assertInvariant(t, m)
}

func TestManager_ConfirmEntry_UpdatesEntryPrice(t *testing.T) {
	m := newTestManager(t, "binance")
	require.NoError(t, m.TrackPosition("binance", domain.Position{ID: "p1", Symbol: "BTCUSDT", EntryPrice: 100, Size: 250}))

	require.NoError(t, m.ConfirmEntry("binance", "p1", 100.2))
	positions := m.GetPositions("binance", "BTCUSDT")
	require.Len(t, positions, 1)
	assert.InDelta(t, 100.2, positions[0].EntryPrice, 1e-9)
	assert.InDelta(t, 250.0, m.GetCapitalStatus().Deployed, 1e-9)

	assert.ErrorIs(t, m.ConfirmEntry("binance", "nope", 100), domain.ErrUnknownPosition)
	assert.ErrorIs(t, m.ConfirmEntry("kraken", "p1", 100), domain.ErrUnknownExchange)
	assert.Error(t, m.ConfirmEntry("binance", "p1", 0))
	assertInvariant(t, m)
}

func TestManager_InsufficientCapital_LeavesLedgerUnchanged(t *testing.T) {
	m := newTestManager(t, "binance")
	require.NoError(t, m.TrackPosition("binance", domain.Position{ID: "p1", Size: 900}))

	err := m.TrackPosition("binance", domain.Position{ID: "p2", Size: 200})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientCapital))
	assert.InDelta(t, 900.0, m.GetCapitalStatus().Deployed, 1e-9)
	assert.Len(t, m.GetPositions("binance", ""), 1)
}

func TestManager_Errors(t *testing.T) {
	m := newTestManager(t, "binance")

	assert.ErrorIs(t, m.UpdateBalance("kraken", 10), domain.ErrUnknownExchange)
	assert.ErrorIs(t, m.TrackPosition("kraken", domain.Position{ID: "x", Size: 1}), domain.ErrUnknownExchange)

	require.NoError(t, m.TrackPosition("binance", domain.Position{ID: "p1", Size: 10}))
	assert.ErrorIs(t, m.TrackPosition("binance", domain.Position{ID: "p1", Size: 10}), domain.ErrDuplicatePosition)

	_, err := m.OnPositionExit("binance", "missing", 1, 0)
	assert.ErrorIs(t, err, domain.ErrUnknownPosition)
}

func TestManager_BalanceBelowDeployedIsClamped(t *testing.T) {
	m := newTestManager(t, "binance")
	require.NoError(t, m.TrackPosition("binance", domain.Position{ID: "p1", Size: 600}))

	require.NoError(t, m.UpdateBalance("binance", 400))

	ec := m.GetCapitalStatus().Exchanges[0]
	assert.InDelta(t, 600.0, ec.Total, 1e-9)
	assert.Zero(t, ec.Idle)
	assertInvariant(t, m)
}

func TestManager_GetPositions_FilterBySymbol(t *testing.T) {
	m := newTestManager(t, "binance", "bybit")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.TrackPosition("binance", domain.Position{ID: "a", Symbol: "BTCUSDT", Size: 10, OpenedAt: base.Add(time.Minute)}))
	require.NoError(t, m.TrackPosition("binance", domain.Position{ID: "b", Symbol: "ETHUSDT", Size: 10, OpenedAt: base}))
	require.NoError(t, m.TrackPosition("bybit", domain.Position{ID: "c", Symbol: "BTCUSDT", Size: 10}))

	all := m.GetPositions("binance", "")
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)

	btc := m.GetPositions("binance", "BTCUSDT")
	require.Len(t, btc, 1)
	assert.Equal(t, "a", btc[0].ID)
	assert.Nil(t, m.GetPositions("kraken", ""))
}

func TestManager_LedgerInvariant_RandomSequence(t *testing.T) {
	m := newTestManager(t, "binance", "bybit")
	rng := rand.New(rand.NewSource(7))
	open := map[string][]string{}
	exchanges := []string{"binance", "bybit"}

	for i := 0; i < 500; i++ {
		ex := exchanges[rng.Intn(2)]
		switch rng.Intn(3) {
		case 0:
			_ = m.UpdateBalance(ex, rng.Float64()*2000)
		case 1:
			id := fmt.Sprintf("%s-%d", ex, i)
			if m.TrackPosition(ex, domain.Position{ID: id, Size: 1 + rng.Float64()*300}) == nil {
				open[ex] = append(open[ex], id)
			}
		case 2:
			if len(open[ex]) == 0 {
				continue
			}
			id := open[ex][0]
			open[ex] = open[ex][1:]
			_, err := m.OnPositionExit(ex, id, 100, rng.Float64()*20-10)
			require.NoError(t, err)
		}
		assertInvariant(t, m)
	}
}

func TestManager_Refresh_UsesProvidersAndKeepsLastOnError(t *testing.T) {
	good := &fakeBalance{total: 500}
	bad := &fakeBalance{err: errors.New("timeout")}
	m := New(Config{}, []string{"binance", "bybit"},
		map[string]ports.BalanceProvider{"binance": good, "bybit": bad}, nil)
	require.NoError(t, m.UpdateBalance("bybit", 300))

	m.Refresh(context.Background())

	assert.InDelta(t, 500.0, m.Total("binance"), 1e-9)
	assert.InDelta(t, 300.0, m.Total("bybit"), 1e-9)
}

func TestManager_IdleDecision_OncePerEpisode(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New(Config{IdleAfter: 5 * time.Minute, IdleUtilization: 10, AutoDeploy: true}, []string{"binance"}, nil, nil)
	m.now = func() time.Time { return now }
	require.NoError(t, m.UpdateBalance("binance", 1000))

	var got []domain.IdleDecision
	m.OnIdle(func(d domain.IdleDecision) { got = append(got, d) })

	m.Refresh(context.Background()) // episode starts
	now = now.Add(6 * time.Minute)
	m.Refresh(context.Background()) // fires
	now = now.Add(6 * time.Minute)
	m.Refresh(context.Background()) // same episode, silent

	require.Len(t, got, 1)
	assert.Equal(t, domain.IdleAutoDeploy, got[0].Action)
	assert.InDelta(t, 1000.0, got[0].IdleAmount, 1e-9)

	// deploying capital ends the episode; going idle again starts a new one
	require.NoError(t, m.TrackPosition("binance", domain.Position{ID: "p", Size: 500}))
	m.Refresh(context.Background())
	_, err := m.OnPositionExit("binance", "p", 1, 0)
	require.NoError(t, err)
	m.Refresh(context.Background())
	now = now.Add(6 * time.Minute)
	m.Refresh(context.Background())
	assert.Len(t, got, 2)
}

func TestManager_StartStop(t *testing.T) {
	m := New(Config{RefreshInterval: 10 * time.Millisecond}, []string{"binance"},
		map[string]ports.BalanceProvider{"binance": &fakeBalance{total: 42}}, nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.Total("binance") == 42 }, time.Second, 5*time.Millisecond)
	m.Stop()
}
