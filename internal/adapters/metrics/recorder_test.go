package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arbengine/internal/adapters/metrics"
	"github.com/alejandrodnm/arbengine/internal/domain"
)

func TestRecorder_Rejections(t *testing.T) {
	r := metrics.NewRecorder(false)
	r.ObserveRejection("binance", domain.RejectFees)
	r.ObserveRejection("binance", domain.RejectFees)
	r.ObserveRejection("binance", domain.RejectSpread)

	assert.Equal(t, 2, testutil.CollectAndCount(r.Registry(), "arbengine_scanner_rejections_total"))

	expected := `
# HELP arbengine_scanner_rejections_total Candidates rejected by the scanner, by category
# TYPE arbengine_scanner_rejections_total counter
arbengine_scanner_rejections_total{category="fees",exchange="binance"} 2
arbengine_scanner_rejections_total{category="spread",exchange="binance"} 1
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"arbengine_scanner_rejections_total"))
}

func TestRecorder_ScannerStatusIsOneHot(t *testing.T) {
	r := metrics.NewRecorder(false)
	r.SetScannerStatus("running")
	r.SetScannerStatus("degraded")

	expected := `
# HELP arbengine_scanner_status Scanner status as one-hot labelled series
# TYPE arbengine_scanner_status gauge
arbengine_scanner_status{status="degraded"} 1
arbengine_scanner_status{status="running"} 0
arbengine_scanner_status{status="stopped"} 0
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"arbengine_scanner_status"))
}

func TestRecorder_Cycles(t *testing.T) {
	r := metrics.NewRecorder(false)
	now := time.Now()
	r.ObserveCycle(domain.TradeCycleResult{
		Lane: "binance", Success: true, NetProfit: 1.0, ExitReason: domain.ExitTakeProfit,
		EnteredAt: now.Add(-10 * time.Second), ClosedAt: now,
	})
	r.ObserveCycle(domain.TradeCycleResult{
		Lane: "binance", NetProfit: -0.5, ExitReason: domain.ExitStopLoss,
		EnteredAt: now.Add(-3 * time.Second), ClosedAt: now,
	})
	r.ObserveCycle(domain.TradeCycleResult{Lane: "binance", ExitReason: domain.ExitEntryFailed})

	expected := `
# HELP arbengine_lifecycle_cycles_total Completed trade cycles by result (win|loss)
# TYPE arbengine_lifecycle_cycles_total counter
arbengine_lifecycle_cycles_total{lane="binance",result="loss"} 2
arbengine_lifecycle_cycles_total{lane="binance",result="win"} 1
# HELP arbengine_lifecycle_net_profit_usd Cumulative net profit per lane
# TYPE arbengine_lifecycle_net_profit_usd gauge
arbengine_lifecycle_net_profit_usd{lane="binance"} 0.5
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"arbengine_lifecycle_cycles_total", "arbengine_lifecycle_net_profit_usd"))

	// the entry failure has no hold time
	assert.Equal(t, 1, testutil.CollectAndCount(r.Registry(), "arbengine_lifecycle_hold_seconds"))
	assert.Equal(t, 3, testutil.CollectAndCount(r.Registry(), "arbengine_lifecycle_exit_reasons_total"))
}

func TestRecorder_TransitionsAndCapital(t *testing.T) {
	r := metrics.NewRecorder(false)
	r.ObserveTransition("binance", domain.StateIdle, domain.StateQualified, false)
	r.ObserveTransition("binance", domain.StateEntered, domain.StateIdle, true)
	r.SetCapital(domain.CapitalStatus{Exchanges: []domain.ExchangeCapital{
		{Exchange: "binance", Total: 1000, Deployed: 250, Idle: 750, Utilization: 25},
	}})

	assert.Equal(t, 2, testutil.CollectAndCount(r.Registry(), "arbengine_lifecycle_transitions_total"))

	expected := `
# HELP arbengine_capital_idle_usd Idle capital per exchange
# TYPE arbengine_capital_idle_usd gauge
arbengine_capital_idle_usd{exchange="binance"} 750
# HELP arbengine_capital_utilization_percent Deployed over total, percent
# TYPE arbengine_capital_utilization_percent gauge
arbengine_capital_utilization_percent{exchange="binance"} 25
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"arbengine_capital_idle_usd", "arbengine_capital_utilization_percent"))
}

func TestRecorder_Handler(t *testing.T) {
	r := metrics.NewRecorder(true)
	r.ObserveOpportunity("binance")
	r.ObserveScanTick("binance", 4, 1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `arbengine_scanner_opportunities_total{exchange="binance"} 1`)
	assert.Contains(t, string(body), `arbengine_scanner_fetches_total{exchange="binance",result="failed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
