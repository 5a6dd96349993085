// Package metrics exposes engine telemetry as Prometheus series.
//
// Series (namespace arbengine):
//   - scanner_rejections_total{exchange,category}
//   - scanner_opportunities_total{exchange}
//   - scanner_fetches_total{exchange,result}      result: ok|failed
//   - scanner_status{status}                      one-hot running|degraded|stopped
//   - lifecycle_transitions_total{lane,from,to,forced}
//   - lifecycle_cycles_total{lane,result}         result: win|loss
//   - lifecycle_exit_reasons_total{lane,reason}
//   - lifecycle_net_profit_usd{lane}              cumulative
//   - lifecycle_hold_seconds{lane}                histogram
//   - capital_{total,deployed,idle}_usd{exchange}
//   - capital_utilization_percent{exchange}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

const namespace = "arbengine"

var scannerStatuses = []string{"running", "degraded", "stopped"}

// Recorder implements ports.Metrics on its own registry so tests and multiple
// engines in one process never collide on the default registry.
type Recorder struct {
	registry *prometheus.Registry

	rejections    *prometheus.CounterVec
	opportunities *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	scannerStatus *prometheus.GaugeVec

	transitions *prometheus.CounterVec
	cycles      *prometheus.CounterVec
	exitReasons *prometheus.CounterVec
	netProfit   *prometheus.GaugeVec
	holdSeconds *prometheus.HistogramVec

	capitalTotal    *prometheus.GaugeVec
	capitalDeployed *prometheus.GaugeVec
	capitalIdle     *prometheus.GaugeVec
	utilization     *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with every series registered. withRuntime adds
// the Go runtime and process collectors.
func NewRecorder(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "rejections_total",
			Help: "Candidates rejected by the scanner, by category",
		}, []string{"exchange", "category"}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "opportunities_total",
			Help: "Opportunities emitted into the window",
		}, []string{"exchange"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "fetches_total",
			Help: "Price observations fetched per tick, by result",
		}, []string{"exchange", "result"}),
		scannerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "status",
			Help: "Scanner status as one-hot labelled series",
		}, []string{"status"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lifecycle", Name: "transitions_total",
			Help: "State transitions per lane",
		}, []string{"lane", "from", "to", "forced"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lifecycle", Name: "cycles_total",
			Help: "Completed trade cycles by result (win|loss)",
		}, []string{"lane", "result"}),
		exitReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lifecycle", Name: "exit_reasons_total",
			Help: "Completed trade cycles by exit reason",
		}, []string{"lane", "reason"}),
		netProfit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lifecycle", Name: "net_profit_usd",
			Help: "Cumulative net profit per lane",
		}, []string{"lane"}),
		holdSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "lifecycle", Name: "hold_seconds",
			Help:    "Time between entry and close",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"lane"}),

		capitalTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capital", Name: "total_usd",
			Help: "Total capital per exchange",
		}, []string{"exchange"}),
		capitalDeployed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capital", Name: "deployed_usd",
			Help: "Capital committed to open positions per exchange",
		}, []string{"exchange"}),
		capitalIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capital", Name: "idle_usd",
			Help: "Idle capital per exchange",
		}, []string{"exchange"}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capital", Name: "utilization_percent",
			Help: "Deployed over total, percent",
		}, []string{"exchange"}),
	}

	r.registry.MustRegister(
		r.rejections, r.opportunities, r.fetches, r.scannerStatus,
		r.transitions, r.cycles, r.exitReasons, r.netProfit, r.holdSeconds,
		r.capitalTotal, r.capitalDeployed, r.capitalIdle, r.utilization,
	)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveRejection(exchange string, category domain.RejectionCategory) {
	r.rejections.WithLabelValues(exchange, string(category)).Inc()
}

func (r *Recorder) ObserveOpportunity(exchange string) {
	r.opportunities.WithLabelValues(exchange).Inc()
}

func (r *Recorder) ObserveScanTick(exchange string, fetched, failed int) {
	r.fetches.WithLabelValues(exchange, "ok").Add(float64(fetched))
	r.fetches.WithLabelValues(exchange, "failed").Add(float64(failed))
}

func (r *Recorder) SetScannerStatus(status string) {
	for _, s := range scannerStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.scannerStatus.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) ObserveTransition(lane string, from, to domain.TradingState, forced bool) {
	f := "false"
	if forced {
		f = "true"
	}
	r.transitions.WithLabelValues(lane, string(from), string(to), f).Inc()
}

func (r *Recorder) ObserveCycle(result domain.TradeCycleResult) {
	outcome := "loss"
	if result.Success {
		outcome = "win"
	}
	r.cycles.WithLabelValues(result.Lane, outcome).Inc()
	r.exitReasons.WithLabelValues(result.Lane, string(result.ExitReason)).Inc()
	r.netProfit.WithLabelValues(result.Lane).Add(result.NetProfit)
	if d := result.HoldDuration(); d > 0 {
		r.holdSeconds.WithLabelValues(result.Lane).Observe(d.Seconds())
	}
}

func (r *Recorder) SetCapital(status domain.CapitalStatus) {
	for _, ex := range status.Exchanges {
		r.capitalTotal.WithLabelValues(ex.Exchange).Set(ex.Total)
		r.capitalDeployed.WithLabelValues(ex.Exchange).Set(ex.Deployed)
		r.capitalIdle.WithLabelValues(ex.Exchange).Set(ex.Idle)
		r.utilization.WithLabelValues(ex.Exchange).Set(ex.Utilization)
	}
}
