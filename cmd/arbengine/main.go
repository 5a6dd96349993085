package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/arbengine/config"
	"github.com/alejandrodnm/arbengine/internal/adapters/metrics"
	"github.com/alejandrodnm/arbengine/internal/adapters/notify"
	"github.com/alejandrodnm/arbengine/internal/application/capital"
	"github.com/alejandrodnm/arbengine/internal/application/lifecycle"
	"github.com/alejandrodnm/arbengine/internal/application/scanner"
	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one scan tick, print the opportunities and exit")
	paperAll := flag.Bool("paper", false, "force paper execution on every exchange")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	compact := flag.Bool("compact", false, "print one line per event instead of tables")
	reportEvery := flag.Duration("report", time.Minute, "interval of the console status report (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *paperAll {
		for i := range cfg.Exchanges {
			cfg.Exchanges[i].Paper = true
			if cfg.Exchanges[i].PaperBalance <= 0 {
				cfg.Exchanges[i].PaperBalance = 1000
			}
		}
	}
	setupLogger(cfg.Log)

	slog.Info("arbengine starting",
		"config", *configPath,
		"interval", cfg.ScanInterval(),
		"symbols", len(cfg.Scanner.Symbols),
		"exchanges", len(cfg.Exchanges),
		"storage", cfg.Storage.Type,
		"auto_deploy", cfg.Capital.AutoDeploy,
		"once", *once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recorder := metrics.NewRecorder(true)
	notifier := notify.NewConsole(*compact)

	venues, err := buildVenues(ctx, cfg)
	if err != nil {
		slog.Error("failed to build exchanges", "err", err)
		os.Exit(1)
	}
	defer venues.close()

	store, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	capMgr := capital.New(capital.Config{
		RefreshInterval: time.Duration(cfg.Capital.RefreshIntervalSeconds) * time.Second,
		IdleAfter:       time.Duration(cfg.Capital.IdleAlertAfterMinutes) * time.Minute,
		IdleUtilization: cfg.Capital.IdleUtilizationPercent,
		AutoDeploy:      cfg.Capital.AutoDeploy,
	}, venues.names(), venues.balances(), recorder)
	capMgr.Refresh(ctx)

	scan := scanner.New(scannerConfig(cfg), venues.scannerVenues(), capMgr, recorder, notifier)

	if *once {
		opps := scan.RunOnce(ctx)
		slog.Info("single scan complete", "opportunities", len(opps), "status", scan.Status())
		notifier.PrintRejections(scan.Rejections().Counts())
		return
	}

	lanes := buildLanes(cfg, venues, scan, capMgr, store, recorder, notifier)

	capMgr.OnIdle(func(d domain.IdleDecision) {
		if err := notifier.NotifyIdle(context.Background(), d); err != nil {
			slog.Warn("notifier error", "err", err)
		}
		if d.Action == domain.IdleAutoDeploy {
			n := lanes.Expedite(d.Exchange)
			slog.Info("capital: auto-deploy expedited lanes", "exchange", d.Exchange, "lanes", n)
		}
	})

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = serveMetrics(cfg.Metrics.Addr, recorder)
	}

	venues.start(ctx)
	capMgr.Start(ctx)
	scan.Start(ctx)
	lanes.Start(ctx)

	if *reportEvery > 0 {
		go report(ctx, *reportEvery, notifier, capMgr, scan, lanes)
	}

	<-ctx.Done()
	slog.Info("shutdown requested, closing lanes")

	// lanes first so open positions exit while prices still flow
	lanes.Stop()
	scan.Stop()
	capMgr.Stop()
	venues.stop()

	if srv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics server shutdown", "err", err)
		}
		shutCancel()
	}

	notifier.PrintDashboards(lanes.Dashboards())
	if err := notifier.NotifyCapital(context.Background(), capMgr.GetCapitalStatus()); err != nil {
		slog.Warn("notifier error", "err", err)
	}
	slog.Info("arbengine stopped cleanly")
}

// buildLanes creates one lane per exchange, named after it.
func buildLanes(
	cfg *config.Config,
	venues *venueSet,
	scan *scanner.Scanner,
	capMgr *capital.Manager,
	store ports.RecordStore,
	recorder *metrics.Recorder,
	notifier *notify.Console,
) *lifecycle.Lanes {
	lc := cfg.Lifecycle
	advisor := buildAdvisor(cfg.Advisor)

	var lanes []*lifecycle.Lane
	for _, v := range venues.list {
		deps := lifecycle.LaneDeps{
			Source:     scan,
			Ledger:     capMgr,
			Executor:   v.executor,
			Store:      store,
			Metrics:    recorder,
			Notifier:   notifier,
			Tuning:     scan,
			Rejections: scan.Rejections(),
		}
		if advisor != nil {
			deps.Advisor = advisor
		}

		lanes = append(lanes, lifecycle.NewLane(lifecycle.LaneConfig{
			Machine: lifecycle.MachineConfig{
				Lane:           v.cfg.Name,
				Exchange:       v.cfg.Name,
				MinNetProfit:   lc.MinNetProfit,
				AuditInterval:  lc.AuditInterval,
				AdvisorTimeout: time.Duration(cfg.Advisor.TimeoutSeconds) * time.Second,
				MinCooldown:    time.Duration(lc.MinCooldownMs) * time.Millisecond,
				MaxCooldown:    time.Duration(lc.MaxCooldownMs) * time.Millisecond,
				Tuning: domain.Tuning{
					TargetNetProfit: cfg.Sizing.TargetNetProfit,
					MinScore:        cfg.Scanner.MinScore,
					StopLossPercent: lc.StopLossPercent,
					TrailingPercent: lc.TrailingPercent,
					Cooldown:        time.Duration(lc.BaseCooldownMs) * time.Millisecond,
				},
			},
			FeeRate:          v.cfg.FeeRate,
			TickInterval:     time.Duration(lc.TickIntervalMs) * time.Millisecond,
			ExitPollInterval: time.Duration(lc.ExitPollIntervalMs) * time.Millisecond,
			ExitTimeout:      time.Duration(lc.ExitTimeoutSeconds) * time.Second,
			MaxHold:          time.Duration(lc.MaxHoldSeconds) * time.Second,
			CircuitMaxLosses: lc.CircuitMaxLosses,
			CircuitCooldown:  time.Duration(lc.CircuitCooldownMinutes) * time.Minute,
			MaxDrawdown:      -lc.MaxDrawdownUSD,
		}, deps))
	}
	return lifecycle.NewLanes(lanes...)
}

// scannerConfig maps the YAML configuration onto the scanner.
func scannerConfig(cfg *config.Config) scanner.Config {
	sc := cfg.Scanner
	scoring := domain.DefaultScoringConfig()
	if !sc.Weights.IsZero() {
		scoring.VolatilityWeight = sc.Weights.Volatility
		scoring.VolumeWeight = sc.Weights.Volume
		scoring.SpreadWeight = sc.Weights.Spread
		scoring.MomentumWeight = sc.Weights.Momentum
	}
	return scanner.Config{
		Interval:           cfg.ScanInterval(),
		Symbols:            sc.Symbols,
		StaleAfter:         time.Duration(sc.StaleAfterMs) * time.Millisecond,
		MinScore:           sc.MinScore,
		MinNetProfit:       cfg.Lifecycle.MinNetProfit,
		TopN:               sc.TopN,
		OpportunityTTL:     time.Duration(sc.OpportunityTTLSeconds) * time.Second,
		Workers:            sc.Workers,
		DegradedAfterTicks: sc.DegradedAfterTicks,
		RejectionWindow:    time.Duration(sc.RejectionWindowMinutes) * time.Minute,
		Scoring:            scoring,
		Sizing: scanner.SizingConfig{
			TargetNetProfit:      cfg.Sizing.TargetNetProfit,
			MinEdgePercent:       cfg.Sizing.MinEdgePercent,
			MaxAllocationPercent: cfg.Sizing.MaxAllocationPercent,
			SlippageBps:          cfg.Sizing.SlippageBps,
		},
	}
}

func serveMetrics(addr string, recorder *metrics.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err, "addr", addr)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
