package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/arbengine/config"
	"github.com/alejandrodnm/arbengine/internal/adapters/advisor"
	"github.com/alejandrodnm/arbengine/internal/adapters/binance"
	"github.com/alejandrodnm/arbengine/internal/adapters/notify"
	"github.com/alejandrodnm/arbengine/internal/adapters/paper"
	"github.com/alejandrodnm/arbengine/internal/adapters/storage"
	"github.com/alejandrodnm/arbengine/internal/adapters/stream"
	"github.com/alejandrodnm/arbengine/internal/application/capital"
	"github.com/alejandrodnm/arbengine/internal/application/lifecycle"
	"github.com/alejandrodnm/arbengine/internal/application/scanner"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

// venue is one configured exchange with its price feed, executor and balance source.
type venue struct {
	cfg      config.ExchangeConfig
	feed     ports.PriceFeed
	executor ports.OrderExecutor
	balance  ports.BalanceProvider
	stream   *stream.TickerFeed // nil when prices come from REST
	paper    *paper.Executor    // nil when trading live
}

type venueSet struct {
	list []*venue
}

// buildVenues wires every exchange. A ws_url selects the streaming feed, otherwise
// prices are polled over REST. Paper exchanges simulate fills on the same feed.
func buildVenues(ctx context.Context, cfg *config.Config) (*venueSet, error) {
	set := &venueSet{}
	for _, ex := range cfg.Exchanges {
		rest := binance.NewClient(binance.Config{
			APIKey:     ex.APIKey,
			APISecret:  ex.APISecret,
			Testnet:    ex.Testnet,
			BaseURL:    ex.BaseURL,
			QuoteAsset: cfg.Capital.QuoteAsset,
		})

		v := &venue{cfg: ex, feed: rest}
		if ex.WSURL != "" {
			v.stream = stream.NewTickerFeed(stream.Config{
				Name:       ex.Name,
				URL:        ex.WSURL,
				Symbols:    cfg.Scanner.Symbols,
				StaleAfter: time.Duration(cfg.Scanner.StaleAfterMs) * time.Millisecond,
			})
			v.feed = v.stream
		}

		if ex.Paper {
			v.paper = paper.NewExecutor(v.feed, ex.FeeRate, ex.PaperBalance)
			v.executor = v.paper
			v.balance = v.paper
		} else {
			v.executor = rest
			v.balance = rest
			if _, err := rest.GetBalance(ctx); err != nil {
				return nil, fmt.Errorf("buildVenues: %s balance check: %w", ex.Name, err)
			}
		}

		slog.Info("exchange ready",
			"exchange", ex.Name,
			"paper", ex.Paper,
			"streaming", v.stream != nil,
			"fee_rate", ex.FeeRate,
		)
		set.list = append(set.list, v)
	}
	return set, nil
}

func (s *venueSet) names() []string {
	out := make([]string, 0, len(s.list))
	for _, v := range s.list {
		out = append(out, v.cfg.Name)
	}
	return out
}

func (s *venueSet) balances() map[string]ports.BalanceProvider {
	out := make(map[string]ports.BalanceProvider, len(s.list))
	for _, v := range s.list {
		out[v.cfg.Name] = v.balance
	}
	return out
}

func (s *venueSet) scannerVenues() []scanner.Venue {
	out := make([]scanner.Venue, 0, len(s.list))
	for _, v := range s.list {
		out = append(out, scanner.Venue{
			Name:        v.cfg.Name,
			Feed:        v.feed,
			FeeRate:     v.cfg.FeeRate,
			MinNotional: v.cfg.MinNotional,
			AllowShort:  v.cfg.AllowShort,
		})
	}
	return out
}

func (s *venueSet) start(ctx context.Context) {
	for _, v := range s.list {
		if v.stream != nil {
			v.stream.Start(ctx)
		}
	}
}

func (s *venueSet) stop() {
	for _, v := range s.list {
		if v.stream != nil {
			v.stream.Stop()
		}
	}
}

// close logs the simulated fees paid by paper exchanges.
func (s *venueSet) close() {
	for _, v := range s.list {
		if v.paper != nil {
			slog.Info("paper: session fees", "exchange", v.cfg.Name, "fees", fmt.Sprintf("$%.4f", v.paper.Fees()))
		}
	}
}

// openStore builds the record store selected by storage.type.
func openStore(cfg config.StorageConfig) (ports.RecordStore, error) {
	switch cfg.Type {
	case "none":
		return storage.Nop{}, nil
	case "sqlite":
		return storage.NewSQLiteStore(cfg.DSN)
	case "influxdb":
		return openInflux(cfg.Influx)
	case "both":
		lite, err := storage.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		influx, err := openInflux(cfg.Influx)
		if err != nil {
			lite.Close()
			return nil, err
		}
		return storage.Multi{lite, influx}, nil
	default:
		return nil, fmt.Errorf("openStore: unknown storage type %q", cfg.Type)
	}
}

func openInflux(cfg config.InfluxConfig) (*storage.InfluxSink, error) {
	sink, err := storage.NewInfluxSink(storage.InfluxConfig{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Org:    cfg.Org,
		Bucket: cfg.Bucket,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Ping(ctx); err != nil {
		// lanes log failed writes and keep trading
		slog.Warn("storage: influxdb not reachable at startup", "url", cfg.URL, "err", err)
	}
	return sink, nil
}

// buildAdvisor returns nil when no advisor URL is configured; lanes then tune by rules only.
func buildAdvisor(cfg config.AdvisorConfig) ports.Advisor {
	if cfg.URL == "" {
		return nil
	}
	slog.Info("advisor enabled", "url", cfg.URL)
	return advisor.NewClient(advisor.Config{
		URL:        cfg.URL,
		Token:      cfg.Token,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		RatePerSec: cfg.RatePerSec,
	})
}

// report prints capital, lane dashboards and the rejection breakdown every interval.
func report(
	ctx context.Context,
	every time.Duration,
	notifier *notify.Console,
	capMgr *capital.Manager,
	scan *scanner.Scanner,
	lanes *lifecycle.Lanes,
) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := notifier.NotifyCapital(ctx, capMgr.GetCapitalStatus()); err != nil {
				slog.Warn("notifier error", "err", err)
			}
			notifier.PrintDashboards(lanes.Dashboards())
			notifier.PrintRejections(scan.Rejections().Counts())
			slog.Info("scanner status", "status", scan.Status(), "rejections", scan.Rejections().Total())
		}
	}
}
