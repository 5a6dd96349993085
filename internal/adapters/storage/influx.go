package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink implements ports.RecordStore by writing points to InfluxDB.
// Measurements: trade_cycles, state_transitions, audits.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxSink creates a sink for the given bucket. It does not contact the
// server; use Ping to check connectivity.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.NewInfluxSink: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Ping checks that the server is reachable.
func (s *InfluxSink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("storage.InfluxSink.Ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("storage.InfluxSink.Ping: server not ready")
	}
	return nil
}

// SaveCycleResult writes one trade_cycles point.
func (s *InfluxSink) SaveCycleResult(ctx context.Context, r domain.TradeCycleResult) error {
	if err := s.write.WritePoint(ctx, cyclePoint(r)); err != nil {
		return fmt.Errorf("storage.InfluxSink.SaveCycleResult: %w", err)
	}
	return nil
}

// SaveTransitions writes one state_transitions point per transition.
func (s *InfluxSink) SaveTransitions(ctx context.Context, transitions []domain.StateTransition) error {
	if len(transitions) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(transitions))
	for _, t := range transitions {
		points = append(points, influxdb2.NewPoint(
			"state_transitions",
			map[string]string{
				"lane":   t.Lane,
				"from":   string(t.From),
				"to":     string(t.To),
				"forced": fmt.Sprintf("%t", t.Forced),
			},
			map[string]interface{}{
				"reason": t.Reason,
				"count":  1,
			},
			t.At,
		))
	}
	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("storage.InfluxSink.SaveTransitions: %w", err)
	}
	return nil
}

// SaveAudit writes one audits point.
func (s *InfluxSink) SaveAudit(ctx context.Context, a domain.AuditReport) error {
	p := influxdb2.NewPoint(
		"audits",
		map[string]string{"lane": a.Lane},
		map[string]interface{}{
			"completed_trades":   a.CompletedTrades,
			"window_trades":      a.WindowTrades,
			"win_rate":           a.WinRate,
			"net_profit":         a.NetProfit,
			"avg_net_profit":     a.AvgNetProfit,
			"timeouts":           a.Timeouts,
			"stop_losses":        a.StopLosses,
			"profit_locks":       a.ProfitLocks,
			"forced_transitions": a.ForcedTransitions,
			"avg_hold_ms":        a.AvgHold.Milliseconds(),
			"findings":           len(a.Findings),
		},
		a.GeneratedAt,
	)
	if err := s.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("storage.InfluxSink.SaveAudit: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func cyclePoint(r domain.TradeCycleResult) *write.Point {
	return influxdb2.NewPoint(
		"trade_cycles",
		map[string]string{
			"lane":        r.Lane,
			"exchange":    r.Exchange,
			"symbol":      r.Symbol,
			"side":        string(r.Side),
			"exit_reason": string(r.ExitReason),
		},
		map[string]interface{}{
			"id":            r.ID,
			"entry_price":   r.EntryPrice,
			"exit_price":    r.ExitPrice,
			"size":          r.Size,
			"fees":          r.Fees,
			"net_profit":    r.NetProfit,
			"success":       r.Success,
			"profit_locked": r.ProfitLocked,
			"hold_ms":       r.HoldDuration().Milliseconds(),
		},
		r.ClosedAt,
	)
}
