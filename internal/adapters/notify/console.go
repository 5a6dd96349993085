package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// Console implements ports.Notifier by printing tables for the operator.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	compact bool
}

// NewConsole creates a notifier that writes to stdout. compact prints one line
// per event instead of tables.
func NewConsole(compact bool) *Console {
	return &Console{out: os.Stdout, compact: compact}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer, compact bool) *Console {
	return &Console{out: w, compact: compact}
}

// NotifyOpportunities prints the opportunities emitted on a scan tick.
func (c *Console) NotifyOpportunities(_ context.Context, opps []domain.Opportunity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Format("15:04:05")
	if len(opps) == 0 {
		fmt.Fprintf(c.out, "[%s] no opportunities found\n", now)
		return nil
	}

	if c.compact {
		var sb strings.Builder
		fmt.Fprintf(&sb, "[%s] %d opps", now, len(opps))
		for i, o := range opps {
			if i >= 4 {
				break
			}
			fmt.Fprintf(&sb, " | %s %s %s s%.0f net$%.2f",
				o.Exchange, o.Symbol, o.Side, o.Score, o.ProjectedNetProfit)
		}
		fmt.Fprintln(c.out, sb.String())
		return nil
	}

	fmt.Fprintf(c.out, "\n[%s] %d opportunities\n", now, len(opps))
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Exchange", "Symbol", "Side", "Score", "Entry", "TP %", "Size$", "Fees$", "Net$", "Expires")
	for i, o := range opps {
		table.Append(
			fmt.Sprintf("%d", i+1),
			o.Exchange,
			o.Symbol,
			string(o.Side),
			fmt.Sprintf("%.1f", o.Score),
			fmt.Sprintf("%.6g", o.EntryPrice),
			fmt.Sprintf("%.3f", o.TakeProfitPercent),
			fmt.Sprintf("$%.2f", o.PositionSize),
			fmt.Sprintf("$%.4f", o.Fees),
			fmt.Sprintf("$%.4f", o.ProjectedNetProfit),
			o.ExpiresAt.Format("15:04:05"),
		)
	}
	table.Render()
	return nil
}

// NotifyCapital prints the per-exchange capital ledger.
func (c *Console) NotifyCapital(_ context.Context, s domain.CapitalStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.compact {
		fmt.Fprintf(c.out, "[%s] capital total $%.2f deployed $%.2f idle $%.2f (%.1f%%) pnl $%.2f\n",
			s.At.Format("15:04:05"), s.Total, s.Deployed, s.Idle, s.Utilization, s.RealizedPnL)
		return nil
	}

	fmt.Fprintf(c.out, "\n=== CAPITAL (%s) ===\n", s.At.Format("15:04:05"))
	table := tablewriter.NewWriter(c.out)
	table.Header("Exchange", "Total$", "Deployed$", "Idle$", "Util %", "Open", "PnL$")
	for _, ex := range s.Exchanges {
		table.Append(
			ex.Exchange,
			fmt.Sprintf("$%.2f", ex.Total),
			fmt.Sprintf("$%.2f", ex.Deployed),
			fmt.Sprintf("$%.2f", ex.Idle),
			fmt.Sprintf("%.1f", ex.Utilization),
			fmt.Sprintf("%d", ex.OpenCount),
			fmt.Sprintf("$%+.2f", ex.RealizedPnL),
		)
	}
	table.Append(
		"TOTAL",
		fmt.Sprintf("$%.2f", s.Total),
		fmt.Sprintf("$%.2f", s.Deployed),
		fmt.Sprintf("$%.2f", s.Idle),
		fmt.Sprintf("%.1f", s.Utilization),
		fmt.Sprintf("%d", s.Positions),
		fmt.Sprintf("$%+.2f", s.RealizedPnL),
	)
	table.Render()
	return nil
}

// NotifyAudit prints a lane's self-audit.
func (c *Console) NotifyAudit(_ context.Context, a domain.AuditReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n=== AUDIT %s (%d trades, last %d) ===\n", a.Lane, a.CompletedTrades, a.WindowTrades)
	if !c.compact {
		table := tablewriter.NewWriter(c.out)
		table.Header("Wins", "Losses", "Win %", "Net$", "Avg$", "Timeouts", "Stops", "Locks", "Forced", "Avg hold")
		table.Append(
			fmt.Sprintf("%d", a.Wins),
			fmt.Sprintf("%d", a.Losses),
			fmt.Sprintf("%.1f", a.WinRate*100),
			fmt.Sprintf("$%+.2f", a.NetProfit),
			fmt.Sprintf("$%+.4f", a.AvgNetProfit),
			fmt.Sprintf("%d", a.Timeouts),
			fmt.Sprintf("%d", a.StopLosses),
			fmt.Sprintf("%d", a.ProfitLocks),
			fmt.Sprintf("%d", a.ForcedTransitions),
			a.AvgHold.Round(time.Second).String(),
		)
		table.Render()
	}
	for _, f := range a.Findings {
		fmt.Fprintf(c.out, "  - %s\n", f)
	}
	return nil
}

// NotifyIdle prints an idle-capital decision.
func (c *Console) NotifyIdle(_ context.Context, d domain.IdleDecision) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	verb := "ALERT"
	if d.Action == domain.IdleAutoDeploy {
		verb = "AUTO-DEPLOY"
	}
	fmt.Fprintf(c.out, "[%s] IDLE %s %s: $%.2f idle, utilisation %.1f%% for %s\n",
		d.At.Format("15:04:05"), verb, d.Exchange, d.IdleAmount, d.Utilization, d.IdleFor.Round(time.Second))
	return nil
}

// PrintDashboards prints the latest snapshot of every lane.
func (c *Console) PrintDashboards(dashboards []domain.DashboardSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(dashboards) == 0 {
		return
	}
	fmt.Fprintln(c.out, "\n=== LANES ===")
	table := tablewriter.NewWriter(c.out)
	table.Header("Lane", "State", "Trades", "Net$", "Last", "Target$", "MinScore", "Stop %", "Cooldown")
	for _, d := range dashboards {
		last := "-"
		if d.LastResult != nil {
			last = fmt.Sprintf("%s $%+.2f", d.LastResult.ExitReason, d.LastResult.NetProfit)
		}
		table.Append(
			d.Lane,
			string(d.State),
			fmt.Sprintf("%d", d.CompletedTrades),
			fmt.Sprintf("$%+.2f", d.TotalNetProfit),
			last,
			fmt.Sprintf("$%.2f", d.Tuning.TargetNetProfit),
			fmt.Sprintf("%.0f", d.Tuning.MinScore),
			fmt.Sprintf("%.2f", d.Tuning.StopLossPercent),
			d.Tuning.Cooldown.String(),
		)
	}
	table.Render()
}

// PrintRejections prints rejection counts by category, in display order.
func (c *Console) PrintRejections(counts map[domain.RejectionCategory]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(c.out, "\n=== REJECTIONS (%d) ===\n", total)
	table := tablewriter.NewWriter(c.out)
	table.Header("Category", "Count", "Share %")
	for _, cat := range domain.AllRejectionCategories {
		n := counts[cat]
		share := 0.0
		if total > 0 {
			share = float64(n) / float64(total) * 100
		}
		table.Append(string(cat), fmt.Sprintf("%d", n), fmt.Sprintf("%.1f", share))
	}
	table.Render()
}
