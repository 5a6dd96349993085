package storage

// sqlite.go: append-only record store for the lifecycle engine.
//
// Tables:
//   trade_cycles       one row per completed cycle (INSERT OR IGNORE by id)
//   state_transitions  full transition log, forced transitions flagged
//   audits             one row per self-audit with findings as JSON
//
// The engine never reads these back for its own decisions. RecentCycles exists
// for operators and the shutdown summary.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_cycles (
    id             TEXT PRIMARY KEY,
    lane           TEXT     NOT NULL,
    exchange       TEXT     NOT NULL,
    symbol         TEXT     NOT NULL,
    side           TEXT     NOT NULL,
    opportunity_id TEXT     NOT NULL DEFAULT '',
    position_id    TEXT     NOT NULL DEFAULT '',
    entry_price    REAL     NOT NULL DEFAULT 0,
    exit_price     REAL     NOT NULL DEFAULT 0,
    size           REAL     NOT NULL DEFAULT 0,
    fees           REAL     NOT NULL DEFAULT 0,
    net_profit     REAL     NOT NULL DEFAULT 0,
    min_net_profit REAL     NOT NULL DEFAULT 0,
    exit_reason    TEXT     NOT NULL,
    success        INTEGER  NOT NULL DEFAULT 0,
    profit_locked  INTEGER  NOT NULL DEFAULT 0,
    started_at     DATETIME,
    entered_at     DATETIME,
    closed_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS state_transitions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    lane       TEXT     NOT NULL,
    from_state TEXT     NOT NULL,
    to_state   TEXT     NOT NULL,
    at         DATETIME NOT NULL,
    reason     TEXT     NOT NULL DEFAULT '',
    forced     INTEGER  NOT NULL DEFAULT 0,
    payload    TEXT
);

CREATE TABLE IF NOT EXISTS audits (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    lane               TEXT     NOT NULL,
    generated_at       DATETIME NOT NULL,
    completed_trades   INTEGER  NOT NULL,
    window_trades      INTEGER  NOT NULL,
    wins               INTEGER  NOT NULL,
    losses             INTEGER  NOT NULL,
    win_rate           REAL     NOT NULL,
    net_profit         REAL     NOT NULL,
    avg_net_profit     REAL     NOT NULL,
    timeouts           INTEGER  NOT NULL,
    stop_losses        INTEGER  NOT NULL,
    profit_locks       INTEGER  NOT NULL,
    forced_transitions INTEGER  NOT NULL,
    avg_hold_ms        INTEGER  NOT NULL,
    findings           TEXT
);

CREATE INDEX IF NOT EXISTS idx_cycles_lane_closed ON trade_cycles(lane, closed_at DESC);
CREATE INDEX IF NOT EXISTS idx_transitions_lane   ON state_transitions(lane, at);
CREATE INDEX IF NOT EXISTS idx_audits_lane        ON audits(lane, generated_at DESC);
`

const retention = 90 * 24 * time.Hour

// SQLiteStore implements ports.RecordStore on SQLite (pure Go, no CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path, applies the schema and
// prunes rows older than the retention period.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// SaveCycleResult inserts one cycle result. Re-saving the same id is a no-op.
func (s *SQLiteStore) SaveCycleResult(ctx context.Context, r domain.TradeCycleResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_cycles
			(id, lane, exchange, symbol, side, opportunity_id, position_id,
			 entry_price, exit_price, size, fees, net_profit, min_net_profit,
			 exit_reason, success, profit_locked, started_at, entered_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Lane, r.Exchange, r.Symbol, string(r.Side), r.OpportunityID, r.PositionID,
		r.EntryPrice, r.ExitPrice, r.Size, r.Fees, r.NetProfit, r.MinNetProfit,
		string(r.ExitReason), boolInt(r.Success), boolInt(r.ProfitLocked),
		nullTime(r.StartedAt), nullTime(r.EnteredAt), r.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveCycleResult: insert %s: %w", r.ID, err)
	}
	return nil
}

// SaveTransitions appends a batch of transitions in one transaction.
func (s *SQLiteStore) SaveTransitions(ctx context.Context, transitions []domain.StateTransition) error {
	if len(transitions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveTransitions: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO state_transitions (lane, from_state, to_state, at, reason, forced, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage.SaveTransitions: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range transitions {
		var payload *string
		if len(t.Payload) > 0 {
			b, err := json.Marshal(t.Payload)
			if err != nil {
				slog.Warn("storage: transition payload not serialisable", "lane", t.Lane, "err", err)
			} else {
				p := string(b)
				payload = &p
			}
		}
		if _, err := stmt.ExecContext(ctx,
			t.Lane, string(t.From), string(t.To), t.At.UTC(), t.Reason, boolInt(t.Forced), payload,
		); err != nil {
			return fmt.Errorf("storage.SaveTransitions: insert %s→%s: %w", t.From, t.To, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveTransitions: commit: %w", err)
	}
	return nil
}

// SaveAudit appends one audit report.
func (s *SQLiteStore) SaveAudit(ctx context.Context, a domain.AuditReport) error {
	findings, err := json.Marshal(a.Findings)
	if err != nil {
		return fmt.Errorf("storage.SaveAudit: marshal findings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audits
			(lane, generated_at, completed_trades, window_trades, wins, losses, win_rate,
			 net_profit, avg_net_profit, timeouts, stop_losses, profit_locks,
			 forced_transitions, avg_hold_ms, findings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Lane, a.GeneratedAt.UTC(), a.CompletedTrades, a.WindowTrades, a.Wins, a.Losses, a.WinRate,
		a.NetProfit, a.AvgNetProfit, a.Timeouts, a.StopLosses, a.ProfitLocks,
		a.ForcedTransitions, a.AvgHold.Milliseconds(), string(findings),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveAudit: insert: %w", err)
	}
	return nil
}

// RecentCycles returns the latest cycle results of a lane, newest first.
// An empty lane matches every lane.
func (s *SQLiteStore) RecentCycles(ctx context.Context, lane string, limit int) ([]domain.TradeCycleResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lane, exchange, symbol, side, opportunity_id, position_id,
		       entry_price, exit_price, size, fees, net_profit, min_net_profit,
		       exit_reason, success, profit_locked, started_at, entered_at, closed_at
		FROM trade_cycles
		WHERE ? = '' OR lane = ?
		ORDER BY closed_at DESC
		LIMIT ?`, lane, lane, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentCycles: query: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeCycleResult
	for rows.Next() {
		var (
			r                domain.TradeCycleResult
			side, reason     string
			success, locked  int
			started, entered sql.NullTime
			closed           time.Time
		)
		if err := rows.Scan(
			&r.ID, &r.Lane, &r.Exchange, &r.Symbol, &side, &r.OpportunityID, &r.PositionID,
			&r.EntryPrice, &r.ExitPrice, &r.Size, &r.Fees, &r.NetProfit, &r.MinNetProfit,
			&reason, &success, &locked, &started, &entered, &closed,
		); err != nil {
			return nil, fmt.Errorf("storage.RecentCycles: scan row: %w", err)
		}
		r.Side = domain.Side(side)
		r.ExitReason = domain.ExitReason(reason)
		r.Success = success == 1
		r.ProfitLocked = locked == 1
		r.StartedAt = started.Time
		r.EnteredAt = entered.Time
		r.ClosedAt = closed
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountTransitions returns how many transitions of a lane were logged, and how
// many of them were forced.
func (s *SQLiteStore) CountTransitions(ctx context.Context, lane string) (total, forced int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(forced), 0) FROM state_transitions WHERE lane = ?`, lane)
	if err := row.Scan(&total, &forced); err != nil {
		return 0, 0, fmt.Errorf("storage.CountTransitions: %w", err)
	}
	return total, forced, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// pruneOld drops rows past the retention period.
func (s *SQLiteStore) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retention)
	s.db.ExecContext(ctx, `DELETE FROM trade_cycles WHERE closed_at < ?`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM state_transitions WHERE at < ?`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM audits WHERE generated_at < ?`, cutoff)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
