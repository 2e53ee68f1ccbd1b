package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ResultStore persists runs, fills and equity curves in one sqlite file.
type ResultStore struct {
	db *sql.DB
}

func NewResultStore(path string) (*ResultStore, error) {
	if path == "" {
		return nil, fmt.Errorf("result store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	return s.db.Close()
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			instrument TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			initial_balance REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			profit REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			max_drawdown_pct REAL NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			report_path TEXT NOT NULL DEFAULT '',
			config_json TEXT NOT NULL DEFAULT '{}',
			stats_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			notional REAL NOT NULL,
			fee REAL NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_run ON fills(run_id, ts);`,
		`CREATE TABLE IF NOT EXISTS equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			position REAL NOT NULL,
			drawdown REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON equity(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun persists a freshly created run record.
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfg, err := run.marshalConfig()
	if err != nil {
		return err
	}
	stats, err := run.marshalStats()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, strategy, instrument, timeframe, status, start_ts, end_ts,
			initial_balance, final_equity, config_json, stats_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, run.Instrument, run.Timeframe, run.Status,
		run.StartTS, run.EndTS, run.InitialBalance, run.InitialBalance,
		string(cfg), string(stats), now, now)
	return err
}

// UpdateRunStatus updates status and progress message.
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, message=?, updated_at=? WHERE id=?`,
		status, message, time.Now().UnixMilli(), id)
	return err
}

// UpdateRunSummary stores the final stats and marks the run finished.
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id, status string, stats RunStats, reportPath, message string) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, message=?, stats_json=?, final_equity=?, profit=?,
			return_pct=?, max_drawdown_pct=?, report_path=?, updated_at=?, completed_at=?
		WHERE id=?`,
		status, message, string(raw), stats.FinalEquity, stats.Profit,
		stats.ReturnPct, stats.MaxDrawdownPct, reportPath, now, now, id)
	return err
}

// GetRun loads one run by id.
func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy, instrument, timeframe, status, start_ts, end_ts,
			initial_balance, final_equity, profit, return_pct, max_drawdown_pct,
			message, report_path, config_json, stats_json, created_at, updated_at, completed_at
		FROM runs WHERE id=?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("run %s not found", id)
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy, instrument, timeframe, status, start_ts, end_ts,
			initial_balance, final_equity, profit, return_pct, max_drawdown_pct,
			message, report_path, config_json, stats_json, created_at, updated_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var cfgJSON, statsJSON string
	var created, updated, completed int64
	err := row.Scan(&run.ID, &run.Strategy, &run.Instrument, &run.Timeframe, &run.Status,
		&run.StartTS, &run.EndTS, &run.InitialBalance, &run.FinalEquity, &run.Profit,
		&run.ReturnPct, &run.MaxDrawdownPct, &run.Message, &run.ReportPath,
		&cfgJSON, &statsJSON, &created, &updated, &completed)
	if err != nil {
		return Run{}, err
	}
	_ = json.Unmarshal([]byte(cfgJSON), &run.Config)
	_ = json.Unmarshal([]byte(statsJSON), &run.Stats)
	run.CreatedAt = time.UnixMilli(created)
	run.UpdatedAt = time.UnixMilli(updated)
	if completed > 0 {
		run.CompletedAt = time.UnixMilli(completed)
	}
	return run, nil
}

// InsertFill appends one simulated execution.
func (s *ResultStore) InsertFill(ctx context.Context, f Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (run_id, side, type, price, quantity, notional, fee, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RunID, f.Side, f.Type, f.Price, f.Quantity, f.Notional, f.Fee, f.TS)
	return err
}

// ListFills returns a run's fills in execution order.
func (s *ResultStore) ListFills(ctx context.Context, runID string, limit int) ([]Fill, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, side, type, price, quantity, notional, fee, ts
		FROM fills WHERE run_id=? ORDER BY ts ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.RunID, &f.Side, &f.Type, &f.Price, &f.Quantity, &f.Notional, &f.Fee, &f.TS); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertEquity appends one equity curve sample.
func (s *ResultStore) InsertEquity(ctx context.Context, p EquityPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity (run_id, ts, equity, cash, position, drawdown)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.RunID, p.TS, p.Equity, p.Cash, p.Position, p.Drawdown)
	return err
}

// ListEquity returns a run's equity curve in time order.
func (s *ResultStore) ListEquity(ctx context.Context, runID string, limit int) ([]EquityPoint, error) {
	if limit <= 0 || limit > 50000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, ts, equity, cash, position, drawdown
		FROM equity WHERE run_id=? ORDER BY ts ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.ID, &p.RunID, &p.TS, &p.Equity, &p.Cash, &p.Position, &p.Drawdown); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
