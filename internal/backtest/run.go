package backtest

import (
	"encoding/json"
	"time"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig is the frozen parameter snapshot of one simulation, kept with the
// run so results stay reproducible.
type RunConfig struct {
	Strategy       string         `json:"strategy"`
	Instrument     string         `json:"instrument"`
	Timeframe      string         `json:"timeframe"`
	StartTS        int64          `json:"start_ts"`
	EndTS          int64          `json:"end_ts"`
	InitialBalance float64        `json:"initial_balance"`
	FeeRate        float64        `json:"fee_rate"`
	SlippageBps    float64        `json:"slippage_bps"`
	WarmupBars     int            `json:"warmup_bars"`
	MaxExposure    float64        `json:"max_exposure,omitempty"`
	Params         map[string]any `json:"params"`
}

// RunStats aggregates the outcome of a finished simulation.
type RunStats struct {
	FinalEquity    float64   `json:"final_equity"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	WinRate        float64   `json:"win_rate"`
	Orders         int       `json:"orders"`
	Fills          int       `json:"fills"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	FeesPaid       float64   `json:"fees_paid"`
	EquityPeak     float64   `json:"equity_peak"`
	EquityValley   float64   `json:"equity_valley"`
	Bars           int       `json:"bars"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Run is one simulation task.
type Run struct {
	ID             string    `json:"id"`
	Strategy       string    `json:"strategy"`
	Instrument     string    `json:"instrument"`
	Timeframe      string    `json:"timeframe"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	InitialBalance float64   `json:"initial_balance"`
	FinalEquity    float64   `json:"final_equity"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Message        string    `json:"message"`
	ReportPath     string    `json:"report_path,omitempty"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

func (r Run) marshalStats() ([]byte, error)  { return json.Marshal(r.Stats) }
func (r Run) marshalConfig() ([]byte, error) { return json.Marshal(r.Config) }

// Fill records one simulated execution.
type Fill struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
	Fee      float64 `json:"fee"`
	TS       int64   `json:"ts"`
}

// EquityPoint is one equity curve sample, taken per bar.
type EquityPoint struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Cash     float64 `json:"cash"`
	Position float64 `json:"position"`
	Drawdown float64 `json:"drawdown"`
}

// RunRequest is the HTTP submission shape.
type RunRequest struct {
	Strategy       string         `json:"strategy" binding:"required"`
	Instrument     string         `json:"instrument" binding:"required"`
	Timeframe      string         `json:"timeframe"`
	StartTS        int64          `json:"start_ts" binding:"required"`
	EndTS          int64          `json:"end_ts" binding:"required"`
	InitialBalance float64        `json:"initial_balance"`
	FeeRate        float64        `json:"fee_rate"`
	SlippageBps    float64        `json:"slippage_bps"`
	MaxExposure    float64        `json:"max_exposure"`
	Params         map[string]any `json:"params" binding:"required"`
}
