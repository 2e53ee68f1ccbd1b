package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptobots/internal/config/loader"
	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
	"cryptobots/internal/reconcile"
	"cryptobots/internal/risk"
	"cryptobots/internal/strategy"
)

// InstrumentResolver supplies trading rules for the simulated instrument.
// The live gateway satisfies this.
type InstrumentResolver interface {
	GetInstrument(ctx context.Context, instrument string) (exchange.Instrument, error)
}

// EngineConfig configures the run engine.
type EngineConfig struct {
	CandleStore   *Store
	Results       *ResultStore
	Instruments   InstrumentResolver
	ReportDir     string
	WarmupBars    int
	MaxConcurrent int
}

// Engine turns recorded candles and strategy parameters into equity curves.
// Each run drives the same controller, risk gate and reconciler the live
// runner uses, against a Simulator instead of the venue.
type Engine struct {
	store       *Store
	results     *ResultStore
	instruments InstrumentResolver
	reportDir   string
	warmupBars  int

	sem     chan struct{}
	baseCtx context.Context
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.CandleStore == nil {
		return nil, fmt.Errorf("engine requires a candle store")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("engine requires a result store")
	}
	if cfg.Instruments == nil {
		return nil, fmt.Errorf("engine requires an instrument resolver")
	}
	warmup := cfg.WarmupBars
	if warmup <= 0 {
		warmup = 300
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		store:       cfg.CandleStore,
		results:     cfg.Results,
		instruments: cfg.Instruments,
		reportDir:   cfg.ReportDir,
		warmupBars:  warmup,
		sem:         make(chan struct{}, maxConcurrent),
		baseCtx:     context.Background(),
	}, nil
}

// SetContext injects the host context so background runs stop on shutdown.
func (e *Engine) SetContext(ctx context.Context) {
	if ctx != nil {
		e.baseCtx = ctx
	}
}

func (e *Engine) ctx() context.Context {
	if e.baseCtx == nil {
		return context.Background()
	}
	return e.baseCtx
}

// StartRun validates the request, persists a pending run and simulates it in
// the background.
func (e *Engine) StartRun(req RunRequest) (Run, error) {
	typ, err := strategy.ParseType(req.Strategy)
	if err != nil {
		return Run{}, err
	}
	if typ == strategy.TypeCashCarry {
		return Run{}, fmt.Errorf("cash-and-carry needs two live legs and is not simulated")
	}
	if err := loader.ValidateParams(string(typ), req.Params); err != nil {
		return Run{}, err
	}
	timeframe := req.Timeframe
	if timeframe == "" {
		timeframe = "1h"
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return Run{}, err
	}
	start, end := tf.AlignRange(req.StartTS, req.EndTS)
	if start <= 0 || end <= start {
		return Run{}, fmt.Errorf("start/end do not form a range")
	}
	initial := req.InitialBalance
	if initial <= 0 {
		initial = 10000
	}
	feeRate := req.FeeRate
	if feeRate < 0 {
		return Run{}, fmt.Errorf("fee rate cannot be negative")
	}
	if feeRate == 0 {
		feeRate = 0.0004
	}
	slippageBps := req.SlippageBps
	if slippageBps < 0 {
		slippageBps = 0
	}
	if slippageBps == 0 {
		slippageBps = 2
	}

	cfg := RunConfig{
		Strategy:       string(typ),
		Instrument:     req.Instrument,
		Timeframe:      tf.Key,
		StartTS:        start,
		EndTS:          end,
		InitialBalance: initial,
		FeeRate:        feeRate,
		SlippageBps:    slippageBps,
		WarmupBars:     e.warmupBars,
		MaxExposure:    req.MaxExposure,
		Params:         req.Params,
	}
	run := Run{
		ID:             uuid.NewString(),
		Strategy:       cfg.Strategy,
		Instrument:     cfg.Instrument,
		Timeframe:      cfg.Timeframe,
		Status:         RunStatusPending,
		StartTS:        start,
		EndTS:          end,
		InitialBalance: initial,
		FinalEquity:    initial,
		Config:         cfg,
	}
	if err := e.results.InsertRun(e.ctx(), run); err != nil {
		return Run{}, err
	}
	go e.runLoop(run.ID, cfg)
	return run, nil
}

func (e *Engine) runLoop(runID string, cfg RunConfig) {
	select {
	case e.sem <- struct{}{}:
	case <-e.ctx().Done():
		_ = e.results.UpdateRunStatus(context.Background(), runID, RunStatusFailed, "engine shutting down")
		return
	}
	defer func() { <-e.sem }()

	ctx := e.ctx()
	_ = e.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "loading candles")
	if err := e.simulate(ctx, runID, cfg); err != nil {
		logger.Warnf("backtest run %s failed: %v", runID, err)
		_ = e.results.UpdateRunStatus(ctx, runID, RunStatusFailed, err.Error())
	}
}

func (e *Engine) simulate(ctx context.Context, runID string, cfg RunConfig) error {
	tf, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return err
	}
	step := tf.durationMillis()
	warmStart := cfg.StartTS - int64(cfg.WarmupBars+5)*step
	if warmStart < step {
		warmStart = step
	}
	candles, err := e.store.RangeCandles(ctx, cfg.Instrument, tf.Key, warmStart, cfg.EndTS)
	if err != nil {
		return err
	}
	startIdx := 0
	for startIdx < len(candles) && candles[startIdx].OpenTime < cfg.StartTS {
		startIdx++
	}
	if startIdx >= len(candles) || len(candles)-startIdx < 2 {
		return fmt.Errorf("not enough candles for %s %s in range; sync the cache first", cfg.Instrument, tf.Key)
	}

	inst, err := e.instruments.GetInstrument(ctx, cfg.Instrument)
	if err != nil {
		return fmt.Errorf("resolving instrument: %w", err)
	}

	sim, err := NewSimulator(SimConfig{
		Instrument:     inst,
		Candles:        candles,
		StartIdx:       startIdx,
		InitialBalance: decimal.NewFromFloat(cfg.InitialBalance),
		FeeRate:        decimal.NewFromFloat(cfg.FeeRate),
		Slippage:       decimal.NewFromFloat(cfg.SlippageBps / 10000),
		OnFill: func(f Fill) {
			f.RunID = runID
			if err := e.results.InsertFill(ctx, f); err != nil {
				logger.Warnf("backtest run %s: recording fill: %v", runID, err)
			}
		},
	})
	if err != nil {
		return err
	}

	typ, _ := strategy.ParseType(cfg.Strategy)
	ctrl, err := strategy.New(typ, cfg.Params,
		strategy.InstrumentSet{inst.Symbol: inst}, strategy.Deps{Candles: sim})
	if err != nil {
		return err
	}
	gate := risk.NewGate(risk.Limits{
		MaxExposure: decimal.NewFromFloat(cfg.MaxExposure),
		FeeBuffer:   decimal.NewFromFloat(cfg.FeeRate).Mul(decimal.NewFromInt(2)),
	})
	tag := "bt-" + runID[:8]

	totalBars := len(candles) - startIdx
	progressStep := totalBars / 20
	if progressStep < 10 {
		progressStep = 10
	}

	var (
		state  json.RawMessage
		points []EquityPoint
		placed int
		peak   = decimal.NewFromFloat(cfg.InitialBalance)
		valley = decimal.NewFromFloat(cfg.InitialBalance)
		maxDD  decimal.Decimal
		bars   int
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, err := sim.GetSnapshot(ctx, inst.Symbol)
		if err != nil {
			return err
		}
		desired, next, err := ctrl.Tick(ctx, strategy.Snapshots{inst.Symbol: snap}, state)
		if err != nil {
			return fmt.Errorf("controller tick: %w", err)
		}
		state = next
		specs := make([]exchange.OrderSpec, 0, len(desired.Orders))
		for _, spec := range desired.Orders {
			spec.ClientTag = tag
			specs = append(specs, spec)
		}
		admissible, _ := gate.Filter(specs, snap)
		plan := reconcile.Diff(admissible, snap.OpenOrders, reconcile.ToleranceFor(inst))
		res := reconcile.Apply(ctx, sim, inst.Symbol, plan)
		placed += len(res.Placed)
		bars++

		eq := sim.Equity()
		if eq.GreaterThan(peak) {
			peak = eq
		}
		if eq.LessThan(valley) {
			valley = eq
		}
		var dd decimal.Decimal
		if peak.IsPositive() {
			dd = peak.Sub(eq).Div(peak)
		}
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		point := EquityPoint{
			RunID:    runID,
			TS:       sim.CurrentTime(),
			Equity:   toF(eq),
			Cash:     toF(sim.Cash()),
			Position: toF(sim.PositionQty()),
			Drawdown: toF(dd),
		}
		points = append(points, point)
		if err := e.results.InsertEquity(ctx, point); err != nil {
			logger.Warnf("backtest run %s: recording equity: %v", runID, err)
		}

		if desired.Done {
			break
		}
		if !sim.Advance() {
			break
		}
		if bars%progressStep == 0 {
			pct := float64(bars) / float64(totalBars) * 100
			_ = e.results.UpdateRunStatus(ctx, runID,
				RunStatusRunning, fmt.Sprintf("bar %d/%d (%.1f%%)", bars, totalBars, pct))
		}
	}

	wins, losses := sim.WinsLosses()
	final := sim.Equity()
	stats := RunStats{
		FinalEquity:    toF(final),
		Profit:         toF(final.Sub(decimal.NewFromFloat(cfg.InitialBalance))),
		MaxDrawdownPct: toF(maxDD.Mul(decimal.NewFromInt(100))),
		Orders:         placed,
		Fills:          sim.Fills(),
		Wins:           wins,
		Losses:         losses,
		FeesPaid:       toF(sim.FeesPaid()),
		EquityPeak:     toF(peak),
		EquityValley:   toF(valley),
		Bars:           bars,
		FinishedAt:     time.Now(),
	}
	if cfg.InitialBalance > 0 {
		stats.ReturnPct = stats.Profit / cfg.InitialBalance * 100
	}
	if wins+losses > 0 {
		stats.WinRate = float64(wins) / float64(wins+losses)
	}

	reportPath := ""
	if e.reportDir != "" {
		path, err := RenderEquityReport(ctx, e.reportDir, runID, cfg, stats, points)
		if err != nil {
			logger.Warnf("backtest run %s: report render failed: %v", runID, err)
		} else {
			reportPath = path
		}
	}
	return e.results.UpdateRunSummary(ctx, runID, RunStatusDone, stats, reportPath, "completed")
}

func toF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
