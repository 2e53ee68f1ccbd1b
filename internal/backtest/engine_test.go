package backtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

type fixedResolver struct {
	inst exchange.Instrument
}

func (r fixedResolver) GetInstrument(ctx context.Context, instrument string) (exchange.Instrument, error) {
	return r.inst, nil
}

func seedOscillatingCandles(t *testing.T, store *Store, instrument string, start int64, bars int) {
	t.Helper()
	// Price walks 95 -> 88 -> 95 -> 102 and repeats, so resting grid orders
	// on both sides of 95 get traded through.
	cycle := []float64{95, 88, 95, 102}
	closes := make([]float64, bars)
	for i := range closes {
		closes[i] = cycle[i%len(cycle)]
	}
	_, err := store.InsertCandles(context.Background(), instrument, "1h", hourlyCandles(start, closes...))
	require.NoError(t, err)
}

func TestEngineRunsRangeStrategy(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "candles"))
	require.NoError(t, err)
	defer store.Close()
	results, err := NewResultStore(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	defer results.Close()

	const instrument = "ETH/USDT:USDT"
	start := 9000 * hourMs
	seedOscillatingCandles(t, store, instrument, start, 48)

	engine, err := NewEngine(EngineConfig{
		CandleStore: store,
		Results:     results,
		Instruments: fixedResolver{inst: simInstrument()},
	})
	require.NoError(t, err)

	run, err := engine.StartRun(RunRequest{
		Strategy:   "range",
		Instrument: instrument,
		Timeframe:  "1h",
		StartTS:    start,
		EndTS:      start + 47*hourMs,
		Params: map[string]any{
			"instrument":   instrument,
			"lower":        80,
			"upper":        110,
			"levels":       4,
			"max_position": 2,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusPending, run.Status)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		got, err := results.GetRun(ctx, run.ID)
		return err == nil && got.Status == RunStatusDone
	}, 10*time.Second, 50*time.Millisecond)

	got, err := results.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Stats.Fills, 0)
	assert.Greater(t, got.Stats.Bars, 40)
	assert.NotZero(t, got.Stats.FinalEquity)

	points, err := results.ListEquity(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, got.Stats.Bars, len(points))

	fills, err := results.ListFills(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, fills, got.Stats.Fills)
}

func TestEngineRejectsBadRequests(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "candles"))
	require.NoError(t, err)
	defer store.Close()
	results, err := NewResultStore(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	defer results.Close()

	engine, err := NewEngine(EngineConfig{
		CandleStore: store,
		Results:     results,
		Instruments: fixedResolver{inst: simInstrument()},
	})
	require.NoError(t, err)

	cases := []RunRequest{
		{Strategy: "martingale", Instrument: "ETH/USDT:USDT", Timeframe: "1h", StartTS: hourMs, EndTS: 2 * hourMs},
		{Strategy: "cashcarry", Instrument: "ETH/USDT:USDT", Timeframe: "1h", StartTS: hourMs, EndTS: 2 * hourMs},
		{Strategy: "range", Instrument: "ETH/USDT:USDT", Timeframe: "1h", StartTS: hourMs, EndTS: hourMs,
			Params: map[string]any{"instrument": "ETH/USDT:USDT", "lower": 80, "upper": 110, "levels": 4, "max_position": 2}},
		{Strategy: "range", Instrument: "ETH/USDT:USDT", Timeframe: "1h", StartTS: hourMs, EndTS: 2 * hourMs,
			Params: map[string]any{"instrument": "ETH/USDT:USDT"}},
	}
	for _, req := range cases {
		_, err := engine.StartRun(req)
		assert.Error(t, err)
	}
}

func TestEngineFailsWithoutCandles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "candles"))
	require.NoError(t, err)
	defer store.Close()
	results, err := NewResultStore(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	defer results.Close()

	engine, err := NewEngine(EngineConfig{
		CandleStore: store,
		Results:     results,
		Instruments: fixedResolver{inst: simInstrument()},
	})
	require.NoError(t, err)

	run, err := engine.StartRun(RunRequest{
		Strategy:   "range",
		Instrument: "ETH/USDT:USDT",
		Timeframe:  "1h",
		StartTS:    5000 * hourMs,
		EndTS:      5010 * hourMs,
		Params: map[string]any{
			"instrument":   "ETH/USDT:USDT",
			"lower":        80,
			"upper":        110,
			"levels":       4,
			"max_position": 2,
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		got, err := results.GetRun(ctx, run.ID)
		return err == nil && got.Status == RunStatusFailed
	}, 10*time.Second, 50*time.Millisecond)
}
