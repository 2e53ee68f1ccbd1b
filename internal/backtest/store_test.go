package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

const hourMs = int64(3_600_000)

func hourlyCandles(start int64, closes ...float64) []exchange.Candle {
	out := make([]exchange.Candle, len(closes))
	for i, c := range closes {
		open := start + int64(i)*hourMs
		out[i] = exchange.Candle{
			OpenTime:  open,
			CloseTime: open + hourMs - 1,
			Open:      c,
			High:      c + 2,
			Low:       c - 2,
			Close:     c,
			Volume:    100,
		}
	}
	return out
}

func TestStoreInsertAndRange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := 1000 * hourMs
	n, err := store.InsertCandles(ctx, "ETH/USDT:USDT", "1h", hourlyCandles(start, 100, 101, 102))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := store.RangeCandles(ctx, "ETH/USDT:USDT", "1h", start, start+2*hourMs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 101.0, got[1].Close)

	// Re-insert overwrites instead of duplicating.
	_, err = store.InsertCandles(ctx, "ETH/USDT:USDT", "1h", hourlyCandles(start, 100.5))
	require.NoError(t, err)
	got, err = store.RangeCandles(ctx, "ETH/USDT:USDT", "1h", start, start+2*hourMs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 100.5, got[0].Close)

	m, err := store.Manifest(ctx, "ETH/USDT:USDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Rows)
	assert.Equal(t, start, m.MinTime)
	assert.Equal(t, start+2*hourMs, m.MaxTime)
}

func TestStoreIntegrityGaps(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	tf, _ := ParseTimeframe("1h")
	start := 2000 * hourMs

	// Bars at offsets 0,1 and 4; offsets 2,3 and 5 missing.
	batch := hourlyCandles(start, 100, 101)
	batch = append(batch, hourlyCandles(start+4*hourMs, 104)...)
	_, err = store.InsertCandles(ctx, "BTC/USDT", "1h", batch)
	require.NoError(t, err)

	report, err := store.CheckIntegrity(ctx, "BTC/USDT", "1h", tf, start, start+5*hourMs)
	require.NoError(t, err)
	assert.Equal(t, int64(6), report.Expected)
	assert.Equal(t, int64(3), report.Present)
	require.Len(t, report.Gaps, 2)
	assert.Equal(t, Gap{From: start + 2*hourMs, To: start + 3*hourMs}, report.Gaps[0])
	assert.Equal(t, Gap{From: start + 5*hourMs, To: start + 5*hourMs}, report.Gaps[1])
	assert.False(t, report.Complete())
}
