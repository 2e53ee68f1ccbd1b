package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

func newTestRange(t *testing.T, extra map[string]any) Controller {
	t.Helper()
	params := map[string]any{
		"instrument":   "ETH/USDT:USDT",
		"lower":        80,
		"upper":        110,
		"levels":       4,
		"max_position": 2,
	}
	for k, v := range extra {
		params[k] = v
	}
	c, err := New(TypeRange, params, InstrumentSet{"ETH/USDT:USDT": testInstrument("ETH/USDT:USDT", true)}, Deps{})
	require.NoError(t, err)
	return c
}

func rangeSnaps(pos float64) Snapshots {
	return Snapshots{"ETH/USDT:USDT": withPosition(testSnapshot(testInstrument("ETH/USDT:USDT", true), 94.5, 95.5), pos)}
}

func TestRangeQuotesFullLadderWhenFlat(t *testing.T) {
	c := newTestRange(t, nil)
	out, _, err := c.Tick(context.Background(), rangeSnaps(0), nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 4)

	want := []struct {
		price string
		side  exchange.Side
	}{
		{"80", exchange.SideBuy},
		{"90", exchange.SideBuy},
		{"100", exchange.SideSell},
		{"110", exchange.SideSell},
	}
	for _, w := range want {
		found := false
		for _, o := range out.Orders {
			if !o.Price.Equal(decimal.RequireFromString(w.price)) {
				continue
			}
			found = true
			assert.Equal(t, w.side, o.Side, "level %s", w.price)
			assertDecimal(t, "1", o.Quantity)
		}
		assert.True(t, found, "no order at level %s", w.price)
	}
}

func TestRangeRespectsInventoryCaps(t *testing.T) {
	c := newTestRange(t, nil)

	// At the long cap only sells remain.
	out, _, err := c.Tick(context.Background(), rangeSnaps(2), nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 2)
	for _, o := range out.Orders {
		assert.Equal(t, exchange.SideSell, o.Side)
	}

	// At the short cap only buys remain.
	out, _, err = c.Tick(context.Background(), rangeSnaps(-2), nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 2)
	for _, o := range out.Orders {
		assert.Equal(t, exchange.SideBuy, o.Side)
	}
}

func TestRangeHonorsOrderWindow(t *testing.T) {
	c := newTestRange(t, map[string]any{"max_orders_per_tick": 2})
	out, _, err := c.Tick(context.Background(), rangeSnaps(0), nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 2)
	// Nearest levels to the mid win the window.
	assertDecimal(t, "90", out.Orders[0].Price)
	assertDecimal(t, "100", out.Orders[1].Price)
}

func TestRangeGoesQuietOutsideBand(t *testing.T) {
	c := newTestRange(t, nil)

	// Above the band: no orders, but the tick still succeeds.
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(testInstrument("ETH/USDT:USDT", true), 124.5, 125.5)}
	out, _, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Orders)
	assert.False(t, out.Done)
	assert.Contains(t, out.Note, "outside band")

	// Below the band too.
	snaps = Snapshots{"ETH/USDT:USDT": testSnapshot(testInstrument("ETH/USDT:USDT", true), 69.5, 70.5)}
	out, _, err = c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Orders)
}

func TestRangeSidesFollowBandMidpoint(t *testing.T) {
	c := newTestRange(t, nil)

	// Mid near the top of the band: upper levels stay sells, never flip to
	// buys chasing the move; the crossed sell level at 100 goes unquoted.
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(testInstrument("ETH/USDT:USDT", true), 104.5, 105.5)}
	out, _, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 3)
	for _, o := range out.Orders {
		if o.Price.Equal(decimal.RequireFromString("110")) {
			assert.Equal(t, exchange.SideSell, o.Side)
		} else {
			assert.Equal(t, exchange.SideBuy, o.Side)
		}
		assert.NotEqual(t, decimal.RequireFromString("100"), o.Price)
	}
}

func TestRangeIsStateless(t *testing.T) {
	c := newTestRange(t, nil)
	first, state, err := c.Tick(context.Background(), rangeSnaps(0), nil)
	require.NoError(t, err)
	assert.Nil(t, state)
	second, _, err := c.Tick(context.Background(), rangeSnaps(0), state)
	require.NoError(t, err)
	assert.Equal(t, first.Orders, second.Orders)
}
