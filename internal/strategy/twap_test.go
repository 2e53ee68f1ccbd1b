package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

func newTestTWAP(t *testing.T, side string) Controller {
	t.Helper()
	c, err := New(TypeTWAP, map[string]any{
		"instrument":     "ETH/USDT",
		"side":           side,
		"total_quantity": 10,
		"periods":        4,
	}, InstrumentSet{"ETH/USDT": testInstrument("ETH/USDT", false)}, Deps{})
	require.NoError(t, err)
	return c
}

func twapSnaps(pos float64) Snapshots {
	return Snapshots{"ETH/USDT": withPosition(testSnapshot(testInstrument("ETH/USDT", false), 99.5, 100.5), pos)}
}

func TestTWAPSlicesEvenlyAndCompletes(t *testing.T) {
	c := newTestTWAP(t, "buy")
	ctx := context.Background()

	pos := 0.0
	total := decimal.Zero
	var state = []byte(nil)
	for i := 0; i < 4; i++ {
		out, next, err := c.Tick(ctx, twapSnaps(pos), state)
		require.NoError(t, err)
		require.Len(t, out.Orders, 1, "tick %d", i)
		o := out.Orders[0]
		assert.Equal(t, exchange.SideBuy, o.Side)
		assertDecimal(t, "2.5", o.Quantity, "tick", i)
		total = total.Add(o.Quantity)
		pos += 2.5 // full fill
		state = next
	}
	assertDecimal(t, "10", total)

	out, _, err := c.Tick(ctx, twapSnaps(pos), state)
	require.NoError(t, err)
	assert.Empty(t, out.Orders)
	assert.True(t, out.Done)
}

func TestTWAPRollsMissedFillsForward(t *testing.T) {
	c := newTestTWAP(t, "buy")
	ctx := context.Background()

	_, state, err := c.Tick(ctx, twapSnaps(0), nil)
	require.NoError(t, err)

	// Only 1 of the 2.5 slice filled: remaining 9 spreads over 3 periods.
	out, state, err := c.Tick(ctx, twapSnaps(1), state)
	require.NoError(t, err)
	require.Len(t, out.Orders, 1)
	assertDecimal(t, "3", out.Orders[0].Quantity)

	// Periods exhausted: the leftover goes out in one final slice, never more
	// than the remaining quantity.
	for i := 0; i < 3; i++ {
		_, state, err = c.Tick(ctx, twapSnaps(1), state)
		require.NoError(t, err)
	}
	out, _, err = c.Tick(ctx, twapSnaps(1), state)
	require.NoError(t, err)
	require.Len(t, out.Orders, 1)
	assertDecimal(t, "9", out.Orders[0].Quantity)
}

func TestTWAPSellSideMeasuresFromInitialPosition(t *testing.T) {
	c := newTestTWAP(t, "sell")
	ctx := context.Background()

	out, state, err := c.Tick(ctx, twapSnaps(50), nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 1)
	o := out.Orders[0]
	assert.Equal(t, exchange.SideSell, o.Side)
	assertDecimal(t, "2.5", o.Quantity)
	assert.True(t, o.Price.LessThan(decimal.NewFromFloat(99.5)), "sell must cross the bid")

	out, _, err = c.Tick(ctx, twapSnaps(40), state)
	require.NoError(t, err)
	assert.Empty(t, out.Orders)
	assert.True(t, out.Done)
}

func TestTWAPMarketFallbackOnFinalPeriod(t *testing.T) {
	c, err := New(TypeTWAP, map[string]any{
		"instrument":      "ETH/USDT",
		"side":            "buy",
		"total_quantity":  10,
		"periods":         2,
		"market_fallback": true,
	}, InstrumentSet{"ETH/USDT": testInstrument("ETH/USDT", false)}, Deps{})
	require.NoError(t, err)
	ctx := context.Background()

	// First period stays a priced limit slice.
	out, state, err := c.Tick(ctx, twapSnaps(0), nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 1)
	assert.Equal(t, exchange.TypeLimit, out.Orders[0].Type)
	assert.False(t, out.Orders[0].Price.IsZero())

	// Final period: the leftover goes out as a market order.
	out, _, err = c.Tick(ctx, twapSnaps(2), state)
	require.NoError(t, err)
	require.Len(t, out.Orders, 1)
	assert.Equal(t, exchange.TypeMarket, out.Orders[0].Type)
	assert.Equal(t, exchange.SideBuy, out.Orders[0].Side)
	assert.True(t, out.Orders[0].Price.IsZero())
	assertDecimal(t, "8", out.Orders[0].Quantity)
}

func TestTWAPNeverOvershoots(t *testing.T) {
	c := newTestTWAP(t, "buy")
	ctx := context.Background()

	_, state, err := c.Tick(ctx, twapSnaps(0), nil)
	require.NoError(t, err)

	// Nearly complete: the final slice is capped at what is left.
	out, _, err := c.Tick(ctx, twapSnaps(9.999), state)
	require.NoError(t, err)
	require.Len(t, out.Orders, 1)
	assertDecimal(t, "0.001", out.Orders[0].Quantity)
}
