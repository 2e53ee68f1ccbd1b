package strategy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

func newTestGrid(t *testing.T, params map[string]any) Controller {
	t.Helper()
	perp := testInstrument("ETH/USDT:USDT", true)
	c, err := New(TypeGrid, params, InstrumentSet{"ETH/USDT:USDT": perp}, Deps{})
	require.NoError(t, err)
	return c
}

func gridStateOf(t *testing.T, raw json.RawMessage) gridState {
	t.Helper()
	var st gridState
	require.NoError(t, json.Unmarshal(raw, &st))
	return st
}

func TestGridFirstTickBuildsFullLadder(t *testing.T) {
	c := newTestGrid(t, map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"levels":      5,
		"spacing_abs": 10,
		"investment":  500,
	})
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(testInstrument("ETH/USDT:USDT", true), 99.5, 100.5)}

	out, state, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)
	require.Len(t, out.Orders, 5)
	assert.False(t, out.NeedsReview)

	// Nearest to mid first, buys before sells at equal distance.
	wantPrices := []string{"100", "90", "110", "80", "120"}
	wantSides := []exchange.Side{exchange.SideBuy, exchange.SideBuy, exchange.SideSell, exchange.SideBuy, exchange.SideSell}
	for i, o := range out.Orders {
		assertDecimal(t, wantPrices[i], o.Price, "order", i)
		assert.Equal(t, wantSides[i], o.Side, "order %d", i)
		assertDecimal(t, "1", o.Quantity, "order", i)
		assert.Equal(t, exchange.TypeLimit, o.Type)
	}

	st := gridStateOf(t, state)
	assertDecimal(t, "100", st.Reference)
	assertDecimal(t, "1", st.UnitSize)
	assert.Len(t, st.Levels, 5)
}

func TestGridAtMidSkip(t *testing.T) {
	c := newTestGrid(t, map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"levels":      5,
		"spacing_abs": 10,
		"investment":  500,
		"at_mid":      "skip",
	})
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(testInstrument("ETH/USDT:USDT", true), 99.5, 100.5)}

	out, _, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)
	assert.Len(t, out.Orders, 4)
}

func TestGridFilledLevelsDerivedFromPosition(t *testing.T) {
	c := newTestGrid(t, map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"levels":      5,
		"spacing_abs": 10,
		"investment":  500,
	})
	inst := testInstrument("ETH/USDT:USDT", true)
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(inst, 99.5, 100.5)}

	_, state, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)

	// One unit long marks the buy level nearest the reference as filled.
	snaps = Snapshots{"ETH/USDT:USDT": withPosition(testSnapshot(inst, 99.5, 100.5), 1)}
	out, state, err := c.Tick(context.Background(), snaps, state)
	require.NoError(t, err)
	require.Len(t, out.Orders, 4)
	for _, o := range out.Orders {
		assert.False(t, o.Price.Equal(decimal.NewFromInt(100)), "filled level must not be re-quoted")
	}

	st := gridStateOf(t, state)
	filled := 0
	for _, lv := range st.Levels {
		if lv.Filled {
			filled++
			assertDecimal(t, "100", lv.Price)
		}
	}
	assert.Equal(t, 1, filled)
}

func TestGridIdempotentWhenNothingChanges(t *testing.T) {
	c := newTestGrid(t, map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"levels":      5,
		"spacing_abs": 10,
		"investment":  500,
	})
	inst := testInstrument("ETH/USDT:USDT", true)
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(inst, 99.5, 100.5)}

	first, state, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)
	second, _, err := c.Tick(context.Background(), snaps, state)
	require.NoError(t, err)

	// Field-by-field with decimal.Equal: the state round-trip may change
	// decimal exponents without changing values.
	require.Len(t, second.Orders, len(first.Orders))
	for i, a := range first.Orders {
		b := second.Orders[i]
		assert.Equal(t, a.Instrument, b.Instrument)
		assert.Equal(t, a.Side, b.Side)
		assert.Equal(t, a.Type, b.Type)
		assert.True(t, a.Price.Equal(b.Price), "price %s vs %s", a.Price, b.Price)
		assert.True(t, a.Quantity.Equal(b.Quantity), "qty %s vs %s", a.Quantity, b.Quantity)
	}
}

func TestGridPrunesStaleLevels(t *testing.T) {
	c := newTestGrid(t, map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"levels":      5,
		"spacing_abs": 10,
		"investment":  500,
		"stale_steps": 2,
	})
	inst := testInstrument("ETH/USDT:USDT", true)
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(inst, 99.5, 100.5)}

	_, state, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)

	// Price rallies to 125: the 80 and 90 buys sit more than two steps away
	// and are destroyed; the grid also extends one level above.
	snaps = Snapshots{"ETH/USDT:USDT": testSnapshot(inst, 124.5, 125.5)}
	_, state, err = c.Tick(context.Background(), snaps, state)
	require.NoError(t, err)

	st := gridStateOf(t, state)
	for _, lv := range st.Levels {
		assert.True(t, lv.Price.GreaterThanOrEqual(decimal.NewFromInt(100)),
			"stale level %s survived", lv.Price)
	}
	assertDecimal(t, "130", st.Levels[len(st.Levels)-1].Price)
}

func TestGridFlagsReviewWhenDegraded(t *testing.T) {
	c := newTestGrid(t, map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"levels":      4,
		"spacing_abs": 10,
		"investment":  500,
		"stale_steps": 2,
	})
	inst := testInstrument("ETH/USDT:USDT", true)
	snaps := Snapshots{"ETH/USDT:USDT": testSnapshot(inst, 99.5, 100.5)}

	_, state, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)

	// A violent move leaves at most the extension level live.
	snaps = Snapshots{"ETH/USDT:USDT": testSnapshot(inst, 199.5, 200.5)}
	out, _, err := c.Tick(context.Background(), snaps, state)
	require.NoError(t, err)
	assert.True(t, out.NeedsReview)
	assert.NotEmpty(t, out.Note)
}

func TestGridTrailingStopRatchet(t *testing.T) {
	c := newTestGrid(t, map[string]any{
		"instrument":  "ETH/USDT:USDT",
		"direction":   1,
		"levels":      3,
		"spacing_abs": 5,
		"investment":  300,
		"trail_pct":   0.1,
	})
	inst := testInstrument("ETH/USDT:USDT", true)

	snaps := Snapshots{"ETH/USDT:USDT": withPosition(testSnapshot(inst, 99.5, 100.5), 1)}
	_, state, err := c.Tick(context.Background(), snaps, nil)
	require.NoError(t, err)
	assertDecimal(t, "90", gridStateOf(t, state).TrailingStop)

	// Price up, stop follows.
	snaps = Snapshots{"ETH/USDT:USDT": withPosition(testSnapshot(inst, 119.5, 120.5), 1)}
	out, state, err := c.Tick(context.Background(), snaps, state)
	require.NoError(t, err)
	assertDecimal(t, "108", gridStateOf(t, state).TrailingStop)

	var stops []exchange.OrderSpec
	for _, o := range out.Orders {
		if o.Type == exchange.TypeStop {
			stops = append(stops, o)
		}
	}
	require.Len(t, stops, 1)
	assert.Equal(t, exchange.SideSell, stops[0].Side)
	assert.True(t, stops[0].ReduceOnly)
	assertDecimal(t, "108", stops[0].StopPrice)

	// Price back down, stop never retreats.
	snaps = Snapshots{"ETH/USDT:USDT": withPosition(testSnapshot(inst, 109.5, 110.5), 1)}
	_, state, err = c.Tick(context.Background(), snaps, state)
	require.NoError(t, err)
	assertDecimal(t, "108", gridStateOf(t, state).TrailingStop)
}
