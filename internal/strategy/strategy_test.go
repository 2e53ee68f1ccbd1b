package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

func testInstrument(symbol string, perp bool) exchange.Instrument {
	return exchange.Instrument{
		Symbol:      symbol,
		Base:        "ETH",
		Quote:       "USDT",
		Perp:        perp,
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.001),
		MinQty:      decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(5),
	}
}

func testSnapshot(inst exchange.Instrument, bid, ask float64) exchange.Snapshot {
	return exchange.Snapshot{
		Instrument: inst,
		Bid:        decimal.NewFromFloat(bid),
		Ask:        decimal.NewFromFloat(ask),
		Last:       decimal.NewFromFloat((bid + ask) / 2),
		Balances:   map[string]decimal.Decimal{"USDT": decimal.NewFromInt(100000)},
		Position:   exchange.Position{Instrument: inst.Symbol},
	}
}

func withPosition(snap exchange.Snapshot, qty float64) exchange.Snapshot {
	snap.Position.Quantity = decimal.NewFromFloat(qty)
	return snap
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)),
		"want %s, got %s %v", want, got, msgAndArgs)
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"grid", "cashcarry", "twap", "range", "emac"} {
		got, err := ParseType(s)
		require.NoError(t, err)
		assert.Equal(t, Type(s), got)
	}
	_, err := ParseType("martingale")
	assert.Error(t, err)
}

func TestNewRejectsBadParams(t *testing.T) {
	instruments := InstrumentSet{"ETH/USDT": testInstrument("ETH/USDT", false)}
	cases := []struct {
		name   string
		typ    Type
		params map[string]any
	}{
		{"grid missing instrument", TypeGrid, map[string]any{"levels": 5, "spacing_abs": 10, "investment": 500}},
		{"grid one level", TypeGrid, map[string]any{"instrument": "ETH/USDT", "levels": 1, "spacing_abs": 10, "investment": 500}},
		{"grid both spacings", TypeGrid, map[string]any{"instrument": "ETH/USDT", "levels": 5, "spacing_abs": 10, "spacing_pct": 0.01, "investment": 500}},
		{"twap bad side", TypeTWAP, map[string]any{"instrument": "ETH/USDT", "side": "hold", "total_quantity": 10, "periods": 4}},
		{"range odd levels", TypeRange, map[string]any{"instrument": "ETH/USDT", "lower": 80, "upper": 110, "levels": 3, "max_position": 2}},
		{"cashcarry same leg", TypeCashCarry, map[string]any{"spot_instrument": "ETH/USDT", "perp_instrument": "ETH/USDT", "investment": 1000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.typ, tc.params, instruments, Deps{})
			assert.Error(t, err)
		})
	}
}

func TestRoundQtySigned(t *testing.T) {
	inst := testInstrument("ETH/USDT", false)
	assertDecimal(t, "1.234", roundQtySigned(inst, decimal.RequireFromString("1.2349")))
	assertDecimal(t, "-1.234", roundQtySigned(inst, decimal.RequireFromString("-1.2349")))
}
