package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func snapshot(quoteFree, baseFree, position string) exchange.Snapshot {
	return exchange.Snapshot{
		Instrument: exchange.Instrument{
			Symbol:      "ETH/USDT",
			Base:        "ETH",
			Quote:       "USDT",
			MinQty:      dec("0.01"),
			MinNotional: dec("10"),
		},
		Bid:      dec("1999"),
		Ask:      dec("2001"),
		Position: exchange.Position{Instrument: "ETH/USDT", Quantity: dec(position)},
		Balances: map[string]decimal.Decimal{
			"USDT": dec(quoteFree),
			"ETH":  dec(baseFree),
		},
	}
}

func buy(price, qty string) exchange.OrderSpec {
	return exchange.OrderSpec{
		Instrument: "ETH/USDT",
		Side:       exchange.SideBuy,
		Type:       exchange.TypeLimit,
		Price:      dec(price),
		Quantity:   dec(qty),
	}
}

func TestGateCheck(t *testing.T) {
	gate := NewGate(Limits{MaxExposure: dec("5000"), FeeBuffer: dec("0.002")})

	t.Run("admissible order passes", func(t *testing.T) {
		assert.NoError(t, gate.Check(buy("2000", "1"), snapshot("3000", "0", "0")))
	})

	t.Run("balance shortfall short-circuits first", func(t *testing.T) {
		// Quantity is also below minimum, but balance is checked first.
		err := gate.Check(buy("2000", "0.001"), snapshot("1", "0", "0"))
		require.Error(t, err)
		v := err.(*Violation)
		assert.Equal(t, KindInsufficientBalance, v.Kind)
	})

	t.Run("fee buffer counts against balance", func(t *testing.T) {
		// Notional exactly equals free balance; the buffer pushes it over.
		err := gate.Check(buy("2000", "1"), snapshot("2000", "0", "0"))
		require.Error(t, err)
		assert.Equal(t, KindInsufficientBalance, err.(*Violation).Kind)
	})

	t.Run("below instrument minimum quantity", func(t *testing.T) {
		err := gate.Check(buy("2000", "0.005"), snapshot("3000", "0", "0"))
		require.Error(t, err)
		assert.Equal(t, KindBelowMinimum, err.(*Violation).Kind)
	})

	t.Run("below minimum notional", func(t *testing.T) {
		err := gate.Check(buy("100", "0.05"), snapshot("3000", "0", "0"))
		require.Error(t, err)
		assert.Equal(t, KindBelowMinimum, err.(*Violation).Kind)
	})

	t.Run("resulting exposure over limit", func(t *testing.T) {
		err := gate.Check(buy("2000", "1"), snapshot("9000", "0", "2"))
		require.Error(t, err)
		assert.Equal(t, KindMaxExposure, err.(*Violation).Kind)
	})

	t.Run("reduce only skips exposure check", func(t *testing.T) {
		spec := buy("2000", "1")
		spec.ReduceOnly = true
		snap := snapshot("9000", "0", "-3")
		assert.NoError(t, gate.Check(spec, snap))
	})

	t.Run("spot sell checks base balance", func(t *testing.T) {
		spec := exchange.OrderSpec{
			Instrument: "ETH/USDT",
			Side:       exchange.SideSell,
			Type:       exchange.TypeLimit,
			Price:      dec("2000"),
			Quantity:   dec("2"),
		}
		err := gate.Check(spec, snapshot("0", "1", "1"))
		require.Error(t, err)
		assert.Equal(t, KindInsufficientBalance, err.(*Violation).Kind)
	})
}

func TestGateFilter(t *testing.T) {
	gate := NewGate(Limits{FeeBuffer: dec("0.002")})
	snap := snapshot("2500", "0", "0")
	ok, bad := gate.Filter([]exchange.OrderSpec{
		buy("2000", "1"),     // fine
		buy("2000", "0.005"), // below min qty
	}, snap)
	assert.Len(t, ok, 1)
	require.Len(t, bad, 1)
	assert.Equal(t, KindBelowMinimum, bad[0].Kind)
}
