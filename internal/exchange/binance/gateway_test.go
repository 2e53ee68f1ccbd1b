package binance

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptobots/internal/exchange"
)

func TestApplyFilters(t *testing.T) {
	filters := []map[string]interface{}{
		{"filterType": "PRICE_FILTER", "tickSize": "0.01", "minPrice": "0.01"},
		{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001"},
		{"filterType": "MIN_NOTIONAL", "notional": "5"},
	}
	var inst exchange.Instrument
	applyFilters(&inst, filters)
	assert.Equal(t, "0.01", inst.TickSize.String())
	assert.Equal(t, "0.001", inst.StepSize.String())
	assert.Equal(t, "0.001", inst.MinQty.String())
	assert.Equal(t, "5", inst.MinNotional.String())
}

func TestApplyFiltersSpotNotional(t *testing.T) {
	filters := []map[string]interface{}{
		{"filterType": "NOTIONAL", "minNotional": "10"},
	}
	var inst exchange.Instrument
	applyFilters(&inst, filters)
	assert.Equal(t, "10", inst.MinNotional.String())
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]exchange.OrderStatus{
		"NEW":              exchange.StatusOpen,
		"PARTIALLY_FILLED": exchange.StatusPartiallyFilled,
		"FILLED":           exchange.StatusFilled,
		"CANCELED":         exchange.StatusCancelled,
		"EXPIRED":          exchange.StatusCancelled,
		"REJECTED":         exchange.StatusRejected,
	}
	for raw, want := range cases {
		assert.Equal(t, want, statusFrom(raw), raw)
	}
}

func TestClientOrderID(t *testing.T) {
	id := clientOrderID("cbot-grid-12ab34cd")
	assert.True(t, strings.HasPrefix(id, "cbot-grid-12ab34cd-"))
	assert.LessOrEqual(t, len(id), 36)

	other := clientOrderID("cbot-grid-12ab34cd")
	assert.NotEqual(t, id, other)
}

func TestDropUnclosed(t *testing.T) {
	now := time.Now()
	closed := exchange.Candle{OpenTime: now.Add(-2 * time.Minute).UnixMilli(), CloseTime: now.Add(-time.Minute).UnixMilli()}
	forming := exchange.Candle{OpenTime: now.Add(-time.Minute).UnixMilli(), CloseTime: now.Add(time.Minute).UnixMilli()}

	got := dropUnclosed([]exchange.Candle{closed, forming}, now)
	require.Len(t, got, 1)
	assert.Equal(t, closed.OpenTime, got[0].OpenTime)

	got = dropUnclosed([]exchange.Candle{closed}, now)
	assert.Len(t, got, 1)
}
