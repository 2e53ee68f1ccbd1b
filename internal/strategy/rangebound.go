package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
)

// RangeParams configures a mean-reversion ladder across a fixed price band.
// Levels are spaced evenly between lower and upper; the level count must be
// even so the band splits cleanly around its midpoint.
type RangeParams struct {
	Instrument       string  `mapstructure:"instrument"`
	Lower            float64 `mapstructure:"lower"`
	Upper            float64 `mapstructure:"upper"`
	Levels           int     `mapstructure:"levels"`
	MaxPosition      float64 `mapstructure:"max_position"` // base units, either direction
	MaxOrdersPerTick int     `mapstructure:"max_orders_per_tick"`
}

func (p *RangeParams) applyDefaults() {
	if p.MaxOrdersPerTick <= 0 {
		p.MaxOrdersPerTick = 16
	}
}

func (p RangeParams) validate() error {
	if p.Instrument == "" {
		return fmt.Errorf("range: instrument is required")
	}
	if p.Lower <= 0 || p.Upper <= p.Lower {
		return fmt.Errorf("range: need 0 < lower < upper, got [%v, %v]", p.Lower, p.Upper)
	}
	if p.Levels < 2 || p.Levels%2 != 0 {
		return fmt.Errorf("range: levels must be an even number >= 2, got %d", p.Levels)
	}
	if p.MaxPosition <= 0 {
		return fmt.Errorf("range: max_position must be positive")
	}
	return nil
}

// rangeController is stateless across ticks: the level table is a pure
// function of the band parameters, sides come from the band midpoint, and
// fill attribution comes from the live position. The state record passes
// through untouched.
type rangeController struct {
	params    RangeParams
	inst      exchange.Instrument
	levels    []decimal.Decimal
	orderSize decimal.Decimal
	maxPos    decimal.Decimal
	lower     decimal.Decimal
	upper     decimal.Decimal
	bandMid   decimal.Decimal
}

func newRange(raw map[string]any, instruments InstrumentSet) (Controller, error) {
	var p RangeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, fmt.Errorf("range: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	inst, err := instruments.Get(p.Instrument)
	if err != nil {
		return nil, fmt.Errorf("range: %w", err)
	}

	c := &rangeController{params: p, inst: inst}
	c.maxPos = decimal.NewFromFloat(p.MaxPosition)
	// Full inventory swings from -max to +max across the band, so each level
	// carries 2*max/levels.
	c.orderSize = inst.RoundQty(
		c.maxPos.Mul(decimal.NewFromInt(2)).Div(decimal.NewFromInt(int64(p.Levels))))
	if c.orderSize.LessThan(inst.MinQty) {
		return nil, fmt.Errorf("range: level size %s below venue minimum %s", c.orderSize, inst.MinQty)
	}

	c.lower = decimal.NewFromFloat(p.Lower)
	c.upper = decimal.NewFromFloat(p.Upper)
	c.bandMid = c.lower.Add(c.upper).Div(decimal.NewFromInt(2))
	step := c.upper.Sub(c.lower).Div(decimal.NewFromInt(int64(p.Levels - 1)))
	for i := 0; i < p.Levels; i++ {
		c.levels = append(c.levels, inst.RoundPrice(c.lower.Add(step.Mul(decimal.NewFromInt(int64(i))))))
	}
	return c, nil
}

func (r *rangeController) Type() Type            { return TypeRange }
func (r *rangeController) Instruments() []string { return []string{r.params.Instrument} }

func (r *rangeController) Tick(ctx context.Context, snaps Snapshots, raw json.RawMessage) (DesiredOrderSet, json.RawMessage, error) {
	snap, err := snaps.Get(r.params.Instrument)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	mid := snap.Mid()
	pos := snap.Position.Quantity

	// Outside the band the ladder goes quiet: no new quotes, keep running
	// until price comes back.
	if mid.LessThan(r.lower) || mid.GreaterThan(r.upper) {
		return DesiredOrderSet{Note: fmt.Sprintf("mid %s outside band [%s, %s], holding", mid, r.lower, r.upper)}, raw, nil
	}

	// Inventory caps translate straight into how many orders each side may
	// still carry.
	buyBudget := int(r.maxPos.Sub(pos).Div(r.orderSize).IntPart())
	sellBudget := int(r.maxPos.Add(pos).Div(r.orderSize).IntPart())

	type candidate struct {
		price decimal.Decimal
		side  exchange.Side
		dist  decimal.Decimal
	}
	var cands []candidate
	for _, price := range r.levels {
		side := exchange.SideBuy
		if price.GreaterThan(r.bandMid) {
			side = exchange.SideSell
		}
		// A level the mid has crossed would fill on contact; leave it empty
		// until price moves back through.
		if side == exchange.SideBuy && price.GreaterThanOrEqual(mid) {
			continue
		}
		if side == exchange.SideSell && price.LessThanOrEqual(mid) {
			continue
		}
		cands = append(cands, candidate{price: price, side: side, dist: mid.Sub(price).Abs()})
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if !cands[a].dist.Equal(cands[b].dist) {
			return cands[a].dist.LessThan(cands[b].dist)
		}
		return cands[a].price.LessThan(cands[b].price)
	})

	var out DesiredOrderSet
	for _, c := range cands {
		if len(out.Orders) >= r.params.MaxOrdersPerTick {
			break
		}
		switch c.side {
		case exchange.SideBuy:
			if buyBudget <= 0 {
				continue
			}
			buyBudget--
		case exchange.SideSell:
			if sellBudget <= 0 {
				continue
			}
			sellBudget--
		}
		out.Orders = append(out.Orders, exchange.OrderSpec{
			Instrument: r.params.Instrument,
			Side:       c.side,
			Type:       exchange.TypeLimit,
			Price:      c.price,
			Quantity:   r.orderSize,
		})
	}
	return out, raw, nil
}
