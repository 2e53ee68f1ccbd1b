package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
)

// GridParams configures a grid deployment. Spacing is either absolute
// (spacing_abs, in quote units) or geometric (spacing_pct, fraction of the
// reference price); exactly one must be set.
type GridParams struct {
	Instrument       string  `mapstructure:"instrument"`
	Direction        int     `mapstructure:"direction"` // 1 long, -1 short, 0 bidirectional
	Levels           int     `mapstructure:"levels"`
	SpacingAbs       float64 `mapstructure:"spacing_abs"`
	SpacingPct       float64 `mapstructure:"spacing_pct"`
	Investment       float64 `mapstructure:"investment"`
	TrailPct         float64 `mapstructure:"trail_pct"`     // directional trailing stop distance
	TPMultiplier     float64 `mapstructure:"tp_multiplier"` // directional take-profit scaling
	AtMid            string  `mapstructure:"at_mid"`        // buy, sell or skip
	StaleSteps       int     `mapstructure:"stale_steps"`
	MaxOrdersPerTick int     `mapstructure:"max_orders_per_tick"`
}

func (p *GridParams) applyDefaults() {
	if p.AtMid == "" {
		p.AtMid = "buy"
	}
	if p.StaleSteps <= 0 {
		p.StaleSteps = p.Levels
		if p.StaleSteps < 2 {
			p.StaleSteps = 2
		}
	}
	if p.MaxOrdersPerTick <= 0 {
		p.MaxOrdersPerTick = 16
	}
	if p.TPMultiplier <= 0 || p.Direction == 0 {
		p.TPMultiplier = 1
	}
}

func (p GridParams) validate() error {
	if p.Instrument == "" {
		return fmt.Errorf("grid: instrument is required")
	}
	if p.Levels < 2 {
		return fmt.Errorf("grid: at least 2 levels required, got %d", p.Levels)
	}
	if (p.SpacingAbs <= 0) == (p.SpacingPct <= 0) {
		return fmt.Errorf("grid: exactly one of spacing_abs or spacing_pct must be set")
	}
	if p.Investment <= 0 {
		return fmt.Errorf("grid: investment must be positive")
	}
	if p.Direction < -1 || p.Direction > 1 {
		return fmt.Errorf("grid: direction must be -1, 0 or 1")
	}
	if p.Direction != 0 && p.TrailPct <= 0 {
		return fmt.Errorf("grid: trail_pct is required in directional mode")
	}
	switch p.AtMid {
	case "buy", "sell", "skip":
	default:
		return fmt.Errorf("grid: at_mid must be buy, sell or skip")
	}
	return nil
}

// GridLevel is one standing price level of the grid.
type GridLevel struct {
	Price  decimal.Decimal `json:"price"`
	Side   exchange.Side   `json:"side"`
	Filled bool            `json:"filled"`
}

type gridState struct {
	Reference    decimal.Decimal `json:"reference"`
	UnitSize     decimal.Decimal `json:"unit_size"`
	Levels       []GridLevel     `json:"levels"`
	TrailingStop decimal.Decimal `json:"trailing_stop"`
	NeedsReview  bool            `json:"needs_review,omitempty"`
}

type gridController struct {
	params GridParams
	inst   exchange.Instrument
}

func newGrid(raw map[string]any, instruments InstrumentSet) (Controller, error) {
	var p GridParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	inst, err := instruments.Get(p.Instrument)
	if err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	if p.Direction != 1 && !inst.Perp {
		return nil, fmt.Errorf("grid: short or bidirectional grids require a perpetual market")
	}
	return &gridController{params: p, inst: inst}, nil
}

func (g *gridController) Type() Type            { return TypeGrid }
func (g *gridController) Instruments() []string { return []string{g.params.Instrument} }

func (g *gridController) Tick(ctx context.Context, snaps Snapshots, raw json.RawMessage) (DesiredOrderSet, json.RawMessage, error) {
	snap, err := snaps.Get(g.params.Instrument)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	var st gridState
	if err := decodeState(raw, &st); err != nil {
		return DesiredOrderSet{}, raw, err
	}

	mid := snap.Mid()
	if len(st.Levels) == 0 {
		g.initState(&st, mid)
	}

	g.extendLevels(&st, mid)
	g.pruneStale(&st, mid)
	g.markFilled(&st, snap.Position.Quantity)

	var out DesiredOrderSet
	if len(unfilledLevels(st.Levels)) < 2 {
		st.NeedsReview = true
		out.NeedsReview = true
		out.Note = "fewer than 2 live grid levels remain"
		logger.Warnf("grid %s: %s", g.params.Instrument, out.Note)
	}

	out.Orders = g.levelOrders(st, mid)

	if g.params.Direction != 0 {
		g.updateTrailingStop(&st, mid)
		out.Orders = append(out.Orders, g.directionalOrders(st, snap)...)
	}

	next, err := encodeState(st)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	return out, next, nil
}

func (g *gridController) spacing(ref decimal.Decimal) decimal.Decimal {
	if g.params.SpacingAbs > 0 {
		return decimal.NewFromFloat(g.params.SpacingAbs)
	}
	return ref.Mul(decimal.NewFromFloat(g.params.SpacingPct))
}

func (g *gridController) initState(st *gridState, mid decimal.Decimal) {
	st.Reference = g.inst.RoundPrice(mid)
	levelCount := decimal.NewFromInt(int64(g.params.Levels))
	orderValue := decimal.NewFromFloat(g.params.Investment).Div(levelCount)
	st.UnitSize = g.inst.RoundQty(orderValue.Div(st.Reference))
	if st.UnitSize.LessThan(g.inst.MinQty) {
		st.UnitSize = g.inst.MinQty
	}

	space := g.spacing(st.Reference)
	perSide := g.params.Levels / 2
	hasMid := g.params.Levels%2 == 1

	switch g.params.Direction {
	case 0:
		for i := 1; i <= perSide; i++ {
			step := space.Mul(decimal.NewFromInt(int64(i)))
			st.Levels = append(st.Levels,
				GridLevel{Price: g.inst.RoundPrice(st.Reference.Sub(step)), Side: exchange.SideBuy},
				GridLevel{Price: g.inst.RoundPrice(st.Reference.Add(step)), Side: exchange.SideSell},
			)
		}
		if hasMid && g.params.AtMid != "skip" {
			side := exchange.SideBuy
			if g.params.AtMid == "sell" {
				side = exchange.SideSell
			}
			st.Levels = append(st.Levels, GridLevel{Price: st.Reference, Side: side})
		}
	default:
		// Directional grids ladder entries behind the price so the bot
		// accumulates into dips (long) or rallies (short).
		side := exchange.SideBuy
		sign := decimal.NewFromInt(-1)
		if g.params.Direction < 0 {
			side = exchange.SideSell
			sign = decimal.NewFromInt(1)
		}
		for i := 1; i <= g.params.Levels; i++ {
			step := space.Mul(decimal.NewFromInt(int64(i))).Mul(sign)
			st.Levels = append(st.Levels, GridLevel{Price: g.inst.RoundPrice(st.Reference.Add(step)), Side: side})
		}
	}
	sortLevels(st.Levels)
}

// extendLevels grows the grid outward when price escapes its outer bound,
// one level per tick.
func (g *gridController) extendLevels(st *gridState, mid decimal.Decimal) {
	if len(st.Levels) == 0 || g.params.Direction != 0 {
		return
	}
	space := g.spacing(st.Reference)
	lowest := st.Levels[0].Price
	highest := st.Levels[len(st.Levels)-1].Price
	if mid.LessThan(lowest) {
		st.Levels = append([]GridLevel{{Price: g.inst.RoundPrice(lowest.Sub(space)), Side: exchange.SideBuy}}, st.Levels...)
	} else if mid.GreaterThan(highest) {
		st.Levels = append(st.Levels, GridLevel{Price: g.inst.RoundPrice(highest.Add(space)), Side: exchange.SideSell})
	}
}

func (g *gridController) pruneStale(st *gridState, mid decimal.Decimal) {
	space := g.spacing(st.Reference)
	if space.IsZero() {
		return
	}
	limit := space.Mul(decimal.NewFromInt(int64(g.params.StaleSteps)))
	kept := st.Levels[:0]
	for _, lv := range st.Levels {
		if !lv.Filled && mid.Sub(lv.Price).Abs().GreaterThan(limit) {
			logger.Debugf("grid %s: pruning stale level %s %s", g.params.Instrument, lv.Side, lv.Price)
			continue
		}
		kept = append(kept, lv)
	}
	st.Levels = kept
}

// markFilled derives level fill flags from the net position: every full unit
// of signed exposure accounts for one level on that side, nearest the
// reference first. Recomputing from position keeps the table correct across
// restarts and missed fill notifications.
func (g *gridController) markFilled(st *gridState, position decimal.Decimal) {
	if st.UnitSize.IsZero() {
		return
	}
	buys := 0
	sells := 0
	if position.IsPositive() {
		buys = int(position.Div(st.UnitSize).IntPart())
	} else if position.IsNegative() {
		sells = int(position.Neg().Div(st.UnitSize).IntPart())
	}

	// Buy levels sorted descending (nearest reference first), sell levels
	// ascending.
	idxBuys := make([]int, 0, len(st.Levels))
	idxSells := make([]int, 0, len(st.Levels))
	for i, lv := range st.Levels {
		st.Levels[i].Filled = false
		if lv.Side == exchange.SideBuy {
			idxBuys = append(idxBuys, i)
		} else {
			idxSells = append(idxSells, i)
		}
	}
	sort.Slice(idxBuys, func(a, b int) bool {
		return st.Levels[idxBuys[a]].Price.GreaterThan(st.Levels[idxBuys[b]].Price)
	})
	sort.Slice(idxSells, func(a, b int) bool {
		return st.Levels[idxSells[a]].Price.LessThan(st.Levels[idxSells[b]].Price)
	})
	for i := 0; i < buys && i < len(idxBuys); i++ {
		st.Levels[idxBuys[i]].Filled = true
	}
	for i := 0; i < sells && i < len(idxSells); i++ {
		st.Levels[idxSells[i]].Filled = true
	}
}

// levelOrders builds the desired orders for all active unfilled levels,
// nearest price first, bounded by max_orders_per_tick.
func (g *gridController) levelOrders(st gridState, mid decimal.Decimal) []exchange.OrderSpec {
	type candidate struct {
		lv   GridLevel
		dist decimal.Decimal
	}
	var cands []candidate
	for _, lv := range st.Levels {
		if lv.Filled {
			continue
		}
		cands = append(cands, candidate{lv: lv, dist: mid.Sub(lv.Price).Abs()})
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if !cands[a].dist.Equal(cands[b].dist) {
			return cands[a].dist.LessThan(cands[b].dist)
		}
		return cands[a].lv.Price.LessThan(cands[b].lv.Price)
	})
	if len(cands) > g.params.MaxOrdersPerTick {
		cands = cands[:g.params.MaxOrdersPerTick]
	}
	orders := make([]exchange.OrderSpec, 0, len(cands))
	for _, c := range cands {
		orders = append(orders, exchange.OrderSpec{
			Instrument: g.params.Instrument,
			Side:       c.lv.Side,
			Type:       exchange.TypeLimit,
			Price:      c.lv.Price,
			Quantity:   st.UnitSize,
		})
	}
	return orders
}

// updateTrailingStop ratchets the stop in the favorable direction only. A
// long grid's stop rises with price and never falls; a short grid mirrors it.
func (g *gridController) updateTrailingStop(st *gridState, mid decimal.Decimal) {
	trail := decimal.NewFromFloat(g.params.TrailPct)
	one := decimal.NewFromInt(1)
	if g.params.Direction > 0 {
		candidate := g.inst.RoundPrice(mid.Mul(one.Sub(trail)))
		if st.TrailingStop.IsZero() || candidate.GreaterThan(st.TrailingStop) {
			st.TrailingStop = candidate
		}
	} else {
		candidate := g.inst.RoundPrice(mid.Mul(one.Add(trail)))
		if st.TrailingStop.IsZero() || candidate.LessThan(st.TrailingStop) {
			st.TrailingStop = candidate
		}
	}
}

// directionalOrders adds the protective stop and the take-profit ladder for
// trend-mode grids.
func (g *gridController) directionalOrders(st gridState, snap exchange.Snapshot) []exchange.OrderSpec {
	pos := snap.Position.Quantity
	if pos.IsZero() {
		return nil
	}
	var orders []exchange.OrderSpec

	stopSide := exchange.SideSell
	if g.params.Direction < 0 {
		stopSide = exchange.SideBuy
	}
	orders = append(orders, exchange.OrderSpec{
		Instrument: g.params.Instrument,
		Side:       stopSide,
		Type:       exchange.TypeStop,
		StopPrice:  st.TrailingStop,
		Quantity:   pos.Abs(),
		ReduceOnly: true,
	})

	// Take profit one (scaled) spacing beyond the reference; subsequent
	// entries push it out by tp_multiplier, as the filled count grows.
	filled := 0
	for _, lv := range st.Levels {
		if lv.Filled {
			filled++
		}
	}
	if filled > 0 {
		space := g.spacing(st.Reference)
		scale := decimal.NewFromFloat(g.params.TPMultiplier).Pow(decimal.NewFromInt(int64(filled - 1)))
		offset := space.Mul(scale)
		tpPrice := st.Reference.Add(offset)
		if g.params.Direction < 0 {
			tpPrice = st.Reference.Sub(offset)
		}
		orders = append(orders, exchange.OrderSpec{
			Instrument: g.params.Instrument,
			Side:       stopSide,
			Type:       exchange.TypeLimit,
			Price:      g.inst.RoundPrice(tpPrice),
			Quantity:   pos.Abs(),
			ReduceOnly: true,
		})
	}
	return orders
}

func unfilledLevels(levels []GridLevel) []GridLevel {
	var out []GridLevel
	for _, lv := range levels {
		if !lv.Filled {
			out = append(out, lv)
		}
	}
	return out
}

func sortLevels(levels []GridLevel) {
	sort.SliceStable(levels, func(a, b int) bool {
		return levels[a].Price.LessThan(levels[b].Price)
	})
}
