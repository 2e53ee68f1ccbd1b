package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
)

// CashCarryParams configures a basis trade: long spot, short an equal size of
// the perpetual, collect funding while delta-neutral.
type CashCarryParams struct {
	SpotInstrument string  `mapstructure:"spot_instrument"`
	PerpInstrument string  `mapstructure:"perp_instrument"`
	Investment     float64 `mapstructure:"investment"` // quote notional of the spot leg
	SlippagePct    float64 `mapstructure:"slippage_pct"`
	MinFundingRate float64 `mapstructure:"min_funding_rate"` // wind down below this
	Unwind         bool    `mapstructure:"unwind"`           // operator-forced wind-down
}

func (p *CashCarryParams) applyDefaults() {
	if p.SlippagePct <= 0 {
		p.SlippagePct = 0.0005
	}
}

func (p CashCarryParams) validate() error {
	if p.SpotInstrument == "" || p.PerpInstrument == "" {
		return fmt.Errorf("cashcarry: both spot_instrument and perp_instrument are required")
	}
	if p.SpotInstrument == p.PerpInstrument {
		return fmt.Errorf("cashcarry: spot and perp legs must differ")
	}
	if p.Investment <= 0 {
		return fmt.Errorf("cashcarry: investment must be positive")
	}
	return nil
}

const (
	ccPhaseBuild  = "build"
	ccPhaseUnwind = "unwind"
)

type cashCarryState struct {
	Phase      string          `json:"phase"`
	TargetSize decimal.Decimal `json:"target_size"`
}

type cashCarryController struct {
	params CashCarryParams
	spot   exchange.Instrument
	perp   exchange.Instrument
}

func newCashCarry(raw map[string]any, instruments InstrumentSet) (Controller, error) {
	var p CashCarryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, fmt.Errorf("cashcarry: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	spot, err := instruments.Get(p.SpotInstrument)
	if err != nil {
		return nil, fmt.Errorf("cashcarry: %w", err)
	}
	perp, err := instruments.Get(p.PerpInstrument)
	if err != nil {
		return nil, fmt.Errorf("cashcarry: %w", err)
	}
	if spot.Perp {
		return nil, fmt.Errorf("cashcarry: %s is not a spot market", p.SpotInstrument)
	}
	if !perp.Perp {
		return nil, fmt.Errorf("cashcarry: %s is not a perpetual market", p.PerpInstrument)
	}
	return &cashCarryController{params: p, spot: spot, perp: perp}, nil
}

func (c *cashCarryController) Type() Type { return TypeCashCarry }

func (c *cashCarryController) Instruments() []string {
	return []string{c.params.SpotInstrument, c.params.PerpInstrument}
}

// Tick recomputes both leg deltas from live positions every cycle. A leg that
// filled last tick has a zero delta and produces nothing; a leg that was
// rejected still shows its gap and is retried, so a partially-hedged book
// converges without any retry bookkeeping.
func (c *cashCarryController) Tick(ctx context.Context, snaps Snapshots, raw json.RawMessage) (DesiredOrderSet, json.RawMessage, error) {
	spotSnap, err := snaps.Get(c.params.SpotInstrument)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	perpSnap, err := snaps.Get(c.params.PerpInstrument)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	var st cashCarryState
	if err := decodeState(raw, &st); err != nil {
		return DesiredOrderSet{}, raw, err
	}
	if st.Phase == "" {
		st.Phase = ccPhaseBuild
		st.TargetSize = c.spot.RoundQty(
			decimal.NewFromFloat(c.params.Investment).Div(spotSnap.Mid()))
	}

	funding, _ := perpSnap.FundingRate.Float64()
	if st.Phase == ccPhaseBuild && (c.params.Unwind || funding < c.params.MinFundingRate) {
		logger.Infof("cashcarry %s/%s: funding %.6f below %.6f, winding down",
			c.params.SpotInstrument, c.params.PerpInstrument, funding, c.params.MinFundingRate)
		st.Phase = ccPhaseUnwind
	}

	target := st.TargetSize
	if st.Phase == ccPhaseUnwind {
		target = decimal.Zero
	}

	var out DesiredOrderSet
	spotDelta := c.legDelta(target, spotSnap.Position.Quantity, c.spot)
	perpDelta := c.legDelta(target.Neg(), perpSnap.Position.Quantity, c.perp)
	if !spotDelta.IsZero() {
		out.Orders = append(out.Orders, c.legOrder(c.params.SpotInstrument, c.spot, spotSnap, spotDelta, st.Phase))
	}
	if !perpDelta.IsZero() {
		out.Orders = append(out.Orders, c.legOrder(c.params.PerpInstrument, c.perp, perpSnap, perpDelta, st.Phase))
	}

	if st.Phase == ccPhaseUnwind && spotDelta.IsZero() && perpDelta.IsZero() {
		out.Done = true
		out.Note = "both legs flat after wind-down"
	}

	next, err := encodeState(st)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	return out, next, nil
}

// legDelta is the signed quantity still needed to reach the leg target,
// clipped to zero below the venue minimum so dust never churns.
func (c *cashCarryController) legDelta(target, current decimal.Decimal, inst exchange.Instrument) decimal.Decimal {
	delta := roundQtySigned(inst, target.Sub(current))
	if delta.Abs().LessThan(inst.MinQty) {
		return decimal.Zero
	}
	return delta
}

// legOrder crosses the spread by a bounded slippage allowance: buys lift the
// ask, sells hit the bid, each padded so the limit still fills in a fast tape
// without accepting an unbounded price.
func (c *cashCarryController) legOrder(instrument string, inst exchange.Instrument, snap exchange.Snapshot, delta decimal.Decimal, phase string) exchange.OrderSpec {
	slip := decimal.NewFromFloat(c.params.SlippagePct)
	one := decimal.NewFromInt(1)
	spec := exchange.OrderSpec{
		Instrument: instrument,
		Type:       exchange.TypeLimit,
		Quantity:   delta.Abs(),
		ReduceOnly: phase == ccPhaseUnwind && inst.Perp,
	}
	if delta.IsPositive() {
		spec.Side = exchange.SideBuy
		spec.Price = inst.RoundPrice(snap.Ask.Mul(one.Add(slip)))
	} else {
		spec.Side = exchange.SideSell
		spec.Price = inst.RoundPrice(snap.Bid.Mul(one.Sub(slip)))
	}
	return spec
}
