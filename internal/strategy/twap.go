package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
)

// TWAPParams slices a parent order into equal child orders across a number of
// tick periods.
type TWAPParams struct {
	Instrument    string  `mapstructure:"instrument"`
	Side          string  `mapstructure:"side"`
	TotalQuantity float64 `mapstructure:"total_quantity"` // base units
	Periods       int     `mapstructure:"periods"`
	SlippagePct   float64 `mapstructure:"slippage_pct"`

	// MarketFallback sends the final period's slice as a market order so the
	// parent quantity completes even if the last limit would not fill.
	MarketFallback bool `mapstructure:"market_fallback"`
}

func (p *TWAPParams) applyDefaults() {
	if p.SlippagePct <= 0 {
		p.SlippagePct = 0.0005
	}
}

func (p TWAPParams) validate() error {
	if p.Instrument == "" {
		return fmt.Errorf("twap: instrument is required")
	}
	if p.Side != string(exchange.SideBuy) && p.Side != string(exchange.SideSell) {
		return fmt.Errorf("twap: side must be buy or sell, got %q", p.Side)
	}
	if p.TotalQuantity <= 0 {
		return fmt.Errorf("twap: total_quantity must be positive")
	}
	if p.Periods < 1 {
		return fmt.Errorf("twap: periods must be at least 1")
	}
	return nil
}

type twapState struct {
	Started         bool            `json:"started"`
	InitialPosition decimal.Decimal `json:"initial_position"`
	PeriodsDone     int             `json:"periods_done"`
}

type twapController struct {
	params TWAPParams
	inst   exchange.Instrument
	target decimal.Decimal // signed
}

func newTWAP(raw map[string]any, instruments InstrumentSet) (Controller, error) {
	var p TWAPParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, fmt.Errorf("twap: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	inst, err := instruments.Get(p.Instrument)
	if err != nil {
		return nil, fmt.Errorf("twap: %w", err)
	}
	target := decimal.NewFromFloat(p.TotalQuantity)
	if p.Side == string(exchange.SideSell) {
		target = target.Neg()
	}
	return &twapController{params: p, inst: inst, target: target}, nil
}

func (t *twapController) Type() Type            { return TypeTWAP }
func (t *twapController) Instruments() []string { return []string{t.params.Instrument} }

// Tick sizes each child order off the live remaining quantity, not off a
// precomputed schedule. Missed or partially filled slices automatically roll
// into the remaining periods, and the executed total can never overshoot the
// parent quantity.
func (t *twapController) Tick(ctx context.Context, snaps Snapshots, raw json.RawMessage) (DesiredOrderSet, json.RawMessage, error) {
	snap, err := snaps.Get(t.params.Instrument)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	var st twapState
	if err := decodeState(raw, &st); err != nil {
		return DesiredOrderSet{}, raw, err
	}
	if !st.Started {
		st.Started = true
		st.InitialPosition = snap.Position.Quantity
	}

	executed := snap.Position.Quantity.Sub(st.InitialPosition)
	remaining := t.target.Sub(executed)

	var out DesiredOrderSet
	if remaining.Abs().LessThan(t.inst.MinQty) {
		out.Done = true
		out.Note = fmt.Sprintf("executed %s of %s", executed, t.target)
		next, err := encodeState(st)
		if err != nil {
			return DesiredOrderSet{}, raw, err
		}
		return out, next, nil
	}

	periodsLeft := t.params.Periods - st.PeriodsDone
	if periodsLeft < 1 {
		periodsLeft = 1
	}
	slice := roundQtySigned(t.inst, remaining.Div(decimal.NewFromInt(int64(periodsLeft))))
	if slice.Abs().LessThan(t.inst.MinQty) {
		slice = t.inst.MinQty
		if remaining.IsNegative() {
			slice = slice.Neg()
		}
	}
	if slice.Abs().GreaterThan(remaining.Abs()) {
		slice = remaining
	}

	slip := decimal.NewFromFloat(t.params.SlippagePct)
	one := decimal.NewFromInt(1)
	spec := exchange.OrderSpec{
		Instrument: t.params.Instrument,
		Type:       exchange.TypeLimit,
		Quantity:   slice.Abs(),
	}
	if t.params.MarketFallback && periodsLeft <= 1 {
		spec.Type = exchange.TypeMarket
	}
	if slice.IsPositive() {
		spec.Side = exchange.SideBuy
		if spec.Type == exchange.TypeLimit {
			spec.Price = t.inst.RoundPrice(snap.Ask.Mul(one.Add(slip)))
		}
	} else {
		spec.Side = exchange.SideSell
		if spec.Type == exchange.TypeLimit {
			spec.Price = t.inst.RoundPrice(snap.Bid.Mul(one.Sub(slip)))
		}
	}
	out.Orders = append(out.Orders, spec)

	st.PeriodsDone++
	logger.Debugf("twap %s: period %d/%d slice=%s remaining=%s",
		t.params.Instrument, st.PeriodsDone, t.params.Periods, slice, remaining)

	next, err := encodeState(st)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	return out, next, nil
}
