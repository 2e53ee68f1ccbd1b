package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
)

// EMACParams configures an EMA crossover follower: enter with the fast/slow
// cross when price agrees with the trend filter, protect the position with an
// ATR-scaled trailing stop.
type EMACParams struct {
	Instrument    string  `mapstructure:"instrument"`
	Interval      string  `mapstructure:"interval"`
	FastPeriod    int     `mapstructure:"fast_period"`
	SlowPeriod    int     `mapstructure:"slow_period"`
	TrendPeriod   int     `mapstructure:"trend_period"`
	ATRPeriod     int     `mapstructure:"atr_period"`
	ATRMultiplier float64 `mapstructure:"atr_multiplier"`
	TradePct      float64 `mapstructure:"trade_pct"` // fraction of NAV per entry
	SlippagePct   float64 `mapstructure:"slippage_pct"`
}

func (p *EMACParams) applyDefaults() {
	if p.Interval == "" {
		p.Interval = "1h"
	}
	if p.FastPeriod <= 0 {
		p.FastPeriod = 12
	}
	if p.SlowPeriod <= 0 {
		p.SlowPeriod = 26
	}
	if p.TrendPeriod <= 0 {
		p.TrendPeriod = 200
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = 14
	}
	if p.ATRMultiplier <= 0 {
		p.ATRMultiplier = 3
	}
	if p.SlippagePct <= 0 {
		p.SlippagePct = 0.0005
	}
}

func (p EMACParams) validate() error {
	if p.Instrument == "" {
		return fmt.Errorf("emac: instrument is required")
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("emac: fast_period %d must be below slow_period %d", p.FastPeriod, p.SlowPeriod)
	}
	if p.TradePct <= 0 || p.TradePct > 1 {
		return fmt.Errorf("emac: trade_pct must be in (0, 1], got %v", p.TradePct)
	}
	return nil
}

type emacState struct {
	StopPrice decimal.Decimal `json:"stop_price"`
}

type emacController struct {
	params  EMACParams
	inst    exchange.Instrument
	candles exchange.CandleSource
}

func newEMAC(raw map[string]any, instruments InstrumentSet, candles exchange.CandleSource) (Controller, error) {
	var p EMACParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, fmt.Errorf("emac: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	if candles == nil {
		return nil, fmt.Errorf("emac: candle source is required")
	}
	inst, err := instruments.Get(p.Instrument)
	if err != nil {
		return nil, fmt.Errorf("emac: %w", err)
	}
	return &emacController{params: p, inst: inst, candles: candles}, nil
}

func (e *emacController) Type() Type            { return TypeEMAC }
func (e *emacController) Instruments() []string { return []string{e.params.Instrument} }

func (e *emacController) lookback() int {
	n := e.params.SlowPeriod
	if e.params.TrendPeriod > n {
		n = e.params.TrendPeriod
	}
	if e.params.ATRPeriod > n {
		n = e.params.ATRPeriod
	}
	return n + 50
}

// Tick acts on at most one transition per cycle: an open position that lost
// its signal (or breached its stop) is closed first, and a fresh entry waits
// for the next flat tick. That keeps reversals from stacking a close and an
// open into the same reconciliation pass.
func (e *emacController) Tick(ctx context.Context, snaps Snapshots, raw json.RawMessage) (DesiredOrderSet, json.RawMessage, error) {
	snap, err := snaps.Get(e.params.Instrument)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	var st emacState
	if err := decodeState(raw, &st); err != nil {
		return DesiredOrderSet{}, raw, err
	}

	candles, err := e.candles.FetchHistory(ctx, e.params.Instrument, e.params.Interval, e.lookback())
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	if len(candles) < e.lookback()-10 {
		return DesiredOrderSet{}, raw, fmt.Errorf("emac: only %d candles for %s, need about %d",
			len(candles), e.params.Instrument, e.lookback())
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	last := len(closes) - 1
	fast := talib.Ema(closes, e.params.FastPeriod)[last]
	slow := talib.Ema(closes, e.params.SlowPeriod)[last]
	trend := talib.Ema(closes, e.params.TrendPeriod)[last]
	atr := talib.Atr(highs, lows, closes, e.params.ATRPeriod)[last]
	px := closes[last]

	dir := 0
	switch {
	case fast > slow && px > trend:
		dir = 1
	case fast < slow && px < trend:
		dir = -1
	}
	if dir < 0 && !e.inst.Perp {
		dir = 0 // spot cannot hold a short
	}

	pos := snap.Position.Quantity
	var out DesiredOrderSet

	switch {
	case !pos.IsZero():
		stopped := e.stopBreached(st.StopPrice, pos, snap.Mid())
		if dir != positionDir(pos) || stopped {
			if stopped {
				logger.Infof("emac %s: stop %s breached at %s, closing", e.params.Instrument, st.StopPrice, snap.Mid())
			}
			out.Orders = append(out.Orders, e.closeOrder(snap, pos))
			st.StopPrice = decimal.Zero
		} else {
			st.StopPrice = e.ratchetStop(st.StopPrice, pos, px, atr)
		}
	case dir != 0:
		qty := e.entrySize(snap)
		if qty.GreaterThanOrEqual(e.inst.MinQty) {
			out.Orders = append(out.Orders, e.entryOrder(snap, dir, qty))
			st.StopPrice = e.initialStop(dir, px, atr)
		}
	}

	next, err := encodeState(st)
	if err != nil {
		return DesiredOrderSet{}, raw, err
	}
	return out, next, nil
}

func positionDir(pos decimal.Decimal) int {
	switch {
	case pos.IsPositive():
		return 1
	case pos.IsNegative():
		return -1
	}
	return 0
}

func (e *emacController) stopBreached(stop, pos, mid decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if pos.IsPositive() {
		return mid.LessThanOrEqual(stop)
	}
	return mid.GreaterThanOrEqual(stop)
}

func (e *emacController) initialStop(dir int, px, atr float64) decimal.Decimal {
	offset := atr * e.params.ATRMultiplier
	if dir > 0 {
		return e.inst.RoundPrice(decimal.NewFromFloat(px - offset))
	}
	return e.inst.RoundPrice(decimal.NewFromFloat(px + offset))
}

func (e *emacController) ratchetStop(prev, pos decimal.Decimal, px, atr float64) decimal.Decimal {
	candidate := e.initialStop(positionDir(pos), px, atr)
	if prev.IsZero() {
		return candidate
	}
	if pos.IsPositive() && candidate.GreaterThan(prev) {
		return candidate
	}
	if pos.IsNegative() && candidate.LessThan(prev) {
		return candidate
	}
	return prev
}

func (e *emacController) entrySize(snap exchange.Snapshot) decimal.Decimal {
	nav := snap.FreeBalance(e.inst.Quote).
		Add(snap.Position.Quantity.Abs().Mul(snap.Mid()))
	notional := nav.Mul(decimal.NewFromFloat(e.params.TradePct))
	return e.inst.RoundQty(notional.Div(snap.Mid()))
}

func (e *emacController) entryOrder(snap exchange.Snapshot, dir int, qty decimal.Decimal) exchange.OrderSpec {
	slip := decimal.NewFromFloat(e.params.SlippagePct)
	one := decimal.NewFromInt(1)
	spec := exchange.OrderSpec{
		Instrument: e.params.Instrument,
		Type:       exchange.TypeLimit,
		Quantity:   qty,
	}
	if dir > 0 {
		spec.Side = exchange.SideBuy
		spec.Price = e.inst.RoundPrice(snap.Ask.Mul(one.Add(slip)))
	} else {
		spec.Side = exchange.SideSell
		spec.Price = e.inst.RoundPrice(snap.Bid.Mul(one.Sub(slip)))
	}
	return spec
}

func (e *emacController) closeOrder(snap exchange.Snapshot, pos decimal.Decimal) exchange.OrderSpec {
	slip := decimal.NewFromFloat(e.params.SlippagePct)
	one := decimal.NewFromInt(1)
	spec := exchange.OrderSpec{
		Instrument: e.params.Instrument,
		Type:       exchange.TypeLimit,
		Quantity:   pos.Abs(),
		ReduceOnly: e.inst.Perp,
	}
	if pos.IsPositive() {
		spec.Side = exchange.SideSell
		spec.Price = e.inst.RoundPrice(snap.Bid.Mul(one.Sub(slip)))
	} else {
		spec.Side = exchange.SideBuy
		spec.Price = e.inst.RoundPrice(snap.Ask.Mul(one.Add(slip)))
	}
	return spec
}
