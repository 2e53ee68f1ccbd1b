package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
)

// SimConfig configures one virtual venue session. Candles must be ascending
// and include warmup bars before StartIdx for indicator strategies.
type SimConfig struct {
	Instrument     exchange.Instrument
	Candles        []exchange.Candle
	StartIdx       int
	InitialBalance decimal.Decimal // quote currency
	FeeRate        decimal.Decimal // fraction of notional per fill
	Slippage       decimal.Decimal // fraction applied to market/stop fills
	OnFill         func(Fill)
}

// Simulator replays candles as a virtual venue. It implements the same three
// contracts the live gateway does, so controllers, the risk gate and the
// reconciler run unmodified: snapshots come from the current bar, resting
// orders fill when the next bar trades through their price.
//
// Accounting is cash-based on the quote currency. Equity is cash plus the
// marked position; the position ledger tracks average entry so closed trades
// can be scored.
type Simulator struct {
	inst    exchange.Instrument
	candles []exchange.Candle
	idx     int

	cash     decimal.Decimal
	pos      decimal.Decimal
	avgEntry decimal.Decimal

	orders map[string]*exchange.Order
	seq    int64

	feeRate  decimal.Decimal
	slippage decimal.Decimal

	feesPaid     decimal.Decimal
	fills        int
	wins, losses int

	onFill func(Fill)
}

func NewSimulator(cfg SimConfig) (*Simulator, error) {
	if cfg.Instrument.Symbol == "" {
		return nil, fmt.Errorf("simulator requires an instrument")
	}
	if len(cfg.Candles) == 0 {
		return nil, fmt.Errorf("simulator requires candles")
	}
	if cfg.StartIdx < 0 || cfg.StartIdx >= len(cfg.Candles) {
		return nil, fmt.Errorf("start index %d out of range", cfg.StartIdx)
	}
	if !cfg.InitialBalance.IsPositive() {
		return nil, fmt.Errorf("initial balance must be positive")
	}
	return &Simulator{
		inst:     cfg.Instrument,
		candles:  cfg.Candles,
		idx:      cfg.StartIdx,
		cash:     cfg.InitialBalance,
		feeRate:  cfg.FeeRate,
		slippage: cfg.Slippage,
		orders:   make(map[string]*exchange.Order),
		onFill:   cfg.OnFill,
	}, nil
}

func (s *Simulator) bar() exchange.Candle {
	return s.candles[s.idx]
}

func (s *Simulator) closePrice() decimal.Decimal {
	return decimal.NewFromFloat(s.bar().Close)
}

// GetSnapshot builds the per-tick view from the current bar.
func (s *Simulator) GetSnapshot(ctx context.Context, instrument string) (exchange.Snapshot, error) {
	if instrument != s.inst.Symbol {
		return exchange.Snapshot{}, fmt.Errorf("simulator only serves %s", s.inst.Symbol)
	}
	px := s.closePrice()
	balances := map[string]decimal.Decimal{s.inst.Quote: s.cash}
	if !s.inst.Perp && s.pos.IsPositive() {
		balances[s.inst.Base] = s.pos
	}
	return exchange.Snapshot{
		Instrument: s.inst,
		Bid:        px,
		Ask:        px,
		Last:       px,
		Time:       time.UnixMilli(s.bar().CloseTime),
		OpenOrders: s.openOrders(),
		Position:   exchange.Position{Instrument: s.inst.Symbol, Quantity: s.pos, EntryPrice: s.avgEntry},
		Balances:   balances,
	}, nil
}

func (s *Simulator) GetInstrument(ctx context.Context, instrument string) (exchange.Instrument, error) {
	if instrument != s.inst.Symbol {
		return exchange.Instrument{}, fmt.Errorf("simulator only serves %s", s.inst.Symbol)
	}
	return s.inst, nil
}

func (s *Simulator) openOrders() []exchange.Order {
	var out []exchange.Order
	for _, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// Place accepts an order spec. Market orders fill at the current close with
// slippage; limit orders crossing the close fill immediately at the close,
// everything else rests for the next bar.
func (s *Simulator) Place(ctx context.Context, spec exchange.OrderSpec) (string, error) {
	if spec.Instrument != s.inst.Symbol {
		return "", &exchange.RejectionError{Spec: spec, Reason: "unknown instrument"}
	}
	if !spec.Quantity.IsPositive() {
		return "", &exchange.RejectionError{Spec: spec, Reason: "quantity must be positive"}
	}
	if spec.ReduceOnly {
		if s.pos.IsZero() || s.pos.Sign() == spec.Side.Sign().Sign() {
			return "", &exchange.RejectionError{Spec: spec, Reason: "reduce-only would increase position"}
		}
	}
	s.seq++
	id := fmt.Sprintf("sim-%d", s.seq)
	order := &exchange.Order{
		ID:         id,
		Instrument: spec.Instrument,
		Side:       spec.Side,
		Type:       spec.Type,
		Price:      spec.Price,
		Quantity:   spec.Quantity,
		Status:     exchange.StatusOpen,
		ClientTag:  spec.ClientTag,
		UpdatedAt:  time.UnixMilli(s.bar().CloseTime),
	}
	if spec.Type == exchange.TypeStop {
		order.Price = spec.StopPrice
	}
	s.orders[id] = order

	px := s.closePrice()
	switch spec.Type {
	case exchange.TypeMarket:
		s.fill(order, s.slip(px, spec.Side))
	case exchange.TypeLimit:
		if spec.Side == exchange.SideBuy && spec.Price.GreaterThanOrEqual(px) {
			s.fill(order, px)
		} else if spec.Side == exchange.SideSell && spec.Price.LessThanOrEqual(px) {
			s.fill(order, px)
		}
	}
	return id, nil
}

// Cancel marks an order cancelled. Terminal or unknown orders return
// *AlreadyTerminalError, matching the live gateway's race semantics.
func (s *Simulator) Cancel(ctx context.Context, instrument, orderID string) error {
	o, ok := s.orders[orderID]
	if !ok {
		return &exchange.AlreadyTerminalError{OrderID: orderID, Status: exchange.StatusCancelled}
	}
	if o.Status.Terminal() {
		return &exchange.AlreadyTerminalError{OrderID: orderID, Status: o.Status}
	}
	o.Status = exchange.StatusCancelled
	o.UpdatedAt = time.UnixMilli(s.bar().CloseTime)
	return nil
}

func (s *Simulator) Poll(ctx context.Context, instrument, orderID string) (exchange.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return exchange.Order{}, fmt.Errorf("order %s not found", orderID)
	}
	return *o, nil
}

// FetchHistory serves the closed bars up to the current one, so indicator
// controllers see exactly what they would have seen live.
func (s *Simulator) FetchHistory(ctx context.Context, instrument, interval string, limit int) ([]exchange.Candle, error) {
	if instrument != s.inst.Symbol {
		return nil, fmt.Errorf("simulator only serves %s", s.inst.Symbol)
	}
	window := s.candles[:s.idx+1]
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]exchange.Candle, len(window))
	copy(out, window)
	return out, nil
}

// Advance moves to the next bar and fills resting orders the bar traded
// through. Returns false when the series is exhausted.
func (s *Simulator) Advance() bool {
	if s.idx+1 >= len(s.candles) {
		return false
	}
	s.idx++
	bar := s.bar()
	low := decimal.NewFromFloat(bar.Low)
	high := decimal.NewFromFloat(bar.High)

	for _, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		switch o.Type {
		case exchange.TypeLimit:
			if o.Side == exchange.SideBuy && low.LessThanOrEqual(o.Price) {
				s.fill(o, o.Price)
			} else if o.Side == exchange.SideSell && high.GreaterThanOrEqual(o.Price) {
				s.fill(o, o.Price)
			}
		case exchange.TypeStop:
			if o.Side == exchange.SideSell && low.LessThanOrEqual(o.Price) {
				s.fill(o, s.slip(o.Price, o.Side))
			} else if o.Side == exchange.SideBuy && high.GreaterThanOrEqual(o.Price) {
				s.fill(o, s.slip(o.Price, o.Side))
			}
		}
	}
	return true
}

func (s *Simulator) slip(price decimal.Decimal, side exchange.Side) decimal.Decimal {
	if s.slippage.IsZero() {
		return price
	}
	adj := price.Mul(s.slippage)
	if side == exchange.SideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

func (s *Simulator) fill(o *exchange.Order, price decimal.Decimal) {
	qty := o.Quantity.Sub(o.Filled)
	if !qty.IsPositive() {
		return
	}
	notional := price.Mul(qty)
	fee := notional.Mul(s.feeRate)
	if o.Side == exchange.SideBuy {
		s.cash = s.cash.Sub(notional).Sub(fee)
		s.applyPosition(qty, price)
	} else {
		s.cash = s.cash.Add(notional).Sub(fee)
		s.applyPosition(qty.Neg(), price)
	}
	s.feesPaid = s.feesPaid.Add(fee)
	s.fills++
	o.Filled = o.Quantity
	o.Status = exchange.StatusFilled
	o.UpdatedAt = time.UnixMilli(s.bar().CloseTime)

	if s.onFill != nil {
		n, _ := notional.Float64()
		p, _ := price.Float64()
		q, _ := qty.Float64()
		f, _ := fee.Float64()
		s.onFill(Fill{
			Side:     string(o.Side),
			Type:     string(o.Type),
			Price:    p,
			Quantity: q,
			Notional: n,
			Fee:      f,
			TS:       s.bar().CloseTime,
		})
	}
}

// applyPosition updates the signed position and average entry, scoring closed
// quantity as a win or loss.
func (s *Simulator) applyPosition(delta, price decimal.Decimal) {
	old := s.pos
	next := old.Add(delta)
	switch {
	case old.IsZero() || old.Sign() == delta.Sign():
		oldAbs := old.Abs()
		deltaAbs := delta.Abs()
		total := oldAbs.Add(deltaAbs)
		if total.IsPositive() {
			s.avgEntry = s.avgEntry.Mul(oldAbs).Add(price.Mul(deltaAbs)).Div(total)
		}
	default:
		closed := decimal.Min(delta.Abs(), old.Abs())
		pnl := price.Sub(s.avgEntry).Mul(closed)
		if old.Sign() < 0 {
			pnl = pnl.Neg()
		}
		if pnl.IsPositive() {
			s.wins++
		} else if pnl.IsNegative() {
			s.losses++
		}
		if next.IsZero() {
			s.avgEntry = decimal.Zero
		} else if next.Sign() != old.Sign() {
			s.avgEntry = price
		}
	}
	s.pos = next
}

// Equity marks the position at the current close.
func (s *Simulator) Equity() decimal.Decimal {
	return s.cash.Add(s.pos.Mul(s.closePrice()))
}

func (s *Simulator) Cash() decimal.Decimal        { return s.cash }
func (s *Simulator) PositionQty() decimal.Decimal { return s.pos }
func (s *Simulator) FeesPaid() decimal.Decimal    { return s.feesPaid }
func (s *Simulator) Fills() int                   { return s.fills }
func (s *Simulator) WinsLosses() (int, int)       { return s.wins, s.losses }
func (s *Simulator) CurrentTime() int64           { return s.bar().CloseTime }
