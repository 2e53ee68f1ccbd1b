package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"cryptobots/internal/exchange"
	symbolpkg "cryptobots/internal/pkg/symbol"
)

func (g *Gateway) GetSnapshot(ctx context.Context, instrument string) (exchange.Snapshot, error) {
	sym := symbolpkg.Parse(instrument)
	if sym.Base == "" {
		return exchange.Snapshot{}, fmt.Errorf("invalid instrument %q", instrument)
	}
	inst, err := g.GetInstrument(ctx, instrument)
	if err != nil {
		return exchange.Snapshot{}, err
	}

	var snap exchange.Snapshot
	if sym.Perp {
		snap, err = g.futuresSnapshot(ctx, instrument, sym)
	} else {
		snap, err = g.spotSnapshot(ctx, instrument, sym)
	}
	if err != nil {
		return exchange.Snapshot{}, err
	}
	snap.Instrument = inst

	if age := time.Since(snap.Time); age > g.cfg.StaleThreshold {
		return exchange.Snapshot{}, &exchange.StaleDataError{
			Instrument: instrument,
			Age:        age,
			Threshold:  g.cfg.StaleThreshold,
		}
	}
	return snap, nil
}

func (g *Gateway) futuresSnapshot(ctx context.Context, instrument string, sym symbolpkg.Symbol) (exchange.Snapshot, error) {
	clean := sym.Binance()
	snap := exchange.Snapshot{Time: time.Now()}

	books, err := g.fut.NewListBookTickersService().Symbol(clean).Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "futures book ticker " + instrument, Err: err}
	}
	if len(books) == 0 {
		return snap, fmt.Errorf("no book ticker for %s", instrument)
	}
	snap.Bid = parseDecimal(books[0].BidPrice)
	snap.Ask = parseDecimal(books[0].AskPrice)
	if books[0].Time > 0 {
		snap.Time = time.UnixMilli(books[0].Time)
	}

	positions, err := g.fut.NewGetPositionRiskService().Symbol(clean).Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "futures position " + instrument, Err: err}
	}
	snap.Position = exchange.Position{Instrument: instrument}
	for _, p := range positions {
		if p == nil {
			continue
		}
		snap.Position.Quantity = snap.Position.Quantity.Add(parseDecimal(p.PositionAmt))
		snap.Position.EntryPrice = parseDecimal(p.EntryPrice)
	}

	balances, err := g.fut.NewGetBalanceService().Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "futures balances", Err: err}
	}
	snap.Balances = make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		if b == nil {
			continue
		}
		snap.Balances[b.Asset] = parseDecimal(b.AvailableBalance)
	}

	open, err := g.fut.NewListOpenOrdersService().Symbol(clean).Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "futures open orders " + instrument, Err: err}
	}
	for _, o := range open {
		if o == nil {
			continue
		}
		snap.OpenOrders = append(snap.OpenOrders, futuresOrder(instrument, o))
	}

	premium, err := g.fut.NewPremiumIndexService().Symbol(clean).Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "futures premium index " + instrument, Err: err}
	}
	if len(premium) > 0 && premium[0] != nil {
		snap.FundingRate = parseDecimal(premium[0].LastFundingRate)
	}

	snap.Last = snap.Mid()
	return snap, nil
}

func (g *Gateway) spotSnapshot(ctx context.Context, instrument string, sym symbolpkg.Symbol) (exchange.Snapshot, error) {
	clean := sym.Binance()
	snap := exchange.Snapshot{Time: time.Now()}

	books, err := g.spot.NewListBookTickersService().Symbol(clean).Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "spot book ticker " + instrument, Err: err}
	}
	if len(books) == 0 {
		return snap, fmt.Errorf("no book ticker for %s", instrument)
	}
	snap.Bid = parseDecimal(books[0].BidPrice)
	snap.Ask = parseDecimal(books[0].AskPrice)

	account, err := g.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "spot account", Err: err}
	}
	snap.Balances = make(map[string]decimal.Decimal, len(account.Balances))
	for _, b := range account.Balances {
		snap.Balances[b.Asset] = parseDecimal(b.Free)
	}

	// Spot has no position concept; the base holding plays that role so
	// controllers size spot and perp legs the same way.
	holding := parseDecimal(balanceOf(account.Balances, sym.Base))
	snap.Position = exchange.Position{Instrument: instrument, Quantity: holding}

	open, err := g.spot.NewListOpenOrdersService().Symbol(clean).Do(ctx)
	if err != nil {
		return snap, &exchange.ConnectivityError{Op: "spot open orders " + instrument, Err: err}
	}
	for _, o := range open {
		if o == nil {
			continue
		}
		snap.OpenOrders = append(snap.OpenOrders, spotOrder(instrument, o))
	}

	snap.Last = snap.Mid()
	return snap, nil
}

func balanceOf(balances []binance.Balance, asset string) string {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return "0"
}

// GetInstrument resolves trading rules from exchange info, cached for the
// process lifetime.
func (g *Gateway) GetInstrument(ctx context.Context, instrument string) (exchange.Instrument, error) {
	g.mu.RLock()
	if inst, ok := g.instruments[instrument]; ok {
		g.mu.RUnlock()
		return inst, nil
	}
	g.mu.RUnlock()

	sym := symbolpkg.Parse(instrument)
	if sym.Base == "" {
		return exchange.Instrument{}, fmt.Errorf("invalid instrument %q", instrument)
	}

	var (
		inst exchange.Instrument
		err  error
	)
	if sym.Perp {
		inst, err = g.futuresInstrument(ctx, instrument, sym)
	} else {
		inst, err = g.spotInstrument(ctx, instrument, sym)
	}
	if err != nil {
		return exchange.Instrument{}, err
	}

	g.mu.Lock()
	g.instruments[instrument] = inst
	g.mu.Unlock()
	return inst, nil
}

func (g *Gateway) futuresInstrument(ctx context.Context, instrument string, sym symbolpkg.Symbol) (exchange.Instrument, error) {
	info, err := g.fut.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return exchange.Instrument{}, &exchange.ConnectivityError{Op: "futures exchange info", Err: err}
	}
	clean := sym.Binance()
	for _, s := range info.Symbols {
		if s.Symbol != clean {
			continue
		}
		inst := exchange.Instrument{
			Symbol: instrument,
			Base:   sym.Base,
			Quote:  sym.Quote,
			Perp:   true,
		}
		applyFilters(&inst, s.Filters)
		return inst, nil
	}
	return exchange.Instrument{}, fmt.Errorf("unknown futures instrument %q", instrument)
}

func (g *Gateway) spotInstrument(ctx context.Context, instrument string, sym symbolpkg.Symbol) (exchange.Instrument, error) {
	clean := sym.Binance()
	info, err := g.spot.NewExchangeInfoService().Symbol(clean).Do(ctx)
	if err != nil {
		return exchange.Instrument{}, &exchange.ConnectivityError{Op: "spot exchange info", Err: err}
	}
	for _, s := range info.Symbols {
		if s.Symbol != clean {
			continue
		}
		inst := exchange.Instrument{
			Symbol: instrument,
			Base:   sym.Base,
			Quote:  sym.Quote,
		}
		applyFilters(&inst, s.Filters)
		return inst, nil
	}
	return exchange.Instrument{}, fmt.Errorf("unknown spot instrument %q", instrument)
}

// applyFilters reads the venue filter list. Filters arrive as loosely typed
// maps; gjson keeps the extraction tolerant of fields each market omits.
func applyFilters(inst *exchange.Instrument, filters []map[string]interface{}) {
	raw, err := json.Marshal(filters)
	if err != nil {
		return
	}
	get := func(filterType, field string) decimal.Decimal {
		v := gjson.GetBytes(raw, fmt.Sprintf(`#(filterType=="%s").%s`, filterType, field))
		if !v.Exists() {
			return decimal.Zero
		}
		return parseDecimal(v.String())
	}
	inst.TickSize = get("PRICE_FILTER", "tickSize")
	inst.StepSize = get("LOT_SIZE", "stepSize")
	inst.MinQty = get("LOT_SIZE", "minQty")
	inst.MinNotional = get("MIN_NOTIONAL", "minNotional")
	if inst.MinNotional.IsZero() {
		inst.MinNotional = get("MIN_NOTIONAL", "notional")
	}
	if inst.MinNotional.IsZero() {
		inst.MinNotional = get("NOTIONAL", "minNotional")
	}
}
