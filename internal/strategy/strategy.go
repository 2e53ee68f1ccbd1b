// Package strategy holds the per-family controllers. Each controller is a
// pure state machine: it receives fresh snapshots and its own persisted state
// record, and returns the desired order set plus the next state. Controllers
// never talk to the gateway; converging the venue onto the desired set is the
// reconciler's job.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
)

// Type tags the closed set of strategy families.
type Type string

const (
	TypeGrid      Type = "grid"
	TypeCashCarry Type = "cashcarry"
	TypeTWAP      Type = "twap"
	TypeRange     Type = "range"
	TypeEMAC      Type = "emac"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeGrid, TypeCashCarry, TypeTWAP, TypeRange, TypeEMAC:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown strategy type %q", s)
}

// Snapshots is the per-tick market view, one snapshot per instrument the
// controller declared.
type Snapshots map[string]exchange.Snapshot

func (s Snapshots) Get(instrument string) (exchange.Snapshot, error) {
	snap, ok := s[instrument]
	if !ok {
		return exchange.Snapshot{}, fmt.Errorf("no snapshot for %s", instrument)
	}
	return snap, nil
}

// DesiredOrderSet is the target venue state for one tick. Ephemeral and
// recomputed every cycle; idempotent by construction.
type DesiredOrderSet struct {
	Orders []exchange.OrderSpec

	// NeedsReview asks the operator to look at the instance without
	// stopping it (e.g. a grid degraded below two levels).
	NeedsReview bool
	// Done signals the instance has nothing left to do and should wind
	// down cleanly (TWAP completed, cash-and-carry unwound).
	Done bool
	Note string
}

// Controller is one strategy family state machine.
type Controller interface {
	Type() Type

	// Instruments lists every instrument the controller needs snapshots
	// and reconciliation for. Fixed for the lifetime of the instance.
	Instruments() []string

	// Tick consumes the snapshots and the previous state record and
	// returns the desired order set plus the next state record. State is
	// an explicit JSON document; controllers keep no hidden fields.
	Tick(ctx context.Context, snaps Snapshots, state json.RawMessage) (DesiredOrderSet, json.RawMessage, error)
}

// Deps carries the collaborators a controller may need at construction.
type Deps struct {
	Candles exchange.CandleSource // indicator strategies only
}

// Instruments resolved ahead of construction; unknown instruments fail before
// the instance is ever scheduled.
type InstrumentSet map[string]exchange.Instrument

func (s InstrumentSet) Get(symbol string) (exchange.Instrument, error) {
	inst, ok := s[symbol]
	if !ok {
		return exchange.Instrument{}, fmt.Errorf("instrument %s not resolved", symbol)
	}
	return inst, nil
}

// New builds a controller for the given family. Parameter maps are decoded
// into the family's typed params and validated; any problem here is fatal at
// deployment time, never mid-run.
func New(t Type, params map[string]any, instruments InstrumentSet, deps Deps) (Controller, error) {
	switch t {
	case TypeGrid:
		return newGrid(params, instruments)
	case TypeCashCarry:
		return newCashCarry(params, instruments)
	case TypeTWAP:
		return newTWAP(params, instruments)
	case TypeRange:
		return newRange(params, instruments)
	case TypeEMAC:
		return newEMAC(params, instruments, deps.Candles)
	}
	return nil, fmt.Errorf("unknown strategy type %q", t)
}

// DefaultInterval is the tick interval used when the deployment does not set
// one explicitly.
func DefaultInterval(t Type) string {
	switch t {
	case TypeCashCarry:
		return "30s"
	case TypeTWAP:
		return "1m"
	case TypeEMAC:
		return "15m"
	default:
		return "1m"
	}
}

func decodeParams(src map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("decoding parameters: %w", err)
	}
	return nil
}

// roundQtySigned quantizes a signed quantity toward zero, so a rounded delta
// never overshoots its target.
func roundQtySigned(inst exchange.Instrument, q decimal.Decimal) decimal.Decimal {
	if q.IsNegative() {
		return inst.RoundQty(q.Neg()).Neg()
	}
	return inst.RoundQty(q)
}

func encodeState(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return b, nil
}

func decodeState(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}
	return nil
}
