// Package risk validates proposed orders before they reach the gateway.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
)

type ViolationKind string

const (
	KindInsufficientBalance ViolationKind = "insufficient_balance"
	KindBelowMinimum        ViolationKind = "below_minimum"
	KindMaxExposure         ViolationKind = "max_exposure"
)

// Violation is a pre-submission refusal. It is surfaced to the operator and
// never retried automatically; the caller decides whether to clip and resize.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk violation (%s): %s", v.Kind, v.Detail)
}

func IsViolation(err error) bool {
	_, ok := err.(*Violation)
	return ok
}

// Limits configures the gate. MaxExposure is the largest allowed notional
// position per instrument, in quote currency; zero disables the check.
type Limits struct {
	MaxExposure decimal.Decimal
	FeeBuffer   decimal.Decimal // fraction of notional reserved for fees, e.g. 0.002
}

type Gate struct {
	limits Limits
}

func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Check validates one order spec against the current account snapshot. Checks
// run in a fixed order and the first violation short-circuits: balance, then
// instrument minimums, then resulting exposure. A nil return means the order
// may be submitted.
func (g *Gate) Check(spec exchange.OrderSpec, snap exchange.Snapshot) error {
	inst := snap.Instrument

	price := spec.Price
	if price.IsZero() {
		price = snap.Mid()
	}
	notional := price.Mul(spec.Quantity)

	if spec.Side == exchange.SideBuy || inst.Perp {
		required := notional.Mul(decimal.NewFromInt(1).Add(g.limits.FeeBuffer))
		free := snap.FreeBalance(inst.Quote)
		if free.LessThan(required) {
			return &Violation{
				Kind:   KindInsufficientBalance,
				Detail: fmt.Sprintf("need %s %s (incl. fee buffer), have %s", required, inst.Quote, free),
			}
		}
	} else {
		// Spot sell spends base currency.
		free := snap.FreeBalance(inst.Base)
		if free.LessThan(spec.Quantity) {
			return &Violation{
				Kind:   KindInsufficientBalance,
				Detail: fmt.Sprintf("need %s %s, have %s", spec.Quantity, inst.Base, free),
			}
		}
	}

	if spec.Quantity.LessThan(inst.MinQty) {
		return &Violation{
			Kind:   KindBelowMinimum,
			Detail: fmt.Sprintf("quantity %s below instrument minimum %s", spec.Quantity, inst.MinQty),
		}
	}
	if inst.MinNotional.IsPositive() && notional.LessThan(inst.MinNotional) {
		return &Violation{
			Kind:   KindBelowMinimum,
			Detail: fmt.Sprintf("notional %s below instrument minimum %s", notional, inst.MinNotional),
		}
	}

	if g.limits.MaxExposure.IsPositive() && !spec.ReduceOnly {
		resulting := snap.Position.Quantity.Add(spec.Side.Sign().Mul(spec.Quantity))
		exposure := resulting.Abs().Mul(price)
		if exposure.GreaterThan(g.limits.MaxExposure) {
			return &Violation{
				Kind:   KindMaxExposure,
				Detail: fmt.Sprintf("resulting exposure %s exceeds limit %s", exposure, g.limits.MaxExposure),
			}
		}
	}

	return nil
}

// Filter applies Check to a desired order set and splits it into admissible
// orders and violations. Order of the admissible slice is preserved.
func (g *Gate) Filter(specs []exchange.OrderSpec, snap exchange.Snapshot) ([]exchange.OrderSpec, []*Violation) {
	var ok []exchange.OrderSpec
	var bad []*Violation
	for _, spec := range specs {
		if err := g.Check(spec, snap); err != nil {
			bad = append(bad, err.(*Violation))
			continue
		}
		ok = append(ok, spec)
	}
	return ok, bad
}
