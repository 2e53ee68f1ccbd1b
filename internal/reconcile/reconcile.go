// Package reconcile converges the live open-order set on the venue toward the
// desired order set a controller produced, issuing the minimal cancel/place
// operations. Orders already matching a desired entry within tolerance are
// left untouched, which preserves queue position and saves rate-limit budget.
package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
)

// Tolerance bounds how far a live order may drift from its desired entry and
// still count as matching. Defaults come from the instrument: one price tick
// and one quantity step.
type Tolerance struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

func ToleranceFor(inst exchange.Instrument) Tolerance {
	return Tolerance{Price: inst.TickSize, Qty: inst.StepSize}
}

// Match pairs a live order with the desired entry it satisfies.
type Match struct {
	OrderID string
	Spec    exchange.OrderSpec
}

// Plan is the minimal set of operations converging actual onto desired.
type Plan struct {
	Cancel []string
	Place  []exchange.OrderSpec
	Keep   []Match
}

func (p Plan) Empty() bool {
	return len(p.Cancel) == 0 && len(p.Place) == 0
}

// Diff computes the cancel/place plan. Matching is greedy over price-sorted
// inputs, so identical inputs always produce identical plans, and running the
// diff again after a clean apply yields an empty plan.
//
// Live orders already in a terminal state are ignored entirely: cancelling an
// order that has filled in the race window is a stale operation, and it must
// never enter the cancel set.
func Diff(desired []exchange.OrderSpec, actual []exchange.Order, tol Tolerance) Plan {
	wanted := make([]exchange.OrderSpec, len(desired))
	copy(wanted, desired)
	sort.SliceStable(wanted, func(i, j int) bool {
		if wanted[i].Side != wanted[j].Side {
			return wanted[i].Side < wanted[j].Side
		}
		return wanted[i].Price.LessThan(wanted[j].Price)
	})

	live := make([]exchange.Order, 0, len(actual))
	for _, o := range actual {
		if o.Status.Terminal() {
			continue
		}
		live = append(live, o)
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Side != live[j].Side {
			return live[i].Side < live[j].Side
		}
		if !live[i].Price.Equal(live[j].Price) {
			return live[i].Price.LessThan(live[j].Price)
		}
		return live[i].ID < live[j].ID
	})

	matched := make([]bool, len(live))
	var plan Plan
	for _, spec := range wanted {
		if spec.Type == exchange.TypeMarket {
			// Market orders never rest, nothing live can satisfy them.
			plan.Place = append(plan.Place, spec)
			continue
		}
		idx := -1
		for i, o := range live {
			if matched[i] {
				continue
			}
			if satisfies(o, spec, tol) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			matched[idx] = true
			plan.Keep = append(plan.Keep, Match{OrderID: live[idx].ID, Spec: spec})
			continue
		}
		plan.Place = append(plan.Place, spec)
	}

	seen := make(map[string]struct{}, len(live))
	for i, o := range live {
		if matched[i] {
			continue
		}
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		plan.Cancel = append(plan.Cancel, o.ID)
	}
	return plan
}

func satisfies(o exchange.Order, spec exchange.OrderSpec, tol Tolerance) bool {
	if o.Side != spec.Side || o.Instrument != spec.Instrument {
		return false
	}
	if o.Type != spec.Type {
		return false
	}
	if !within(o.Price, spec.Price, tol.Price) {
		return false
	}
	remaining := o.Quantity.Sub(o.Filled)
	return within(remaining, spec.Quantity, tol.Qty)
}

func within(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}
