package reconcile

import (
	"context"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
)

// Placed records one successful placement.
type Placed struct {
	OrderID string
	Spec    exchange.OrderSpec
}

// Failure records one operation that did not go through. The rest of the plan
// still executes; failures are never silently dropped.
type Failure struct {
	Op      string // "cancel" or "place"
	OrderID string // cancel failures
	Spec    exchange.OrderSpec
	Err     error
}

// Result is the partial outcome of applying a plan.
type Result struct {
	Cancelled []string
	Placed    []Placed
	Failures  []Failure
}

func (r Result) Clean() bool { return len(r.Failures) == 0 }

// Apply executes a plan against the gateway. Cancels run before placements so
// freed balance and position limits are available to the new orders. A cancel
// that finds the order already terminal counts as done: the venue reached the
// state we wanted by another road.
func Apply(ctx context.Context, gw exchange.OrderGateway, instrument string, plan Plan) Result {
	var res Result
	for _, id := range plan.Cancel {
		if err := gw.Cancel(ctx, instrument, id); err != nil {
			if exchange.IsAlreadyTerminal(err) {
				logger.Debugf("reconcile: cancel %s already terminal, skipping", id)
				res.Cancelled = append(res.Cancelled, id)
				continue
			}
			res.Failures = append(res.Failures, Failure{Op: "cancel", OrderID: id, Err: err})
			continue
		}
		res.Cancelled = append(res.Cancelled, id)
	}
	for _, spec := range plan.Place {
		id, err := gw.Place(ctx, spec)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Op: "place", Spec: spec, Err: err})
			continue
		}
		res.Placed = append(res.Placed, Placed{OrderID: id, Spec: spec})
	}
	if !res.Clean() {
		logger.Warnf("reconcile: %s applied with %d failures (cancelled=%d placed=%d)",
			instrument, len(res.Failures), len(res.Cancelled), len(res.Placed))
	}
	return res
}
