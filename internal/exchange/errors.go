package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ConnectivityError marks a network-level failure. Tick-scoped: the runner
// retries next tick with backoff and mutates no state.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// StaleDataError means the snapshot timestamp exceeded the freshness
// threshold; the whole tick is aborted.
type StaleDataError struct {
	Instrument string
	Age        time.Duration
	Threshold  time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale snapshot for %s: age %s exceeds %s", e.Instrument, e.Age, e.Threshold)
}

// RejectionError is an order-level refusal from the venue. The order is
// excluded from the current diff and recomputed next tick.
type RejectionError struct {
	Spec   OrderSpec
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected (%s %s %s@%s): %s",
		e.Spec.Instrument, e.Spec.Side, e.Spec.Quantity, e.Spec.Price, e.Reason)
}

// AlreadyTerminalError is returned by Cancel when the order has already
// filled, cancelled, or been rejected. Treated as success for idempotence.
type AlreadyTerminalError struct {
	OrderID string
	Status  OrderStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("order %s already terminal (%s)", e.OrderID, e.Status)
}

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func IsStaleData(err error) bool {
	var se *StaleDataError
	return errors.As(err, &se)
}

func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

func IsAlreadyTerminal(err error) bool {
	var te *AlreadyTerminalError
	return errors.As(err, &te)
}
