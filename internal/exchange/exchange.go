package exchange

import "context"

// SnapshotProvider supplies current market and account state on demand.
type SnapshotProvider interface {
	// GetSnapshot returns price, open orders, position and balances for one
	// instrument. Fails with *ConnectivityError on network failure and
	// *StaleDataError when the data is older than the freshness threshold.
	GetSnapshot(ctx context.Context, instrument string) (Snapshot, error)

	// GetInstrument returns the trading rules for an instrument. Unknown
	// instruments are a startup-fatal configuration error.
	GetInstrument(ctx context.Context, instrument string) (Instrument, error)
}

// OrderGateway submits, cancels and queries orders.
type OrderGateway interface {
	// Place submits an order and returns the exchange-assigned id, or a
	// *RejectionError when the venue refuses it.
	Place(ctx context.Context, spec OrderSpec) (string, error)

	// Cancel requests cancellation. Cancelling an order already in a
	// terminal state returns *AlreadyTerminalError.
	Cancel(ctx context.Context, instrument, orderID string) error

	// Poll returns the current status of an order.
	Poll(ctx context.Context, instrument, orderID string) (Order, error)
}
