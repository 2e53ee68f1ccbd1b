// Package exchange defines the venue-facing data model and the two
// collaborator contracts the engine consumes: a snapshot provider for market
// and account state, and an order gateway for order lifecycle operations.
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
	TypeStop   OrderType = "stop"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final; terminal orders can no longer
// be cancelled or filled further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// OrderSpec is an order the engine wants on the venue. It has no id yet;
// ids are assigned by the exchange at placement.
type OrderSpec struct {
	Instrument string
	Side       Side
	Type       OrderType
	Price      decimal.Decimal // zero for market orders
	Quantity   decimal.Decimal
	StopPrice  decimal.Decimal // trigger price for stop orders
	ReduceOnly bool
	ClientTag  string // instance-scoped tag for restart rediscovery
}

// Order is a live or historical order as reported by the venue. Owned by the
// gateway; controllers reference it by ID only.
type Order struct {
	ID         string
	Instrument string
	Side       Side
	Type       OrderType
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Filled     decimal.Decimal
	Status     OrderStatus
	ClientTag  string
	UpdatedAt  time.Time
}

// Position is net exposure on one instrument. Quantity is signed for perps
// (negative = short); spot positions are always non-negative.
type Position struct {
	Instrument string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

func (p Position) Flat() bool {
	return p.Quantity.IsZero()
}

// Instrument carries the venue trading rules needed for sizing and pricing.
type Instrument struct {
	Symbol      string
	Base        string
	Quote       string
	Perp        bool
	TickSize    decimal.Decimal // minimum price increment
	StepSize    decimal.Decimal // minimum quantity increment
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RoundPrice quantizes a price down to the instrument tick.
func (i Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return p
	}
	return p.Div(i.TickSize).Floor().Mul(i.TickSize)
}

// RoundQty quantizes a quantity down to the instrument step.
func (i Instrument) RoundQty(q decimal.Decimal) decimal.Decimal {
	if i.StepSize.IsZero() {
		return q
	}
	return q.Div(i.StepSize).Floor().Mul(i.StepSize)
}

// Snapshot is the per-tick view of one instrument plus the account behind it.
type Snapshot struct {
	Instrument Instrument
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	Time       time.Time

	OpenOrders []Order
	Position   Position
	Balances   map[string]decimal.Decimal // free balance per currency

	FundingRate decimal.Decimal // perps only; zero otherwise
}

// Mid returns the order book midpoint, falling back to last when one side of
// the book is empty.
func (s Snapshot) Mid() decimal.Decimal {
	if s.Bid.IsPositive() && s.Ask.IsPositive() {
		return s.Bid.Add(s.Ask).Div(decimal.NewFromInt(2))
	}
	return s.Last
}

func (s Snapshot) FreeBalance(currency string) decimal.Decimal {
	if s.Balances == nil {
		return decimal.Zero
	}
	return s.Balances[currency]
}
