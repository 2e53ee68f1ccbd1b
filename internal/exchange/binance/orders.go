package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"cryptobots/internal/exchange"
	symbolpkg "cryptobots/internal/pkg/symbol"
)

// unknownOrderCode is what Binance answers when cancelling an order that has
// already reached a terminal state.
const unknownOrderCode = -2011

func (g *Gateway) Place(ctx context.Context, spec exchange.OrderSpec) (string, error) {
	sym := symbolpkg.Parse(spec.Instrument)
	if sym.Base == "" {
		return "", fmt.Errorf("invalid instrument %q", spec.Instrument)
	}
	if sym.Perp {
		return g.placeFutures(ctx, spec, sym)
	}
	return g.placeSpot(ctx, spec, sym)
}

func (g *Gateway) placeFutures(ctx context.Context, spec exchange.OrderSpec, sym symbolpkg.Symbol) (string, error) {
	svc := g.fut.NewCreateOrderService().
		Symbol(sym.Binance()).
		Side(futuresSide(spec.Side)).
		Quantity(spec.Quantity.String())
	if spec.ClientTag != "" {
		svc = svc.NewClientOrderID(clientOrderID(spec.ClientTag))
	}
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	switch spec.Type {
	case exchange.TypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(spec.Price.String())
	case exchange.TypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case exchange.TypeStop:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(spec.StopPrice.String())
	default:
		return "", fmt.Errorf("unsupported order type %q", spec.Type)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", placeError(spec, err)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (g *Gateway) placeSpot(ctx context.Context, spec exchange.OrderSpec, sym symbolpkg.Symbol) (string, error) {
	svc := g.spot.NewCreateOrderService().
		Symbol(sym.Binance()).
		Side(spotSide(spec.Side)).
		Quantity(spec.Quantity.String())
	if spec.ClientTag != "" {
		svc = svc.NewClientOrderID(clientOrderID(spec.ClientTag))
	}
	switch spec.Type {
	case exchange.TypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(spec.Price.String())
	case exchange.TypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	default:
		return "", fmt.Errorf("order type %q not supported on spot", spec.Type)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", placeError(spec, err)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (g *Gateway) Cancel(ctx context.Context, instrument, orderID string) error {
	sym := symbolpkg.Parse(instrument)
	if sym.Base == "" {
		return fmt.Errorf("invalid instrument %q", instrument)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	if sym.Perp {
		_, err = g.fut.NewCancelOrderService().Symbol(sym.Binance()).OrderID(id).Do(ctx)
	} else {
		_, err = g.spot.NewCancelOrderService().Symbol(sym.Binance()).OrderID(id).Do(ctx)
	}
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == unknownOrderCode {
		status := exchange.StatusCancelled
		if order, pollErr := g.Poll(ctx, instrument, orderID); pollErr == nil {
			status = order.Status
		}
		return &exchange.AlreadyTerminalError{OrderID: orderID, Status: status}
	}
	return &exchange.ConnectivityError{Op: "cancel " + instrument + "/" + orderID, Err: err}
}

func (g *Gateway) Poll(ctx context.Context, instrument, orderID string) (exchange.Order, error) {
	sym := symbolpkg.Parse(instrument)
	if sym.Base == "" {
		return exchange.Order{}, fmt.Errorf("invalid instrument %q", instrument)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	if sym.Perp {
		o, err := g.fut.NewGetOrderService().Symbol(sym.Binance()).OrderID(id).Do(ctx)
		if err != nil {
			return exchange.Order{}, &exchange.ConnectivityError{Op: "poll " + instrument + "/" + orderID, Err: err}
		}
		return futuresOrder(instrument, o), nil
	}
	o, err := g.spot.NewGetOrderService().Symbol(sym.Binance()).OrderID(id).Do(ctx)
	if err != nil {
		return exchange.Order{}, &exchange.ConnectivityError{Op: "poll " + instrument + "/" + orderID, Err: err}
	}
	return spotOrder(instrument, o), nil
}

// placeError classifies placement failures: the venue answering with an API
// error is a rejection of this particular order, anything else is transport.
func placeError(spec exchange.OrderSpec, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &exchange.RejectionError{Spec: spec, Reason: apiErr.Message}
	}
	return &exchange.ConnectivityError{Op: "place " + spec.Instrument, Err: err}
}

// clientOrderID appends a random suffix so one instance tag can own many
// orders while staying recognizable for restart rediscovery.
func clientOrderID(tag string) string {
	suffix := uuid.NewString()[:8]
	id := tag + "-" + suffix
	if len(id) > 36 {
		id = id[len(id)-36:]
	}
	return id
}

func futuresSide(s exchange.Side) futures.SideType {
	if s == exchange.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func spotSide(s exchange.Side) binance.SideType {
	if s == exchange.SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func futuresOrder(instrument string, o *futures.Order) exchange.Order {
	return exchange.Order{
		ID:         strconv.FormatInt(o.OrderID, 10),
		Instrument: instrument,
		Side:       sideFrom(string(o.Side)),
		Type:       typeFrom(string(o.Type)),
		Price:      parseDecimal(o.Price),
		Quantity:   parseDecimal(o.OrigQuantity),
		Filled:     parseDecimal(o.ExecutedQuantity),
		Status:     statusFrom(string(o.Status)),
		ClientTag:  o.ClientOrderID,
		UpdatedAt:  time.UnixMilli(o.UpdateTime),
	}
}

func spotOrder(instrument string, o *binance.Order) exchange.Order {
	return exchange.Order{
		ID:         strconv.FormatInt(o.OrderID, 10),
		Instrument: instrument,
		Side:       sideFrom(string(o.Side)),
		Type:       typeFrom(string(o.Type)),
		Price:      parseDecimal(o.Price),
		Quantity:   parseDecimal(o.OrigQuantity),
		Filled:     parseDecimal(o.ExecutedQuantity),
		Status:     statusFrom(string(o.Status)),
		ClientTag:  o.ClientOrderID,
		UpdatedAt:  time.UnixMilli(o.UpdateTime),
	}
}

func sideFrom(s string) exchange.Side {
	if s == "SELL" {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func typeFrom(s string) exchange.OrderType {
	switch s {
	case "MARKET":
		return exchange.TypeMarket
	case "STOP", "STOP_MARKET", "STOP_LOSS", "STOP_LOSS_LIMIT":
		return exchange.TypeStop
	}
	return exchange.TypeLimit
}

func statusFrom(s string) exchange.OrderStatus {
	switch s {
	case "NEW":
		return exchange.StatusOpen
	case "PARTIALLY_FILLED":
		return exchange.StatusPartiallyFilled
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusCancelled
	case "REJECTED":
		return exchange.StatusRejected
	}
	return exchange.StatusPending
}
