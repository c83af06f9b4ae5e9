// Package venue defines the execution-venue surface consumed by the trading
// engine: order submission, cancellation and the inbound fill stream. The
// bot only drives these interfaces; the concrete implementation lives in
// the exchange sub-packages.
package venue

import (
	"context"
	"errors"
	"time"
)

// Side is the order side on the venue.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType mirrors the venue's order type enum.
type OrderType string

const (
	Market     OrderType = "MARKET"
	Limit      OrderType = "LIMIT"
	StopMarket OrderType = "STOP_MARKET"
)

// Order is an open order as reported by the venue.
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64 // limit price, 0 for market/stop
	TriggerPrice float64 // stop trigger, 0 otherwise
	ReduceOnly   bool
}

// Fill is delivered by the venue whenever an order (fully) executes.
type Fill struct {
	OrderID string
	Symbol  string
	Side    Side
	Qty     float64
	Price   float64
	Ts      time.Time
}

// Rejection is delivered when the venue refuses an order.
type Rejection struct {
	OrderID string
	Symbol  string
	Reason  string
}

// Position is the venue's view of the current position for a symbol.
// Qty is signed: positive long, negative short, zero flat.
type Position struct {
	Symbol     string
	Qty        float64
	EntryPrice float64
}

// ErrOrderNotFound is returned by Cancel when the order is already gone
// (filled, cancelled or never existed). Callers treat it as success.
var ErrOrderNotFound = errors.New("venue: order not found")

// Execution is the order-management surface of the venue.
type Execution interface {
	SubmitMarket(ctx context.Context, symbol string, side Side, qty float64, reduceOnly bool) (string, error)
	SubmitStopMarket(ctx context.Context, symbol string, side Side, qty, triggerPrice float64, reduceOnly bool) (string, error)
	SubmitLimit(ctx context.Context, symbol string, side Side, qty, price float64, reduceOnly bool) (string, error)
	Cancel(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Position(ctx context.Context, symbol string) (Position, error)
	Equity(ctx context.Context) (float64, error)
}
