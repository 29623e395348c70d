// Package broker defines the Broker interface the trading core depends on
// and provides a Noren-style REST/WebSocket implementation plus an in-memory
// stub for paper trading and tests.
package broker

import (
	"context"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
)

// PriceKind selects how an order is priced at the broker.
type PriceKind string

const (
	PriceMarket PriceKind = "MKT"
	PriceLimit  PriceKind = "LMT"
	PriceStop   PriceKind = "SL-LMT"
)

// OrderRequest is a broker-level order placement request.
type OrderRequest struct {
	Symbol       string
	Side         domain.Side
	Qty          int
	PriceKind    PriceKind
	Price        float64
	TriggerPrice float64
}

// OrderResult is the broker's response to a placement or status query.
// Fields may be partially populated; callers must tolerate missing values.
type OrderResult struct {
	Status        domain.OrderStatus
	BrokerOrderID string
	AvgFillPrice  float64
	FilledQty     int
}

// NetPosition is a broker-reported open position.
type NetPosition struct {
	Symbol   string
	Side     domain.Side
	Qty      int
	AvgPrice float64
}

// BookOrder is a broker-reported order book entry.
type BookOrder struct {
	BrokerOrderID string
	Symbol        string
	Side          domain.Side
	Qty           int
	FilledQty     int
	AvgFillPrice  float64
	Status        domain.OrderStatus
}

// Broker abstracts the brokerage: order placement, queries, and the tick
// subscription. Every method may fail with a transport error; callers retry
// with bounded attempts.
type Broker interface {
	// Name returns the broker identifier (e.g. "noren", "stub").
	Name() string

	// PlaceOrder submits an order and returns the broker's response.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder requests cancellation of an order by broker order ID.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// OrderStatus queries the current status of an order.
	OrderStatus(ctx context.Context, brokerOrderID string) (*OrderResult, error)

	// Quote returns the last traded price for a symbol.
	Quote(ctx context.Context, symbol string) (float64, error)

	// OpenPositions returns the broker's view of open positions.
	OpenPositions(ctx context.Context) ([]NetPosition, error)

	// OrderBook returns the broker's view of today's orders.
	OrderBook(ctx context.Context) ([]BookOrder, error)

	// SubscribeTicks starts the tick stream for the given symbols. The
	// returned channel closes when the context is cancelled.
	SubscribeTicks(ctx context.Context, symbols []string) (<-chan domain.Tick, error)
}
