// Package domain defines the core data types that flow through the trading
// pipeline: ticks, signals, orders, executions, and positions.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Tick is a single market data update for one symbol. Ticks are immutable
// once produced by the feed.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	LastPrice float64
	Volume    int64

	// Optional interval summary; zero when the feed does not supply it.
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Valid reports whether the tick carries the minimum fields required for
// processing. Invalid ticks are dropped at the feed boundary.
func (t Tick) Valid() bool {
	return t.Symbol != "" && t.LastPrice > 0 && !t.Timestamp.IsZero()
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// SignalType identifies the direction of an entry signal.
type SignalType string

const (
	SignalLongEntry  SignalType = "LONG_ENTRY"
	SignalShortEntry SignalType = "SHORT_ENTRY"
	SignalCallEntry  SignalType = "CE_ENTRY"
	SignalPutEntry   SignalType = "PE_ENTRY"
)

// Signal is a trading intent produced by the strategy and consumed exactly
// once by the risk gate.
type Signal struct {
	Symbol    string
	Timestamp time.Time
	Type      SignalType
	Strength  float64

	// CancelOrderID, when set, instructs the execution step to cancel the
	// named outstanding order before placing a new one.
	CancelOrderID string

	// Zones is the snapshot that triggered the signal, for audit logging.
	Zones *ZoneSnapshot
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderType identifies how an order is priced.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "SL"
)

// Side identifies the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "PENDING"
	OrderStatusSentToBroker OrderStatus = "SENT_TO_BROKER"
	OrderStatusComplete     OrderStatus = "COMPLETE"
	OrderStatusCancelled    OrderStatus = "CANCELLED"
	OrderStatusRejected     OrderStatus = "REJECTED"
)

// Reason codes attached to orders and executions so downstream stages know
// why an order exists.
const (
	ReasonEntry      = "ENTRY"
	ReasonStopLoss   = "SL_HIT"
	ReasonTakeProfit = "TP_HIT"
	ReasonSessionEnd = "SESSION_END"
	ReasonEmergency  = "EMERGENCY"
)

// Order is a request to trade, produced by the risk gate or the position
// manager. ID is assigned at creation and joins the order to its executions
// and its persisted record.
type Order struct {
	ID        string
	Symbol    string
	Timestamp time.Time
	Type      OrderType
	Side      Side
	Qty       int

	// LimitPrice and TriggerPrice are zero for market orders.
	LimitPrice   float64
	TriggerPrice float64

	// Reason records why this order was created (entry, SL hit, forced
	// session closure, ...).
	Reason string

	// CancelOrderID carries a cancel-and-replace instruction from the
	// strategy: cancel the named order before placing this one.
	CancelOrderID string

	// TradeID links a closing order back to the position it closes. Empty
	// for entry orders.
	TradeID string

	BrokerOrderID string
	Status        OrderStatus
}

// NewOrderID returns a globally unique order identifier.
func NewOrderID() string {
	return uuid.NewString()
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

// ExecStatus is the broker-reported outcome of an order.
type ExecStatus string

const (
	ExecFilled    ExecStatus = "FILLED"
	ExecRejected  ExecStatus = "REJECTED"
	ExecPartial   ExecStatus = "PARTIAL"
	ExecCancelled ExecStatus = "CANCELLED"
)

// Execution reports the outcome of an order. Price and quantity reflect what
// the broker filled, not what was requested.
type Execution struct {
	OrderID       string
	TradeID       string // set on exit fills, joins back to the position
	Symbol        string
	Timestamp     time.Time
	Status        ExecStatus
	FilledQty     int
	AvgFillPrice  float64
	BrokerOrderID string
	Side          Side

	// Exit marks an exit fill; ExitReason carries the reason code that
	// produced the closing order.
	Exit       bool
	ExitReason string
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// Position is an open holding tracked by the position manager. It is
// identified by the order ID of its opening execution and exists in memory
// only while open; closing persists the final record and discards the entry.
type Position struct {
	ID         string
	Symbol     string
	Side       Side
	EntryPrice float64
	Qty        int
	EntryTime  time.Time

	StopLoss   float64
	TakeProfit float64 // zero when no fixed target is set

	TrailingActive  bool
	HighWaterProfit float64
	LastPrice       float64
}

// UnrealizedProfit returns per-unit profit at the given price, signed so that
// favorable moves are positive for either side.
func (p *Position) UnrealizedProfit(price float64) float64 {
	if p.Side == SideBuy {
		return price - p.EntryPrice
	}
	return p.EntryPrice - price
}

// RealizedPnL returns the total profit and loss for an exit at the given
// price.
func (p *Position) RealizedPnL(exitPrice float64) float64 {
	return p.UnrealizedProfit(exitPrice) * float64(p.Qty)
}

// ---------------------------------------------------------------------------
// Zones
// ---------------------------------------------------------------------------

// ZoneSnapshot is the price band computed once per session from the
// calibration window. Immutable after calculation.
type ZoneSnapshot struct {
	Base         float64
	Upper        float64
	Lower        float64
	ATMStrike    float64
	CalculatedAt time.Time
}
