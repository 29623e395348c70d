// Package store defines the durable-store interfaces the engine depends on
// for crash recovery, and provides SQLite and Parquet implementations.
package store

import (
	"context"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
)

// System-state keys the engine reads and writes.
const (
	KeySystemHalted  = "SYSTEM_HALTED"
	KeyHaltTimestamp = "HALT_TIMESTAMP"
	KeyLastShutdown  = "LAST_SHUTDOWN"
	KeyTradesToday   = "TRADES_TODAY"
	KeyLossToday     = "LOSS_TODAY"
	KeyCountersDate  = "COUNTERS_DATE"
)

// TradeRecord is a row in the trades table. A trade spans a position's life
// from entry fill to exit fill.
type TradeRecord struct {
	TradeID    string
	Symbol     string
	StrategyID string
	EntryTime  time.Time
	EntryPrice float64
	ExitTime   time.Time
	ExitPrice  float64
	Qty        int
	Side       domain.Side
	StopLoss   float64
	PnL        float64
	Status     string // OPEN or CLOSED

	TrailingActive  bool
	HighWaterProfit float64
}

// Trade statuses.
const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"
)

// OrderRecord is a row in the orders table.
type OrderRecord struct {
	OrderID       string
	BrokerOrderID string
	TradeID       string
	Timestamp     time.Time
	Symbol        string
	Type          domain.OrderType
	Side          domain.Side
	Price         float64
	Qty           int
	Status        domain.OrderStatus
}

// TradeStore persists trade records.
type TradeStore interface {
	// UpsertTrade inserts or replaces a trade record keyed by TradeID.
	UpsertTrade(ctx context.Context, trade *TradeRecord) error

	// OpenTrades returns all trades with status OPEN.
	OpenTrades(ctx context.Context) ([]TradeRecord, error)
}

// OrderStore persists order records.
type OrderStore interface {
	// UpsertOrder inserts or replaces an order record keyed by OrderID.
	UpsertOrder(ctx context.Context, order *OrderRecord) error

	// PendingOrders returns all orders still awaiting a terminal status.
	PendingOrders(ctx context.Context) ([]OrderRecord, error)
}

// StateStore persists key/value system state.
type StateStore interface {
	// SetState writes a system-state key.
	SetState(ctx context.Context, key, value string) error

	// GetState reads a system-state key. Missing keys return "" with no
	// error.
	GetState(ctx context.Context, key string) (string, error)
}

// Store composes the three durable tables the engine needs.
type Store interface {
	TradeStore
	OrderStore
	StateStore
}
