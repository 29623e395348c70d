package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database. Writes are
// serialized with a single mutex since they come from multiple goroutines
// and write volume is low.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables if needed, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			trade_id TEXT PRIMARY KEY,
			symbol TEXT,
			strategy_id TEXT,
			entry_timestamp TEXT,
			entry_price REAL,
			exit_timestamp TEXT,
			exit_price REAL,
			quantity INTEGER,
			side TEXT,
			sl_price REAL,
			trailing_active INTEGER,
			high_water_profit REAL,
			pnl REAL,
			status TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			broker_order_id TEXT,
			trade_id TEXT,
			timestamp TEXT,
			symbol TEXT,
			order_type TEXT,
			side TEXT,
			price REAL,
			quantity INTEGER,
			status TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// UpsertTrade inserts or replaces a trade record.
func (s *SQLiteStore) UpsertTrade(ctx context.Context, t *TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades (
			trade_id, symbol, strategy_id, entry_timestamp, entry_price,
			exit_timestamp, exit_price, quantity, side, sl_price,
			trailing_active, high_water_profit, pnl, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.Symbol, t.StrategyID,
		formatTime(t.EntryTime), t.EntryPrice,
		formatTime(t.ExitTime), t.ExitPrice,
		t.Qty, string(t.Side), t.StopLoss,
		boolToInt(t.TrailingActive), t.HighWaterProfit,
		t.PnL, t.Status,
	)
	if err != nil {
		return fmt.Errorf("upserting trade %s: %w", t.TradeID, err)
	}
	return nil
}

// OpenTrades returns all trades with status OPEN.
func (s *SQLiteStore) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, strategy_id, entry_timestamp, entry_price,
		       exit_timestamp, exit_price, quantity, side, sl_price,
		       trailing_active, high_water_profit, pnl, status
		FROM trades WHERE status = ?`, TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("querying open trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var entryTS, exitTS, side string
		var trailing int
		if err := rows.Scan(
			&t.TradeID, &t.Symbol, &t.StrategyID, &entryTS, &t.EntryPrice,
			&exitTS, &t.ExitPrice, &t.Qty, &side, &t.StopLoss,
			&trailing, &t.HighWaterProfit, &t.PnL, &t.Status,
		); err != nil {
			return nil, fmt.Errorf("scanning trade row: %w", err)
		}
		t.EntryTime = parseTime(entryTS)
		t.ExitTime = parseTime(exitTS)
		t.Side = domain.Side(side)
		t.TrailingActive = trailing != 0
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// UpsertOrder inserts or replaces an order record.
func (s *SQLiteStore) UpsertOrder(ctx context.Context, o *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (
			order_id, broker_order_id, trade_id, timestamp, symbol,
			order_type, side, price, quantity, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.BrokerOrderID, o.TradeID,
		formatTime(o.Timestamp), o.Symbol,
		string(o.Type), string(o.Side), o.Price, o.Qty, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("upserting order %s: %w", o.OrderID, err)
	}
	return nil
}

// PendingOrders returns all orders still awaiting a terminal status.
func (s *SQLiteStore) PendingOrders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, broker_order_id, trade_id, timestamp, symbol,
		       order_type, side, price, quantity, status
		FROM orders WHERE status IN (?, ?)`,
		string(domain.OrderStatusPending), string(domain.OrderStatusSentToBroker))
	if err != nil {
		return nil, fmt.Errorf("querying pending orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		var ts, otype, side, status string
		if err := rows.Scan(
			&o.OrderID, &o.BrokerOrderID, &o.TradeID, &ts, &o.Symbol,
			&otype, &side, &o.Price, &o.Qty, &status,
		); err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		o.Timestamp = parseTime(ts)
		o.Type = domain.OrderType(otype)
		o.Side = domain.Side(side)
		o.Status = domain.OrderStatus(status)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// StateStore implementation
// ---------------------------------------------------------------------------

// SetState writes a system-state key.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO system_state (key, value) VALUES (?, ?)`,
		key, value)
	if err != nil {
		return fmt.Errorf("setting state %s: %w", key, err)
	}
	return nil
}

// GetState reads a system-state key. Missing keys return "" with no error.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting state %s: %w", key, err)
	}
	return value, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
