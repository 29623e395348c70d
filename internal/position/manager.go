// Package position tracks open positions from entry fill to exit fill:
// stop-loss and trailing-stop monitoring on every tick, broker
// reconciliation at startup, and forced closure at session cutoff.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/broker"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
)

// ErrReconciliation is returned when the broker's view of open positions
// cannot be squared with the local store and manual review is required.
var ErrReconciliation = errors.New("position: reconciliation mismatch requires manual review")

// StopParams tune the stop-loss and trailing-stop behavior.
type StopParams struct {
	// SLPoints is the fixed initial stop distance from the entry price.
	SLPoints float64

	// TPMultiple sets an optional fixed target at SLPoints*TPMultiple from
	// entry; zero disables it.
	TPMultiple float64

	// TrailingActivation is the per-unit profit at which the stop starts
	// trailing the high-water mark.
	TrailingActivation float64

	// TrailingBuffer is the distance the trailing stop keeps below (for
	// longs) the high-water price.
	TrailingBuffer float64
}

// Manager owns every open position. Entry fills create positions, ticks
// drive the stop logic, and exit fills realize PnL, persist the closed trade
// and notify the PnL sink.
type Manager struct {
	params StopParams
	trades store.TradeStore
	log    *slog.Logger

	// pnlSink receives realized PnL as positions close (the risk gate).
	pnlSink func(ctx context.Context, pnl float64, at time.Time)

	mu        sync.Mutex
	positions map[string]*domain.Position
	// closing marks positions with an in-flight exit order so a stream of
	// ticks past the stop emits only one closing order.
	closing map[string]bool
}

// NewManager creates a position manager. pnlSink may be nil.
func NewManager(params StopParams, trades store.TradeStore, pnlSink func(ctx context.Context, pnl float64, at time.Time)) *Manager {
	return &Manager{
		params:    params,
		trades:    trades,
		log:       slog.Default().With("component", "position"),
		pnlSink:   pnlSink,
		positions: make(map[string]*domain.Position),
		closing:   make(map[string]bool),
	}
}

// Open returns a snapshot of the currently open positions.
func (m *Manager) Open() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// OnExecution folds a fill into the book. Entry fills open a position with
// its initial stop; exit fills close one and return the realized PnL through
// the sink. Rejected or cancelled executions only clear the closing flag so
// the stop can fire again.
func (m *Manager) OnExecution(ctx context.Context, exec *domain.Execution) error {
	if exec.Exit {
		return m.onExitExecution(ctx, exec)
	}
	if exec.Status != domain.ExecFilled && exec.Status != domain.ExecPartial {
		return nil
	}
	return m.openPosition(ctx, exec)
}

func (m *Manager) openPosition(ctx context.Context, exec *domain.Execution) error {
	pos := &domain.Position{
		ID:         exec.OrderID,
		Symbol:     exec.Symbol,
		Side:       exec.Side,
		EntryPrice: exec.AvgFillPrice,
		Qty:        exec.FilledQty,
		EntryTime:  exec.Timestamp,
		LastPrice:  exec.AvgFillPrice,
	}
	m.setInitialStops(pos)

	// Durable record first: a position the store cannot hold must not be
	// tracked in memory either.
	if err := m.persistOpen(ctx, pos); err != nil {
		return fmt.Errorf("persisting open trade %s: %w", pos.ID, err)
	}
	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.mu.Unlock()

	m.log.Info("position opened",
		"trade_id", pos.ID,
		"symbol", pos.Symbol,
		"side", string(pos.Side),
		"entry", pos.EntryPrice,
		"qty", pos.Qty,
		"stop_loss", pos.StopLoss,
	)
	if exec.Status == domain.ExecPartial {
		m.log.Warn("partial entry fill, position sized to filled quantity",
			"trade_id", pos.ID,
			"filled_qty", pos.Qty,
		)
	}
	return nil
}

// setInitialStops puts the fixed stop (and optional target) around the entry
// price by side.
func (m *Manager) setInitialStops(pos *domain.Position) {
	if pos.Side == domain.SideBuy {
		pos.StopLoss = pos.EntryPrice - m.params.SLPoints
		if m.params.TPMultiple > 0 {
			pos.TakeProfit = pos.EntryPrice + m.params.SLPoints*m.params.TPMultiple
		}
		return
	}
	pos.StopLoss = pos.EntryPrice + m.params.SLPoints
	if m.params.TPMultiple > 0 {
		pos.TakeProfit = pos.EntryPrice - m.params.SLPoints*m.params.TPMultiple
	}
}

func (m *Manager) onExitExecution(ctx context.Context, exec *domain.Execution) error {
	m.mu.Lock()
	pos, ok := m.positions[exec.TradeID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("exit execution for unknown position", "trade_id", exec.TradeID)
		return nil
	}
	if exec.Status != domain.ExecFilled && exec.Status != domain.ExecPartial {
		// Exit order failed; re-arm the stop so the next tick retries.
		delete(m.closing, exec.TradeID)
		m.mu.Unlock()
		m.log.Warn("exit order did not fill, stop re-armed",
			"trade_id", exec.TradeID,
			"status", string(exec.Status),
		)
		return nil
	}
	delete(m.positions, exec.TradeID)
	delete(m.closing, exec.TradeID)
	m.mu.Unlock()

	if exec.Status == domain.ExecPartial && exec.FilledQty < pos.Qty {
		m.log.Error("partial exit fill, residual quantity needs manual review",
			"trade_id", pos.ID,
			"requested_qty", pos.Qty,
			"filled_qty", exec.FilledQty,
		)
	}

	pnl := pos.RealizedPnL(exec.AvgFillPrice)
	if err := m.persistClosed(ctx, pos, exec, pnl); err != nil {
		return fmt.Errorf("persisting closed trade %s: %w", pos.ID, err)
	}
	m.log.Info("position closed",
		"trade_id", pos.ID,
		"symbol", pos.Symbol,
		"exit", exec.AvgFillPrice,
		"pnl", pnl,
		"reason", exec.ExitReason,
	)
	if m.pnlSink != nil {
		m.pnlSink(ctx, pnl, exec.Timestamp)
	}
	return nil
}

// OnTick updates positions in the tick's symbol: high-water mark, trailing
// activation, stop tightening, and stop/target triggers. It returns at most
// one closing order per position.
func (m *Manager) OnTick(ctx context.Context, tick domain.Tick) []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []*domain.Order
	var dirty []*domain.Position
	for id, pos := range m.positions {
		if pos.Symbol != tick.Symbol || m.closing[id] {
			continue
		}
		pos.LastPrice = tick.LastPrice

		profit := pos.UnrealizedProfit(tick.LastPrice)
		if profit > pos.HighWaterProfit {
			pos.HighWaterProfit = profit
		}

		prevStop, prevActive := pos.StopLoss, pos.TrailingActive
		if !pos.TrailingActive && pos.HighWaterProfit >= m.params.TrailingActivation {
			pos.TrailingActive = true
			m.log.Info("trailing stop activated",
				"trade_id", id,
				"high_water_profit", pos.HighWaterProfit,
			)
		}
		if pos.TrailingActive {
			m.tightenStop(pos)
		}
		if pos.StopLoss != prevStop || pos.TrailingActive != prevActive {
			dirty = append(dirty, pos)
		}

		if reason := m.exitReason(pos, tick.LastPrice); reason != "" {
			m.closing[id] = true
			orders = append(orders, m.closingOrderLocked(pos, reason, tick.Timestamp))
		}
	}

	// Every stop movement goes straight to the store so a crash recovers the
	// tightened stop, not the one from entry time.
	for _, pos := range dirty {
		if err := m.persistOpen(ctx, pos); err != nil {
			m.log.Error("persisting stop update", "trade_id", pos.ID, "error", err)
		}
	}
	return orders
}

// tightenStop ratchets the stop toward the high-water mark. The stop only
// ever tightens, never loosens.
func (m *Manager) tightenStop(pos *domain.Position) {
	if pos.Side == domain.SideBuy {
		candidate := pos.EntryPrice + pos.HighWaterProfit - m.params.TrailingBuffer
		if candidate > pos.StopLoss {
			pos.StopLoss = candidate
		}
		return
	}
	candidate := pos.EntryPrice - pos.HighWaterProfit + m.params.TrailingBuffer
	if candidate < pos.StopLoss {
		pos.StopLoss = candidate
	}
}

func (m *Manager) exitReason(pos *domain.Position, price float64) string {
	if pos.Side == domain.SideBuy {
		if price <= pos.StopLoss {
			return domain.ReasonStopLoss
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return domain.ReasonTakeProfit
		}
		return ""
	}
	if price >= pos.StopLoss {
		return domain.ReasonStopLoss
	}
	if pos.TakeProfit > 0 && price <= pos.TakeProfit {
		return domain.ReasonTakeProfit
	}
	return ""
}

// closingOrderLocked builds the exit order for a position. Caller holds m.mu.
func (m *Manager) closingOrderLocked(pos *domain.Position, reason string, at time.Time) *domain.Order {
	m.log.Info("exit triggered",
		"trade_id", pos.ID,
		"symbol", pos.Symbol,
		"reason", reason,
		"stop_loss", pos.StopLoss,
		"last_price", pos.LastPrice,
	)
	return &domain.Order{
		ID:        domain.NewOrderID(),
		Symbol:    pos.Symbol,
		Timestamp: at,
		Type:      domain.OrderTypeMarket,
		Side:      pos.Side.Opposite(),
		Qty:       pos.Qty,
		Reason:    reason,
		TradeID:   pos.ID,
		Status:    domain.OrderStatusPending,
	}
}

// CloseAll emits closing orders for every open position, used at session
// cutoff and during emergency shutdown.
func (m *Manager) CloseAll(reason string, at time.Time) []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []*domain.Order
	for id, pos := range m.positions {
		if m.closing[id] {
			continue
		}
		m.closing[id] = true
		orders = append(orders, m.closingOrderLocked(pos, reason, at))
	}
	if len(orders) > 0 {
		m.log.Info("closing all open positions", "count", len(orders), "reason", reason)
	}
	return orders
}

// Reconcile loads OPEN trades from the store and squares them against the
// broker's position book. Positions the broker no longer holds are marked
// closed at their last known price; broker positions with no local record are
// adopted into the book at the broker's average price. A broker position that
// cannot be priced is genuinely ambiguous and fails with ErrReconciliation.
func (m *Manager) Reconcile(ctx context.Context, b broker.Broker) error {
	stored, err := m.trades.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}
	brokerPositions, err := b.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("querying broker positions: %w", err)
	}

	held := make(map[string]int)
	avg := make(map[string]float64)
	side := make(map[string]domain.Side)
	for _, np := range brokerPositions {
		held[np.Symbol] += np.Qty
		avg[np.Symbol] = np.AvgPrice
		side[np.Symbol] = np.Side
	}

	var recovered []*domain.Position
	for _, rec := range stored {
		if held[rec.Symbol] >= rec.Qty {
			recovered = append(recovered, &domain.Position{
				ID:              rec.TradeID,
				Symbol:          rec.Symbol,
				Side:            rec.Side,
				EntryPrice:      rec.EntryPrice,
				Qty:             rec.Qty,
				EntryTime:       rec.EntryTime,
				StopLoss:        rec.StopLoss,
				TrailingActive:  rec.TrailingActive,
				HighWaterProfit: rec.HighWaterProfit,
				LastPrice:       rec.EntryPrice,
			})
			held[rec.Symbol] -= rec.Qty
			m.log.Info("recovered open position",
				"trade_id", rec.TradeID,
				"symbol", rec.Symbol,
				"stop_loss", rec.StopLoss,
			)
			continue
		}

		// Locally open but gone at the broker: it was closed while we were
		// down. Mark it closed at entry price; the true exit is unknowable.
		m.log.Warn("stored position absent at broker, marking closed",
			"trade_id", rec.TradeID,
			"symbol", rec.Symbol,
		)
		rec := rec
		rec.Status = store.TradeClosed
		rec.ExitTime = time.Now()
		rec.ExitPrice = rec.EntryPrice
		if err := m.trades.UpsertTrade(ctx, &rec); err != nil {
			return fmt.Errorf("closing orphaned trade %s: %w", rec.TradeID, err)
		}
	}

	// Broker positions with no local record get adopted so the stop logic
	// covers them from the first tick.
	for symbol, qty := range held {
		if qty <= 0 {
			continue
		}
		if avg[symbol] <= 0 {
			m.log.Error("broker holds position with no usable entry price",
				"symbol", symbol,
				"qty", qty,
			)
			return fmt.Errorf("%w: unpriceable broker position %s x%d", ErrReconciliation, symbol, qty)
		}
		pos := &domain.Position{
			ID:         domain.NewOrderID(),
			Symbol:     symbol,
			Side:       side[symbol],
			EntryPrice: avg[symbol],
			Qty:        qty,
			EntryTime:  time.Now(),
			LastPrice:  avg[symbol],
		}
		if pos.Side == "" {
			pos.Side = domain.SideBuy
		}
		m.setInitialStops(pos)
		if err := m.persistOpen(ctx, pos); err != nil {
			return fmt.Errorf("%w: adopting broker position %s: %v", ErrReconciliation, symbol, err)
		}
		recovered = append(recovered, pos)
		m.log.Warn("adopted broker position with no local record",
			"trade_id", pos.ID,
			"symbol", symbol,
			"qty", qty,
			"entry", pos.EntryPrice,
		)
	}

	m.mu.Lock()
	for _, pos := range recovered {
		m.positions[pos.ID] = pos
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) persistOpen(ctx context.Context, pos *domain.Position) error {
	return m.trades.UpsertTrade(ctx, &store.TradeRecord{
		TradeID:         pos.ID,
		Symbol:          pos.Symbol,
		StrategyID:      "zone",
		EntryTime:       pos.EntryTime,
		EntryPrice:      pos.EntryPrice,
		Qty:             pos.Qty,
		Side:            pos.Side,
		StopLoss:        pos.StopLoss,
		Status:          store.TradeOpen,
		TrailingActive:  pos.TrailingActive,
		HighWaterProfit: pos.HighWaterProfit,
	})
}

func (m *Manager) persistClosed(ctx context.Context, pos *domain.Position, exec *domain.Execution, pnl float64) error {
	return m.trades.UpsertTrade(ctx, &store.TradeRecord{
		TradeID:         pos.ID,
		Symbol:          pos.Symbol,
		StrategyID:      "zone",
		EntryTime:       pos.EntryTime,
		EntryPrice:      pos.EntryPrice,
		ExitTime:        exec.Timestamp,
		ExitPrice:       exec.AvgFillPrice,
		Qty:             pos.Qty,
		Side:            pos.Side,
		StopLoss:        pos.StopLoss,
		PnL:             pnl,
		Status:          store.TradeClosed,
		TrailingActive:  pos.TrailingActive,
		HighWaterProfit: pos.HighWaterProfit,
	})
}
