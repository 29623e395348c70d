// Package risk implements the pre-trade gate between the strategy and the
// executor: per-day trade count and daily loss limits, with counters
// persisted so a restart mid-session cannot reset them.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

const counterDateLayout = "2006-01-02"

// Limits are the gate's configured ceilings.
type Limits struct {
	MaxTradesPerDay int
	MaxDailyLoss    float64
	PositionSize    int
}

// Gate sits between the strategy and the executor. Every signal passes
// through Evaluate, which either sizes it into an order or drops it with a
// logged reason. Counters roll over on session-date change and survive
// restarts through the state store.
type Gate struct {
	limits Limits
	clock  *util.SessionClock
	state  store.StateStore
	log    *slog.Logger

	mu          sync.Mutex
	tradesToday int
	pnlToday    float64
	counterDate time.Time
}

// NewGate creates a gate and restores persisted counters for the current
// session date.
func NewGate(ctx context.Context, limits Limits, clock *util.SessionClock, state store.StateStore) (*Gate, error) {
	g := &Gate{
		limits: limits,
		clock:  clock,
		state:  state,
		log:    slog.Default().With("component", "risk"),
	}
	if err := g.restore(ctx); err != nil {
		return nil, fmt.Errorf("restoring risk counters: %w", err)
	}
	return g, nil
}

func (g *Gate) restore(ctx context.Context) error {
	dateStr, err := g.state.GetState(ctx, store.KeyCountersDate)
	if err != nil {
		return err
	}
	if dateStr == "" {
		return nil
	}
	savedDate, err := time.ParseInLocation(counterDateLayout, dateStr, g.clock.Location())
	if err != nil {
		g.log.Warn("ignoring unparseable persisted counter date", "value", dateStr)
		return nil
	}
	today := g.clock.SessionDate(time.Now())
	if !savedDate.Equal(today) {
		// Stale counters from a previous session; start fresh.
		return nil
	}

	g.counterDate = savedDate
	if v, err := g.state.GetState(ctx, store.KeyTradesToday); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			g.tradesToday = n
		}
	}
	if v, err := g.state.GetState(ctx, store.KeyLossToday); err == nil && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			g.pnlToday = f
		}
	}
	g.log.Info("restored risk counters",
		"trades_today", g.tradesToday,
		"pnl_today", g.pnlToday,
		"date", dateStr,
	)
	return nil
}

// Evaluate checks a signal against the day's limits. It returns a sized
// entry order when the signal passes, or nil when a limit drops it. A
// dropped signal is not an error.
func (g *Gate) Evaluate(ctx context.Context, sig *domain.Signal, now time.Time) (*domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx, now)

	if g.tradesToday >= g.limits.MaxTradesPerDay {
		g.log.Warn("signal dropped: daily trade limit reached",
			"symbol", sig.Symbol,
			"trades_today", g.tradesToday,
			"limit", g.limits.MaxTradesPerDay,
		)
		return nil, nil
	}
	if g.pnlToday <= -g.limits.MaxDailyLoss {
		g.log.Warn("signal dropped: daily loss limit breached",
			"symbol", sig.Symbol,
			"pnl_today", g.pnlToday,
			"limit", g.limits.MaxDailyLoss,
		)
		return nil, nil
	}

	order := &domain.Order{
		ID:            domain.NewOrderID(),
		Symbol:        sig.Symbol,
		Timestamp:     now,
		Type:          domain.OrderTypeMarket,
		Side:          sideFor(sig.Type),
		Qty:           g.limits.PositionSize,
		Reason:        domain.ReasonEntry,
		CancelOrderID: sig.CancelOrderID,
		Status:        domain.OrderStatusPending,
	}

	g.tradesToday++
	if err := g.persistLocked(ctx); err != nil {
		g.log.Error("persisting risk counters", "error", err)
	}
	g.log.Info("signal approved",
		"symbol", order.Symbol,
		"side", string(order.Side),
		"qty", order.Qty,
		"trades_today", g.tradesToday,
	)
	return order, nil
}

// RecordPnL folds a realized trade result into the day's total.
func (g *Gate) RecordPnL(ctx context.Context, pnl float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx, now)
	g.pnlToday += pnl
	if err := g.persistLocked(ctx); err != nil {
		g.log.Error("persisting risk counters", "error", err)
	}
	if g.pnlToday <= -g.limits.MaxDailyLoss {
		g.log.Warn("daily loss limit breached, further entries blocked",
			"pnl_today", g.pnlToday,
			"limit", g.limits.MaxDailyLoss,
		)
	}
}

// LossLimitBreached reports whether the day's realized PnL has crossed the
// loss ceiling.
func (g *Gate) LossLimitBreached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pnlToday <= -g.limits.MaxDailyLoss
}

// TradesToday returns the number of entries approved so far this session.
func (g *Gate) TradesToday() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tradesToday
}

// PnLToday returns the day's realized PnL.
func (g *Gate) PnLToday() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pnlToday
}

// rolloverLocked resets the counters when the session date advances. Caller
// holds g.mu.
func (g *Gate) rolloverLocked(ctx context.Context, now time.Time) {
	today := g.clock.SessionDate(now)
	if g.counterDate.Equal(today) {
		return
	}
	if !g.counterDate.IsZero() {
		g.log.Info("new session date, resetting risk counters",
			"previous_trades", g.tradesToday,
			"previous_pnl", g.pnlToday,
		)
	}
	g.counterDate = today
	g.tradesToday = 0
	g.pnlToday = 0
	if err := g.persistLocked(ctx); err != nil {
		g.log.Error("persisting risk counters", "error", err)
	}
}

func (g *Gate) persistLocked(ctx context.Context) error {
	if err := g.state.SetState(ctx, store.KeyCountersDate, g.counterDate.Format(counterDateLayout)); err != nil {
		return err
	}
	if err := g.state.SetState(ctx, store.KeyTradesToday, strconv.Itoa(g.tradesToday)); err != nil {
		return err
	}
	return g.state.SetState(ctx, store.KeyLossToday, strconv.FormatFloat(g.pnlToday, 'f', 2, 64))
}

// sideFor maps an entry signal to its order side. Option entries are long
// premium on both legs; index short entries sell.
func sideFor(t domain.SignalType) domain.Side {
	if t == domain.SignalShortEntry {
		return domain.SideSell
	}
	return domain.SideBuy
}
