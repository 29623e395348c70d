// Package engine is the orchestrator: it owns the queues between pipeline
// stages, runs the decision loop, and handles session lifecycle (startup
// reconciliation, forced closure, graceful and emergency shutdown).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/alert"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/broker"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/execution"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/feed"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/metrics"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/position"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/queue"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/risk"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/strategy"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

// ErrHalted means a previous run set the halted flag and an operator must
// acknowledge it before trading can resume.
var ErrHalted = errors.New("engine: system halted, operator intervention required")

// ErrEmergencyHalt means this run hit an unrecoverable error, set the halted
// flag, and stopped trading.
var ErrEmergencyHalt = errors.New("engine: emergency halt")

// Queue capacities. Ticks burst hardest; the downstream queues stay short
// because the loop drains them with priority.
const (
	tickQueueCap  = 4096
	eventQueueCap = 64
)

// Per-iteration drain quotas, highest priority first.
const (
	tickQuota  = 128
	eventQuota = 16
)

// Deps are the collaborators the engine coordinates. All fields are
// required except Recorder.
type Deps struct {
	Clock     *util.SessionClock
	Store     store.Store
	Broker    broker.Broker
	Strategy  *strategy.ZoneStrategy
	Gate      *risk.Gate
	Executor  execution.Executor
	Positions *position.Manager
	Notifier  alert.Notifier
	Recorder  *store.TickRecorder

	// IndexSymbol is the always-subscribed instrument driving the
	// strategy.
	IndexSymbol string

	// FeedStaleAfter is how old the last tick may get before the feed
	// watchdog resubscribes.
	FeedStaleAfter time.Duration

	// ResumeHalted is the operator's acknowledgment of a previous emergency
	// halt. Without it a set halted flag refuses startup; with it the flag
	// is cleared after a successful reconciliation.
	ResumeHalted bool
}

// Engine runs the trading pipeline. One goroutine pumps the feed, one
// supervises it, one runs the decision loop; everything else happens inside
// the loop, so pipeline state needs no locking.
type Engine struct {
	deps Deps
	log  *slog.Logger

	ticks      *queue.Queue[domain.Tick]
	signals    *queue.Queue[*domain.Signal]
	orders     *queue.Queue[*domain.Order]
	executions *queue.Queue[*domain.Execution]

	feed     *feed.Feed
	watchdog *feed.Watchdog

	// now is swappable for tests.
	now func() time.Time

	// Loop-owned session state.
	sessionDay     time.Time
	entriesAllowed bool
	closedForDay   bool
	lossAlerted    bool
}

// New wires an engine from its collaborators.
func New(deps Deps) *Engine {
	if deps.FeedStaleAfter <= 0 {
		deps.FeedStaleAfter = 30 * time.Second
	}
	e := &Engine{
		deps:           deps,
		log:            slog.Default().With("component", "engine"),
		ticks:          queue.New[domain.Tick](tickQueueCap),
		signals:        queue.New[*domain.Signal](eventQueueCap),
		orders:         queue.New[*domain.Order](eventQueueCap),
		executions:     queue.New[*domain.Execution](eventQueueCap),
		now:            time.Now,
		entriesAllowed: true,
	}
	e.feed = feed.New(deps.Broker, e.ticks, deps.Recorder)
	e.watchdog = feed.NewWatchdog(e.feed, deps.FeedStaleAfter)
	return e
}

// Run executes one trading session: startup checks, reconciliation, the
// feed, and the decision loop, until ctx is cancelled or a fatal error
// forces an emergency halt. Cancellation is a graceful shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	e.feed.Subscribe(e.deps.IndexSymbol)
	e.sessionDay = e.deps.Clock.SessionDate(e.now())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.watchdog.Run(gctx) })
	g.Go(func() error { return e.loop(gctx) })
	g.Go(func() error { return e.heartbeat(gctx) })

	err := g.Wait()
	e.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startup enforces the halted handshake, squares positions with the broker,
// and cancels any orders left resting by a previous run.
func (e *Engine) startup(ctx context.Context) error {
	halted, err := e.deps.Store.GetState(ctx, store.KeySystemHalted)
	if err != nil {
		return fmt.Errorf("reading halted flag: %w", err)
	}
	if halted == "true" {
		ts, _ := e.deps.Store.GetState(ctx, store.KeyHaltTimestamp)
		if !e.deps.ResumeHalted {
			e.log.Error("refusing to start: system is halted", "halted_at", ts)
			return ErrHalted
		}
		e.log.Warn("halted flag set, resuming after reconciliation", "halted_at", ts)
	}

	if err := e.deps.Positions.Reconcile(ctx, e.deps.Broker); err != nil {
		if errors.Is(err, position.ErrReconciliation) {
			e.halt(ctx, err.Error())
		}
		return fmt.Errorf("reconciling positions: %w", err)
	}

	if halted == "true" {
		if err := e.deps.Store.SetState(ctx, store.KeySystemHalted, "false"); err != nil {
			return fmt.Errorf("clearing halted flag: %w", err)
		}
		e.log.Info("halted flag cleared after successful reconciliation")
	}

	pending, err := e.deps.Store.PendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading pending orders: %w", err)
	}
	for _, rec := range pending {
		if rec.BrokerOrderID == "" {
			continue
		}
		if err := e.deps.Broker.CancelOrder(ctx, rec.BrokerOrderID); err != nil {
			e.log.Warn("cancelling stale order from previous run",
				"broker_order_id", rec.BrokerOrderID,
				"error", err,
			)
			continue
		}
		rec := rec
		rec.Status = domain.OrderStatusCancelled
		if err := e.deps.Store.UpsertOrder(ctx, &rec); err != nil {
			e.log.Error("persisting stale order cancellation", "order_id", rec.OrderID, "error", err)
		}
		e.log.Info("cancelled stale order from previous run", "broker_order_id", rec.BrokerOrderID)
	}

	e.log.Info("engine started",
		"broker", e.deps.Broker.Name(),
		"index", e.deps.IndexSymbol,
		"open_positions", len(e.deps.Positions.Open()),
	)
	return nil
}

// loop is the decision loop. Each iteration drains the queues in priority
// order under per-queue quotas, then enforces the session calendar.
func (e *Engine) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		drained := 0
		for i := 0; i < tickQuota; i++ {
			tick, ok := e.ticks.TryGet()
			if !ok {
				break
			}
			e.processTick(ctx, tick)
			drained++
		}
		for i := 0; i < eventQuota; i++ {
			sig, ok := e.signals.TryGet()
			if !ok {
				break
			}
			e.processSignal(ctx, sig)
			drained++
		}
		for i := 0; i < eventQuota; i++ {
			order, ok := e.orders.TryGet()
			if !ok {
				break
			}
			e.processOrder(ctx, order)
			drained++
		}
		for i := 0; i < eventQuota; i++ {
			exec, ok := e.executions.TryGet()
			if !ok {
				break
			}
			if err := e.processExecution(ctx, exec); err != nil {
				return err
			}
			drained++
		}

		e.checkSession(ctx)

		if drained == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

func (e *Engine) processTick(ctx context.Context, tick domain.Tick) {
	metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()

	if obs, ok := e.deps.Executor.(execution.TickObserver); ok {
		obs.OnTick(tick)
	}

	for _, order := range e.deps.Positions.OnTick(ctx, tick) {
		if err := e.orders.Put(order); err != nil {
			e.log.Error("enqueueing closing order", "trade_id", order.TradeID, "error", err)
		}
	}

	if !e.entriesAllowed {
		return
	}
	sig, err := e.deps.Strategy.OnTick(tick)
	if err != nil {
		if errors.Is(err, strategy.ErrZoneCalculation) {
			e.log.Error("zone calculation failed, no entries today", "error", err)
			e.deps.Notifier.Alert("zone calculation failed, no entries today", alert.PriorityCritical)
			return
		}
		e.log.Error("strategy error", "error", err)
		return
	}
	if sig == nil {
		return
	}
	metrics.SignalsTotal.WithLabelValues(string(sig.Type)).Inc()
	if err := e.signals.Put(sig); err != nil {
		e.log.Error("enqueueing signal", "symbol", sig.Symbol, "error", err)
	}
}

func (e *Engine) processSignal(ctx context.Context, sig *domain.Signal) {
	if !e.entriesAllowed {
		metrics.SignalsDropped.WithLabelValues("session_cutoff").Inc()
		e.log.Info("signal dropped after session cutoff", "symbol", sig.Symbol)
		return
	}
	order, err := e.deps.Gate.Evaluate(ctx, sig, e.now())
	if err != nil {
		e.log.Error("risk evaluation", "symbol", sig.Symbol, "error", err)
		return
	}
	if order == nil {
		metrics.SignalsDropped.WithLabelValues("risk_limit").Inc()
		return
	}
	if err := e.orders.Put(order); err != nil {
		e.log.Error("enqueueing entry order", "order_id", order.ID, "error", err)
	}
}

func (e *Engine) processOrder(ctx context.Context, order *domain.Order) {
	metrics.OrdersTotal.WithLabelValues(order.Symbol, string(order.Side)).Inc()

	exec, err := e.deps.Executor.Execute(ctx, order)
	if order.CancelOrderID != "" {
		// The predecessor was cancelled before placement; stop tracking it.
		e.deps.Strategy.ClearPendingOrder(order.CancelOrderID)
	}
	if err != nil {
		if errors.Is(err, execution.ErrUnfilled) {
			e.deps.Notifier.Alert(
				fmt.Sprintf("order unfilled after all attempts: %s %s", order.Side, order.Symbol),
				alert.PriorityWarning,
			)
		} else if ctx.Err() == nil {
			e.log.Error("order execution", "order_id", order.ID, "error", err)
			e.deps.Notifier.Alert(
				fmt.Sprintf("order execution failed: %s (%v)", order.Symbol, err),
				alert.PriorityError,
			)
			if order.BrokerOrderID != "" {
				// Contact was lost after placement, so the order may still
				// rest at the broker. The next signal will request its
				// cancellation.
				e.deps.Strategy.NotePendingOrder(order.BrokerOrderID)
			}
		}
		e.releaseFailedExit(ctx, order)
		return
	}
	if exec == nil {
		return
	}
	if err := e.executions.Put(exec); err != nil {
		e.log.Error("enqueueing execution", "order_id", exec.OrderID, "error", err)
	}
}

// releaseFailedExit re-arms the stop when a closing order died without a
// fill, so the next tick can try again.
func (e *Engine) releaseFailedExit(ctx context.Context, order *domain.Order) {
	if order.TradeID == "" {
		return
	}
	cancelExec := &domain.Execution{
		OrderID:    order.ID,
		TradeID:    order.TradeID,
		Symbol:     order.Symbol,
		Timestamp:  e.now(),
		Status:     domain.ExecCancelled,
		Side:       order.Side,
		Exit:       true,
		ExitReason: order.Reason,
	}
	if err := e.deps.Positions.OnExecution(ctx, cancelExec); err != nil {
		e.log.Error("releasing failed exit", "trade_id", order.TradeID, "error", err)
	}
}

// processExecution folds a fill into the position book. A persistence failure
// here is unrecoverable: the returned error halts the decision loop.
func (e *Engine) processExecution(ctx context.Context, exec *domain.Execution) error {
	metrics.FillsTotal.WithLabelValues(string(exec.Status)).Inc()

	if err := e.deps.Positions.OnExecution(ctx, exec); err != nil {
		e.log.Error("applying execution", "order_id", exec.OrderID, "error", err)
		e.halt(ctx, fmt.Sprintf("failed to persist execution %s: %v", exec.OrderID, err))
		return fmt.Errorf("%w: persisting execution %s: %v", ErrEmergencyHalt, exec.OrderID, err)
	}
	metrics.OpenPositions.Set(float64(len(e.deps.Positions.Open())))
	metrics.RealizedPnL.Set(e.deps.Gate.PnLToday())

	switch exec.Status {
	case domain.ExecFilled, domain.ExecPartial:
		verb := "opened"
		if exec.Exit {
			verb = "closed " + exec.ExitReason
		}
		e.deps.Notifier.Alert(
			fmt.Sprintf("%s %s x%d @ %.2f (%s)", exec.Symbol, verb, exec.FilledQty, exec.AvgFillPrice, exec.Side),
			alert.PriorityInfo,
		)
	case domain.ExecRejected:
		e.deps.Notifier.Alert(
			fmt.Sprintf("order rejected by broker: %s", exec.Symbol),
			alert.PriorityError,
		)
	}

	if exec.Exit && e.deps.Gate.LossLimitBreached() && !e.lossAlerted {
		e.lossAlerted = true
		e.deps.Notifier.Alert("daily loss limit breached, entries blocked", alert.PriorityCritical)
	}
	return nil
}

// checkSession enforces forced closure at the cutoff and resets state on a
// new session date.
func (e *Engine) checkSession(ctx context.Context) {
	now := e.now()

	if !e.deps.Clock.SameSessionDay(e.sessionDay, now) {
		e.log.Info("new session date, resetting strategy state")
		e.sessionDay = e.deps.Clock.SessionDate(now)
		e.deps.Strategy.ResetDaily()
		e.entriesAllowed = true
		e.closedForDay = false
		e.lossAlerted = false
		return
	}

	if e.closedForDay || !e.deps.Clock.PastForceClose(now) {
		return
	}
	e.closedForDay = true
	e.entriesAllowed = false

	closing := e.deps.Positions.CloseAll(domain.ReasonSessionEnd, now)
	for _, order := range closing {
		if err := e.orders.Put(order); err != nil {
			e.log.Error("enqueueing forced closure", "trade_id", order.TradeID, "error", err)
		}
	}
	e.log.Info("session cutoff reached", "closing_positions", len(closing))
	if len(closing) > 0 {
		e.deps.Notifier.Alert(
			fmt.Sprintf("session cutoff: closing %d open position(s)", len(closing)),
			alert.PriorityInfo,
		)
	}
}

// heartbeat logs a liveness line once a minute.
func (e *Engine) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.log.Info("heartbeat",
				"open_positions", len(e.deps.Positions.Open()),
				"trades_today", e.deps.Gate.TradesToday(),
				"pnl_today", e.deps.Gate.PnLToday(),
				"tick_backlog", e.ticks.Len(),
				"last_tick", e.feed.LastTick(),
			)
		}
	}
}

// halt is the emergency path: cancel what can be cancelled, set the halted
// flag so the next start refuses to trade, and page the operator.
func (e *Engine) halt(ctx context.Context, reason string) {
	e.log.Error("emergency halt", "reason", reason)

	if pending, err := e.deps.Store.PendingOrders(ctx); err == nil {
		for _, rec := range pending {
			if rec.BrokerOrderID == "" {
				continue
			}
			if err := e.deps.Broker.CancelOrder(ctx, rec.BrokerOrderID); err != nil {
				e.log.Error("cancelling order during halt",
					"broker_order_id", rec.BrokerOrderID,
					"error", err,
				)
			}
		}
	}

	now := e.now().Format(time.RFC3339)
	if err := e.deps.Store.SetState(ctx, store.KeySystemHalted, "true"); err != nil {
		e.log.Error("persisting halted flag", "error", err)
	}
	if err := e.deps.Store.SetState(ctx, store.KeyHaltTimestamp, now); err != nil {
		e.log.Error("persisting halt timestamp", "error", err)
	}
	e.deps.Notifier.Alert("EMERGENCY HALT: "+reason, alert.PriorityCritical)
}

// shutdown records a clean exit.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.deps.Store.SetState(ctx, store.KeyLastShutdown, e.now().Format(time.RFC3339)); err != nil {
		e.log.Error("persisting shutdown timestamp", "error", err)
	}
	e.ticks.Close()
	e.signals.Close()
	e.orders.Close()
	e.executions.Close()
	e.log.Info("engine stopped",
		"open_positions", len(e.deps.Positions.Open()),
		"pnl_today", e.deps.Gate.PnLToday(),
	)
}
