// Package execution turns approved orders into broker fills. The live
// executor chases fills with an adaptive limit price: each retry cancels the
// resting order and replaces it at a slightly more aggressive price, up to a
// bounded attempt count.
package execution

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

// ErrUnfilled is returned when every placement attempt was cancelled without
// a fill. No execution event is produced; the order simply did not happen.
var ErrUnfilled = errors.New("execution: order unfilled after all attempts")

// Params tune the adaptive-price retry loop.
type Params struct {
	// PriceOffset is added to the quote on the first attempt so the limit
	// rests slightly through the market.
	PriceOffset float64

	// PriceStep is the additional aggression added per retry.
	PriceStep float64

	// FillWait is how long a resting order is given before it is cancelled
	// and replaced.
	FillWait time.Duration

	// MaxAttempts bounds the place/wait/cancel cycle.
	MaxAttempts int
}

// Executor processes one order to a terminal outcome. A nil execution with a
// nil error means the order was dropped without touching the market (e.g. an
// unfillable cancel-and-replace predecessor).
type Executor interface {
	Execute(ctx context.Context, order *domain.Order) (*domain.Execution, error)
}

// TickObserver is implemented by executors that want the market stream, such
// as the paper executor pricing its fills from the last trade.
type TickObserver interface {
	OnTick(tick domain.Tick)
}

// ---------------------------------------------------------------------------
// Live executor
// ---------------------------------------------------------------------------

// LiveExecutor places real orders through the broker.
type LiveExecutor struct {
	broker broker.Broker
	orders store.OrderStore
	params Params
	log    *slog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLiveExecutor wires a live executor to a broker and the order store.
func NewLiveExecutor(b broker.Broker, orders store.OrderStore, params Params) *LiveExecutor {
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 1
	}
	return &LiveExecutor{
		broker: b,
		orders: orders,
		params: params,
		log:    slog.Default().With("component", "execution"),
		sleep:  sleepCtx,
	}
}

// Execute runs the adaptive-price loop: quote, place a limit at
// quote+offset+attempt*step (mirrored for sells), wait, poll, and either
// report the fill or cancel and try again one step more aggressive.
// Transport errors on a single attempt do not consume price aggression.
func (e *LiveExecutor) Execute(ctx context.Context, order *domain.Order) (*domain.Execution, error) {
	if order.CancelOrderID != "" {
		e.cancelPredecessor(ctx, order.CancelOrderID)
	}

	transportErrs := 0
	for attempt := 0; attempt < e.params.MaxAttempts; attempt++ {
		exec, done, err := e.attempt(ctx, order, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transport trouble: retry at the same aggression, under the
			// same bound as the price escalation.
			transportErrs++
			if transportErrs > e.params.MaxAttempts {
				order.Status = domain.OrderStatusCancelled
				e.persist(ctx, order, 0)
				return nil, fmt.Errorf("placing %s: %w", order.Symbol, err)
			}
			e.log.Warn("order attempt failed, retrying",
				"order_id", order.ID,
				"attempt", attempt+1,
				"error", err,
			)
			attempt--
			if err := e.sleep(ctx, e.params.FillWait); err != nil {
				return nil, err
			}
			continue
		}
		transportErrs = 0
		if done {
			return exec, nil
		}
	}

	order.Status = domain.OrderStatusCancelled
	e.persist(ctx, order, 0)
	e.log.Error("order unfilled after all attempts",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"attempts", e.params.MaxAttempts,
	)
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrUnfilled, order.Symbol, e.params.MaxAttempts)
}

// attempt runs one place/wait/poll cycle. done=true means a terminal outcome
// was reached (fill or rejection); done=false with nil error means the order
// was cancelled for the next, more aggressive attempt.
func (e *LiveExecutor) attempt(ctx context.Context, order *domain.Order, attempt int) (*domain.Execution, bool, error) {
	quote, err := e.broker.Quote(ctx, order.Symbol)
	if err != nil {
		return nil, false, fmt.Errorf("quoting %s: %w", order.Symbol, err)
	}

	limit := adaptiveLimit(quote, order.Side, e.params.PriceOffset, e.params.PriceStep, attempt)
	order.LimitPrice = limit

	res, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       order.Qty,
		PriceKind: broker.PriceLimit,
		Price:     limit,
	})
	if err != nil {
		return nil, false, fmt.Errorf("placing order: %w", err)
	}
	order.BrokerOrderID = res.BrokerOrderID
	order.Status = domain.OrderStatusSentToBroker
	e.persist(ctx, order, limit)
	e.log.Info("order placed",
		"order_id", order.ID,
		"broker_order_id", res.BrokerOrderID,
		"symbol", order.Symbol,
		"side", string(order.Side),
		"limit", limit,
		"attempt", attempt+1,
	)

	if err := e.sleep(ctx, e.params.FillWait); err != nil {
		return nil, false, err
	}

	status, err := e.broker.OrderStatus(ctx, res.BrokerOrderID)
	if err != nil {
		return nil, false, fmt.Errorf("polling order %s: %w", res.BrokerOrderID, err)
	}

	switch status.Status {
	case domain.OrderStatusComplete:
		order.Status = domain.OrderStatusComplete
		e.persist(ctx, order, status.AvgFillPrice)
		return e.fill(order, status), true, nil

	case domain.OrderStatusRejected:
		order.Status = domain.OrderStatusRejected
		e.persist(ctx, order, limit)
		e.log.Error("order rejected by broker",
			"order_id", order.ID,
			"broker_order_id", res.BrokerOrderID,
		)
		return &domain.Execution{
			OrderID:       order.ID,
			TradeID:       order.TradeID,
			Symbol:        order.Symbol,
			Timestamp:     time.Now(),
			Status:        domain.ExecRejected,
			BrokerOrderID: res.BrokerOrderID,
			Side:          order.Side,
			Exit:          order.TradeID != "",
			ExitReason:    exitReason(order),
		}, true, nil

	default:
		// Still resting: cancel and escalate the price.
		if err := e.broker.CancelOrder(ctx, res.BrokerOrderID); err != nil {
			return nil, false, fmt.Errorf("cancelling order %s: %w", res.BrokerOrderID, err)
		}
		e.log.Info("order not filled, cancelling for repricing",
			"order_id", order.ID,
			"broker_order_id", res.BrokerOrderID,
			"limit", limit,
		)
		return nil, false, nil
	}
}

func (e *LiveExecutor) fill(order *domain.Order, res *broker.OrderResult) *domain.Execution {
	price := res.AvgFillPrice
	if price == 0 {
		price = order.LimitPrice
	}
	qty := res.FilledQty
	if qty == 0 {
		qty = order.Qty
	}
	status := domain.ExecFilled
	if qty < order.Qty {
		status = domain.ExecPartial
	}
	return &domain.Execution{
		OrderID:       order.ID,
		TradeID:       order.TradeID,
		Symbol:        order.Symbol,
		Timestamp:     time.Now(),
		Status:        status,
		FilledQty:     qty,
		AvgFillPrice:  price,
		BrokerOrderID: res.BrokerOrderID,
		Side:          order.Side,
		Exit:          order.TradeID != "",
		ExitReason:    exitReason(order),
	}
}

// cancelPredecessor handles the strategy's cancel-and-replace instruction.
// Failure is logged but does not block the new order.
func (e *LiveExecutor) cancelPredecessor(ctx context.Context, brokerOrderID string) {
	if err := e.broker.CancelOrder(ctx, brokerOrderID); err != nil {
		e.log.Warn("cancelling superseded order",
			"broker_order_id", brokerOrderID,
			"error", err,
		)
		return
	}
	e.log.Info("superseded order cancelled", "broker_order_id", brokerOrderID)
}

func (e *LiveExecutor) persist(ctx context.Context, order *domain.Order, price float64) {
	rec := &store.OrderRecord{
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		TradeID:       order.TradeID,
		Timestamp:     order.Timestamp,
		Symbol:        order.Symbol,
		Type:          order.Type,
		Side:          order.Side,
		Price:         price,
		Qty:           order.Qty,
		Status:        order.Status,
	}
	if err := e.orders.UpsertOrder(ctx, rec); err != nil {
		e.log.Error("persisting order record", "order_id", order.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Paper executor
// ---------------------------------------------------------------------------

// PaperExecutor simulates instant fills at the last traded price, for dry
// runs against a live tick feed.
type PaperExecutor struct {
	broker broker.Broker
	orders store.OrderStore
	log    *slog.Logger

	mu        sync.Mutex
	lastPrice map[string]float64
}

// NewPaperExecutor wires a paper executor to a quote source and the order
// store.
func NewPaperExecutor(b broker.Broker, orders store.OrderStore) *PaperExecutor {
	return &PaperExecutor{
		broker:    b,
		orders:    orders,
		log:       slog.Default().With("component", "execution", "mode", "paper"),
		lastPrice: make(map[string]float64),
	}
}

// OnTick records the last traded price so fills simulate at the price the
// market actually printed.
func (e *PaperExecutor) OnTick(tick domain.Tick) {
	if tick.LastPrice <= 0 {
		return
	}
	e.mu.Lock()
	e.lastPrice[tick.Symbol] = tick.LastPrice
	e.mu.Unlock()
}

// Execute fills the order immediately at the last traded price, falling back
// to a broker quote and then the order's own limit.
func (e *PaperExecutor) Execute(ctx context.Context, order *domain.Order) (*domain.Execution, error) {
	e.mu.Lock()
	price := e.lastPrice[order.Symbol]
	e.mu.Unlock()
	if price <= 0 {
		if q, err := e.broker.Quote(ctx, order.Symbol); err == nil {
			price = q
		}
	}
	if price <= 0 {
		price = order.LimitPrice
	}
	if price <= 0 {
		return nil, fmt.Errorf("paper fill for %s: no price available", order.Symbol)
	}

	order.Status = domain.OrderStatusComplete
	order.BrokerOrderID = "paper-" + order.ID
	rec := &store.OrderRecord{
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		TradeID:       order.TradeID,
		Timestamp:     order.Timestamp,
		Symbol:        order.Symbol,
		Type:          order.Type,
		Side:          order.Side,
		Price:         price,
		Qty:           order.Qty,
		Status:        order.Status,
	}
	if err := e.orders.UpsertOrder(ctx, rec); err != nil {
		e.log.Error("persisting order record", "order_id", order.ID, "error", err)
	}

	e.log.Info("paper fill",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", string(order.Side),
		"price", price,
		"qty", order.Qty,
	)
	return &domain.Execution{
		OrderID:       order.ID,
		TradeID:       order.TradeID,
		Symbol:        order.Symbol,
		Timestamp:     time.Now(),
		Status:        domain.ExecFilled,
		FilledQty:     order.Qty,
		AvgFillPrice:  price,
		BrokerOrderID: order.BrokerOrderID,
		Side:          order.Side,
		Exit:          order.TradeID != "",
		ExitReason:    exitReason(order),
	}, nil
}

var (
	_ Executor     = (*LiveExecutor)(nil)
	_ Executor     = (*PaperExecutor)(nil)
	_ TickObserver = (*PaperExecutor)(nil)
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// adaptiveLimit prices attempt n: buys walk up from the quote, sells walk
// down, so each retry is more likely to cross the spread.
func adaptiveLimit(quote float64, side domain.Side, offset, step float64, attempt int) float64 {
	delta := offset + float64(attempt)*step
	if side == domain.SideSell {
		return quote - delta
	}
	return quote + delta
}

func exitReason(order *domain.Order) string {
	if order.TradeID == "" {
		return ""
	}
	return order.Reason
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
