package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*StubBroker)(nil)

// StubBroker implements Broker in memory for paper trading and tests. Orders
// fill according to FillMode; quotes come from the last pushed tick.
type StubBroker struct {
	mu sync.Mutex

	// FillMode controls how placed orders behave: "fill" (default) marks
	// them COMPLETE at the requested price, "pend" leaves them open until
	// cancelled, "reject" refuses them.
	FillMode string

	nextID    int
	orders    map[string]*BookOrder
	positions []NetPosition
	quotes    map[string]float64

	tickCh chan domain.Tick

	// Call counters for test assertions.
	PlaceCalls  int
	CancelCalls int
}

// NewStubBroker creates an empty StubBroker.
func NewStubBroker() *StubBroker {
	return &StubBroker{
		FillMode: "fill",
		orders:   make(map[string]*BookOrder),
		quotes:   make(map[string]float64),
		tickCh:   make(chan domain.Tick, 256),
	}
}

// Name returns "stub".
func (b *StubBroker) Name() string { return "stub" }

// PlaceOrder records the order and fills it according to FillMode.
func (b *StubBroker) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.PlaceCalls++
	if b.FillMode == "reject" {
		return &OrderResult{Status: domain.OrderStatusRejected}, fmt.Errorf("order rejected")
	}

	b.nextID++
	id := "STUB" + strconv.Itoa(b.nextID)
	order := &BookOrder{
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Status:        domain.OrderStatusSentToBroker,
	}
	if b.FillMode == "fill" {
		order.Status = domain.OrderStatusComplete
		order.FilledQty = req.Qty
		order.AvgFillPrice = req.Price
		if order.AvgFillPrice == 0 {
			order.AvgFillPrice = b.quotes[req.Symbol]
		}
	}
	b.orders[id] = order

	return &OrderResult{
		Status:        order.Status,
		BrokerOrderID: id,
		AvgFillPrice:  order.AvgFillPrice,
		FilledQty:     order.FilledQty,
	}, nil
}

// CancelOrder marks the order cancelled.
func (b *StubBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.CancelCalls++
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", brokerOrderID)
	}
	if o.Status == domain.OrderStatusSentToBroker {
		o.Status = domain.OrderStatusCancelled
	}
	return nil
}

// OrderStatus returns the recorded status of an order.
func (b *StubBroker) OrderStatus(_ context.Context, brokerOrderID string) (*OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", brokerOrderID)
	}
	return &OrderResult{
		Status:        o.Status,
		BrokerOrderID: o.BrokerOrderID,
		AvgFillPrice:  o.AvgFillPrice,
		FilledQty:     o.FilledQty,
	}, nil
}

// Quote returns the last pushed price for the symbol.
func (b *StubBroker) Quote(_ context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("no quote for %s", symbol)
	}
	return p, nil
}

// OpenPositions returns the positions configured via SetPositions.
func (b *StubBroker) OpenPositions(_ context.Context) ([]NetPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]NetPosition(nil), b.positions...), nil
}

// OrderBook returns all recorded orders.
func (b *StubBroker) OrderBook(_ context.Context) ([]BookOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	book := make([]BookOrder, 0, len(b.orders))
	for _, o := range b.orders {
		book = append(book, *o)
	}
	return book, nil
}

// SubscribeTicks returns the stub's tick channel; tests feed it with
// PushTick.
func (b *StubBroker) SubscribeTicks(ctx context.Context, _ []string) (<-chan domain.Tick, error) {
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.tickCh != nil {
			close(b.tickCh)
			b.tickCh = nil
		}
	}()
	return b.tickCh, nil
}

// PushTick delivers a tick to subscribers and updates the quote table.
func (b *StubBroker) PushTick(tick domain.Tick) {
	b.mu.Lock()
	b.quotes[tick.Symbol] = tick.LastPrice
	ch := b.tickCh
	b.mu.Unlock()

	if ch != nil {
		ch <- tick
	}
}

// SetQuote sets the quoted price for a symbol without emitting a tick.
func (b *StubBroker) SetQuote(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = price
}

// SetPositions configures the broker-reported open positions.
func (b *StubBroker) SetPositions(positions []NetPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = positions
}
