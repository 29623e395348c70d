package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/broker"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
)

type memOrders struct {
	mu      sync.Mutex
	records map[string]store.OrderRecord
}

func newMemOrders() *memOrders { return &memOrders{records: make(map[string]store.OrderRecord)} }

func (m *memOrders) UpsertOrder(_ context.Context, order *store.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[order.OrderID] = *order
	return nil
}

func (m *memOrders) PendingOrders(_ context.Context) ([]store.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OrderRecord
	for _, r := range m.records {
		if r.Status == domain.OrderStatusPending || r.Status == domain.OrderStatusSentToBroker {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ store.OrderStore = (*memOrders)(nil)

func testParams() Params {
	return Params{
		PriceOffset: 1.0,
		PriceStep:   0.5,
		FillWait:    time.Millisecond,
		MaxAttempts: 3,
	}
}

func entryOrder() *domain.Order {
	return &domain.Order{
		ID:        domain.NewOrderID(),
		Symbol:    "NIFTY26020319000CE",
		Timestamp: time.Now(),
		Type:      domain.OrderTypeMarket,
		Side:      domain.SideBuy,
		Qty:       1,
		Reason:    domain.ReasonEntry,
		Status:    domain.OrderStatusPending,
	}
}

func TestLiveExecutorFillsFirstAttempt(t *testing.T) {
	b := broker.NewStubBroker()
	b.SetQuote("NIFTY26020319000CE", 100)
	orders := newMemOrders()
	e := NewLiveExecutor(b, orders, testParams())

	exec, err := e.Execute(context.Background(), entryOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec == nil {
		t.Fatal("no execution returned")
	}
	if exec.Status != domain.ExecFilled {
		t.Errorf("status = %v, want FILLED", exec.Status)
	}
	// First attempt rests at quote + offset.
	if exec.AvgFillPrice != 101 {
		t.Errorf("fill price = %v, want 101", exec.AvgFillPrice)
	}
	if b.PlaceCalls != 1 {
		t.Errorf("PlaceCalls = %d, want 1", b.PlaceCalls)
	}

	rec, ok := orders.records[exec.OrderID]
	if !ok {
		t.Fatal("order record not persisted")
	}
	if rec.Status != domain.OrderStatusComplete {
		t.Errorf("persisted status = %v, want COMPLETE", rec.Status)
	}
}

func TestLiveExecutorExhaustsRetriesWithoutFill(t *testing.T) {
	b := broker.NewStubBroker()
	b.FillMode = "pend"
	b.SetQuote("NIFTY26020319000CE", 100)
	e := NewLiveExecutor(b, newMemOrders(), testParams())

	exec, err := e.Execute(context.Background(), entryOrder())
	if !errors.Is(err, ErrUnfilled) {
		t.Fatalf("err = %v, want ErrUnfilled", err)
	}
	if exec != nil {
		t.Errorf("got execution %+v after exhaustion", exec)
	}
	if b.PlaceCalls != 3 {
		t.Errorf("PlaceCalls = %d, want 3", b.PlaceCalls)
	}
	// Each unfilled attempt must cancel its resting order.
	if b.CancelCalls != 3 {
		t.Errorf("CancelCalls = %d, want 3", b.CancelCalls)
	}
}

func TestLiveExecutorGivesUpOnPersistentTransportErrors(t *testing.T) {
	b := broker.NewStubBroker()
	b.FillMode = "reject"
	b.SetQuote("NIFTY26020319000CE", 100)
	e := NewLiveExecutor(b, newMemOrders(), testParams())

	exec, err := e.Execute(context.Background(), entryOrder())
	if err == nil {
		t.Fatal("expected error from persistently failing broker")
	}
	if errors.Is(err, ErrUnfilled) {
		t.Errorf("transport failure reported as ErrUnfilled")
	}
	if exec != nil {
		t.Errorf("got execution %+v from failing broker", exec)
	}
	// Transport retries share the configured attempt bound.
	if want := testParams().MaxAttempts + 1; b.PlaceCalls != want {
		t.Errorf("PlaceCalls = %d, want %d", b.PlaceCalls, want)
	}
}

func TestLiveExecutorCancelsSupersededOrder(t *testing.T) {
	b := broker.NewStubBroker()
	b.FillMode = "pend"
	b.SetQuote("NIFTY26020319000CE", 100)

	// Seed a resting order to supersede.
	res, err := b.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol: "NIFTY26020319000CE", Side: domain.SideBuy, Qty: 1,
		PriceKind: broker.PriceLimit, Price: 99,
	})
	if err != nil {
		t.Fatalf("seeding order: %v", err)
	}
	b.FillMode = "fill"

	e := NewLiveExecutor(b, newMemOrders(), testParams())
	order := entryOrder()
	order.CancelOrderID = res.BrokerOrderID

	if _, err := e.Execute(context.Background(), order); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	status, err := b.OrderStatus(context.Background(), res.BrokerOrderID)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if status.Status != domain.OrderStatusCancelled {
		t.Errorf("superseded order status = %v, want CANCELLED", status.Status)
	}
}

func TestPaperExecutorFillsAtQuote(t *testing.T) {
	b := broker.NewStubBroker()
	b.SetQuote("NIFTY26020319000CE", 102.5)
	orders := newMemOrders()
	e := NewPaperExecutor(b, orders)

	exec, err := e.Execute(context.Background(), entryOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != domain.ExecFilled || exec.AvgFillPrice != 102.5 || exec.FilledQty != 1 {
		t.Errorf("exec = %+v, want filled 1 @ 102.5", exec)
	}
	if len(orders.records) != 1 {
		t.Errorf("persisted %d order records, want 1", len(orders.records))
	}
}

func TestPaperExecutorFillsAtLastTick(t *testing.T) {
	b := broker.NewStubBroker()
	b.SetQuote("NIFTY26020319000CE", 100)
	e := NewPaperExecutor(b, newMemOrders())

	// The last traded price beats the broker quote.
	e.OnTick(domain.Tick{
		Symbol:    "NIFTY26020319000CE",
		Timestamp: time.Now(),
		LastPrice: 103,
	})

	exec, err := e.Execute(context.Background(), entryOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.AvgFillPrice != 103 {
		t.Errorf("fill price = %v, want 103 (last tick)", exec.AvgFillPrice)
	}
}

func TestPaperExecutorMarksExitFills(t *testing.T) {
	b := broker.NewStubBroker()
	b.SetQuote("NIFTY26020319000CE", 95)
	e := NewPaperExecutor(b, newMemOrders())

	order := entryOrder()
	order.Side = domain.SideSell
	order.TradeID = "trade-1"
	order.Reason = domain.ReasonStopLoss

	exec, err := e.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !exec.Exit {
		t.Error("closing fill not marked as exit")
	}
	if exec.ExitReason != domain.ReasonStopLoss {
		t.Errorf("ExitReason = %q, want %q", exec.ExitReason, domain.ReasonStopLoss)
	}
}

func TestAdaptiveLimit(t *testing.T) {
	cases := []struct {
		side    domain.Side
		attempt int
		want    float64
	}{
		{domain.SideBuy, 0, 101},
		{domain.SideBuy, 1, 101.5},
		{domain.SideBuy, 9, 105.5},
		{domain.SideSell, 0, 99},
		{domain.SideSell, 2, 98},
	}
	for _, c := range cases {
		if got := adaptiveLimit(100, c.side, 1.0, 0.5, c.attempt); got != c.want {
			t.Errorf("adaptiveLimit(100, %s, attempt %d) = %v, want %v", c.side, c.attempt, got, c.want)
		}
	}
}
