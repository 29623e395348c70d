package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/alert"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/broker"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/execution"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/position"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/risk"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/strategy"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

// memStore implements store.Store in memory for engine tests.
type memStore struct {
	mu         sync.Mutex
	trades     map[string]store.TradeRecord
	orders     map[string]store.OrderRecord
	state      map[string]string
	failTrades error
}

func newMemStore() *memStore {
	return &memStore{
		trades: make(map[string]store.TradeRecord),
		orders: make(map[string]store.OrderRecord),
		state:  make(map[string]string),
	}
}

func (m *memStore) UpsertTrade(_ context.Context, t *store.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTrades != nil {
		return m.failTrades
	}
	m.trades[t.TradeID] = *t
	return nil
}

func (m *memStore) OpenTrades(_ context.Context) ([]store.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TradeRecord
	for _, t := range m.trades {
		if t.Status == store.TradeOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) UpsertOrder(_ context.Context, o *store.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = *o
	return nil
}

func (m *memStore) PendingOrders(_ context.Context) ([]store.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OrderRecord
	for _, o := range m.orders {
		if o.Status == domain.OrderStatusPending || o.Status == domain.OrderStatusSentToBroker {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) SetState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

func (m *memStore) GetState(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[key], nil
}

func (m *memStore) trade(id string) (store.TradeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	return t, ok
}

var _ store.Store = (*memStore)(nil)

// harness bundles a wired engine with its collaborators.
type harness struct {
	engine *Engine
	broker *broker.StubBroker
	store  *memStore
	gate   *risk.Gate
	pos    *position.Manager
}

func newHarness(t *testing.T, forceClose util.ClockTime) *harness {
	t.Helper()
	clock, err := util.NewSessionClock("Asia/Kolkata",
		util.ClockTime{Hour: 9, Minute: 15},
		util.ClockTime{Hour: 15, Minute: 30},
		forceClose,
	)
	if err != nil {
		t.Fatalf("NewSessionClock: %v", err)
	}

	st := newMemStore()
	b := broker.NewStubBroker()

	gate, err := risk.NewGate(context.Background(),
		risk.Limits{MaxTradesPerDay: 4, MaxDailyLoss: 500, PositionSize: 1},
		clock, st)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	pos := position.NewManager(position.StopParams{
		SLPoints:           2.5,
		TrailingActivation: 20,
		TrailingBuffer:     5,
	}, st, func(ctx context.Context, pnl float64, at time.Time) {
		gate.RecordPnL(ctx, pnl, at)
	})

	strat := strategy.New(strategy.Params{
		IndexSymbol:      "NIFTY",
		ZoneOffset:       2.5,
		StrikeStep:       50,
		MiddleTolerance:  0.5,
		CalibrationStart: util.ClockTime{Hour: 9, Minute: 15, Second: 50},
		CalibrationEnd:   util.ClockTime{Hour: 9, Minute: 16, Second: 0},
	}, clock.Location())

	eng := New(Deps{
		Clock:       clock,
		Store:       st,
		Broker:      b,
		Strategy:    strat,
		Gate:        gate,
		Executor:    execution.NewPaperExecutor(b, st),
		Positions:   pos,
		Notifier:    alert.NopNotifier{},
		IndexSymbol: "NIFTY",
	})
	return &harness{engine: eng, broker: b, store: st, gate: gate, pos: pos}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func istTick(t *testing.T, symbol string, hh, mm, ss int, price float64) domain.Tick {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("loading timezone: %v", err)
	}
	return domain.Tick{
		Symbol:    symbol,
		Timestamp: time.Date(2026, 2, 3, hh, mm, ss, 0, loc),
		LastPrice: price,
	}
}

func TestEngineRefusesToStartWhenHalted(t *testing.T) {
	h := newHarness(t, util.ClockTime{Hour: 15})
	h.store.state[store.KeySystemHalted] = "true"

	err := h.engine.Run(context.Background())
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want ErrHalted", err)
	}
}

func TestEngineHaltsWhenReconciliationFails(t *testing.T) {
	h := newHarness(t, util.ClockTime{Hour: 15})
	// A broker position with no usable entry price cannot be adopted.
	h.broker.SetPositions([]broker.NetPosition{
		{Symbol: "NIFTY26020319000CE", Side: domain.SideBuy, Qty: 1, AvgPrice: 0},
	})

	err := h.engine.Run(context.Background())
	if !errors.Is(err, position.ErrReconciliation) {
		t.Fatalf("Run = %v, want ErrReconciliation", err)
	}
	if v, _ := h.store.GetState(context.Background(), store.KeySystemHalted); v != "true" {
		t.Errorf("halted flag = %q, want true", v)
	}
	if v, _ := h.store.GetState(context.Background(), store.KeyHaltTimestamp); v == "" {
		t.Error("halt timestamp not set")
	}
}

func TestEngineResumeClearsHaltedFlag(t *testing.T) {
	h := newHarness(t, util.ClockTime{Hour: 23, Minute: 59})
	h.store.state[store.KeySystemHalted] = "true"
	h.store.state[store.KeyHaltTimestamp] = "2026-02-02T14:00:00+05:30"
	h.engine.deps.ResumeHalted = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	waitFor(t, "halted flag cleared", func() bool {
		v, _ := h.store.GetState(context.Background(), store.KeySystemHalted)
		return v == "false"
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after resume", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestEngineEmergencyHaltStopsTrading(t *testing.T) {
	h := newHarness(t, util.ClockTime{Hour: 23, Minute: 59})
	h.store.failTrades = errors.New("database is locked")
	optSym := "NIFTY26020319000CE"
	h.broker.SetQuote(optSym, 100)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background()) }()

	// Calibrate and break out; the entry fill cannot be persisted, which
	// must halt the whole engine rather than leave it trading.
	time.Sleep(20 * time.Millisecond)
	h.broker.PushTick(istTick(t, "NIFTY", 9, 15, 55, 19000))
	h.broker.PushTick(istTick(t, "NIFTY", 9, 16, 1, 19000))
	h.broker.PushTick(istTick(t, "NIFTY", 9, 17, 0, 19003))

	select {
	case err := <-done:
		if !errors.Is(err, ErrEmergencyHalt) {
			t.Fatalf("Run = %v, want ErrEmergencyHalt", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine kept running after emergency halt")
	}
	if v, _ := h.store.GetState(context.Background(), store.KeySystemHalted); v != "true" {
		t.Errorf("halted flag = %q, want true", v)
	}
	if open := h.pos.Open(); len(open) != 0 {
		t.Errorf("unpersisted position still tracked: %v", open)
	}
}

func TestEngineTradesFullRoundTrip(t *testing.T) {
	h := newHarness(t, util.ClockTime{Hour: 23, Minute: 59})
	optSym := "NIFTY26020319000CE"
	h.broker.SetQuote(optSym, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	// Wait for the feed subscription, then calibrate and break out.
	time.Sleep(20 * time.Millisecond)
	h.broker.PushTick(istTick(t, "NIFTY", 9, 15, 55, 19000))
	h.broker.PushTick(istTick(t, "NIFTY", 9, 16, 1, 19000))
	h.broker.PushTick(istTick(t, "NIFTY", 9, 17, 0, 19003))

	waitFor(t, "entry fill", func() bool {
		return len(h.pos.Open()) == 1
	})
	open := h.pos.Open()[0]
	if open.Symbol != optSym || open.EntryPrice != 100 || open.StopLoss != 97.5 {
		t.Errorf("open position = %+v", open)
	}
	if h.gate.TradesToday() != 1 {
		t.Errorf("TradesToday = %d, want 1", h.gate.TradesToday())
	}

	// Option price through the stop exits the position.
	h.broker.PushTick(istTick(t, optSym, 9, 30, 0, 97))
	waitFor(t, "stop exit", func() bool {
		return len(h.pos.Open()) == 0
	})
	waitFor(t, "realized pnl", func() bool {
		return h.gate.PnLToday() == -3
	})
	rec, ok := h.store.trade(open.ID)
	if !ok || rec.Status != store.TradeClosed || rec.PnL != -3 {
		t.Errorf("closed trade record = %+v", rec)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on graceful shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
	if v, _ := h.store.GetState(context.Background(), store.KeyLastShutdown); v == "" {
		t.Error("shutdown timestamp not persisted")
	}
}

func TestEngineForcesClosureAtCutoff(t *testing.T) {
	// Cutoff at midnight means the session is always past forced closure.
	h := newHarness(t, util.ClockTime{Hour: 0})
	optSym := "NIFTY26020319000CE"
	h.broker.SetQuote(optSym, 95)

	// An open position survives restart via the store and the broker book.
	h.store.trades["t1"] = store.TradeRecord{
		TradeID: "t1", Symbol: optSym, Side: domain.SideBuy,
		EntryPrice: 100, Qty: 1, StopLoss: 97.5, Status: store.TradeOpen,
	}
	h.broker.SetPositions([]broker.NetPosition{
		{Symbol: optSym, Side: domain.SideBuy, Qty: 1, AvgPrice: 100},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	waitFor(t, "forced closure", func() bool {
		rec, ok := h.store.trade("t1")
		return ok && rec.Status == store.TradeClosed
	})
	rec, _ := h.store.trade("t1")
	if rec.ExitPrice != 95 {
		t.Errorf("forced exit price = %v, want 95", rec.ExitPrice)
	}
	if h.gate.PnLToday() != -5 {
		t.Errorf("PnLToday = %v, want -5", h.gate.PnLToday())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

// lostOrderExecutor fails every order after assigning it a broker ID, as if
// contact was lost while the order rested at the broker.
type lostOrderExecutor struct{ calls int }

func (x *lostOrderExecutor) Execute(_ context.Context, order *domain.Order) (*domain.Execution, error) {
	x.calls++
	order.BrokerOrderID = "STUB-LOST"
	return nil, errors.New("poll timeout")
}

func TestEngineRequestsCancelOfLostOrder(t *testing.T) {
	h := newHarness(t, util.ClockTime{Hour: 23, Minute: 59})
	x := &lostOrderExecutor{}
	h.engine.deps.Executor = x

	ctx := context.Background()
	e := h.engine
	e.processTick(ctx, istTick(t, "NIFTY", 9, 15, 55, 19000))
	e.processTick(ctx, istTick(t, "NIFTY", 9, 16, 1, 19000))
	e.processTick(ctx, istTick(t, "NIFTY", 9, 17, 0, 19003))

	sig, ok := e.signals.TryGet()
	if !ok {
		t.Fatal("no signal after breakout")
	}
	if sig.CancelOrderID != "" {
		t.Errorf("first signal carries CancelOrderID %q", sig.CancelOrderID)
	}
	e.processSignal(ctx, sig)
	order, ok := e.orders.TryGet()
	if !ok {
		t.Fatal("approved signal produced no order")
	}
	e.processOrder(ctx, order)
	if x.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", x.calls)
	}

	// Back to the middle re-arms the gates; the next breakout signal must
	// request cancellation of the order whose fate is unknown.
	e.processTick(ctx, istTick(t, "NIFTY", 9, 18, 0, 19000))
	e.processTick(ctx, istTick(t, "NIFTY", 9, 19, 0, 19003))
	sig2, ok := e.signals.TryGet()
	if !ok {
		t.Fatal("no signal after re-arm")
	}
	if sig2.CancelOrderID != "STUB-LOST" {
		t.Errorf("CancelOrderID = %q, want STUB-LOST", sig2.CancelOrderID)
	}
}

// captureNotifier records alerts for assertions.
type captureNotifier struct {
	mu         sync.Mutex
	messages   []string
	priorities []alert.Priority
}

func (c *captureNotifier) Alert(message string, priority alert.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	c.priorities = append(c.priorities, priority)
}

func TestEngineAlertsZoneFailureAtCriticalPriority(t *testing.T) {
	h := newHarness(t, util.ClockTime{Hour: 23, Minute: 59})
	notifier := &captureNotifier{}
	h.engine.deps.Notifier = notifier

	// The calibration window closes without a single index tick.
	h.engine.processTick(context.Background(), istTick(t, "NIFTY", 9, 20, 0, 19000))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.priorities) != 1 {
		t.Fatalf("alerts sent = %d, want 1", len(notifier.priorities))
	}
	if notifier.priorities[0] != alert.PriorityCritical {
		t.Errorf("alert priority = %v, want CRITICAL", notifier.priorities[0])
	}
}
