package risk

import (
	"context"
	"testing"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

type memState struct {
	kv map[string]string
}

func newMemState() *memState { return &memState{kv: make(map[string]string)} }

func (m *memState) SetState(_ context.Context, key, value string) error {
	m.kv[key] = value
	return nil
}

func (m *memState) GetState(_ context.Context, key string) (string, error) {
	return m.kv[key], nil
}

var _ store.StateStore = (*memState)(nil)

func testClock(t *testing.T) *util.SessionClock {
	t.Helper()
	clock, err := util.NewSessionClock("Asia/Kolkata",
		util.ClockTime{Hour: 9, Minute: 15},
		util.ClockTime{Hour: 15, Minute: 30},
		util.ClockTime{Hour: 15, Minute: 0},
	)
	if err != nil {
		t.Fatalf("NewSessionClock: %v", err)
	}
	return clock
}

func testLimits() Limits {
	return Limits{MaxTradesPerDay: 4, MaxDailyLoss: 500, PositionSize: 1}
}

func entrySignal() *domain.Signal {
	return &domain.Signal{
		Symbol:    "NIFTY26020319000CE",
		Timestamp: time.Now(),
		Type:      domain.SignalCallEntry,
		Strength:  1.0,
	}
}

func TestGateApprovesUpToTradeLimit(t *testing.T) {
	ctx := context.Background()
	clock := testClock(t)
	g, err := NewGate(ctx, testLimits(), clock, newMemState())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	now := time.Date(2026, 2, 3, 10, 0, 0, 0, clock.Location())
	for i := 0; i < 4; i++ {
		order, err := g.Evaluate(ctx, entrySignal(), now)
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		if order == nil {
			t.Fatalf("signal %d dropped below trade limit", i)
		}
		if order.Qty != 1 || order.Side != domain.SideBuy || order.Reason != domain.ReasonEntry {
			t.Errorf("order %d = qty %d side %s reason %s", i, order.Qty, order.Side, order.Reason)
		}
		if order.Type != domain.OrderTypeMarket {
			t.Errorf("order %d type = %s, want MARKET", i, order.Type)
		}
	}

	order, err := g.Evaluate(ctx, entrySignal(), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if order != nil {
		t.Error("fifth signal approved past the daily trade limit")
	}
}

func TestGateBlocksAfterDailyLossBreached(t *testing.T) {
	ctx := context.Background()
	clock := testClock(t)
	g, err := NewGate(ctx, testLimits(), clock, newMemState())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	now := time.Date(2026, 2, 3, 10, 0, 0, 0, clock.Location())
	g.RecordPnL(ctx, -300, now)
	if g.LossLimitBreached() {
		t.Fatal("loss limit breached at -300 with a 500 ceiling")
	}
	g.RecordPnL(ctx, -250, now)
	if !g.LossLimitBreached() {
		t.Fatal("loss limit not breached at -550")
	}

	order, err := g.Evaluate(ctx, entrySignal(), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if order != nil {
		t.Error("signal approved after loss limit breach")
	}
}

func TestGateCountersRollOverOnNewSessionDate(t *testing.T) {
	ctx := context.Background()
	clock := testClock(t)
	g, err := NewGate(ctx, testLimits(), clock, newMemState())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	day1 := time.Date(2026, 2, 3, 10, 0, 0, 0, clock.Location())
	for i := 0; i < 4; i++ {
		if order, _ := g.Evaluate(ctx, entrySignal(), day1); order == nil {
			t.Fatalf("signal %d dropped on day one", i)
		}
	}
	g.RecordPnL(ctx, -600, day1)

	day2 := day1.AddDate(0, 0, 1)
	order, err := g.Evaluate(ctx, entrySignal(), day2)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if order == nil {
		t.Fatal("signal dropped after date rollover should have reset counters")
	}
	if g.TradesToday() != 1 {
		t.Errorf("TradesToday = %d after rollover, want 1", g.TradesToday())
	}
	if g.PnLToday() != 0 {
		t.Errorf("PnLToday = %v after rollover, want 0", g.PnLToday())
	}
}

func TestGateRestoresPersistedCounters(t *testing.T) {
	ctx := context.Background()
	clock := testClock(t)
	state := newMemState()

	today := clock.SessionDate(time.Now()).Format("2006-01-02")
	state.kv[store.KeyCountersDate] = today
	state.kv[store.KeyTradesToday] = "3"
	state.kv[store.KeyLossToday] = "-120.50"

	g, err := NewGate(ctx, testLimits(), clock, state)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if g.TradesToday() != 3 {
		t.Errorf("TradesToday = %d, want 3", g.TradesToday())
	}
	if g.PnLToday() != -120.50 {
		t.Errorf("PnLToday = %v, want -120.50", g.PnLToday())
	}

	// Only one entry slot remains.
	now := time.Now()
	if order, _ := g.Evaluate(ctx, entrySignal(), now); order == nil {
		t.Fatal("fourth trade of the day dropped")
	}
	if order, _ := g.Evaluate(ctx, entrySignal(), now); order != nil {
		t.Error("fifth trade approved after restore")
	}
}

func TestGateIgnoresStalePersistedCounters(t *testing.T) {
	ctx := context.Background()
	clock := testClock(t)
	state := newMemState()
	state.kv[store.KeyCountersDate] = "2026-02-02"
	state.kv[store.KeyTradesToday] = "4"

	g, err := NewGate(ctx, testLimits(), clock, state)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if g.TradesToday() != 0 {
		t.Errorf("stale counters restored: TradesToday = %d", g.TradesToday())
	}
}
