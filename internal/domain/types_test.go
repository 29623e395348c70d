package domain

import (
	"testing"
	"time"
)

func TestTickValid(t *testing.T) {
	good := Tick{Symbol: "NIFTY", Timestamp: time.Now(), LastPrice: 19000}
	if !good.Valid() {
		t.Error("expected tick with symbol, timestamp, and price to be valid")
	}

	cases := []Tick{
		{Timestamp: time.Now(), LastPrice: 19000}, // no symbol
		{Symbol: "NIFTY", Timestamp: time.Now()},  // no price
		{Symbol: "NIFTY", Timestamp: time.Now(), LastPrice: -1},
		{Symbol: "NIFTY", LastPrice: 19000}, // no timestamp
	}
	for i, tick := range cases {
		if tick.Valid() {
			t.Errorf("case %d: expected invalid tick, got valid", i)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if got := SideBuy.Opposite(); got != SideSell {
		t.Errorf("SideBuy.Opposite() = %q, want %q", got, SideSell)
	}
	if got := SideSell.Opposite(); got != SideBuy {
		t.Errorf("SideSell.Opposite() = %q, want %q", got, SideBuy)
	}
}

func TestNewOrderIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewOrderID()
		if id == "" {
			t.Fatal("NewOrderID returned empty string")
		}
		if seen[id] {
			t.Fatalf("NewOrderID returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestPositionProfit(t *testing.T) {
	long := &Position{Side: SideBuy, EntryPrice: 100, Qty: 50}
	if got := long.UnrealizedProfit(104); got != 4 {
		t.Errorf("long unrealized profit = %v, want 4", got)
	}
	if got := long.RealizedPnL(104); got != 200 {
		t.Errorf("long realized pnl = %v, want 200", got)
	}

	short := &Position{Side: SideSell, EntryPrice: 100, Qty: 50}
	if got := short.UnrealizedProfit(104); got != -4 {
		t.Errorf("short unrealized profit = %v, want -4", got)
	}
	if got := short.RealizedPnL(96); got != 200 {
		t.Errorf("short realized pnl = %v, want 200", got)
	}
}
