// Package feed bridges the broker tick stream into the engine: it validates
// incoming ticks, fans them into the tick queue, archives them, and watches
// for a stalled stream.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/broker"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/queue"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
)

// Feed pumps broker ticks into the tick queue. Invalid ticks are dropped at
// this boundary; valid ones are also written to the tick archive when a
// recorder is attached.
type Feed struct {
	broker   broker.Broker
	ticks    *queue.Queue[domain.Tick]
	recorder *store.TickRecorder
	log      *slog.Logger

	mu       sync.Mutex
	symbols  []string
	lastTick time.Time
	dropped  int64
}

// New creates a feed writing into ticks. recorder may be nil.
func New(b broker.Broker, ticks *queue.Queue[domain.Tick], recorder *store.TickRecorder) *Feed {
	return &Feed{
		broker:   b,
		ticks:    ticks,
		recorder: recorder,
		log:      slog.Default().With("component", "feed"),
	}
}

// Subscribe adds symbols to the watched set. Call before Run, or while
// running to have the next (re)subscription pick them up.
func (f *Feed) Subscribe(symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		if !contains(f.symbols, s) {
			f.symbols = append(f.symbols, s)
		}
	}
}

// LastTick returns the receive time of the most recent valid tick.
func (f *Feed) LastTick() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTick
}

// Dropped returns the number of rejected ticks since start.
func (f *Feed) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Run consumes the broker stream until ctx is cancelled. It returns when the
// stream channel closes; the caller decides whether to resubscribe.
func (f *Feed) Run(ctx context.Context) error {
	f.mu.Lock()
	symbols := append([]string(nil), f.symbols...)
	f.mu.Unlock()

	stream, err := f.broker.SubscribeTicks(ctx, symbols)
	if err != nil {
		return fmt.Errorf("subscribing to ticks: %w", err)
	}
	f.log.Info("tick stream started", "symbols", symbols)

	for {
		select {
		case <-ctx.Done():
			f.flush()
			return ctx.Err()
		case tick, ok := <-stream:
			if !ok {
				f.flush()
				f.log.Warn("tick stream closed")
				return nil
			}
			f.handle(tick)
		}
	}
}

func (f *Feed) handle(tick domain.Tick) {
	if !tick.Valid() {
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		f.log.Warn("dropping invalid tick",
			"symbol", tick.Symbol,
			"price", tick.LastPrice,
		)
		return
	}

	f.mu.Lock()
	f.lastTick = time.Now()
	f.mu.Unlock()

	if !f.ticks.TryPut(tick) {
		f.log.Warn("tick queue full, dropping tick", "symbol", tick.Symbol)
	}
	if f.recorder != nil {
		if err := f.recorder.Record(tick); err != nil {
			f.log.Error("archiving tick", "symbol", tick.Symbol, "error", err)
		}
	}
}

func (f *Feed) flush() {
	if f.recorder == nil {
		return
	}
	if err := f.recorder.Flush(); err != nil {
		f.log.Error("flushing tick archive", "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Watchdog
// ---------------------------------------------------------------------------

// Watchdog restarts the feed when the stream stalls. Run blocks until ctx is
// cancelled, looping subscribe/consume with a staleness check in between.
type Watchdog struct {
	feed     *Feed
	staleAge time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewWatchdog wraps feed with a staleness monitor. staleAge is how old the
// last tick may get during market hours before the stream is considered
// dead.
func NewWatchdog(f *Feed, staleAge time.Duration) *Watchdog {
	return &Watchdog{
		feed:     f,
		staleAge: staleAge,
		interval: 5 * time.Second,
		log:      slog.Default().With("component", "feed-watchdog"),
	}
}

// Run supervises the feed until ctx is cancelled, resubscribing whenever the
// consume loop exits or the stream stalls.
func (w *Watchdog) Run(ctx context.Context) error {
	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- w.feed.Run(runCtx) }()

		err := w.watch(runCtx, done)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.log.Warn("feed stopped, resubscribing", "error", err)
		} else {
			w.log.Warn("tick stream stalled, resubscribing",
				"last_tick", w.feed.LastTick(),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// watch waits for the feed to exit or the stream to go stale. A nil return
// means staleness; otherwise the feed's exit error is passed through.
func (w *Watchdog) watch(ctx context.Context, done <-chan error) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return <-done
		case <-ticker.C:
			last := w.feed.LastTick()
			if !last.IsZero() && time.Since(last) > w.staleAge {
				return nil
			}
		}
	}
}
