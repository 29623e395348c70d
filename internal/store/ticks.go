package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
)

// TickRecord is the Parquet schema for archived tick data.
type TickRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	LastPrice float64 `parquet:"last_price"`
	Volume    int64   `parquet:"volume"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
}

// TickRecorder archives ticks to per-symbol, per-day Parquet files under
// <DataDir>/ticks/<SYMBOL>/<YYYY-MM-DD>.parquet. Ticks are buffered in
// memory and flushed in batches; the recorder is called from the feed
// goroutine, never from the decision loop.
type TickRecorder struct {
	DataDir   string
	FlushSize int

	mu  sync.Mutex
	buf []domain.Tick
}

// NewTickRecorder creates a TickRecorder rooted at dataDir. flushSize is the
// buffered tick count that triggers a write; <= 0 uses a default.
func NewTickRecorder(dataDir string, flushSize int) *TickRecorder {
	if flushSize <= 0 {
		flushSize = 500
	}
	return &TickRecorder{DataDir: dataDir, FlushSize: flushSize}
}

// Record buffers a tick, flushing to disk when the batch fills.
func (r *TickRecorder) Record(tick domain.Tick) error {
	r.mu.Lock()
	r.buf = append(r.buf, tick)
	full := len(r.buf) >= r.FlushSize
	r.mu.Unlock()

	if full {
		return r.Flush()
	}
	return nil
}

// Flush writes all buffered ticks to their Parquet files.
func (r *TickRecorder) Flush() error {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// Group by (symbol, day).
	type key struct {
		symbol string
		day    string
	}
	groups := make(map[key][]TickRecord)
	for _, t := range batch {
		k := key{symbol: t.Symbol, day: t.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], TickRecord{
			Symbol:    t.Symbol,
			Timestamp: t.Timestamp.UnixMilli(),
			LastPrice: t.LastPrice,
			Volume:    t.Volume,
			Open:      t.Open,
			High:      t.High,
			Low:       t.Low,
			Close:     t.Close,
		})
	}

	for k, records := range groups {
		path := r.tickPath(k.symbol, k.day)

		existing, _ := readTickFile(path)
		merged := append(existing, records...)

		if err := writeTickFile(path, merged); err != nil {
			return fmt.Errorf("writing ticks for %s/%s: %w", k.symbol, k.day, err)
		}
	}
	return nil
}

// ReadTicks loads archived ticks for a symbol within [start, end].
func (r *TickRecorder) ReadTicks(symbol string, start, end time.Time) ([]domain.Tick, error) {
	var ticks []domain.Tick
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end.UTC()); day = day.Add(24 * time.Hour) {
		records, err := readTickFile(r.tickPath(symbol, day.Format("2006-01-02")))
		if err != nil {
			continue // missing days are not an error
		}
		for _, rec := range records {
			ts := time.UnixMilli(rec.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			ticks = append(ticks, domain.Tick{
				Symbol:    rec.Symbol,
				Timestamp: ts,
				LastPrice: rec.LastPrice,
				Volume:    rec.Volume,
				Open:      rec.Open,
				High:      rec.High,
				Low:       rec.Low,
				Close:     rec.Close,
			})
		}
	}
	return ticks, nil
}

func (r *TickRecorder) tickPath(symbol, day string) string {
	return filepath.Join(r.DataDir, "ticks", symbol, day+".parquet")
}

func readTickFile(path string) ([]TickRecord, error) {
	return parquet.ReadFile[TickRecord](path)
}

func writeTickFile(path string, records []TickRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}
