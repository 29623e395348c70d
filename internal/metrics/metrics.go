// Package metrics exposes the engine's Prometheus counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks ingested"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Entry signals emitted by the strategy"},
		[]string{"type"},
	)
	SignalsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_dropped_total", Help: "Signals dropped by the risk gate"},
		[]string{"reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted to the broker"},
		[]string{"symbol", "side"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fills_total", Help: "Order fills by terminal status"},
		[]string{"status"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Currently open positions"},
	)
	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "realized_pnl", Help: "Realized PnL for the current session"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, SignalsTotal, SignalsDropped,
		OrdersTotal, FillsTotal, OpenPositions, RealizedPnL,
	)
}

// Serve exposes /metrics on addr in a background goroutine. The caller owns
// the returned server's shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
