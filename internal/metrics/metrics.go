// Package metrics exposes the engine's Prometheus instrumentation.
//
// Series:
//   - trader_orders_total{mode,side}          orders placed
//   - trader_signals_total{strategy,result}   signals by outcome (approved|rejected)
//   - trader_exits_total{category}            closed positions by exit category
//   - trader_equity_rupees                    ledger equity snapshot (gauge)
//   - trader_open_positions                   open position count (gauge)
//   - trader_tick_duration_seconds            orchestrator tick latency (histogram)
//   - trader_store_write_failures_total{op}   persistence failures by operation
//
// Everything is registered in init() and served from the API's /metrics
// endpoint in Prometheus text exposition format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders placed, by trading mode and side",
		},
		[]string{"mode", "side"},
	)

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Strategy signals by outcome (approved|rejected)",
		},
		[]string{"strategy", "result"},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_exits_total",
			Help: "Closed positions by exit category",
		},
		[]string{"category"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_equity_rupees",
			Help: "Current ledger equity (available + margin + unrealized)",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Open position count",
		},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_tick_duration_seconds",
			Help:    "Orchestrator tick latency",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
	)

	storeWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_store_write_failures_total",
			Help: "Persistence write failures by operation",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(orders, signals, exits)
	prometheus.MustRegister(equity, openPositions, tickDuration)
	prometheus.MustRegister(storeWriteFailures)
}

// OrderPlaced counts a filled order.
func OrderPlaced(mode, side string) { orders.WithLabelValues(mode, side).Inc() }

// SignalEmitted counts a journaled signal; result is "approved" or "rejected".
func SignalEmitted(strategy, result string) { signals.WithLabelValues(strategy, result).Inc() }

// ExitRecorded counts a position close by category.
func ExitRecorded(category string) { exits.WithLabelValues(category).Inc() }

// SetEquity publishes the ledger equity snapshot.
func SetEquity(v float64) { equity.Set(v) }

// SetOpenPositions publishes the open position count.
func SetOpenPositions(n int) { openPositions.Set(float64(n)) }

// ObserveTick records one orchestrator tick's duration.
func ObserveTick(d time.Duration) { tickDuration.Observe(d.Seconds()) }

// StoreWriteFailure counts a failed persistence write.
func StoreWriteFailure(op string) { storeWriteFailures.WithLabelValues(op).Inc() }
