// Package metrics exposes Prometheus counters the runtime updates during
// operation:
//
//   - broker_ticks_total{source}           – ticks ingested per adapter
//   - broker_bars_total{interval}          – bars emitted per interval
//   - broker_orders_total{account,status}  – orders by final insert status
//   - broker_trades_total{account}         – simulated fills
//   - broker_events_total{type}            – events the matcher posts from its insert and tick-matching passes
//
// Registered in init() and served by cmd/brokerd at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_ticks_total",
			Help: "Ticks ingested",
		},
		[]string{"source"},
	)

	Bars = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_bars_total",
			Help: "Bars emitted",
		},
		[]string{"interval"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_orders_total",
			Help: "Orders inserted",
		},
		[]string{"account", "status"},
	)

	Trades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_trades_total",
			Help: "Simulated fills",
		},
		[]string{"account"},
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_events_total",
			Help: "Broker events published",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(Ticks, Bars, Orders, Trades, Events)
}
