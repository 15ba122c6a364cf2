// Package obs exposes the bot's Prometheus metrics.
//
// Series:
//   - splitbot_ticks_total{source}            – price ticks ingested (stream|poll)
//   - splitbot_ticks_dropped_total            – ticks dropped on lock contention
//   - splitbot_orders_total{side,outcome}     – order attempts (buy|sell, executed|rejected|failed)
//   - splitbot_reconcile_total{outcome}       – reconciliation results (matched|synthesized|skipped)
//   - splitbot_stream_connected              – 1 while the websocket session is up
//   - splitbot_tracked_symbols               – number of active stocks
//
// Registered in init() and served at /metrics by the HTTP server started in
// cmd/splitbot.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splitbot_ticks_total",
			Help: "Price ticks ingested, by source",
		},
		[]string{"source"}, // stream|poll
	)

	ticksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "splitbot_ticks_dropped_total",
			Help: "Ticks dropped because the symbol lock was held",
		},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splitbot_orders_total",
			Help: "Order attempts by side and outcome",
		},
		[]string{"side", "outcome"}, // buy|sell, executed|rejected|failed
	)

	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splitbot_reconcile_total",
			Help: "Reconciliation fill dispositions",
		},
		[]string{"outcome"}, // matched|synthesized|skipped
	)

	streamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "splitbot_stream_connected",
			Help: "1 while the realtime websocket session is established",
		},
	)

	trackedSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "splitbot_tracked_symbols",
			Help: "Number of stocks currently tracked",
		},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal, ticksDropped)
	prometheus.MustRegister(ordersTotal, reconcileTotal)
	prometheus.MustRegister(streamConnected, trackedSymbols)
}

func IncTick(source string)             { ticksTotal.WithLabelValues(source).Inc() }
func IncTickDropped()                   { ticksDropped.Inc() }
func IncOrder(side, outcome string)     { ordersTotal.WithLabelValues(side, outcome).Inc() }
func IncReconcile(outcome string)       { reconcileTotal.WithLabelValues(outcome).Inc() }
func SetStreamConnected(connected bool) { streamConnected.Set(boolToGauge(connected)) }
func SetTrackedSymbols(n int)           { trackedSymbols.Set(float64(n)) }

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the exposition endpoint for the metrics HTTP server.
func Handler() http.Handler { return promhttp.Handler() }
