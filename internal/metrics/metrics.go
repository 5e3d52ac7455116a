// Package metrics registers the Prometheus collectors updated across the
// pipeline and exposes small helpers so components never touch label
// plumbing directly. Served at /metrics by the ops HTTP server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	scannerDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_scanner_drops_total",
			Help: "Scanner candidates dropped, by reason",
		},
		[]string{"reason"}, // stale_book|missing_quote|parse_error|below_threshold|rate_limited
	)

	opportunities = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_opportunities_total",
			Help: "Opportunities emitted by the scanner",
		},
	)

	riskApproved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_risk_approved_total",
			Help: "Opportunities approved by the risk engine",
		},
	)

	riskRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_risk_rejected_total",
			Help: "Opportunities rejected by the risk engine, by reason",
		},
		[]string{"reason"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_orders_total",
			Help: "Orders emitted by the executor",
		},
		[]string{"side"}, // BUY|SELL
	)

	fills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_fills_total",
			Help: "Fills produced by the order simulator",
		},
	)

	trades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_trades_total",
			Help: "Completed trades, by emitting component",
		},
		[]string{"source"}, // executor|assembler
	)

	busErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_bus_errors_total",
			Help: "Bus operation failures, by operation",
		},
		[]string{"op"}, // append|read|ack|get|set
	)

	inflightOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_inflight_open",
			Help: "Opportunities currently inflight in the executor",
		},
	)

	autoTrade = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_auto_trade",
			Help: "Current autoTrade toggle (1 = on)",
		},
	)
)

func init() {
	prometheus.MustRegister(scannerDrops, opportunities)
	prometheus.MustRegister(riskApproved, riskRejected)
	prometheus.MustRegister(orders, fills, trades)
	prometheus.MustRegister(busErrors, inflightOpen, autoTrade)
}

func ScannerDrop(reason string)  { scannerDrops.WithLabelValues(reason).Inc() }
func OpportunityEmitted()        { opportunities.Inc() }
func RiskApproved()              { riskApproved.Inc() }
func RiskRejected(reason string) { riskRejected.WithLabelValues(reason).Inc() }
func OrderEmitted(side string)   { orders.WithLabelValues(side).Inc() }
func FillEmitted()               { fills.Inc() }
func TradeEmitted(source string) { trades.WithLabelValues(source).Inc() }
func BusError(op string)         { busErrors.WithLabelValues(op).Inc() }
func SetInflightOpen(n int)      { inflightOpen.Set(float64(n)) }

func SetAutoTrade(on bool) {
	if on {
		autoTrade.Set(1)
	} else {
		autoTrade.Set(0)
	}
}
