// Package metrics exposes Prometheus collectors for the trading pipeline.
// Every method is safe on a nil *Metrics so components can run without one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	// Pipeline
	alerts     *prometheus.CounterVec
	admissions *prometheus.CounterVec

	// Execution
	fills           *prometheus.CounterVec
	executionErrors *prometheus.CounterVec
	routerHalted    prometheus.Gauge

	// Positions
	openPositions   *prometheus.GaugeVec
	closedPositions *prometheus.CounterVec
	realizedPnL     *prometheus.GaugeVec
	staleFeed       prometheus.Counter
	unknownFills    prometheus.Counter

	// Risk
	circuitOpen prometheus.Gauge
	tradesToday prometheus.Gauge
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alerts received, by outcome",
			},
			[]string{"outcome"},
		),
		admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Risk gate decisions, by result",
			},
			[]string{"result"},
		),

		fills: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fills_total",
				Help:      "Fills applied to positions",
			},
			[]string{"path", "kind"},
		),
		executionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_errors_total",
				Help:      "Order placement failures",
			},
			[]string{"path"},
		),
		routerHalted: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "router_halted",
				Help:      "1 when the live retry budget is exhausted",
			},
		),

		openPositions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_positions",
				Help:      "Positions not yet terminal",
			},
			[]string{"path"},
		),
		closedPositions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_closed_total",
				Help:      "Positions reaching a terminal state",
			},
			[]string{"path", "state"},
		),
		realizedPnL: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realized_pnl",
				Help:      "Realized P&L since start",
			},
			[]string{"path"},
		),
		staleFeed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_feed_warnings_total",
				Help:      "Price feed gaps observed by position monitors",
			},
		),
		unknownFills: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unknown_fills_total",
				Help:      "Fills dropped for referencing an unknown position",
			},
		),

		circuitOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_open",
				Help:      "1 while the risk circuit breaker is open",
			},
		),
		tradesToday: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trades_today",
				Help:      "Admitted trades this session",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Alert(outcome string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) Fill(path, kind string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(path, kind).Inc()
}

func (m *Metrics) ExecutionError(path string) {
	if m == nil {
		return
	}
	m.executionErrors.WithLabelValues(path).Inc()
}

func (m *Metrics) RouterHalted(halted bool) {
	if m == nil {
		return
	}
	m.routerHalted.Set(boolToFloat(halted))
}

func (m *Metrics) PositionOpened(path string) {
	if m == nil {
		return
	}
	m.openPositions.WithLabelValues(path).Inc()
}

func (m *Metrics) PositionClosed(path, state string, pnl float64) {
	if m == nil {
		return
	}
	m.openPositions.WithLabelValues(path).Dec()
	m.closedPositions.WithLabelValues(path, state).Inc()
	m.realizedPnL.WithLabelValues(path).Add(pnl)
}

func (m *Metrics) StaleFeed() {
	if m == nil {
		return
	}
	m.staleFeed.Inc()
}

func (m *Metrics) UnknownFill() {
	if m == nil {
		return
	}
	m.unknownFills.Inc()
}

func (m *Metrics) RiskState(tradesToday int, circuitOpen bool) {
	if m == nil {
		return
	}
	m.tradesToday.Set(float64(tradesToday))
	m.circuitOpen.Set(boolToFloat(circuitOpen))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
