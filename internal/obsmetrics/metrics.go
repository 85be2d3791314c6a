// Package obsmetrics exposes gatewayd's Prometheus collectors, grounded
// on the teacher's infrastructure/metrics.Metrics (vector metrics
// registered against a Registerer, default or custom).
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's dispatch-pipeline collectors.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	WasmErrorsTotal  prometheus.Counter
	BreakerState     *prometheus.GaugeVec
	QuotaRejected    *prometheus.CounterVec
	DLQTotal         *prometheus.CounterVec
	ChainsActive     prometheus.Gauge
}

// New registers all collectors against registerer (pass
// prometheus.DefaultRegisterer for the process-wide default).
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_total",
			Help: "Total dispatched actions by outcome category.",
		}, []string{"tenant", "action_type", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Dispatch pipeline latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action_type"}),
		WasmErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_wasm_errors_total",
			Help: "Plugin invocations that failed open.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per provider (0=closed,1=half_open,2=open).",
		}, []string{"provider"}),
		QuotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quota_rejected_total",
			Help: "Actions rejected by quota overage.",
		}, []string{"policy"}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dlq_total",
			Help: "Actions sent to the dead-letter sink.",
		}, []string{"provider", "error_kind"}),
		ChainsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_chains_active",
			Help: "Chains currently in the Running state.",
		}),
	}

	registerer.MustRegister(
		m.DispatchTotal, m.DispatchDuration, m.WasmErrorsTotal,
		m.BreakerState, m.QuotaRejected, m.DLQTotal, m.ChainsActive,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncWasmErrors implements core/expr.Counters so the evaluator's
// wasm_errors counter (spec §4.1) flows straight into Prometheus.
func (m *Metrics) IncWasmErrors() {
	m.WasmErrorsTotal.Inc()
}
