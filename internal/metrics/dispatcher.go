package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DispatcherMetrics is the Prometheus-backed instrumentation for the
// request dispatcher and operation table: a struct of pre-registered
// collectors whose methods have nil-receiver no-ops, so callers never
// need to branch on whether metrics are enabled.
type DispatcherMetrics struct {
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	operationTable *prometheus.GaugeVec
	evictionsTotal prometheus.Counter
}

// NewDispatcherMetrics creates a Prometheus-backed DispatcherMetrics.
// Returns nil if metrics are not enabled (InitRegistry not called), so
// that every recording method below is a safe no-op.
func NewDispatcherMetrics() *DispatcherMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &DispatcherMetrics{
		callsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keymint_dispatcher_calls_total",
				Help: "Total dispatcher calls by entry point and result code.",
			},
			[]string{"procedure", "code"},
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keymint_dispatcher_call_duration_seconds",
				Help:    "Dispatcher call latency by entry point.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"procedure"},
		),
		operationTable: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keymint_operation_table_size",
				Help: "Current number of live operations tracked by the operation table.",
			},
			[]string{},
		),
		evictionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "keymint_operation_table_evictions_total",
				Help: "Total operations evicted from the operation table to make room at capacity.",
			},
		),
	}
}

func (m *DispatcherMetrics) RecordCall(procedure string, code int32, seconds float64) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(procedure, codeLabel(code)).Inc()
	m.callDuration.WithLabelValues(procedure).Observe(seconds)
}

func (m *DispatcherMetrics) SetOperationTableSize(n int) {
	if m == nil {
		return
	}
	m.operationTable.WithLabelValues().Set(float64(n))
}

// RecordEvictions adds n evictions to the running total. The operation
// table only exposes a cumulative counter, so callers are expected to pass
// the delta since their last observation rather than a raw snapshot.
func (m *DispatcherMetrics) RecordEvictions(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.evictionsTotal.Add(float64(n))
}

func codeLabel(code int32) string {
	if code == 0 {
		return "OK"
	}
	return "ERROR"
}
