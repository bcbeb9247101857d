package sentinel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the engine's Prometheus collectors. They register on the
// registry supplied to the Builder, never on the global one.
type Metrics struct {
	logins       *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	reuse        prometheus.Counter
	degradations prometheus.Counter
	opDuration   *prometheus.HistogramVec
	hashPoolWait prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, bufferDepth func() int, flushErrors, requeued func() uint64) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_logins_total",
			Help: "Authentication attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_refreshes_total",
			Help: "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_token_reuse_total",
			Help: "Refresh token replay detections.",
		}),
		degradations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cache_degradations_total",
			Help: "Operations served without the cache.",
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_op_duration_seconds",
			Help:    "Engine operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		hashPoolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_hash_pool_wait_seconds",
			Help:    "Time spent waiting for a password hashing slot.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.logins, m.refreshes, m.reuse, m.degradations, m.opDuration,
		m.hashPoolWait,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sentinel_audit_buffer_depth",
			Help: "Audit entries awaiting durable flush.",
		}, func() float64 { return float64(bufferDepth()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sentinel_audit_flush_failures_total",
			Help: "Failed audit flush attempts.",
		}, func() float64 { return float64(flushErrors()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sentinel_audit_requeued_total",
			Help: "Audit entries requeued after a failed flush.",
		}, func() float64 { return float64(requeued()) }),
	)
	return m
}

func (m *Metrics) observe(op string, start time.Time) {
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
