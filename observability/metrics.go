package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks the state machine as seen by builders and the overlay.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	admissions  *prometheus.CounterVec
	submit      *prometheus.HistogramVec
	liveTokens  prometheus.Gauge
}

// HTTPMetrics records overlay HTTP traffic.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "transitions",
				Name:      "total",
				Help:      "Transitions evaluated segmented by kind and stage (planned, authorized, submitted).",
			}, []string{"kind", "stage"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "transitions",
				Name:      "rejected_total",
				Help:      "Transitions rejected segmented by kind and failed guard.",
			}, []string{"kind", "guard"}),
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "overlay",
				Name:      "admissions_total",
				Help:      "Records offered to the overlay segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			submit: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "builder",
				Name:      "finalize_duration_seconds",
				Help:      "Latency of signing and broadcasting a drafted transition.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind", "outcome"}),
			liveTokens: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "overlay",
				Name:      "live_tokens",
				Help:      "Unspent contract tokens currently tracked by the overlay.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.rejections,
			escrowRegistry.admissions,
			escrowRegistry.submit,
			escrowRegistry.liveTokens,
		)
	})
	return escrowRegistry
}

// RecordTransition counts a transition reaching stage.
func (m *EscrowMetrics) RecordTransition(kind, stage string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(kind), label(stage)).Inc()
}

// RecordRejection counts a guard failure.
func (m *EscrowMetrics) RecordRejection(kind, guard string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(label(kind), label(guard)).Inc()
}

// RecordAdmission counts the outcome of offering a record to the overlay.
// Outcomes should be stable strings such as "admitted", "spent" or "invalid".
func (m *EscrowMetrics) RecordAdmission(kind, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(label(kind), label(outcome)).Inc()
}

// ObserveFinalize records how long a builder took to sign and broadcast.
func (m *EscrowMetrics) ObserveFinalize(kind string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.submit.WithLabelValues(label(kind), outcome).Observe(duration.Seconds())
}

// SetLiveTokens reports the current number of unspent tokens.
func (m *EscrowMetrics) SetLiveTokens(n int) {
	if m == nil {
		return
	}
	m.liveTokens.Set(float64(n))
}

// HTTP returns the lazily-initialised overlay HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Overlay HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for overlay HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the overlay rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records one served request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *HTTPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(route)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
