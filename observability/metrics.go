package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type gatewayMetrics struct {
	throttles    *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	replays      *prometheus.CounterVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics
)

// Gateway returns the lazily-initialised registry for request admission
// outcomes that never reach a ledger handler.
func Gateway() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "batpay",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter, by route.",
			}, []string{"route"}),
			authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "batpay",
				Subsystem: "gateway",
				Name:      "auth_failures_total",
				Help:      "Requests rejected during caller authentication, by scheme.",
			}, []string{"scheme"}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "batpay",
				Subsystem: "gateway",
				Name:      "idempotent_replays_total",
				Help:      "Responses served from the idempotency journal, by route.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.throttles,
			gatewayRegistry.authFailures,
			gatewayRegistry.replays,
		)
	})
	return gatewayRegistry
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordThrottle counts a rate-limited request.
func (m *gatewayMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(orUnknown(route)).Inc()
}

// RecordAuthFailure counts a rejected credential. scheme is "signature" or
// "bearer".
func (m *gatewayMetrics) RecordAuthFailure(scheme string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(orUnknown(scheme)).Inc()
}

// RecordReplay counts a response served again for a repeated idempotency key.
func (m *gatewayMetrics) RecordReplay(route string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(orUnknown(route)).Inc()
}
