// Package metrics holds the Prometheus collectors used by the SDK gateway and
// the sandbox server.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for GatewayRequests.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport_error"
	OutcomeOpen      = "circuit_open"
)

var (
	// GatewayRequests counts SDK calls to the attribution gateway.
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinara_gateway_requests_total",
			Help: "Requests issued by the SDK to the attribution gateway",
		},
		[]string{"endpoint", "outcome"},
	)

	// GatewayDuration tracks round-trip time of SDK calls.
	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shinara_gateway_request_duration_seconds",
			Help:    "Round-trip time of SDK requests to the attribution gateway",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ServedRequests counts requests handled by the sandbox gateway.
	ServedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinara_sandbox_requests_total",
			Help: "Requests served by the sandbox attribution gateway",
		},
		[]string{"method", "route", "status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(GatewayRequests, GatewayDuration, ServedRequests)
	})
}

// ObserveGateway records one gateway call.
func ObserveGateway(endpoint, outcome string, elapsed time.Duration) {
	GatewayRequests.WithLabelValues(endpoint, outcome).Inc()
	GatewayDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
