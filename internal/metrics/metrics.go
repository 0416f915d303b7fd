// Package metrics exposes Prometheus collectors for payment attempts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	paymentAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapclock",
			Subsystem: "payments",
			Name:      "attempts_total",
			Help:      "Finished payment attempts by the stage they ended in and error kind.",
		},
		[]string{"stage", "kind"},
	)

	paymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zapclock",
			Subsystem: "payments",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each payment stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"stage"},
	)

	walletRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapclock",
			Subsystem: "nwc",
			Name:      "requests_total",
			Help:      "Wallet requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zapclock",
			Subsystem: "nwc",
			Name:      "relay_connections",
			Help:      "Open relay connections in the pool.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapclock",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	Registry.MustRegister(
		paymentAttempts,
		paymentDuration,
		walletRequests,
		relayConnections,
		httpRequests,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordAttempt counts a finished payment attempt.
func RecordAttempt(stage, kind string) {
	paymentAttempts.WithLabelValues(stage, kind).Inc()
}

// ObserveStage records how long a stage took.
func ObserveStage(stage string, d time.Duration) {
	paymentDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordWalletRequest counts one NWC request.
func RecordWalletRequest(method, outcome string) {
	walletRequests.WithLabelValues(method, outcome).Inc()
}

// RelayConnected tracks pool size changes.
func RelayConnected()    { relayConnections.Inc() }
func RelayDisconnected() { relayConnections.Dec() }

// RecordHTTPRequest counts one served HTTP request.
func RecordHTTPRequest(method, path, status string) {
	httpRequests.WithLabelValues(method, path, status).Inc()
}
