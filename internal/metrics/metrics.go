// Package metrics provides Prometheus metrics for the sync worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream metrics
	streamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncworker_streams_active",
			Help: "Number of streams currently registered in a pool",
		},
		[]string{"pool"},
	)

	streamResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncworker_stream_results_total",
			Help: "Stream attempts by stop reason",
		},
		[]string{"pool", "reason"},
	)

	framesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncworker_frames_received_total",
			Help: "Frames received from the backend",
		},
		[]string{"pool", "kind"},
	)

	streamSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncworker_stream_splits_total",
			Help: "Multiplexed streams split into single-subscription streams",
		},
	)

	streamTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncworker_stream_terminations_total",
			Help: "Streams given up after exhausting retries",
		},
		[]string{"pool"},
	)

	// Endpoint metrics
	endpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncworker_endpoint_healthy",
			Help: "1 if the pool endpoint reported healthy on the last probe",
		},
		[]string{"pool"},
	)

	// Auth metrics
	tokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncworker_token_refresh_total",
			Help: "Auth token refresh attempts",
		},
		[]string{"result"},
	)

	// Fan-out metrics
	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncworker_subscriptions_active",
			Help: "Number of live autoupdate subscriptions",
		},
	)

	portsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncworker_ports_connected",
			Help: "Number of connected tab ports",
		},
	)

	portMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncworker_port_messages_dropped_total",
			Help: "Outbound messages dropped for slow ports",
		},
	)
)

// SetStreamsActive sets the number of streams held by a pool.
func SetStreamsActive(pool string, n int) {
	streamsActive.WithLabelValues(pool).Set(float64(n))
}

// RecordStreamResult records how a stream attempt ended.
func RecordStreamResult(pool, reason string) {
	streamResultsTotal.WithLabelValues(pool, reason).Inc()
}

// RecordFrame records a received frame. kind is "data" or "error".
func RecordFrame(pool, kind string) {
	framesReceivedTotal.WithLabelValues(pool, kind).Inc()
}

// RecordSplit records a stream split.
func RecordSplit() {
	streamSplitsTotal.Inc()
}

// RecordTermination records a stream that ran out of retries.
func RecordTermination(pool string) {
	streamTerminationsTotal.WithLabelValues(pool).Inc()
}

// SetEndpointHealthy records the last health probe outcome.
func SetEndpointHealthy(pool string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	endpointHealthy.WithLabelValues(pool).Set(v)
}

// RecordTokenRefresh records a token refresh attempt.
func RecordTokenRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	tokenRefreshTotal.WithLabelValues(result).Inc()
}

// AddSubscriptions adjusts the live subscription gauge.
func AddSubscriptions(delta int) {
	subscriptionsActive.Add(float64(delta))
}

// AddPorts adjusts the connected port gauge.
func AddPorts(delta int) {
	portsConnected.Add(float64(delta))
}

// RecordPortDrop records an outbound message dropped for a slow port.
func RecordPortDrop() {
	portMessagesDropped.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
