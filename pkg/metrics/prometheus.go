package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Lifecycle Metrics
	callTransitionsTotal *prometheus.CounterVec
	callsActive          prometheus.Gauge
	callsDuration        *prometheus.HistogramVec
	callConflictsTotal   *prometheus.CounterVec

	// Signal Relay Metrics
	signalsRelayedTotal *prometheus.CounterVec

	// Dispatch Metrics
	dispatchTotal *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	m := &Metrics{
		// HTTP Request Metrics
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),

		// WebSocket Metrics
		websocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		websocketMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"error"},
		),

		// Call Lifecycle Metrics
		callTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Total number of call state transitions",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"call_type", "to_status"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of active (ringing or ongoing) calls",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		callsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Completed call duration in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		callConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_conflicts_total",
				Help:        "Total number of call operations rejected by concurrency guards",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"operation"},
		),

		// Signal Relay Metrics
		signalsRelayedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_relayed_total",
				Help:        "Total number of WebRTC signaling messages relayed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"signal_type"},
		),

		// Dispatch Metrics
		dispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_notifications_dispatched_total",
				Help:        "Total number of call notification dispatch attempts",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"kind", "outcome"},
		),

		// Push Notification Metrics
		pushNotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type", "platform", "reason"},
		),
	}

	return m
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Call Lifecycle Metrics Methods

// RecordCallTransition records a call state transition
func (m *Metrics) RecordCallTransition(callType, toStatus string) {
	m.callTransitionsTotal.WithLabelValues(callType, toStatus).Inc()
}

// IncrementActiveCalls increments the active call gauge
func (m *Metrics) IncrementActiveCalls() {
	m.callsActive.Inc()
}

// DecrementActiveCalls decrements the active call gauge
func (m *Metrics) DecrementActiveCalls() {
	m.callsActive.Dec()
}

// RecordCallDuration records the duration of a completed call
func (m *Metrics) RecordCallDuration(callType string, seconds int) {
	m.callsDuration.WithLabelValues(callType).Observe(float64(seconds))
}

// RecordCallConflict records an operation rejected by a concurrency guard
func (m *Metrics) RecordCallConflict(operation string) {
	m.callConflictsTotal.WithLabelValues(operation).Inc()
}

// Signal Relay Metrics Methods

// RecordSignalRelayed records a relayed signaling message
func (m *Metrics) RecordSignalRelayed(signalType string) {
	m.signalsRelayedTotal.WithLabelValues(signalType).Inc()
}

// Dispatch Metrics Methods

// RecordDispatch records a notification dispatch attempt and its outcome
func (m *Metrics) RecordDispatch(kind, outcome string) {
	m.dispatchTotal.WithLabelValues(kind, outcome).Inc()
}

// Push Notification Metrics Methods

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType, platform string) {
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, platform, reason string) {
	m.pushNotificationsFailed.WithLabelValues(notifType, platform, reason).Inc()
}
