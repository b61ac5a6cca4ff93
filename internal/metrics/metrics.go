// Package metrics provides Prometheus instrumentation for the agent engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesDelivered counts bus deliveries by message type.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbongrid_messages_delivered_total",
		Help: "Messages delivered to agent inboxes",
	}, []string{"type"})

	// MessagesDropped counts messages dropped because an inbox was full.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbongrid_messages_dropped_total",
		Help: "Messages dropped due to full inboxes",
	}, []string{"type"})

	// TradesMatched counts order-book matches executed by trading agents.
	TradesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbongrid_trades_matched_total",
		Help: "Order book matches executed",
	})

	// MatchedVolume tracks cumulative matched credit volume.
	MatchedVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbongrid_matched_volume_total",
		Help: "Cumulative matched credit volume",
	})

	// CreditsMinted counts successful credit mints, partitioned by device.
	CreditsMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbongrid_credits_minted_total",
		Help: "Successful credit mints",
	}, []string{"device_id"})

	// DuplicateMints counts mint attempts short-circuited by the
	// idempotency check.
	DuplicateMints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbongrid_duplicate_mints_total",
		Help: "Mint attempts rejected as already calculated",
	})

	// TransactionsRejected counts rejected transaction proposals by reason.
	TransactionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbongrid_transactions_rejected_total",
		Help: "Transaction proposals rejected",
	}, []string{"reason"})

	// ActiveAgents tracks the number of running agents.
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carbongrid_active_agents",
		Help: "Number of agents in the RUNNING state",
	})

	// HandlerErrors counts handler failures converted to ERROR messages.
	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbongrid_handler_errors_total",
		Help: "Message handler failures caught at the runtime boundary",
	}, []string{"agent_type"})

	// TelemetryReadings counts sensor readings ingested, by source.
	TelemetryReadings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbongrid_telemetry_readings_total",
		Help: "Sensor readings ingested",
	}, []string{"source"})

	// WebSocketClients tracks connected live-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carbongrid_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbongrid_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carbongrid_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
