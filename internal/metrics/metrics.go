// Package metrics provides Prometheus instrumentation for the session guard.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessionguard",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// SessionsRegisteredTotal counts session registrations (joins and logins).
	SessionsRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionguard",
		Name:      "sessions_registered_total",
		Help:      "Total sessions registered.",
	})

	// HeartbeatsTotal counts heartbeats by outcome (alive or expired).
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats received by outcome.",
		},
		[]string{"outcome"},
	)

	// RiskEvaluationsTotal counts risk evaluations by the resulting action.
	RiskEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "risk_evaluations_total",
			Help:      "Total risk evaluations by resulting policy action.",
		},
		[]string{"action"},
	)

	// RiskScores observes computed risk scores.
	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sessionguard",
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores.",
		Buckets:   []float64{0, 15, 30, 50, 65, 85, 95, 115},
	})

	// TokenRotationsTotal counts refresh attempts by result.
	TokenRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "token_rotations_total",
			Help:      "Total refresh-token rotation attempts by result.",
		},
		[]string{"result"},
	)

	// ReplayDetectedTotal counts refresh attempts with retired credentials.
	ReplayDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionguard",
		Name:      "replay_detected_total",
		Help:      "Total refresh attempts presenting a rotated or blacklisted credential.",
	})

	// EnforcementActionsTotal counts destructive enforcement actions applied.
	EnforcementActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "enforcement_actions_total",
			Help:      "Total enforcement actions applied by action.",
		},
		[]string{"action"},
	)

	// BroadcastEventsTotal counts events published to live connections.
	BroadcastEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "broadcast_events_total",
			Help:      "Total events published by event type.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		SessionsRegisteredTotal,
		HeartbeatsTotal,
		RiskEvaluationsTotal,
		RiskScores,
		TokenRotationsTotal,
		ReplayDetectedTotal,
		EnforcementActionsTotal,
		BroadcastEventsTotal,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
