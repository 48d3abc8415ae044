// Package metrics provides Prometheus instrumentation for walletgate.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletgate"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CallsInterceptedTotal counts gated calls held by the interceptor.
	CallsInterceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_intercepted_total",
			Help:      "Gated wallet calls intercepted by method and call shape.",
		},
		[]string{"method", "shape"},
	)

	// DecisionsTotal counts resolved calls by outcome and decision source.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions by outcome (allow, deny) and source.",
		},
		[]string{"outcome", "source"},
	)

	// FailOpenTotal counts calls forwarded without a decision.
	FailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Gated calls forwarded without a decision, by reason.",
		},
		[]string{"reason"},
	)

	// RelayRequestsTotal counts background analysis round-trips by tier and result.
	RelayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Analysis relay requests by tier (port, oneshot) and result.",
		},
		[]string{"tier", "result"},
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	// VerdictsTotal counts authoritative verdicts by category and recommendation.
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Authoritative verdicts by category and recommendation.",
		},
		[]string{"category", "recommendation"},
	)

	// AnalysisDuration observes engine latency.
	AnalysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Risk analysis duration in seconds by category.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"category"},
	)

	// QueueDepth tracks pending requests in the overlay queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Pending requests waiting for a decision.",
	})

	// ActivePorts tracks connected persistent relay ports.
	ActivePorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_ports",
		Help:      "Number of currently connected relay ports.",
	})

	// IntelAgeSeconds is the age of the loaded threat-intel snapshot.
	IntelAgeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "intel_age_seconds",
		Help:      "Age of the threat-intel snapshot in seconds.",
	})

	// IntelRefreshTotal counts threat-intel refreshes by result.
	IntelRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intel_refresh_total",
		Help:      "Threat-intel refresh attempts by source and result.",
	}, []string{"source", "result"})

	// HistoryDroppedTotal counts decision records dropped by a full sink queue.
	HistoryDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_dropped_total",
		Help:      "Decision history records dropped because the sink was saturated.",
	})

	// HistoryWriteErrorsTotal counts failed history writes.
	HistoryWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_write_errors_total",
		Help:      "Decision history writes that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CallsInterceptedTotal,
		DecisionsTotal,
		FailOpenTotal,
		RelayRequestsTotal,
		BreakerTransitions,
		VerdictsTotal,
		AnalysisDuration,
		QueueDepth,
		ActivePorts,
		IntelAgeSeconds,
		IntelRefreshTotal,
		HistoryDroppedTotal,
		HistoryWriteErrorsTotal,
	)
}

// Outcome maps an allow flag to a label value.
func Outcome(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
