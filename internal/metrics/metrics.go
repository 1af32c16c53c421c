// Package metrics provides Prometheus instrumentation for the Pactline platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pactline",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pactline",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OfferTransitionsTotal counts offer state transitions by resulting status.
	OfferTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pactline",
			Name:      "offer_transitions_total",
			Help:      "Total offer state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// PaymentsTotal counts escrow payment operations by resulting status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pactline",
			Name:      "payments_total",
			Help:      "Total escrow payment operations by resulting status.",
		},
		[]string{"status"},
	)

	// WebhookEventsTotal counts processed provider webhook events by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pactline",
			Name:      "webhook_events_total",
			Help:      "Total inbound provider webhook events by processing result.",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts outbound notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pactline",
			Name:      "notifications_total",
			Help:      "Total outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// ProviderCallsTotal counts payment provider calls by operation and result.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pactline",
			Name:      "provider_calls_total",
			Help:      "Total payment provider calls by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// ProviderCallDuration observes payment provider call latency by operation.
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pactline",
			Name:      "provider_call_duration_seconds",
			Help:      "Payment provider call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pactline",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pactline", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pactline", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pactline", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pactline", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pactline", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pactline", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Sweeper metrics ---

	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pactline",
		Name:      "sweep_runs_total",
		Help:      "Total expiration sweep runs.",
	})

	SweepExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pactline",
		Name:      "sweep_expired_total",
		Help:      "Total offers expired by the sweeper.",
	})

	SweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pactline",
		Name:      "sweep_errors_total",
		Help:      "Total sweep runs that returned an error.",
	})

	// OfferDecisionDuration observes time from offer creation to terminal decision.
	OfferDecisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pactline",
		Name:      "offer_decision_duration_seconds",
		Help:      "Time from offer creation to a terminal decision in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 14400, 43200, 86400, 172800},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OfferTransitionsTotal,
		PaymentsTotal,
		WebhookEventsTotal,
		NotificationsTotal,
		ProviderCallsTotal,
		ProviderCallDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		SweepRunsTotal,
		SweepExpiredTotal,
		SweepErrorsTotal,
		OfferDecisionDuration,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
