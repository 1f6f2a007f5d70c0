// Package metrics provides Prometheus instrumentation for the brokerage core.
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

const namespace = "authorityx"

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

	// OperationDuration observes service operation latency.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Service operation duration in seconds by component and operation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"component", "op"},
	)

	// UnitOfWorkFailures counts units of work rolled back for non-domain reasons.
	UnitOfWorkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_of_work_failures_total",
			Help:      "Units of work rolled back by an infrastructure error.",
		},
		[]string{"op"},
	)

	// UnitOfWorkRetries counts serialization-failure retries.
	UnitOfWorkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unit_of_work_retries_total",
		Help:      "Units of work retried after a serialization failure or deadlock.",
	})

	// --- Escrow ---

	// EscrowTransitionsTotal counts transaction state changes by target state.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow transaction transitions by target status.",
		},
		[]string{"to"},
	)

	// EscrowCreatedTotal counts transactions opened, by origin.
	EscrowCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_created_total",
		Help:      "Escrow transactions created by origin (offer, admin).",
	}, []string{"origin"})

	// EscrowDuration observes time from creation to completion.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_duration_seconds",
		Help:      "Time from transaction creation to completion in seconds.",
		Buckets:   []float64{3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 14 * 86400, 30 * 86400},
	})

	// PaymentsTotal counts payment attempts by type and resulting status.
	PaymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Payment attempts by type and status.",
	}, []string{"type", "status"})

	// RefundsDueTotal counts captured payments of cancelled transactions.
	RefundsDueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_refunds_due_total",
		Help:      "Captured payments flagged for refund by type.",
	}, []string{"type"})

	// GatewayEventsTotal counts gateway callbacks by result.
	GatewayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_events_total",
		Help:      "Payment gateway events by result (succeeded, failed, ignored, error).",
	}, []string{"result"})

	// --- Credits ---

	// CreditOpsTotal counts ledger operations by kind and result.
	CreditOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credit_operations_total",
		Help:      "Credit ledger operations by kind (debit, credit) and result.",
	}, []string{"kind", "result"})

	// CreditsMovedTotal sums credits moved by kind.
	CreditsMovedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credits_moved_total",
		Help:      "Credits granted or spent.",
	}, []string{"kind"})

	// --- Premium access ---

	// PremiumRequestsTotal counts premium request outcomes.
	PremiumRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "premium_requests_total",
		Help:      "Premium access requests by outcome (fast_path, pending, approved, rejected).",
	}, []string{"outcome"})

	// --- Account disputes ---

	// DisputesTotal counts dispute lifecycle events.
	DisputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disputes_total",
		Help:      "Account dispute events (blocked, submitted, resolved, rejected, auto_resolved).",
	}, []string{"event"})

	// DisputeSweepsTotal counts sweeper runs by result.
	DisputeSweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispute_sweeps_total",
		Help:      "Dispute sweeper runs by result.",
	}, []string{"result"})

	// SessionsRevokedTotal counts sessions invalidated on suspension.
	SessionsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_revoked_total",
		Help:      "Sessions revoked on account suspension.",
	})

	// --- Notifications ---

	// NotificationsTotal counts notification deliveries by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification deliveries by sink and result.",
	}, []string{"sink", "result"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// SinkBreakerTransitions counts notification sink circuit state changes.
	SinkBreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_breaker_transitions_total",
		Help:      "Notification sink circuit breaker transitions by sink and target state.",
	}, []string{"sink", "to"})

	// --- HTTP ---

	// RateLimitedTotal counts requests refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests refused by the rate limiter, by key kind.",
	}, []string{"kind"})

	// --- Runtime ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OperationDuration,
		UnitOfWorkFailures,
		UnitOfWorkRetries,
		EscrowTransitionsTotal,
		EscrowCreatedTotal,
		EscrowDuration,
		PaymentsTotal,
		RefundsDueTotal,
		GatewayEventsTotal,
		CreditOpsTotal,
		CreditsMovedTotal,
		PremiumRequestsTotal,
		DisputesTotal,
		DisputeSweepsTotal,
		SessionsRevokedTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
		SinkBreakerTransitions,
		RateLimitedTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// Track starts timing an operation. Call the returned func when it ends.
func Track(component, op string) func() {
	timer := prometheus.NewTimer(OperationDuration.WithLabelValues(component, op))
	return func() { timer.ObserveDuration() }
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count. Call in a goroutine; exits when ctx is done.
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// FullPath is the route pattern, which keeps label cardinality bounded.
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, c.FullPath()))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

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
