// Package metrics provides Prometheus instrumentation for the wallet platform.
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
			Namespace: "crewledger",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crewledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts ledger transactions by type and final status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewledger",
			Name:      "transactions_total",
			Help:      "Total ledger transactions recorded by type and status.",
		},
		[]string{"type", "status"},
	)

	// RechargesTotal counts recharge verifications by outcome.
	RechargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewledger",
			Name:      "recharges_total",
			Help:      "Total recharge verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowOpsTotal counts escrow engine operations by op and outcome.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewledger",
			Name:      "escrow_ops_total",
			Help:      "Total escrow operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// WithdrawalsTotal counts withdrawal requests and settlements by outcome.
	WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewledger",
			Name:      "withdrawals_total",
			Help:      "Total withdrawal operations by outcome.",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal counts fire-and-forget notification posts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crewledger",
			Name:      "notifications_total",
			Help:      "Total notification deliveries by result.",
		},
		[]string{"result"},
	)

	// PendingStuckTotal counts transactions left pending after a failed
	// fail-mark write. These require out-of-band reconciliation.
	PendingStuckTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crewledger",
			Name:      "pending_stuck_total",
			Help:      "Transactions stuck pending after the fail-mark write also failed.",
		},
	)

	// WebSocketClients tracks connected realtime clients.
	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crewledger",
			Name:      "websocket_clients",
			Help:      "Number of connected realtime WebSocket clients.",
		},
	)

	// DBConnectionsOpen tracks open database connections.
	DBConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crewledger",
			Name:      "db_connections_open",
			Help:      "Number of open database connections.",
		},
	)

	// Goroutines tracks the current goroutine count.
	Goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crewledger",
			Name:      "goroutines",
			Help:      "Current number of goroutines.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		RechargesTotal,
		EscrowOpsTotal,
		WithdrawalsTotal,
		NotificationsTotal,
		PendingStuckTotal,
		WebSocketClients,
		DBConnectionsOpen,
		Goroutines,
	)
}

// Middleware instruments gin requests with count and duration metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusClass(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectRuntime samples process-level gauges. Call periodically.
func CollectRuntime(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Goroutines.Set(float64(runtime.NumGoroutine()))
			if db != nil {
				DBConnectionsOpen.Set(float64(db.Stats().OpenConnections))
			}
		}
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
