// Package metrics provides Prometheus instrumentation for the fiatswap core.
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
			Namespace: "fiatswap",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fiatswap",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TradeTransitionsTotal counts committed trade state transitions.
	TradeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatswap",
			Name:      "trade_transitions_total",
			Help:      "Total committed trade state transitions by resulting state.",
		},
		[]string{"state"},
	)

	// TradesSettledTotal counts trades reaching a terminal state.
	TradesSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatswap",
			Name:      "trades_settled_total",
			Help:      "Total trades settled by terminal state.",
		},
		[]string{"state"},
	)

	// EscrowDepositsTotal counts escrow deposits.
	EscrowDepositsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiatswap",
		Name:      "escrow_deposits_total",
		Help:      "Total escrow deposits accepted.",
	})

	// WithdrawalsTotal counts successful pull-payment withdrawals.
	WithdrawalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiatswap",
		Name:      "withdrawals_total",
		Help:      "Total successful pull-payment withdrawals.",
	})

	// DisputesOpenedTotal counts opened disputes.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiatswap",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	// ArbitratorFallbackTotal counts arbitrator assignments made without a
	// verifiable randomness draw.
	ArbitratorFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiatswap",
		Name:      "arbitrator_fallback_total",
		Help:      "Total arbitrator assignments using fallback randomness.",
	})

	// MessagesProcessedTotal counts inbound cross-chain messages by result.
	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatswap",
			Name:      "messages_processed_total",
			Help:      "Total inbound cross-chain messages by result (applied, duplicate, failed).",
		},
		[]string{"result"},
	)

	// TradeDuration observes time from trade creation to terminal state.
	TradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fiatswap",
		Name:      "trade_duration_seconds",
		Help:      "Time from trade creation to settlement in seconds.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 21600, 86400, 259200},
	})

	// DisputeResolutionDuration observes time from dispute open to resolution.
	DisputeResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fiatswap",
		Name:      "dispute_resolution_duration_seconds",
		Help:      "Time from dispute opening to arbitrator resolution in seconds.",
		Buckets:   []float64{300, 1800, 3600, 21600, 86400, 259200, 604800},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fiatswap",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatswap", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatswap", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatswap", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatswap", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatswap", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatswap", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradeTransitionsTotal,
		TradesSettledTotal,
		EscrowDepositsTotal,
		WithdrawalsTotal,
		DisputesOpenedTotal,
		ArbitratorFallbackTotal,
		MessagesProcessedTotal,
		TradeDuration,
		DisputeResolutionDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
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
