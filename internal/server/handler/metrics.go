package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stewardEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_ledger_entries_total",
		Help: "Total ledger entries committed, by action type.",
	}, []string{"action"})

	stewardRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_rejections_total",
		Help: "Total rejected submissions, by error class.",
	}, []string{"reason"})

	stewardFreezesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steward_freezes_total",
		Help: "Total freeze entries committed.",
	})

	stewardRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	stewardRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	stewardChainChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_chain_checks_total",
		Help: "Total chain integrity checks by result.",
	}, []string{"result"})
)

// RecordChainCheck is the auditor's metrics callback.
func RecordChainCheck(ok bool) {
	result := "ok"
	if !ok {
		result = "corrupted"
	}
	stewardChainChecksTotal.WithLabelValues(result).Inc()
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		stewardRequestsTotal.WithLabelValues(method, path, status).Inc()
		stewardRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
