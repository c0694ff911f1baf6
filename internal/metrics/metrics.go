package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Total HTTP requests partitioned by method, route, and status code
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	// Request duration in seconds partitioned by method, route, and status code
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	runTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_run_transitions_total",
			Help: "Run status transitions applied, by target status",
		},
		[]string{"to"},
	)

	rowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_row_transitions_total",
			Help: "Row status transitions applied, by source and target status",
		},
		[]string{"from", "to"},
	)

	dispatchClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_dispatch_claims_total",
			Help: "Row claim attempts by result",
		},
		[]string{"result"},
	)

	placementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_call_placement_seconds",
			Help:    "Provider call placement latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	webhookResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_webhook_notifications_total",
			Help: "Provider notifications by outcome and reconciliation result",
		},
		[]string{"outcome", "result"},
	)
)

// Middleware records basic Prometheus metrics for every request.
// Labels stay low-cardinality by using the matched route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc { return gin.WrapH(promhttp.Handler()) }

func RunTransition(to string) { runTransitions.WithLabelValues(to).Inc() }

func RowTransition(from, to string) { rowTransitions.WithLabelValues(from, to).Inc() }

// Claim results: claimed, at_capacity, drained, not_running, error.
func Claim(result string) { dispatchClaims.WithLabelValues(result).Inc() }

func Placement(result string, d time.Duration) {
	placementDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Webhook results: applied, duplicate, call_only, dropped, error.
func Webhook(outcome, result string) { webhookResults.WithLabelValues(outcome, result).Inc() }
