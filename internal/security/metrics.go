package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These are package vars rather than a struct so every other package
// can read them directly (e.g. "if security.CacheHitsTotal != nil")
// without threading a metrics handle through every constructor.
// They are nil until InitMetrics runs.
var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records how long a store operation took, labeled by
	// operation name.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections and DBPoolMaxConnections track the live
	// database connection pool: the postgres store sets the maximum once
	// at load and samples open connections every 15 seconds.
	DBPoolOpenConnections prometheus.Gauge
	DBPoolMaxConnections  prometheus.Gauge
)

var metricsLabelPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a "key=value,key=value" string into
// Prometheus constant labels. Values go through os.Expand first, so
// "region=${AWS_REGION}" resolves against the process environment.
// An empty input returns nil labels, not an error.
func ParseMetricsLabels(raw string) (prometheus.Labels, error) {
	raw = os.Expand(raw, os.Getenv)
	if raw == "" {
		return nil, nil
	}

	labels := prometheus.Labels{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid metrics label %q: expected key=value", pair)
		}
		if !metricsLabelPattern.MatchString(key) {
			return nil, fmt.Errorf("invalid metrics label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", key)
		}
		labels[key] = value
	}
	return labels, nil
}

var registerMetricsOnce sync.Once

// InitMetrics registers every exported metric against the default
// Prometheus registry, wrapped with constLabels. It is idempotent:
// only the first call actually registers anything, so callers don't
// need to guard against double-initialization in tests or plugin
// init() ordering.
func InitMetrics(constLabels prometheus.Labels) {
	registerMetricsOnce.Do(func() {
		registerMetrics(constLabels)
	})
}

func registerMetrics(constLabels prometheus.Labels) {
	factory := promauto.With(prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer))

	httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_service_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "status"})

	httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memory_service_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	StoreLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memory_service_store_latency_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	CacheHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "memory_service_cache_hits_total",
		Help: "Total cache hits",
	})
	CacheMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "memory_service_cache_misses_total",
		Help: "Total cache misses",
	})

	DBPoolOpenConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "memory_service_db_pool_open_connections",
		Help: "Number of open database connections",
	})
	DBPoolMaxConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "memory_service_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})
}

// MetricsMiddleware records request count and latency for every HTTP
// request. It is a no-op until InitMetrics has run, which lets tests
// mount routes without first standing up a Prometheus registry.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
