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

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	// PipelineDuration records how long each response turn took, by outcome.
	PipelineDuration *prometheus.HistogramVec

	// GenerationLatency records generation backend latency, by backend and outcome.
	GenerationLatency *prometheus.HistogramVec

	// MemoryFailuresTotal counts memory index calls that failed and were swallowed.
	MemoryFailuresTotal *prometheus.CounterVec

	// MemoryEnabled is 1 while the memory index is in use and 0 once disabled.
	MemoryEnabled prometheus.Gauge

	// SocketConnections tracks the number of open websocket connections.
	SocketConnections prometheus.Gauge

	// SocketEventsTotal counts websocket events by direction and event name.
	SocketEventsTotal *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or any store/cache initialization
// that records metrics. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_cache_hits_total",
		Help: "Total cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_cache_misses_total",
		Help: "Total cache misses",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	PipelineDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_pipeline_duration_seconds",
			Help:    "Response pipeline turn duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
		[]string{"outcome"},
	)

	GenerationLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_generation_latency_seconds",
			Help:    "Generation backend latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
		[]string{"backend", "outcome"},
	)

	MemoryFailuresTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_memory_failures_total",
			Help: "Total memory index operations that failed",
		},
		[]string{"operation"},
	)

	MemoryEnabled = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_memory_enabled",
		Help: "Whether the memory index is enabled (1) or disabled (0)",
	})

	SocketConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_socket_connections",
		Help: "Number of open websocket connections",
	})

	SocketEventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_socket_events_total",
			Help: "Total websocket events",
		},
		[]string{"direction", "event"},
	)
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
