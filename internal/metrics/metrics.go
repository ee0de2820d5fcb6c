package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	depositsCredited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "deposits",
			Name:      "credited_total",
			Help:      "Total number of deposits credited.",
		},
	)

	depositVolume = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "deposits",
			Name:      "volume_total",
			Help:      "Gross stable-token volume of detected deposits.",
		},
	)

	revenueRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "revenue",
			Name:      "recorded_total",
			Help:      "Platform revenue in credits, by source.",
		},
		[]string{"source"},
	)

	feeCollections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "fees",
			Name:      "collections_total",
			Help:      "Performance fee collection outcomes.",
		},
		[]string{"outcome"},
	)

	lineageShares = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "lineage",
			Name:      "shares_total",
			Help:      "Total number of lineage shares distributed.",
		},
	)

	upstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Upstream API call outcomes.",
		},
		[]string{"operation", "outcome"},
	)

	throttledRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by rate windows or backoff.",
		},
		[]string{"operation"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		depositsCredited,
		depositVolume,
		revenueRecorded,
		feeCollections,
		lineageShares,
		upstreamCalls,
		throttledRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordDeposit records a credited deposit and its gross volume.
func RecordDeposit(gross float64) {
	depositsCredited.Inc()
	depositVolume.Add(gross)
}

// RecordRevenue records platform revenue in credits by source.
func RecordRevenue(source string, amount float64) {
	revenueRecorded.WithLabelValues(source).Add(amount)
}

// RecordFeeCollection records one fee collection outcome: "collected",
// "deferred", or "skipped".
func RecordFeeCollection(outcome string) {
	feeCollections.WithLabelValues(outcome).Inc()
}

// RecordLineageShares records distributed lineage shares.
func RecordLineageShares(count int) {
	lineageShares.Add(float64(count))
}

// RecordUpstreamCall records one upstream call outcome.
func RecordUpstreamCall(operation, outcome string) {
	if operation == "" {
		operation = "unknown"
	}
	upstreamCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordThrottled records a rejected operation.
func RecordThrottled(operation string) {
	throttledRequests.WithLabelValues(operation).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "agents", "users", "wallets":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
