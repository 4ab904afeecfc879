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
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reward_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reward_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reward_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	sessionsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reward_layer",
			Subsystem: "sessions",
			Name:      "finalized_total",
			Help:      "Total number of finalized exercise sessions.",
		},
		[]string{"status"},
	)

	miningRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reward_layer",
			Subsystem: "mining",
			Name:      "runs_total",
			Help:      "Total number of mining simulation runs.",
		},
		[]string{"status"},
	)

	miningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reward_layer",
			Subsystem: "mining",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of mining simulation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"status"},
	)

	coinsMinted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reward_layer",
			Subsystem: "ledger",
			Name:      "coins_minted_total",
			Help:      "Total coins credited through mining rewards.",
		},
	)

	portsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reward_layer",
			Subsystem: "daemonpool",
			Name:      "ports_allocated",
			Help:      "Number of daemon ports currently held.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sessionsFinalized,
		miningRuns,
		miningDuration,
		coinsMinted,
		portsAllocated,
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

// RecordSessionFinalized counts a session reaching a terminal status.
func RecordSessionFinalized(status string) {
	sessionsFinalized.WithLabelValues(status).Inc()
}

// RecordMiningRun records one mining simulation attempt.
func RecordMiningRun(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	miningRuns.WithLabelValues(status).Inc()
	miningDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// AddCoinsMinted accumulates credited mining rewards.
func AddCoinsMinted(amount float64) {
	if amount > 0 {
		coinsMinted.Add(amount)
	}
}

// SetPortsAllocated reports the current size of the allocated-port set.
func SetPortsAllocated(n int) {
	portsAllocated.Set(float64(n))
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

// canonicalPath collapses entity ids so metric labels stay low-cardinality.
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
	case "sessions":
		if len(parts) == 1 {
			return "/sessions"
		}
		if len(parts) == 2 {
			return "/sessions/:id"
		}
		return "/sessions/:id/" + strings.Join(parts[2:], "/")
	case "users":
		if len(parts) == 1 {
			return "/users"
		}
		if len(parts) == 2 {
			return "/users/:id"
		}
		return "/users/:id/" + strings.Join(parts[2:], "/")
	default:
		return "/" + parts[0]
	}
}
