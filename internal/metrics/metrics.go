package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "followup_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	tasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_tasks_enqueued_total",
			Help: "Tasks registered by channel, class and whether the key was new",
		},
		[]string{"channel", "class", "result"},
	)

	tasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_tasks_dispatched_total",
			Help: "Dispatch outcomes: completed, skipped, retried, failed",
		},
		[]string{"channel", "outcome"},
	)

	dispatchLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "followup_dispatch_lag_seconds",
			Help:    "Time between a task's due time and its completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"channel"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "followup_sweep_duration_seconds",
			Help:    "Duration of one poll tick per lane",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30},
		},
		[]string{"lane"},
	)

	sweepsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_sweeps_skipped_total",
			Help: "Ticks skipped because the previous tick was still running",
		},
		[]string{"lane"},
	)

	tasksCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_tasks_cancelled_total",
			Help: "Tasks cancelled by reason",
		},
		[]string{"reason"},
	)

	eventDedupeHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "followup_event_dedupe_hits_total",
			Help: "Lifecycle events short-circuited as duplicates",
		},
	)

	rateLimitDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_rate_limit_deferrals_total",
			Help: "Dispatches deferred by the shared channel rate cap",
		},
		[]string{"channel"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "followup_circuit_breaker_state",
			Help: "Provider circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"provider"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "followup_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "followup_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTaskEnqueued records a task registration; duplicate marks a
// suppressed re-registration.
func RecordTaskEnqueued(channel, class string, duplicate bool) {
	result := "created"
	if duplicate {
		result = "duplicate"
	}
	tasksEnqueued.WithLabelValues(channel, class, result).Inc()
}

// RecordDispatch records the outcome of one dispatch attempt
func RecordDispatch(channel, outcome string) {
	tasksDispatched.WithLabelValues(channel, outcome).Inc()
}

// RecordDispatchLag records how late a task completed relative to its due time
func RecordDispatchLag(channel string, lag time.Duration) {
	dispatchLag.WithLabelValues(channel).Observe(lag.Seconds())
}

// RecordSweep records the duration of a poll tick
func RecordSweep(lane string, d time.Duration) {
	sweepDuration.WithLabelValues(lane).Observe(d.Seconds())
}

// RecordSweepSkipped records a tick skipped by the reentrancy guard
func RecordSweepSkipped(lane string) {
	sweepsSkipped.WithLabelValues(lane).Inc()
}

// RecordCancelled records cancelled tasks
func RecordCancelled(reason string, n int) {
	if n > 0 {
		tasksCancelled.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordEventDedupeHit records a duplicate lifecycle event
func RecordEventDedupeHit() {
	eventDedupeHits.Inc()
}

// RecordRateLimitDeferral records a dispatch deferred by the rate cap
func RecordRateLimitDeferral(channel string) {
	rateLimitDeferrals.WithLabelValues(channel).Inc()
}

// SetBreakerState records the current state of a provider circuit breaker
func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
