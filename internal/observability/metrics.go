package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	executorDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	stageDurationBuckets    = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}
)

// Stage outcomes recorded by RecordStage.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// Metrics holds all Prometheus metric instruments for the pipeline.
// A nil *Metrics records nothing.
type Metrics struct {
	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Stage executor metrics
	StagesHandledTotal  *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	StageDiscardsTotal  *prometheus.CounterVec
	RunTransitionsTotal *prometheus.CounterVec

	// Action executor metrics
	ExecutorCallsTotal   *prometheus.CounterVec
	ExecutorDuration     *prometheus.HistogramVec
	ExecutorBreakerState *prometheus.GaugeVec
	ThrottleWaitDuration *prometheus.HistogramVec

	// Outbox relay metrics
	RelayBatchesTotal   *prometheus.CounterVec
	RelayPublishedTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_http_requests_total",
			Help: "Total number of ops HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpipe_http_request_duration_seconds",
			Help:    "Ops HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		StagesHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_stages_handled_total",
			Help: "Stage messages handled, by action kind and outcome.",
		}, []string{"kind", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpipe_stage_duration_seconds",
			Help:    "Time to handle one stage message, including the inter-stage delay.",
			Buckets: stageDurationBuckets,
		}, []string{"kind"}),
		StageDiscardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_stage_discards_total",
			Help: "Stage messages dropped without a state change, by reason.",
		}, []string{"reason"}),
		RunTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_run_transitions_total",
			Help: "Workflow runs moved to a terminal status.",
		}, []string{"status"}),

		ExecutorCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_executor_calls_total",
			Help: "Downstream action calls, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ExecutorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpipe_executor_duration_seconds",
			Help:    "Downstream action call duration in seconds.",
			Buckets: executorDurationBuckets,
		}, []string{"kind"}),
		ExecutorBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowpipe_executor_circuit_breaker_state",
			Help: "Worst circuit breaker state across the credentials of an action kind (0=closed, 1=half-open, 2=open).",
		}, []string{"kind"}),
		ThrottleWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpipe_throttle_wait_seconds",
			Help:    "Time spent waiting for a platform's rate window.",
			Buckets: executorDurationBuckets,
		}, []string{"kind"}),

		RelayBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpipe_relay_batches_total",
			Help: "Outbox relay iterations, by outcome.",
		}, []string{"outcome"}),
		RelayPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpipe_relay_published_total",
			Help: "Outbox entries published as stage 0 messages.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StagesHandledTotal,
		m.StageDuration,
		m.StageDiscardsTotal,
		m.RunTransitionsTotal,
		m.ExecutorCallsTotal,
		m.ExecutorDuration,
		m.ExecutorBreakerState,
		m.ThrottleWaitDuration,
		m.RelayBatchesTotal,
		m.RelayPublishedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records ops HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordStage records the outcome of one handled stage message. kind is
// empty when the message was discarded before its action was resolved.
func (m *Metrics) RecordStage(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.StagesHandledTotal.WithLabelValues(kind, outcome).Inc()
	m.StageDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDiscard records a stage message dropped for reason.
func (m *Metrics) RecordDiscard(reason string) {
	if m == nil {
		return
	}
	m.StageDiscardsTotal.WithLabelValues(reason).Inc()
}

// RecordRunTransition records a run reaching a terminal status.
func (m *Metrics) RecordRunTransition(status string) {
	if m == nil {
		return
	}
	m.RunTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordExecutorCall records one downstream call.
func (m *Metrics) RecordExecutorCall(kind string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.ExecutorCallsTotal.WithLabelValues(kind, outcome).Inc()
	m.ExecutorDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetExecutorBreakerState sets the circuit breaker state for a kind.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetExecutorBreakerState(kind string, state float64) {
	if m == nil {
		return
	}
	m.ExecutorBreakerState.WithLabelValues(kind).Set(state)
}

// RecordThrottleWait records time spent paced by the throttle.
func (m *Metrics) RecordThrottleWait(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ThrottleWaitDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRelayBatch records one relay iteration and how many entries it
// published.
func (m *Metrics) RecordRelayBatch(published int, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.RelayBatchesTotal.WithLabelValues("error").Inc()
	case published == 0:
		m.RelayBatchesTotal.WithLabelValues("empty").Inc()
	default:
		m.RelayBatchesTotal.WithLabelValues("published").Inc()
	}
	m.RelayPublishedTotal.Add(float64(published))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
