package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "transcriptd"

// HTTP metrics (counter and histogram, incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Pipeline metrics (incremented directly by coordinator, runner and reaper).
var (
	JobsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_created_total",
		Help:      "Job creation requests by outcome (created, resumed, cached).",
	}, []string{"outcome"})

	JobTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Job status transitions by target status.",
	}, []string{"status"})

	ChunkBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_bytes_received_total",
		Help:      "Total chunk bytes accepted (duplicates excluded).",
	})

	ChunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_total",
		Help:      "Chunk uploads by result (accepted, duplicate, rejected).",
	}, []string{"result"})

	PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_phase_duration_seconds",
		Help:      "Duration of each job run phase.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10), // 100ms → ~33min
	}, []string{"phase"})

	SegmentDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stt_segment_duration_seconds",
		Help:      "Speech-to-text request duration per segment.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"provider"})

	SegmentErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stt_segment_errors_total",
		Help:      "Failed speech-to-text segment requests.",
	}, []string{"provider"})

	ReaperSweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaper_actions_total",
		Help:      "Jobs or chunks acted on by each reaper sweep.",
	}, []string{"sweep"})

	ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Job runs currently executing in this process.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsCreatedTotal,
		JobTransitionsTotal,
		ChunkBytesTotal,
		ChunksTotal,
		PhaseDuration,
		SegmentDuration,
		SegmentErrorsTotal,
		ReaperSweepsTotal,
		ActiveRuns,
	)
}

// ObserveSegment records one speech-to-text request. Its signature matches
// transcribe.Driver.OnSegment.
func ObserveSegment(provider string, d time.Duration, err error) {
	SegmentDuration.WithLabelValues(provider).Observe(d.Seconds())
	if err != nil {
		SegmentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
