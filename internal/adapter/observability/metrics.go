package observability

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// Outbound registry traffic.
	FetchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_requests_total",
			Help: "Registry HTTP requests by status code",
		},
		[]string{"registry", "code"},
	)
	FetchWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_wait_seconds",
			Help:    "Time spent waiting on the registry rate budget",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"registry"},
	)
	RateLimitUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_usage_ratio",
			Help: "Fraction of the per-registry request budget in use",
		},
		[]string{"registry"},
	)

	// Durable queue and worker pool.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler wall time per job type",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"type"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending jobs by lane",
		},
		[]string{"lane"},
	)
	WorkerPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_size",
			Help: "Current number of workers in the pool",
		},
	)
	LeasesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leases_reaped_total",
			Help: "Expired job leases returned to pending by the reaper",
		},
	)

	// Scraping.
	ScrapeRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_records_total",
			Help: "Registry records by outcome (fetched/upserted/failed)",
		},
		[]string{"registry", "outcome"},
	)
	CheckpointsSavedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkpoints_saved_total",
			Help: "Scrape checkpoints persisted",
		},
		[]string{"registry"},
	)

	// Deduplication.
	DedupComparisonsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_comparisons_total",
			Help: "Candidate pairs scored",
		},
	)
	DedupPairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_pairs_total",
			Help: "Duplicate edges recorded by verdict",
		},
		[]string{"verdict"},
	)

	// Matching.
	MatchRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "match_requests_total",
			Help: "Patient match computations",
		},
	)
	MatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "match_duration_seconds",
			Help:    "End-to-end patient match latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	MatchFinalScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "match_final_score",
			Help:    "Distribution of final match scores ([0,1])",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Embeddings and geocoding.
	EmbedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embed_requests_total",
			Help: "Embedding lookups by source (api/cache) and result",
		},
		[]string{"source", "result"},
	)
	GeocodeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_requests_total",
			Help: "Geocode lookups by result (hit/miss/error)",
		},
		[]string{"result"},
	)

	// Event bus.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Bus events by topic and result (ok/error)",
		},
		[]string{"topic", "result"},
	)

	// Monitor.
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Alerts opened by kind and severity",
		},
		[]string{"kind", "severity"},
	)
	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state per name (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
	ScoreDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "match_score_drift",
			Help: "Absolute drift of recent match scores from baseline",
		},
		[]string{"metric", "model"},
	)
)

// InitMetrics registers every collector once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(FetchRequestsTotal)
	prometheus.MustRegister(FetchWaitSeconds)
	prometheus.MustRegister(RateLimitUsage)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkerPoolSize)
	prometheus.MustRegister(LeasesReapedTotal)
	prometheus.MustRegister(ScrapeRecordsTotal)
	prometheus.MustRegister(CheckpointsSavedTotal)
	prometheus.MustRegister(DedupComparisonsTotal)
	prometheus.MustRegister(DedupPairsTotal)
	prometheus.MustRegister(MatchRequestsTotal)
	prometheus.MustRegister(MatchDuration)
	prometheus.MustRegister(MatchFinalScore)
	prometheus.MustRegister(EmbedRequestsTotal)
	prometheus.MustRegister(GeocodeRequestsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(AlertsFiredTotal)
	prometheus.MustRegister(CircuitBreakerStateGauge)
	prometheus.MustRegister(ScoreDrift)
}

// appEnvIsDev gates metrics that are only useful while debugging locally.
var appEnvIsDev atomic.Bool

// SetAppEnv records the running environment for dev-only instrumentation.
func SetAppEnv(env string) {
	appEnvIsDev.Store(strings.EqualFold(env, "dev"))
}

// IsDevEnvironment reports whether dev-only instrumentation is enabled.
func IsDevEnvironment() bool { return appEnvIsDev.Load() }

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob counts one enqueue of the given type.
func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

// StartProcessingJob marks a job in flight.
func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

// CompleteJob marks a job finished successfully.
func CompleteJob(jobType string, elapsed time.Duration) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

// FailJob marks a job finished with an error.
func FailJob(jobType string, elapsed time.Duration) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

// RecordCircuitBreakerStatus publishes a breaker state transition.
func RecordCircuitBreakerStatus(name, _ string, state int) {
	CircuitBreakerStateGauge.WithLabelValues(name).Set(float64(state))
}

// RecordScoreDrift publishes drift of recent match scores from baseline.
func RecordScoreDrift(metric, model string, drift float64) {
	ScoreDrift.WithLabelValues(metric, model).Set(drift)
}
