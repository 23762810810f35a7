package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobqueue",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jobqueue",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of jobs submitted to the queue.",
		},
		[]string{"queue"},
	)

	jobsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "jobs",
			Name:      "claimed_total",
			Help:      "Total number of successful worker claims.",
		},
		[]string{"queue"},
	)

	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of job results recorded, by terminal outcome.",
		},
		[]string{"queue", "outcome"}, // outcome: completed|failed_retryable|failed_terminal|dead
	)

	jobsDead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "jobs",
			Name:      "dead_total",
			Help:      "Total number of jobs moved to the DEAD state.",
		},
		[]string{"queue", "reason"}, // reason: max_attempts|reaper_expired_lease
	)

	jobAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jobqueue",
			Subsystem: "jobs",
			Name:      "attempt_duration_seconds",
			Help:      "Wall-clock time a worker held a lease before reporting a result.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"queue"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobqueue",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Current number of jobs per queue and status.",
		},
		[]string{"queue", "status"},
	)

	reaperSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Total number of reaper sweep cycles run.",
		},
		[]string{"trigger"}, // trigger: scheduled|cron|manual
	)

	reaperReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "reaper",
			Name:      "reclaimed_total",
			Help:      "Total number of leases reclaimed by the reaper, by outcome.",
		},
		[]string{"outcome"}, // outcome: retried|dead
	)

	reaperSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jobqueue",
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a single reaper sweep cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"trigger"},
	)

	nonceRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "security",
			Name:      "nonce_rejections_total",
			Help:      "Total number of submissions rejected for nonce reuse or signature failure.",
		},
		[]string{"reason"}, // reason: nonce_reused|bad_signature|ticket_expired
	)

	cronHeartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobqueue",
			Subsystem: "cron",
			Name:      "heartbeats_total",
			Help:      "Total number of external cron triggers received by the cron driver.",
		},
		[]string{"outcome"}, // outcome: swept|rejected
	)

	serviceReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobqueue",
			Subsystem: "engine",
			Name:      "service_ready",
			Help:      "Readiness of lifecycle-managed services (1 ready, 0 otherwise).",
		},
		[]string{"service"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		jobsEnqueued,
		jobsClaimed,
		jobsCompleted,
		jobsDead,
		jobAttemptDuration,
		queueDepth,
		reaperSweeps,
		reaperReclaimed,
		reaperSweepDuration,
		nonceRejections,
		cronHeartbeats,
		serviceReady,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
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

// IncInFlightHTTP increments the in-flight HTTP request gauge.
func IncInFlightHTTP() { httpInFlight.Inc() }

// DecInFlightHTTP decrements the in-flight HTTP request gauge.
func DecInFlightHTTP() { httpInFlight.Dec() }

// ObserveHTTPRequest records a completed HTTP request against an explicit route
// path (e.g. a gorilla/mux path template), for callers that already know the
// canonical path and don't need InstrumentHandler's path-guessing.
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(strings.ToUpper(method), path, status).Inc()
	httpDuration.WithLabelValues(strings.ToUpper(method), path).Observe(duration.Seconds())
}

// RecordJobEnqueued increments the enqueue counter for a queue.
func RecordJobEnqueued(queue string) {
	jobsEnqueued.WithLabelValues(nonEmpty(queue)).Inc()
}

// RecordJobClaimed increments the claim counter for a queue.
func RecordJobClaimed(queue string) {
	jobsClaimed.WithLabelValues(nonEmpty(queue)).Inc()
}

// RecordJobResult records a worker-reported outcome and the attempt's lease duration.
func RecordJobResult(queue, outcome string, attemptDuration time.Duration) {
	queue = nonEmpty(queue)
	jobsCompleted.WithLabelValues(queue, nonEmpty(outcome)).Inc()
	if attemptDuration > 0 {
		jobAttemptDuration.WithLabelValues(queue).Observe(attemptDuration.Seconds())
	}
}

// RecordJobDead increments the dead-letter counter for a queue and reason.
func RecordJobDead(queue, reason string) {
	jobsDead.WithLabelValues(nonEmpty(queue), nonEmpty(reason)).Inc()
}

// SetQueueDepth publishes the current job count for a queue/status pair.
func SetQueueDepth(queue, status string, depth int) {
	queueDepth.WithLabelValues(nonEmpty(queue), nonEmpty(status)).Set(float64(depth))
}

// RecordReaperSweep records a completed reaper cycle and its duration.
func RecordReaperSweep(trigger string, duration time.Duration) {
	trigger = nonEmpty(trigger)
	reaperSweeps.WithLabelValues(trigger).Inc()
	reaperSweepDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordReaperReclaim increments the reclaimed-lease counter by outcome.
func RecordReaperReclaim(outcome string) {
	reaperReclaimed.WithLabelValues(nonEmpty(outcome)).Inc()
}

// RecordNonceRejection increments the anti-replay rejection counter by reason.
func RecordNonceRejection(reason string) {
	nonceRejections.WithLabelValues(nonEmpty(reason)).Inc()
}

// RecordCronHeartbeat increments the cron driver's external-trigger counter by outcome.
func RecordCronHeartbeat(outcome string) {
	cronHeartbeats.WithLabelValues(nonEmpty(outcome)).Inc()
}

// SetServiceReady publishes readiness for a lifecycle-managed service (reaper, cron driver).
func SetServiceReady(service string, ready bool) {
	val := 0.0
	if ready {
		val = 1.0
	}
	serviceReady.WithLabelValues(nonEmpty(service)).Set(val)
}

func nonEmpty(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ObservationHooks are start/complete callbacks a component invokes around an
// operation it wants timed and counted, independent of what the operation is.
type ObservationHooks struct {
	OnStart    func(ctx context.Context, meta map[string]string)
	OnComplete func(ctx context.Context, meta map[string]string, err error, duration time.Duration)
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// NewObservationHooks creates generic in-flight/duration hooks backed by Prometheus,
// keyed by a "resource" label pulled from the meta map passed at call time.
func NewObservationHooks(namespace, subsystem, name string) ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return ObservationHooks{
		OnStart: func(_ context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["queue"]; ok && id != "" {
		return id
	}
	if id, ok := meta["job_id"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// ReaperObservationHooks times reaper sweep cycles via the generic hook pattern.
func ReaperObservationHooks() ObservationHooks {
	return NewObservationHooks("jobqueue", "reaper", "sweep")
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
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] != "jobs" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/jobs"
	}
	if len(parts) == 2 {
		return "/jobs/:id"
	}
	return "/jobs/:id/" + parts[2]
}
