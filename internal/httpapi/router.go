package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/jobqueue-core/infrastructure/errors"
	"github.com/r3e-network/jobqueue-core/infrastructure/httputil"
	"github.com/r3e-network/jobqueue-core/infrastructure/logging"
	"github.com/r3e-network/jobqueue-core/infrastructure/middleware"
	"github.com/r3e-network/jobqueue-core/internal/cron"
	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
	"github.com/r3e-network/jobqueue-core/pkg/metrics"
)

// RouterConfig carries the dependencies the router wires into each handler.
type RouterConfig struct {
	Engine       *jobqueue.Engine
	Reaper       *jobqueue.Reaper
	CronDriver   *cron.Driver
	CronSecret   string
	Logger       *logging.Logger
	ProducerAuth middleware.BearerAuthConfig
	WorkerSecret string
	Ready        *bool
	// DebugHeadersEnabled gates the X-Debug-Fail-Once suspend-handler header
	// (spec's supplemented fail-injection feature). False in production.
	DebugHeadersEnabled bool
	// RequestTimeout is the server-side per-request deadline (spec §4.6
	// "Cancellation and timeouts"). Zero applies the middleware's own default.
	RequestTimeout time.Duration
}

// NewRouter builds the full HTTP surface: producer/admin routes under
// bearer-token auth, worker routes under the shared worker secret, and the
// ops endpoints (health, readiness, metrics). It returns the router plus a
// stop function for background middleware state (the rate limiter's
// periodic size-cap cleanup) that the caller must invoke on shutdown.
func NewRouter(cfg RouterConfig) (*mux.Router, func()) {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.MetricsMiddleware("jobqueue"))
	router.Use(middleware.NewRecoveryMiddleware(cfg.Logger).Handler)
	router.Use(middleware.NewTimeoutMiddleware(cfg.RequestTimeout).Handler)

	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", middleware.NewHealthChecker("jobqueue-core").Handler()).Methods(http.MethodGet)
	router.HandleFunc("/live", middleware.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/ready", middleware.ReadinessHandler(cfg.Ready)).Methods(http.MethodGet)

	producer := NewProducerHandlers(cfg.Engine)
	worker := NewWorkerHandlers(cfg.Engine, cfg.Reaper)

	limiter := middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(cfg.Logger))
	stopCleanup := limiter.StartCleanup(5 * time.Minute)

	producerRoutes := router.PathPrefix("/jobs").Subrouter()
	producerRoutes.Use(middleware.BearerAuth(cfg.ProducerAuth))
	producerRoutes.Use(limiter.Handler)
	producerRoutes.HandleFunc("/enqueue", enqueueHandler(cfg.Logger, producer)).Methods(http.MethodPost)
	producerRoutes.HandleFunc("/dlq", listDeadLetterHandler(cfg.Logger, producer)).Methods(http.MethodGet)
	producerRoutes.HandleFunc("/{id}/suspend", suspendHandler(cfg.Logger, producer, cfg.DebugHeadersEnabled)).Methods(http.MethodPost)
	producerRoutes.HandleFunc("/{id}/resume", resumeHandler(cfg.Logger, producer)).Methods(http.MethodPost)
	producerRoutes.HandleFunc("/{id}/priority", setPriorityHandler(cfg.Logger, producer)).Methods(http.MethodPost)
	producerRoutes.HandleFunc("/{id}", getJobHandler(cfg.Logger, producer)).Methods(http.MethodGet)

	opsRoutes := router.PathPrefix("/ops/jobs").Subrouter()
	opsRoutes.Use(middleware.BearerAuth(cfg.ProducerAuth))
	opsRoutes.HandleFunc("/list", listJobsHandler(cfg.Logger, producer)).Methods(http.MethodGet)
	opsRoutes.HandleFunc("/stuck", listStuckHandler(cfg.Logger, producer)).Methods(http.MethodGet)

	workerRoutes := router.PathPrefix("/jobs").Subrouter()
	workerRoutes.Use(middleware.WorkerAuth(cfg.WorkerSecret))
	workerRoutes.HandleFunc("/claim", claimHandler(cfg.Logger, worker)).Methods(http.MethodPost)
	workerRoutes.Handle("/heartbeat", httputil.HandleJSONWithWorkerAuth(cfg.Logger, worker.Heartbeat)).Methods(http.MethodPost)
	workerRoutes.Handle("/result", httputil.HandleJSONWithWorkerAuth(cfg.Logger, worker.Result)).Methods(http.MethodPost)
	workerRoutes.HandleFunc("/reaper", reaperHandler(cfg.Logger, worker)).Methods(http.MethodPost)

	if cfg.CronDriver != nil {
		cronRoutes := router.PathPrefix("/cron").Subrouter()
		cronRoutes.Use(middleware.CronAuth(cfg.CronSecret))
		cronRoutes.HandleFunc("/reaper", cronReaperHandler(cfg.Logger, cfg.CronDriver)).Methods(http.MethodPost)
	}

	return router, stopCleanup
}

func getJobHandler(logger *logging.Logger, h *ProducerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := mux.Vars(r)["id"]
		dto, err := h.Get(r.Context(), jobID)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, dto)
	}
}

// enqueueHandler backs POST /jobs/enqueue. Spec §4.5 marks this endpoint
// "bit-exact for compatibility": 201 Created with only
// {jobId, status, traceId, expiresAt}, not the generic 200/full-record
// response the other producer routes use.
func enqueueHandler(logger *logging.Logger, h *ProducerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := httputil.RequireActorID(w, r)
		if !ok {
			return
		}
		var req EnqueueRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		resp, err := h.Enqueue(r.Context(), actorID, &req)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.RespondCreated(w, resp)
	}
}

func suspendHandler(logger *logging.Logger, h *ProducerHandlers, debugHeadersEnabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if debugFail := r.Header.Get("X-Debug-Fail-Once"); debugFail != "" {
			if !debugHeadersEnabled {
				httputil.RespondError(w, r, logger, errors.InvalidInput("X-Debug-Fail-Once", "debug headers are disabled in this environment"))
				return
			}
			httputil.RespondError(w, r, logger, errors.Internal("debug fail-injection requested", fmt.Errorf("X-Debug-Fail-Once: %s", debugFail)))
			return
		}

		actorID, ok := httputil.RequireActorID(w, r)
		if !ok {
			return
		}
		var req SuspendRequest
		if !httputil.DecodeJSONOptional(w, r, &req) {
			return
		}
		resp, err := h.Suspend(r.Context(), actorID, mux.Vars(r)["id"], &req)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func resumeHandler(logger *logging.Logger, h *ProducerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := httputil.RequireActorID(w, r)
		if !ok {
			return
		}
		var req SuspendRequest
		if !httputil.DecodeJSONOptional(w, r, &req) {
			return
		}
		resp, err := h.Resume(r.Context(), actorID, mux.Vars(r)["id"], &req)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func setPriorityHandler(logger *logging.Logger, h *ProducerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := httputil.RequireActorID(w, r)
		if !ok {
			return
		}
		var req SetPriorityRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		dto, err := h.SetPriority(r.Context(), actorID, mux.Vars(r)["id"], &req)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, dto)
	}
}

func listJobsHandler(logger *logging.Logger, h *ProducerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, limit := httputil.PaginationParams(r, 50, 500)
		status := httputil.QueryString(r, "status", "")
		jobs, err := h.ListJobs(r.Context(), status, limit)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, jobs)
	}
}

func listDeadLetterHandler(logger *logging.Logger, h *ProducerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, limit := httputil.PaginationParams(r, 50, 500)
		jobs, err := h.ListDeadLetter(r.Context(), limit)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, jobs)
	}
}

func listStuckHandler(logger *logging.Logger, h *ProducerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := h.ListStuck(r.Context())
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, jobs)
	}
}

func claimHandler(logger *logging.Logger, h *WorkerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerID, ok := httputil.RequireActorID(w, r)
		if !ok {
			return
		}
		resp, err := h.Claim(r.Context(), workerID)
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func reaperHandler(logger *logging.Logger, h *WorkerHandlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := httputil.RequireActorID(w, r); !ok {
			return
		}
		resp, err := h.Reaper(r.Context())
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// cronReaperHandler backs the externally-scheduled Cron Driver trigger
// (spec §"Cron Driver"): one reaper sweep per external call, authenticated
// by the shared CRON_SECRET rather than a worker or producer credential.
func cronReaperHandler(logger *logging.Logger, driver *cron.Driver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome, err := driver.Trigger(r.Context())
		if err != nil {
			httputil.RespondError(w, r, logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, ReaperSweepResponse{
			Found:        outcome.Found,
			Retried:      outcome.Retried,
			DeadLettered: outcome.DeadLettered,
			Jobs:         outcome.Jobs,
		})
	}
}
