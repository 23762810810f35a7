package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/jobqueue-core/infrastructure/errors"
	"github.com/r3e-network/jobqueue-core/infrastructure/logging"
	"github.com/r3e-network/jobqueue-core/internal/store"
	"github.com/r3e-network/jobqueue-core/pkg/metrics"
)

// EngineConfig holds the queue engine's tuning knobs (spec §4.3 defaults).
type EngineConfig struct {
	LeaseMillis          int64
	StaleHeartbeatMillis int64
	TicketTTLSeconds     int64
	NonceTTLSeconds      int64
	MaxAttempts          int
	BackoffBaseMillis    int64
	BackoffCapMillis     int64

	// ClaimWindow bounds how many candidate rows claimNext inspects before
	// giving up on a CAS-conflicted pass (§4.3 "retry on CAS conflict and
	// skip to the next candidate").
	ClaimWindow int
}

// DefaultEngineConfig returns the spec's stated defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LeaseMillis:          DefaultLeaseMillis,
		StaleHeartbeatMillis: DefaultStaleHeartbeatMillis,
		TicketTTLSeconds:     DefaultTicketTTLSeconds,
		NonceTTLSeconds:      DefaultNonceTTLSeconds,
		MaxAttempts:          DefaultMaxAttempts,
		BackoffBaseMillis:    DefaultBackoffBaseMillis,
		BackoffCapMillis:     DefaultBackoffCapMillis,
		ClaimWindow:          20,
	}
}

func (c EngineConfig) leaseDuration() time.Duration {
	return time.Duration(c.LeaseMillis) * time.Millisecond
}

func (c EngineConfig) backoff(attempts int) time.Duration {
	base := time.Duration(c.BackoffBaseMillis) * time.Millisecond
	cap := time.Duration(c.BackoffCapMillis) * time.Millisecond
	return Backoff(attempts, base, cap)
}

// Engine implements the queue operations of spec §4.3 over a Store, a
// Signer, and a clock (injectable for tests).
type Engine struct {
	store      store.Store
	signer     *Signer
	cfg        EngineConfig
	logger     *logging.Logger
	clock      func() time.Time
	nonceCache NonceCache
}

// NewEngine builds an Engine. logger may be nil.
func NewEngine(s store.Store, signer *Signer, cfg EngineConfig, logger *logging.Logger) *Engine {
	return &Engine{store: s, signer: signer, cfg: cfg, logger: logger, clock: time.Now}
}

// WithNonceCache attaches an optional fast-path nonce cache (e.g. Redis)
// consulted ahead of the store on Enqueue. Passing nil disables the fast
// path; the store's nonce table remains authoritative either way.
func (e *Engine) WithNonceCache(cache NonceCache) *Engine {
	e.nonceCache = cache
	return e
}

// WithClock overrides the engine's time source, for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

func (e *Engine) logTransition(ctx context.Context, jobID, from, to string, err error) {
	if e.logger != nil {
		e.logger.LogJobTransition(ctx, jobID, from, to, err)
	}
}

// Enqueue verifies the ticket and inserts a new PENDING job record in one
// logical transaction: nonce insert, then job insert (§4.3 "enqueue").
func (e *Engine) Enqueue(ctx context.Context, ticket Ticket, canonicalPayload string, priority int, maxAttempts int) (Job, error) {
	now := e.now()

	outcome := e.signer.VerifyTicket(ticket, now, canonicalPayload)
	if !outcome.OK {
		switch outcome.Reason {
		case ReasonExpired:
			metrics.RecordNonceRejection("ticket_expired")
			return Job{}, errors.TicketExpired()
		default:
			metrics.RecordNonceRejection("bad_signature")
			return Job{}, errors.BadSignature(fmt.Errorf("ticket verification failed: %s", outcome.Reason))
		}
	}

	if e.nonceCache != nil {
		if seen, cacheErr := e.nonceCache.SeenRecently(ctx, ticket.Nonce); cacheErr == nil && seen {
			metrics.RecordNonceRejection("nonce_reused")
			return Job{}, errors.NonceReused(ticket.Nonce)
		}
	}

	inserted, err := e.store.InsertNonce(ctx, ticket.Nonce, now)
	if err != nil {
		return Job{}, errors.StoreError("insert_nonce", err)
	}
	if !inserted {
		metrics.RecordNonceRejection("nonce_reused")
		return Job{}, errors.NonceReused(ticket.Nonce)
	}
	if e.nonceCache != nil {
		_ = e.nonceCache.MarkSeen(ctx, ticket.Nonce, e.cfg.NonceTTLSeconds)
	}

	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return Job{}, errors.InvalidInput("priority", "must be between 0 and 100")
	}
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	job := Job{
		Ticket:      ticket,
		Payload:     canonicalPayload,
		Status:      StatusPending,
		Priority:    priority,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.InsertJob(ctx, job); err != nil {
		if err == store.ErrDuplicateJobID {
			return Job{}, errors.DuplicateJobID(ticket.JobID)
		}
		return Job{}, errors.StoreError("insert_job", err)
	}

	metrics.RecordJobEnqueued(ticket.JobType)
	e.logTransition(ctx, ticket.JobID, "", string(StatusPending), nil)
	return job, nil
}

// ClaimNext selects and claims one claimable job for workerID, honoring the
// idempotent-reclaim rule (§4.3 "claimNext").
func (e *Engine) ClaimNext(ctx context.Context, workerID string) (*Envelope, bool, error) {
	if existing, ok, err := e.store.GetProcessingByWorker(ctx, workerID); err != nil {
		return nil, false, errors.StoreError("get_processing_by_worker", err)
	} else if ok {
		env := EnvelopeOf(existing)
		return &env, true, nil
	}

	now := e.now()
	window := e.cfg.ClaimWindow
	if window <= 0 {
		window = 20
	}

	candidates, err := e.store.QueryClaimable(ctx, now, window)
	if err != nil {
		return nil, false, errors.StoreError("query_claimable", err)
	}

	for _, candidate := range candidates {
		claimed, err := e.store.UpdateJob(ctx, candidate.Ticket.JobID, candidate.Version, now, func(job *Job) {
			job.Status = StatusProcessing
			job.WorkerID = workerID
			job.Lease = &Lease{LeaseUntil: now.Add(e.cfg.leaseDuration()), ClaimedAt: now}
			job.Heartbeat = &Heartbeat{At: now}
			job.Attempts++
		})
		if err == store.ErrVersionConflict {
			continue // raced with another claimer or the reaper; try the next candidate
		}
		if err != nil {
			return nil, false, errors.StoreError("claim_update", err)
		}

		metrics.RecordJobClaimed(claimed.Ticket.JobType)
		e.logTransition(ctx, claimed.Ticket.JobID, string(candidate.Status), string(StatusProcessing), nil)
		env := EnvelopeOf(claimed)
		return &env, false, nil
	}

	return nil, false, nil
}

// Heartbeat extends the lease of a job owned by workerID (§4.3 "heartbeat").
func (e *Engine) Heartbeat(ctx context.Context, jobID, workerID string) (Job, error) {
	now := e.now()
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, mapNotFound(err, "job", jobID)
	}
	if job.Status != StatusProcessing {
		return Job{}, errors.NotProcessing(jobID)
	}
	if job.WorkerID != workerID {
		return Job{}, errors.NotOwner(jobID, workerID)
	}

	updated, err := e.store.UpdateJob(ctx, jobID, job.Version, now, func(j *Job) {
		j.Lease.LeaseUntil = now.Add(e.cfg.leaseDuration())
		j.Heartbeat = &Heartbeat{At: now}
	})
	if err == store.ErrVersionConflict {
		return Job{}, errors.Stale(job)
	}
	if err != nil {
		return Job{}, errors.StoreError("heartbeat_update", err)
	}
	return updated, nil
}

// Complete records a worker-reported result. It is idempotent: re-posting the
// same result against an already-terminal job returns success unchanged
// (§4.3 "complete", property I2).
func (e *Engine) Complete(ctx context.Context, result Result) (Job, error) {
	now := e.now()

	job, err := e.store.GetJob(ctx, result.JobID)
	if err != nil {
		return Job{}, mapNotFound(err, "job", result.JobID)
	}

	if job.Status.IsTerminal() {
		// Idempotent re-post: verify before trusting it, but don't mutate.
		if outcome := e.signer.VerifyResult(result, job.Ticket); !outcome.OK {
			return Job{}, errors.BadSignature(fmt.Errorf("result verification failed: %s", outcome.Reason))
		}
		return job, nil
	}

	if job.Status != StatusProcessing {
		return Job{}, errors.NotProcessing(result.JobID)
	}
	if job.WorkerID != result.WorkerID {
		return Job{}, errors.NotOwner(result.JobID, result.WorkerID)
	}
	if outcome := e.signer.VerifyResult(result, job.Ticket); !outcome.OK {
		return Job{}, errors.BadSignature(fmt.Errorf("result verification failed: %s", outcome.Reason))
	}

	fromStatus := job.Status
	var nextStatus Status
	var attemptDuration time.Duration
	if job.Lease != nil {
		attemptDuration = now.Sub(job.Lease.ClaimedAt)
	}

	updated, err := e.store.UpdateJob(ctx, result.JobID, job.Version, now, func(j *Job) {
		j.WorkerID = ""
		j.Lease = nil

		switch {
		case result.Status == ResultSuccess:
			nextStatus = StatusCompleted
			j.Status = StatusCompleted
		case result.Error != nil && !result.Error.Retryable:
			// Open question (a): a non-retryable worker error is a direct
			// path from complete to FAILED_TERMINAL.
			nextStatus = StatusFailedTerminal
			j.Status = StatusFailedTerminal
			j.LastError = &LastError{Code: result.Error.Code, Message: result.Error.Message, Retryable: false}
		case j.Attempts >= j.MaxAttempts:
			nextStatus = StatusDead
			j.Status = StatusDead
			j.LastError = &LastError{Code: "MAX_ATTEMPTS_EXCEEDED", Message: "max attempts exhausted", Retryable: false}
		default:
			nextStatus = StatusFailedRetryable
			j.Status = StatusFailedRetryable
			claimableAt := now.Add(e.cfg.backoff(j.Attempts))
			j.ClaimableAt = &claimableAt
			if result.Error != nil {
				j.LastError = &LastError{Code: result.Error.Code, Message: result.Error.Message, Retryable: true}
			}
		}
	})
	if err == store.ErrVersionConflict {
		return Job{}, errors.Stale(job)
	}
	if err != nil {
		return Job{}, errors.StoreError("complete_update", err)
	}

	outcome := "completed"
	switch nextStatus {
	case StatusFailedRetryable:
		outcome = "failed_retryable"
	case StatusFailedTerminal:
		outcome = "failed_terminal"
	case StatusDead:
		outcome = "dead"
		metrics.RecordJobDead(job.Ticket.JobType, "max_attempts")
	}
	metrics.RecordJobResult(job.Ticket.JobType, outcome, attemptDuration)
	e.logTransition(ctx, result.JobID, string(fromStatus), string(nextStatus), nil)
	return updated, nil
}

// Suspend moves a job to SUSPENDED from PENDING or FAILED_RETRYABLE. It is
// idempotent and enforces the merge guard when lastUpdatedAt is supplied.
func (e *Engine) Suspend(ctx context.Context, jobID, actorID, reason, deviceID string, lastUpdatedAt *time.Time) (Job, bool, error) {
	return e.transitionSuspendResume(ctx, jobID, actorID, reason, deviceID, lastUpdatedAt, true)
}

// Resume moves a job from SUSPENDED back to PENDING. Idempotent and merge-guarded.
func (e *Engine) Resume(ctx context.Context, jobID, actorID, reason, deviceID string, lastUpdatedAt *time.Time) (Job, bool, error) {
	return e.transitionSuspendResume(ctx, jobID, actorID, reason, deviceID, lastUpdatedAt, false)
}

func (e *Engine) transitionSuspendResume(ctx context.Context, jobID, actorID, reason, deviceID string, lastUpdatedAt *time.Time, suspending bool) (Job, bool, error) {
	now := e.now()
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, false, mapNotFound(err, "job", jobID)
	}

	if lastUpdatedAt != nil && lastUpdatedAt.Before(job.UpdatedAt) {
		return job, false, errors.Stale(job)
	}

	if suspending {
		if job.Status == StatusSuspended {
			return job, false, nil // idempotent re-suspend
		}
		if job.Status != StatusPending && job.Status != StatusFailedRetryable {
			return Job{}, false, errors.IllegalTransition(string(job.Status), string(StatusSuspended))
		}
	} else {
		if job.Status == StatusPending {
			return job, false, nil // idempotent re-resume
		}
		if job.Status != StatusSuspended {
			return Job{}, false, errors.IllegalTransition(string(job.Status), string(StatusPending))
		}
	}

	fromStatus := job.Status
	toStatus := StatusPending
	if suspending {
		toStatus = StatusSuspended
	}

	updated, err := e.store.UpdateJob(ctx, jobID, job.Version, now, func(j *Job) {
		j.Status = toStatus
		j.LastUpdatedByDevice = deviceID
		if suspending {
			j.SuspendedAt = &now
			j.SuspendedBy = actorID
			j.SuspendReason = reason
		} else {
			j.SuspendedAt = nil
			j.SuspendedBy = ""
			j.SuspendReason = ""
		}
	})
	if err == store.ErrVersionConflict {
		return Job{}, false, errors.Stale(job)
	}
	if err != nil {
		return Job{}, false, errors.StoreError("suspend_resume_update", err)
	}

	e.logTransition(ctx, jobID, string(fromStatus), string(toStatus), nil)
	return updated, true, nil
}

// SetPriority changes a job's claim-order priority; legal from any non-terminal state.
func (e *Engine) SetPriority(ctx context.Context, jobID string, value int, actorID string) (Job, error) {
	if value < MinPriority || value > MaxPriority {
		return Job{}, errors.InvalidInput("priority", "must be between 0 and 100")
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, mapNotFound(err, "job", jobID)
	}
	if job.Status.IsTerminal() {
		return Job{}, errors.IllegalTransition(string(job.Status), string(job.Status))
	}

	now := e.now()
	updated, err := e.store.UpdateJob(ctx, jobID, job.Version, now, func(j *Job) {
		j.Priority = value
	})
	if err == store.ErrVersionConflict {
		return Job{}, errors.Stale(job)
	}
	if err != nil {
		return Job{}, errors.StoreError("set_priority_update", err)
	}
	return updated, nil
}

// ListByStatus returns up to limit jobs in the given status, most recently
// updated first. Backs the ops job-listing and dead-letter-index endpoints.
func (e *Engine) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	jobs, err := e.store.QueryByStatus(ctx, status, limit)
	if err != nil {
		return nil, errors.StoreError("query_by_status", err)
	}
	return jobs, nil
}

// ListStuck returns PROCESSING jobs whose lease or heartbeat is already
// behind the staleness threshold but haven't yet been swept by the reaper.
// Backs the supplemented GET /ops/jobs/stuck endpoint.
func (e *Engine) ListStuck(ctx context.Context) ([]Job, error) {
	jobs, err := e.store.QueryStuck(ctx, e.cfg.StaleHeartbeatMillis/1000, e.now())
	if err != nil {
		return nil, errors.StoreError("query_stuck", err)
	}
	return jobs, nil
}

// Get fetches a single job by ID.
func (e *Engine) Get(ctx context.Context, jobID string) (Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, mapNotFound(err, "job", jobID)
	}
	return job, nil
}

func mapNotFound(err error, resource, id string) error {
	if err == store.ErrNotFound {
		return errors.NotFound(resource, id)
	}
	return errors.StoreError("get_job", err)
}
