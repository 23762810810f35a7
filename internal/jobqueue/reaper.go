package jobqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/r3e-network/jobqueue-core/infrastructure/logging"
	"github.com/r3e-network/jobqueue-core/internal/store"
	"github.com/r3e-network/jobqueue-core/pkg/metrics"
)

// Reaper periodically sweeps PROCESSING jobs whose lease has expired or whose
// heartbeat has gone stale, reclaiming them as FAILED_RETRYABLE (with backoff)
// or DEAD once attempts are exhausted (spec §4.4).
type Reaper struct {
	store  store.Store
	cfg    EngineConfig
	logger *logging.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReaper builds a Reaper bound to the same store and config as the engine
// it reclaims for.
func NewReaper(s store.Store, cfg EngineConfig, logger *logging.Logger) *Reaper {
	return &Reaper{store: s, cfg: cfg, logger: logger, clock: time.Now}
}

// WithClock overrides the reaper's time source, for deterministic tests.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

func (r *Reaper) now() time.Time { return r.clock().UTC() }

// IsRunning reports whether the background sweep loop is active.
func (r *Reaper) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Start launches the periodic sweep loop at the given interval. Calling Start
// on an already-running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(loopCtx, interval)
}

// Stop halts the sweep loop and blocks until the current sweep (if any)
// finishes.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context, interval time.Duration) {
	defer func() {
		r.mu.Lock()
		r.running = false
		close(r.done)
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, "scheduled"); err != nil && r.logger != nil {
				r.logger.LogErrorWithStack(ctx, err, "reaper sweep failed", nil)
			}
		}
	}
}

// Sweep runs a single reclaim pass and returns a summary of what it did.
// trigger labels the metric: "scheduled" from the Start loop, "manual" from
// the supplemented POST /jobs/reaper endpoint, "cron" from the cron driver.
func (r *Reaper) Sweep(ctx context.Context, trigger string) (ReaperOutcome, error) {
	start := r.now()
	outcome := ReaperOutcome{}

	stuck, err := r.store.QueryStuck(ctx, r.cfg.StaleHeartbeatMillis/1000, start)
	if err != nil {
		return outcome, err
	}
	outcome.Found = len(stuck)

	for _, job := range stuck {
		reclaimed, dead, err := r.reclaimOne(ctx, job, start)
		if err != nil {
			// A store error on this job (version conflicts come back as
			// not reclaimed, without an error); skip it and continue the sweep.
			continue
		}
		if !reclaimed {
			continue
		}
		outcome.Jobs = append(outcome.Jobs, job.Ticket.JobID)
		if dead {
			outcome.DeadLettered++
			metrics.RecordReaperReclaim("dead")
			metrics.RecordJobDead(job.Ticket.JobType, "reaper_expired_lease")
		} else {
			outcome.Retried++
			metrics.RecordReaperReclaim("retried")
		}
	}

	metrics.RecordReaperSweep(trigger, r.now().Sub(start))
	if r.logger != nil && outcome.Found > 0 {
		r.logger.LogAudit(ctx, "reaper_sweep", "job_queue", "", "found="+strconv.Itoa(outcome.Found))
	}
	return outcome, nil
}

func (r *Reaper) reclaimOne(ctx context.Context, job Job, now time.Time) (reclaimed bool, dead bool, err error) {
	updated, updateErr := r.store.UpdateJob(ctx, job.Ticket.JobID, job.Version, now, func(j *Job) {
		if j.Status != StatusProcessing {
			return // re-checked under the store's own lock/tx; already moved on
		}
		j.WorkerID = ""
		j.Lease = nil
		j.Heartbeat = nil

		if j.Attempts >= j.MaxAttempts {
			j.Status = StatusDead
			j.LastError = &LastError{Code: "LEASE_EXPIRED", Message: "lease expired and max attempts exhausted", Retryable: false}
			dead = true
			return
		}
		j.Status = StatusFailedRetryable
		claimableAt := now.Add(r.cfg.backoff(j.Attempts))
		j.ClaimableAt = &claimableAt
		j.LastError = &LastError{Code: "LEASE_EXPIRED", Message: "lease expired before completion", Retryable: true}
	})
	if updateErr == store.ErrVersionConflict {
		return false, false, nil
	}
	if updateErr != nil {
		return false, false, updateErr
	}
	if updated.Status == StatusProcessing {
		return false, false, nil // mutate saw it had already moved on; no-op applied
	}

	if r.logger != nil {
		to := string(StatusFailedRetryable)
		if dead {
			to = string(StatusDead)
		}
		r.logger.LogJobTransition(ctx, job.Ticket.JobID, string(StatusProcessing), to, nil)
	}
	return true, dead, nil
}
