package httpapi

import (
	"context"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
)

// WorkerHandlers implements the worker-credentialed HTTP surface: claim,
// heartbeat, and result reporting.
type WorkerHandlers struct {
	engine *jobqueue.Engine
	reaper *jobqueue.Reaper
}

// NewWorkerHandlers builds the worker surface over engine and reaper.
func NewWorkerHandlers(engine *jobqueue.Engine, reaper *jobqueue.Reaper) *WorkerHandlers {
	return &WorkerHandlers{engine: engine, reaper: reaper}
}

func (h *WorkerHandlers) Claim(ctx context.Context, workerID string) (ClaimResponse, error) {
	env, reclaimed, err := h.engine.ClaimNext(ctx, workerID)
	if err != nil {
		return ClaimResponse{}, err
	}
	if env == nil {
		return ClaimResponse{Reclaimed: false}, nil
	}
	dto := envelopeToDTO(*env)
	return ClaimResponse{Job: &dto, Reclaimed: reclaimed}, nil
}

func (h *WorkerHandlers) Heartbeat(ctx context.Context, workerID string, req *HeartbeatRequest) (JobDTO, error) {
	job, err := h.engine.Heartbeat(ctx, req.JobID, workerID)
	if err != nil {
		return JobDTO{}, err
	}
	return jobToDTO(job), nil
}

func (h *WorkerHandlers) Result(ctx context.Context, workerID string, req *ResultRequest) (JobDTO, error) {
	result := req.toDomain()
	result.WorkerID = workerID
	job, err := h.engine.Complete(ctx, result)
	if err != nil {
		return JobDTO{}, err
	}
	return jobToDTO(job), nil
}

// Reaper triggers an on-demand sweep (supplemented "manual reaper" feature),
// gated to an authenticated worker by the router's WorkerAuth middleware. The
// externally-scheduled cron trigger uses the separate /cron/reaper route,
// authenticated by CronAuth and backed by the cron.Driver instead.
func (h *WorkerHandlers) Reaper(ctx context.Context) (ReaperSweepResponse, error) {
	outcome, err := h.reaper.Sweep(ctx, "manual")
	if err != nil {
		return ReaperSweepResponse{}, err
	}
	return ReaperSweepResponse{
		Found:        outcome.Found,
		Retried:      outcome.Retried,
		DeadLettered: outcome.DeadLettered,
		Jobs:         outcome.Jobs,
	}, nil
}
