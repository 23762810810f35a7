package httpapi

import (
	"context"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
)

// ProducerHandlers implements the producer/admin HTTP surface: enqueue,
// suspend/resume, priority changes, and the ops read endpoints.
type ProducerHandlers struct {
	engine *jobqueue.Engine
}

// NewProducerHandlers builds the producer surface over engine.
func NewProducerHandlers(engine *jobqueue.Engine) *ProducerHandlers {
	return &ProducerHandlers{engine: engine}
}

func (h *ProducerHandlers) Enqueue(ctx context.Context, userID string, req *EnqueueRequest) (EnqueueResponse, error) {
	canonicalPayload, err := jobqueue.CanonicalJSON(req.Payload)
	if err != nil {
		return EnqueueResponse{}, err
	}
	job, err := h.engine.Enqueue(ctx, req.Ticket.toDomain(), canonicalPayload, req.Priority, req.MaxAttempts)
	if err != nil {
		return EnqueueResponse{}, err
	}
	return EnqueueResponse{
		JobID:     job.Ticket.JobID,
		Status:    string(job.Status),
		TraceID:   job.Ticket.TraceID,
		ExpiresAt: job.Ticket.ExpiresAt,
	}, nil
}

func (h *ProducerHandlers) Get(ctx context.Context, jobID string) (JobDTO, error) {
	job, err := h.engine.Get(ctx, jobID)
	if err != nil {
		return JobDTO{}, err
	}
	return jobToDTO(job), nil
}

func (h *ProducerHandlers) Suspend(ctx context.Context, userID, jobID string, req *SuspendRequest) (JobChangeResponse, error) {
	job, changed, err := h.engine.Suspend(ctx, jobID, userID, req.Reason, req.DeviceID, req.LastKnownUpdatedAt)
	if err != nil {
		return JobChangeResponse{}, err
	}
	return JobChangeResponse{Job: jobToDTO(job), Changed: changed}, nil
}

func (h *ProducerHandlers) Resume(ctx context.Context, userID, jobID string, req *SuspendRequest) (JobChangeResponse, error) {
	job, changed, err := h.engine.Resume(ctx, jobID, userID, req.Reason, req.DeviceID, req.LastKnownUpdatedAt)
	if err != nil {
		return JobChangeResponse{}, err
	}
	return JobChangeResponse{Job: jobToDTO(job), Changed: changed}, nil
}

func (h *ProducerHandlers) SetPriority(ctx context.Context, userID, jobID string, req *SetPriorityRequest) (JobDTO, error) {
	job, err := h.engine.SetPriority(ctx, jobID, req.Priority, userID)
	if err != nil {
		return JobDTO{}, err
	}
	return jobToDTO(job), nil
}

func (h *ProducerHandlers) ListJobs(ctx context.Context, status string, limit int) ([]JobDTO, error) {
	st := jobqueue.Status(status)
	if st == "" {
		st = jobqueue.StatusPending
	}
	jobs, err := h.engine.ListByStatus(ctx, st, limit)
	if err != nil {
		return nil, err
	}
	return jobsToDTOs(jobs), nil
}

func (h *ProducerHandlers) ListDeadLetter(ctx context.Context, limit int) ([]JobDTO, error) {
	jobs, err := h.engine.ListByStatus(ctx, jobqueue.StatusDead, limit)
	if err != nil {
		return nil, err
	}
	return jobsToDTOs(jobs), nil
}

func (h *ProducerHandlers) ListStuck(ctx context.Context) ([]JobDTO, error) {
	jobs, err := h.engine.ListStuck(ctx)
	if err != nil {
		return nil, err
	}
	return jobsToDTOs(jobs), nil
}

func jobsToDTOs(jobs []jobqueue.Job) []JobDTO {
	out := make([]JobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToDTO(j))
	}
	return out
}
