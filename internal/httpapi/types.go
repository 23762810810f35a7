// Package httpapi exposes the job queue's producer and worker HTTP surfaces
// described by the job queue core specification.
package httpapi

import (
	"time"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
)

// EnqueueRequest is the body of POST /jobs/enqueue.
type EnqueueRequest struct {
	Ticket      TicketDTO `json:"ticket"`
	Payload     interface{} `json:"payload"`
	Priority    int       `json:"priority"`
	MaxAttempts int       `json:"maxAttempts"`
}

// TicketDTO mirrors jobqueue.Ticket over the wire (RFC3339 timestamps).
type TicketDTO struct {
	JobID            string    `json:"jobId"`
	JobType          string    `json:"jobType"`
	ActorID          string    `json:"actorId"`
	Scope            []string  `json:"scope,omitempty"`
	PolicyDecisionID string    `json:"policyDecisionId"`
	RequestedAt      time.Time `json:"requestedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	PayloadHash      string    `json:"payloadHash"`
	Nonce            string    `json:"nonce"`
	TraceID          string    `json:"traceId"`
	Signature        string    `json:"signature"`
}

func (t TicketDTO) toDomain() jobqueue.Ticket {
	return jobqueue.Ticket{
		JobID:            t.JobID,
		JobType:          t.JobType,
		ActorID:          t.ActorID,
		Scope:            t.Scope,
		PolicyDecisionID: t.PolicyDecisionID,
		RequestedAt:      t.RequestedAt,
		ExpiresAt:        t.ExpiresAt,
		PayloadHash:      t.PayloadHash,
		Nonce:            t.Nonce,
		TraceID:          t.TraceID,
		Signature:        t.Signature,
	}
}

func ticketFromDomain(t jobqueue.Ticket) TicketDTO {
	return TicketDTO{
		JobID:            t.JobID,
		JobType:          t.JobType,
		ActorID:          t.ActorID,
		Scope:            t.Scope,
		PolicyDecisionID: t.PolicyDecisionID,
		RequestedAt:      t.RequestedAt,
		ExpiresAt:        t.ExpiresAt,
		PayloadHash:      t.PayloadHash,
		Nonce:            t.Nonce,
		TraceID:          t.TraceID,
		Signature:        t.Signature,
	}
}

// EnqueueResponse is the body of a successful POST /jobs/enqueue (spec §4.5:
// "bit-exact for compatibility" — jobId/status/traceId/expiresAt only, not
// the full job record).
type EnqueueResponse struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	TraceID   string    `json:"traceId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// JobDTO is the wire representation of a job record.
type JobDTO struct {
	Ticket      TicketDTO  `json:"ticket"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	WorkerID    string     `json:"workerId,omitempty"`
	LeaseUntil  *time.Time `json:"leaseUntil,omitempty"`
	ClaimableAt *time.Time `json:"claimableAt,omitempty"`
	LastError   *ErrorDTO  `json:"lastError,omitempty"`
}

// ErrorDTO mirrors jobqueue.LastError / jobqueue.ResultError.
type ErrorDTO struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func jobToDTO(j jobqueue.Job) JobDTO {
	dto := JobDTO{
		Ticket:      ticketFromDomain(j.Ticket),
		Payload:     j.Payload,
		Status:      string(j.Status),
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Version:     j.Version,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		WorkerID:    j.WorkerID,
	}
	if j.Lease != nil {
		dto.LeaseUntil = &j.Lease.LeaseUntil
	}
	dto.ClaimableAt = j.ClaimableAt
	if j.LastError != nil {
		dto.LastError = &ErrorDTO{Code: j.LastError.Code, Message: j.LastError.Message, Retryable: j.LastError.Retryable}
	}
	return dto
}

// SuspendRequest is the body of POST /jobs/{id}/suspend and /resume.
type SuspendRequest struct {
	Reason              string     `json:"reason,omitempty"`
	DeviceID            string     `json:"deviceId,omitempty"`
	LastKnownUpdatedAt  *time.Time `json:"lastKnownUpdatedAt,omitempty"`
}

// SetPriorityRequest is the body of POST /jobs/{id}/priority.
type SetPriorityRequest struct {
	Priority int `json:"priority"`
}

// JobChangeResponse wraps a job plus whether the requested transition
// actually changed state (idempotent replay reports changed=false).
type JobChangeResponse struct {
	Job     JobDTO `json:"job"`
	Changed bool   `json:"changed"`
}

// ClaimResponse is the body of POST /jobs/claim. Job is nil when nothing was
// claimable.
type ClaimResponse struct {
	Job       *EnvelopeDTO `json:"job,omitempty"`
	Reclaimed bool         `json:"reclaimed"`
}

// EnvelopeDTO is what a worker receives after claiming a job: the ticket,
// payload, and retry bookkeeping, without queue-internal fields.
type EnvelopeDTO struct {
	Ticket      TicketDTO `json:"ticket"`
	Payload     string    `json:"payload"`
	Version     int64     `json:"version"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
}

func envelopeToDTO(e jobqueue.Envelope) EnvelopeDTO {
	return EnvelopeDTO{
		Ticket:      ticketFromDomain(e.Ticket),
		Payload:     e.Payload,
		Version:     e.Version,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
	}
}

// HeartbeatRequest is the body of POST /jobs/heartbeat.
type HeartbeatRequest struct {
	JobID string `json:"jobId"`
}

// ResultRequest is the body of POST /jobs/result.
type ResultRequest struct {
	JobID       string    `json:"jobId"`
	WorkerID    string    `json:"workerId"`
	Status      string    `json:"status"`
	Output      string    `json:"output,omitempty"`
	Error       *ErrorDTO `json:"error,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
	Signature   string    `json:"signature"`
}

func (r ResultRequest) toDomain() jobqueue.Result {
	res := jobqueue.Result{
		JobID:       r.JobID,
		WorkerID:    r.WorkerID,
		Status:      jobqueue.ResultStatus(r.Status),
		Output:      r.Output,
		CompletedAt: r.CompletedAt,
		Signature:   r.Signature,
	}
	if r.Error != nil {
		res.Error = &jobqueue.ResultError{Code: r.Error.Code, Message: r.Error.Message, Retryable: r.Error.Retryable}
	}
	return res
}

// ReaperSweepResponse is the body of POST /jobs/reaper.
type ReaperSweepResponse struct {
	Found        int      `json:"found"`
	Retried      int      `json:"retried"`
	DeadLettered int      `json:"deadLettered"`
	Jobs         []string `json:"jobs,omitempty"`
}
