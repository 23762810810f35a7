// Package jobqueue implements the signed-ticket, lease-based job dispatch core:
// the queue engine's status state machine, the reaper, and the canonical
// signing/verification protocol shared by producers and workers.
package jobqueue

import "time"

// Status is the job record's lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusProcessing      Status = "PROCESSING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedTerminal  Status = "FAILED_TERMINAL"
	StatusSuspended       Status = "SUSPENDED"
	StatusDead            Status = "DEAD"
)

// IsTerminal reports whether status never transitions again (I4).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailedTerminal, StatusDead:
		return true
	default:
		return false
	}
}

// Default tuning constants (§4.3), overridable per Config/submission.
const (
	DefaultLeaseMillis          = 60_000
	DefaultStaleHeartbeatMillis = 60_000
	DefaultTicketTTLSeconds     = 15 * 60
	DefaultNonceTTLSeconds      = 24 * 60 * 60
	DefaultMaxAttempts          = 3
	DefaultBackoffBaseMillis    = 5_000
	DefaultBackoffCapMillis     = 5 * 60 * 1000
	DefaultReaperIntervalMillis = 30_000

	MinPriority     = 0
	MaxPriority     = 100
	DefaultPriority = 50
)

// Ticket is the immutable, signed intent to run one job (§3).
type Ticket struct {
	JobID            string          `json:"jobId"`
	JobType          string          `json:"jobType"`
	ActorID          string          `json:"actorId"`
	Scope            []string        `json:"scope,omitempty"`
	PolicyDecisionID string          `json:"policyDecisionId"`
	RequestedAt      time.Time       `json:"requestedAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	PayloadHash      string          `json:"payloadHash"`
	Nonce            string          `json:"nonce"`
	TraceID          string          `json:"traceId"`
	Signature        string          `json:"signature,omitempty"`
}

// Lease is the time-bounded claim a worker holds over a job.
type Lease struct {
	LeaseUntil time.Time `json:"leaseUntil"`
	ClaimedAt  time.Time `json:"claimedAt"`
}

// Heartbeat records the last liveness ping a worker sent for its lease.
type Heartbeat struct {
	At time.Time `json:"at"`
}

// LastError captures a worker- or reaper-reported failure.
type LastError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Job is the mutable record stored per jobId in the job_queue collection (§3).
type Job struct {
	Ticket      Ticket     `json:"ticket"`
	Payload     string     `json:"payload"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ClaimableAt *time.Time `json:"claimableAt,omitempty"`

	WorkerID  string     `json:"workerId,omitempty"`
	Lease     *Lease     `json:"lease,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	LastError *LastError `json:"lastError,omitempty"`

	SuspendedAt         *time.Time `json:"suspendedAt,omitempty"`
	SuspendedBy         string     `json:"suspendedBy,omitempty"`
	SuspendReason       string     `json:"suspendReason,omitempty"`
	LastUpdatedByDevice string     `json:"lastUpdatedByDevice,omitempty"`
}

// Claimable reports whether a PENDING/FAILED_RETRYABLE job is eligible for
// claimNext at the given instant (GLOSSARY "Claimable").
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case StatusPending, StatusFailedRetryable:
	default:
		return false
	}
	if j.ClaimableAt != nil && j.ClaimableAt.After(now) {
		return false
	}
	return true
}

// Clone returns a deep-enough copy safe to hand to callers outside the store's lock.
func (j Job) Clone() Job {
	clone := j
	if j.Ticket.Scope != nil {
		clone.Ticket.Scope = append([]string(nil), j.Ticket.Scope...)
	}
	if j.Lease != nil {
		lease := *j.Lease
		clone.Lease = &lease
	}
	if j.Heartbeat != nil {
		hb := *j.Heartbeat
		clone.Heartbeat = &hb
	}
	if j.LastError != nil {
		le := *j.LastError
		clone.LastError = &le
	}
	if j.ClaimableAt != nil {
		ca := *j.ClaimableAt
		clone.ClaimableAt = &ca
	}
	if j.SuspendedAt != nil {
		sa := *j.SuspendedAt
		clone.SuspendedAt = &sa
	}
	return clone
}

// Envelope is what a worker receives on claim: the ticket, payload, and
// bookkeeping fields it needs to process and later acknowledge the job.
type Envelope struct {
	Ticket      Ticket `json:"ticket"`
	Payload     string `json:"payload"`
	Version     int64  `json:"version"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
}

// EnvelopeOf projects the worker-visible fields of a job record.
func EnvelopeOf(j Job) Envelope {
	return Envelope{
		Ticket:      j.Ticket,
		Payload:     j.Payload,
		Version:     j.Version,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
	}
}

// ResultStatus is the worker-reported outcome of processing a claimed job.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)

// ResultError is the worker's classification of a FAILURE outcome.
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Result is the signed envelope a worker posts back on /jobs/result (§6).
type Result struct {
	JobID       string       `json:"jobId"`
	WorkerID    string       `json:"workerId"`
	Status      ResultStatus `json:"status"`
	Output      string       `json:"output,omitempty"`
	Error       *ResultError `json:"error,omitempty"`
	CompletedAt time.Time    `json:"completedAt"`
	Signature   string       `json:"signature,omitempty"`
}

// NonceEntry is a used-nonce marker in the job_nonces collection (§3).
type NonceEntry struct {
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReaperOutcome summarizes one sweep (§4.4).
type ReaperOutcome struct {
	Found        int      `json:"found"`
	Retried      int      `json:"retried"`
	DeadLettered int      `json:"deadLettered"`
	Jobs         []string `json:"jobs"`
}
