// Package store defines the narrow, transactional persistence contract the
// queue engine and reaper are built against (spec §4.2 "Store Adapter"), plus
// the memory and postgres implementations of it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
)

// ErrNotFound is returned when a job lookup misses.
var ErrNotFound = errors.New("store: job not found")

// ErrDuplicateJobID is returned by InsertJob when the jobId already has a record.
var ErrDuplicateJobID = errors.New("store: duplicate job id")

// ErrVersionConflict is returned by UpdateJob when expectedVersion no longer
// matches the stored version — the optimistic-concurrency CAS failed.
var ErrVersionConflict = errors.New("store: version conflict")

// Mutator mutates a job in place inside an UpdateJob transaction. It must not
// touch JobID, Ticket, Payload, or CreatedAt — those are immutable after
// enqueue. The store increments Version and stamps UpdatedAt after Mutator
// runs; Mutator should not do so itself.
type Mutator func(job *jobqueue.Job)

// Store is the minimal transactional persistence contract the core depends
// on. All concurrency-sensitive operations go through UpdateJob or InsertJob,
// both of which are atomic with respect to other callers (spec §4.2).
type Store interface {
	// InsertNonce atomically records a submission nonce. inserted is false
	// when the nonce was already present (replay).
	InsertNonce(ctx context.Context, nonce string, now time.Time) (inserted bool, err error)

	// InsertJob creates a new job record with status=PENDING. Returns
	// ErrDuplicateJobID if a record for ticket.JobID already exists.
	InsertJob(ctx context.Context, job jobqueue.Job) error

	// GetJob returns the current record, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (jobqueue.Job, error)

	// UpdateJob loads the current record, applies mutate to a copy, and
	// persists it with Version+1 and UpdatedAt=now iff the stored version
	// still equals expectedVersion. Returns ErrVersionConflict otherwise, or
	// ErrNotFound if the job does not exist.
	UpdateJob(ctx context.Context, jobID string, expectedVersion int64, now time.Time, mutate Mutator) (jobqueue.Job, error)

	// QueryClaimable returns up to limit claimable jobs ordered by
	// priority DESC, createdAt ASC, jobId ASC (the tie-break of §4.3).
	QueryClaimable(ctx context.Context, now time.Time, limit int) ([]jobqueue.Job, error)

	// GetProcessingByWorker returns the PROCESSING job currently leased to
	// workerId, if any — used by claimNext's idempotent-reclaim check.
	GetProcessingByWorker(ctx context.Context, workerID string) (jobqueue.Job, bool, error)

	// QueryByStatus returns up to limit jobs in the given status, most
	// recently updated first.
	QueryByStatus(ctx context.Context, status jobqueue.Status, limit int) ([]jobqueue.Job, error)

	// QueryProcessing returns every PROCESSING job. The reaper sweep uses
	// QueryStuck, not this method.
	QueryProcessing(ctx context.Context) ([]jobqueue.Job, error)

	// QueryStuck returns PROCESSING jobs whose lease has expired or whose
	// heartbeat is older than thresholdSec, without mutating them.
	QueryStuck(ctx context.Context, thresholdSec int64, now time.Time) ([]jobqueue.Job, error)
}
