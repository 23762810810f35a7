// Package postgres is the Postgres-backed store.Store implementation, using
// lib/pq as the driver and jmoiron/sqlx for row scanning, in the style of the
// teacher's packages/*/store_postgres.go adapters.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
	"github.com/r3e-network/jobqueue-core/internal/store"
)

// Store is the Postgres implementation of store.Store.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, applies pending migrations, and returns a ready Store.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type jobRow struct {
	JobID            string         `db:"job_id"`
	JobType          string         `db:"job_type"`
	ActorID          string         `db:"actor_id"`
	PolicyDecisionID string         `db:"policy_decision_id"`
	Scope            []byte         `db:"scope"`
	RequestedAt      time.Time      `db:"requested_at"`
	ExpiresAt        time.Time      `db:"expires_at"`
	PayloadHash      string         `db:"payload_hash"`
	Nonce            string         `db:"nonce"`
	TraceID          string         `db:"trace_id"`
	TicketSignature  string         `db:"ticket_signature"`
	Payload          string         `db:"payload"`

	Status      string    `db:"status"`
	Priority    int        `db:"priority"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	Version     int64      `db:"version"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	ClaimableAt *time.Time `db:"claimable_at"`

	WorkerID           sql.NullString `db:"worker_id"`
	LeaseUntil         *time.Time     `db:"lease_until"`
	ClaimedAt          *time.Time     `db:"claimed_at"`
	HeartbeatAt        *time.Time     `db:"heartbeat_at"`
	LastErrorCode      sql.NullString `db:"last_error_code"`
	LastErrorMessage   sql.NullString `db:"last_error_message"`
	LastErrorRetryable sql.NullBool   `db:"last_error_retryable"`

	SuspendedAt         *time.Time     `db:"suspended_at"`
	SuspendedBy         sql.NullString `db:"suspended_by"`
	SuspendReason       sql.NullString `db:"suspend_reason"`
	LastUpdatedByDevice sql.NullString `db:"last_updated_by_device"`
}

const jobColumns = `
	job_id, job_type, actor_id, policy_decision_id, scope, requested_at, expires_at,
	payload_hash, nonce, trace_id, ticket_signature, payload,
	status, priority, attempts, max_attempts, version, created_at, updated_at, claimable_at,
	worker_id, lease_until, claimed_at, heartbeat_at,
	last_error_code, last_error_message, last_error_retryable,
	suspended_at, suspended_by, suspend_reason, last_updated_by_device`

func toRow(job jobqueue.Job) (jobRow, error) {
	scopeJSON, err := json.Marshal(job.Ticket.Scope)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal scope: %w", err)
	}
	row := jobRow{
		JobID:            job.Ticket.JobID,
		JobType:          job.Ticket.JobType,
		ActorID:          job.Ticket.ActorID,
		PolicyDecisionID: job.Ticket.PolicyDecisionID,
		Scope:            scopeJSON,
		RequestedAt:      job.Ticket.RequestedAt,
		ExpiresAt:        job.Ticket.ExpiresAt,
		PayloadHash:      job.Ticket.PayloadHash,
		Nonce:            job.Ticket.Nonce,
		TraceID:          job.Ticket.TraceID,
		TicketSignature:  job.Ticket.Signature,
		Payload:          job.Payload,

		Status:      string(job.Status),
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Version:     job.Version,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		ClaimableAt: job.ClaimableAt,

		WorkerID:            nullString(job.WorkerID),
		SuspendedAt:         job.SuspendedAt,
		SuspendedBy:         nullString(job.SuspendedBy),
		SuspendReason:       nullString(job.SuspendReason),
		LastUpdatedByDevice: nullString(job.LastUpdatedByDevice),
	}
	if job.Lease != nil {
		row.LeaseUntil = &job.Lease.LeaseUntil
		row.ClaimedAt = &job.Lease.ClaimedAt
	}
	if job.Heartbeat != nil {
		row.HeartbeatAt = &job.Heartbeat.At
	}
	if job.LastError != nil {
		row.LastErrorCode = nullString(job.LastError.Code)
		row.LastErrorMessage = nullString(job.LastError.Message)
		row.LastErrorRetryable = sql.NullBool{Bool: job.LastError.Retryable, Valid: true}
	}
	return row, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromRow(row jobRow) (jobqueue.Job, error) {
	var scope []string
	if len(row.Scope) > 0 {
		if err := json.Unmarshal(row.Scope, &scope); err != nil {
			return jobqueue.Job{}, fmt.Errorf("unmarshal scope: %w", err)
		}
	}
	job := jobqueue.Job{
		Ticket: jobqueue.Ticket{
			JobID:            row.JobID,
			JobType:          row.JobType,
			ActorID:          row.ActorID,
			Scope:            scope,
			PolicyDecisionID: row.PolicyDecisionID,
			RequestedAt:      row.RequestedAt,
			ExpiresAt:        row.ExpiresAt,
			PayloadHash:      row.PayloadHash,
			Nonce:            row.Nonce,
			TraceID:          row.TraceID,
			Signature:        row.TicketSignature,
		},
		Payload:             row.Payload,
		Status:              jobqueue.Status(row.Status),
		Priority:            row.Priority,
		Attempts:            row.Attempts,
		MaxAttempts:         row.MaxAttempts,
		Version:             row.Version,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
		ClaimableAt:         row.ClaimableAt,
		WorkerID:            row.WorkerID.String,
		SuspendedAt:         row.SuspendedAt,
		SuspendedBy:         row.SuspendedBy.String,
		SuspendReason:       row.SuspendReason.String,
		LastUpdatedByDevice: row.LastUpdatedByDevice.String,
	}
	if row.LeaseUntil != nil && row.ClaimedAt != nil {
		job.Lease = &jobqueue.Lease{LeaseUntil: *row.LeaseUntil, ClaimedAt: *row.ClaimedAt}
	}
	if row.HeartbeatAt != nil {
		job.Heartbeat = &jobqueue.Heartbeat{At: *row.HeartbeatAt}
	}
	if row.LastErrorCode.Valid {
		job.LastError = &jobqueue.LastError{
			Code:      row.LastErrorCode.String,
			Message:   row.LastErrorMessage.String,
			Retryable: row.LastErrorRetryable.Bool,
		}
	}
	return job, nil
}

func (s *Store) InsertNonce(ctx context.Context, nonce string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_nonces (nonce, created_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING
	`, nonce, now)
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) InsertJob(ctx context.Context, job jobqueue.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO job_queue (%s) VALUES (
		:job_id, :job_type, :actor_id, :policy_decision_id, :scope, :requested_at, :expires_at,
		:payload_hash, :nonce, :trace_id, :ticket_signature, :payload,
		:status, :priority, :attempts, :max_attempts, :version, :created_at, :updated_at, :claimable_at,
		:worker_id, :lease_until, :claimed_at, :heartbeat_at,
		:last_error_code, :last_error_message, :last_error_retryable,
		:suspended_at, :suspended_by, :suspend_reason, :last_updated_by_device
	)`, jobColumns)

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateJobID
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (jobqueue.Job, error) {
	var row jobRow
	query := fmt.Sprintf(`SELECT %s FROM job_queue WHERE job_id = $1`, jobColumns)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobqueue.Job{}, store.ErrNotFound
		}
		return jobqueue.Job{}, fmt.Errorf("get job: %w", err)
	}
	return fromRow(row)
}

func (s *Store) UpdateJob(ctx context.Context, jobID string, expectedVersion int64, now time.Time, mutate store.Mutator) (jobqueue.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	query := fmt.Sprintf(`SELECT %s FROM job_queue WHERE job_id = $1 FOR UPDATE`, jobColumns)
	if err := tx.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobqueue.Job{}, store.ErrNotFound
		}
		return jobqueue.Job{}, fmt.Errorf("get job for update: %w", err)
	}
	if row.Version != expectedVersion {
		return jobqueue.Job{}, store.ErrVersionConflict
	}

	current, err := fromRow(row)
	if err != nil {
		return jobqueue.Job{}, err
	}
	updated := current.Clone()
	mutate(&updated)
	updated.Version = current.Version + 1
	updated.UpdatedAt = now

	newRow, err := toRow(updated)
	if err != nil {
		return jobqueue.Job{}, err
	}

	namedArgs := struct {
		jobRow
		ExpectedVersion int64 `db:"expected_version"`
	}{jobRow: newRow, ExpectedVersion: current.Version}

	updateQuery, args, err := sqlx.Named(`
		UPDATE job_queue SET
			status = :status, priority = :priority, attempts = :attempts, version = :version,
			updated_at = :updated_at, claimable_at = :claimable_at,
			worker_id = :worker_id, lease_until = :lease_until, claimed_at = :claimed_at,
			heartbeat_at = :heartbeat_at,
			last_error_code = :last_error_code, last_error_message = :last_error_message,
			last_error_retryable = :last_error_retryable,
			suspended_at = :suspended_at, suspended_by = :suspended_by,
			suspend_reason = :suspend_reason, last_updated_by_device = :last_updated_by_device
		WHERE job_id = :job_id AND version = :expected_version`, namedArgs)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("bind update job: %w", err)
	}
	updateQuery = tx.Rebind(updateQuery)

	if _, err := tx.ExecContext(ctx, updateQuery, args...); err != nil {
		return jobqueue.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return jobqueue.Job{}, fmt.Errorf("commit tx: %w", err)
	}
	return updated.Clone(), nil
}

func (s *Store) QueryClaimable(ctx context.Context, now time.Time, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT %s FROM job_queue
		WHERE status IN ('PENDING', 'FAILED_RETRYABLE')
		  AND (claimable_at IS NULL OR claimable_at <= $1)
		ORDER BY priority DESC, created_at ASC, job_id ASC
		LIMIT $2`, jobColumns)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("query claimable: %w", err)
	}
	return fromRows(rows)
}

func (s *Store) GetProcessingByWorker(ctx context.Context, workerID string) (jobqueue.Job, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM job_queue WHERE status = 'PROCESSING' AND worker_id = $1 LIMIT 1`, jobColumns)
	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobqueue.Job{}, false, nil
		}
		return jobqueue.Job{}, false, fmt.Errorf("get processing by worker: %w", err)
	}
	job, err := fromRow(row)
	if err != nil {
		return jobqueue.Job{}, false, err
	}
	return job, true, nil
}

func (s *Store) QueryByStatus(ctx context.Context, status jobqueue.Status, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM job_queue WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, jobColumns)
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	return fromRows(rows)
}

func (s *Store) QueryProcessing(ctx context.Context) ([]jobqueue.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM job_queue WHERE status = 'PROCESSING'`, jobColumns)
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("query processing: %w", err)
	}
	return fromRows(rows)
}

func (s *Store) QueryStuck(ctx context.Context, thresholdSec int64, now time.Time) ([]jobqueue.Job, error) {
	staleSince := now.Add(-time.Duration(thresholdSec) * time.Second)
	query := fmt.Sprintf(`
		SELECT %s FROM job_queue
		WHERE status = 'PROCESSING' AND (lease_until < $1 OR heartbeat_at < $2)`, jobColumns)
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, now, staleSince); err != nil {
		return nil, fmt.Errorf("query stuck: %w", err)
	}
	return fromRows(rows)
}

func fromRows(rows []jobRow) ([]jobqueue.Job, error) {
	jobs := make([]jobqueue.Job, 0, len(rows))
	for _, row := range rows {
		job, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "unique constraint")
}
