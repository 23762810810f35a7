package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
	"github.com/r3e-network/jobqueue-core/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestInsertNonce_ReportsInsertedFlag(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(`INSERT INTO job_nonces`).
		WithArgs("nonce-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := s.InsertNonce(ctx, "nonce-1", now)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertNonce_ReplayReturnsFalse(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(`INSERT INTO job_nonces`).
		WithArgs("nonce-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.InsertNonce(ctx, "nonce-1", now)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func jobRowColumns() []string {
	return []string{
		"job_id", "job_type", "actor_id", "policy_decision_id", "scope", "requested_at", "expires_at",
		"payload_hash", "nonce", "trace_id", "ticket_signature", "payload",
		"status", "priority", "attempts", "max_attempts", "version", "created_at", "updated_at", "claimable_at",
		"worker_id", "lease_until", "claimed_at", "heartbeat_at",
		"last_error_code", "last_error_message", "last_error_retryable",
		"suspended_at", "suspended_by", "suspend_reason", "last_updated_by_device",
	}
}

func pendingJobRow(jobID string, now time.Time) []driverValue {
	return []driverValue{
		jobID, "send_email", "actor-1", "policy-1", []byte("null"), now, now.Add(15 * time.Minute),
		"hash", "nonce-1", "trace-1", "sig", `{"to":"a@b.com"}`,
		"PENDING", 50, 0, 3, int64(1), now, now, nil,
		nil, nil, nil, nil,
		nil, nil, nil,
		nil, nil, nil, nil,
	}
}

type driverValue = interface{}

func TestGetJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)SELECT .+ FROM job_queue WHERE job_id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetJob_ScansRowIntoJob(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := sqlmock.NewRows(jobRowColumns()).AddRow(pendingJobRow("job-1", now)...)
	mock.ExpectQuery(`(?s)SELECT .+ FROM job_queue WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.Ticket.JobID)
	assert.Equal(t, jobqueue.StatusPending, job.Status)
	assert.Equal(t, int64(1), job.Version)
}

func TestUpdateJob_VersionConflictRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectBegin()
	rows := sqlmock.NewRows(jobRowColumns()).AddRow(pendingJobRow("job-1", now)...)
	mock.ExpectQuery(`(?s)SELECT .+ FROM job_queue WHERE job_id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	_, err := s.UpdateJob(context.Background(), "job-1", 99, now, func(j *jobqueue.Job) { j.Priority = 80 })
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJob_CommitsOnMatchingVersion(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectBegin()
	rows := sqlmock.NewRows(jobRowColumns()).AddRow(pendingJobRow("job-1", now)...)
	mock.ExpectQuery(`(?s)SELECT .+ FROM job_queue WHERE job_id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE job_queue SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	updated, err := s.UpdateJob(context.Background(), "job-1", 1, now, func(j *jobqueue.Job) { j.Priority = 80 })
	require.NoError(t, err)
	assert.Equal(t, 80, updated.Priority)
	assert.Equal(t, int64(2), updated.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
