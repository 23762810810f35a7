package jobqueue

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/r3e-network/jobqueue-core/infrastructure/errors"
	"github.com/r3e-network/jobqueue-core/internal/store/memory"
)

type testHarness struct {
	engine *Engine
	signer *Signer
	clock  *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewSigner("test", priv, pub)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultEngineConfig()
	engine := NewEngine(memory.New(), signer, cfg, nil).WithClock(clock.Now)

	return &testHarness{engine: engine, signer: signer, clock: clock}
}

func (h *testHarness) enqueue(t *testing.T, ctx context.Context, jobID string) Job {
	t.Helper()
	payload := `{"to":"a@b.com"}`
	ticket := Ticket{
		JobID:            jobID,
		JobType:          "send_email",
		ActorID:          "actor-1",
		PolicyDecisionID: "policy-1",
		RequestedAt:      h.clock.Now(),
		ExpiresAt:        h.clock.Now().Add(15 * time.Minute),
		PayloadHash:      PayloadHash(payload),
		Nonce:            jobID + "-nonce",
		TraceID:          "trace-1",
	}
	signed, err := h.signer.SignTicket(ticket)
	require.NoError(t, err)

	job, err := h.engine.Enqueue(ctx, signed, payload, 0, 0)
	require.NoError(t, err)
	return job
}

func TestEnqueue_RejectsReplayedNonce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")

	payload := `{"to":"a@b.com"}`
	ticket := Ticket{
		JobID:            "job-2",
		JobType:          "send_email",
		ActorID:          "actor-1",
		PolicyDecisionID: "policy-1",
		RequestedAt:      h.clock.Now(),
		ExpiresAt:        h.clock.Now().Add(15 * time.Minute),
		PayloadHash:      PayloadHash(payload),
		Nonce:            "job-1-nonce", // reused
		TraceID:          "trace-1",
	}
	signed, err := h.signer.SignTicket(ticket)
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, signed, payload, 0, 0)
	require.Error(t, err)
	svcErr, ok := err.(*svcerrors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, svcerrors.ErrCodeNonceReused, svcErr.Code)
}

func TestEnqueue_RejectsDuplicateJobID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")

	payload := `{"to":"other@b.com"}`
	ticket := Ticket{
		JobID:            "job-1",
		JobType:          "send_email",
		ActorID:          "actor-1",
		PolicyDecisionID: "policy-1",
		RequestedAt:      h.clock.Now(),
		ExpiresAt:        h.clock.Now().Add(15 * time.Minute),
		PayloadHash:      PayloadHash(payload),
		Nonce:            "job-1-nonce-2",
		TraceID:          "trace-1",
	}
	signed, err := h.signer.SignTicket(ticket)
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, signed, payload, 0, 0)
	require.Error(t, err)
	svcErr, ok := err.(*svcerrors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, svcerrors.ErrCodeDuplicateJobID, svcErr.Code)
}

// P1/S1: claiming assigns exactly one worker and transitions PENDING -> PROCESSING.
func TestClaimNext_ClaimsPendingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")

	env, reclaimed, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.False(t, reclaimed)
	assert.Equal(t, "job-1", env.Ticket.JobID)
	assert.Equal(t, 1, env.Attempts)

	job, err := h.engine.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, "worker-1", job.WorkerID)
}

// Idempotent reclaim: a worker re-calling claimNext while it still holds the
// lease gets the same job back, not a new claim.
func TestClaimNext_IdempotentReclaimForSameWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")

	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	env, reclaimed, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.True(t, reclaimed)
	assert.Equal(t, "job-1", env.Ticket.JobID)
}

func TestClaimNext_ReturnsNilWhenNothingClaimable(t *testing.T) {
	h := newHarness(t)
	env, reclaimed, err := h.engine.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.False(t, reclaimed)
}

// P3, priority key: a later job raised to priority 90 is claimed ahead of an
// older job at the default priority 50.
func TestClaimNext_HonorsPriorityTieBreak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	low := h.enqueue(t, ctx, "job-low")
	_ = low
	h.clock.Advance(time.Second)
	high := h.enqueue(t, ctx, "job-high")
	_ = high

	_, err := h.engine.SetPriority(ctx, "job-high", 90, "actor-1")
	require.NoError(t, err)

	env, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "job-high", env.Ticket.JobID)
}

func TestHeartbeat_ExtendsLeaseForOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")
	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	before, err := h.engine.Get(ctx, "job-1")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	updated, err := h.engine.Heartbeat(ctx, "job-1", "worker-1")
	require.NoError(t, err)
	assert.True(t, updated.Lease.LeaseUntil.After(before.Lease.LeaseUntil))
}

func TestHeartbeat_RejectsWrongOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")
	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	_, err = h.engine.Heartbeat(ctx, "job-1", "worker-2")
	require.Error(t, err)
	svcErr, ok := err.(*svcerrors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, svcerrors.ErrCodeNotOwner, svcErr.Code)
}

func (h *testHarness) signResult(t *testing.T, jobID, workerID string, status ResultStatus, resultErr *ResultError) Result {
	t.Helper()
	r := Result{
		JobID:       jobID,
		WorkerID:    workerID,
		Status:      status,
		Error:       resultErr,
		CompletedAt: h.clock.Now(),
	}
	signed, err := h.signer.SignResult(r)
	require.NoError(t, err)
	return signed
}

func TestComplete_SuccessTransitionsToCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")
	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	result := h.signResult(t, "job-1", "worker-1", ResultSuccess, nil)
	job, err := h.engine.Complete(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.WorkerID)
}

// I2: re-posting the same result against an already-terminal job is a no-op
// that still succeeds (idempotent completion).
func TestComplete_IdempotentOnAlreadyTerminalJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")
	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	result := h.signResult(t, "job-1", "worker-1", ResultSuccess, nil)
	first, err := h.engine.Complete(ctx, result)
	require.NoError(t, err)

	second, err := h.engine.Complete(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Version, second.Version)
}

func TestComplete_RetryableFailureSchedulesBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")
	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	result := h.signResult(t, "job-1", "worker-1", ResultFailure, &ResultError{Code: "TIMEOUT", Message: "timed out", Retryable: true})
	job, err := h.engine.Complete(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedRetryable, job.Status)
	require.NotNil(t, job.ClaimableAt)
	assert.True(t, job.ClaimableAt.After(h.clock.Now()))
}

func TestComplete_NonRetryableFailureGoesTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")
	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	result := h.signResult(t, "job-1", "worker-1", ResultFailure, &ResultError{Code: "BAD_INPUT", Message: "bad input", Retryable: false})
	job, err := h.engine.Complete(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedTerminal, job.Status)
}

// B1: exhausting maxAttempts on a retryable failure dead-letters the job
// rather than scheduling another retry.
func TestComplete_ExhaustedAttemptsGoesDead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payload := `{"to":"a@b.com"}`
	ticket := Ticket{
		JobID:            "job-1",
		JobType:          "send_email",
		ActorID:          "actor-1",
		PolicyDecisionID: "policy-1",
		RequestedAt:      h.clock.Now(),
		ExpiresAt:        h.clock.Now().Add(15 * time.Minute),
		PayloadHash:      PayloadHash(payload),
		Nonce:            "job-1-nonce",
		TraceID:          "trace-1",
	}
	signed, err := h.signer.SignTicket(ticket)
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, signed, payload, 0, 1)
	require.NoError(t, err)

	_, _, err = h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	result := h.signResult(t, "job-1", "worker-1", ResultFailure, &ResultError{Code: "TIMEOUT", Message: "timed out", Retryable: true})
	job, err := h.engine.Complete(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, job.Status)
}

func TestSuspendResume_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")

	suspended, changed, err := h.engine.Suspend(ctx, "job-1", "actor-1", "maintenance", "", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusSuspended, suspended.Status)

	// idempotent re-suspend
	again, changed, err := h.engine.Suspend(ctx, "job-1", "actor-1", "maintenance", "", nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusSuspended, again.Status)

	resumed, changed, err := h.engine.Resume(ctx, "job-1", "actor-1", "", "", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPending, resumed.Status)
}

func TestSuspend_RejectsStaleView(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.enqueue(t, ctx, "job-1")

	stale := job.UpdatedAt.Add(-time.Hour)
	_, _, err := h.engine.Suspend(ctx, "job-1", "actor-1", "", "", &stale)
	require.Error(t, err)
	svcErr, ok := err.(*svcerrors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, svcerrors.ErrCodeStale, svcErr.Code)
}

func TestSuspend_RejectsIllegalSourceState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")
	_, _, err := h.engine.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	_, _, err = h.engine.Suspend(ctx, "job-1", "actor-1", "", "", nil)
	require.Error(t, err)
	svcErr, ok := err.(*svcerrors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, svcerrors.ErrCodeIllegalTransition, svcErr.Code)
}

func TestSetPriority_RejectsOutOfRange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, ctx, "job-1")

	_, err := h.engine.SetPriority(ctx, "job-1", 101, "actor-1")
	require.Error(t, err)
	svcErr, ok := err.(*svcerrors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, svcerrors.ErrCodeInvalidInput, svcErr.Code)
}
