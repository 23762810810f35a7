package httpapi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
	"github.com/r3e-network/jobqueue-core/internal/store/memory"
)

func newTestEngine(t *testing.T) (*jobqueue.Engine, *jobqueue.Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := jobqueue.NewSigner("test", priv, pub)
	require.NoError(t, err)

	engine := jobqueue.NewEngine(memory.New(), signer, jobqueue.DefaultEngineConfig(), nil)
	return engine, signer
}

func signedTicketDTO(t *testing.T, signer *jobqueue.Signer, jobID string) TicketDTO {
	t.Helper()
	now := time.Now()
	ticket := jobqueue.Ticket{
		JobID:            jobID,
		JobType:          "send_email",
		ActorID:          "actor-1",
		PolicyDecisionID: "policy-1",
		RequestedAt:      now,
		ExpiresAt:        now.Add(15 * time.Minute),
		PayloadHash:      jobqueue.PayloadHash(`{"to":"a@b.com"}`),
		Nonce:            jobID + "-nonce",
		TraceID:          "trace-1",
	}
	signed, err := signer.SignTicket(ticket)
	require.NoError(t, err)
	return ticketFromDomain(signed)
}

func TestProducerHandlers_EnqueueAndGet(t *testing.T) {
	engine, signer := newTestEngine(t)
	producer := NewProducerHandlers(engine)
	ctx := context.Background()

	req := &EnqueueRequest{
		Ticket:  signedTicketDTO(t, signer, "job-1"),
		Payload: map[string]interface{}{"to": "a@b.com"},
	}
	resp, err := producer.Enqueue(ctx, "actor-1", req)
	require.NoError(t, err)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, string(jobqueue.StatusPending), resp.Status)
	assert.Equal(t, "trace-1", resp.TraceID)

	fetched, err := producer.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, resp.JobID, fetched.Ticket.JobID)
}

func TestProducerHandlers_SuspendResume(t *testing.T) {
	engine, signer := newTestEngine(t)
	producer := NewProducerHandlers(engine)
	ctx := context.Background()

	_, err := producer.Enqueue(ctx, "actor-1", &EnqueueRequest{
		Ticket:  signedTicketDTO(t, signer, "job-1"),
		Payload: map[string]interface{}{"to": "a@b.com"},
	})
	require.NoError(t, err)

	suspendResp, err := producer.Suspend(ctx, "actor-1", "job-1", &SuspendRequest{Reason: "maintenance"})
	require.NoError(t, err)
	assert.True(t, suspendResp.Changed)
	assert.Equal(t, string(jobqueue.StatusSuspended), suspendResp.Job.Status)

	resumeResp, err := producer.Resume(ctx, "actor-1", "job-1", &SuspendRequest{})
	require.NoError(t, err)
	assert.True(t, resumeResp.Changed)
	assert.Equal(t, string(jobqueue.StatusPending), resumeResp.Job.Status)
}

func TestProducerHandlers_ListJobsDefaultsToPending(t *testing.T) {
	engine, signer := newTestEngine(t)
	producer := NewProducerHandlers(engine)
	ctx := context.Background()

	_, err := producer.Enqueue(ctx, "actor-1", &EnqueueRequest{
		Ticket:  signedTicketDTO(t, signer, "job-1"),
		Payload: map[string]interface{}{"to": "a@b.com"},
	})
	require.NoError(t, err)

	jobs, err := producer.ListJobs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].Ticket.JobID)
}

func TestWorkerHandlers_ClaimHeartbeatResult(t *testing.T) {
	engine, signer := newTestEngine(t)
	producer := NewProducerHandlers(engine)
	worker := NewWorkerHandlers(engine, jobqueue.NewReaper(nil, jobqueue.DefaultEngineConfig(), nil))
	ctx := context.Background()

	_, err := producer.Enqueue(ctx, "actor-1", &EnqueueRequest{
		Ticket:  signedTicketDTO(t, signer, "job-1"),
		Payload: map[string]interface{}{"to": "a@b.com"},
	})
	require.NoError(t, err)

	claimResp, err := worker.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimResp.Job)
	assert.False(t, claimResp.Reclaimed)
	assert.Equal(t, "job-1", claimResp.Job.Ticket.JobID)

	hbResp, err := worker.Heartbeat(ctx, "worker-1", &HeartbeatRequest{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, string(jobqueue.StatusProcessing), hbResp.Status)

	result := jobqueue.Result{
		JobID:       "job-1",
		WorkerID:    "worker-1",
		Status:      jobqueue.ResultSuccess,
		CompletedAt: time.Now(),
	}
	signedResult, err := signer.SignResult(result)
	require.NoError(t, err)

	resultReq := &ResultRequest{
		JobID:       signedResult.JobID,
		Status:      string(signedResult.Status),
		CompletedAt: signedResult.CompletedAt,
		Signature:   signedResult.Signature,
	}
	dto, err := worker.Result(ctx, "worker-1", resultReq)
	require.NoError(t, err)
	assert.Equal(t, string(jobqueue.StatusCompleted), dto.Status)
}

func TestWorkerHandlers_ClaimReturnsUnclaimedWhenEmpty(t *testing.T) {
	engine, _ := newTestEngine(t)
	worker := NewWorkerHandlers(engine, jobqueue.NewReaper(nil, jobqueue.DefaultEngineConfig(), nil))

	resp, err := worker.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, resp.Job)
	assert.False(t, resp.Reclaimed)
}
