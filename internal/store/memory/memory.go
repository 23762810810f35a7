// Package memory is an in-memory Store implementation, safe for concurrent
// use. It is the default backend for tests and local development, mirroring
// the shape of the teacher's pkg/storage/memory package (map-per-collection
// guarded by a single sync.RWMutex, clone-on-read).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
	"github.com/r3e-network/jobqueue-core/internal/store"
)

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]jobqueue.Job
	nonces map[string]jobqueue.NonceEntry
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]jobqueue.Job),
		nonces: make(map[string]jobqueue.NonceEntry),
	}
}

func (s *Store) InsertNonce(_ context.Context, nonce string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nonces[nonce]; exists {
		return false, nil
	}
	s.nonces[nonce] = jobqueue.NonceEntry{Nonce: nonce, CreatedAt: now}
	return true, nil
}

func (s *Store) InsertJob(_ context.Context, job jobqueue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Ticket.JobID]; exists {
		return store.ErrDuplicateJobID
	}
	s.jobs[job.Ticket.JobID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (jobqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return jobqueue.Job{}, store.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) UpdateJob(_ context.Context, jobID string, expectedVersion int64, now time.Time, mutate store.Mutator) (jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[jobID]
	if !ok {
		return jobqueue.Job{}, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return jobqueue.Job{}, store.ErrVersionConflict
	}

	updated := current.Clone()
	mutate(&updated)
	updated.Version = current.Version + 1
	updated.UpdatedAt = now

	s.jobs[jobID] = updated
	return updated.Clone(), nil
}

func (s *Store) QueryClaimable(_ context.Context, now time.Time, limit int) ([]jobqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]jobqueue.Job, 0, limit)
	for _, job := range s.jobs {
		if job.Claimable(now) {
			matches = append(matches, job.Clone())
		}
	}
	sortClaimOrder(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) GetProcessingByWorker(_ context.Context, workerID string) (jobqueue.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.Status == jobqueue.StatusProcessing && job.WorkerID == workerID {
			return job.Clone(), true, nil
		}
	}
	return jobqueue.Job{}, false, nil
}

func (s *Store) QueryByStatus(_ context.Context, status jobqueue.Status, limit int) ([]jobqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]jobqueue.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			matches = append(matches, job.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.After(matches[j].UpdatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) QueryProcessing(_ context.Context) ([]jobqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]jobqueue.Job, 0)
	for _, job := range s.jobs {
		if job.Status == jobqueue.StatusProcessing {
			matches = append(matches, job.Clone())
		}
	}
	return matches, nil
}

func (s *Store) QueryStuck(_ context.Context, thresholdSec int64, now time.Time) ([]jobqueue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threshold := time.Duration(thresholdSec) * time.Second
	matches := make([]jobqueue.Job, 0)
	for _, job := range s.jobs {
		if job.Status != jobqueue.StatusProcessing {
			continue
		}
		leaseExpired := job.Lease != nil && job.Lease.LeaseUntil.Before(now)
		heartbeatStale := job.Heartbeat != nil && now.Sub(job.Heartbeat.At) > threshold
		if leaseExpired || heartbeatStale {
			matches = append(matches, job.Clone())
		}
	}
	return matches, nil
}

// sortClaimOrder applies the tie-break of §4.3: priority DESC, createdAt ASC, jobId ASC.
func sortClaimOrder(jobs []jobqueue.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Ticket.JobID < b.Ticket.JobID
	})
}
