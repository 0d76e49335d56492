// Package memory provides in-memory store implementations used for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
)

// JobStore is an in-memory provision.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]provision.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]provision.Job)}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job provision.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id uuid.UUID) (provision.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return provision.Job{}, provision.ErrJobNotFound
	}
	return job, nil
}

// UpdateJob replaces the stored record.
func (s *JobStore) UpdateJob(_ context.Context, job provision.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return provision.ErrJobNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// DeleteJob removes a record; used by the retention sweep.
func (s *JobStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}
