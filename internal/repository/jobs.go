package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mediaforge/jobs-api/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// ErrDuplicateID is returned when a job id is inserted twice.
var ErrDuplicateID = errors.New("duplicate job id")

// JobMutation applies a partial state change to a job. Returning an error
// aborts the update and leaves the stored record untouched.
type JobMutation func(job *domain.Job) error

// JobsRepository abstracts job persistence and query operations.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateJob(ctx context.Context, jobID string, mutate JobMutation) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]*domain.Job, error)
}

// MemoryJobsRepository keeps job history in memory for the process lifetime.
type MemoryJobsRepository struct {
	mu    sync.RWMutex
	jobs  map[string]*jobEntry
	order []string
}

// jobEntry guards a single record so writers to different jobs never wait on
// each other.
type jobEntry struct {
	mu  sync.Mutex
	job *domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*jobEntry),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}
	r.jobs[job.ID] = &jobEntry{job: job.Clone()}
	r.order = append(r.order, job.ID)
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	entry, ok := r.entry(jobID)
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job.Clone(), nil
}

func (r *MemoryJobsRepository) UpdateJob(_ context.Context, jobID string, mutate JobMutation) (*domain.Job, error) {
	entry, ok := r.entry(jobID)
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := entry.job.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	entry.job = next
	return next.Clone(), nil
}

func (r *MemoryJobsRepository) ListJobs(_ context.Context) ([]*domain.Job, error) {
	r.mu.RLock()
	entries := make([]*jobEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.jobs[id])
	}
	r.mu.RUnlock()

	items := make([]*domain.Job, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		items = append(items, entry.job.Clone())
		entry.mu.Unlock()
	}
	return items, nil
}

func (r *MemoryJobsRepository) entry(jobID string) (*jobEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.jobs[jobID]
	return entry, ok
}
