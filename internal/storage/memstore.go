package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tvhoang/fetchd/internal/domain"
)

// MemStore is a mutex-guarded in-memory JobStore. It backs the tests and
// single-process runs where Postgres is not available; the Postgres store is
// the production implementation.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*domain.Job)}
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	if j.Output != nil {
		out := *j.Output
		c.Output = &out
	}
	clonePtr := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.NextAttemptAt = clonePtr(j.NextAttemptAt)
	c.LastHeartbeatAt = clonePtr(j.LastHeartbeatAt)
	return &c
}

func (s *MemStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemStore) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemStore) GetActiveByLocator(_ context.Context, locator string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.Job
	for _, job := range s.jobs {
		if job.Locator != locator || job.State.Terminal() {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(latest), nil
}

func (s *MemStore) CompareAndSetState(_ context.Context, jobID string, from, to domain.State, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.State != from {
		return false, nil
	}

	job.State = to
	job.UpdatedAt = now
	switch {
	case to == domain.StateDownloading:
		t := now
		job.StartedAt = &t
		hb := now
		job.LastHeartbeatAt = &hb
	case to.Terminal():
		t := now
		job.CompletedAt = &t
	}
	return true, nil
}

func (s *MemStore) Update(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemStore) RecordAttempt(_ context.Context, jobID string, attempts int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.State != domain.StateDownloading {
		return false, nil
	}
	job.Attempts = attempts
	job.NextAttemptAt = nil
	job.UpdatedAt = now
	return true, nil
}

func (s *MemStore) UpdateProgress(_ context.Context, jobID string, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State == domain.StateDownloading {
		job.Progress = percent
	}
	return nil
}

func (s *MemStore) ListPending(_ context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.Job
	for _, job := range s.jobs {
		if job.State != domain.StatePending {
			continue
		}
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
			continue
		}
		pending = append(pending, job)
	}

	sort.Slice(pending, func(i, k int) bool {
		if pending[i].CreatedAt.Equal(pending[k].CreatedAt) {
			return pending[i].ID < pending[k].ID
		}
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})

	if len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*domain.Job, len(pending))
	for i, job := range pending {
		out[i] = cloneJob(job)
	}
	return out, nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Job
	for _, job := range s.jobs {
		if f.Owner != "" && job.Owner != f.Owner {
			continue
		}
		if f.State != "" && job.State != f.State {
			continue
		}
		if f.Cursor != nil {
			if job.CreatedAt.After(f.Cursor.CreatedAt) {
				continue
			}
			if job.CreatedAt.Equal(f.Cursor.CreatedAt) && job.ID >= f.Cursor.JobID {
				continue
			}
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, k int) bool {
		if matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].ID > matched[k].ID
		}
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if f.PageSize > 0 && len(matched) > f.PageSize+1 {
		matched = matched[:f.PageSize+1]
	}

	out := make([]*domain.Job, len(matched))
	for i, job := range matched {
		out[i] = cloneJob(job)
	}
	return out, nil
}

func (s *MemStore) Heartbeat(_ context.Context, jobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State == domain.StateDownloading {
		t := now
		job.LastHeartbeatAt = &t
	}
	return nil
}

func (s *MemStore) ReclaimExpired(_ context.Context, deadline time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, job := range s.jobs {
		if job.State != domain.StateDownloading {
			continue
		}
		if job.LastHeartbeatAt != nil && !job.LastHeartbeatAt.Before(deadline) {
			continue
		}
		job.State = domain.StatePending
		job.Progress = 0
		job.StartedAt = nil
		job.LastHeartbeatAt = nil
		reclaimed++
	}
	return reclaimed, nil
}

func (s *MemStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.StateDownloading {
		return domain.ErrNotCancelable
	}
	job.CancelRequested = true
	return nil
}

func (s *MemStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	return job.CancelRequested, nil
}

func (s *MemStore) CountByState(_ context.Context) (map[domain.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.State]int)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}
