package storage

import (
	"context"
	"time"

	"github.com/tvhoang/fetchd/internal/domain"
)

// Cursor marks a position in the job list for keyset pagination.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Filter narrows List results.
type Filter struct {
	Owner    string
	State    domain.State
	PageSize int
	Cursor   *Cursor
}

// JobStore is the durable record of job state. It is the single source of
// truth: every mutation of a job goes through it, and readers must treat it,
// not the event fan-out, as authoritative.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)

	// GetActiveByLocator returns the most recent non-terminal job for a
	// locator, or domain.ErrJobNotFound when none exists. Used for
	// idempotent submission.
	GetActiveByLocator(ctx context.Context, locator string) (*domain.Job, error)

	// CompareAndSetState atomically moves a job from one state to another
	// and returns false when the job was not in the expected state. A
	// transition into DOWNLOADING opens the lease; a transition into a
	// terminal state stamps completed_at.
	CompareAndSetState(ctx context.Context, jobID string, from, to domain.State, now time.Time) (bool, error)

	Update(ctx context.Context, job *domain.Job) error
	UpdateProgress(ctx context.Context, jobID string, percent float64) error

	// RecordAttempt stamps the attempt counter of a still-claimed job and
	// clears its backoff window, returning false when the job is no longer
	// DOWNLOADING (lease reclaimed or canceled while queued). It touches
	// nothing else, so a cancel_requested flag set while the job sat in
	// the dispatch queue survives.
	RecordAttempt(ctx context.Context, jobID string, attempts int, now time.Time) (bool, error)

	// ListPending returns up to limit PENDING jobs ordered by created_at
	// ascending, skipping jobs whose backoff window (next_attempt_at) has
	// not elapsed yet.
	ListPending(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error)

	List(ctx context.Context, f Filter) ([]*domain.Job, error)

	// Heartbeat renews the lease of a DOWNLOADING job.
	Heartbeat(ctx context.Context, jobID string, now time.Time) error

	// ReclaimExpired moves DOWNLOADING jobs whose heartbeat is older than
	// deadline back to PENDING without touching their attempt count, and
	// returns how many were reclaimed.
	ReclaimExpired(ctx context.Context, deadline time.Time) (int, error)

	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	CountByState(ctx context.Context) (map[domain.State]int, error)
}
