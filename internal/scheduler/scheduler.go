// Package scheduler is the admission and queue controller: it decides
// which pending jobs may start, enforcing locator dedup, the concurrency
// ceiling and lease reclaim, and feeds admitted jobs to the worker pool
// through a bounded queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/notify"
	"github.com/tvhoang/fetchd/internal/storage"
	"github.com/tvhoang/fetchd/internal/telemetry"
)

// Config holds scheduler configuration.
type Config struct {
	// MaxConcurrent caps the number of jobs in DOWNLOADING at any time.
	MaxConcurrent int
	// DrainBatch is the maximum number of jobs admitted per drain tick.
	DrainBatch int
	// QueueSize bounds the dispatch channel between drain and workers.
	QueueSize int
	// DrainInterval is the period of the drain tick.
	DrainInterval time.Duration
	// LeaseTimeout is how long a DOWNLOADING job may go without a
	// heartbeat before it is reclaimed.
	LeaseTimeout time.Duration
}

// Scheduler owns job admission. The same type serves both binaries: the
// API service uses Submit/Cancel/Retry only, the worker service also runs
// the drain loop.
type Scheduler struct {
	store   storage.JobStore
	sink    notify.Sink // nil disables event emission
	logger  *slog.Logger
	metrics *telemetry.Metrics
	cfg     Config

	submitMu sync.Mutex
	drainMu  sync.Mutex
	queue    chan *domain.Job
	cron     *cron.Cron
}

// New creates a scheduler. sink and metrics may be nil.
func New(cfg Config, store storage.JobStore, sink notify.Sink, logger *slog.Logger, metrics *telemetry.Metrics) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = cfg.MaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxConcurrent * 2
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 2 * time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}

	return &Scheduler{
		store:   store,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		queue:   make(chan *domain.Job, cfg.QueueSize),
	}
}

// Submit admits one fetch request. Submission is idempotent per locator:
// when a non-terminal job for the same locator already exists it is
// returned unchanged with created=false and no duplicate work is queued.
func (s *Scheduler) Submit(ctx context.Context, locator, owner string, params domain.Params) (*domain.Job, bool, error) {
	if locator == "" {
		return nil, false, fmt.Errorf("locator is required")
	}

	// The dedup check and the create must not interleave, or two
	// concurrent submissions of one locator both pass the check.
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	existing, err := s.store.GetActiveByLocator(ctx, locator)
	if err == nil {
		s.logger.Info("Duplicate submission, returning existing job",
			slog.String("job_id", existing.ID),
			slog.String("locator", locator),
		)
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		return nil, false, fmt.Errorf("failed to check for existing job: %w", err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.New().String(),
		Locator:   locator,
		Owner:     owner,
		Params:    params,
		State:     domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("locator", locator),
		slog.String("owner", owner),
	)

	s.publishSnapshots(ctx)
	return job, true, nil
}

// Drain admits up to maxBatch PENDING jobs, oldest first, atomically
// moving each into DOWNLOADING. The compare-and-set in the store
// guarantees two concurrent drains never select the same job; the
// concurrency ceiling bounds how many may be admitted at all.
func (s *Scheduler) Drain(ctx context.Context, maxBatch int) ([]*domain.Job, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	slots := s.cfg.MaxConcurrent - counts[domain.StateDownloading]
	if slots <= 0 {
		return nil, nil
	}
	if maxBatch > slots {
		maxBatch = slots
	}

	now := time.Now().UTC()
	candidates, err := s.store.ListPending(ctx, maxBatch, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	admitted := make([]*domain.Job, 0, len(candidates))
	for _, job := range candidates {
		ok, err := s.store.CompareAndSetState(ctx, job.ID, domain.StatePending, domain.StateDownloading, now)
		if err != nil {
			return admitted, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if !ok {
			// Lost the race to a concurrent drain; skip.
			continue
		}
		if err := job.MarkDownloading(now); err != nil {
			// The store already moved; local mirror disagreeing means a
			// stale candidate. Skip it, the store wins.
			s.logger.Warn("Skipping stale drain candidate",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		admitted = append(admitted, job)
	}

	return admitted, nil
}

// Reclaim moves DOWNLOADING jobs with expired leases back to PENDING.
// A reclaimed job keeps its attempt count: the dead worker's run is not
// charged against the retry budget.
func (s *Scheduler) Reclaim(ctx context.Context) (int, error) {
	deadline := time.Now().UTC().Add(-s.cfg.LeaseTimeout)
	reclaimed, err := s.store.ReclaimExpired(ctx, deadline)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if reclaimed > 0 {
		s.logger.Warn("Reclaimed jobs with expired leases",
			slog.Int("count", reclaimed),
		)
		s.metrics.AddReclaimed(reclaimed)
		s.publishSnapshots(ctx)
	}
	return reclaimed, nil
}

// Cancel stops a job. PENDING jobs flip straight to CANCELED; DOWNLOADING
// jobs get a cancellation flag the owning worker observes at its next
// checkpoint. Terminal jobs cannot be canceled.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case domain.StatePending:
		now := time.Now().UTC()
		ok, err := s.store.CompareAndSetState(ctx, jobID, domain.StatePending, domain.StateCanceled, now)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel job: %w", err)
		}
		if !ok {
			// The job moved under us; report the fresh state.
			return nil, domain.ErrNotCancelable
		}
		if err := job.MarkCanceled(now); err != nil {
			return nil, err
		}
		s.metrics.IncCanceled()
		if s.sink != nil {
			s.sink.Publish(ctx, domain.NewFailedEvent(job, true, now))
		}
		s.publishSnapshots(ctx)
		return job, nil

	case domain.StateDownloading:
		if err := s.store.RequestCancel(ctx, jobID); err != nil {
			return nil, err
		}
		s.logger.Info("Cancellation requested for running job",
			slog.String("job_id", jobID),
		)
		return job, nil

	default:
		return nil, domain.ErrNotCancelable
	}
}

// Retry re-opens a FAILED job through the explicit retry action.
func (s *Scheduler) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != domain.StateFailed {
		return nil, domain.ErrNotRetryable
	}

	if err := job.ResetForRetry(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist retry: %w", err)
	}

	s.logger.Info("Job reopened for retry",
		slog.String("job_id", jobID),
	)
	s.publishSnapshots(ctx)
	return job, nil
}

// Jobs is the dispatch queue the worker pool consumes.
func (s *Scheduler) Jobs() <-chan *domain.Job {
	return s.queue
}

// Start launches the cron-driven drain and lease-reaper loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.cron = cron.New()

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.DrainInterval), func() {
		s.drainTick(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule drain tick: %w", err)
	}

	reapEvery := s.cfg.LeaseTimeout / 2
	if reapEvery < time.Second {
		reapEvery = time.Second
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", reapEvery), func() {
		if _, err := s.Reclaim(ctx); err != nil {
			s.logger.Error("Lease reclaim failed",
				slog.Any("error", err),
			)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule lease reaper: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started",
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.Duration("drain_interval", s.cfg.DrainInterval),
		slog.Duration("lease_timeout", s.cfg.LeaseTimeout),
	)
	return nil
}

// Stop halts the cron loops and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) drainTick(ctx context.Context) {
	jobs, err := s.Drain(ctx, s.cfg.DrainBatch)
	if err != nil {
		s.logger.Error("Drain failed",
			slog.Any("error", err),
		)
		return
	}

	for _, job := range jobs {
		// Bounded dispatch: block when the pool is saturated, never drop.
		select {
		case s.queue <- job:
			s.logger.Debug("Job dispatched to worker pool",
				slog.String("job_id", job.ID),
			)
		case <-ctx.Done():
			return
		}
	}

	if len(jobs) > 0 {
		s.publishSnapshots(ctx)
	}
}

// publishSnapshots pushes queue-depth and aggregate-counter events and
// refreshes the gauges. A failed snapshot is logged, never fatal.
func (s *Scheduler) publishSnapshots(ctx context.Context) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		s.logger.Warn("Failed to snapshot job counts",
			slog.Any("error", err),
		)
		return
	}

	pending := counts[domain.StatePending]
	active := counts[domain.StateDownloading]
	s.metrics.SetQueueDepth(pending, active)

	if s.sink == nil {
		return
	}
	now := time.Now().UTC()
	s.sink.Publish(ctx, domain.NewQueueEvent(pending, active, now))
	s.sink.Publish(ctx, domain.NewStatsEvent(domain.StatsPayload{
		Pending:   pending,
		Active:    active,
		Completed: counts[domain.StateCompleted],
		Failed:    counts[domain.StateFailed],
		Canceled:  counts[domain.StateCanceled],
	}, now))
}
