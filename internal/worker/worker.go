// Package worker runs the fetch executor pool: a fixed set of goroutines
// consuming admitted jobs, each driving one fetch with heartbeats,
// progress reporting and the bounded retry policy.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/fetch"
	"github.com/tvhoang/fetchd/internal/notify"
	"github.com/tvhoang/fetchd/internal/storage"
	"github.com/tvhoang/fetchd/internal/telemetry"
)

// Config holds worker configuration.
type Config struct {
	Logger  *slog.Logger
	Store   storage.JobStore
	Fetcher fetch.Fetcher
	Sink    notify.Sink
	Metrics *telemetry.Metrics

	// Concurrency is the number of executor goroutines.
	Concurrency int
	// MaxAttempts bounds automatic retries per job.
	MaxAttempts int
	// JobTimeout caps a single fetch attempt.
	JobTimeout time.Duration
	// HeartbeatInterval is how often a running job renews its lease.
	HeartbeatInterval time.Duration
	// RetryBaseDelay scales the quadratic backoff between attempts.
	RetryBaseDelay time.Duration
	// PersistStep and NotifyStep are the progress throttle thresholds
	// in percent.
	PersistStep float64
	NotifyStep  float64
}

// Worker is the executor pool.
type Worker struct {
	logger   *slog.Logger
	store    storage.JobStore
	fetcher  fetch.Fetcher
	sink     notify.Sink
	metrics  *telemetry.Metrics
	workerID string

	concurrency       int
	maxAttempts       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	retryBaseDelay    time.Duration
	persistStep       float64
	notifyStep        float64

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a worker pool from config, applying defaults for
// anything unset.
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		fetcher:           cfg.Fetcher,
		sink:              cfg.Sink,
		metrics:           cfg.Metrics,
		workerID:          uuid.New().String()[:8],
		concurrency:       cfg.Concurrency,
		maxAttempts:       cfg.MaxAttempts,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		retryBaseDelay:    cfg.RetryBaseDelay,
		persistStep:       cfg.PersistStep,
		notifyStep:        cfg.NotifyStep,
		stopChan:          make(chan struct{}),
	}
	if w.concurrency <= 0 {
		w.concurrency = 4
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Minute
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 15 * time.Second
	}
	if w.retryBaseDelay <= 0 {
		w.retryBaseDelay = 30 * time.Second
	}
	return w
}

// Start spawns the executor goroutines consuming from jobs. It returns
// immediately; Stop waits for all executors to drain.
func (w *Worker) Start(ctx context.Context, jobs <-chan *domain.Job) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i, jobs)
	}
}

// Stop gracefully stops the pool, waiting for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker pool...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker pool stopped")
}

func (w *Worker) workerLoop(ctx context.Context, workerNum int, jobs <-chan *domain.Job) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stop requested",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case job, ok := <-jobs:
			if !ok {
				w.logger.Info("Worker goroutine stopping - job channel closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", job.ID),
				slog.String("locator", job.Locator),
			)

			if err := w.Execute(ctx, job); err != nil {
				w.logger.Error("Job execution finished with error",
					slog.String("worker_name", workerName),
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
