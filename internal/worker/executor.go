package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/progress"
	"github.com/tvhoang/fetchd/pkg/retry"
)

// storeWrites is the retry policy for job-store updates during execution.
// A terminal state must not be lost to one flaky database round trip.
var storeWrites = retry.Config{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
}

// Execute runs a single claimed job to a terminal state or a requeue.
// The job arrives already in DOWNLOADING with a fresh lease.
func (w *Worker) Execute(ctx context.Context, job *domain.Job) error {
	// Each delivery to a worker is one attempt. The stamp is a narrow,
	// state-guarded write: a blanket row update here would overwrite a
	// cancel_requested flag set while the job sat in the dispatch queue,
	// or resurrect a lease-reclaimed row into DOWNLOADING.
	job.Attempts++
	job.NextAttemptAt = nil
	claimed, err := w.recordAttempt(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if !claimed {
		// The job left DOWNLOADING between drain and pickup; whoever
		// moved it owns it now.
		w.logger.Warn("Job no longer claimed, skipping",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	// Honor a cancel request that landed while the job was queued, before
	// any bytes move.
	if wantCancel, err := w.store.CancelRequested(ctx, job.ID); err == nil && wantCancel {
		w.logger.Info("Cancel requested before pickup, aborting",
			slog.String("job_id", job.ID),
		)
		return w.finishCanceled(ctx, job)
	}

	w.logger.Info("Starting fetch",
		slog.String("job_id", job.ID),
		slog.String("locator", job.Locator),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", w.maxAttempts),
	)

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, w.jobTimeout)
	defer cancelAttempt()

	// Heartbeat loop doubles as the cancellation checkpoint: it renews
	// the lease and aborts the attempt when a cancel request lands.
	var canceled atomic.Bool
	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(attemptCtx, job.ID, heartbeatDone, &canceled, cancelAttempt)
	defer close(heartbeatDone)

	throttle := progress.New(w.persistStep, w.notifyStep)
	onProgress := func(downloaded, total int64) {
		sample := throttle.Observe(downloaded, total)
		if sample.Persist {
			if err := w.store.UpdateProgress(ctx, job.ID, sample.Percent); err != nil {
				w.logger.Warn("Failed to persist progress",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if sample.Notify && w.sink != nil {
			job.Progress = sample.Percent
			w.sink.Publish(ctx, domain.NewProgressEvent(job, sample.Percent, time.Now().UTC()))
		}
	}

	out, fetchErr := w.fetcher.Fetch(attemptCtx, job.Locator, job.Params, onProgress)

	switch {
	case canceled.Load():
		return w.finishCanceled(ctx, job)

	case fetchErr == nil:
		return w.finishCompleted(ctx, job, out, throttle)

	case ctx.Err() != nil:
		// Shutdown, not a job failure. Leave the job in DOWNLOADING;
		// the lease reaper will hand it back to the queue.
		w.logger.Warn("Fetch interrupted by shutdown, leaving job to lease reclaim",
			slog.String("job_id", job.ID),
		)
		return ctx.Err()

	default:
		return w.finishFailed(ctx, job, fetchErr)
	}
}

func (w *Worker) finishCompleted(ctx context.Context, job *domain.Job, out *domain.Output, throttle *progress.Throttler) error {
	now := time.Now().UTC()
	final := throttle.Finish()

	if err := job.MarkCompleted(out, now); err != nil {
		return err
	}
	if err := w.persist(ctx, job); err != nil {
		return fmt.Errorf("failed to persist completion: %w", err)
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("output_path", out.Path),
		slog.Int64("output_size", out.Size),
	)
	w.metrics.IncCompleted()

	if w.sink != nil {
		if final.Notify {
			w.sink.Publish(ctx, domain.NewProgressEvent(job, final.Percent, now))
		}
		w.sink.Publish(ctx, domain.NewCompletedEvent(job, now))
	}
	return nil
}

func (w *Worker) finishCanceled(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	if err := job.MarkCanceled(now); err != nil {
		return err
	}
	if err := w.persist(ctx, job); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}

	w.logger.Info("Job canceled mid-fetch",
		slog.String("job_id", job.ID),
	)
	w.metrics.IncCanceled()

	if w.sink != nil {
		w.sink.Publish(ctx, domain.NewFailedEvent(job, true, now))
	}
	return nil
}

func (w *Worker) finishFailed(ctx context.Context, job *domain.Job, fetchErr error) error {
	now := time.Now().UTC()

	// Fatal errors and an exhausted attempt budget both end the job;
	// anything else is requeued with quadratic backoff.
	if !domain.IsFatal(fetchErr) && job.Attempts < w.maxAttempts {
		delay := retry.Backoff(w.retryBaseDelay, job.Attempts)
		if err := job.Requeue(now.Add(delay)); err != nil {
			return err
		}
		if err := w.persist(ctx, job); err != nil {
			return fmt.Errorf("failed to persist requeue: %w", err)
		}

		w.logger.Warn("Fetch failed, job requeued",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.Duration("backoff", delay),
			slog.String("error", fetchErr.Error()),
		)
		w.metrics.IncRetried()
		return nil
	}

	if err := job.MarkFailed(fetchErr.Error(), now); err != nil {
		return err
	}
	if err := w.persist(ctx, job); err != nil {
		return fmt.Errorf("failed to persist failure: %w", err)
	}

	w.logger.Error("Job failed permanently",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Bool("fatal", domain.IsFatal(fetchErr)),
		slog.String("error", fetchErr.Error()),
	)
	w.metrics.IncFailed()

	if w.sink != nil {
		w.sink.Publish(ctx, domain.NewFailedEvent(job, false, now))
	}
	return nil
}

// heartbeatLoop renews the job lease and polls for cancellation until the
// attempt ends.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, done <-chan struct{}, canceled *atomic.Bool, abort context.CancelFunc) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID, now.UTC()); err != nil {
				w.logger.Warn("Failed to renew job lease",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}

			wantCancel, err := w.store.CancelRequested(ctx, jobID)
			if err != nil {
				w.logger.Warn("Failed to check cancel flag",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if wantCancel {
				w.logger.Info("Cancel requested, aborting fetch",
					slog.String("job_id", jobID),
				)
				canceled.Store(true)
				abort()
				return
			}
		}
	}
}

// recordAttempt stamps the attempt counter with bounded retries. The
// false return means the row is no longer DOWNLOADING.
func (w *Worker) recordAttempt(ctx context.Context, job *domain.Job) (bool, error) {
	cfg := storeWrites
	cfg.OnRetry = func(attempt int, err error) {
		w.logger.Warn("Job store write failed, retrying",
			slog.String("job_id", job.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	var claimed bool
	err := retry.Do(ctx, cfg, func() error {
		ok, err := w.store.RecordAttempt(ctx, job.ID, job.Attempts, time.Now().UTC())
		if err != nil {
			return err
		}
		claimed = ok
		return nil
	})
	return claimed, err
}

// persist writes the job back with bounded retries.
func (w *Worker) persist(ctx context.Context, job *domain.Job) error {
	cfg := storeWrites
	cfg.OnRetry = func(attempt int, err error) {
		w.logger.Warn("Job store write failed, retrying",
			slog.String("job_id", job.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return retry.Do(ctx, cfg, func() error {
		return w.store.Update(ctx, job)
	})
}
