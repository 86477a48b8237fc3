package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/fetch"
	"github.com/tvhoang/fetchd/internal/storage"
)

type fakeFetcher struct {
	fn func(ctx context.Context, locator string, params domain.Params, onProgress fetch.ProgressFunc) (*domain.Output, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, locator string, params domain.Params, onProgress fetch.ProgressFunc) (*domain.Output, error) {
	return f.fn(ctx, locator, params, onProgress)
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Publish(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) byKind(kind domain.Kind) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestWorker(t *testing.T, fetcher fetch.Fetcher, cfg Config) (*Worker, *storage.MemStore, *captureSink) {
	t.Helper()
	store := storage.NewMemStore()
	sink := &captureSink{}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Store = store
	cfg.Fetcher = fetcher
	cfg.Sink = sink
	return NewWorker(&cfg), store, sink
}

// claimedJob seeds a job already claimed into DOWNLOADING, the state
// Execute expects.
func claimedJob(t *testing.T, store *storage.MemStore, attempts int) *domain.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &domain.Job{
		ID:        "job-" + t.Name(),
		Locator:   "https://example.com/video/1",
		Owner:     "alice",
		State:     domain.StatePending,
		Attempts:  attempts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, job))
	ok, err := store.CompareAndSetState(ctx, job.ID, domain.StatePending, domain.StateDownloading, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, job.MarkDownloading(now))
	return job
}

func TestExecuteSuccess(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, onProgress fetch.ProgressFunc) (*domain.Output, error) {
		onProgress(500, 1000)
		return &domain.Output{Path: "/data/video.mp4", Size: 1000, Format: "mp4"}, nil
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{})
	job := claimedJob(t, store, 0)

	require.NoError(t, w.Execute(context.Background(), job))

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.State)
	assert.Equal(t, float64(100), stored.Progress)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.Output)
	assert.Equal(t, "/data/video.mp4", stored.Output.Path)

	require.Len(t, sink.byKind(domain.KindCompleted), 1)
	assert.Empty(t, sink.byKind(domain.KindFailed))
}

func TestExecuteProgressThrottling(t *testing.T) {
	const total = int64(100000)
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, onProgress fetch.ProgressFunc) (*domain.Output, error) {
		// 0.6%, 1.3%, 2.9% of total.
		onProgress(600, total)
		onProgress(1300, total)
		onProgress(2900, total)
		return &domain.Output{Path: "/data/video.mp4", Size: total}, nil
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{PersistStep: 0.5, NotifyStep: 1.0})
	job := claimedJob(t, store, 0)

	require.NoError(t, w.Execute(context.Background(), job))

	// Notifications fired at 1.3 and 2.9 (>=1.0 apart), plus the forced
	// final 100.
	notified := sink.byKind(domain.KindProgress)
	require.Len(t, notified, 3)
}

func TestExecuteTransientFailureRequeues(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		return nil, errors.New("connection reset")
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{MaxAttempts: 3, RetryBaseDelay: time.Minute})
	job := claimedJob(t, store, 0)

	require.NoError(t, w.Execute(context.Background(), job))

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.NextAttemptAt)
	assert.True(t, stored.NextAttemptAt.After(time.Now().UTC()))

	assert.Empty(t, sink.byKind(domain.KindFailed))
}

func TestExecuteBackoffGrowsQuadratically(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		return nil, errors.New("connection reset")
	}}
	w, store, _ := newTestWorker(t, fetcher, Config{MaxAttempts: 5, RetryBaseDelay: time.Minute})
	job := claimedJob(t, store, 1) // this run is attempt 2

	start := time.Now().UTC()
	require.NoError(t, w.Execute(context.Background(), job))

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextAttemptAt)
	// attempt 2 waits 2² minutes.
	assert.WithinDuration(t, start.Add(4*time.Minute), *stored.NextAttemptAt, 5*time.Second)
}

func TestExecuteExhaustedAttemptsFails(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		return nil, errors.New("connection reset")
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{MaxAttempts: 3})
	job := claimedJob(t, store, 2) // this run is the third and last attempt

	require.NoError(t, w.Execute(context.Background(), job))

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.Error, "connection reset")

	failed := sink.byKind(domain.KindFailed)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(domain.FailedPayload)
	require.True(t, ok)
	assert.False(t, payload.Canceled)
}

func TestExecuteFatalErrorSkipsRetries(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		return nil, domain.Fatal(errors.New("resource gone"))
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{MaxAttempts: 3})
	job := claimedJob(t, store, 0)

	require.NoError(t, w.Execute(context.Background(), job))

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	require.Len(t, sink.byKind(domain.KindFailed), 1)
}

func TestExecuteHonorsCancelBeforePickup(t *testing.T) {
	fetched := false
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		fetched = true
		return &domain.Output{Path: "/data/video.mp4"}, nil
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{})
	job := claimedJob(t, store, 0)

	// Cancel lands while the claimed job is still waiting in the dispatch
	// queue; recording the attempt must not wipe the flag.
	require.NoError(t, store.RequestCancel(context.Background(), job.ID))

	require.NoError(t, w.Execute(context.Background(), job))

	assert.False(t, fetched, "fetch must not start for a canceled job")

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, stored.State)

	failed := sink.byKind(domain.KindFailed)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(domain.FailedPayload)
	require.True(t, ok)
	assert.True(t, payload.Canceled)
}

func TestExecuteSkipsReclaimedJob(t *testing.T) {
	fetched := false
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		fetched = true
		return &domain.Output{Path: "/data/video.mp4"}, nil
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{})
	job := claimedJob(t, store, 0)

	// The lease reaper hands the row back to PENDING before this worker
	// gets around to it; a slow pickup must not run the job anyway.
	reclaimed, err := store.ReclaimExpired(context.Background(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	require.NoError(t, w.Execute(context.Background(), job))

	assert.False(t, fetched, "fetch must not start for a reclaimed job")

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, stored.State)
	assert.Zero(t, stored.Attempts)
	assert.Empty(t, sink.events)
}

func TestExecuteCancelMidFetch(t *testing.T) {
	var (
		store *storage.MemStore
		jobID string
	)
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		// Cancel lands once the fetch is already running; the heartbeat
		// loop picks it up and aborts the attempt.
		if err := store.RequestCancel(context.Background(), jobID); err != nil {
			return nil, err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w, memStore, sink := newTestWorker(t, fetcher, Config{HeartbeatInterval: 10 * time.Millisecond})
	store = memStore
	job := claimedJob(t, store, 0)
	jobID = job.ID

	require.NoError(t, w.Execute(context.Background(), job))

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, stored.State)

	failed := sink.byKind(domain.KindFailed)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(domain.FailedPayload)
	require.True(t, ok)
	assert.True(t, payload.Canceled)
}

func TestExecuteHeartbeatRenewsLease(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		select {
		case <-release:
			return &domain.Output{Path: "/data/video.mp4"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	w, store, _ := newTestWorker(t, fetcher, Config{HeartbeatInterval: 10 * time.Millisecond})
	job := claimedJob(t, store, 0)

	done := make(chan error, 1)
	go func() { done <- w.Execute(context.Background(), job) }()

	assert.Eventually(t, func() bool {
		stored, err := store.GetByID(context.Background(), job.ID)
		if err != nil {
			return false
		}
		return stored.LastHeartbeatAt != nil
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
}

func TestExecuteShutdownLeavesJobDownloading(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ctx context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w, store, sink := newTestWorker(t, fetcher, Config{})
	job := claimedJob(t, store, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Execute(ctx, job) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// No terminal transition: lease reclaim owns recovery.
	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDownloading, stored.State)
	assert.Empty(t, sink.byKind(domain.KindFailed))
}

func TestPoolProcessesDispatchedJobs(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(_ context.Context, _ string, _ domain.Params, _ fetch.ProgressFunc) (*domain.Output, error) {
		return &domain.Output{Path: "/data/video.mp4"}, nil
	}}
	w, store, _ := newTestWorker(t, fetcher, Config{Concurrency: 2})
	job := claimedJob(t, store, 0)

	jobs := make(chan *domain.Job, 1)
	jobs <- job
	w.Start(context.Background(), jobs)
	defer w.Stop()

	assert.Eventually(t, func() bool {
		stored, err := store.GetByID(context.Background(), job.ID)
		return err == nil && stored.State == domain.StateCompleted
	}, time.Second, 5*time.Millisecond)
}
