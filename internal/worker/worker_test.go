package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/internal/models"
	"github.com/PortNumber53/entitlement-engine/internal/store"
)

type memQueue struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*models.Job
	cleaned []time.Duration
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[int64]*models.Job)}
}

func (q *memQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	job.ID = q.nextID
	job.Status = models.JobStatusPending
	job.CreatedAt = time.Now()
	cp := *job
	q.jobs[job.ID] = &cp
	return nil
}

func (q *memQueue) GetByID(_ context.Context, id int64) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (q *memQueue) ClaimNextJob(_ context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	ids := make([]int64, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		j := q.jobs[id]
		if j.Status != models.JobStatusPending {
			continue
		}
		if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
			continue
		}
		if j.RetryAfter != nil && j.RetryAfter.After(now) {
			continue
		}
		j.Status = models.JobStatusProcessing
		j.Attempts++
		j.WorkerID = &workerID
		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (q *memQueue) HasPending(_ context.Context, jobType string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.JobType == jobType && (j.Status == models.JobStatusPending || j.Status == models.JobStatusProcessing) {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) set(id int64, fn func(*models.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	fn(j)
	return nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	return q.set(id, func(j *models.Job) { j.Status = models.JobStatusCompleted })
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, msg string) error {
	return q.set(id, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.LastError = &msg
	})
}

func (q *memQueue) ScheduleRetry(_ context.Context, id int64, msg string, retryAfter time.Time) error {
	return q.set(id, func(j *models.Job) {
		j.Status = models.JobStatusPending
		j.LastError = &msg
		j.RetryAfter = &retryAfter
	})
}

func (q *memQueue) ReleaseJob(_ context.Context, id int64) error {
	return q.set(id, func(j *models.Job) { j.Status = models.JobStatusPending })
}

func (q *memQueue) CancelJob(_ context.Context, id int64) error {
	return q.set(id, func(j *models.Job) { j.Status = models.JobStatusCancelled })
}

func (q *memQueue) GetStats(context.Context) (*models.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s models.JobStats
	for _, j := range q.jobs {
		switch j.Status {
		case models.JobStatusPending:
			s.Pending++
		case models.JobStatusProcessing:
			s.Processing++
		case models.JobStatusCompleted:
			s.Completed++
		case models.JobStatusFailed:
			s.Failed++
		case models.JobStatusCancelled:
			s.Cancelled++
		}
	}
	return &s, nil
}

func (q *memQueue) CleanupOldJobs(_ context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleaned = append(q.cleaned, olderThan)
	return 0, nil
}

func (q *memQueue) byType(jobType string) []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Job
	for _, j := range q.jobs {
		if j.JobType == jobType {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestRunOnceCompletesJob(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)

	var seen []string
	w.RegisterHandler("echo", func(_ context.Context, job *models.Job) error {
		seen = append(seen, job.Payload.String("msg"))
		return nil
	})

	ctx := context.Background()
	job := &models.Job{JobType: "echo", Payload: models.JSONB{"msg": "hi"}}
	require.NoError(t, w.Enqueue(ctx, job))
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, models.JobPriorityNormal, job.Priority)

	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"hi"}, seen)

	got, err := q.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.EqualValues(t, 1, w.GetStats().JobsSucceeded)

	ran, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	w := New(testConfig(), newMemQueue(), nil)
	require.Error(t, w.Enqueue(context.Background(), &models.Job{}))
}

func TestFailingJobRetriesThenFails(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, Handlers{
		"flaky": func(context.Context, *models.Job) error { return errors.New("boom") },
	})
	ctx := context.Background()
	job := &models.Job{JobType: "flaky", MaxAttempts: 2}
	require.NoError(t, w.Enqueue(ctx, job))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	got, _ := q.GetByID(ctx, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	require.NotNil(t, got.RetryAfter)

	require.Eventually(t, func() bool {
		ran, err := w.RunOnce(ctx)
		return err == nil && ran
	}, time.Second, 2*time.Millisecond)

	got, _ = q.GetByID(ctx, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	stats := w.GetStats()
	assert.EqualValues(t, 2, stats.JobsFailed)
	assert.EqualValues(t, 1, stats.JobsRetried)
}

func TestUnknownJobTypeIsRetried(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)
	ctx := context.Background()
	job := &models.Job{JobType: "mystery"}
	require.NoError(t, w.Enqueue(ctx, job))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	got, _ := q.GetByID(ctx, job.ID)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "no handler registered")
}

func TestRetryDelayIsCapped(t *testing.T) {
	w := New(Config{RetryBaseDelay: 10 * time.Millisecond, RetryMaxDelay: 40 * time.Millisecond, RetryBackoffMultiplier: 2}, newMemQueue(), nil)
	for attempts := 1; attempts <= 10; attempts++ {
		d := w.retryDelay(attempts)
		assert.LessOrEqual(t, d, 48*time.Millisecond)
		assert.GreaterOrEqual(t, d, 8*time.Millisecond)
	}
}

func TestStartProcessesAndStopReturns(t *testing.T) {
	q := newMemQueue()
	done := make(chan struct{}, 1)
	w := New(testConfig(), q, Handlers{
		"ping": func(context.Context, *models.Job) error {
			done <- struct{}{}
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "ping"}))
	w.Start(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was not processed")
	}
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()), "stop is idempotent")
}

func TestCancelJob(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)
	var cancelled int64
	w.SetInstrumentation(&Instrumentation{OnCancel: func(j *models.Job) { cancelled = j.ID }})

	ctx := context.Background()
	job := &models.Job{JobType: "x"}
	require.NoError(t, w.Enqueue(ctx, job))
	require.NoError(t, w.CancelJob(ctx, job.ID))
	assert.Equal(t, job.ID, cancelled)

	stats, err := w.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)
}
