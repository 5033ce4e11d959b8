package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]int64{}}
}

func (f *fakeStore) Incr(_ context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] += delta
	return f.values[key], window, nil
}

func (f *fakeStore) Get(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key], nil
}

func (f *fakeStore) Set(_ context.Context, key string, value int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(newFakeStore(), 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	}
	res, err := l.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, time.Minute, res.ResetIn)

	res, err = l.Allow(ctx, "org-2")
	require.NoError(t, err)
	assert.True(t, res.Allowed(), "keys are independent")
}

func TestLimiterDisabled(t *testing.T) {
	var nilLimiter *Limiter
	res, err := nilLimiter.Allow(context.Background(), "org")
	require.NoError(t, err)
	assert.True(t, res.Allowed())

	res, err = NewLimiter(nil, 5, time.Minute).Allow(context.Background(), "org")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestUsageMeterPeriodicAndGauge(t *testing.T) {
	store := newFakeStore()
	m := NewUsageMeter(store)
	m.now = func() time.Time { return time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	n, err := m.Record(ctx, "org-1", "monthlyRuns", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	_, ok := store.values["usage:org-1:monthlyRuns:202602"]
	assert.True(t, ok)

	m.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	usage, err := m.CurrentUsage(ctx, "org-1", "monthlyRuns")
	require.NoError(t, err)
	assert.Zero(t, usage, "a new month starts from zero")

	require.NoError(t, m.SetUsage(ctx, "org-1", "maxTeamMembers", 4))
	usage, err = m.CurrentUsage(ctx, "org-1", "maxSeats")
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage, "aliases share the canonical key")

	_, err = m.Record(ctx, "org-1", "maxSeats", 1)
	require.Error(t, err)
	require.Error(t, m.SetUsage(ctx, "org-1", "monthlyExports", 1))
}

// TestRedisStore runs against a real server when REDIS_TEST_URL is set.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, "test:"+uuid.NewString()+":")
	n, ttl, err := s.Incr(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)

	n, _, err = s.Incr(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.Set(ctx, "g", 9, 0))
	v, err = s.Get(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
}
