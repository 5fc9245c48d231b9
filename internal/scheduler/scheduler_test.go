package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/metrics"
)

type fakeLock struct {
	mu       sync.Mutex
	busy     bool
	acquired int
	released int
}

func (f *fakeLock) Acquire(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeLock) Release(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func TestNewServiceRequiresLogger(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestRunJobRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	lock := &fakeLock{}
	svc, err := NewService(ServiceParams{Logger: zap.NewNop(), Lock: lock, Metrics: metrics.NewJobMetrics(reg)})
	require.NoError(t, err)

	runs := 0
	svc.runJob(context.Background(), NewJob("ok", func(context.Context) error { runs++; return nil }))
	svc.runJob(context.Background(), NewJob("fail", func(context.Context) error { runs++; return errors.New("boom") }))

	assert.Equal(t, 2, runs)
	assert.Equal(t, 2, lock.acquired)
	assert.Equal(t, 2, lock.released)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(mfs))
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "circulation_job_success_total")
	assert.Contains(t, names, "circulation_job_failure_total")
}

func TestRunJobSkipsWhenLockHeld(t *testing.T) {
	lock := &fakeLock{busy: true}
	svc, err := NewService(ServiceParams{Logger: zap.NewNop(), Lock: lock})
	require.NoError(t, err)

	ran := false
	svc.runJob(context.Background(), NewJob("busy", func(context.Context) error { ran = true; return nil }))

	assert.False(t, ran)
	assert.Equal(t, 0, lock.released)
}

func TestRegisterSkipsDisabledJobs(t *testing.T) {
	svc, err := NewService(ServiceParams{Logger: zap.NewNop()})
	require.NoError(t, err)

	noop := func(context.Context) error { return nil }
	svc.Register(NewJob("expiry", noop), time.Minute)
	svc.Register(NewJob("auto-order", noop), 0)
	svc.Register(nil, time.Minute)

	assert.Equal(t, []string{"expiry"}, svc.Jobs())
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, err := NewService(ServiceParams{Logger: zap.NewNop()})
	require.NoError(t, err)

	var runs atomic.Int32
	svc.Register(NewJob("tick", func(context.Context) error { runs.Add(1); return nil }), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalLock()

	ok, err := lock.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lock.Acquire(ctx, "a")
	assert.False(t, ok)

	ok, _ = lock.Acquire(ctx, "b")
	assert.True(t, ok)

	require.NoError(t, lock.Release(ctx, "a"))
	ok, _ = lock.Acquire(ctx, "a")
	assert.True(t, ok)
}

type fakeRedis struct {
	values map[string]string
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeRedis) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if f.values[key] != value {
		return false, nil
	}
	delete(f.values, key)
	return true, nil
}

func TestRedisLockOwnership(t *testing.T) {
	ctx := context.Background()
	store := &fakeRedis{values: map[string]string{}}

	first, err := NewRedisLock(store, "", 0)
	require.NoError(t, err)
	second, err := NewRedisLock(store, "", 0)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx, "expiry")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx, "expiry")
	require.NoError(t, err)
	assert.False(t, ok)

	// чужая блокировка не снимается
	require.NoError(t, second.Release(ctx, "expiry"))
	assert.Contains(t, store.values, "circulation:job:expiry")

	require.NoError(t, first.Release(ctx, "expiry"))
	assert.NotContains(t, store.values, "circulation:job:expiry")
}

func TestRedisLockReleaseAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeRedis{values: map[string]string{}}

	lock, err := NewRedisLock(store, "", 0)
	require.NoError(t, err)

	ok, err := lock.Acquire(ctx, "sync")
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	require.NoError(t, lock.Release(ctx, "sync"))
	assert.NotContains(t, store.values, "circulation:job:sync")
}

func TestNewRedisLockRequiresClient(t *testing.T) {
	_, err := NewRedisLock(nil, "x", time.Second)
	require.Error(t, err)
}
