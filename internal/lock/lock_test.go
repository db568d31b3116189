package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

var schedulerKey = Key{TenantID: "tenant-a", Purpose: "scheduler"}

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client), mr
}

func newStoreBackend() *StoreBackend {
	return NewStoreBackend(store.NewGuard(store.NewMemoryBackend(), zap.NewNop()))
}

// backendCases runs the same lock properties against both backends.
func backendCases(t *testing.T) map[string]*Manager {
	t.Helper()
	redisBackend, _ := newRedisBackend(t)
	return map[string]*Manager{
		"redis": NewManager(redisBackend, nil, zap.NewNop()),
		"store": NewManager(nil, newStoreBackend(), zap.NewNop()),
	}
}

func TestMutualExclusion(t *testing.T) {
	for name, manager := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
			require.NoError(t, err)

			_, err = manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
			assert.ErrorIs(t, err, ErrUnavailable)

			other, err := manager.Acquire(ctx, Key{TenantID: "tenant-b", Purpose: "scheduler"}, time.Minute, Options{})
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, first.Release(ctx))
			second, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
			require.NoError(t, err)
			assert.NotEqual(t, first.Owner(), second.Owner())
			require.NoError(t, second.Release(ctx))
		})
	}
}

func TestConcurrentAcquireGrantsOneOwner(t *testing.T) {
	for name, manager := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var granted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 12; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{}); err == nil {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, granted.Load())
		})
	}
}

func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	for name, manager := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")

			acquired, err := manager.WithLock(ctx, schedulerKey, time.Minute, Options{}, func(context.Context) error {
				return boom
			})
			assert.True(t, acquired)
			assert.ErrorIs(t, err, boom)

			assert.Panics(t, func() {
				_, _ = manager.WithLock(ctx, schedulerKey, time.Minute, Options{}, func(context.Context) error {
					panic("handler exploded")
				})
			})

			handle, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
			require.NoError(t, err)
			require.NoError(t, handle.Release(ctx))
		})
	}
}

func TestWithLockReleasesAfterCallerCancellation(t *testing.T) {
	for name, manager := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			acquired, err := manager.WithLock(ctx, schedulerKey, time.Minute, Options{}, func(context.Context) error {
				cancel()
				return nil
			})
			require.NoError(t, err)
			assert.True(t, acquired)

			handle, err := manager.Acquire(context.Background(), schedulerKey, time.Minute, Options{})
			require.NoError(t, err)
			require.NoError(t, handle.Release(context.Background()))
		})
	}
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	for name, manager := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			holder, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
			require.NoError(t, err)
			defer holder.Release(ctx)

			called := false
			acquired, err := manager.WithLock(ctx, schedulerKey, time.Minute, Options{RetryAttempts: 1, RetryDelay: time.Millisecond}, func(context.Context) error {
				called = true
				return nil
			})
			require.NoError(t, err)
			assert.False(t, acquired)
			assert.False(t, called)
		})
	}
}

func TestReleaseIsIdempotentAndOwnerChecked(t *testing.T) {
	for name, manager := range backendCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			handle, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
			require.NoError(t, err)

			require.NoError(t, handle.backend.Release(ctx, schedulerKey, "someone-else"))
			_, err = manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
			assert.ErrorIs(t, err, ErrUnavailable)

			require.NoError(t, handle.Release(ctx))
			require.NoError(t, handle.Release(ctx))
		})
	}
}

func TestRedisLockExpires(t *testing.T) {
	backend, mr := newRedisBackend(t)
	manager := NewManager(backend, nil, zap.NewNop())
	ctx := context.Background()

	stale, err := manager.Acquire(ctx, schedulerKey, 2*time.Second, Options{})
	require.NoError(t, err)
	mr.FastForward(3 * time.Second)

	fresh, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	owner, err := mr.Get("lock:tenant-a:scheduler")
	require.NoError(t, err)
	assert.Equal(t, fresh.Owner(), owner)
}

func TestStoreLockTakesOverExpiredRow(t *testing.T) {
	backend := newStoreBackend()
	clock := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return clock }
	ctx := context.Background()

	ok, err := backend.TryAcquire(ctx, schedulerKey, "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = backend.TryAcquire(ctx, schedulerKey, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock = clock.Add(61 * time.Second)
	ok, err = backend.TryAcquire(ctx, schedulerKey, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale owner's release must not remove the new holder's row.
	require.NoError(t, backend.Release(ctx, schedulerKey, "owner-1"))
	scoped := tenancy.WithContext(ctx, tenancy.Context{TenantID: schedulerKey.TenantID})
	row, err := backend.guard.FindOne(scoped, store.KindLocks, store.Filter{store.Eq("purpose", "scheduler")})
	require.NoError(t, err)
	assert.Equal(t, "owner-2", store.String(row, "owner"))
}

func TestManagerFallsBackWhenRedisFails(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	fallback := newStoreBackend()
	manager := NewManager(NewRedisBackend(client), fallback, zap.NewNop())
	ctx := context.Background()

	handle, err := manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
	require.NoError(t, err)

	_, err = manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
	assert.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, handle.Release(ctx))
	handle, err = manager.Acquire(ctx, schedulerKey, time.Minute, Options{})
	require.NoError(t, err)
	require.NoError(t, handle.Release(ctx))
}

func TestManagerWithoutFallbackReturnsBackendError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	manager := NewManager(NewRedisBackend(client), nil, zap.NewNop())
	_, err = manager.Acquire(context.Background(), schedulerKey, time.Minute, Options{RetryAttempts: 3})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

type countingBackend struct {
	calls atomic.Int32
}

func (b *countingBackend) TryAcquire(context.Context, Key, string, time.Duration) (bool, error) {
	b.calls.Add(1)
	return false, nil
}

func (b *countingBackend) Release(context.Context, Key, string) error { return nil }

func TestAcquireRetryAttempts(t *testing.T) {
	for _, tc := range []struct {
		attempts int
		calls    int32
	}{
		{attempts: 0, calls: 1},
		{attempts: 1, calls: 2},
		{attempts: 3, calls: 4},
	} {
		backend := &countingBackend{}
		manager := NewManager(backend, nil, zap.NewNop())
		_, err := manager.Acquire(context.Background(), schedulerKey, time.Minute, Options{RetryAttempts: tc.attempts, RetryDelay: time.Millisecond})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, tc.calls, backend.calls.Load())
	}
}

func TestAcquireRejectsInvalidKey(t *testing.T) {
	manager := NewManager(&countingBackend{}, nil, zap.NewNop())
	_, err := manager.Acquire(context.Background(), Key{TenantID: "tenant-a"}, time.Minute, Options{})
	assert.Error(t, err)
	_, err = manager.Acquire(context.Background(), schedulerKey, 0, Options{})
	assert.Error(t, err)
}

func TestRedisBackendCommands(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend(client)
	ctx := context.Background()

	mock.ExpectSetNX("lock:tenant-a:scheduler", "owner-1", 2*time.Minute).SetVal(true)
	mock.ExpectSetNX("lock:tenant-a:scheduler", "owner-2", 2*time.Minute).SetVal(false)
	mock.ExpectEval(releaseScript, []string{"lock:tenant-a:scheduler"}, "owner-1").SetVal(int64(1))
	mock.ExpectEval(releaseScript, []string{"lock:tenant-a:scheduler"}, "owner-1").SetVal(int64(0))

	ok, err := backend.TryAcquire(ctx, schedulerKey, "owner-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.TryAcquire(ctx, schedulerKey, "owner-2", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Release(ctx, schedulerKey, "owner-1"))
	require.NoError(t, backend.Release(ctx, schedulerKey, "owner-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
