package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/config"
	"github.com/iago/wa-tenancy/internal/lock"
)

func baseConfig() config.Config {
	return config.Config{
		Env:                "test",
		AuthTokens:         "tok-a=tenant-a:alice",
		RateLimitRPS:       100,
		RateLimitBurst:     100,
		SchedulerLockTTL:   time.Minute,
		SchedulerBatchSize: 5,
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	application, err := New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	defer application.Close()

	assert.Nil(t, application.DB)
	assert.Nil(t, application.Redis)

	handler, err := application.Router()
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)

	request := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"job_type":"report.export"}`))
	request.Header.Set("Authorization", "Bearer tok-a")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusAccepted, recorder.Code, recorder.Body.String())
}

func TestNewUsesRedisForLocks(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.RedisAddr = server.Addr()

	application, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer application.Close()
	require.NotNil(t, application.Redis)

	handle, err := application.Locks.Acquire(context.Background(), lock.Key{TenantID: "tenant-a", Purpose: "scheduler"}, time.Minute, lock.Options{})
	require.NoError(t, err)
	assert.True(t, server.Exists("lock:tenant-a:scheduler"))
	require.NoError(t, handle.Release(context.Background()))
	assert.False(t, server.Exists("lock:tenant-a:scheduler"))

	handler, err := application.Router()
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"redis":"ok"`)
}

func TestRouterRejectsMalformedTokens(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthTokens = "broken"
	application, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer application.Close()

	_, err = application.Router()
	assert.Error(t, err)
}

func TestNewFailsWhenConfiguredDatabaseIsUnreachable(t *testing.T) {
	cfg := baseConfig()
	cfg.Env = "production"
	cfg.DatabaseURL = "postgres://wa:wa@127.0.0.1:1/wa?sslmode=disable&connect_timeout=1"
	cfg.MigrateOnStart = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	application, err := New(ctx, cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
	assert.Nil(t, application)
}

func TestRunSchedulerStopsWithContext(t *testing.T) {
	application, err := New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	defer application.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		application.RunScheduler(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler loop did not stop")
	}
}
