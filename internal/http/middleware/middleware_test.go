package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iago/wa-tenancy/internal/auth"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEqual(t, "unknown", seen)
	assert.Equal(t, seen, recorder.Header().Get(RequestIDHeader))

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set(RequestIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), request)
	assert.Equal(t, "req-42", seen)

	assert.Equal(t, "unknown", GetRequestID(context.Background()))
}

func TestAuthAttachesTenantContext(t *testing.T) {
	resolver, err := auth.ParseStaticTokens("tok-a=tenant-a:alice")
	require.NoError(t, err)

	var identity tenancy.Context
	handler := RequestID(Auth(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = tenancy.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	request.Header.Set("Authorization", "Bearer tok-a")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, tenancy.Context{TenantID: "tenant-a", ActorID: "alice"}, identity)
}

func TestAuthRejectsBeforeHandler(t *testing.T) {
	resolver, err := auth.ParseStaticTokens("tok-a=tenant-a")
	require.NoError(t, err)

	called := false
	handler := RequestID(Auth(resolver)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	})))

	for _, header := range []string{"", "Bearer ", "Bearer nope", "Basic tok-a"} {
		request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		if header != "" {
			request.Header.Set("Authorization", header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		assert.Equal(t, http.StatusUnauthorized, recorder.Code, header)
		var body ErrorBody
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
		assert.Equal(t, "unauthorized", body.Error.Code)
		assert.NotEmpty(t, body.RequestID)
	}
	assert.False(t, called)
}

func TestRateLimitPerTenant(t *testing.T) {
	limiters := NewLimiters(1, 1)
	handler := RateLimit(limiters)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(tenantID string) int {
		request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		if tenantID != "" {
			request = request.WithContext(tenancy.WithContext(request.Context(), tenancy.Context{TenantID: tenantID}))
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	assert.Equal(t, http.StatusOK, call("tenant-a"))
	assert.Equal(t, http.StatusTooManyRequests, call("tenant-a"))
	assert.Equal(t, http.StatusOK, call("tenant-b"))
	assert.Equal(t, http.StatusOK, call(""))
	assert.Equal(t, http.StatusTooManyRequests, call(""))
}

func TestTraceLogsStatusAndTenant(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	resolver, err := auth.ParseStaticTokens("tok-a=tenant-a")
	require.NoError(t, err)

	handler := RequestID(Trace(zap.New(core))(Auth(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))))

	request := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	request.Header.Set("Authorization", "Bearer tok-a")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusAccepted, fields["status"])
	assert.Equal(t, "tenant-a", fields["tenant_id"])
	assert.Equal(t, "/v1/jobs", fields["path"])
}
