// Package lock provides a per-(tenant, purpose) mutual exclusion lock shared by
// every process instance. Redis is the fast path; the relational tenant_locks
// table backs it up when Redis is absent or failing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrUnavailable means another owner holds the lock after all attempts. It is
// an expected outcome, not a failure.
var ErrUnavailable = errors.New("lock held by another owner")

var errContended = errors.New("lock contended")

const releaseTimeout = 5 * time.Second

type Key struct {
	TenantID string
	Purpose  string
}

func (k Key) String() string {
	return k.TenantID + ":" + k.Purpose
}

func (k Key) validate() error {
	if strings.TrimSpace(k.TenantID) == "" || strings.TrimSpace(k.Purpose) == "" {
		return fmt.Errorf("invalid lock key %q", k.String())
	}
	return nil
}

// Backend grants and releases a lock for one owner token.
type Backend interface {
	TryAcquire(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key Key, owner string) error
}

type Options struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// Manager tries the primary backend first and falls back per attempt when it
// is nil or returns an error.
type Manager struct {
	primary  Backend
	fallback Backend
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewManager(primary, fallback Backend, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		tracer:   otel.Tracer("github.com/iago/wa-tenancy/internal/lock"),
	}
}

// Handle is a granted lock. Release is safe to call more than once.
type Handle struct {
	key       Key
	owner     string
	expiresAt time.Time
	backend   Backend
	logger    *zap.Logger

	once sync.Once
	err  error
}

func (h *Handle) Key() Key             { return h.key }
func (h *Handle) Owner() string        { return h.owner }
func (h *Handle) ExpiresAt() time.Time { return h.expiresAt }

func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.backend.Release(ctx, h.key, h.owner)
		if h.err != nil {
			h.logger.Warn("lock release failed; it will expire",
				zap.String("lock", h.key.String()),
				zap.Time("expires_at", h.expiresAt),
				zap.Error(h.err),
			)
		}
	})
	return h.err
}

// Acquire makes 1+RetryAttempts attempts spaced by RetryDelay. Contention on
// every attempt returns ErrUnavailable; backend failures are returned as is.
func (m *Manager) Acquire(ctx context.Context, key Key, ttl time.Duration, opts Options) (*Handle, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", key)
	}

	ctx, span := m.tracer.Start(ctx, "lock.acquire", trace.WithAttributes(
		attribute.String("lock.tenant_id", key.TenantID),
		attribute.String("lock.purpose", key.Purpose),
	))
	defer span.End()

	owner := uuid.NewString()
	var handle *Handle
	attempt := func() error {
		backend, granted, err := m.tryOnce(ctx, key, owner, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !granted {
			return errContended
		}
		handle = &Handle{
			key:       key,
			owner:     owner,
			expiresAt: time.Now().Add(ttl),
			backend:   backend,
			logger:    m.logger,
		}
		return nil
	}

	retries := opts.RetryAttempts
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), uint64(retries)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, errContended) {
			span.SetAttributes(attribute.Bool("lock.acquired", false))
			return nil, ErrUnavailable
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("lock.acquired", true))
	return handle, nil
}

func (m *Manager) tryOnce(ctx context.Context, key Key, owner string, ttl time.Duration) (Backend, bool, error) {
	if m.primary != nil {
		granted, err := m.primary.TryAcquire(ctx, key, owner, ttl)
		if err == nil {
			return m.primary, granted, nil
		}
		if m.fallback == nil {
			return nil, false, fmt.Errorf("acquire %s: %w", key, err)
		}
		m.logger.Warn("primary lock backend failed, using fallback",
			zap.String("lock", key.String()),
			zap.Error(err),
		)
	}
	if m.fallback == nil {
		return nil, false, fmt.Errorf("acquire %s: no lock backend configured", key)
	}
	granted, err := m.fallback.TryAcquire(ctx, key, owner, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return m.fallback, granted, nil
}

// WithLock runs fn while holding key. It reports false with a nil error when
// the lock stayed unavailable. The lock is released when fn returns, fails or
// panics, using a context that survives cancellation of ctx.
func (m *Manager) WithLock(ctx context.Context, key Key, ttl time.Duration, opts Options, fn func(context.Context) error) (bool, error) {
	handle, err := m.Acquire(ctx, key, ttl, opts)
	if errors.Is(err, ErrUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = handle.Release(releaseCtx)
	}()
	return true, fn(ctx)
}
