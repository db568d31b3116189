// Package tenancy carries the (tenant, actor) pair of one request or job tick
// on a context.Context.
package tenancy

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrAuthenticationMissing = errors.New("authentication missing")
	ErrContextMissing        = errors.New("tenant context missing")
)

// Context identifies who a data operation runs on behalf of. It is never persisted.
type Context struct {
	TenantID string
	ActorID  string
}

type contextKey struct{}

type systemKey struct{}

// WithContext attaches c to ctx. A tenant Context always wins over an outer System marker.
func WithContext(ctx context.Context, c Context) context.Context {
	c.TenantID = strings.TrimSpace(c.TenantID)
	c.ActorID = strings.TrimSpace(c.ActorID)
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(contextKey{}).(Context)
	if !ok || c.TenantID == "" {
		return Context{}, false
	}
	return c, true
}

// Require returns the active Context or ErrContextMissing.
func Require(ctx context.Context) (Context, error) {
	c, ok := FromContext(ctx)
	if !ok {
		return Context{}, ErrContextMissing
	}
	return c, nil
}

// System marks ctx as a trusted internal path that may read and write across
// tenants. Reason shows up in logs; callers must never derive it from request input.
//
// A tenant Context already present on ctx is dropped so the unscoped path is explicit.
func System(ctx context.Context, reason string) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, Context{})
	return context.WithValue(ctx, systemKey{}, strings.TrimSpace(reason))
}

// IsSystem reports whether ctx runs unscoped, and why.
func IsSystem(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if _, scoped := FromContext(ctx); scoped {
		return "", false
	}
	reason, ok := ctx.Value(systemKey{}).(string)
	return reason, ok
}
