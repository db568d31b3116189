package middleware

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/tenancy"
)

// Trace opens a server span per request and logs one line when it finishes.
func Trace(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := otel.Tracer("github.com/iago/wa-tenancy/internal/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("request_id", GetRequestID(ctx)),
				),
			)
			defer span.End()

			// Auth runs further down the chain; it writes the resolved
			// tenant back through this holder so the log line can carry it.
			holder := &tenantHolder{}
			ctx = withTenantHolder(ctx, holder)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			fields := []zap.Field{
				zap.String("request_id", GetRequestID(ctx)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if holder.tenantID != "" {
				fields = append(fields, zap.String("tenant_id", holder.tenantID))
			}
			if status >= http.StatusInternalServerError {
				logger.Error("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

type tenantHolderKey struct{}

type tenantHolder struct {
	tenantID string
}

func withTenantHolder(ctx context.Context, holder *tenantHolder) context.Context {
	return context.WithValue(ctx, tenantHolderKey{}, holder)
}

// recordTenant lets Trace log the tenant resolved by Auth.
func recordTenant(ctx context.Context, identity tenancy.Context) {
	if holder, ok := ctx.Value(tenantHolderKey{}).(*tenantHolder); ok {
		holder.tenantID = identity.TenantID
	}
}
