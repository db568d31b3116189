package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/auth"
	"github.com/iago/wa-tenancy/internal/http/middleware"
	"github.com/iago/wa-tenancy/internal/lock"
	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/scheduler"
	"github.com/iago/wa-tenancy/internal/service"
	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

var errInvalidPayload = errors.New("invalid payload")

// Ticker runs one scheduler pass.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.Totals, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	Jobs         *service.JobsService
	Followups    *repository.FollowupsRepository
	Leads        *repository.LeadsRepository
	Messages     *repository.MessagesRepository
	Settings     *repository.SettingsRepository
	Webhooks     auth.WebhookTenantResolver
	Scheduler    Ticker
	Idempotency  IdempotencyStore
	CronSecret   string
	HealthChecks map[string]HealthCheck
	Logger       *zap.Logger
}

type API struct {
	deps   Dependencies
	logger *zap.Logger
}

func NewAPI(deps Dependencies) *API {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Idempotency == nil {
		deps.Idempotency = NewMemoryIdempotencyStore()
	}
	return &API{deps: deps, logger: deps.Logger}
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	middleware.WriteError(w, r, statusCode, code, message)
}

// respondError maps domain errors onto HTTP statuses. Anything unrecognised is
// logged and reported as a 500 without leaking its text.
func (api *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errInvalidPayload), errors.Is(err, service.ErrInvalidJob):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tenancy.ErrAuthenticationMissing):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, service.ErrTerminal):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, r, http.StatusConflict, "conflict", "resource already exists")
	case errors.Is(err, lock.ErrUnavailable):
		writeError(w, r, http.StatusConflict, "busy", "another instance holds the lock")
	default:
		api.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func queryLimit(r *http.Request, fallback, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}
