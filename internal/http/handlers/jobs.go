package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/service"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

type createJobRequest struct {
	JobType    string          `json:"job_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

type jobResponse struct {
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Result      any        `json:"result,omitempty"`
	Error       *jobError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type jobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toJobResponse(job *domain.Job) jobResponse {
	response := jobResponse{
		JobID:       job.ID,
		JobType:     job.JobType,
		Status:      string(job.Status),
		Progress:    job.Progress,
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
	if len(job.Result) > 0 {
		response.Result = jsonRawOrFallback(job.Result)
	}
	if strings.TrimSpace(job.Error) != "" {
		response.Error = &jobError{Code: "processing_error", Message: job.Error}
	}
	return response
}

// CreateJob enqueues a job for the caller's tenant. A repeated Idempotency-Key
// with the same body returns the original job; with a different body it is a
// conflict.
func (api *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	var request createJobRequest
	if err := decodeJSON(w, r, &request); err != nil {
		api.respondError(w, r, err)
		return
	}
	job, replayed, err := api.enqueueIdempotent(w, r, service.EnqueueInput{
		JobType:    request.JobType,
		Payload:    request.Payload,
		MaxRetries: request.MaxRetries,
	}, request)
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	if job == nil {
		return
	}
	if replayed {
		writeJSON(w, http.StatusOK, toJobResponse(job))
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// enqueueIdempotent returns (nil, false, nil) after it has already written a
// conflict response.
func (api *API) enqueueIdempotent(w http.ResponseWriter, r *http.Request, input service.EnqueueInput, body any) (*domain.Job, bool, error) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		job, err := api.deps.Jobs.Enqueue(ctx, input)
		return job, false, err
	}

	identity, err := tenancy.Require(ctx)
	if err != nil {
		return nil, false, err
	}
	scopedKey := identity.TenantID + ":" + key
	payloadHash := hashPayload(body)

	existing, found, err := api.deps.Idempotency.Get(ctx, scopedKey)
	if err != nil {
		return nil, false, err
	}
	if found {
		if existing.PayloadHash != payloadHash {
			writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key reused with a different payload")
			return nil, false, nil
		}
		job, err := api.deps.Jobs.Get(ctx, existing.JobID)
		return job, true, err
	}

	job, err := api.deps.Jobs.Enqueue(ctx, input)
	if err != nil {
		return nil, false, err
	}
	if err := api.deps.Idempotency.Put(ctx, scopedKey, IdempotencyEntry{PayloadHash: payloadHash, JobID: job.ID}); err != nil {
		api.logger.Warn("store idempotency key failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job, false, nil
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := api.deps.Jobs.ListForTenant(r.Context(), r.URL.Query().Get("job_type"), queryLimit(r, 50, 200))
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, toJobResponse(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (api *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.deps.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}
