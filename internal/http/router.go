package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/auth"
	"github.com/iago/wa-tenancy/internal/http/handlers"
	"github.com/iago/wa-tenancy/internal/http/middleware"
)

type RouterDependencies struct {
	API         *handlers.API
	Resolver    auth.CredentialResolver
	Limiters    *middleware.Limiters
	Logger      *zap.Logger
	CORSOrigins []string
}

// NewRouter wires the middleware chain RequestID -> Trace -> CORS, then per
// group: tenant routes add Auth -> RateLimit (keyed by tenant), webhook and
// internal routes are rate limited by client IP.
func NewRouter(deps RouterDependencies) http.Handler {
	limiters := deps.Limiters
	if limiters == nil {
		limiters = middleware.NewLimiters(0, 0)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", deps.API.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Resolver))
		r.Use(middleware.RateLimit(limiters))

		r.Post("/jobs", deps.API.CreateJob)
		r.Get("/jobs", deps.API.ListJobs)
		r.Get("/jobs/{jobID}", deps.API.GetJob)
		r.Post("/jobs/{jobID}/cancel", deps.API.CancelJob)

		r.Get("/followups", deps.API.ListFollowups)
		r.Post("/followups/enroll", deps.API.EnrollFollowups)

		r.Get("/settings", deps.API.GetSettings)
		r.Put("/settings", deps.API.PutSettings)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(limiters))
		r.Post("/webhooks/{source}", deps.API.InboundMessage)
		r.Post("/internal/scheduler/tick", deps.API.SchedulerTick)
	})

	return r
}
