// Package app assembles the process from configuration. Without DATABASE_URL
// the in-memory store is used; a configured database that cannot be opened or
// migrated fails startup. Without a reachable Redis, locks use the store.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/ai"
	"github.com/iago/wa-tenancy/internal/auth"
	"github.com/iago/wa-tenancy/internal/config"
	"github.com/iago/wa-tenancy/internal/delivery"
	"github.com/iago/wa-tenancy/internal/history"
	httpserver "github.com/iago/wa-tenancy/internal/http"
	"github.com/iago/wa-tenancy/internal/http/handlers"
	"github.com/iago/wa-tenancy/internal/http/middleware"
	"github.com/iago/wa-tenancy/internal/lock"
	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/scheduler"
	"github.com/iago/wa-tenancy/internal/service"
	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/worker"
)

type App struct {
	Config config.Config
	Logger *zap.Logger

	DB    *sql.DB
	Redis redis.UniversalClient

	Guard        *store.Guard
	Jobs         *service.JobsService
	Followups    *repository.FollowupsRepository
	Leads        *repository.LeadsRepository
	Messages     *repository.MessagesRepository
	Settings     *repository.SettingsRepository
	Integrations *repository.IntegrationsRepository
	Locks        *lock.Manager
	Scheduler    *scheduler.Scheduler
	Processor    *worker.Processor
	Limiters     *middleware.Limiters

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	backend, err := a.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	a.setupRedis(ctx)

	a.Guard = store.NewGuard(backend, logger)
	a.Jobs = service.NewJobsService(repository.NewJobsRepository(a.Guard), logger)
	a.Followups = repository.NewFollowupsRepository(a.Guard)
	a.Leads = repository.NewLeadsRepository(a.Guard)
	a.Messages = repository.NewMessagesRepository(a.Guard)
	a.Settings = repository.NewSettingsRepository(a.Guard)
	a.Integrations = repository.NewIntegrationsRepository(a.Guard)

	var primary lock.Backend
	if a.Redis != nil {
		primary = lock.NewRedisBackend(a.Redis)
	}
	a.Locks = lock.NewManager(primary, lock.NewStoreBackend(a.Guard), logger)

	a.Scheduler = scheduler.New(scheduler.Dependencies{
		Followups: a.Followups,
		Leads:     a.Leads,
		Messages:  a.Messages,
		Settings:  a.Settings,
		History:   history.NewBuilder(a.Messages, history.Options{}),
		Generator: a.generator(),
		Sender:    a.sender(),
		Locks:     a.Locks,
		Logger:    logger.Named("scheduler"),
	}, scheduler.Config{
		LockTTL:           cfg.SchedulerLockTTL,
		PerItemBudget:     cfg.SchedulerPerItemBudget,
		BatchSize:         cfg.SchedulerBatchSize,
		MaxTenantsPerTick: cfg.SchedulerMaxTenants,
		Concurrency:       cfg.SchedulerConcurrency,
	})

	a.Processor = worker.NewProcessor(a.Jobs, logger.Named("worker"), worker.Options{
		PollInterval: cfg.WorkerPollInterval,
		Lease:        cfg.WorkerLease,
	})
	a.Processor.Register(worker.JobTypeEnrollFollowups, worker.EnrollFollowups(a.Leads, a.Followups, a.Settings, nil))

	a.Limiters = middleware.NewLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst)
	return a, nil
}

func (a *App) setupStore(ctx context.Context) (store.Backend, error) {
	if a.Config.DatabaseURL == "" {
		a.Logger.Warn("DATABASE_URL not configured, using in-memory store")
		return store.NewMemoryBackend(), nil
	}

	db, err := store.OpenPostgres(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if a.Config.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(a.Config.DBMaxOpenConns)
	}
	if a.Config.MigrateOnStart {
		applied, err := store.Migrate(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.Logger.Info("schema migrations applied", zap.Int("count", applied))
	}
	a.DB = db
	a.closers = append(a.closers, func() { _ = db.Close() })
	a.Logger.Info("postgres store initialized")
	return store.NewPostgresBackend(db), nil
}

func (a *App) setupRedis(ctx context.Context) {
	if a.Config.RedisAddr == "" {
		a.Logger.Warn("REDIS_ADDR not configured, locks use the store only")
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Kept anyway: the lock manager falls back per attempt while Redis is down.
		a.Logger.Warn("redis ping failed", zap.String("addr", a.Config.RedisAddr), zap.Error(err))
	}
	a.Redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
}

func (a *App) generator() ai.Generator {
	if a.Config.OpenRouterAPIKey == "" {
		a.Logger.Warn("OPENROUTER_API_KEY not configured, using static followup text")
		return ai.StaticGenerator{}
	}
	return ai.NewChatClient(ai.ChatClientConfig{
		APIKey:     a.Config.OpenRouterAPIKey,
		BaseURL:    a.Config.OpenRouterBaseURL,
		Model:      a.Config.OpenRouterModel,
		Timeout:    a.Config.AITimeout,
		MaxRetries: a.Config.AIMaxRetries,
		Logger:     a.Logger.Named("ai"),
	})
}

func (a *App) sender() delivery.Sender {
	if a.Config.GatewayURL == "" {
		a.Logger.Warn("WHATSAPP_GATEWAY_URL not configured, followups are only logged")
		return delivery.NewLogSender(a.Logger.Named("delivery"))
	}
	return delivery.NewHTTPSender(delivery.HTTPSenderConfig{
		URL:   a.Config.GatewayURL,
		Token: a.Config.GatewayToken,
	})
}

// Resolver builds the bearer credential chain: static tokens first, then JWT.
func (a *App) Resolver() (auth.CredentialResolver, error) {
	static, err := auth.ParseStaticTokens(a.Config.AuthTokens)
	if err != nil {
		return nil, err
	}
	chain := auth.ChainResolver{static}
	if a.Config.JWTSecret != "" {
		chain = append(chain, auth.NewJWTResolver(a.Config.JWTSecret, a.Config.JWTIssuer))
	}
	if static.Len() == 0 && a.Config.JWTSecret == "" {
		a.Logger.Warn("no API credentials configured, every /v1 request will be rejected")
	}
	return chain, nil
}

func (a *App) Router() (http.Handler, error) {
	resolver, err := a.Resolver()
	if err != nil {
		return nil, err
	}

	var idempotency handlers.IdempotencyStore = handlers.NewMemoryIdempotencyStore()
	if a.Redis != nil {
		idempotency = handlers.NewRedisIdempotencyStore(a.Redis)
	}
	checks := map[string]handlers.HealthCheck{}
	if a.DB != nil {
		checks["postgres"] = a.DB.PingContext
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:         a.Jobs,
		Followups:    a.Followups,
		Leads:        a.Leads,
		Messages:     a.Messages,
		Settings:     a.Settings,
		Webhooks:     auth.NewIntegrationResolver(a.Integrations),
		Scheduler:    a.Scheduler,
		Idempotency:  idempotency,
		CronSecret:   a.Config.CronSecret,
		HealthChecks: checks,
		Logger:       a.Logger.Named("http"),
	})
	return httpserver.NewRouter(httpserver.RouterDependencies{
		API:         api,
		Resolver:    resolver,
		Limiters:    a.Limiters,
		Logger:      a.Logger.Named("http"),
		CORSOrigins: a.Config.CORSOrigins,
	}), nil
}

// RunScheduler ticks every interval until ctx ends. Overlapping instances are
// safe: each tenant pass is serialized by its scheduler lock.
func (a *App) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	a.Logger.Info("scheduler loop started", zap.Duration("interval", interval))
	for {
		if _, err := a.Scheduler.Tick(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
