package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iago/wa-tenancy/internal/app"
	"github.com/iago/wa-tenancy/internal/config"
	"github.com/iago/wa-tenancy/internal/logger"
	"github.com/iago/wa-tenancy/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTelEndpoint,
	}, log)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer application.Close()

	handler, err := application.Router()
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", zap.Error(err))
		}
		if shutdownTracing != nil {
			_ = shutdownTracing(shutdownCtx)
		}
		return nil
	})
	group.Go(func() error {
		application.Limiters.Sweep(groupCtx, time.Minute)
		return nil
	})

	if cfg.WorkerEnabled {
		group.Go(func() error {
			application.Processor.Start(groupCtx)
			return nil
		})
	} else {
		log.Info("worker disabled by configuration")
	}
	if cfg.SchedulerEnabled {
		group.Go(func() error {
			application.RunScheduler(groupCtx, cfg.SchedulerInterval)
			return nil
		})
	}

	return group.Wait()
}
