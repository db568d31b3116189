package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/app"
	"github.com/iago/wa-tenancy/internal/config"
	"github.com/iago/wa-tenancy/internal/logger"
	"github.com/iago/wa-tenancy/internal/observability"
)

type cliState struct {
	app      *app.App
	shutdown func(context.Context) error
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rt := &cliState{}
	root := &cobra.Command{
		Use:          "scheduler",
		Short:        "Automated followup scheduler",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Env)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			shutdown, err := observability.Setup(cmd.Context(), observability.Config{
				Enabled:     cfg.OTelEnabled,
				ServiceName: cfg.OTelServiceName + "-scheduler",
				Environment: cfg.Env,
				Endpoint:    cfg.OTelEndpoint,
			}, log)
			if err != nil {
				log.Warn("tracing disabled", zap.Error(err))
			}
			application, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				if shutdown != nil {
					_ = shutdown(context.Background())
				}
				return err
			}
			rt.app = application
			rt.shutdown = shutdown
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			rt.close()
		},
	}
	root.AddCommand(runCommand(rt), tickCommand(rt))
	return root
}

func (rt *cliState) close() {
	if rt.app == nil {
		return
	}
	if rt.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.shutdown(ctx)
	}
	rt.app.Close()
	_ = rt.app.Logger.Sync()
}

func runCommand(rt *cliState) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick on an interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if interval <= 0 {
				interval = rt.app.Config.SchedulerInterval
			}
			rt.app.RunScheduler(ctx, interval)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between ticks (defaults to SCHEDULER_INTERVAL)")
	return cmd
}

func tickCommand(rt *cliState) *cobra.Command {
	var tenantID string
	var limit int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduler pass and print the totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var output any
			if tenantID != "" {
				result, err := rt.app.Scheduler.ProcessTenant(cmd.Context(), tenantID, limit)
				if err != nil {
					return err
				}
				output = result
			} else {
				totals, err := rt.app.Scheduler.Tick(cmd.Context())
				if err != nil {
					return err
				}
				output = totals
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(output)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "process only this tenant")
	cmd.Flags().IntVar(&limit, "limit", 0, "max followups for --tenant (defaults to SCHEDULER_BATCH_SIZE)")
	return cmd
}
