package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yairfalse/cureiam/internal/config"
	"github.com/yairfalse/cureiam/internal/daemon"
	"github.com/yairfalse/cureiam/internal/notify"
	"github.com/yairfalse/cureiam/internal/plugin"
	_ "github.com/yairfalse/cureiam/internal/plugin/builtin"
	itelemetry "github.com/yairfalse/cureiam/internal/telemetry"
	"github.com/yairfalse/cureiam/orchestrator"
	"github.com/yairfalse/cureiam/telemetry"
)

var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "cureiam",
		Short: "Audit and clean up over-privileged GCP IAM grants",
		Long: `CureIAM - IAM recommendation auditor

CureIAM pulls IAM recommender results for your GCP projects, scores every
recommendation for risk and safety, stores the results and, when enforcement
is enabled, applies the recommendations that pass every policy gate.

Audits run once a day at the configured schedule.`,
		Example: `  cureiam -c CureIAM.yaml               # Run audits daily at the configured time
  cureiam -c base.yaml -c prod.yaml     # Merge several config files, later wins
  cureiam -n                            # Run every audit once, now
  cureiam -p                            # Print the base configuration`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoot(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceP("config", "c", nil, "Config file, may be repeated (default: standard search paths)")
	flags.BoolP("now", "n", false, "Run every audit once immediately and exit")
	flags.BoolP("print-base-config", "p", false, "Print the base configuration and exit")
	flags.String("metrics-addr", "", "Address for /metrics and /health (overrides metrics_addr)")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("CUREIAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.SetVersionTemplate(`CureIAM {{.Version}}
`)
	cmd.AddCommand(newHistoryCmd(), newJournalCmd())
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configPaths(v *viper.Viper) []string {
	if paths := v.GetStringSlice("config"); len(paths) > 0 {
		return paths
	}
	return config.DefaultPaths
}

func runRoot(cmd *cobra.Command, v *viper.Viper) error {
	if v.GetBool("print-base-config") {
		_, err := fmt.Fprint(cmd.OutOrStdout(), config.BaseConfig())
		return err
	}

	store, err := newConfigStore(configPaths(v), plugin.Default)
	if err != nil {
		return err
	}
	cfg := store.Get()
	if err := telemetry.Configure(cfg.Logger.Level, cfg.Logger.Format); err != nil {
		return fmt.Errorf("invalid logger config: %w", err)
	}
	logger := telemetry.NewLogger("cureiam")
	ctx := cmd.Context()

	provider, err := itelemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	notifier, err := newNotifier(cfg.Email)
	if err != nil {
		return err
	}
	pipelineMetrics, err := orchestrator.NewPipelineMetrics()
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	manager := orchestrator.NewManager(plugin.Default, notifier, pipelineMetrics)

	logger.Info().
		Strs("config_files", store.Files()).
		Strs("audits", cfg.Run).
		Str("schedule", cfg.Schedule).
		Msg("cureiam starting")

	if v.GetBool("now") {
		return runOnce(ctx, provider, manager, cfg, logger)
	}

	schedulerMetrics, err := daemon.NewSchedulerMetrics()
	if err != nil {
		return fmt.Errorf("failed to create scheduler metrics: %w", err)
	}
	d := daemon.NewDaemon(manager, store.Get, daemon.WithMetrics(schedulerMetrics))
	store.OnReload(func(err error) {
		provider.RecordConfigReload(ctx, err)
		if err == nil {
			d.Reschedule()
		}
	})

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(ctx)
		}, func(error) {
			cancel()
		})
	}

	addr := v.GetString("metrics-addr")
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newRouter(provider.Handler(), d.Health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			logger.Info().Str("addr", addr).Msg("starting metrics server")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if files := store.Files(); len(files) > 0 {
		reloader, err := newReloader(store, files)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return reloader.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

func newNotifier(cfg *notify.Config) (orchestrator.Notifier, error) {
	if cfg == nil {
		return nil, nil
	}
	mailer, err := notify.NewMailer(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create email notifier: %w", err)
	}
	return mailer, nil
}

// runOnce runs every configured audit a single time inside one span
func runOnce(ctx context.Context, provider *itelemetry.Provider, runner daemon.Runner, cfg *config.Config, logger *telemetry.Logger) error {
	const spanName = "cureiam.run_once"
	ctx, span := provider.StartSpan(ctx, spanName)
	defer span.End()

	logger.LogSpanStart(ctx, spanName, attribute.Int("audits", len(cfg.Run)))
	result, err := runner.Run(ctx, cfg)
	logger.LogSpanEnd(ctx, spanName, err)
	if err != nil {
		return err
	}
	logger.WithContext(ctx).Info().
		Str("run_id", result.RunID).
		Str("audit_version", result.AuditVersion).
		Msg("run complete")
	return nil
}
