// Package cmd defines the CLI commands of the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newRootCmd builds the command tree. The returned cleanup releases whatever
// PersistentPreRunE built, and must run even when the command fails.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile     string
		appInstance *app.App
		shutdown    func(context.Context) error
	)
	cleanup := func() {
		if appInstance != nil {
			appInstance.Close()
			appInstance = nil
		}
		if shutdown != nil {
			if err := shutdown(context.Background()); err != nil {
				zap.L().Warn("tracer shutdown failed", zap.Error(err))
			}
			shutdown = nil
		}
	}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Scrapes social and syndicated sources into a normalized post store.",
		Long: `harvester captures posts from X accounts and from sites that publish
RSS or Atom feeds, stores every capture append-only, and normalizes the raw
captures into canonical posts and assets.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			tp, err := telemetry.InitTracerProvider(cmd.Context(), cfg.Telemetry.ServiceName)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			shutdown = tp.Shutdown

			appInstance, err = app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.toml, then $XDG_CONFIG_HOME/harvester/config.toml)")

	cmd.AddCommand(newScrapeCmd(), newProcessCmd(), newServeCmd())
	return cmd, cleanup
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services are not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
