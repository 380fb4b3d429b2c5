package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
)

func newServeCmd() *cobra.Command {
	var noLoops bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs periodic scrapes and ingestion behind the ops API",
		Long: `Starts the ops HTTP server and, unless --api-only is set, scrapes the
configured sources every scrape.interval and drains the ingestion pipeline
every ingest.interval.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), a, !noLoops)
		},
	}
	cmd.Flags().BoolVar(&noLoops, "api-only", false, "serve the API without scheduled scrapes or ingestion")
	return cmd
}

func serve(ctx context.Context, a *app.App, loops bool) error {
	cfg := a.Config()
	logger := a.Logger()
	deps := api.Deps{
		Runs:      a.Scheduler(),
		Processor: a.Pipeline(),
		Cursors:   a.Cursor(),
		Domains:   cfg.Domains(),
	}
	if ev := a.Events(); ev != nil {
		deps.Events = ev
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(deps, cfg, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if loops {
		g.Go(func() error {
			every(ctx, cfg.Scrape.Interval, func(ctx context.Context) { scrapeOnce(ctx, a, cfg) })
			return nil
		})
		g.Go(func() error {
			every(ctx, cfg.Ingest.Interval, func(ctx context.Context) {
				if err := drainDomains(ctx, a, cfg.Domains()); err != nil && ctx.Err() == nil {
					logger.Warn("scheduled ingestion incomplete", zap.Error(err))
				}
			})
			return nil
		})
	}
	err := g.Wait()
	logger.Info("shutdown complete")
	return err
}

func scrapeOnce(ctx context.Context, a *app.App, cfg config.Config) {
	sources, err := cfg.HarvestSources()
	if err != nil {
		a.Logger().Warn("scheduled scrape skipped", zap.Error(err))
		return
	}
	logRun(a.Logger(), a.Scheduler().Run(ctx, sources))
}

// every runs fn immediately and then once per interval until ctx ends.
// A run that overlaps a tick delays the next run instead of stacking.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
