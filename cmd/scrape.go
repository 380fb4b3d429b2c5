package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/scrape"
)

func newScrapeCmd() *cobra.Command {
	var (
		only    []string
		process bool
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs one scrape over the configured sources",
		Long: `Scrapes every configured source once, writing raw captures as they
arrive. A source that fails does not stop the others; the command fails only
when no source completed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sources, err := selectSources(a, only)
			if err != nil {
				return err
			}
			run := a.Scheduler().Run(cmd.Context(), sources)
			logRun(a.Logger(), run)
			if process {
				if err := drainDomains(cmd.Context(), a, domainsOf(sources)); err != nil {
					return err
				}
			}
			if run.Succeeded() == 0 && run.Failed() > 0 {
				return fmt.Errorf("all %d sources failed", run.Failed())
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&only, "source", nil, "limit the run to these source names")
	cmd.Flags().BoolVar(&process, "process", false, "drain the ingestion pipeline for the scraped domains afterwards")
	return cmd
}

func selectSources(a *app.App, only []string) ([]harvest.Source, error) {
	sources, err := a.Config().HarvestSources()
	if err != nil {
		return nil, fmt.Errorf("resolve sources: %w", err)
	}
	if len(only) == 0 {
		return sources, nil
	}
	out := slices.DeleteFunc(sources, func(s harvest.Source) bool { return !slices.Contains(only, s.Name) })
	if len(out) == 0 {
		return nil, fmt.Errorf("no configured source matches %v", only)
	}
	return out, nil
}

func domainsOf(sources []harvest.Source) []string {
	var out []string
	for _, s := range sources {
		if !slices.Contains(out, s.Domain) {
			out = append(out, s.Domain)
		}
	}
	return out
}

func logRun(logger *zap.Logger, run scrape.RunResult) {
	for _, s := range run.Sources {
		fields := []zap.Field{
			zap.String("source", s.Name),
			zap.String("domain", s.Domain),
			zap.String("state", string(s.State)),
			zap.Int("posts", s.Posts),
			zap.Int("assets", s.Assets),
			zap.Int("failed_items", s.FailedItems),
		}
		if s.State == scrape.StateFailed {
			logger.Warn("source failed", append(fields, zap.String("reason", s.Reason), zap.String("error", s.Error))...)
			continue
		}
		logger.Info("source finished", fields...)
	}
	logger.Info("scrape run finished",
		zap.String("run_id", run.RunID),
		zap.Int("succeeded", run.Succeeded()),
		zap.Int("failed", run.Failed()),
		zap.Int("posts", run.Posts()),
		zap.Duration("duration", run.Finished.Sub(run.Started)))
}
