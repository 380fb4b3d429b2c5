package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
)

func newProcessCmd() *cobra.Command {
	var (
		domains []string
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Normalizes raw captures into canonical posts",
		Long: `Runs the ingestion pipeline for each domain, advancing its watermark.
By default batches repeat until the domain is caught up; --once runs a single
batch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			targets, err := processTargets(a, domains)
			if err != nil {
				return err
			}
			if once {
				var errs []error
				for _, d := range targets {
					res, err := a.Pipeline().Process(cmd.Context(), d)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", d, err))
						continue
					}
					a.Logger().Info("batch finished",
						zap.String("domain", d),
						zap.Int("processed", res.Processed),
						zap.Int("skipped", res.Skipped),
						zap.Int("failed", res.Failed),
						zap.Time("watermark", res.Watermark))
				}
				return errors.Join(errs...)
			}
			return drainDomains(cmd.Context(), a, targets)
		},
	}
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "domains to process (default all configured)")
	cmd.Flags().BoolVar(&once, "once", false, "run one batch per domain")
	return cmd
}

func processTargets(a *app.App, requested []string) ([]string, error) {
	configured := a.Config().Domains()
	if len(requested) == 0 {
		if len(configured) == 0 {
			return nil, errors.New("no domains configured")
		}
		return configured, nil
	}
	out := make([]string, 0, len(requested))
	for _, d := range requested {
		d = strings.ToLower(strings.TrimSpace(d))
		if !slices.Contains(configured, d) {
			return nil, fmt.Errorf("domain %q is not configured", d)
		}
		out = append(out, d)
	}
	return out, nil
}

// drainDomains catches every domain up, continuing past a failed domain.
func drainDomains(ctx context.Context, a *app.App, domains []string) error {
	var errs []error
	for _, d := range domains {
		results, err := a.Pipeline().Drain(ctx, d)
		processed := 0
		for _, r := range results {
			processed += r.Processed
		}
		if err != nil {
			a.Logger().Warn("drain failed", zap.String("domain", d), zap.Int("batches", len(results)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}
		a.Logger().Info("domain caught up", zap.String("domain", d), zap.Int("batches", len(results)), zap.Int("processed", processed))
	}
	return errors.Join(errs...)
}
