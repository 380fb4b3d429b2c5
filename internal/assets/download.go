package assets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
)

// Limiter hands out per-host request slots.
type Limiter interface {
	Acquire(ctx context.Context, hostKey string) (*ratelimit.Permit, error)
}

// DownloaderConfig tunes asset downloads.
type DownloaderConfig struct {
	Concurrency int
	UserAgent   string
}

// Downloader fetches discovered assets into a Store.
type Downloader struct {
	store   *Store
	limiter Limiter
	client  *http.Client
	cfg     DownloaderConfig
	logger  *zap.Logger
}

// Stats counts download outcomes for one call.
type Stats struct {
	Stored  int
	Skipped int
	Failed  int
}

// NewDownloader builds a Downloader. A nil client uses http.DefaultClient.
func NewDownloader(store *Store, limiter Limiter, client *http.Client, cfg DownloaderConfig, logger *zap.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{store: store, limiter: limiter, client: client, cfg: cfg, logger: logger.Named("downloader")}
}

// Download fetches each distinct asset URL once and returns the raw asset
// records to persist, in discovery order. Skip types and oversize assets are
// recorded with an empty LocalPath; network failures are not recorded.
func (d *Downloader) Download(ctx context.Context, discoveries []harvest.AssetDiscovery, scrapedAt time.Time) ([]harvest.RawAsset, Stats) {
	unique := make([]harvest.AssetDiscovery, 0, len(discoveries))
	seen := make(map[string]struct{}, len(discoveries))
	for _, disc := range discoveries {
		if disc.URL == "" {
			continue
		}
		if _, dup := seen[disc.URL]; dup {
			continue
		}
		seen[disc.URL] = struct{}{}
		unique = append(unique, disc)
	}

	results := make([]*harvest.RawAsset, len(unique))
	outcomes := make([]string, len(unique))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, disc := range unique {
		g.Go(func() error {
			results[i], outcomes[i] = d.fetch(ctx, disc, scrapedAt)
			return nil
		})
	}
	_ = g.Wait()

	var stats Stats
	out := make([]harvest.RawAsset, 0, len(unique))
	for i, rec := range results {
		metrics.ObserveItem(unique[i].Domain, "asset", outcomes[i])
		switch outcomes[i] {
		case "stored":
			stats.Stored++
		case "failed":
			stats.Failed++
		default:
			stats.Skipped++
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, stats
}

func (d *Downloader) fetch(ctx context.Context, disc harvest.AssetDiscovery, scrapedAt time.Time) (*harvest.RawAsset, string) {
	record := &harvest.RawAsset{
		Domain:    disc.Domain,
		PostID:    disc.PostID,
		URL:       disc.URL,
		AssetType: disc.AssetType,
		ScrapedAt: scrapedAt,
		Source:    disc.Source,
	}
	if !disc.ShouldDownload() {
		return record, "recorded"
	}
	logger := d.logger.With(zap.String("domain", disc.Domain), zap.String("url", disc.URL))

	id := Identity{Domain: disc.Domain, PostID: disc.PostID, URL: disc.URL}
	if location, ok, err := d.store.Lookup(ctx, id); err == nil && ok {
		record.LocalPath = location
		return record, "stored"
	}

	location, err := d.get(ctx, id)
	switch {
	case err == nil:
		record.LocalPath = location
		return record, "stored"
	case errors.Is(err, harvest.ErrAssetTooLarge):
		logger.Info("asset over size cap, recording without content", zap.Error(err))
		return record, "too_large"
	default:
		logger.Warn("asset download failed", zap.Error(err))
		return nil, "failed"
	}
}

func (d *Downloader) get(ctx context.Context, id Identity) (string, error) {
	if d.limiter != nil {
		permit, err := d.limiter.Acquire(ctx, id.URL)
		if err != nil {
			return "", err
		}
		defer permit.Release()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", id.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("get %s: unexpected status %d", id.URL, resp.StatusCode)
	}
	return d.store.Save(ctx, id, resp.Body, resp.ContentLength)
}
