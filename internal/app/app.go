// Package app initializes and holds long-lived harvester services, acting as
// the dependency container the commands run against.
package app

import (
	"context"
	"fmt"
	"net/http"

	pubsubapi "cloud.google.com/go/pubsub/v2"
	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/assets"
	"github.com/JakeFAU/harvester/internal/browser"
	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/embeddings"
	"github.com/JakeFAU/harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/harvester/internal/fetcher/headless"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/headless/detector"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/ingest"
	"github.com/JakeFAU/harvester/internal/normalize"
	"github.com/JakeFAU/harvester/internal/otp"
	"github.com/JakeFAU/harvester/internal/otp/imap"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/harvester/internal/rawwriter"
	"github.com/JakeFAU/harvester/internal/scrape"
	"github.com/JakeFAU/harvester/internal/sources/rss"
	"github.com/JakeFAU/harvester/internal/sources/x"
	"github.com/JakeFAU/harvester/internal/storage/gcs"
	"github.com/JakeFAU/harvester/internal/storage/local"
	memorystore "github.com/JakeFAU/harvester/internal/storage/memory"
	"github.com/JakeFAU/harvester/internal/storage/postgres"
	"github.com/JakeFAU/harvester/internal/storage/sqlite"
)

// App holds the shared, long-lived services. It is built once per command
// and closed when the command returns.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     harvest.Store
	scheduler *scrape.Scheduler
	pipeline  *ingest.Pipeline
	cursor    *ingest.Cursor
	events    *memorypublisher.Publisher
	closers   []func() error
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the record store.
func (a *App) Store() harvest.Store { return a.store }

// Scheduler returns the scrape scheduler.
func (a *App) Scheduler() *scrape.Scheduler { return a.scheduler }

// Pipeline returns the ingestion pipeline.
func (a *App) Pipeline() *ingest.Pipeline { return a.pipeline }

// Cursor returns the watermark reader.
func (a *App) Cursor() *ingest.Cursor { return a.cursor }

// Events returns the in-process notification log, or nil when notifications
// go to Pub/Sub.
func (a *App) Events() *memorypublisher.Publisher { return a.events }

// New creates and initializes the services described by cfg. It fails fast
// when a configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	logger.Info("initializing harvester services",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("asset_backend", cfg.Storage.AssetBackend),
		zap.Int("sources", len(cfg.Sources)))

	if a.store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	a.onClose(a.store.Close)

	backend, err := a.assetBackend(ctx)
	if err != nil {
		return nil, err
	}
	assetStore := assets.New(backend, assets.Config{MaxBytes: cfg.Storage.MaxAssetBytes}, logger)

	publisher, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	limiter := ratelimit.New(cfg.RateLimiter())
	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}

	br, err := browser.New(browser.Config{
		ExecutablePath:     cfg.Browser.ExecutablePath,
		Headless:           cfg.Browser.Headless,
		ProfileDir:         cfg.Browser.ProfileDir,
		UserAgent:          cfg.HTTP.UserAgent,
		ConnectionTimeout:  cfg.Browser.ConnectionTimeout,
		ConnectionMaxTries: cfg.Browser.ConnectionMaxTries,
		NavigationTimeout:  cfg.Browser.NavigationTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init browser: %w", err)
	}
	a.onClose(func() error { br.Close(); return nil })

	pages := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: true,
		Timeout:       cfg.HTTP.Timeout,
	})
	renderer, err := headlessfetcher.NewChromedp(br, headlessfetcher.Config{MaxParallel: cfg.Scrape.Concurrency})
	if err != nil {
		return nil, fmt.Errorf("init renderer: %w", err)
	}

	registry := scrape.NewRegistry()
	registry.Register(x.NewFamily(br, clock, x.Config{}, logger), "x.com", "twitter.com")
	registry.Register(rss.NewFamily(
		fetcher.Promoting{Primary: pages, Renderer: renderer, Detector: detector.NewHeuristic(0)},
		pages,
		a.store,
		clock,
		rss.Config{Staleness: cfg.FeedStaleness()},
		logger,
	), "*")

	deps := scrape.Deps{
		Registry: registry,
		Limiter:  limiter,
		Writer:   rawwriter.New(a.store, rawwriter.Config{WriteTimeout: cfg.Scrape.WriteTimeout}, logger),
		Downloader: assets.NewDownloader(assetStore, limiter, httpClient, assets.DownloaderConfig{
			Concurrency: cfg.Scrape.AssetConcurrency,
			UserAgent:   cfg.HTTP.UserAgent,
		}, logger),
		Clock:     clock,
		IDs:       uuid.New(),
		Publisher: publisher,
	}
	if cfg.Email.Enabled() {
		mailbox, mbErr := imap.New(imap.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			Mailbox:  cfg.Email.Mailbox,
			Timeout:  cfg.Email.Timeout,
		}, logger)
		if mbErr != nil {
			return nil, fmt.Errorf("init mailbox: %w", mbErr)
		}
		deps.OTP = otp.New(mailbox, otp.Config{
			Sender:       cfg.Email.SenderDomain,
			PollInterval: cfg.Scrape.OTPPollInterval,
		}, logger)
	} else {
		logger.Info("no mailbox configured; one-time code challenges will fail")
	}
	a.scheduler = scrape.New(deps, scrape.Config{
		Concurrency: cfg.Scrape.Concurrency,
		AuthTimeout: cfg.Scrape.AuthTimeout,
		OTPTimeout:  cfg.Scrape.OTPTimeout,
	}, logger)

	a.cursor = ingest.NewCursor(a.store)
	pdeps := ingest.Deps{
		Raw:        a.store,
		Canonical:  a.store,
		Cursor:     a.cursor,
		Normalizer: normalize.New(),
		Assets:     assetStore,
		Publisher:  publisher,
		Clock:      clock,
	}
	if cfg.Embeddings.Enabled {
		if pdeps.Embedder, err = embeddings.New(embeddings.Config{
			Provider:   cfg.Embeddings.Provider,
			BaseURL:    cfg.Embeddings.BaseURL,
			Model:      cfg.Embeddings.Model,
			APIKey:     cfg.Embeddings.APIKey,
			Dimensions: cfg.Embeddings.Dimensions,
			Timeout:    cfg.Embeddings.Timeout,
		}, logger); err != nil {
			return nil, fmt.Errorf("init embeddings: %w", err)
		}
	}
	a.pipeline = ingest.New(pdeps, ingest.Config{
		BatchLimit:   cfg.Ingest.BatchLimit,
		BatchTimeout: cfg.Ingest.BatchTimeout,
		MaxAttempts:  cfg.Ingest.MaxAttempts,
	}, logger)

	logger.Info("harvester services initialized")
	return a, nil
}

// Close releases every service in reverse order of construction.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (harvest.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: int32(cfg.MaxConns)})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "memory":
		return memorystore.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func (a *App) assetBackend(ctx context.Context) (assets.Backend, error) {
	sc := a.cfg.Storage
	switch sc.AssetBackend {
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose(client.Close)
		a.logger.Info("using GCS asset backend", zap.String("bucket", sc.GCSBucket))
		return gcs.New(client, gcs.Config{Bucket: sc.GCSBucket, Prefix: sc.GCSPrefix})
	case "local", "":
		backend, err := local.New(local.Config{BaseDir: sc.AssetsDir})
		if err != nil {
			return nil, fmt.Errorf("init local asset backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown asset backend: %s", sc.AssetBackend)
	}
}

func (a *App) publisher(ctx context.Context) (harvest.Publisher, error) {
	ps := a.cfg.PubSub
	if !ps.Enabled() {
		a.events = memorypublisher.New(memorypublisher.DefaultCapacity)
		return a.events, nil
	}
	client, err := pubsubapi.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.onClose(client.Close)
	pub, err := pubsubpublisher.New(client, ps.TopicName)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { pub.Stop(); return nil })
	a.logger.Info("publishing notifications to Pub/Sub", zap.String("topic", ps.TopicName))
	return pub, nil
}
