package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
)

func testConfig(t *testing.T, driver string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Sources: []config.SourceConfig{{Domain: "blog.example.com"}},
		Scrape:  config.ScrapeConfig{Concurrency: 2, WriteTimeout: time.Second},
		Storage: config.StorageConfig{
			Driver:       driver,
			DSN:          filepath.Join(dir, "harvester.db"),
			AssetsDir:    filepath.Join(dir, "assets"),
			AssetBackend: "local",
		},
		Browser: config.BrowserConfig{Headless: true},
		Ingest:  config.IngestConfig{BatchLimit: 10, MaxAttempts: 1},
		HTTP:    config.HTTPConfig{Timeout: time.Second, UserAgent: "test"},
		Server:  config.ServerConfig{Port: 8080},
	}
}

func TestNewWiresServices(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			a, err := app.New(context.Background(), testConfig(t, driver), zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(a.Close)

			assert.NotNil(t, a.Store())
			assert.NotNil(t, a.Scheduler())
			assert.NotNil(t, a.Pipeline())
			assert.NotNil(t, a.Events(), "no pubsub topic keeps events in memory")
			assert.Equal(t, "blog.example.com", a.Config().Sources[0].Domain)

			_, ok := a.Scheduler().Latest()
			assert.False(t, ok)
		})
	}
}

func TestPipelineRunsAgainstEmptyStore(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t, "memory"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	res, err := a.Pipeline().Process(context.Background(), "blog.example.com")
	require.NoError(t, err)
	assert.Zero(t, res.Read)

	wm, err := a.Cursor().Read(context.Background(), "blog.example.com")
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
}

func TestSchedulerRejectsUnknownFamily(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t, "memory"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	run := a.Scheduler().Run(context.Background(), []harvest.Source{{Name: "odd", Domain: "odd.example", Family: "gopher"}})
	require.Len(t, run.Sources, 1)
	assert.Equal(t, "UnsupportedSource", run.Sources[0].Reason)
	assert.Len(t, a.Events().Messages(), 1)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "bogus")
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown storage driver")

	cfg = testConfig(t, "memory")
	cfg.Storage.AssetBackend = "ftp"
	_, err = app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown asset backend")
}
