package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
sources = ["blog.example.com", { name = "news", domain = "news.example.org" }]

[storage]
driver = "memory"
assets_dir = "` + filepath.ToSlash(filepath.Join(dir, "assets")) + `"

[logging]
level = "error"
file = "` + filepath.ToSlash(filepath.Join(dir, "harvester.log")) + `"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root, cleanup := newRootCmd()
	t.Cleanup(cleanup)
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.ExecuteContext(context.Background())
}

func TestProcessCommand(t *testing.T) {
	path := writeConfig(t)

	require.NoError(t, execute(t, "process", "--config", path, "--once"))
	require.NoError(t, execute(t, "process", "--config", path, "--domain", "News.Example.org"))
	require.ErrorContains(t, execute(t, "process", "--config", path, "--domain", "other.net"), "not configured")
}

func TestScrapeCommandRejectsUnknownSource(t *testing.T) {
	path := writeConfig(t)

	err := execute(t, "scrape", "--config", path, "--source", "nope")
	require.ErrorContains(t, err, "no configured source matches")
}

func TestRootFailsOnBadConfig(t *testing.T) {
	err := execute(t, "process", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "load config")
}

func TestSelectSourcesAndDomains(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	all, err := selectSources(a, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := selectSources(a, []string{"news"})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, []string{"news.example.org"}, domainsOf(only))

	targets, err := processTargets(a, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"blog.example.com", "news.example.org"}, targets)
}

func TestEvery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		every(ctx, 5*time.Millisecond, func(context.Context) {
			if calls.Add(1) == 3 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("every did not stop after cancel")
	}
	assert.Equal(t, int32(3), calls.Load())

	every(context.Background(), 0, func(context.Context) { t.Fatal("disabled interval must not run") })
}
