package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTabs struct {
	nav time.Duration
	err error
}

func (s stubTabs) NewTab(context.Context) (context.Context, context.CancelFunc, error) {
	return nil, nil, s.err
}

func (s stubTabs) NavigationTimeout() time.Duration { return s.nav }

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(stubTabs{}, Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(stubTabs{}, Config{MaxParallel: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, cap(f.limiter))
	assert.Equal(t, 500*time.Millisecond, f.cfg.Settle)
}

func TestFetcherNavTimeout(t *testing.T) {
	t.Parallel()

	f := &Fetcher{tabs: stubTabs{}}
	assert.Equal(t, 45*time.Second, f.navTimeout())
	f.tabs = stubTabs{nav: time.Second}
	assert.Equal(t, time.Second, f.navTimeout())
}

func TestFetchSurfacesTabErrors(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(stubTabs{err: errors.New("no chrome")}, Config{MaxParallel: 1})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://example.com")
	require.ErrorContains(t, err, "no chrome")

	// The slot is returned after a failure.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.acquire(ctx))
	f.release()
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 204, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)
}
