// Package browser owns the Chrome process shared by browser-driven sources.
package browser

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config holds browser launch parameters.
type Config struct {
	ExecutablePath     string
	Headless           bool
	ProfileDir         string
	UserAgent          string
	ConnectionTimeout  time.Duration
	ConnectionMaxTries int
	NavigationTimeout  time.Duration
}

// Browser is a lazily started Chrome instance. Tabs share its profile, so a
// session logged in on one tab stays logged in on the next.
type Browser struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New prepares the allocator; Chrome starts with the first tab.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.ConnectionMaxTries <= 0 {
		cfg.ConnectionMaxTries = 3
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ProfileDir != "" {
		if err := os.MkdirAll(cfg.ProfileDir, 0o755); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg)...)
	return &Browser{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel, logger: logger.Named("browser")}, nil
}

// AllocatorOptions translates cfg into chromedp flags.
func AllocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1280, 1800),
	)
	if cfg.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecutablePath))
	}
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// NavigationTimeout bounds one page load.
func (b *Browser) NavigationTimeout() time.Duration {
	return b.cfg.NavigationTimeout
}

// NewTab opens a tab, retrying the browser connection up to the configured
// number of tries. ctx cancellation closes the tab; so does the returned
// cancel function.
func (b *Browser) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.ConnectionMaxTries; attempt++ {
		tabCtx, cancel := chromedp.NewContext(b.allocator)
		stop := context.AfterFunc(ctx, cancel)
		release := func() {
			stop()
			cancel()
		}

		err := b.start(tabCtx)
		if err == nil {
			return tabCtx, release, nil
		}
		release()
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		b.logger.Warn("browser connection failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, nil, fmt.Errorf("start browser after %d tries: %w", b.cfg.ConnectionMaxTries, lastErr)
}

// start runs an empty action list, which launches Chrome and attaches the
// tab. The first Run must not carry a deadline since its context owns the tab.
func (b *Browser) start(tabCtx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tabCtx) }()
	timer := time.NewTimer(b.cfg.ConnectionTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return fmt.Errorf("no browser connection after %s", b.cfg.ConnectionTimeout)
	}
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.allocCancel()
}
