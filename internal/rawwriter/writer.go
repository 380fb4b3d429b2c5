// Package rawwriter persists raw captures durably before the scheduler moves on.
package rawwriter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
)

const defaultWriteTimeout = 30 * time.Second

// Config controls Writer behavior.
type Config struct {
	// WriteTimeout bounds a single append. Appends ignore caller
	// cancellation so a started write is never abandoned half way.
	WriteTimeout time.Duration
}

// Writer appends raw rows to a harvest.RawStore. It never updates or deletes
// rows and is safe for concurrent use when the store is.
type Writer struct {
	store  harvest.RawStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Writer.
func New(store harvest.RawStore, cfg Config, logger *zap.Logger) *Writer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, cfg: cfg, logger: logger.Named("rawwriter")}
}

// AppendPost returns once post is committed. Failures wrap harvest.ErrDurableWrite.
func (w *Writer) AppendPost(ctx context.Context, post harvest.RawPost) error {
	writeCtx, cancel := w.writeContext(ctx)
	defer cancel()
	if err := w.store.AppendRawPost(writeCtx, post); err != nil {
		metrics.ObserveItem(post.Domain, "raw_post", "failed")
		w.logger.Error("append raw post failed",
			zap.String("domain", post.Domain),
			zap.String("post_id", post.PostID),
			zap.Error(err))
		return fmt.Errorf("%w: raw post %s/%s: %w", harvest.ErrDurableWrite, post.Domain, post.PostID, err)
	}
	metrics.ObserveItem(post.Domain, "raw_post", "written")
	return nil
}

// AppendAsset returns once asset is committed. Failures wrap harvest.ErrDurableWrite.
func (w *Writer) AppendAsset(ctx context.Context, asset harvest.RawAsset) error {
	writeCtx, cancel := w.writeContext(ctx)
	defer cancel()
	if err := w.store.AppendRawAsset(writeCtx, asset); err != nil {
		metrics.ObserveItem(asset.Domain, "raw_asset", "failed")
		w.logger.Error("append raw asset failed",
			zap.String("domain", asset.Domain),
			zap.String("post_id", asset.PostID),
			zap.String("url", asset.URL),
			zap.Error(err))
		return fmt.Errorf("%w: raw asset %s: %w", harvest.ErrDurableWrite, asset.URL, err)
	}
	metrics.ObserveItem(asset.Domain, "raw_asset", "written")
	return nil
}

// AppendCapture writes the post and then its assets, stopping at the first failure.
func (w *Writer) AppendCapture(ctx context.Context, post harvest.RawPost, assets []harvest.RawAsset) error {
	if err := w.AppendPost(ctx, post); err != nil {
		return err
	}
	for _, asset := range assets {
		if err := w.AppendAsset(ctx, asset); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
}
