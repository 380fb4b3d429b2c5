package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// ErrWatermarkRegression is returned when a caller tries to move a watermark backward.
var ErrWatermarkRegression = errors.New("watermark regression")

// Cursor tracks the per-domain boundary of already normalized raw rows.
type Cursor struct {
	store harvest.CursorStore
}

// NewCursor wraps store.
func NewCursor(store harvest.CursorStore) *Cursor {
	return &Cursor{store: store}
}

// Read returns the watermark for domain; the zero time means nothing was processed yet.
func (c *Cursor) Read(ctx context.Context, domain string) (time.Time, error) {
	wm, err := c.store.LoadWatermark(ctx, domain)
	if err != nil {
		return time.Time{}, fmt.Errorf("read cursor %s: %w", domain, err)
	}
	return wm.UTC(), nil
}

// Advance moves the watermark for domain forward to watermark. Advancing to
// the current value is a no-op.
func (c *Cursor) Advance(ctx context.Context, domain string, watermark time.Time) error {
	current, err := c.Read(ctx, domain)
	if err != nil {
		return err
	}
	if watermark.Before(current) {
		return fmt.Errorf("%w: %s from %s to %s", ErrWatermarkRegression, domain,
			current.Format(time.RFC3339Nano), watermark.Format(time.RFC3339Nano))
	}
	if watermark.Equal(current) {
		return nil
	}
	if err := c.store.SaveWatermark(ctx, domain, watermark.UTC()); err != nil {
		return fmt.Errorf("advance cursor %s: %w", domain, err)
	}
	return nil
}
