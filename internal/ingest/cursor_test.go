package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memstore "github.com/JakeFAU/harvester/internal/storage/memory"
)

func TestCursorAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCursor(memstore.NewStore())

	wm, err := c.Read(ctx, "x.com")
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	require.NoError(t, c.Advance(ctx, "x.com", at(5)))
	require.NoError(t, c.Advance(ctx, "x.com", at(5)), "same watermark is a no-op")
	require.ErrorIs(t, c.Advance(ctx, "x.com", at(4)), ErrWatermarkRegression)

	wm, err = c.Read(ctx, "x.com")
	require.NoError(t, err)
	assert.Equal(t, at(5), wm)

	other, err := c.Read(ctx, "blog.example")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}
