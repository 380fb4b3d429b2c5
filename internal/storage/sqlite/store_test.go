package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "harvester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRawPostsRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	created := base.Add(-time.Hour)

	require.NoError(t, s.AppendRawPost(ctx, harvest.RawPost{
		Domain: "x.com", PostID: "42", URL: "u42", PostCreatedAt: &created,
		ScrapedAt: base.Add(time.Second), Source: "x", Payload: []byte(`{"v":2}`),
	}))
	require.NoError(t, s.AppendRawPost(ctx, harvest.RawPost{
		Domain: "x.com", PostID: "42", URL: "u42", ScrapedAt: base, Source: "x", Payload: []byte(`{"v":1}`),
	}))
	require.NoError(t, s.AppendRawPost(ctx, harvest.RawPost{
		Domain: "blog.org", PostID: "b", URL: "ub", ScrapedAt: base, Source: "rss",
	}))

	rows, err := s.RawPostsAfter(ctx, "x.com", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "duplicates are kept in the raw table")
	assert.Equal(t, `{"v":1}`, string(rows[0].Payload))
	assert.Nil(t, rows[0].PostCreatedAt)
	require.NotNil(t, rows[1].PostCreatedAt)
	assert.True(t, created.Equal(*rows[1].PostCreatedAt))

	rows, err = s.RawPostsAfter(ctx, "x.com", base, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, base.Add(time.Second), rows[0].ScrapedAt)
}

func TestRawAssetsFor(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.AppendRawAsset(ctx, harvest.RawAsset{
			Domain: "x.com", PostID: id, URL: "https://cdn/" + id, AssetType: "image", ScrapedAt: base, Source: "x",
		}))
	}

	got, err := s.RawAssetsFor(ctx, "x.com", []string{"1", "3"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.RawAssetsFor(ctx, "x.com", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertPostConvergesOnLatest(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	newer := harvest.Post{
		Domain: "x.com", PostID: "42", URL: "u", Title: "new", Source: "x",
		TitleEmbedding: []float32{0.5, -1.25}, CreatedAt: base, UpdatedAt: base.Add(2 * time.Second),
	}
	older := newer
	older.Title = "old"
	older.TitleEmbedding = nil
	older.UpdatedAt = base.Add(time.Second)

	changed, err := s.UpsertPost(ctx, newer)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpsertPost(ctx, older)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.UpsertPost(ctx, newer)
	require.NoError(t, err)
	assert.False(t, changed, "same updated_at is not a mutation")

	got, ok, err := s.GetPost(ctx, newer.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, []float32{0.5, -1.25}, got.TitleEmbedding)
	assert.Nil(t, got.HTMLEmbedding)
	assert.Equal(t, newer.UpdatedAt, got.UpdatedAt)

	_, ok, err = s.GetPost(ctx, harvest.PostKey{Domain: "x.com", PostID: "nope"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertAsset(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	a := harvest.Asset{Domain: "x.com", PostID: "42", URL: "u", LocalPath: "/a", ContentType: "image/png", SizeBytes: 10, Source: "x", CreatedAt: base, UpdatedAt: base}

	changed, err := s.UpsertAsset(ctx, a)
	require.NoError(t, err)
	assert.True(t, changed)

	a.SizeBytes = 20
	a.UpdatedAt = base.Add(time.Minute)
	changed, err = s.UpsertAsset(ctx, a)
	require.NoError(t, err)
	assert.True(t, changed)

	got, ok, err := s.GetAsset(ctx, a.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), got.SizeBytes)
}

func TestWatermarkIsMonotonic(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	wm, err := s.LoadWatermark(ctx, "x.com")
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	require.NoError(t, s.SaveWatermark(ctx, "x.com", base.Add(time.Hour)))
	require.NoError(t, s.SaveWatermark(ctx, "x.com", base))

	wm, err = s.LoadWatermark(ctx, "x.com")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), wm)
}

func TestSiteFeeds(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	feed := harvest.SiteFeed{Domain: "blog.org", FeedURL: "https://blog.org/feed", FeedType: harvest.FeedTypeRSS2, ScrapedAt: base}

	changed, err := s.UpsertSiteFeed(ctx, feed)
	require.NoError(t, err)
	assert.True(t, changed)

	stale := feed
	stale.FeedType = harvest.FeedTypeRSS1
	stale.ScrapedAt = base.Add(-time.Hour)
	changed, err = s.UpsertSiteFeed(ctx, stale)
	require.NoError(t, err)
	assert.False(t, changed)

	feeds, err := s.SiteFeeds(ctx, "blog.org")
	require.NoError(t, err)
	assert.Equal(t, []harvest.SiteFeed{feed}, feeds)
}

func TestVectorCodec(t *testing.T) {
	t.Parallel()

	in := []float32{0, 1.5, -3.25, 1e-7}
	b, ok := encodeVector(in).([]byte)
	require.True(t, ok)
	assert.Equal(t, in, decodeVector(b))
	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2, 3}))
}
