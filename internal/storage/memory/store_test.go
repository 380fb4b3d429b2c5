package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRawPostsAfterOrdersAndLimits(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b", "d"} {
		require.NoError(t, s.AppendRawPost(ctx, harvest.RawPost{Domain: "x.com", PostID: id, ScrapedAt: t0.Add(time.Duration(i%2) * time.Minute)}))
	}
	require.NoError(t, s.AppendRawPost(ctx, harvest.RawPost{Domain: "other.org", PostID: "z", ScrapedAt: t0.Add(time.Hour)}))

	rows, err := s.RawPostsAfter(ctx, "x.com", time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{rows[0].PostID, rows[1].PostID, rows[2].PostID})

	rows, err = s.RawPostsAfter(ctx, "x.com", t0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRawAppendDoesNotAlias(t *testing.T) {
	t.Parallel()

	s := NewStore()
	payload := []byte(`{"a":1}`)
	require.NoError(t, s.AppendRawPost(context.Background(), harvest.RawPost{Domain: "x.com", PostID: "1", Payload: payload}))
	payload[0] = 'X'
	assert.Equal(t, `{"a":1}`, string(s.RawPosts()[0].Payload))
}

func TestUpsertPostLastWriteWinsRegardlessOfOrder(t *testing.T) {
	t.Parallel()

	older := harvest.Post{Domain: "x.com", PostID: "42", Title: "old", UpdatedAt: t0}
	newer := harvest.Post{Domain: "x.com", PostID: "42", Title: "new", UpdatedAt: t0.Add(time.Second)}

	for _, order := range [][]harvest.Post{{older, newer}, {newer, older}} {
		s := NewStore()
		for _, p := range order {
			_, err := s.UpsertPost(context.Background(), p)
			require.NoError(t, err)
		}
		got, ok, err := s.GetPost(context.Background(), older.Key())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", got.Title)
	}
}

func TestUpsertConcurrentWritersConverge(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertAsset(context.Background(), harvest.Asset{
				Domain: "x.com", PostID: "1", URL: "u", SizeBytes: int64(i), UpdatedAt: t0.Add(time.Duration(i) * time.Second),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, ok, err := s.GetAsset(context.Background(), harvest.AssetKey{Domain: "x.com", PostID: "1", URL: "u"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(49), got.SizeBytes)
}

func TestUpsertSameVersionIsNoMutation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	p := harvest.Post{Domain: "x.com", PostID: "1", UpdatedAt: t0}
	changed, err := s.UpsertPost(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.UpsertPost(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestWatermarkNeverMovesBackward(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.SaveWatermark(ctx, "x.com", t0.Add(time.Hour)))
	require.NoError(t, s.SaveWatermark(ctx, "x.com", t0))
	wm, err := s.LoadWatermark(ctx, "x.com")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), wm)
}

func TestSiteFeedsLastWriteWins(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	_, err := s.UpsertSiteFeed(ctx, harvest.SiteFeed{Domain: "blog.org", FeedURL: "https://blog.org/feed", FeedType: harvest.FeedTypeRSS2, ScrapedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	changed, err := s.UpsertSiteFeed(ctx, harvest.SiteFeed{Domain: "blog.org", FeedURL: "https://blog.org/feed", FeedType: harvest.FeedTypeAtom, ScrapedAt: t0})
	require.NoError(t, err)
	assert.False(t, changed)

	feeds, err := s.SiteFeeds(ctx, "blog.org")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, harvest.FeedTypeRSS2, feeds[0].FeedType)
}

func TestPostsAreOrderedByKey(t *testing.T) {
	t.Parallel()

	s := NewStore()
	for _, key := range []harvest.PostKey{{Domain: "x.com", PostID: "2"}, {Domain: "blog.org", PostID: "9"}, {Domain: "x.com", PostID: "1"}} {
		_, err := s.UpsertPost(context.Background(), harvest.Post{Domain: key.Domain, PostID: key.PostID, UpdatedAt: t0})
		require.NoError(t, err)
	}

	var keys []harvest.PostKey
	for _, p := range s.Posts() {
		keys = append(keys, p.Key())
	}
	assert.Equal(t, []harvest.PostKey{
		{Domain: "blog.org", PostID: "9"},
		{Domain: "x.com", PostID: "1"},
		{Domain: "x.com", PostID: "2"},
	}, keys)
}
