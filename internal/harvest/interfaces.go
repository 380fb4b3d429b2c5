package harvest

import (
	"context"
	"time"
)

// RawStore persists append-only raw captures.
type RawStore interface {
	AppendRawPost(ctx context.Context, post RawPost) error
	AppendRawAsset(ctx context.Context, asset RawAsset) error
	// RawPostsAfter returns rows with ScrapedAt strictly after the watermark,
	// ordered by (ScrapedAt, PostID), at most limit rows.
	RawPostsAfter(ctx context.Context, domain string, after time.Time, limit int) ([]RawPost, error)
	// RawAssetsFor returns every raw asset row recorded for the given posts.
	RawAssetsFor(ctx context.Context, domain string, postIDs []string) ([]RawAsset, error)
}

// CanonicalStore holds last-write-wins canonical records. Upserts report
// whether the stored row changed.
type CanonicalStore interface {
	UpsertPost(ctx context.Context, post Post) (bool, error)
	UpsertAsset(ctx context.Context, asset Asset) (bool, error)
	GetPost(ctx context.Context, key PostKey) (Post, bool, error)
	GetAsset(ctx context.Context, key AssetKey) (Asset, bool, error)
}

// CursorStore persists per-domain ingestion watermarks. SaveWatermark never
// moves a stored watermark backward.
type CursorStore interface {
	LoadWatermark(ctx context.Context, domain string) (time.Time, error)
	SaveWatermark(ctx context.Context, domain string, watermark time.Time) error
}

// FeedStore tracks discovered syndication endpoints.
type FeedStore interface {
	UpsertSiteFeed(ctx context.Context, feed SiteFeed) (bool, error)
	SiteFeeds(ctx context.Context, domain string) ([]SiteFeed, error)
}

// Store bundles every persistence concern behind one backend.
type Store interface {
	RawStore
	CanonicalStore
	CursorStore
	FeedStore
	Close() error
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Embedder turns texts into fixed-length vectors, one per input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Publisher emits run and batch notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces stable digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Notification topics.
const (
	TopicScrapeRun   = "scrape.run"
	TopicIngestBatch = "ingest.batch"
)
