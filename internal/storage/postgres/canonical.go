package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// UpsertPost writes post unless the stored row has an equal or newer
// updated_at. It reports whether a row was inserted or replaced.
func (s *Store) UpsertPost(ctx context.Context, post harvest.Post) (bool, error) {
	const query = `
INSERT INTO posts (
	domain, post_id, url, author, title, html,
	title_embedding, html_embedding, source, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (domain, post_id) DO UPDATE SET
	url = EXCLUDED.url,
	author = EXCLUDED.author,
	title = EXCLUDED.title,
	html = EXCLUDED.html,
	title_embedding = EXCLUDED.title_embedding,
	html_embedding = EXCLUDED.html_embedding,
	source = EXCLUDED.source,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at
WHERE posts.updated_at < EXCLUDED.updated_at`
	tag, err := s.pool.Exec(ctx, query,
		post.Domain,
		post.PostID,
		post.URL,
		post.Author,
		post.Title,
		post.HTML,
		vector(post.TitleEmbedding),
		vector(post.HTMLEmbedding),
		post.Source,
		post.CreatedAt,
		post.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertAsset writes asset unless the stored row has an equal or newer updated_at.
func (s *Store) UpsertAsset(ctx context.Context, asset harvest.Asset) (bool, error) {
	const query = `
INSERT INTO assets (
	domain, post_id, url, local_path, content_type, size_bytes, source, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (domain, post_id, url) DO UPDATE SET
	local_path = EXCLUDED.local_path,
	content_type = EXCLUDED.content_type,
	size_bytes = EXCLUDED.size_bytes,
	source = EXCLUDED.source,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at
WHERE assets.updated_at < EXCLUDED.updated_at`
	tag, err := s.pool.Exec(ctx, query,
		asset.Domain,
		asset.PostID,
		asset.URL,
		asset.LocalPath,
		asset.ContentType,
		asset.SizeBytes,
		asset.Source,
		asset.CreatedAt,
		asset.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert asset: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPost loads the canonical post for key.
func (s *Store) GetPost(ctx context.Context, key harvest.PostKey) (harvest.Post, bool, error) {
	const query = `
SELECT domain, post_id, url, author, title, html,
	title_embedding, html_embedding, source, created_at, updated_at
FROM posts
WHERE domain = $1 AND post_id = $2`
	var (
		p             harvest.Post
		titleV, htmlV *pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, query, key.Domain, key.PostID).Scan(
		&p.Domain, &p.PostID, &p.URL, &p.Author, &p.Title, &p.HTML,
		&titleV, &htmlV, &p.Source, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Post{}, false, nil
	}
	if err != nil {
		return harvest.Post{}, false, fmt.Errorf("select post: %w", err)
	}
	if titleV != nil {
		p.TitleEmbedding = titleV.Slice()
	}
	if htmlV != nil {
		p.HTMLEmbedding = htmlV.Slice()
	}
	return p, true, nil
}

// GetAsset loads the canonical asset for key.
func (s *Store) GetAsset(ctx context.Context, key harvest.AssetKey) (harvest.Asset, bool, error) {
	const query = `
SELECT domain, post_id, url, local_path, content_type, size_bytes, source, created_at, updated_at
FROM assets
WHERE domain = $1 AND post_id = $2 AND url = $3`
	var a harvest.Asset
	err := s.pool.QueryRow(ctx, query, key.Domain, key.PostID, key.URL).Scan(
		&a.Domain, &a.PostID, &a.URL, &a.LocalPath, &a.ContentType, &a.SizeBytes, &a.Source, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Asset{}, false, nil
	}
	if err != nil {
		return harvest.Asset{}, false, fmt.Errorf("select asset: %w", err)
	}
	return a, true, nil
}

// LoadWatermark returns the stored watermark for domain, or the zero time.
func (s *Store) LoadWatermark(ctx context.Context, domain string) (time.Time, error) {
	var wm time.Time
	err := s.pool.QueryRow(ctx, `SELECT watermark FROM ingest_cursors WHERE domain = $1`, domain).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("select watermark: %w", err)
	}
	return wm, nil
}

// SaveWatermark stores watermark; an older value never replaces a newer one.
func (s *Store) SaveWatermark(ctx context.Context, domain string, watermark time.Time) error {
	const query = `
INSERT INTO ingest_cursors (domain, watermark, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (domain) DO UPDATE SET
	watermark = EXCLUDED.watermark,
	updated_at = EXCLUDED.updated_at
WHERE ingest_cursors.watermark < EXCLUDED.watermark`
	if _, err := s.pool.Exec(ctx, query, domain, watermark); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// UpsertSiteFeed records feed, last-write-wins on scraped_at.
func (s *Store) UpsertSiteFeed(ctx context.Context, feed harvest.SiteFeed) (bool, error) {
	const query = `
INSERT INTO site_feeds (domain, feed_url, feed_type, scraped_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (domain, feed_url) DO UPDATE SET
	feed_type = EXCLUDED.feed_type,
	scraped_at = EXCLUDED.scraped_at
WHERE site_feeds.scraped_at < EXCLUDED.scraped_at`
	tag, err := s.pool.Exec(ctx, query, feed.Domain, feed.FeedURL, feed.FeedType, feed.ScrapedAt)
	if err != nil {
		return false, fmt.Errorf("upsert site feed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SiteFeeds lists the feeds recorded for domain, newest first.
func (s *Store) SiteFeeds(ctx context.Context, domain string) ([]harvest.SiteFeed, error) {
	const query = `
SELECT domain, feed_url, feed_type, scraped_at
FROM site_feeds
WHERE domain = $1
ORDER BY scraped_at DESC, feed_url`
	rows, err := s.pool.Query(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("query site feeds: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.SiteFeed, error) {
		var f harvest.SiteFeed
		err := row.Scan(&f.Domain, &f.FeedURL, &f.FeedType, &f.ScrapedAt)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan site feeds: %w", err)
	}
	return out, nil
}

func vector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}
