package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// AppendRawPost inserts a raw post row. Rows are never updated.
func (s *Store) AppendRawPost(ctx context.Context, post harvest.RawPost) error {
	if err := s.ensurePartition(ctx, "raw_posts", post.ScrapedAt.UTC()); err != nil {
		return err
	}
	const query = `
INSERT INTO raw_posts (
	domain, post_id, url, post_created_at, scraped_at, source, request_url, payload
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		post.Domain,
		post.PostID,
		post.URL,
		post.PostCreatedAt,
		post.ScrapedAt,
		post.Source,
		post.RequestURL,
		post.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert raw post: %w", err)
	}
	return nil
}

// AppendRawAsset inserts a raw asset row. Rows are never updated.
func (s *Store) AppendRawAsset(ctx context.Context, asset harvest.RawAsset) error {
	if err := s.ensurePartition(ctx, "raw_assets", asset.ScrapedAt.UTC()); err != nil {
		return err
	}
	const query = `
INSERT INTO raw_assets (
	domain, post_id, url, asset_type, scraped_at, source, local_path
) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.pool.Exec(ctx, query,
		asset.Domain,
		asset.PostID,
		asset.URL,
		asset.AssetType,
		asset.ScrapedAt,
		asset.Source,
		asset.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("insert raw asset: %w", err)
	}
	return nil
}

// RawPostsAfter returns up to limit rows for domain with scraped_at > after,
// ordered by (scraped_at, post_id).
func (s *Store) RawPostsAfter(ctx context.Context, domain string, after time.Time, limit int) ([]harvest.RawPost, error) {
	const query = `
SELECT domain, post_id, url, post_created_at, scraped_at, source, request_url, payload
FROM raw_posts
WHERE domain = $1 AND scraped_at > $2
ORDER BY scraped_at, post_id
LIMIT $3`
	rows, err := s.pool.Query(ctx, query, domain, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query raw posts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.RawPost, error) {
		var p harvest.RawPost
		err := row.Scan(&p.Domain, &p.PostID, &p.URL, &p.PostCreatedAt, &p.ScrapedAt, &p.Source, &p.RequestURL, &p.Payload)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan raw posts: %w", err)
	}
	return out, nil
}

// RawAssetsFor returns every raw asset row recorded for the given posts.
func (s *Store) RawAssetsFor(ctx context.Context, domain string, postIDs []string) ([]harvest.RawAsset, error) {
	if len(postIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT domain, post_id, url, asset_type, scraped_at, source, local_path
FROM raw_assets
WHERE domain = $1 AND post_id = ANY($2)
ORDER BY scraped_at`
	rows, err := s.pool.Query(ctx, query, domain, postIDs)
	if err != nil {
		return nil, fmt.Errorf("query raw assets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.RawAsset, error) {
		var a harvest.RawAsset
		err := row.Scan(&a.Domain, &a.PostID, &a.URL, &a.AssetType, &a.ScrapedAt, &a.Source, &a.LocalPath)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan raw assets: %w", err)
	}
	return out, nil
}
