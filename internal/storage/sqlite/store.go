// Package sqlite provides an embedded single-file store for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/harvester/internal/harvest"
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_posts (
	domain          TEXT    NOT NULL,
	post_id         TEXT    NOT NULL,
	url             TEXT    NOT NULL,
	post_created_at INTEGER,
	scraped_at      INTEGER NOT NULL,
	source          TEXT    NOT NULL,
	request_url     TEXT    NOT NULL DEFAULT '',
	payload         BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_posts_domain_scraped ON raw_posts(domain, scraped_at, post_id);

CREATE TABLE IF NOT EXISTS raw_assets (
	domain     TEXT    NOT NULL,
	post_id    TEXT    NOT NULL,
	url        TEXT    NOT NULL,
	asset_type TEXT    NOT NULL,
	scraped_at INTEGER NOT NULL,
	source     TEXT    NOT NULL,
	local_path TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_raw_assets_domain_post ON raw_assets(domain, post_id);

CREATE TABLE IF NOT EXISTS posts (
	domain          TEXT    NOT NULL,
	post_id         TEXT    NOT NULL,
	url             TEXT    NOT NULL,
	author          TEXT    NOT NULL DEFAULT '',
	title           TEXT    NOT NULL DEFAULT '',
	html            TEXT    NOT NULL DEFAULT '',
	title_embedding BLOB,
	html_embedding  BLOB,
	source          TEXT    NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (domain, post_id)
);

CREATE TABLE IF NOT EXISTS assets (
	domain       TEXT    NOT NULL,
	post_id      TEXT    NOT NULL,
	url          TEXT    NOT NULL,
	local_path   TEXT    NOT NULL,
	content_type TEXT    NOT NULL,
	size_bytes   INTEGER NOT NULL,
	source       TEXT    NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (domain, post_id, url)
);

CREATE TABLE IF NOT EXISTS site_feeds (
	domain     TEXT    NOT NULL,
	feed_url   TEXT    NOT NULL,
	feed_type  TEXT    NOT NULL,
	scraped_at INTEGER NOT NULL,
	PRIMARY KEY (domain, feed_url)
);

CREATE TABLE IF NOT EXISTS ingest_cursors (
	domain    TEXT    PRIMARY KEY,
	watermark INTEGER NOT NULL
);
`

// Store implements harvest.Store on a SQLite file. Times are stored as UTC
// unix nanoseconds so ordering comparisons stay exact.
type Store struct {
	db *sql.DB
}

var _ harvest.Store = (*Store)(nil)

// Open creates (if needed) and opens the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendRawPost inserts a raw post row.
func (s *Store) AppendRawPost(ctx context.Context, p harvest.RawPost) error {
	var created sql.NullInt64
	if p.PostCreatedAt != nil {
		created = sql.NullInt64{Int64: p.PostCreatedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_posts (domain, post_id, url, post_created_at, scraped_at, source, request_url, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Domain, p.PostID, p.URL, created, p.ScrapedAt.UnixNano(), p.Source, p.RequestURL, nonNil(p.Payload))
	if err != nil {
		return fmt.Errorf("inserting raw post: %w", err)
	}
	return nil
}

// AppendRawAsset inserts a raw asset row.
func (s *Store) AppendRawAsset(ctx context.Context, a harvest.RawAsset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_assets (domain, post_id, url, asset_type, scraped_at, source, local_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Domain, a.PostID, a.URL, a.AssetType, a.ScrapedAt.UnixNano(), a.Source, a.LocalPath)
	if err != nil {
		return fmt.Errorf("inserting raw asset: %w", err)
	}
	return nil
}

// RawPostsAfter returns up to limit rows with scraped_at > after, ordered by (scraped_at, post_id).
func (s *Store) RawPostsAfter(ctx context.Context, domain string, after time.Time, limit int) ([]harvest.RawPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, post_id, url, post_created_at, scraped_at, source, request_url, payload
		FROM raw_posts
		WHERE domain = ? AND scraped_at > ?
		ORDER BY scraped_at, post_id
		LIMIT ?`, domain, unixNano(after), limit)
	if err != nil {
		return nil, fmt.Errorf("querying raw posts: %w", err)
	}
	defer rows.Close()

	var out []harvest.RawPost
	for rows.Next() {
		var (
			p       harvest.RawPost
			created sql.NullInt64
			scraped int64
		)
		if err := rows.Scan(&p.Domain, &p.PostID, &p.URL, &created, &scraped, &p.Source, &p.RequestURL, &p.Payload); err != nil {
			return nil, fmt.Errorf("scanning raw post: %w", err)
		}
		p.ScrapedAt = fromNano(scraped)
		if created.Valid {
			t := fromNano(created.Int64)
			p.PostCreatedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RawAssetsFor returns raw asset rows for the given posts.
func (s *Store) RawAssetsFor(ctx context.Context, domain string, postIDs []string) ([]harvest.RawAsset, error) {
	if len(postIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(postIDs)+1)
	args = append(args, domain)
	for _, id := range postIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(postIDs)), ",")
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, post_id, url, asset_type, scraped_at, source, local_path
		FROM raw_assets
		WHERE domain = ? AND post_id IN (`+placeholders+`)
		ORDER BY scraped_at`, args...) //nolint:gosec // placeholders only
	if err != nil {
		return nil, fmt.Errorf("querying raw assets: %w", err)
	}
	defer rows.Close()

	var out []harvest.RawAsset
	for rows.Next() {
		var (
			a       harvest.RawAsset
			scraped int64
		)
		if err := rows.Scan(&a.Domain, &a.PostID, &a.URL, &a.AssetType, &scraped, &a.Source, &a.LocalPath); err != nil {
			return nil, fmt.Errorf("scanning raw asset: %w", err)
		}
		a.ScrapedAt = fromNano(scraped)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertPost writes p unless the stored row has an equal or newer updated_at.
func (s *Store) UpsertPost(ctx context.Context, p harvest.Post) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (domain, post_id, url, author, title, html, title_embedding, html_embedding, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, post_id) DO UPDATE SET
			url = excluded.url,
			author = excluded.author,
			title = excluded.title,
			html = excluded.html,
			title_embedding = excluded.title_embedding,
			html_embedding = excluded.html_embedding,
			source = excluded.source,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE posts.updated_at < excluded.updated_at`,
		p.Domain, p.PostID, p.URL, p.Author, p.Title, p.HTML,
		encodeVector(p.TitleEmbedding), encodeVector(p.HTMLEmbedding),
		p.Source, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("upserting post %s: %w", p.PostID, err)
	}
	return affected(res)
}

// UpsertAsset writes a unless the stored row has an equal or newer updated_at.
func (s *Store) UpsertAsset(ctx context.Context, a harvest.Asset) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (domain, post_id, url, local_path, content_type, size_bytes, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, post_id, url) DO UPDATE SET
			local_path = excluded.local_path,
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes,
			source = excluded.source,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE assets.updated_at < excluded.updated_at`,
		a.Domain, a.PostID, a.URL, a.LocalPath, a.ContentType, a.SizeBytes, a.Source,
		a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("upserting asset %s: %w", a.URL, err)
	}
	return affected(res)
}

// GetPost loads the canonical post for key.
func (s *Store) GetPost(ctx context.Context, key harvest.PostKey) (harvest.Post, bool, error) {
	var (
		p                harvest.Post
		titleV, htmlV    []byte
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, post_id, url, author, title, html, title_embedding, html_embedding, source, created_at, updated_at
		FROM posts WHERE domain = ? AND post_id = ?`, key.Domain, key.PostID).
		Scan(&p.Domain, &p.PostID, &p.URL, &p.Author, &p.Title, &p.HTML, &titleV, &htmlV, &p.Source, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Post{}, false, nil
	}
	if err != nil {
		return harvest.Post{}, false, fmt.Errorf("selecting post: %w", err)
	}
	p.TitleEmbedding = decodeVector(titleV)
	p.HTMLEmbedding = decodeVector(htmlV)
	p.CreatedAt, p.UpdatedAt = fromNano(created), fromNano(updated)
	return p, true, nil
}

// GetAsset loads the canonical asset for key.
func (s *Store) GetAsset(ctx context.Context, key harvest.AssetKey) (harvest.Asset, bool, error) {
	var (
		a                harvest.Asset
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, post_id, url, local_path, content_type, size_bytes, source, created_at, updated_at
		FROM assets WHERE domain = ? AND post_id = ? AND url = ?`, key.Domain, key.PostID, key.URL).
		Scan(&a.Domain, &a.PostID, &a.URL, &a.LocalPath, &a.ContentType, &a.SizeBytes, &a.Source, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Asset{}, false, nil
	}
	if err != nil {
		return harvest.Asset{}, false, fmt.Errorf("selecting asset: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = fromNano(created), fromNano(updated)
	return a, true, nil
}

// LoadWatermark returns the stored watermark for domain, or the zero time.
func (s *Store) LoadWatermark(ctx context.Context, domain string) (time.Time, error) {
	var wm int64
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM ingest_cursors WHERE domain = ?`, domain).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("selecting watermark: %w", err)
	}
	return fromNano(wm), nil
}

// SaveWatermark stores watermark; an older value never replaces a newer one.
func (s *Store) SaveWatermark(ctx context.Context, domain string, watermark time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_cursors (domain, watermark) VALUES (?, ?)
		ON CONFLICT(domain) DO UPDATE SET watermark = excluded.watermark
		WHERE ingest_cursors.watermark < excluded.watermark`, domain, unixNano(watermark))
	if err != nil {
		return fmt.Errorf("saving watermark: %w", err)
	}
	return nil
}

// UpsertSiteFeed records f, last-write-wins on scraped_at.
func (s *Store) UpsertSiteFeed(ctx context.Context, f harvest.SiteFeed) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO site_feeds (domain, feed_url, feed_type, scraped_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(domain, feed_url) DO UPDATE SET
			feed_type = excluded.feed_type,
			scraped_at = excluded.scraped_at
		WHERE site_feeds.scraped_at < excluded.scraped_at`,
		f.Domain, f.FeedURL, f.FeedType, f.ScrapedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("upserting site feed: %w", err)
	}
	return affected(res)
}

// SiteFeeds lists the feeds recorded for domain, newest first.
func (s *Store) SiteFeeds(ctx context.Context, domain string) ([]harvest.SiteFeed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, feed_url, feed_type, scraped_at FROM site_feeds
		WHERE domain = ? ORDER BY scraped_at DESC, feed_url`, domain)
	if err != nil {
		return nil, fmt.Errorf("querying site feeds: %w", err)
	}
	defer rows.Close()

	var out []harvest.SiteFeed
	for rows.Next() {
		var (
			f       harvest.SiteFeed
			scraped int64
		)
		if err := rows.Scan(&f.Domain, &f.FeedURL, &f.FeedType, &scraped); err != nil {
			return nil, fmt.Errorf("scanning site feed: %w", err)
		}
		f.ScrapedAt = fromNano(scraped)
		out = append(out, f)
	}
	return out, rows.Err()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// unixNano maps the zero time to 0 so "after zero" reads every row.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
