package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Store implements harvest.Store in memory. Raw rows are append-only and
// canonical rows follow last-write-wins on UpdatedAt.
type Store struct {
	mu        sync.RWMutex
	rawPosts  []harvest.RawPost
	rawAssets []harvest.RawAsset
	posts     map[harvest.PostKey]harvest.Post
	assets    map[harvest.AssetKey]harvest.Asset
	cursors   map[string]time.Time
	feeds     map[string]map[string]harvest.SiteFeed
}

var _ harvest.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		posts:   make(map[harvest.PostKey]harvest.Post),
		assets:  make(map[harvest.AssetKey]harvest.Asset),
		cursors: make(map[string]time.Time),
		feeds:   make(map[string]map[string]harvest.SiteFeed),
	}
}

// AppendRawPost appends a raw post row.
func (s *Store) AppendRawPost(_ context.Context, post harvest.RawPost) error {
	post.Payload = append([]byte(nil), post.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawPosts = append(s.rawPosts, post)
	return nil
}

// AppendRawAsset appends a raw asset row.
func (s *Store) AppendRawAsset(_ context.Context, asset harvest.RawAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawAssets = append(s.rawAssets, asset)
	return nil
}

// RawPostsAfter returns domain rows newer than after, ordered by (ScrapedAt, PostID).
func (s *Store) RawPostsAfter(_ context.Context, domain string, after time.Time, limit int) ([]harvest.RawPost, error) {
	s.mu.RLock()
	var out []harvest.RawPost
	for _, row := range s.rawPosts {
		if row.Domain == domain && row.ScrapedAt.After(after) {
			out = append(out, row)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScrapedAt.Equal(out[j].ScrapedAt) {
			return out[i].ScrapedAt.Before(out[j].ScrapedAt)
		}
		return out[i].PostID < out[j].PostID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RawAssetsFor returns raw asset rows for the given posts.
func (s *Store) RawAssetsFor(_ context.Context, domain string, postIDs []string) ([]harvest.RawAsset, error) {
	wanted := make(map[string]struct{}, len(postIDs))
	for _, id := range postIDs {
		wanted[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.RawAsset
	for _, row := range s.rawAssets {
		if _, ok := wanted[row.PostID]; ok && row.Domain == domain {
			out = append(out, row)
		}
	}
	return out, nil
}

// UpsertPost stores post unless a row with an equal or newer UpdatedAt exists.
func (s *Store) UpsertPost(_ context.Context, post harvest.Post) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.posts[post.Key()]; ok && !existing.UpdatedAt.Before(post.UpdatedAt) {
		return false, nil
	}
	s.posts[post.Key()] = post
	return true, nil
}

// UpsertAsset stores asset unless a row with an equal or newer UpdatedAt exists.
func (s *Store) UpsertAsset(_ context.Context, asset harvest.Asset) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.assets[asset.Key()]; ok && !existing.UpdatedAt.Before(asset.UpdatedAt) {
		return false, nil
	}
	s.assets[asset.Key()] = asset
	return true, nil
}

// GetPost returns the canonical post for key.
func (s *Store) GetPost(_ context.Context, key harvest.PostKey) (harvest.Post, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[key]
	return post, ok, nil
}

// GetAsset returns the canonical asset for key.
func (s *Store) GetAsset(_ context.Context, key harvest.AssetKey) (harvest.Asset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[key]
	return asset, ok, nil
}

// LoadWatermark returns the stored watermark, or the zero time.
func (s *Store) LoadWatermark(_ context.Context, domain string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[domain], nil
}

// SaveWatermark stores watermark if it is newer than the current one.
func (s *Store) SaveWatermark(_ context.Context, domain string, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watermark.After(s.cursors[domain]) {
		s.cursors[domain] = watermark
	}
	return nil
}

// UpsertSiteFeed stores feed unless a newer ScrapedAt is already recorded.
func (s *Store) UpsertSiteFeed(_ context.Context, feed harvest.SiteFeed) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byURL, ok := s.feeds[feed.Domain]
	if !ok {
		byURL = make(map[string]harvest.SiteFeed)
		s.feeds[feed.Domain] = byURL
	}
	if existing, ok := byURL[feed.FeedURL]; ok && !existing.ScrapedAt.Before(feed.ScrapedAt) {
		return false, nil
	}
	byURL[feed.FeedURL] = feed
	return true, nil
}

// SiteFeeds lists the feeds recorded for domain, newest first.
func (s *Store) SiteFeeds(_ context.Context, domain string) ([]harvest.SiteFeed, error) {
	s.mu.RLock()
	out := make([]harvest.SiteFeed, 0, len(s.feeds[domain]))
	for _, feed := range s.feeds[domain] {
		out = append(out, feed)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScrapedAt.Equal(out[j].ScrapedAt) {
			return out[i].ScrapedAt.After(out[j].ScrapedAt)
		}
		return out[i].FeedURL < out[j].FeedURL
	})
	return out, nil
}

// RawPosts returns a snapshot of every raw post row in append order.
func (s *Store) RawPosts() []harvest.RawPost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.RawPost(nil), s.rawPosts...)
}

// RawAssets returns a snapshot of every raw asset row in append order.
func (s *Store) RawAssets() []harvest.RawAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.RawAsset(nil), s.rawAssets...)
}

// Posts returns every canonical post ordered by domain and post id.
func (s *Store) Posts() []harvest.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].PostID < out[j].PostID
	})
	return out
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
