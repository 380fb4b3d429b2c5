// Package harvest defines the core types shared by the scrape and ingest subsystems.
package harvest

import (
	"encoding/json"
	"strings"
	"time"
)

// Source families understood by the registry.
const (
	FamilyX   = "x"
	FamilyRSS = "rss"
)

// Asset types that are recorded but never downloaded.
var skipDownloadTypes = map[string]struct{}{
	"iframe":  {},
	"link":    {},
	"youtube": {},
}

// Credentials hold the login material for an authenticated source.
type Credentials struct {
	Username string `mapstructure:"username" json:"-"`
	Email    string `mapstructure:"email" json:"-"`
	Password string `mapstructure:"password" json:"-"`
}

// Empty reports whether no login material was configured.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Source is one configured domain to scrape. It is immutable after load.
type Source struct {
	Name         string
	Domain       string
	Family       string
	Accounts     []string
	Credentials  Credentials
	RequireLogin bool
	MaxPosts     int
	MaxScrolls   int
	Pause        time.Duration
}

// Key returns the name used in run summaries and logs.
func (s Source) Key() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Domain
}

// Targets returns the account handles to scrape, or the domain itself when
// the source has no accounts.
func (s Source) Targets() []string {
	var out []string
	for _, account := range s.Accounts {
		handle := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(account), "@"))
		if handle != "" {
			out = append(out, handle)
		}
	}
	if len(out) == 0 {
		return []string{s.Domain}
	}
	return out
}

// RawPost is an unmodified capture of one post. Rows are append-only and
// duplicates across ScrapedAt are expected.
type RawPost struct {
	Domain        string     `json:"domain"`
	PostID        string     `json:"post_id"`
	URL           string     `json:"url"`
	PostCreatedAt *time.Time `json:"post_created_at,omitempty"`
	ScrapedAt     time.Time  `json:"scraped_at"`
	Source        string     `json:"source"`
	RequestURL    string     `json:"request_url"`
	Payload       []byte     `json:"payload"`
}

// RawAsset points at a captured binary artifact. An empty LocalPath means the
// asset was recorded without content.
type RawAsset struct {
	Domain    string    `json:"domain"`
	PostID    string    `json:"post_id"`
	URL       string    `json:"url"`
	AssetType string    `json:"asset_type"`
	ScrapedAt time.Time `json:"scraped_at"`
	Source    string    `json:"source"`
	LocalPath string    `json:"local_path"`
}

// AssetDiscovery is an asset reference found while capturing a post.
type AssetDiscovery struct {
	Domain    string
	PostID    string
	URL       string
	AssetType string
	Source    string
}

// ShouldDownload reports whether the asset body is fetched.
func (d AssetDiscovery) ShouldDownload() bool {
	_, skip := skipDownloadTypes[strings.ToLower(d.AssetType)]
	return !skip
}

// Capture is everything produced for one item by a source family.
type Capture struct {
	Post   RawPost
	Assets []AssetDiscovery
}

// Post is the canonical form of a captured post, keyed by (Domain, PostID).
type Post struct {
	Domain         string    `json:"domain"`
	PostID         string    `json:"post_id"`
	URL            string    `json:"url"`
	Author         string    `json:"author"`
	Title          string    `json:"title"`
	HTML           string    `json:"html"`
	TitleEmbedding []float32 `json:"title_embedding,omitempty"`
	HTMLEmbedding  []float32 `json:"html_embedding,omitempty"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Asset is the canonical form of a captured asset, keyed by (Domain, PostID, URL).
type Asset struct {
	Domain      string    `json:"domain"`
	PostID      string    `json:"post_id"`
	URL         string    `json:"url"`
	LocalPath   string    `json:"local_path"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Feed types stored in site_feeds.
const (
	FeedTypeAtom = "atom"
	FeedTypeRSS2 = "rss2"
	FeedTypeRSS1 = "rss1"
)

// SiteFeed is a discovered syndication endpoint, last-write-wins on ScrapedAt.
type SiteFeed struct {
	Domain    string    `json:"domain"`
	FeedURL   string    `json:"feed_url"`
	FeedType  string    `json:"feed_type"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// FeedPayload is the raw payload stored for one feed item: the item as parsed
// from the feed plus the article page it links to.
type FeedPayload struct {
	FeedType string          `json:"feed_type"`
	FeedURL  string          `json:"feed_url"`
	Item     json.RawMessage `json:"feed_item"`
	PageHTML string          `json:"page_html,omitempty"`
}

// PostKey identifies a canonical post.
type PostKey struct {
	Domain string
	PostID string
}

// Key returns the canonical key for the raw post.
func (p RawPost) Key() PostKey {
	return PostKey{Domain: p.Domain, PostID: p.PostID}
}

// Key returns the canonical key for the post.
func (p Post) Key() PostKey {
	return PostKey{Domain: p.Domain, PostID: p.PostID}
}

// AssetKey identifies a canonical asset.
type AssetKey struct {
	Domain string
	PostID string
	URL    string
}

// Key returns the canonical key for the asset.
func (a Asset) Key() AssetKey {
	return AssetKey{Domain: a.Domain, PostID: a.PostID, URL: a.URL}
}
