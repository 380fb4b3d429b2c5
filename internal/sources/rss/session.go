// Package rss captures posts from the syndication feeds a site advertises,
// together with the article page each item links to.
package rss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/fetcher"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/normalize"
	"github.com/JakeFAU/harvester/internal/scrape"
)

// FeedFetcher retrieves feed documents with an explicit Accept header.
type FeedFetcher interface {
	FetchAccept(ctx context.Context, url, accept string) (fetcher.Page, error)
}

// Config controls feed discovery.
type Config struct {
	// Staleness is how long a discovered feed is reused before the home page
	// is checked again.
	Staleness time.Duration
	// Scheme used for the home page, "https" unless set.
	Scheme string
}

// Family reads feeds for every domain it is registered for.
type Family struct {
	pages  fetcher.Fetcher
	feeds  FeedFetcher
	store  harvest.FeedStore
	clock  harvest.Clock
	cfg    Config
	logger *zap.Logger
}

var _ scrape.Family = (*Family)(nil)

// NewFamily builds the rss family. pages fetches home and article pages and
// may promote them to a browser; feeds fetches feed documents.
func NewFamily(pages fetcher.Fetcher, feeds FeedFetcher, store harvest.FeedStore, clock harvest.Clock, cfg Config, logger *zap.Logger) *Family {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 7 * 24 * time.Hour
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Family{pages: pages, feeds: feeds, store: store, clock: clock, cfg: cfg, logger: logger.Named("rss")}
}

// Name implements scrape.Family.
func (f *Family) Name() string { return harvest.FamilyRSS }

// Open implements scrape.Family. Feeds are per domain so target is ignored.
func (f *Family) Open(_ context.Context, src harvest.Source, _ string) (scrape.Session, error) {
	domain := strings.ToLower(strings.TrimSpace(src.Domain))
	if domain == "" {
		return nil, fmt.Errorf("%w: rss source without domain", harvest.ErrUnsupportedSource)
	}
	return &Session{family: f, domain: domain, logger: f.logger.With(zap.String("domain", domain))}, nil
}

// Session reads one site's feed.
type Session struct {
	family *Family
	domain string
	logger *zap.Logger
}

type entry struct {
	feedType string
	feedURL  string
	item     *gofeed.Item
}

var _ scrape.Session = (*Session)(nil)

// DetectAuthChallenge implements scrape.Session. Feeds are public.
func (s *Session) DetectAuthChallenge(context.Context) (scrape.Challenge, error) {
	return scrape.ChallengeNone, nil
}

// Login implements scrape.Session.
func (s *Session) Login(context.Context, harvest.Credentials) (scrape.Challenge, error) {
	return scrape.ChallengeNone, fmt.Errorf("%w: rss sources do not log in", harvest.ErrAuthentication)
}

// SubmitCode implements scrape.Session.
func (s *Session) SubmitCode(context.Context, string) error {
	return fmt.Errorf("%w: rss sources do not log in", harvest.ErrAuthentication)
}

// Close implements scrape.Session. A feed session holds no connections of its
// own; the fetchers belong to the family.
func (s *Session) Close() error { return nil }

// HomeURL is the page feeds are discovered from.
func (s *Session) HomeURL() string {
	return s.family.cfg.Scheme + "://" + s.domain
}

// ListItems returns every item of the preferred feed on step 0. A feed is a
// single page, so later steps and the drain are empty.
func (s *Session) ListItems(ctx context.Context, req scrape.ListRequest) (scrape.Listing, error) {
	if req.Drain || req.Step > 0 {
		return scrape.Listing{Done: true}, nil
	}
	link, err := s.resolveFeed(ctx)
	if err != nil {
		return scrape.Listing{}, err
	}
	page, err := s.family.feeds.FetchAccept(ctx, link.URL, AcceptHeader(link))
	if err != nil {
		return scrape.Listing{}, fmt.Errorf("fetch feed %s: %w", link.URL, err)
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(page.Body))
	if err != nil {
		return scrape.Listing{}, fmt.Errorf("parse feed %s: %w", link.URL, err)
	}
	feedType := DetectedType(feed, link.Type)

	var items []scrape.ItemRef
	for _, item := range feed.Items {
		u := strings.TrimSpace(item.Link)
		if u == "" {
			s.logger.Debug("feed item without link", zap.String("title", item.Title))
			continue
		}
		items = append(items, scrape.ItemRef{
			ID:   sha256.Sum(u),
			URL:  u,
			Data: entry{feedType: feedType, feedURL: link.URL, item: item},
		})
	}
	s.logger.Info("feed read", zap.String("feed", link.URL), zap.String("type", feedType), zap.Int("items", len(items)))
	return scrape.Listing{Items: items, Done: true}, nil
}

// resolveFeed reuses a recently discovered feed, else discovers feeds on the
// home page and records all of them.
func (s *Session) resolveFeed(ctx context.Context) (FeedLink, error) {
	known, err := s.family.store.SiteFeeds(ctx, s.domain)
	if err != nil {
		return FeedLink{}, fmt.Errorf("load site feeds: %w", err)
	}
	now := s.family.clock.Now()
	var fresh []FeedLink
	for _, f := range known {
		if now.Sub(f.ScrapedAt) < s.family.cfg.Staleness {
			fresh = append(fresh, FeedLink{URL: f.FeedURL, Type: f.FeedType})
		}
	}
	if link, ok := SelectFeed(fresh); ok {
		return link, nil
	}

	home, err := s.family.pages.Fetch(ctx, s.HomeURL())
	if err != nil {
		return FeedLink{}, fmt.Errorf("fetch home page: %w", err)
	}
	links := DiscoverFeeds(home)
	for _, l := range links {
		_, err := s.family.store.UpsertSiteFeed(ctx, harvest.SiteFeed{
			Domain: s.domain, FeedURL: l.URL, FeedType: l.Type, ScrapedAt: now,
		})
		if err != nil {
			return FeedLink{}, fmt.Errorf("record site feed: %w", err)
		}
	}
	link, ok := SelectFeed(links)
	if !ok {
		return FeedLink{}, fmt.Errorf("no feeds advertised by %s", s.HomeURL())
	}
	return link, nil
}

// DetectedType maps the parser's view of a feed onto the stored feed types,
// falling back to the advertised type.
func DetectedType(feed *gofeed.Feed, advertised string) string {
	switch strings.ToLower(feed.FeedType) {
	case "atom":
		return harvest.FeedTypeAtom
	case "rss":
		if feed.FeedVersion == "1.0" || feed.FeedVersion == "0.90" {
			return harvest.FeedTypeRSS1
		}
		return harvest.FeedTypeRSS2
	}
	if advertised != "" {
		return advertised
	}
	return harvest.FeedTypeRSS2
}

// FetchItem fetches the article page of a feed item and packs both into the
// raw payload. A page that cannot be fetched leaves page_html empty.
func (s *Session) FetchItem(ctx context.Context, ref scrape.ItemRef) (harvest.Capture, error) {
	e, ok := ref.Data.(entry)
	if !ok || e.item == nil {
		return harvest.Capture{}, fmt.Errorf("%w: item %s carries no feed entry", harvest.ErrMalformedPayload, ref.ID)
	}
	itemJSON, err := json.Marshal(e.item)
	if err != nil {
		return harvest.Capture{}, fmt.Errorf("%w: encode feed item: %w", harvest.ErrMalformedPayload, err)
	}

	var pageHTML string
	pageURL := ref.URL
	page, err := s.family.pages.Fetch(ctx, ref.URL)
	switch {
	case err != nil && ctx.Err() != nil:
		return harvest.Capture{}, ctx.Err()
	case err != nil:
		s.logger.Warn("article page unavailable", zap.String("url", ref.URL), zap.Error(err))
	default:
		pageHTML = string(page.Body)
		if page.URL != "" {
			pageURL = page.URL
		}
	}

	payload, err := json.Marshal(harvest.FeedPayload{
		FeedType: e.feedType,
		FeedURL:  e.feedURL,
		Item:     itemJSON,
		PageHTML: pageHTML,
	})
	if err != nil {
		return harvest.Capture{}, fmt.Errorf("encode payload: %w", err)
	}

	post := harvest.RawPost{
		Domain:        s.domain,
		PostID:        ref.ID,
		URL:           ref.URL,
		PostCreatedAt: publishedAt(e.item, pageHTML),
		ScrapedAt:     s.family.clock.Now(),
		Source:        harvest.FamilyRSS,
		RequestURL:    e.feedURL,
		Payload:       payload,
	}
	return harvest.Capture{Post: post, Assets: Discoveries(s.domain, ref.ID, e.item, pageHTML, pageURL)}, nil
}

func publishedAt(item *gofeed.Item, pageHTML string) *time.Time {
	for _, t := range []*time.Time{item.PublishedParsed, item.UpdatedParsed} {
		if t != nil {
			utc := t.UTC()
			return &utc
		}
	}
	return normalize.ExtractPageMetadata(pageHTML).PublishedAt
}

// Discoveries lists the assets of a feed item: its image and enclosures plus
// the iframes embedded in the article page.
func Discoveries(domain, postID string, item *gofeed.Item, pageHTML, pageURL string) []harvest.AssetDiscovery {
	var (
		out  []harvest.AssetDiscovery
		seen = map[string]struct{}{}
	)
	add := func(u, kind string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		u = resolve(pageURL, u)
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		out = append(out, harvest.AssetDiscovery{Domain: domain, PostID: postID, URL: u, AssetType: kind, Source: harvest.FamilyRSS})
	}

	if item.Image != nil {
		add(item.Image.URL, "image")
	}
	for _, enc := range item.Enclosures {
		if enc != nil {
			add(enc.URL, enclosureType(enc.Type))
		}
	}
	if pageHTML == "" {
		return out
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return out
	}
	doc.Find("iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		src := sel.AttrOr("src", "")
		if harvest.IsYouTubeURL(src) {
			add(src, "youtube")
			return
		}
		add(src, "iframe")
	})
	return out
}

func enclosureType(mimeType string) string {
	mimeType = strings.ToLower(mimeType)
	for _, kind := range []string{"image", "video", "audio"} {
		if strings.HasPrefix(mimeType, kind+"/") {
			return kind
		}
	}
	return "link"
}
