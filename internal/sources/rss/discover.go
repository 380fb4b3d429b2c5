package rss

import (
	"bytes"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvester/internal/fetcher"
	"github.com/JakeFAU/harvester/internal/harvest"
)

var mimeHints = []string{"rss", "atom", "xml", "rdf"}

var typeOrder = []string{harvest.FeedTypeAtom, harvest.FeedTypeRSS2, harvest.FeedTypeRSS1}

// FeedLink is a feed advertised by a site.
type FeedLink struct {
	URL      string
	Type     string
	MIMEType string
}

// DiscoverFeeds returns the feeds a home page advertises in its head, from
// the alternates the fetcher collected and from rel="feed" links in the body
// markup. Relative links are resolved against the page URL.
func DiscoverFeeds(page fetcher.Page) []FeedLink {
	var (
		out  []FeedLink
		seen = map[string]struct{}{}
	)
	add := func(rel, href, mimeType string) {
		rel = strings.ToLower(rel)
		mimeType = strings.ToLower(strings.TrimSpace(mimeType))
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if !strings.Contains(rel, "alternate") && !strings.Contains(rel, "feed") {
			return
		}
		if mimeType != "" && !hasHint(mimeType) {
			return
		}
		abs := resolve(page.URL, href)
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, FeedLink{URL: abs, Type: feedTypeFromMIME(mimeType), MIMEType: mimeType})
	}

	for _, alt := range page.Alternates {
		add("alternate", alt.Href, alt.Type)
	}
	if len(page.Body) == 0 {
		return out
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return out
	}
	doc.Find("head link[href]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("rel", ""), s.AttrOr("href", ""), s.AttrOr("type", ""))
	})
	return out
}

// SelectFeed returns the preferred feed: atom, then rss2, then rss1. Ties keep
// document order.
func SelectFeed(links []FeedLink) (FeedLink, bool) {
	if len(links) == 0 {
		return FeedLink{}, false
	}
	sorted := slices.Clone(links)
	slices.SortStableFunc(sorted, func(a, b FeedLink) int {
		return rank(a.Type) - rank(b.Type)
	})
	return sorted[0], true
}

func rank(feedType string) int {
	if i := slices.Index(typeOrder, feedType); i >= 0 {
		return i
	}
	return len(typeOrder)
}

func feedTypeFromMIME(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "atom"):
		return harvest.FeedTypeAtom
	case strings.Contains(mimeType, "rdf"):
		return harvest.FeedTypeRSS1
	default:
		return harvest.FeedTypeRSS2
	}
}

// AcceptHeader lists the media types to request for link.
func AcceptHeader(link FeedLink) string {
	if link.MIMEType != "" {
		return link.MIMEType
	}
	switch link.Type {
	case harvest.FeedTypeAtom:
		return "application/atom+xml, application/xml, text/xml"
	case harvest.FeedTypeRSS1:
		return "application/rdf+xml, application/xml, text/xml"
	default:
		return "application/rss+xml, application/xml, text/xml"
	}
}

func hasHint(mimeType string) bool {
	for _, h := range mimeHints {
		if strings.Contains(mimeType, h) {
			return true
		}
	}
	return false
}

func resolve(base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}
