// Package fetcher defines the page fetch contract shared by the HTTP and
// browser implementations.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Alternate is a <link rel="alternate"> found in a page head.
type Alternate struct {
	Href  string
	Type  string
	Title string
}

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Alternates []Alternate
	Duration   time.Duration
	Rendered   bool
}

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Detector decides whether a plain HTTP page must be re-fetched with a browser.
type Detector interface {
	ShouldPromote(page Page) bool
}

// Promoting fetches with Primary and re-fetches with Renderer when Detector
// says the page depends on JavaScript. A renderer failure falls back to the
// primary page.
type Promoting struct {
	Primary  Fetcher
	Renderer Fetcher
	Detector Detector
}

// Fetch implements Fetcher.
func (p Promoting) Fetch(ctx context.Context, url string) (Page, error) {
	page, err := p.Primary.Fetch(ctx, url)
	if err != nil {
		return Page{}, err
	}
	if p.Renderer == nil || p.Detector == nil || !p.Detector.ShouldPromote(page) {
		return page, nil
	}
	rendered, err := p.Renderer.Fetch(ctx, url)
	if err != nil {
		return page, nil
	}
	if len(rendered.Alternates) == 0 {
		rendered.Alternates = page.Alternates
	}
	return rendered, nil
}
