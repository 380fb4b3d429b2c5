// Package normalize turns raw captures into canonical posts and assets. Every
// function here is pure: the same input always yields the same output.
package normalize

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/harvester/internal/assets"
	"github.com/JakeFAU/harvester/internal/harvest"
)

// Func normalizes one raw post of a single source family.
type Func func(raw harvest.RawPost) (harvest.Post, error)

// Normalizer dispatches raw posts to the function registered for their source.
type Normalizer struct {
	funcs map[string]Func
}

// New returns a Normalizer that knows the x and rss families.
func New() *Normalizer {
	return &Normalizer{funcs: map[string]Func{
		harvest.FamilyX:   X,
		harvest.FamilyRSS: RSS,
	}}
}

// Register adds or replaces the function for source.
func (n *Normalizer) Register(source string, fn Func) {
	n.funcs[strings.ToLower(source)] = fn
}

// Normalize converts raw to its canonical post. UpdatedAt is left zero for the caller to stamp.
func (n *Normalizer) Normalize(raw harvest.RawPost) (harvest.Post, error) {
	fn, ok := n.funcs[strings.ToLower(raw.Source)]
	if !ok {
		return harvest.Post{}, fmt.Errorf("%w: %q", harvest.ErrUnsupportedSource, raw.Source)
	}
	post, err := fn(raw)
	if err != nil {
		return harvest.Post{}, err
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = raw.ScrapedAt.UTC()
	}
	return post, nil
}

// Asset builds the canonical asset for raw from the stored object's metadata.
func Asset(raw harvest.RawAsset, obj assets.Object) harvest.Asset {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = assets.ContentTypeFor(raw.LocalPath)
	}
	return harvest.Asset{
		Domain:      raw.Domain,
		PostID:      raw.PostID,
		URL:         raw.URL,
		LocalPath:   raw.LocalPath,
		ContentType: contentType,
		SizeBytes:   obj.Size,
		Source:      raw.Source,
		CreatedAt:   raw.ScrapedAt.UTC(),
	}
}

// EmbeddingTexts returns the title and plain-text body to embed for post.
func EmbeddingTexts(post harvest.Post) (title, body string) {
	return strings.TrimSpace(post.Title), StripHTML(post.HTML)
}
