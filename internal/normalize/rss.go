package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// RSS normalizes a feed item together with the article page it links to.
// Content is taken from the first non-empty of: the extracted article body,
// the item content, the item description, YouTube embeds on the page and
// finally the whole page body.
func RSS(raw harvest.RawPost) (harvest.Post, error) {
	var payload harvest.FeedPayload
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return harvest.Post{}, fmt.Errorf("%w: decode feed payload: %w", harvest.ErrMalformedPayload, err)
	}
	if len(payload.Item) == 0 {
		return harvest.Post{}, fmt.Errorf("%w: feed payload has no item", harvest.ErrMalformedPayload)
	}
	var item gofeed.Item
	if err := json.Unmarshal(payload.Item, &item); err != nil {
		return harvest.Post{}, fmt.Errorf("%w: decode feed item: %w", harvest.ErrMalformedPayload, err)
	}

	page := ExtractPageMetadata(payload.PageHTML)

	content := firstNonEmpty(
		ExtractArticleHTML(payload.PageHTML),
		item.Content,
		item.Description,
		ExtractYouTubeIframes(payload.PageHTML),
		BodyHTML(payload.PageHTML),
	)

	url := raw.URL
	if url == "" {
		url = item.Link
	}

	return harvest.Post{
		Domain:    raw.Domain,
		PostID:    raw.PostID,
		URL:       url,
		Author:    firstNonEmpty(itemAuthor(&item), page.Author),
		Title:     firstNonEmpty(item.Title, page.Title),
		HTML:      Sanitize(content),
		Source:    raw.Source,
		CreatedAt: feedCreatedAt(raw, &item, page),
	}, nil
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		return strings.TrimSpace(item.Author.Name)
	}
	for _, a := range item.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	if item.DublinCoreExt != nil {
		for _, c := range item.DublinCoreExt.Creator {
			if c = strings.TrimSpace(c); c != "" {
				return c
			}
		}
	}
	return ""
}

func feedCreatedAt(raw harvest.RawPost, item *gofeed.Item, page PageMetadata) time.Time {
	switch {
	case raw.PostCreatedAt != nil:
		return raw.PostCreatedAt.UTC()
	case page.PublishedAt != nil:
		return *page.PublishedAt
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	}
	if t, ok := parseTime(firstNonEmpty(item.Published, item.Updated)); ok {
		return t
	}
	return raw.ScrapedAt.UTC()
}
