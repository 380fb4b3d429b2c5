package normalize

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// PageMetadata is what an article page says about itself.
type PageMetadata struct {
	Title       string
	Author      string
	PublishedAt *time.Time
}

var contentKeys = []string{
	"article-body",
	"article-content",
	"content-body",
	"entry-content",
	"post-body",
	"post-content",
}

// Candidate kinds in priority order.
var contentPriority = []string{
	"template-content",
	"template-video",
	"entry-content",
	"article-main",
	"article",
	"content-block",
}

func parseDoc(pageHTML string) (*goquery.Document, bool) {
	if strings.TrimSpace(pageHTML) == "" {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, false
	}
	return doc, true
}

// ExtractPageMetadata reads title, author and published time from meta tags,
// the <title> element and JSON-LD blocks.
func ExtractPageMetadata(pageHTML string) PageMetadata {
	doc, ok := parseDoc(pageHTML)
	if !ok {
		return PageMetadata{}
	}
	meta := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key := attrOr(s, "property", "name")
		value := attrOr(s, "content", "value")
		if key == "" || value == "" {
			return
		}
		key = strings.ToLower(key)
		if _, seen := meta[key]; !seen {
			meta[key] = value
		}
	})

	out := PageMetadata{
		Title: firstNonEmpty(meta["og:title"], meta["twitter:title"], strings.TrimSpace(doc.Find("title").First().Text())),
	}
	out.Author = selectAuthor(meta, func() string { return jsonLDAuthor(doc) })
	if t, ok := parseTime(firstNonEmpty(meta["article:published_time"], meta["og:published_time"], meta["published_time"])); ok {
		out.PublishedAt = &t
	}
	return out
}

func selectAuthor(meta map[string]string, jsonLD func() string) string {
	if a := firstNonEmpty(meta["author"], meta["article:author"]); a != "" {
		return a
	}
	switch strings.ToLower(strings.TrimSpace(meta["twitter:label1"])) {
	case "written by", "author", "by":
		if d := strings.TrimSpace(meta["twitter:data1"]); d != "" {
			return d
		}
	}
	if creator := strings.TrimSpace(meta["twitter:creator"]); strings.HasPrefix(creator, "@") {
		return creator[1:]
	}
	return jsonLD()
}

func jsonLDAuthor(doc *goquery.Document) string {
	var author string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v any
		if err := json.Unmarshal([]byte(s.Text()), &v); err != nil {
			return true
		}
		author = authorFromJSONLD(v)
		return author == ""
	})
	return author
}

// authorFromJSONLD walks every node depth first and returns the first author
// or creator name found.
func authorFromJSONLD(v any) string {
	switch node := v.(type) {
	case map[string]any:
		if name := authorName(firstPresent(node, "author", "creator")); name != "" {
			return name
		}
		for _, key := range slices.Sorted(maps.Keys(node)) {
			if name := authorFromJSONLD(node[key]); name != "" {
				return name
			}
		}
	case []any:
		for _, item := range node {
			if name := authorFromJSONLD(item); name != "" {
				return name
			}
		}
	}
	return ""
}

func authorName(v any) string {
	switch a := v.(type) {
	case string:
		return a
	case map[string]any:
		name, _ := a["name"].(string)
		return name
	case []any:
		for _, item := range a {
			if name := authorName(item); name != "" {
				return name
			}
		}
	}
	return ""
}

// ExtractArticleHTML returns the inner HTML of the most specific content
// container on the page, or "" when none is recognized.
func ExtractArticleHTML(pageHTML string) string {
	doc, ok := parseDoc(pageHTML)
	if !ok {
		return ""
	}
	candidates := map[string][]string{}
	add := func(kind string, s *goquery.Selection) {
		inner, err := s.Html()
		if err != nil {
			return
		}
		if inner = strings.TrimSpace(inner); inner != "" {
			candidates[kind] = append(candidates[kind], inner)
		}
	}

	doc.Find("single-post template, single-video template").Each(func(_ int, s *goquery.Selection) {
		switch {
		case templateSlot(s, "content"):
			add("template-content", s)
		case templateSlot(s, "video") && s.ParentsFiltered("single-video").Length() > 0:
			add("template-video", s)
		}
	})
	doc.Find("article").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("main").Length() > 0 {
			add("article-main", s)
			return
		}
		add("article", s)
	})
	doc.Find("div, section, main").Each(func(_ int, s *goquery.Selection) {
		classes := strings.Fields(strings.ToLower(s.AttrOr("class", "")))
		if slices.Contains(classes, "entry-content") {
			add("entry-content", s)
			return
		}
		if hasContentClass(classes) || hasContentID(s.AttrOr("id", "")) {
			add("content-block", s)
		}
	})

	for _, kind := range contentPriority {
		best := ""
		for _, c := range candidates[kind] {
			if len(c) > len(best) {
				best = c
			}
		}
		if best != "" {
			return best
		}
	}
	return ""
}

// ExtractYouTubeIframes returns every YouTube iframe on the page, one per line.
func ExtractYouTubeIframes(pageHTML string) string {
	doc, ok := parseDoc(pageHTML)
	if !ok {
		return ""
	}
	var frames []string
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		if !harvest.IsYouTubeURL(s.AttrOr("src", "")) {
			return
		}
		if rendered, err := goquery.OuterHtml(s); err == nil {
			frames = append(frames, rendered)
		}
	})
	return strings.Join(frames, "\n")
}

// BodyHTML returns the inner HTML of <body>.
func BodyHTML(pageHTML string) string {
	doc, ok := parseDoc(pageHTML)
	if !ok {
		return ""
	}
	inner, err := doc.Find("body").First().Html()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(inner)
}

// StripHTML returns the text content of an HTML fragment.
func StripHTML(fragment string) string {
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + fragment + "</body>"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("body").Text())
}

func templateSlot(s *goquery.Selection, slot string) bool {
	if _, ok := s.Attr("v-slot:" + slot); ok {
		return true
	}
	return s.AttrOr("slot", "") == slot
}

func hasContentClass(classes []string) bool {
	for _, c := range classes {
		if slices.Contains(contentKeys, c) || c == "single-post" || c == "single-video" {
			return true
		}
	}
	return false
}

func hasContentID(id string) bool {
	id = strings.ToLower(id)
	if id == "" {
		return false
	}
	for _, key := range contentKeys {
		if strings.Contains(id, key) {
			return true
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	"2006-01-02",
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func attrOr(s *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(s.AttrOr(name, "")); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
