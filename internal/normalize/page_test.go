package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPageMetadata(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		page   string
		title  string
		author string
	}{
		{
			name:  "title element",
			page:  `<html><head><title> Plain </title></head></html>`,
			title: "Plain",
		},
		{
			name:   "twitter label",
			page:   `<head><meta name="twitter:title" content="TW"><meta name="twitter:label1" content="Written by"><meta name="twitter:data1" content="Ada"></head>`,
			title:  "TW",
			author: "Ada",
		},
		{
			name:   "twitter creator",
			page:   `<head><meta name="twitter:creator" content="@grace"></head>`,
			author: "grace",
		},
		{
			name:   "json-ld nested author",
			page:   `<head><script type="application/ld+json">{"@graph":[{"@type":"Article","author":[{"name":"Linus"}]}]}</script></head>`,
			author: "Linus",
		},
		{
			name:   "meta author wins over json-ld",
			page:   `<head><meta property="article:author" content="Meta"><script type="application/ld+json">{"author":"LD"}</script></head>`,
			author: "Meta",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractPageMetadata(tt.page)
			assert.Equal(t, tt.title, got.Title)
			assert.Equal(t, tt.author, got.Author)
		})
	}
}

func TestExtractPageMetadataPublished(t *testing.T) {
	t.Parallel()

	got := ExtractPageMetadata(`<head><meta property="og:published_time" content="2024-02-03T04:05:06+02:00"></head>`)
	require.NotNil(t, got.PublishedAt)
	assert.Equal(t, time.Date(2024, 2, 3, 2, 5, 6, 0, time.UTC), *got.PublishedAt)

	assert.Nil(t, ExtractPageMetadata(`<head><meta property="og:published_time" content="yesterday"></head>`).PublishedAt)
	assert.Equal(t, PageMetadata{}, ExtractPageMetadata("  "))
}

func TestExtractArticleHTMLPriority(t *testing.T) {
	t.Parallel()

	page := `<body>
	<article><p>plain article with quite a lot more text than the others</p></article>
	<div class="entry-content"><p>entry</p></div>
	<div id="post-content-1"><p>block</p></div>
	</body>`
	assert.Equal(t, "<p>entry</p>", ExtractArticleHTML(page))

	page = `<body>
	<article><p>outside</p></article>
	<main><article><p>in main</p></article></main>
	</body>`
	assert.Equal(t, "<p>in main</p>", ExtractArticleHTML(page))

	page = `<body><article><p>a</p></article><article><p>longer</p></article></body>`
	assert.Equal(t, "<p>longer</p>", ExtractArticleHTML(page))

	assert.Empty(t, ExtractArticleHTML(`<body><p>nothing marked</p></body>`))
}

func TestBodyAndStrip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<p>hi</p>", BodyHTML(`<html><body> <p>hi</p> </body></html>`))
	assert.Equal(t, "a b", StripHTML("<i>a</i> <b>b</b>"))
	assert.Empty(t, StripHTML(""))
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	out := Sanitize(`<p onclick="x()">ok</p><script>bad()</script><iframe src="https://www.youtube-nocookie.com/embed/v"></iframe>`)
	assert.Contains(t, out, "<p>ok</p>")
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "bad()")
	assert.Contains(t, out, "youtube-nocookie.com/embed/v")
}
