// Package detector decides when a plain HTTP page must be rendered in a browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/harvester/internal/fetcher"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
	[]byte("<noscript>you need to enable javascript"),
}

var _ fetcher.Detector = (*Heuristic)(nil)

// ShouldPromote reports whether page must be rendered before its links and
// article body can be read. Pages that already advertise feeds are left alone.
func (h *Heuristic) ShouldPromote(page fetcher.Page) bool {
	if page.StatusCode != 200 || page.Rendered || len(page.Alternates) > 0 {
		return false
	}
	if ct := page.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	body := bytes.ToLower(page.Body)
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// An unterminated script runs to the end of the body.
func scriptShare(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	var covered int
	for rest := body; ; {
		start := bytes.Index(rest, []byte("<script"))
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], []byte("</script>"))
		if end < 0 {
			covered += len(rest) - start
			break
		}
		end += start + len("</script>")
		covered += end - start
		rest = rest[end:]
	}
	return covered * 100 / len(body)
}
