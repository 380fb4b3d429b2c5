package normalize

import (
	"regexp"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var youTubeEmbed = regexp.MustCompile(`^https://(www\.)?(youtube\.com|youtube-nocookie\.com)/embed/`)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// htmlPolicy is the user-generated-content policy plus YouTube embeds.
func htmlPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.AllowElements("figure", "figcaption", "picture", "source", "video")
		p.AllowAttrs("src", "srcset", "type").OnElements("source")
		p.AllowAttrs("src", "poster", "controls").OnElements("video")
		p.AllowAttrs("src").Matching(youTubeEmbed).OnElements("iframe")
		p.AllowAttrs("width", "height", "allowfullscreen", "title").OnElements("iframe")
		policy = p
	})
	return policy
}

// Sanitize strips scripts, handlers and unknown markup from fragment.
func Sanitize(fragment string) string {
	if fragment == "" {
		return ""
	}
	return htmlPolicy().Sanitize(fragment)
}
