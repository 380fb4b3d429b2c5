package x

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Domain is the canonical domain recorded on every X capture.
const Domain = "x.com"

const createdAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

// Tweet is one post found in a GraphQL response.
type Tweet struct {
	ID        string
	Author    string
	CreatedAt *time.Time
	URL       string
	Payload   json.RawMessage
	Assets    []Asset
}

// Asset is a media or link reference of a tweet.
type Asset struct {
	URL  string
	Type string
}

// ExtractTweets walks a GraphQL response body and returns every tweet in it,
// first occurrence wins. Bodies that are not JSON objects yield nothing.
func ExtractTweets(body []byte) []Tweet {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil
	}
	if _, ok := root.(map[string]any); !ok {
		return nil
	}
	var (
		out  []Tweet
		seen = map[string]struct{}{}
	)
	for _, node := range tweetNodes(root) {
		tweet, ok := parseTweet(node)
		if !ok {
			continue
		}
		if _, dup := seen[tweet.ID]; dup {
			continue
		}
		seen[tweet.ID] = struct{}{}
		out = append(out, tweet)
	}
	return out
}

// tweetNodes returns tweet objects depth first with map keys visited in
// sorted order. Wrapped results under tweet_results/tweetResult are unwrapped.
func tweetNodes(root any) []map[string]any {
	var out []map[string]any
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			for _, key := range []string{"tweet_results", "tweetResult"} {
				wrapper, _ := node[key].(map[string]any)
				if result, ok := wrapper["result"].(map[string]any); ok {
					if tweet := unwrap(result); tweet != nil {
						out = append(out, tweet)
					}
				}
			}
			if looksLikeTweet(node) {
				out = append(out, node)
			}
			for _, key := range slices.Sorted(maps.Keys(node)) {
				walk(node[key])
			}
		case []any:
			for _, item := range node {
				walk(item)
			}
		}
	}
	walk(root)
	return out
}

func unwrap(result map[string]any) map[string]any {
	for cur := result; cur != nil; {
		if looksLikeTweet(cur) {
			return cur
		}
		next, ok := cur["tweet"].(map[string]any)
		if !ok {
			next, _ = cur["result"].(map[string]any)
		}
		cur = next
	}
	return nil
}

func looksLikeTweet(node map[string]any) bool {
	if node["__typename"] == "Tweet" {
		return true
	}
	if _, ok := node["note_tweet"].(map[string]any); ok {
		return true
	}
	legacy, ok := node["legacy"].(map[string]any)
	if !ok {
		return false
	}
	if _, ok := legacy["full_text"].(string); ok {
		return true
	}
	_, ok = legacy["conversation_id_str"].(string)
	return ok
}

func parseTweet(node map[string]any) (Tweet, bool) {
	legacy, _ := node["legacy"].(map[string]any)
	id := str(node, "rest_id")
	if id == "" {
		id = str(legacy, "id_str")
	}
	if id == "" {
		return Tweet{}, false
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return Tweet{}, false
	}
	author := screenName(node)
	tweet := Tweet{
		ID:      id,
		Author:  author,
		URL:     PostURL(author, id),
		Payload: payload,
		Assets:  assetsOf(legacy),
	}
	if t, err := time.Parse(createdAtLayout, str(legacy, "created_at")); err == nil {
		utc := t.UTC()
		tweet.CreatedAt = &utc
	}
	return tweet, true
}

// PostURL is the public permalink of a tweet.
func PostURL(author, id string) string {
	if author == "" {
		return fmt.Sprintf("https://x.com/i/status/%s", id)
	}
	return fmt.Sprintf("https://x.com/%s/status/%s", author, id)
}

func screenName(node map[string]any) string {
	core, _ := node["core"].(map[string]any)
	userResults, _ := core["user_results"].(map[string]any)
	result, _ := userResults["result"].(map[string]any)
	legacy, _ := result["legacy"].(map[string]any)
	if name := str(legacy, "screen_name"); name != "" {
		return name
	}
	userCore, _ := result["core"].(map[string]any)
	return str(userCore, "screen_name")
}

func assetsOf(legacy map[string]any) []Asset {
	var all []Asset
	if entities, ok := legacy["entities"].(map[string]any); ok {
		all = append(all, links(entities)...)
		all = append(all, media(entities)...)
	}
	if extended, ok := legacy["extended_entities"].(map[string]any); ok {
		all = append(all, media(extended)...)
	}
	// Later references to the same URL win, in first-seen position.
	index := map[string]int{}
	var out []Asset
	for _, a := range all {
		if a.URL == "" {
			continue
		}
		if i, ok := index[a.URL]; ok {
			out[i] = a
			continue
		}
		index[a.URL] = len(out)
		out = append(out, a)
	}
	return out
}

func links(entities map[string]any) []Asset {
	var out []Asset
	for _, item := range list(entities, "urls") {
		if u := str(item, "expanded_url"); u != "" {
			out = append(out, Asset{URL: u, Type: "link"})
		}
	}
	return out
}

func media(entities map[string]any) []Asset {
	var out []Asset
	for _, item := range list(entities, "media") {
		mediaURL := str(item, "media_url_https")
		if mediaURL == "" {
			mediaURL = str(item, "media_url")
		}
		kind := str(item, "type")
		if kind == "" {
			kind = "media"
		}
		if mediaURL != "" {
			out = append(out, Asset{URL: mediaURL, Type: kind})
		}
		if kind != "video" && kind != "animated_gif" {
			continue
		}
		info, _ := item["video_info"].(map[string]any)
		for _, variant := range list(info, "variants") {
			if u := str(variant, "url"); u != "" && strings.Contains(str(variant, "content_type"), "video") {
				out = append(out, Asset{URL: u, Type: "video"})
			}
		}
	}
	return out
}

// Capture converts a tweet into the raw rows the scheduler persists.
func (t Tweet) Capture(requestURL string, scrapedAt time.Time) harvest.Capture {
	post := harvest.RawPost{
		Domain:        Domain,
		PostID:        t.ID,
		URL:           t.URL,
		PostCreatedAt: t.CreatedAt,
		ScrapedAt:     scrapedAt,
		Source:        harvest.FamilyX,
		RequestURL:    requestURL,
		Payload:       t.Payload,
	}
	discoveries := make([]harvest.AssetDiscovery, 0, len(t.Assets))
	for _, a := range t.Assets {
		discoveries = append(discoveries, harvest.AssetDiscovery{
			Domain:    Domain,
			PostID:    t.ID,
			URL:       a.URL,
			AssetType: a.Type,
			Source:    harvest.FamilyX,
		})
	}
	return harvest.Capture{Post: post, Assets: discoveries}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func list(m map[string]any, key string) []map[string]any {
	items, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}
