package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// XCreatedAtLayout is the timestamp format of tweet legacy.created_at.
const XCreatedAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

type tweetPayload struct {
	RestID string `json:"rest_id"`
	Legacy *struct {
		FullText  string `json:"full_text"`
		CreatedAt string `json:"created_at"`
	} `json:"legacy"`
	NoteTweet *struct {
		Results struct {
			Result struct {
				Text string `json:"text"`
			} `json:"result"`
		} `json:"note_tweet_results"`
	} `json:"note_tweet"`
	Core struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					ScreenName string `json:"screen_name"`
				} `json:"legacy"`
				Core struct {
					ScreenName string `json:"screen_name"`
				} `json:"core"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
}

// X normalizes a captured tweet result object.
func X(raw harvest.RawPost) (harvest.Post, error) {
	trimmed := bytes.TrimSpace(raw.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return harvest.Post{}, fmt.Errorf("%w: x payload is not an object", harvest.ErrMalformedPayload)
	}
	var tweet tweetPayload
	if err := json.Unmarshal(trimmed, &tweet); err != nil {
		return harvest.Post{}, fmt.Errorf("%w: decode tweet: %w", harvest.ErrMalformedPayload, err)
	}
	if tweet.RestID == "" && tweet.Legacy == nil && tweet.NoteTweet == nil {
		return harvest.Post{}, fmt.Errorf("%w: payload has no tweet fields", harvest.ErrMalformedPayload)
	}

	text := tweetText(tweet)
	title := ""
	if text != "" {
		title = strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	}
	author := tweet.Core.UserResults.Result.Legacy.ScreenName
	if author == "" {
		author = tweet.Core.UserResults.Result.Core.ScreenName
	}

	return harvest.Post{
		Domain:    raw.Domain,
		PostID:    raw.PostID,
		URL:       raw.URL,
		Author:    author,
		Title:     title,
		HTML:      text,
		Source:    raw.Source,
		CreatedAt: tweetCreatedAt(raw, tweet),
	}, nil
}

func tweetText(t tweetPayload) string {
	if t.Legacy != nil && t.Legacy.FullText != "" {
		return t.Legacy.FullText
	}
	if t.NoteTweet != nil {
		return t.NoteTweet.Results.Result.Text
	}
	return ""
}

func tweetCreatedAt(raw harvest.RawPost, t tweetPayload) time.Time {
	if raw.PostCreatedAt != nil {
		return raw.PostCreatedAt.UTC()
	}
	if t.Legacy != nil {
		if created, err := time.Parse(XCreatedAtLayout, t.Legacy.CreatedAt); err == nil {
			return created.UTC()
		}
		if created, ok := parseTime(t.Legacy.CreatedAt); ok {
			return created
		}
	}
	return raw.ScrapedAt.UTC()
}
