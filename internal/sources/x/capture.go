package x

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

var graphQLOperation = regexp.MustCompile(`^https://(?:x|twitter)\.com/i/api/graphql/[^/]+/(UserTweets|UserTweetsAndReplies|TweetDetail|UserMedia)(?:\?|$)`)

// IsTimelineResponse reports whether url is a GraphQL call that carries tweets.
func IsTimelineResponse(url string) bool {
	return graphQLOperation.MatchString(url)
}

// Response is a captured GraphQL response.
type Response struct {
	URL  string
	Body []byte
}

type bodyFunc func(ctx context.Context, id network.RequestID) ([]byte, error)

// capture collects timeline responses from a tab's network events. Bodies are
// fetched off the event goroutine since chromedp dispatches events serially.
type capture struct {
	ctx    context.Context
	body   bodyFunc
	logger *zap.Logger

	mu      sync.Mutex
	pending map[network.RequestID]string
	ready   []Response
}

func newCapture(ctx context.Context, body bodyFunc, logger *zap.Logger) *capture {
	return &capture{
		ctx:     ctx,
		body:    body,
		logger:  logger,
		pending: map[network.RequestID]string{},
	}
}

func (c *capture) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil || !IsTimelineResponse(e.Response.URL) {
			return
		}
		c.mu.Lock()
		c.pending[e.RequestID] = e.Response.URL
		c.mu.Unlock()
	case *network.EventLoadingFailed:
		c.mu.Lock()
		delete(c.pending, e.RequestID)
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		c.mu.Lock()
		url, ok := c.pending[e.RequestID]
		delete(c.pending, e.RequestID)
		c.mu.Unlock()
		if !ok {
			return
		}
		go c.fetch(e.RequestID, url)
	}
}

func (c *capture) fetch(id network.RequestID, url string) {
	body, err := c.body(c.ctx, id)
	if err != nil {
		c.logger.Debug("response body unavailable", zap.String("url", url), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.ready = append(c.ready, Response{URL: url, Body: body})
	c.mu.Unlock()
}

// drain waits for wait, then returns and clears everything captured so far.
func (c *capture) drain(ctx context.Context, wait time.Duration) ([]Response, error) {
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.ready
	c.ready = nil
	return out, nil
}

func responseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}
