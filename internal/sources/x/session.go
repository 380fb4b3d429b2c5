// Package x captures posts from x.com timelines through a logged-in browser.
package x

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/scrape"
)

const (
	loginURL          = "https://x.com/login"
	signupLink        = `a[href="/i/flow/signup"]`
	usernameInput     = `[autocomplete="username"]`
	confirmationInput = `[data-testid="ocfEnterTextTextInput"]`
	passwordInput     = `[autocomplete="current-password"]`
	passwordFallback  = `input[name="password"]`
)

var codeInputs = strings.Join([]string{
	`input[name="challenge_response"]`,
	`input[name="verification_code"]`,
	`input[autocomplete="one-time-code"]`,
	`input[inputmode="numeric"]`,
}, ",")

// Tabs opens browser tabs.
type Tabs interface {
	NewTab(ctx context.Context) (context.Context, context.CancelFunc, error)
	NavigationTimeout() time.Duration
}

// Config tunes pacing of the timeline session.
type Config struct {
	// FastPause is the wait after a scroll while new tweets keep arriving.
	FastPause time.Duration
	// IdleScrolls ends pagination after this many scrolls without new tweets.
	IdleScrolls int
	// TypeDelay is the pause between keystrokes on login forms.
	TypeDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.FastPause <= 0 {
		c.FastPause = 350 * time.Millisecond
	}
	if c.IdleScrolls <= 0 {
		c.IdleScrolls = 4
	}
	if c.TypeDelay <= 0 {
		c.TypeDelay = 100 * time.Millisecond
	}
	return c
}

// Family opens one browser tab per account.
type Family struct {
	tabs   Tabs
	clock  harvest.Clock
	cfg    Config
	logger *zap.Logger
}

var _ scrape.Family = (*Family)(nil)

// NewFamily builds the x family.
func NewFamily(tabs Tabs, clock harvest.Clock, cfg Config, logger *zap.Logger) *Family {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Family{tabs: tabs, clock: clock, cfg: cfg.withDefaults(), logger: logger.Named("x")}
}

// Name implements scrape.Family.
func (f *Family) Name() string { return harvest.FamilyX }

// Open implements scrape.Family. target is an account handle.
func (f *Family) Open(ctx context.Context, src harvest.Source, target string) (scrape.Session, error) {
	handle := strings.TrimPrefix(strings.TrimSpace(target), "@")
	if handle == "" || harvest.IsXDomain(handle) {
		return nil, fmt.Errorf("%w: x sources need an account handle", harvest.ErrUnsupportedSource)
	}
	tab, closeTab, err := f.tabs.NewTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	logger := f.logger.With(zap.String("account", handle))
	s := &Session{
		family:  f,
		tab:     tab,
		close:   closeTab,
		handle:  handle,
		pause:   src.Pause,
		seen:    map[string]struct{}{},
		capture: newCapture(tab, responseBody, logger),
		logger:  logger,
	}
	if s.pause <= 0 {
		s.pause = 2 * time.Second
	}
	chromedp.ListenTarget(tab, s.capture.onEvent)
	return s, nil
}

// Session drives one account timeline.
type Session struct {
	family  *Family
	tab     context.Context
	close   context.CancelFunc
	handle  string
	pause   time.Duration
	capture *capture
	logger  *zap.Logger

	onProfile bool
	idle      int
	seen      map[string]struct{}
}

var _ scrape.Session = (*Session)(nil)

// ProfileURL is the timeline page of handle.
func ProfileURL(handle string) string {
	return "https://x.com/" + url.PathEscape(handle)
}

// DetectAuthChallenge opens the profile and reports a login challenge when X
// redirects to its login flow or shows the signup prompt.
func (s *Session) DetectAuthChallenge(ctx context.Context) (scrape.Challenge, error) {
	location, err := s.navigate(ctx, ProfileURL(s.handle))
	if err != nil {
		return scrape.ChallengeNone, err
	}
	s.onProfile = true
	if IsLoginLocation(location) || s.present(ctx, signupLink, 2*time.Second) {
		s.onProfile = false
		return scrape.ChallengeLogin, nil
	}
	return scrape.ChallengeNone, nil
}

// IsLoginLocation reports whether location is part of the login flow.
func IsLoginLocation(location string) bool {
	return strings.Contains(location, "/i/flow/login") || strings.Contains(location, "/login")
}

// Login fills the login flow. X sometimes asks to confirm the account with
// its email before the password field appears.
func (s *Session) Login(ctx context.Context, creds harvest.Credentials) (scrape.Challenge, error) {
	s.onProfile = false
	if _, err := s.navigate(ctx, loginURL); err != nil {
		return scrape.ChallengeNone, err
	}
	if !s.present(ctx, usernameInput, s.family.tabs.NavigationTimeout()) {
		return scrape.ChallengeNone, fmt.Errorf("%w: login form not available", harvest.ErrAuthentication)
	}
	if err := s.wiggle(ctx); err != nil {
		s.logger.Debug("mouse movement failed", zap.Error(err))
	}
	if err := s.typeSlowly(ctx, usernameInput, creds.Username); err != nil {
		return scrape.ChallengeNone, err
	}
	if s.present(ctx, confirmationInput, 5*time.Second) {
		confirm := creds.Email
		if confirm == "" {
			confirm = creds.Username
		}
		if err := s.typeSlowly(ctx, confirmationInput, confirm); err != nil {
			return scrape.ChallengeNone, err
		}
	}
	field := passwordInput
	if !s.present(ctx, field, 10*time.Second) {
		field = passwordFallback
		if !s.present(ctx, field, 10*time.Second) {
			return scrape.ChallengeNone, fmt.Errorf("%w: password field not shown", harvest.ErrAuthentication)
		}
	}
	if err := s.typeSlowly(ctx, field, creds.Password); err != nil {
		return scrape.ChallengeNone, err
	}
	if s.present(ctx, codeInputs, 2*time.Second) {
		return scrape.ChallengeCode, nil
	}
	return scrape.ChallengeNone, s.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

// SubmitCode types the one-time code into the challenge field.
func (s *Session) SubmitCode(ctx context.Context, code string) error {
	if !s.present(ctx, codeInputs, 5*time.Second) {
		return fmt.Errorf("%w: code field not shown", harvest.ErrAuthentication)
	}
	if err := s.typeSlowly(ctx, codeInputs, code); err != nil {
		return err
	}
	return s.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

// ListItems returns tweets captured since the previous call. Step 0 opens the
// profile, later steps scroll to the bottom first.
func (s *Session) ListItems(ctx context.Context, req scrape.ListRequest) (scrape.Listing, error) {
	switch {
	case req.Drain:
	case req.Step == 0:
		if !s.onProfile {
			if _, err := s.navigate(ctx, ProfileURL(s.handle)); err != nil {
				return scrape.Listing{}, err
			}
			s.onProfile = true
		}
	default:
		if err := s.run(ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil)); err != nil {
			return scrape.Listing{}, fmt.Errorf("scroll: %w", err)
		}
	}

	wait := s.pause
	if !req.Drain && req.Step > 0 {
		wait = PauseAfterScroll(s.idle, s.family.cfg.FastPause, s.pause)
	}
	responses, err := s.capture.drain(ctx, wait)
	if err != nil {
		return scrape.Listing{}, err
	}

	items := s.refs(responses)
	if len(items) == 0 {
		s.idle++
	} else {
		s.idle = 0
	}
	s.logger.Debug("timeline step",
		zap.Int("step", req.Step),
		zap.Bool("drain", req.Drain),
		zap.Int("responses", len(responses)),
		zap.Int("tweets", len(items)),
		zap.Int("idle", s.idle))
	return scrape.Listing{Items: items, Done: req.Drain || s.idle >= s.family.cfg.IdleScrolls}, nil
}

// PauseAfterScroll is quick while scrolls keep yielding tweets and backs off
// to the configured pause once two scrolls in a row came back empty.
func PauseAfterScroll(idle int, fast, pause time.Duration) time.Duration {
	if idle < 2 {
		return fast
	}
	return pause
}

func (s *Session) refs(responses []Response) []scrape.ItemRef {
	var out []scrape.ItemRef
	now := s.family.clock.Now()
	for _, resp := range responses {
		for _, tweet := range ExtractTweets(resp.Body) {
			if _, dup := s.seen[tweet.ID]; dup {
				continue
			}
			s.seen[tweet.ID] = struct{}{}
			capture := tweet.Capture(resp.URL, now)
			out = append(out, scrape.ItemRef{ID: tweet.ID, URL: tweet.URL, Data: tweet, Capture: &capture})
		}
	}
	return out
}

// FetchItem returns the capture of a listed tweet. Tweets arrive complete in
// the timeline responses so nothing is requested.
func (s *Session) FetchItem(_ context.Context, ref scrape.ItemRef) (harvest.Capture, error) {
	if ref.Capture != nil {
		return *ref.Capture, nil
	}
	tweet, ok := ref.Data.(Tweet)
	if !ok {
		return harvest.Capture{}, fmt.Errorf("%w: item %s carries no tweet", harvest.ErrMalformedPayload, ref.ID)
	}
	return tweet.Capture("", s.family.clock.Now()), nil
}

// Close closes the tab.
func (s *Session) Close() error {
	s.close()
	return nil
}

func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, s.family.tabs.NavigationTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) navigate(ctx context.Context, target string) (string, error) {
	var location string
	err := s.run(ctx,
		network.Enable(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err != nil {
		return "", fmt.Errorf("navigate %s: %w", target, err)
	}
	return location, nil
}

// present waits up to timeout for selector to appear.
func (s *Session) present(ctx context.Context, selector string, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := s.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	return err == nil
}

// typeSlowly sends one key at a time, then Enter.
func (s *Session) typeSlowly(ctx context.Context, selector, text string) error {
	delay := s.family.cfg.TypeDelay
	actions := []chromedp.Action{chromedp.Click(selector, chromedp.ByQuery)}
	for _, r := range text {
		actions = append(actions, chromedp.Sleep(delay), chromedp.SendKeys(selector, string(r), chromedp.ByQuery))
	}
	actions = append(actions, chromedp.Sleep(delay), chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
	if err := s.run(ctx, actions...); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// wiggle moves the pointer across the viewport a few times.
func (s *Session) wiggle(ctx context.Context) error {
	var viewport struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := s.run(ctx, chromedp.Evaluate(`({width: window.innerWidth, height: window.innerHeight})`, &viewport)); err != nil {
		return err
	}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return nil
	}
	var actions []chromedp.Action
	for range 3 + rand.IntN(3) {
		x := viewport.Width * (0.15 + 0.7*rand.Float64())
		y := viewport.Height * (0.2 + 0.6*rand.Float64())
		actions = append(actions,
			input.DispatchMouseEvent(input.MouseMoved, x, y),
			chromedp.Sleep(time.Duration(50+rand.IntN(100))*time.Millisecond),
		)
	}
	return s.run(ctx, actions...)
}
