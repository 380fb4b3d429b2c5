package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/otp"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/publisher/memory"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) prefixed(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeSession struct {
	name      string
	challenge Challenge
	afterAuth Challenge
	pages     [][]ItemRef
	drain     []ItemRef
	fetchErr  map[string]error
	log       *eventLog
	code      string
	closed    bool
	// loginDelay is how long Login takes.
	loginDelay time.Duration
}

func (s *fakeSession) DetectAuthChallenge(context.Context) (Challenge, error) {
	return s.challenge, nil
}

func (s *fakeSession) Login(ctx context.Context, creds harvest.Credentials) (Challenge, error) {
	s.log.add("%s:login:%s", s.name, creds.Username)
	if s.loginDelay > 0 {
		select {
		case <-time.After(s.loginDelay):
		case <-ctx.Done():
			return ChallengeNone, ctx.Err()
		}
	}
	return s.afterAuth, nil
}

func (s *fakeSession) SubmitCode(_ context.Context, code string) error {
	s.code = code
	return nil
}

func (s *fakeSession) ListItems(_ context.Context, req ListRequest) (Listing, error) {
	if req.Drain {
		s.log.add("%s:list:drain", s.name)
		return Listing{Items: s.drain, Done: true}, nil
	}
	s.log.add("%s:list:%d", s.name, req.Step)
	if req.Step >= len(s.pages) {
		return Listing{Done: true}, nil
	}
	return Listing{Items: s.pages[req.Step], Done: req.Step == len(s.pages)-1}, nil
}

func (s *fakeSession) FetchItem(_ context.Context, ref ItemRef) (harvest.Capture, error) {
	if err := s.fetchErr[ref.ID]; err != nil {
		return harvest.Capture{}, err
	}
	return harvest.Capture{
		Post: harvest.RawPost{PostID: ref.ID, URL: ref.URL, Payload: []byte(`{"id":"` + ref.ID + `"}`)},
	}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeFamily struct {
	sessions map[string]*fakeSession
}

func (fakeFamily) Name() string { return "fake" }

func (f fakeFamily) Open(_ context.Context, _ harvest.Source, target string) (Session, error) {
	s, ok := f.sessions[target]
	if !ok {
		return nil, fmt.Errorf("no session for %s", target)
	}
	return s, nil
}

type fakeWriter struct {
	mu    sync.Mutex
	log   *eventLog
	posts []harvest.RawPost
	fail  map[string]bool
}

func (w *fakeWriter) AppendCapture(_ context.Context, post harvest.RawPost, _ []harvest.RawAsset) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail[post.PostID] {
		return fmt.Errorf("%w: disk full", harvest.ErrDurableWrite)
	}
	w.log.add("%s:write:%s", post.Domain, post.PostID)
	w.posts = append(w.posts, post)
	return nil
}

type emptyMailbox struct{}

func (emptyMailbox) Messages(context.Context, time.Time, string) ([]otp.Message, error) {
	return nil, nil
}

func refs(ids ...string) []ItemRef {
	out := make([]ItemRef, len(ids))
	for i, id := range ids {
		out[i] = ItemRef{ID: id, URL: "https://example.test/" + id}
	}
	return out
}

type fixture struct {
	sched  *Scheduler
	log    *eventLog
	writer *fakeWriter
	pub    *memory.Publisher
}

func newFixture(t *testing.T, sessions map[string]*fakeSession) *fixture {
	t.Helper()
	return newFixtureWith(t, sessions,
		Config{Concurrency: 2, AuthTimeout: time.Second, OTPTimeout: 50 * time.Millisecond},
		otp.New(emptyMailbox{}, otp.Config{Sender: "x.com", PollInterval: 5 * time.Millisecond}, zap.NewNop()))
}

func newFixtureWith(t *testing.T, sessions map[string]*fakeSession, cfg Config, resolver CodeResolver) *fixture {
	t.Helper()
	log := &eventLog{}
	for name, s := range sessions {
		s.name = name
		s.log = log
	}
	reg := NewRegistry()
	reg.Register(fakeFamily{sessions: sessions}, "*.test")
	writer := &fakeWriter{log: log, fail: map[string]bool{}}
	pub := memory.New(0)
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.HostPolicy{MinInterval: time.Millisecond, MaxInFlight: 1},
	})
	sched := New(Deps{
		Registry:  reg,
		Limiter:   limiter,
		OTP:       resolver,
		Writer:    writer,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Publisher: pub,
	}, cfg, zap.NewNop())
	return &fixture{sched: sched, log: log, writer: writer, pub: pub}
}

func TestRunIsolatesOtpTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]*fakeSession{
		"acct1": {challenge: ChallengeLogin, afterAuth: ChallengeCode, pages: [][]ItemRef{refs("1")}},
		"acct2": {pages: [][]ItemRef{refs("a", "b")}},
	})
	sources := []harvest.Source{
		{Name: "acct1", Domain: "a.test", Accounts: []string{"acct1"}, RequireLogin: true,
			Credentials: harvest.Credentials{Username: "acct1", Password: "secret"}, MaxScrolls: 3},
		{Name: "acct2", Domain: "b.test", Accounts: []string{"acct2"}, MaxScrolls: 3},
	}

	res := f.sched.Run(context.Background(), sources)

	require.Len(t, res.Sources, 2)
	acct1, ok := res.Source("acct1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, acct1.State)
	assert.Equal(t, "OtpTimeout", acct1.Reason)
	assert.Zero(t, acct1.Posts)

	acct2, ok := res.Source("acct2")
	require.True(t, ok)
	assert.Equal(t, StateDone, acct2.State)
	assert.Empty(t, acct2.Reason)
	assert.Equal(t, 2, acct2.Posts)

	assert.Equal(t, 1, res.Succeeded())
	assert.Equal(t, 1, res.Failed())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []string{"acct1:login:acct1"}, f.log.prefixed("acct1:"))

	latest, ok := f.sched.Latest()
	require.True(t, ok)
	assert.Equal(t, res.RunID, latest.RunID)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, harvest.TopicScrapeRun, msgs[0].Topic)
}

type deadlineResolver struct{}

func (deadlineResolver) Resolve(context.Context, time.Time, time.Time) (string, error) {
	return "", fmt.Errorf("poll mailbox: %w", context.DeadlineExceeded)
}

func TestOtpWaitHasItsOwnBudget(t *testing.T) {
	t.Parallel()

	// Login uses half of AuthTimeout, so a code wait bounded by it would end
	// before OTPTimeout elapsed.
	f := newFixtureWith(t, map[string]*fakeSession{
		"acct1": {challenge: ChallengeLogin, afterAuth: ChallengeCode, loginDelay: 100 * time.Millisecond},
	}, Config{Concurrency: 1, AuthTimeout: 200 * time.Millisecond, OTPTimeout: 200 * time.Millisecond},
		otp.New(emptyMailbox{}, otp.Config{Sender: "x.com", PollInterval: 10 * time.Millisecond}, zap.NewNop()))

	res := f.sched.Run(context.Background(), []harvest.Source{
		{Name: "acct1", Domain: "a.test", Accounts: []string{"acct1"}, RequireLogin: true,
			Credentials: harvest.Credentials{Username: "acct1", Password: "secret"}, MaxScrolls: 1},
	})

	acct1, ok := res.Source("acct1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, acct1.State)
	assert.Equal(t, "OtpTimeout", acct1.Reason)
}

func TestOtpDeadlineExceededIsOtpTimeout(t *testing.T) {
	t.Parallel()

	f := newFixtureWith(t, map[string]*fakeSession{
		"acct1": {challenge: ChallengeLogin, afterAuth: ChallengeCode},
	}, Config{Concurrency: 1, AuthTimeout: time.Second, OTPTimeout: time.Second}, deadlineResolver{})

	res := f.sched.Run(context.Background(), []harvest.Source{
		{Name: "acct1", Domain: "a.test", Accounts: []string{"acct1"}, RequireLogin: true,
			Credentials: harvest.Credentials{Username: "acct1", Password: "secret"}, MaxScrolls: 1},
	})

	acct1, ok := res.Source("acct1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, acct1.State)
	assert.Equal(t, "OtpTimeout", acct1.Reason)
}

type staticResolver struct{ code string }

func (r staticResolver) Resolve(context.Context, time.Time, time.Time) (string, error) {
	return r.code, nil
}

func TestRunSubmitsResolvedCode(t *testing.T) {
	t.Parallel()

	session := &fakeSession{challenge: ChallengeLogin, afterAuth: ChallengeCode, pages: [][]ItemRef{refs("1")}}
	f := newFixtureWith(t, map[string]*fakeSession{"acct1": session},
		Config{Concurrency: 1, AuthTimeout: time.Second, OTPTimeout: time.Second}, staticResolver{code: "k3j9q2ab"})

	res := f.sched.Run(context.Background(), []harvest.Source{
		{Name: "acct1", Domain: "a.test", Accounts: []string{"acct1"}, RequireLogin: true,
			Credentials: harvest.Credentials{Username: "acct1", Password: "secret"}, MaxScrolls: 1},
	})

	acct1, ok := res.Source("acct1")
	require.True(t, ok)
	assert.Equal(t, StateDone, acct1.State)
	assert.Equal(t, 1, acct1.Posts)
	assert.Equal(t, "k3j9q2ab", session.code)
}

func TestRunPersistsBeforePaginating(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		pages: [][]ItemRef{refs("1", "2"), refs("2", "3")},
		drain: refs("3", "4"),
	}
	f := newFixture(t, map[string]*fakeSession{"feed.test": session})

	res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test", MaxScrolls: 5}})

	src := res.Sources[0]
	assert.Equal(t, StateDone, src.State)
	assert.Equal(t, "fake", src.Family)
	assert.Equal(t, 4, src.Posts)
	assert.Equal(t, 3, src.Steps)
	assert.Equal(t, []string{
		"feed.test:list:0",
		"feed.test:write:1",
		"feed.test:write:2",
		"feed.test:list:1",
		"feed.test:write:3",
		"feed.test:list:drain",
		"feed.test:write:4",
	}, f.log.all())
	assert.True(t, session.closed)

	for _, p := range f.writer.posts {
		assert.Equal(t, "feed.test", p.Domain)
		assert.Equal(t, "fake", p.Source)
		assert.False(t, p.ScrapedAt.IsZero())
	}
}

func TestRunDurableWriteFailureStopsSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]*fakeSession{
		"feed.test": {pages: [][]ItemRef{refs("1", "2", "3"), refs("4")}},
	})
	f.writer.fail["2"] = true

	res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test", MaxScrolls: 5}})

	src := res.Sources[0]
	assert.Equal(t, StateFailed, src.State)
	assert.Equal(t, "DurableWriteFailure", src.Reason)
	assert.Equal(t, 1, src.Posts)
	assert.Equal(t, 1, src.FailedItems)
	assert.Equal(t, 1, res.FailedItems())
	assert.Equal(t, []string{"feed.test:list:0", "feed.test:write:1"}, f.log.all())
}

func TestRunItemFetchFailureIsCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]*fakeSession{
		"feed.test": {
			pages:    [][]ItemRef{refs("1", "2", "3")},
			fetchErr: map[string]error{"2": errors.New("gone")},
		},
	})

	res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test"}})

	src := res.Sources[0]
	assert.Equal(t, StateDone, src.State)
	assert.Equal(t, 2, src.Posts)
	assert.Equal(t, 1, src.FailedItems)
}

func TestRunCaps(t *testing.T) {
	t.Parallel()

	t.Run("max posts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]*fakeSession{
			"feed.test": {pages: [][]ItemRef{refs("1", "2"), refs("3", "4"), refs("5")}, drain: refs("6")},
		})
		res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test", MaxPosts: 3, MaxScrolls: 10}})
		assert.Equal(t, StateDone, res.Sources[0].State)
		assert.Equal(t, 3, res.Sources[0].Posts)
		assert.Empty(t, f.log.prefixed("feed.test:list:drain"))
		assert.Empty(t, f.log.prefixed("feed.test:list:2"))
	})

	t.Run("max scrolls", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]*fakeSession{
			"feed.test": {pages: [][]ItemRef{refs("1"), refs("2"), refs("3")}},
		})
		res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test", MaxScrolls: 1}})
		assert.Equal(t, 2, res.Sources[0].Posts)
		assert.Equal(t, []string{"feed.test:list:0", "feed.test:list:1", "feed.test:list:drain"}, f.log.prefixed("feed.test:list"))
	})
}

func TestRunAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("login without credentials", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]*fakeSession{"feed.test": {challenge: ChallengeLogin}})
		res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test"}})
		assert.Equal(t, StateFailed, res.Sources[0].State)
		assert.Equal(t, "AuthenticationFailure", res.Sources[0].Reason)
	})

	t.Run("login without code", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]*fakeSession{
			"feed.test": {challenge: ChallengeLogin, afterAuth: ChallengeNone, pages: [][]ItemRef{refs("1")}},
		})
		res := f.sched.Run(context.Background(), []harvest.Source{{
			Domain: "feed.test", Credentials: harvest.Credentials{Username: "u", Password: "p"},
		}})
		assert.Equal(t, StateDone, res.Sources[0].State)
		assert.Equal(t, 1, res.Sources[0].Posts)
	})
}

func TestRunFailureReasons(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]*fakeSession{"feed.test": {pages: [][]ItemRef{refs("1")}}})

	res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test", Family: "nope"}})
	assert.Equal(t, "UnsupportedSource", res.Sources[0].Reason)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = f.sched.Run(ctx, []harvest.Source{{Domain: "feed.test"}})
	assert.Equal(t, StateFailed, res.Sources[0].State)
	assert.Equal(t, "Canceled", res.Sources[0].Reason)
	assert.Empty(t, f.writer.posts)
}

func TestRunUsesInlineCaptures(t *testing.T) {
	t.Parallel()

	inline := refs("1", "2")
	inline[0].Capture = &harvest.Capture{Post: harvest.RawPost{PostID: "1", Domain: "feed.test", Payload: []byte(`{}`)}}
	f := newFixture(t, map[string]*fakeSession{
		"feed.test": {pages: [][]ItemRef{inline}, fetchErr: map[string]error{"1": errors.New("not called")}},
	})

	res := f.sched.Run(context.Background(), []harvest.Source{{Domain: "feed.test"}})

	assert.Equal(t, 2, res.Sources[0].Posts)
	assert.Zero(t, res.Sources[0].FailedItems)
}
