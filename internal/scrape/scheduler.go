// Package scrape runs configured sources as concurrent, independently failing
// tasks and persists every captured item before moving on.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/assets"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// Limiter hands out per-host request slots.
type Limiter interface {
	Acquire(ctx context.Context, hostKey string) (*ratelimit.Permit, error)
}

// CodeResolver waits for a one-time login code.
type CodeResolver interface {
	Resolve(ctx context.Context, after, deadline time.Time) (string, error)
}

// CaptureWriter durably appends raw rows.
type CaptureWriter interface {
	AppendCapture(ctx context.Context, post harvest.RawPost, assets []harvest.RawAsset) error
}

// AssetDownloader turns discoveries into raw asset rows.
type AssetDownloader interface {
	Download(ctx context.Context, discoveries []harvest.AssetDiscovery, scrapedAt time.Time) ([]harvest.RawAsset, assets.Stats)
}

// Config controls the scheduler.
type Config struct {
	Concurrency int
	AuthTimeout time.Duration
	OTPTimeout  time.Duration
}

// Deps are the scheduler collaborators. OTP, Downloader and Publisher may be nil.
type Deps struct {
	Registry   *Registry
	Limiter    Limiter
	OTP        CodeResolver
	Writer     CaptureWriter
	Downloader AssetDownloader
	Clock      harvest.Clock
	IDs        harvest.IDGenerator
	Publisher  harvest.Publisher
}

// Scheduler runs sources.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	latest *RunResult
}

// New builds a Scheduler.
func New(deps Deps, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 2 * time.Minute
	}
	if cfg.OTPTimeout <= 0 {
		cfg.OTPTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{deps: deps, cfg: cfg, logger: logger.Named("scrape")}
}

// Latest returns the most recent finished run.
func (s *Scheduler) Latest() (RunResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return RunResult{}, false
	}
	return *s.latest, true
}

// Run scrapes every source concurrently, bounded by the configured
// concurrency. A failing source never cancels its siblings. Canceling ctx
// stops new requests; writes already started complete.
func (s *Scheduler) Run(ctx context.Context, sources []harvest.Source) RunResult {
	runID, err := s.deps.IDs.NewID()
	if err != nil {
		runID = fmt.Sprintf("run-%d", s.deps.Clock.Now().UnixNano())
	}
	res := RunResult{RunID: runID, Started: s.deps.Clock.Now(), Sources: make([]SourceResult, len(sources))}
	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("scrape run started", zap.Int("sources", len(sources)))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, src := range sources {
		g.Go(func() error {
			res.Sources[i] = s.runSource(ctx, src, logger)
			return nil
		})
	}
	_ = g.Wait()
	res.Finished = s.deps.Clock.Now()

	logger.Info("scrape run finished",
		zap.Int("succeeded", res.Succeeded()),
		zap.Int("failed", res.Failed()),
		zap.Int("posts", res.Posts()),
		zap.Duration("elapsed", res.Finished.Sub(res.Started)))

	s.mu.Lock()
	s.latest = &res
	s.mu.Unlock()

	if s.deps.Publisher != nil {
		if _, err := s.deps.Publisher.Publish(context.WithoutCancel(ctx), harvest.TopicScrapeRun, res); err != nil {
			logger.Warn("publish run summary failed", zap.Error(err))
		}
	}
	return res
}

func (s *Scheduler) runSource(ctx context.Context, src harvest.Source, logger *zap.Logger) SourceResult {
	ctx, span := telemetry.Tracer().Start(ctx, "scrape.source")
	defer span.End()
	span.SetAttributes(attribute.String("source", src.Key()), attribute.String("domain", src.Domain))

	metrics.IncActiveSources()
	defer metrics.DecActiveSources()

	t := &task{
		s:      s,
		src:    src,
		res:    SourceResult{Name: src.Key(), Domain: src.Domain, State: StateIdle, Started: s.deps.Clock.Now()},
		logger: logger.With(zap.String("source", src.Key()), zap.String("domain", src.Domain)),
		seen:   map[string]struct{}{},
	}
	err := t.run(ctx)
	t.res.Finished = s.deps.Clock.Now()
	if err != nil {
		t.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, t.res.Reason)
	} else {
		t.transition(StateDone)
	}
	metrics.ObserveSourceRun(string(t.res.State), t.res.Reason)
	t.logger.Info("source finished",
		zap.String("state", string(t.res.State)),
		zap.String("reason", t.res.Reason),
		zap.Int("posts", t.res.Posts),
		zap.Int("assets", t.res.Assets),
		zap.Int("failed_items", t.res.FailedItems))
	return t.res
}

// task is the state of one source within a run.
type task struct {
	s      *Scheduler
	src    harvest.Source
	family Family
	res    SourceResult
	logger *zap.Logger
	seen   map[string]struct{}
}

func (t *task) transition(state State) {
	if t.res.State == state {
		return
	}
	t.logger.Debug("state change", zap.String("from", string(t.res.State)), zap.String("to", string(state)))
	t.res.State = state
}

func (t *task) fail(err error) {
	t.res.Reason = harvest.Reason(err)
	t.res.Error = err.Error()
	t.logger.Warn("source failed", zap.String("from_state", string(t.res.State)), zap.String("reason", t.res.Reason), zap.Error(err))
	t.res.State = StateFailed
}

func (t *task) run(ctx context.Context) error {
	family, err := t.s.deps.Registry.Lookup(t.src)
	if err != nil {
		return err
	}
	t.family = family
	t.res.Family = family.Name()
	for _, target := range t.src.Targets() {
		if t.capped() {
			break
		}
		if err := t.runTarget(ctx, target); err != nil {
			return fmt.Errorf("target %s: %w", target, err)
		}
	}
	return nil
}

func (t *task) runTarget(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := t.family.Open(ctx, t.src, target)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			t.logger.Debug("close session", zap.Error(err))
		}
	}()

	t.transition(StateAuthenticating)
	if err := t.authenticate(ctx, session); err != nil {
		return err
	}

	t.transition(StateFetching)
	listing, err := t.list(ctx, session, ListRequest{Step: 0})
	if err != nil {
		return err
	}
	if err := t.capture(ctx, session, listing.Items); err != nil {
		return err
	}

	done := listing.Done
	for step := 1; !done && step <= t.src.MaxScrolls && !t.capped(); step++ {
		t.transition(StatePaginating)
		listing, err = t.list(ctx, session, ListRequest{Step: step})
		if err != nil {
			return err
		}
		if err := t.capture(ctx, session, listing.Items); err != nil {
			return err
		}
		done = listing.Done
	}

	if t.capped() {
		return nil
	}
	t.transition(StateDraining)
	listing, err = t.list(ctx, session, ListRequest{Drain: true})
	if err != nil {
		return err
	}
	return t.capture(ctx, session, listing.Items)
}

// authenticate runs the login interaction under AuthTimeout. Waiting for a
// one-time code has its own OTPTimeout budget and is not bounded by
// AuthTimeout.
func (t *task) authenticate(ctx context.Context, session Session) error {
	challenge, after, err := t.login(ctx, session)
	if err != nil || challenge != ChallengeCode {
		return err
	}
	return t.submitCode(ctx, session, after)
}

// login returns the challenge left after credentials were submitted and the
// earliest time a code email can be accepted from.
func (t *task) login(ctx context.Context, session Session) (Challenge, time.Time, error) {
	authCtx, cancel := context.WithTimeout(ctx, t.s.cfg.AuthTimeout)
	defer cancel()

	var challenge Challenge
	err := t.gated(authCtx, func(ctx context.Context) error {
		var err error
		challenge, err = session.DetectAuthChallenge(ctx)
		return err
	})
	if err != nil {
		return ChallengeNone, time.Time{}, authErr("detect challenge", err)
	}
	if challenge != ChallengeLogin {
		return challenge, t.s.deps.Clock.Now(), nil
	}
	if t.src.Credentials.Empty() {
		return ChallengeNone, time.Time{}, fmt.Errorf("%w: login required but no credentials configured", harvest.ErrAuthentication)
	}
	loginStart := t.s.deps.Clock.Now()
	err = t.gated(authCtx, func(ctx context.Context) error {
		var err error
		challenge, err = session.Login(ctx, t.src.Credentials)
		return err
	})
	if err != nil {
		return ChallengeNone, time.Time{}, authErr("login", err)
	}
	return challenge, loginStart, nil
}

func (t *task) submitCode(ctx context.Context, session Session, after time.Time) error {
	if t.s.deps.OTP == nil {
		return fmt.Errorf("%w: one-time code requested but no mailbox configured", harvest.ErrAuthentication)
	}
	deadline := t.s.deps.Clock.Now().Add(t.s.cfg.OTPTimeout)
	t.logger.Info("waiting for one-time code", zap.Time("after", after), zap.Time("deadline", deadline))
	code, err := t.s.deps.OTP.Resolve(ctx, after, deadline)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, harvest.ErrOtpTimeout) {
			err = fmt.Errorf("%w: %w", harvest.ErrOtpTimeout, err)
		}
		return authErr("resolve code", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, t.s.cfg.AuthTimeout)
	defer cancel()
	err = t.gated(submitCtx, func(ctx context.Context) error {
		return session.SubmitCode(ctx, code)
	})
	if err != nil {
		return authErr("submit code", err)
	}
	return nil
}

func authErr(step string, err error) error {
	if errors.Is(err, harvest.ErrAuthentication) ||
		errors.Is(err, harvest.ErrOtpTimeout) ||
		errors.Is(err, harvest.ErrRateLimitTimeout) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%w: %s: %w", harvest.ErrAuthentication, step, err)
}

func (t *task) list(ctx context.Context, session Session, req ListRequest) (Listing, error) {
	var listing Listing
	err := t.gated(ctx, func(ctx context.Context) error {
		var err error
		listing, err = session.ListItems(ctx, req)
		return err
	})
	if err != nil {
		return Listing{}, fmt.Errorf("list step %d: %w", req.Step, err)
	}
	t.res.Steps++
	return listing, nil
}

// capture fetches and persists items in order. An item that cannot be
// fetched is counted and skipped; an item that cannot be written stops the
// source.
func (t *task) capture(ctx context.Context, session Session, refs []ItemRef) error {
	for _, ref := range refs {
		if t.capped() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		key := ref.ID
		if key == "" {
			key = ref.URL
		}
		if _, dup := t.seen[key]; dup {
			continue
		}
		t.seen[key] = struct{}{}

		capture, err := t.fetch(ctx, session, ref)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.res.FailedItems++
			metrics.ObserveItem(t.src.Domain, "post", "failed")
			t.logger.Warn("fetch item failed", zap.String("item", key), zap.Error(err))
			continue
		}
		if err := t.persist(ctx, capture); err != nil {
			t.res.FailedItems++
			return err
		}
	}
	return nil
}

func (t *task) fetch(ctx context.Context, session Session, ref ItemRef) (harvest.Capture, error) {
	if ref.Capture != nil {
		return *ref.Capture, nil
	}
	var capture harvest.Capture
	err := t.gated(ctx, func(ctx context.Context) error {
		var err error
		capture, err = session.FetchItem(ctx, ref)
		return err
	})
	return capture, err
}

func (t *task) persist(ctx context.Context, capture harvest.Capture) error {
	post := capture.Post
	if post.Domain == "" {
		post.Domain = t.src.Domain
	}
	if post.Source == "" {
		post.Source = t.family.Name()
	}
	if post.ScrapedAt.IsZero() {
		post.ScrapedAt = t.s.deps.Clock.Now()
	}

	var rawAssets []harvest.RawAsset
	if t.s.deps.Downloader != nil && len(capture.Assets) > 0 {
		var stats assets.Stats
		rawAssets, stats = t.s.deps.Downloader.Download(ctx, capture.Assets, post.ScrapedAt)
		t.res.AssetsSkipped += stats.Skipped
		t.res.AssetsFailed += stats.Failed
	}

	if err := t.s.deps.Writer.AppendCapture(ctx, post, rawAssets); err != nil {
		return err
	}
	t.res.Posts++
	t.res.Assets += len(rawAssets)
	metrics.ObserveItem(post.Domain, "post", "captured")
	return nil
}

func (t *task) gated(ctx context.Context, fn func(context.Context) error) error {
	permit, err := t.s.deps.Limiter.Acquire(ctx, t.src.Domain)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}

func (t *task) capped() bool {
	return t.src.MaxPosts > 0 && t.res.Posts >= t.src.MaxPosts
}
