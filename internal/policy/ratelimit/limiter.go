// Package ratelimit gates outbound requests per host with a minimum
// inter-request interval and a cap on in-flight requests.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// DefaultPolicy applies to hosts without explicit configuration.
var DefaultPolicy = HostPolicy{MinInterval: 3 * time.Second, MaxInFlight: 1}

// HostPolicy is the request budget for one host.
type HostPolicy struct {
	MinInterval time.Duration
	MaxInFlight int
}

// Config holds rate limiter configuration. Zero fields fall back to DefaultPolicy.
type Config struct {
	Default        HostPolicy
	Hosts          map[string]HostPolicy
	AcquireTimeout time.Duration
}

// Limiter manages per-host request slots. The mutex only guards the gate map.
type Limiter struct {
	mu    sync.Mutex
	gates map[string]*gate
	cfg   Config
}

type gate struct {
	policy  HostPolicy
	limiter *rate.Limiter
	slots   *semaphore.Weighted
}

// Permit is a granted request slot. Release returns it; extra calls are no-ops.
type Permit struct {
	Host string
	// NotBefore is the earliest instant the request may be issued; Acquire
	// returns no earlier than this.
	NotBefore time.Time

	gate *gate
	once sync.Once
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	cfg.Default = withFallback(cfg.Default, DefaultPolicy)
	hosts := make(map[string]HostPolicy, len(cfg.Hosts))
	for host, p := range cfg.Hosts {
		hosts[HostKey(host)] = withFallback(p, cfg.Default)
	}
	cfg.Hosts = hosts
	return &Limiter{
		gates: make(map[string]*gate),
		cfg:   cfg,
	}
}

// Policy reports the budget in force for host.
func (l *Limiter) Policy(host string) HostPolicy {
	if p, ok := l.cfg.Hosts[HostKey(host)]; ok {
		return p
	}
	return l.cfg.Default
}

// Acquire blocks until a request slot for hostKey is available. hostKey may be
// a bare host or a URL. When the configured acquire timeout elapses first the
// error wraps harvest.ErrRateLimitTimeout; a canceled ctx yields ctx's error.
func (l *Limiter) Acquire(ctx context.Context, hostKey string) (*Permit, error) {
	host := HostKey(hostKey)
	g := l.gate(host)

	waitCtx := ctx
	if l.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := g.slots.Acquire(waitCtx, 1); err != nil {
		return nil, acquireErr(ctx, host, err)
	}
	notBefore, err := g.reserve(waitCtx)
	if err != nil {
		g.slots.Release(1)
		return nil, acquireErr(ctx, host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(host, waited)
	}
	return &Permit{Host: host, NotBefore: notBefore, gate: g}, nil
}

// Release returns the slot to its host.
func (p *Permit) Release() {
	if p == nil || p.gate == nil {
		return
	}
	p.once.Do(func() {
		p.gate.slots.Release(1)
	})
}

func (l *Limiter) gate(host string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[host]
	if !ok {
		policy := l.Policy(host)
		g = &gate{
			policy:  policy,
			limiter: rate.NewLimiter(rate.Every(policy.MinInterval), 1),
			slots:   semaphore.NewWeighted(int64(policy.MaxInFlight)),
		}
		l.gates[host] = g
	}
	return g
}

// reserve takes the next interval slot, sleeping until it opens.
func (g *gate) reserve(ctx context.Context) (time.Time, error) {
	now := time.Now()
	r := g.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Time{}, fmt.Errorf("reservation refused for policy %v", g.policy)
	}
	delay := r.DelayFrom(now)
	at := now.Add(delay)
	if delay <= 0 {
		return at, nil
	}
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(at) {
		r.CancelAt(now)
		return time.Time{}, context.DeadlineExceeded
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return at, nil
	case <-ctx.Done():
		r.Cancel()
		return time.Time{}, ctx.Err()
	}
}

func acquireErr(parent context.Context, host string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("acquire %s: %w", host, parent.Err())
	}
	return fmt.Errorf("acquire %s: %w (%v)", host, harvest.ErrRateLimitTimeout, err)
}

func withFallback(p, fallback HostPolicy) HostPolicy {
	if p.MinInterval <= 0 {
		p.MinInterval = fallback.MinInterval
	}
	if p.MaxInFlight <= 0 {
		p.MaxInFlight = fallback.MaxInFlight
	}
	return p
}

// HostKey normalizes a host or URL into the limiter key: lowercase host
// without port or leading "www.".
func HostKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			raw = u.Hostname()
		}
	} else if i := strings.IndexAny(raw, "/:"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.ToLower(raw)
	raw = strings.TrimPrefix(raw, "www.")
	if raw == "" {
		return "unknown"
	}
	return raw
}
