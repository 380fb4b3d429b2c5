package scrape

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Challenge is what a session needs before it can list items.
type Challenge int

// Challenges reported by Session.DetectAuthChallenge and Session.Login.
const (
	ChallengeNone Challenge = iota
	ChallengeLogin
	ChallengeCode
)

func (c Challenge) String() string {
	switch c {
	case ChallengeNone:
		return "none"
	case ChallengeLogin:
		return "login"
	case ChallengeCode:
		return "code"
	default:
		return fmt.Sprintf("challenge(%d)", int(c))
	}
}

// ListRequest asks a session for the next page of item references. Step 0 is
// the initial fetch; Drain asks for whatever is still buffered without
// advancing.
type ListRequest struct {
	Step  int
	Drain bool
}

// ItemRef points at one item found while listing.
type ItemRef struct {
	ID  string
	URL string
	// Data carries family-specific state from ListItems to FetchItem.
	Data any
	// Capture, when set, is the complete item and FetchItem is not called.
	Capture *harvest.Capture
}

// Listing is one page of references. Done means nothing follows.
type Listing struct {
	Items []ItemRef
	Done  bool
}

// Session is one target of a source, opened by its family. The scheduler
// calls it from a single goroutine.
type Session interface {
	DetectAuthChallenge(ctx context.Context) (Challenge, error)
	// Login submits credentials and reports whether a one-time code is needed next.
	Login(ctx context.Context, creds harvest.Credentials) (Challenge, error)
	SubmitCode(ctx context.Context, code string) error
	ListItems(ctx context.Context, req ListRequest) (Listing, error)
	FetchItem(ctx context.Context, ref ItemRef) (harvest.Capture, error)
	Close() error
}

// Family opens sessions for the domains it serves.
type Family interface {
	Name() string
	Open(ctx context.Context, src harvest.Source, target string) (Session, error)
}

type registration struct {
	pattern string
	family  Family
}

// Registry selects a family by domain pattern. Patterns are tried in
// registration order; "*" matches any domain.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
	byName  map[string]Family
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Family{}}
}

// Register routes every domain matching one of patterns to family.
func (r *Registry) Register(family Family, patterns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[family.Name()] = family
	for _, p := range patterns {
		r.entries = append(r.entries, registration{pattern: p, family: family})
	}
}

// Lookup returns the family for src: its explicit family when set, else the
// first pattern matching its domain.
func (r *Registry) Lookup(src harvest.Source) (Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src.Family != "" {
		if f, ok := r.byName[src.Family]; ok {
			return f, nil
		}
		return nil, fmt.Errorf("%w: family %q", harvest.ErrUnsupportedSource, src.Family)
	}
	for _, e := range r.entries {
		if harvest.MatchDomain(e.pattern, src.Domain) {
			return e.family, nil
		}
	}
	return nil, fmt.Errorf("%w: no family for %q", harvest.ErrUnsupportedSource, src.Domain)
}
