package crawler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/urlutil"
)

// FrontierEntry is a URL waiting to be fetched.
type FrontierEntry struct {
	URL    string // normalized comparison key
	Depth  int    // link hops from the start URL
	Source string // page the URL was discovered on; empty for the start URL
}

// Verdict explains what Admit decided for a URL.
type Verdict int

const (
	Accepted Verdict = iota
	Duplicate
	OutOfScope
	OverCap
	Disallowed
	Invalid
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case OutOfScope:
		return "out_of_scope"
	case OverCap:
		return "over_cap"
	case Disallowed:
		return "disallowed"
	default:
		return "invalid"
	}
}

// FrontierConfig configures a Frontier.
type FrontierConfig struct {
	MaxPages       int
	FollowExternal bool
	Robots         RobotsPolicy // nil disables robots.txt checks
	Logger         *zap.Logger
}

// Frontier is the set of discovered-but-unfetched URLs of one audit run. It
// dequeues in FIFO order, so the crawl is breadth-first, and it never accepts
// more than MaxPages URLs over its lifetime. Safe for concurrent use.
type Frontier struct {
	cfg    FrontierConfig
	scope  *urlutil.Scope
	seen   *VisitedTracker
	logger *zap.Logger

	mu       sync.Mutex
	queue    []FrontierEntry
	head     int
	accepted int
}

// NewFrontier creates an empty frontier scoped to startURL's site.
func NewFrontier(startURL string, cfg FrontierConfig) (*Frontier, error) {
	if cfg.MaxPages < 1 {
		return nil, fmt.Errorf("max pages must be at least 1, got %d", cfg.MaxPages)
	}
	scope, err := urlutil.NewScope(startURL)
	if err != nil {
		return nil, fmt.Errorf("frontier scope: %w", err)
	}
	seen, err := NewVisitedTracker(uint(cfg.MaxPages) * 2)
	if err != nil {
		return nil, fmt.Errorf("frontier seen set: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:    cfg,
		scope:  scope,
		seen:   seen,
		logger: logger,
	}, nil
}

// Enqueue adds rawURL at the given depth and reports whether it was accepted.
func (f *Frontier) Enqueue(ctx context.Context, rawURL string, depth int, source string) bool {
	return f.Admit(ctx, rawURL, depth, source) == Accepted
}

// Admit is Enqueue with the reason for the decision.
//
// The cap and the seen set are checked and updated under one lock, so
// concurrent discoveries can never push the frontier past MaxPages or admit
// one URL twice. The robots.txt lookup may block on the network and runs
// outside the lock; the cap is re-checked afterwards.
func (f *Frontier) Admit(ctx context.Context, rawURL string, depth int, source string) Verdict {
	key, err := urlutil.Normalize(rawURL)
	if err != nil || !urlutil.IsHTTPScheme(key) {
		return Invalid
	}
	if !f.cfg.FollowExternal && !f.scope.Contains(key) {
		return OutOfScope
	}

	f.mu.Lock()
	switch {
	case f.accepted >= f.cfg.MaxPages:
		f.mu.Unlock()
		return OverCap
	case f.seen.Seen(key):
		f.mu.Unlock()
		return Duplicate
	}
	f.mu.Unlock()

	if f.cfg.Robots != nil {
		allowed, robotsErr := f.cfg.Robots.Allowed(ctx, key)
		if robotsErr != nil {
			f.logger.Debug("robots.txt check failed, allowing",
				zap.String("url", key), zap.Error(robotsErr))
		}
		if !allowed {
			// remember the URL so later links to it skip the lookup
			f.mu.Lock()
			f.seen.VisitIfNew(key)
			f.mu.Unlock()
			return Disallowed
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.accepted >= f.cfg.MaxPages {
		return OverCap
	}
	if !f.seen.VisitIfNew(key) {
		return Duplicate
	}
	f.accepted++
	f.queue = append(f.queue, FrontierEntry{URL: key, Depth: depth, Source: source})
	return Accepted
}

// Next dequeues the oldest pending entry. It returns false when nothing is
// pending; more entries may still arrive while fetches are in flight.
func (f *Frontier) Next() (FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.head >= len(f.queue) {
		return FrontierEntry{}, false
	}
	entry := f.queue[f.head]
	f.queue[f.head] = FrontierEntry{}
	f.head++

	if f.head > 64 && f.head*2 >= len(f.queue) {
		f.queue = append(f.queue[:0:0], f.queue[f.head:]...)
		f.head = 0
	}
	return entry, true
}

// Size returns the number of pending entries.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.head
}

// Accepted returns how many URLs have been accepted, pending or dequeued.
func (f *Frontier) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// Close releases the seen set.
func (f *Frontier) Close() error {
	if err := f.seen.Close(); err != nil {
		return fmt.Errorf("close frontier: %w", err)
	}
	return nil
}
