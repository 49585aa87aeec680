// Package render turns JavaScript-dependent pages into their rendered DOM.
//
// Rendering is the most expensive step of an audit, so it is gated three
// ways: a conservative heuristic decides whether a page needs it at all, a
// per-run Budget caps how many pages may be rendered, and an optional memory
// Gate pauses rendering under pressure. Failures never fail the page; the
// caller keeps the unrendered HTML and marks the page render-incomplete.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Result is a rendered page.
type Result struct {
	HTML    string
	Elapsed time.Duration
}

// Renderer loads a URL in a browser and returns the resulting DOM.
type Renderer interface {
	Render(ctx context.Context, url string) (Result, error)
}

// Error is returned when a render fails.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Budget caps the number of renders in one run. Safe for concurrent use.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget returns a budget allowing limit renders. A non-positive limit
// allows none.
func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// TryAcquire takes one render slot, reporting false once the budget is spent.
func (b *Budget) TryAcquire() bool {
	for {
		used := b.used.Load()
		if used >= b.limit {
			return false
		}
		if b.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

// Used returns how many slots have been taken.
func (b *Budget) Used() int {
	return int(b.used.Load())
}

// Remaining returns how many slots are left.
func (b *Budget) Remaining() int {
	return int(max(b.limit-b.used.Load(), 0))
}

// Gate reports whether memory-heavy work may start.
type Gate interface {
	Allow() bool
}

// Outcome is what Router.Process decided for one page.
type Outcome struct {
	HTML       []byte
	Rendered   bool
	Incomplete bool          // rendering was attempted and failed
	Skipped    string        // why a page needing render was not rendered
	Elapsed    time.Duration // render time, zero when not rendered
	Err        error         // *Error when Incomplete
}

// Skip reasons reported in Outcome.Skipped.
const (
	SkipBudget   = "budget"
	SkipMemory   = "memory"
	SkipDisabled = "disabled"
)

// Router applies the heuristic, budget and memory gate in front of a
// Renderer.
type Router struct {
	renderer  Renderer
	budget    *Budget
	heuristic Heuristic
	gate      Gate
	logger    *zap.Logger
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithGate pauses rendering while gate disallows it.
func WithGate(gate Gate) RouterOption {
	return func(r *Router) { r.gate = gate }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates a Router. A nil renderer disables rendering.
func NewRouter(renderer Renderer, budget *Budget, heuristic Heuristic, opts ...RouterOption) *Router {
	if budget == nil {
		budget = NewBudget(0)
	}
	r := &Router{
		renderer:  renderer,
		budget:    budget,
		heuristic: heuristic,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Budget returns the router's render budget.
func (r *Router) Budget() *Budget {
	return r.budget
}

// Process returns the HTML to analyze for url. Pages the heuristic does not
// flag, and pages that cannot be rendered, keep their fetched HTML.
func (r *Router) Process(ctx context.Context, url string, fetched []byte) Outcome {
	out := Outcome{HTML: fetched}
	if !NeedsRender(fetched, r.heuristic) {
		return out
	}

	switch {
	case r.renderer == nil:
		out.Skipped = SkipDisabled
		return out
	case r.gate != nil && !r.gate.Allow():
		out.Skipped = SkipMemory
		r.logger.Debug("render skipped under memory pressure", zap.String("url", url))
		return out
	case !r.budget.TryAcquire():
		out.Skipped = SkipBudget
		return out
	}

	res, err := r.renderer.Render(ctx, url)
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			rerr = &Error{URL: url, Err: err}
		}
		r.logger.Warn("render failed, using fetched HTML",
			zap.String("url", url), zap.Error(err))
		out.Incomplete = true
		out.Err = rerr
		return out
	}

	out.HTML = []byte(res.HTML)
	out.Rendered = true
	out.Elapsed = res.Elapsed
	return out
}
