// Package audit executes audit runs: it drives the crawl of one site through
// fetching, optional rendering, analysis and persistence, runs the
// cross-page rules once the crawl is exhausted, and moves the run through
// its status lifecycle.
package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/analyzer"
	"github.com/lukemcguire/siteaudit/crawler"
	"github.com/lukemcguire/siteaudit/metrics"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
	"github.com/lukemcguire/siteaudit/render"
	"github.com/lukemcguire/siteaudit/store"
)

// Config tunes how runs are executed. Per-run limits come from the run's
// own RunConfig.
type Config struct {
	Concurrency int                   // concurrent fetches per run (default 8)
	Fetch       crawler.FetcherConfig // UserAgent is overridden by the run's
	Heuristic   render.Heuristic      // zero value uses render.DefaultHeuristic
	CancelPoll  time.Duration         // how often Store.CancelRequested is checked (default 1s)
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	return Config{
		Concurrency: crawler.DefaultConfig().Concurrency,
		Fetch:       crawler.DefaultFetcherConfig(),
		Heuristic:   render.DefaultHeuristic(),
		CancelPoll:  time.Second,
	}
}

// Coordinator runs audits against a Store. The analyzer and renderer are
// shared across runs; everything mutable (frontier, fetcher pacing, render
// budget, counters) is created per run.
type Coordinator struct {
	cfg        Config
	store      store.Store
	analyzer   *analyzer.Analyzer
	renderer   render.Renderer
	gate       render.Gate
	reporter   progress.Reporter
	metrics    *metrics.Metrics
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithRenderer enables rendering of JavaScript-dependent pages.
func WithRenderer(r render.Renderer) Option {
	return func(c *Coordinator) { c.renderer = r }
}

// WithGate pauses rendering while gate disallows it.
func WithGate(g render.Gate) Option {
	return func(c *Coordinator) { c.gate = g }
}

// WithReporter publishes progress updates.
func WithReporter(r progress.Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithHTTPClient sets the client fetches and robots.txt lookups use.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) { c.httpClient = client }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a Coordinator.
func New(st store.Store, an *analyzer.Analyzer, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Heuristic == (render.Heuristic{}) {
		cfg.Heuristic = def.Heuristic
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = def.CancelPoll
	}

	c := &Coordinator{
		cfg:      cfg,
		store:    st,
		analyzer: an,
		reporter: progress.Discard,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Summary describes a finished run.
type Summary struct {
	RunID         string               `json:"run_id"`
	StartURL      string               `json:"start_url"`
	Status        model.RunStatus      `json:"status"`
	PagesCrawled  int                  `json:"pages_crawled"`
	IssuesFound   int                  `json:"issues_found"`
	FetchAttempts int                  `json:"fetch_attempts"`
	FetchErrors   int                  `json:"fetch_errors"`
	PagesRendered int                  `json:"pages_rendered"`
	ErrorRate     float64              `json:"error_rate"`
	Duration      time.Duration        `json:"duration"`
	TopIssues     []analyzer.TypeCount `json:"top_issues"`
	Error         string               `json:"error,omitempty"`
}

// Run executes a queued run to completion. The run is moved to running
// first; if another worker got there first Run fails with store.ErrConflict
// and leaves the run alone.
//
// A run that ends failed returns its Summary together with the reason: a
// *FatalError, or an error wrapping ErrCancelled.
func (c *Coordinator) Run(ctx context.Context, runID string) (*Summary, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run.Status != model.StatusQueued {
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrNotQueued)
	}

	at := c.now()
	if err := c.store.UpdateStatus(ctx, runID, model.StatusUpdate{
		From: model.StatusQueued,
		To:   model.StatusRunning,
		At:   at,
	}); err != nil {
		return nil, fmt.Errorf("start run %s: %w", runID, err)
	}
	run.Status = model.StatusRunning
	run.StartedAt = &at

	return c.execute(ctx, run)
}

// Cancel stops a run executing in this process. It reports whether the run
// was found.
func (c *Coordinator) Cancel(runID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[runID]
	c.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// Active returns the IDs of runs executing in this process.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// execute drives a run that is already running in the store.
func (c *Coordinator) execute(ctx context.Context, run *model.AuditRun) (*Summary, error) {
	started := c.now()
	logger := c.logger.With(zap.String("run_id", run.ID))
	c.metrics.RunStarted()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.mu.Lock()
	c.active[run.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, run.ID)
		c.mu.Unlock()
	}()

	state := newRunState(c, run, logger)

	if err := run.Validate(); err != nil {
		return c.finish(ctx, state, started, &FatalError{Reason: "invalid configuration", Err: err})
	}

	logger.Info("audit started",
		zap.String("start_url", run.StartURL),
		zap.Int("max_pages", run.MaxPages),
		zap.Int("max_pages_rendered", run.MaxPagesRendered))

	if err := state.prepare(runCtx, cancel); err != nil {
		return c.finish(ctx, state, started, err)
	}
	defer state.close()

	pollCtx, stopPoll := context.WithCancel(runCtx)
	var wg sync.WaitGroup
	wg.Go(func() { c.watchCancel(pollCtx, run.ID, cancel, logger) })

	crawlErr := state.crawl(runCtx)
	stopPoll()
	wg.Wait()

	if crawlErr != nil {
		return c.finish(ctx, state, started, failureCause(runCtx, crawlErr))
	}
	if err := state.analyzeSite(context.WithoutCancel(ctx)); err != nil {
		return c.finish(ctx, state, started, err)
	}
	return c.finish(ctx, state, started, nil)
}

// failureCause explains why the crawl stopped early.
func failureCause(runCtx context.Context, crawlErr error) error {
	cause := context.Cause(runCtx)
	var fatal *FatalError
	switch {
	case errors.As(cause, &fatal):
		return fatal
	case errors.Is(cause, ErrCancelled), errors.Is(crawlErr, context.Canceled),
		errors.Is(crawlErr, context.DeadlineExceeded):
		if errors.Is(cause, ErrCancelled) {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	default:
		return &FatalError{Reason: "crawl failed", Err: crawlErr}
	}
}

// watchCancel polls the store for a cancellation request.
func (c *Coordinator) watchCancel(ctx context.Context, runID string, cancel context.CancelCauseFunc, logger *zap.Logger) {
	ticker := time.NewTicker(c.cfg.CancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := c.store.CancelRequested(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("check cancellation request", zap.Error(err))
				}
				continue
			}
			if requested {
				logger.Info("cancellation requested")
				cancel(ErrCancelled)
				return
			}
		}
	}
}

// finish moves the run to its terminal status and publishes the final
// update. cause is nil for a completed run.
func (c *Coordinator) finish(ctx context.Context, state *runState, started time.Time, cause error) (*Summary, error) {
	persistCtx := context.WithoutCancel(ctx)
	upd := model.StatusUpdate{
		From:  model.StatusRunning,
		To:    model.StatusCompleted,
		At:    c.now(),
		Stats: state.stats(),
	}
	if cause != nil {
		upd.To = model.StatusFailed
		upd.ErrorMessage = failureMessage(cause)
	}

	if err := c.store.UpdateStatus(persistCtx, state.run.ID, upd); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("finish run %s: %w", state.run.ID, err))
	}

	elapsed := upd.At.Sub(started)
	c.metrics.RunFinished(string(upd.To), elapsed)
	state.report(persistCtx, upd.To, upd.ErrorMessage)

	logger := state.logger.With(zap.String("status", string(upd.To)), zap.Duration("elapsed", elapsed))
	if cause != nil {
		logger.Warn("audit failed", zap.String("error", upd.ErrorMessage))
	} else {
		logger.Info("audit completed")
	}

	summary, err := c.Summarize(persistCtx, state.run.ID)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return summary, cause
}

// failureMessage is the message recorded on a failed run.
func failureMessage(cause error) string {
	if errors.Is(cause, ErrCancelled) {
		return ErrCancelled.Error()
	}
	return cause.Error()
}

// Summarize builds the summary of a run from the store.
func (c *Coordinator) Summarize(ctx context.Context, runID string) (*Summary, error) {
	return Summarize(ctx, c.store, runID)
}

// Summarize builds the summary of any run from st.
func Summarize(ctx context.Context, st store.Store, runID string) (*Summary, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize run: %w", err)
	}
	issues, err := st.ListIssues(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize run: %w", err)
	}

	s := &Summary{
		RunID:         run.ID,
		StartURL:      run.StartURL,
		Status:        run.Status,
		PagesCrawled:  run.PagesCrawled,
		IssuesFound:   run.IssuesFound,
		FetchAttempts: run.FetchAttempts,
		FetchErrors:   run.FetchErrors,
		PagesRendered: run.PagesRendered,
		ErrorRate:     run.ErrorRate(),
		TopIssues:     analyzer.Rollup(issues),
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		s.Duration = run.CompletedAt.Sub(*run.StartedAt)
	}
	if run.ErrorMessage != nil {
		s.Error = *run.ErrorMessage
	}
	return s, nil
}
