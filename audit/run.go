package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/analyzer"
	"github.com/lukemcguire/siteaudit/crawler"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
	"github.com/lukemcguire/siteaudit/render"
)

// runState is everything one executing run owns.
type runState struct {
	c      *Coordinator
	run    *model.AuditRun
	logger *zap.Logger

	frontier *crawler.Frontier
	fetcher  *crawler.Fetcher
	router   *render.Router
	abort    context.CancelCauseFunc

	// touched only by the goroutine driving the crawl
	tracker   *progress.Tracker
	processed int
	accepted  int
	pending   int

	attempts    atomic.Int64
	fetchErrors atomic.Int64
	rendered    atomic.Int64
	pages       atomic.Int64
	issues      atomic.Int64
}

func newRunState(c *Coordinator, run *model.AuditRun, logger *zap.Logger) *runState {
	return &runState{
		c:       c,
		run:     run,
		logger:  logger,
		tracker: progress.NewTracker(run.MaxPages),
	}
}

// prepare builds the run's fetcher, frontier and render router, and seeds the
// frontier with the start URL.
func (r *runState) prepare(ctx context.Context, abort context.CancelCauseFunc) error {
	r.abort = abort

	fetchCfg := r.c.cfg.Fetch
	if r.run.UserAgent != "" {
		fetchCfg.UserAgent = r.run.UserAgent
	}
	fetchOpts := []crawler.FetcherOption{crawler.WithFetchLogger(r.logger)}
	if r.c.httpClient != nil {
		fetchOpts = append(fetchOpts, crawler.WithHTTPClient(r.c.httpClient))
	}
	r.fetcher = crawler.NewFetcher(fetchCfg, fetchOpts...)

	frontierCfg := crawler.FrontierConfig{
		MaxPages:       r.run.MaxPages,
		FollowExternal: r.run.FollowExternal,
		Logger:         r.logger,
	}
	if r.run.RespectRobots {
		frontierCfg.Robots = crawler.NewRobotsChecker(r.fetcher.Client(), r.fetcher.UserAgent(),
			crawler.WithRobotsTimeout(fetchCfg.Timeout))
	}
	frontier, err := crawler.NewFrontier(r.run.StartURL, frontierCfg)
	if err != nil {
		return &FatalError{Reason: "create frontier", Err: err}
	}

	switch verdict := frontier.Admit(ctx, r.run.StartURL, 0, ""); verdict {
	case crawler.Accepted:
	case crawler.Disallowed:
		_ = frontier.Close()
		return &FatalError{Reason: "start URL is disallowed by robots.txt"}
	default:
		_ = frontier.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return &FatalError{Reason: fmt.Sprintf("start URL rejected: %s", verdict)}
	}
	r.frontier = frontier

	routerOpts := []render.RouterOption{render.WithLogger(r.logger)}
	if r.c.gate != nil {
		routerOpts = append(routerOpts, render.WithGate(r.c.gate))
	}
	r.router = render.NewRouter(r.c.renderer, render.NewBudget(r.run.MaxPagesRendered),
		r.c.cfg.Heuristic, routerOpts...)
	return nil
}

func (r *runState) close() {
	if r.frontier == nil {
		return
	}
	if err := r.frontier.Close(); err != nil {
		r.logger.Warn("close frontier", zap.Error(err))
	}
}

// crawl visits pages until the frontier is exhausted and nothing is in
// flight.
func (r *runState) crawl(ctx context.Context) error {
	cr := crawler.New(r.frontier, r, crawler.Config{Concurrency: r.c.cfg.Concurrency},
		crawler.WithEvents(func(ev crawler.CrawlEvent) { r.onEvent(ctx, ev) }),
		crawler.WithLogger(r.logger))

	stats, err := cr.Run(ctx)
	r.logger.Debug("crawl finished",
		zap.Int("processed", stats.Processed),
		zap.Int("failed", stats.Failed),
		zap.Int("accepted", stats.Accepted),
		zap.Int("dropped", stats.Dropped),
		zap.Error(err))
	return err
}

// Visit fetches one page, renders it when needed, extracts its links,
// analyzes it and persists it with its issues.
func (r *runState) Visit(ctx context.Context, entry crawler.FrontierEntry) ([]string, error) {
	logger := r.logger.With(zap.String("url", entry.URL), zap.Int("depth", entry.Depth))

	r.attempts.Add(1)
	r.c.metrics.FetchStarted()
	resp, err := r.fetcher.Fetch(ctx, entry.URL)
	r.c.metrics.FetchDone()
	if err != nil {
		return nil, r.fetchFailed(ctx, entry, err, logger)
	}

	page := &model.CrawledPage{
		RunID:        r.run.ID,
		URL:          entry.URL,
		StatusCode:   resp.StatusCode,
		ResponseTime: resp.Elapsed,
		Depth:        entry.Depth,
		ContentType:  resp.ContentType,
	}
	content := page.IsSuccess() && page.IsHTML()

	body := resp.Body
	if content {
		out := r.router.Process(ctx, resp.URL, body)
		body = cleanText(out.HTML)
		page.Rendered = out.Rendered
		page.RenderIncomplete = out.Incomplete
		page.HTML = string(body)
		r.observeRender(out)
	}

	links := crawler.PageLinks(resp, body)
	page.Links = links
	page.OutboundLinks = len(links)

	var doc *analyzer.Document
	if content {
		doc, err = analyzer.Parse(body)
		if err != nil {
			logger.Debug("parse page", zap.Error(err))
			doc = nil
		} else {
			page.Title = doc.Title
			page.MetaDescription = doc.MetaDescription
			page.WordCount = doc.WordCount
		}
	}

	findings, ruleErr := r.c.analyzer.AnalyzePage(page, doc)
	if ruleErr != nil {
		logger.Debug("rules skipped", zap.Error(ruleErr))
	}
	if err := r.persist(ctx, page, findings); err != nil {
		return nil, err
	}
	return links, nil
}

// fetchFailed handles a fetch that produced no response. A server that
// accepted the connection and then failed is recorded as a page with status
// 0; anything else is counted as a fetch error, and is fatal for the start
// URL.
func (r *runState) fetchFailed(ctx context.Context, entry crawler.FrontierEntry, err error, logger *zap.Logger) error {
	var fetchErr *crawler.FetchError
	if !errors.As(err, &fetchErr) {
		return err
	}

	if fetchErr.ServerSide {
		logger.Info("server failed before responding", zap.String("kind", string(fetchErr.Kind)))
		page := &model.CrawledPage{RunID: r.run.ID, URL: entry.URL, Depth: entry.Depth}
		findings, _ := r.c.analyzer.AnalyzePage(page, nil)
		return r.persist(ctx, page, findings)
	}

	r.fetchErrors.Add(1)
	r.c.metrics.ObserveFetchError(string(fetchErr.Kind))
	logger.Warn("fetch failed", zap.String("kind", string(fetchErr.Kind)), zap.Error(fetchErr.Err))

	if entry.Depth == 0 {
		fatal := &FatalError{Reason: "start URL unreachable", Err: fetchErr}
		r.abort(fatal)
		return fatal
	}
	return fetchErr
}

func (r *runState) observeRender(out render.Outcome) {
	switch {
	case out.Rendered:
		r.rendered.Add(1)
		r.c.metrics.ObserveRender("rendered")
	case out.Incomplete:
		r.c.metrics.ObserveRender("failed")
	case out.Skipped != "":
		r.c.metrics.ObserveRender("skipped_" + out.Skipped)
	}
}

// persist stores a page with its issues. Writes outlive cancellation so a
// fetched page is never half-recorded; a store failure aborts the run.
func (r *runState) persist(ctx context.Context, page *model.CrawledPage, findings []analyzer.Finding) error {
	now := r.c.now()
	page.CrawledAt = now
	issues := make([]model.AuditIssue, len(findings))
	for i, f := range findings {
		issues[i] = f.Issue(r.run.ID, 0, now)
	}

	if err := r.c.store.SavePage(context.WithoutCancel(ctx), page, issues); err != nil {
		fatal := &FatalError{Reason: "persist page " + page.URL, Err: err}
		r.abort(fatal)
		return fatal
	}

	r.pages.Add(1)
	r.issues.Add(int64(len(issues)))
	r.c.metrics.ObservePage(page.StatusCode, page.ResponseTime)
	for _, issue := range issues {
		r.c.metrics.ObserveIssue(string(issue.Type), string(issue.Severity))
	}
	return nil
}

// analyzeSite runs the cross-page rules over every persisted page.
func (r *runState) analyzeSite(ctx context.Context) error {
	pages, err := r.c.store.ListPages(ctx, r.run.ID)
	if err != nil {
		return &FatalError{Reason: "load pages", Err: err}
	}

	findings, ruleErr := r.c.analyzer.AnalyzeSite(pages)
	if ruleErr != nil {
		r.logger.Warn("site rules skipped", zap.Error(ruleErr))
	}
	if len(findings) == 0 {
		return nil
	}

	ids := make(map[string]int64, len(pages))
	for _, p := range pages {
		ids[p.URL] = p.ID
	}
	now := r.c.now()
	issues := make([]model.AuditIssue, len(findings))
	for i, f := range findings {
		issues[i] = f.Issue(r.run.ID, ids[f.PageURL], now)
	}
	if err := r.c.store.SaveIssues(ctx, r.run.ID, issues); err != nil {
		return &FatalError{Reason: "persist site issues", Err: err}
	}

	r.issues.Add(int64(len(issues)))
	for _, issue := range issues {
		r.c.metrics.ObserveIssue(string(issue.Type), string(issue.Severity))
	}
	r.logger.Debug("site rules applied", zap.Int("issues", len(issues)))
	return nil
}

func (r *runState) onEvent(ctx context.Context, ev crawler.CrawlEvent) {
	r.processed = ev.Processed
	r.accepted = ev.Accepted
	r.pending = ev.Pending

	u := r.update(model.StatusRunning)
	u.URL = ev.URL
	u.Percent = r.tracker.Percent(ev.Processed)
	if err := r.c.reporter.Report(ctx, u); err != nil && ctx.Err() == nil {
		r.logger.Debug("report progress", zap.Error(err))
	}
}

// report publishes the final update of the run.
func (r *runState) report(ctx context.Context, status model.RunStatus, errMsg string) {
	u := r.update(status)
	u.Pending = 0
	u.Error = errMsg
	if status == model.StatusCompleted {
		u.Percent = r.tracker.Complete()
	} else {
		u.Percent = r.tracker.Percent(r.processed)
	}
	if err := r.c.reporter.Report(ctx, u); err != nil {
		r.logger.Debug("report progress", zap.Error(err))
	}
}

func (r *runState) update(status model.RunStatus) progress.Update {
	return progress.Update{
		RunID:         r.run.ID,
		Status:        status,
		Processed:     r.processed,
		Accepted:      r.accepted,
		Pending:       r.pending,
		MaxPages:      r.run.MaxPages,
		PagesCrawled:  int(r.pages.Load()),
		IssuesFound:   int(r.issues.Load()),
		FetchErrors:   int(r.fetchErrors.Load()),
		PagesRendered: int(r.rendered.Load()),
		At:            r.c.now(),
	}
}

func (r *runState) stats() *model.RunStats {
	return &model.RunStats{
		FetchAttempts: int(r.attempts.Load()),
		FetchErrors:   int(r.fetchErrors.Load()),
		PagesRendered: int(r.rendered.Load()),
	}
}

// cleanText makes a page body safe to store as text: invalid UTF-8 becomes
// U+FFFD and NUL bytes are dropped.
func cleanText(b []byte) []byte {
	b = bytes.ToValidUTF8(b, []byte("\uFFFD"))
	return bytes.ReplaceAll(b, []byte{0}, nil)
}
