// Package crawler discovers and fetches the pages of one site. It provides
// the per-run URL frontier with robots.txt and scope rules, an HTTP fetcher
// with classified errors, retries and adaptive pacing, a streaming link
// extractor, and the breadth-first crawl loop that ties them to a bounded
// worker pool.
package crawler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Crawler drains a Frontier with a pool of workers. Each dequeued entry is
// handed to the Visitor; the links it returns are fed back into the frontier
// one level deeper. Run returns once the frontier is empty and no visit is
// in flight.
type Crawler struct {
	cfg      Config
	frontier *Frontier
	visitor  Visitor
	onEvent  func(CrawlEvent)
	logger   *zap.Logger
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithEvents calls fn after every visit, from the goroutine running Run.
func WithEvents(fn func(CrawlEvent)) Option {
	return func(c *Crawler) { c.onEvent = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) { c.logger = logger }
}

// New creates a Crawler over frontier. The frontier must already hold the
// start URL.
func New(frontier *Frontier, visitor Visitor, cfg Config, opts ...Option) *Crawler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	c := &Crawler{
		cfg:      cfg,
		frontier: frontier,
		visitor:  visitor,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run crawls until the frontier is exhausted and every visit has returned.
//
// When ctx ends, no further entries are dispatched; visits already running
// see the cancellation through their context and are still collected before
// Run returns ctx's error. Pending entries are dropped.
func (c *Crawler) Run(ctx context.Context) (Stats, error) {
	jobs := make(chan FrontierEntry)
	results := make(chan CrawlResult, c.cfg.Concurrency)

	errGroup, groupCtx := errgroup.WithContext(ctx)
	for range c.cfg.Concurrency {
		errGroup.Go(func() error {
			for entry := range jobs {
				links, err := c.visitor.Visit(groupCtx, entry)
				// Always send: the dispatch loop counts every job back in.
				results <- CrawlResult{Entry: entry, Links: links, Err: err}
			}
			return nil
		})
	}

	var (
		stats    Stats
		inFlight int
		next     FrontierEntry
		hasNext  bool
		stopped  bool
	)
	cancelled := ctx.Done()
	for {
		if !hasNext && !stopped {
			next, hasNext = c.frontier.Next()
		}
		if (stopped || !hasNext) && inFlight == 0 {
			break
		}

		var dispatch chan<- FrontierEntry
		if hasNext && !stopped {
			dispatch = jobs
		}

		select {
		case dispatch <- next:
			hasNext = false
			inFlight++
		case res := <-results:
			inFlight--
			c.collect(ctx, res, stopped, &stats, inFlight)
		case <-cancelled:
			stopped = true
			cancelled = nil
			if hasNext {
				stats.Dropped++
				hasNext = false
			}
			stats.Dropped += c.frontier.Size()
			c.logger.Info("crawl cancelled, waiting for in-flight visits",
				zap.Int("in_flight", inFlight))
		}
	}

	close(jobs)
	if err := errGroup.Wait(); err != nil {
		return stats, fmt.Errorf("wait for workers: %w", err)
	}
	stats.Accepted = c.frontier.Accepted()
	// links discovered after cancellation were not enqueued
	if stopped || ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, nil
}

// collect records one finished visit and enqueues the links it discovered.
func (c *Crawler) collect(ctx context.Context, res CrawlResult, stopped bool, stats *Stats, inFlight int) {
	stats.Processed++
	if res.Err != nil {
		stats.Failed++
		c.logger.Debug("visit failed",
			zap.String("url", res.Entry.URL),
			zap.Int("depth", res.Entry.Depth),
			zap.Error(res.Err))
	}

	enqueued := 0
	if !stopped && ctx.Err() == nil {
		for _, link := range res.Links {
			if c.frontier.Enqueue(ctx, link, res.Entry.Depth+1, res.Entry.URL) {
				enqueued++
			}
		}
	}

	if c.onEvent != nil {
		c.onEvent(CrawlEvent{
			URL:       res.Entry.URL,
			Depth:     res.Entry.Depth,
			Links:     len(res.Links),
			Enqueued:  enqueued,
			Err:       res.Err,
			Processed: stats.Processed,
			Accepted:  c.frontier.Accepted(),
			Pending:   c.frontier.Size(),
			InFlight:  inFlight,
		})
	}
}
