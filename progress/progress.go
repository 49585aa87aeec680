// Package progress publishes live audit progress to the terminal UI, logs
// and Redis.
package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/model"
)

// Update is a point-in-time view of a run. Percent never decreases over a
// run and is 100 once the run completes.
type Update struct {
	RunID         string          `json:"run_id"`
	Status        model.RunStatus `json:"status"`
	Processed     int             `json:"processed"`
	Accepted      int             `json:"accepted"`
	Pending       int             `json:"pending"`
	MaxPages      int             `json:"max_pages"`
	PagesCrawled  int             `json:"pages_crawled"`
	IssuesFound   int             `json:"issues_found"`
	FetchErrors   int             `json:"fetch_errors"`
	PagesRendered int             `json:"pages_rendered"`
	Percent       float64         `json:"percent"`
	URL           string          `json:"url,omitempty"`
	Error         string          `json:"error,omitempty"`
	At            time.Time       `json:"at"`
}

// Done reports whether the update is the last one of its run.
func (u Update) Done() bool {
	return u.Status.IsTerminal()
}

// Reporter receives progress updates. Report is called from one goroutine
// per run, in order.
type Reporter interface {
	Report(ctx context.Context, u Update) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, u Update) error

func (f ReporterFunc) Report(ctx context.Context, u Update) error {
	return f(ctx, u)
}

// Discard drops every update.
var Discard Reporter = ReporterFunc(func(context.Context, Update) error { return nil })

// Channel delivers updates on a channel. Sends block until the receiver is
// ready or ctx ends.
type Channel struct {
	ch chan<- Update
}

// NewChannel creates a reporter sending on ch.
func NewChannel(ch chan<- Update) *Channel {
	return &Channel{ch: ch}
}

func (c *Channel) Report(ctx context.Context, u Update) error {
	select {
	case c.ch <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Log writes updates to a zap logger at debug level, and the final update
// at info.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging reporter.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Report(_ context.Context, u Update) error {
	fields := []zap.Field{
		zap.String("run_id", u.RunID),
		zap.String("status", string(u.Status)),
		zap.Int("processed", u.Processed),
		zap.Int("pages_crawled", u.PagesCrawled),
		zap.Int("issues_found", u.IssuesFound),
		zap.Float64("percent", u.Percent),
	}
	if u.Done() {
		if u.Error != "" {
			fields = append(fields, zap.String("error", u.Error))
		}
		l.logger.Info("audit finished", fields...)
		return nil
	}
	if u.URL != "" {
		fields = append(fields, zap.String("url", u.URL))
	}
	l.logger.Debug("audit progress", fields...)
	return nil
}

type multi []Reporter

// Multi fans each update out to every reporter. Every reporter is called
// even if an earlier one fails; failures are joined.
func Multi(reporters ...Reporter) Reporter {
	var out multi
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Report(ctx context.Context, u Update) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracker computes monotonic percentages for one run.
type Tracker struct {
	maxPages int
	last     float64
}

// NewTracker creates a tracker for a run capped at maxPages.
func NewTracker(maxPages int) *Tracker {
	return &Tracker{maxPages: maxPages}
}

// Percent returns processed as a share of max pages, never lower than the
// previous value and below 100 until Complete.
func (t *Tracker) Percent(processed int) float64 {
	if t.maxPages <= 0 {
		return t.last
	}
	p := min(float64(processed)*100/float64(t.maxPages), 99)
	t.last = max(t.last, p)
	return t.last
}

// Complete returns 100 and pins the tracker there.
func (t *Tracker) Complete() float64 {
	t.last = 100
	return t.last
}
