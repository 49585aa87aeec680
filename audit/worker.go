package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lukemcguire/siteaudit/store"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	PollInterval time.Duration // wait between empty queue polls (default 5s)
	Runs         int           // runs executed concurrently (default 1)
}

// Worker claims queued runs from the store and executes them.
type Worker struct {
	coord  *Coordinator
	cfg    WorkerConfig
	logger *zap.Logger
}

// NewWorker creates a Worker executing runs with coord.
func NewWorker(coord *Coordinator, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Runs <= 0 {
		cfg.Runs = 1
	}
	return &Worker{coord: coord, cfg: cfg, logger: coord.logger.Named("worker")}
}

// RunOnce claims the oldest queued run and executes it. It returns
// store.ErrNoQueuedRun when the queue is empty.
func (w *Worker) RunOnce(ctx context.Context) (*Summary, error) {
	run, err := w.coord.store.ClaimQueuedRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	w.logger.Info("claimed run", zap.String("run_id", run.ID), zap.String("start_url", run.StartURL))
	return w.coord.execute(ctx, run)
}

// Run polls for queued runs until ctx ends. Failed runs are logged; they do
// not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("runs", w.cfg.Runs))

	g, gctx := errgroup.WithContext(ctx)
	for range w.cfg.Runs {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		summary, err := w.RunOnce(ctx)
		switch {
		case errors.Is(err, store.ErrNoQueuedRun):
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
		case summary == nil && err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("execute run", zap.Error(err))
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
		case err != nil:
			w.logger.Warn("run failed", zap.String("run_id", summary.RunID), zap.Error(err))
		default:
			w.logger.Info("run completed",
				zap.String("run_id", summary.RunID),
				zap.Int("pages_crawled", summary.PagesCrawled),
				zap.Int("issues_found", summary.IssuesFound))
		}
	}
}

// sleep waits for d, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
