package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/analyzer"
	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/config"
	"github.com/lukemcguire/siteaudit/crawler"
	"github.com/lukemcguire/siteaudit/metrics"
	"github.com/lukemcguire/siteaudit/progress"
	"github.com/lukemcguire/siteaudit/render"
	"github.com/lukemcguire/siteaudit/store"
)

// errNoDatabase is returned by commands that share runs with other
// processes when no database is configured.
var errNoDatabase = errors.New("database.dsn is required (set SITEAUDIT_DATABASE_DSN or --dsn)")

// deps holds what every command shares: the configuration and the logger.
// Heavier dependencies are opened on demand and closed by cleanup.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger

	cleanup []func()
}

func newDeps(cfg *config.Config, logger *zap.Logger) *deps {
	return &deps{cfg: cfg, logger: logger}
}

// onClose registers fn to run when close is called, most recent first.
func (d *deps) onClose(fn func()) {
	d.cleanup = append(d.cleanup, fn)
}

func (d *deps) close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
	d.cleanup = nil
}

// openStore opens Postgres when a DSN is configured and an in-memory store
// otherwise.
func (d *deps) openStore(ctx context.Context) (store.Store, error) {
	if d.cfg.Database.DSN == "" {
		d.logger.Debug("no database configured, keeping results in memory")
		return store.NewMemory(), nil
	}
	return d.openPostgres(ctx)
}

// openPostgres opens the Postgres store and fails when none is configured.
func (d *deps) openPostgres(ctx context.Context) (*store.Postgres, error) {
	if d.cfg.Database.DSN == "" {
		return nil, errNoDatabase
	}
	pg, err := store.OpenPostgres(ctx, d.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	d.onClose(func() {
		if err := pg.Close(); err != nil {
			d.logger.Warn("close database", zap.Error(err))
		}
	})
	return pg, nil
}

// redisProgress connects the Redis progress reporter. It returns nil when
// redis.addr is unset.
func (d *deps) redisProgress(ctx context.Context) (*progress.Redis, error) {
	rc := d.cfg.Redis
	if rc.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
	}
	d.onClose(func() { _ = client.Close() })
	return progress.NewRedis(client, d.cfg.ProgressConfig()), nil
}

// serveMetrics registers the audit metrics and serves them on metrics.addr
// until ctx ends. It returns nil when metrics.addr is unset.
func (d *deps) serveMetrics(ctx context.Context) *metrics.Metrics {
	addr := d.cfg.Metrics.Addr
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := metrics.Serve(ctx, addr, reg, d.logger); err != nil {
			d.logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	d.onClose(func() {
		cancel()
		<-done
	})
	return m
}

// newCoordinator builds a coordinator over st. Progress goes to reporters
// and, when configured, to Redis.
func (d *deps) newCoordinator(ctx context.Context, st store.Store, logger *zap.Logger, reporters ...progress.Reporter) (*audit.Coordinator, error) {
	thresholds, err := d.cfg.Thresholds()
	if err != nil {
		return nil, err
	}

	rp, err := d.redisProgress(ctx)
	if err != nil {
		return nil, err
	}
	if rp != nil {
		reporters = append(reporters, rp)
	}

	opts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithReporter(progress.Multi(reporters...)),
		audit.WithMetrics(d.serveMetrics(ctx)),
	}

	if d.cfg.Render.Enabled {
		renderer := render.NewChromeRenderer(d.cfg.ChromeConfig(), logger.Named("render"))
		d.onClose(func() {
			if err := renderer.Close(); err != nil {
				logger.Warn("close renderer", zap.Error(err))
			}
		})
		opts = append(opts, audit.WithRenderer(renderer))

		if limit := d.cfg.Render.MemoryLimitMB; limit > 0 {
			watcher := crawler.NewMemoryWatcher(limit)
			watcher.ApplyProcessLimit()
			watcher.SetThrottleCallback(func(level crawler.ThrottleLevel) {
				logger.Info("memory pressure changed", zap.Stringer("level", level))
			})
			opts = append(opts, audit.WithGate(watcher))
		}
	}

	an := analyzer.New(thresholds, analyzer.WithLogger(logger.Named("analyzer")))
	return audit.New(st, an, d.cfg.AuditConfig(), opts...), nil
}
