// Package metrics exposes Prometheus metrics for audit runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// Namespace prefixes every metric.
	Namespace = "siteaudit"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Metrics holds the audit collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	PagesTotal      *prometheus.CounterVec
	FetchErrors     *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	RenderTotal     *prometheus.CounterVec
	IssuesTotal     *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RunsActive      prometheus.Gauge
	FetchesInFlight prometheus.Gauge
}

// New creates and registers the collectors. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pages_total",
			Help:      "Pages persisted, by HTTP status class",
		}, []string{"status_class"}),
		FetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_errors_total",
			Help:      "Fetches that failed without an HTTP response, by error kind",
		}, []string{"kind"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time to fetch a page including the body",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		RenderTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "render_total",
			Help:      "Pages flagged for rendering, by outcome",
		}, []string{"outcome"}),
		IssuesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "issues_total",
			Help:      "Issues found, by type and severity",
		}, []string{"type", "severity"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Audit runs finished, by terminal status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished audit runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "runs_active",
			Help:      "Audit runs currently executing",
		}),
		FetchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fetches_in_flight",
			Help:      "Page fetches currently in progress",
		}),
	}
}

// ObservePage records a persisted page.
func (m *Metrics) ObservePage(statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(StatusClass(statusCode)).Inc()
	if elapsed > 0 {
		m.FetchDuration.Observe(elapsed.Seconds())
	}
}

// ObserveFetchError records a fetch that produced no page.
func (m *Metrics) ObserveFetchError(kind string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(kind).Inc()
}

// ObserveRender records what happened to a page flagged for rendering.
func (m *Metrics) ObserveRender(outcome string) {
	if m == nil {
		return
	}
	m.RenderTotal.WithLabelValues(outcome).Inc()
}

// ObserveIssue records one issue.
func (m *Metrics) ObserveIssue(issueType, severity string) {
	if m == nil {
		return
	}
	m.IssuesTotal.WithLabelValues(issueType, severity).Inc()
}

// RunStarted marks a run as executing.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RunFinished records a run reaching a terminal status.
func (m *Metrics) RunFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// FetchStarted and FetchDone track fetches in flight.
func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.FetchesInFlight.Inc()
}

func (m *Metrics) FetchDone() {
	if m == nil {
		return
	}
	m.FetchesInFlight.Dec()
}

// StatusClass maps a status code to "2xx".."5xx", or "none" for pages
// recorded without a response.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "none"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler serves the metrics gathered by g. A nil g uses the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
