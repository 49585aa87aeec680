package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukemcguire/siteaudit/metrics"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObservePage(200, 120*time.Millisecond)
	m.ObservePage(404, 10*time.Millisecond)
	m.ObservePage(0, 0)
	m.ObserveFetchError("timeout")
	m.ObserveRender("rendered")
	m.ObserveIssue("TITLE_TOO_SHORT", "high")
	m.ObserveIssue("TITLE_TOO_SHORT", "high")
	m.RunStarted()
	m.FetchStarted()

	assert.InDelta(t, 1, testutil.ToFloat64(m.PagesTotal.WithLabelValues("2xx")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PagesTotal.WithLabelValues("4xx")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PagesTotal.WithLabelValues("none")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FetchErrors.WithLabelValues("timeout")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.IssuesTotal.WithLabelValues("TITLE_TOO_SHORT", "high")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FetchesInFlight), 0)

	m.FetchDone()
	m.RunFinished("completed", 3*time.Second)
	assert.InDelta(t, 0, testutil.ToFloat64(m.RunsActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.ObservePage(200, time.Second)
	m.ObserveFetchError("dns")
	m.ObserveRender("failed")
	m.ObserveIssue("H1_MISSING", "high")
	m.RunStarted()
	m.RunFinished("failed", time.Second)
	m.FetchStarted()
	m.FetchDone()
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{0: "none", 200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 999: "none"}
	for code, want := range tests {
		assert.Equal(t, want, metrics.StatusClass(code), "code %d", code)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveIssue("THIN_CONTENT", "low")

	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body),
		`siteaudit_issues_total{severity="low",type="THIN_CONTENT"} 1`), string(body))
}
