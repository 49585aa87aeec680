package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const (
	// maxRobotsBytes caps how much of a robots.txt body is read.
	maxRobotsBytes = 512 * 1024

	defaultRobotsTimeout = 5 * time.Second
)

// RobotsPolicy decides whether a URL may be crawled.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// cachedRobots stores parsed robots.txt data with fetch timestamp.
// A nil data field means allow-all.
type cachedRobots struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// RobotsChecker fetches and caches robots.txt rules per scheme and host.
// Concurrent lookups for an uncached host share one fetch.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	cache     sync.Map // scheme://host -> *cachedRobots
	cacheTTL  time.Duration
	timeout   time.Duration
	inflight  singleflight.Group
}

// RobotsOption customizes a RobotsChecker.
type RobotsOption func(*RobotsChecker)

// WithRobotsTimeout bounds each robots.txt request. A lookup that times out
// allows the host, like any other fetch failure.
func WithRobotsTimeout(d time.Duration) RobotsOption {
	return func(r *RobotsChecker) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRobotsChecker creates a RobotsChecker that evaluates rules for userAgent.
// Requests are bounded by a 5s timeout unless WithRobotsTimeout says
// otherwise, whatever timeout client carries.
func NewRobotsChecker(client *http.Client, userAgent string, opts ...RobotsOption) *RobotsChecker {
	if client == nil {
		client = &http.Client{}
	}
	r := &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		cacheTTL:  time.Hour,
		timeout:   defaultRobotsTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allowed reports whether rawURL may be crawled. Failures to fetch or parse
// robots.txt fail open: the URL is allowed and the error is returned for
// visibility. A missing (404) or erroring (5xx) robots.txt allows everything.
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return true, fmt.Errorf("parse URL: %w", err)
	}
	if parsedURL.Host == "" {
		return true, nil
	}

	origin := parsedURL.Scheme + "://" + parsedURL.Host
	entry, err := r.lookup(ctx, origin)
	if entry == nil || entry.data == nil {
		return true, err
	}
	return entry.data.TestAgent(parsedURL.RequestURI(), r.userAgent), err
}

func (r *RobotsChecker) lookup(ctx context.Context, origin string) (*cachedRobots, error) {
	if cached, ok := r.cache.Load(origin); ok {
		if entry, ok := cached.(*cachedRobots); ok && time.Since(entry.fetchedAt) < r.cacheTTL {
			return entry, nil
		}
		r.cache.Delete(origin)
	}

	var fetchErr error
	v, _, _ := r.inflight.Do(origin, func() (any, error) {
		if cached, ok := r.cache.Load(origin); ok {
			return cached, nil
		}
		data, err := r.fetch(ctx, origin)
		fetchErr = err
		entry := &cachedRobots{data: data, fetchedAt: time.Now()}
		r.cache.Store(origin, entry)
		return entry, nil
	})
	entry, _ := v.(*cachedRobots)
	return entry, fetchErr
}

// fetch retrieves and parses robots.txt for origin. A nil result means
// allow-all.
func (r *RobotsChecker) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	robotsURL := origin + "/robots.txt"

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create robots.txt request for %s: %w", origin, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt for %s: %w", origin, err)
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	closeErr := resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read robots.txt body for %s: %w", origin, readErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close robots.txt response body for %s: %w", origin, closeErr)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500 {
		return nil, nil
	}

	robots, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt for %s: %w", origin, err)
	}
	return robots, nil
}

// ClearCache removes all cached robots.txt entries.
func (r *RobotsChecker) ClearCache() {
	r.cache.Clear()
}
