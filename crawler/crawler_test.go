package crawler_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukemcguire/siteaudit/crawler"
)

// newTestServer creates an httptest server with a multi-page site for integration testing.
// Site structure:
//
//	/        -> links to /page1, /page2, external
//	/page1   -> links to /page2 (dedup), /broken
//	/page2   -> no outgoing links
//	/broken  -> 404
func newTestServer() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Fprint(w, `<html><body>
			<a href="/page1">Page 1</a>
			<a href="/page2">Page 2</a>
			<a href="https://external.example.com/resource">External</a>
		</body></html>`); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprint(w, `<html><body>
			<a href="/page2">Page 2 again</a>
			<a href="/broken">Broken link</a>
		</body></html>`); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprint(w, `<html><body><p>No links here</p></body></html>`); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	return httptest.NewServer(mux)
}

// visitLog records which URLs a test crawl visited and at what depth.
type visitLog struct {
	mu     sync.Mutex
	depths map[string]int
	order  []string
}

func (v *visitLog) record(entry crawler.FrontierEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.depths == nil {
		v.depths = make(map[string]int)
	}
	v.depths[entry.URL] = entry.Depth
	v.order = append(v.order, entry.URL)
}

// fetchVisitor fetches each entry and follows its links.
func fetchVisitor(log *visitLog) crawler.Visitor {
	fetcher := crawler.NewFetcher(crawler.FetcherConfig{Timeout: 5 * time.Second})
	return crawler.VisitorFunc(func(ctx context.Context, entry crawler.FrontierEntry) ([]string, error) {
		log.record(entry)
		resp, err := fetcher.Fetch(ctx, entry.URL)
		if err != nil {
			return nil, err
		}
		return crawler.PageLinks(resp, resp.Body), nil
	})
}

// mustNewCrawler creates a frontier seeded with startURL and a crawler over it.
func mustNewCrawler(t *testing.T, startURL string, maxPages int, visitor crawler.Visitor, opts ...crawler.Option) *crawler.Crawler {
	t.Helper()
	frontier, err := crawler.NewFrontier(startURL, crawler.FrontierConfig{MaxPages: maxPages})
	if err != nil {
		t.Fatalf("NewFrontier() error: %v", err)
	}
	t.Cleanup(func() { _ = frontier.Close() })
	if !frontier.Enqueue(context.Background(), startURL, 0, "") {
		t.Fatalf("start URL %s not accepted", startURL)
	}
	return crawler.New(frontier, visitor, crawler.Config{Concurrency: 2}, opts...)
}

// TestCrawlerIntegration verifies the full crawl flow from start URL through
// discovered links, including depth assignment.
func TestCrawlerIntegration(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	var log visitLog
	c := mustNewCrawler(t, ts.URL, 100, fetchVisitor(&log))
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	// /, /page1, /page2, /broken. The external link is out of scope.
	if stats.Processed != 4 {
		t.Errorf("expected 4 URLs visited, got %d", stats.Processed)
	}
	if stats.Failed != 0 {
		t.Errorf("expected no failed visits, got %d", stats.Failed)
	}

	want := map[string]int{"/": 0, "/page1": 1, "/page2": 1, "/broken": 2}
	for path, depth := range want {
		got, ok := log.depths[ts.URL+path]
		if !ok {
			t.Errorf("%s was not visited", path)
			continue
		}
		if got != depth {
			t.Errorf("%s depth = %d, want %d", path, got, depth)
		}
	}
	for u := range log.depths {
		if strings.Contains(u, "external.example.com") {
			t.Errorf("out-of-scope URL visited: %s", u)
		}
	}
}

// TestCrawlerDeduplication verifies that cyclic link graphs are handled
// correctly without infinite loops or duplicate URL checks.
func TestCrawlerDeduplication(t *testing.T) {
	// Server where every page links to every other page (cycle)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Fprint(w, `<html><body>
			<a href="/a">A</a>
			<a href="/b#section">B</a>
		</body></html>`); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprint(w, `<html><body>
			<a href="/">Home</a>
			<a href="/b">B</a>
			<a href="/a">A self</a>
		</body></html>`); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprint(w, `<html><body>
			<a href="/">Home</a>
			<a href="/a">A</a>
		</body></html>`); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var log visitLog
	c := mustNewCrawler(t, ts.URL, 100, fetchVisitor(&log))
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	// Should visit exactly 3 URLs: /, /a, /b (no duplicates)
	if stats.Processed != 3 {
		t.Errorf("expected exactly 3 URLs visited (dedup), got %d", stats.Processed)
	}
	if len(log.order) != 3 {
		t.Errorf("visitor called %d times, want 3: %v", len(log.order), log.order)
	}
}

// TestCrawlerMaxPages verifies that the frontier cap bounds the crawl.
func TestCrawlerMaxPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := range 5 {
			fmt.Fprintf(&b, `<a href="/p%d">p%d</a>`, i, i)
		}
		b.WriteString("</body></html>")
		if _, err := fmt.Fprint(w, b.String()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var log visitLog
	c := mustNewCrawler(t, ts.URL, 1, fetchVisitor(&log))
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if stats.Processed != 1 || stats.Accepted != 1 {
		t.Errorf("expected 1 page with max pages 1, got processed=%d accepted=%d",
			stats.Processed, stats.Accepted)
	}
}

// TestCrawlerBreadthFirst verifies that shallower pages are dispatched
// before deeper ones.
func TestCrawlerBreadthFirst(t *testing.T) {
	links := map[string][]string{
		"/":   {"/a", "/b"},
		"/a":  {"/a1"},
		"/b":  {"/b1"},
		"/a1": nil,
		"/b1": nil,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		out, ok := links[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var b strings.Builder
		b.WriteString("<html><body>")
		for _, l := range out {
			fmt.Fprintf(&b, `<a href="%s">x</a>`, l)
		}
		b.WriteString("</body></html>")
		if _, err := fmt.Fprint(w, b.String()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var log visitLog
	frontier, err := crawler.NewFrontier(ts.URL, crawler.FrontierConfig{MaxPages: 10})
	if err != nil {
		t.Fatalf("NewFrontier() error: %v", err)
	}
	defer frontier.Close()
	frontier.Enqueue(context.Background(), ts.URL, 0, "")

	// A single worker makes dispatch order observable.
	c := crawler.New(frontier, fetchVisitor(&log), crawler.Config{Concurrency: 1})
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	lastDepth := 0
	for _, u := range log.order {
		d := log.depths[u]
		if d < lastDepth {
			t.Errorf("depth %d visited after depth %d: %v", d, lastDepth, log.order)
		}
		lastDepth = d
	}
}

// TestCrawlerEvents verifies one event per visit, ending with nothing in flight.
func TestCrawlerEvents(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	var (
		log    visitLog
		events []crawler.CrawlEvent
	)
	c := mustNewCrawler(t, ts.URL, 100, fetchVisitor(&log), crawler.WithEvents(func(e crawler.CrawlEvent) {
		events = append(events, e)
	}))
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if len(events) != stats.Processed {
		t.Fatalf("got %d events for %d visits", len(events), stats.Processed)
	}
	for i, e := range events {
		if e.Processed != i+1 {
			t.Errorf("event %d Processed = %d", i, e.Processed)
		}
	}
	last := events[len(events)-1]
	if last.InFlight != 0 || last.Pending != 0 {
		t.Errorf("last event should be idle, got in_flight=%d pending=%d", last.InFlight, last.Pending)
	}
	if events[0].URL != ts.URL+"/" || events[0].Enqueued != 2 {
		t.Errorf("first event = %+v, want start URL enqueueing 2 links", events[0])
	}
}

// TestCrawlerVisitErrorsDoNotStopCrawl verifies that a failed visit is
// counted and the remaining pages are still visited.
func TestCrawlerVisitErrorsDoNotStopCrawl(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	var log visitLog
	inner := fetchVisitor(&log)
	visitor := crawler.VisitorFunc(func(ctx context.Context, entry crawler.FrontierEntry) ([]string, error) {
		links, err := inner.Visit(ctx, entry)
		if strings.HasSuffix(entry.URL, "/page2") {
			return nil, errors.New("boom")
		}
		return links, err
	})

	c := mustNewCrawler(t, ts.URL, 100, visitor)
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if stats.Processed != 4 || stats.Failed != 1 {
		t.Errorf("expected 4 visits with 1 failure, got processed=%d failed=%d", stats.Processed, stats.Failed)
	}
}

// TestCrawlerCancellation verifies that the crawler responds correctly to
// context cancellation without goroutine leaks.
func TestCrawlerCancellation(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	var log visitLog
	c := mustNewCrawler(t, ts.URL, 100, fetchVisitor(&log))

	// Cancel context immediately
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
		if !errors.Is(runErr, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", runErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after context cancellation (possible goroutine leak)")
	}
}

// TestCrawlerCancellationWaitsForInFlight verifies that visits running at
// cancellation time are collected before Run returns.
func TestCrawlerCancellationWaitsForInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	var (
		mu       sync.Mutex
		finished int
	)
	visitor := crawler.VisitorFunc(func(ctx context.Context, entry crawler.FrontierEntry) ([]string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		mu.Lock()
		finished++
		mu.Unlock()
		return nil, ctx.Err()
	})

	c := mustNewCrawler(t, "https://example.com/", 10, visitor)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	stats, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if finished != 1 || stats.Processed != 1 || stats.Failed != 1 {
		t.Errorf("expected the in-flight visit to be collected, got finished=%d stats=%+v", finished, stats)
	}
}
