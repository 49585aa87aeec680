package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type stubRobots struct {
	disallow string
	err      error
	calls    atomic.Int32
}

func (s *stubRobots) Allowed(_ context.Context, rawURL string) (bool, error) {
	s.calls.Add(1)
	if s.err != nil {
		return true, s.err
	}
	return s.disallow == "" || !strings.Contains(rawURL, s.disallow), nil
}

func newTestFrontier(t *testing.T, cfg FrontierConfig) *Frontier {
	t.Helper()
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 100
	}
	f, err := NewFrontier("https://example.com/", cfg)
	if err != nil {
		t.Fatalf("NewFrontier() error = %v", err)
	}
	t.Cleanup(func() {
		if err := f.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return f
}

func TestNewFrontier_Validation(t *testing.T) {
	if _, err := NewFrontier("https://example.com/", FrontierConfig{MaxPages: 0}); err == nil {
		t.Error("NewFrontier() with MaxPages 0: expected error")
	}
	if _, err := NewFrontier("not a url", FrontierConfig{MaxPages: 1}); err == nil {
		t.Error("NewFrontier() with invalid start URL: expected error")
	}
}

func TestFrontier_DedupUsesComparisonKey(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{})
	ctx := context.Background()

	if !f.Enqueue(ctx, "https://example.com", 0, "") {
		t.Fatal("Enqueue() rejected start URL")
	}
	duplicates := []string{
		"https://example.com/",
		"HTTPS://EXAMPLE.COM/",
		"https://example.com/#top",
	}
	for _, u := range duplicates {
		if v := f.Admit(ctx, u, 1, "https://example.com/"); v != Duplicate {
			t.Errorf("Admit(%q) = %v, want duplicate", u, v)
		}
	}

	if !f.Enqueue(ctx, "https://example.com/about/", 1, "https://example.com/") {
		t.Fatal("Enqueue() rejected /about/")
	}
	if f.Enqueue(ctx, "https://example.com/about", 1, "https://example.com/") {
		t.Error("Enqueue() accepted /about after /about/")
	}
	if got := f.Accepted(); got != 2 {
		t.Errorf("Accepted() = %d, want 2", got)
	}
}

func TestFrontier_FIFO(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{})
	ctx := context.Background()

	urls := []string{"https://example.com/", "https://example.com/a", "https://example.com/b", "https://example.com/c"}
	for i, u := range urls {
		f.Enqueue(ctx, u, i, "")
	}
	if got := f.Size(); got != len(urls) {
		t.Fatalf("Size() = %d, want %d", got, len(urls))
	}

	for i, want := range urls {
		entry, ok := f.Next()
		if !ok {
			t.Fatalf("Next() #%d returned empty", i)
		}
		if entry.URL != want || entry.Depth != i {
			t.Errorf("Next() #%d = %+v, want URL %s depth %d", i, entry, want, i)
		}
	}
	if _, ok := f.Next(); ok {
		t.Error("Next() on drained frontier returned an entry")
	}
	if got := f.Size(); got != 0 {
		t.Errorf("Size() = %d after draining, want 0", got)
	}
}

func TestFrontier_QueueCompaction(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{MaxPages: 1000})
	ctx := context.Background()

	next := 0
	for i := range 500 {
		f.Enqueue(ctx, fmt.Sprintf("https://example.com/p/%d", i), 1, "")
		if i%2 == 1 {
			entry, ok := f.Next()
			if !ok {
				t.Fatal("Next() returned empty")
			}
			if want := fmt.Sprintf("https://example.com/p/%d", next); entry.URL != want {
				t.Fatalf("Next() = %s, want %s", entry.URL, want)
			}
			next++
		}
	}
	if got := f.Size(); got != 250 {
		t.Errorf("Size() = %d, want 250", got)
	}
}

func TestFrontier_Scope(t *testing.T) {
	ctx := context.Background()

	scoped := newTestFrontier(t, FrontierConfig{})
	if v := scoped.Admit(ctx, "https://other.com/", 1, ""); v != OutOfScope {
		t.Errorf("Admit(other.com) = %v, want out_of_scope", v)
	}
	if v := scoped.Admit(ctx, "https://blog.example.com/", 1, ""); v != Accepted {
		t.Errorf("Admit(blog.example.com) = %v, want accepted", v)
	}

	external := newTestFrontier(t, FrontierConfig{FollowExternal: true})
	if v := external.Admit(ctx, "https://other.com/", 1, ""); v != Accepted {
		t.Errorf("Admit(other.com) with FollowExternal = %v, want accepted", v)
	}
}

func TestFrontier_RejectsInvalid(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{FollowExternal: true})
	ctx := context.Background()

	for _, u := range []string{"", "/relative", "mailto:a@example.com", "ftp://example.com/x"} {
		if v := f.Admit(ctx, u, 0, ""); v != Invalid {
			t.Errorf("Admit(%q) = %v, want invalid", u, v)
		}
	}
}

func TestFrontier_MaxPagesCap(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{MaxPages: 3})
	ctx := context.Background()

	for i := range 5 {
		f.Enqueue(ctx, fmt.Sprintf("https://example.com/%d", i), 1, "")
	}
	if got := f.Accepted(); got != 3 {
		t.Errorf("Accepted() = %d, want 3", got)
	}

	// dequeuing does not free capacity
	for range 3 {
		f.Next()
	}
	if v := f.Admit(ctx, "https://example.com/late", 1, ""); v != OverCap {
		t.Errorf("Admit() after drain = %v, want over_cap", v)
	}
}

func TestFrontier_ConcurrentEnqueueRespectsCap(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{MaxPages: 1, Robots: &stubRobots{}})
	ctx := context.Background()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			if f.Enqueue(ctx, fmt.Sprintf("https://example.com/link/%d", i%5), 1, "https://example.com/") {
				accepted.Add(1)
			}
		})
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("accepted = %d, want 1", got)
	}
	if got := f.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}

func TestFrontier_ConcurrentEnqueueNoDuplicates(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{MaxPages: 1000, Robots: &stubRobots{}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 20 {
		wg.Go(func() {
			for i := range 100 {
				f.Enqueue(ctx, fmt.Sprintf("https://example.com/p/%d", (i+w)%100), 1, "")
			}
		})
	}
	wg.Wait()

	seen := map[string]bool{}
	for {
		entry, ok := f.Next()
		if !ok {
			break
		}
		if seen[entry.URL] {
			t.Fatalf("URL %s dequeued twice", entry.URL)
		}
		seen[entry.URL] = true
	}
	if len(seen) != 100 {
		t.Errorf("dequeued %d distinct URLs, want 100", len(seen))
	}
}

func TestFrontier_Robots(t *testing.T) {
	robots := &stubRobots{disallow: "/private"}
	f := newTestFrontier(t, FrontierConfig{Robots: robots})
	ctx := context.Background()

	if v := f.Admit(ctx, "https://example.com/private/a", 1, ""); v != Disallowed {
		t.Errorf("Admit(/private/a) = %v, want disallowed", v)
	}
	if v := f.Admit(ctx, "https://example.com/private/a", 1, ""); v != Duplicate {
		t.Errorf("second Admit(/private/a) = %v, want duplicate", v)
	}
	if got := robots.calls.Load(); got != 1 {
		t.Errorf("robots lookups = %d, want 1", got)
	}
	if got := f.Accepted(); got != 0 {
		t.Errorf("Accepted() = %d, want 0", got)
	}
	if !f.Enqueue(ctx, "https://example.com/public", 1, "") {
		t.Error("Enqueue(/public) rejected")
	}
}

func TestFrontier_RobotsErrorFailsOpen(t *testing.T) {
	f := newTestFrontier(t, FrontierConfig{Robots: &stubRobots{err: errors.New("boom")}})
	if !f.Enqueue(context.Background(), "https://example.com/x", 1, "") {
		t.Error("Enqueue() rejected URL when robots lookup failed")
	}
}

func TestVerdictString(t *testing.T) {
	want := map[Verdict]string{
		Accepted:   "accepted",
		Duplicate:  "duplicate",
		OutOfScope: "out_of_scope",
		OverCap:    "over_cap",
		Disallowed: "disallowed",
		Invalid:    "invalid",
	}
	for v, s := range want {
		if v.String() != s {
			t.Errorf("Verdict(%d).String() = %q, want %q", v, v.String(), s)
		}
	}
}
