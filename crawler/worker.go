package crawler

import (
	"bytes"
	"context"
	"net/url"
)

// Config holds crawl loop configuration.
type Config struct {
	Concurrency int // concurrent visits (default 8)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 8}
}

// Visitor processes one frontier entry and returns the links found on it.
// A returned error marks the visit failed; the crawl carries on.
type Visitor interface {
	Visit(ctx context.Context, entry FrontierEntry) ([]string, error)
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(ctx context.Context, entry FrontierEntry) ([]string, error)

func (f VisitorFunc) Visit(ctx context.Context, entry FrontierEntry) ([]string, error) {
	return f(ctx, entry)
}

// CrawlResult is the outcome of visiting one entry.
type CrawlResult struct {
	Entry FrontierEntry
	Links []string
	Err   error
}

// Stats summarizes a finished crawl.
type Stats struct {
	Processed int // visits that returned
	Failed    int // visits that returned an error
	Accepted  int // URLs the frontier accepted
	Dropped   int // accepted URLs never dispatched because the crawl stopped
}

// PageLinks extracts the outbound links of a fetched page. body is the HTML
// to scan, which may differ from resp.Body when the page was rendered. Only
// successful HTML responses have links; relative links resolve against the
// final URL after redirects.
func PageLinks(resp *Response, body []byte) []string {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !isHTMLType(resp.ContentType) {
		return nil
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil
	}
	return CollectLinks(ExtractLinks(bytes.NewReader(body), base))
}
