package model

import "time"

// CrawledPage is one fetched URL within a run. It is never mutated after it
// has been persisted.
type CrawledPage struct {
	ID               int64         `json:"id" db:"id"`
	RunID            string        `json:"run_id" db:"run_id"`
	URL              string        `json:"url" db:"url"`
	StatusCode       int           `json:"status_code" db:"status_code"`
	ResponseTime     time.Duration `json:"response_time" db:"response_time"`
	WordCount        int           `json:"word_count" db:"word_count"`
	OutboundLinks    int           `json:"outbound_links" db:"outbound_links"`
	Depth            int           `json:"depth" db:"depth"`
	Title            string        `json:"title" db:"title"`
	MetaDescription  string        `json:"meta_description" db:"meta_description"`
	ContentType      string        `json:"content_type" db:"content_type"`
	HTML             string        `json:"-" db:"html"`
	Rendered         bool          `json:"rendered" db:"rendered"`
	RenderIncomplete bool          `json:"render_incomplete" db:"render_incomplete"`
	Links            []string      `json:"links,omitempty" db:"-"`
	CrawledAt        time.Time     `json:"crawled_at" db:"crawled_at"`
}

// IsHTML reports whether the page was served as an HTML document.
func (p *CrawledPage) IsHTML() bool {
	return isHTMLContentType(p.ContentType)
}

// IsSuccess reports whether the page answered with a 2xx status.
func (p *CrawledPage) IsSuccess() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}
