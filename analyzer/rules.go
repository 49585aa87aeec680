package analyzer

import (
	"fmt"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/urlutil"
)

const maxElementRunes = 200

// Evidence is one occurrence reported by a rule.
type Evidence struct {
	Element    string
	Suggestion string
}

// PageInput is what a page rule evaluates.
type PageInput struct {
	Page *model.CrawledPage
	Doc  *Document // nil for pages that are not parsed HTML
}

// PageRule evaluates a single page.
type PageRule struct {
	Type     model.IssueType
	Severity model.Severity
	// Content rules only run for 2xx HTML pages and need a Document.
	Content  bool
	Evaluate func(PageInput) ([]Evidence, error)
}

func (r PageRule) finding(url string, e Evidence) Finding {
	return Finding{
		PageURL:    url,
		Type:       r.Type,
		Severity:   r.Severity,
		Element:    truncate(e.Element),
		Suggestion: e.Suggestion,
	}
}

// SiteEvidence is one occurrence reported by a site rule, attached to a page.
type SiteEvidence struct {
	PageURL string
	Evidence
}

// SiteRule evaluates every page of a run together.
type SiteRule struct {
	Type     model.IssueType
	Severity model.Severity
	Evaluate func(pages []*model.CrawledPage) ([]SiteEvidence, error)
}

func (r SiteRule) finding(e SiteEvidence) Finding {
	return Finding{
		PageURL:    e.PageURL,
		Type:       r.Type,
		Severity:   r.Severity,
		Element:    truncate(e.Element),
		Suggestion: e.Suggestion,
	}
}

func one(element, suggestion string) []Evidence {
	return []Evidence{{Element: element, Suggestion: suggestion}}
}

func pageRules(t Thresholds) []PageRule {
	return []PageRule{
		{
			Type: model.IssueTitleMissing, Severity: model.SeverityCritical, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				if in.Doc.Title != "" {
					return nil, nil
				}
				element := "<head>"
				if in.Doc.HasTitle {
					element = "<title></title>"
				}
				return one(element, "Add a descriptive <title> to the page head."), nil
			},
		},
		{
			Type: model.IssueTitleTooShort, Severity: model.SeverityHigh, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				n := utf8.RuneCountInString(in.Doc.Title)
				if n == 0 || n >= t.TitleMin {
					return nil, nil
				}
				return one(titleElement(in.Doc.Title),
					fmt.Sprintf("Title is %d characters; expand it to %d-%d.", n, t.TitleMin, t.TitleMax)), nil
			},
		},
		{
			Type: model.IssueTitleTooLong, Severity: model.SeverityHigh, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				n := utf8.RuneCountInString(in.Doc.Title)
				if n <= t.TitleMax {
					return nil, nil
				}
				return one(titleElement(in.Doc.Title),
					fmt.Sprintf("Title is %d characters; search results truncate after about %d.", n, t.TitleMax)), nil
			},
		},
		{
			Type: model.IssueStatus5xx, Severity: model.SeverityCritical,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				switch code := in.Page.StatusCode; {
				case code == 0:
					return one("no response", "The server closed the connection without answering; check server logs."), nil
				case code >= 500 && code < 600:
					return one(statusElement(code), "Fix the server error so the page can be indexed."), nil
				}
				return nil, nil
			},
		},
		{
			Type: model.IssueStatus4xx, Severity: model.SeverityHigh,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				code := in.Page.StatusCode
				if code < 400 || code >= 500 {
					return nil, nil
				}
				return one(statusElement(code), "Restore the page or redirect it, and update links pointing to it."), nil
			},
		},
		{
			Type: model.IssueH1Missing, Severity: model.SeverityHigh, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				if in.Doc.H1Count() > 0 {
					return nil, nil
				}
				return one("<body>", "Add one <h1> describing the page's main topic."), nil
			},
		},
		{
			Type: model.IssueH1Multiple, Severity: model.SeverityMedium, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				n := in.Doc.H1Count()
				if n < 2 {
					return nil, nil
				}
				return one(fmt.Sprintf("%d <h1> elements", n), "Keep a single <h1> and demote the others to <h2>."), nil
			},
		},
		{
			Type: model.IssueHeadingLevelSkip, Severity: model.SeverityLow, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				var out []Evidence
				for i := 1; i < len(in.Doc.Headings); i++ {
					prev, cur := in.Doc.Headings[i-1], in.Doc.Headings[i]
					if cur.Level <= prev.Level+1 {
						continue
					}
					out = append(out, Evidence{
						Element: fmt.Sprintf("<h%d> after <h%d>: %s", cur.Level, prev.Level, cur.Text),
						Suggestion: fmt.Sprintf("Use <h%d> here so heading levels do not skip.",
							prev.Level+1),
					})
				}
				return out, nil
			},
		},
		{
			Type: model.IssueTooManyLinks, Severity: model.SeverityLow, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				n := in.Page.OutboundLinks
				if n <= t.MaxLinks {
					return nil, nil
				}
				return one(fmt.Sprintf("%d links", n),
					fmt.Sprintf("Reduce the page to at most %d links.", t.MaxLinks)), nil
			},
		},
		{
			Type: model.IssueMetaDescriptionMissing, Severity: model.SeverityMedium, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				if in.Doc.MetaDescription != "" {
					return nil, nil
				}
				return one(`<meta name="description">`, "Add a meta description summarizing the page."), nil
			},
		},
		{
			Type: model.IssueMetaDescriptionLength, Severity: model.SeverityMedium, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				n := utf8.RuneCountInString(in.Doc.MetaDescription)
				if n == 0 || (n >= t.DescriptionMin && n <= t.DescriptionMax) {
					return nil, nil
				}
				return one(in.Doc.MetaDescription,
					fmt.Sprintf("Description is %d characters; keep it between %d and %d.",
						n, t.DescriptionMin, t.DescriptionMax)), nil
			},
		},
		{
			Type: model.IssueSlowResponse, Severity: model.SeverityMedium,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				rt := in.Page.ResponseTime
				if rt <= t.SlowResponse {
					return nil, nil
				}
				return one(rt.Round(time.Millisecond).String(),
					fmt.Sprintf("Server responded slower than %s; check caching and backend latency.", t.SlowResponse)), nil
			},
		},
		{
			Type: model.IssueImageMissingAlt, Severity: model.SeverityLow, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				var out []Evidence
				for _, img := range in.Doc.Images {
					if img.HasAlt {
						continue
					}
					out = append(out, Evidence{
						Element:    fmt.Sprintf(`<img src="%s">`, img.Src),
						Suggestion: `Add alt text, or alt="" if the image is decorative.`,
					})
				}
				return out, nil
			},
		},
		{
			Type: model.IssueThinContent, Severity: model.SeverityLow, Content: true,
			Evaluate: func(in PageInput) ([]Evidence, error) {
				n := in.Doc.WordCount
				if n >= t.MinWords {
					return nil, nil
				}
				return one(fmt.Sprintf("%d words", n),
					fmt.Sprintf("Expand the content to at least %d words.", t.MinWords)), nil
			},
		},
	}
}

func siteRules(t Thresholds) []SiteRule {
	return []SiteRule{
		{
			Type: model.IssueDuplicateTitle, Severity: model.SeverityHigh,
			Evaluate: func(pages []*model.CrawledPage) ([]SiteEvidence, error) {
				return duplicateTitles(pages, t.TitleMatch), nil
			},
		},
		{
			Type: model.IssueBrokenInternalLink, Severity: model.SeverityHigh,
			Evaluate: func(pages []*model.CrawledPage) ([]SiteEvidence, error) {
				return brokenInternalLinks(pages), nil
			},
		},
	}
}

// duplicateTitles flags every page whose title was already used by a page
// discovered earlier: lower depth first, then crawl order. The first page of
// each group is not flagged.
func duplicateTitles(pages []*model.CrawledPage, match TitleMatch) []SiteEvidence {
	ordered := make([]*model.CrawledPage, 0, len(pages))
	for _, p := range pages {
		if p.Title != "" && p.IsSuccess() && p.IsHTML() {
			ordered = append(ordered, p)
		}
	}
	slices.SortStableFunc(ordered, func(a, b *model.CrawledPage) int {
		return a.Depth - b.Depth
	})

	first := make(map[string]*model.CrawledPage)
	var out []SiteEvidence
	for _, p := range ordered {
		key := match.key(p.Title)
		owner, seen := first[key]
		if !seen {
			first[key] = p
			continue
		}
		out = append(out, SiteEvidence{
			PageURL: p.URL,
			Evidence: Evidence{
				Element:    titleElement(p.Title),
				Suggestion: fmt.Sprintf("Title is also used by %s; give each page a unique title.", owner.URL),
			},
		})
	}
	return out
}

// brokenInternalLinks reports one issue per link from a page to a same-site
// page of this run that answered 404.
func brokenInternalLinks(pages []*model.CrawledPage) []SiteEvidence {
	notFound := make(map[string]bool)
	for _, p := range pages {
		if p.StatusCode == http.StatusNotFound {
			notFound[p.URL] = true
		}
	}
	if len(notFound) == 0 {
		return nil
	}

	var out []SiteEvidence
	for _, p := range pages {
		for _, link := range p.Links {
			if !notFound[link] || link == p.URL || !urlutil.IsSameSite(link, p.URL) {
				continue
			}
			out = append(out, SiteEvidence{
				PageURL: p.URL,
				Evidence: Evidence{
					Element:    link,
					Suggestion: "Link points to a page that returns 404; update or remove it.",
				},
			})
		}
	}
	return out
}

func titleElement(title string) string {
	return "<title>" + title + "</title>"
}

func statusElement(code int) string {
	return fmt.Sprintf("HTTP %d %s", code, http.StatusText(code))
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxElementRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxElementRunes]) + "…"
}
