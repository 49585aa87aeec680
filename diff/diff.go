// Package diff compares the results of two audit runs: which issues are new,
// fixed or unchanged, and which pages were added, removed or changed.
package diff

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/store"
)

// ErrRunNotFinished is returned by Runs when a run is not in a terminal
// status.
var ErrRunNotFinished = errors.New("run has not finished")

// RunResults is everything one run recorded.
type RunResults struct {
	Run    *model.AuditRun
	Pages  []*model.CrawledPage
	Issues []model.AuditIssue
}

// Options sets how much a page may move before it counts as changed.
type Options struct {
	WordCountDelta int // |word count delta| above this marks a page changed
	LinkCountDelta int // |outbound link delta| above this marks a page changed
}

// Result is the difference from run A to run B.
type Result struct {
	RunA   string    `json:"run_a"`
	RunB   string    `json:"run_b"`
	Issues IssueDiff `json:"issues"`
	Pages  PageDiff  `json:"pages"`
}

// IssueDiff classifies issues by (type, page URL, element). New issues come
// from run B, fixed ones from run A, and unchanged ones from run B.
type IssueDiff struct {
	New       []model.AuditIssue `json:"new"`
	Fixed     []model.AuditIssue `json:"fixed"`
	Unchanged []model.AuditIssue `json:"unchanged"`
}

// PageDiff classifies pages by URL.
type PageDiff struct {
	Added   []*model.CrawledPage `json:"added"`
	Removed []*model.CrawledPage `json:"removed"`
	Changed []PageChange         `json:"changed"`
}

// PageChange is a page present in both runs whose facts moved.
type PageChange struct {
	URL    string    `json:"url"`
	Before PageFacts `json:"before"`
	After  PageFacts `json:"after"`
}

// PageFacts are the page properties compared between runs.
type PageFacts struct {
	StatusCode    int `json:"status_code"`
	WordCount     int `json:"word_count"`
	OutboundLinks int `json:"outbound_links"`
}

func factsOf(p *model.CrawledPage) PageFacts {
	return PageFacts{StatusCode: p.StatusCode, WordCount: p.WordCount, OutboundLinks: p.OutboundLinks}
}

// Empty reports whether the runs are indistinguishable.
func (r Result) Empty() bool {
	return len(r.Issues.New) == 0 && len(r.Issues.Fixed) == 0 &&
		len(r.Pages.Added) == 0 && len(r.Pages.Removed) == 0 && len(r.Pages.Changed) == 0
}

type issueKey struct {
	typ     model.IssueType
	url     string
	element string
}

func keyOf(issue model.AuditIssue) issueKey {
	return issueKey{typ: issue.Type, url: issue.PageURL, element: issue.Element}
}

// Compare computes the difference from a to b. Neither input is modified.
func Compare(a, b RunResults, opts Options) Result {
	res := Result{
		Issues: compareIssues(a.Issues, b.Issues),
		Pages:  comparePages(a.Pages, b.Pages, opts),
	}
	if a.Run != nil {
		res.RunA = a.Run.ID
	}
	if b.Run != nil {
		res.RunB = b.Run.ID
	}
	return res
}

// compareIssues matches issues as multisets: two identical keys in A and one
// in B leave one fixed.
func compareIssues(a, b []model.AuditIssue) IssueDiff {
	a = sortedIssues(a)
	b = sortedIssues(b)

	remaining := make(map[issueKey]int, len(a))
	for _, issue := range a {
		remaining[keyOf(issue)]++
	}

	var out IssueDiff
	matched := make(map[issueKey]int, len(b))
	for _, issue := range b {
		k := keyOf(issue)
		if remaining[k] > 0 {
			remaining[k]--
			matched[k]++
			out.Unchanged = append(out.Unchanged, issue)
			continue
		}
		out.New = append(out.New, issue)
	}
	for _, issue := range a {
		k := keyOf(issue)
		if matched[k] > 0 {
			matched[k]--
			continue
		}
		out.Fixed = append(out.Fixed, issue)
	}
	return out
}

func comparePages(a, b []*model.CrawledPage, opts Options) PageDiff {
	before := make(map[string]*model.CrawledPage, len(a))
	for _, p := range a {
		before[p.URL] = p
	}
	after := make(map[string]*model.CrawledPage, len(b))
	for _, p := range b {
		after[p.URL] = p
	}

	var out PageDiff
	for _, p := range b {
		old, ok := before[p.URL]
		if !ok {
			out.Added = append(out.Added, p)
			continue
		}
		if changed(old, p, opts) {
			out.Changed = append(out.Changed, PageChange{URL: p.URL, Before: factsOf(old), After: factsOf(p)})
		}
	}
	for _, p := range a {
		if _, ok := after[p.URL]; !ok {
			out.Removed = append(out.Removed, p)
		}
	}

	byURL := func(x, y *model.CrawledPage) int { return cmp.Compare(x.URL, y.URL) }
	slices.SortFunc(out.Added, byURL)
	slices.SortFunc(out.Removed, byURL)
	slices.SortFunc(out.Changed, func(x, y PageChange) int { return cmp.Compare(x.URL, y.URL) })
	return out
}

func changed(a, b *model.CrawledPage, opts Options) bool {
	return a.StatusCode != b.StatusCode ||
		abs(a.WordCount-b.WordCount) > opts.WordCountDelta ||
		abs(a.OutboundLinks-b.OutboundLinks) > opts.LinkCountDelta
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// sortedIssues returns a copy ordered by severity, type, page URL, element
// and ID.
func sortedIssues(issues []model.AuditIssue) []model.AuditIssue {
	out := slices.Clone(issues)
	slices.SortStableFunc(out, func(x, y model.AuditIssue) int {
		return cmp.Or(
			cmp.Compare(x.Severity.Rank(), y.Severity.Rank()),
			cmp.Compare(x.Type, y.Type),
			cmp.Compare(x.PageURL, y.PageURL),
			cmp.Compare(x.Element, y.Element),
			cmp.Compare(x.ID, y.ID),
		)
	})
	return out
}

// Load reads everything one run recorded.
func Load(ctx context.Context, st store.Store, runID string) (RunResults, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return RunResults{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	pages, err := st.ListPages(ctx, runID)
	if err != nil {
		return RunResults{}, fmt.Errorf("load pages of %s: %w", runID, err)
	}
	issues, err := st.ListIssues(ctx, runID)
	if err != nil {
		return RunResults{}, fmt.Errorf("load issues of %s: %w", runID, err)
	}
	return RunResults{Run: run, Pages: pages, Issues: issues}, nil
}

// Runs loads two finished runs and compares them.
func Runs(ctx context.Context, st store.Store, idA, idB string, opts Options) (Result, error) {
	a, err := Load(ctx, st, idA)
	if err != nil {
		return Result{}, err
	}
	b, err := Load(ctx, st, idB)
	if err != nil {
		return Result{}, err
	}

	var errs []error
	for _, r := range []RunResults{a, b} {
		if !r.Run.Status.IsTerminal() {
			errs = append(errs, fmt.Errorf("run %s is %s: %w", r.Run.ID, r.Run.Status, ErrRunNotFinished))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Result{}, err
	}
	return Compare(a, b, opts), nil
}
