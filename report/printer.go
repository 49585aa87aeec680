package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/diff"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
)

// maxCell is the widest a URL or element column gets before it is
// truncated.
const maxCell = 60

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// PrintSummary writes the summary of a run and its most common issues.
func PrintSummary(w io.Writer, s *audit.Summary) {
	t := newTable(w, "Audit summary")
	t.AppendRows([]table.Row{
		{"Run", s.RunID},
		{"Start URL", s.StartURL},
		{"Status", strings.ToUpper(string(s.Status))},
		{"Pages crawled", s.PagesCrawled},
		{"Issues found", s.IssuesFound},
		{"Fetch errors", fmt.Sprintf("%d of %d (%.1f%%)", s.FetchErrors, s.FetchAttempts, s.ErrorRate*100)},
		{"Pages rendered", s.PagesRendered},
		{"Duration", s.Duration.Round(10 * time.Millisecond).String()},
	})
	if s.Error != "" {
		t.AppendRow(table.Row{"Error", s.Error})
	}
	t.Render()

	if len(s.TopIssues) == 0 {
		_, _ = fmt.Fprintln(w, "No issues found!")
		return
	}
	top := newTable(w, "Issues by type")
	top.AppendHeader(table.Row{"Issue", "Severity", "Count"})
	for _, tc := range s.TopIssues {
		top.AppendRow(table.Row{IssueLabel(tc.Type), tc.Severity, tc.Count})
	}
	top.SetColumnConfigs([]table.ColumnConfig{{Number: 3, Align: text.AlignRight}})
	top.Render()
}

// PrintRun writes the stored state of a run, and its latest progress when
// latest is not nil.
func PrintRun(w io.Writer, run *model.AuditRun, latest *progress.Update) {
	t := newTable(w, "Audit run")
	t.AppendRows([]table.Row{
		{"Run", run.ID},
		{"Project", run.ProjectID},
		{"Start URL", run.StartURL},
		{"Status", strings.ToUpper(string(run.Status))},
		{"Created", formatTime(run.CreatedAt)},
	})
	if run.StartedAt != nil {
		t.AppendRow(table.Row{"Started", formatTime(*run.StartedAt)})
	}
	if run.CompletedAt != nil {
		t.AppendRow(table.Row{"Completed", formatTime(*run.CompletedAt)})
	}
	t.AppendRows([]table.Row{
		{"Pages crawled", run.PagesCrawled},
		{"Issues found", run.IssuesFound},
		{"Fetch errors", fmt.Sprintf("%d of %d", run.FetchErrors, run.FetchAttempts)},
	})
	if run.CancelRequested && !run.Status.IsTerminal() {
		t.AppendRow(table.Row{"Cancel", "requested"})
	}
	if run.ErrorMessage != nil {
		t.AppendRow(table.Row{"Error", *run.ErrorMessage})
	}
	if latest != nil {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"Progress", fmt.Sprintf("%.0f%% (%d of %d pages)", latest.Percent, latest.Processed, latest.MaxPages)},
			{"Pending", latest.Pending},
		})
		if latest.URL != "" {
			t.AppendRow(table.Row{"Last URL", latest.URL})
		}
	}
	t.Render()
}

// PrintIssues writes one row per issue.
func PrintIssues(w io.Writer, issues []model.AuditIssue) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"Severity", "Issue", "Page", "Element"})
	for _, issue := range issues {
		t.AppendRow(table.Row{issue.Severity, IssueLabel(issue.Type), issue.PageURL, issue.Element})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: maxCell},
		{Number: 4, WidthMax: maxCell},
	})
	t.Render()
}

// PrintDiff writes the issue and page changes between two runs.
func PrintDiff(w io.Writer, res diff.Result) {
	if res.Empty() {
		_, _ = fmt.Fprintf(w, "No differences between %s and %s\n", res.RunA, res.RunB)
		return
	}

	counts := newTable(w, "Differences")
	counts.AppendHeader(table.Row{"", "Count"})
	counts.AppendRows([]table.Row{
		{"From run", res.RunA},
		{"To run", res.RunB},
		{"New issues", len(res.Issues.New)},
		{"Fixed issues", len(res.Issues.Fixed)},
		{"Unchanged issues", len(res.Issues.Unchanged)},
		{"Pages added", len(res.Pages.Added)},
		{"Pages removed", len(res.Pages.Removed)},
		{"Pages changed", len(res.Pages.Changed)},
	})
	counts.Render()

	changes := newTable(w, "Issue changes")
	changes.AppendHeader(table.Row{"Change", "Severity", "Issue", "Page", "Element"})
	for _, issue := range res.Issues.New {
		changes.AppendRow(table.Row{"new", issue.Severity, IssueLabel(issue.Type), issue.PageURL, issue.Element})
	}
	for _, issue := range res.Issues.Fixed {
		changes.AppendRow(table.Row{"fixed", issue.Severity, IssueLabel(issue.Type), issue.PageURL, issue.Element})
	}
	changes.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: maxCell},
		{Number: 5, WidthMax: maxCell},
	})
	if len(res.Issues.New)+len(res.Issues.Fixed) > 0 {
		changes.Render()
	}

	if len(res.Pages.Added)+len(res.Pages.Removed)+len(res.Pages.Changed) == 0 {
		return
	}
	pages := newTable(w, "Page changes")
	pages.AppendHeader(table.Row{"Change", "Page", "Status", "Words", "Links"})
	for _, p := range res.Pages.Added {
		pages.AppendRow(table.Row{"added", p.URL, p.StatusCode, p.WordCount, p.OutboundLinks})
	}
	for _, p := range res.Pages.Removed {
		pages.AppendRow(table.Row{"removed", p.URL, p.StatusCode, p.WordCount, p.OutboundLinks})
	}
	for _, c := range res.Pages.Changed {
		pages.AppendRow(table.Row{
			"changed", c.URL,
			transition(c.Before.StatusCode, c.After.StatusCode),
			transition(c.Before.WordCount, c.After.WordCount),
			transition(c.Before.OutboundLinks, c.After.OutboundLinks),
		})
	}
	pages.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: maxCell}})
	pages.Render()
}

func transition(before, after int) string {
	if before == after {
		return fmt.Sprint(after)
	}
	return fmt.Sprintf("%d -> %d", before, after)
}
