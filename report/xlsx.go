package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary = "Summary"
	sheetPages   = "Pages"
	sheetIssues  = "Issues"
)

var pageHeader = []any{
	"url", "status_code", "depth", "response_ms", "title", "meta_description",
	"word_count", "outbound_links", "rendered", "render_incomplete", "crawled_at",
}

// WriteXLSX writes a workbook with a summary, page and issue sheet.
func WriteXLSX(w io.Writer, rep *Report) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	for _, name := range []string{sheetPages, sheetIssues} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create %s sheet: %w", name, err)
		}
	}

	if err := writeRows(f, sheetSummary, summaryRows(rep)); err != nil {
		return err
	}

	pages := make([][]any, 0, len(rep.Pages)+1)
	pages = append(pages, pageHeader)
	for _, p := range rep.Pages {
		pages = append(pages, []any{
			p.URL, p.StatusCode, p.Depth, p.ResponseTime.Milliseconds(), p.Title, p.MetaDescription,
			p.WordCount, p.OutboundLinks, p.Rendered, p.RenderIncomplete, formatTime(p.CrawledAt),
		})
	}
	if err := writeRows(f, sheetPages, pages); err != nil {
		return err
	}

	issues := make([][]any, 0, len(rep.Issues)+1)
	header := make([]any, len(issueHeader))
	for i, h := range issueHeader {
		header[i] = h
	}
	issues = append(issues, header)
	for _, issue := range rep.Issues {
		record := issueRecord(issue)
		row := make([]any, len(record))
		for i, v := range record {
			row[i] = v
		}
		issues = append(issues, row)
	}
	if err := writeRows(f, sheetIssues, issues); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx output: %w", err)
	}
	return nil
}

func summaryRows(rep *Report) [][]any {
	s := rep.Summary
	if s == nil {
		return [][]any{{"field", "value"}}
	}
	rows := [][]any{
		{"field", "value"},
		{"run_id", s.RunID},
		{"start_url", s.StartURL},
		{"status", string(s.Status)},
		{"pages_crawled", s.PagesCrawled},
		{"issues_found", s.IssuesFound},
		{"fetch_attempts", s.FetchAttempts},
		{"fetch_errors", s.FetchErrors},
		{"error_rate", s.ErrorRate},
		{"pages_rendered", s.PagesRendered},
		{"duration", s.Duration.String()},
	}
	if s.Error != "" {
		rows = append(rows, []any{"error", s.Error})
	}
	rows = append(rows, []any{}, []any{"issue_type", "count"})
	for _, tc := range s.TopIssues {
		rows = append(rows, []any{IssueLabel(tc.Type), tc.Count})
	}
	return rows
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
