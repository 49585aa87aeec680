package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/lukemcguire/siteaudit/analyzer"
	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/diff"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
	"github.com/lukemcguire/siteaudit/store"
)

var detected = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleReport() *Report {
	issues := []model.AuditIssue{
		{
			Type:       model.IssueTitleTooShort,
			Severity:   model.SeverityHigh,
			PageURL:    "https://example.com/?a=1&b=2",
			Element:    "<title>Hi</title>",
			Suggestion: "Title is 2 characters; expand it to 30-60.",
			DetectedAt: detected,
		},
		{
			Type:       model.IssueStatus4xx,
			Severity:   model.SeverityHigh,
			PageURL:    "https://example.com/broken",
			Element:    "HTTP 404 Not Found",
			Suggestion: "Restore the page or redirect it, and update links pointing to it.",
			DetectedAt: detected,
		},
	}
	return &Report{
		Summary: &audit.Summary{
			RunID:         "run-1",
			StartURL:      "https://example.com/",
			Status:        model.StatusCompleted,
			PagesCrawled:  2,
			IssuesFound:   2,
			FetchAttempts: 2,
			Duration:      1500 * time.Millisecond,
			TopIssues:     analyzer.Rollup(issues),
		},
		Pages: []*model.CrawledPage{
			{URL: "https://example.com/?a=1&b=2", StatusCode: 200, Title: "Hi", WordCount: 12, CrawledAt: detected},
			{URL: "https://example.com/broken", StatusCode: 404, Depth: 1, CrawledAt: detected},
		},
		Issues: issues,
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}
	for _, key := range []string{"summary", "pages", "issues"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("Expected %q field in JSON output", key)
		}
	}

	if !strings.Contains(buf.String(), "https://example.com/?a=1&b=2") {
		t.Error("URLs should not be HTML-escaped")
	}
	if strings.Contains(buf.String(), `"html"`) {
		t.Error("Page HTML should not be exported")
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleReport().Issues); err != nil {
		t.Fatalf("WriteCSV returned error: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Output is not valid CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected header + 2 rows, got %d records", len(records))
	}
	if got := strings.Join(records[0], ","); got != "type,severity,page_url,element,suggestion,detected_at" {
		t.Errorf("Unexpected header: %s", got)
	}
	if records[1][0] != "TITLE_TOO_SHORT" || records[1][1] != "high" {
		t.Errorf("Unexpected first row: %v", records[1])
	}
	if records[1][5] != "2026-03-01T12:00:00Z" {
		t.Errorf("Expected RFC 3339 detection time, got %q", records[1][5])
	}
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("Expected only the header row, got %d lines", len(lines))
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteXLSX returned error: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("Output is not a workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	if got := f.GetSheetList(); strings.Join(got, ",") != "Summary,Pages,Issues" {
		t.Errorf("Unexpected sheets: %v", got)
	}

	pages, err := f.GetRows(sheetPages)
	if err != nil {
		t.Fatalf("GetRows(Pages): %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("Expected header + 2 page rows, got %d", len(pages))
	}
	if pages[2][0] != "https://example.com/broken" || pages[2][1] != "404" {
		t.Errorf("Unexpected page row: %v", pages[2])
	}

	issues, err := f.GetRows(sheetIssues)
	if err != nil {
		t.Fatalf("GetRows(Issues): %v", err)
	}
	if len(issues) != 3 {
		t.Errorf("Expected header + 2 issue rows, got %d", len(issues))
	}

	summary, err := f.GetRows(sheetSummary)
	if err != nil {
		t.Fatalf("GetRows(Summary): %v", err)
	}
	if summary[1][0] != "run_id" || summary[1][1] != "run-1" {
		t.Errorf("Unexpected summary row: %v", summary[1])
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "json", want: FormatJSON},
		{in: " CSV ", want: FormatCSV},
		{in: "Xlsx", want: FormatXLSX},
		{in: "yaml", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWrite_DispatchesOnFormat(t *testing.T) {
	rep := sampleReport()
	var csvBuf, jsonBuf bytes.Buffer
	if err := Write(&csvBuf, FormatCSV, rep); err != nil {
		t.Fatalf("Write(csv): %v", err)
	}
	if !strings.HasPrefix(csvBuf.String(), "type,severity") {
		t.Errorf("Expected CSV output, got %q", csvBuf.String())
	}
	if err := Write(&jsonBuf, FormatJSON, rep); err != nil {
		t.Fatalf("Write(json): %v", err)
	}
	if !strings.HasPrefix(jsonBuf.String(), "{") {
		t.Errorf("Expected JSON output, got %q", jsonBuf.String())
	}
	if err := Write(&bytes.Buffer{}, Format("pdf"), rep); err == nil {
		t.Error("Expected an error for an unknown format")
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, sampleReport().Summary)
	out := buf.String()

	for _, want := range []string{"run-1", "COMPLETED", "https://example.com/", "Title too short", "Client errors (4xx)"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected summary to contain %q, got:\n%s", want, out)
		}
	}
}

func TestPrintSummary_NoIssues(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, &audit.Summary{RunID: "run-2", Status: model.StatusFailed, Error: "audit cancelled"})
	out := buf.String()
	if !strings.Contains(out, "No issues found!") {
		t.Errorf("Expected no-issues message, got:\n%s", out)
	}
	if !strings.Contains(out, "audit cancelled") {
		t.Errorf("Expected the failure reason, got:\n%s", out)
	}
}

func TestPrintRun(t *testing.T) {
	started := detected.Add(time.Minute)
	msg := "audit cancelled"
	run := &model.AuditRun{
		ID:              "run-3",
		ProjectID:       "acme",
		RunConfig:       model.RunConfig{StartURL: "https://example.com/", MaxPages: 10},
		Status:          model.StatusFailed,
		CreatedAt:       detected,
		StartedAt:       &started,
		PagesCrawled:    4,
		FetchAttempts:   5,
		FetchErrors:     1,
		ErrorMessage:    &msg,
		CancelRequested: true,
	}
	latest := &progress.Update{RunID: "run-3", Percent: 40, Processed: 4, MaxPages: 10, URL: "https://example.com/last"}

	var buf bytes.Buffer
	PrintRun(&buf, run, latest)
	out := buf.String()
	for _, want := range []string{"run-3", "acme", "FAILED", "1 of 5", "audit cancelled", "40% (4 of 10 pages)", "https://example.com/last"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected run output to contain %q, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "requested") {
		t.Errorf("Expected no pending cancel on a finished run, got:\n%s", out)
	}
}

func TestPrintIssues(t *testing.T) {
	var buf bytes.Buffer
	PrintIssues(&buf, sampleReport().Issues)
	if !strings.Contains(buf.String(), "https://example.com/broken") {
		t.Errorf("Expected issue page in output, got:\n%s", buf.String())
	}
}

func TestPrintDiff(t *testing.T) {
	rep := sampleReport()
	res := diff.Compare(
		diff.RunResults{Run: &model.AuditRun{ID: "a"}, Pages: rep.Pages[:1], Issues: rep.Issues[:1]},
		diff.RunResults{Run: &model.AuditRun{ID: "b"}, Pages: rep.Pages, Issues: rep.Issues[1:]},
		diff.Options{},
	)

	var buf bytes.Buffer
	PrintDiff(&buf, res)
	out := buf.String()
	for _, want := range []string{"From run", "new", "fixed", "added", "https://example.com/broken"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected diff to contain %q, got:\n%s", want, out)
		}
	}
}

func TestPrintDiff_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintDiff(&buf, diff.Result{RunA: "a", RunB: "b"})
	if got := buf.String(); got != "No differences between a and b\n" {
		t.Errorf("Unexpected output: %q", got)
	}
}

func TestIssueLabel(t *testing.T) {
	if got := IssueLabel(model.IssueBrokenInternalLink); got != "Broken internal links" {
		t.Errorf("IssueLabel = %q", got)
	}
	if got := IssueLabel(model.IssueType("CUSTOM")); got != "CUSTOM" {
		t.Errorf("Unknown types should fall back to their name, got %q", got)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	run, err := st.CreateRun(ctx, "project-1", model.RunConfig{StartURL: "https://example.com/", MaxPages: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStatus(ctx, run.ID, model.StatusUpdate{From: model.StatusQueued, To: model.StatusRunning}); err != nil {
		t.Fatal(err)
	}
	page := &model.CrawledPage{RunID: run.ID, URL: "https://example.com/", StatusCode: 200}
	if err := st.SavePage(ctx, page, []model.AuditIssue{{Type: model.IssueH1Missing, Severity: model.SeverityHigh}}); err != nil {
		t.Fatal(err)
	}

	rep, err := Load(ctx, st, run.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(rep.Pages) != 1 || len(rep.Issues) != 1 {
		t.Errorf("Expected 1 page and 1 issue, got %d and %d", len(rep.Pages), len(rep.Issues))
	}
	if rep.Summary.IssuesFound != 1 || rep.Summary.TopIssues[0].Type != model.IssueH1Missing {
		t.Errorf("Unexpected summary: %+v", rep.Summary)
	}

	if _, err := Load(ctx, st, "missing"); err == nil {
		t.Error("Expected an error for an unknown run")
	}
}
