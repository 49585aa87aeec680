package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lukemcguire/siteaudit/model"
)

// WriteJSON writes v as indented JSON without HTML escaping, so URLs stay
// readable.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write json output: %w", err)
	}
	return nil
}

var issueHeader = []string{"type", "severity", "page_url", "element", "suggestion", "detected_at"}

// WriteCSV writes issues as CSV. The header row is always written, even
// when there are no issues.
func WriteCSV(w io.Writer, issues []model.AuditIssue) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(issueHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, issue := range issues {
		if err := cw.Write(issueRecord(issue)); err != nil {
			return fmt.Errorf("write csv record for %s: %w", issue.PageURL, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv output: %w", err)
	}
	return nil
}

func issueRecord(issue model.AuditIssue) []string {
	return []string{
		string(issue.Type),
		string(issue.Severity),
		issue.PageURL,
		issue.Element,
		issue.Suggestion,
		formatTime(issue.DetectedAt),
	}
}

// formatTime returns RFC 3339 in UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
