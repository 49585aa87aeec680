// Package report renders audit results for people and other tools: JSON,
// CSV and XLSX exports, and tables for the terminal.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/store"
)

// Report is everything recorded for one run.
type Report struct {
	Summary *audit.Summary       `json:"summary"`
	Pages   []*model.CrawledPage `json:"pages"`
	Issues  []model.AuditIssue   `json:"issues"`
}

// Load reads the report of a run from st.
func Load(ctx context.Context, st store.Store, runID string) (*Report, error) {
	summary, err := audit.Summarize(ctx, st, runID)
	if err != nil {
		return nil, err
	}
	pages, err := st.ListPages(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load report pages: %w", err)
	}
	issues, err := st.ListIssues(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load report issues: %w", err)
	}
	return &Report{Summary: summary, Pages: pages, Issues: issues}, nil
}

// Format is an export format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json, csv or xlsx)", s)
	}
}

// Write exports rep to w in format f. CSV carries the issues only.
func Write(w io.Writer, f Format, rep *Report) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, rep)
	case FormatCSV:
		return WriteCSV(w, rep.Issues)
	case FormatXLSX:
		return WriteXLSX(w, rep)
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
}
