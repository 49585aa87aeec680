package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/lukemcguire/siteaudit/analyzer"
	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/report"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	successStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	severityStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
	cellStyle     = lipgloss.NewStyle()
	countStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// severityOrder is the display order, most urgent first.
var severityOrder = []model.Severity{
	model.SeverityCritical,
	model.SeverityHigh,
	model.SeverityMedium,
	model.SeverityLow,
}

// RenderSummary produces a Lip Gloss styled summary of an audit.
func RenderSummary(s *audit.Summary) string {
	if s == nil {
		return errorStyle.Render("No results available.")
	}

	var builder strings.Builder

	if s.Status == model.StatusFailed {
		builder.WriteString(errorStyle.Render("Audit failed: " + s.Error))
		builder.WriteString("\n")
	}

	if len(s.TopIssues) == 0 {
		builder.WriteString(successStyle.Render("No issues found!"))
		builder.WriteString("\n")
		builder.WriteString(dimStyle.Render(fmt.Sprintf(
			"Audited %d pages in %s",
			s.PagesCrawled,
			s.Duration.Round(time.Millisecond),
		)))
		builder.WriteString("\n")
		return builder.String()
	}

	grouped := make(map[model.Severity][]analyzer.TypeCount)
	for _, tc := range s.TopIssues {
		grouped[tc.Severity] = append(grouped[tc.Severity], tc)
	}

	for _, sev := range severityOrder {
		counts := grouped[sev]
		if len(counts) == 0 {
			continue
		}
		total := 0
		rows := make([][]string, 0, len(counts))
		for _, tc := range counts {
			total += tc.Count
			rows = append(rows, []string{report.IssueLabel(tc.Type), string(tc.Type), fmt.Sprint(tc.Count)})
		}

		builder.WriteString(severityStyle.Render(fmt.Sprintf("## %s (%d)", strings.ToUpper(string(sev)), total)))
		builder.WriteString("\n")

		sevTable := table.New().
			Border(lipgloss.RoundedBorder()).
			Headers("Issue", "Type", "Count").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				if col == 2 {
					return countStyle
				}
				return cellStyle
			}).
			Rows(rows...)

		builder.WriteString(sevTable.Render())
		builder.WriteString("\n\n")
	}

	builder.WriteString(titleStyle.Render(fmt.Sprintf(
		"Found %d issues across %d pages (%s)",
		s.IssuesFound,
		s.PagesCrawled,
		s.Duration.Round(time.Millisecond),
	)))
	builder.WriteString("\n")
	if s.FetchErrors > 0 || s.PagesRendered > 0 {
		builder.WriteString(dimStyle.Render(fmt.Sprintf(
			"%d of %d fetches failed, %d pages rendered",
			s.FetchErrors, s.FetchAttempts, s.PagesRendered,
		)))
		builder.WriteString("\n")
	}

	return builder.String()
}
