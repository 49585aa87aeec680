package model

import (
	"mime"
	"strings"
	"time"
)

// IssueType identifies the rule that produced an issue.
type IssueType string

const (
	IssueTitleMissing           IssueType = "TITLE_MISSING"
	IssueTitleTooShort          IssueType = "TITLE_TOO_SHORT"
	IssueTitleTooLong           IssueType = "TITLE_TOO_LONG"
	IssueDuplicateTitle         IssueType = "DUPLICATE_TITLE"
	IssueStatus5xx              IssueType = "STATUS_5XX"
	IssueStatus4xx              IssueType = "STATUS_4XX"
	IssueH1Missing              IssueType = "H1_MISSING"
	IssueH1Multiple             IssueType = "H1_MULTIPLE"
	IssueHeadingLevelSkip       IssueType = "HEADING_LEVEL_SKIP"
	IssueBrokenInternalLink     IssueType = "BROKEN_INTERNAL_LINK"
	IssueTooManyLinks           IssueType = "TOO_MANY_LINKS"
	IssueMetaDescriptionMissing IssueType = "META_DESCRIPTION_MISSING"
	IssueMetaDescriptionLength  IssueType = "META_DESCRIPTION_LENGTH"
	IssueSlowResponse           IssueType = "SLOW_RESPONSE"
	IssueImageMissingAlt        IssueType = "IMAGE_MISSING_ALT"
	IssueThinContent            IssueType = "THIN_CONTENT"
)

// Severity ranks how urgently an issue should be fixed.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities from most (0) to least urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// AuditIssue is one detected problem on a page.
type AuditIssue struct {
	ID         int64     `json:"id" db:"id"`
	RunID      string    `json:"run_id" db:"run_id"`
	PageID     int64     `json:"page_id" db:"page_id"`
	PageURL    string    `json:"page_url" db:"page_url"`
	Type       IssueType `json:"type" db:"issue_type"`
	Severity   Severity  `json:"severity" db:"severity"`
	Element    string    `json:"element" db:"element"`
	Suggestion string    `json:"suggestion" db:"suggestion"`
	DetectedAt time.Time `json:"detected_at" db:"detected_at"`
}

func isHTMLContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(strings.ToLower(contentType), ";")
		mediaType = strings.TrimSpace(mediaType)
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
