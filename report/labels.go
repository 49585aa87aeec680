package report

import "github.com/lukemcguire/siteaudit/model"

// IssueLabel returns a human-readable label for an issue type.
func IssueLabel(t model.IssueType) string {
	switch t {
	case model.IssueTitleMissing:
		return "Missing title"
	case model.IssueTitleTooShort:
		return "Title too short"
	case model.IssueTitleTooLong:
		return "Title too long"
	case model.IssueDuplicateTitle:
		return "Duplicate title"
	case model.IssueStatus5xx:
		return "Server errors (5xx)"
	case model.IssueStatus4xx:
		return "Client errors (4xx)"
	case model.IssueH1Missing:
		return "Missing H1"
	case model.IssueH1Multiple:
		return "Multiple H1s"
	case model.IssueHeadingLevelSkip:
		return "Skipped heading level"
	case model.IssueBrokenInternalLink:
		return "Broken internal links"
	case model.IssueTooManyLinks:
		return "Too many links"
	case model.IssueMetaDescriptionMissing:
		return "Missing meta description"
	case model.IssueMetaDescriptionLength:
		return "Meta description length"
	case model.IssueSlowResponse:
		return "Slow responses"
	case model.IssueImageMissingAlt:
		return "Images without alt text"
	case model.IssueThinContent:
		return "Thin content"
	default:
		return string(t)
	}
}
