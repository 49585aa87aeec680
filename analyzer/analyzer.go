// Package analyzer evaluates SEO rules against crawled pages.
//
// Rules come in two kinds. Page rules see one page and run as soon as the
// page is fetched. Site rules see every page of a run and must only run once
// the crawl has finished, since a verdict like "duplicate title" depends on
// pages that may not have been fetched yet.
package analyzer

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lukemcguire/siteaudit/model"
)

// ErrRuleSkipped is wrapped by a RuleError when a rule could not evaluate a
// page, for example because its HTML could not be parsed.
var ErrRuleSkipped = errors.New("rule skipped")

// RuleError reports a rule that was skipped for one page.
type RuleError struct {
	Rule model.IssueType
	URL  string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s on %s: %v", e.Rule, e.URL, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// TitleMatch decides when two titles count as duplicates.
type TitleMatch string

const (
	// TitleMatchExact compares titles byte for byte.
	TitleMatchExact TitleMatch = "exact"
	// TitleMatchNormalized compares titles trimmed, whitespace-collapsed and
	// case-folded.
	TitleMatchNormalized TitleMatch = "normalized"
)

// ParseTitleMatch parses a TitleMatch name. Empty means exact.
func ParseTitleMatch(s string) (TitleMatch, error) {
	switch TitleMatch(strings.ToLower(strings.TrimSpace(s))) {
	case "", TitleMatchExact:
		return TitleMatchExact, nil
	case TitleMatchNormalized:
		return TitleMatchNormalized, nil
	default:
		return "", fmt.Errorf("unknown title match %q (want exact or normalized)", s)
	}
}

func (m TitleMatch) key(title string) string {
	if m == TitleMatchNormalized {
		return strings.ToLower(collapseSpace(title))
	}
	return title
}

// Thresholds are the limits the rules compare against.
type Thresholds struct {
	TitleMin       int // characters
	TitleMax       int
	DescriptionMin int
	DescriptionMax int
	MaxLinks       int
	MinWords       int
	SlowResponse   time.Duration
	TitleMatch     TitleMatch
}

// DefaultThresholds returns the standard audit limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TitleMin:       30,
		TitleMax:       60,
		DescriptionMin: 120,
		DescriptionMax: 160,
		MaxLinks:       100,
		MinWords:       250,
		SlowResponse:   3 * time.Second,
		TitleMatch:     TitleMatchExact,
	}
}

// Validate reports every inconsistent threshold.
func (t Thresholds) Validate() error {
	var errs []error
	if t.TitleMin < 0 || t.TitleMax < t.TitleMin {
		errs = append(errs, fmt.Errorf("title length range [%d,%d] is invalid", t.TitleMin, t.TitleMax))
	}
	if t.DescriptionMin < 0 || t.DescriptionMax < t.DescriptionMin {
		errs = append(errs, fmt.Errorf("description length range [%d,%d] is invalid", t.DescriptionMin, t.DescriptionMax))
	}
	if t.MaxLinks < 1 {
		errs = append(errs, errors.New("max links must be positive"))
	}
	if t.MinWords < 0 {
		errs = append(errs, errors.New("min words must not be negative"))
	}
	if t.SlowResponse <= 0 {
		errs = append(errs, errors.New("slow response threshold must be positive"))
	}
	if _, err := ParseTitleMatch(string(t.TitleMatch)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Finding is an issue detected on one page, before it is persisted.
type Finding struct {
	PageURL    string
	Type       model.IssueType
	Severity   model.Severity
	Element    string
	Suggestion string
}

// Issue converts the finding into a persistable issue.
func (f Finding) Issue(runID string, pageID int64, at time.Time) model.AuditIssue {
	return model.AuditIssue{
		RunID:      runID,
		PageID:     pageID,
		PageURL:    f.PageURL,
		Type:       f.Type,
		Severity:   f.Severity,
		Element:    f.Element,
		Suggestion: f.Suggestion,
		DetectedAt: at,
	}
}

// Analyzer runs the rule registry. It holds no per-run state and is safe for
// concurrent use.
type Analyzer struct {
	thresholds Thresholds
	pageRules  []PageRule
	siteRules  []SiteRule
	logger     *zap.Logger
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger used for skipped rules.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) { a.logger = logger }
}

// New creates an Analyzer with the full rule registry.
func New(thresholds Thresholds, opts ...Option) *Analyzer {
	a := &Analyzer{
		thresholds: thresholds,
		pageRules:  pageRules(thresholds),
		siteRules:  siteRules(thresholds),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Thresholds returns the limits the analyzer was built with.
func (a *Analyzer) Thresholds() Thresholds {
	return a.thresholds
}

// PageRules returns the page rules in evaluation order.
func (a *Analyzer) PageRules() []PageRule {
	return slices.Clone(a.pageRules)
}

// SiteRules returns the site rules in evaluation order.
func (a *Analyzer) SiteRules() []SiteRule {
	return slices.Clone(a.siteRules)
}

// AnalyzePage runs every page rule against page. doc may be nil when the
// page's HTML could not be parsed; content rules are then skipped. Skipped
// rules are returned joined in the error, and never prevent the remaining
// rules from running.
func (a *Analyzer) AnalyzePage(page *model.CrawledPage, doc *Document) ([]Finding, error) {
	content := page.IsSuccess() && page.IsHTML()
	in := PageInput{Page: page, Doc: doc}

	var (
		findings []Finding
		errs     []error
	)
	for _, rule := range a.pageRules {
		if rule.Content && !content {
			continue
		}
		if rule.Content && doc == nil {
			errs = append(errs, &RuleError{Rule: rule.Type, URL: page.URL, Err: ErrRuleSkipped})
			continue
		}
		evidence, err := rule.Evaluate(in)
		if err != nil {
			errs = append(errs, &RuleError{Rule: rule.Type, URL: page.URL, Err: err})
			a.logger.Debug("rule skipped", zap.String("rule", string(rule.Type)),
				zap.String("url", page.URL), zap.Error(err))
			continue
		}
		for _, e := range evidence {
			findings = append(findings, rule.finding(page.URL, e))
		}
	}
	return findings, errors.Join(errs...)
}

// Analyze parses page.HTML and runs the page rules.
func (a *Analyzer) Analyze(page *model.CrawledPage) ([]Finding, error) {
	var doc *Document
	if page.IsSuccess() && page.IsHTML() {
		parsed, err := Parse([]byte(page.HTML))
		if err != nil {
			a.logger.Debug("parse failed", zap.String("url", page.URL), zap.Error(err))
		} else {
			doc = parsed
		}
	}
	return a.AnalyzePage(page, doc)
}

// AnalyzeSite runs the site rules over every page of a finished run. pages
// must be in crawl order.
func (a *Analyzer) AnalyzeSite(pages []*model.CrawledPage) ([]Finding, error) {
	var (
		findings []Finding
		errs     []error
	)
	for _, rule := range a.siteRules {
		evidence, err := rule.Evaluate(pages)
		if err != nil {
			errs = append(errs, &RuleError{Rule: rule.Type, Err: err})
			continue
		}
		for _, e := range evidence {
			findings = append(findings, rule.finding(e))
		}
	}
	return findings, errors.Join(errs...)
}

// TypeCount is how often one issue type occurred in a run.
type TypeCount struct {
	Type     model.IssueType `json:"type"`
	Severity model.Severity  `json:"severity"`
	Count    int             `json:"count"`
}

// Rollup counts issues by type, most common first. Ties are broken by
// severity, then type name.
func Rollup(issues []model.AuditIssue) []TypeCount {
	index := make(map[model.IssueType]int)
	var counts []TypeCount
	for _, issue := range issues {
		i, ok := index[issue.Type]
		if !ok {
			i = len(counts)
			index[issue.Type] = i
			counts = append(counts, TypeCount{Type: issue.Type, Severity: issue.Severity})
		}
		counts[i].Count++
	}
	slices.SortFunc(counts, func(a, b TypeCount) int {
		return cmp.Or(
			cmp.Compare(b.Count, a.Count),
			cmp.Compare(a.Severity.Rank(), b.Severity.Rank()),
			strings.Compare(string(a.Type), string(b.Type)),
		)
	})
	return counts
}
