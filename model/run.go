// Package model holds the audit pipeline's persisted records: runs, crawled
// pages and issues, plus the run status state machine.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// RunConfig is the configuration snapshot captured when an audit is requested.
type RunConfig struct {
	StartURL         string `json:"start_url" db:"start_url"`
	MaxPages         int    `json:"max_pages" db:"max_pages"`
	MaxPagesRendered int    `json:"max_pages_rendered" db:"max_pages_rendered"`
	FollowExternal   bool   `json:"follow_external" db:"follow_external"`
	RespectRobots    bool   `json:"respect_robots" db:"respect_robots"`
	UserAgent        string `json:"user_agent" db:"user_agent"`
}

// Validate reports every problem with the configuration.
func (c RunConfig) Validate() error {
	var errs []error
	u, err := url.Parse(c.StartURL)
	switch {
	case c.StartURL == "":
		errs = append(errs, errors.New("start URL is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("start URL: %w", err))
	case (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		errs = append(errs, fmt.Errorf("start URL %q must be an absolute http or https URL", c.StartURL))
	}
	if c.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("max pages must be at least 1, got %d", c.MaxPages))
	}
	if c.MaxPagesRendered < 0 {
		errs = append(errs, fmt.Errorf("max pages rendered must not be negative, got %d", c.MaxPagesRendered))
	}
	return errors.Join(errs...)
}

// AuditRun is one crawl execution.
type AuditRun struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	Status    RunStatus `json:"status" db:"status"`
	RunConfig

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	PagesCrawled int     `json:"pages_crawled" db:"pages_crawled"`
	IssuesFound  int     `json:"issues_found" db:"issues_found"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	FetchAttempts   int  `json:"fetch_attempts" db:"fetch_attempts"`
	FetchErrors     int  `json:"fetch_errors" db:"fetch_errors"`
	PagesRendered   int  `json:"pages_rendered" db:"pages_rendered"`
	CancelRequested bool `json:"cancel_requested" db:"cancel_requested"`
}

// ErrorRate is the share of fetch attempts that ended in a fetch error.
func (r *AuditRun) ErrorRate() float64 {
	if r.FetchAttempts == 0 {
		return 0
	}
	return float64(r.FetchErrors) / float64(r.FetchAttempts)
}

// RunStats carries the counters the coordinator records when a run finishes.
type RunStats struct {
	FetchAttempts int
	FetchErrors   int
	PagesRendered int
}

// StatusUpdate describes a status transition and what it records.
type StatusUpdate struct {
	From         RunStatus
	To           RunStatus
	At           time.Time
	ErrorMessage string
	Stats        *RunStats
}
