// Package store persists audit runs, crawled pages and issues.
//
// Pages and issues are append-only. The run counters pages_crawled and
// issues_found are incremented in the same critical section (or
// transaction) that inserts the rows they count, so they always equal the
// persisted row counts. Once a run is terminal, writes for it are rejected.
package store

import (
	"context"
	"errors"

	"github.com/lukemcguire/siteaudit/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrNoQueuedRun is returned by ClaimQueuedRun when nothing is waiting.
	ErrNoQueuedRun = errors.New("no queued run")
	// ErrConflict is returned when a write races a status change, or when a
	// page URL was already stored for the run.
	ErrConflict = errors.New("conflicting write")
)

// Store is the persistence boundary shared by the coordinator and the
// collaborator that requests audits and reads their results.
type Store interface {
	// CreateRun records a new run in the queued state.
	CreateRun(ctx context.Context, projectID string, cfg model.RunConfig) (*model.AuditRun, error)
	GetRun(ctx context.Context, runID string) (*model.AuditRun, error)
	// ClaimQueuedRun moves the oldest queued run to running and returns it.
	// Concurrent callers never claim the same run.
	ClaimQueuedRun(ctx context.Context) (*model.AuditRun, error)
	// UpdateStatus applies upd if the run is still in upd.From.
	UpdateStatus(ctx context.Context, runID string, upd model.StatusUpdate) error

	// SavePage stores page and its issues atomically, assigning page.ID and
	// the issues' IDs and PageIDs. The run must be running.
	SavePage(ctx context.Context, page *model.CrawledPage, issues []model.AuditIssue) error
	// SaveIssues stores issues for pages already saved in the run.
	SaveIssues(ctx context.Context, runID string, issues []model.AuditIssue) error
	// ListPages returns a run's pages in the order they were saved.
	ListPages(ctx context.Context, runID string) ([]*model.CrawledPage, error)
	// ListIssues returns a run's issues in the order they were saved.
	ListIssues(ctx context.Context, runID string) ([]model.AuditIssue, error)

	// RequestCancel flags a queued or running run for cancellation.
	RequestCancel(ctx context.Context, runID string) error
	CancelRequested(ctx context.Context, runID string) (bool, error)
}
