package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukemcguire/siteaudit/model"
)

// Memory is an in-process Store for single-binary audits and tests.
type Memory struct {
	mu     sync.Mutex
	runs   map[string]*model.AuditRun
	queue  []string // run IDs in creation order
	pages  map[string][]*model.CrawledPage
	urls   map[string]map[string]struct{}
	issues map[string][]model.AuditIssue

	nextPageID  int64
	nextIssueID int64
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]*model.AuditRun),
		pages:  make(map[string][]*model.CrawledPage),
		urls:   make(map[string]map[string]struct{}),
		issues: make(map[string][]model.AuditIssue),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateRun(_ context.Context, projectID string, cfg model.RunConfig) (*model.AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := &model.AuditRun{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    model.StatusQueued,
		RunConfig: cfg,
		CreatedAt: m.now(),
	}
	m.runs[run.ID] = run
	m.queue = append(m.queue, run.ID)
	m.urls[run.ID] = make(map[string]struct{})

	out := *run
	return &out, nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*model.AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrNotFound)
	}
	out := *run
	return &out, nil
}

func (m *Memory) ClaimQueuedRun(_ context.Context) (*model.AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, id := range m.queue {
		run := m.runs[id]
		if run.Status != model.StatusQueued {
			continue
		}
		m.queue = slices.Delete(m.queue, 0, i+1)

		now := m.now()
		run.Status = model.StatusRunning
		run.StartedAt = &now
		out := *run
		return &out, nil
	}
	m.queue = m.queue[:0]
	return nil, ErrNoQueuedRun
}

func (m *Memory) UpdateStatus(_ context.Context, runID string, upd model.StatusUpdate) error {
	if err := model.ValidateTransition(upd.From, upd.To); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("update run %s: %w", runID, ErrNotFound)
	}
	if run.Status != upd.From {
		return fmt.Errorf("update run %s from %s: status is %s: %w", runID, upd.From, run.Status, ErrConflict)
	}

	at := upd.At
	if at.IsZero() {
		at = m.now()
	}
	run.Status = upd.To
	if upd.To == model.StatusRunning {
		run.StartedAt = &at
	}
	if upd.To.IsTerminal() {
		run.CompletedAt = &at
	}
	if upd.ErrorMessage != "" {
		msg := upd.ErrorMessage
		run.ErrorMessage = &msg
	}
	if upd.Stats != nil {
		run.FetchAttempts = upd.Stats.FetchAttempts
		run.FetchErrors = upd.Stats.FetchErrors
		run.PagesRendered = upd.Stats.PagesRendered
	}
	return nil
}

// writableLocked returns the run if rows may still be added to it.
func (m *Memory) writableLocked(runID string) (*model.AuditRun, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Status != model.StatusRunning {
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrConflict)
	}
	return run, nil
}

func (m *Memory) SavePage(_ context.Context, page *model.CrawledPage, issues []model.AuditIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, err := m.writableLocked(page.RunID)
	if err != nil {
		return err
	}
	if _, dup := m.urls[page.RunID][page.URL]; dup {
		return fmt.Errorf("save page %s: %w", page.URL, ErrConflict)
	}

	if page.CrawledAt.IsZero() {
		page.CrawledAt = m.now()
	}
	m.nextPageID++
	page.ID = m.nextPageID
	stored := *page
	stored.Links = slices.Clone(page.Links)
	m.pages[page.RunID] = append(m.pages[page.RunID], &stored)
	m.urls[page.RunID][page.URL] = struct{}{}

	for i := range issues {
		issues[i].RunID = page.RunID
		issues[i].PageID = page.ID
		if issues[i].PageURL == "" {
			issues[i].PageURL = page.URL
		}
	}
	m.appendIssuesLocked(page.RunID, issues)

	run.PagesCrawled++
	run.IssuesFound += len(issues)
	return nil
}

func (m *Memory) SaveIssues(_ context.Context, runID string, issues []model.AuditIssue) error {
	if len(issues) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, err := m.writableLocked(runID)
	if err != nil {
		return err
	}
	for i := range issues {
		issues[i].RunID = runID
	}
	m.appendIssuesLocked(runID, issues)
	run.IssuesFound += len(issues)
	return nil
}

func (m *Memory) appendIssuesLocked(runID string, issues []model.AuditIssue) {
	for i := range issues {
		m.nextIssueID++
		issues[i].ID = m.nextIssueID
		m.issues[runID] = append(m.issues[runID], issues[i])
	}
}

func (m *Memory) ListPages(_ context.Context, runID string) ([]*model.CrawledPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("list pages %s: %w", runID, ErrNotFound)
	}
	out := make([]*model.CrawledPage, len(m.pages[runID]))
	for i, p := range m.pages[runID] {
		cp := *p
		cp.Links = slices.Clone(p.Links)
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) ListIssues(_ context.Context, runID string) ([]model.AuditIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("list issues %s: %w", runID, ErrNotFound)
	}
	return slices.Clone(m.issues[runID]), nil
}

func (m *Memory) RequestCancel(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("cancel run %s: %w", runID, ErrNotFound)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("cancel run %s: already %s: %w", runID, run.Status, ErrConflict)
	}
	run.CancelRequested = true
	return nil
}

func (m *Memory) CancelRequested(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.CancelRequested, nil
}
