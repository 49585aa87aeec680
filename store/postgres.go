package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lukemcguire/siteaudit/model"
)

// Connection pool defaults.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultPingTimeout     = 5 * time.Second
)

const uniqueViolation = "23505"

//go:embed schema.sql
var schema string

const runColumns = `id, project_id, status, start_url, max_pages, max_pages_rendered,
	follow_external, respect_robots, user_agent, created_at, started_at, completed_at,
	pages_crawled, issues_found, error_message, fetch_attempts, fetch_errors,
	pages_rendered, cancel_requested`

const pageColumns = `id, run_id, url, status_code, response_time, word_count, outbound_links,
	depth, title, meta_description, content_type, html, rendered, render_incomplete,
	links, crawled_at`

const issueColumns = `id, run_id, page_id, page_url, issue_type, severity, element,
	suggestion, detected_at`

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an open connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgres(db), nil
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) CreateRun(ctx context.Context, projectID string, cfg model.RunConfig) (*model.AuditRun, error) {
	run := &model.AuditRun{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    model.StatusQueued,
		RunConfig: cfg,
		CreatedAt: p.now(),
	}

	query := `
		INSERT INTO audit_runs (id, project_id, status, start_url, max_pages, max_pages_rendered,
			follow_external, respect_robots, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := p.db.ExecContext(ctx, query,
		run.ID, run.ProjectID, run.Status, cfg.StartURL, cfg.MaxPages, cfg.MaxPagesRendered,
		cfg.FollowExternal, cfg.RespectRobots, cfg.UserAgent, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*model.AuditRun, error) {
	var run model.AuditRun
	err := p.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM audit_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (p *Postgres) ClaimQueuedRun(ctx context.Context) (*model.AuditRun, error) {
	query := `
		UPDATE audit_runs
		SET status = 'running', started_at = $1
		WHERE id = (
			SELECT id FROM audit_runs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + runColumns

	var run model.AuditRun
	err := p.db.GetContext(ctx, &run, query, p.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoQueuedRun
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return &run, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, runID string, upd model.StatusUpdate) error {
	if err := model.ValidateTransition(upd.From, upd.To); err != nil {
		return err
	}
	at := upd.At
	if at.IsZero() {
		at = p.now()
	}

	sets := []string{"status = $1"}
	args := []any{upd.To}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.To == model.StatusRunning {
		set("started_at", at)
	}
	if upd.To.IsTerminal() {
		set("completed_at", at)
	}
	if upd.ErrorMessage != "" {
		set("error_message", upd.ErrorMessage)
	}
	if upd.Stats != nil {
		set("fetch_attempts", upd.Stats.FetchAttempts)
		set("fetch_errors", upd.Stats.FetchErrors)
		set("pages_rendered", upd.Stats.PagesRendered)
	}
	args = append(args, runID, upd.From)
	query := fmt.Sprintf("UPDATE audit_runs SET %s WHERE id = $%d AND status = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args))

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return p.requireRow(ctx, p.db, result, runID)
}

// requireRow turns a zero-row update of runID into ErrNotFound or
// ErrConflict.
func (p *Postgres) requireRow(ctx context.Context, q sqlx.QueryerContext, result sql.Result, runID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status model.RunStatus
	err = sqlx.GetContext(ctx, q, &status, `SELECT status FROM audit_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	return fmt.Errorf("run %s is %s: %w", runID, status, ErrConflict)
}

// countRows bumps the run counters, failing unless the run is running. It
// runs first in each write transaction and locks the run row.
func (p *Postgres) countRows(ctx context.Context, tx *sqlx.Tx, runID string, pages, issues int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE audit_runs
		SET pages_crawled = pages_crawled + $1, issues_found = issues_found + $2
		WHERE id = $3 AND status = 'running'
	`, pages, issues, runID)
	if err != nil {
		return fmt.Errorf("failed to update run counters: %w", err)
	}
	return p.requireRow(ctx, tx, result, runID)
}

func (p *Postgres) SavePage(ctx context.Context, page *model.CrawledPage, issues []model.AuditIssue) error {
	if page.CrawledAt.IsZero() {
		page.CrawledAt = p.now()
	}
	links := page.Links
	if links == nil {
		links = []string{}
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := p.countRows(ctx, tx, page.RunID, 1, len(issues)); err != nil {
		return err
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO crawled_pages (run_id, url, status_code, response_time, word_count, outbound_links,
			depth, title, meta_description, content_type, html, rendered, render_incomplete, links, crawled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`,
		page.RunID, page.URL, page.StatusCode, int64(page.ResponseTime), page.WordCount, page.OutboundLinks,
		page.Depth, page.Title, page.MetaDescription, page.ContentType, page.HTML, page.Rendered,
		page.RenderIncomplete, pq.Array(links), page.CrawledAt,
	).Scan(&page.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("save page %s: %w", page.URL, ErrConflict)
		}
		return fmt.Errorf("failed to insert page: %w", err)
	}

	for i := range issues {
		issues[i].RunID = page.RunID
		issues[i].PageID = page.ID
		if issues[i].PageURL == "" {
			issues[i].PageURL = page.URL
		}
	}
	if err := insertIssues(ctx, tx, issues); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page: %w", err)
	}
	return nil
}

func (p *Postgres) SaveIssues(ctx context.Context, runID string, issues []model.AuditIssue) error {
	if len(issues) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := p.countRows(ctx, tx, runID, 0, len(issues)); err != nil {
		return err
	}
	for i := range issues {
		issues[i].RunID = runID
	}
	if err := insertIssues(ctx, tx, issues); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit issues: %w", err)
	}
	return nil
}

func insertIssues(ctx context.Context, tx *sqlx.Tx, issues []model.AuditIssue) error {
	for i := range issues {
		issue := &issues[i]
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO audit_issues (run_id, page_id, page_url, issue_type, severity, element,
				suggestion, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`,
			issue.RunID, issue.PageID, issue.PageURL, issue.Type, issue.Severity, issue.Element,
			issue.Suggestion, issue.DetectedAt,
		).Scan(&issue.ID)
		if err != nil {
			return fmt.Errorf("failed to insert issue: %w", err)
		}
	}
	return nil
}

type pageRow struct {
	model.CrawledPage
	Links pq.StringArray `db:"links"`
}

func (p *Postgres) ListPages(ctx context.Context, runID string) ([]*model.CrawledPage, error) {
	if _, err := p.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	var rows []pageRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+pageColumns+` FROM crawled_pages WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	pages := make([]*model.CrawledPage, len(rows))
	for i := range rows {
		page := rows[i].CrawledPage
		page.Links = []string(rows[i].Links)
		pages[i] = &page
	}
	return pages, nil
}

func (p *Postgres) ListIssues(ctx context.Context, runID string) ([]model.AuditIssue, error) {
	if _, err := p.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	var issues []model.AuditIssue
	err := p.db.SelectContext(ctx, &issues,
		`SELECT `+issueColumns+` FROM audit_issues WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return issues, nil
}

func (p *Postgres) RequestCancel(ctx context.Context, runID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE audit_runs SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('queued', 'running')
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return p.requireRow(ctx, p.db, result, runID)
}

func (p *Postgres) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool
	err := p.db.GetContext(ctx, &requested, `SELECT cancel_requested FROM audit_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}
