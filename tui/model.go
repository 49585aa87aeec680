// Package tui provides the Bubble Tea terminal UI for siteaudit, displaying
// live audit progress and a styled summary of the results.
package tui

import (
	"context"
	"fmt"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/model"
	"github.com/lukemcguire/siteaudit/progress"
)

// RunFunc executes the audit the model displays.
type RunFunc func(ctx context.Context) (*audit.Summary, error)

const maxBarWidth = 60

// Model is the Bubble Tea model for the audit TUI.
type Model struct {
	ctx     context.Context
	cancel  context.CancelFunc
	run     RunFunc
	spinner spinner.Model
	bar     bar.Model
	updates <-chan progress.Update

	latest   progress.Update
	quitting bool
	done     bool
	summary  *audit.Summary
	err      error
	width    int
}

// NewModel creates a TUI model that executes run and listens on updates.
func NewModel(ctx context.Context, cancel context.CancelFunc, run RunFunc, updates <-chan progress.Update) Model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	pb := bar.New(bar.WithDefaultGradient())
	pb.Width = 40
	return Model{
		ctx:     ctx,
		cancel:  cancel,
		run:     run,
		spinner: spin,
		bar:     pb,
		updates: updates,
	}
}

// Init starts the spinner, the audit and the progress listener concurrently.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.startAudit(), waitForProgress(m.updates))
}

// startAudit returns a tea.Cmd that runs the audit and sends DoneMsg.
func (m Model) startAudit() tea.Cmd {
	return func() tea.Msg {
		summary, err := m.run(m.ctx)
		return DoneMsg{Summary: summary, Err: err}
	}
}

// Update handles messages from the Bubble Tea runtime.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.cancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if m.bar.Width > 0 {
			m.bar.Width = max(10, min(msg.Width-4, maxBarWidth))
		}

	case ProgressMsg:
		m.latest = msg.Update
		return m, waitForProgress(m.updates)

	case updatesClosedMsg:
		return m, nil

	case DoneMsg:
		m.done = true
		m.summary = msg.Summary
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the current TUI state.
func (m Model) View() string {
	if m.done && m.summary != nil {
		return RenderSummary(m.summary)
	}
	if m.done && m.err != nil {
		return errorStyle.Render("Error: "+m.err.Error()) + "\n"
	}

	u := m.latest
	out := fmt.Sprintf("%s Auditing... %d pages, %d issues, %d fetch errors\n",
		m.spinner.View(), u.PagesCrawled, u.IssuesFound, u.FetchErrors)
	if m.bar.Width > 0 {
		out += "  " + m.bar.ViewAs(u.Percent/100) + "\n"
	}
	return out + dimStyle.Render("  "+u.URL) + "\n"
}

// Failed reports whether the audit ended without completing.
func (m Model) Failed() bool {
	return m.err != nil || (m.summary != nil && m.summary.Status != model.StatusCompleted)
}

// Summary returns the audit summary, or nil if the audit did not finish.
func (m Model) Summary() *audit.Summary {
	return m.summary
}

// Err returns the error the audit ended with.
func (m Model) Err() error {
	return m.err
}
