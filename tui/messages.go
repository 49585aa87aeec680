package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lukemcguire/siteaudit/audit"
	"github.com/lukemcguire/siteaudit/progress"
)

// ProgressMsg carries one progress update of the running audit.
type ProgressMsg struct {
	Update progress.Update
}

// DoneMsg signals the audit has finished.
type DoneMsg struct {
	Summary *audit.Summary
	Err     error
}

// updatesClosedMsg is sent once the update channel is closed; the summary
// still comes from DoneMsg.
type updatesClosedMsg struct{}

// waitForProgress returns a tea.Cmd that reads one update from the channel.
func waitForProgress(ch <-chan progress.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return ProgressMsg{Update: u}
	}
}
