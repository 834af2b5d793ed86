// Package statusview renders a minimal terminal status view for the
// orchestrator, adapted from the teacher's internal/tui status screen but
// stripped of chat/genesis/model-selector flows that have no analog in a
// headless voice daemon.
package statusview

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is a point-in-time view of orchestrator health, refreshed once
// per second by the status view.
type Snapshot struct {
	ConnectionHealthy bool
	ActiveTasks       int
	WSClients         int
	Generating        bool
	AmbientOn         bool
	PendingInbox      int
	LastError         string
	Uptime            time.Duration
}

// Provider returns the current Snapshot. Implementations must be safe to
// call from the status view's tick goroutine.
type Provider func() Snapshot

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

type model struct {
	provider Provider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func boolStyled(ok bool) string {
	if ok {
		return okStyle.Render("OK")
	}
	return badStyle.Render("DOWN")
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	generating := "idle"
	if m.snap.Generating {
		generating = "speaking"
	}
	ambient := "off (thread-focused)"
	if m.snap.AmbientOn {
		ambient = "on"
	}
	return fmt.Sprintf(
		"%s\n\nModel session: %s\nActive tasks: %d\nDashboard clients: %d\nModel state: %s\nAmbient listening: %s\nPending inbox: %d\nUptime: %s\nLast error: %s\n\nPress q to quit.\n",
		titleStyle.Render("vocorch status"),
		boolStyled(m.snap.ConnectionHealthy),
		m.snap.ActiveTasks,
		m.snap.WSClients,
		generating,
		ambient,
		m.snap.PendingInbox,
		m.snap.Uptime.Truncate(time.Second),
		lastErr,
	)
}

// Run drives the status view until ctx is cancelled or the user quits.
func Run(ctx context.Context, provider Provider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
