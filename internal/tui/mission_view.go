package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/macaron-software/factory-engine/internal/mission"
)

var (
	phaseStyleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	phaseStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	phaseStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	phaseStylePaused    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	phaseStyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	phaseStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

// missionView renders one mission with per-phase detail and action keys.
type missionView struct {
	app       *App
	missionID string
	snapshot  *mission.Mission
	selection int
}

func newMissionView(app *App, m *mission.Mission) *missionView {
	return &missionView{app: app, missionID: m.ID, snapshot: m}
}

// reload swaps in the freshest snapshot from a refresh cycle.
func (v *missionView) reload(missions []*mission.Mission) {
	for _, m := range missions {
		if m.ID == v.missionID {
			v.snapshot = m
			break
		}
	}
	if v.snapshot != nil && v.selection >= len(v.snapshot.Phases) {
		v.selection = max(0, len(v.snapshot.Phases)-1)
	}
}

func (v *missionView) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "k":
		if v.selection > 0 {
			v.selection--
		}
	case "down", "j":
		if v.snapshot != nil && v.selection < len(v.snapshot.Phases)-1 {
			v.selection++
		}
	case "a":
		v.app.statusMsg = fmt.Sprintf("Advancing %s...", v.missionID)
		return v.app.advanceCmd(v.missionID)
	case "u":
		v.app.statusMsg = fmt.Sprintf("Resuming %s...", v.missionID)
		return v.app.resumeCmd(v.missionID)
	case "x":
		return v.app.cancelCmd(v.missionID)
	}
	return nil
}

func (v *missionView) View() string {
	m := v.snapshot
	if m == nil {
		return "Mission no longer exists"
	}
	statusLine := fmt.Sprintf("%s · %s · %s", m.Name, m.ID, friendlyLabel(string(m.Status)))
	if m.Pattern != "" {
		statusLine += fmt.Sprintf(" · pattern: %s", m.Pattern)
	}
	if m.LastError != nil {
		statusLine += fmt.Sprintf(" · last error: %s", m.LastError.Kind)
	}
	lines := []string{statusLine, ""}
	for i, ph := range m.Phases {
		lines = append(lines, v.renderPhaseLine(i, ph))
		if i == v.selection {
			lines = append(lines, v.renderPhaseDetails(ph))
		}
	}
	if history := v.renderHistory(m); history != "" {
		lines = append(lines, "", history)
	}
	return strings.Join(lines, "\n")
}

func (v *missionView) renderPhaseLine(idx int, ph mission.Phase) string {
	indicator := " "
	if idx == v.selection {
		indicator = ">"
	}
	label := phaseStyle(ph.Status).Render(friendlyLabel(string(ph.Status)))
	line := fmt.Sprintf("%s %s · [%s]", indicator, ph.Name, label)
	if ph.Attempts > 1 {
		line += fmt.Sprintf(" · attempt %d", ph.Attempts)
	}
	return line
}

func (v *missionView) renderPhaseDetails(ph mission.Phase) string {
	var details []string
	if ph.LastError != nil {
		details = append(details, fmt.Sprintf("error: %s", ph.LastError))
	}
	if !ph.NotBefore.IsZero() && time.Now().Before(ph.NotBefore) {
		details = append(details, fmt.Sprintf("retry in %s", humanizeDuration(time.Until(ph.NotBefore))))
	}
	if !ph.StartedAt.IsZero() {
		timing := fmt.Sprintf("started %s ago", humanizeDuration(time.Since(ph.StartedAt)))
		if !ph.CompletedAt.IsZero() {
			timing = fmt.Sprintf("took %s", humanizeDuration(ph.CompletedAt.Sub(ph.StartedAt)))
		}
		details = append(details, timing)
	}
	if len(ph.Checkpoint) > 0 {
		details = append(details, fmt.Sprintf("checkpoint: %d bytes", len(ph.Checkpoint)))
	}
	if run := strings.TrimSpace(ph.Meta["run"]); run != "" {
		details = append(details, fmt.Sprintf("runs: %s", run))
	}
	if len(details) == 0 {
		return detailTextStyle.Render("  no additional details")
	}
	return detailTextStyle.Render("  " + strings.Join(details, "\n  "))
}

func (v *missionView) renderHistory(m *mission.Mission) string {
	if len(m.History) == 0 {
		return ""
	}
	tail := m.History
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	var rows []string
	for _, tr := range tail {
		row := fmt.Sprintf("%s → %s", tr.From, tr.To)
		if tr.Reason != "" {
			row += fmt.Sprintf(" (%s)", tr.Reason)
		}
		rows = append(rows, row)
	}
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Render("History")
	return head + "\n" + detailTextStyle.Render(strings.Join(rows, "\n"))
}

func phaseStyle(status mission.PhaseStatus) lipgloss.Style {
	switch status {
	case mission.PhaseSucceeded:
		return phaseStyleSucceeded
	case mission.PhaseFailed:
		return phaseStyleFailed
	case mission.PhaseRunning:
		return phaseStyleRunning
	case mission.PhasePaused:
		return phaseStylePaused
	case mission.PhaseSkipped:
		return phaseStyleSkipped
	default:
		return phaseStyleDefault
	}
}
