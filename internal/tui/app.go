// internal/tui/app.go
//
// Terminal dashboard for the factory engine, built on bubbletea's Elm
// architecture:
//
// 1. Model: application state (App)
// 2. Update: state transitions driven by messages
// 3. View: render state to a string
//
// The flow is: User Input -> Message -> Update -> New Model -> View -> Screen

package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/macaron-software/factory-engine/internal/engine"
	"github.com/macaron-software/factory-engine/internal/logbook"
	"github.com/macaron-software/factory-engine/internal/mission"
	"github.com/macaron-software/factory-engine/internal/mission/store"
)

// appState represents which "screen" we're on
type appState int

const (
	stateMissionList   appState = iota // Mission overview with the list component
	stateMissionDetail                 // Single mission with per-phase controls
)

const boardRefreshInterval = 3 * time.Second

type missionsMsg struct {
	missions []*mission.Mission
	err      error
}

type refreshTickMsg struct{}

type actionDoneMsg struct {
	verb      string
	missionID string
	status    mission.Status
	err       error
}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	engine  *engine.Engine
	store   store.Store
	logbook *logbook.Logbook

	state     appState
	menu      list.Model
	missions  []*mission.Mission
	detail    *missionView
	statusMsg string

	width  int
	height int
}

// missionItem implements list.Item for the mission overview.
type missionItem struct {
	m *mission.Mission
}

func (i missionItem) Title() string {
	return fmt.Sprintf("%s · %s", i.m.Name, i.m.ID)
}

func (i missionItem) Description() string {
	done := 0
	for _, ph := range i.m.Phases {
		if ph.Status == mission.PhaseSucceeded || ph.Status == mission.PhaseSkipped {
			done++
		}
	}
	desc := fmt.Sprintf("%s · phase %d/%d", friendlyLabel(string(i.m.Status)), done, len(i.m.Phases))
	if !i.m.LastActivity.IsZero() {
		desc += fmt.Sprintf(" · updated %s ago", humanizeDuration(time.Since(i.m.LastActivity)))
	}
	return desc
}

func (i missionItem) FilterValue() string { return i.m.Name }

// NewApp builds the dashboard over an already wired engine and store.
func NewApp(eng *engine.Engine, st store.Store, lb *logbook.Logbook) *App {
	menu := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	menu.Title = "⬡ MISSIONS"
	menu.SetShowStatusBar(false)
	menu.SetFilteringEnabled(false)
	return &App{
		engine:    eng,
		store:     st,
		logbook:   lb,
		state:     stateMissionList,
		menu:      menu,
		statusMsg: "enter=open  r=refresh  q=quit",
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchMissions()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.menu.SetSize(max(0, msg.Width-6), max(0, msg.Height-14))
		return a, nil

	case missionsMsg:
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("refresh failed: %v", msg.err)
			return a, a.scheduleRefresh()
		}
		a.missions = msg.missions
		items := make([]list.Item, len(msg.missions))
		for i, m := range msg.missions {
			items[i] = missionItem{m: m}
		}
		a.menu.SetItems(items)
		if a.detail != nil {
			a.detail.reload(msg.missions)
		}
		return a, a.scheduleRefresh()

	case refreshTickMsg:
		return a, a.fetchMissions()

	case actionDoneMsg:
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("%s %s failed: %v", msg.verb, msg.missionID, msg.err)
			a.logWarn("%s %s failed: %v", msg.verb, msg.missionID, msg.err)
		} else {
			a.statusMsg = fmt.Sprintf("%s %s · now %s", msg.verb, msg.missionID, friendlyLabel(string(msg.status)))
			a.logInfo("%s %s: %s", msg.verb, msg.missionID, msg.status)
		}
		return a, a.fetchMissions()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit
		case "q":
			if a.state == stateMissionList {
				return a, tea.Quit
			}
		case "esc":
			if a.state == stateMissionDetail {
				a.state = stateMissionList
				a.detail = nil
				a.statusMsg = "enter=open  r=refresh  q=quit"
				return a, nil
			}
		case "r":
			if a.state == stateMissionList {
				a.statusMsg = "Refreshing..."
				return a, a.fetchMissions()
			}
		case "enter":
			if a.state == stateMissionList {
				return a, a.openSelectedMission()
			}
		}
		if a.state == stateMissionDetail && a.detail != nil {
			return a, a.detail.handleKey(msg)
		}
	}

	if a.state == stateMissionList {
		var cmd tea.Cmd
		a.menu, cmd = a.menu.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) openSelectedMission() tea.Cmd {
	item, ok := a.menu.SelectedItem().(missionItem)
	if !ok {
		return nil
	}
	a.detail = newMissionView(a, item.m)
	a.state = stateMissionDetail
	a.statusMsg = "a=advance  u=resume  x=cancel  esc=back"
	return nil
}

// View renders the current state to a string.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ FACTORY")
	var content string
	switch a.state {
	case stateMissionList:
		if len(a.missions) == 0 {
			content = "No missions yet. Start one with mission-runner."
		} else {
			content = a.menu.View()
		}
	case stateMissionDetail:
		if a.detail != nil {
			content = a.detail.View()
		}
	}
	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(40, a.width-2)).
		Render(content)
	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines := a.logbook.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) fetchMissions() tea.Cmd {
	st := a.store
	return func() tea.Msg {
		missions, err := st.List()
		return missionsMsg{missions: missions, err: err}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (a *App) logInfo(format string, args ...any) {
	if a.logbook != nil {
		a.logbook.Info(format, args...)
	}
}

func (a *App) logWarn(format string, args ...any) {
	if a.logbook != nil {
		a.logbook.Warn(format, args...)
	}
}

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// advanceCmd drives a mission in the background; the engine's per-mission
// lock keeps a double keypress harmless.
func (a *App) advanceCmd(missionID string) tea.Cmd {
	eng := a.engine
	return func() tea.Msg {
		status, err := eng.Advance(context.Background(), missionID)
		return actionDoneMsg{verb: "advance", missionID: missionID, status: status, err: err}
	}
}

func (a *App) resumeCmd(missionID string) tea.Cmd {
	eng := a.engine
	return func() tea.Msg {
		if err := eng.Resume(missionID); err != nil {
			return actionDoneMsg{verb: "resume", missionID: missionID, err: err}
		}
		status, err := eng.Advance(context.Background(), missionID)
		return actionDoneMsg{verb: "resume", missionID: missionID, status: status, err: err}
	}
}

func (a *App) cancelCmd(missionID string) tea.Cmd {
	eng := a.engine
	return func() tea.Msg {
		err := eng.Cancel(missionID, "cancelled from dashboard")
		return actionDoneMsg{verb: "cancel", missionID: missionID, status: mission.StatusFailed, err: err}
	}
}
