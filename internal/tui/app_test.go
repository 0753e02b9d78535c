package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/macaron-software/factory-engine/internal/mission"
)

func testMission(t *testing.T, name string) *mission.Mission {
	t.Helper()
	m, err := mission.New(name, "", []mission.PhaseSpec{{Name: "plan"}, {Name: "build"}}, time.Now())
	if err != nil {
		t.Fatalf("mission.New: %v", err)
	}
	return m
}

func TestFriendlyLabel(t *testing.T) {
	cases := map[string]string{
		"phase_error":  "Phase Error",
		"running":      "Running",
		"skip-on-fail": "Skip On Fail",
		"":             "",
	}
	for in, want := range cases {
		if got := friendlyLabel(in); got != want {
			t.Errorf("friendlyLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHumanizeDuration(t *testing.T) {
	cases := map[time.Duration]string{
		30 * time.Second: "30s",
		5 * time.Minute:  "5m",
		3 * time.Hour:    "3h",
	}
	for in, want := range cases {
		if got := humanizeDuration(in); got != want {
			t.Errorf("humanizeDuration(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestMissionItemDescriptionCountsFinishedPhases(t *testing.T) {
	m := testMission(t, "demo")
	m.Phases[0].Status = mission.PhaseSucceeded
	desc := missionItem{m: m}.Description()
	if !strings.Contains(desc, "phase 1/2") {
		t.Errorf("description = %q, want phase 1/2", desc)
	}
	if !strings.Contains(desc, "Pending") {
		t.Errorf("description = %q, want mission status", desc)
	}
}

func TestMissionViewReloadClampsSelection(t *testing.T) {
	m := testMission(t, "demo")
	view := newMissionView(&App{}, m)
	view.selection = 5
	view.reload([]*mission.Mission{m})
	if view.selection != len(m.Phases)-1 {
		t.Errorf("selection = %d, want %d", view.selection, len(m.Phases)-1)
	}
}

func TestMissionViewRendersPhaseStatuses(t *testing.T) {
	m := testMission(t, "demo")
	m.Phases[0].Status = mission.PhaseSucceeded
	m.Phases[1].Status = mission.PhaseFailed
	m.Phases[1].Attempts = 3
	m.Phases[1].LastError = mission.NewPhaseError(mission.KindTimeout, "phase timed out")
	view := newMissionView(&App{}, m)
	view.selection = 1

	out := view.View()
	if !strings.Contains(out, "Succeeded") || !strings.Contains(out, "Failed") {
		t.Errorf("view missing phase statuses:\n%s", out)
	}
	if !strings.Contains(out, "attempt 3") {
		t.Errorf("view missing attempt count:\n%s", out)
	}
	if !strings.Contains(out, "timeout") {
		t.Errorf("view missing error detail:\n%s", out)
	}
}
