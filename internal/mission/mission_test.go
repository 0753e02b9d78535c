package mission

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestMission(t *testing.T) *Mission {
	t.Helper()
	m, err := New("demo build", "sequential", []PhaseSpec{
		{Name: "Plan"},
		{Name: "Build", CodePhase: true},
		{Name: "Release", SkipOnFailure: true},
	}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new mission: %v", err)
	}
	return m
}

func TestNewMissionValidation(t *testing.T) {
	now := time.Now()
	if _, err := New("", "sequential", []PhaseSpec{{Name: "a"}}, now); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := New("x", "sequential", nil, now); err == nil {
		t.Fatalf("expected error for empty phase list")
	}
	if _, err := New("x", "sequential", []PhaseSpec{{Name: "  "}}, now); err == nil {
		t.Fatalf("expected error for blank phase name")
	}
}

func TestNewMissionAssignsStablePhaseIDs(t *testing.T) {
	m := newTestMission(t)
	if m.Phases[0].ID != "phase-1-plan" {
		t.Fatalf("unexpected phase id: %s", m.Phases[0].ID)
	}
	if m.Phases[1].ID != "phase-2-build" {
		t.Fatalf("unexpected phase id: %s", m.Phases[1].ID)
	}
	if m.Status != StatusPending {
		t.Fatalf("expected pending mission, got %s", m.Status)
	}
}

func TestMissionTransitionRecordsHistory(t *testing.T) {
	m := newTestMission(t)
	now := m.CreatedAt.Add(time.Minute)
	if err := m.Transition(StatusRunning, "started", now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Transition(StatusPaused, "retries exhausted", now.Add(time.Minute)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(m.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(m.History))
	}
	last := m.History[1]
	if last.From != StatusRunning || last.To != StatusPaused || last.Reason != "retries exhausted" {
		t.Fatalf("unexpected history entry: %+v", last)
	}
	if !m.LastActivity.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected last activity bump, got %v", m.LastActivity)
	}
}

func TestMissionTransitionRejectsInvalidMoves(t *testing.T) {
	m := newTestMission(t)
	if err := m.Transition(StatusCompleted, "", time.Now()); err == nil {
		t.Fatalf("expected pending -> completed to be rejected")
	}
	if err := m.Transition(StatusRunning, "", time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Transition(StatusCompleted, "", time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Transition(StatusRunning, "", time.Now()); err == nil {
		t.Fatalf("expected completed to be terminal")
	}
	if !m.Terminal() {
		t.Fatalf("expected terminal mission")
	}
}

func TestPhaseTransitionFreezesTerminalStates(t *testing.T) {
	p := Phase{ID: "phase-1", Status: PhasePending}
	if err := p.Transition(PhaseRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := p.Transition(PhaseSucceeded); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := p.Transition(PhaseFailed); err == nil {
		t.Fatalf("expected succeeded phase to be immutable")
	}
}

func TestNextPhaseSkipsFinishedPhases(t *testing.T) {
	m := newTestMission(t)
	idx, phase := m.NextPhase()
	if idx != 0 || phase.ID != "phase-1-plan" {
		t.Fatalf("expected first phase, got idx=%d phase=%v", idx, phase)
	}
	m.Phases[0].Status = PhaseSucceeded
	m.Phases[1].Status = PhaseSkipped
	idx, phase = m.NextPhase()
	if idx != 2 || phase.ID != "phase-3-release" {
		t.Fatalf("expected third phase, got idx=%d", idx)
	}
	m.Phases[2].Status = PhaseSucceeded
	if idx, phase = m.NextPhase(); idx != -1 || phase != nil {
		t.Fatalf("expected no next phase, got idx=%d", idx)
	}
}

func TestRetryableRespectsNotBefore(t *testing.T) {
	now := time.Now()
	p := Phase{Status: PhasePending, NotBefore: now.Add(time.Minute)}
	if !p.Retryable(now) {
		t.Fatalf("expected phase to be waiting on retry delay")
	}
	if p.Retryable(now.Add(2 * time.Minute)) {
		t.Fatalf("expected delay to have elapsed")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := newTestMission(t)
	m.Phases[0].LastError = NewPhaseError(KindTimeout, "deadline")
	m.Phases[0].Meta = map[string]string{"run": "make plan"}
	clone := m.Clone()
	clone.Phases[0].LastError.Message = "changed"
	clone.Phases[0].Meta["run"] = "changed"
	if m.Phases[0].LastError.Message != "deadline" {
		t.Fatalf("clone shares error record")
	}
	if m.Phases[0].Meta["run"] != "make plan" {
		t.Fatalf("clone shares meta map")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"cancelled", context.Canceled, KindCancelled},
		{"wrapped deadline", fmt.Errorf("run phase: %w", context.DeadlineExceeded), KindTimeout},
		{"rate limit", errors.New("HTTP 429 rate limit exceeded"), KindLLMProvider},
		{"provider chain", errors.New("all llm providers failed"), KindLLMProvider},
		{"generic", errors.New("assert failed"), KindPhaseError},
		{"classified", NewPhaseError(KindSetupFailed, "no workspace"), KindSetupFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got.Kind != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got.Kind, tc.want)
			}
		})
	}
	if Classify(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
