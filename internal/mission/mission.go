// Package mission defines the persisted data model for the phase-execution
// engine: missions, phases, their status machines, and the failure taxonomy.
//
// A Mission is one end-to-end run of a multi-phase workflow. Phases execute
// strictly in sequence; the mission's phase index only advances past phases
// that have succeeded or been skipped.
package mission

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates mission lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PhaseStatus enumerates per-phase states.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
	PhasePaused    PhaseStatus = "paused"
)

// missionTransitions lists the valid mission status moves. Anything not in
// this table is rejected by Transition.
var missionTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusRunning, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

var phaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending:   {PhaseRunning, PhaseSkipped},
	PhaseRunning:   {PhaseSucceeded, PhaseFailed, PhasePaused},
	PhaseFailed:    {PhasePending, PhaseSkipped, PhasePaused},
	PhasePaused:    {PhasePending, PhaseFailed},
	PhaseSucceeded: {},
	PhaseSkipped:   {},
}

// Transition records one mission status change for the audit history.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Phase is one unit of sequential work within a mission.
type Phase struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Status        PhaseStatus       `json:"status"`
	Attempts      int               `json:"attempts"`
	SkipOnFailure bool              `json:"skip_on_failure,omitempty"`
	CodePhase     bool              `json:"code_phase,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	// Checkpoint holds the opaque result snapshot of a succeeded phase. It is
	// frozen once the phase succeeds and replayed verbatim on resume.
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
	LastError  *PhaseError     `json:"last_error,omitempty"`
	// NotBefore delays the next attempt of a phase scheduled for retry.
	NotBefore   time.Time `json:"not_before,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Mission captures one persisted workflow run.
type Mission struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Pattern      string       `json:"pattern,omitempty"`
	Status       Status       `json:"status"`
	Phases       []Phase      `json:"phases"`
	CurrentPhase int          `json:"current_phase"`
	LastError    *PhaseError  `json:"last_error,omitempty"`
	History      []Transition `json:"history,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// PhaseSpec declares one phase when constructing a mission.
type PhaseSpec struct {
	Name          string            `json:"name" yaml:"name"`
	SkipOnFailure bool              `json:"skip_on_failure,omitempty" yaml:"skip_on_failure,omitempty"`
	CodePhase     bool              `json:"code_phase,omitempty" yaml:"code_phase,omitempty"`
	Meta          map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// New builds a pending mission from ordered phase specs.
func New(name, pattern string, specs []PhaseSpec, now time.Time) (*Mission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("mission: name is required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("mission: at least one phase is required")
	}
	phases := make([]Phase, 0, len(specs))
	for i, spec := range specs {
		phaseName := strings.TrimSpace(spec.Name)
		if phaseName == "" {
			return nil, fmt.Errorf("mission: phase %d is missing a name", i+1)
		}
		phases = append(phases, Phase{
			ID:            fmt.Sprintf("phase-%d-%s", i+1, slug(phaseName)),
			Name:          phaseName,
			Status:        PhasePending,
			SkipOnFailure: spec.SkipOnFailure,
			CodePhase:     spec.CodePhase,
			Meta:          cloneMeta(spec.Meta),
		})
	}
	return &Mission{
		ID:           uuid.New().String()[:8],
		Name:         name,
		Pattern:      pattern,
		Status:       StatusPending,
		Phases:       phases,
		CreatedAt:    now,
		LastActivity: now,
	}, nil
}

// Transition moves the mission to a new status, recording the change in the
// history. Invalid moves are rejected.
func (m *Mission) Transition(to Status, reason string, now time.Time) error {
	if !containsStatus(missionTransitions[m.Status], to) {
		return fmt.Errorf("mission %s: invalid transition %s -> %s", m.ID, m.Status, to)
	}
	m.History = append(m.History, Transition{From: m.Status, To: to, Reason: reason, At: now})
	m.Status = to
	m.LastActivity = now
	return nil
}

// CanTransition reports whether a status move is valid.
func (m *Mission) CanTransition(to Status) bool {
	return containsStatus(missionTransitions[m.Status], to)
}

// Terminal reports whether the mission reached a final state.
func (m *Mission) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

// NextPhase returns the first phase that has not succeeded or been skipped,
// or (-1, nil) when every phase is done.
func (m *Mission) NextPhase() (int, *Phase) {
	for i := range m.Phases {
		switch m.Phases[i].Status {
		case PhaseSucceeded, PhaseSkipped:
			continue
		default:
			return i, &m.Phases[i]
		}
	}
	return -1, nil
}

// PhaseByID looks up a phase by identifier.
func (m *Mission) PhaseByID(id string) (int, *Phase) {
	for i := range m.Phases {
		if m.Phases[i].ID == id {
			return i, &m.Phases[i]
		}
	}
	return -1, nil
}

// Touch bumps the last-activity timestamp without a status change.
func (m *Mission) Touch(now time.Time) {
	m.LastActivity = now
}

// Transition moves the phase to a new status. Succeeded and skipped phases
// are immutable, so any move away from them is rejected here.
func (p *Phase) Transition(to PhaseStatus) error {
	if !containsPhaseStatus(phaseTransitions[p.Status], to) {
		return fmt.Errorf("phase %s: invalid transition %s -> %s", p.ID, p.Status, to)
	}
	p.Status = to
	return nil
}

// Retryable reports whether the phase is waiting on a scheduled retry.
func (p *Phase) Retryable(now time.Time) bool {
	return p.Status == PhasePending && !p.NotBefore.IsZero() && now.Before(p.NotBefore)
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (m *Mission) Clone() *Mission {
	if m == nil {
		return nil
	}
	out := *m
	out.Phases = make([]Phase, len(m.Phases))
	for i, p := range m.Phases {
		out.Phases[i] = p
		out.Phases[i].Meta = cloneMeta(p.Meta)
		if len(p.Checkpoint) > 0 {
			out.Phases[i].Checkpoint = append(json.RawMessage(nil), p.Checkpoint...)
		}
		if p.LastError != nil {
			errCopy := *p.LastError
			out.Phases[i].LastError = &errCopy
		}
	}
	if m.LastError != nil {
		errCopy := *m.LastError
		out.LastError = &errCopy
	}
	if len(m.History) > 0 {
		out.History = append([]Transition(nil), m.History...)
	}
	return &out
}

func slug(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func cloneMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func containsStatus(values []Status, v Status) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsPhaseStatus(values []PhaseStatus, v PhaseStatus) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
