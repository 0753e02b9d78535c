// Package notify carries mission lifecycle events from the engine to
// external consumers (chat notifiers, dashboards). The engine only depends on
// the Sink interface; the Router is the in-process fan-out implementation.
package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/macaron-software/factory-engine/internal/mission"
)

// Event is the payload emitted on mission pause, failure, and completion.
type Event struct {
	EventID   string         `json:"event_id"`
	MissionID string         `json:"mission_id"`
	Status    mission.Status `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	PhaseID   string         `json:"phase_id,omitempty"`
	At        time.Time      `json:"at"`
}

// NewEvent stamps a fresh event for a mission status change.
func NewEvent(missionID string, status mission.Status, reason, phaseID string, at time.Time) Event {
	return Event{
		EventID:   uuid.New().String(),
		MissionID: missionID,
		Status:    status,
		Reason:    strings.TrimSpace(reason),
		PhaseID:   phaseID,
		At:        at,
	}
}

// Sink consumes engine events.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(Event)

// Notify executes f(e).
func (f SinkFunc) Notify(e Event) {
	if f == nil {
		return
	}
	f(e)
}

// Logger records router diagnostics. It matches logbook's Printf-style
// methods via a thin adapter in the callers.
type Logger interface {
	Printf(format string, args ...any)
}
