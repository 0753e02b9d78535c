// Package pattern provides the phase-sequencing strategies a mission can be
// run under. Strategies share one contract so the runner composes them
// instead of branching on pattern names.
package pattern

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/macaron-software/factory-engine/internal/mission"
)

// Strategy decides how the runner moves between phases of one mission.
type Strategy interface {
	// Name identifies the strategy in mission records.
	Name() string
	// ContinueAfter reports whether the runner should start the next phase
	// immediately after the given phase succeeded. Returning false hands
	// control back to the caller; the mission stays running and the next
	// Advance call (operator or watchdog driven) picks it up.
	ContinueAfter(m *mission.Mission, completed *mission.Phase) bool
}

// Sequential advances through every phase without stopping.
type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) ContinueAfter(*mission.Mission, *mission.Phase) bool { return true }

// Checkpointed stops after each succeeded phase so an operator can inspect
// the checkpoint before the mission continues. This is the human-in-the-loop
// shape: progress requires an explicit Advance.
type Checkpointed struct{}

func (Checkpointed) Name() string { return "checkpointed" }

func (Checkpointed) ContinueAfter(*mission.Mission, *mission.Phase) bool { return false }

// Registry resolves strategies by name, defaulting to sequential.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds a registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: map[string]Strategy{}}
	r.Register(Sequential{})
	r.Register(Checkpointed{})
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	if s == nil {
		return
	}
	name := strings.TrimSpace(strings.ToLower(s.Name()))
	if name == "" {
		return
	}
	r.strategies[name] = s
}

// Resolve returns the named strategy; empty names fall back to sequential.
func (r *Registry) Resolve(name string) (Strategy, error) {
	trimmed := strings.TrimSpace(strings.ToLower(name))
	if trimmed == "" {
		trimmed = "sequential"
	}
	s, ok := r.strategies[trimmed]
	if !ok {
		return nil, fmt.Errorf("pattern: unknown strategy %q", name)
	}
	return s, nil
}

// Names lists the registered strategies, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fanout expands a mission template into independent single-phase missions,
// one per phase. Each sibling still runs the sequential state machine
// internally; no ordering is guaranteed across them.
func Fanout(template *mission.Mission, now time.Time) ([]*mission.Mission, error) {
	if template == nil {
		return nil, fmt.Errorf("pattern: fanout requires a mission template")
	}
	siblings := make([]*mission.Mission, 0, len(template.Phases))
	for i, phase := range template.Phases {
		spec := mission.PhaseSpec{
			Name:          phase.Name,
			SkipOnFailure: phase.SkipOnFailure,
			CodePhase:     phase.CodePhase,
			Meta:          phase.Meta,
		}
		sibling, err := mission.New(
			fmt.Sprintf("%s [%d/%d]", template.Name, i+1, len(template.Phases)),
			"sequential",
			[]mission.PhaseSpec{spec},
			now,
		)
		if err != nil {
			return nil, err
		}
		siblings = append(siblings, sibling)
	}
	return siblings, nil
}
