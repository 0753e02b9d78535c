// Package store persists mission snapshots and provides the atomic phase
// status operations the engine relies on for its at-most-once execution
// guarantee.
package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/macaron-software/factory-engine/internal/mission"
)

// ErrNotFound is returned when no mission with the requested ID exists.
var ErrNotFound = errors.New("store: mission not found")

// ErrPhaseNotFound is returned when a phase ID does not belong to the mission.
var ErrPhaseNotFound = errors.New("store: phase not found")

// ErrPhaseActive is returned by ClaimPhase when the phase is not claimable,
// typically because another executor already holds it.
var ErrPhaseActive = errors.New("store: phase already claimed")

// Store is the single source of truth for mission and phase records. All
// status mutations funnel through it so concurrent writers stay safe.
type Store interface {
	Save(m *mission.Mission) error
	Load(id string) (*mission.Mission, error)
	List() ([]*mission.Mission, error)
	ListByStatus(status mission.Status) ([]*mission.Mission, error)

	// ClaimPhase atomically moves a pending phase to running and increments
	// its attempt counter, so a crash mid-execution is still accounted on
	// resume. Returns ErrPhaseActive when the phase cannot be claimed.
	ClaimPhase(missionID, phaseID string, now time.Time) (*mission.Mission, error)

	// CompareAndSetPhase moves a phase from one status to another only if it
	// currently holds the expected status. Reports whether the swap happened.
	CompareAndSetPhase(missionID, phaseID string, from, to mission.PhaseStatus) (bool, error)

	// FailPhase records a classified failure on a running phase.
	FailPhase(missionID, phaseID string, perr *mission.PhaseError, now time.Time) error

	// AppendCheckpoint freezes the result snapshot of a phase.
	AppendCheckpoint(missionID, phaseID string, payload json.RawMessage) error
}

// Repository is a file-backed Store. Each mission is one JSON document under
// the state directory; a process-wide mutex serializes read-modify-write
// cycles so compare-and-set stays atomic.
type Repository struct {
	dir string
	mu  sync.Mutex
}

// NewRepository roots a repository at the mission state directory, creating
// it if needed.
func NewRepository(dir string) (*Repository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store: state directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Repository{dir: dir}, nil
}

// Dir returns the backing directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Save writes the mission snapshot to disk.
func (r *Repository) Save(m *mission.Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(m)
}

// Load reads a mission snapshot by ID.
func (r *Repository) Load(id string) (*mission.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(id)
}

// List returns every persisted mission, newest first.
func (r *Repository) List() ([]*mission.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	missions := make([]*mission.Mission, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		m, err := r.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	sort.Slice(missions, func(i, j int) bool {
		return missions[i].CreatedAt.After(missions[j].CreatedAt)
	})
	return missions, nil
}

// ListByStatus returns missions holding the given status, oldest activity
// first so stalled and paused work is picked up in arrival order.
func (r *Repository) ListByStatus(status mission.Status) ([]*mission.Mission, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	matched := make([]*mission.Mission, 0, len(all))
	for _, m := range all {
		if m.Status == status {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastActivity.Before(matched[j].LastActivity)
	})
	return matched, nil
}

// ClaimPhase implements the at-most-once execution handshake.
func (r *Repository) ClaimPhase(missionID, phaseID string, now time.Time) (*mission.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.read(missionID)
	if err != nil {
		return nil, err
	}
	_, phase := m.PhaseByID(phaseID)
	if phase == nil {
		return nil, ErrPhaseNotFound
	}
	if phase.Status != mission.PhasePending {
		return nil, ErrPhaseActive
	}
	if err := phase.Transition(mission.PhaseRunning); err != nil {
		return nil, err
	}
	phase.Attempts++
	phase.StartedAt = now
	phase.NotBefore = time.Time{}
	m.Touch(now)
	if err := r.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CompareAndSetPhase swaps a phase status if it matches the expectation.
func (r *Repository) CompareAndSetPhase(missionID, phaseID string, from, to mission.PhaseStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.read(missionID)
	if err != nil {
		return false, err
	}
	_, phase := m.PhaseByID(phaseID)
	if phase == nil {
		return false, ErrPhaseNotFound
	}
	if phase.Status != from {
		return false, nil
	}
	if err := phase.Transition(to); err != nil {
		return false, err
	}
	if err := r.write(m); err != nil {
		return false, err
	}
	return true, nil
}

// FailPhase moves a running phase to failed and records the classified error.
func (r *Repository) FailPhase(missionID, phaseID string, perr *mission.PhaseError, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.read(missionID)
	if err != nil {
		return err
	}
	_, phase := m.PhaseByID(phaseID)
	if phase == nil {
		return ErrPhaseNotFound
	}
	if phase.Status != mission.PhaseFailed {
		if err := phase.Transition(mission.PhaseFailed); err != nil {
			return err
		}
	}
	phase.LastError = perr
	phase.CompletedAt = now
	m.LastError = perr
	m.Touch(now)
	return r.write(m)
}

// AppendCheckpoint stores the opaque result snapshot for a phase. Checkpoints
// of succeeded phases are frozen and must not be replaced.
func (r *Repository) AppendCheckpoint(missionID, phaseID string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.read(missionID)
	if err != nil {
		return err
	}
	_, phase := m.PhaseByID(phaseID)
	if phase == nil {
		return ErrPhaseNotFound
	}
	if phase.Status == mission.PhaseSucceeded || phase.Status == mission.PhaseSkipped {
		return errors.New("store: checkpoint is frozen")
	}
	phase.Checkpoint = append(json.RawMessage(nil), payload...)
	return r.write(m)
}

func (r *Repository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Repository) read(id string) (*mission.Mission, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var m mission.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// write persists via a temp file plus rename so readers never observe a
// partially written snapshot.
func (r *Repository) write(m *mission.Mission) error {
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return errors.New("store: mission id is required")
	}
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, m.ID+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.path(m.ID))
}
