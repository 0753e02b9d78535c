package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/macaron-software/factory-engine/internal/engine/retry"
	"github.com/macaron-software/factory-engine/internal/mission"
	"github.com/macaron-software/factory-engine/internal/mission/store"
)

// StartMission persists a fresh pending mission. Advance drives it forward.
func (e *Engine) StartMission(name, patternName string, specs []mission.PhaseSpec) (*mission.Mission, error) {
	if _, err := e.patterns.Resolve(patternName); err != nil {
		return nil, err
	}
	m, err := mission.New(name, patternName, specs, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(m); err != nil {
		return nil, err
	}
	e.logf("mission %s (%s) created with %d phases", m.ID, m.Name, len(m.Phases))
	return m, nil
}

// Advance drives a mission forward until it completes, pauses, waits on a
// retry delay, or hands control back between phases per its pattern. Calling
// it on a terminal or waiting mission performs no state mutation.
func (e *Engine) Advance(ctx context.Context, missionID string) (mission.Status, error) {
	lock := e.lockFor(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.Load(missionID)
	if err != nil {
		return "", err
	}
	if m.Terminal() {
		return m.Status, nil
	}
	if m.Status == mission.StatusPaused {
		// Resume is an explicit operation; advancing a paused mission is a no-op.
		return m.Status, nil
	}
	strategy, err := e.patterns.Resolve(m.Pattern)
	if err != nil {
		return m.Status, err
	}
	if m.Status == mission.StatusPending {
		if err := m.Transition(mission.StatusRunning, "started", e.now()); err != nil {
			return m.Status, err
		}
		if err := e.store.Save(m); err != nil {
			return m.Status, err
		}
	}

	for {
		// Cooperative cancellation: checked between phases, never by
		// interrupting an in-flight callback.
		if ctx.Err() != nil {
			return e.failMission(m, mission.NewPhaseError(mission.KindCancelled, ctx.Err().Error()))
		}

		idx, ph := m.NextPhase()
		if ph == nil {
			if err := m.Transition(mission.StatusCompleted, "all phases done", e.now()); err != nil {
				return m.Status, err
			}
			if err := e.store.Save(m); err != nil {
				return m.Status, err
			}
			e.emit(m, "", "all phases done")
			e.logf("mission %s completed", m.ID)
			return m.Status, nil
		}

		switch ph.Status {
		case mission.PhaseRunning:
			// Another executor holds this phase, or a crashed attempt the
			// watchdog will reap. Never re-enter a running phase.
			return m.Status, nil

		case mission.PhasePaused:
			return m.Status, nil

		case mission.PhaseFailed:
			status, done, err := e.settleFailure(m, idx, ph)
			if err != nil || done {
				return status, err
			}
			// Phase went back to pending or was skipped; keep going.

		case mission.PhasePending:
			if ph.Retryable(e.now()) {
				// Waiting out a backoff delay; nothing to mutate.
				return m.Status, nil
			}
			status, done, err := e.executePhase(ctx, m, idx, ph.ID, strategy.ContinueAfter)
			if err != nil || done {
				return status, err
			}

		default:
			return m.Status, fmt.Errorf("engine: mission %s phase %s in unexpected state %s", m.ID, ph.ID, ph.Status)
		}

		// Reload so the loop observes the persisted snapshot.
		m, err = e.store.Load(missionID)
		if err != nil {
			return "", err
		}
	}
}

// executePhase claims, runs, and settles one attempt of a pending phase.
// done=true means Advance should return to the caller.
func (e *Engine) executePhase(ctx context.Context, m *mission.Mission, idx int, phaseID string, continueAfter func(*mission.Mission, *mission.Phase) bool) (mission.Status, bool, error) {
	claimed, err := e.store.ClaimPhase(m.ID, phaseID, e.now())
	if err != nil {
		if errors.Is(err, store.ErrPhaseActive) {
			return m.Status, true, nil
		}
		return m.Status, true, err
	}
	m = claimed
	_, ph := m.PhaseByID(phaseID)
	e.logf("mission %s phase %s attempt %d started", m.ID, ph.ID, ph.Attempts)

	payload, runErr := e.execute(ctx, m, ph)
	if runErr == nil {
		runErr = e.runGate(ctx, m, ph, payload)
	}
	now := e.now()

	if runErr != nil {
		perr := mission.Classify(runErr)
		if err := e.store.FailPhase(m.ID, ph.ID, perr, now); err != nil {
			return m.Status, true, err
		}
		e.logf("mission %s phase %s attempt %d failed: %s", m.ID, ph.ID, ph.Attempts, perr)
		if perr.Kind == mission.KindCancelled {
			reloaded, err := e.store.Load(m.ID)
			if err != nil {
				return m.Status, true, err
			}
			status, err := e.failMission(reloaded, perr)
			return status, true, err
		}
		return m.Status, false, nil
	}

	// Success: freeze the checkpoint while the phase still accepts writes,
	// then settle the status.
	if len(payload) > 0 {
		if err := e.store.AppendCheckpoint(m.ID, ph.ID, payload); err != nil {
			return m.Status, true, err
		}
	}
	swapped, err := e.store.CompareAndSetPhase(m.ID, ph.ID, mission.PhaseRunning, mission.PhaseSucceeded)
	if err != nil {
		return m.Status, true, err
	}
	if !swapped {
		return m.Status, true, fmt.Errorf("engine: phase %s changed state during execution", ph.ID)
	}
	m, err = e.store.Load(m.ID)
	if err != nil {
		return m.Status, true, err
	}
	_, ph = m.PhaseByID(phaseID)
	ph.CompletedAt = now
	m.CurrentPhase = idx + 1
	m.Touch(now)
	if err := e.store.Save(m); err != nil {
		return m.Status, true, err
	}
	e.logf("mission %s phase %s succeeded", m.ID, ph.ID)

	if !continueAfter(m, ph) {
		e.logf("mission %s holding after %s per pattern %s", m.ID, ph.ID, m.Pattern)
		return m.Status, true, nil
	}
	return m.Status, false, nil
}

// settleFailure consults the retry policy for a failed phase and applies the
// decision. done=true means Advance should return.
func (e *Engine) settleFailure(m *mission.Mission, idx int, ph *mission.Phase) (mission.Status, bool, error) {
	kind := mission.KindPhaseError
	if ph.LastError != nil {
		kind = ph.LastError.Kind
	}
	if kind == mission.KindCancelled {
		status, err := e.failMission(m, ph.LastError)
		return status, true, err
	}
	decision := e.policy.Evaluate(ph, kind)
	now := e.now()
	switch decision.Action {
	case retry.ActionRetryNow, retry.ActionRetryAfter:
		if err := ph.Transition(mission.PhasePending); err != nil {
			return m.Status, true, err
		}
		ph.NotBefore = now.Add(decision.Delay)
		m.Touch(now)
		if err := e.store.Save(m); err != nil {
			return m.Status, true, err
		}
		if decision.Action == retry.ActionRetryAfter {
			e.logf("mission %s phase %s scheduled for retry in %s", m.ID, ph.ID, decision.Delay)
			return m.Status, true, nil
		}
		return m.Status, false, nil

	case retry.ActionSkip:
		if err := ph.Transition(mission.PhaseSkipped); err != nil {
			return m.Status, true, err
		}
		ph.CompletedAt = now
		m.CurrentPhase = idx + 1
		m.Touch(now)
		if err := e.store.Save(m); err != nil {
			return m.Status, true, err
		}
		e.logf("mission %s phase %s skipped after %d attempts", m.ID, ph.ID, ph.Attempts)
		return m.Status, false, nil

	case retry.ActionPause:
		if err := m.Transition(mission.StatusPaused, decision.Reason, now); err != nil {
			return m.Status, true, err
		}
		m.LastError = ph.LastError
		if err := e.store.Save(m); err != nil {
			return m.Status, true, err
		}
		e.emit(m, ph.ID, decision.Reason)
		e.logf("mission %s paused: %s", m.ID, decision.Reason)
		return m.Status, true, nil

	default:
		return m.Status, true, fmt.Errorf("engine: unknown retry action %q", decision.Action)
	}
}

// failMission moves a mission to its terminal failed state and notifies.
func (e *Engine) failMission(m *mission.Mission, perr *mission.PhaseError) (mission.Status, error) {
	reason := "failed"
	if perr != nil {
		reason = perr.Error()
	}
	if err := m.Transition(mission.StatusFailed, reason, e.now()); err != nil {
		return m.Status, err
	}
	m.LastError = perr
	if err := e.store.Save(m); err != nil {
		return m.Status, err
	}
	e.emit(m, "", reason)
	e.logf("mission %s failed: %s", m.ID, reason)
	return m.Status, nil
}

// Resume returns a paused mission to running and resets its blocking phase
// to pending so the next Advance grants it a fresh attempt. Resuming a
// mission that is not paused is a no-op.
func (e *Engine) Resume(missionID string) error {
	lock := e.lockFor(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.Load(missionID)
	if err != nil {
		return err
	}
	if m.Status != mission.StatusPaused {
		if m.Terminal() {
			return fmt.Errorf("engine: mission %s is %s and cannot be resumed", m.ID, m.Status)
		}
		return nil
	}
	if err := m.Transition(mission.StatusRunning, "resumed", e.now()); err != nil {
		return err
	}
	_, ph := m.NextPhase()
	if ph != nil && (ph.Status == mission.PhaseFailed || ph.Status == mission.PhasePaused) {
		if err := ph.Transition(mission.PhasePending); err != nil {
			return err
		}
		ph.NotBefore = e.now()
	}
	if err := e.store.Save(m); err != nil {
		return err
	}
	e.logf("mission %s resumed", m.ID)
	return nil
}

// Cancel terminates a mission between phases. An in-flight callback is not
// interrupted; cancellation of the mission record takes effect immediately.
func (e *Engine) Cancel(missionID, reason string) error {
	lock := e.lockFor(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.Load(missionID)
	if err != nil {
		return err
	}
	if m.Terminal() {
		return fmt.Errorf("engine: mission %s is already %s", m.ID, m.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	_, err = e.failMission(m, mission.NewPhaseError(mission.KindCancelled, reason))
	return err
}

// Mission returns a defensive copy of the persisted mission record.
func (e *Engine) Mission(missionID string) (*mission.Mission, error) {
	m, err := e.store.Load(missionID)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}
