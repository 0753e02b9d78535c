package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/macaron-software/factory-engine/internal/mission"
)

// execute runs the work callback exactly once under the per-phase timeout.
// Panics are recovered and classified; a deadline hit becomes a timeout
// failure, an upstream cancellation becomes a cancelled failure.
func (e *Engine) execute(ctx context.Context, m *mission.Mission, ph *mission.Phase) (json.RawMessage, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: mission.NewPhaseError(mission.KindPhaseError, fmt.Sprintf("phase panicked: %v", r))}
			}
		}()
		payload, err := e.work(runCtx, m, ph)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		return out.payload, out.err
	case <-runCtx.Done():
		// The callback goroutine is left to finish on its own; its result is
		// discarded because the attempt already failed.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, mission.NewPhaseError(mission.KindTimeout, fmt.Sprintf("phase timed out after %s", e.timeout))
		}
		return nil, mission.NewPhaseError(mission.KindCancelled, "phase cancelled")
	}
}

// runGate applies the quality gate to a freshly succeeded code phase.
func (e *Engine) runGate(ctx context.Context, m *mission.Mission, ph *mission.Phase, checkpoint json.RawMessage) error {
	if e.gate == nil || !ph.CodePhase {
		return nil
	}
	if err := e.gate(ctx, m, ph, checkpoint); err != nil {
		return fmt.Errorf("quality gate rejected %s: %w", ph.ID, err)
	}
	return nil
}
