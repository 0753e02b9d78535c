// Package shellwork adapts phase metadata into an executable work callback:
// a phase whose meta carries a "run" key executes that command through the
// shell, and its captured output becomes the phase checkpoint. Phases without
// a command are treated as manual steps and succeed as soon as they are
// advanced.
package shellwork

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/macaron-software/factory-engine/internal/engine"
	"github.com/macaron-software/factory-engine/internal/mission"
)

// MetaRunKey is the phase meta key holding the shell command.
const MetaRunKey = "run"

// MetaGateKey is the phase meta key holding the quality gate command.
const MetaGateKey = "gate"

// outputTailLimit bounds how much command output lands in the checkpoint.
const outputTailLimit = 4096

// checkpoint is the JSON payload recorded for an executed phase.
type checkpoint struct {
	Command    string `json:"command,omitempty"`
	Output     string `json:"output,omitempty"`
	Manual     bool   `json:"manual,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Logger is the Printf-style sink command execution reports through.
type Logger interface {
	Printf(format string, args ...any)
}

// New returns a WorkFunc running each phase's configured command from dir.
func New(dir string, log Logger) engine.WorkFunc {
	return func(ctx context.Context, m *mission.Mission, ph *mission.Phase) (json.RawMessage, error) {
		command := strings.TrimSpace(ph.Meta[MetaRunKey])
		start := time.Now()
		if command == "" {
			if log != nil {
				log.Printf("mission %s phase %s has no command, treating as manual step", m.ID, ph.ID)
			}
			return json.Marshal(checkpoint{Manual: true, DurationMS: time.Since(start).Milliseconds()})
		}
		output, err := runCommand(ctx, dir, command)
		if err != nil {
			return nil, fmt.Errorf("run %q: %w: %s", command, err, tail(output, outputTailLimit))
		}
		return json.Marshal(checkpoint{
			Command:    command,
			Output:     tail(output, outputTailLimit),
			DurationMS: time.Since(start).Milliseconds(),
		})
	}
}

// Gate returns a QualityGate running each code phase's configured gate
// command. Phases without one pass unchecked.
func Gate(dir string, log Logger) engine.QualityGate {
	return func(ctx context.Context, m *mission.Mission, ph *mission.Phase, _ json.RawMessage) error {
		command := strings.TrimSpace(ph.Meta[MetaGateKey])
		if command == "" {
			return nil
		}
		if log != nil {
			log.Printf("mission %s phase %s running quality gate: %s", m.ID, ph.ID, command)
		}
		output, err := runCommand(ctx, dir, command)
		if err != nil {
			return fmt.Errorf("gate %q: %w: %s", command, err, tail(output, outputTailLimit))
		}
		return nil
	}
}

func runCommand(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if ctx.Err() != nil {
		// The deadline or cancellation is the real failure, not the kill
		// signal the process died from.
		return buf.String(), ctx.Err()
	}
	return buf.String(), err
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
