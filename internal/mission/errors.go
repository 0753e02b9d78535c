package mission

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies phase failures into the small fixed taxonomy the retry
// policy and watchdog operate on.
type ErrorKind string

const (
	KindSetupFailed ErrorKind = "setup_failed"
	KindLLMProvider ErrorKind = "llm_provider"
	KindTimeout     ErrorKind = "timeout"
	KindPhaseError  ErrorKind = "phase_error"
	KindStalled     ErrorKind = "stalled"
	KindCancelled   ErrorKind = "cancelled"
)

// PhaseError attaches a kind to a failure message. It is both the persisted
// error record and a regular Go error.
type PhaseError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// NewPhaseError builds a classified failure record.
func NewPhaseError(kind ErrorKind, message string) *PhaseError {
	return &PhaseError{Kind: kind, Message: message}
}

// providerHints mark failures coming back from an exhausted or throttled LLM
// provider chain. Matched case-insensitively against the error text.
var providerHints = []string{"rate limit", "429", "throttl", "all llm providers failed", "provider"}

// Classify maps an arbitrary callback error onto the taxonomy. Context
// cancellation and deadline errors get their dedicated kinds; already
// classified errors pass through unchanged.
func Classify(err error) *PhaseError {
	if err == nil {
		return nil
	}
	var perr *PhaseError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewPhaseError(KindTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return NewPhaseError(KindCancelled, err.Error())
	}
	lowered := strings.ToLower(err.Error())
	for _, hint := range providerHints {
		if strings.Contains(lowered, hint) {
			return NewPhaseError(KindLLMProvider, err.Error())
		}
	}
	return NewPhaseError(KindPhaseError, err.Error())
}
