// Package engine coordinates mission execution: it claims phases through the
// store, runs the injected work callback under a timeout, applies the retry
// policy to failures, and emits lifecycle notifications.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/macaron-software/factory-engine/internal/engine/retry"
	"github.com/macaron-software/factory-engine/internal/mission"
	"github.com/macaron-software/factory-engine/internal/mission/store"
	"github.com/macaron-software/factory-engine/internal/notify"
	"github.com/macaron-software/factory-engine/internal/pattern"
)

// DefaultPhaseTimeout bounds one execution of the work callback.
const DefaultPhaseTimeout = 10 * time.Minute

// WorkFunc is the external phase-work callback. The engine does not know
// what it does (LLM call, build step, code write); it only classifies the
// outcome. The payload becomes the phase checkpoint on success.
type WorkFunc func(ctx context.Context, m *mission.Mission, ph *mission.Phase) (json.RawMessage, error)

// QualityGate validates the checkpoint of a succeeded code phase. A non-nil
// error turns the success into a phase failure that re-enters the retry
// policy.
type QualityGate func(ctx context.Context, m *mission.Mission, ph *mission.Phase, checkpoint json.RawMessage) error

// Logger records engine diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Engine sequences phases for any number of missions. Advance calls for the
// same mission are serialized by a per-mission lock; missions progress
// independently of each other.
type Engine struct {
	store    store.Store
	work     WorkFunc
	gate     QualityGate
	sink     notify.Sink
	log      Logger
	patterns *pattern.Registry
	policy   retry.Policy
	timeout  time.Duration
	clock    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger injects a diagnostics logger.
func WithLogger(log Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithSink injects the notification sink for pause/failure/completion events.
func WithSink(sink notify.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithQualityGate installs the post-success validation hook for code phases.
func WithQualityGate(gate QualityGate) Option {
	return func(e *Engine) {
		e.gate = gate
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithPatterns overrides the strategy registry.
func WithPatterns(registry *pattern.Registry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.patterns = registry
		}
	}
}

// WithPhaseTimeout overrides the per-phase execution deadline.
func WithPhaseTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// New wires an engine to its store and work callback.
func New(st store.Store, work WorkFunc, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if work == nil {
		return nil, fmt.Errorf("engine: work callback is required")
	}
	e := &Engine{
		store:    st,
		work:     work,
		patterns: pattern.NewRegistry(),
		policy:   retry.Default(),
		timeout:  DefaultPhaseTimeout,
		clock:    time.Now,
		locks:    map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// lockFor returns the per-mission mutex, creating it on first use.
func (e *Engine) lockFor(missionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[missionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[missionID] = lock
	}
	return lock
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Engine) logf(format string, args ...any) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}

// emit publishes a lifecycle event when a sink is configured.
func (e *Engine) emit(m *mission.Mission, phaseID, reason string) {
	if e.sink == nil {
		return
	}
	e.sink.Notify(notify.NewEvent(m.ID, m.Status, reason, phaseID, e.now()))
}
