// Package retry decides what happens to a failed phase: immediate retry,
// delayed retry with exponential backoff, skip, or mission pause.
package retry

import (
	"math/rand"
	"time"

	"github.com/macaron-software/factory-engine/internal/mission"
)

// Action enumerates the possible outcomes of evaluating a failed phase.
type Action string

const (
	ActionRetryNow   Action = "retry_now"
	ActionRetryAfter Action = "retry_after"
	ActionSkip       Action = "skip"
	ActionPause      Action = "pause_mission"
)

// Decision is the transient outcome of Evaluate. It is never persisted; its
// effect lands as a phase or mission status change.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

const (
	// DefaultMaxAttempts bounds how often a phase is retried before the
	// skip-or-pause decision.
	DefaultMaxAttempts = 3
	// DefaultBase seeds the exponential backoff curve.
	DefaultBase = 30 * time.Second
	// DefaultCap limits backoff growth.
	DefaultCap = 10 * time.Minute
	// DefaultJitter bounds the random spread added to each delay so many
	// missions failing together do not retry in lockstep.
	DefaultJitter = 10 * time.Second
)

// Policy computes retry decisions. It is a pure function of its inputs; the
// only nondeterminism is the injectable random source used for jitter.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
	random      func() float64
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRandom injects a deterministic random source for tests. The function
// must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(p *Policy) {
		if random != nil {
			p.random = random
		}
	}
}

// New builds a policy, filling unset fields with defaults.
func New(maxAttempts int, base, ceiling, jitter time.Duration, opts ...Option) Policy {
	p := Policy{
		MaxAttempts: maxAttempts,
		Base:        base,
		Cap:         ceiling,
		Jitter:      jitter,
		random:      rand.Float64,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base < 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Jitter < 0 {
		p.Jitter = DefaultJitter
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Default returns the policy with stock thresholds.
func Default(opts ...Option) Policy {
	return New(DefaultMaxAttempts, DefaultBase, DefaultCap, DefaultJitter, opts...)
}

// Evaluate decides the fate of a failed phase. Cancellation is never retried.
// While attempts remain the phase is scheduled for a delayed retry; once they
// are exhausted the skip-on-failure flag picks between skip and pause.
func (p Policy) Evaluate(phase *mission.Phase, kind mission.ErrorKind) Decision {
	if kind == mission.KindCancelled {
		return Decision{Action: ActionPause, Reason: "cancelled"}
	}
	if phase.Attempts < p.MaxAttempts {
		delay := p.delay(phase.Attempts)
		if delay <= 0 {
			return Decision{Action: ActionRetryNow, Reason: "attempts remaining"}
		}
		return Decision{Action: ActionRetryAfter, Delay: delay, Reason: "attempts remaining"}
	}
	if phase.SkipOnFailure {
		return Decision{Action: ActionSkip, Reason: "retries exhausted, phase is skippable"}
	}
	return Decision{Action: ActionPause, Reason: "retries exhausted"}
}

// delay computes base * 2^(attempt-1) plus bounded jitter, clamped to the cap
// and never negative.
func (p Policy) delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.Base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Cap {
			backoff = p.Cap
			break
		}
	}
	if backoff > p.Cap {
		backoff = p.Cap
	}
	if p.Jitter > 0 {
		backoff += time.Duration(p.random() * float64(p.Jitter))
	}
	if backoff > p.Cap {
		backoff = p.Cap
	}
	return backoff
}
