// Package watchdog periodically sweeps the mission store for work that is no
// longer making progress: running missions whose activity went quiet and
// paused missions waiting to be resumed. It revives a bounded batch per scan
// so a backlog never floods the executors.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/macaron-software/factory-engine/internal/mission"
	"github.com/macaron-software/factory-engine/internal/mission/store"
)

const (
	// DefaultInterval is the time between scans.
	DefaultInterval = 5 * time.Minute
	// DefaultStallThreshold is how long a running mission may sit without
	// activity before its in-flight phase is declared stalled.
	DefaultStallThreshold = 60 * time.Minute
	// DefaultBatchSize caps how many missions one scan revives.
	DefaultBatchSize = 5
	// DefaultMaxConcurrent caps revivals in flight across scans.
	DefaultMaxConcurrent = 10
)

var (
	errNilStore  = errors.New("watchdog: store is required")
	errNilDriver = errors.New("watchdog: engine driver is required")
)

// Driver is the slice of the engine the watchdog drives.
type Driver interface {
	Advance(ctx context.Context, missionID string) (mission.Status, error)
	Resume(missionID string) error
}

// Metrics receives per-scan counters. *logbook.Logbook satisfies it.
type Metrics interface {
	Metric(name string, value float64, detail string)
}

// Logger is the Printf-style sink the watchdog reports through.
type Logger interface {
	Printf(format string, args ...any)
}

// Watchdog scans the store on an interval and revives stalled or paused
// missions through the engine.
type Watchdog struct {
	store  store.Store
	driver Driver

	interval       time.Duration
	stallThreshold time.Duration
	batchSize      int

	slots   *semaphore.Weighted
	ceiling int64
	log     Logger
	mx      Metrics
	clock   func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithInterval overrides the scan interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithStallThreshold overrides how long silence counts as a stall.
func WithStallThreshold(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.stallThreshold = d
		}
	}
}

// WithBatchSize overrides how many missions one scan revives.
func WithBatchSize(n int) Option {
	return func(w *Watchdog) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithMaxConcurrent overrides the global ceiling on concurrent revivals.
func WithMaxConcurrent(n int) Option {
	return func(w *Watchdog) {
		if n > 0 {
			w.slots = semaphore.NewWeighted(int64(n))
			w.ceiling = int64(n)
		}
	}
}

// WithLogger attaches a Printf-style logger.
func WithLogger(log Logger) Option {
	return func(w *Watchdog) {
		w.log = log
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mx Metrics) Option {
	return func(w *Watchdog) {
		w.mx = mx
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(w *Watchdog) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// New builds a watchdog over the given store and engine.
func New(st store.Store, driver Driver, opts ...Option) (*Watchdog, error) {
	if st == nil {
		return nil, errNilStore
	}
	if driver == nil {
		return nil, errNilDriver
	}
	w := &Watchdog{
		store:          st,
		driver:         driver,
		interval:       DefaultInterval,
		stallThreshold: DefaultStallThreshold,
		batchSize:      DefaultBatchSize,
		slots:          semaphore.NewWeighted(DefaultMaxConcurrent),
		ceiling:        DefaultMaxConcurrent,
		clock:          time.Now,
		inFlight:       map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run scans on the configured interval until the context is cancelled. The
// first scan happens immediately.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		revived, err := w.Scan(ctx)
		if err != nil {
			w.logf("scan failed: %v", err)
		} else if revived > 0 {
			w.logf("scan revived %d missions", revived)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan performs one sweep: stalled running missions get their in-flight phase
// failed and re-evaluated, paused missions get resumed, and at most batchSize
// missions are revived in total. Returns how many revivals were dispatched.
func (w *Watchdog) Scan(ctx context.Context) (int, error) {
	now := w.clock()
	budget := w.batchSize

	stalled, err := w.stalledMissions(now)
	if err != nil {
		return 0, err
	}
	paused, err := w.store.ListByStatus(mission.StatusPaused)
	if err != nil {
		return 0, err
	}
	w.emitMetric("watchdog.stalled", float64(len(stalled)))
	w.emitMetric("watchdog.paused", float64(len(paused)))

	var dispatched int
	for _, m := range stalled {
		if budget <= 0 {
			break
		}
		if w.dispatch(ctx, m.ID, true) {
			budget--
			dispatched++
		}
	}
	for _, m := range paused {
		if budget <= 0 {
			break
		}
		if w.dispatch(ctx, m.ID, false) {
			budget--
			dispatched++
		}
	}
	w.emitMetric("watchdog.revived", float64(dispatched))
	return dispatched, nil
}

// stalledMissions returns running missions whose last activity predates the
// stall threshold, oldest first.
func (w *Watchdog) stalledMissions(now time.Time) ([]*mission.Mission, error) {
	running, err := w.store.ListByStatus(mission.StatusRunning)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-w.stallThreshold)
	stalled := running[:0]
	for _, m := range running {
		if m.LastActivity.Before(cutoff) {
			stalled = append(stalled, m)
		}
	}
	return stalled, nil
}

// dispatch revives one mission in the background. Returns false when the
// mission is already being handled or no concurrency slot is free.
func (w *Watchdog) dispatch(ctx context.Context, missionID string, stalled bool) bool {
	w.mu.Lock()
	if _, busy := w.inFlight[missionID]; busy {
		w.mu.Unlock()
		return false
	}
	w.inFlight[missionID] = struct{}{}
	w.mu.Unlock()

	if !w.slots.TryAcquire(1) {
		w.release(missionID)
		w.logf("mission %s deferred, concurrency ceiling reached", missionID)
		return false
	}
	go func() {
		defer w.slots.Release(1)
		defer w.release(missionID)
		if stalled {
			w.reapStall(ctx, missionID)
		} else {
			w.resume(ctx, missionID)
		}
	}()
	return true
}

// reapStall fails the mission's in-flight phase as stalled, then lets the
// engine's retry policy decide whether it retries, skips, or pauses.
func (w *Watchdog) reapStall(ctx context.Context, missionID string) {
	m, err := w.store.Load(missionID)
	if err != nil {
		w.logf("mission %s: load before stall reap: %v", missionID, err)
		return
	}
	_, ph := m.NextPhase()
	if ph != nil && ph.Status == mission.PhaseRunning {
		perr := mission.NewPhaseError(mission.KindStalled, "no activity within stall threshold")
		if err := w.store.FailPhase(m.ID, ph.ID, perr, w.clock()); err != nil {
			w.logf("mission %s: reap phase %s: %v", m.ID, ph.ID, err)
			return
		}
		w.logf("mission %s phase %s reaped as stalled", m.ID, ph.ID)
	}
	if _, err := w.driver.Advance(ctx, missionID); err != nil {
		w.logf("mission %s: advance after stall reap: %v", missionID, err)
	}
}

// resume brings a paused mission back and drives it forward.
func (w *Watchdog) resume(ctx context.Context, missionID string) {
	if err := w.driver.Resume(missionID); err != nil {
		w.logf("mission %s: resume: %v", missionID, err)
		return
	}
	w.logf("mission %s resumed by watchdog", missionID)
	if _, err := w.driver.Advance(ctx, missionID); err != nil {
		w.logf("mission %s: advance after resume: %v", missionID, err)
	}
}

// Wait blocks until every dispatched revival has finished. Test helper and
// shutdown hook.
func (w *Watchdog) Wait(ctx context.Context) error {
	if err := w.slots.Acquire(ctx, w.ceiling); err != nil {
		return err
	}
	w.slots.Release(w.ceiling)
	return nil
}

func (w *Watchdog) release(missionID string) {
	w.mu.Lock()
	delete(w.inFlight, missionID)
	w.mu.Unlock()
}

func (w *Watchdog) logf(format string, args ...any) {
	if w.log != nil {
		w.log.Printf("watchdog: "+format, args...)
	}
}

func (w *Watchdog) emitMetric(name string, value float64) {
	if w.mx != nil {
		w.mx.Metric(name, value, "")
	}
}
