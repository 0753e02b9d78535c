package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/macaron-software/factory-engine/internal/mission"
	"github.com/macaron-software/factory-engine/internal/mission/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeDriver struct {
	mu       sync.Mutex
	resumed  []string
	advanced []string
	block    chan struct{}
}

func (d *fakeDriver) Resume(missionID string) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumed = append(d.resumed, missionID)
	return nil
}

func (d *fakeDriver) Advance(_ context.Context, missionID string) (mission.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advanced = append(d.advanced, missionID)
	return mission.StatusRunning, nil
}

func (d *fakeDriver) resumedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resumed)
}

func (d *fakeDriver) advancedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.advanced)
}

func newTestRepo(t *testing.T) *store.Repository {
	t.Helper()
	repo, err := store.NewRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return repo
}

// pausedMission persists a mission in the paused state with the given
// last-activity timestamp.
func pausedMission(t *testing.T, repo *store.Repository, name string, at time.Time) *mission.Mission {
	t.Helper()
	m, err := mission.New(name, "", []mission.PhaseSpec{{Name: "work"}}, at)
	if err != nil {
		t.Fatalf("mission.New: %v", err)
	}
	if err := m.Transition(mission.StatusRunning, "started", at); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := m.Transition(mission.StatusPaused, "retries exhausted", at); err != nil {
		t.Fatalf("to paused: %v", err)
	}
	if err := repo.Save(m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return m
}

// runningMission persists a running mission whose first phase is in flight.
func runningMission(t *testing.T, repo *store.Repository, name string, at time.Time) *mission.Mission {
	t.Helper()
	m, err := mission.New(name, "", []mission.PhaseSpec{{Name: "work"}}, at)
	if err != nil {
		t.Fatalf("mission.New: %v", err)
	}
	if err := m.Transition(mission.StatusRunning, "started", at); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := m.Phases[0].Transition(mission.PhaseRunning); err != nil {
		t.Fatalf("phase to running: %v", err)
	}
	m.Phases[0].Attempts = 1
	m.Phases[0].StartedAt = at
	if err := repo.Save(m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return m
}

func TestScanRevivesAtMostBatchSize(t *testing.T) {
	repo := newTestRepo(t)
	for i := 0; i < 7; i++ {
		pausedMission(t, repo, "backlog", testNow.Add(time.Duration(i)*time.Minute))
	}
	driver := &fakeDriver{}
	w, err := New(repo, driver,
		WithClock(func() time.Time { return testNow.Add(time.Hour) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dispatched, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if dispatched != DefaultBatchSize {
		t.Fatalf("dispatched = %d, want %d", dispatched, DefaultBatchSize)
	}
	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := driver.resumedCount(); got != DefaultBatchSize {
		t.Fatalf("resumed = %d, want %d", got, DefaultBatchSize)
	}
}

func TestScanReapsStalledRunningMission(t *testing.T) {
	repo := newTestRepo(t)
	stale := runningMission(t, repo, "stale", testNow.Add(-65*time.Minute))
	fresh := runningMission(t, repo, "fresh", testNow.Add(-5*time.Minute))

	driver := &fakeDriver{}
	w, err := New(repo, driver, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dispatched, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("dispatched = %d, want 1", dispatched)
	}
	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	reaped, err := repo.Load(stale.ID)
	if err != nil {
		t.Fatalf("Load stale: %v", err)
	}
	ph := reaped.Phases[0]
	if ph.Status != mission.PhaseFailed {
		t.Fatalf("stale phase = %s, want failed", ph.Status)
	}
	if ph.LastError == nil || ph.LastError.Kind != mission.KindStalled {
		t.Fatalf("stale phase error = %v, want stalled kind", ph.LastError)
	}
	if driver.advancedCount() != 1 {
		t.Fatalf("advanced = %d, want 1", driver.advancedCount())
	}

	untouched, err := repo.Load(fresh.ID)
	if err != nil {
		t.Fatalf("Load fresh: %v", err)
	}
	if untouched.Phases[0].Status != mission.PhaseRunning {
		t.Fatalf("fresh phase = %s, want running (untouched)", untouched.Phases[0].Status)
	}
}

func TestScanHonorsConcurrencyCeiling(t *testing.T) {
	repo := newTestRepo(t)
	for i := 0; i < 4; i++ {
		pausedMission(t, repo, "backlog", testNow.Add(time.Duration(i)*time.Minute))
	}
	driver := &fakeDriver{block: make(chan struct{})}
	w, err := New(repo, driver,
		WithClock(func() time.Time { return testNow.Add(time.Hour) }),
		WithMaxConcurrent(2),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dispatched, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if dispatched != 2 {
		t.Fatalf("dispatched = %d, want 2 (ceiling)", dispatched)
	}

	close(driver.block)
	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := driver.resumedCount(); got != 2 {
		t.Fatalf("resumed = %d, want 2", got)
	}
}

func TestScanSkipsMissionsAlreadyInFlight(t *testing.T) {
	repo := newTestRepo(t)
	pausedMission(t, repo, "slowpoke", testNow)
	driver := &fakeDriver{block: make(chan struct{})}
	w, err := New(repo, driver, WithClock(func() time.Time { return testNow.Add(time.Hour) }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if first != 1 {
		t.Fatalf("first scan dispatched %d, want 1", first)
	}
	// The revival is still blocked; a second scan must not double-dispatch.
	second, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if second != 0 {
		t.Fatalf("second scan dispatched %d, want 0", second)
	}

	close(driver.block)
	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := driver.resumedCount(); got != 1 {
		t.Fatalf("resumed = %d, want 1", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	repo := newTestRepo(t)
	driver := &fakeDriver{}
	w, err := New(repo, driver, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
