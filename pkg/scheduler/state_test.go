package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
)

const (
	testReservation = 10 * time.Minute
	testFallback    = 3 * time.Minute
	testStartup     = 120 * time.Second
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(clock *fakeClock, slots map[string]int) *Registry {
	return NewRegistry(RegistryConfig{
		Reservation:         testReservation,
		FallbackReservation: testFallback,
		StartupTimeout:      testStartup,
		DefaultSlots:        2,
		Slots:               slots,
		Now:                 clock.Now,
	}, logger.NewNop())
}

func ws(id string, status models.WorkspaceStatus) models.Workspace {
	return models.Workspace{
		ID:     id,
		Name:   "llm-" + id,
		IP:     "10.0.0." + id,
		Status: status,
		Flavor: "gpu-a10-11core-88gb",
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *recordingListener) OnEvent(ev models.Event, _ models.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) count(kind models.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func mustGet(t *testing.T, r *Registry, id string) models.Node {
	t.Helper()
	n, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return n
}

func TestSyncMapsCloudStatus(t *testing.T) {
	tests := []struct {
		name            string
		status          models.WorkspaceStatus
		wantStatus      models.NodeStatus
		wantUnreachable bool
	}{
		{"running", models.WorkspaceStatusRunning, models.NodeStatusIdle, false},
		{"paused", models.WorkspaceStatusPaused, models.NodeStatusPaused, false},
		{"resuming", models.WorkspaceStatusResuming, models.NodeStatusStarting, false},
		{"pausing", models.WorkspaceStatusPausing, models.NodeStatusPaused, false},
		{"updating", models.WorkspaceStatusUpdating, models.NodeStatusPaused, true},
		{"unknown", models.WorkspaceStatusUnknown, models.NodeStatusPaused, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(newFakeClock(), nil)
			if added := r.Sync([]models.Workspace{ws("1", tt.status)}); added != 1 {
				t.Fatalf("Sync() added = %d, want 1", added)
			}
			n := mustGet(t, r, "1")
			if n.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", n.Status, tt.wantStatus)
			}
			if n.Unreachable != tt.wantUnreachable {
				t.Errorf("unreachable = %v, want %v", n.Unreachable, tt.wantUnreachable)
			}
			if n.SlotsTotal != 2 {
				t.Errorf("slots_total = %d, want default 2", n.SlotsTotal)
			}
		})
	}
}

func TestSyncFiltersAndOverrides(t *testing.T) {
	r := newTestRegistry(newFakeClock(), map[string]int{"llm-1": 6})

	cpu := ws("2", models.WorkspaceStatusRunning)
	cpu.Flavor = "cpu-8core-32gb"
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning), cpu})

	if n := mustGet(t, r, "1"); n.SlotsTotal != 6 {
		t.Errorf("slots_total = %d, want override 6", n.SlotsTotal)
	}
	if _, err := r.Get("2"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected cpu workspace to be filtered, got %v", err)
	}
}

func TestSyncMarksMissingNodes(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)
	rec := &recordingListener{}
	r.AddListener(rec)

	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning), ws("2", models.WorkspaceStatusPaused)})
	lease, err := r.Acquire("1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	r.Sync([]models.Workspace{ws("2", models.WorkspaceStatusPaused)})
	n := mustGet(t, r, "1")
	if !n.Missing || !n.Unreachable {
		t.Fatalf("expected node 1 missing and unreachable, got %+v", n)
	}
	if n.SlotsUsed != 1 {
		t.Errorf("in-flight accounting lost: slots_used = %d", n.SlotsUsed)
	}
	if rec.count(models.EventUnreachable) != 1 {
		t.Errorf("expected one unreachable event, got %d", rec.count(models.EventUnreachable))
	}

	lease.Release()
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning), ws("2", models.WorkspaceStatusPaused)})
	n = mustGet(t, r, "1")
	if n.Missing {
		t.Error("expected missing to clear on reappearance")
	}
	if !n.Unreachable {
		t.Error("unreachable must stay until an admin resume")
	}
}

func TestAcquireReleaseInvariants(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})

	first, err := r.Acquire("1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if n := mustGet(t, r, "1"); n.Status != models.NodeStatusActive || n.SlotsUsed != 1 {
		t.Fatalf("after 1 acquire: %s used=%d", n.Status, n.SlotsUsed)
	}

	second, err := r.Acquire("1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if n := mustGet(t, r, "1"); n.Status != models.NodeStatusBusy {
		t.Fatalf("expected BUSY at capacity, got %s", n.Status)
	}

	if _, err := r.Acquire("1"); !errors.Is(err, ErrNodeFull) {
		t.Fatalf("expected ErrNodeFull, got %v", err)
	}

	if !first.Release() {
		t.Fatal("first release should succeed")
	}
	if first.Release() {
		t.Fatal("second release of the same lease must be a no-op")
	}
	if n := mustGet(t, r, "1"); n.Status != models.NodeStatusActive || n.SlotsUsed != 1 {
		t.Fatalf("after release: %s used=%d", n.Status, n.SlotsUsed)
	}

	second.Release()
	n := mustGet(t, r, "1")
	if n.Status != models.NodeStatusIdle || n.SlotsUsed != 0 {
		t.Fatalf("after all releases: %s used=%d", n.Status, n.SlotsUsed)
	}
	if n.TotalRequests != 2 {
		t.Errorf("total_requests = %d, want 2", n.TotalRequests)
	}
}

func TestConcurrentAcquire(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		slots int
	}{
		{"more callers than slots", 20, 3},
		{"fewer callers than slots", 2, 5},
		{"equal", 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(newFakeClock(), map[string]int{"llm-1": tt.slots})
			r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})

			var wg sync.WaitGroup
			var mu sync.Mutex
			success, full := 0, 0
			start := make(chan struct{})
			for i := 0; i < tt.n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := r.Acquire("1")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						success++
					case errors.Is(err, ErrNodeFull):
						full++
					default:
						t.Errorf("unexpected error %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			want := tt.n
			if tt.slots < want {
				want = tt.slots
			}
			if success != want || full != tt.n-want {
				t.Errorf("success=%d full=%d, want %d/%d", success, full, want, tt.n-want)
			}
			if n := mustGet(t, r, "1"); n.SlotsUsed > n.SlotsTotal || n.SlotsUsed != want {
				t.Errorf("slots_used = %d of %d", n.SlotsUsed, n.SlotsTotal)
			}
		})
	}
}

func TestReservationNeverDecreases(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusPaused)})

	if _, err := r.BeginWake("1", false); err != nil {
		t.Fatalf("BeginWake() error = %v", err)
	}
	if err := r.CompleteWake("1"); err != nil {
		t.Fatalf("CompleteWake() error = %v", err)
	}
	wakeAt := clock.Now()
	if n := mustGet(t, r, "1"); !n.ReservationExpiresAt.Equal(wakeAt.Add(testReservation)) {
		t.Fatalf("reservation after wake = %v, want %v", n.ReservationExpiresAt, wakeAt.Add(testReservation))
	}

	prev := mustGet(t, r, "1").ReservationExpiresAt
	check := func(step string) {
		t.Helper()
		cur := mustGet(t, r, "1").ReservationExpiresAt
		if cur.Before(prev) {
			t.Fatalf("%s: reservation decreased from %v to %v", step, prev, cur)
		}
		prev = cur
	}

	for i := 0; i < 10; i++ {
		clock.Advance(2 * time.Minute)
		lease, err := r.Acquire("1")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		check("acquire")
		clock.Advance(30 * time.Second)
		lease.Release()
		check("release")
	}

	last := clock.Now()
	if want := last.Add(testFallback); !prev.Equal(want) {
		t.Errorf("reservation = %v, want fallback extension %v", prev, want)
	}
}

func TestFirstAcquireAfterWakeGetsFullReservation(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusPaused)})

	r.BeginWake("1", false)
	r.CompleteWake("1")

	clock.Advance(5 * time.Minute)
	lease, err := r.Acquire("1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	want := clock.Now().Add(testReservation)
	if n := mustGet(t, r, "1"); !n.ReservationExpiresAt.Equal(want) {
		t.Errorf("reservation = %v, want %v", n.ReservationExpiresAt, want)
	}

	second, _ := r.Acquire("1")
	defer second.Release()
	if n := mustGet(t, r, "1"); !n.ReservationExpiresAt.Equal(want) {
		t.Errorf("second acquire moved reservation to %v", n.ReservationExpiresAt)
	}
}

func TestPauseClaimRules(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	r.Sync([]models.Workspace{
		ws("1", models.WorkspaceStatusRunning),
		ws("2", models.WorkspaceStatusResuming),
		ws("3", models.WorkspaceStatusPaused),
	})

	if _, err := r.ClaimPause("1", false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected reserved node to refuse idle pause, got %v", err)
	}
	if _, err := r.ClaimPause("2", true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected STARTING node to refuse forced pause, got %v", err)
	}
	if _, err := r.ClaimPause("3", true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected PAUSED node to refuse pause, got %v", err)
	}

	clock.Advance(testFallback + time.Minute)
	if _, err := r.ClaimPause("1", false); err != nil {
		t.Fatalf("ClaimPause() error = %v", err)
	}
	if _, err := r.Acquire("1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected acquire to be refused during pause, got %v", err)
	}
	if _, err := r.ClaimPause("1", true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected second claim to fail, got %v", err)
	}

	if err := r.FinishPause("1", ReasonIdle, nil); err != nil {
		t.Fatalf("FinishPause() error = %v", err)
	}
	n := mustGet(t, r, "1")
	if n.Status != models.NodeStatusPaused || !n.ReservationExpiresAt.IsZero() || len(n.LoadedModels) != 0 {
		t.Errorf("unexpected paused node %+v", n)
	}
}

func TestForcedPauseWithInflightLease(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})

	lease, err := r.Acquire("1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.MarkModelLoaded("llama3")

	if _, err := r.ClaimPause("1", true); err != nil {
		t.Fatalf("ClaimPause() error = %v", err)
	}
	if err := r.FinishPause("1", ReasonAdmin, nil); err != nil {
		t.Fatalf("FinishPause() error = %v", err)
	}

	lease.MarkModelLoaded("mistral")
	lease.Release()
	n := mustGet(t, r, "1")
	if n.Status != models.NodeStatusPaused {
		t.Errorf("release changed paused node to %s", n.Status)
	}
	if n.SlotsUsed != 0 || len(n.LoadedModels) != 0 || !n.ReservationExpiresAt.IsZero() {
		t.Errorf("unexpected node after release %+v", n)
	}
}

func TestFinishPauseFailureMarksUnreachable(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	rec := &recordingListener{}
	r.AddListener(rec)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})

	clock.Advance(time.Hour)
	if _, err := r.ClaimPause("1", false); err != nil {
		t.Fatalf("ClaimPause() error = %v", err)
	}
	r.FinishPause("1", ReasonIdle, errors.New("cloud down"))

	n := mustGet(t, r, "1")
	if n.Status != models.NodeStatusIdle || !n.Unreachable {
		t.Errorf("expected idle unreachable node, got %s unreachable=%v", n.Status, n.Unreachable)
	}
	if rec.count(models.EventPauseFailed) != 1 {
		t.Errorf("expected pause_failed event")
	}
	if _, err := r.ClaimPause("1", true); err != nil {
		t.Errorf("claim should be released after failure, got %v", err)
	}
}

func TestFinishPauseInterruptedReleasesClaim(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	rec := &recordingListener{}
	r.AddListener(rec)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})

	clock.Advance(time.Hour)
	if _, err := r.ClaimPause("1", false); err != nil {
		t.Fatalf("ClaimPause() error = %v", err)
	}
	if _, err := r.Acquire("1"); err == nil {
		t.Fatalf("Acquire() during a pause claim should fail")
	}
	before := len(rec.events)

	cause := fmt.Errorf("%w: %v", ErrPauseInterrupted, context.Canceled)
	if err := r.FinishPause("1", ReasonIdle, cause); err != nil {
		t.Fatalf("FinishPause() error = %v", err)
	}

	n := mustGet(t, r, "1")
	if n.Status != models.NodeStatusIdle || n.Unreachable {
		t.Errorf("expected idle reachable node, got %s unreachable=%v", n.Status, n.Unreachable)
	}
	if got := len(rec.events) - before; got != 0 {
		t.Errorf("released claim emitted %d events", got)
	}
	lease, err := r.Acquire("1")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	lease.Release()
}

func TestMarkModelLoadedKeepsSortedSet(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})

	lease, _ := r.Acquire("1")
	for _, m := range []string{"qwen", "llama3", "mistral", "llama3", ""} {
		lease.MarkModelLoaded(m)
	}
	lease.Release()

	n := mustGet(t, r, "1")
	want := []string{"llama3", "mistral", "qwen"}
	if len(n.LoadedModels) != len(want) {
		t.Fatalf("loaded = %v, want %v", n.LoadedModels, want)
	}
	for i := range want {
		if n.LoadedModels[i] != want[i] {
			t.Errorf("loaded = %v, want %v", n.LoadedModels, want)
		}
	}
	if !n.HasModel("mistral") || n.HasModel("phi") {
		t.Errorf("HasModel mismatch on %v", n.LoadedModels)
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)
	r.Sync([]models.Workspace{
		ws("1", models.WorkspaceStatusRunning),
		ws("2", models.WorkspaceStatusRunning),
		ws("3", models.WorkspaceStatusPaused),
		ws("4", models.WorkspaceStatusUnknown),
	})

	lease, _ := r.Acquire("1")
	lease.MarkModelLoaded("llama3")
	defer lease.Release()

	stats := r.Stats()
	if stats.TotalNodes != 4 || stats.Active != 1 || stats.Idle != 1 || stats.Paused != 2 {
		t.Errorf("unexpected counts %+v", stats)
	}
	if stats.Unreachable != 1 {
		t.Errorf("unreachable = %d, want 1", stats.Unreachable)
	}
	if stats.SlotsTotal != 4 || stats.SlotsUsed != 1 || stats.SlotsFree != 3 {
		t.Errorf("slots = %d/%d/%d", stats.SlotsTotal, stats.SlotsUsed, stats.SlotsFree)
	}
	if stats.Utilization != 0.25 {
		t.Errorf("utilization = %v, want 0.25", stats.Utilization)
	}
	if stats.ModelsLoaded["llama3"] != 1 {
		t.Errorf("models_loaded = %v", stats.ModelsLoaded)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	r := newTestRegistry(clock, nil)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})
	lease, _ := r.Acquire("1")
	lease.MarkModelLoaded("llama3")
	lease.Release()
	saved := mustGet(t, r, "1")

	store := NewSnapshotStore(r, dir, logger.NewNop())
	if err := store.SaveSnapshot(); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	// restart: snapshot loads before discovery
	restarted := newTestRegistry(clock, nil)
	if err := NewSnapshotStore(restarted, dir, logger.NewNop()).LoadSnapshot(); err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	restarted.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})

	n := mustGet(t, restarted, "1")
	if !n.HasModel("llama3") {
		t.Errorf("loaded models not restored: %v", n.LoadedModels)
	}
	if !n.ReservationExpiresAt.Equal(saved.ReservationExpiresAt) {
		t.Errorf("reservation = %v, want %v", n.ReservationExpiresAt, saved.ReservationExpiresAt)
	}
	if n.TotalRequests != 1 {
		t.Errorf("total_requests = %d, want 1", n.TotalRequests)
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)
	if err := NewSnapshotStore(r, t.TempDir(), logger.NewNop()).LoadSnapshot(); err != nil {
		t.Errorf("LoadSnapshot() on empty dir error = %v", err)
	}
}
