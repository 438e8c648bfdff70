package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
)

type recordingWaker struct {
	mu    sync.Mutex
	nodes []string
}

func (w *recordingWaker) RunWake(nodeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes = append(w.nodes, nodeID)
}

func (w *recordingWaker) woken() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.nodes...)
}

func routeLease(t *testing.T, rt *Router, model string) *Lease {
	t.Helper()
	d, err := rt.Route(model)
	if err != nil {
		t.Fatalf("Route(%q) error = %v", model, err)
	}
	if d.Lease == nil {
		t.Fatalf("Route(%q) returned a wake for %s, want a lease", model, d.Wake.NodeID)
	}
	return d.Lease
}

func TestRouterTiers(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	r.Sync([]models.Workspace{
		ws("1", models.WorkspaceStatusRunning),
		ws("2", models.WorkspaceStatusRunning),
		ws("3", models.WorkspaceStatusPaused),
	})
	waker := &recordingWaker{}
	rt := NewRouter(r, waker, nil, logger.NewNop())

	// node 2 has the model but a later activity than node 1
	warm, _ := r.Acquire("2")
	warm.MarkModelLoaded("llama3")
	clock.Advance(time.Second)
	warm.Release()

	if l := routeLease(t, rt, "llama3"); l.NodeID != "2" {
		t.Fatalf("tier 1: routed to %s, want node with model loaded", l.NodeID)
	}
	if l := routeLease(t, rt, "llama3"); l.NodeID != "2" {
		t.Fatalf("tier 1: routed to %s, want node 2 until full", l.NodeID)
	}
	if l := routeLease(t, rt, "llama3"); l.NodeID != "1" {
		t.Fatalf("tier 2: routed to %s, want node 1", l.NodeID)
	}
	if l := routeLease(t, rt, "llama3"); l.NodeID != "1" {
		t.Fatalf("tier 2: routed to %s, want node 1", l.NodeID)
	}

	// all serving nodes busy: wake the paused node
	d, err := rt.Route("llama3")
	if err != nil || d.Wake == nil {
		t.Fatalf("tier 4: expected wake, got %+v, %v", d, err)
	}
	if d.Wake.NodeID != "3" || !d.Wake.Started {
		t.Fatalf("tier 4: wake %+v", d.Wake)
	}
	if got := waker.woken(); len(got) != 1 || got[0] != "3" {
		t.Fatalf("wake runner calls = %v", got)
	}
	if n := mustGet(t, r, "3"); n.Status != models.NodeStatusStarting {
		t.Fatalf("node 3 status = %s, want starting", n.Status)
	}

	// tier 3: join the in-flight wake up to its slot count
	d, err = rt.Route("llama3")
	if err != nil || d.Wake == nil || d.Wake.Started || d.Wake.NodeID != "3" {
		t.Fatalf("tier 3: expected to join wake, got %+v, %v", d, err)
	}
	if _, err := rt.Route("llama3"); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
	if len(waker.woken()) != 1 {
		t.Errorf("joining a wake must not start another")
	}
}

func TestRouterTieBreak(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	r.Sync([]models.Workspace{
		ws("1", models.WorkspaceStatusRunning),
		ws("2", models.WorkspaceStatusRunning),
		ws("3", models.WorkspaceStatusRunning),
	})
	rt := NewRouter(r, &recordingWaker{}, nil, logger.NewNop())

	// equal slots and activity: by name
	l := routeLease(t, rt, "")
	if l.NodeID != "1" {
		t.Fatalf("routed to %s, want llm-1 by name", l.NodeID)
	}
	clock.Advance(time.Second)
	l.Release()

	// node 1 now has the latest activity; 2 and 3 tie on zero
	if l := routeLease(t, rt, ""); l.NodeID != "2" {
		t.Fatalf("routed to %s, want llm-2", l.NodeID)
	}
	// node 2 has a used slot; 3 beats 1 on earlier activity
	if l := routeLease(t, rt, ""); l.NodeID != "3" {
		t.Fatalf("routed to %s, want llm-3", l.NodeID)
	}
}

func TestRouterWakeFlavors(t *testing.T) {
	a10 := ws("1", models.WorkspaceStatusPaused)
	a100 := ws("2", models.WorkspaceStatusPaused)
	a100.Flavor = "gpu-a100-18core-180gb"

	tests := []struct {
		name     string
		flavors  []string
		wantNode string
		wantErr  error
	}{
		{"any flavor by name", nil, "1", nil},
		{"preferred flavor first", []string{"gpu-a100-18core-180gb", "gpu-a10-11core-88gb"}, "2", nil},
		{"flavor filter excludes all", []string{"gpu-h100"}, "", ErrCapacityExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(newFakeClock(), nil)
			r.Sync([]models.Workspace{a10, a100})
			rt := NewRouter(r, &recordingWaker{}, tt.flavors, logger.NewNop())

			d, err := rt.Route("llama3")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Route() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || d.Wake == nil || d.Wake.NodeID != tt.wantNode {
				t.Fatalf("Route() = %+v, %v; want wake of %s", d, err, tt.wantNode)
			}
		})
	}
}

func TestRouterSkipsUnreachable(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)
	r.Sync([]models.Workspace{
		ws("1", models.WorkspaceStatusRunning),
		ws("2", models.WorkspaceStatusPaused),
	})
	r.MarkUnreachable("1", ReasonProbe, "probe failed")
	r.MarkUnreachable("2", ReasonResume, "resume failed")

	rt := NewRouter(r, &recordingWaker{}, nil, logger.NewNop())
	if _, err := rt.Route("llama3"); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

// Scenario A: two concurrent requests for an unloaded model on a node with two slots
func TestConcurrentRoutesFillNode(t *testing.T) {
	r := newTestRegistry(newFakeClock(), nil)
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusRunning)})
	rt := NewRouter(r, &recordingWaker{}, nil, logger.NewNop())

	var wg sync.WaitGroup
	leases := make([]*Lease, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := rt.Route("llama3")
			errs[i] = err
			leases[i] = d.Lease
		}(i)
	}
	wg.Wait()

	for i := range leases {
		if errs[i] != nil || leases[i] == nil {
			t.Fatalf("request %d: lease=%v err=%v", i, leases[i], errs[i])
		}
		leases[i].MarkModelLoaded("llama3")
	}

	n := mustGet(t, r, "1")
	if n.Status != models.NodeStatusBusy {
		t.Errorf("status = %s, want busy", n.Status)
	}
	if !n.HasModel("llama3") {
		t.Errorf("loaded models = %v", n.LoadedModels)
	}
	if _, err := rt.Route("llama3"); !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("third request: expected ErrCapacityExhausted, got %v", err)
	}
}

func TestWakeTicketCancelReleasesWaiterPlace(t *testing.T) {
	r := newTestRegistry(newFakeClock(), map[string]int{"llm-1": 1})
	r.Sync([]models.Workspace{ws("1", models.WorkspaceStatusPaused)})
	rt := NewRouter(r, &recordingWaker{}, nil, logger.NewNop())

	d, err := rt.Route("llama3")
	if err != nil || d.Wake == nil {
		t.Fatalf("expected wake, got %+v, %v", d, err)
	}
	if _, err := rt.Route("llama3"); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("single slot wake must not take a second waiter, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Wake.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}

	d, err = rt.Route("llama3")
	if err != nil || d.Wake == nil || d.Wake.Started {
		t.Fatalf("expected to join the wake after cancel, got %+v, %v", d, err)
	}
}
