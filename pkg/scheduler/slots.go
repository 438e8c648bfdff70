package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/atomic"
)

// Lease is one acquired slot on a node. Release must be called once the
// request finishes; further calls are no-ops.
type Lease struct {
	NodeID string
	Node   models.Node // snapshot taken at acquire time

	registry *Registry
	entry    *nodeEntry
	released atomic.Bool
}

// Acquire takes a slot on a serving, reachable node
func (r *Registry) Acquire(id string) (*Lease, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.acquire(e)
}

func (r *Registry) acquire(e *nodeEntry) (*Lease, error) {
	now := r.now()

	e.mu.Lock()
	n := &e.node
	switch {
	case !n.Status.Serving() || e.pausing:
		status := n.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: node %s is %s", ErrInvalidTransition, n.ID, status)
	case n.Unreachable:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, n.ID)
	case n.SlotsUsed >= n.SlotsTotal:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeFull, n.ID)
	}

	n.SlotsUsed++
	n.TotalRequests++
	n.LastActivityAt = now
	if e.freshWake {
		e.freshWake = false
		e.extendReservation(now, r.cfg.Reservation)
	} else {
		e.extendReservation(now, r.cfg.FallbackReservation)
	}

	ev := e.event(models.EventSlots, now)
	ev.From = n.Status
	ev.To = e.servingStatus()
	if t, ok := e.setStatus(ev.To, ReasonRequest, now); ok {
		ev = t
		ev.Kind = models.EventSlots
	}
	snap := e.snapshot()
	e.mu.Unlock()

	r.emit(snap, ev)
	return &Lease{NodeID: snap.ID, Node: snap, registry: r, entry: e}, nil
}

// Release returns the slot. It reports whether this call released it.
func (l *Lease) Release() bool {
	if !l.released.CompareAndSwap(false, true) {
		return false
	}
	l.registry.release(l.entry)
	return true
}

// Released reports whether the lease has been returned
func (l *Lease) Released() bool {
	return l.released.Load()
}

func (r *Registry) release(e *nodeEntry) {
	now := r.now()

	e.mu.Lock()
	n := &e.node
	if n.SlotsUsed > 0 {
		n.SlotsUsed--
	}
	n.LastActivityAt = now

	ev := e.event(models.EventSlots, now)
	ev.From = n.Status
	ev.To = n.Status
	// a node force-paused mid-request stays PAUSED
	if n.Status.Serving() {
		e.extendReservation(now, r.cfg.FallbackReservation)
		if t, ok := e.setStatus(e.servingStatus(), ReasonRequest, now); ok {
			ev = t
			ev.Kind = models.EventSlots
		}
	}
	snap := e.snapshot()
	e.mu.Unlock()

	r.emit(snap, ev)
}

// MarkModelLoaded records that model is resident on the leased node
func (l *Lease) MarkModelLoaded(model string) {
	if model == "" {
		return
	}

	e := l.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.node.Status.Serving() {
		return
	}
	loaded := e.node.LoadedModels
	i := sort.SearchStrings(loaded, model)
	if i < len(loaded) && loaded[i] == model {
		return
	}
	loaded = append(loaded, "")
	copy(loaded[i+1:], loaded[i:])
	loaded[i] = model
	e.node.LoadedModels = loaded
}

// WakeTicket lets a request wait on one wake attempt of a node
type WakeTicket struct {
	NodeID string
	// Started is true when this call moved the node to STARTING
	Started bool

	attempt  *wakeAttempt
	entry    *nodeEntry
	deadline time.Time
	counted  bool
	left     atomic.Bool
}

// Done is closed when the attempt resolves
func (t *WakeTicket) Done() <-chan struct{} {
	return t.attempt.done
}

// Err returns the attempt outcome; only valid after Done is closed
func (t *WakeTicket) Err() error {
	return t.attempt.err
}

// Wait blocks until the node is ready, the startup deadline passes or ctx
// is cancelled. A nil return means the node is serving.
func (t *WakeTicket) Wait(ctx context.Context) error {
	timer := time.NewTimer(time.Until(t.deadline))
	defer timer.Stop()

	select {
	case <-t.attempt.done:
		return t.attempt.err
	case <-ctx.Done():
		t.leave()
		return ctx.Err()
	case <-timer.C:
		t.leave()
		return fmt.Errorf("%w: %s", ErrWakeTimeout, t.NodeID)
	}
}

// leave gives up the waiter place held by the ticket
func (t *WakeTicket) leave() {
	if !t.counted || !t.left.CompareAndSwap(false, true) {
		return
	}
	t.entry.mu.Lock()
	if t.attempt.waiters > 0 {
		t.attempt.waiters--
	}
	t.entry.mu.Unlock()
}
