package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

// Pause and wake reasons carried on events
const (
	ReasonIdle     = "idle"
	ReasonAdmin    = "admin"
	ReasonTimeout  = "timeout"
	ReasonResume   = "resume"
	ReasonMissing  = "missing"
	ReasonExternal = "external"
	ReasonProbe    = "probe"
	ReasonRequest  = "request"
)

// RegistryConfig holds the timing and capacity settings the registry enforces
type RegistryConfig struct {
	Reservation         time.Duration
	FallbackReservation time.Duration
	StartupTimeout      time.Duration
	DefaultSlots        int
	Slots               map[string]int // node name -> slots_total

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Listener receives registry events after the node lock is released
type Listener interface {
	OnEvent(ev models.Event, node models.Node)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ev models.Event, node models.Node)

// OnEvent calls f(ev, node)
func (f ListenerFunc) OnEvent(ev models.Event, node models.Node) { f(ev, node) }

// wakeAttempt is shared by every request waiting on one wake of a node.
// err and waiters are guarded by the owning entry's mutex; err is
// readable without the lock once done is closed.
type wakeAttempt struct {
	done      chan struct{}
	err       error
	waiters   int
	startedAt time.Time
}

// nodeEntry is the registry's mutable record for one node
type nodeEntry struct {
	mu sync.Mutex

	node      models.Node
	wake      *wakeAttempt
	freshWake bool // next acquire gets the full reservation
	pausing   bool // a pause call is in flight
}

// snapshot returns a value copy (must hold lock)
func (e *nodeEntry) snapshot() models.Node {
	n := e.node
	n.LoadedModels = append([]string(nil), e.node.LoadedModels...)
	return n
}

func (e *nodeEntry) event(kind models.EventKind, now time.Time) models.Event {
	return models.Event{
		Time:     now,
		NodeID:   e.node.ID,
		NodeName: e.node.Name,
		Kind:     kind,
	}
}

// servingStatus derives ACTIVE/BUSY/IDLE from slot usage (must hold lock)
func (e *nodeEntry) servingStatus() models.NodeStatus {
	switch {
	case e.node.SlotsUsed <= 0:
		return models.NodeStatusIdle
	case e.node.SlotsUsed >= e.node.SlotsTotal:
		return models.NodeStatusBusy
	default:
		return models.NodeStatusActive
	}
}

// setStatus changes the status and returns the transition event (must hold lock)
func (e *nodeEntry) setStatus(status models.NodeStatus, reason string, now time.Time) (models.Event, bool) {
	from := e.node.Status
	if from == status {
		return models.Event{}, false
	}
	e.node.Status = status
	e.node.StatusChangedAt = now

	ev := e.event(models.EventTransition, now)
	ev.From = from
	ev.To = status
	ev.Reason = reason
	return ev, true
}

// markUnreachable flags the node and returns an event if the flag flipped (must hold lock)
func (e *nodeEntry) markUnreachable(reason, detail string, now time.Time) (models.Event, bool) {
	e.node.UnreachableReason = detail
	if e.node.Unreachable {
		return models.Event{}, false
	}
	e.node.Unreachable = true

	ev := e.event(models.EventUnreachable, now)
	ev.Reason = reason
	ev.Detail = detail
	return ev, true
}

// clearUnreachable returns a recovered event if the flag was set (must hold lock)
func (e *nodeEntry) clearUnreachable(reason string, now time.Time) (models.Event, bool) {
	if !e.node.Unreachable {
		return models.Event{}, false
	}
	e.node.Unreachable = false
	e.node.UnreachableReason = ""

	ev := e.event(models.EventRecovered, now)
	ev.Reason = reason
	return ev, true
}

// extendReservation pushes the reservation to at least now+d (must hold lock)
func (e *nodeEntry) extendReservation(now time.Time, d time.Duration) {
	if until := now.Add(d); until.After(e.node.ReservationExpiresAt) {
		e.node.ReservationExpiresAt = until
	}
}

// finishWake resolves the current wake attempt (must hold lock)
func (e *nodeEntry) finishWake(err error) {
	if e.wake == nil {
		return
	}
	e.wake.err = err
	close(e.wake.done)
	e.wake = nil
}

// Registry is the authoritative record of every known GPU node.
// The registry lock guards the map only; each node has its own lock.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*nodeEntry
	pending map[string]nodeSnapshot // restored state for nodes not yet discovered

	cfg    RegistryConfig
	now    func() time.Time
	logger *logger.Logger

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig, log *logger.Logger) *Registry {
	if cfg.DefaultSlots <= 0 {
		cfg.DefaultSlots = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		nodes:   make(map[string]*nodeEntry),
		pending: make(map[string]nodeSnapshot),
		cfg:     cfg,
		now:     now,
		logger:  log,
	}
}

// AddListener registers a listener for node events
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// emit delivers events to listeners; never call with a node lock held
func (r *Registry) emit(node models.Node, events ...models.Event) {
	if len(events) == 0 {
		return
	}

	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, ev := range events {
		if ev.Kind != models.EventSlots {
			r.logger.Info("Node event",
				zap.String("node", ev.NodeName),
				zap.String("kind", string(ev.Kind)),
				zap.String("from", string(ev.From)),
				zap.String("to", string(ev.To)),
				zap.String("reason", ev.Reason),
				zap.String("detail", ev.Detail),
			)
		}
		for _, l := range listeners {
			l.OnEvent(ev, node)
		}
	}
}

// slotsFor returns the configured capacity for a node name
func (r *Registry) slotsFor(name string) int {
	if n, ok := r.cfg.Slots[name]; ok && n > 0 {
		return n
	}
	return r.cfg.DefaultSlots
}

func (r *Registry) lookup(id string) (*nodeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return e, nil
}

// entries returns the node entries under the read lock
func (r *Registry) entries() []*nodeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*nodeEntry, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e)
	}
	return out
}

// isGPUFlavor reports whether a cloud flavor names a GPU machine
func isGPUFlavor(flavor string) bool {
	return strings.Contains(strings.ToLower(flavor), "gpu")
}

type pendingEmit struct {
	node   models.Node
	events []models.Event
}

// Sync reconciles the registry with a cloud listing and returns the number
// of newly discovered nodes. Nodes absent from the listing are marked
// unreachable and missing, never removed.
func (r *Registry) Sync(workspaces []models.Workspace) int {
	now := r.now()
	seen := make(map[string]bool, len(workspaces))
	var out []pendingEmit
	added := 0

	r.mu.Lock()
	for _, ws := range workspaces {
		if !isGPUFlavor(ws.Flavor) {
			continue
		}
		seen[ws.ID] = true

		if e, ok := r.nodes[ws.ID]; ok {
			e.mu.Lock()
			events := r.reconcileLocked(e, ws, now)
			snap := e.snapshot()
			e.mu.Unlock()
			out = append(out, pendingEmit{snap, events})
			continue
		}

		e := r.newEntry(ws, now)
		r.nodes[ws.ID] = e
		added++

		ev := e.event(models.EventDiscovered, now)
		ev.To = e.node.Status
		ev.Detail = fmt.Sprintf("cloud status %s", ws.Status)
		out = append(out, pendingEmit{e.snapshot(), []models.Event{ev}})
	}

	for id, e := range r.nodes {
		if seen[id] {
			continue
		}
		e.mu.Lock()
		var events []models.Event
		if !e.node.Missing {
			e.node.Missing = true
			if ev, ok := e.markUnreachable(ReasonMissing, "missing from cloud listing", now); ok {
				events = append(events, ev)
			}
		}
		snap := e.snapshot()
		e.mu.Unlock()
		out = append(out, pendingEmit{snap, events})
	}
	r.mu.Unlock()

	for _, p := range out {
		r.emit(p.node, p.events...)
	}
	return added
}

// newEntry builds an entry for a freshly discovered workspace (must hold r.mu)
func (r *Registry) newEntry(ws models.Workspace, now time.Time) *nodeEntry {
	e := &nodeEntry{
		node: models.Node{
			ID:              ws.ID,
			Name:            ws.Name,
			IPAddress:       ws.IP,
			Flavor:          ws.Flavor,
			StatusChangedAt: now,
			SlotsTotal:      r.slotsFor(ws.Name),
			LoadedModels:    []string{},
		},
	}

	switch ws.Status {
	case models.WorkspaceStatusRunning:
		e.node.Status = models.NodeStatusIdle
		e.node.ReservationExpiresAt = now.Add(r.cfg.FallbackReservation)
	case models.WorkspaceStatusResuming:
		e.node.Status = models.NodeStatusStarting
		e.wake = &wakeAttempt{done: make(chan struct{}), startedAt: now}
	case models.WorkspaceStatusPaused, models.WorkspaceStatusPausing:
		e.node.Status = models.NodeStatusPaused
	default:
		e.node.Status = models.NodeStatusPaused
		e.node.Unreachable = true
		e.node.UnreachableReason = fmt.Sprintf("cloud status %s", ws.Status)
	}

	if snap, ok := r.pending[ws.ID]; ok {
		delete(r.pending, ws.ID)
		snap.applyTo(e)
	}
	return e
}

// reconcileLocked updates an existing node from a listing (must hold e.mu)
func (r *Registry) reconcileLocked(e *nodeEntry, ws models.Workspace, now time.Time) []models.Event {
	var events []models.Event

	if e.node.Missing {
		e.node.Missing = false
		// unreachable stays set until an admin resume succeeds
		ev := e.event(models.EventDiscovered, now)
		ev.Reason = ReasonMissing
		ev.Detail = "node reappeared in cloud listing"
		events = append(events, ev)
	}
	if e.node.IPAddress == "" && ws.IP != "" {
		e.node.IPAddress = ws.IP
	}

	if e.pausing || e.wake != nil {
		return events
	}

	switch {
	case e.node.Status == models.NodeStatusPaused && ws.Status == models.WorkspaceStatusRunning && !e.node.Unreachable:
		// resumed outside the gateway
		if ev, ok := e.setStatus(e.servingStatus(), ReasonExternal, now); ok {
			events = append(events, ev)
		}
		e.extendReservation(now, r.cfg.FallbackReservation)
	case e.node.Status == models.NodeStatusIdle && ws.Status == models.WorkspaceStatusPaused:
		// paused outside the gateway
		if ev, ok := e.setStatus(models.NodeStatusPaused, ReasonExternal, now); ok {
			events = append(events, ev)
		}
		e.node.LoadedModels = []string{}
		e.node.ReservationExpiresAt = time.Time{}
		e.freshWake = false
	}
	return events
}

// Get returns a snapshot of one node
func (r *Registry) Get(id string) (models.Node, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Node{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// List returns snapshots of every node sorted by name
func (r *Registry) List() []models.Node {
	entries := r.entries()
	nodes := make([]models.Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		nodes = append(nodes, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name != nodes[j].Name {
			return nodes[i].Name < nodes[j].Name
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// Stats aggregates slot utilisation across the pool
func (r *Registry) Stats() models.PoolStats {
	stats := models.PoolStats{ModelsLoaded: make(map[string]int)}
	for _, n := range r.List() {
		stats.TotalNodes++
		switch n.Status {
		case models.NodeStatusPaused:
			stats.Paused++
		case models.NodeStatusStarting:
			stats.Starting++
		case models.NodeStatusActive:
			stats.Active++
		case models.NodeStatusBusy:
			stats.Busy++
		case models.NodeStatusIdle:
			stats.Idle++
		}
		if n.Unreachable {
			stats.Unreachable++
		}
		for _, m := range n.LoadedModels {
			stats.ModelsLoaded[m]++
		}
		stats.TotalRequests += n.TotalRequests

		if n.Status.Serving() {
			stats.SlotsTotal += n.SlotsTotal
			stats.SlotsUsed += n.SlotsUsed
		}
	}
	stats.SlotsFree = stats.SlotsTotal - stats.SlotsUsed
	if stats.SlotsFree < 0 {
		stats.SlotsFree = 0
	}
	if stats.SlotsTotal > 0 {
		stats.Utilization = float64(stats.SlotsUsed) / float64(stats.SlotsTotal)
	}
	return stats
}

// BeginWake moves a PAUSED node to STARTING and returns a ticket for the
// new attempt. If the node is already STARTING the current attempt is
// returned with Started false. Unreachable nodes are only woken when force
// is set (administrative resume).
func (r *Registry) BeginWake(id string, force bool) (*WakeTicket, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	e.mu.Lock()
	if e.node.Status == models.NodeStatusStarting && e.wake != nil {
		t := r.newTicket(e, false, false)
		e.mu.Unlock()
		return t, nil
	}
	if e.node.Status != models.NodeStatusPaused || e.pausing {
		status := e.node.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot wake node %s in status %s", ErrInvalidTransition, id, status)
	}
	if e.node.Unreachable && !force {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, id)
	}

	reason := ReasonRequest
	if force {
		reason = ReasonAdmin
	}
	ev := e.startWake(reason, now)
	t := r.newTicket(e, true, false)
	snap := e.snapshot()
	e.mu.Unlock()

	r.emit(snap, ev)
	return t, nil
}

// startWake moves the node to STARTING with a new attempt (must hold lock)
func (e *nodeEntry) startWake(reason string, now time.Time) models.Event {
	e.wake = &wakeAttempt{done: make(chan struct{}), startedAt: now}
	ev, _ := e.setStatus(models.NodeStatusStarting, reason, now)
	return ev
}

// newTicket creates a ticket for the current attempt; counted tickets
// occupy a waiter place (must hold lock)
func (r *Registry) newTicket(e *nodeEntry, started, counted bool) *WakeTicket {
	if counted {
		e.wake.waiters++
	}
	remaining := r.cfg.StartupTimeout - r.now().Sub(e.wake.startedAt)
	return &WakeTicket{
		NodeID:   e.node.ID,
		Started:  started,
		attempt:  e.wake,
		entry:    e,
		deadline: time.Now().Add(remaining),
		counted:  counted,
	}
}

// currentWake returns the in-flight attempt for a node, if any
func (r *Registry) currentWake(id string) *wakeAttempt {
	e, err := r.lookup(id)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wake
}

// CompleteWake promotes a STARTING node to serving and releases its waiters
func (r *Registry) CompleteWake(id string) error {
	return r.completeWake(id, nil)
}

// completeWake resolves attempt a (or the current one when nil) as ready
func (r *Registry) completeWake(id string, a *wakeAttempt) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	now := r.now()
	e.mu.Lock()
	if e.node.Status != models.NodeStatusStarting || (a != nil && e.wake != a) {
		e.mu.Unlock()
		return fmt.Errorf("%w: node %s is not waking", ErrInvalidTransition, id)
	}

	var events []models.Event
	if ev, ok := e.setStatus(e.servingStatus(), ReasonProbe, now); ok {
		events = append(events, ev)
	}
	if ev, ok := e.clearUnreachable(ReasonResume, now); ok {
		events = append(events, ev)
	}
	e.freshWake = true
	e.node.LastActivityAt = now
	e.extendReservation(now, r.cfg.Reservation)
	e.finishWake(nil)
	snap := e.snapshot()
	e.mu.Unlock()

	r.emit(snap, events...)
	return nil
}

// TimeoutWake fails a STARTING node's waiters with ErrWakeTimeout. The node
// leaves STARTING for its serving status flagged unreachable, so routing
// skips it until an admin resume succeeds.
func (r *Registry) TimeoutWake(id string) error {
	return r.timeoutWake(id, nil)
}

func (r *Registry) timeoutWake(id string, a *wakeAttempt) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	now := r.now()
	e.mu.Lock()
	if e.node.Status != models.NodeStatusStarting || (a != nil && e.wake != a) {
		e.mu.Unlock()
		return fmt.Errorf("%w: node %s is not waking", ErrInvalidTransition, id)
	}

	failed := e.event(models.EventWakeFailed, now)
	failed.Reason = ReasonTimeout
	failed.Detail = fmt.Sprintf("not ready after %s", r.cfg.StartupTimeout)
	events := []models.Event{failed}

	if ev, ok := e.setStatus(e.servingStatus(), ReasonTimeout, now); ok {
		events = append(events, ev)
	}
	if ev, ok := e.markUnreachable(ReasonTimeout, "startup timeout", now); ok {
		events = append(events, ev)
	}
	e.freshWake = false
	e.finishWake(ErrWakeTimeout)
	snap := e.snapshot()
	e.mu.Unlock()

	r.emit(snap, events...)
	return nil
}

// FailWake reverts a STARTING node to PAUSED after the resume call failed.
// The node is marked unreachable and waiters receive ErrWakeFailed.
func (r *Registry) FailWake(id string, cause error) error {
	return r.failWake(id, nil, cause)
}

func (r *Registry) failWake(id string, a *wakeAttempt, cause error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	now := r.now()
	e.mu.Lock()
	if e.node.Status != models.NodeStatusStarting || (a != nil && e.wake != a) {
		e.mu.Unlock()
		return fmt.Errorf("%w: node %s is not waking", ErrInvalidTransition, id)
	}

	failed := e.event(models.EventWakeFailed, now)
	failed.Reason = ReasonResume
	failed.Detail = cause.Error()
	events := []models.Event{failed}

	// STARTING to PAUSED is allowed only here: the resume call failed, so the
	// machine never left the paused state in the cloud.
	if ev, ok := e.setStatus(models.NodeStatusPaused, ReasonResume, now); ok {
		events = append(events, ev)
	}
	if ev, ok := e.markUnreachable(ReasonResume, "resume failed: "+cause.Error(), now); ok {
		events = append(events, ev)
	}
	e.freshWake = false
	e.node.ReservationExpiresAt = time.Time{}
	e.finishWake(fmt.Errorf("%w: %v", ErrWakeFailed, cause))
	snap := e.snapshot()
	e.mu.Unlock()

	r.emit(snap, events...)
	return nil
}

// MarkUnreachable excludes a node from routing
func (r *Registry) MarkUnreachable(id, reason, detail string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	ev, changed := e.markUnreachable(reason, detail, r.now())
	snap := e.snapshot()
	e.mu.Unlock()

	if changed {
		r.emit(snap, ev)
	}
	return nil
}

// ClearUnreachable returns a node to routing
func (r *Registry) ClearUnreachable(id, reason string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	ev, changed := e.clearUnreachable(reason, r.now())
	snap := e.snapshot()
	e.mu.Unlock()

	if changed {
		r.emit(snap, ev)
	}
	return nil
}

// ClaimPause reserves a node for a pause call so that acquisitions are
// refused while the call is in flight. Without force the node must be IDLE,
// reachable and past its reservation. STARTING nodes can never be paused.
func (r *Registry) ClaimPause(id string, force bool) (models.Node, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Node{}, err
	}

	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	n := &e.node
	switch {
	case e.pausing:
		return models.Node{}, fmt.Errorf("%w: pause already in flight for %s", ErrInvalidTransition, id)
	case n.Status == models.NodeStatusStarting:
		return models.Node{}, fmt.Errorf("%w: node %s is starting", ErrInvalidTransition, id)
	case n.Status == models.NodeStatusPaused:
		return models.Node{}, fmt.Errorf("%w: node %s is already paused", ErrInvalidTransition, id)
	}
	if !force {
		if n.Status != models.NodeStatusIdle || n.SlotsUsed > 0 {
			return models.Node{}, fmt.Errorf("%w: node %s is %s", ErrInvalidTransition, id, n.Status)
		}
		if n.Unreachable || n.Missing {
			return models.Node{}, fmt.Errorf("%w: %s", ErrNodeUnreachable, id)
		}
		if !now.After(n.ReservationExpiresAt) {
			return models.Node{}, fmt.Errorf("%w: node %s reserved until %s", ErrInvalidTransition, id, n.ReservationExpiresAt.Format(time.RFC3339))
		}
	}

	e.pausing = true
	return e.snapshot(), nil
}

// FinishPause completes a claimed pause. On success the node is PAUSED with
// its loaded models and reservation cleared; on failure the claim is dropped
// and the node marked unreachable. A cause wrapping ErrPauseInterrupted only
// drops the claim.
func (r *Registry) FinishPause(id, reason string, cause error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	now := r.now()
	e.mu.Lock()
	if !e.pausing {
		e.mu.Unlock()
		return fmt.Errorf("%w: no pause claimed for %s", ErrInvalidTransition, id)
	}
	e.pausing = false

	if errors.Is(cause, ErrPauseInterrupted) {
		e.mu.Unlock()
		r.logger.Info("Pause claim released", zap.String("node_id", id), zap.Error(cause))
		return nil
	}

	var events []models.Event
	if cause != nil {
		failed := e.event(models.EventPauseFailed, now)
		failed.Reason = reason
		failed.Detail = cause.Error()
		events = append(events, failed)
		if ev, ok := e.markUnreachable(reason, "pause failed: "+cause.Error(), now); ok {
			events = append(events, ev)
		}
	} else {
		if ev, ok := e.setStatus(models.NodeStatusPaused, reason, now); ok {
			events = append(events, ev)
		}
		e.node.LoadedModels = []string{}
		e.node.ReservationExpiresAt = time.Time{}
		e.freshWake = false
	}
	snap := e.snapshot()
	e.mu.Unlock()

	r.emit(snap, events...)
	return nil
}
