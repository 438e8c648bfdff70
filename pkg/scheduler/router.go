package scheduler

import (
	"errors"
	"sort"
	"strings"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

// WakeRunner drives a node that was just moved to STARTING
type WakeRunner interface {
	RunWake(nodeID string)
}

// Decision is the outcome of routing: either a held slot or a wake to wait on
type Decision struct {
	Lease *Lease
	Wake  *WakeTicket
}

// Router picks a node for a request.
//
// Policy, in order:
//  1. serving nodes with the model loaded and a free slot
//  2. serving nodes with a free slot
//  3. a STARTING node whose wake has fewer waiters than slots
//  4. a reachable PAUSED node, filtered and ordered by wake flavors
//
// Within tiers 1 and 2 the node with the fewest used slots wins, then the
// one with the earliest last activity, then by name.
type Router struct {
	registry    *Registry
	waker       WakeRunner
	wakeFlavors []string
	logger      *logger.Logger
}

// NewRouter creates a router. An empty wakeFlavors list allows any flavor.
func NewRouter(registry *Registry, waker WakeRunner, wakeFlavors []string, log *logger.Logger) *Router {
	return &Router{
		registry:    registry,
		waker:       waker,
		wakeFlavors: wakeFlavors,
		logger:      log,
	}
}

type candidate struct {
	entry   *nodeEntry
	node    models.Node
	pausing bool
	waiters int
}

// Route selects a node for model. Slot acquisition happens under the node's
// lock; a node exhausted by a racing request is skipped for the next one.
func (rt *Router) Route(model string) (Decision, error) {
	var loaded, free, starting, paused []candidate

	for _, e := range rt.registry.entries() {
		e.mu.Lock()
		c := candidate{entry: e, node: e.snapshot(), pausing: e.pausing}
		if e.wake != nil {
			c.waiters = e.wake.waiters
		}
		e.mu.Unlock()

		n := c.node
		if n.Unreachable || n.Missing || c.pausing {
			continue
		}
		switch {
		case n.Status.Serving():
			if n.FreeSlots() == 0 {
				continue
			}
			if n.HasModel(model) {
				loaded = append(loaded, c)
			} else {
				free = append(free, c)
			}
		case n.Status == models.NodeStatusStarting:
			if c.waiters < n.SlotsTotal {
				starting = append(starting, c)
			}
		case n.Status == models.NodeStatusPaused:
			if rt.flavorRank(n.Flavor) >= 0 {
				paused = append(paused, c)
			}
		}
	}

	sortServing(loaded)
	sortServing(free)
	for _, c := range append(loaded, free...) {
		lease, err := rt.registry.acquire(c.entry)
		if err == nil {
			return Decision{Lease: lease}, nil
		}
		if !errors.Is(err, ErrNodeFull) {
			rt.logger.Debug("Skipping node",
				zap.String("node", c.node.Name),
				zap.Error(err),
			)
		}
	}

	sort.SliceStable(starting, func(i, j int) bool {
		if starting[i].waiters != starting[j].waiters {
			return starting[i].waiters < starting[j].waiters
		}
		return starting[i].node.Name < starting[j].node.Name
	})
	for _, c := range starting {
		if t := rt.joinWake(c.entry); t != nil {
			return Decision{Wake: t}, nil
		}
	}

	sort.SliceStable(paused, func(i, j int) bool {
		ri, rj := rt.flavorRank(paused[i].node.Flavor), rt.flavorRank(paused[j].node.Flavor)
		if ri != rj {
			return ri < rj
		}
		return paused[i].node.Name < paused[j].node.Name
	})
	for _, c := range paused {
		if t := rt.beginWake(c.entry); t != nil {
			rt.logger.Info("Waking node for request",
				zap.String("node", c.node.Name),
				zap.String("model", model),
			)
			rt.waker.RunWake(t.NodeID)
			return Decision{Wake: t}, nil
		}
	}

	return Decision{}, ErrCapacityExhausted
}

// joinWake takes a waiter place on a STARTING node's current attempt
func (rt *Router) joinWake(e *nodeEntry) *WakeTicket {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := &e.node
	if n.Status != models.NodeStatusStarting || e.wake == nil || n.Unreachable {
		return nil
	}
	if e.wake.waiters >= n.SlotsTotal {
		return nil
	}
	return rt.registry.newTicket(e, false, true)
}

// beginWake moves a PAUSED node to STARTING with the caller as first waiter
func (rt *Router) beginWake(e *nodeEntry) *WakeTicket {
	now := rt.registry.now()

	e.mu.Lock()
	n := &e.node
	if n.Status != models.NodeStatusPaused || n.Unreachable || n.Missing || e.pausing {
		e.mu.Unlock()
		return nil
	}
	ev := e.startWake(ReasonRequest, now)
	t := rt.registry.newTicket(e, true, true)
	snap := e.snapshot()
	e.mu.Unlock()

	rt.registry.emit(snap, ev)
	return t
}

// flavorRank returns the preference index of flavor, or -1 if excluded
func (rt *Router) flavorRank(flavor string) int {
	if len(rt.wakeFlavors) == 0 {
		return 0
	}
	for i, f := range rt.wakeFlavors {
		if strings.EqualFold(f, flavor) {
			return i
		}
	}
	return -1
}

func sortServing(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].node, cs[j].node
		if a.SlotsUsed != b.SlotsUsed {
			return a.SlotsUsed < b.SlotsUsed
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.Before(b.LastActivityAt)
		}
		return a.Name < b.Name
	})
}
