package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/cloud"
	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

// Prober checks whether a node's inference server is ready
type Prober interface {
	Probe(ctx context.Context, node models.Node) error
}

// EngineConfig holds autoscaler settings
type EngineConfig struct {
	NameFilter        string
	StartupTimeout    time.Duration
	ProbeInterval     time.Duration
	DiscoveryInterval time.Duration // 0 disables periodic rediscovery
	PauseTimeout      time.Duration
}

// Resume and pause outcomes reported to admin callers
const (
	ActionWaking    = "waking"
	ActionRecovered = "recovered"
	ActionPaused    = "paused"
	ActionNone      = "none"
)

// AdminResult describes what an admin resume or pause did
type AdminResult struct {
	Action string
	Node   models.Node
}

// Engine is the autoscaler control loop. It promotes STARTING nodes once
// ready, times out stuck wakes and pauses idle nodes past their reservation.
type Engine struct {
	registry *Registry
	cloud    cloud.Client
	prober   Prober
	cfg      EngineConfig
	logger   *logger.Logger

	hooksMu sync.Mutex
	hooks   []func(models.PoolStats)

	discoverMu    sync.Mutex
	lastDiscovery time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a new autoscaler engine
func NewEngine(registry *Registry, client cloud.Client, prober Prober, cfg EngineConfig, log *logger.Logger) *Engine {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = registry.cfg.StartupTimeout
	}
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry: registry,
		cloud:    client,
		prober:   prober,
		cfg:      cfg,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// AddTickHook registers a function called with pool stats after every tick
func (e *Engine) AddTickHook(fn func(models.PoolStats)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Start starts the autoscaler loop
func (e *Engine) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ticker.C:
				e.RunOnce(e.ctx)
			case <-e.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the loop and any wake sequences in flight
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.cancel()
	})
	e.wg.Wait()
}

// RunOnce executes one autoscaler tick
func (e *Engine) RunOnce(ctx context.Context) {
	for _, n := range e.registry.List() {
		e.reconcileNode(ctx, n)
	}

	if e.discoveryDue() {
		if err := e.Discover(ctx); err != nil {
			e.logger.Warn("Periodic discovery failed", zap.Error(err))
		}
	}

	stats := e.registry.Stats()
	e.hooksMu.Lock()
	hooks := e.hooks
	e.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(stats)
	}
}

// reconcileNode applies the per-node tick rules; a failure or panic is
// confined to the node
func (e *Engine) reconcileNode(ctx context.Context, n models.Node) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Autoscaler panic on node",
				zap.String("node", n.Name),
				zap.Any("panic", r),
			)
		}
	}()

	now := e.registry.now()
	switch {
	case n.Status == models.NodeStatusStarting:
		if now.Sub(n.StatusChangedAt) > e.cfg.StartupTimeout {
			if err := e.registry.TimeoutWake(n.ID); err == nil {
				e.logger.Warn("Node wake timed out",
					zap.String("node", n.Name),
					zap.Duration("timeout", e.cfg.StartupTimeout),
				)
			}
			return
		}
		if err := e.prober.Probe(ctx, n); err != nil {
			e.logger.Debug("Node not ready yet", zap.String("node", n.Name), zap.Error(err))
			return
		}
		_ = e.registry.CompleteWake(n.ID)

	case n.Status == models.NodeStatusIdle && !n.Unreachable && !n.Missing && now.After(n.ReservationExpiresAt):
		if err := e.pause(ctx, n.ID, ReasonIdle, false); err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrPauseInterrupted) {
			e.logger.Error("Failed to pause idle node",
				zap.String("node", n.Name),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) discoveryDue() bool {
	if e.cfg.DiscoveryInterval <= 0 {
		return false
	}
	e.discoverMu.Lock()
	defer e.discoverMu.Unlock()
	return e.registry.now().Sub(e.lastDiscovery) >= e.cfg.DiscoveryInterval
}

// Discover lists workspaces from the cloud and syncs the registry
func (e *Engine) Discover(ctx context.Context) error {
	e.discoverMu.Lock()
	defer e.discoverMu.Unlock()

	workspaces, err := e.cloud.ListWorkspaces(ctx, e.cfg.NameFilter)
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}
	e.lastDiscovery = e.registry.now()

	added := e.registry.Sync(workspaces)
	e.logger.Info("Discovery complete",
		zap.Int("workspaces", len(workspaces)),
		zap.Int("new_nodes", added),
	)
	return nil
}

// RunWake drives a node that was just moved to STARTING: it issues the
// resume call and polls readiness until ready or the startup timeout.
func (e *Engine) RunWake(nodeID string) {
	attempt := e.registry.currentWake(nodeID)
	if attempt == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Wake panic", zap.String("node_id", nodeID), zap.Any("panic", r))
			}
		}()
		e.runWake(nodeID, attempt)
	}()
}

func (e *Engine) runWake(nodeID string, attempt *wakeAttempt) {
	deadline := time.Now().Add(e.cfg.StartupTimeout - e.registry.now().Sub(attempt.startedAt))
	ctx, cancel := context.WithDeadline(e.ctx, deadline)
	defer cancel()

	if err := e.cloud.Resume(ctx, nodeID); err != nil {
		if e.ctx.Err() != nil {
			return
		}
		if ctx.Err() != nil {
			_ = e.registry.timeoutWake(nodeID, attempt)
			return
		}
		e.logger.Error("Resume failed", zap.String("node_id", nodeID), zap.Error(err))
		_ = e.registry.failWake(nodeID, attempt, err)
		return
	}

	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-attempt.done:
			return
		default:
		}

		node, err := e.registry.Get(nodeID)
		if err != nil {
			return
		}
		if perr := e.prober.Probe(ctx, node); perr == nil {
			if err := e.registry.completeWake(nodeID, attempt); err == nil {
				e.logger.Info("Node ready", zap.String("node", node.Name))
			}
			return
		}

		select {
		case <-ticker.C:
		case <-attempt.done:
			return
		case <-ctx.Done():
			if e.ctx.Err() == nil {
				_ = e.registry.timeoutWake(nodeID, attempt)
			}
			return
		}
	}
}

// Resume is the administrative resume. A PAUSED node is woken; an
// unreachable serving node is probed and returned to routing on success.
func (e *Engine) Resume(ctx context.Context, id string) (AdminResult, error) {
	n, err := e.registry.Get(id)
	if err != nil {
		return AdminResult{}, err
	}

	switch {
	case n.Status == models.NodeStatusPaused:
		t, err := e.registry.BeginWake(id, true)
		if err != nil {
			return AdminResult{}, err
		}
		n, _ = e.registry.Get(id)
		if t.Started {
			e.RunWake(id)
		}
		return AdminResult{Action: ActionWaking, Node: n}, nil

	case n.Status.Serving() && n.Unreachable:
		if err := e.prober.Probe(ctx, n); err != nil {
			return AdminResult{Node: n}, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
		}
		if err := e.registry.ClearUnreachable(id, ReasonAdmin); err != nil {
			return AdminResult{}, err
		}
		n, _ = e.registry.Get(id)
		return AdminResult{Action: ActionRecovered, Node: n}, nil
	}

	return AdminResult{Action: ActionNone, Node: n}, nil
}

// Pause is the administrative forced pause. It is refused while the node
// is STARTING; in-flight requests keep their slots until they finish.
func (e *Engine) Pause(ctx context.Context, id string) (AdminResult, error) {
	n, err := e.registry.Get(id)
	if err != nil {
		return AdminResult{}, err
	}
	if n.Status == models.NodeStatusPaused {
		return AdminResult{Action: ActionNone, Node: n}, nil
	}

	if err := e.pause(ctx, id, ReasonAdmin, true); err != nil {
		n, _ = e.registry.Get(id)
		return AdminResult{Node: n}, err
	}
	n, _ = e.registry.Get(id)
	return AdminResult{Action: ActionPaused, Node: n}, nil
}

// pause claims the node, calls the cloud without holding the node lock and
// records the outcome. The call outlives the caller's context; only the
// pause timeout or engine shutdown cut it short.
func (e *Engine) pause(ctx context.Context, id, reason string, force bool) error {
	if _, err := e.registry.ClaimPause(id, force); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PauseTimeout)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	err := e.cloud.Pause(cctx, id)
	if err != nil && e.ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrPauseInterrupted, err)
	}
	if ferr := e.registry.FinishPause(id, reason, err); ferr != nil {
		return ferr
	}
	if err != nil {
		return fmt.Errorf("failed to pause node %s: %w", id, err)
	}
	return nil
}
