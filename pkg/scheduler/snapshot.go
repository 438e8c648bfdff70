package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

const snapshotFileName = "state.json"

// nodeSnapshot is the per-node state that survives a restart
type nodeSnapshot struct {
	LoadedModels         []string  `json:"loaded_models"`
	ReservationExpiresAt time.Time `json:"reservation_expires_at"`
	LastActivityAt       time.Time `json:"last_activity_at"`
	TotalRequests        int64     `json:"total_requests"`
}

// applyTo restores the snapshot onto an entry (must hold lock or own e)
func (s nodeSnapshot) applyTo(e *nodeEntry) {
	if e.node.Status.Serving() {
		e.node.LoadedModels = append([]string(nil), s.LoadedModels...)
		if s.ReservationExpiresAt.After(e.node.ReservationExpiresAt) {
			e.node.ReservationExpiresAt = s.ReservationExpiresAt
		}
	}
	if s.LastActivityAt.After(e.node.LastActivityAt) {
		e.node.LastActivityAt = s.LastActivityAt
	}
	e.node.TotalRequests += s.TotalRequests
}

type registrySnapshot struct {
	SavedAt time.Time               `json:"saved_at"`
	Nodes   map[string]nodeSnapshot `json:"nodes"`
}

// SnapshotStore persists registry accounting to disk
type SnapshotStore struct {
	registry     *Registry
	snapshotDir  string
	snapshotChan chan struct{}
	stopChan     chan struct{}
	logger       *logger.Logger
}

// NewSnapshotStore creates a store writing state.json under snapshotDir
func NewSnapshotStore(registry *Registry, snapshotDir string, log *logger.Logger) *SnapshotStore {
	return &SnapshotStore{
		registry:     registry,
		snapshotDir:  snapshotDir,
		snapshotChan: make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
		logger:       log,
	}
}

// OnEvent schedules a snapshot after every state transition
func (s *SnapshotStore) OnEvent(ev models.Event, _ models.Node) {
	if ev.Kind == models.EventSlots {
		return
	}
	s.triggerSnapshot()
}

// triggerSnapshot triggers a snapshot save
func (s *SnapshotStore) triggerSnapshot() {
	select {
	case s.snapshotChan <- struct{}{}:
	default:
		// Channel full, snapshot already pending
	}
}

// SaveSnapshot writes the current registry state to disk
func (s *SnapshotStore) SaveSnapshot() error {
	snap := registrySnapshot{
		SavedAt: s.registry.now(),
		Nodes:   make(map[string]nodeSnapshot),
	}
	for _, n := range s.registry.List() {
		snap.Nodes[n.ID] = nodeSnapshot{
			LoadedModels:         n.LoadedModels,
			ReservationExpiresAt: n.ReservationExpiresAt,
			LastActivityAt:       n.LastActivityAt,
			TotalRequests:        n.TotalRequests,
		}
	}

	if err := os.MkdirAll(s.snapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	snapshotFile := filepath.Join(s.snapshotDir, snapshotFileName)
	tempFile := snapshotFile + ".tmp"

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tempFile, snapshotFile); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot restores accounting from disk. Nodes not yet discovered get
// their state applied when discovery first sees them.
func (s *SnapshotStore) LoadSnapshot() error {
	snapshotFile := filepath.Join(s.snapshotDir, snapshotFileName)

	data, err := os.ReadFile(snapshotFile)
	if err != nil {
		if os.IsNotExist(err) {
			// No snapshot exists, start with empty state
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	s.registry.restore(snap.Nodes)
	s.logger.Info("Snapshot loaded",
		zap.Int("nodes", len(snap.Nodes)),
		zap.Time("saved_at", snap.SavedAt),
	)
	return nil
}

// restore applies saved node state to known nodes and parks the rest
func (r *Registry) restore(nodes map[string]nodeSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, snap := range nodes {
		e, ok := r.nodes[id]
		if !ok {
			r.pending[id] = snap
			continue
		}
		e.mu.Lock()
		snap.applyTo(e)
		e.mu.Unlock()
	}
}

// StartPeriodicSnapshot starts periodic snapshot saving
func (s *SnapshotStore) StartPeriodicSnapshot(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := s.SaveSnapshot(); err != nil {
					s.logger.Error("Failed to save snapshot", zap.Error(err))
				}
			case <-s.snapshotChan:
				if err := s.SaveSnapshot(); err != nil {
					s.logger.Error("Failed to save snapshot", zap.Error(err))
				}
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops periodic saving and writes a final snapshot
func (s *SnapshotStore) Stop() {
	close(s.stopChan)
	if err := s.SaveSnapshot(); err != nil {
		s.logger.Error("Failed to save final snapshot", zap.Error(err))
	}
}
