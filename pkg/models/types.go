package models

import (
	"sort"
	"time"
)

// NodeStatus represents the lifecycle state of a GPU node
type NodeStatus string

const (
	NodeStatusPaused   NodeStatus = "paused"
	NodeStatusStarting NodeStatus = "starting"
	NodeStatusActive   NodeStatus = "active"
	NodeStatusBusy     NodeStatus = "busy"
	NodeStatusIdle     NodeStatus = "idle"
)

// Serving reports whether a node in this status accepts slot acquisitions
func (s NodeStatus) Serving() bool {
	return s == NodeStatusActive || s == NodeStatusBusy || s == NodeStatusIdle
}

// Node is a point-in-time copy of one GPU machine's record
type Node struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IPAddress string `json:"ip_address"`
	Flavor    string `json:"flavor"`

	Status          NodeStatus `json:"status"`
	StatusChangedAt time.Time  `json:"status_changed_at"`

	SlotsTotal   int      `json:"slots_total"`
	SlotsUsed    int      `json:"slots_used"`
	LoadedModels []string `json:"loaded_models"`

	ReservationExpiresAt time.Time `json:"reservation_expires_at"`
	LastActivityAt       time.Time `json:"last_activity_at"`

	Unreachable       bool   `json:"unreachable"`
	UnreachableReason string `json:"unreachable_reason,omitempty"`
	Missing           bool   `json:"missing"`

	TotalRequests int64 `json:"total_requests"`
}

// FreeSlots returns the number of slots that can still be acquired
func (n Node) FreeSlots() int {
	if n.SlotsUsed >= n.SlotsTotal {
		return 0
	}
	return n.SlotsTotal - n.SlotsUsed
}

// HasModel reports whether model is resident on the node
func (n Node) HasModel(model string) bool {
	if model == "" {
		return false
	}
	i := sort.SearchStrings(n.LoadedModels, model)
	return i < len(n.LoadedModels) && n.LoadedModels[i] == model
}

// CanResume reports whether an administrative resume would do anything
func (n Node) CanResume() bool {
	return n.Status == NodeStatusPaused || (n.Unreachable && n.Status.Serving())
}

// CanPause reports whether an administrative pause is permitted
func (n Node) CanPause() bool {
	return n.Status != NodeStatusPaused && n.Status != NodeStatusStarting
}

// PoolStats aggregates slot utilisation across the pool
type PoolStats struct {
	TotalNodes    int            `json:"total_nodes"`
	Paused        int            `json:"paused"`
	Starting      int            `json:"starting"`
	Active        int            `json:"active"`
	Busy          int            `json:"busy"`
	Idle          int            `json:"idle"`
	Unreachable   int            `json:"unreachable"`
	SlotsTotal    int            `json:"slots_total"`
	SlotsUsed     int            `json:"slots_used"`
	SlotsFree     int            `json:"slots_free"`
	Utilization   float64        `json:"utilization"`
	ModelsLoaded  map[string]int `json:"models_loaded"`
	TotalRequests int64          `json:"total_requests"`
}

// WorkspaceStatus is the machine state reported by the cloud API
type WorkspaceStatus string

const (
	WorkspaceStatusRunning  WorkspaceStatus = "running"
	WorkspaceStatusPaused   WorkspaceStatus = "paused"
	WorkspaceStatusResuming WorkspaceStatus = "resuming"
	WorkspaceStatusPausing  WorkspaceStatus = "pausing"
	WorkspaceStatusUpdating WorkspaceStatus = "updating"
	WorkspaceStatusUnknown  WorkspaceStatus = "unknown"
)

// Workspace is one machine from a cloud listing
type Workspace struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	IP     string          `json:"ip"`
	Status WorkspaceStatus `json:"status"`
	Flavor string          `json:"flavor"`
}

// EventKind classifies journal events
type EventKind string

const (
	EventDiscovered  EventKind = "discovered"
	EventTransition  EventKind = "transition"
	EventWakeFailed  EventKind = "wake_failed"
	EventPauseFailed EventKind = "pause_failed"
	EventUnreachable EventKind = "unreachable"
	EventRecovered   EventKind = "recovered"
	EventSlots       EventKind = "slots"
)

// Event records something that happened to a node
type Event struct {
	Time     time.Time  `json:"time" bson:"time"`
	NodeID   string     `json:"node_id" bson:"node_id"`
	NodeName string     `json:"node_name" bson:"node_name"`
	Kind     EventKind  `json:"kind" bson:"kind"`
	From     NodeStatus `json:"from,omitempty" bson:"from,omitempty"`
	To       NodeStatus `json:"to,omitempty" bson:"to,omitempty"`
	Reason   string     `json:"reason,omitempty" bson:"reason,omitempty"`
	Detail   string     `json:"detail,omitempty" bson:"detail,omitempty"`
}
