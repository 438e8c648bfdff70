package metrics

import (
	"fmt"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/models"
	"github.com/chicogong/gpu-gateway/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names
const (
	NodeSlotsUsed         = "gpu_gateway_node_slots_used"
	NodeSlotsTotal        = "gpu_gateway_node_slots_total"
	Nodes                 = "gpu_gateway_nodes"
	WakesTotal            = "gpu_gateway_wakes_total"
	PausesTotal           = "gpu_gateway_pauses_total"
	ProxyRequestsTotal    = "gpu_gateway_proxy_requests_total"
	ProxyDurationSeconds  = "gpu_gateway_proxy_duration_seconds"
	labelNode             = "node"
	labelStatus           = "status"
	labelResult           = "result"
	labelReason           = "reason"
	labelRoute            = "route"
	labelOutcome          = "outcome"
	statusUnreachableNode = "unreachable"
)

// Wake results
const (
	WakeReady   = "ready"
	WakeTimeout = "timeout"
	WakeFailed  = "failed"
)

// Recorder owns the gateway's Prometheus collectors. A nil Recorder is
// valid and records nothing.
type Recorder struct {
	slotsUsed     *prometheus.GaugeVec
	slotsTotal    *prometheus.GaugeVec
	nodes         *prometheus.GaugeVec
	wakes         *prometheus.CounterVec
	pauses        *prometheus.CounterVec
	requests      *prometheus.CounterVec
	requestLength *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them with registry
func NewRecorder(registry prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		slotsUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: NodeSlotsUsed,
				Help: "Slots currently in use on each node",
			},
			[]string{labelNode},
		),
		slotsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: NodeSlotsTotal,
				Help: "Configured slots on each node",
			},
			[]string{labelNode},
		),
		nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: Nodes,
				Help: "Number of nodes per status",
			},
			[]string{labelStatus},
		),
		wakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: WakesTotal,
				Help: "Node wake attempts by result",
			},
			[]string{labelResult},
		),
		pauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: PausesTotal,
				Help: "Node pauses by reason and result",
			},
			[]string{labelReason, labelResult},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: ProxyRequestsTotal,
				Help: "Proxied inference requests by route and outcome",
			},
			[]string{labelRoute, labelOutcome},
		),
		requestLength: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    ProxyDurationSeconds,
				Help:    "Duration of proxied inference requests",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{labelRoute},
		),
	}

	collectors := map[string]prometheus.Collector{
		NodeSlotsUsed:        r.slotsUsed,
		NodeSlotsTotal:       r.slotsTotal,
		Nodes:                r.nodes,
		WakesTotal:           r.wakes,
		PausesTotal:          r.pauses,
		ProxyRequestsTotal:   r.requests,
		ProxyDurationSeconds: r.requestLength,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return r, nil
}

// OnEvent updates node gauges and wake/pause counters from registry events
func (r *Recorder) OnEvent(ev models.Event, node models.Node) {
	if r == nil {
		return
	}

	r.slotsUsed.WithLabelValues(node.Name).Set(float64(node.SlotsUsed))
	r.slotsTotal.WithLabelValues(node.Name).Set(float64(node.SlotsTotal))

	switch ev.Kind {
	case models.EventTransition:
		switch {
		case ev.From == models.NodeStatusStarting && ev.To.Serving() && ev.Reason == scheduler.ReasonProbe:
			r.wakes.WithLabelValues(WakeReady).Inc()
		case ev.To == models.NodeStatusPaused && ev.From != models.NodeStatusStarting:
			r.pauses.WithLabelValues(ev.Reason, "ok").Inc()
		}
	case models.EventWakeFailed:
		if ev.Reason == scheduler.ReasonTimeout {
			r.wakes.WithLabelValues(WakeTimeout).Inc()
		} else {
			r.wakes.WithLabelValues(WakeFailed).Inc()
		}
	case models.EventPauseFailed:
		r.pauses.WithLabelValues(ev.Reason, "error").Inc()
	}
}

// ObservePool sets the per-status node gauges
func (r *Recorder) ObservePool(stats models.PoolStats) {
	if r == nil {
		return
	}
	r.nodes.WithLabelValues(string(models.NodeStatusPaused)).Set(float64(stats.Paused))
	r.nodes.WithLabelValues(string(models.NodeStatusStarting)).Set(float64(stats.Starting))
	r.nodes.WithLabelValues(string(models.NodeStatusActive)).Set(float64(stats.Active))
	r.nodes.WithLabelValues(string(models.NodeStatusBusy)).Set(float64(stats.Busy))
	r.nodes.WithLabelValues(string(models.NodeStatusIdle)).Set(float64(stats.Idle))
	r.nodes.WithLabelValues(statusUnreachableNode).Set(float64(stats.Unreachable))
}

// ObserveRequest records one proxied request
func (r *Recorder) ObserveRequest(route, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(route, outcome).Inc()
	r.requestLength.WithLabelValues(route).Observe(d.Seconds())
}
