package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/auth"
	"github.com/chicogong/gpu-gateway/pkg/journal"
	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"github.com/chicogong/gpu-gateway/pkg/proxy"
	"github.com/chicogong/gpu-gateway/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	serviceName       = "gpu-gateway"
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// RESTServer serves the admin API, metrics and the inference proxy
type RESTServer struct {
	registry *scheduler.Registry
	engine   *scheduler.Engine
	proxy    *proxy.Dispatcher
	journal  journal.Journal
	keys     *auth.KeyStore
	gatherer prometheus.Gatherer
	logger   *logger.Logger
	server   *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(
	registry *scheduler.Registry,
	engine *scheduler.Engine,
	dispatcher *proxy.Dispatcher,
	j journal.Journal,
	keys *auth.KeyStore,
	gatherer prometheus.Gatherer,
	log *logger.Logger,
) *RESTServer {
	return &RESTServer{
		registry: registry,
		engine:   engine,
		proxy:    dispatcher,
		journal:  j,
		keys:     keys,
		gatherer: gatherer,
		logger:   log,
	}
}

// Handler builds the full route table
func (s *RESTServer) Handler() http.Handler {
	gated := http.NewServeMux()
	gated.HandleFunc("GET /gpu/discover", s.handleDiscover)
	gated.HandleFunc("GET /gpu/stats", s.handleStats)
	gated.HandleFunc("GET /gpu/events", s.handleEvents)
	gated.HandleFunc("GET /gpu/{id}/status", s.handleStatus)
	gated.HandleFunc("POST /gpu/{id}/resume", s.handleResume)
	gated.HandleFunc("POST /gpu/{id}/pause", s.handlePause)
	s.proxy.Register(gated)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", s.keys.Middleware(gated))

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start starts the REST API server
func (s *RESTServer) Start(address string) error {
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("REST API server starting", zap.String("address", address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST API server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop waits for in-flight requests until ctx expires
func (s *RESTServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// nodeView is the admin API rendering of a node
type nodeView struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Status               models.NodeStatus `json:"status"`
	IPAddress            string            `json:"ip_address"`
	Flavor               string            `json:"flavor"`
	CanResume            bool              `json:"can_resume"`
	CanPause             bool              `json:"can_pause"`
	Slots                slotsView         `json:"slots"`
	LoadedModels         []string          `json:"loaded_models"`
	ReservationExpiresAt *time.Time        `json:"reservation_expires_at"`
	LastActivityAt       *time.Time        `json:"last_activity_at,omitempty"`
	Unreachable          bool              `json:"unreachable"`
	UnreachableReason    string            `json:"unreachable_reason,omitempty"`
	Missing              bool              `json:"missing,omitempty"`
	TotalRequests        int64             `json:"total_requests"`
}

type slotsView struct {
	Total int `json:"total"`
	Used  int `json:"used"`
	Free  int `json:"free"`
}

func newNodeView(n models.Node) nodeView {
	v := nodeView{
		ID:                n.ID,
		Name:              n.Name,
		Status:            n.Status,
		IPAddress:         n.IPAddress,
		Flavor:            n.Flavor,
		CanResume:         n.CanResume(),
		CanPause:          n.CanPause(),
		Slots:             slotsView{Total: n.SlotsTotal, Used: n.SlotsUsed, Free: n.FreeSlots()},
		LoadedModels:      n.LoadedModels,
		Unreachable:       n.Unreachable,
		UnreachableReason: n.UnreachableReason,
		Missing:           n.Missing,
		TotalRequests:     n.TotalRequests,
	}
	if v.LoadedModels == nil {
		v.LoadedModels = []string{}
	}
	if !n.ReservationExpiresAt.IsZero() {
		t := n.ReservationExpiresAt
		v.ReservationExpiresAt = &t
	}
	if !n.LastActivityAt.IsZero() {
		t := n.LastActivityAt
		v.LastActivityAt = &t
	}
	return v
}

// handleDiscover refreshes the node list from the cloud and returns it
func (s *RESTServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if err := s.engine.Discover(r.Context()); err != nil {
		s.logger.Warn("Discovery failed, serving cached nodes", zap.Error(err))
		resp["discovery_error"] = err.Error()
	}

	nodes := s.registry.List()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, newNodeView(n))
	}
	resp["nodes"] = views
	resp["total"] = len(views)

	s.sendJSON(w, http.StatusOK, resp)
}

// handleStats returns pool-wide slot utilisation
func (s *RESTServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.registry.Stats())
}

// handleStatus returns one node
func (s *RESTServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.sendSchedulerError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, newNodeView(n))
}

// handleResume wakes a paused node or returns an unreachable one to routing
func (s *RESTServer) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.engine.Resume(r.Context(), id)
	if err != nil {
		s.logger.Warn("Admin resume failed", zap.String("node_id", id), zap.Error(err))
		s.sendSchedulerError(w, err)
		return
	}

	s.logger.Info("Admin resume",
		zap.String("node", res.Node.Name),
		zap.String("action", res.Action),
	)

	switch res.Action {
	case scheduler.ActionWaking:
		s.sendJSON(w, http.StatusAccepted, map[string]interface{}{
			"message": "node is starting",
			"node":    newNodeView(res.Node),
		})
	case scheduler.ActionRecovered:
		s.sendJSON(w, http.StatusOK, map[string]interface{}{
			"message": "node is reachable again",
			"node":    newNodeView(res.Node),
		})
	default:
		s.sendJSON(w, http.StatusOK, map[string]interface{}{
			"message": "already " + string(res.Node.Status),
			"node":    newNodeView(res.Node),
		})
	}
}

// handlePause force-pauses a node
func (s *RESTServer) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.engine.Pause(r.Context(), id)
	if err != nil {
		s.logger.Warn("Admin pause failed", zap.String("node_id", id), zap.Error(err))
		s.sendSchedulerError(w, err)
		return
	}

	s.logger.Info("Admin pause",
		zap.String("node", res.Node.Name),
		zap.String("action", res.Action),
	)

	msg := "node paused"
	if res.Action == scheduler.ActionNone {
		msg = "already " + string(res.Node.Status)
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"message": msg,
		"node":    newNodeView(res.Node),
	})
}

// handleEvents returns the most recent journal entries
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read events", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// handleHealth handles health check
func (s *RESTServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

// statusRecorder captures the response status for request logs
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingMiddleware logs all requests
func (s *RESTServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("request_id", rec.Header().Get(proxy.RequestIDHeader)),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *RESTServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// sendSchedulerError maps registry and engine errors to HTTP statuses
func (s *RESTServer) sendSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNodeNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNodeUnreachable):
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.sendError(w, http.StatusBadGateway, err.Error())
	}
}

// sendJSON sends JSON response
func (s *RESTServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// sendError sends error response
func (s *RESTServer) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{
		"error": message,
	})
}
