package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/auth"
	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/metrics"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"github.com/chicogong/gpu-gateway/pkg/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request outcomes recorded in metrics
const (
	OutcomeOK            = "ok"
	OutcomeUpstreamError = "upstream_error"
	OutcomeBadGateway    = "bad_gateway"
	OutcomeUnavailable   = "unavailable"
	OutcomeBadRequest    = "bad_request"
	OutcomeCancelled     = "cancelled"
)

// RequestIDHeader carries the per-request ID in both directions
const RequestIDHeader = "X-Request-ID"

// PassthroughRoute labels model-less /api/ requests in metrics
const PassthroughRoute = "/api/*"

// ModelRoutes are the endpoints whose body must name a model
var ModelRoutes = []string{
	"/api/generate",
	"/api/chat",
	"/v1/chat/completions",
	"/v1/completions",
	"/api/embed",
	"/api/embeddings",
	"/v1/embeddings",
}

// hop-by-hop headers are never forwarded in either direction
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Router picks a node for a model
type Router interface {
	Route(model string) (scheduler.Decision, error)
}

// SlotSource acquires a slot on a node that just finished waking
type SlotSource interface {
	Acquire(id string) (*scheduler.Lease, error)
}

// Upstream sends requests to a node's inference server
type Upstream interface {
	Endpoint(node models.Node, path, rawQuery string) string
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the dispatcher
type Config struct {
	MaxRouteAttempts int
	MaxBodyBytes     int64
	RetryAfter       time.Duration
}

// Dispatcher forwards inference requests to a node holding a slot for the
// whole lifetime of the request
type Dispatcher struct {
	router   Router
	slots    SlotSource
	upstream Upstream
	metrics  *metrics.Recorder
	cfg      Config
	logger   *logger.Logger
}

// NewDispatcher creates a dispatcher. rec may be nil.
func NewDispatcher(router Router, slots SlotSource, upstream Upstream, rec *metrics.Recorder, cfg Config, log *logger.Logger) *Dispatcher {
	if cfg.MaxRouteAttempts <= 0 {
		cfg.MaxRouteAttempts = 3
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 10 * time.Second
	}
	return &Dispatcher{
		router:   router,
		slots:    slots,
		upstream: upstream,
		metrics:  rec,
		cfg:      cfg,
		logger:   log,
	}
}

// Register mounts the proxy routes on mux
func (d *Dispatcher) Register(mux *http.ServeMux) {
	for _, route := range ModelRoutes {
		mux.Handle("POST "+route, d.Handler(route, true))
	}
	mux.Handle("/api/{path...}", d.Handler(PassthroughRoute, false))
}

// Handler proxies requests for one route. When requireModel is set the
// body must be a JSON object with a non-empty model field.
func (d *Dispatcher) Handler(route string, requireModel bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		log := d.logger.WithFields(
			zap.String("request_id", requestID),
			zap.String("route", route),
		)
		if u, ok := auth.UserFrom(r.Context()); ok {
			log = log.WithFields(zap.String("user", u.Name))
		}

		outcome := d.serve(w, r, requireModel, requestID, log)
		d.metrics.ObserveRequest(route, outcome, time.Since(start))
	})
}

func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request, requireModel bool, requestID string, log *logger.Logger) string {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			sendError(w, http.StatusBadRequest, "failed to read request body")
		}
		return OutcomeBadRequest
	}

	model, err := parseModel(body, requireModel)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return OutcomeBadRequest
	}
	log = log.WithFields(zap.String("model", model))

	lease, err := d.acquire(r.Context(), model)
	if err != nil {
		if r.Context().Err() != nil {
			log.Debug("Client went away before a slot was free", zap.Error(err))
			return OutcomeCancelled
		}
		log.Warn("No capacity for request", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(int(d.cfg.RetryAfter.Seconds())))
		sendError(w, http.StatusServiceUnavailable, unavailableMessage(err))
		return OutcomeUnavailable
	}
	defer lease.Release()

	log = log.WithFields(zap.String("node", lease.Node.Name))
	return d.forward(w, r, lease, body, model, requestID, log)
}

// acquire routes and, when a wake is needed, waits for the node before
// taking a slot. Losing a slot to a racing request re-routes.
func (d *Dispatcher) acquire(ctx context.Context, model string) (*scheduler.Lease, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRouteAttempts; attempt++ {
		decision, err := d.router.Route(model)
		if err != nil {
			return nil, err
		}
		if decision.Lease != nil {
			return decision.Lease, nil
		}

		if err := decision.Wake.Wait(ctx); err != nil {
			return nil, err
		}
		lease, err := d.slots.Acquire(decision.Wake.NodeID)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		d.logger.Debug("Slot lost after wake, re-routing",
			zap.String("node_id", decision.Wake.NodeID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: no slot after %d attempts: %w", scheduler.ErrCapacityExhausted, d.cfg.MaxRouteAttempts, lastErr)
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, lease *scheduler.Lease, body []byte, model, requestID string, log *logger.Logger) string {
	ctx := r.Context()
	target := d.upstream.Endpoint(lease.Node, r.URL.Path, r.URL.RawQuery)

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		log.Error("Failed to build upstream request", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to build upstream request")
		return OutcomeBadGateway
	}
	copyHeader(req.Header, r.Header)
	req.Header.Del("Authorization")
	req.Header.Set(RequestIDHeader, requestID)
	req.ContentLength = int64(len(body))

	resp, err := d.upstream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("Client cancelled before upstream replied")
			return OutcomeCancelled
		}
		log.Warn("Upstream request failed", zap.String("url", target), zap.Error(err))
		sendError(w, http.StatusBadGateway, "inference node unavailable")
		return OutcomeBadGateway
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(RequestIDHeader, requestID)
	w.WriteHeader(resp.StatusCode)

	if err := stream(w, resp.Body); err != nil {
		if ctx.Err() != nil {
			log.Debug("Client cancelled mid-stream")
			return OutcomeCancelled
		}
		log.Warn("Stream interrupted", zap.Error(err))
		return OutcomeBadGateway
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Info("Upstream returned error", zap.Int("status", resp.StatusCode))
		return OutcomeUpstreamError
	}
	lease.MarkModelLoaded(model)
	return OutcomeOK
}

// stream relays src to w, flushing after every read so tokens reach the
// client as they are generated
func stream(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// parseModel extracts the model name from a JSON body
func parseModel(body []byte, required bool) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		if required {
			return "", errors.New("request body must be a JSON object with a model")
		}
		return "", nil
	}

	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		if required {
			return "", errors.New("request body is not valid JSON")
		}
		return "", nil
	}
	if required && req.Model == "" {
		return "", errors.New("model is required")
	}
	return req.Model, nil
}

func unavailableMessage(err error) string {
	switch {
	case errors.Is(err, scheduler.ErrWakeTimeout):
		return "GPU node did not become ready in time, retry later"
	case errors.Is(err, scheduler.ErrWakeFailed):
		return "GPU node failed to start, retry later"
	default:
		return "all GPU nodes are busy, retry later"
	}
}

// copyHeader copies end-to-end headers from src to dst
func copyHeader(dst, src http.Header) {
	connection := src.Values("Connection")
	for k, vv := range src {
		if isHopHeader(k, connection) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string, connection []string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	for _, line := range connection {
		for _, token := range strings.Split(line, ",") {
			if strings.EqualFold(name, strings.TrimSpace(token)) {
				return true
			}
		}
	}
	return strings.EqualFold(name, "Content-Length")
}

func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
