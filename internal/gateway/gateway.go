// Package gateway exposes the orchestrator over HTTP and streams bus events
// to WebSocket clients.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/orchestrator"
	otelPkg "github.com/basket/agentq/internal/otel"
)

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          *bus.Bus

	// AuthToken, when non-empty, is required on every route except
	// /healthz.
	AuthToken string

	// AllowOrigins lists the browser origins accepted for CORS and for
	// cross-origin WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string
	RateLimit    RateLimitConfig
	// MaxBodyBytes caps request bodies. Zero uses 1 MiB.
	MaxBodyBytes int64

	// ConfigFingerprint and Version are reported by /healthz.
	ConfigFingerprint string
	Version           string

	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg       Config
	orch      *orchestrator.Orchestrator
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics
	limiter   *RateLimitMiddleware
	wsClients atomic.Int64
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Version == "" {
		cfg.Version = otelPkg.Version
	}
	return &Server{
		cfg:     cfg,
		orch:    cfg.Orchestrator,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// RateLimiter exposes the limiter so the daemon can run its eviction loop.
func (s *Server) RateLimiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/summary", s.handleSummary)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("POST /api/agents/active", s.handleSetActive)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/run-next", s.handleRunNext)
	mux.HandleFunc("POST /api/agents/{id}/abandon", s.handleAbandon)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleSendTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/verify", s.handleVerifyTask)
	mux.HandleFunc("POST /api/tasks/{id}/recall", s.handleRecallTask)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	// Outermost first.
	var h http.Handler = mux
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(CORSConfig{AllowedOrigins: s.cfg.AllowOrigins})(h)
	return s.instrument(mux, h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":            s.orch != nil,
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.wsClients.Load(),
	}
	status := http.StatusOK
	if s.orch == nil {
		status = http.StatusServiceUnavailable
	} else {
		payload["polling"] = s.orch.Polling()
	}
	if s.cfg.Bus != nil {
		payload["events_dropped"] = s.cfg.Bus.Dropped()
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":       s.orch.Summary(),
		"agents":        s.orch.AgentStatuses(),
		"inFlight":      s.orch.InFlight(),
		"activeAgentId": s.orch.ActiveAgentID(),
	})
}

// --- helpers ---

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// errorStatus maps orchestrator errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrEmptyName),
		errors.Is(err, orchestrator.ErrEmptyTask),
		errors.Is(err, orchestrator.ErrInvalidKind),
		errors.Is(err, orchestrator.ErrConnectorKind):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrArchitectExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
