// Package server exposes the orchestrator over HTTP: JSON chat,
// SSE streaming, agent lifecycle management, and operational
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/auth"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/orchestrator"
	"github.com/haasonsaas/valet/internal/triggers"
)

// sseDoneFrame terminates every SSE stream.
const sseDoneFrame = "data: [DONE]\n\n"

// Server is the HTTP boundary.
type Server struct {
	cfg      config.ServerConfig
	orch     *orchestrator.Orchestrator
	engine   *triggers.Engine
	jwt      *auth.JWTService
	metrics  *observability.Metrics
	logger   *slog.Logger
	handler  http.Handler
	httpSrv  *http.Server
}

// New assembles the server. jwt may be nil (auth disabled), engine may
// be nil (triggers disabled), metrics may be nil.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, engine *triggers.Engine, jwt *auth.JWTService, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		engine:  engine,
		jwt:     jwt,
		metrics: metrics,
		logger:  logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", s.instrument("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", promhttp.Handler())

	authed := auth.Middleware(jwt, s.logger)
	mux.Handle("POST /chat", authed(s.instrument("/chat", http.HandlerFunc(s.handleChat))))
	mux.Handle("POST /stream", authed(s.instrument("/stream", http.HandlerFunc(s.handleStream))))
	mux.Handle("GET /agents", authed(s.instrument("/agents", http.HandlerFunc(s.handleListAgents))))
	mux.Handle("POST /agents/{agent_id}/cancel", authed(s.instrument("/agents/cancel", s.agentAction(orch.CancelAgent))))
	mux.Handle("POST /agents/{agent_id}/pause", authed(s.instrument("/agents/pause", s.agentAction(orch.PauseAgent))))
	mux.Handle("POST /agents/{agent_id}/resume", authed(s.instrument("/agents/resume", s.agentAction(orch.ResumeAgent))))
	mux.Handle("GET /approvals", authed(s.instrument("/approvals", http.HandlerFunc(s.handleListApprovals))))
	mux.Handle("GET /tasks", authed(s.instrument("/tasks", http.HandlerFunc(s.handleListTasks))))

	s.handler = mux
	return s
}

// Handler returns the assembled routes, exposed for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

type chatRequest struct {
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// resolveChatRequest decodes the body and reconciles the tenant with
// the authenticated token: when auth is on, the token's tenant wins.
func (s *Server) resolveChatRequest(r *http.Request) (*orchestrator.ChatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if tenantID, ok := auth.TenantFrom(r.Context()); ok {
		req.TenantID = tenantID
	}
	if req.TenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	return &orchestrator.ChatRequest{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		Message:   req.Message,
		Metadata:  req.Metadata,
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.resolveChatRequest(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.orch.HandleMessage(r.Context(), req)
	if err != nil {
		s.logger.Error("chat failed", "tenant_id", req.TenantID, "error", err)
		s.jsonError(w, "message handling failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.resolveChatRequest(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := s.orch.StreamMessage(r.Context(), req)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("encoding stream event", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, sseDoneFrame)
	flusher.Flush()
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenant(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries := s.orch.ListAgents(tenantID)
	if s.metrics != nil {
		s.metrics.SetPooledAgents(tenantID, len(entries))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": entries})
}

// agentAction adapts a lifecycle method to an HTTP handler.
func (s *Server) agentAction(action func(ctx context.Context, tenantID, agentID string) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := s.resolveTenant(r)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		agentID := r.PathValue("agent_id")
		if err := action(r.Context(), tenantID, agentID); err != nil {
			if errors.Is(err, agent.ErrNotInPool) {
				s.jsonError(w, "agent not found", http.StatusNotFound)
				return
			}
			s.logger.Error("agent action failed", "agent_id", agentID, "error", err)
			s.jsonError(w, "agent action failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenant(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var approvals any
	if s.engine != nil {
		approvals = s.engine.ListPendingApprovals(tenantID)
	} else {
		var list []any
		for _, entry := range s.orch.ListAgents(tenantID) {
			if entry.Approval != nil {
				list = append(list, entry.Approval)
			}
		}
		approvals = list
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"tasks": []any{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": s.engine.Tasks()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveTenant prefers the authenticated tenant, falling back to the
// tenant_id query parameter when auth is disabled.
func (s *Server) resolveTenant(r *http.Request) (string, error) {
	if tenantID, ok := auth.TenantFrom(r.Context()); ok {
		return tenantID, nil
	}
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		return tenantID, nil
	}
	return "", errors.New("tenant_id is required")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE handlers keep working when wrapped.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start))
	})
}
