// Package httpapi exposes the gateway's HTTP surface: the two call
// websockets, health and readiness probes, Prometheus metrics, call
// inspection, and the turn-latency snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lmattei/voiceline/internal/config"
	"github.com/lmattei/voiceline/internal/observability"
	"github.com/lmattei/voiceline/internal/session"
	"github.com/lmattei/voiceline/internal/transport"
)

// CallRunner runs one admitted connection end to end. Implemented by
// *session.Runner.
type CallRunner interface {
	HandleCall(ctx context.Context, tr transport.Transport) error
}

type Server struct {
	cfg      config.Config
	calls    *session.Manager
	runner   CallRunner
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	upgrader websocket.Upgrader
}

func New(
	cfg config.Config,
	calls *session.Manager,
	runner CallRunner,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
) *Server {
	return &Server{
		cfg:     cfg,
		calls:   calls,
		runner:  runner,
		metrics: metrics,
		stages:  stages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive a caller's mic.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients (the media gateway) omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/call/ws", s.handleBrowserWS)
	r.Get("/v1/telephony/ws", s.handleTelephonyWS)
	r.Get("/v1/call/{id}", s.handleGetCall)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.calls.ActiveCount(),
	})
}

func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.CallEvents.WithLabelValues("ws_connected").Inc()
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s.runConnection(r.Context(), transport.NewBrowser(conn, sessionID))
}

func (s *Server) handleTelephonyWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.CallEvents.WithLabelValues("gateway_connected").Inc()
	s.runConnection(r.Context(), transport.NewTelephony(conn))
}

func (s *Server) runConnection(ctx context.Context, tr transport.Transport) {
	s.metrics.WSMessages.WithLabelValues("inbound", "connect").Inc()
	if err := s.runner.HandleCall(ctx, tr); err != nil {
		log.Printf("httpapi: call failed: %v", err)
	}
	s.metrics.CallEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.calls.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "no such call")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
