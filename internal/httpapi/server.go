package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/solvertalk/sonicbridge/internal/agent"
	"github.com/solvertalk/sonicbridge/internal/config"
	"github.com/solvertalk/sonicbridge/internal/observability"
	"github.com/solvertalk/sonicbridge/internal/session"
)

// Runner drives one full agent session and blocks until it ends.
type Runner interface {
	Run(ctx context.Context, p agent.RunParams) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runner   Runner
	metrics  *observability.Metrics
	stages   *observability.StageWindow
}

func New(cfg config.Config, sessions *session.Manager, runner Runner, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runner:   runner,
		metrics:  metrics,
		stages:   stages,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/agent/invoke", s.handleInvoke)
	r.Get("/v1/agent/session/{id}", s.handleGetSession)
	r.Get("/v1/agent/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type invokeRequest struct {
	EventType         string `json:"eventType"`
	UserID            string `json:"userId"`
	SessionID         string `json:"sessionId"`
	SystemPrompt      string `json:"systemPrompt"`
	VoiceID           string `json:"voiceId"`
	SessionExternalID string `json:"sessionExternalId"`
}

// handleInvoke is the session entrypoint. It blocks for the lifetime of the
// session, so callers treat it like a job invocation rather than a quick RPC.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "agent runner not configured")
		return
	}

	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Anything other than a session start is acknowledged and dropped, so a
	// shared event source can fan every event type at this endpoint.
	if req.EventType != "session-start" {
		respondJSON(w, http.StatusOK, map[string]any{
			"status":    "ignored",
			"eventType": req.EventType,
		})
		return
	}

	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "userId and sessionId are required")
		return
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.VoiceID
	}

	err := s.runner.Run(r.Context(), agent.RunParams{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		SystemPrompt: req.SystemPrompt,
		VoiceID:      req.VoiceID,
		ExternalID:   req.SessionExternalID,
	})
	if errors.Is(err, session.ErrActive) {
		respondError(w, http.StatusConflict, "session_active", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "completed",
		"sessionId": req.SessionID,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
