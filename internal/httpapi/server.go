package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/config"
	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/dispatch"
	"github.com/ent0n29/chatsession/internal/engine"
	"github.com/ent0n29/chatsession/internal/observability"
	"github.com/ent0n29/chatsession/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Native clients usually omit Origin.
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
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))

	r.Route("/v1/chat/session", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/ws", s.handleSessionWS)
		r.Post("/{id}/end", s.handleEndSession)
		r.Get("/{id}/transcript", s.handleTranscript)
		r.Post("/{id}/messages", s.handleSendMessage)
		r.Post("/{id}/quick-reply", s.handleQuickReply)
		r.Get("/{id}/suggestions", s.handleSuggestions)
	})
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

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, resumed, err := s.sessions.Create(r.Context(), req.InstallationID)
	if err != nil {
		s.logger.Error().Err(err).Str("installation_id", req.InstallationID).Msg("session create failed")
		respondError(w, http.StatusServiceUnavailable, "session_unavailable", err.Error())
		return
	}
	eng, err := s.sessions.Engine(sess.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	respondJSON(w, status, session.CreateResponse{
		SessionID:       sess.ID,
		InstallationID:  sess.InstallationID,
		Status:          sess.Status,
		Resumed:         resumed,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
		Messages:        eng.Transcript(),
		Composing:       eng.Composing(),
		VoiceState:      eng.VoiceState(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type transcriptResponse struct {
	SessionID string `json:"session_id"`
	Messages  any    `json:"messages"`
	Composing bool   `json:"composing"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id, eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, transcriptResponse{
		SessionID: id,
		Messages:  eng.Transcript(),
		Composing: eng.Composing(),
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.finishDispatch(w, r, id, eng, eng.Send(r.Context(), req.Text))
}

func (s *Server) handleQuickReply(w http.ResponseWriter, r *http.Request) {
	id, eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req content.QuickReply
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := eng.QuickReply(r.Context(), req)
	if err == nil {
		err = dispatch.Wait(r.Context(), result)
	}
	s.finishDispatch(w, r, id, eng, err)
}

func (s *Server) finishDispatch(w http.ResponseWriter, r *http.Request, id string, eng *engine.Engine, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, transcriptResponse{
			SessionID: id,
			Messages:  eng.Transcript(),
			Composing: eng.Composing(),
		})
	case errors.Is(err, dispatch.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, dispatch.ErrQueueFull):
		respondError(w, http.StatusTooManyRequests, "queue_full", err.Error())
	case errors.Is(err, dispatch.ErrClosed):
		respondError(w, http.StatusGone, "session_closed", err.Error())
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away; the exchange still completes in the background.
	default:
		respondError(w, http.StatusBadGateway, "completion_failed", err.Error())
	}
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	suggestions := eng.Suggest(r.URL.Query().Get("q"))
	if suggestions == nil {
		suggestions = []content.Suggestion{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
	})
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (string, *engine.Engine, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return "", nil, false
	}
	eng, err := s.sessions.Engine(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return "", nil, false
	}
	_ = s.sessions.Touch(id)
	return id, eng, true
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

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)
