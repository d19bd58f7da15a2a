package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/agent"
	"github.com/antoniostano/agentbridge/internal/config"
	"github.com/antoniostano/agentbridge/internal/dispatch"
	"github.com/antoniostano/agentbridge/internal/knowledge"
	"github.com/antoniostano/agentbridge/internal/observability"
	"github.com/antoniostano/agentbridge/internal/persona"
	"github.com/antoniostano/agentbridge/internal/tracker"
)

type Server struct {
	cfg        config.Config
	agents     *agent.Manager
	dispatcher *dispatch.Dispatcher
	kb         *knowledge.Base
	metrics    *observability.Metrics
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, agents *agent.Manager, dispatcher *dispatch.Dispatcher, kb *knowledge.Base, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		agents:     agents,
		dispatcher: dispatcher,
		kb:         kb,
		metrics:    metrics,
		logger:     logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may open a voice channel.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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

	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/stop", s.handleStopSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)
	r.Get("/v1/functions", s.handleFunctions)
	r.Get("/v1/voices", s.handleListVoices)
	r.Get("/v1/kb/search", s.handleKBSearch)
	r.Get("/v1/kb/topics", s.handleKBTopics)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.activeSessions(),
	})
}

// handleReady reports not ready when the live agent has no credential.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	upstreamReady := s.cfg.UpstreamMode == config.UpstreamMock || s.cfg.APIKey != ""
	status, code := "ready", http.StatusOK
	if s.agents == nil || !upstreamReady {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":         status,
		"upstream_mode":  s.cfg.UpstreamMode,
		"upstream_ready": upstreamReady,
		"functions":      s.functionCount(),
		"kb_entries":     s.kbLen(),
	})
}

type sessionDetail struct {
	agent.Info
	Events []tracker.Event `json:"events"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if s.agents == nil {
		respondJSON(w, http.StatusOK, map[string]any{"sessions": []agent.Info{}})
		return
	}
	infos := s.agents.Registry().List()
	out := make([]agent.Info, 0, len(infos))
	for _, info := range infos {
		if sess, ok := s.agents.LookupID(info.SessionID); ok {
			out = append(out, sess.Info())
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sessionDetail{Info: sess.Info(), Events: sess.Tracker().Snapshot()})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	sess.Stop()
	s.logger.Info().Str("session_id", sess.ID()).Msg("session stop requested over http")
	respondJSON(w, http.StatusAccepted, sess.Info())
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*agent.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	if s.agents == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return nil, false
	}
	sess, ok := s.agents.LookupID(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleFunctions(w http.ResponseWriter, _ *http.Request) {
	defs := []dispatch.Definition{}
	if s.dispatcher != nil {
		defs = s.dispatcher.Definitions()
	}
	respondJSON(w, http.StatusOK, map[string]any{"functions": defs})
}

type voiceSummary struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Voices         []voiceSummary `json:"voices"`
}

// handleListVoices lists the voices a session may request. Without an
// allow list only the default voice is advertised.
func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	def := s.cfg.DefaultVoice
	if s.agents != nil {
		def = s.agents.Options().DefaultVoice
	}
	ids := s.cfg.AllowedVoices
	if len(ids) == 0 {
		ids = []string{def}
	}
	voices := make([]voiceSummary, 0, len(ids))
	for _, id := range ids {
		voices = append(voices, voiceSummary{VoiceID: id, Name: persona.VoiceNameFromModel(id)})
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{DefaultVoiceID: def, Voices: voices})
}

func (s *Server) handleKBSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "query parameter q is required")
		return
	}
	results := []knowledge.Entry{}
	if s.kb != nil {
		results = append(results, s.kb.Search(q)...)
	}
	respondJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

func (s *Server) handleKBTopics(w http.ResponseWriter, _ *http.Request) {
	topics, tags := []string{}, []string{}
	if s.kb != nil {
		topics = append(topics, s.kb.Topics()...)
		tags = append(tags, s.kb.Tags()...)
	}
	respondJSON(w, http.StatusOK, map[string]any{"topics": topics, "tags": tags})
}

func (s *Server) activeSessions() int {
	if s.agents == nil {
		return 0
	}
	return s.agents.Registry().ActiveCount()
}

func (s *Server) functionCount() int {
	if s.dispatcher == nil {
		return 0
	}
	return len(s.dispatcher.Definitions())
}

func (s *Server) kbLen() int {
	if s.kb == nil {
		return 0
	}
	return s.kb.Len()
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
