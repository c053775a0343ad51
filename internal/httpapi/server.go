// Package httpapi is the agent's HTTP surface: login, ask (plain and
// streaming), cancellation, session management, system triggers, the
// forum sub-agent bridge, and TTS passthrough.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	minitime "github.com/minitime/minitime"
	"github.com/minitime/minitime/internal/auth"
)

// Server wires the agent runtime behind HTTP.
type Server struct {
	sessions *minitime.SessionManager
	registry *minitime.Registry
	auth     *auth.Authenticator
	logger   *slog.Logger
	// ttsEndpoint is the upstream speech endpoint for passthrough.
	ttsEndpoint string
	client      *http.Client
}

// NewServer builds the agent HTTP server.
func NewServer(sessions *minitime.SessionManager, registry *minitime.Registry, authn *auth.Authenticator, ttsEndpoint string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		sessions:    sessions,
		registry:    registry,
		auth:        authn,
		logger:      logger,
		ttsEndpoint: ttsEndpoint,
		client:      &http.Client{},
	}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/login", s.handleLogin)
	r.Post("/ask", s.handleAsk)
	r.Post("/ask_stream", s.handleAskStream)
	r.Post("/cancel", s.handleCancel)
	r.Get("/tools", s.handleTools)
	r.Post("/sessions", s.handleSessions)
	r.Post("/session_history", s.handleSessionHistory)
	r.Post("/delete_session", s.handleDeleteSession)
	r.Post("/system_trigger", s.handleSystemTrigger)
	r.Post("/oasis/ask", s.handleOasisAsk)
	r.Post("/tts", s.handleTTS)

	return r
}

// credentials is the auth envelope carried by most request bodies.
type credentials struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// authenticate validates the request: either a valid user_id/password
// pair, or the internal token header (optionally "TOKEN:user" to act as
// that user). Returns the effective user.
func (s *Server) authenticate(r *http.Request, creds credentials) (string, bool) {
	if token := r.Header.Get("X-Internal-Token"); token != "" {
		user, ok := s.auth.Impersonated(token)
		if !ok {
			return "", false
		}
		if user == "" {
			user = creds.UserID
		}
		return user, user != ""
	}
	if s.auth.Login(creds.UserID, creds.Password) {
		return creds.UserID, true
	}
	return "", false
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !s.auth.Login(creds.UserID, creds.Password) {
		httpError(w, http.StatusUnauthorized, "invalid user_id or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user_id": creds.UserID})
}

// askRequest is the body of /ask and /ask_stream. Uploads ride in
// three parallel lists: images (base64 or data URIs), files (named,
// base64) and audios (base64, optional format).
type askRequest struct {
	credentials
	SessionID    string        `json:"session_id"`
	Text         string        `json:"text"`
	Images       []string      `json:"images,omitempty"`
	Files        []fileUpload  `json:"files,omitempty"`
	Audios       []audioUpload `json:"audios,omitempty"`
	EnabledTools []string      `json:"enabled_tools,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
}

// turnInput translates an askRequest into executor input. A nil
// enabled_tools field enables everything; an explicit list restricts.
func (s *Server) turnInput(user string, req askRequest) (minitime.TurnInput, error) {
	content, err := buildContent(req.Text, req.attachments())
	if err != nil {
		return minitime.TurnInput{}, err
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	var enabled map[string]bool
	if req.EnabledTools != nil {
		enabled = make(map[string]bool, len(req.EnabledTools))
		for _, name := range req.EnabledTools {
			enabled[name] = true
		}
	}

	return minitime.TurnInput{
		UserID:       user,
		SessionID:    req.SessionID,
		Message:      minitime.Message{Role: minitime.RoleUser, Content: content},
		EnabledTools: enabled,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}, nil
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	user, ok := s.authenticate(r, req.credentials)
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	in, err := s.turnInput(user, req)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.sessions.Run(r.Context(), in)
	if err == minitime.ErrCancelled {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response": result.Content,
		"usage":    result.Usage,
	})
}

// handleAskStream streams the turn as SSE: text deltas escaped onto
// single lines, a marker frame per tool call, then the [DONE] sentinel.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	user, ok := s.authenticate(r, req.credentials)
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	in, err := s.turnInput(user, req)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	minitime.SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	for ev := range s.sessions.Stream(r.Context(), in) {
		switch ev.Type {
		case minitime.EventTextDelta:
			if err := minitime.WriteSSEChunk(w, ev.Content); err != nil {
				return
			}
		case minitime.EventToolCallStart:
			if err := minitime.WriteSSEChunk(w, minitime.ToolMarker(ev.Name)); err != nil {
				return
			}
		case minitime.EventDone:
			minitime.WriteSSEDone(w)
			return
		}
	}
	minitime.WriteSSEDone(w)
}

type cancelRequest struct {
	credentials
	SessionID string `json:"session_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	user, ok := s.authenticate(r, req.credentials)
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	cancelled := s.sessions.Cancel(user, req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":  s.registry.Definitions(),
		"groups": s.registry.Groups(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	user, ok := s.authenticate(r, creds)
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	infos, err := s.sessions.ListSessions(r.Context(), user)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

type sessionRequest struct {
	credentials
	SessionID string `json:"session_id"`
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	user, ok := s.authenticate(r, req.credentials)
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	msgs, err := s.sessions.History(r.Context(), user, req.SessionID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleDeleteSession deletes one session, or every session of the user
// when session_id is empty.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	user, ok := s.authenticate(r, req.credentials)
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	var err error
	if req.SessionID == "" {
		err = s.sessions.DeleteAll(r.Context(), user)
	} else {
		err = s.sessions.DeleteSession(r.Context(), user, req.SessionID)
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type systemTriggerRequest struct {
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// handleSystemTrigger ingests a scheduler or forum originated message
// into the user's session. Internal token only. The turn runs in the
// background; delivery is acknowledged immediately.
func (s *Server) handleSystemTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.auth.CheckInternal(r.Header.Get("X-Internal-Token")) {
		httpError(w, http.StatusUnauthorized, "invalid internal token")
		return
	}
	var req systemTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Text == "" {
		httpError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	in := minitime.TurnInput{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Message:       minitime.UserMessage(req.Text),
		TriggerSource: minitime.TriggerSystem,
	}
	go func() {
		if _, err := s.sessions.Run(context.Background(), in); err != nil {
			s.logger.Warn("system trigger turn failed", "user", req.UserID, "session", req.SessionID, "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type oasisAskRequest struct {
	SessionID    string   `json:"session_id"`
	Topic        string   `json:"topic"`
	History      string   `json:"history"`
	UserID       string   `json:"user_id"`
	EnabledTools []string `json:"enabled_tools,omitempty"`
}

// handleOasisAsk is the forum sub-agent bridge: one expert participation
// runs as a normal turn inside the expert's dedicated session. Internal
// token only.
func (s *Server) handleOasisAsk(w http.ResponseWriter, r *http.Request) {
	if !s.auth.CheckInternal(r.Header.Get("X-Internal-Token")) {
		httpError(w, http.StatusUnauthorized, "invalid internal token")
		return
	}
	var req oasisAskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		httpError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}

	var enabled map[string]bool
	if req.EnabledTools != nil {
		enabled = make(map[string]bool, len(req.EnabledTools))
		for _, name := range req.EnabledTools {
			enabled[name] = true
		}
	}

	result, err := s.sessions.Run(r.Context(), minitime.TurnInput{
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Message:      minitime.UserMessage(req.History),
		EnabledTools: enabled,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"content": result.Content,
		"status":  "ok",
	})
}

// handleTTS proxies speech synthesis to the configured upstream,
// streaming the audio body back verbatim.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.ttsEndpoint == "" {
		httpError(w, http.StatusNotImplemented, "tts endpoint not configured")
		return
	}
	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.ttsEndpoint, r.Body)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	upstream.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	resp, err := s.client.Do(upstream)
	if err != nil {
		httpError(w, http.StatusBadGateway, "tts upstream: "+err.Error())
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
