package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	minitime "github.com/minitime/minitime"
)

// Server is the forum HTTP surface: topic lifecycle, live streaming,
// expert CRUD. Topics live in memory for the process lifetime.
type Server struct {
	roster        *Roster
	provider      minitime.Provider
	agentURL      string
	internalToken string
	logger        *slog.Logger
	tracer        minitime.Tracer

	mu      sync.Mutex
	boards  map[string]*Board
	engines map[string]*Engine
}

// NewServer wires the forum server. provider backs both the direct
// expert backend and summarization; agentURL and internalToken form the
// capability handle for sub-agent sessions and callbacks.
func NewServer(roster *Roster, provider minitime.Provider, agentURL, internalToken string, logger *slog.Logger, tracer minitime.Tracer) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		roster:        roster,
		provider:      provider,
		agentURL:      agentURL,
		internalToken: internalToken,
		logger:        logger,
		tracer:        tracer,
		boards:        make(map[string]*Board),
		engines:       make(map[string]*Engine),
	}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/topics", s.handleCreateTopic)
	r.Get("/topics", s.handleListTopics)
	r.Get("/topics/{id}", s.handleGetTopic)
	r.Get("/topics/{id}/stream", s.handleStreamTopic)
	r.Get("/topics/{id}/conclusion", s.handleConclusion)

	r.Get("/experts", s.handleListExperts)
	r.Post("/experts/user", s.handleAddExpert)
	r.Put("/experts/user/{tag}", s.handleUpdateExpert)
	r.Delete("/experts/user/{tag}", s.handleDeleteExpert)

	return r
}

func (s *Server) board(id string) *Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boards[id]
}

// createTopicRequest is the topic creation body.
type createTopicRequest struct {
	Question     string   `json:"question"`
	UserID       string   `json:"user_id"`
	MaxRounds    int      `json:"max_rounds"`
	ExpertTags   []string `json:"expert_tags"`
	ScheduleYAML string   `json:"schedule_yaml"`
	ScheduleFile string   `json:"schedule_file"`
	// UseBotSession selects the sub-agent backend: each expert runs in
	// its own agent thread within the owner's namespace.
	UseBotSession   bool     `json:"use_bot_session"`
	BotEnabledTools []string `json:"bot_enabled_tools"`
	// ExpertConfigs are inline one-shot experts joining the resolved
	// roster for this topic only.
	ExpertConfigs []Expert `json:"expert_configs"`
	// Detach requests a completion callback into the owner's agent
	// session instead of the caller polling for the conclusion.
	Detach          bool   `json:"detach"`
	CallbackSession string `json:"callback_session"`
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Question == "" {
		httpError(w, http.StatusBadRequest, "question must not be empty")
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	if req.MaxRounds < 1 {
		req.MaxRounds = 5
	}
	if req.MaxRounds > 20 {
		req.MaxRounds = 20
	}

	experts, err := s.roster.Resolve(req.UserID, req.ExpertTags)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, inline := range req.ExpertConfigs {
		if err := validate(inline); err != nil {
			httpError(w, http.StatusBadRequest, "expert_configs: "+err.Error())
			return
		}
		experts = append(experts, inline)
	}

	var schedule *Schedule
	switch {
	case req.ScheduleYAML != "":
		schedule, err = ParseSchedule([]byte(req.ScheduleYAML))
	case req.ScheduleFile != "":
		var data []byte
		data, err = os.ReadFile(req.ScheduleFile)
		if err == nil {
			schedule, err = ParseSchedule(data)
		}
	}
	if err != nil {
		httpError(w, http.StatusBadRequest, "schedule: "+err.Error())
		return
	}

	topicID := uuid.NewString()[:8]
	board := NewBoard(topicID, req.Question, req.UserID, req.MaxRounds)

	var backend Backend
	if req.UseBotSession {
		backend = NewAgentBackend(s.agentURL, s.internalToken, req.UserID, topicID, req.BotEnabledTools)
	} else {
		backend = &DirectBackend{Provider: s.provider}
	}

	opts := []EngineOption{WithLogger(s.logger)}
	if s.tracer != nil {
		opts = append(opts, WithTracer(s.tracer))
	}
	if schedule != nil {
		opts = append(opts, WithSchedule(schedule))
	}
	if req.Detach {
		session := req.CallbackSession
		if session == "" {
			session = "oasis_callback_" + topicID
		}
		opts = append(opts, WithCallback(&Callback{
			AgentURL:      s.agentURL,
			InternalToken: s.internalToken,
			UserID:        req.UserID,
			SessionID:     session,
		}))
	}
	engine := NewEngine(board, experts, backend, s.provider, opts...)

	s.mu.Lock()
	s.boards[topicID] = board
	s.engines[topicID] = engine
	s.mu.Unlock()

	go engine.Run(context.Background())

	writeJSON(w, http.StatusOK, map[string]any{
		"topic_id": topicID,
		"status":   StatusPending,
		"message":  fmt.Sprintf("Discussion started with %d experts", len(experts)),
	})
}

// topicDetail is the full topic view.
type topicDetail struct {
	TopicID      string `json:"topic_id"`
	Question     string `json:"question"`
	Status       Status `json:"status"`
	CurrentRound int    `json:"current_round"`
	MaxRounds    int    `json:"max_rounds"`
	Posts        []Post `json:"posts"`
	Conclusion   string `json:"conclusion,omitempty"`
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	board := s.board(chi.URLParam(r, "id"))
	if board == nil {
		httpError(w, http.StatusNotFound, "topic not found")
		return
	}
	writeJSON(w, http.StatusOK, topicDetail{
		TopicID:      board.TopicID,
		Question:     board.Question,
		Status:       board.Status(),
		CurrentRound: board.Round(),
		MaxRounds:    board.MaxRounds,
		Posts:        board.Browse("", false),
		Conclusion:   board.Conclusion(),
	})
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	type summary struct {
		TopicID      string  `json:"topic_id"`
		Question     string  `json:"question"`
		Status       Status  `json:"status"`
		PostCount    int     `json:"post_count"`
		CurrentRound int     `json:"current_round"`
		MaxRounds    int     `json:"max_rounds"`
		CreatedAt    float64 `json:"created_at"`
	}

	s.mu.Lock()
	boards := make([]*Board, 0, len(s.boards))
	for _, b := range s.boards {
		boards = append(boards, b)
	}
	s.mu.Unlock()

	items := make([]summary, 0, len(boards))
	for _, b := range boards {
		if userID != "" && b.OwnerID != userID {
			continue
		}
		items = append(items, summary{
			TopicID:      b.TopicID,
			Question:     b.Question,
			Status:       b.Status(),
			PostCount:    b.Count(),
			CurrentRound: b.Round(),
			MaxRounds:    b.MaxRounds,
			CreatedAt:    float64(b.CreatedAt.UnixMilli()) / 1000,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// handleStreamTopic streams the live discussion: round banners, posts
// as they appear, the conclusion, and a [DONE] sentinel. The board is
// polled; the mutex-guarded snapshot keeps this race-free.
func (s *Server) handleStreamTopic(w http.ResponseWriter, r *http.Request) {
	board := s.board(chi.URLParam(r, "id"))
	if board == nil {
		httpError(w, http.StatusNotFound, "topic not found")
		return
	}

	minitime.SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	lastCount := 0
	lastRound := 0
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if round := board.Round(); round > lastRound {
			lastRound = round
			minitime.WriteSSEChunk(w, fmt.Sprintf("📢 === 第 %d 轮讨论 ===", lastRound))
		}
		posts := board.Browse("", false)
		for _, p := range posts[min(lastCount, len(posts)):] {
			prefix := "📌"
			if p.ReplyTo != nil {
				prefix = fmt.Sprintf("↳回复#%d", *p.ReplyTo)
			}
			minitime.WriteSSEChunk(w, fmt.Sprintf("%s [%s] (👍%d): %s", prefix, p.Author, p.Upvotes, p.Content))
		}
		lastCount = len(posts)

		if board.Status().Terminal() {
			if c := board.Conclusion(); c != "" {
				minitime.WriteSSEChunk(w, "\n🏆 === 讨论结论 ===\n"+c)
			}
			minitime.WriteSSEDone(w)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleConclusion blocks until the topic terminates or the timeout
// elapses.
func (s *Server) handleConclusion(w http.ResponseWriter, r *http.Request) {
	board := s.board(chi.URLParam(r, "id"))
	if board == nil {
		httpError(w, http.StatusNotFound, "topic not found")
		return
	}

	timeout := 300
	if v := r.URL.Query().Get("timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = n
		}
	}

	deadline := time.After(time.Duration(timeout) * time.Second)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !board.Status().Terminal() {
		select {
		case <-r.Context().Done():
			return
		case <-deadline:
			httpError(w, http.StatusGatewayTimeout, "discussion timed out")
			return
		case <-ticker.C:
		}
	}

	if board.Status() == StatusError {
		httpError(w, http.StatusInternalServerError, "discussion failed: "+board.Conclusion())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic_id":    board.TopicID,
		"question":    board.Question,
		"conclusion":  board.Conclusion(),
		"rounds":      board.Round(),
		"total_posts": board.Count(),
	})
}

func (s *Server) handleListExperts(w http.ResponseWriter, r *http.Request) {
	experts, err := s.roster.List(r.URL.Query().Get("user_id"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experts": experts})
}

// expertRequest is the custom-expert CRUD body.
type expertRequest struct {
	UserID      string  `json:"user_id"`
	Name        string  `json:"name"`
	Tag         string  `json:"tag"`
	Persona     string  `json:"persona"`
	Temperature float64 `json:"temperature"`
}

func (s *Server) handleAddExpert(w http.ResponseWriter, r *http.Request) {
	var req expertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	expert, err := s.roster.Add(req.UserID, Expert{
		Name: req.Name, Tag: req.Tag, Persona: req.Persona, Temperature: req.Temperature,
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "expert": expert})
}

func (s *Server) handleUpdateExpert(w http.ResponseWriter, r *http.Request) {
	var req expertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	expert, err := s.roster.Update(req.UserID, chi.URLParam(r, "tag"), Expert{
		Name: req.Name, Persona: req.Persona, Temperature: req.Temperature,
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "expert": expert})
}

func (s *Server) handleDeleteExpert(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	deleted, err := s.roster.Delete(userID, chi.URLParam(r, "tag"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": deleted})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
