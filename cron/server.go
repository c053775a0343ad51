package cron

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP surface over a Scheduler.
type Server struct {
	sched *Scheduler
}

// NewServer wraps a scheduler.
func NewServer(sched *Scheduler) *Server {
	return &Server{sched: sched}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/tasks", s.handleAddTask)
	r.Get("/tasks", s.handleListTasks)
	r.Delete("/tasks/{id}", s.handleDeleteTask)

	return r
}

type addTaskRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Cron      string `json:"cron"`
	Text      string `json:"text"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	task, err := s.sched.Add(req.UserID, req.SessionID, req.Cron, req.Text)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "next_run": task.NextFire})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.sched.List(userID)})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !s.sched.Remove(userID, chi.URLParam(r, "id")) {
		httpError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
