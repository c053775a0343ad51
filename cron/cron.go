// Package cron schedules recurring agent triggers. Each task carries a
// five-field cron expression and a message text; on every fire the
// scheduler posts the text into the owner's agent session as a system
// trigger. Tasks live in memory only and are discarded on restart.
package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	robcron "github.com/robfig/cron/v3"
)

// fireTimeout bounds one trigger delivery. Failed deliveries are logged
// and skipped, never retried; the next fire is computed regardless.
const fireTimeout = 10 * time.Second

// Task is one scheduled trigger.
type Task struct {
	ID        string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Expr      string    `json:"cron"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	NextFire  time.Time `json:"next_run"`

	schedule robcron.Schedule
}

// Scheduler owns the task set and a single timer loop that sleeps until
// the earliest next fire.
type Scheduler struct {
	agentURL      string
	internalToken string
	logger        *slog.Logger
	client        *http.Client

	mu    sync.Mutex
	tasks map[string]*Task
	wake  chan struct{}
	now   func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Scheduler) { s.client = c }
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a scheduler delivering triggers to the agent at
// agentURL, authenticated with internalToken.
func NewScheduler(agentURL, internalToken string, opts ...Option) *Scheduler {
	s := &Scheduler{
		agentURL:      agentURL,
		internalToken: internalToken,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		client:        &http.Client{},
		tasks:         make(map[string]*Task),
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a task. The expression must be a standard five-field
// cron spec (minute hour dom month dow).
func (s *Scheduler) Add(userID, sessionID, expr, text string) (*Task, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id must not be empty")
	}
	if text == "" {
		return nil, fmt.Errorf("text must not be empty")
	}
	schedule, err := robcron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	now := s.now()
	t := &Task{
		ID:        uuid.NewString()[:8],
		UserID:    userID,
		SessionID: sessionID,
		Expr:      expr,
		Text:      text,
		CreatedAt: now,
		NextFire:  schedule.Next(now),
		schedule:  schedule,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	s.poke()

	s.logger.Info("task added", "task", t.ID, "user", userID, "cron", expr, "next", t.NextFire)
	return t, nil
}

// Remove deletes a task by id, scoped to its owner. Returns false when
// no such task exists for that user.
func (s *Scheduler) Remove(userID, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.UserID != userID {
		return false
	}
	delete(s.tasks, taskID)
	s.poke()
	return true
}

// List returns the user's tasks ordered by next fire time.
func (s *Scheduler) List(userID string) []Task {
	s.mu.Lock()
	out := make([]Task, 0)
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextFire.Before(out[j].NextFire) })
	return out
}

// poke wakes the timer loop after a set change. Non-blocking.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the timer loop until ctx is cancelled. A single timer
// sleeps until the earliest pending fire; adds and removes wake it so
// the sleep is recomputed.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next, ok := s.earliest()
		var timer *time.Timer
		if ok {
			d := next.Sub(s.now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		} else {
			// Nothing scheduled; sleep until woken.
			timer = time.NewTimer(24 * time.Hour)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// earliest returns the soonest next-fire time across all tasks.
func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best time.Time
	found := false
	for _, t := range s.tasks {
		if !found || t.NextFire.Before(best) {
			best = t.NextFire
			found = true
		}
	}
	return best, found
}

// fireDue delivers every task whose fire time has arrived and advances
// its schedule.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if !t.NextFire.After(now) {
			due = append(due, t)
			t.NextFire = t.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if err := s.deliver(ctx, t); err != nil {
			s.logger.Warn("trigger delivery failed", "task", t.ID, "user", t.UserID, "error", err)
		} else {
			s.logger.Info("trigger delivered", "task", t.ID, "user", t.UserID, "next", t.NextFire)
		}
	}
}

// deliver posts one system trigger to the agent.
func (s *Scheduler) deliver(ctx context.Context, t *Task) error {
	body, err := json.Marshal(map[string]string{
		"user_id":    t.UserID,
		"text":       t.Text,
		"session_id": t.SessionID,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, fireTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.agentURL+"/system_trigger", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", s.internalToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}
