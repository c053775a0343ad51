package cron

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAddTaskEndpointShape(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s := NewScheduler("http://agent", "tok", withClock(func() time.Time { return base }))
	srv := httptest.NewServer(NewServer(s).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"user_id":"alice","cron":"0 9 * * *","text":"morning report"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		TaskID  string    `json:"task_id"`
		NextRun time.Time `json:"next_run"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.TaskID) != 8 {
		t.Errorf("task_id = %q, want an 8-char id", out.TaskID)
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !out.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", out.NextRun, want)
	}
}

func TestAddTaskEndpointRejectsBadCron(t *testing.T) {
	s := NewScheduler("http://agent", "tok")
	srv := httptest.NewServer(NewServer(s).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"user_id":"alice","cron":"not a cron","text":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListTasksEndpointShape(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s := NewScheduler("http://agent", "tok", withClock(func() time.Time { return base }))
	if _, err := s.Add("alice", "s1", "0 9 * * *", "report"); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewServer(s).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks?user_id=alice")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Tasks []struct {
			TaskID  string    `json:"task_id"`
			Cron    string    `json:"cron"`
			Text    string    `json:"text"`
			NextRun time.Time `json:"next_run"`
		} `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tasks) != 1 {
		t.Fatalf("got %d tasks", len(out.Tasks))
	}
	task := out.Tasks[0]
	if task.TaskID == "" || task.Cron != "0 9 * * *" || task.Text != "report" {
		t.Errorf("task = %+v", task)
	}
	if task.NextRun.IsZero() {
		t.Error("next_run must be populated")
	}
}
