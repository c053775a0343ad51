package cron

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestAddValidation(t *testing.T) {
	s := NewScheduler("http://agent", "tok")

	if _, err := s.Add("", "default", "* * * * *", "hi"); err == nil {
		t.Error("empty user should fail")
	}
	if _, err := s.Add("alice", "default", "* * * * *", ""); err == nil {
		t.Error("empty text should fail")
	}
	if _, err := s.Add("alice", "default", "not a cron", "hi"); err == nil {
		t.Error("invalid expression should fail")
	}
	if _, err := s.Add("alice", "default", "61 * * * *", "hi"); err == nil {
		t.Error("out-of-range field should fail")
	}
}

func TestAddComputesNextFire(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s := NewScheduler("http://agent", "tok", withClock(func() time.Time { return base }))

	task, err := s.Add("alice", "default", "0 9 * * *", "morning briefing")
	if err != nil {
		t.Fatal(err)
	}
	if len(task.ID) != 8 {
		t.Errorf("task id = %q, want 8 chars", task.ID)
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !task.NextFire.Equal(want) {
		t.Errorf("next fire = %v, want %v", task.NextFire, want)
	}
}

func TestRemoveOwnerScoped(t *testing.T) {
	s := NewScheduler("http://agent", "tok")
	task, err := s.Add("alice", "default", "* * * * *", "hi")
	if err != nil {
		t.Fatal(err)
	}

	if s.Remove("bob", task.ID) {
		t.Error("another user must not remove the task")
	}
	if !s.Remove("alice", task.ID) {
		t.Error("owner removal failed")
	}
	if s.Remove("alice", task.ID) {
		t.Error("second removal should report false")
	}
	if s.Remove("alice", "missing") {
		t.Error("unknown id should report false")
	}
}

func TestListSortedByNextFire(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s := NewScheduler("http://agent", "tok", withClock(func() time.Time { return base }))

	s.Add("alice", "default", "0 18 * * *", "evening")
	s.Add("alice", "default", "0 12 * * *", "noon")
	s.Add("bob", "default", "0 11 * * *", "other user")

	tasks := s.List("alice")
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if tasks[0].Text != "noon" || tasks[1].Text != "evening" {
		t.Errorf("order = %q, %q", tasks[0].Text, tasks[1].Text)
	}
	if got := s.List("nobody"); len(got) != 0 {
		t.Errorf("unknown user should list nothing, got %d", len(got))
	}
}

func TestFireDeliversTrigger(t *testing.T) {
	type delivery struct {
		body  map[string]string
		token string
	}
	got := make(chan delivery, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_trigger" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- delivery{body: body, token: r.Header.Get("X-Internal-Token")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var mu sync.Mutex
	now := time.Date(2026, 8, 24, 8, 59, 59, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewScheduler(srv.URL, "secret", withClock(clock))
	task, err := s.Add("alice", "reminders", "0 9 * * *", "morning briefing")
	if err != nil {
		t.Fatal(err)
	}

	// Move the clock past the fire time, then fire due tasks directly.
	mu.Lock()
	now = time.Date(2026, 8, 24, 9, 0, 1, 0, time.UTC)
	mu.Unlock()
	s.fireDue(context.Background())

	select {
	case d := <-got:
		if d.token != "secret" {
			t.Errorf("token = %q", d.token)
		}
		if d.body["user_id"] != "alice" || d.body["session_id"] != "reminders" || d.body["text"] != "morning briefing" {
			t.Errorf("body = %+v", d.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	// The schedule advances even though the task already fired today.
	tasks := s.List("alice")
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !tasks[0].NextFire.Equal(want) {
		t.Errorf("next fire = %v, want %v", tasks[0].NextFire, want)
	}
	_ = task
}

func TestFireSkipsFailedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var mu sync.Mutex
	now := time.Date(2026, 8, 24, 8, 59, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewScheduler(srv.URL, "tok", withClock(clock))
	s.Add("alice", "default", "0 9 * * *", "hi")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	s.fireDue(context.Background())

	// The failure is swallowed and the schedule still advances.
	tasks := s.List("alice")
	if !tasks[0].NextFire.After(now) {
		t.Errorf("next fire = %v, should be after %v", tasks[0].NextFire, now)
	}
}

func TestRunLoopFires(t *testing.T) {
	got := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A real clock frozen just before the minute boundary makes the loop
	// timer fire almost immediately.
	start := time.Now().Truncate(time.Minute).Add(59*time.Second + 900*time.Millisecond)
	var mu sync.Mutex
	offset := time.Duration(0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return start.Add(offset)
	}
	s := NewScheduler(srv.URL, "tok", withClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	if _, err := s.Add("alice", "default", "* * * * *", "tick"); err != nil {
		t.Fatal(err)
	}
	// Let the timer elapse in real time while the fake clock catches up.
	mu.Lock()
	offset = 200 * time.Millisecond
	mu.Unlock()

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop never delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop on ctx cancel")
	}
}
