package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	minitime "github.com/minitime/minitime"
)

// fakeBackend answers with fn, tracking per-expert call counts.
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ex Expert, call int, others []Post) (string, error)
}

func newFakeBackend(fn func(ex Expert, call int, others []Post) (string, error)) *fakeBackend {
	return &fakeBackend{calls: make(map[string]int), fn: fn}
}

func (f *fakeBackend) Reply(ctx context.Context, ex Expert, board *Board, others []Post) (string, error) {
	f.mu.Lock()
	f.calls[ex.Name]++
	n := f.calls[ex.Name]
	f.mu.Unlock()
	return f.fn(ex, n, others)
}

// stubProvider is a canned summarizer.
type stubProvider struct {
	content string
	err     error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(ctx context.Context, req minitime.ChatRequest) (*minitime.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &minitime.ChatResponse{Content: s.content}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req minitime.ChatRequest, ch chan<- minitime.StreamEvent) (*minitime.ChatResponse, error) {
	return s.Chat(ctx, req)
}

func replyJSON(content string, replyTo *int, votes ...int) string {
	type vote struct {
		PostID    int    `json:"post_id"`
		Direction string `json:"direction"`
	}
	vs := make([]vote, 0, len(votes))
	for _, id := range votes {
		vs = append(vs, vote{PostID: id, Direction: VoteUp})
	}
	b, _ := json.Marshal(map[string]any{
		"reply_to": replyTo,
		"content":  content,
		"votes":    vs,
	})
	return string(b)
}

func namedExperts(names ...string) []Expert {
	out := make([]Expert, len(names))
	for i, n := range names {
		out[i] = Expert{Name: n, Tag: fmt.Sprintf("tag%d", i), Persona: "p", Temperature: 0.5}
	}
	return out
}

func TestEngineRunReachesConsensus(t *testing.T) {
	experts := namedExperts("A", "B", "C", "D")
	board := NewBoard("t1", "question", "alice", 5)

	// Round 1: everyone posts. Round 2 on: everyone upvotes post 1, so
	// it collects three votes (the author's self-vote is dropped) and
	// crosses the ceil(0.7*4)=3 threshold.
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		if call == 1 {
			return replyJSON("观点-"+ex.Name, nil), nil
		}
		return replyJSON("补充-"+ex.Name, nil, 1), nil
	})

	engine := NewEngine(board, experts, backend, &stubProvider{content: "最终结论"})
	engine.Run(context.Background())

	if board.Status() != StatusConcluded {
		t.Fatalf("status = %s", board.Status())
	}
	if board.Round() != 2 {
		t.Errorf("round = %d, want consensus at round 2", board.Round())
	}
	if board.Conclusion() != "最终结论" {
		t.Errorf("conclusion = %q", board.Conclusion())
	}
	top := board.TopPosts(1)
	if top[0].ID != 1 || top[0].Upvotes != 3 {
		t.Errorf("top post = %+v", top[0])
	}
}

func TestEngineRunExhaustsRounds(t *testing.T) {
	experts := namedExperts("A", "B")
	board := NewBoard("t1", "q", "alice", 3)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return replyJSON("观点", nil), nil
	})

	engine := NewEngine(board, experts, backend, &stubProvider{content: "结论"})
	engine.Run(context.Background())

	if board.Round() != 3 {
		t.Errorf("round = %d, want all 3 rounds without consensus", board.Round())
	}
	if board.Count() != 6 {
		t.Errorf("posts = %d, want 2 experts x 3 rounds", board.Count())
	}
}

func TestParticipateMalformedReplyTruncated(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 1)
	long := strings.Repeat("啰", 400)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return long, nil
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{content: "c"})
	engine.participate(context.Background(), engine.experts[0])

	posts := board.Browse("", false)
	if len(posts) != 1 {
		t.Fatalf("got %d posts", len(posts))
	}
	if got := len([]rune(posts[0].Content)); got != 300 {
		t.Errorf("content runes = %d, want 300", got)
	}
}

func TestParticipateFenceStripped(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 1)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return "```json\n" + replyJSON("fenced view", nil) + "\n```", nil
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{content: "c"})
	engine.participate(context.Background(), engine.experts[0])

	posts := board.Browse("", false)
	if len(posts) != 1 || posts[0].Content != "fenced view" {
		t.Errorf("posts = %+v", posts)
	}
}

func TestParticipateReplyToEnforced(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 1)
	board.Publish("B", "earlier", nil)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return replyJSON("no target given", nil), nil
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{content: "c"})
	engine.participate(context.Background(), engine.experts[0])

	posts := board.Browse("A", false)
	last := posts[len(posts)-1]
	if last.ReplyTo == nil || *last.ReplyTo != 1 {
		t.Errorf("reply_to = %v, want the latest visible post", last.ReplyTo)
	}
}

func TestParticipateEmptyContentPlaceholder(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 1)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return replyJSON("", nil), nil
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{content: "c"})
	engine.participate(context.Background(), engine.experts[0])

	posts := board.Browse("", false)
	if posts[0].Content != "（发言内容为空）" {
		t.Errorf("content = %q", posts[0].Content)
	}
}

func TestParticipateSubagentTimeoutPost(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 1)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return "", ErrSubagentTimeout
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{content: "c"})
	engine.participate(context.Background(), engine.experts[0])

	posts := board.Browse("", false)
	if len(posts) != 1 || posts[0].Content != timeoutPost {
		t.Errorf("posts = %+v", posts)
	}
}

func TestParticipateBackendErrorSwallowed(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 1)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return "", fmt.Errorf("upstream down")
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{content: "c"})
	engine.participate(context.Background(), engine.experts[0])

	if board.Count() != 0 {
		t.Error("a failed participation must not publish")
	}
}

func TestSummarizeFailureDegrades(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 1)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return replyJSON("观点", nil), nil
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{err: fmt.Errorf("llm down")})
	engine.Run(context.Background())

	if board.Status() != StatusConcluded {
		t.Errorf("status = %s, summarize failure must still conclude", board.Status())
	}
	if !strings.HasPrefix(board.Conclusion(), "总结生成失败: ") {
		t.Errorf("conclusion = %q", board.Conclusion())
	}
}

func TestEngineScheduledRunOnce(t *testing.T) {
	board := NewBoard("t1", "q", "alice", 5)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return replyJSON("回应-"+ex.Name, nil), nil
	})
	schedule := &Schedule{Steps: []Step{
		{Type: StepManual, Author: "主持人", Content: "开场"},
		{Type: StepExpert, ExpertNames: []string{"A"}},
		{Type: StepExpert, ExpertNames: []string{"没有这个人"}},
	}}

	engine := NewEngine(board, namedExperts("A", "B"), backend, &stubProvider{content: "结论"},
		WithSchedule(schedule))
	engine.Run(context.Background())

	if board.MaxRounds != 3 {
		t.Errorf("max rounds = %d, want the plan length", board.MaxRounds)
	}
	posts := board.Browse("", false)
	if len(posts) != 2 {
		t.Fatalf("got %d posts: %+v", len(posts), posts)
	}
	if posts[0].Author != "主持人" || posts[0].Content != "开场" {
		t.Errorf("manual post = %+v", posts[0])
	}
	if posts[1].Author != "A" {
		t.Errorf("expert post = %+v", posts[1])
	}
	if backend.calls["B"] != 0 {
		t.Error("unscheduled expert must not be invoked")
	}
}

func TestEngineCallback(t *testing.T) {
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_trigger" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Internal-Token") != "secret" {
			t.Errorf("token = %q", r.Header.Get("X-Internal-Token"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	board := NewBoard("t1", "q", "alice", 1)
	backend := newFakeBackend(func(ex Expert, call int, others []Post) (string, error) {
		return replyJSON("观点", nil), nil
	})
	engine := NewEngine(board, namedExperts("A"), backend, &stubProvider{content: "结论"},
		WithCallback(&Callback{
			AgentURL:      srv.URL,
			InternalToken: "secret",
			UserID:        "alice",
			SessionID:     "oasis_callback_t1",
		}))
	engine.Run(context.Background())

	body := <-got
	if body["user_id"] != "alice" || body["session_id"] != "oasis_callback_t1" {
		t.Errorf("callback body = %+v", body)
	}
	if !strings.Contains(body["text"], "结论") {
		t.Errorf("callback text = %q", body["text"])
	}
}
