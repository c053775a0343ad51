package minitime

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minitime/minitime/toolrpc"
)

// firstCallBlocks blocks its first call until cancellation and answers
// later calls normally.
type firstCallBlocks struct {
	inner scriptedProvider
	n     atomic.Int32
}

func (p *firstCallBlocks) Name() string { return "blocky" }

func (p *firstCallBlocks) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.n.Add(1) == 1 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.inner.Chat(ctx, req)
}

func (p *firstCallBlocks) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	if p.n.Add(1) == 1 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.inner.ChatStream(ctx, req, ch)
}

func TestSessionCancelRepairsThread(t *testing.T) {
	store := newMemStore()
	reg := testRegistry(func(ctx context.Context, tool string, args json.RawMessage) (toolrpc.CallResult, error) {
		<-ctx.Done()
		return toolrpc.CallResult{}, ctx.Err()
	}, "web_search")
	p := &scriptedProvider{responses: []ChatResponse{
		{Content: "let me check", ToolCalls: []ToolCall{{ID: "c1", Name: "web_search", Args: rawArgs(nil)}}},
	}}
	exec := NewExecutor(p, reg, NewInvoker(reg, nil, nil), NewPromptBuilder(reg.Names(), nil), store)
	m := NewSessionManager(exec, nil)

	events := m.Stream(context.Background(), TurnInput{
		UserID: "alice", SessionID: "chat", Message: UserMessage("search"),
	})

	for ev := range events {
		if ev.Type == EventToolCallStart {
			if !m.Cancel("alice", "chat") {
				t.Fatal("Cancel should find the running turn")
			}
		}
	}

	msgs := store.threadMessages("alice#chat")
	var stub bool
	textCount := 0
	for _, msg := range msgs {
		if msg.Role == RoleTool && msg.ToolCallID == "c1" && msg.Content.Text == "tool call terminated by user" {
			stub = true
		}
		if msg.Role == RoleAssistant && strings.Contains(msg.Content.Text, "let me check") {
			textCount++
		}
		if msg.Role == RoleAssistant && strings.HasSuffix(msg.Content.Text, cancelledSuffix) {
			t.Errorf("already-persisted text was duplicated by repair: %q", msg.Content.Text)
		}
	}
	if !stub {
		t.Error("pending tool call should get a stub result")
	}
	if textCount != 1 {
		t.Errorf("assistant text persisted in %d messages, want exactly 1", textCount)
	}
	if pending := UnansweredInternalCalls(msgs, exec.IsInternal); len(pending) != 0 {
		t.Errorf("thread left with %d unanswered calls after repair", len(pending))
	}
}

// streamThenStall emits one text delta and then blocks until cancelled,
// so the turn is aborted with text in flight that was never persisted.
type streamThenStall struct {
	delta string
}

func (p *streamThenStall) Name() string { return "stall" }

func (p *streamThenStall) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *streamThenStall) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	select {
	case ch <- StreamEvent{Type: EventTextDelta, Content: p.delta}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionCancelMidStreamPersistsPartialOnce(t *testing.T) {
	store := newMemStore()
	exec := testExecutor(&streamThenStall{delta: "half a thought"}, store)
	m := NewSessionManager(exec, nil)

	events := m.Stream(context.Background(), TurnInput{
		UserID: "alice", SessionID: "chat", Message: UserMessage("go on"),
	})
	for ev := range events {
		if ev.Type == EventTextDelta {
			if !m.Cancel("alice", "chat") {
				t.Fatal("Cancel should find the running turn")
			}
		}
	}

	msgs := store.threadMessages("alice#chat")
	var partials []string
	for _, msg := range msgs {
		if msg.Role == RoleAssistant {
			partials = append(partials, msg.Content.Text)
		}
	}
	if len(partials) != 1 {
		t.Fatalf("got %d assistant messages, want exactly 1: %q", len(partials), partials)
	}
	if want := "half a thought\n\n" + cancelledSuffix; partials[0] != want {
		t.Errorf("partial = %q, want %q", partials[0], want)
	}
}

func TestSessionRunCallerCancellation(t *testing.T) {
	store := newMemStore()
	m := NewSessionManager(testExecutor(&scriptedProvider{block: true}, store), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, TurnInput{UserID: "alice", SessionID: "chat", Message: UserMessage("hi")})
	if err != ErrCancelled {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestSessionNewRequestPreemptsOld(t *testing.T) {
	store := newMemStore()
	p := &firstCallBlocks{inner: scriptedProvider{responses: []ChatResponse{{Content: "second"}}}}
	reg := testRegistry(echoTool)
	exec := NewExecutor(p, reg, NewInvoker(reg, nil, nil), NewPromptBuilder(nil, nil), store)
	m := NewSessionManager(exec, nil)

	first := m.Stream(context.Background(), TurnInput{
		UserID: "alice", SessionID: "chat", Message: UserMessage("one"),
	})
	// Give the first turn time to reach the model.
	time.Sleep(50 * time.Millisecond)

	result, err := m.Run(context.Background(), TurnInput{
		UserID: "alice", SessionID: "chat", Message: UserMessage("two"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "second" {
		t.Errorf("content = %q", result.Content)
	}

	select {
	case _, open := <-first:
		for open {
			_, open = <-first
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first turn's channel never closed")
	}
}

func TestSessionCancelIdle(t *testing.T) {
	m := NewSessionManager(testExecutor(&scriptedProvider{}, newMemStore()), nil)
	if m.Cancel("alice", "chat") {
		t.Error("Cancel with no active turn should report false")
	}
}

func TestListSessionsHidesTriggerOnlyThreads(t *testing.T) {
	store := newMemStore()
	exec := testExecutor(&scriptedProvider{}, store)
	m := NewSessionManager(exec, nil)
	ctx := context.Background()

	exec.AppendAndSave(ctx, "alice#chat", nil,
		UserMessage("first question"),
		AssistantMessage("answer"),
		UserMessage("followup"))
	exec.AppendAndSave(ctx, "alice#reminders", nil,
		UserMessage(WrapSystemTrigger("daily report")),
		AssistantMessage("sent"))
	exec.AppendAndSave(ctx, "bob#chat", nil, UserMessage("hello"))

	infos, err := m.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d sessions, want 1: %+v", len(infos), infos)
	}
	info := infos[0]
	if info.SessionID != "chat" {
		t.Errorf("session id = %q", info.SessionID)
	}
	if info.Title != "first question" || info.LastMessage != "followup" {
		t.Errorf("summary = %+v", info)
	}
	if info.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", info.MessageCount)
	}
}

func TestHistoryFiltersRoles(t *testing.T) {
	store := newMemStore()
	exec := testExecutor(&scriptedProvider{}, store)
	m := NewSessionManager(exec, nil)
	ctx := context.Background()

	exec.AppendAndSave(ctx, "alice#chat", nil,
		SystemMessage("should not appear"),
		UserMessage("hi"),
		AssistantMessage("hello"),
		ToolResultMessage("c1", "result"))

	msgs, err := m.History(ctx, "alice", "chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Role == RoleSystem {
			t.Error("system messages must be filtered out")
		}
	}
}

func TestDeleteSessionAndDeleteAll(t *testing.T) {
	store := newMemStore()
	exec := testExecutor(&scriptedProvider{}, store)
	m := NewSessionManager(exec, nil)
	ctx := context.Background()

	exec.AppendAndSave(ctx, "alice#a", nil, UserMessage("1"))
	exec.AppendAndSave(ctx, "alice#b", nil, UserMessage("2"))
	exec.AppendAndSave(ctx, "bob#a", nil, UserMessage("3"))

	if err := m.DeleteSession(ctx, "alice", "a"); err != nil {
		t.Fatal(err)
	}
	if got := store.threadMessages("alice#a"); got != nil {
		t.Error("alice#a should be gone")
	}
	if got := store.threadMessages("alice#b"); got == nil {
		t.Error("alice#b should survive")
	}

	if err := m.DeleteAll(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if got := store.threadMessages("alice#b"); got != nil {
		t.Error("alice#b should be gone after DeleteAll")
	}
	if got := store.threadMessages("bob#a"); got == nil {
		t.Error("bob's thread must be untouched")
	}
}
