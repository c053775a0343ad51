package minitime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minitime/minitime/checkpoint"
	"github.com/minitime/minitime/toolrpc"
)

// memStore is an in-memory checkpoint.Store for tests.
type memStore struct {
	mu        sync.Mutex
	snapshots map[string][][]byte
	writes    map[string][][]byte
	updated   map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[string][][]byte),
		writes:    make(map[string][][]byte),
		updated:   make(map[string]time.Time),
	}
}

func (s *memStore) SaveSnapshot(ctx context.Context, threadID string, snapshot []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), snapshot...)
	s.snapshots[threadID] = append(s.snapshots[threadID], cp)
	s.updated[threadID] = time.Now()
	return int64(len(s.snapshots[threadID])), nil
}

func (s *memStore) LoadLatest(ctx context.Context, threadID string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[threadID]
	if len(snaps) == 0 {
		return nil, 0, checkpoint.ErrNotFound
	}
	return snaps[len(snaps)-1], int64(len(snaps)), nil
}

func (s *memStore) AppendWrite(ctx context.Context, threadID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[threadID] = append(s.writes[threadID], append([]byte(nil), payload...))
	return nil
}

func (s *memStore) ListThreads(ctx context.Context, prefix string) ([]checkpoint.ThreadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []checkpoint.ThreadInfo
	for id := range s.snapshots {
		if strings.HasPrefix(id, prefix) {
			out = append(out, checkpoint.ThreadInfo{ThreadID: id, UpdatedAt: s.updated[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, threadID)
	delete(s.writes, threadID)
	return nil
}

func (s *memStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.snapshots {
		if strings.HasPrefix(id, prefix) {
			delete(s.snapshots, id)
			delete(s.writes, id)
		}
	}
	return nil
}

func (s *memStore) Close() error { return nil }

// threadMessages decodes the latest snapshot for assertions.
func (s *memStore) threadMessages(threadID string) []Message {
	raw, _, err := s.LoadLatest(context.Background(), threadID)
	if err != nil {
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil
	}
	return msgs
}

// scriptedProvider returns canned responses in order. Streaming replays
// the content as a single text delta.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	calls     []ChatRequest
	// block, when set, makes calls wait for ctx cancellation.
	block bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) next(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.responses) == 0 {
		return &ChatResponse{Content: "done"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return &resp, nil
}

func (p *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.next(ctx, req)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	resp, err := p.next(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, nil
}

// fakeCaller adapts a func to the registry's tool caller.
type fakeCaller struct {
	fn func(ctx context.Context, tool string, args json.RawMessage) (toolrpc.CallResult, error)
}

func (c fakeCaller) CallTool(ctx context.Context, tool string, args json.RawMessage) (toolrpc.CallResult, error) {
	return c.fn(ctx, tool, args)
}

// testRegistry builds a registry whose tools are backed by fn.
func testRegistry(fn func(ctx context.Context, tool string, args json.RawMessage) (toolrpc.CallResult, error), names ...string) *Registry {
	r := NewRegistry(nil)
	for _, name := range names {
		r.tools[name] = &registeredTool{
			Group:  "test",
			Def:    ToolDefinition{Name: name, Parameters: json.RawMessage(`{"type":"object"}`)},
			caller: fakeCaller{fn: fn},
		}
	}
	return r
}

// echoTool answers every call with its own args.
func echoTool(ctx context.Context, tool string, args json.RawMessage) (toolrpc.CallResult, error) {
	return toolrpc.TextResult(string(args)), nil
}

// testExecutor wires an executor over the scripted provider and memory
// store with the given tool names.
func testExecutor(p Provider, store *memStore, toolNames ...string) *Executor {
	reg := testRegistry(echoTool, toolNames...)
	prompts := NewPromptBuilder(reg.Names(), nil)
	inv := NewInvoker(reg, nil, nil)
	return NewExecutor(p, reg, inv, prompts, store)
}

func rawArgs(kv map[string]any) json.RawMessage {
	b, _ := json.Marshal(kv)
	return b
}
