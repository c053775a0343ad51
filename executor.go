package minitime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/minitime/minitime/checkpoint"
)

// defaultMaxIterations bounds the model/tool loop of a single turn.
const defaultMaxIterations = 10

// visionApology is prepended when image parts are stripped because the
// configured model cannot see.
const visionApology = "（当前模型不支持图片理解，已忽略本次上传的图片内容）"

// TriggerSystem marks a turn originated by the scheduler or another
// internal service rather than a live user.
const TriggerSystem = "system"

// ThreadID composes the durable thread key for a (user, session) pair.
func ThreadID(userID, sessionID string) string {
	return userID + "#" + sessionID
}

// TurnInput is everything one turn needs.
type TurnInput struct {
	UserID    string
	SessionID string
	// Message is the incoming user message, possibly multipart. A
	// zero-value Message resumes a turn that ended on an external tool
	// call: the caller persists its tool-result messages with
	// AppendAndSave, then runs again with Message unset so the model
	// continues from the answered calls.
	Message Message
	// TriggerSource is TriggerSystem for scheduler-originated turns,
	// empty otherwise.
	TriggerSource string
	// EnabledTools restricts the tool surface this turn. nil = all,
	// empty map = none.
	EnabledTools map[string]bool
	// ExternalTools are advertised to the model but executed by the
	// caller. A call to one of them ends the turn with the assistant
	// message left open.
	ExternalTools []ToolDefinition
	Temperature   *float64
	MaxTokens     int
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	// Content is the final assistant text.
	Content string
	// PendingExternal holds tool calls the caller must execute before
	// resuming, when the turn ended on an external call.
	PendingExternal []ToolCall
	Usage           Usage
}

// Executor drives the model/tool loop for one turn: prompt assembly,
// history sanitization, multimodal stripping, tool dispatch, and
// checkpoint persistence.
type Executor struct {
	provider Provider
	registry *Registry
	invoker  *Invoker
	prompts  *PromptBuilder
	store    checkpoint.Store
	logger   *slog.Logger
	tracer   Tracer
	maxIter  int
	vision   bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithTracer sets a span tracer.
func WithTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMaxIterations overrides the model/tool loop bound.
func WithMaxIterations(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxIter = n
		}
	}
}

// WithVision declares whether the configured model accepts images.
// When false, image parts are stripped with an apology note.
func WithVision(supported bool) ExecutorOption {
	return func(e *Executor) { e.vision = supported }
}

// NewExecutor wires an executor.
func NewExecutor(provider Provider, registry *Registry, invoker *Invoker, prompts *PromptBuilder, store checkpoint.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider: provider,
		registry: registry,
		invoker:  invoker,
		prompts:  prompts,
		store:    store,
		logger:   nopLogger,
		maxIter:  defaultMaxIterations,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// IsInternal reports whether a tool name is served by the registry.
func (e *Executor) IsInternal(name string) bool {
	_, ok := e.registry.lookup(name)
	return ok
}

// LoadThread decodes the latest snapshot of a thread. A never-written
// thread yields an empty history.
func (e *Executor) LoadThread(ctx context.Context, threadID string) ([]Message, error) {
	raw, _, err := e.store.LoadLatest(ctx, threadID)
	if err == checkpoint.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	return msgs, nil
}

// AppendAndSave appends messages to the thread's latest snapshot and
// persists a new snapshot, recording each message in the writes table
// first for intra-turn durability.
func (e *Executor) AppendAndSave(ctx context.Context, threadID string, history []Message, extra ...Message) ([]Message, error) {
	for _, m := range extra {
		payload, err := json.Marshal(m)
		if err != nil {
			return history, fmt.Errorf("encode message: %w", err)
		}
		if err := e.store.AppendWrite(ctx, threadID, payload); err != nil {
			return history, fmt.Errorf("append write: %w", err)
		}
	}
	history = append(history, extra...)
	snapshot, err := json.Marshal(history)
	if err != nil {
		return history, fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := e.store.SaveSnapshot(ctx, threadID, snapshot); err != nil {
		return history, fmt.Errorf("save snapshot: %w", err)
	}
	return history, nil
}

// Run executes a non-streaming turn.
func (e *Executor) Run(ctx context.Context, in TurnInput) (*TurnResult, error) {
	return e.run(ctx, in, nil)
}

// RunStream executes a turn, emitting StreamEvents on ch as they
// happen. The caller owns ch and must drain it; RunStream never closes
// it. On context cancellation RunStream returns the context error with
// state persisted up to the last completed step; the caller repairs the
// thread (stub tool-results, partial text) before it is reused.
func (e *Executor) RunStream(ctx context.Context, in TurnInput, ch chan<- StreamEvent) (*TurnResult, error) {
	return e.run(ctx, in, ch)
}

func (e *Executor) run(ctx context.Context, in TurnInput, ch chan<- StreamEvent) (*TurnResult, error) {
	threadID := ThreadID(in.UserID, in.SessionID)

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "executor.turn",
			StringAttr("thread", threadID),
			StringAttr("trigger", in.TriggerSource))
		defer span.End()
	}

	history, err := e.LoadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	history = SanitizeHistory(history, e.IsInternal)

	// An unset message means the caller is resuming after answering
	// external tool calls; the history already holds everything.
	if in.Message.Role != "" {
		incoming := e.prepareIncoming(in)
		history, err = e.AppendAndSave(ctx, threadID, history, incoming)
		if err != nil {
			return nil, err
		}
	}

	systemPrompt, notice := e.prompts.Build(in.UserID, in.EnabledTools)
	tools := e.advertisedTools(in)
	scope := InvokeScope{UserID: in.UserID, SessionID: in.SessionID, Enabled: in.EnabledTools}

	var total Usage
	for iter := 0; iter < e.maxIter; iter++ {
		req := ChatRequest{
			Messages:    e.modelMessages(systemPrompt, notice, history),
			Tools:       tools,
			Temperature: in.Temperature,
			MaxTokens:   in.MaxTokens,
		}
		notice = "" // one-shot

		resp, err := e.callModel(ctx, req, ch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// Upstream failure becomes a user-visible assistant message.
			e.logger.Warn("model call failed", "thread", threadID, "error", err)
			errMsg := AssistantMessage("模型调用失败：" + err.Error())
			if _, err2 := e.AppendAndSave(ctx, threadID, history, errMsg); err2 != nil {
				return nil, err2
			}
			return &TurnResult{Content: errMsg.Content.Text, Usage: total}, nil
		}
		total.InputTokens += resp.Usage.InputTokens
		total.OutputTokens += resp.Usage.OutputTokens

		assistant := Message{
			Role:      RoleAssistant,
			Content:   Plain(resp.Content),
			ToolCalls: resp.ToolCalls,
		}
		history, err = e.AppendAndSave(ctx, threadID, history, assistant)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			e.emit(ctx, ch, StreamEvent{Type: EventDone})
			return &TurnResult{Content: resp.Content, Usage: total}, nil
		}

		if external := e.externalCalls(resp.ToolCalls); len(external) > 0 {
			// The caller executes these and resumes; the assistant
			// message stays open on purpose.
			e.emit(ctx, ch, StreamEvent{Type: EventDone})
			return &TurnResult{Content: resp.Content, PendingExternal: resp.ToolCalls, Usage: total}, nil
		}

		for _, tc := range resp.ToolCalls {
			e.emit(ctx, ch, StreamEvent{Type: EventToolCallStart, Name: tc.Name, Args: tc.Args})
		}
		results := e.invoker.DispatchAll(ctx, resp.ToolCalls, scope)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		toolMsgs := make([]Message, len(results))
		for i, r := range results {
			toolMsgs[i] = ToolResultMessage(resp.ToolCalls[i].ID, r.Content)
			e.emit(ctx, ch, StreamEvent{Type: EventToolCallResult, Name: resp.ToolCalls[i].Name, Content: r.Content})
		}
		history, err = e.AppendAndSave(ctx, threadID, history, toolMsgs...)
		if err != nil {
			return nil, err
		}
	}

	// Iteration budget exhausted: force a final answer without tools.
	req := ChatRequest{
		Messages:    e.modelMessages(systemPrompt, "", history),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	resp, err := e.callModel(ctx, req, ch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		resp = &ChatResponse{Content: "模型调用失败：" + err.Error()}
	}
	total.InputTokens += resp.Usage.InputTokens
	total.OutputTokens += resp.Usage.OutputTokens
	if _, err := e.AppendAndSave(ctx, threadID, history, AssistantMessage(resp.Content)); err != nil {
		return nil, err
	}
	e.emit(ctx, ch, StreamEvent{Type: EventDone})
	return &TurnResult{Content: resp.Content, Usage: total}, nil
}

// prepareIncoming applies the system-trigger wrap and, when the model
// has no vision, strips image parts with an apology note.
func (e *Executor) prepareIncoming(in TurnInput) Message {
	msg := in.Message
	if !e.vision && msg.Content.IsMultipart() {
		var kept []Part
		stripped := false
		for _, p := range msg.Content.Parts {
			if p.Kind == PartImage {
				stripped = true
				continue
			}
			kept = append(kept, p)
		}
		if stripped {
			msg.Content = Content{Parts: kept}.PrependText(visionApology + "\n")
		}
	}
	if in.TriggerSource == TriggerSystem {
		if msg.Content.IsMultipart() {
			msg.Content = msg.Content.PrependText(WrapSystemTrigger("") )
		} else {
			msg.Content = Plain(WrapSystemTrigger(msg.Content.Text))
		}
	}
	return msg
}

// modelMessages assembles the model input: system prompt, stripped
// history, and the one-shot tool-state notice folded into the latest
// user message.
func (e *Executor) modelMessages(systemPrompt, notice string, history []Message) []Message {
	msgs := StripOldMultimodal(history)
	if notice != "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role != RoleUser {
				continue
			}
			m := msgs[i]
			if m.Content.IsMultipart() {
				m.Content = m.Content.PrependText("[系统通知] " + notice + "\n\n---\n")
			} else {
				m.Content = Plain(WrapToolStateNotice(notice, m.Content.Text))
			}
			msgs[i] = m
			break
		}
	}
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, SystemMessage(systemPrompt))
	out = append(out, msgs...)
	return out
}

// advertisedTools intersects the registry with the enabled set and
// appends the caller's external tool specs.
func (e *Executor) advertisedTools(in TurnInput) []ToolDefinition {
	var tools []ToolDefinition
	for _, def := range e.registry.Definitions() {
		if in.EnabledTools != nil && !in.EnabledTools[def.Name] {
			continue
		}
		tools = append(tools, def)
	}
	tools = append(tools, in.ExternalTools...)
	return tools
}

// externalCalls returns the subset of calls not served by the registry.
func (e *Executor) externalCalls(calls []ToolCall) []ToolCall {
	var out []ToolCall
	for _, tc := range calls {
		if !e.IsInternal(tc.Name) {
			out = append(out, tc)
		}
	}
	return out
}

func (e *Executor) callModel(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error) {
	if ch == nil {
		return e.provider.Chat(ctx, req)
	}
	return e.provider.ChatStream(ctx, req, ch)
}

// emit sends an event without blocking past cancellation.
func (e *Executor) emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
