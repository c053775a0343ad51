package minitime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// cancelGrace bounds how long a new request waits for the previous
// task on the same thread to clean up.
const cancelGrace = 5 * time.Second

// cancelledSuffix is appended to partial assistant text persisted after
// a user cancellation.
const cancelledSuffix = "⚠️ (reply terminated by user)"

// cancelledToolStub answers tool calls left pending by a cancellation.
const cancelledToolStub = "tool call terminated by user"

// SessionInfo summarizes one thread for listing.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	LastMessage  string `json:"last_message"`
	MessageCount int    `json:"message_count"`
}

// taskHandle tracks one running turn.
type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionManager routes turns per (user, session), enforcing single
// writer per thread: a new request cancels the previous task on the
// same thread and awaits its cleanup before starting. It also owns the
// post-cancellation repair that restores the tool-call invariant.
type SessionManager struct {
	exec   *Executor
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*taskHandle // keyed by thread id
}

// NewSessionManager wires a session manager over an executor.
func NewSessionManager(exec *Executor, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = nopLogger
	}
	return &SessionManager{
		exec:   exec,
		logger: logger,
		active: make(map[string]*taskHandle),
	}
}

// acquire cancels any running task on the thread, waits for its cleanup
// within the grace deadline, and registers a new handle.
func (m *SessionManager) acquire(threadID string) (*taskHandle, context.Context) {
	m.mu.Lock()
	prev := m.active[threadID]
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-time.After(cancelGrace):
			m.logger.Warn("previous task did not clean up in time", "thread", threadID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.active[threadID] = h
	m.mu.Unlock()
	return h, ctx
}

// release removes the handle if it is still the current one.
func (m *SessionManager) release(threadID string, h *taskHandle) {
	close(h.done)
	m.mu.Lock()
	if m.active[threadID] == h {
		delete(m.active, threadID)
	}
	m.mu.Unlock()
}

// Run executes a non-streaming turn, serialized against any other turn
// on the same thread. The caller's ctx aborts the turn like a cancel.
func (m *SessionManager) Run(ctx context.Context, in TurnInput) (*TurnResult, error) {
	threadID := ThreadID(in.UserID, in.SessionID)
	h, taskCtx := m.acquire(threadID)
	defer m.release(threadID, h)

	stop := context.AfterFunc(ctx, h.cancel)
	defer stop()

	result, err := m.exec.Run(taskCtx, in)
	if taskCtx.Err() != nil {
		m.repair(threadID, "")
		return nil, ErrCancelled
	}
	return result, err
}

// Stream starts a streaming turn and returns the event channel. The
// channel is closed after the terminal EventDone. Cancelling ctx (for
// example on client disconnect) or calling Cancel aborts the turn; the
// thread is repaired before the channel closes, so cancellation is
// never an error to the consumer.
func (m *SessionManager) Stream(ctx context.Context, in TurnInput) <-chan StreamEvent {
	threadID := ThreadID(in.UserID, in.SessionID)
	out := make(chan StreamEvent, 64)

	go func() {
		defer close(out)

		h, taskCtx := m.acquire(threadID)
		defer m.release(threadID, h)

		stop := context.AfterFunc(ctx, h.cancel)
		defer stop()

		inner := make(chan StreamEvent, 64)
		var partial strings.Builder

		bridgeDone := make(chan struct{})
		go func() {
			defer close(bridgeDone)
			for ev := range inner {
				switch ev.Type {
				case EventTextDelta:
					partial.WriteString(ev.Content)
				case EventToolCallStart, EventDone:
					// The executor persists the assistant message before
					// emitting these, so the accumulated text is already
					// on disk and must not be re-persisted by repair.
					partial.Reset()
				}
				select {
				case out <- ev:
				case <-taskCtx.Done():
					// Consumer gone or turn cancelled; keep draining so
					// the executor never blocks on emit.
				}
			}
		}()

		_, err := m.exec.RunStream(taskCtx, in, inner)
		close(inner)
		<-bridgeDone

		if taskCtx.Err() != nil {
			m.repair(threadID, partial.String())
			// Terminal marker still goes out on cancellation.
			select {
			case out <- StreamEvent{Type: EventDone}:
			default:
			}
			return
		}
		if err != nil {
			m.logger.Error("turn failed", "thread", threadID, "error", err)
			select {
			case out <- StreamEvent{Type: EventDone}:
			default:
			}
		}
	}()

	return out
}

// Cancel aborts the active turn on (user, session), if any.
func (m *SessionManager) Cancel(userID, sessionID string) bool {
	threadID := ThreadID(userID, sessionID)
	m.mu.Lock()
	h := m.active[threadID]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel()
	return true
}

// repair restores the thread invariant after a cancellation: pending
// internal tool calls get stub results, and any streamed partial text
// is persisted as an assistant message with the termination suffix.
func (m *SessionManager) repair(threadID, partial string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	history, err := m.exec.LoadThread(ctx, threadID)
	if err != nil {
		m.logger.Error("repair: load thread", "thread", threadID, "error", err)
		return
	}

	var extra []Message
	for _, tc := range UnansweredInternalCalls(history, m.exec.IsInternal) {
		extra = append(extra, ToolResultMessage(tc.ID, cancelledToolStub))
	}
	if partial != "" {
		extra = append(extra, AssistantMessage(partial+"\n\n"+cancelledSuffix))
	}
	if len(extra) == 0 {
		return
	}
	if _, err := m.exec.AppendAndSave(ctx, threadID, history, extra...); err != nil {
		m.logger.Error("repair: persist", "thread", threadID, "error", err)
	}
}

// ListSessions enumerates a user's threads with titles derived from the
// first user message. Threads whose user messages are all system
// triggers are hidden.
func (m *SessionManager) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	prefix := userID + "#"
	threads, err := m.exec.store.ListThreads(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]SessionInfo, 0, len(threads))
	for _, t := range threads {
		msgs, err := m.exec.LoadThread(ctx, t.ThreadID)
		if err != nil {
			m.logger.Warn("list sessions: load thread", "thread", t.ThreadID, "error", err)
			continue
		}
		info, visible := summarize(msgs)
		if !visible {
			continue
		}
		info.SessionID = strings.TrimPrefix(t.ThreadID, prefix)
		out = append(out, info)
	}
	return out, nil
}

// summarize extracts title, last message, and user-message count.
// A thread is hidden when every user message is a system trigger.
func summarize(msgs []Message) (SessionInfo, bool) {
	var info SessionInfo
	humanSeen := false
	for _, msg := range msgs {
		if msg.Role != RoleUser {
			continue
		}
		text := msg.Content.PlainText()
		info.MessageCount++
		info.LastMessage = text
		if info.Title == "" {
			info.Title = text
		}
		if !strings.HasPrefix(text, "[系统触发]") {
			humanSeen = true
		}
	}
	if info.MessageCount == 0 || !humanSeen {
		return info, false
	}
	return info, true
}

// History returns the thread's messages filtered to user, assistant and
// tool kinds, multimodal content preserved.
func (m *SessionManager) History(ctx context.Context, userID, sessionID string) ([]Message, error) {
	msgs, err := m.exec.LoadThread(ctx, ThreadID(userID, sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser, RoleAssistant, RoleTool:
			out = append(out, msg)
		}
	}
	return out, nil
}

// DeleteSession removes one thread.
func (m *SessionManager) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return m.exec.store.Delete(ctx, ThreadID(userID, sessionID))
}

// DeleteAll removes every thread of the user.
func (m *SessionManager) DeleteAll(ctx context.Context, userID string) error {
	return m.exec.store.DeletePrefix(ctx, userID+"#")
}
