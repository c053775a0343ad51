package oasis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	minitime "github.com/minitime/minitime"
)

// summaryTimeout bounds the final conclusion call.
const summaryTimeout = 60 * time.Second

// callbackTimeout bounds the completion callback fire.
const callbackTimeout = 10 * time.Second

// timeoutPost is published when a sub-agent participation times out.
const timeoutPost = "(subagent thought too long, no response in time)"

// Callback is a capability handle for notifying the owning agent when a
// detached discussion reaches a terminal state.
type Callback struct {
	AgentURL      string
	InternalToken string
	UserID        string
	SessionID     string
}

// Engine orchestrates one discussion: rounds of expert participation
// (parallel or scheduled), consensus detection, and summarization. It
// owns the board for the topic's lifetime.
type Engine struct {
	board      *Board
	experts    []Expert
	backend    Backend
	summarizer minitime.Provider
	schedule   *Schedule
	callback   *Callback
	logger     *slog.Logger
	tracer     minitime.Tracer
	httpClient *http.Client
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSchedule runs the discussion according to a declarative plan
// instead of the default all-parallel rounds.
func WithSchedule(s *Schedule) EngineOption {
	return func(e *Engine) { e.schedule = s }
}

// WithCallback notifies the agent when the discussion terminates.
func WithCallback(cb *Callback) EngineOption {
	return func(e *Engine) { e.callback = cb }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets a span tracer.
func WithTracer(t minitime.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine wires an engine over a board, the selected experts, a
// participation backend, and a summarization provider.
func NewEngine(board *Board, experts []Expert, backend Backend, summarizer minitime.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		board:      board,
		experts:    experts,
		backend:    backend,
		summarizer: summarizer,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Experts returns the selected participant list.
func (e *Engine) Experts() []Expert { return e.experts }

// Run drives the discussion to a terminal state. It is designed to run
// as a background goroutine; every exit path concludes the topic.
func (e *Engine) Run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			e.board.Conclude(StatusError, fmt.Sprintf("讨论过程中出现错误: %v", p))
		}
	}()

	if e.tracer != nil {
		var span minitime.Span
		ctx, span = e.tracer.Start(ctx, "oasis.discussion",
			minitime.StringAttr("topic", e.board.TopicID),
			minitime.IntAttr("experts", len(e.experts)))
		defer span.End()
	}

	e.board.SetStatus(StatusDiscussing)
	e.logger.Info("discussion started",
		"topic", e.board.TopicID, "experts", len(e.experts), "max_rounds", e.board.MaxRounds)

	var err error
	switch {
	case e.schedule == nil:
		err = e.runParallel(ctx)
	case e.schedule.Repeat:
		err = e.runRepeating(ctx)
	default:
		err = e.runOnce(ctx)
	}
	if err != nil {
		e.board.Conclude(StatusError, "讨论过程中出现错误: "+err.Error())
		e.fireCallback()
		return
	}

	conclusion := e.summarize(ctx)
	e.board.Conclude(StatusConcluded, conclusion)
	e.logger.Info("discussion concluded", "topic", e.board.TopicID, "rounds", e.board.Round())
	e.fireCallback()
}

// runParallel is the default mode: every expert speaks each round.
func (e *Engine) runParallel(ctx context.Context) error {
	for round := 1; round <= e.board.MaxRounds; round++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.board.SetRound(round)
		e.logger.Info("round", "topic", e.board.TopicID, "n", round, "of", e.board.MaxRounds)
		e.participateAll(ctx, e.experts)
		if round >= 2 && e.consensusReached() {
			e.logger.Info("consensus reached", "topic", e.board.TopicID, "round", round)
			return nil
		}
	}
	return nil
}

// runRepeating executes the whole plan each round.
func (e *Engine) runRepeating(ctx context.Context) error {
	for round := 1; round <= e.board.MaxRounds; round++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.board.SetRound(round)
		for _, step := range e.schedule.Steps {
			e.runStep(ctx, step)
		}
		if round >= 2 && e.consensusReached() {
			return nil
		}
	}
	return nil
}

// runOnce treats each step as one round; max_rounds is overridden to
// the plan length for display.
func (e *Engine) runOnce(ctx context.Context) error {
	e.board.MaxRounds = len(e.schedule.Steps)
	for i, step := range e.schedule.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.board.SetRound(i + 1)
		e.runStep(ctx, step)
		if i >= 1 && e.consensusReached() {
			return nil
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, step Step) {
	switch step.Type {
	case StepManual:
		e.board.Publish(step.Author, step.Content, step.ReplyTo)
	case StepExpert, StepParallel:
		var selected []Expert
		for _, name := range step.ExpertNames {
			ex, ok := e.findExpert(name)
			if !ok {
				e.logger.Warn("schedule references unknown expert", "name", name)
				continue
			}
			selected = append(selected, ex)
		}
		e.participateAll(ctx, selected)
	case StepAll:
		e.participateAll(ctx, e.experts)
	}
}

func (e *Engine) findExpert(name string) (Expert, bool) {
	for _, ex := range e.experts {
		if ex.Name == name {
			return ex, true
		}
	}
	return Expert{}, false
}

// participateAll invokes the given experts concurrently and waits for
// all of them. Individual failures are logged and swallowed.
func (e *Engine) participateAll(ctx context.Context, experts []Expert) {
	var wg sync.WaitGroup
	wg.Add(len(experts))
	for _, ex := range experts {
		ex := ex
		go func() {
			defer wg.Done()
			e.participate(ctx, ex)
		}()
	}
	wg.Wait()
}

// expertReply is the strict reply schema experts must follow.
type expertReply struct {
	ReplyTo *int   `json:"reply_to"`
	Content string `json:"content"`
	Votes   []struct {
		PostID    *int   `json:"post_id"`
		Direction string `json:"direction"`
	} `json:"votes"`
}

// participate runs one expert invocation: read others' posts, get the
// backend's reply, publish, vote.
func (e *Engine) participate(ctx context.Context, ex Expert) {
	others := e.board.Browse(ex.Name, true)

	raw, err := e.backend.Reply(ctx, ex, e.board, others)
	if errors.Is(err, ErrSubagentTimeout) {
		e.board.Publish(ex.Name, timeoutPost, nil)
		return
	}
	if err != nil {
		e.logger.Warn("expert participation failed", "expert", ex.Name, "error", err)
		return
	}

	reply, ok := parseExpertReply(raw)
	if !ok {
		// Malformed JSON still becomes a post, truncated.
		e.board.Publish(ex.Name, truncateRunes(strings.TrimSpace(raw), 300), nil)
		return
	}

	replyTo := reply.ReplyTo
	if replyTo == nil && len(others) > 0 {
		// Soft enforcement of dialog structure: reply to the most
		// recent non-self post.
		id := others[len(others)-1].ID
		replyTo = &id
	}
	content := reply.Content
	if content == "" {
		content = "（发言内容为空）"
	}
	e.board.Publish(ex.Name, content, replyTo)

	for _, v := range reply.Votes {
		if v.PostID == nil {
			continue
		}
		// The board drops invalid directions, self-votes and repeats.
		e.board.Vote(ex.Name, *v.PostID, v.Direction)
	}
}

// parseExpertReply strips code fences and decodes the strict schema.
func parseExpertReply(raw string) (expertReply, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
	}
	if strings.HasSuffix(s, "```") {
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	s = strings.TrimSpace(s)

	var reply expertReply
	if err := json.Unmarshal([]byte(s), &reply); err != nil {
		return expertReply{}, false
	}
	return reply, true
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// consensusReached checks whether the top post carries enough upvotes:
// ceil(0.7 × number of experts).
func (e *Engine) consensusReached() bool {
	top := e.board.TopPosts(1)
	if len(top) == 0 {
		return false
	}
	threshold := int(math.Ceil(0.7 * float64(len(e.experts))))
	return top[0].Upvotes >= threshold
}

// summarize asks the low-temperature summarizer for the final
// conclusion. Failures degrade to a failure note in the conclusion
// field; the topic still concludes.
func (e *Engine) summarize(ctx context.Context) string {
	top := e.board.TopPosts(5)
	if len(top) == 0 {
		return "讨论未产生有效观点。"
	}

	var posts []string
	for _, p := range top {
		posts = append(posts, fmt.Sprintf("[👍%d 👎%d] %s: %s", p.Upvotes, p.Downvotes, p.Author, p.Content))
	}
	prompt := fmt.Sprintf(
		"你是一个讨论总结专家。以下是关于「%s」的多专家讨论结果。\n\n"+
			"共 %d 条帖子，经过 %d 轮讨论。\n\n"+
			"获得最高认可的观点:\n%s\n\n"+
			"请综合以上高赞观点，给出一个全面、平衡、有结论性的最终回答（300字以内）。\n"+
			"要求:\n"+
			"1. 清晰概括各方核心观点\n"+
			"2. 指出主要共识和分歧\n"+
			"3. 给出明确的结论性建议\n",
		e.board.Question, e.board.Count(), e.board.Round(), strings.Join(posts, "\n"))

	sumCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryTimeout)
	defer cancel()

	temp := 0.3
	resp, err := e.summarizer.Chat(sumCtx, minitime.ChatRequest{
		Messages:    []minitime.Message{minitime.UserMessage(prompt)},
		Temperature: &temp,
		MaxTokens:   2048,
	})
	if err != nil {
		return "总结生成失败: " + err.Error()
	}
	return resp.Content
}

// fireCallback notifies the owning agent that a detached discussion has
// terminated. Fire-and-forget with a short timeout.
func (e *Engine) fireCallback() {
	if e.callback == nil {
		return
	}
	cb := e.callback

	text := fmt.Sprintf("OASIS 讨论「%s」已结束（状态: %s）。结论：\n%s",
		e.board.Question, e.board.Status(), e.board.Conclusion())
	body, err := json.Marshal(map[string]string{
		"user_id":    cb.UserID,
		"text":       text,
		"session_id": cb.SessionID,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cb.AgentURL+"/system_trigger", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", cb.InternalToken)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("completion callback failed", "topic", e.board.TopicID, "error", err)
		return
	}
	resp.Body.Close()
}
