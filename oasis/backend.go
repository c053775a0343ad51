package oasis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	minitime "github.com/minitime/minitime"
)

// ErrSubagentTimeout marks a participation that exceeded its wall-clock
// budget; the engine turns it into a placeholder post.
var ErrSubagentTimeout = errors.New("subagent participation timed out")

// Backend produces an expert's raw reply text for one participation.
// The engine owns parsing, publishing and voting.
type Backend interface {
	Reply(ctx context.Context, ex Expert, board *Board, others []Post) (string, error)
}

// replyContract is the JSON instruction appended to every expert
// prompt.
const replyContract = "请以严格的 JSON 格式回复（不要包含 markdown 代码块标记，不要包含注释）:\n" +
	"{\n" +
	"  \"reply_to\": 2,\n" +
	"  \"content\": \"你的观点（200字以内，观点鲜明）\",\n" +
	"  \"votes\": [\n" +
	"    {\"post_id\": 1, \"direction\": \"up\"}\n" +
	"  ]\n" +
	"}\n\n" +
	"说明:\n" +
	"- reply_to: 如果论坛中已有其他人的帖子，你**必须**选择一个帖子ID进行回复；只有在论坛为空时才填 null\n" +
	"- content: 你的发言内容，要有独到见解，可以赞同、反驳或补充你所回复的帖子\n" +
	"- votes: 对其他帖子的投票列表，direction 只能是 \"up\" 或 \"down\"。如果没有要投票的帖子，填空列表 []\n"

// directTimeout bounds one stateless LLM participation.
const directTimeout = 60 * time.Second

// DirectBackend is the stateless backend: each participation is a fresh
// prompt carrying the full current post list. No tools, no memory.
type DirectBackend struct {
	Provider minitime.Provider
}

// Reply builds the persona prompt and performs one completion.
func (d *DirectBackend) Reply(ctx context.Context, ex Expert, board *Board, others []Post) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, directTimeout)
	defer cancel()

	postsText := FormatPosts(others)
	if len(others) == 0 {
		postsText = "(还没有其他人发言，你来开启讨论吧)"
	}
	prompt := fmt.Sprintf(
		"你是论坛专家「%s」。%s\n\n讨论主题: %s\n\n当前论坛内容:\n%s\n\n%s",
		ex.Name, ex.Persona, board.Question, postsText, replyContract)

	temp := ex.Temperature
	resp, err := d.Provider.Chat(ctx, minitime.ChatRequest{
		Messages:    []minitime.Message{minitime.UserMessage(prompt)},
		Temperature: &temp,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// subagentTimeout bounds one sub-agent participation.
const subagentTimeout = 120 * time.Second

// AgentBackend drives experts as sub-agent sessions in the agent
// runtime: each expert owns thread {owner}#oasis_{topic}_{tag}. The
// first call sends the persona and full context; later calls send only
// the delta of new posts, relying on the expert's own thread history.
// The backend holds a capability handle (URL + internal token) only; it
// never reaches into the agent process.
type AgentBackend struct {
	AgentURL      string
	InternalToken string
	OwnerID       string
	TopicID       string
	EnabledTools  []string
	Client        *http.Client

	mu      sync.Mutex
	offsets map[string]int // session id -> posts already delivered
}

// NewAgentBackend builds a sub-agent backend for one topic.
func NewAgentBackend(agentURL, internalToken, ownerID, topicID string, enabledTools []string) *AgentBackend {
	return &AgentBackend{
		AgentURL:      agentURL,
		InternalToken: internalToken,
		OwnerID:       ownerID,
		TopicID:       topicID,
		EnabledTools:  enabledTools,
		Client:        &http.Client{},
		offsets:       make(map[string]int),
	}
}

// SessionID names the expert's sub-agent session within this topic.
func (a *AgentBackend) SessionID(ex Expert) string {
	return "oasis_" + a.TopicID + "_" + ex.Tag
}

// Reply sends the context (full on first call, delta afterwards) to the
// agent bridge and returns the sub-agent's answer.
func (a *AgentBackend) Reply(ctx context.Context, ex Expert, board *Board, others []Post) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, subagentTimeout)
	defer cancel()

	session := a.SessionID(ex)
	all := board.Browse("", false)

	a.mu.Lock()
	offset, known := a.offsets[session]
	a.mu.Unlock()
	if !known || offset > len(all) {
		// Unknown or stale offset (engine restarted): resend everything.
		offset = 0
	}

	var sb strings.Builder
	if offset == 0 {
		sb.WriteString(fmt.Sprintf("你是论坛专家「%s」。%s\n\n", ex.Name, ex.Persona))
		sb.WriteString("讨论主题: " + board.Question + "\n\n")
		if len(all) == 0 {
			sb.WriteString("(还没有其他人发言，你来开启讨论吧)\n\n")
		} else {
			sb.WriteString("当前论坛内容:\n" + FormatPosts(all) + "\n\n")
		}
		sb.WriteString(replyContract)
	} else {
		sb.WriteString("【新增帖子】\n")
		delta := all[offset:]
		if len(delta) == 0 {
			sb.WriteString("(本轮没有新帖子)\n")
		} else {
			sb.WriteString(FormatPosts(delta) + "\n")
		}
		sb.WriteString("\n请继续以相同的 JSON 格式回复你的新观点和投票。\n")
	}

	content, err := a.ask(ctx, session, board.Question, sb.String())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrSubagentTimeout
		}
		return "", err
	}

	a.mu.Lock()
	a.offsets[session] = len(all)
	a.mu.Unlock()
	return content, nil
}

// ask posts to the agent's forum bridge endpoint.
func (a *AgentBackend) ask(ctx context.Context, sessionID, topic, history string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"session_id":    sessionID,
		"topic":         topic,
		"history":       history,
		"user_id":       a.OwnerID,
		"enabled_tools": a.EnabledTools,
	})
	if err != nil {
		return "", fmt.Errorf("encode bridge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.AgentURL+"/oasis/ask", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", a.InternalToken)

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return "", &minitime.ErrHTTP{Status: resp.StatusCode, Body: string(payload)}
	}

	var out struct {
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode bridge response: %w", err)
	}
	return out.Content, nil
}

// FormatPosts renders posts for inclusion in an expert prompt.
func FormatPosts(posts []Post) string {
	var lines []string
	for _, p := range posts {
		prefix := "📌"
		if p.ReplyTo != nil {
			prefix = fmt.Sprintf("  ↳ 回复#%d", *p.ReplyTo)
		}
		lines = append(lines, fmt.Sprintf("%s [#%d] %s (👍%d 👎%d): %s",
			prefix, p.ID, p.Author, p.Upvotes, p.Downvotes, p.Content))
	}
	return strings.Join(lines, "\n")
}
