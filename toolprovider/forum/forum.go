// Package forum exposes the deliberation engine to the agent: starting
// discussions, checking progress, listing topics, dispatching detached
// sub-agent debates, and managing custom experts. Everything proxies to
// the forum service over HTTP.
package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minitime/minitime/toolrpc"
)

// Provider serves the forum tools against one forum service.
type Provider struct {
	forumURL string
	client   *http.Client
}

// New creates a provider talking to the forum service at forumURL.
func New(forumURL string) *Provider {
	return &Provider{
		forumURL: strings.TrimRight(forumURL, "/"),
		// Waiting for a conclusion can take minutes; the per-call ctx
		// bounds it.
		client: &http.Client{},
	}
}

// Tools returns the provider's tool set for registration.
func (p *Provider) Tools() []toolrpc.Tool {
	return []toolrpc.Tool{
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "post_to_oasis",
				Description: "Start a multi-expert OASIS discussion on a question and wait for the conclusion. Use for questions needing multi-perspective analysis: strategy, trade-offs, controversial topics.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string","description":"The question to debate"},"expert_tags":{"type":"array","items":{"type":"string"},"description":"Expert tags to invite; empty invites all"},"max_rounds":{"type":"integer","description":"Maximum discussion rounds (default 5)"},"user_id":{"type":"string","description":"Requesting username, for custom expert visibility"},"wait_seconds":{"type":"integer","description":"How long to wait for the conclusion (default 300, 0 returns immediately)"}},"required":["question"]}`),
			},
			Execute: p.postToOasis,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "check_oasis_discussion",
				Description: "Check the progress and posts of an OASIS discussion by topic id.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"topic_id":{"type":"string"}},"required":["topic_id"]}`),
			},
			Execute: p.checkDiscussion,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "list_oasis_topics",
				Description: "List OASIS discussion topics and their statuses.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string","description":"Filter to this user's topics"}},"required":[]}`),
			},
			Execute: p.listTopics,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "dispatch_subagent",
				Description: "Start a detached OASIS discussion where each expert runs as a tool-capable sub-agent session. Returns immediately; the conclusion is delivered back into the conversation when the discussion ends.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"},"expert_tags":{"type":"array","items":{"type":"string"}},"max_rounds":{"type":"integer"},"user_id":{"type":"string","description":"Owner username; sub-agent sessions run in this user's namespace"},"callback_session":{"type":"string","description":"Session the conclusion is delivered to"},"enabled_tools":{"type":"array","items":{"type":"string"},"description":"Tools the sub-agents may use"}},"required":["question"]}`),
			},
			Execute: p.dispatchSubagent,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "list_oasis_experts",
				Description: "List the experts available for OASIS discussions, built-in and custom.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string"}},"required":[]}`),
			},
			Execute: p.listExperts,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "add_oasis_expert",
				Description: "Create a custom OASIS expert for the user.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string"},"name":{"type":"string"},"tag":{"type":"string"},"persona":{"type":"string"},"temperature":{"type":"number"}},"required":["user_id","name","tag","persona"]}`),
			},
			Execute: p.addExpert,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "update_oasis_expert",
				Description: "Update a custom OASIS expert. The tag cannot change.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string"},"tag":{"type":"string"},"name":{"type":"string"},"persona":{"type":"string"},"temperature":{"type":"number"}},"required":["user_id","tag"]}`),
			},
			Execute: p.updateExpert,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "delete_oasis_expert",
				Description: "Delete one of the user's custom OASIS experts by tag.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string"},"tag":{"type":"string"}},"required":["user_id","tag"]}`),
			},
			Execute: p.deleteExpert,
		},
	}
}

type topicArgs struct {
	Question        string   `json:"question"`
	ExpertTags      []string `json:"expert_tags"`
	MaxRounds       int      `json:"max_rounds"`
	UserID          string   `json:"user_id"`
	WaitSeconds     *int     `json:"wait_seconds"`
	CallbackSession string   `json:"callback_session"`
	EnabledTools    []string `json:"enabled_tools"`
	TopicID         string   `json:"topic_id"`
}

func (p *Provider) postToOasis(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args topicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Question == "" {
		return toolrpc.ErrorResult("question is required")
	}

	topicID, err := p.createTopic(ctx, map[string]any{
		"question":    args.Question,
		"user_id":     args.UserID,
		"max_rounds":  args.MaxRounds,
		"expert_tags": args.ExpertTags,
	})
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}

	wait := 300
	if args.WaitSeconds != nil {
		wait = *args.WaitSeconds
	}
	if wait <= 0 {
		return toolrpc.TextResult(fmt.Sprintf(
			"Discussion %s started. Use check_oasis_discussion to follow progress.", topicID))
	}

	var out struct {
		Conclusion string `json:"conclusion"`
		Rounds     int    `json:"rounds"`
		TotalPosts int    `json:"total_posts"`
		Error      string `json:"error"`
	}
	path := fmt.Sprintf("/topics/%s/conclusion?timeout=%d", url.PathEscape(topicID), wait)
	status, err := p.get(ctx, path, &out)
	if err != nil {
		return toolrpc.ErrorResult("forum unavailable: " + err.Error())
	}
	if status == http.StatusGatewayTimeout {
		return toolrpc.TextResult(fmt.Sprintf(
			"Discussion %s is still running after %ds. Use check_oasis_discussion to follow progress.", topicID, wait))
	}
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}
	return toolrpc.TextResult(fmt.Sprintf(
		"Discussion %s concluded after %d rounds (%d posts):\n\n%s",
		topicID, out.Rounds, out.TotalPosts, out.Conclusion))
}

func (p *Provider) checkDiscussion(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args topicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.TopicID == "" {
		return toolrpc.ErrorResult("topic_id is required")
	}

	var out struct {
		Question     string `json:"question"`
		Status       string `json:"status"`
		CurrentRound int    `json:"current_round"`
		MaxRounds    int    `json:"max_rounds"`
		Posts        []struct {
			ID      int    `json:"id"`
			Author  string `json:"author"`
			Content string `json:"content"`
			Upvotes int    `json:"upvotes"`
		} `json:"posts"`
		Conclusion string `json:"conclusion"`
		Error      string `json:"error"`
	}
	if _, err := p.get(ctx, "/topics/"+url.PathEscape(args.TopicID), &out); err != nil {
		return toolrpc.ErrorResult("forum unavailable: " + err.Error())
	}
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nStatus: %s (round %d/%d, %d posts)\n",
		out.Question, out.Status, out.CurrentRound, out.MaxRounds, len(out.Posts))
	for _, post := range out.Posts {
		fmt.Fprintf(&sb, "[#%d] %s (👍%d): %s\n", post.ID, post.Author, post.Upvotes, post.Content)
	}
	if out.Conclusion != "" {
		sb.WriteString("\nConclusion:\n" + out.Conclusion)
	}
	return toolrpc.TextResult(strings.TrimRight(sb.String(), "\n"))
}

func (p *Provider) listTopics(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args topicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}

	var topics []struct {
		TopicID   string `json:"topic_id"`
		Question  string `json:"question"`
		Status    string `json:"status"`
		PostCount int    `json:"post_count"`
	}
	path := "/topics"
	if args.UserID != "" {
		path += "?user_id=" + url.QueryEscape(args.UserID)
	}
	if _, err := p.get(ctx, path, &topics); err != nil {
		return toolrpc.ErrorResult("forum unavailable: " + err.Error())
	}
	if len(topics) == 0 {
		return toolrpc.TextResult("No discussions yet.")
	}
	var sb strings.Builder
	for _, t := range topics {
		fmt.Fprintf(&sb, "[%s] %s (%s, %d posts)\n", t.TopicID, t.Question, t.Status, t.PostCount)
	}
	return toolrpc.TextResult(strings.TrimRight(sb.String(), "\n"))
}

func (p *Provider) dispatchSubagent(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args topicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Question == "" {
		return toolrpc.ErrorResult("question is required")
	}

	topicID, err := p.createTopic(ctx, map[string]any{
		"question":          args.Question,
		"user_id":           args.UserID,
		"max_rounds":        args.MaxRounds,
		"expert_tags":       args.ExpertTags,
		"use_bot_session":   true,
		"bot_enabled_tools": args.EnabledTools,
		"detach":            true,
		"callback_session":  args.CallbackSession,
	})
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	return toolrpc.TextResult(fmt.Sprintf(
		"Sub-agent discussion %s dispatched. The conclusion will be delivered when the experts finish.", topicID))
}

func (p *Provider) listExperts(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args topicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	var out struct {
		Experts []struct {
			Name   string `json:"name"`
			Tag    string `json:"tag"`
			Source string `json:"source"`
		} `json:"experts"`
		Error string `json:"error"`
	}
	path := "/experts"
	if args.UserID != "" {
		path += "?user_id=" + url.QueryEscape(args.UserID)
	}
	if _, err := p.get(ctx, path, &out); err != nil {
		return toolrpc.ErrorResult("forum unavailable: " + err.Error())
	}
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}
	var sb strings.Builder
	for _, e := range out.Experts {
		fmt.Fprintf(&sb, "%s (tag: %s, %s)\n", e.Name, e.Tag, e.Source)
	}
	return toolrpc.TextResult(strings.TrimRight(sb.String(), "\n"))
}

type expertArgs struct {
	UserID      string  `json:"user_id"`
	Name        string  `json:"name"`
	Tag         string  `json:"tag"`
	Persona     string  `json:"persona"`
	Temperature float64 `json:"temperature"`
}

func (p *Provider) addExpert(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args expertArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Temperature == 0 {
		args.Temperature = 0.5
	}
	return p.expertCall(ctx, http.MethodPost, "/experts/user", args,
		fmt.Sprintf("Expert %q (tag %s) created.", args.Name, args.Tag))
}

func (p *Provider) updateExpert(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args expertArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Tag == "" {
		return toolrpc.ErrorResult("tag is required")
	}
	return p.expertCall(ctx, http.MethodPut, "/experts/user/"+url.PathEscape(args.Tag), args,
		fmt.Sprintf("Expert %s updated.", args.Tag))
}

func (p *Provider) deleteExpert(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args expertArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Tag == "" {
		return toolrpc.ErrorResult("tag is required")
	}
	path := fmt.Sprintf("/experts/user/%s?user_id=%s", url.PathEscape(args.Tag), url.QueryEscape(args.UserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.forumURL+path, nil)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return toolrpc.ErrorResult("forum unavailable: " + err.Error())
	}
	defer resp.Body.Close()
	var out struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}
	return toolrpc.TextResult(fmt.Sprintf("Expert %s deleted.", args.Tag))
}

// expertCall posts an expert CRUD body and relays any validation error.
func (p *Provider) expertCall(ctx context.Context, method, path string, args expertArgs, okText string) toolrpc.CallResult {
	body, _ := json.Marshal(args)
	req, err := http.NewRequestWithContext(ctx, method, p.forumURL+path, bytes.NewReader(body))
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return toolrpc.ErrorResult("forum unavailable: " + err.Error())
	}
	defer resp.Body.Close()
	var out struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}
	return toolrpc.TextResult(okText)
}

// createTopic posts a topic and returns its id.
func (p *Provider) createTopic(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.forumURL+"/topics", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("forum unavailable: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		TopicID string `json:"topic_id"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode forum response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	return out.TopicID, nil
}

// get performs a GET and decodes JSON, returning the HTTP status.
func (p *Provider) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.forumURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode forum response: %w", err)
	}
	return resp.StatusCode, nil
}
