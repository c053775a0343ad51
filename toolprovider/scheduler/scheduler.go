// Package scheduler exposes alarm tools backed by the cron trigger
// service. The username and session identity are injected by the host;
// the session carried on add_alarm is where the trigger will later be
// delivered.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minitime/minitime/toolrpc"
)

// Provider serves the alarm tools against one cron service.
type Provider struct {
	cronURL string
	client  *http.Client
}

// New creates a provider talking to the cron service at cronURL.
func New(cronURL string) *Provider {
	return &Provider{cronURL: strings.TrimRight(cronURL, "/"), client: &http.Client{}}
}

// Tools returns the provider's tool set for registration.
func (p *Provider) Tools() []toolrpc.Tool {
	return []toolrpc.Tool{
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "add_alarm",
				Description: "Create a recurring scheduled task. The cron expression uses five fields: minute hour day-of-month month day-of-week. When the task fires, the text is delivered into this conversation.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"cron":{"type":"string","description":"Five-field cron expression, e.g. '30 8 * * *' for 08:30 daily"},"text":{"type":"string","description":"Message delivered when the task fires"}},"required":["cron","text"]}`),
			},
			Execute: p.addAlarm,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "list_alarms",
				Description: "List the user's scheduled tasks with their ids and next fire times.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			},
			Execute: p.listAlarms,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "delete_alarm",
				Description: "Delete a scheduled task by its id.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"task_id":{"type":"string"}},"required":["task_id"]}`),
			},
			Execute: p.deleteAlarm,
		},
	}
}

type alarmArgs struct {
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
	Cron      string `json:"cron"`
	Text      string `json:"text"`
	TaskID    string `json:"task_id"`
}

func (p *Provider) addAlarm(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args alarmArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Cron == "" || args.Text == "" {
		return toolrpc.ErrorResult("cron and text are required")
	}

	body, _ := json.Marshal(map[string]string{
		"user_id":    args.Username,
		"session_id": args.SessionID,
		"cron":       args.Cron,
		"text":       args.Text,
	})
	var out struct {
		TaskID  string `json:"task_id"`
		NextRun string `json:"next_run"`
		Error   string `json:"error"`
	}
	if err := p.call(ctx, http.MethodPost, "/tasks", body, &out); err != nil {
		return toolrpc.ErrorResult("scheduler unavailable: " + err.Error())
	}
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}
	return toolrpc.TextResult(fmt.Sprintf("Alarm %s created, next fire at %s", out.TaskID, out.NextRun))
}

func (p *Provider) listAlarms(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args alarmArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}

	var out struct {
		Tasks []struct {
			ID      string `json:"task_id"`
			Cron    string `json:"cron"`
			Text    string `json:"text"`
			NextRun string `json:"next_run"`
		} `json:"tasks"`
		Error string `json:"error"`
	}
	path := "/tasks?user_id=" + url.QueryEscape(args.Username)
	if err := p.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return toolrpc.ErrorResult("scheduler unavailable: " + err.Error())
	}
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}
	if len(out.Tasks) == 0 {
		return toolrpc.TextResult("No scheduled tasks.")
	}
	var sb strings.Builder
	for _, t := range out.Tasks {
		fmt.Fprintf(&sb, "[%s] %s -> %q (next: %s)\n", t.ID, t.Cron, t.Text, t.NextRun)
	}
	return toolrpc.TextResult(strings.TrimRight(sb.String(), "\n"))
}

func (p *Provider) deleteAlarm(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args alarmArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.TaskID == "" {
		return toolrpc.ErrorResult("task_id is required")
	}

	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	path := "/tasks/" + url.PathEscape(args.TaskID) + "?user_id=" + url.QueryEscape(args.Username)
	if err := p.call(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return toolrpc.ErrorResult("scheduler unavailable: " + err.Error())
	}
	if out.Error != "" {
		return toolrpc.ErrorResult(out.Error)
	}
	return toolrpc.TextResult("Alarm " + args.TaskID + " deleted")
}

func (p *Provider) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cronURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
