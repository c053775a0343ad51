// Package push delivers phone notifications through Bark and manages
// each user's push configuration (Bark key and an optional public URL
// the notification links back to). Configuration persists as one JSON
// file.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minitime/minitime/toolrpc"
)

const defaultBarkServer = "https://api.day.app"

// userConfig is one user's push settings.
type userConfig struct {
	BarkKey   string `json:"bark_key,omitempty"`
	PublicURL string `json:"public_url,omitempty"`
}

// Provider serves the push tools.
type Provider struct {
	path       string
	barkServer string
	client     *http.Client

	mu    sync.Mutex
	users map[string]*userConfig
}

// New creates a provider persisting config at path. barkServer defaults
// to the public Bark instance.
func New(path, barkServer string) (*Provider, error) {
	if barkServer == "" {
		barkServer = defaultBarkServer
	}
	p := &Provider{
		path:       path,
		barkServer: strings.TrimRight(barkServer, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		users:      make(map[string]*userConfig),
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &p.users); err != nil {
			return nil, fmt.Errorf("parse push config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read push config: %w", err)
	}
	return p, nil
}

// Tools returns the provider's tool set for registration.
func (p *Provider) Tools() []toolrpc.Tool {
	return []toolrpc.Tool{
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "set_push_key",
				Description: "Save the user's Bark key so notifications can be sent to their phone.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"bark_key":{"type":"string","description":"The user's Bark device key"}},"required":["bark_key"]}`),
			},
			Execute: p.setPushKey,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "send_push_notification",
				Description: "Send a push notification to the user's phone via Bark. Requires a saved Bark key.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"body":{"type":"string"}},"required":["title","body"]}`),
			},
			Execute: p.sendNotification,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "get_push_status",
				Description: "Check whether the user has push configured, and show the public URL if set.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			},
			Execute: p.getStatus,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "set_public_url",
				Description: "Set the user's public URL. Notifications link to it when tapped.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
			},
			Execute: p.setPublicURL,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "get_public_url",
				Description: "Show the user's configured public URL.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			},
			Execute: p.getPublicURL,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "clear_public_url",
				Description: "Remove the user's public URL configuration.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			},
			Execute: p.clearPublicURL,
		},
	}
}

type pushArgs struct {
	Username string `json:"username"`
	BarkKey  string `json:"bark_key"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	URL      string `json:"url"`
}

// config returns the user's settings, creating an empty entry on first
// access. Caller must hold p.mu.
func (p *Provider) config(username string) *userConfig {
	c, ok := p.users[username]
	if !ok {
		c = &userConfig{}
		p.users[username] = c
	}
	return c
}

// save persists the full config map. Caller must hold p.mu.
func (p *Provider) save() error {
	data, err := json.MarshalIndent(p.users, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(p.path, data, 0o600)
}

func decodeArgs(raw json.RawMessage) (pushArgs, error) {
	var args pushArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("invalid args: %w", err)
	}
	if args.Username == "" {
		return args, fmt.Errorf("username missing")
	}
	return args, nil
}

func (p *Provider) setPushKey(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	args, err := decodeArgs(raw)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	if args.BarkKey == "" {
		return toolrpc.ErrorResult("bark_key is required")
	}
	p.mu.Lock()
	p.config(args.Username).BarkKey = args.BarkKey
	err = p.save()
	p.mu.Unlock()
	if err != nil {
		return toolrpc.ErrorResult("save failed: " + err.Error())
	}
	return toolrpc.TextResult("Bark key saved. Push notifications are now enabled.")
}

func (p *Provider) sendNotification(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	args, err := decodeArgs(raw)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	if args.Title == "" && args.Body == "" {
		return toolrpc.ErrorResult("title or body is required")
	}

	p.mu.Lock()
	cfg := *p.config(args.Username)
	p.mu.Unlock()
	if cfg.BarkKey == "" {
		return toolrpc.ErrorResult("no Bark key configured; ask the user for their key and call set_push_key first")
	}

	endpoint := fmt.Sprintf("%s/%s/%s/%s",
		p.barkServer, url.PathEscape(cfg.BarkKey),
		url.PathEscape(args.Title), url.PathEscape(args.Body))
	if cfg.PublicURL != "" {
		endpoint += "?url=" + url.QueryEscape(cfg.PublicURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return toolrpc.ErrorResult("build request: " + err.Error())
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return toolrpc.ErrorResult("push failed: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return toolrpc.ErrorResult(fmt.Sprintf("push server returned %d", resp.StatusCode))
	}
	return toolrpc.TextResult("Notification sent.")
}

func (p *Provider) getStatus(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	args, err := decodeArgs(raw)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	p.mu.Lock()
	cfg := *p.config(args.Username)
	p.mu.Unlock()

	if cfg.BarkKey == "" {
		return toolrpc.TextResult("Push is not configured. Ask the user for their Bark key.")
	}
	status := "Push is configured."
	if cfg.PublicURL != "" {
		status += " Public URL: " + cfg.PublicURL
	} else {
		status += " No public URL set."
	}
	return toolrpc.TextResult(status)
}

func (p *Provider) setPublicURL(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	args, err := decodeArgs(raw)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return toolrpc.ErrorResult("url must be a valid http(s) URL")
	}
	p.mu.Lock()
	p.config(args.Username).PublicURL = args.URL
	err = p.save()
	p.mu.Unlock()
	if err != nil {
		return toolrpc.ErrorResult("save failed: " + err.Error())
	}
	return toolrpc.TextResult("Public URL set to " + args.URL)
}

func (p *Provider) getPublicURL(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	args, err := decodeArgs(raw)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	p.mu.Lock()
	cfg := *p.config(args.Username)
	p.mu.Unlock()
	if cfg.PublicURL == "" {
		return toolrpc.TextResult("No public URL configured.")
	}
	return toolrpc.TextResult(cfg.PublicURL)
}

func (p *Provider) clearPublicURL(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	args, err := decodeArgs(raw)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	p.mu.Lock()
	p.config(args.Username).PublicURL = ""
	err = p.save()
	p.mu.Unlock()
	if err != nil {
		return toolrpc.ErrorResult("save failed: " + err.Error())
	}
	return toolrpc.TextResult("Public URL cleared.")
}
