// Package filemanager provides per-user file tools inside a sandboxed
// workspace. Each user gets a private directory under the workspace
// root; the username argument is injected by the host, never supplied
// by the model.
package filemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minitime/minitime/toolrpc"
)

const maxReadChars = 8000

// Provider serves the file tools for one workspace root.
type Provider struct {
	root string
}

// New creates a provider rooted at root.
func New(root string) *Provider {
	return &Provider{root: root}
}

// Tools returns the provider's tool set for registration.
func (p *Provider) Tools() []toolrpc.Tool {
	return []toolrpc.Tool{
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "list_files",
				Description: "List the files in the user's workspace directory.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			},
			Execute: p.listFiles,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "read_file",
				Description: "Read a file from the user's workspace. Returns the content, truncated if large.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"filename":{"type":"string","description":"File name relative to the workspace"}},"required":["filename"]}`),
			},
			Execute: p.readFile,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "write_file",
				Description: "Write content to a file in the user's workspace, overwriting any existing content.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"filename":{"type":"string"},"content":{"type":"string"}},"required":["filename","content"]}`),
			},
			Execute: p.writeFile,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "append_file",
				Description: "Append content to the end of a file in the user's workspace, creating it if absent.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"filename":{"type":"string"},"content":{"type":"string"}},"required":["filename","content"]}`),
			},
			Execute: p.appendFile,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "delete_file",
				Description: "Delete a file from the user's workspace.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"filename":{"type":"string"}},"required":["filename"]}`),
			},
			Execute: p.deleteFile,
		},
	}
}

type fileArgs struct {
	Username string `json:"username"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// resolve validates the filename and returns the absolute path inside
// the user's directory, creating the directory on first use.
func (p *Provider) resolve(username, filename string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username missing")
	}
	if filename == "" {
		return "", fmt.Errorf("filename is required")
	}
	if filepath.IsAbs(filename) || strings.Contains(filename, "..") {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}
	userDir := filepath.Join(p.root, username)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	resolved := filepath.Join(userDir, filename)
	if !strings.HasPrefix(resolved, userDir) {
		return "", fmt.Errorf("path escapes workspace: %s", filename)
	}
	return resolved, nil
}

func (p *Provider) listFiles(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args fileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Username == "" {
		return toolrpc.ErrorResult("username missing")
	}
	entries, err := os.ReadDir(filepath.Join(p.root, args.Username))
	if os.IsNotExist(err) {
		return toolrpc.TextResult("(workspace is empty)")
	}
	if err != nil {
		return toolrpc.ErrorResult("list error: " + err.Error())
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return toolrpc.TextResult("(workspace is empty)")
	}
	sort.Strings(names)
	return toolrpc.TextResult(strings.Join(names, "\n"))
}

func (p *Provider) readFile(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args fileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	path, err := p.resolve(args.Username, args.Filename)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return toolrpc.ErrorResult("read error: " + err.Error())
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return toolrpc.TextResult(content)
}

func (p *Provider) writeFile(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args fileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	path, err := p.resolve(args.Username, args.Filename)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return toolrpc.ErrorResult("write error: " + err.Error())
	}
	return toolrpc.TextResult(fmt.Sprintf("Written %d bytes to %s", len(args.Content), args.Filename))
}

func (p *Provider) appendFile(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args fileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	path, err := p.resolve(args.Username, args.Filename)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return toolrpc.ErrorResult("open error: " + err.Error())
	}
	defer f.Close()
	if _, err := f.WriteString(args.Content); err != nil {
		return toolrpc.ErrorResult("append error: " + err.Error())
	}
	return toolrpc.TextResult(fmt.Sprintf("Appended %d bytes to %s", len(args.Content), args.Filename))
}

func (p *Provider) deleteFile(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args fileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	path, err := p.resolve(args.Username, args.Filename)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	if err := os.Remove(path); err != nil {
		return toolrpc.ErrorResult("delete error: " + err.Error())
	}
	return toolrpc.TextResult("Deleted " + args.Filename)
}
