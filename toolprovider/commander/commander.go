// Package commander executes shell commands and Python snippets inside
// each user's workspace directory. Shell commands are restricted to an
// allowlist checked against the first word of every pipeline segment.
package commander

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/minitime/minitime/toolrpc"
)

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 300 * time.Second
	maxOutputChars = 4000
)

// defaultAllowed is the built-in command allowlist.
var defaultAllowed = []string{
	"ls", "cat", "head", "tail", "grep", "wc", "find", "sort", "uniq",
	"echo", "date", "pwd", "df", "du", "free", "uptime", "whoami",
	"curl", "ping", "sed", "awk", "cut", "tr", "diff", "file", "stat",
}

// Provider serves the command tools for one workspace root.
type Provider struct {
	root    string
	allowed map[string]bool
	python  string
}

// New creates a provider. An empty allowlist falls back to the built-in
// set. pythonBin defaults to "python3".
func New(root string, allowed []string, pythonBin string) *Provider {
	if len(allowed) == 0 {
		allowed = defaultAllowed
	}
	set := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		set[c] = true
	}
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &Provider{root: root, allowed: set, python: pythonBin}
}

// Tools returns the provider's tool set for registration.
func (p *Provider) Tools() []toolrpc.Tool {
	return []toolrpc.Tool{
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "run_command",
				Description: "Execute an allowlisted shell command in the user's workspace. Returns stdout and stderr.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
			},
			Execute: p.runCommand,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "run_python_code",
				Description: "Execute a Python code snippet in the user's workspace. Use for calculations and data processing.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"code":{"type":"string","description":"Python source to run"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["code"]}`),
			},
			Execute: p.runPython,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "list_allowed_commands",
				Description: "List the shell commands permitted by run_command.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
			},
			Execute: p.listAllowed,
		},
	}
}

type cmdArgs struct {
	Username string `json:"username"`
	Command  string `json:"command"`
	Code     string `json:"code"`
	Timeout  int    `json:"timeout"`
}

// userDir ensures and returns the user's workspace directory.
func (p *Provider) userDir(username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username missing")
	}
	dir := filepath.Join(p.root, username)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// checkAllowed validates every pipeline segment's leading word.
func (p *Provider) checkAllowed(command string) error {
	for _, segment := range strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&'
	}) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		if !p.allowed[fields[0]] {
			return fmt.Errorf("command %q is not in the allowlist; use list_allowed_commands to see permitted commands", fields[0])
		}
	}
	return nil
}

func clampTimeout(seconds int) time.Duration {
	d := defaultTimeout
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	if d > maxTimeout {
		d = maxTimeout
	}
	return d
}

func (p *Provider) runCommand(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args cmdArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Command == "" {
		return toolrpc.ErrorResult("command is required")
	}
	if err := p.checkAllowed(args.Command); err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	dir, err := p.userDir(args.Username)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	return p.execute(ctx, dir, clampTimeout(args.Timeout), "sh", "-c", args.Command)
}

func (p *Provider) runPython(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args cmdArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.Code == "" {
		return toolrpc.ErrorResult("code is required")
	}
	dir, err := p.userDir(args.Username)
	if err != nil {
		return toolrpc.ErrorResult(err.Error())
	}
	return p.execute(ctx, dir, clampTimeout(args.Timeout), p.python, "-c", args.Code)
}

func (p *Provider) listAllowed(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	names := make([]string, 0, len(p.allowed))
	for c := range p.allowed {
		names = append(names, c)
	}
	sort.Strings(names)
	return toolrpc.TextResult(strings.Join(names, ", "))
}

func (p *Provider) execute(ctx context.Context, dir string, timeout time.Duration, name string, argv ...string) toolrpc.CallResult {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, argv...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxOutputChars {
		output = output[:maxOutputChars] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return toolrpc.ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output))
		}
		if output == "" {
			output = err.Error()
		}
		return toolrpc.ErrorResult("exit: " + err.Error() + "\n" + output)
	}
	if output == "" {
		output = "(no output)"
	}
	return toolrpc.TextResult(output)
}
