package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Client drives a tool-provider subprocess over its stdin/stdout.
// A client serves one in-flight call at a time; Call serializes.
type Client struct {
	name string
	cmd  *exec.Cmd

	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu     sync.Mutex // one request/response exchange at a time
	nextID int
	broken error // set once the channel desyncs or the process dies
}

// Launch starts the provider process and wires its pipes. The process
// inherits the parent environment plus extraEnv, and its stderr passes
// through for diagnostics.
func Launch(name string, command string, args []string, extraEnv []string) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("toolrpc: stdin pipe for %s: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("toolrpc: stdout pipe for %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("toolrpc: start %s: %w", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20)

	return &Client{name: name, cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

// NewPipeClient builds a client over explicit pipes, for tests.
func NewPipeClient(name string, w io.WriteCloser, r io.Reader) *Client {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20)
	return &Client{name: name, stdin: w, stdout: scanner}
}

// Name returns the provider group name given at launch.
func (c *Client) Name() string { return c.name }

// ListTools asks the provider for its tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.roundTrip(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("toolrpc: %s list_tools result: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and returns its result.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage) (CallResult, error) {
	params, err := json.Marshal(callToolParams{Name: tool, Args: args})
	if err != nil {
		return CallResult{}, fmt.Errorf("toolrpc: marshal call params: %w", err)
	}
	raw, err := c.roundTrip(ctx, "call_tool", params)
	if err != nil {
		return CallResult{}, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallResult{}, fmt.Errorf("toolrpc: %s call_tool result: %w", c.name, err)
	}
	return result, nil
}

// roundTrip writes one request and reads one response, holding the
// channel lock for the whole exchange. If the context expires mid-read
// the channel is desynced and the client is marked broken; every later
// call fails fast.
func (c *Client) roundTrip(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, fmt.Errorf("toolrpc: provider %s unusable: %w", c.name, c.broken)
	}

	c.nextID++
	id := json.RawMessage(strconv.Itoa(c.nextID))
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("toolrpc: marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		c.broken = err
		return nil, fmt.Errorf("toolrpc: write to %s: %w", c.name, err)
	}

	type readResult struct {
		resp response
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		var rr readResult
		rr.resp, rr.err = c.readResponse(string(id))
		done <- rr
	}()

	select {
	case <-ctx.Done():
		c.broken = ctx.Err()
		return nil, fmt.Errorf("toolrpc: call to %s: %w", c.name, ctx.Err())
	case rr := <-done:
		if rr.err != nil {
			c.broken = rr.err
			return nil, rr.err
		}
		if rr.resp.Error != nil {
			return nil, fmt.Errorf("toolrpc: %s %s: rpc error %d: %s",
				c.name, method, rr.resp.Error.Code, rr.resp.Error.Message)
		}
		return rr.resp.Result, nil
	}
}

// readResponse scans lines until the response matching wantID arrives.
// Providers answer in order, so a mismatched id means desync.
func (c *Client) readResponse(wantID string) (response, error) {
	for c.stdout.Scan() {
		line := c.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return response{}, fmt.Errorf("toolrpc: %s sent invalid json: %w", c.name, err)
		}
		if string(resp.ID) != wantID {
			return response{}, fmt.Errorf("toolrpc: %s response id mismatch: got %s want %s",
				c.name, resp.ID, wantID)
		}
		return resp, nil
	}
	if err := c.stdout.Err(); err != nil {
		return response{}, fmt.Errorf("toolrpc: read from %s: %w", c.name, err)
	}
	return response{}, fmt.Errorf("toolrpc: provider %s closed its output", c.name)
}

// Close shuts the provider down by closing its stdin and waiting for
// the process to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = fmt.Errorf("closed")
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil {
		return c.cmd.Wait()
	}
	return nil
}
