package minitime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxParallelDispatch caps the number of concurrent tool call goroutines.
const maxParallelDispatch = 10

// userScopedTools is the fixed set of tools that receive the caller's
// username as an injected argument. The model never supplies identity.
var userScopedTools = map[string]bool{
	"list_files":             true,
	"read_file":              true,
	"write_file":             true,
	"append_file":            true,
	"delete_file":            true,
	"run_command":            true,
	"run_python_code":        true,
	"add_alarm":              true,
	"list_alarms":            true,
	"delete_alarm":           true,
	"set_push_key":           true,
	"send_push_notification": true,
	"get_push_status":        true,
	"set_public_url":         true,
	"get_public_url":         true,
	"clear_public_url":       true,
}

// InvokeScope carries the per-turn identity and policy the invoker
// applies to every call.
type InvokeScope struct {
	UserID    string
	SessionID string
	// Enabled is the set of tool names the user has switched on.
	// A nil map means everything is enabled.
	Enabled map[string]bool
}

// Invoker executes tool calls against the registry with per-user policy:
// enabled-set short-circuit, identity injection, parallel dispatch with
// ordered results.
type Invoker struct {
	registry *Registry
	logger   *slog.Logger
	tracer   Tracer
}

// NewInvoker wires an invoker over a registry.
func NewInvoker(registry *Registry, logger *slog.Logger, tracer Tracer) *Invoker {
	if logger == nil {
		logger = nopLogger
	}
	return &Invoker{registry: registry, logger: logger, tracer: tracer}
}

// Invoke executes one tool call. Failures never return an error: they
// degrade to a ToolResult whose content describes the failure, so the
// model can react and the loop continues.
func (inv *Invoker) Invoke(ctx context.Context, call ToolCall, scope InvokeScope) ToolResult {
	if scope.Enabled != nil && !scope.Enabled[call.Name] {
		return ToolResult{
			Content: fmt.Sprintf("tool %q is not enabled for this user; ask the user to enable it in settings first", call.Name),
			Error:   "disabled",
		}
	}

	tool, ok := inv.registry.lookup(call.Name)
	if !ok {
		return ToolResult{
			Content: fmt.Sprintf("unknown tool %q", call.Name),
			Error:   "unknown tool",
		}
	}

	args := inv.injectIdentity(call.Name, call.Args, scope)

	if inv.tracer != nil {
		var span Span
		ctx, span = inv.tracer.Start(ctx, "tool.invoke",
			StringAttr("tool", call.Name), StringAttr("group", tool.Group))
		defer span.End()
	}

	start := time.Now()
	result, err := tool.caller.CallTool(ctx, call.Name, args)
	if err != nil {
		inv.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		return ToolResult{
			Content: fmt.Sprintf("tool %q failed: %v", call.Name, err),
			Error:   err.Error(),
		}
	}
	inv.logger.Debug("tool call done", "tool", call.Name, "duration", time.Since(start))
	if result.IsError {
		return ToolResult{Content: result.Content, Error: result.Content}
	}
	return ToolResult{Content: result.Content}
}

// injectIdentity overwrites identity arguments on user-scoped tools.
// Malformed model-supplied args degrade to an empty object so injection
// still happens.
func (inv *Invoker) injectIdentity(tool string, raw json.RawMessage, scope InvokeScope) json.RawMessage {
	needUser := userScopedTools[tool]
	needSession := tool == "add_alarm"
	if !needUser && !needSession {
		return raw
	}

	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			inv.logger.Warn("malformed tool args, injecting into empty object", "tool", tool, "error", err)
			args = map[string]any{}
		}
	}
	if needUser {
		args["username"] = scope.UserID
	}
	if needSession {
		args["session_id"] = scope.SessionID
	}
	out, err := json.Marshal(args)
	if err != nil {
		return raw
	}
	return out
}

// indexedResult pairs a result with its position in the original call
// slice, allowing channel-based collection in order.
type indexedResult struct {
	idx    int
	result ToolResult
}

// safeInvoke wraps Invoke with panic recovery so a misbehaving provider
// binding cannot crash the turn.
func (inv *Invoker) safeInvoke(ctx context.Context, call ToolCall, scope InvokeScope) (tr ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			tr = ToolResult{
				Content: fmt.Sprintf("tool %q panic: %v", call.Name, p),
				Error:   fmt.Sprintf("panic: %v", p),
			}
		}
	}()
	return inv.Invoke(ctx, call, scope)
}

// DispatchAll runs all calls concurrently and returns results in input
// order. Single calls run inline. Multiple calls use a fixed worker pool
// pulling from a shared work channel; calls to the same provider still
// serialize on the provider's stdio channel.
func (inv *Invoker) DispatchAll(ctx context.Context, calls []ToolCall, scope InvokeScope) []ToolResult {
	if len(calls) == 1 {
		return []ToolResult{inv.safeInvoke(ctx, calls[0], scope)}
	}

	resultCh := make(chan indexedResult, len(calls))

	type workItem struct {
		idx  int
		call ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, c := range calls {
		workCh <- workItem{idx: i, call: c}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, ToolResult{
						Content: "error: " + ctx.Err().Error(),
						Error:   ctx.Err().Error(),
					}}
					continue
				}
				resultCh <- indexedResult{w.idx, inv.safeInvoke(ctx, w.call, scope)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			errResult := ToolResult{Content: "error: " + ctx.Err().Error(), Error: ctx.Err().Error()}
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = ToolResult{Content: "error: result not received", Error: "result not received"}
		}
	}
	return results
}
