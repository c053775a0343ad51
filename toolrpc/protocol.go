// Package toolrpc implements the tool-provider subprocess protocol:
// JSON-RPC 2.0 over stdin/stdout, one message per line. A provider
// process answers two methods, list_tools and call_tool, and serves
// exactly one call at a time per channel.
package toolrpc

import "encoding/json"

// --- JSON-RPC 2.0 types ---

// request is an incoming JSON-RPC 2.0 request.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// --- Protocol payloads ---

// ToolDefinition describes a tool a provider exposes.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// listToolsResult is the response to list_tools.
type listToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// callToolParams is the request payload for call_tool.
type callToolParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// CallResult is the response payload for call_tool.
type CallResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// TextResult creates a successful CallResult.
func TextResult(text string) CallResult {
	return CallResult{Content: text}
}

// ErrorResult creates a failed CallResult. The text is still delivered
// to the model as the tool's output.
func ErrorResult(text string) CallResult {
	return CallResult{Content: text, IsError: true}
}
