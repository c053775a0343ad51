package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Tool is one tool a provider process exposes.
type Tool struct {
	// Definition describes the tool (name, description, parameter schema).
	Definition ToolDefinition
	// Execute is called when the host invokes call_tool for this tool.
	Execute func(ctx context.Context, args json.RawMessage) CallResult
}

// Server answers list_tools and call_tool over stdio.
// Register tools before calling Serve.
type Server struct {
	tools  []Tool
	logger *slog.Logger

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes
}

// NewServer creates a provider server bound to stdin/stdout.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		logger: logger,
		reader: os.Stdin,
		writer: os.Stdout,
	}
}

// Register adds a tool. Must be called before Serve.
func (s *Server) Register(t Tool) {
	s.tools = append(s.tools, t)
}

// Serve reads requests from stdin and writes responses to stdout.
// Blocks until stdin is closed or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("toolrpc: read stdin: %w", err)
	}
	return nil
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}

	resp := s.dispatch(ctx, &req)
	if resp != nil {
		s.writeResponse(*resp)
	}
}

// dispatch routes a request. Returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "list_tools":
		return s.handleListTools(req)
	case "call_tool":
		return s.handleCallTool(ctx, req)
	case "ping":
		return s.respond(req.ID, struct{}{})
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleListTools(req *request) *response {
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return s.respond(req.ID, listToolsResult{Tools: defs})
}

func (s *Server) handleCallTool(ctx context.Context, req *request) *response {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			result := t.Execute(ctx, params.Args)
			return s.respond(req.ID, result)
		}
	}
	return s.respond(req.ID, ErrorResult("unknown tool: "+params.Name))
}

func (s *Server) respond(id json.RawMessage, result any) *response {
	raw, err := json.Marshal(result)
	if err != nil {
		return s.respondError(id, errCodeInternal, "marshal result: "+err.Error())
	}
	return &response{JSONRPC: "2.0", ID: id, Result: raw}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("toolrpc: marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("toolrpc: write response", "error", err)
	}
}
