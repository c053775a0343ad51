package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	minitime "github.com/minitime/minitime"
)

// streamSSE reads an SSE stream from body, sends text-delta events to
// ch, and returns the fully accumulated response (content + tool calls
// + usage). The caller owns ch; streamSSE never closes it.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- minitime.StreamEvent) (*minitime.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var total minitime.Usage

	// Tool calls stream incrementally: each chunk carries an index and
	// argument fragments arrive as string pieces.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			total.InputTokens = chunk.Usage.PromptTokens
			total.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- minitime.StreamEvent{Type: minitime.EventTextDelta, Content: delta.Content}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var finalCalls []minitime.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		finalCalls = append(finalCalls, minitime.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	return &minitime.ChatResponse{
		Content:   fullContent.String(),
		ToolCalls: finalCalls,
		Usage:     total,
	}, nil
}
