package openaicompat

import (
	"encoding/json"

	minitime "github.com/minitime/minitime"
)

// parseResponse converts an OpenAI-format chatResponse to the neutral
// form. It extracts content, tool calls, and usage from choices[0].
func parseResponse(resp chatResponse) *minitime.ChatResponse {
	out := &minitime.ChatResponse{}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message != nil {
			out.Content = choice.Message.Content
			out.ToolCalls = parseToolCalls(choice.Message.ToolCalls)
		}
	}
	if resp.Usage != nil {
		out.Usage = minitime.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts OpenAI tool call requests. The API returns
// function.arguments as a JSON string; invalid fragments degrade to {}.
func parseToolCalls(tcs []toolCallRequest) []minitime.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]minitime.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, minitime.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
